package probe

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/textproto"
	"time"

	"golang.org/x/net/proxy"
)

// Dialer opens a TCP stream to host:port. It is the seam the dispatcher
// uses to choose a direct connection, a SOCKS5-tunneled one, or (for
// HTTP-CONNECT) a pre-tunneled one; the choice of proxied vs. direct is
// the dispatcher's to make, not the transport's.
type Dialer interface {
	Dial(ctx context.Context, host, port string, timeout time.Duration) (net.Conn, error)
}

// DirectDialer dials the mail server directly with a net.Dialer bounded
// by the connect timeout.
type DirectDialer struct{}

func (DirectDialer) Dial(ctx context.Context, host, port string, timeout time.Duration) (net.Conn, error) {
	var d net.Dialer
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
}

// SOCKS5Config names a proxy the dispatcher can route outbound SMTP
// connections through.
type SOCKS5Config struct {
	Address  string
	Username string
	Password string
}

// SOCKS5Dialer tunnels the TCP connection through a SOCKS5 proxy. It
// never falls back to a direct connection on failure — callers that
// want a fail-safe policy compose that at the cmd/ layer, not inside
// probe.
type SOCKS5Dialer struct {
	Config SOCKS5Config
}

func (d SOCKS5Dialer) Dial(ctx context.Context, host, port string, timeout time.Duration) (net.Conn, error) {
	var auth *proxy.Auth
	if d.Config.Username != "" && d.Config.Password != "" {
		auth = &proxy.Auth{User: d.Config.Username, Password: d.Config.Password}
	}
	dialer, err := proxy.SOCKS5("tcp", d.Config.Address, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("create SOCKS5 dialer: %w", err)
	}
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := dialer.Dial("tcp", net.JoinHostPort(host, port))
		ch <- result{conn, err}
	}()
	select {
	case res := <-ch:
		return res.conn, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("SOCKS5 connect to %s timed out", net.JoinHostPort(host, port))
	}
}

// HTTPConnectDialer tunnels through an HTTP-CONNECT proxy. Once the
// tunnel returns 200 the stream behaves identically to a direct one.
type HTTPConnectDialer struct {
	ProxyAddr string
}

func (d HTTPConnectDialer) Dial(ctx context.Context, host, port string, timeout time.Duration) (net.Conn, error) {
	var nd net.Dialer
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := nd.DialContext(dctx, "tcp", d.ProxyAddr)
	if err != nil {
		return nil, fmt.Errorf("connect to proxy %s: %w", d.ProxyAddr, err)
	}
	target := net.JoinHostPort(host, port)
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\nProxy-Connection: Keep-Alive\r\n\r\n", target, target); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}
	tr := textproto.NewReader(bufio.NewReader(conn))
	line, err := tr.ReadLine()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	if _, err := tr.ReadMIMEHeader(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT headers: %w", err)
	}
	var proto string
	var status int
	if _, err := fmt.Sscanf(line, "%s %d", &proto, &status); err != nil || status != 200 {
		conn.Close()
		return nil, fmt.Errorf("CONNECT tunnel to %s failed: %q", target, line)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Transport wraps a live TCP stream with a framed reader, used by the
// session state machine to write commands and read logical replies.
// Close is idempotent; a Transport is owned exclusively by one session.
type Transport struct {
	conn   net.Conn
	reader *bufio.Reader
	host   string
	closed bool
}

// Connect opens a stream to host:port using dialer, within
// connectDeadline. A dial failure surfaces as NoConnection.
func Connect(ctx context.Context, dialer Dialer, host, port string, connectDeadline time.Duration) (*Transport, *SessionError) {
	conn, err := dialer.Dial(ctx, host, port, connectDeadline)
	if err != nil {
		return nil, &SessionError{Kind: NoConnection, Host: host, Detail: err.Error()}
	}
	_ = conn.SetReadDeadline(time.Now().Add(connectDeadline))
	return &Transport{conn: conn, reader: bufio.NewReader(conn), host: host}, nil
}

// SetDeadline overrides the read deadline ahead of the next command,
// since each SMTP command in the dialog gets its own timeout.
func (t *Transport) SetDeadline(d time.Duration) {
	_ = t.conn.SetDeadline(time.Now().Add(d))
}

// Send frames and writes one command.
func (t *Transport) Send(line string) *SessionError {
	return writeCommand(t.conn, t.host, line)
}

// Recv reads one logical reply.
func (t *Transport) Recv() (reply, *SessionError) {
	return readReply(t.reader, t.host)
}

// Close is idempotent and issues no QUIT — the session is responsible
// for sending QUIT before calling Close.
func (t *Transport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}
