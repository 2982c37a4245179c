package probe

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"time"
)

// scriptedServer drives the server side of a net.Pipe: it writes banner
// immediately, then for every line it reads from the client it writes
// the next reply in order. It stops (and closes) once replies run out,
// simulating a disconnect.
func scriptedServer(server net.Conn, banner string, replies []string) {
	defer server.Close()
	w := bufio.NewWriter(server)
	r := bufio.NewReader(server)
	if banner != "" {
		io.WriteString(w, banner)
		w.Flush()
	}
	for _, rep := range replies {
		if _, err := r.ReadString('\n'); err != nil {
			return
		}
		io.WriteString(w, rep)
		w.Flush()
	}
}

// staticDialer hands back a pre-wired net.Conn per host, or fails with
// NoConnection-style error for unknown hosts (simulating refused/
// unreachable).
type staticDialer map[string]net.Conn

func (d staticDialer) Dial(ctx context.Context, host, port string, timeout time.Duration) (net.Conn, error) {
	c, ok := d[host]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return c, nil
}

func pipeFor(handler func(net.Conn)) net.Conn {
	server, client := net.Pipe()
	go handler(server)
	return client
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeouts = Timeouts{
		Connected: time.Second,
		Ehlo:      time.Second,
		Mail:      time.Second,
		Rcpt:      time.Second,
		Rset:      time.Second,
		Quit:      time.Second,
		Noop:      time.Second,
	}
	cfg.Sender = "user@localhost"
	return cfg
}
