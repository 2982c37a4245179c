package probe

import (
	"context"
	"net"
	"testing"
	"time"
)

// connDialer always returns the same pre-wired net.Conn, regardless of
// host/port, for tests that only ever dial once.
type connDialer struct{ conn net.Conn }

func (d connDialer) Dial(ctx context.Context, host, port string, timeout time.Duration) (net.Conn, error) {
	return d.conn, nil
}

func connectTestSession(t *testing.T, client net.Conn, cfg Config) *Session {
	t.Helper()
	tr, serr := Connect(context.Background(), connDialer{conn: client}, "host", "25", cfg.Timeouts.Connected)
	if serr != nil {
		t.Fatalf("connect: %v", serr)
	}
	return NewSession(tr, cfg, nil)
}

// MAIL FROM before EHLO, and RCPT TO before MAIL FROM, are rejected as
// programmer errors (NoHelo/NoMailFrom) rather than sent on the wire.
func TestStateOrderingGuards(t *testing.T) {
	client := pipeFor(func(server net.Conn) {
		scriptedServer(server, "220 ok\r\n", nil)
	})
	s := connectTestSession(t, client, testConfig())

	if err := s.MailFrom(); err == nil || err.Kind != NoHelo {
		t.Fatalf("expected NoHelo before EHLO, got %v", err)
	}

	if _, _, err := s.Rcpt("a@example.com"); err == nil || err.Kind != NoMailFrom {
		t.Fatalf("expected NoMailFrom before MAIL FROM, got %v", err)
	}
}

// QUIT is a no-op on the wire unless heloDone.
func TestQuitRequiresHelo(t *testing.T) {
	client := pipeFor(func(server net.Conn) {
		// No replies scripted: if Quit() wrote anything, the server's
		// blocking read would never complete the test would hang
		// instead of returning promptly.
		scriptedServer(server, "220 ok\r\n", nil)
	})
	s := connectTestSession(t, client, testConfig())
	s.Quit() // must not block or send anything: heloDone is false
}

// RSET clears mailDone/rcptDone but preserves heloDone.
func TestResetPreservesHelo(t *testing.T) {
	client := pipeFor(func(server net.Conn) {
		scriptedServer(server, "220 ok\r\n", []string{
			"250 ok\r\n", // EHLO
			"250 ok\r\n", // MAIL FROM
			"250 ok\r\n", // RCPT TO
			"250 ok\r\n", // RSET
		})
	})
	s := connectTestSession(t, client, testConfig())

	if err := s.AwaitBanner(); err != nil {
		t.Fatalf("banner: %v", err)
	}
	if err := s.Helo(); err != nil {
		t.Fatalf("helo: %v", err)
	}
	if err := s.MailFrom(); err != nil {
		t.Fatalf("mail from: %v", err)
	}
	if _, _, err := s.Rcpt("a@example.com"); err != nil {
		t.Fatalf("rcpt: %v", err)
	}
	if err := s.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}

	st := s.State()
	if !st.HeloDone {
		t.Error("expected heloDone preserved across RSET")
	}
	if st.MailDone || st.RcptDone {
		t.Error("expected mailDone/rcptDone cleared by RSET")
	}
}
