package probe

import (
	"context"
	"math/rand"
	"net"
	"strings"
	"testing"
)

// A clean accept yields a truthy verdict carrying the raw RCPT reply
// text, and that text also lands in PassRes.
func TestRcptAcceptedYieldsAcceptedVerdict(t *testing.T) {
	client := pipeFor(func(server net.Conn) {
		scriptedServer(server, "220 ok\r\n", []string{
			"250 ok\r\n", // EHLO
			"250 ok\r\n", // MAIL FROM
			"250 ok\r\n", // RCPT TO
			"221 bye\r\n", // QUIT
		})
	})

	cfg := testConfig()
	cfg.Dialer = staticDialer{"mx.example.com": client}
	v := NewVerifier(cfg, rand.New(rand.NewSource(1)))

	res := v.Run(context.Background(), []string{"a@example.com"}, map[string][]string{
		"example.com": {"mx.example.com"},
	})

	verdict := res.Verdicts["a@example.com"]
	if !verdict.Truthy() {
		t.Fatalf("expected truthy verdict, got %+v", verdict)
	}
	if verdict.Text != "250 ok\r\n" {
		t.Errorf("expected verdict text %q, got %q", "250 ok\r\n", verdict.Text)
	}
	if len(res.PassRes) != 1 || res.PassRes[0] != "250 ok\r\n" {
		t.Errorf("expected passRes [%q], got %v", "250 ok\r\n", res.PassRes)
	}
}

// A 550 rejection yields a non-truthy verdict.
func TestRcptRejectedYieldsRejectedVerdict(t *testing.T) {
	client := pipeFor(func(server net.Conn) {
		scriptedServer(server, "220 ok\r\n", []string{
			"250 ok\r\n",
			"250 ok\r\n",
			"550 no such user\r\n",
			"221 bye\r\n",
		})
	})

	cfg := testConfig()
	cfg.Dialer = staticDialer{"mx.example.com": client}
	v := NewVerifier(cfg, rand.New(rand.NewSource(1)))

	res := v.Run(context.Background(), []string{"a@example.com"}, map[string][]string{
		"example.com": {"mx.example.com"},
	})

	verdict := res.Verdicts["a@example.com"]
	if verdict.Truthy() {
		t.Fatalf("expected non-truthy verdict for 550, got %+v", verdict)
	}
	if verdict.Kind != Rejected {
		t.Errorf("expected Rejected, got %v", verdict.Kind)
	}
}

// Greylisting is truthy iff GreylistedConsideredValid is set.
func TestGreylistTruthyOnlyWhenConfiguredValid(t *testing.T) {
	newConn := func() net.Conn {
		return pipeFor(func(server net.Conn) {
			scriptedServer(server, "220 ok\r\n", []string{
				"250 ok\r\n",
				"250 ok\r\n",
				"451 try later\r\n",
				"221 bye\r\n",
			})
		})
	}

	for _, considerValid := range []bool{true, false} {
		cfg := testConfig()
		cfg.GreylistedConsideredValid = considerValid
		cfg.Dialer = staticDialer{"mx.example.com": newConn()}
		v := NewVerifier(cfg, rand.New(rand.NewSource(1)))

		res := v.Run(context.Background(), []string{"a@example.com"}, map[string][]string{
			"example.com": {"mx.example.com"},
		})

		verdict := res.Verdicts["a@example.com"]
		if considerValid && !verdict.Truthy() {
			t.Errorf("GreylistedConsideredValid=true: expected truthy, got %+v", verdict)
		}
		if !considerValid && verdict.Truthy() {
			t.Errorf("GreylistedConsideredValid=false: expected falsy, got %+v", verdict)
		}
	}
}

// A 421 at EHLO aborts the session and bulk-attributes the domain's
// addresses to NoCommIsValid; mailError names the 421 reply.
func TestCode421AbortsHostAttempt(t *testing.T) {
	client := pipeFor(func(server net.Conn) {
		scriptedServer(server, "220 ok\r\n", []string{
			"421 busy\r\n", // EHLO
		})
	})

	cfg := testConfig()
	cfg.NoCommIsValid = false
	cfg.Dialer = staticDialer{"mx.example.com": client}
	v := NewVerifier(cfg, rand.New(rand.NewSource(1)))

	res := v.Run(context.Background(), []string{"a@example.com"}, map[string][]string{
		"example.com": {"mx.example.com"},
	})

	verdict := res.Verdicts["a@example.com"]
	if verdict.Kind != Inconclusive {
		t.Errorf("expected Inconclusive (no_comm_is_valid=false), got %+v", verdict)
	}
	if !strings.Contains(res.MailError, "421 busy") {
		t.Errorf("expected mailError to mention 421 busy, got %q", res.MailError)
	}
}

// A positive catch-all probe marks the domain catch-all and, with
// CatchallIsValid=false, downgrades every address on it to Rejected.
func TestCatchAllProbeDowngradesDomainVerdicts(t *testing.T) {
	client := pipeFor(func(server net.Conn) {
		scriptedServer(server, "220 ok\r\n", []string{
			"250 ok\r\n", // EHLO
			"250 ok\r\n", // MAIL FROM
			"250 ok\r\n", // RCPT TO catch-all probe
			"221 bye\r\n", // QUIT
		})
	})

	cfg := testConfig()
	cfg.CatchallTest = true
	cfg.CatchallIsValid = false
	cfg.Dialer = staticDialer{"mx.example.com": client}
	v := NewVerifier(cfg, rand.New(rand.NewSource(1)))

	res := v.Run(context.Background(), []string{"a@example.com", "b@example.com"}, map[string][]string{
		"example.com": {"mx.example.com"},
	})

	info := res.Domains["example.com"]
	if info.Catchall == nil || !*info.Catchall {
		t.Fatalf("expected domain flagged catch-all, got %+v", info)
	}
	for _, addr := range []string{"a@example.com", "b@example.com"} {
		if res.Verdicts[addr].Truthy() {
			t.Errorf("expected %s downgraded to falsy under catch-all, got %+v", addr, res.Verdicts[addr])
		}
	}
}

// When MX1 fails outright, MX2 starts with a fresh Session — no state
// carried over — and can still succeed.
func TestMXFailoverStartsFreshSession(t *testing.T) {
	goodConn := pipeFor(func(server net.Conn) {
		scriptedServer(server, "220 ok\r\n", []string{
			"250 ok\r\n",
			"250 ok\r\n",
			"250 ok\r\n",
			"221 bye\r\n",
		})
	})

	cfg := testConfig()
	cfg.ProbeAllMX = func(domain string) bool { return true }
	cfg.Dialer = staticDialer{
		// "mx1.example.com" intentionally absent: dial fails (refused).
		"mx2.example.com": goodConn,
	}
	v := NewVerifier(cfg, rand.New(rand.NewSource(1)))

	res := v.Run(context.Background(), []string{"a@example.com"}, map[string][]string{
		"example.com": {"mx1.example.com", "mx2.example.com"},
	})

	verdict := res.Verdicts["a@example.com"]
	if !verdict.Truthy() {
		t.Fatalf("expected MX2 to succeed after MX1 failure, got %+v", verdict)
	}
}

// A malformed address never reaches the dispatcher's domain grouping,
// but still gets a Rejected verdict in the result map rather than
// being silently dropped.
func TestMalformedAddressYieldsRejectedVerdict(t *testing.T) {
	cfg := testConfig()
	v := NewVerifier(cfg, rand.New(rand.NewSource(1)))

	res := v.Run(context.Background(), []string{"not-an-email"}, map[string][]string{})

	verdict, ok := res.Verdicts["not-an-email"]
	if !ok {
		t.Fatalf("expected a verdict for the malformed address, found none")
	}
	if verdict.Kind != Rejected {
		t.Errorf("expected Rejected, got %+v", verdict)
	}
}
