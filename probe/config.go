package probe

import "time"

// Timeouts names the seven per-command deadlines applied during a
// session's SMTP dialog.
type Timeouts struct {
	Connected time.Duration
	Ehlo      time.Duration
	Mail      time.Duration
	Rcpt      time.Duration
	Rset      time.Duration
	Quit      time.Duration
	Noop      time.Duration
}

// DefaultTimeouts returns a conservative set of per-command deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connected: 10 * time.Second,
		Ehlo:      120 * time.Second,
		Mail:      300 * time.Second,
		Rcpt:      300 * time.Second,
		Rset:      30 * time.Second,
		Quit:      60 * time.Second,
		Noop:      300 * time.Second,
	}
}

// Config is the typed configuration for a Verifier: timeouts, port,
// sender identity, and the policy flags the aggregator consults.
type Config struct {
	Timeouts Timeouts
	Port     string

	// Sender is the local@domain used for MAIL FROM and as the EHLO
	// argument's domain part. Defaults to "user@localhost".
	Sender string

	CatchallTest               bool
	CatchallIsValid            bool
	NoCommIsValid              bool
	NoConnIsValid              bool
	GreylistedConsideredValid  bool
	Debug                      bool

	// Dialer picks the transport strategy (direct, SOCKS5, HTTP-CONNECT).
	// Defaults to DirectDialer when nil.
	Dialer Dialer

	// ProbeAllMX decides, per domain, whether every MX should be tried
	// (qq.com-class operators, which answer inconsistently across MXs)
	// or a single random MX. Defaults to probing only domains in the
	// built-in qq.com set.
	ProbeAllMX func(domain string) bool
}

// DefaultConfig returns a Config with reasonable defaults for all
// policy flags.
func DefaultConfig() Config {
	return Config{
		Timeouts:        DefaultTimeouts(),
		Port:            "25",
		Sender:          "user@localhost",
		NoCommIsValid:   false,
		NoConnIsValid:   false,
		CatchallIsValid: true,
		ProbeAllMX:      defaultProbeAllMX,
	}
}

var probeAllMXDomains = map[string]bool{
	"qq.com": true,
}

func defaultProbeAllMX(domain string) bool {
	return probeAllMXDomains[domain]
}
