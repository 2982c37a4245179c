// Package ratelimit throttles outbound SMTP probes, globally and per
// destination domain, so a verification run never looks like a spam
// burst to the mailbox providers it is probing.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// DomainLimit names a fixed per-domain rate, used to seed well-known
// large mailbox providers that are known to be sensitive to probing
// bursts.
type DomainLimit struct {
	Domain string
	Rate   float64 // probes per second
	Burst  int
}

// defaultDomainLimits mirrors the conservative per-provider ceilings a
// production verifier would ship with: the big webmail providers get the
// tightest limits, everything else falls back to DefaultRate.
var defaultDomainLimits = []DomainLimit{
	{Domain: "gmail.com", Rate: 2, Burst: 2},
	{Domain: "googlemail.com", Rate: 2, Burst: 2},
	{Domain: "outlook.com", Rate: 1, Burst: 1},
	{Domain: "hotmail.com", Rate: 1, Burst: 1},
	{Domain: "live.com", Rate: 1, Burst: 1},
	{Domain: "yahoo.com", Rate: 1, Burst: 1},
}

// Config configures a Manager. A zero DefaultRate or DefaultBurst falls
// back to 5 when a per-domain limiter is created; GlobalRate,
// GlobalBurst and DomainLimits are used as given.
type Config struct {
	GlobalRate  float64
	GlobalBurst int
	DefaultRate float64
	DefaultBurst int
	DomainLimits []DomainLimit
	Verbose     bool
}

// DefaultConfig returns the conservative defaults: 10/sec globally, 5/sec
// per unrecognized domain, with the well-known providers above throttled
// tighter.
func DefaultConfig() Config {
	return Config{
		GlobalRate:   10,
		GlobalBurst:  10,
		DefaultRate:  5,
		DefaultBurst: 5,
		DomainLimits: defaultDomainLimits,
	}
}

// Manager owns a global limiter and a set of lazily-created per-domain
// limiters, mirroring the two-tier throttling a bulk verifier needs: a
// hard ceiling on total outbound probe rate, and gentler per-provider
// ceilings underneath it.
type Manager struct {
	cfg     Config
	global  *rate.Limiter
	mu      sync.RWMutex
	domains map[string]*rate.Limiter
	notable map[string]bool
}

// New creates a Manager from cfg, seeding the named domain limits
// up front.
func New(cfg Config) *Manager {
	m := &Manager{
		cfg:     cfg,
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		domains: make(map[string]*rate.Limiter),
		notable: make(map[string]bool),
	}
	for _, dl := range cfg.DomainLimits {
		m.domains[dl.Domain] = rate.NewLimiter(rate.Limit(dl.Rate), dl.Burst)
		m.notable[dl.Domain] = true
	}
	return m
}

// Wait blocks until both the global limiter and domain's limiter admit
// one probe, or ctx is cancelled. The global wait always happens first,
// so no domain-specific limiter can bypass the overall ceiling.
func (m *Manager) Wait(ctx context.Context, domain string) error {
	domain = strings.ToLower(domain)

	if err := m.global.Wait(ctx); err != nil {
		return fmt.Errorf("global rate limit: %w", err)
	}

	limiter := m.limiterFor(domain)
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit for %s: %w", domain, err)
	}

	if m.cfg.Verbose && m.notable[domain] {
		log.Printf("rate limit wait for [%s]", domain)
	}
	return nil
}

func (m *Manager) limiterFor(domain string) *rate.Limiter {
	m.mu.RLock()
	l, ok := m.domains[domain]
	m.mu.RUnlock()
	if ok {
		return l
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok = m.domains[domain]; ok {
		return l
	}
	rateVal := m.cfg.DefaultRate
	burst := m.cfg.DefaultBurst
	if rateVal <= 0 {
		rateVal = 5
	}
	if burst <= 0 {
		burst = 5
	}
	l = rate.NewLimiter(rate.Limit(rateVal), burst)
	m.domains[domain] = l
	return l
}

// DescribeRate returns a human-readable description of the current limit
// for domain, for logging.
func (m *Manager) DescribeRate(domain string) string {
	domain = strings.ToLower(domain)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if l, ok := m.domains[domain]; ok {
		return fmt.Sprintf("%.1f/sec", float64(l.Limit()))
	}
	return fmt.Sprintf("%.1f/sec (default)", m.cfg.DefaultRate)
}
