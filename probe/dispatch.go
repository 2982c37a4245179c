package probe

import (
	"context"
	"math/rand"
	"sort"
	"time"
)

// Verifier drives one verification run end to end: it owns at most one
// live transport at a time and resets its session state on every
// disconnect. It does no internal concurrency; callers wanting N
// domains verified in parallel instantiate N independent Verifiers.
type Verifier struct {
	cfg Config
	log *Diagnostics
	rng *rand.Rand
}

// NewVerifier builds a Verifier. rng may be nil, in which case a
// time-seeded source is used; passing one in makes the single-random-MX
// policy branch deterministic for tests.
func NewVerifier(cfg Config, rng *rand.Rand) *Verifier {
	if cfg.Dialer == nil {
		cfg.Dialer = DirectDialer{}
	}
	if cfg.ProbeAllMX == nil {
		cfg.ProbeAllMX = defaultProbeAllMX
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Verifier{cfg: cfg, log: NewDiagnostics(cfg.Debug), rng: rng}
}

// Log returns the diagnostics log accessor.
func (v *Verifier) Log() []string { return v.log.Entries() }

// Run verifies every address in emails, grouping by domain and using the
// caller-supplied MX list for each domain (mxs[domain]). It never returns
// a Go error: failures are signaled through RunResults.MailError instead,
// so a caller always gets a result for every address it submitted.
func (v *Verifier) Run(ctx context.Context, emails []string, mxs map[string][]string) RunResults {
	v.log.Reset()
	results := newRunResults()
	agg := newAggregator(v.cfg, results)

	batch, parseErrs := NewDomainBatch(emails)
	for _, f := range parseErrs {
		v.log.Logf("parse error: %v", f.Err)
		results.Verdicts[f.Raw] = Verdict{Kind: Rejected, Reason: f.Err.Error()}
	}

	for _, domain := range batch.Domains() {
		locals := batch.Locals(domain)
		rawAddrs := batch.RawAddresses(domain)
		hostList := append([]string(nil), mxs[domain]...)
		sort.Strings(hostList)

		info := DomainInfo{Users: locals, MXs: hostList}
		results.Domains[domain] = info

		if len(hostList) == 0 {
			agg.results.MailError = "no MX hosts supplied for " + domain
			for _, raw := range rawAddrs {
				agg.recordConnFailure(raw, agg.results.MailError)
			}
			continue
		}

		selected := v.selectHosts(domain, hostList)
		v.runDomain(ctx, agg, domain, locals, rawAddrs, selected)
	}

	return *results
}

// selectHosts probes every MX for domains flagged ProbeAllMX (operators
// like qq.com that give inconsistent answers from different MXs),
// otherwise a single uniformly random MX is enough.
func (v *Verifier) selectHosts(domain string, sorted []string) []string {
	if v.cfg.ProbeAllMX(domain) {
		return sorted
	}
	i := v.rng.Intn(len(sorted))
	return []string{sorted[i]}
}

// runDomain tries each selected host in turn. Verdicts gathered during a
// host attempt are committed to agg only if that attempt completes
// without a fatal SessionError; otherwise they're discarded and the next
// host is tried with a fresh Session, so a partial failure against one
// MX can never taint the attempt against the next.
func (v *Verifier) runDomain(ctx context.Context, agg *aggregator, domain string, locals, rawAddrs, hosts []string) {
	var lastErr *SessionError

	for _, host := range hosts {
		tmp := newRunResults()
		tmpAgg := newAggregator(agg.cfg, tmp)

		ok, sessionErr := v.attemptHost(ctx, tmpAgg, domain, locals, rawAddrs, host)
		if ok {
			mergeInto(agg.results, tmp)
			return
		}
		lastErr = sessionErr
		v.log.Logf("MX %s failed for domain %s: %v", host, domain, sessionErr)
	}

	// Every selected host failed: bulk-attribute every address still
	// unresolved on this domain to whatever the last host's failure was.
	if lastErr != nil {
		agg.results.MailError = lastErr.Error()
	}
	for _, raw := range rawAddrs {
		if _, done := agg.results.Verdicts[raw]; done {
			continue
		}
		if lastErr != nil && lastErr.Kind == NoConnection {
			agg.recordConnFailure(raw, agg.results.MailError)
		} else {
			agg.recordCommFailure(raw, agg.results.MailError)
		}
	}
}

// mergeInto copies a successful host attempt's results into the run's
// aggregate results.
func mergeInto(dst, src *RunResults) {
	for k, v := range src.Verdicts {
		dst.Verdicts[k] = v
	}
	for k, v := range src.Domains {
		existing := dst.Domains[k]
		existing.Catchall = v.Catchall
		dst.Domains[k] = existing
	}
	dst.PassRes = append(dst.PassRes, src.PassRes...)
}

// attemptHost runs one full session against one MX host: connect,
// banner, EHLO, MAIL FROM, an optional catch-all probe, then RCPT for
// every local part. It returns ok=true only if every step that can fail
// the whole attempt succeeded; individual RCPT rejections are not
// attempt failures.
func (v *Verifier) attemptHost(ctx context.Context, agg *aggregator, domain string, locals, rawAddrs []string, host string) (ok bool, sessionErr *SessionError) {
	t, err := Connect(ctx, v.cfg.Dialer, host, v.cfg.Port, v.cfg.Timeouts.Connected)
	if err != nil {
		return false, err
	}
	defer t.Close()

	s := NewSession(t, v.cfg, v.log)

	if err := s.AwaitBanner(); err != nil {
		return false, err
	}
	if err := s.Helo(); err != nil {
		return false, err
	}
	if err := s.MailFrom(); err != nil {
		return false, err
	}

	if v.cfg.CatchallTest {
		cr := ProbeCatchAll(s, domain, time.Now().Unix())
		if cr.Indeterminate {
			v.log.Logf("catch-all probe on %s indeterminate (disconnect during probe)", domain)
		} else if cr.IsCatchAll {
			agg.applyCatchAll(domain, rawAddrs)
			s.Quit()
			return true, nil
		} else {
			notCatchAll := false
			info := agg.results.Domains[domain]
			info.Catchall = &notCatchAll
			agg.results.Domains[domain] = info
		}
		if !s.connected() {
			return false, &SessionError{Kind: NoResponse, Host: host, Detail: "disconnected during catch-all probe"}
		}
	}

	// RCPT is probed once per distinct local-part (locals is already
	// deduplicated); the resulting verdict is then fanned out to every
	// raw input address sharing that local-part below.
	type outcome struct {
		text     string
		accepted bool
		kind     VerdictKind
	}
	byLocal := make(map[string]outcome, len(locals))

	for i, local := range locals {
		addr := local + "@" + domain
		if i > 0 {
			s.Noop()
			if !s.connected() {
				return false, &SessionError{Kind: NoResponse, Host: host, Detail: "disconnected mid-session"}
			}
		}
		text, accepted, rerr := s.Rcpt(addr)
		if rerr != nil {
			return false, rerr
		}
		kind := Rejected
		if accepted {
			kind = Accepted
			if Classify(codeOf(text)) == CategoryGreylisted {
				kind = Greylisted
			}
		}
		byLocal[local] = outcome{text: text, accepted: accepted, kind: kind}
	}

	s.Quit()

	for _, raw := range rawAddrs {
		addr, err := ParseAddress(raw)
		if err != nil {
			continue
		}
		o := byLocal[addr.Local]
		if o.accepted {
			agg.recordAccepted(raw, Verdict{Kind: o.kind, Text: o.text})
		} else {
			agg.recordRejected(raw)
		}
	}
	return true, nil
}

// codeOf extracts the leading 3-digit code from a raw multi-line reply's
// concatenated text, used only to decide whether an accepted RCPT was a
// plain success or a greylist code accepted under policy.
func codeOf(text string) int {
	n := 0
	for i := 0; i < len(text) && i < 3; i++ {
		if text[i] < '0' || text[i] > '9' {
			return 0
		}
		n = n*10 + int(text[i]-'0')
	}
	return n
}
