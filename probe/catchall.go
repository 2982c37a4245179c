package probe

import "fmt"

// CatchAllResult is the outcome of probing a domain for catch-all
// behavior. Indeterminate is true when the session disconnected during
// the probe; that case is surfaced rather than silently treated as
// "not catch-all".
type CatchAllResult struct {
	IsCatchAll    bool
	Indeterminate bool
}

// ProbeCatchAll issues "RCPT TO:<catch-all-test-<unix_ts>@domain>" inside
// an already-established session (after Helo+MailFrom succeeded) and
// infers catch-all behavior from the reply.
func ProbeCatchAll(s *Session, domain string, unixTS int64) CatchAllResult {
	probeAddr := fmt.Sprintf("catch-all-test-%d@%s", unixTS, domain)
	_, accepted, err := s.Rcpt(probeAddr)
	if err != nil {
		// Disconnect or protocol failure mid-probe: the session is
		// closed and the result is indeterminate, not "assume not
		// catch-all".
		_ = s.t.Close()
		return CatchAllResult{Indeterminate: true}
	}
	return CatchAllResult{IsCatchAll: accepted}
}
