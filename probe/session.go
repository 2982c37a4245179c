package probe

import (
	"fmt"
	"strconv"
	"strings"
)

// SessionState tracks which stage of the dialog a session has reached.
// RSET clears mailDone and rcptDone but preserves heloDone; QUIT
// requires heloDone.
type SessionState struct {
	HeloDone bool
	MailDone bool
	RcptDone bool
}

// Session drives one connection's SMTP dialog. A fresh Session is
// created per MX attempt by the dispatcher: no field is ever reused
// across attempts, so state from a failed attempt against one host can
// never leak into the attempt against the next.
type Session struct {
	t      *Transport
	cfg    Config
	state  SessionState
	domain string // EHLO/MAIL FROM domain (sender's, not the recipient's)
	log    *Diagnostics
}

// NewSession wraps a Transport already connected to an MX host.
func NewSession(t *Transport, cfg Config, log *Diagnostics) *Session {
	senderDomain := "localhost"
	if i := strings.LastIndexByte(cfg.Sender, '@'); i >= 0 {
		senderDomain = cfg.Sender[i+1:]
	}
	return &Session{t: t, cfg: cfg, domain: senderDomain, log: log}
}

// State returns a copy of the current session flags.
func (s *Session) State() SessionState { return s.state }

// connected reports whether the underlying transport is still open.
// Noop closes it when NOOP cannot be sent or draws no reply, so NOOP
// failures are checked against this rather than treated as fatal.
func (s *Session) connected() bool {
	return s.t != nil && !s.t.closed
}

// AwaitBanner expects the 220 greeting within the connected timeout.
// Failure to receive it is Inconclusive(banner) at the caller level; here
// it is surfaced as the underlying SessionError so the dispatcher can
// choose the bulk-verdict policy.
func (s *Session) AwaitBanner() *SessionError {
	s.t.SetDeadline(s.cfg.Timeouts.Connected)
	r, err := s.t.Recv()
	if err != nil {
		s.logf("banner: %v", err)
		return err
	}
	s.logf("< %s", strings.TrimRight(r.Text, "\r\n"))
	if r.Code != 220 {
		return s.unexpected("banner", r)
	}
	return nil
}

// Helo sends "EHLO <from_domain>". Servers that reject EHLO are
// expected to accept a HELO retry; this implementation does not
// auto-retry and surfaces the EHLO failure directly.
func (s *Session) Helo() *SessionError {
	cmd := "EHLO " + s.domain
	if err := s.sendAndLog(cmd); err != nil {
		return err
	}
	s.t.SetDeadline(s.cfg.Timeouts.Ehlo)
	r, err := s.t.Recv()
	if err != nil {
		return err
	}
	s.logf("< %s", strings.TrimRight(r.Text, "\r\n"))
	if r.Code == 421 || r.Code != 250 {
		return s.unexpected("EHLO", r)
	}
	s.state.HeloDone = true
	return nil
}

// MailFrom sends "MAIL FROM:<sender>" (sender may be empty, i.e. "<>").
// On any unexpected reply the socket is force-closed without QUIT,
// since some MTAs drop the connection outright after rejecting MAIL
// FROM and a QUIT would just block until the timeout.
func (s *Session) MailFrom() *SessionError {
	if !s.state.HeloDone {
		return &SessionError{Kind: NoHelo, Detail: "MAIL FROM before EHLO succeeded"}
	}
	addr := s.cfg.Sender
	cmd := fmt.Sprintf("MAIL FROM:<%s>", addr)
	if err := s.sendAndLog(cmd); err != nil {
		_ = s.t.Close()
		return err
	}
	s.t.SetDeadline(s.cfg.Timeouts.Mail)
	r, err := s.t.Recv()
	if err != nil {
		_ = s.t.Close()
		return err
	}
	s.logf("< %s", strings.TrimRight(r.Text, "\r\n"))
	if r.Code == 421 || r.Code != 250 {
		_ = s.t.Close()
		return s.unexpected("MAIL FROM", r)
	}
	s.state.MailDone = true
	return nil
}

// Noop issues NOOP between RCPTs to cheaply detect a mid-session
// disconnect. Acceptable replies are 250, 500, 502, 503, 220, or a reply
// whose text starts with the literal token "SMTP", which some
// non-conforming servers send in place of a real NOOP reply. NOOP
// failure is non-fatal: the caller checks connected() and proceeds.
func (s *Session) Noop() {
	if err := s.sendAndLog("NOOP"); err != nil {
		_ = s.t.Close()
		return
	}
	s.t.SetDeadline(s.cfg.Timeouts.Noop)
	r, err := s.t.Recv()
	if err != nil {
		_ = s.t.Close()
		return
	}
	s.logf("< %s", strings.TrimRight(r.Text, "\r\n"))
	switch r.Code {
	case 250, 500, 502, 503, 220:
		return
	}
	if strings.HasPrefix(strings.TrimSpace(r.Text), "SMTP") {
		return
	}
	// Non-conforming or unexpected reply: leave connected() to decide
	// whether the caller should keep going.
}

// rcptAcceptedCodes returns the expected-codes set for RCPT TO, which
// grows to include the greylist codes when the policy flag is set.
func (s *Session) rcptAcceptedCodes() map[int]bool {
	codes := map[int]bool{250: true, 251: true}
	if s.cfg.GreylistedConsideredValid {
		codes[450] = true
		codes[451] = true
		codes[452] = true
	}
	return codes
}

// Rcpt sends "RCPT TO:<addr>" and returns the raw reply text on an
// accepted code, or (false, nil) on a clean rejection. A *SessionError
// is returned only for protocol/transport failures, not for ordinary
// 5xx rejections.
func (s *Session) Rcpt(addr string) (text string, accepted bool, sessionErr *SessionError) {
	if !s.state.MailDone {
		return "", false, &SessionError{Kind: NoMailFrom, Detail: "RCPT TO before MAIL FROM succeeded"}
	}
	cmd := fmt.Sprintf("RCPT TO:<%s>", addr)
	if err := s.sendAndLog(cmd); err != nil {
		return "", false, err
	}
	s.t.SetDeadline(s.cfg.Timeouts.Rcpt)
	r, err := s.t.Recv()
	if err != nil {
		return "", false, err
	}
	s.logf("< %s", strings.TrimRight(r.Text, "\r\n"))
	if r.Code == 421 {
		return "", false, s.unexpected("RCPT TO", r)
	}
	s.state.RcptDone = true
	if s.rcptAcceptedCodes()[r.Code] {
		return r.Text, true, nil
	}
	return "", false, nil
}

// Reset sends RSET, clearing mailDone and rcptDone while preserving
// heloDone.
func (s *Session) Reset() *SessionError {
	if err := s.sendAndLog("RSET"); err != nil {
		return err
	}
	s.t.SetDeadline(s.cfg.Timeouts.Rset)
	r, err := s.t.Recv()
	if err != nil {
		return err
	}
	s.logf("< %s", strings.TrimRight(r.Text, "\r\n"))
	switch r.Code {
	case 250, 220, 502, 554:
		s.state.MailDone = false
		s.state.RcptDone = false
		return nil
	}
	return s.unexpected("RSET", r)
}

// Quit sends QUIT only if heloDone; errors are swallowed since the
// socket is about to be closed regardless.
func (s *Session) Quit() {
	if !s.state.HeloDone {
		return
	}
	if err := s.sendAndLog("QUIT"); err != nil {
		return
	}
	s.t.SetDeadline(s.cfg.Timeouts.Quit)
	_, _ = s.t.Recv()
}

func (s *Session) sendAndLog(cmd string) *SessionError {
	s.logf("> %s", cmd)
	return s.t.Send(cmd)
}

func (s *Session) unexpected(verb string, r reply) *SessionError {
	return &SessionError{
		Kind:   UnexpectedResponse,
		Host:   s.t.host,
		Detail: verb + ": unexpected " + strconv.Itoa(r.Code) + " " + strings.TrimSpace(r.Text),
	}
}

func (s *Session) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Logf(format, args...)
	}
}
