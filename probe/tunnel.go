package probe

import (
	"bufio"
	"strconv"
	"strings"
)

// TranscriptVerdict is the outcome of classifying an HTTP-CONNECT
// tunneled transcript.
type TranscriptVerdict struct {
	Verdict Verdict
	Fatal   bool // true when a domain-wide failure pattern matched
	Reason  string
}

// fatalPatterns are substrings that, wherever found in the transcript,
// mean the whole domain attempt failed regardless of anything else in
// the transcript.
var fatalPatterns = []string{
	"too many connections",
	"Connection reset by peer",
	"connect to PROXY port",
	"Connection timed out",
}

// ClassifyTranscript regex/substring-matches a cURL-mode transcript
// against the known fatal and per-stage reply patterns and returns the
// verdict for a single probed address, or a fatal bulk-failure signal.
func ClassifyTranscript(transcript []byte) TranscriptVerdict {
	text := string(transcript)

	for _, pat := range fatalPatterns {
		if strings.Contains(text, pat) {
			return TranscriptVerdict{Fatal: true, Reason: pat}
		}
	}

	lines := splitLines(text)

	if ok, status := followingStatus(lines, "Proxy-Connection: Keep-Alive"); ok && status != 200 {
		return TranscriptVerdict{Fatal: true, Reason: "proxy CONNECT rejected"}
	}
	if ok, status := followingStatus(lines, "Proxy replied OK to CONNECT"); ok && status != 220 {
		return TranscriptVerdict{Fatal: true, Reason: "non-220 banner after CONNECT"}
	}
	if ok, status := followingStatus(lines, "> EHLO"); ok && status != 250 {
		return TranscriptVerdict{Fatal: true, Reason: "EHLO rejected"}
	}
	if ok, status := followingStatus(lines, "> MAIL FROM"); ok && status != 250 {
		return TranscriptVerdict{Fatal: true, Reason: "MAIL FROM rejected"}
	}

	if ok, status := followingStatus(lines, "> RCPT TO"); ok {
		if status == 250 {
			return TranscriptVerdict{Verdict: Verdict{Kind: Accepted}}
		}
		return TranscriptVerdict{Verdict: Verdict{Kind: Rejected}}
	}

	return TranscriptVerdict{Verdict: Verdict{Kind: Inconclusive, Reason: "no RCPT line found in transcript"}}
}

func splitLines(text string) []string {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

// followingStatus finds marker in lines and returns the first 3-digit
// status code ("< NNN ...") appearing on a subsequent line.
func followingStatus(lines []string, marker string) (found bool, status int) {
	for i, line := range lines {
		if !strings.Contains(line, marker) {
			continue
		}
		for _, next := range lines[i+1:] {
			trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(next), "<"))
			if len(trimmed) < 3 {
				continue
			}
			if n, err := strconv.Atoi(trimmed[:3]); err == nil {
				return true, n
			}
		}
		return true, 0
	}
	return false, 0
}
