// Command emailverify is a one-shot CLI for checking one or more
// addresses against caller-supplied MX hosts, without the queue/store
// machinery emailverifyd needs for a long-running worker.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"emailverify/probe"
	"emailverify/resolver"
)

func main() {
	app := &cli.App{
		Name:  "emailverify",
		Usage: "probe mail exchangers to check whether addresses are deliverable",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "email", Aliases: []string{"e"}, Usage: "address to verify (repeatable)", Required: true},
			&cli.StringSliceFlag{Name: "mx", Usage: "MX hostname to probe (repeatable); resolved via DNS when omitted"},
			&cli.StringFlag{Name: "sender", Value: "user@localhost", Usage: "MAIL FROM / EHLO identity"},
			&cli.StringFlag{Name: "port", Value: "25", Usage: "SMTP port"},
			&cli.BoolFlag{Name: "catchall-test", Value: true, Usage: "probe a random mailbox to detect catch-all domains"},
			&cli.BoolFlag{Name: "catchall-is-valid", Value: false, Usage: "treat catch-all domains as accepting every address"},
			&cli.BoolFlag{Name: "greylisted-is-valid", Value: true, Usage: "treat 4xx greylist replies as accepted"},
			&cli.BoolFlag{Name: "no-comm-is-valid", Value: false, Usage: "fallback verdict when the session drops mid-conversation"},
			&cli.BoolFlag{Name: "no-conn-is-valid", Value: false, Usage: "fallback verdict when the MX refuses the TCP connection"},
			&cli.BoolFlag{Name: "debug", Usage: "mirror the diagnostics log to stderr"},
			&cli.BoolFlag{Name: "json", Usage: "print results as JSON instead of a text table"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "emailverify:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	emails := c.StringSlice("email")
	explicitMX := c.StringSlice("mx")

	cfg := probe.DefaultConfig()
	cfg.Port = c.String("port")
	cfg.Sender = c.String("sender")
	cfg.CatchallTest = c.Bool("catchall-test")
	cfg.CatchallIsValid = c.Bool("catchall-is-valid")
	cfg.GreylistedConsideredValid = c.Bool("greylisted-is-valid")
	cfg.NoCommIsValid = c.Bool("no-comm-is-valid")
	cfg.NoConnIsValid = c.Bool("no-conn-is-valid")
	cfg.Debug = c.Bool("debug")

	mxs, err := resolveMX(c.Context, emails, explicitMX)
	if err != nil {
		return err
	}

	v := probe.NewVerifier(cfg, rand.New(rand.NewSource(time.Now().UnixNano())))
	ctx, cancel := context.WithTimeout(c.Context, 5*time.Minute)
	defer cancel()
	results := v.Run(ctx, emails, mxs)

	if c.Bool("json") {
		return printJSON(results)
	}
	printTable(emails, results)
	return nil
}

// resolveMX returns mxs[domain] for every domain in emails: the
// explicit --mx list if given (shared across every domain), otherwise a
// live resolver.Resolver lookup per domain.
func resolveMX(ctx context.Context, emails, explicitMX []string) (map[string][]string, error) {
	domains := map[string]bool{}
	for _, e := range emails {
		addr, err := probe.ParseAddress(e)
		if err != nil {
			continue
		}
		domains[strings.ToLower(addr.Domain)] = true
	}

	mxs := make(map[string][]string, len(domains))
	if len(explicitMX) > 0 {
		for d := range domains {
			mxs[d] = explicitMX
		}
		return mxs, nil
	}

	res := resolver.New()
	for d := range domains {
		hosts, err := res.Lookup(ctx, d)
		if err != nil {
			return nil, fmt.Errorf("resolve MX for %s: %w", d, err)
		}
		mxs[d] = hosts
	}
	return mxs, nil
}

func printTable(emails []string, results probe.RunResults) {
	for _, e := range emails {
		v, ok := results.Verdicts[e]
		if !ok {
			fmt.Printf("%-40s %s\n", e, "no verdict")
			continue
		}
		fmt.Printf("%-40s %-12s %s\n", e, kindLabel(v.Kind), verdictDetail(v))
	}
	if results.MailError != "" {
		fmt.Fprintln(os.Stderr, "last error:", results.MailError)
	}
}

func kindLabel(k probe.VerdictKind) string {
	switch k {
	case probe.Accepted:
		return "accepted"
	case probe.Rejected:
		return "rejected"
	case probe.Greylisted:
		return "greylisted"
	case probe.CatchAll:
		return "catch-all"
	default:
		return "inconclusive"
	}
}

func verdictDetail(v probe.Verdict) string {
	if v.Text != "" {
		return strings.TrimSpace(v.Text)
	}
	return v.Reason
}

type jsonOutput struct {
	Verdicts  map[string]jsonVerdict      `json:"verdicts"`
	Domains   map[string]probe.DomainInfo `json:"domains"`
	MailError string                      `json:"mailError,omitempty"`
	PassRes   []string                    `json:"passRes,omitempty"`
}

type jsonVerdict struct {
	Kind   string `json:"kind"`
	Text   string `json:"text,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func printJSON(results probe.RunResults) error {
	out := jsonOutput{
		Verdicts:  make(map[string]jsonVerdict, len(results.Verdicts)),
		Domains:   results.Domains,
		MailError: results.MailError,
		PassRes:   results.PassRes,
	}
	for addr, v := range results.Verdicts {
		out.Verdicts[addr] = jsonVerdict{Kind: kindLabel(v.Kind), Text: v.Text, Reason: v.Reason}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
