package probe

import "testing"

func TestParseAddress(t *testing.T) {
	cases := []struct {
		in      string
		local   string
		domain  string
		wantErr bool
	}{
		{in: "a@example.com", local: "a", domain: "example.com"},
		{in: "a.b+c@sub.example.com", local: "a.b+c", domain: "sub.example.com"},
		{in: "noatsign", wantErr: true},
		{in: "user@", wantErr: true},
		{in: "@domain.com", local: "", domain: "domain.com"},
	}
	for _, c := range cases {
		addr, err := ParseAddress(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseAddress(%q): expected error, got none", c.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseAddress(%q): unexpected error: %v", c.in, err)
		}
		if addr.Local != c.local || addr.Domain != c.domain {
			t.Errorf("ParseAddress(%q) = {%q,%q}, want {%q,%q}", c.in, addr.Local, addr.Domain, c.local, c.domain)
		}
	}
}

func TestDomainBatchOrderingAndDedup(t *testing.T) {
	b, errs := NewDomainBatch([]string{
		"a@example.com",
		"b@example.com",
		"a@example.com", // duplicate local-part
		"c@other.com",
		"not-an-email",
	})
	if len(errs) != 1 {
		t.Fatalf("expected 1 parse error, got %d: %v", len(errs), errs)
	}

	domains := b.Domains()
	if len(domains) != 2 || domains[0] != "example.com" || domains[1] != "other.com" {
		t.Fatalf("unexpected domain order: %v", domains)
	}

	locals := b.Locals("example.com")
	if len(locals) != 2 || locals[0] != "a" || locals[1] != "b" {
		t.Fatalf("expected deduplicated, ordered locals [a b], got %v", locals)
	}

	raw := b.RawAddresses("example.com")
	if len(raw) != 3 {
		t.Fatalf("expected 3 raw addresses (duplicates preserved), got %v", raw)
	}
}

func TestDomainBatchCaseSensitivity(t *testing.T) {
	b, _ := NewDomainBatch([]string{"User@Example.com", "user@Example.com"})
	locals := b.Locals("example.com")
	if len(locals) != 2 {
		t.Fatalf("local-part comparison must be case-sensitive, got %v", locals)
	}
}
