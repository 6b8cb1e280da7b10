package rules

import "testing"

func FuzzParseLogic(f *testing.F) {
	seed := []string{
		"",
		"AND,((DST-PORT,443),(NETWORK,udp))",
		"OR,((DOMAIN,a.com),(NOT,((DOMAIN-SUFFIX,b.com))))",
		"NOT,((IP-CIDR,10.0.0.0/8,no-resolve))",
		"AND,((",
		"AND,()),((",
		"XOR,((DOMAIN,a))",
	}
	for _, s := range seed {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, payload string) {
		n, err := ParseLogic(payload)
		if err != nil {
			le, ok := err.(*LogicError)
			if !ok {
				t.Fatalf("error type %T", err)
			}
			if le.Offset < 0 || le.Offset > len(payload) {
				t.Fatalf("offset %d out of range for %q", le.Offset, payload)
			}
			return
		}
		canon := n.String()
		again, err := ParseLogic(canon)
		if err != nil {
			t.Fatalf("canonical form %q does not re-parse: %v", canon, err)
		}
		if again.String() != canon {
			t.Fatalf("canonical form unstable: %q -> %q", canon, again.String())
		}
	})
}

func FuzzParseInlineRule(f *testing.F) {
	seed := []string{
		"MATCH,DIRECT",
		"DOMAIN,example.com,DIRECT",
		"IP-CIDR,1.2.3.0/24,DIRECT,no-resolve",
		"AND,((DST-PORT,443),(NETWORK,udp)),REJECT",
		"RULE-SET,cn,DIRECT",
	}
	for _, s := range seed {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, line string) {
		l, err := ParseInlineRule(line)
		if err != nil {
			return
		}
		if l.Target == "" {
			t.Fatalf("empty target for %q", line)
		}
		if l.NoResolve && l.Type == "MATCH" {
			t.Fatalf("no-resolve on MATCH")
		}
	})
}
