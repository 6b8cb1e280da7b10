package rules

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/John-Robertt/policy-compiler/internal/model"
)

func TestParseLogic_QUICDefault(t *testing.T) {
	n, err := ParseLogic("AND,((DST-PORT,443),(NETWORK,udp))")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Op != OpAnd || len(n.Children) != 2 {
		t.Fatalf("tree=%s", n)
	}
	if l := n.Children[0].Leaf; l == nil || l.Type != model.RuleDstPort || l.Payload != "443" {
		t.Fatalf("children[0]=%+v", n.Children[0])
	}
	if l := n.Children[1].Leaf; l == nil || l.Type != model.RuleNetwork || l.Payload != "udp" {
		t.Fatalf("children[1]=%+v", n.Children[1])
	}

	cases := []struct {
		md   model.Metadata
		want bool
	}{
		{model.Metadata{Network: "udp", DstPort: 443}, true},
		{model.Metadata{Network: "tcp", DstPort: 443}, false},
		{model.Metadata{Network: "udp", DstPort: 8443}, false},
	}
	for _, c := range cases {
		if got := n.Match(&c.md, nil); got != c.want {
			t.Fatalf("Match(%+v)=%v, want=%v", c.md, got, c.want)
		}
	}
}

func TestParseLogic_Nested(t *testing.T) {
	n, err := ParseLogic("or, ((NOT,((DOMAIN-SUFFIX,example.com))) , (AND,((SRC-IP-CIDR,10.0.0.0/8),(DST-PORT,80/8000-9000))))")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "OR,((NOT,((DOMAIN-SUFFIX,example.com))),(AND,((SRC-IP-CIDR,10.0.0.0/8),(DST-PORT,80/8000-9000))))"
	if n.String() != want {
		t.Fatalf("String()=%q, want=%q", n.String(), want)
	}

	md := model.Metadata{Host: "www.example.com", SrcIP: netip.MustParseAddr("10.1.2.3"), DstPort: 8080}
	if !n.Match(&md, nil) {
		t.Fatalf("expected match via AND branch")
	}
	md.SrcIP = netip.MustParseAddr("192.168.1.1")
	if n.Match(&md, nil) {
		t.Fatalf("expected no match")
	}
	md.Host = "other.org"
	if !n.Match(&md, nil) {
		t.Fatalf("expected match via NOT branch")
	}
}

func TestParseLogic_Errors(t *testing.T) {
	cases := []struct {
		in     string
		offset int
		sub    string
	}{
		{"AND,((DST-PORT,443),(NETWORK,udp)", 4, "((DST-PORT,443),(NETWORK,udp)"},
		{"AND,((DST-PORT,443)),(NETWORK,udp))", 34, ")"},
		{"XOR,((DST-PORT,443),(NETWORK,udp))", 0, "XOR"},
		{"AND,((FOO,1),(NETWORK,udp))", 6, "FOO"},
		{"AND,((DST-PORT,443),(XOR,((NETWORK,udp))))", 21, "XOR"},
		{"NOT,((NETWORK,udp),(NETWORK,tcp))", 5, "(NETWORK,udp),(NETWORK,tcp)"},
		{"AND,((DST-PORT,http),(NETWORK,udp))", 15, "http"},
		{"AND,(DST-PORT,443)", 5, "DST-PORT"},
		{"AND,(())", 5, "()"},
		{"", 0, ""},
	}
	for _, c := range cases {
		_, err := ParseLogic(c.in)
		var le *LogicError
		if !errors.As(err, &le) {
			t.Fatalf("ParseLogic(%q) err=%v, want *LogicError", c.in, err)
		}
		if le.Offset != c.offset || le.Substring != c.sub {
			t.Fatalf("ParseLogic(%q) at (%d,%q), want=(%d,%q)", c.in, le.Offset, le.Substring, c.offset, c.sub)
		}
	}
}

func TestParseLogic_TopLevelMustBeOperator(t *testing.T) {
	_, err := ParseLogic("DST-PORT,443")
	var le *LogicError
	if !errors.As(err, &le) || le.Substring != "DST-PORT" {
		t.Fatalf("err=%v, want unknown operator on DST-PORT", err)
	}
}
