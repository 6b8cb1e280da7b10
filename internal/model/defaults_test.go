package model

import (
	"fmt"
	"testing"
)

func seqIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}

func TestDefaultProxyGroups_BootstrapDAG(t *testing.T) {
	ids := BootstrapIDs{Select: "s", Auto: "a", Direct: "d", Reject: "r", Fallback: "f"}
	groups := DefaultProxyGroups(ids)
	if len(groups) != 5 {
		t.Fatalf("len=%d, want=5", len(groups))
	}

	want := []struct {
		id      string
		typ     GroupType
		members []string
	}{
		{"s", GroupSelect, []string{"a"}},
		{"a", GroupURLTest, nil},
		{"d", GroupSelect, []string{Direct, Reject}},
		{"r", GroupSelect, []string{Reject, Direct}},
		{"f", GroupSelect, []string{"s", "d"}},
	}
	for i, w := range want {
		g := groups[i]
		if g.ID != w.id || g.Type != w.typ {
			t.Fatalf("groups[%d]=(%s,%s), want=(%s,%s)", i, g.ID, g.Type, w.id, w.typ)
		}
		if len(g.Proxies) != len(w.members) {
			t.Fatalf("groups[%d] members=%v, want=%v", i, g.Proxies, w.members)
		}
		for j, m := range w.members {
			if g.Proxies[j].ID != m {
				t.Fatalf("groups[%d].proxies[%d]=%q, want=%q", i, j, g.Proxies[j].ID, m)
			}
		}
		if g.URL != DefaultTestURL || g.Interval != 300 || g.Tolerance != 150 || !g.Lazy {
			t.Fatalf("groups[%d] health defaults=%+v", i, g)
		}
	}

	for _, g := range groups {
		for _, m := range g.Proxies {
			if m.ID == "f" {
				t.Fatalf("group %s references fallback", g.ID)
			}
		}
	}
}

func TestNewProfile_FreshIDs(t *testing.T) {
	p := NewProfile("default", seqIDs("id-"))
	seen := map[string]bool{}
	for _, g := range p.ProxyGroups {
		if seen[g.ID] {
			t.Fatalf("duplicate group id %q", g.ID)
		}
		seen[g.ID] = true
	}
	for _, r := range p.Rules {
		if seen[r.ID] {
			t.Fatalf("rule id %q reused", r.ID)
		}
		seen[r.ID] = true
	}
	if seen[p.ID] || seen[p.Advanced.Secret] {
		t.Fatalf("profile id or secret reused")
	}

	last := p.Rules[len(p.Rules)-1]
	if last.Type != RuleMatch || last.Proxy != p.ProxyGroups[4].ID {
		t.Fatalf("last rule=%+v, want MATCH -> fallback", last)
	}
	if p.Rules[0].Payload != "AND,((DST-PORT,443),(NETWORK,udp))" {
		t.Fatalf("logic payload=%q", p.Rules[0].Payload)
	}
}

func TestNewProfile_UUIDByDefault(t *testing.T) {
	a := NewProfile("a", nil)
	b := NewProfile("b", nil)
	if a.ProxyGroups[0].ID == b.ProxyGroups[0].ID {
		t.Fatalf("ids collide across profiles: %q", a.ProxyGroups[0].ID)
	}
	if len(a.ID) != 36 {
		t.Fatalf("id=%q, want uuid", a.ID)
	}
}

func TestRulesetRef_LocatorInlineDigest(t *testing.T) {
	a := RulesetRef{Type: RulesetInline, Format: FormatYAML, Behavior: BehaviorDomain, Source: "payload:\n  - a.com"}
	b := a
	b.Source = "payload:\n  - b.com"
	if a.Locator() == b.Locator() {
		t.Fatalf("distinct inline payloads share locator %q", a.Locator())
	}
	c := RulesetRef{Type: RulesetHTTP, Format: FormatMRS, Behavior: BehaviorIPCIDR, Source: "https://x/cn.mrs"}
	if got, want := c.Locator(), "http|mrs|ipcidr|https://x/cn.mrs"; got != want {
		t.Fatalf("locator=%q, want=%q", got, want)
	}
}
