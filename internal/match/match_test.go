package match

import (
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/John-Robertt/policy-compiler/internal/compiler"
	"github.com/John-Robertt/policy-compiler/internal/model"
	"github.com/John-Robertt/policy-compiler/internal/ruleset"
)

var testIDs = model.BootstrapIDs{Select: "s", Auto: "a", Direct: "d", Reject: "r", Fallback: "f"}

func seq() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id%d", n)
	}
}

func compileRules(t *testing.T) *compiler.Result {
	t.Helper()
	ns := model.NewNamespace([]model.Subscription{{
		ID: "sub1", Name: "Provider",
		Proxies: []model.Proxy{{ID: "p1", Name: "HK 01", Type: "ss", SubscriptionID: "sub1"}},
	}})
	p := model.NewProfile("test", seq())
	p.ProxyGroups = model.DefaultProxyGroups(testIDs)
	p.ProxyGroups[1].Use = []string{"sub1"}
	p.Rules = []model.Rule{
		{ID: "r0", Type: model.RuleDomainSuffix, Payload: "google.com", Proxy: "s"},
		{ID: "r1", Type: model.RuleRuleSet, Payload: "- ads.example.net\n", Proxy: "r",
			RulesetName: "ads", RulesetType: model.RulesetInline, RulesetBehavior: model.BehaviorDomain, RulesetFormat: model.FormatYAML},
		{ID: "r2", Type: model.RuleRuleSet, Payload: "https://rules.example.com/cn.yaml", Proxy: "d",
			RulesetName: "cn-ip", RulesetType: model.RulesetHTTP, RulesetBehavior: model.BehaviorIPCIDR, RulesetFormat: model.FormatYAML},
		{ID: "r3", Type: model.RuleIPCIDR, Payload: "10.0.0.0/8", Proxy: "d", NoResolve: true},
		{ID: "r4", Type: model.RuleDstPort, Payload: "22", Proxy: "r"},
		{ID: "r5", Type: model.RuleMatch, Proxy: "f"},
	}
	res, err := compiler.Compile(p, ns)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return res
}

type fakeSets map[string]ruleset.Matcher

func (f fakeSets) Matcher(loc string) ruleset.Matcher {
	if m, ok := f[loc]; ok {
		return m
	}
	return ruleset.Empty
}

func buildSets(t *testing.T, res *compiler.Result, content map[string]string) fakeSets {
	t.Helper()
	out := fakeSets{}
	for _, ref := range res.Rulesets {
		raw, ok := content[ref.Name]
		if !ok {
			continue
		}
		m, _, err := ruleset.Parse([]byte(raw), ref.Format, ref.Behavior)
		if err != nil {
			t.Fatalf("parse %s: %v", ref.Name, err)
		}
		out[ref.Locator()] = m
	}
	return out
}

// startDNS serves A records from answers and counts queries.
func startDNS(t *testing.T, answers map[string]string) (string, *atomic.Int32) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var queries atomic.Int32
	srv := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		queries.Add(1)
		m := new(dns.Msg)
		m.SetReply(r)
		q := r.Question[0]
		if ip, ok := answers[q.Name]; ok && q.Qtype == dns.TypeA {
			rr, err := dns.NewRR(fmt.Sprintf("%s 60 IN A %s", q.Name, ip))
			if err == nil {
				m.Answer = append(m.Answer, rr)
			}
		}
		_ = w.WriteMsg(m)
	})}
	started := make(chan struct{})
	srv.NotifyStartedFunc = func() { close(started) }
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String(), &queries
}

func TestEvaluate(t *testing.T) {
	res := compileRules(t)
	sets := buildSets(t, res, map[string]string{
		"ads":   "- ads.example.net\n",
		"cn-ip": "payload:\n  - 1.2.4.0/24\n",
	})
	server, _ := startDNS(t, map[string]string{"cn.example.com.": "1.2.4.8"})
	env := &Env{Resolver: &DNSResolver{Server: server}}

	cases := []struct {
		name   string
		md     model.Metadata
		index  int
		target string
		dstIP  string
	}{
		{"domain suffix", model.Metadata{Host: "www.google.com"}, 0, model.NameSelect, ""},
		{"inline ruleset", model.Metadata{Host: "ads.example.net"}, 1, model.NameReject, ""},
		{"ipcidr ruleset resolves host", model.Metadata{Host: "cn.example.com"}, 2, model.NameDirect, "1.2.4.8"},
		{"ipcidr ruleset with dst ip", model.Metadata{DstIP: netip.MustParseAddr("1.2.4.9")}, 2, model.NameDirect, "1.2.4.9"},
		{"ip cidr", model.Metadata{DstIP: netip.MustParseAddr("10.1.2.3")}, 3, model.NameDirect, "10.1.2.3"},
		{"dst port", model.Metadata{Host: "ssh.example.org", DstPort: 22}, 4, model.NameReject, ""},
		{"fallthrough", model.Metadata{Host: "unknown.example.org", DstPort: 443}, 5, model.NameFallback, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Evaluate(res.Rules, sets, env, c.md)
			if !got.Matched || got.Index != c.index || got.Target.Name != c.target {
				t.Fatalf("result=%+v, want index=%d target=%s", got, c.index, c.target)
			}
			if got.DstIP != c.dstIP {
				t.Fatalf("dstIP=%q, want=%q", got.DstIP, c.dstIP)
			}
		})
	}
}

func TestEvaluate_UnresolvedRulesetNeverMatches(t *testing.T) {
	res := compileRules(t)
	got := Evaluate(res.Rules, fakeSets{}, nil, model.Metadata{Host: "ads.example.net"})
	if got.Index != 5 {
		t.Fatalf("index=%d, want=5 (MATCH)", got.Index)
	}
	got = Evaluate(res.Rules, nil, nil, model.Metadata{Host: "ads.example.net"})
	if got.Index != 5 {
		t.Fatalf("nil sets: index=%d, want=5", got.Index)
	}
}

func TestEvaluate_NoMatch(t *testing.T) {
	res := compileRules(t)
	got := Evaluate(res.Rules[:1], nil, nil, model.Metadata{Host: "example.org"})
	if got.Matched || got.Index != -1 {
		t.Fatalf("result=%+v, want no match", got)
	}
}

func TestEnv_Resolve(t *testing.T) {
	server, queries := startDNS(t, map[string]string{"a.example.com.": "192.0.2.1"})
	env := &Env{
		Hosts:    map[string]netip.Addr{"router.lan": netip.MustParseAddr("192.168.1.1")},
		Resolver: &DNSResolver{Server: server},
	}

	if ip, ok := env.Resolve("203.0.113.5"); !ok || ip.String() != "203.0.113.5" {
		t.Fatalf("literal=%v,%v", ip, ok)
	}
	if ip, ok := env.Resolve("Router.LAN."); !ok || ip.String() != "192.168.1.1" {
		t.Fatalf("hosts=%v,%v", ip, ok)
	}
	if queries.Load() != 0 {
		t.Fatalf("queries=%d, want=0", queries.Load())
	}

	for range 2 {
		if ip, ok := env.Resolve("a.example.com"); !ok || ip.String() != "192.0.2.1" {
			t.Fatalf("dns=%v,%v", ip, ok)
		}
	}
	if got := queries.Load(); got != 1 {
		t.Fatalf("queries=%d, want=1 (memoized)", got)
	}

	// A then AAAA, both empty; the miss is cached too.
	for range 2 {
		if _, ok := env.Resolve("missing.example.com"); ok {
			t.Fatalf("missing host resolved")
		}
	}
	if got := queries.Load(); got != 3 {
		t.Fatalf("queries=%d, want=3", got)
	}

	if _, ok := (&Env{}).Resolve("a.example.com"); ok {
		t.Fatalf("resolved without resolver")
	}
}

func TestEnv_ResolveCacheBounds(t *testing.T) {
	server, queries := startDNS(t, map[string]string{
		"a.example.com.": "192.0.2.1",
		"b.example.com.": "192.0.2.2",
		"c.example.com.": "192.0.2.3",
	})
	env := &Env{Resolver: &DNSResolver{Server: server}, CacheSize: 2, NegativeTTL: 20 * time.Millisecond}

	for _, h := range []string{"a.example.com", "b.example.com", "c.example.com", "c.example.com"} {
		if _, ok := env.Resolve(h); !ok {
			t.Fatalf("%s not resolved", h)
		}
	}
	if got := queries.Load(); got != 3 {
		t.Fatalf("queries=%d, want=3", got)
	}
	if got := env.cache.len(); got != 2 {
		t.Fatalf("cache len=%d, want=2", got)
	}
	// a was the least recently used and got evicted.
	if ip, ok := env.Resolve("a.example.com"); !ok || ip.String() != "192.0.2.1" {
		t.Fatalf("a=%v,%v", ip, ok)
	}
	if got := queries.Load(); got != 4 {
		t.Fatalf("queries=%d, want=4 after eviction", got)
	}

	// A failed lookup is retried once NegativeTTL has passed.
	before := queries.Load()
	for range 2 {
		if _, ok := env.Resolve("missing.example.com"); ok {
			t.Fatalf("missing host resolved")
		}
	}
	if got := queries.Load() - before; got != 2 {
		t.Fatalf("queries=%d, want=2 (A and AAAA once)", got)
	}
	time.Sleep(40 * time.Millisecond)
	if _, ok := env.Resolve("missing.example.com"); ok {
		t.Fatalf("missing host resolved")
	}
	if got := queries.Load() - before; got != 4 {
		t.Fatalf("queries=%d, want=4 after negative entry expired", got)
	}
}

func TestGeoDB_Absent(t *testing.T) {
	env := &Env{}
	ip := netip.MustParseAddr("1.1.1.1")
	if env.GeoIP(ip) != "" || env.ASN(ip) != 0 || env.GeoSite("cn", "example.cn") {
		t.Fatalf("lookups without databases must miss")
	}
	g, err := OpenGeoDB("", "")
	if err != nil || g.Country(ip) != "" {
		t.Fatalf("empty geodb: %v", err)
	}
	if _, err := OpenGeoDB("/nonexistent/country.mmdb", ""); err == nil {
		t.Fatalf("expected open error")
	}
}
