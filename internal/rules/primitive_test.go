package rules

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/John-Robertt/policy-compiler/internal/model"
)

type fakeEnv struct {
	geo  map[netip.Addr]string
	asn  map[netip.Addr]uint32
	site map[string][]string
	dns  map[string]netip.Addr
}

func (e fakeEnv) GeoIP(ip netip.Addr) string { return e.geo[ip] }
func (e fakeEnv) ASN(ip netip.Addr) uint32   { return e.asn[ip] }
func (e fakeEnv) GeoSite(code, host string) bool {
	for _, h := range e.site[code] {
		if h == host {
			return true
		}
	}
	return false
}
func (e fakeEnv) Resolve(host string) (netip.Addr, bool) {
	ip, ok := e.dns[host]
	return ip, ok
}

func TestParsePrimitive_Invalid(t *testing.T) {
	cases := []struct {
		typ     model.RuleType
		payload string
	}{
		{model.RuleDomain, ""},
		{model.RuleDomain, "bad domain"},
		{model.RuleDomainSuffix, "a,b.com"},
		{model.RuleDomainRegex, "(["},
		{model.RuleIPCIDR, "2001:db8::/32"},
		{model.RuleIPCIDR6, "1.2.3.0/24"},
		{model.RuleSrcIPCIDR, "1.2.3.4"},
		{model.RuleIPASN, "AS13335"},
		{model.RuleDstPort, "70000"},
		{model.RuleSrcPort, "9000-8000"},
		{model.RuleNetwork, "icmp"},
		{model.RuleGeoIP, "C N"},
		{model.RuleGeoSite, "cn/x"},
	}
	for _, c := range cases {
		_, err := ParsePrimitive(c.typ, c.payload)
		var re *RuleError
		if !errors.As(err, &re) || re.Code != "RULE_PAYLOAD_INVALID" {
			t.Fatalf("ParsePrimitive(%s,%q) err=%v, want RULE_PAYLOAD_INVALID", c.typ, c.payload, err)
		}
	}

	_, err := ParsePrimitive(model.RuleMatch, "x")
	var re *RuleError
	if !errors.As(err, &re) || re.Code != "UNSUPPORTED_RULE_TYPE" {
		t.Fatalf("err=%v, want UNSUPPORTED_RULE_TYPE", err)
	}
}

func TestPrimitive_Match(t *testing.T) {
	cf := netip.MustParseAddr("1.1.1.1")
	env := fakeEnv{
		geo:  map[netip.Addr]string{cf: "AU"},
		asn:  map[netip.Addr]uint32{cf: 13335},
		site: map[string][]string{"cn": {"baidu.com"}},
		dns:  map[string]netip.Addr{"one.one.one.one": cf},
	}
	cases := []struct {
		typ     model.RuleType
		payload string
		md      model.Metadata
		want    bool
	}{
		{model.RuleDomain, "Example.com", model.Metadata{Host: "example.com."}, true},
		{model.RuleDomain, "example.com", model.Metadata{Host: "a.example.com"}, false},
		{model.RuleDomainSuffix, "example.com", model.Metadata{Host: "a.example.com"}, true},
		{model.RuleDomainSuffix, "example.com", model.Metadata{Host: "badexample.com"}, false},
		{model.RuleDomainKeyword, "goo", model.Metadata{Host: "www.google.com"}, true},
		{model.RuleDomainRegex, `^ad\d+\.`, model.Metadata{Host: "ad12.site.net"}, true},
		{model.RuleGeoSite, "cn", model.Metadata{Host: "baidu.com"}, true},
		{model.RuleGeoIP, "au", model.Metadata{DstIP: cf}, true},
		{model.RuleGeoIP, "private", model.Metadata{DstIP: netip.MustParseAddr("192.168.1.1")}, true},
		{model.RuleGeoIP, "AU", model.Metadata{Host: "one.one.one.one"}, true},
		{model.RuleIPCIDR, "1.1.1.0/24", model.Metadata{DstIP: netip.MustParseAddr("::ffff:1.1.1.9")}, true},
		{model.RuleIPCIDR6, "2001:db8::/32", model.Metadata{DstIP: netip.MustParseAddr("2001:db8::1")}, true},
		{model.RuleIPASN, "13335", model.Metadata{DstIP: cf}, true},
		{model.RuleSrcIPCIDR, "10.0.0.0/8", model.Metadata{SrcIP: netip.MustParseAddr("10.9.9.9")}, true},
		{model.RuleSrcPort, "1000-2000", model.Metadata{SrcPort: 1500}, true},
		{model.RuleDstPort, "80/443", model.Metadata{DstPort: 443}, true},
		{model.RuleDstPort, "80/443", model.Metadata{DstPort: 8080}, false},
		{model.RuleProcessName, "curl", model.Metadata{ProcessName: "Curl"}, true},
		{model.RuleProcessPath, "/usr/bin/curl", model.Metadata{ProcessPath: "/usr/bin/curl"}, true},
		{model.RuleNetwork, "UDP", model.Metadata{Network: "udp"}, true},
	}
	for _, c := range cases {
		p, err := ParsePrimitive(c.typ, c.payload)
		if err != nil {
			t.Fatalf("ParsePrimitive(%s,%q): %v", c.typ, c.payload, err)
		}
		if got := p.Match(&c.md, env); got != c.want {
			t.Fatalf("%s,%s Match(%+v)=%v, want=%v", c.typ, c.payload, c.md, got, c.want)
		}
	}
}

func TestPrimitive_NoResolveSkipsLookup(t *testing.T) {
	cf := netip.MustParseAddr("1.1.1.1")
	env := fakeEnv{dns: map[string]netip.Addr{"one.one.one.one": cf}}
	p, err := ParsePrimitive(model.RuleIPCIDR, "1.1.1.0/24")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	md := model.Metadata{Host: "one.one.one.one"}
	if !p.Match(&md, env) {
		t.Fatalf("expected resolved match")
	}
	p.NoResolve = true
	if p.Match(&md, env) {
		t.Fatalf("no-resolve must not trigger lookups")
	}
}
