package ruleset

import (
	"net/netip"
	"strings"

	"go4.org/netipx"

	"github.com/John-Robertt/policy-compiler/internal/model"
	"github.com/John-Robertt/policy-compiler/internal/rules"
)

// Matcher is parsed ruleset data. Implementations are immutable once built
// and safe for concurrent use.
type Matcher interface {
	Match(md *model.Metadata, env rules.Env) bool
}

type emptyMatcher struct{}

func (emptyMatcher) Match(*model.Metadata, rules.Env) bool { return false }

// Empty never matches. It stands in for rulesets that are not usable.
var Empty Matcher = emptyMatcher{}

func normalizeHost(h string) string {
	return strings.ToLower(strings.TrimSuffix(h, "."))
}

// domainMatcher implements the kernel's domain ruleset syntax:
// "example.com" exact, "+.example.com" the domain and every subdomain,
// ".example.com" subdomains only, "*" one label.
type domainMatcher struct {
	exact      map[string]struct{}
	subdomains map[string]struct{}
	wildcards  [][]string
}

func newDomainMatcher() *domainMatcher {
	return &domainMatcher{exact: map[string]struct{}{}, subdomains: map[string]struct{}{}}
}

func (m *domainMatcher) add(pattern string) {
	p := normalizeHost(pattern)
	switch {
	case strings.HasPrefix(p, "+."):
		m.exact[p[2:]] = struct{}{}
		m.subdomains[p[2:]] = struct{}{}
	case strings.HasPrefix(p, "."):
		m.subdomains[p[1:]] = struct{}{}
	case strings.Contains(p, "*"):
		m.wildcards = append(m.wildcards, strings.Split(p, "."))
	default:
		m.exact[p] = struct{}{}
	}
}

func (m *domainMatcher) Match(md *model.Metadata, _ rules.Env) bool {
	host := normalizeHost(md.Host)
	if host == "" {
		return false
	}
	if _, ok := m.exact[host]; ok {
		return true
	}
	for i := 0; i < len(host); i++ {
		if host[i] != '.' {
			continue
		}
		if _, ok := m.subdomains[host[i+1:]]; ok {
			return true
		}
	}
	if len(m.wildcards) == 0 {
		return false
	}
	labels := strings.Split(host, ".")
	for _, w := range m.wildcards {
		if wildcardMatch(w, labels) {
			return true
		}
	}
	return false
}

func wildcardMatch(pattern, labels []string) bool {
	if len(pattern) != len(labels) {
		return false
	}
	for i, p := range pattern {
		if p != "*" && p != labels[i] {
			return false
		}
	}
	return true
}

// ipMatcher matches the destination address. Host resolution happens in the
// caller, which knows about no-resolve.
type ipMatcher struct{ set *netipx.IPSet }

func (m ipMatcher) Match(md *model.Metadata, _ rules.Env) bool {
	return md.DstIP.IsValid() && m.set.Contains(md.DstIP.Unmap())
}

type classicalMatcher struct{ nodes []*rules.Node }

func (m classicalMatcher) Match(md *model.Metadata, env rules.Env) bool {
	for _, n := range m.nodes {
		if n.Match(md, env) {
			return true
		}
	}
	return false
}

func prefixOf(entry string) (netip.Prefix, bool) {
	if p, err := netip.ParsePrefix(entry); err == nil {
		return p.Masked(), true
	}
	if a, err := netip.ParseAddr(entry); err == nil {
		return netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()), true
	}
	return netip.Prefix{}, false
}
