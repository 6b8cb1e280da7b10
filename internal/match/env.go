package match

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/oschwald/maxminddb-golang"
)

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	RegisteredCountry struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"registered_country"`
}

type asnRecord struct {
	Number uint32 `maxminddb:"autonomous_system_number"`
}

// GeoDB answers GEOIP and IP-ASN lookups from MaxMind databases. Either
// reader may be absent; lookups against it then miss.
type GeoDB struct {
	country *maxminddb.Reader
	asn     *maxminddb.Reader
}

// OpenGeoDB opens the country and ASN databases. Empty paths are skipped.
func OpenGeoDB(countryPath, asnPath string) (*GeoDB, error) {
	g := &GeoDB{}
	if countryPath != "" {
		r, err := maxminddb.Open(countryPath)
		if err != nil {
			return nil, fmt.Errorf("open country mmdb: %w", err)
		}
		g.country = r
	}
	if asnPath != "" {
		r, err := maxminddb.Open(asnPath)
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("open asn mmdb: %w", err)
		}
		g.asn = r
	}
	return g, nil
}

func (g *GeoDB) Close() error {
	if g == nil {
		return nil
	}
	var first error
	for _, r := range []*maxminddb.Reader{g.country, g.asn} {
		if r == nil {
			continue
		}
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Country returns the upper-case ISO code for ip, "" if unknown.
func (g *GeoDB) Country(ip netip.Addr) string {
	if g == nil || g.country == nil || !ip.IsValid() {
		return ""
	}
	var rec countryRecord
	if err := g.country.Lookup(net.IP(ip.Unmap().AsSlice()), &rec); err != nil {
		return ""
	}
	code := rec.Country.ISOCode
	if code == "" {
		code = rec.RegisteredCountry.ISOCode
	}
	return strings.ToUpper(code)
}

func (g *GeoDB) ASN(ip netip.Addr) uint32 {
	if g == nil || g.asn == nil || !ip.IsValid() {
		return 0
	}
	var rec asnRecord
	if err := g.asn.Lookup(net.IP(ip.Unmap().AsSlice()), &rec); err != nil {
		return 0
	}
	return rec.Number
}

// DNSResolver resolves hosts by querying one nameserver for A, then AAAA.
type DNSResolver struct {
	Server  string // host:port
	Timeout time.Duration
}

func (r *DNSResolver) Lookup(ctx context.Context, host string) (netip.Addr, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	c := &dns.Client{Net: "udp", Timeout: timeout}
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		m.RecursionDesired = true
		resp, _, err := c.ExchangeContext(ctx, m, r.Server)
		if err != nil {
			return netip.Addr{}, err
		}
		if resp.Rcode != dns.RcodeSuccess {
			continue
		}
		for _, rr := range resp.Answer {
			var ip net.IP
			switch a := rr.(type) {
			case *dns.A:
				ip = a.A
			case *dns.AAAA:
				ip = a.AAAA
			default:
				continue
			}
			if addr, ok := netip.AddrFromSlice(ip); ok {
				return addr.Unmap(), nil
			}
		}
	}
	return netip.Addr{}, fmt.Errorf("no address for %s", host)
}

const (
	defaultCacheSize   = 1024
	defaultCacheTTL    = 5 * time.Minute
	defaultNegativeTTL = 30 * time.Second
)

// Env implements rules.Env for dry runs. Resolution consults Hosts first,
// then Resolver. Answers are kept in a bounded cache; failed lookups expire
// sooner than answers.
type Env struct {
	Geo      *GeoDB
	Hosts    map[string]netip.Addr
	Resolver *DNSResolver

	CacheSize   int           // default 1024
	CacheTTL    time.Duration // default 5m
	NegativeTTL time.Duration // default 30s

	mu    sync.Mutex
	cache *resolveCache
}

func (e *Env) GeoIP(ip netip.Addr) string { return e.Geo.Country(ip) }

func (e *Env) ASN(ip netip.Addr) uint32 { return e.Geo.ASN(ip) }

// GeoSite always misses: geosite data is only loaded by the kernel.
func (e *Env) GeoSite(string, string) bool { return false }

func (e *Env) Resolve(host string) (netip.Addr, bool) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip.Unmap(), true
	}
	if ip, ok := e.Hosts[host]; ok {
		return ip, true
	}
	if e.Resolver == nil {
		return netip.Addr{}, false
	}

	e.mu.Lock()
	if e.cache == nil {
		e.cache = newResolveCache(orDefault(e.CacheSize, defaultCacheSize))
	}
	ip, ok := e.cache.load(host, time.Now())
	e.mu.Unlock()
	if ok {
		return ip, ip.IsValid()
	}

	ttl := orDefault(e.CacheTTL, defaultCacheTTL)
	ip, err := e.Resolver.Lookup(context.Background(), host)
	if err != nil {
		ip = netip.Addr{}
		ttl = orDefault(e.NegativeTTL, defaultNegativeTTL)
	}
	e.mu.Lock()
	e.cache.add(host, ip, time.Now().Add(ttl))
	e.mu.Unlock()
	return ip, ip.IsValid()
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}
