package rules

import "net/netip"

// Env supplies the lookups primitive matchers cannot answer on their own.
// A nil Env makes GEOIP, IP-ASN, GEOSITE and resolution always miss.
type Env interface {
	GeoIP(ip netip.Addr) string // ISO country code, "" if unknown
	ASN(ip netip.Addr) uint32
	GeoSite(code, host string) bool
	Resolve(host string) (netip.Addr, bool)
}
