package rules

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	"github.com/John-Robertt/policy-compiler/internal/model"
)

// Primitive is one validated leaf condition, e.g. DST-PORT,443.
type Primitive struct {
	Type      model.RuleType
	Payload   string
	NoResolve bool

	prefix netip.Prefix
	re     *regexp.Regexp
	ports  []portRange
	asn    uint32
}

type portRange struct{ lo, hi uint16 }

var (
	geoIPCodeRE   = regexp.MustCompile(`^!?[A-Za-z0-9_-]+$`)
	geoSiteCodeRE = regexp.MustCompile(`^[A-Za-z0-9!@._-]+$`)
)

// PrimitiveType reports whether t is a leaf matcher type. RULE-SET, LOGIC
// and MATCH are not.
func PrimitiveType(t model.RuleType) bool {
	switch t {
	case model.RuleDomain, model.RuleDomainSuffix, model.RuleDomainKeyword, model.RuleDomainRegex,
		model.RuleGeoIP, model.RuleGeoSite, model.RuleIPCIDR, model.RuleIPCIDR6, model.RuleIPASN,
		model.RuleSrcIPCIDR, model.RuleSrcPort, model.RuleDstPort, model.RuleProcessName,
		model.RuleProcessPath, model.RuleNetwork:
		return true
	}
	return false
}

func payloadError(typ model.RuleType, payload, msg, hint string, cause error) *RuleError {
	return &RuleError{
		Code:    "RULE_PAYLOAD_INVALID",
		Message: fmt.Sprintf("%s 的 payload 不合法：%s", typ, msg),
		Hint:    hint,
		Snippet: payload,
		Cause:   cause,
	}
}

// ParsePrimitive validates payload for typ and prepares it for matching.
func ParsePrimitive(typ model.RuleType, payload string) (*Primitive, error) {
	if !PrimitiveType(typ) {
		return nil, &RuleError{
			Code:    "UNSUPPORTED_RULE_TYPE",
			Message: fmt.Sprintf("不支持的规则类型：%s", typ),
			Snippet: string(typ),
		}
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, payloadError(typ, payload, "不能为空", "", nil)
	}
	if typ != model.RuleDomainRegex && strings.ContainsAny(payload, ",()") {
		return nil, payloadError(typ, payload, "不能包含逗号或括号", "", nil)
	}

	p := &Primitive{Type: typ, Payload: payload}
	switch typ {
	case model.RuleDomain, model.RuleDomainSuffix:
		if _, ok := dns.IsDomainName(payload); !ok || strings.ContainsAny(payload, " \t*") {
			return nil, payloadError(typ, payload, "不是合法域名", "e.g. example.com", nil)
		}
		p.Payload = strings.ToLower(strings.TrimSuffix(payload, "."))
	case model.RuleDomainKeyword:
		p.Payload = strings.ToLower(payload)
	case model.RuleDomainRegex:
		re, err := regexp.Compile(payload)
		if err != nil {
			return nil, payloadError(typ, payload, "正则表达式无法编译", "", err)
		}
		if strings.Contains(payload, ",") {
			return nil, payloadError(typ, payload, "不能包含逗号", "use {1} style quantifiers without commas", nil)
		}
		p.re = re
	case model.RuleGeoIP:
		if !geoIPCodeRE.MatchString(payload) {
			return nil, payloadError(typ, payload, "国家代码不合法", "e.g. CN, private", nil)
		}
	case model.RuleGeoSite:
		if !geoSiteCodeRE.MatchString(payload) {
			return nil, payloadError(typ, payload, "geosite 分类名不合法", "e.g. geolocation-!cn", nil)
		}
	case model.RuleIPCIDR, model.RuleIPCIDR6, model.RuleSrcIPCIDR:
		pfx, err := netip.ParsePrefix(payload)
		if err != nil {
			return nil, payloadError(typ, payload, "CIDR 无法解析", "e.g. 1.2.3.0/24", err)
		}
		if typ == model.RuleIPCIDR && !pfx.Addr().Is4() {
			return nil, payloadError(typ, payload, "需要 IPv4 CIDR", "use IP-CIDR6 for IPv6", nil)
		}
		if typ == model.RuleIPCIDR6 && !pfx.Addr().Is6() {
			return nil, payloadError(typ, payload, "需要 IPv6 CIDR", "use IP-CIDR for IPv4", nil)
		}
		p.prefix = pfx.Masked()
	case model.RuleIPASN:
		n, err := strconv.ParseUint(payload, 10, 32)
		if err != nil {
			return nil, payloadError(typ, payload, "ASN 必须为整数", "e.g. 13335", err)
		}
		p.asn = uint32(n)
	case model.RuleSrcPort, model.RuleDstPort:
		ports, err := parsePorts(payload)
		if err != nil {
			return nil, payloadError(typ, payload, "端口不合法", "e.g. 443, 8000-9000, 80/443", err)
		}
		p.ports = ports
	case model.RuleNetwork:
		n := strings.ToLower(payload)
		if n != model.NetworkTCP && n != model.NetworkUDP {
			return nil, payloadError(typ, payload, "仅支持 tcp 或 udp", "", nil)
		}
		p.Payload = n
	}
	return p, nil
}

func parsePorts(s string) ([]portRange, error) {
	var out []portRange
	for _, part := range strings.Split(s, "/") {
		lo, hi, isRange := strings.Cut(strings.TrimSpace(part), "-")
		a, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 16)
		if err != nil {
			return nil, err
		}
		b := a
		if isRange {
			if b, err = strconv.ParseUint(strings.TrimSpace(hi), 10, 16); err != nil {
				return nil, err
			}
			if b < a {
				return nil, fmt.Errorf("range %s is reversed", part)
			}
		}
		out = append(out, portRange{lo: uint16(a), hi: uint16(b)})
	}
	return out, nil
}

func (p *Primitive) String() string {
	s := string(p.Type) + "," + p.Payload
	if p.NoResolve {
		s += ",no-resolve"
	}
	return s
}

// Match evaluates the condition against md.
func (p *Primitive) Match(md *model.Metadata, env Env) bool {
	host := strings.ToLower(strings.TrimSuffix(md.Host, "."))
	switch p.Type {
	case model.RuleDomain:
		return host == p.Payload
	case model.RuleDomainSuffix:
		return host == p.Payload || strings.HasSuffix(host, "."+p.Payload)
	case model.RuleDomainKeyword:
		return host != "" && strings.Contains(host, p.Payload)
	case model.RuleDomainRegex:
		return host != "" && p.re.MatchString(host)
	case model.RuleGeoSite:
		return env != nil && host != "" && env.GeoSite(p.Payload, host)
	case model.RuleGeoIP:
		ip, ok := p.dstIP(md, env)
		if !ok {
			return false
		}
		code := strings.ToLower(p.Payload)
		if code == "private" || code == "lan" {
			return isPrivate(ip)
		}
		return env != nil && strings.EqualFold(env.GeoIP(ip), p.Payload)
	case model.RuleIPCIDR, model.RuleIPCIDR6:
		ip, ok := p.dstIP(md, env)
		return ok && p.prefix.Contains(ip)
	case model.RuleIPASN:
		ip, ok := p.dstIP(md, env)
		return ok && env != nil && env.ASN(ip) == p.asn
	case model.RuleSrcIPCIDR:
		return md.SrcIP.IsValid() && p.prefix.Contains(md.SrcIP.Unmap())
	case model.RuleSrcPort:
		return inPorts(p.ports, md.SrcPort)
	case model.RuleDstPort:
		return inPorts(p.ports, md.DstPort)
	case model.RuleProcessName:
		return md.ProcessName != "" && strings.EqualFold(md.ProcessName, p.Payload)
	case model.RuleProcessPath:
		return md.ProcessPath != "" && md.ProcessPath == p.Payload
	case model.RuleNetwork:
		return strings.EqualFold(md.Network, p.Payload)
	}
	return false
}

func (p *Primitive) dstIP(md *model.Metadata, env Env) (netip.Addr, bool) {
	if md.DstIP.IsValid() {
		return md.DstIP.Unmap(), true
	}
	if p.NoResolve || env == nil || md.Host == "" {
		return netip.Addr{}, false
	}
	ip, ok := env.Resolve(md.Host)
	return ip.Unmap(), ok
}

func inPorts(ports []portRange, port uint16) bool {
	for _, r := range ports {
		if port >= r.lo && port <= r.hi {
			return true
		}
	}
	return false
}

func isPrivate(ip netip.Addr) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
