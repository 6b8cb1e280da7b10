package compiler

import (
	"fmt"
	"maps"
	"net"
	"net/netip"
	"net/url"
	"slices"
	"strings"

	"github.com/miekg/dns"

	"github.com/John-Robertt/policy-compiler/internal/model"
)

type settingsChecker struct {
	errs     []model.AppError
	warnings *[]model.AppError
}

func (s *settingsChecker) fail(path, msg string) {
	s.errs = append(s.errs, model.AppError{Code: "SETTINGS_INVALID", Message: msg, Stage: model.StageValidate, Path: path})
}

func (s *settingsChecker) warn(path, msg string) {
	*s.warnings = append(*s.warnings, model.AppError{Code: "SETTINGS_WARNING", Message: msg, Stage: model.StageValidate, Path: path})
}

func (s *settingsChecker) oneOf(path, v string, allowed ...string) {
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return
		}
	}
	s.fail(path, fmt.Sprintf("取值 %q 不合法，可选：%s", v, strings.Join(allowed, "/")))
}

func (s *settingsChecker) port(path string, v int) {
	if v < 0 || v > 65535 {
		s.fail(path, fmt.Sprintf("端口 %d 超出范围 0-65535", v))
	}
}

func (s *settingsChecker) prefixes(path string, list []string) {
	for i, c := range list {
		if _, err := netip.ParsePrefix(strings.TrimSpace(c)); err != nil {
			s.fail(fmt.Sprintf("%s[%d]", path, i), fmt.Sprintf("CIDR 不合法：%s", c))
		}
	}
}

func (s *settingsChecker) optionalURL(path, v string) {
	if v == "" {
		return
	}
	u, err := url.Parse(v)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		s.fail(path, fmt.Sprintf("URL 不合法：%s", v))
	}
}

// domainPattern accepts kernel domain wildcards: example.com, *.example.com,
// +.example.com, .example.com, and geosite:/rule-set: references.
func domainPattern(p string) bool {
	if strings.HasPrefix(p, "geosite:") || strings.HasPrefix(p, "rule-set:") {
		return len(p) > strings.Index(p, ":")+1
	}
	for _, pre := range []string{"+.", "*.", "."} {
		if rest, ok := strings.CutPrefix(p, pre); ok {
			p = rest
			break
		}
	}
	p = strings.ReplaceAll(p, "*", "x")
	if p == "" || strings.ContainsAny(p, " ,") {
		return false
	}
	_, ok := dns.IsDomainName(p)
	return ok
}

func (s *settingsChecker) domains(path string, list []string) {
	for i, d := range list {
		if !domainPattern(strings.TrimSpace(d)) {
			s.fail(fmt.Sprintf("%s[%d]", path, i), fmt.Sprintf("域名规则不合法：%s", d))
		}
	}
}

func validateSettings(p *model.Profile, warnings *[]model.AppError) []model.AppError {
	s := &settingsChecker{warnings: warnings}

	g := p.General
	s.oneOf("generalConfig.mode", g.Mode, "rule", "global", "direct")
	s.oneOf("generalConfig.log-level", g.LogLevel, "silent", "error", "warning", "info", "debug")
	s.port("generalConfig.mixed-port", g.MixedPort)

	a := p.Advanced
	s.port("advancedConfig.port", a.Port)
	s.port("advancedConfig.socks-port", a.SocksPort)
	for _, f := range []struct{ path, v string }{
		{"advancedConfig.external-controller", a.ExternalController},
		{"advancedConfig.external-controller-tls", a.ExternalControllerTLS},
	} {
		if f.v == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(f.v); err != nil {
			s.fail(f.path, fmt.Sprintf("地址必须是 host:port：%s", f.v))
		}
	}
	if a.ExternalControllerTLS != "" && (a.TLS.Certificate == "" || a.TLS.PrivateKey == "") {
		s.fail("advancedConfig.tls", "启用 external-controller-tls 需要同时配置 certificate 与 private-key")
	}
	if (a.TLS.Certificate == "") != (a.TLS.PrivateKey == "") {
		s.fail("advancedConfig.tls", "certificate 与 private-key 必须同时配置")
	}
	if a.KeepAliveInterval < 0 {
		s.fail("advancedConfig.keep-alive-interval", "keep-alive-interval 不能为负数")
	}
	if a.FindProcessMode != "" {
		s.oneOf("advancedConfig.find-process-mode", a.FindProcessMode, "always", "strict", "off")
	}
	if a.GeodataLoader != "" {
		s.oneOf("advancedConfig.geodata-loader", a.GeodataLoader, "standard", "memconservative")
	}
	if a.GeositeMatcher != "" {
		s.oneOf("advancedConfig.geosite-matcher", a.GeositeMatcher, "succinct", "mph")
	}
	if a.GeoAutoUpdate && a.GeoUpdateInterval <= 0 {
		s.fail("advancedConfig.geo-update-interval", "开启 geo-auto-update 时更新间隔必须为正数（小时）")
	}
	s.optionalURL("advancedConfig.geox-url.geoip", a.GeoXURL.GeoIP)
	s.optionalURL("advancedConfig.geox-url.geosite", a.GeoXURL.GeoSite)
	s.optionalURL("advancedConfig.geox-url.mmdb", a.GeoXURL.MMDB)
	s.optionalURL("advancedConfig.geox-url.asn", a.GeoXURL.ASN)
	s.optionalURL("advancedConfig.external-ui-url", a.ExternalUIURL)
	for i, cred := range a.Authentication {
		if user, _, ok := strings.Cut(cred, ":"); !ok || user == "" {
			s.fail(fmt.Sprintf("advancedConfig.authentication[%d]", i), "认证信息必须是 user:pass")
		}
	}
	s.prefixes("advancedConfig.skip-auth-prefixes", a.SkipAuthPrefixes)
	s.prefixes("advancedConfig.lan-allowed-ips", a.LANAllowedIPs)
	s.prefixes("advancedConfig.lan-disallowed-ips", a.LANDisallowedIPs)
	if a.Secret == "" && a.ExternalController != "" {
		host, _, _ := net.SplitHostPort(a.ExternalController)
		if ip, err := netip.ParseAddr(host); err != nil || !ip.IsLoopback() {
			s.warn("advancedConfig.secret", "external-controller 对外开放但未设置 secret")
		}
	}

	t := p.Tun
	s.oneOf("tunConfig.stack", t.Stack, "Mixed", "System", "gVisor", "LWIP")
	s.prefixes("tunConfig.route-address", t.RouteAddress)
	if t.MTU < 0 || t.MTU > 65535 || (t.Enable && t.MTU != 0 && t.MTU < 576) {
		s.fail("tunConfig.mtu", fmt.Sprintf("mtu %d 不合法", t.MTU))
	}
	if t.Enable && t.Device == "" {
		s.warn("tunConfig.device", "未指定 TUN 设备名，将由内核自动选择")
	}

	d := p.DNS
	s.oneOf("dnsConfig.enhanced-mode", d.EnhancedMode, "fake-ip", "redir-host")
	s.oneOf("dnsConfig.fake-ip-filter-mode", d.FakeIPFilterMode, "blacklist", "whitelist")
	if d.EnhancedMode == "fake-ip" {
		if pfx, err := netip.ParsePrefix(d.FakeIPRange); err != nil || !pfx.Addr().Is4() {
			s.fail("dnsConfig.fake-ip-range", fmt.Sprintf("fake-ip-range 必须是 IPv4 CIDR：%s", d.FakeIPRange))
		}
	}
	s.domains("dnsConfig.fake-ip-filter", d.FakeIPFilter)
	s.prefixes("dnsConfig.fallback-filter.ipcidr", d.FallbackFilter.IPCIDR)
	s.domains("dnsConfig.fallback-filter.domain", d.FallbackFilter.Domain)
	if d.Listen != "" {
		if _, _, err := net.SplitHostPort(d.Listen); err != nil {
			s.fail("dnsConfig.listen", fmt.Sprintf("监听地址必须是 host:port：%s", d.Listen))
		}
	}
	for _, host := range slices.Sorted(maps.Keys(d.Hosts)) {
		target := d.Hosts[host]
		if !domainPattern(host) {
			s.fail("dnsConfig.hosts."+host, fmt.Sprintf("hosts 域名不合法：%s", host))
		}
		if _, err := netip.ParseAddr(target); err != nil && !domainPattern(target) {
			s.fail("dnsConfig.hosts."+host, fmt.Sprintf("hosts 目标必须是 IP 或域名：%s", target))
		}
	}
	for _, pattern := range slices.Sorted(maps.Keys(d.NameserverPolicy)) {
		if !domainPattern(pattern) {
			s.fail("dnsConfig.nameserver-policy."+pattern, fmt.Sprintf("nameserver-policy 域名不合法：%s", pattern))
		}
	}
	if d.Enable && len(d.Nameserver) == 0 {
		s.fail("dnsConfig.nameserver", "启用 DNS 时至少需要一个 nameserver")
	}

	if p.Mixin.Priority != "" {
		s.oneOf("mixinConfig.priority", p.Mixin.Priority, model.MixinPriorityMixin, model.MixinPriorityGUI)
	}
	return s.errs
}
