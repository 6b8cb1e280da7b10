package model

import "github.com/google/uuid"

// NewID returns a fresh opaque entity id.
func NewID() string { return uuid.NewString() }

// BootstrapIDs are the ids of the five built-in groups created with a new
// profile.
type BootstrapIDs struct {
	Select   string
	Auto     string
	Direct   string
	Reject   string
	Fallback string
}

// NewBootstrapIDs draws five ids from gen, in the order select, auto, direct,
// reject, fallback.
func NewBootstrapIDs(gen func() string) BootstrapIDs {
	return BootstrapIDs{Select: gen(), Auto: gen(), Direct: gen(), Reject: gen(), Fallback: gen()}
}

const (
	DefaultTestURL   = "https://www.gstatic.com/generate_204"
	DefaultInterval  = 300
	DefaultTolerance = 150

	metaRulesBase = "https://testingcf.jsdelivr.net/gh/MetaCubeX/meta-rules-dat@meta/geo/"
)

// Built-in group names.
const (
	NameSelect   = "🚀 Select"
	NameAuto     = "🎈 Auto"
	NameDirect   = "🎯 Direct"
	NameReject   = "🛑 Reject"
	NameFallback = "🐟 Fallback"
)

// NewProfile builds a profile populated with every default.
func NewProfile(name string, gen func() string) *Profile {
	if gen == nil {
		gen = NewID
	}
	ids := NewBootstrapIDs(gen)
	return &Profile{
		ID:          gen(),
		Name:        name,
		General:     DefaultGeneralConfig(),
		Advanced:    DefaultAdvancedConfig(gen()),
		Tun:         DefaultTunConfig(),
		DNS:         DefaultDNSConfig(),
		ProxyGroups: DefaultProxyGroups(ids),
		Rules:       DefaultRules(ids, gen),
		Mixin:       DefaultMixinConfig(),
		Script:      DefaultScriptConfig(),
	}
}

func DefaultGeneralConfig() GeneralConfig {
	return GeneralConfig{
		Mode:      "rule",
		MixedPort: 20112,
		LogLevel:  "silent",
	}
}

func DefaultAdvancedConfig(secret string) AdvancedConfig {
	return AdvancedConfig{
		Secret:                  secret,
		ExternalController:      "127.0.0.1:20113",
		KeepAliveInterval:       30,
		FindProcessMode:         "strict",
		UnifiedDelay:            true,
		TCPConcurrent:           true,
		Authentication:          []string{},
		SkipAuthPrefixes:        []string{"127.0.0.1/8", "::1/128"},
		GlobalClientFingerprint: "chrome",
		GeoUpdateInterval:       24,
		GeodataLoader:           "standard",
		GeositeMatcher:          "mph",
		GeoXURL: GeoXURL{
			GeoIP:   "https://testingcf.jsdelivr.net/gh/MetaCubeX/meta-rules-dat@release/geoip.dat",
			GeoSite: "https://testingcf.jsdelivr.net/gh/MetaCubeX/meta-rules-dat@release/geosite.dat",
			MMDB:    "https://testingcf.jsdelivr.net/gh/MetaCubeX/meta-rules-dat@release/country.mmdb",
			ASN:     "https://github.com/xishang0128/geoip/releases/download/latest/GeoLite2-ASN.mmdb",
		},
		GlobalUA:         "chrome",
		Profile:          StoreProfile{StoreSelected: true, StoreFakeIP: true},
		LANAllowedIPs:    []string{"0.0.0.0/0", "::/0"},
		LANDisallowedIPs: []string{},
	}
}

func DefaultTunConfig() TunConfig {
	return TunConfig{
		Stack:               "Mixed",
		AutoRoute:           true,
		RouteAddress:        []string{"0.0.0.0/1", "128.0.0.0/1", "::/1", "8000::/1"},
		AutoDetectInterface: true,
		DNSHijack:           []string{"any:53"},
		Device:              "utun_clash",
		MTU:                 9000,
		StrictRoute:         true,
	}
}

func DefaultDNSConfig() DNSConfig {
	return DNSConfig{
		UseSystemHosts:        true,
		DefaultNameserver:     []string{},
		Nameserver:            []string{"https://223.5.5.5/dns-query"},
		ProxyServerNameserver: []string{},
		NameserverPolicy:      map[string]string{},
		EnhancedMode:          "fake-ip",
		FakeIPRange:           "198.18.0.1/16",
		FakeIPFilterMode:      "blacklist",
		FakeIPFilter: []string{
			"*.lan", "*.localdomain", "*.example", "*.invalid", "*.localhost",
			"*.test", "*.local", "*.home.arpa", "*.msftconnecttest.com", "*.msftncsi.com",
		},
		Fallback: []string{},
		FallbackFilter: FallbackFilter{
			GeoIP:     true,
			GeoIPCode: "CN",
			GeoSite:   []string{"gfw"},
			IPCIDR:    []string{"240.0.0.0/4"},
			Domain:    []string{"+.google.com", "+.facebook.com", "+.youtube.com"},
		},
		Hosts: map[string]string{},
	}
}

func defaultGroup(id, name string, typ GroupType, members ...MemberRef) ProxyGroup {
	if members == nil {
		members = []MemberRef{}
	}
	return ProxyGroup{
		ID:        id,
		Name:      name,
		Type:      typ,
		Proxies:   members,
		Use:       []string{},
		URL:       DefaultTestURL,
		Interval:  DefaultInterval,
		Tolerance: DefaultTolerance,
		Strategy:  StrategyConsistentHashing,
		Lazy:      true,
	}
}

func builtIn(id, name string) MemberRef {
	return MemberRef{ID: id, Type: MemberRefTypeBuiltIn, Name: name}
}

// DefaultProxyGroups returns the built-in group DAG:
// Select -> Auto, Direct -> DIRECT/REJECT, Reject -> REJECT/DIRECT,
// Fallback -> Select/Direct. Nothing references Fallback.
func DefaultProxyGroups(ids BootstrapIDs) []ProxyGroup {
	return []ProxyGroup{
		defaultGroup(ids.Select, NameSelect, GroupSelect, builtIn(ids.Auto, NameAuto)),
		defaultGroup(ids.Auto, NameAuto, GroupURLTest),
		defaultGroup(ids.Direct, NameDirect, GroupSelect, builtIn(Direct, Direct), builtIn(Reject, Reject)),
		defaultGroup(ids.Reject, NameReject, GroupSelect, builtIn(Reject, Reject), builtIn(Direct, Direct)),
		defaultGroup(ids.Fallback, NameFallback, GroupSelect, builtIn(ids.Select, NameSelect), builtIn(ids.Direct, NameDirect)),
	}
}

func defaultRule(id string, typ RuleType, payload, proxy string, ids BootstrapIDs) Rule {
	return Rule{
		ID:              id,
		Type:            typ,
		Payload:         payload,
		Proxy:           proxy,
		RulesetType:     RulesetFile,
		RulesetBehavior: BehaviorDomain,
		RulesetFormat:   FormatMRS,
		RulesetProxy:    ids.Direct,
	}
}

func metaRuleSet(id, name, path string, behavior RulesetBehavior, noResolve bool, proxy string, ids BootstrapIDs) Rule {
	r := defaultRule(id, RuleRuleSet, metaRulesBase+path, proxy, ids)
	r.RulesetName = name
	r.RulesetType = RulesetHTTP
	r.RulesetBehavior = behavior
	r.NoResolve = noResolve
	return r
}

// DefaultRules returns the default rule list. The LOGIC rule is kept exactly
// as shipped; it is user data.
func DefaultRules(ids BootstrapIDs, gen func() string) []Rule {
	if gen == nil {
		gen = NewID
	}
	return []Rule{
		defaultRule(gen(), RuleLogic, "AND,((DST-PORT,443),(NETWORK,udp))", ids.Reject, ids),
		metaRuleSet(gen(), "category-ads-all", "geosite/category-ads-all.mrs", BehaviorDomain, false, ids.Reject, ids),
		metaRuleSet(gen(), "GEOIP-Private", "geoip/private.mrs", BehaviorIPCIDR, true, ids.Direct, ids),
		metaRuleSet(gen(), "GEOIP-CN", "geoip/cn.mrs", BehaviorIPCIDR, true, ids.Direct, ids),
		metaRuleSet(gen(), "GEOSITE-Private", "geosite/private.mrs", BehaviorDomain, false, ids.Direct, ids),
		metaRuleSet(gen(), "GEOSITE-CN", "geosite/cn.mrs", BehaviorDomain, false, ids.Direct, ids),
		metaRuleSet(gen(), "geolocation-!cn", "geosite/geolocation-!cn.mrs", BehaviorDomain, false, ids.Select, ids),
		defaultRule(gen(), RuleMatch, "", ids.Fallback, ids),
	}
}

func DefaultMixinConfig() MixinConfig {
	return MixinConfig{Priority: MixinPriorityMixin}
}

func DefaultScriptConfig() ScriptConfig {
	return ScriptConfig{Code: "const onGenerate = async (config) => {\n  return config\n}"}
}
