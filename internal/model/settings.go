package model

type GeneralConfig struct {
	Mode          string `yaml:"mode" json:"mode"`
	IPv6          bool   `yaml:"ipv6" json:"ipv6"`
	MixedPort     int    `yaml:"mixed-port" json:"mixed-port"`
	AllowLAN      bool   `yaml:"allow-lan" json:"allow-lan"`
	LogLevel      string `yaml:"log-level" json:"log-level"`
	InterfaceName string `yaml:"interface-name" json:"interface-name"`
}

type TLSConfig struct {
	Certificate string `yaml:"certificate" json:"certificate"`
	PrivateKey  string `yaml:"private-key" json:"private-key"`
}

type GeoXURL struct {
	GeoIP   string `yaml:"geoip" json:"geoip"`
	GeoSite string `yaml:"geosite" json:"geosite"`
	MMDB    string `yaml:"mmdb" json:"mmdb"`
	ASN     string `yaml:"asn" json:"asn"`
}

type StoreProfile struct {
	StoreSelected bool `yaml:"store-selected" json:"store-selected"`
	StoreFakeIP   bool `yaml:"store-fake-ip" json:"store-fake-ip"`
}

type AdvancedConfig struct {
	Port                    int          `yaml:"port" json:"port"`
	SocksPort               int          `yaml:"socks-port" json:"socks-port"`
	Secret                  string       `yaml:"secret" json:"secret"`
	ExternalController      string       `yaml:"external-controller" json:"external-controller"`
	ExternalUI              string       `yaml:"external-ui" json:"external-ui"`
	KeepAliveInterval       int          `yaml:"keep-alive-interval" json:"keep-alive-interval"`
	FindProcessMode         string       `yaml:"find-process-mode" json:"find-process-mode"`
	ExternalControllerTLS   string       `yaml:"external-controller-tls" json:"external-controller-tls"`
	ExternalUIName          string       `yaml:"external-ui-name" json:"external-ui-name"`
	ExternalUIURL           string       `yaml:"external-ui-url" json:"external-ui-url"`
	UnifiedDelay            bool         `yaml:"unified-delay" json:"unified-delay"`
	TCPConcurrent           bool         `yaml:"tcp-concurrent" json:"tcp-concurrent"`
	Authentication          []string     `yaml:"authentication" json:"authentication"`
	SkipAuthPrefixes        []string     `yaml:"skip-auth-prefixes" json:"skip-auth-prefixes"`
	TLS                     TLSConfig    `yaml:"tls" json:"tls"`
	GlobalClientFingerprint string       `yaml:"global-client-fingerprint" json:"global-client-fingerprint"`
	GeodataMode             bool         `yaml:"geodata-mode" json:"geodata-mode"`
	GeoAutoUpdate           bool         `yaml:"geo-auto-update" json:"geo-auto-update"`
	GeoUpdateInterval       int          `yaml:"geo-update-interval" json:"geo-update-interval"`
	GeodataLoader           string       `yaml:"geodata-loader" json:"geodata-loader"`
	GeositeMatcher          string       `yaml:"geosite-matcher" json:"geosite-matcher"`
	GeoXURL                 GeoXURL      `yaml:"geox-url" json:"geox-url"`
	GlobalUA                string       `yaml:"global-ua" json:"global-ua"`
	Profile                 StoreProfile `yaml:"profile" json:"profile"`
	LANAllowedIPs           []string     `yaml:"lan-allowed-ips" json:"lan-allowed-ips"`
	LANDisallowedIPs        []string     `yaml:"lan-disallowed-ips" json:"lan-disallowed-ips"`
}

type TunConfig struct {
	Enable                 bool     `yaml:"enable" json:"enable"`
	Stack                  string   `yaml:"stack" json:"stack"`
	AutoRoute              bool     `yaml:"auto-route" json:"auto-route"`
	RouteAddress           []string `yaml:"route-address" json:"route-address"`
	AutoDetectInterface    bool     `yaml:"auto-detect-interface" json:"auto-detect-interface"`
	DNSHijack              []string `yaml:"dns-hijack" json:"dns-hijack"`
	Device                 string   `yaml:"device" json:"device"`
	MTU                    int      `yaml:"mtu" json:"mtu"`
	StrictRoute            bool     `yaml:"strict-route" json:"strict-route"`
	EndpointIndependentNAT bool     `yaml:"endpoint-independent-nat" json:"endpoint-independent-nat"`
}

type FallbackFilter struct {
	GeoIP     bool     `yaml:"geoip" json:"geoip"`
	GeoIPCode string   `yaml:"geoip-code" json:"geoip-code"`
	GeoSite   []string `yaml:"geosite" json:"geosite"`
	IPCIDR    []string `yaml:"ipcidr" json:"ipcidr"`
	Domain    []string `yaml:"domain" json:"domain"`
}

type DNSConfig struct {
	Enable                bool              `yaml:"enable" json:"enable"`
	Listen                string            `yaml:"listen" json:"listen"`
	IPv6                  bool              `yaml:"ipv6" json:"ipv6"`
	UseHosts              bool              `yaml:"use-hosts" json:"use-hosts"`
	UseSystemHosts        bool              `yaml:"use-system-hosts" json:"use-system-hosts"`
	DefaultNameserver     []string          `yaml:"default-nameserver" json:"default-nameserver"`
	Nameserver            []string          `yaml:"nameserver" json:"nameserver"`
	ProxyServerNameserver []string          `yaml:"proxy-server-nameserver" json:"proxy-server-nameserver"`
	NameserverPolicy      map[string]string `yaml:"nameserver-policy" json:"nameserver-policy"`
	EnhancedMode          string            `yaml:"enhanced-mode" json:"enhanced-mode"`
	FakeIPRange           string            `yaml:"fake-ip-range" json:"fake-ip-range"`
	FakeIPFilterMode      string            `yaml:"fake-ip-filter-mode" json:"fake-ip-filter-mode"`
	FakeIPFilter          []string          `yaml:"fake-ip-filter" json:"fake-ip-filter"`
	Fallback              []string          `yaml:"fallback" json:"fallback"`
	FallbackFilter        FallbackFilter    `yaml:"fallback-filter" json:"fallback-filter"`
	PreferH3              bool              `yaml:"prefer-h3" json:"prefer-h3"`
	Hosts                 map[string]string `yaml:"hosts" json:"hosts"`
}
