package model

type GroupType string

const (
	GroupSelect      GroupType = "select"
	GroupURLTest     GroupType = "url-test"
	GroupFallback    GroupType = "fallback"
	GroupRelay       GroupType = "relay"
	GroupLoadBalance GroupType = "load-balance"
)

func (t GroupType) Valid() bool {
	switch t {
	case GroupSelect, GroupURLTest, GroupFallback, GroupRelay, GroupLoadBalance:
		return true
	}
	return false
}

// HealthChecked reports whether groups of this type run periodic probes.
func (t GroupType) HealthChecked() bool {
	return t == GroupURLTest || t == GroupFallback || t == GroupLoadBalance
}

type Strategy string

const (
	StrategyConsistentHashing Strategy = "consistent-hashing"
	StrategyRoundRobin        Strategy = "round-robin"
)

// Built-in terminals. They are not ProxyGroup entities.
const (
	Direct = "DIRECT"
	Reject = "REJECT"
)

func IsTerminal(id string) bool { return id == Direct || id == Reject }

// MemberRefTypeBuiltIn marks references to terminals and groups. Any other
// value names the subscription a concrete proxy came from.
const MemberRefTypeBuiltIn = "Built-In"

// MemberRef is a member reference as stored in the profile.
type MemberRef struct {
	ID   string `yaml:"id" json:"id"`
	Type string `yaml:"type" json:"type"`
	Name string `yaml:"name" json:"name"`
}

type ProxyGroup struct {
	ID            string      `yaml:"id" json:"id"`
	Name          string      `yaml:"name" json:"name"`
	Type          GroupType   `yaml:"type" json:"type"`
	Proxies       []MemberRef `yaml:"proxies" json:"proxies"`
	Use           []string    `yaml:"use" json:"use"`
	URL           string      `yaml:"url" json:"url"`
	Interval      int         `yaml:"interval" json:"interval"`   // seconds
	Tolerance     int         `yaml:"tolerance" json:"tolerance"` // milliseconds
	Strategy      Strategy    `yaml:"strategy" json:"strategy"`
	Lazy          bool        `yaml:"lazy" json:"lazy"`
	DisableUDP    bool        `yaml:"disable-udp" json:"disable-udp"`
	Filter        string      `yaml:"filter" json:"filter"`
	ExcludeFilter string      `yaml:"exclude-filter" json:"exclude-filter"`
	Hidden        bool        `yaml:"hidden" json:"hidden"`
	Icon          string      `yaml:"icon" json:"icon"`
}

type MemberKind int

const (
	MemberTerminal MemberKind = iota
	MemberGroup
	MemberProxy
)

func (k MemberKind) String() string {
	switch k {
	case MemberTerminal:
		return "terminal"
	case MemberGroup:
		return "group"
	case MemberProxy:
		return "proxy"
	default:
		return "unknown"
	}
}

// Member is a resolved member reference. Name is what the kernel sees.
type Member struct {
	Kind MemberKind `json:"kind"`
	ID   string     `json:"id"`
	Name string     `json:"name"`
}

// Membership maps a group id to its resolved, ordered members.
type Membership map[string][]Member
