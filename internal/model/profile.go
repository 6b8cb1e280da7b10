package model

const (
	MixinPriorityMixin = "mixin"
	MixinPriorityGUI   = "gui"
)

// MixinConfig is a free-form YAML or JSONC document merged into the emitted
// configuration.
type MixinConfig struct {
	Priority string `yaml:"priority" json:"priority"`
	Config   string `yaml:"config" json:"config"`
}

// ScriptConfig is stored and round-tripped verbatim; it is never executed here.
type ScriptConfig struct {
	Code string `yaml:"code" json:"code"`
}

// Profile is the editor's document. The compiler treats it as an immutable
// snapshot.
type Profile struct {
	ID          string         `yaml:"id" json:"id"`
	Name        string         `yaml:"name" json:"name"`
	General     GeneralConfig  `yaml:"generalConfig" json:"generalConfig"`
	Advanced    AdvancedConfig `yaml:"advancedConfig" json:"advancedConfig"`
	Tun         TunConfig      `yaml:"tunConfig" json:"tunConfig"`
	DNS         DNSConfig      `yaml:"dnsConfig" json:"dnsConfig"`
	ProxyGroups []ProxyGroup   `yaml:"proxyGroupsConfig" json:"proxyGroupsConfig"`
	Rules       []Rule         `yaml:"rulesConfig" json:"rulesConfig"`
	Mixin       MixinConfig    `yaml:"mixinConfig" json:"mixinConfig"`
	Script      ScriptConfig   `yaml:"scriptConfig" json:"scriptConfig"`
}

// Group returns the group with the given id.
func (p *Profile) Group(id string) (*ProxyGroup, bool) {
	for i := range p.ProxyGroups {
		if p.ProxyGroups[i].ID == id {
			return &p.ProxyGroups[i], true
		}
	}
	return nil, false
}
