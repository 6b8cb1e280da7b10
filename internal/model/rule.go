package model

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

type RuleType string

const (
	RuleDomain        RuleType = "DOMAIN"
	RuleDomainSuffix  RuleType = "DOMAIN-SUFFIX"
	RuleDomainKeyword RuleType = "DOMAIN-KEYWORD"
	RuleDomainRegex   RuleType = "DOMAIN-REGEX"
	RuleGeoIP         RuleType = "GEOIP"
	RuleGeoSite       RuleType = "GEOSITE"
	RuleIPCIDR        RuleType = "IP-CIDR"
	RuleIPCIDR6       RuleType = "IP-CIDR6"
	RuleIPASN         RuleType = "IP-ASN"
	RuleSrcIPCIDR     RuleType = "SRC-IP-CIDR"
	RuleSrcPort       RuleType = "SRC-PORT"
	RuleDstPort       RuleType = "DST-PORT"
	RuleProcessName   RuleType = "PROCESS-NAME"
	RuleProcessPath   RuleType = "PROCESS-PATH"
	RuleRuleSet       RuleType = "RULE-SET"
	RuleLogic         RuleType = "LOGIC"
	RuleMatch         RuleType = "MATCH"

	// RuleNetwork only appears inside LOGIC expressions and classical rulesets.
	RuleNetwork RuleType = "NETWORK"
)

// IPBased reports whether no-resolve is meaningful for the type.
func (t RuleType) IPBased() bool {
	switch t {
	case RuleGeoIP, RuleIPCIDR, RuleIPCIDR6, RuleIPASN, RuleRuleSet:
		return true
	}
	return false
}

type RulesetType string

const (
	RulesetFile   RulesetType = "file"
	RulesetHTTP   RulesetType = "http"
	RulesetInline RulesetType = "inline"
)

type RulesetBehavior string

const (
	BehaviorDomain    RulesetBehavior = "domain"
	BehaviorIPCIDR    RulesetBehavior = "ipcidr"
	BehaviorClassical RulesetBehavior = "classical"
)

type RulesetFormat string

const (
	FormatYAML RulesetFormat = "yaml"
	FormatMRS  RulesetFormat = "mrs"
)

// Rule is one routing rule. The ruleset fields only matter for RULE-SET.
type Rule struct {
	ID              string          `yaml:"id" json:"id"`
	Type            RuleType        `yaml:"type" json:"type"`
	Payload         string          `yaml:"payload" json:"payload"`
	Proxy           string          `yaml:"proxy" json:"proxy"`
	NoResolve       bool            `yaml:"no-resolve" json:"no-resolve"`
	RulesetName     string          `yaml:"ruleset-name" json:"ruleset-name"`
	RulesetType     RulesetType     `yaml:"ruleset-type" json:"ruleset-type"`
	RulesetBehavior RulesetBehavior `yaml:"ruleset-behavior" json:"ruleset-behavior"`
	RulesetFormat   RulesetFormat   `yaml:"ruleset-format" json:"ruleset-format"`
	RulesetProxy    string          `yaml:"ruleset-proxy" json:"ruleset-proxy"`
}

// RulesetRef identifies one distinct ruleset source.
type RulesetRef struct {
	Name     string          `json:"name"`
	Type     RulesetType     `json:"type"`
	Behavior RulesetBehavior `json:"behavior"`
	Format   RulesetFormat   `json:"format"`
	Source   string          `json:"source"` // path, URL or inline payload
	Proxy    Member          `json:"proxy"`  // used to fetch http sources
}

// Locator is the cache key of a ruleset source.
func (r RulesetRef) Locator() string {
	src := r.Source
	if r.Type == RulesetInline {
		src = inlineDigest(src)
	}
	return string(r.Type) + "|" + string(r.Format) + "|" + string(r.Behavior) + "|" + src
}

func inlineDigest(payload string) string {
	return "inline:" + strconv.FormatUint(xxhash.Sum64String(payload), 16)
}

// RulesetState is what the compiler needs to know about a resolved ruleset.
type RulesetState struct {
	Resolved   bool   // at least one successful fetch+parse
	Stale      bool   // the latest attempt failed
	Entries    int    // matcher entries in the served data
	ErrCode    string // code of the latest failure
	ErrMessage string
}
