package emit

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/policy-compiler/internal/model"
)

// Document is the part of an emitted configuration the compiler owns. All
// other keys land in Settings.
type Document struct {
	Proxies       []map[string]any          `yaml:"proxies"`
	ProxyGroups   []GroupDoc                `yaml:"proxy-groups"`
	RuleProviders map[string]map[string]any `yaml:"rule-providers"`
	Rules         []string                  `yaml:"rules"`
	Settings      map[string]any            `yaml:",inline"`
}

type GroupDoc struct {
	Name    string         `yaml:"name"`
	Type    string         `yaml:"type"`
	Proxies []string       `yaml:"proxies"`
	Extra   map[string]any `yaml:",inline"`
}

// ParseArtifact decodes an emitted configuration.
func ParseArtifact(b []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// checkReferences verifies that every group member and rule target names an
// emitted proxy, an emitted group or a terminal.
func checkReferences(root *yaml.Node) error {
	names := map[string]bool{model.Direct: true, model.Reject: true}
	if seq, _ := lookup(root, "proxies"); seq != nil {
		for _, p := range seq.Content {
			if n, _ := lookup(p, "name"); n != nil {
				if names[n.Value] {
					return serErr("EMIT_DUPLICATE_NAME", fmt.Sprintf("名称重复：%s", n.Value), "proxies", nil)
				}
				names[n.Value] = true
			}
		}
	}
	groups, _ := lookup(root, "proxy-groups")
	if groups != nil {
		for _, g := range groups.Content {
			if n, _ := lookup(g, "name"); n != nil {
				if names[n.Value] {
					return serErr("EMIT_DUPLICATE_NAME", fmt.Sprintf("名称重复：%s", n.Value), "proxy-groups", nil)
				}
				names[n.Value] = true
			}
		}
		for _, g := range groups.Content {
			gname, _ := lookup(g, "name")
			members, _ := lookup(g, "proxies")
			if gname == nil || members == nil {
				continue
			}
			for _, m := range members.Content {
				if !names[m.Value] {
					return serErr("EMIT_DANGLING_REFERENCE", fmt.Sprintf("策略组 %s 引用了未输出的成员 %s", gname.Value, m.Value), "proxy-groups["+gname.Value+"]", nil)
				}
			}
		}
	}

	providers := map[string]bool{}
	if pm, _ := lookup(root, "rule-providers"); pm != nil {
		for i := 0; i+1 < len(pm.Content); i += 2 {
			providers[pm.Content[i].Value] = true
		}
	}
	rules, _ := lookup(root, "rules")
	if rules == nil {
		return nil
	}
	for i, r := range rules.Content {
		line := strings.TrimSuffix(r.Value, ",no-resolve")
		target := line[strings.LastIndexByte(line, ',')+1:]
		if !names[target] {
			return serErr("EMIT_DANGLING_REFERENCE", fmt.Sprintf("规则 %q 的目标不存在", r.Value), fmt.Sprintf("rules[%d]", i), nil)
		}
		if rest, ok := strings.CutPrefix(line, "RULE-SET,"); ok {
			name, _, _ := strings.Cut(rest, ",")
			if !providers[name] {
				return serErr("EMIT_DANGLING_REFERENCE", fmt.Sprintf("规则引用了未输出的 rule-provider %s", name), fmt.Sprintf("rules[%d]", i), nil)
			}
		}
	}
	return nil
}
