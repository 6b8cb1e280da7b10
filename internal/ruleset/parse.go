package ruleset

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/miekg/dns"
	"go4.org/netipx"
	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/policy-compiler/internal/model"
	"github.com/John-Robertt/policy-compiler/internal/rules"
)

// Parse turns raw ruleset bytes into a matcher for the declared behavior and
// reports how many entries it holds. Entries that do not fit the behavior
// fail with RULESET_BEHAVIOR_MISMATCH.
func Parse(raw []byte, format model.RulesetFormat, behavior model.RulesetBehavior) (Matcher, int, error) {
	switch format {
	case model.FormatMRS:
		return parseMRS(raw, behavior)
	case model.FormatYAML, "":
		entries, err := yamlEntries(raw)
		if err != nil {
			return nil, 0, err
		}
		return build(entries, behavior)
	}
	return nil, 0, parseErr(CodeParse, fmt.Sprintf("不支持的 ruleset 格式：%s", format), 0, "", nil)
}

// InlineEntries lists the entries of an inline ruleset payload in order.
func InlineEntries(src string) ([]string, error) {
	entries, err := yamlEntries([]byte(src))
	if err != nil {
		return nil, err
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.text
	}
	return out, nil
}

type entry struct {
	text string
	line int
}

// yamlEntries accepts a mapping with a payload list, a bare list, or (for
// inline sources) one entry per line.
func yamlEntries(raw []byte) ([]entry, error) {
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		if looksLikePlainList(raw) {
			return plainEntries(raw), nil
		}
		return nil, parseErr(CodeParse, "ruleset YAML 解析失败", 0, "", err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}

	list := doc.Content[0]
	switch list.Kind {
	case yaml.MappingNode:
		var payload *yaml.Node
		for i := 0; i+1 < len(list.Content); i += 2 {
			if list.Content[i].Value == "payload" {
				payload = list.Content[i+1]
			}
		}
		if payload == nil {
			return nil, parseErr(CodeParse, "ruleset YAML 缺少 payload 列表", 0, "", nil)
		}
		list = payload
	case yaml.ScalarNode:
		return plainEntries(raw), nil
	}
	if list.Kind == yaml.ScalarNode && list.Tag == "!!null" {
		return nil, nil
	}
	if list.Kind != yaml.SequenceNode {
		return nil, parseErr(CodeParse, "ruleset payload 必须是列表", list.Line, "", nil)
	}

	out := make([]entry, 0, len(list.Content))
	for _, item := range list.Content {
		if item.Kind != yaml.ScalarNode {
			return nil, parseErr(CodeParse, "ruleset 条目必须是字符串", item.Line, "", nil)
		}
		s := strings.TrimSpace(item.Value)
		if s == "" {
			continue
		}
		out = append(out, entry{text: s, line: item.Line})
	}
	return out, nil
}

func looksLikePlainList(raw []byte) bool {
	return !bytes.Contains(raw, []byte("payload:"))
}

func plainEntries(raw []byte) []entry {
	var out []entry
	for i, line := range strings.Split(string(raw), "\n") {
		s := strings.TrimSpace(line)
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		out = append(out, entry{text: s, line: i + 1})
	}
	return out
}

func build(entries []entry, behavior model.RulesetBehavior) (Matcher, int, error) {
	switch behavior {
	case model.BehaviorDomain:
		m := newDomainMatcher()
		for _, e := range entries {
			if err := checkDomainEntry(e); err != nil {
				return nil, 0, err
			}
			m.add(e.text)
		}
		return m, len(entries), nil

	case model.BehaviorIPCIDR:
		var b netipx.IPSetBuilder
		for _, e := range entries {
			p, ok := prefixOf(e.text)
			if !ok {
				return nil, 0, parseErr(CodeBehaviorMismatch, "ipcidr ruleset 中出现非 IP/CIDR 条目", e.line, e.text, nil)
			}
			b.AddPrefix(p)
		}
		set, err := b.IPSet()
		if err != nil {
			return nil, 0, parseErr(CodeParse, "构建 IP 集合失败", 0, "", err)
		}
		return ipMatcher{set: set}, len(entries), nil

	case model.BehaviorClassical:
		nodes := make([]*rules.Node, 0, len(entries))
		for _, e := range entries {
			n, err := rules.ParseClassicalLine(e.text)
			if err != nil {
				return nil, 0, parseErr(CodeParse, "classical ruleset 条目不合法", e.line, e.text, err)
			}
			nodes = append(nodes, n)
		}
		return classicalMatcher{nodes: nodes}, len(entries), nil
	}
	return nil, 0, parseErr(CodeParse, fmt.Sprintf("不支持的 ruleset behavior：%s", behavior), 0, "", nil)
}

func checkDomainEntry(e entry) error {
	if _, ok := prefixOf(e.text); ok {
		return parseErr(CodeBehaviorMismatch, "domain ruleset 中出现 IP/CIDR 条目", e.line, e.text, nil)
	}
	if strings.Contains(e.text, ",") {
		return parseErr(CodeBehaviorMismatch, "domain ruleset 中出现 classical 规则行", e.line, e.text, nil)
	}
	name := strings.TrimPrefix(strings.TrimPrefix(e.text, "+"), ".")
	name = strings.ReplaceAll(name, "*", "x")
	if _, ok := dns.IsDomainName(name); !ok || name == "" {
		return parseErr(CodeParse, "domain ruleset 条目不是合法域名", e.line, e.text, nil)
	}
	return nil
}
