// Package emit serializes a compiled profile into the kernel's YAML
// configuration. Output is deterministic and produced all-or-nothing.
package emit

import (
	"bytes"
	"fmt"
	"slices"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/policy-compiler/internal/compiler"
	"github.com/John-Robertt/policy-compiler/internal/model"
	"github.com/John-Robertt/policy-compiler/internal/ruleset"
)

type SerializationError struct {
	AppError model.AppError
	Cause    error
}

func (e *SerializationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *SerializationError) Unwrap() error { return e.Cause }

func serErr(code, msg, path string, cause error) *SerializationError {
	return &SerializationError{
		AppError: model.AppError{Code: code, Message: msg, Stage: model.StageEmit, Path: path},
		Cause:    cause,
	}
}

type Options struct {
	// RulesetInterval is the refresh interval written for http rule
	// providers, in seconds. Default 86400.
	RulesetInterval int
}

// Artifact is one emitted configuration.
type Artifact struct {
	YAML     []byte
	Digest   string // xxhash of YAML, hex
	Warnings []model.AppError
}

// Emit renders res. Sections appear in a fixed order: general and advanced
// keys at the top level, then tun, dns, proxies, proxy-groups,
// rule-providers and rules.
func Emit(res *compiler.Result, opt Options) (*Artifact, error) {
	if res == nil || res.Profile == nil {
		return nil, serErr("INVALID_ARGUMENT", "emit 输入不能为空", "", nil)
	}
	if opt.RulesetInterval <= 0 {
		opt.RulesetInterval = 86400
	}
	p := res.Profile
	root := mapping()

	for _, sec := range []struct {
		key string
		v   any
	}{
		{"", p.General},
		{"", p.Advanced},
		{"tun", p.Tun},
		{"dns", p.DNS},
	} {
		n, err := encode(sec.v)
		if err != nil {
			return nil, serErr("EMIT_ENCODE_FAILED", "配置段编码失败", sec.key, err)
		}
		prune(n)
		if sec.key == "" {
			root.Content = append(root.Content, n.Content...)
		} else {
			put(root, sec.key, n)
		}
	}

	proxies, err := emitProxies(res.Proxies)
	if err != nil {
		return nil, err
	}
	put(root, "proxies", proxies)
	put(root, "proxy-groups", emitGroups(p.ProxyGroups, res.Membership))

	providers, err := emitProviders(res.Rulesets, opt.RulesetInterval)
	if err != nil {
		return nil, err
	}
	put(root, "rule-providers", providers)

	ruleSeq := sequence()
	for _, r := range res.Rules {
		ruleSeq.Content = append(ruleSeq.Content, str(r.Line().String()))
	}
	put(root, "rules", ruleSeq)

	warnings, err := mergeMixin(root, p.Mixin)
	if err != nil {
		return nil, err
	}

	if err := checkReferences(root); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	doc := &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}}
	if err := enc.Encode(doc); err != nil {
		return nil, serErr("EMIT_ENCODE_FAILED", "配置编码失败", "", err)
	}
	if err := enc.Close(); err != nil {
		return nil, serErr("EMIT_ENCODE_FAILED", "配置编码失败", "", err)
	}
	out := buf.Bytes()
	if _, err := ParseArtifact(out); err != nil {
		return nil, serErr("EMIT_ROUNDTRIP_FAILED", "生成的配置无法被重新解析", "", err)
	}

	return &Artifact{
		YAML:     out,
		Digest:   strconv.FormatUint(xxhash.Sum64(out), 16),
		Warnings: warnings,
	}, nil
}

// emitProxies writes name and type first, remaining keys sorted.
func emitProxies(proxies []model.Proxy) (*yaml.Node, error) {
	seq := sequence()
	for _, px := range proxies {
		m := mapping()
		put(m, "name", str(px.Name))
		put(m, "type", str(px.Type))
		keys := make([]string, 0, len(px.Options))
		for k := range px.Options {
			if k != "name" && k != "type" {
				keys = append(keys, k)
			}
		}
		slices.Sort(keys)
		for _, k := range keys {
			v, err := encode(px.Options[k])
			if err != nil {
				return nil, serErr("EMIT_ENCODE_FAILED", fmt.Sprintf("节点字段无法编码：%s", k), "proxies["+px.Name+"]."+k, err)
			}
			put(m, k, v)
		}
		seq.Content = append(seq.Content, m)
	}
	return seq, nil
}

func emitGroups(groups []model.ProxyGroup, membership model.Membership) *yaml.Node {
	seq := sequence()
	for _, g := range groups {
		m := mapping()
		put(m, "name", str(g.Name))
		put(m, "type", str(string(g.Type)))
		names := sequence()
		for _, mem := range membership[g.ID] {
			names.Content = append(names.Content, str(mem.Name))
		}
		put(m, "proxies", names)
		if g.Type.HealthChecked() {
			put(m, "url", str(g.URL))
			put(m, "interval", integer(g.Interval))
			if g.Type == model.GroupURLTest && g.Tolerance > 0 {
				put(m, "tolerance", integer(g.Tolerance))
			}
			put(m, "lazy", boolean(g.Lazy))
		}
		if g.Type == model.GroupLoadBalance {
			strategy := g.Strategy
			if strategy == "" {
				strategy = model.StrategyConsistentHashing
			}
			put(m, "strategy", str(string(strategy)))
		}
		if g.DisableUDP {
			put(m, "disable-udp", boolean(true))
		}
		if g.Hidden {
			put(m, "hidden", boolean(true))
		}
		if g.Icon != "" {
			put(m, "icon", str(g.Icon))
		}
		seq.Content = append(seq.Content, m)
	}
	return seq
}

func emitProviders(refs []model.RulesetRef, interval int) (*yaml.Node, error) {
	m := mapping()
	for _, ref := range refs {
		pm := mapping()
		put(pm, "type", str(string(ref.Type)))
		put(pm, "behavior", str(string(ref.Behavior)))
		put(pm, "format", str(string(ref.Format)))
		switch ref.Type {
		case model.RulesetHTTP:
			put(pm, "url", str(ref.Source))
			put(pm, "interval", integer(interval))
			if ref.Proxy.Name != "" && ref.Proxy.ID != model.Direct {
				put(pm, "proxy", str(ref.Proxy.Name))
			}
		case model.RulesetFile:
			put(pm, "path", str(ref.Source))
		case model.RulesetInline:
			entries, err := ruleset.InlineEntries(ref.Source)
			if err != nil {
				return nil, serErr("EMIT_INLINE_RULESET", "inline ruleset 内容无法解析", "rule-providers."+ref.Name, err)
			}
			payload := sequence()
			for _, e := range entries {
				payload.Content = append(payload.Content, str(e))
			}
			put(pm, "payload", payload)
		}
		put(m, ref.Name, pm)
	}
	return m, nil
}
