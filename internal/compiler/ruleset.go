package compiler

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/John-Robertt/policy-compiler/internal/model"
)

func (c *compiler) compileRuleset(i int, r model.Rule) (model.RulesetRef, bool) {
	ok := true
	bad := func(field, msg string) {
		e := ruleError(model.StageCompile, "RULESET_REF_INVALID", msg, i)
		e.Path = fmt.Sprintf("rules[%d].%s", i, field)
		c.fail(e)
		ok = false
	}

	ref := model.RulesetRef{
		Name:     strings.TrimSpace(r.RulesetName),
		Type:     r.RulesetType,
		Behavior: r.RulesetBehavior,
		Format:   r.RulesetFormat,
		Source:   r.Payload,
	}
	if ref.Format == "" {
		ref.Format = model.FormatYAML
	}

	if ref.Name == "" {
		bad("ruleset-name", "RULE-SET 规则必须指定 ruleset-name")
	} else if strings.ContainsAny(ref.Name, ",()") {
		bad("ruleset-name", "ruleset-name 不能包含逗号或括号")
	}

	switch ref.Behavior {
	case model.BehaviorDomain, model.BehaviorIPCIDR, model.BehaviorClassical:
	default:
		bad("ruleset-behavior", fmt.Sprintf("不支持的 ruleset-behavior：%s", ref.Behavior))
	}
	switch ref.Format {
	case model.FormatYAML:
	case model.FormatMRS:
		if ref.Behavior == model.BehaviorClassical {
			bad("ruleset-format", "mrs 格式不支持 classical behavior")
		}
	default:
		bad("ruleset-format", fmt.Sprintf("不支持的 ruleset-format：%s", ref.Format))
	}

	switch ref.Type {
	case model.RulesetFile:
		ref.Source = strings.TrimSpace(ref.Source)
		if ref.Source == "" {
			bad("payload", "file 类型 ruleset 的 payload 必须是本地路径")
		}
	case model.RulesetHTTP:
		ref.Source = strings.TrimSpace(ref.Source)
		u, err := url.Parse(ref.Source)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			bad("payload", "http 类型 ruleset 的 payload 必须是 http/https URL")
		}
	case model.RulesetInline:
		if strings.TrimSpace(ref.Source) == "" {
			bad("payload", "inline 类型 ruleset 的 payload 不能为空")
		}
		if ref.Format == model.FormatMRS {
			bad("ruleset-format", "inline ruleset 只支持 yaml 格式")
		}
	default:
		bad("ruleset-type", fmt.Sprintf("不支持的 ruleset-type：%s", ref.Type))
	}

	proxyID := r.RulesetProxy
	if proxyID == "" {
		proxyID = model.Direct
	}
	m, found := c.graph.Lookup(proxyID)
	if !found {
		e := ruleError(model.StageValidate, "REFERENCE_NOT_FOUND", fmt.Sprintf("ruleset-proxy 引用的策略组不存在：%s", proxyID), i)
		e.Path = fmt.Sprintf("rules[%d].ruleset-proxy", i)
		c.fail(e)
		ok = false
	}
	ref.Proxy = m
	return ref, ok
}

// RulesetStates looks up the resolver's view of a ruleset by locator.
type RulesetStates interface {
	State(locator string) (model.RulesetState, bool)
}

// CheckRulesets reports, as warnings, RULE-SET rules whose ruleset is not
// usable yet or whose latest refresh failed. Such rules stay in place and
// never match until the ruleset resolves.
func CheckRulesets(res *Result, states RulesetStates) []model.AppError {
	var out []model.AppError
	for _, r := range res.Rules {
		if r.Ruleset == nil {
			continue
		}
		st, ok := states.State(r.Ruleset.Locator())
		warn := func(code, msg string) {
			e := ruleError(model.StageCompile, code, msg, r.Index)
			e.URL = r.Ruleset.Source
			if r.Ruleset.Type == model.RulesetInline {
				e.URL = ""
			}
			out = append(out, e)
		}
		switch {
		case !ok:
			warn("RULESET_PENDING", fmt.Sprintf("ruleset %s 尚未加载，暂不匹配任何流量", r.Ruleset.Name))
		case st.ErrCode == "RULESET_BEHAVIOR_MISMATCH":
			warn(st.ErrCode, fmt.Sprintf("ruleset %s 的内容与 behavior=%s 不兼容：%s", r.Ruleset.Name, r.Ruleset.Behavior, st.ErrMessage))
		case st.Stale && st.Resolved:
			warn("RULESET_STALE", fmt.Sprintf("ruleset %s 刷新失败，继续使用上次成功的数据：%s", r.Ruleset.Name, st.ErrMessage))
		case st.Stale:
			warn("RULESET_STALE", fmt.Sprintf("ruleset %s 加载失败，暂不匹配任何流量：%s", r.Ruleset.Name, st.ErrMessage))
		}
	}
	return out
}
