// Package match evaluates a compiled rule list against one connection the
// way the kernel would, without routing any traffic.
package match

import (
	"github.com/John-Robertt/policy-compiler/internal/compiler"
	"github.com/John-Robertt/policy-compiler/internal/model"
	"github.com/John-Robertt/policy-compiler/internal/rules"
	"github.com/John-Robertt/policy-compiler/internal/ruleset"
)

// Rulesets hands out ruleset matchers by locator. *ruleset.Snapshot
// implements it.
type Rulesets interface {
	Matcher(locator string) ruleset.Matcher
}

var _ Rulesets = (*ruleset.Snapshot)(nil)

type Result struct {
	Matched bool         `json:"matched"`
	Index   int          `json:"index"`
	RuleID  string       `json:"ruleId,omitempty"`
	Rule    string       `json:"rule,omitempty"`
	Target  model.Member `json:"target"`
	// DstIP is the destination used for IP rules, when one was known or
	// resolved.
	DstIP string `json:"dstIp,omitempty"`
}

// Evaluate returns the first rule that matches md. Rulesets that are not
// resolved match nothing. A nil sets or env is allowed.
func Evaluate(list []compiler.CompiledRule, sets Rulesets, env rules.Env, md model.Metadata) Result {
	for _, r := range list {
		if matchRule(r, sets, env, &md) {
			res := Result{Matched: true, Index: r.Index, RuleID: r.ID, Rule: r.Line().String(), Target: r.Target}
			if md.DstIP.IsValid() {
				res.DstIP = md.DstIP.String()
			}
			return res
		}
	}
	return Result{Index: -1}
}

func matchRule(r compiler.CompiledRule, sets Rulesets, env rules.Env, md *model.Metadata) bool {
	switch {
	case r.Type == model.RuleMatch:
		return true
	case r.Primitive != nil:
		return r.Primitive.Match(md, env)
	case r.Logic != nil:
		return r.Logic.Match(md, env)
	case r.Ruleset != nil:
		if sets == nil {
			return false
		}
		m := sets.Matcher(r.Ruleset.Locator())
		if m == ruleset.Empty {
			return false
		}
		if r.Ruleset.Behavior == model.BehaviorIPCIDR && !r.NoResolve {
			resolveDst(md, env)
		}
		return m.Match(md, env)
	}
	return false
}

// resolveDst fills md.DstIP from md.Host. Later rules see the resolved
// address, as they would in the kernel.
func resolveDst(md *model.Metadata, env rules.Env) {
	if md.DstIP.IsValid() || md.Host == "" || env == nil {
		return
	}
	if ip, ok := env.Resolve(md.Host); ok {
		md.DstIP = ip
	}
}
