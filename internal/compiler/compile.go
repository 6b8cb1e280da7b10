// Package compiler turns a profile snapshot into a validated, ordered rule
// program bound to resolved group membership.
package compiler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/John-Robertt/policy-compiler/internal/graph"
	"github.com/John-Robertt/policy-compiler/internal/model"
	"github.com/John-Robertt/policy-compiler/internal/rules"
)

// CompiledRule is one rule bound to its resolved target. Exactly one of
// Primitive, Logic and Ruleset is set, except for MATCH which has none.
type CompiledRule struct {
	Index     int
	ID        string
	Type      model.RuleType
	Payload   string
	Target    model.Member
	NoResolve bool

	Primitive *rules.Primitive
	Logic     *rules.Node
	Ruleset   *model.RulesetRef
}

// Line renders the rule as the kernel reads it.
func (r CompiledRule) Line() rules.Line {
	l := rules.Line{Type: r.Type, Target: r.Target.Name, NoResolve: r.NoResolve && r.Type.IPBased()}
	switch {
	case r.Logic != nil:
		l.Payload = r.Logic.String()
	case r.Ruleset != nil:
		l.Payload = r.Ruleset.Name
	default:
		l.Payload = r.Payload
	}
	return l
}

type Result struct {
	Profile    *model.Profile
	Membership model.Membership
	Rules      []CompiledRule
	Rulesets   []model.RulesetRef // distinct, in first-use order
	Proxies    []model.Proxy      // concrete proxies reachable from groups or rules
	Warnings   []model.AppError
}

// CompileError carries every validation and compile problem found in one
// pass.
type CompileError struct {
	Errors   []model.AppError
	Warnings []model.AppError
}

func (e *CompileError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if len(e.Errors) == 0 {
		return "compile failed"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].String()
	}
	return fmt.Sprintf("%s (and %d more)", e.Errors[0].String(), len(e.Errors)-1)
}

// ByStage returns the errors reported by one stage.
func (e *CompileError) ByStage(stage string) []model.AppError {
	var out []model.AppError
	for _, a := range e.Errors {
		if a.Stage == stage {
			out = append(out, a)
		}
	}
	return out
}

// AsCompileError unwraps err into a *CompileError.
func AsCompileError(err error) (*CompileError, bool) {
	var ce *CompileError
	ok := errors.As(err, &ce)
	return ce, ok
}

type compiler struct {
	p     *model.Profile
	ns    model.Namespace
	graph *graph.Result

	errs     []model.AppError
	warnings []model.AppError

	rulesets    map[string]int // name -> index in out.Rulesets
	matchSeen   int
	firstMatch  int
	usesGeoSite bool
}

// Compile validates the profile against the namespace and compiles its rules.
// It never fails fast: on error, every problem is returned in a
// *CompileError.
func Compile(p *model.Profile, ns model.Namespace) (*Result, error) {
	if p == nil {
		return nil, &CompileError{Errors: []model.AppError{{
			Code:    "PROFILE_VALIDATE_ERROR",
			Message: "profile 不能为空",
			Stage:   model.StageValidate,
		}}}
	}

	c := &compiler{p: p, ns: ns, rulesets: map[string]int{}, firstMatch: -1}
	c.errs = append(c.errs, validateSettings(p, &c.warnings)...)

	c.graph = graph.Validate(p.ProxyGroups, ns)
	c.errs = append(c.errs, c.graph.Errors...)
	c.warnings = append(c.warnings, c.graph.Warnings...)
	c.checkNameConflicts()

	out := &Result{Profile: p, Membership: c.graph.Membership}
	for i, r := range p.Rules {
		if cr, ok := c.compileRule(i, r, out); ok {
			out.Rules = append(out.Rules, cr)
		}
	}
	c.checkMatchPlacement()

	if c.usesGeoSite && !p.Advanced.GeodataMode {
		c.warnings = append(c.warnings, model.AppError{
			Code:    "GEODATA_MODE_REQUIRED",
			Message: "GEOSITE 规则需要在高级设置中开启 geodata-mode",
			Stage:   model.StageCompile,
			Path:    "advancedConfig.geodata-mode",
		})
	}

	if len(c.errs) > 0 {
		return nil, &CompileError{Errors: c.errs, Warnings: c.warnings}
	}
	out.Proxies = c.reachableProxies(out)
	out.Warnings = c.warnings
	return out, nil
}

// checkNameConflicts reports, in proxy-group order, groups whose name is
// also a proxy name.
func (c *compiler) checkNameConflicts() {
	proxies := make(map[string]bool)
	for _, sub := range c.ns.Subscriptions {
		for _, px := range sub.Proxies {
			proxies[px.Name] = true
		}
	}
	seen := make(map[string]bool, len(c.p.ProxyGroups))
	for _, g := range c.p.ProxyGroups {
		name := strings.TrimSpace(g.Name)
		if !proxies[name] || seen[name] {
			continue
		}
		seen[name] = true
		c.errs = append(c.errs, model.AppError{
			Code:    "NAME_CONFLICT",
			Message: fmt.Sprintf("策略组名与节点名冲突：%s", name),
			Stage:   model.StageValidate,
			Path:    fmt.Sprintf("proxy-groups[%s].name", g.ID),
		})
	}
}

func ruleError(stage, code, msg string, i int) model.AppError {
	return model.AppError{Code: code, Message: msg, Stage: stage}.At(i)
}

func (c *compiler) fail(e model.AppError) { c.errs = append(c.errs, e) }

func (c *compiler) compileRule(i int, r model.Rule, out *Result) (CompiledRule, bool) {
	cr := CompiledRule{Index: i, ID: r.ID, Type: r.Type, Payload: r.Payload, NoResolve: r.NoResolve}
	ok := true

	target, found := c.graph.Lookup(r.Proxy)
	if !found {
		e := ruleError(model.StageValidate, "REFERENCE_NOT_FOUND", fmt.Sprintf("规则引用的策略组不存在：%s", r.Proxy), i)
		e.Path = fmt.Sprintf("rules[%d].proxy", i)
		c.fail(e)
		ok = false
	}
	cr.Target = target

	switch r.Type {
	case model.RuleMatch:
		c.matchSeen++
		if c.matchSeen == 1 {
			c.firstMatch = i
		} else {
			c.fail(ruleError(model.StageCompile, "MATCH_DUPLICATE", "MATCH 规则只能出现一次", i))
			ok = false
		}
		cr.Payload = ""
		cr.NoResolve = false

	case model.RuleLogic:
		n, err := rules.ParseLogic(r.Payload)
		if err != nil {
			c.fail(logicError(i, err))
			return cr, false
		}
		cr.Logic = n
		cr.Payload = n.String()
		cr.NoResolve = false

	case model.RuleRuleSet:
		ref, good := c.compileRuleset(i, r)
		if !good {
			return cr, false
		}
		if idx, seen := c.rulesets[ref.Name]; seen {
			prev := out.Rulesets[idx]
			if prev.Locator() != ref.Locator() || prev.Proxy != ref.Proxy {
				c.fail(ruleError(model.StageCompile, "RULESET_NAME_CONFLICT",
					fmt.Sprintf("同名 ruleset 指向不同的来源：%s", ref.Name), i))
				return cr, false
			}
		} else {
			c.rulesets[ref.Name] = len(out.Rulesets)
			out.Rulesets = append(out.Rulesets, ref)
		}
		dep := out.Rulesets[c.rulesets[ref.Name]]
		cr.Ruleset = &dep
		cr.Payload = ref.Name

	default:
		if !rules.PrimitiveType(r.Type) || r.Type == model.RuleNetwork {
			e := ruleError(model.StageCompile, "RULE_TYPE_INVALID", fmt.Sprintf("不支持的规则类型：%s", r.Type), i)
			e.Snippet = string(r.Type)
			c.fail(e)
			return cr, false
		}
		p, err := rules.ParsePrimitive(r.Type, r.Payload)
		if err != nil {
			c.fail(primitiveError(i, err))
			return cr, false
		}
		p.NoResolve = r.NoResolve
		cr.Primitive = p
		cr.Payload = p.Payload
		if r.Type == model.RuleGeoSite {
			c.usesGeoSite = true
		}
	}

	if r.NoResolve && !r.Type.IPBased() && r.Type != model.RuleMatch && r.Type != model.RuleLogic {
		w := ruleError(model.StageCompile, "NO_RESOLVE_IGNORED", fmt.Sprintf("%s 规则不支持 no-resolve，已忽略", r.Type), i)
		c.warnings = append(c.warnings, w)
		cr.NoResolve = false
	}
	return cr, ok
}

func logicError(i int, err error) model.AppError {
	e := ruleError(model.StageCompile, "LOGIC_PARSE_ERROR", "LOGIC 表达式不合法", i)
	var le *rules.LogicError
	if errors.As(err, &le) {
		e.Message = "LOGIC 表达式不合法：" + le.Message
		e.Snippet = model.TruncateSnippet(le.Substring)
		e.Hint = fmt.Sprintf("offset %d", le.Offset)
	}
	return e
}

func primitiveError(i int, err error) model.AppError {
	e := ruleError(model.StageCompile, "RULE_PAYLOAD_INVALID", "规则 payload 不合法", i)
	var re *rules.RuleError
	if errors.As(err, &re) {
		e.Code = re.Code
		e.Message = re.Message
		e.Hint = re.Hint
		e.Snippet = model.TruncateSnippet(re.Snippet)
	}
	return e
}

// checkMatchPlacement enforces a single trailing MATCH. Every rule after the
// first MATCH can never be evaluated.
func (c *compiler) checkMatchPlacement() {
	n := len(c.p.Rules)
	if c.matchSeen == 0 {
		c.fail(model.AppError{
			Code:    "MATCH_MISSING",
			Message: "规则列表必须以 MATCH 规则结尾",
			Stage:   model.StageCompile,
			Path:    "rules",
		})
		return
	}
	if c.firstMatch == n-1 {
		return
	}
	c.fail(ruleError(model.StageCompile, "MATCH_MISPLACED", "MATCH 规则必须是最后一条规则", c.firstMatch))
	for j := c.firstMatch + 1; j < n; j++ {
		if c.p.Rules[j].Type == model.RuleMatch {
			continue // already reported as duplicate
		}
		e := ruleError(model.StageCompile, "RULE_UNREACHABLE", fmt.Sprintf("规则位于 MATCH（第 %d 条）之后，永远不会被匹配", c.firstMatch), j)
		e.Snippet = string(c.p.Rules[j].Type) + "," + c.p.Rules[j].Payload
		c.fail(e)
	}
}

func (c *compiler) reachableProxies(out *Result) []model.Proxy {
	var proxies []model.Proxy
	seen := map[string]struct{}{}
	add := func(m model.Member) {
		if m.Kind != model.MemberProxy {
			return
		}
		if _, ok := seen[m.ID]; ok {
			return
		}
		seen[m.ID] = struct{}{}
		if px, ok := c.ns.Proxies[m.ID]; ok {
			proxies = append(proxies, px)
		}
	}
	for _, g := range c.p.ProxyGroups {
		for _, m := range out.Membership[g.ID] {
			add(m)
		}
	}
	for _, r := range out.Rules {
		add(r.Target)
	}
	return proxies
}
