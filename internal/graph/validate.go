// Package graph validates the proxy group reference graph and resolves group
// membership.
package graph

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/John-Robertt/policy-compiler/internal/model"
)

// Result is the output of Validate. Membership is filled even when Errors is
// non-empty; callers must not use it in that case.
type Result struct {
	Membership model.Membership
	Cycles     [][]string // each cycle lists group ids once, in edge order
	Errors     []model.AppError
	Warnings   []model.AppError

	groups map[string]model.Member
	ns     model.Namespace
}

// Lookup resolves a reference to a group, terminal or concrete proxy.
func (r *Result) Lookup(id string) (model.Member, bool) {
	if model.IsTerminal(id) {
		return model.Member{Kind: model.MemberTerminal, ID: id, Name: id}, true
	}
	if m, ok := r.groups[id]; ok {
		return m, true
	}
	if p, ok := r.ns.Proxies[id]; ok {
		return model.Member{Kind: model.MemberProxy, ID: p.ID, Name: p.Name}, true
	}
	return model.Member{}, false
}

// Group reports whether id names a validated group.
func (r *Result) Group(id string) bool {
	_, ok := r.groups[id]
	return ok
}

type validator struct {
	groups []model.ProxyGroup
	ns     model.Namespace
	res    *Result
	index  map[string]int // group id -> position in groups
	edges  [][]int
}

// Validate builds the group graph, checks references, cardinality and
// acyclicity, and expands subscription members.
func Validate(groups []model.ProxyGroup, ns model.Namespace) *Result {
	v := &validator{
		groups: groups,
		ns:     ns,
		res: &Result{
			Membership: make(model.Membership, len(groups)),
			groups:     make(map[string]model.Member, len(groups)),
			ns:         ns,
		},
		index: make(map[string]int, len(groups)),
		edges: make([][]int, len(groups)),
	}
	v.indexGroups()
	for i := range groups {
		v.resolveMembers(i)
	}
	v.detectCycles()
	return v.res
}

func groupPath(g model.ProxyGroup, i int) string {
	if g.ID == "" {
		return fmt.Sprintf("proxy-groups[#%d]", i)
	}
	return fmt.Sprintf("proxy-groups[%s]", g.ID)
}

func (v *validator) fail(code, path, msg string) {
	v.res.Errors = append(v.res.Errors, model.AppError{
		Code:    code,
		Message: msg,
		Stage:   model.StageValidate,
		Path:    path,
	})
}

func (v *validator) warn(code, path, msg string) {
	v.res.Warnings = append(v.res.Warnings, model.AppError{
		Code:    code,
		Message: msg,
		Stage:   model.StageValidate,
		Path:    path,
	})
}

func (v *validator) indexGroups() {
	names := make(map[string]string, len(v.groups))
	for i, g := range v.groups {
		p := groupPath(g, i)
		switch {
		case g.ID == "":
			v.fail("GROUP_ID_INVALID", p, "策略组 id 不能为空")
			continue
		case model.IsTerminal(g.ID):
			v.fail("GROUP_ID_INVALID", p, fmt.Sprintf("策略组 id 不能使用内置出口名：%s", g.ID))
			continue
		}
		if _, dup := v.index[g.ID]; dup {
			v.fail("GROUP_ID_DUPLICATE", p, fmt.Sprintf("策略组 id 重复：%s", g.ID))
			continue
		}
		v.index[g.ID] = i
		v.res.groups[g.ID] = model.Member{Kind: model.MemberGroup, ID: g.ID, Name: g.Name}

		switch name := strings.TrimSpace(g.Name); {
		case name == "":
			v.fail("GROUP_NAME_INVALID", p+".name", "策略组名称不能为空")
		case model.IsTerminal(name):
			v.fail("GROUP_NAME_INVALID", p+".name", fmt.Sprintf("策略组名称不能使用内置出口名：%s", name))
		case strings.Contains(name, ","):
			// rule lines are comma separated
			v.fail("GROUP_NAME_INVALID", p+".name", fmt.Sprintf("策略组名称不能包含逗号：%s", name))
		default:
			if other, dup := names[name]; dup {
				v.fail("GROUP_NAME_DUPLICATE", p+".name", fmt.Sprintf("策略组名称重复：%s（与 %s 冲突）", name, other))
			} else {
				names[name] = g.ID
			}
		}
		if !g.Type.Valid() {
			v.fail("GROUP_TYPE_INVALID", p+".type", fmt.Sprintf("不支持的策略组类型：%s", g.Type))
		}
	}
}

func (v *validator) resolveMembers(i int) {
	g := v.groups[i]
	if g.ID == "" || v.index[g.ID] != i {
		return
	}
	p := groupPath(g, i)

	members := make([]model.Member, 0, len(g.Proxies))
	seen := make(map[string]struct{}, len(g.Proxies))
	add := func(m model.Member) {
		if _, ok := seen[m.ID]; ok {
			return
		}
		seen[m.ID] = struct{}{}
		members = append(members, m)
	}

	for j, ref := range g.Proxies {
		m, ok := v.res.Lookup(ref.ID)
		if !ok {
			v.fail("REFERENCE_NOT_FOUND", fmt.Sprintf("%s.proxies[%d]", p, j),
				fmt.Sprintf("引用的策略组或节点不存在：%s", refLabel(ref)))
			continue
		}
		if m.Kind == model.MemberGroup {
			v.edges[i] = append(v.edges[i], v.index[m.ID])
		}
		add(m)
	}

	include, err := compileFilter(g.Filter)
	if err != nil {
		v.fail("GROUP_FILTER_INVALID", p+".filter", fmt.Sprintf("filter 不合法：%v", err))
	}
	exclude, err := compileFilter(g.ExcludeFilter)
	if err != nil {
		v.fail("GROUP_FILTER_INVALID", p+".exclude-filter", fmt.Sprintf("exclude-filter 不合法：%v", err))
	}

	if g.Type == model.GroupRelay && len(g.Use) > 0 {
		v.fail("GROUP_RELAY_USE", p+".use", "relay 策略组不允许引用订阅")
	} else {
		for k, subID := range g.Use {
			up := fmt.Sprintf("%s.use[%d]", p, k)
			sub, ok := v.ns.Subscriptions[subID]
			if !ok {
				v.warn("SUBSCRIPTION_MISSING", up, fmt.Sprintf("引用的订阅不存在：%s", subID))
				continue
			}
			n := 0
			for _, px := range sub.Proxies {
				if include != nil && !include.match(px.Name) {
					continue
				}
				if exclude != nil && exclude.match(px.Name) {
					continue
				}
				add(model.Member{Kind: model.MemberProxy, ID: px.ID, Name: px.Name})
				n++
			}
			if n == 0 {
				v.warn("SUBSCRIPTION_EMPTY", up, fmt.Sprintf("订阅 %s 过滤后没有可用节点", subID))
			}
		}
	}

	v.res.Membership[g.ID] = members
	v.checkCardinality(g, p, members)
}

func refLabel(ref model.MemberRef) string {
	if ref.Name != "" && ref.Name != ref.ID {
		return fmt.Sprintf("%s（%s）", ref.ID, ref.Name)
	}
	return ref.ID
}

func (v *validator) checkCardinality(g model.ProxyGroup, p string, members []model.Member) {
	switch g.Type {
	case model.GroupSelect:
		if len(members) < 1 {
			v.fail("GROUP_CARDINALITY", p+".proxies", "select 策略组至少需要 1 个成员")
		}
	case model.GroupRelay:
		if len(members) < 2 {
			v.fail("GROUP_CARDINALITY", p+".proxies", "relay 策略组至少需要 2 个成员")
		}
	case model.GroupURLTest, model.GroupFallback, model.GroupLoadBalance:
		if len(members) < 1 {
			v.fail("GROUP_CARDINALITY", p+".proxies", fmt.Sprintf("%s 策略组至少需要 1 个成员", g.Type))
		}
		if err := validateTestURL(g.URL); err != nil {
			v.fail("GROUP_HEALTHCHECK_INVALID", p+".url", fmt.Sprintf("测速 url 不合法：%v", err))
		}
		if g.Interval <= 0 {
			v.fail("GROUP_HEALTHCHECK_INVALID", p+".interval", "测速间隔必须为正整数（秒）")
		}
		if g.Tolerance < 0 {
			v.fail("GROUP_HEALTHCHECK_INVALID", p+".tolerance", "tolerance 不能为负数")
		}
		if g.Type == model.GroupLoadBalance {
			switch g.Strategy {
			case "", model.StrategyConsistentHashing, model.StrategyRoundRobin:
			default:
				v.fail("GROUP_STRATEGY_INVALID", p+".strategy", fmt.Sprintf("不支持的负载均衡策略：%s", g.Strategy))
			}
		}
	}
}

func validateTestURL(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("url 为空")
	}
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("仅允许 http/https URL")
	}
	return nil
}
