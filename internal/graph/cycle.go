package graph

import (
	"fmt"
	"strings"
)

const (
	white = iota // unvisited
	gray         // on the current DFS path
	black        // finished
)

// detectCycles runs a three-color DFS over the group edges. Every back edge
// closes a cycle; each distinct cycle is reported once.
func (v *validator) detectCycles() {
	color := make([]int, len(v.groups))
	var stack []int
	reported := make(map[string]struct{})

	var visit func(u int)
	visit = func(u int) {
		color[u] = gray
		stack = append(stack, u)
		for _, w := range v.edges[u] {
			switch color[w] {
			case white:
				visit(w)
			case gray:
				start := len(stack) - 1
				for stack[start] != w {
					start--
				}
				v.reportCycle(stack[start:], reported)
			}
		}
		stack = stack[:len(stack)-1]
		color[u] = black
	}

	for i := range v.groups {
		if color[i] == white {
			visit(i)
		}
	}
}

func (v *validator) reportCycle(path []int, reported map[string]struct{}) {
	// Rotate so the smallest index leads; rotations of one cycle share a key.
	lo := 0
	for k := range path {
		if path[k] < path[lo] {
			lo = k
		}
	}
	ids := make([]string, 0, len(path))
	for k := range path {
		ids = append(ids, v.groups[path[(lo+k)%len(path)]].ID)
	}
	key := strings.Join(ids, "\x00")
	if _, ok := reported[key]; ok {
		return
	}
	reported[key] = struct{}{}

	v.res.Cycles = append(v.res.Cycles, ids)
	loop := strings.Join(append(append([]string(nil), ids...), ids[0]), " -> ")
	v.fail("GROUP_CYCLE", fmt.Sprintf("proxy-groups[%s]", ids[0]), fmt.Sprintf("策略组存在循环引用：%s", loop))
}
