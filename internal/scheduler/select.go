package scheduler

import (
	"fmt"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/John-Robertt/policy-compiler/internal/model"
)

func alive(h map[string]health, id string) bool { return h[id].Status == StatusAlive }

// pickLowestDelay returns the alive member with the lowest delay. The
// current pick is kept unless a candidate beats it by at least tolerance.
func pickLowestDelay(members []model.Member, h map[string]health, current string, tolerance time.Duration) string {
	best := ""
	for _, m := range members {
		if !alive(h, m.ID) {
			continue
		}
		if best == "" || h[m.ID].Delay < h[best].Delay {
			best = m.ID
		}
	}
	if best == "" || current == "" || current == best || !alive(h, current) {
		return best
	}
	if h[current].Delay-h[best].Delay >= tolerance {
		return best
	}
	return current
}

func firstAlive(members []model.Member, h map[string]health) (model.Member, bool) {
	for _, m := range members {
		if alive(h, m.ID) {
			return m, true
		}
	}
	return model.Member{}, false
}

// rendezvous ranks members by xxhash(key, member) and returns the highest
// ranked alive one. Removing a member only moves the keys that mapped to it.
func rendezvous(members []model.Member, h map[string]health, key string) (model.Member, bool) {
	type scored struct {
		m     model.Member
		score uint64
	}
	ranked := make([]scored, 0, len(members))
	for _, m := range members {
		d := xxhash.New()
		_, _ = d.WriteString(key)
		_, _ = d.Write([]byte{0})
		_, _ = d.WriteString(m.ID)
		ranked = append(ranked, scored{m: m, score: d.Sum64()})
	}
	slices.SortFunc(ranked, func(a, b scored) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		}
		return 0
	})
	for _, s := range ranked {
		if alive(h, s.m.ID) {
			return s.m, true
		}
	}
	return model.Member{}, false
}

// hashKey pins a connection by its source and destination.
func hashKey(md *model.Metadata) string {
	src := ""
	if md.SrcIP.IsValid() {
		src = md.SrcIP.String()
	}
	dst := ""
	switch {
	case md.Host != "":
		dst = normalizeHost(md.Host)
	case md.DstIP.IsValid():
		dst = md.DstIP.String()
	}
	return src + "|" + dst
}

func normalizeHost(h string) string {
	b := []byte(h)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	if n := len(b); n > 0 && b[n-1] == '.' {
		b = b[:n-1]
	}
	return string(b)
}

func (g *group) balance(st *groupState, md *model.Metadata) (model.Member, error) {
	if g.cfg.Strategy == model.StrategyRoundRobin {
		var up []model.Member
		for _, m := range g.members {
			if alive(st.health, m.ID) {
				up = append(up, m)
			}
		}
		if len(up) == 0 {
			return model.Member{}, fmt.Errorf("%w: %s", ErrNoAliveMember, g.cfg.Name)
		}
		return up[(g.rr.Add(1)-1)%uint64(len(up))], nil
	}
	key := ""
	if md != nil {
		key = hashKey(md)
	}
	m, ok := rendezvous(g.members, st.health, key)
	if !ok {
		return model.Member{}, fmt.Errorf("%w: %s", ErrNoAliveMember, g.cfg.Name)
	}
	return m, nil
}
