// Package scheduler keeps per-group member health up to date and picks the
// member a group routes through at runtime. It never changes the compiled
// group structure.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/John-Robertt/policy-compiler/internal/model"
)

var (
	ErrUnknownGroup   = errors.New("unknown group")
	ErrUnknownMember  = errors.New("member is not in the group")
	ErrNotSelectable  = errors.New("group is not a select group")
	ErrUDPDisabled    = errors.New("group has udp disabled")
	ErrNoAliveMember  = errors.New("no alive member")
	ErrResolveTooDeep = errors.New("group nesting too deep")
)

type Options struct {
	Prober      Prober
	Concurrency int           // member probes per cycle, default 8
	Timeout     time.Duration // per probe, default 5s
	Rate        rate.Limit    // probes per second across all groups, default 20
	Burst       int           // default 10

	// OnProbe is called after every member probe.
	OnProbe func(group, member string, delay time.Duration, err error)

	Logger *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.Rate == 0 {
		o.Rate = 20
	}
	if o.Burst <= 0 {
		o.Burst = 10
	}
	if o.Logger == nil {
		o.Logger = logrus.WithField("component", "scheduler")
	}
	return o
}

type Scheduler struct {
	opt     Options
	log     *logrus.Entry
	limiter *rate.Limiter

	groups atomic.Pointer[map[string]*group]

	mu     sync.Mutex
	runCtx context.Context
}

func New(opt Options) *Scheduler {
	opt = opt.withDefaults()
	s := &Scheduler{
		opt:     opt,
		log:     opt.Logger,
		limiter: rate.NewLimiter(opt.Rate, opt.Burst),
	}
	empty := map[string]*group{}
	s.groups.Store(&empty)
	return s
}

// Update replaces the set of groups. Groups whose shape is unchanged keep
// their health data, running loop and selection; the rest are restarted.
func (s *Scheduler) Update(groups []model.ProxyGroup, membership model.Membership) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := *s.groups.Load()
	next := make(map[string]*group, len(groups))
	for _, cfg := range groups {
		members := slices.Clone(membership[cfg.ID])
		if g, ok := old[cfg.ID]; ok && g.sameShape(cfg, members) {
			next[cfg.ID] = g
			continue
		}
		g := newGroup(cfg, members, s.log)
		if prev, ok := old[cfg.ID]; ok {
			if sel := prev.selected.Load(); sel != nil && slices.ContainsFunc(members, func(m model.Member) bool { return m.ID == *sel }) {
				g.selected.Store(sel)
			}
		}
		next[cfg.ID] = g
	}
	for id, g := range old {
		if next[id] != g {
			g.stop()
		}
	}
	s.groups.Store(&next)

	if s.runCtx != nil {
		for _, g := range next {
			g.start(s.runCtx, s)
		}
	}
}

// Run starts the probe loops and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.runCtx = ctx
	for _, g := range *s.groups.Load() {
		g.start(ctx, s)
	}
	s.mu.Unlock()

	<-ctx.Done()

	s.mu.Lock()
	s.runCtx = nil
	for _, g := range *s.groups.Load() {
		g.stop()
	}
	s.mu.Unlock()
}

func (s *Scheduler) group(id string) (*group, error) {
	g, ok := (*s.groups.Load())[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, id)
	}
	return g, nil
}

func (s *Scheduler) probe(ctx context.Context, g *group, m model.Member) health {
	h := health{Status: StatusDead}
	if err := s.limiter.Wait(ctx); err != nil {
		return health{Status: StatusUnknown}
	}
	pctx, cancel := context.WithTimeout(ctx, s.opt.Timeout)
	defer cancel()

	var (
		d   time.Duration
		err error
	)
	if s.opt.Prober == nil {
		err = errors.New("no prober configured")
	} else {
		d, err = s.opt.Prober.Probe(pctx, m, g.cfg.URL)
	}
	h.CheckedAt = time.Now()
	if err == nil {
		h.Status, h.Delay = StatusAlive, d
	} else {
		g.log.WithError(err).WithField("member", m.Name).Debug("probe failed")
	}
	if s.opt.OnProbe != nil {
		s.opt.OnProbe(g.cfg.Name, m.Name, d, err)
	}
	return h
}

// ProbeNow runs a cycle for the group right away and starts a lazy group's
// loop. It returns false when a cycle was already running.
func (s *Scheduler) ProbeNow(ctx context.Context, groupID string) (bool, error) {
	g, err := s.group(groupID)
	if err != nil {
		return false, err
	}
	g.touch()
	return g.tryCycle(ctx, s), nil
}

// SetSelected records the user's choice for a select group.
func (s *Scheduler) SetSelected(groupID, memberID string) error {
	g, err := s.group(groupID)
	if err != nil {
		return err
	}
	if g.cfg.Type != model.GroupSelect {
		return fmt.Errorf("%w: %s", ErrNotSelectable, g.cfg.Name)
	}
	if !slices.ContainsFunc(g.members, func(m model.Member) bool { return m.ID == memberID }) {
		return fmt.Errorf("%w: %s", ErrUnknownMember, memberID)
	}
	g.selected.Store(&memberID)
	return nil
}

// Select picks the member the group routes md through. Members whose
// health is unknown count as unavailable.
func (s *Scheduler) Select(groupID string, md *model.Metadata) (model.Member, error) {
	g, err := s.group(groupID)
	if err != nil {
		return model.Member{}, err
	}
	if g.cfg.DisableUDP && md != nil && md.Network == model.NetworkUDP {
		return model.Member{}, fmt.Errorf("%w: %s", ErrUDPDisabled, g.cfg.Name)
	}
	if len(g.members) == 0 {
		return model.Member{}, fmt.Errorf("%w: %s", ErrNoAliveMember, g.cfg.Name)
	}
	g.touch()
	st := g.state.Load()
	if g.cfg.Type == model.GroupLoadBalance {
		return g.balance(st, md)
	}
	m, err := peek(g, st)
	if err != nil {
		return model.Member{}, fmt.Errorf("%w: %s", err, g.cfg.Name)
	}
	return m, nil
}

// Current reports the member the group routes through right now without
// starting a lazy group. Load-balance groups have no single pick.
func (s *Scheduler) Current(groupID string) (model.Member, error) {
	g, err := s.group(groupID)
	if err != nil {
		return model.Member{}, err
	}
	if g.cfg.Type == model.GroupLoadBalance {
		return model.Member{}, fmt.Errorf("%w: %s", ErrNoAliveMember, g.cfg.Name)
	}
	m, err := peek(g, g.state.Load())
	if err != nil {
		return model.Member{}, fmt.Errorf("%w: %s", err, g.cfg.Name)
	}
	return m, nil
}

// Resolve follows nested groups from groupID down to a proxy or terminal.
// It returns the chain of members picked on the way.
func (s *Scheduler) Resolve(groupID string, md *model.Metadata) ([]model.Member, error) {
	limit := len(*s.groups.Load()) + 1
	var chain []model.Member
	for id := groupID; len(chain) < limit; {
		m, err := s.Select(id, md)
		if err != nil {
			return chain, err
		}
		chain = append(chain, m)
		if m.Kind != model.MemberGroup {
			return chain, nil
		}
		id = m.ID
	}
	return chain, ErrResolveTooDeep
}

type MemberState struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Status    Status    `json:"status"`
	DelayMS   int64     `json:"delay"`
	CheckedAt time.Time `json:"checkedAt,omitzero"`
}

type GroupState struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Type     model.GroupType `json:"type"`
	Now      string          `json:"now,omitempty"` // member id picked without metadata
	Selected string          `json:"selected,omitempty"`
	Members  []MemberState   `json:"members"`
}

// Groups reports every group's members and health, ordered by name.
func (s *Scheduler) Groups() []GroupState {
	groups := *s.groups.Load()
	out := make([]GroupState, 0, len(groups))
	for id, g := range groups {
		st := g.state.Load()
		gs := GroupState{ID: id, Name: g.cfg.Name, Type: g.cfg.Type}
		if sel := g.selected.Load(); sel != nil {
			gs.Selected = *sel
		}
		if g.cfg.Type != model.GroupLoadBalance {
			if m, err := peek(g, st); err == nil {
				gs.Now = m.ID
			}
		}
		for _, m := range g.members {
			h := st.health[m.ID]
			gs.Members = append(gs.Members, MemberState{
				ID: m.ID, Name: m.Name, Kind: m.Kind.String(),
				Status: h.Status, DelayMS: h.Delay.Milliseconds(), CheckedAt: h.CheckedAt,
			})
		}
		out = append(out, gs)
	}
	slices.SortFunc(out, func(a, b GroupState) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// peek picks a member for every type but load-balance, without starting a
// lazy group.
func peek(g *group, st *groupState) (model.Member, error) {
	switch g.cfg.Type {
	case model.GroupSelect, model.GroupRelay:
		if len(g.members) == 0 {
			break
		}
		// a relay chains every member; the first hop is reported.
		m := g.members[0]
		if sel := g.selected.Load(); sel != nil {
			for _, cand := range g.members {
				if cand.ID == *sel {
					m = cand
				}
			}
		}
		return m, nil
	case model.GroupURLTest:
		for _, m := range g.members {
			if m.ID == st.current {
				return m, nil
			}
		}
	case model.GroupFallback:
		if m, ok := firstAlive(g.members, st.health); ok {
			return m, nil
		}
	}
	return model.Member{}, ErrNoAliveMember
}
