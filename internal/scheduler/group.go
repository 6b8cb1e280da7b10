package scheduler

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/John-Robertt/policy-compiler/internal/model"
)

type Status int

const (
	StatusUnknown Status = iota
	StatusAlive
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusAlive:
		return "alive"
	case StatusDead:
		return "dead"
	}
	return "unknown"
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type health struct {
	Status    Status
	Delay     time.Duration
	CheckedAt time.Time
}

// groupState is published whole after every probe cycle.
type groupState struct {
	health  map[string]health // by member id
	current string            // url-test pick, member id
}

type group struct {
	cfg     model.ProxyGroup
	members []model.Member
	log     *logrus.Entry

	state    atomic.Pointer[groupState]
	running  atomic.Bool // a cycle is in flight
	started  atomic.Bool // lazy groups start on first use
	rr       atomic.Uint64
	selected atomic.Pointer[string]

	kick chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newGroup(cfg model.ProxyGroup, members []model.Member, log *logrus.Entry) *group {
	g := &group{
		cfg:     cfg,
		members: members,
		log:     log.WithFields(logrus.Fields{"group": cfg.Name, "type": cfg.Type}),
		kick:    make(chan struct{}, 1),
	}
	g.state.Store(&groupState{health: map[string]health{}})
	if !cfg.Lazy {
		g.started.Store(true)
	}
	return g
}

// sameShape reports whether other can keep this group's health data.
func (g *group) sameShape(cfg model.ProxyGroup, members []model.Member) bool {
	a, b := g.cfg, cfg
	return a.Type == b.Type && a.URL == b.URL && a.Interval == b.Interval &&
		a.Tolerance == b.Tolerance && a.Lazy == b.Lazy && a.Strategy == b.Strategy &&
		a.DisableUDP == b.DisableUDP && a.Name == b.Name && slices.Equal(g.members, members)
}

func (g *group) healthOf(id string) health {
	return g.state.Load().health[id]
}

// touch starts a lazy group on first use.
func (g *group) touch() {
	if g.started.CompareAndSwap(false, true) {
		select {
		case g.kick <- struct{}{}:
		default:
		}
	}
}

func (g *group) start(parent context.Context, s *Scheduler) {
	if !g.cfg.Type.HealthChecked() {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	g.cancel = cancel
	go g.loop(ctx, s)
}

func (g *group) stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
}

func (g *group) loop(ctx context.Context, s *Scheduler) {
	if !g.started.Load() {
		select {
		case <-ctx.Done():
			return
		case <-g.kick:
		}
	}
	go g.tryCycle(ctx, s)

	interval := time.Duration(g.cfg.Interval) * time.Second
	if interval <= 0 {
		interval = model.DefaultInterval * time.Second
	}
	tk := time.NewTicker(interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			go g.tryCycle(ctx, s)
		}
	}
}

// tryCycle runs one probe cycle unless the previous one is still running.
// It reports whether a cycle ran.
func (g *group) tryCycle(ctx context.Context, s *Scheduler) bool {
	if !g.running.CompareAndSwap(false, true) {
		g.log.Debug("previous probe cycle still running, skip")
		return false
	}
	defer g.running.Store(false)

	results := make([]health, len(g.members))
	var eg errgroup.Group
	eg.SetLimit(s.opt.Concurrency)
	for i, m := range g.members {
		eg.Go(func() error {
			results[i] = s.probe(ctx, g, m)
			return nil
		})
	}
	_ = eg.Wait()
	if ctx.Err() != nil {
		return false
	}

	prev := g.state.Load()
	next := &groupState{health: make(map[string]health, len(g.members))}
	for i, m := range g.members {
		next.health[m.ID] = results[i]
	}
	if g.cfg.Type == model.GroupURLTest {
		next.current = pickLowestDelay(g.members, next.health, prev.current, time.Duration(g.cfg.Tolerance)*time.Millisecond)
	}
	g.state.Store(next)
	return true
}
