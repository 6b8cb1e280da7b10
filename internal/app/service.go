// Package app ties the pipeline together: subscriptions are fetched, the
// profile compiled, rulesets synced, the configuration emitted, published
// and handed to the kernel, and the scheduler updated.
package app

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/John-Robertt/policy-compiler/internal/compiler"
	"github.com/John-Robertt/policy-compiler/internal/emit"
	"github.com/John-Robertt/policy-compiler/internal/fetch"
	"github.com/John-Robertt/policy-compiler/internal/match"
	"github.com/John-Robertt/policy-compiler/internal/metrics"
	"github.com/John-Robertt/policy-compiler/internal/model"
	"github.com/John-Robertt/policy-compiler/internal/rules"
	"github.com/John-Robertt/policy-compiler/internal/ruleset"
	"github.com/John-Robertt/policy-compiler/internal/scheduler"
	"github.com/John-Robertt/policy-compiler/internal/sub"
)

var _ compiler.RulesetStates = (*ruleset.Snapshot)(nil)

// ErrNotApplied is returned by operations that need an applied profile.
var ErrNotApplied = errors.New("no profile has been applied")

type Options struct {
	Subscriptions []model.Subscription
	Fetch         fetch.Options
	Emit          emit.Options

	Resolver  *ruleset.Resolver    // required
	Scheduler *scheduler.Scheduler // optional
	Publisher *emit.Publisher      // default: in-memory only
	Kernel    Kernel               // optional
	Metrics   *metrics.Metrics     // optional
	Env       rules.Env            // used by Match; optional

	Logger *logrus.Entry

	routes *routes // set by NewRuntime
}

// Outcome is the result of one compile.
type Outcome struct {
	Result   *compiler.Result `json:"-"`
	Artifact *emit.Artifact   `json:"-"`
	Warnings []model.AppError `json:"warnings"`
}

// Snapshot is what the last successful Apply produced.
type Snapshot struct {
	Outcome
	AppliedAt time.Time
}

type Service struct {
	opt Options
	log *logrus.Entry
	sf  singleflight.Group

	subsMu sync.RWMutex
	subs   []model.Subscription

	applyMu sync.Mutex
	cur     atomic.Pointer[Snapshot]
}

func NewService(opt Options) *Service {
	if opt.Publisher == nil {
		opt.Publisher = &emit.Publisher{}
	}
	if opt.Logger == nil {
		opt.Logger = logrus.WithField("component", "app")
	}
	s := &Service{opt: opt, log: opt.Logger, subs: slices.Clone(opt.Subscriptions)}
	opt.Metrics.TrackStaleRulesets(s.staleRulesets)
	return s
}

func (s *Service) staleRulesets() int {
	n := 0
	for _, e := range s.opt.Resolver.Snapshot().Entries() {
		if e.Stale {
			n++
		}
	}
	return n
}

// SetSubscriptions replaces the subscription registry used by later
// compiles.
func (s *Service) SetSubscriptions(subs []model.Subscription) {
	s.subsMu.Lock()
	s.subs = slices.Clone(subs)
	s.subsMu.Unlock()
}

func (s *Service) Subscriptions() []model.Subscription {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	return slices.Clone(s.subs)
}

// loadSubscriptions deduplicates concurrent fetches of the same registry.
func (s *Service) loadSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	subs := s.Subscriptions()
	if len(subs) == 0 {
		return nil, nil
	}
	keys := make([]string, len(subs))
	for i, sb := range subs {
		keys[i] = sb.ID + "=" + sb.URL + sb.Path
	}
	v, err, shared := s.sf.Do(strings.Join(keys, "\n"), func() (any, error) {
		return sub.Load(ctx, subs, s.opt.Fetch)
	})
	if shared {
		s.log.Debug("subscription fetch shared")
	}
	if err != nil {
		return nil, err
	}
	return v.([]model.Subscription), nil
}

// Compile runs the pipeline up to emission without publishing anything.
// Ruleset warnings reflect the resolver's current state.
func (s *Service) Compile(ctx context.Context, p *model.Profile) (*Outcome, error) {
	return s.compile(ctx, p, false)
}

func (s *Service) compile(ctx context.Context, p *model.Profile, syncRulesets bool) (*Outcome, error) {
	subs, err := s.loadSubscriptions(ctx)
	if err != nil {
		s.opt.Metrics.ObserveCompile(err)
		return nil, err
	}
	res, err := compiler.Compile(p, model.NewNamespace(subs))
	s.opt.Metrics.ObserveCompile(err)
	if err != nil {
		if ce, ok := compiler.AsCompileError(err); ok {
			s.opt.Metrics.ObserveDiagnostics(ce.Errors)
			s.opt.Metrics.ObserveDiagnostics(ce.Warnings)
		}
		return nil, err
	}

	if syncRulesets {
		if s.opt.routes != nil {
			s.opt.routes.setMembership(res.Membership)
		}
		if err := s.opt.Resolver.Sync(ctx, res.Rulesets); err != nil {
			s.log.WithError(err).Warn("ruleset sync interrupted")
		}
	}
	warnings := slices.Clone(res.Warnings)
	warnings = append(warnings, compiler.CheckRulesets(res, s.opt.Resolver.Snapshot())...)

	art, err := emit.Emit(res, s.opt.Emit)
	if err != nil {
		var se *emit.SerializationError
		if errors.As(err, &se) {
			s.opt.Metrics.ObserveDiagnostics([]model.AppError{se.AppError})
		}
		return nil, err
	}
	warnings = append(warnings, art.Warnings...)
	s.opt.Metrics.ObserveDiagnostics(warnings)
	return &Outcome{Result: res, Artifact: art, Warnings: warnings}, nil
}

// Apply compiles p, syncs its rulesets, publishes the configuration, loads
// it into the kernel and updates the scheduler. On any failure the previous
// snapshot stays current.
func (s *Service) Apply(ctx context.Context, p *model.Profile) (*Snapshot, error) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	out, err := s.compile(ctx, p, true)
	if err != nil {
		return nil, err
	}
	prev := s.opt.Publisher.Current()
	if err := s.opt.Publisher.Publish(out.Artifact); err != nil {
		return nil, err
	}
	if s.opt.Kernel != nil {
		if err := s.opt.Kernel.Load(ctx, out.Artifact); err != nil {
			s.log.WithError(err).Error("kernel rejected configuration")
			if prev != nil {
				if perr := s.opt.Publisher.Publish(prev); perr != nil {
					s.log.WithError(perr).Error("restore previous configuration failed")
				}
			}
			return nil, err
		}
	}
	if s.opt.Scheduler != nil {
		s.opt.Scheduler.Update(p.ProxyGroups, out.Result.Membership)
	}
	snap := &Snapshot{Outcome: *out, AppliedAt: time.Now()}
	s.cur.Store(snap)
	s.log.WithFields(logrus.Fields{
		"profile":  p.ID,
		"digest":   out.Artifact.Digest,
		"rules":    len(out.Result.Rules),
		"warnings": len(out.Warnings),
	}).Info("profile applied")
	return snap, nil
}

// Current returns the last applied snapshot, or nil.
func (s *Service) Current() *Snapshot { return s.cur.Load() }

// MatchResult is a dry-run verdict plus the member chain the scheduler
// would pick for it right now.
type MatchResult struct {
	match.Result
	Chain []model.Member `json:"chain,omitempty"`
	// ChainError explains why no chain could be resolved.
	ChainError string `json:"chainError,omitempty"`
}

// Match evaluates md against the applied rules.
func (s *Service) Match(md model.Metadata) (*MatchResult, error) {
	snap := s.Current()
	if snap == nil {
		return nil, ErrNotApplied
	}
	out := &MatchResult{Result: match.Evaluate(snap.Result.Rules, s.opt.Resolver.Snapshot(), s.opt.Env, md)}
	if !out.Matched || out.Target.Kind != model.MemberGroup || s.opt.Scheduler == nil {
		if out.Matched {
			out.Chain = []model.Member{out.Target}
		}
		return out, nil
	}
	chain, err := s.opt.Scheduler.Resolve(out.Target.ID, &md)
	if err != nil {
		out.ChainError = err.Error()
	}
	out.Chain = append([]model.Member{out.Target}, chain...)
	return out, nil
}

// Rulesets lists the resolver's entries.
func (s *Service) Rulesets() []ruleset.Entry { return s.opt.Resolver.Snapshot().Entries() }

// RefreshRulesets refreshes the given locators, or all referenced ones.
func (s *Service) RefreshRulesets(ctx context.Context, locators ...string) error {
	return s.opt.Resolver.RefreshNow(ctx, locators...)
}

func (s *Service) Groups() []scheduler.GroupState {
	if s.opt.Scheduler == nil {
		return nil
	}
	return s.opt.Scheduler.Groups()
}

func (s *Service) SetSelected(groupID, memberID string) error {
	if s.opt.Scheduler == nil {
		return scheduler.ErrUnknownGroup
	}
	return s.opt.Scheduler.SetSelected(groupID, memberID)
}

// Run drives the background refresh and probe loops until ctx is done.
func (s *Service) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Go(func() { s.opt.Resolver.Run(ctx) })
	if s.opt.Scheduler != nil {
		wg.Go(func() { s.opt.Scheduler.Run(ctx) })
	}
	wg.Wait()
}
