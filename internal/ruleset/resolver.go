// Package ruleset resolves RULE-SET references into matchers. Each distinct
// source locator is fetched and parsed by its own cancellable task; results
// are published as immutable snapshots.
package ruleset

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/John-Robertt/policy-compiler/internal/fetch"
	"github.com/John-Robertt/policy-compiler/internal/model"
)

type Options struct {
	Concurrency int64         // simultaneous fetch+parse tasks, default 4
	Timeout     time.Duration // per fetch, default 30s
	Interval    time.Duration // scheduled refresh, default 24h; <0 disables
	MaxBytes    int64         // default per fetch.KindRuleset

	// Transport returns the round tripper used to fetch an http source
	// through its ruleset-proxy. nil means direct.
	Transport func(proxy model.Member) http.RoundTripper

	// Store keeps last good bytes across restarts. Optional.
	Store Store

	// ServeStale keeps matching with last good data after a failed refresh.
	// By default a stale ruleset never matches until it refreshes.
	ServeStale bool

	// OnRefresh is called after every finished attempt.
	OnRefresh func(ref model.RulesetRef, err error)

	Logger *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Interval == 0 {
		o.Interval = 24 * time.Hour
	}
	if o.Logger == nil {
		o.Logger = logrus.WithField("component", "ruleset")
	}
	return o
}

// Entry is the resolver's view of one locator.
type Entry struct {
	Ref       model.RulesetRef `json:"ref"`
	Locator   string           `json:"locator"`
	Resolved  bool             `json:"resolved"`
	Stale     bool             `json:"stale"` // the latest attempt failed
	Restored  bool             `json:"restored,omitempty"` // served from Store, not yet refreshed
	Entries   int              `json:"entries"`
	UpdatedAt time.Time        `json:"updatedAt,omitzero"`
	Err       *model.AppError  `json:"error,omitempty"`

	matcher Matcher
}

// Snapshot is an immutable set of entries keyed by locator.
type Snapshot struct {
	entries    map[string]*Entry
	serveStale bool
}

// State implements compiler.RulesetStates.
func (s *Snapshot) State(locator string) (model.RulesetState, bool) {
	e, ok := s.entries[locator]
	if !ok {
		return model.RulesetState{}, false
	}
	st := model.RulesetState{Resolved: e.Resolved, Stale: e.Stale, Entries: e.Entries}
	if e.Err != nil {
		st.ErrCode, st.ErrMessage = e.Err.Code, e.Err.Message
	}
	return st, true
}

// Matcher returns the matcher to evaluate for a locator. Unknown,
// unresolved and (unless ServeStale) stale rulesets get Empty.
func (s *Snapshot) Matcher(locator string) Matcher {
	e, ok := s.entries[locator]
	if !ok || !e.Resolved || e.matcher == nil || (e.Stale && !s.serveStale) {
		return Empty
	}
	return e.matcher
}

// Entries lists all entries ordered by locator.
func (s *Snapshot) Entries() []Entry {
	keys := slices.Sorted(maps.Keys(s.entries))
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, *s.entries[k])
	}
	return out
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Resolver struct {
	opt  Options
	log  *logrus.Entry
	sem  *semaphore.Weighted
	snap atomic.Pointer[Snapshot]

	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	refs     map[string]model.RulesetRef
	inflight map[string]*task
}

func New(opt Options) *Resolver {
	opt = opt.withDefaults()
	base, cancel := context.WithCancel(context.Background())
	r := &Resolver{
		opt:      opt,
		log:      opt.Logger,
		sem:      semaphore.NewWeighted(opt.Concurrency),
		base:     base,
		cancel:   cancel,
		refs:     map[string]model.RulesetRef{},
		inflight: map[string]*task{},
	}
	r.snap.Store(&Snapshot{entries: map[string]*Entry{}, serveStale: opt.ServeStale})
	return r
}

// Snapshot returns the current published snapshot. It is never nil.
func (r *Resolver) Snapshot() *Snapshot { return r.snap.Load() }

// Close cancels every in-flight task.
func (r *Resolver) Close() { r.cancel() }

// Sync makes refs the set of referenced rulesets. Tasks for locators that
// are no longer referenced are canceled and their entries dropped. New,
// unresolved and stale locators are refreshed; Sync waits for those tasks
// until ctx is done. Results keep being published after ctx ends.
func (r *Resolver) Sync(ctx context.Context, refs []model.RulesetRef) error {
	want := make(map[string]model.RulesetRef, len(refs))
	for _, ref := range refs {
		want[ref.Locator()] = ref
	}

	r.mu.Lock()
	for loc, t := range r.inflight {
		if _, ok := want[loc]; !ok {
			t.cancel()
			delete(r.inflight, loc)
		}
	}
	r.refs = want

	cur := r.snap.Load()
	next := make(map[string]*Entry, len(want))
	var refresh []model.RulesetRef
	for loc, ref := range want {
		e, ok := cur.entries[loc]
		if !ok {
			e = r.restore(loc, ref)
		}
		next[loc] = e
		if !e.Resolved || e.Stale || e.Restored {
			refresh = append(refresh, ref)
		}
	}
	r.publishLocked(next)

	tasks := make([]*task, 0, len(refresh))
	for _, ref := range refresh {
		tasks = append(tasks, r.startLocked(ref))
	}
	r.mu.Unlock()

	return wait(ctx, tasks)
}

// RefreshNow refreshes the given locators, or every referenced one when
// none are given, and waits for the attempts to finish.
func (r *Resolver) RefreshNow(ctx context.Context, locators ...string) error {
	r.mu.Lock()
	if len(locators) == 0 {
		locators = slices.Collect(maps.Keys(r.refs))
	}
	var tasks []*task
	for _, loc := range locators {
		ref, ok := r.refs[loc]
		if !ok {
			continue
		}
		tasks = append(tasks, r.startLocked(ref))
	}
	r.mu.Unlock()
	return wait(ctx, tasks)
}

// Run refreshes every referenced ruleset on the configured interval until
// ctx is done, then cancels all tasks.
func (r *Resolver) Run(ctx context.Context) {
	defer r.Close()
	if r.opt.Interval < 0 {
		<-ctx.Done()
		return
	}
	tk := time.NewTicker(r.opt.Interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			r.log.Debug("scheduled ruleset refresh")
			_ = r.RefreshNow(ctx)
		}
	}
}

func wait(ctx context.Context, tasks []*task) error {
	for _, t := range tasks {
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// startLocked supersedes any in-flight task for the locator.
func (r *Resolver) startLocked(ref model.RulesetRef) *task {
	loc := ref.Locator()
	if prev := r.inflight[loc]; prev != nil {
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(r.base)
	t := &task{cancel: cancel, done: make(chan struct{})}
	r.inflight[loc] = t
	go func() {
		defer close(t.done)
		defer cancel()
		r.resolve(ctx, ref, t)
	}()
	return t
}

func (r *Resolver) resolve(ctx context.Context, ref model.RulesetRef, t *task) {
	loc := ref.Locator()
	log := r.log.WithFields(logrus.Fields{"ruleset": ref.Name, "locator": loc})

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return
	}
	raw, err := r.load(ctx, ref)
	var (
		m Matcher
		n int
	)
	if err == nil {
		m, n, err = Parse(raw, ref.Format, ref.Behavior)
	}
	r.sem.Release(1)

	if ctx.Err() != nil {
		// superseded or no longer referenced.
		return
	}
	if r.opt.OnRefresh != nil {
		r.opt.OnRefresh(ref, err)
	}

	now := time.Now()
	r.mu.Lock()
	if r.inflight[loc] != t {
		r.mu.Unlock()
		return
	}
	delete(r.inflight, loc)
	if _, ok := r.refs[loc]; !ok {
		r.mu.Unlock()
		return
	}
	cur := r.snap.Load()
	next := maps.Clone(cur.entries)
	if err != nil {
		e := &Entry{Ref: ref, Locator: loc}
		if prev, ok := cur.entries[loc]; ok {
			cp := *prev
			e = &cp
		}
		// Never-resolved entries are stale too; Matcher still gives them Empty.
		e.Stale = true
		e.Err = appErrorOf(err)
		switch ref.Type {
		case model.RulesetHTTP:
			e.Err.URL = ref.Source
		case model.RulesetFile:
			e.Err.Path = ref.Source
		}
		next[loc] = e
		log.WithError(err).Warn("ruleset refresh failed")
	} else {
		next[loc] = &Entry{Ref: ref, Locator: loc, Resolved: true, Entries: n, UpdatedAt: now, matcher: m}
		log.WithField("entries", n).Info("ruleset refreshed")
	}
	r.publishLocked(next)
	r.mu.Unlock()

	if err == nil && r.opt.Store != nil && ref.Type != model.RulesetInline {
		if serr := r.opt.Store.Save(loc, raw, now); serr != nil {
			log.WithError(serr).Warn("persist ruleset failed")
		}
	}
}

func (r *Resolver) publishLocked(entries map[string]*Entry) {
	r.snap.Store(&Snapshot{entries: entries, serveStale: r.opt.ServeStale})
}

// restore builds the first entry for a locator, from the Store when it holds
// parsable bytes.
func (r *Resolver) restore(loc string, ref model.RulesetRef) *Entry {
	e := &Entry{Ref: ref, Locator: loc}
	if r.opt.Store == nil || ref.Type == model.RulesetInline {
		return e
	}
	raw, at, ok, err := r.opt.Store.Load(loc)
	if err != nil || !ok {
		return e
	}
	m, n, err := Parse(raw, ref.Format, ref.Behavior)
	if err != nil {
		r.log.WithError(err).WithField("locator", loc).Warn("discard cached ruleset")
		_ = r.opt.Store.Delete(loc)
		return e
	}
	e.Resolved, e.Restored, e.Entries, e.UpdatedAt, e.matcher = true, true, n, at, m
	return e
}

func (r *Resolver) load(ctx context.Context, ref model.RulesetRef) ([]byte, error) {
	switch ref.Type {
	case model.RulesetFile:
		return fetch.ReadFile(fetch.KindRuleset, ref.Source, r.opt.MaxBytes)
	case model.RulesetInline:
		return []byte(ref.Source), nil
	}
	opt := fetch.Options{Timeout: r.opt.Timeout, MaxBytes: r.opt.MaxBytes}
	if r.opt.Transport != nil {
		opt.Transport = r.opt.Transport(ref.Proxy)
	}
	return fetch.FetchBytes(ctx, fetch.KindRuleset, ref.Source, opt)
}

func appErrorOf(err error) *model.AppError {
	var fe *fetch.FetchError
	if errors.As(err, &fe) {
		ae := fe.AppError
		return &ae
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		ae := pe.AppError
		return &ae
	}
	return &model.AppError{Code: "RULESET_ERROR", Message: err.Error(), Stage: model.StageFetch}
}
