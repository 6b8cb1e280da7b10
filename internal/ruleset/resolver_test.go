package ruleset

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/policy-compiler/internal/model"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func httpRef(name, url string) model.RulesetRef {
	return model.RulesetRef{
		Name:     name,
		Type:     model.RulesetHTTP,
		Behavior: model.BehaviorDomain,
		Format:   model.FormatYAML,
		Source:   url,
		Proxy:    model.Member{Kind: model.MemberTerminal, ID: model.Direct, Name: model.Direct},
	}
}

// flakyServer serves body while ok is set and 500 otherwise.
type flakyServer struct {
	*httptest.Server
	ok   atomic.Bool
	hits atomic.Int32
}

func newFlakyServer(t *testing.T, body string) *flakyServer {
	t.Helper()
	s := &flakyServer{}
	s.ok.Store(true)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		if !s.ok.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(s.Close)
	return s
}

func TestResolver_SyncResolves(t *testing.T) {
	srv := newFlakyServer(t, "payload:\n  - '+.example.com'\n")
	r := New(Options{Logger: quietLogger()})
	defer r.Close()

	ref := httpRef("ex", srv.URL)
	if err := r.Sync(context.Background(), []model.RulesetRef{ref}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	st, ok := r.Snapshot().State(ref.Locator())
	if !ok || !st.Resolved || st.Stale || st.Entries != 1 {
		t.Fatalf("state=%+v ok=%v", st, ok)
	}
	if !r.Snapshot().Matcher(ref.Locator()).Match(host("a.example.com"), nil) {
		t.Fatalf("resolved matcher did not match")
	}

	// A second sync does not refetch a fresh entry.
	if err := r.Sync(context.Background(), []model.RulesetRef{ref}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := srv.hits.Load(); got != 1 {
		t.Fatalf("hits=%d, want=1", got)
	}
}

func TestResolver_StaleKeepsLastGood(t *testing.T) {
	srv := newFlakyServer(t, "payload:\n  - example.com\n")
	ref := httpRef("ex", srv.URL)
	for _, serveStale := range []bool{false, true} {
		r := New(Options{Logger: quietLogger(), ServeStale: serveStale})
		srv.ok.Store(true)
		if err := r.Sync(context.Background(), []model.RulesetRef{ref}); err != nil {
			t.Fatalf("Sync: %v", err)
		}
		srv.ok.Store(false)
		if err := r.RefreshNow(context.Background()); err != nil {
			t.Fatalf("RefreshNow: %v", err)
		}

		st, _ := r.Snapshot().State(ref.Locator())
		if !st.Resolved || !st.Stale || st.Entries != 1 {
			t.Fatalf("state=%+v, want resolved stale with 1 entry", st)
		}
		if st.ErrCode != "FETCH_FAILED" {
			t.Fatalf("errCode=%q, want=FETCH_FAILED", st.ErrCode)
		}
		got := r.Snapshot().Matcher(ref.Locator()).Match(host("example.com"), nil)
		if got != serveStale {
			t.Fatalf("serveStale=%v: match=%v", serveStale, got)
		}
		r.Close()
	}
}

func TestResolver_NeverResolvedIsEmpty(t *testing.T) {
	srv := newFlakyServer(t, "")
	srv.ok.Store(false)
	r := New(Options{Logger: quietLogger()})
	defer r.Close()

	ref := httpRef("ex", srv.URL)
	_ = r.Sync(context.Background(), []model.RulesetRef{ref})
	st, ok := r.Snapshot().State(ref.Locator())
	if !ok || st.Resolved || !st.Stale || st.ErrCode == "" {
		t.Fatalf("state=%+v ok=%v, want stale and unresolved", st, ok)
	}
	if r.Snapshot().Matcher(ref.Locator()) != Empty {
		t.Fatalf("unresolved ruleset should use Empty")
	}
	entries := r.Snapshot().Entries()
	if len(entries) != 1 || entries[0].Err == nil || entries[0].Err.URL != srv.URL {
		t.Fatalf("entries=%+v", entries)
	}
}

func TestResolver_BehaviorMismatchReported(t *testing.T) {
	srv := newFlakyServer(t, "payload:\n  - 10.0.0.0/8\n")
	r := New(Options{Logger: quietLogger()})
	defer r.Close()

	ref := httpRef("ex", srv.URL)
	_ = r.Sync(context.Background(), []model.RulesetRef{ref})
	st, _ := r.Snapshot().State(ref.Locator())
	if st.ErrCode != CodeBehaviorMismatch {
		t.Fatalf("errCode=%q, want=%q", st.ErrCode, CodeBehaviorMismatch)
	}
}

// blockingServer holds requests until released and records cancellations.
type blockingServer struct {
	*httptest.Server
	release  chan struct{}
	started  chan struct{}
	canceled atomic.Int32
}

func newBlockingServer(t *testing.T, body string) *blockingServer {
	t.Helper()
	s := &blockingServer{release: make(chan struct{}), started: make(chan struct{}, 16)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.started <- struct{}{}
		select {
		case <-s.release:
			_, _ = w.Write([]byte(body))
		case <-r.Context().Done():
			s.canceled.Add(1)
		}
	}))
	t.Cleanup(func() {
		close(s.release)
		s.Close()
	})
	return s
}

func TestResolver_SyncCancelsDroppedLocators(t *testing.T) {
	slow := newBlockingServer(t, "payload:\n  - example.com\n")
	fast := newFlakyServer(t, "payload:\n  - example.org\n")
	r := New(Options{Logger: quietLogger()})
	defer r.Close()

	slowRef := httpRef("slow", slow.URL)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-slow.started
		cancel()
	}()
	if err := r.Sync(ctx, []model.RulesetRef{slowRef}); err == nil {
		t.Fatalf("Sync returned before the slow fetch finished")
	}

	fastRef := httpRef("fast", fast.URL)
	if err := r.Sync(context.Background(), []model.RulesetRef{fastRef}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, ok := r.Snapshot().State(slowRef.Locator()); ok {
		t.Fatalf("dropped locator still in snapshot")
	}
	deadline := time.Now().Add(2 * time.Second)
	for slow.canceled.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("in-flight fetch for dropped locator was not canceled")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestResolver_RefreshSupersedes(t *testing.T) {
	slow := newBlockingServer(t, "payload:\n  - example.com\n")
	r := New(Options{Logger: quietLogger()})
	defer r.Close()

	ref := httpRef("slow", slow.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = r.Sync(ctx, []model.RulesetRef{ref})
	<-slow.started

	go func() { _ = r.RefreshNow(context.Background(), ref.Locator()) }()
	<-slow.started

	deadline := time.Now().Add(2 * time.Second)
	for slow.canceled.Load() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("canceled=%d, want=1", slow.canceled.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestResolver_BoundedConcurrency(t *testing.T) {
	var (
		mu        sync.Mutex
		cur, peak int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		cur++
		peak = max(peak, cur)
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		cur--
		mu.Unlock()
		_, _ = w.Write([]byte("payload:\n  - example.com\n"))
	}))
	defer srv.Close()

	r := New(Options{Logger: quietLogger(), Concurrency: 2})
	defer r.Close()
	var refs []model.RulesetRef
	for _, p := range []string{"/a", "/b", "/c", "/d", "/e", "/f"} {
		refs = append(refs, httpRef(p, srv.URL+p))
	}
	if err := r.Sync(context.Background(), refs); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Fatalf("peak=%d, want<=2", peak)
	}
	if len(r.Snapshot().Entries()) != 6 {
		t.Fatalf("entries=%d, want=6", len(r.Snapshot().Entries()))
	}
}

func TestResolver_InlineAndFile(t *testing.T) {
	dir := t.TempDir()
	r := New(Options{Logger: quietLogger()})
	defer r.Close()

	inline := model.RulesetRef{Name: "in", Type: model.RulesetInline, Behavior: model.BehaviorClassical, Format: model.FormatYAML, Source: "DOMAIN,a.com\nDST-PORT,22"}
	missing := model.RulesetRef{Name: "file", Type: model.RulesetFile, Behavior: model.BehaviorDomain, Format: model.FormatYAML, Source: filepath.Join(dir, "none.yaml")}
	_ = r.Sync(context.Background(), []model.RulesetRef{inline, missing})

	st, _ := r.Snapshot().State(inline.Locator())
	if !st.Resolved || st.Entries != 2 {
		t.Fatalf("inline state=%+v", st)
	}
	st, _ = r.Snapshot().State(missing.Locator())
	if st.Resolved || st.ErrCode != "FILE_NOT_FOUND" {
		t.Fatalf("file state=%+v", st)
	}
}

func TestResolver_RestoresFromStore(t *testing.T) {
	store, err := OpenBoltStore(filepath.Join(t.TempDir(), "rulesets.db"))
	if err != nil {
		t.Fatalf("OpenBoltStore: %v", err)
	}
	defer store.Close()

	srv := newFlakyServer(t, "payload:\n  - example.com\n")
	ref := httpRef("ex", srv.URL)

	r1 := New(Options{Logger: quietLogger(), Store: store})
	if err := r1.Sync(context.Background(), []model.RulesetRef{ref}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	r1.Close()

	srv.ok.Store(false)
	r2 := New(Options{Logger: quietLogger(), Store: store, ServeStale: true})
	defer r2.Close()
	if err := r2.Sync(context.Background(), []model.RulesetRef{ref}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	entries := r2.Snapshot().Entries()
	if len(entries) != 1 || !entries[0].Resolved || !entries[0].Restored || !entries[0].Stale {
		t.Fatalf("entries=%+v, want restored+stale", entries)
	}
	if !r2.Snapshot().Matcher(ref.Locator()).Match(host("example.com"), nil) {
		t.Fatalf("restored data did not match")
	}
}
