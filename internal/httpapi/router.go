package httpapi

import (
	"context"
	"net/http"

	"github.com/John-Robertt/policy-compiler/internal/app"
	"github.com/John-Robertt/policy-compiler/internal/model"
	"github.com/John-Robertt/policy-compiler/internal/ruleset"
	"github.com/John-Robertt/policy-compiler/internal/scheduler"
)

// Service is what the API drives. *app.Service implements it.
type Service interface {
	Compile(ctx context.Context, p *model.Profile) (*app.Outcome, error)
	Apply(ctx context.Context, p *model.Profile) (*app.Snapshot, error)
	Rulesets() []ruleset.Entry
	RefreshRulesets(ctx context.Context, locators ...string) error
	Groups() []scheduler.GroupState
	SetSelected(groupID, memberID string) error
	Match(md model.Metadata) (*app.MatchResult, error)
}

var _ Service = (*app.Service)(nil)

func NewMux(svc Service, opt Options) *http.ServeMux {
	opt = opt.withDefaults()
	h := apiHandler{svc: svc, opt: opt}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.Handle("GET /metrics", opt.Metrics.Handler())
	mux.HandleFunc("GET /api/defaults", handleDefaults)
	mux.HandleFunc("POST /api/compile", h.handleCompile)
	mux.HandleFunc("POST /api/apply", h.handleApply)
	mux.HandleFunc("GET /api/rulesets", h.handleRulesets)
	mux.HandleFunc("POST /api/rulesets/refresh", h.handleRefreshRulesets)
	mux.HandleFunc("GET /api/groups", h.handleGroups)
	mux.HandleFunc("PUT /api/groups/{id}/selected", h.handleSetSelected)
	mux.HandleFunc("POST /api/match", h.handleMatch)
	return mux
}
