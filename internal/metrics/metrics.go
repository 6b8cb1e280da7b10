// Package metrics holds the process's Prometheus collectors. They live on a
// private registry so tests can build as many as they like.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/John-Robertt/policy-compiler/internal/model"
)

const namespace = "policyc"

// Metrics is safe for concurrent use. All methods accept a nil receiver.
type Metrics struct {
	reg *prometheus.Registry

	compiles         *prometheus.CounterVec
	diagnostics      *prometheus.CounterVec
	rulesetRefreshes *prometheus.CounterVec
	staleRulesets    atomic.Pointer[func() int]
	probes           *prometheus.CounterVec
	probeDelay       prometheus.Histogram
	httpRequests     *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	m := &Metrics{
		reg: reg,
		compiles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compiles_total",
			Help:      "Profile compilations by result.",
		}, []string{"result"}),
		diagnostics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diagnostics_total",
			Help:      "Errors and warnings reported, by stage and code.",
		}, []string{"stage", "code"}),
		rulesetRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ruleset_refreshes_total",
			Help:      "Ruleset fetch+parse attempts by result.",
		}, []string{"result"}),
		probes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Health probes by result.",
		}, []string{"result"}),
		probeDelay: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_delay_seconds",
			Help:      "Delay measured by successful health probes.",
			Buckets:   []float64{.025, .05, .1, .2, .3, .5, .75, 1, 2, 5},
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests by route pattern and status.",
		}, []string{"pattern", "status"}),
	}
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rulesets_stale",
		Help:      "Rulesets whose latest refresh failed.",
	}, func() float64 {
		if fn := m.staleRulesets.Load(); fn != nil {
			return float64((*fn)())
		}
		return 0
	})
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ObserveCompile(err error) {
	if m == nil {
		return
	}
	m.compiles.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) ObserveDiagnostics(list []model.AppError) {
	if m == nil {
		return
	}
	for _, e := range list {
		stage, code := strings.TrimSpace(e.Stage), strings.TrimSpace(e.Code)
		if stage == "" {
			stage = "(unknown)"
		}
		if code == "" {
			code = "(unknown)"
		}
		m.diagnostics.WithLabelValues(stage, code).Inc()
	}
}

func (m *Metrics) ObserveRulesetRefresh(err error) {
	if m == nil {
		return
	}
	m.rulesetRefreshes.WithLabelValues(result(err)).Inc()
}

// TrackStaleRulesets sets the function sampled for the stale gauge at
// scrape time.
func (m *Metrics) TrackStaleRulesets(fn func() int) {
	if m == nil {
		return
	}
	m.staleRulesets.Store(&fn)
}

func (m *Metrics) ObserveProbe(delay time.Duration, err error) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(result(err)).Inc()
	if err == nil {
		m.probeDelay.Observe(delay.Seconds())
	}
}

func (m *Metrics) ObserveRequest(pattern string, status int) {
	if m == nil {
		return
	}
	if status == 0 {
		status = http.StatusOK
	}
	if pattern == "" {
		pattern = "(unknown)"
	}
	m.httpRequests.WithLabelValues(pattern, strconv.Itoa(status)).Inc()
}
