package app

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/John-Robertt/policy-compiler/internal/emit"
	"github.com/John-Robertt/policy-compiler/internal/fetch"
	"github.com/John-Robertt/policy-compiler/internal/match"
	"github.com/John-Robertt/policy-compiler/internal/metrics"
	"github.com/John-Robertt/policy-compiler/internal/model"
	"github.com/John-Robertt/policy-compiler/internal/ruleset"
	"github.com/John-Robertt/policy-compiler/internal/scheduler"
)

// Config is the process-level configuration of a long-running service.
type Config struct {
	Subscriptions []model.Subscription

	// StateDir holds the ruleset cache and the published configuration.
	StateDir string

	// Controller is the kernel's external controller base URL. When empty
	// nothing is loaded into a kernel and only members that end at DIRECT
	// are health-checked.
	Controller string
	Secret     string

	// KernelProxy is the kernel's mixed port as a proxy URL, e.g.
	// http://127.0.0.1:7890. Rulesets whose ruleset-proxy does not end at
	// DIRECT are fetched through it.
	KernelProxy string

	FetchTimeout    time.Duration
	RulesetTimeout  time.Duration
	RulesetInterval time.Duration
	ServeStale      bool
	ProbeRate       rate.Limit

	CountryDB string
	ASNDB     string
	DNSServer string
	Hosts     map[string]netip.Addr
}

// Runtime owns everything a Service needs and releases it on Close.
type Runtime struct {
	*Service
	Metrics *metrics.Metrics

	closers []func() error
}

func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}

// NewRuntime wires resolver, scheduler, publisher, kernel and metrics.
func NewRuntime(cfg Config, log *logrus.Logger) (*Runtime, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := metrics.New()
	rt := &Runtime{Metrics: m}

	var store ruleset.Store
	configPath := ""
	if cfg.StateDir != "" {
		if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
			return nil, err
		}
		bs, err := ruleset.OpenBoltStore(filepath.Join(cfg.StateDir, "rulesets.db"))
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, bs.Close)
		store = bs
		configPath = filepath.Join(cfg.StateDir, "config.yaml")
	}

	var kernelProxy *url.URL
	if cfg.KernelProxy != "" {
		u, err := url.Parse(cfg.KernelProxy)
		if err != nil || u.Host == "" {
			_ = rt.Close()
			return nil, fmt.Errorf("invalid kernel proxy %q", cfg.KernelProxy)
		}
		kernelProxy = u
	}
	routes := newRoutes(kernelProxy, nil)

	resolver := ruleset.New(ruleset.Options{
		Transport:  routes.ruleset,
		Timeout:    cfg.RulesetTimeout,
		Interval:   cfg.RulesetInterval,
		Store:      store,
		ServeStale: cfg.ServeStale,
		OnRefresh: func(_ model.RulesetRef, err error) {
			m.ObserveRulesetRefresh(err)
		},
		Logger: log.WithField("component", "ruleset"),
	})
	rt.closers = append(rt.closers, func() error { resolver.Close(); return nil })

	var prober scheduler.Prober = scheduler.HTTPProber{Transport: routes.probe}
	var kernel Kernel
	if cfg.Controller == "" {
		log.Warn("no kernel controller: only members that end at DIRECT can be health-checked")
	} else {
		client := &http.Client{Timeout: 30 * time.Second}
		prober = scheduler.ControllerProber{BaseURL: cfg.Controller, Secret: cfg.Secret, Client: client}
		kernel = &ControllerKernel{BaseURL: cfg.Controller, Secret: cfg.Secret, Path: configPath, Client: client}
	}
	sched := scheduler.New(scheduler.Options{
		Prober: prober,
		Rate:   cfg.ProbeRate,
		OnProbe: func(_, _ string, d time.Duration, err error) {
			m.ObserveProbe(d, err)
		},
		Logger: log.WithField("component", "scheduler"),
	})
	routes.sched = sched

	geo, err := match.OpenGeoDB(cfg.CountryDB, cfg.ASNDB)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, geo.Close)
	env := &match.Env{Geo: geo, Hosts: cfg.Hosts}
	if cfg.DNSServer != "" {
		env.Resolver = &match.DNSResolver{Server: cfg.DNSServer}
	}

	rt.Service = NewService(Options{
		Subscriptions: cfg.Subscriptions,
		Fetch:         fetch.Options{Timeout: cfg.FetchTimeout},
		Resolver:      resolver,
		Scheduler:     sched,
		Publisher:     &emit.Publisher{Path: configPath},
		Kernel:        kernel,
		Metrics:       m,
		Env:           env,
		Logger:        log.WithField("component", "app"),
		routes:        routes,
	})
	return rt, nil
}
