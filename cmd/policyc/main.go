package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/policy-compiler/internal/app"
	"github.com/John-Robertt/policy-compiler/internal/compiler"
	"github.com/John-Robertt/policy-compiler/internal/emit"
	"github.com/John-Robertt/policy-compiler/internal/fetch"
	"github.com/John-Robertt/policy-compiler/internal/httpapi"
	"github.com/John-Robertt/policy-compiler/internal/match"
	"github.com/John-Robertt/policy-compiler/internal/model"
	"github.com/John-Robertt/policy-compiler/internal/profile"
	"github.com/John-Robertt/policy-compiler/internal/rules"
	"github.com/John-Robertt/policy-compiler/internal/ruleset"
	"github.com/John-Robertt/policy-compiler/internal/scheduler"
)

const usage = `usage: policyc <command> [flags]

commands:
  compile      compile a profile into a kernel configuration
  match        show which rule and target a connection would take
  defaults     print the default profile
  serve        run the HTTP API, ruleset refresh and health probes
  healthcheck  probe a running server's /healthz
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	var err error
	switch args[0] {
	case "compile":
		err = runCompile(args[1:], stdout, stderr)
	case "match":
		err = runMatch(args[1:], stdout, stderr)
	case "defaults":
		err = runDefaults(args[1:], stdout)
	case "serve":
		err = runServe(args[1:], stderr)
	case "healthcheck":
		fs := flag.NewFlagSet("healthcheck", flag.ContinueOnError)
		fs.SetOutput(stderr)
		listen := fs.String("listen", "127.0.0.1:25500", "server listen address or base URL")
		timeout := fs.Duration("timeout", 3*time.Second, "request timeout")
		if err = fs.Parse(args[1:]); err != nil {
			break
		}
		var u string
		if u, err = deriveHealthzURL(*listen); err == nil {
			err = runHealthcheck(u, *timeout)
		}
	case "-h", "-help", "--help", "help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}
	if err == nil {
		return 0
	}
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	reportError(stderr, err)
	return 1
}

// reportError prints diagnostics as JSON when the error carries them.
func reportError(w io.Writer, err error) {
	if ce, ok := compiler.AsCompileError(err); ok {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(model.DiagnosticsResponse{Errors: ce.Errors, Warnings: ce.Warnings})
		return
	}
	fmt.Fprintf(w, "error: %v\n", err)
}

// commonFlags are shared by every command that compiles a profile.
type commonFlags struct {
	profile      string
	subs         string
	logLevel     string
	fetchTimeout time.Duration
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.profile, "profile", "", "profile YAML path")
	fs.StringVar(&c.subs, "subs", "", "subscription registry YAML path")
	fs.StringVar(&c.logLevel, "log-level", envOr("LOG_LEVEL", "warning"), "log level (env LOG_LEVEL)")
	fs.DurationVar(&c.fetchTimeout, "fetch-timeout", 15*time.Second, "per-request timeout for remote fetches")
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func setupLogger(level string, out io.Writer) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(lvl)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log, nil
}

func loadProfile(path string) (*model.Profile, error) {
	if path == "" {
		return nil, errors.New("-profile is required")
	}
	b, err := fetch.ReadFile(fetch.KindProfile, path, 0)
	if err != nil {
		return nil, err
	}
	return profile.ParseProfileYAML(path, string(b))
}

func loadSubscriptions(path string) ([]model.Subscription, error) {
	if path == "" {
		return nil, nil
	}
	b, err := fetch.ReadFile(fetch.KindProfile, path, 0)
	if err != nil {
		return nil, err
	}
	return profile.ParseSubscriptionsYAML(path, string(b))
}

// newOneShot builds a service without kernel or probes for CLI commands.
// Rulesets are fetched once and never refreshed on a timer.
func newOneShot(c commonFlags, stderr io.Writer, pub *emit.Publisher, env rules.Env) (*app.Service, *model.Profile, error) {
	log, err := setupLogger(c.logLevel, stderr)
	if err != nil {
		return nil, nil, err
	}
	p, err := loadProfile(c.profile)
	if err != nil {
		return nil, nil, err
	}
	subs, err := loadSubscriptions(c.subs)
	if err != nil {
		return nil, nil, err
	}
	svc := app.NewService(app.Options{
		Subscriptions: subs,
		Fetch:         fetch.Options{Timeout: c.fetchTimeout},
		Resolver:      ruleset.New(ruleset.Options{Interval: -1, Timeout: c.fetchTimeout, Logger: log.WithField("component", "ruleset")}),
		Scheduler:     scheduler.New(scheduler.Options{Logger: log.WithField("component", "scheduler")}),
		Publisher:     pub,
		Env:           env,
		Logger:        log.WithField("component", "app"),
	})
	return svc, p, nil
}

func printWarnings(w io.Writer, warnings []model.AppError) {
	for _, e := range warnings {
		fmt.Fprintf(w, "warning: [%s] %s", e.Code, e.Message)
		if e.Index != nil {
			fmt.Fprintf(w, " (rules[%d])", *e.Index)
		} else if e.Path != "" {
			fmt.Fprintf(w, " (%s)", e.Path)
		}
		fmt.Fprintln(w)
	}
}

func runCompile(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("compile", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c commonFlags
	c.register(fs)
	out := fs.String("o", "", "write the configuration to this file instead of stdout")
	resolve := fs.Bool("resolve-rulesets", false, "fetch every ruleset and report unusable ones")
	timeout := fs.Duration("timeout", 2*time.Minute, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pub := &emit.Publisher{Path: *out}
	svc, p, err := newOneShot(c, stderr, pub, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var outcome *app.Outcome
	if *resolve {
		snap, err := svc.Apply(ctx, p)
		if err != nil {
			return err
		}
		outcome = &snap.Outcome
	} else {
		if outcome, err = svc.Compile(ctx, p); err != nil {
			return err
		}
		if err := pub.Publish(outcome.Artifact); err != nil {
			return err
		}
	}
	// Without -resolve-rulesets every ruleset is pending by construction.
	warnings := outcome.Warnings
	if !*resolve {
		warnings = dropPending(warnings)
	}
	printWarnings(stderr, warnings)
	if *out == "" {
		_, err = stdout.Write(outcome.Artifact.YAML)
	}
	return err
}

func dropPending(list []model.AppError) []model.AppError {
	out := list[:0:0]
	for _, e := range list {
		if e.Code != "RULESET_PENDING" {
			out = append(out, e)
		}
	}
	return out
}

func runMatch(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("match", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c commonFlags
	c.register(fs)
	host := fs.String("host", "", "destination host")
	dstIP := fs.String("dst-ip", "", "destination IP")
	srcIP := fs.String("src-ip", "", "source IP")
	dstPort := fs.Uint("dst-port", 443, "destination port")
	network := fs.String("network", model.NetworkTCP, "tcp or udp")
	process := fs.String("process", "", "process name")
	countryDB := fs.String("country-db", "", "MaxMind country database for GEOIP")
	asnDB := fs.String("asn-db", "", "MaxMind ASN database for IP-ASN")
	dnsServer := fs.String("dns", "", "nameserver (host:port) used to resolve hosts for IP rules")
	timeout := fs.Duration("timeout", 2*time.Minute, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	md := model.Metadata{Network: strings.ToLower(*network), Host: *host, DstPort: uint16(*dstPort), ProcessName: *process}
	for _, f := range []struct {
		raw string
		dst *netip.Addr
	}{{*dstIP, &md.DstIP}, {*srcIP, &md.SrcIP}} {
		if f.raw == "" {
			continue
		}
		ip, err := netip.ParseAddr(f.raw)
		if err != nil {
			return err
		}
		*f.dst = ip.Unmap()
	}
	if md.Host == "" && !md.DstIP.IsValid() {
		return errors.New("-host or -dst-ip is required")
	}

	geo, err := match.OpenGeoDB(*countryDB, *asnDB)
	if err != nil {
		return err
	}
	defer geo.Close()

	env := &match.Env{Geo: geo}
	if *dnsServer != "" {
		env.Resolver = &match.DNSResolver{Server: *dnsServer}
	}
	svc, p, err := newOneShot(c, stderr, nil, env)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	snap, err := svc.Apply(ctx, p)
	if err != nil {
		return err
	}
	printWarnings(stderr, snap.Warnings)
	res, err := svc.Match(md)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func runDefaults(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("defaults", flag.ContinueOnError)
	name := fs.String("name", "default", "profile name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	b, err := profile.MarshalProfileYAML(model.NewProfile(*name, nil))
	if err != nil {
		return err
	}
	_, err = stdout.Write(b)
	return err
}

func runServe(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c commonFlags
	c.register(fs)
	listen := fs.String("listen", "127.0.0.1:25500", "HTTP 监听地址")
	readHeaderTimeout := fs.Duration("read-header-timeout", 5*time.Second, "HTTP ReadHeaderTimeout（请求头读取超时）")
	requestTimeout := fs.Duration("request-timeout", 60*time.Second, "单次 compile/apply 的总超时（包含远程拉取）")
	shutdownTimeout := fs.Duration("shutdown-timeout", 10*time.Second, "收到退出信号后的优雅退出等待时间")
	stateDir := fs.String("state-dir", "", "ruleset 缓存与生成配置的目录")
	controller := fs.String("controller", "", "内核 external-controller 地址，如 http://127.0.0.1:9090")
	secret := fs.String("secret", envOr("CONTROLLER_SECRET", ""), "external-controller secret (env CONTROLLER_SECRET)")
	kernelProxy := fs.String("kernel-proxy", "", "内核 mixed-port 代理地址，如 http://127.0.0.1:7890；非 DIRECT 的 ruleset-proxy 经此拉取")
	rulesetInterval := fs.Duration("ruleset-interval", 24*time.Hour, "ruleset 定时刷新间隔，<0 关闭")
	serveStale := fs.Bool("serve-stale", false, "刷新失败的 ruleset 继续使用上次成功的数据匹配")
	countryDB := fs.String("country-db", "", "MaxMind country database for /api/match")
	asnDB := fs.String("asn-db", "", "MaxMind ASN database for /api/match")
	dnsServer := fs.String("dns", "", "nameserver (host:port) for /api/match")
	if err := fs.Parse(args); err != nil {
		return err
	}

	log, err := setupLogger(c.logLevel, stderr)
	if err != nil {
		return err
	}
	subs, err := loadSubscriptions(c.subs)
	if err != nil {
		return err
	}
	rt, err := app.NewRuntime(app.Config{
		Subscriptions:   subs,
		StateDir:        *stateDir,
		Controller:      *controller,
		Secret:          *secret,
		KernelProxy:     *kernelProxy,
		FetchTimeout:    c.fetchTimeout,
		RulesetInterval: *rulesetInterval,
		ServeStale:      *serveStale,
		CountryDB:       *countryDB,
		ASNDB:           *asnDB,
		DNSServer:       *dnsServer,
	}, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.profile != "" {
		p, err := loadProfile(c.profile)
		if err != nil {
			return err
		}
		applyCtx, cancel := context.WithTimeout(ctx, *requestTimeout)
		snap, err := rt.Apply(applyCtx, p)
		cancel()
		if err != nil {
			// The API stays up so a corrected profile can be applied.
			log.WithError(err).Error("initial apply failed")
		} else {
			printWarnings(stderr, snap.Warnings)
		}
	}

	srv := &http.Server{
		Addr: *listen,
		Handler: httpapi.NewHandler(rt.Service, httpapi.Options{
			RequestTimeout: *requestTimeout,
			Metrics:        rt.Metrics,
			Logger:         log.WithField("component", "httpapi"),
		}),
		ReadHeaderTimeout: *readHeaderTimeout,
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		rt.Run(ctx)
	}()
	// The store closes only after the refresh and probe loops stop.
	defer func() {
		stop()
		<-runDone
	}()

	log.Infof("listening on http://%s", *listen)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")

		shCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			log.WithError(err).Warn("graceful shutdown failed")
			_ = srv.Close()
		}

		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// deriveHealthzURL turns a listen address into the URL healthcheck probes.
// Wildcard hosts are probed on loopback.
func deriveHealthzURL(listen string) (string, error) {
	listen = strings.TrimSpace(listen)
	if strings.HasPrefix(listen, "http://") || strings.HasPrefix(listen, "https://") {
		return strings.TrimRight(listen, "/") + "/healthz", nil
	}
	if !strings.Contains(listen, ":") {
		listen = ":" + listen
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("invalid listen address %q: %w", listen, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/healthz", nil
}

func runHealthcheck(url string, timeout time.Duration) error {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return nil
}
