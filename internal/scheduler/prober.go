package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/John-Robertt/policy-compiler/internal/model"
)

// Prober measures the delay of reaching testURL through one member.
type Prober interface {
	Probe(ctx context.Context, member model.Member, testURL string) (time.Duration, error)
}

// ErrNoProbeRoute is returned for members HTTPProber has no path through.
var ErrNoProbeRoute = errors.New("no route to probe member")

// HTTPProber times a GET of the test URL. Transport picks the round tripper
// that reaches the URL through the member; a nil Transport probes every
// member directly, and a nil round tripper fails with ErrNoProbeRoute.
type HTTPProber struct {
	Transport func(member model.Member) http.RoundTripper
}

func (p HTTPProber) Probe(ctx context.Context, member model.Member, testURL string) (time.Duration, error) {
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	if p.Transport != nil {
		rt := p.Transport(member)
		if rt == nil {
			return 0, fmt.Errorf("%w: %s", ErrNoProbeRoute, member.Name)
		}
		client.Transport = rt
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, testURL, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("probe %s: status %d", member.Name, resp.StatusCode)
	}
	return time.Since(start), nil
}

// ControllerProber asks the kernel's external controller to measure the
// delay (GET /proxies/{name}/delay), so probes take the kernel's own path.
type ControllerProber struct {
	BaseURL string // e.g. http://127.0.0.1:9090
	Secret  string
	Client  *http.Client
}

func (p ControllerProber) Probe(ctx context.Context, member model.Member, testURL string) (time.Duration, error) {
	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	q := url.Values{}
	q.Set("url", testURL)
	q.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	u := p.BaseURL + "/proxies/" + url.PathEscape(member.Name) + "/delay?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	if p.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+p.Secret)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("controller delay %s: status %d", member.Name, resp.StatusCode)
	}
	var out struct {
		Delay int `json:"delay"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("controller delay %s: %w", member.Name, err)
	}
	if out.Delay <= 0 {
		return 0, fmt.Errorf("controller delay %s: timeout", member.Name)
	}
	return time.Duration(out.Delay) * time.Millisecond, nil
}
