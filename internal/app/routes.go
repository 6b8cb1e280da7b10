package app

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/John-Robertt/policy-compiler/internal/model"
	"github.com/John-Robertt/policy-compiler/internal/scheduler"
)

// ErrNoKernelProxy is returned when a request has to leave through a proxy
// but the kernel's mixed port is not configured.
var ErrNoKernelProxy = errors.New("kernel proxy not configured")

// maxRouteDepth bounds group nesting when following picks.
const maxRouteDepth = 16

// routes decides how the service's own requests reach the network on
// behalf of a member: directly, or through the kernel's mixed port.
type routes struct {
	kernel http.RoundTripper // nil when no mixed port is configured
	sched  *scheduler.Scheduler

	// members is the membership of the profile being applied. It answers
	// for groups the scheduler does not know yet.
	members atomic.Pointer[model.Membership]
}

func newRoutes(kernelProxy *url.URL, sched *scheduler.Scheduler) *routes {
	r := &routes{sched: sched}
	if kernelProxy != nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.Proxy = http.ProxyURL(kernelProxy)
		r.kernel = t
	}
	return r
}

func (r *routes) setMembership(m model.Membership) { r.members.Store(&m) }

// direct reports whether traffic for m ends at DIRECT.
func (r *routes) direct(m model.Member) bool {
	for range maxRouteDepth {
		switch m.Kind {
		case model.MemberTerminal:
			return m.ID == model.Direct
		case model.MemberGroup:
			next, ok := r.pick(m.ID)
			if !ok {
				return false
			}
			m = next
		default:
			return false
		}
	}
	return false
}

// pick follows the scheduler when it knows the group, otherwise the
// group's first member, which is what the kernel starts with.
func (r *routes) pick(groupID string) (model.Member, bool) {
	if r.sched != nil {
		if m, err := r.sched.Current(groupID); err == nil {
			return m, true
		}
	}
	if ms := r.members.Load(); ms != nil {
		if list := (*ms)[groupID]; len(list) > 0 {
			return list[0], true
		}
	}
	return model.Member{}, false
}

// ruleset is the ruleset.Options.Transport hook. Direct fetches use the
// default transport; everything else goes through the kernel.
func (r *routes) ruleset(proxy model.Member) http.RoundTripper {
	if r.direct(proxy) {
		return nil
	}
	if r.kernel == nil {
		return failingTransport{fmt.Errorf("%w: ruleset-proxy %s", ErrNoKernelProxy, proxy.Name)}
	}
	return r.kernel
}

// probe is the scheduler.HTTPProber hook. The mixed port cannot pin a
// member, so only members that end at DIRECT are measured.
func (r *routes) probe(m model.Member) http.RoundTripper {
	if r.direct(m) {
		return http.DefaultTransport
	}
	return nil
}

type failingTransport struct{ err error }

func (t failingTransport) RoundTrip(*http.Request) (*http.Response, error) { return nil, t.err }
