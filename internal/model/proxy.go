package model

// Proxy is a concrete outbound taken from a subscription. Options holds the
// kernel definition (name, type, server, ...) as decoded from the source.
type Proxy struct {
	ID             string
	Name           string
	Type           string
	SubscriptionID string
	UDP            bool
	Options        map[string]any
}

// Subscription is an external proxy source. Proxies is filled in once the
// source has been fetched.
type Subscription struct {
	ID      string  `yaml:"id" json:"id"`
	Name    string  `yaml:"name" json:"name"`
	URL     string  `yaml:"url,omitempty" json:"url,omitempty"`
	Path    string  `yaml:"path,omitempty" json:"path,omitempty"`
	Proxies []Proxy `yaml:"-" json:"-"`
}

// Namespace is everything a member reference may resolve to besides groups
// and terminals.
type Namespace struct {
	Proxies       map[string]Proxy // by proxy id
	Subscriptions map[string]Subscription
}

// NewNamespace indexes the given subscriptions and their proxies.
func NewNamespace(subs []Subscription) Namespace {
	ns := Namespace{
		Proxies:       make(map[string]Proxy),
		Subscriptions: make(map[string]Subscription, len(subs)),
	}
	for _, s := range subs {
		ns.Subscriptions[s.ID] = s
		for _, p := range s.Proxies {
			ns.Proxies[p.ID] = p
		}
	}
	return ns
}
