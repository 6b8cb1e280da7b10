package sub

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/John-Robertt/policy-compiler/internal/model"
)

// Merge dedups proxies across subscriptions in the given order, keeping the
// first occurrence, then assigns every proxy a stable id and a unique name.
// Names that collide (or equal DIRECT/REJECT) become base-2, base-3, ...
func Merge(subs []model.Subscription) []model.Subscription {
	out := make([]model.Subscription, len(subs))
	seen := make(map[string]struct{})
	used := make(map[string]struct{})

	for i, s := range subs {
		out[i] = s
		out[i].Proxies = nil
		for _, p := range s.Proxies {
			key := dedupKey(p)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}

			p.ID = "px-" + strconv.FormatUint(xxhash.Sum64String(key), 16)
			p.SubscriptionID = s.ID
			p.Name = uniqueName(p, used)
			p.Options = maps.Clone(p.Options)
			if p.Options == nil {
				p.Options = map[string]any{}
			}
			p.Options["name"] = p.Name
			out[i].Proxies = append(out[i].Proxies, p)
		}
	}
	return out
}

func uniqueName(p model.Proxy, used map[string]struct{}) string {
	base := strings.TrimSpace(p.Name)
	if base == "" {
		base = fmt.Sprintf("%v:%v", p.Options["server"], p.Options["port"])
	}
	name := base
	_, taken := used[name]
	if taken || model.IsTerminal(name) {
		for n := 2; ; n++ {
			try := fmt.Sprintf("%s-%d", base, n)
			if _, ok := used[try]; !ok {
				name = try
				break
			}
		}
	}
	used[name] = struct{}{}
	return name
}

// dedupKey identifies a proxy by its definition minus its display name.
// encoding/json sorts map keys, so equal definitions give equal keys.
func dedupKey(p model.Proxy) string {
	def := maps.Clone(p.Options)
	delete(def, "name")
	b, err := json.Marshal(def)
	if err != nil {
		// yaml can decode shapes json cannot encode (map[any]any); fall back
		// to the printed form.
		return p.Type + "\n" + fmt.Sprint(def)
	}
	return p.Type + "\n" + string(b)
}
