package sub

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/John-Robertt/policy-compiler/internal/fetch"
	"github.com/John-Robertt/policy-compiler/internal/model"
)

const loadConcurrency = 4

// Load fetches and parses every subscription concurrently, then merges the
// results. Any failing source fails the whole load.
func Load(ctx context.Context, subs []model.Subscription, opt fetch.Options) ([]model.Subscription, error) {
	loaded := make([]model.Subscription, len(subs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for i, s := range subs {
		g.Go(func() error {
			var (
				text string
				err  error
			)
			if s.Path != "" {
				var b []byte
				b, err = fetch.ReadFile(fetch.KindSubscription, s.Path, opt.MaxBytes)
				text = string(b)
			} else {
				text, err = fetch.FetchText(ctx, fetch.KindSubscription, s.URL, opt)
			}
			if err != nil {
				return err
			}
			source := s.URL
			if source == "" {
				source = s.Path
			}
			proxies, err := Parse(source, text)
			if err != nil {
				return err
			}
			loaded[i] = s
			loaded[i].Proxies = proxies
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return Merge(loaded), nil
}
