package httpapi

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/policy-compiler/internal/metrics"
)

// Options controls HTTP API runtime behavior.
type Options struct {
	// RequestTimeout bounds a single compile or apply, subscription fetches
	// and ruleset sync included.
	RequestTimeout time.Duration

	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64

	Metrics *metrics.Metrics
	Logger  *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 60 * time.Second
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 1 << 20
	}
	if o.Logger == nil {
		o.Logger = logrus.WithField("component", "httpapi")
	}
	return o
}
