package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reconcile sources.
const (
	sourceCache    = "cache"
	sourceRemote   = "remote"
	sourceFallback = "fallback"
	sourceDefault  = "default"
)

// Metrics are shared by every synchronizer registered against one registry.
type Metrics struct {
	reconciles *prometheus.CounterVec
	pending    prometheus.Counter
	replayed   prometheus.Counter
}

// NewMetrics registers the session collectors on reg. A nil reg yields
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		reconciles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recovery_session_reconcile_total",
				Help: "Profiles emitted by the session synchronizer, by source",
			},
			[]string{"source"},
		),
		pending: factory.NewCounter(prometheus.CounterOpts{
			Name: "recovery_session_pending_updates_total",
			Help: "Profile updates queued for replay",
		}),
		replayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "recovery_session_replayed_updates_total",
			Help: "Queued profile updates written to the profile store on reconnect",
		}),
	}
}
