package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery metrics for the fanout path. Pushes to dead or slow sessions are
// expected steady state, so they are counted here instead of surfaced as
// errors.
var (
	EventsFanned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_events_fanned_total",
		Help: "Events pushed to live sessions, by event type.",
	}, []string{"type"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_events_dropped_total",
		Help: "Events dropped on full or closed session queues, by event type.",
	}, []string{"type"})

	SessionsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_sessions_live",
		Help: "Currently registered realtime sessions.",
	})

	PersistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_persist_failures_total",
		Help: "Durable-write failures, by operation.",
	}, []string{"op"})

	UnreadRollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_unread_rollbacks_total",
		Help: "Optimistic unread mutations rolled back after a failed durable write.",
	})

	Reconciliations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_unread_reconciliations_total",
		Help: "Authoritative unread snapshots applied over optimistic state.",
	})
)

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler { return promhttp.Handler() }
