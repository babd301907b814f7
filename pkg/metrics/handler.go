package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	SubscriptionStarts prometheus.Counter
	SubscriptionErrors prometheus.Counter
	InvalidMessages    prometheus.Counter
	EventsReceived     prometheus.Counter
	Cursor             prometheus.Gauge
	CheckpointErrors   prometheus.Counter
	RuleMatches        *prometheus.CounterVec
	Actions            *prometheus.CounterVec
	HandlerPanics      prometheus.Counter
	Reservoir          prometheus.Gauge
	LimiterQueued      prometheus.Gauge
	LimiterDepleted    prometheus.Counter
	LoginAttempts      *prometheus.CounterVec
	AuditErrors        prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewMetrics registers the labeler's collectors on reg. Pass a fresh
// prometheus.NewRegistry() in tests so collectors do not collide.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SubscriptionStarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_starts_total",
			Help:      "Number of firehose connections opened",
		}),
		SubscriptionErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_errors_total",
			Help:      "Number of firehose connections that failed",
		}),
		InvalidMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_messages_total",
			Help:      "Frames skipped because they could not be decoded",
		}),
		EventsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Decoded firehose events",
		}),
		Cursor: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "firehose_cursor",
			Help:      "Last checkpointed firehose position",
		}),
		CheckpointErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_errors_total",
			Help:      "Checkpoint store reads or writes that failed",
		}),
		RuleMatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_matches_total",
			Help:      "Records matched per content rule",
		}, []string{"rule"}),
		Actions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moderation_actions_total",
			Help:      "Moderation calls by kind and outcome",
		}, []string{"kind", "outcome"}),
		HandlerPanics: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Panics recovered while processing events or actions",
		}),
		Reservoir: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "limiter_reservoir",
			Help:      "Remaining action permits",
		}),
		LimiterQueued: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "limiter_queued",
			Help:      "Actions waiting for the limiter",
		}),
		LimiterDepleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "limiter_depleted_total",
			Help:      "Times an action had to wait for a refill",
		}),
		LoginAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Moderator logins by outcome",
		}, []string{"outcome"}),
		AuditErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_errors_total",
			Help:      "Action audit records that could not be produced",
		}),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
