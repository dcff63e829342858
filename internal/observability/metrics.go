// Package observability holds the Prometheus metrics and OpenTelemetry
// tracing used by the turn pipeline.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeFallback = "fallback"
	OutcomeError    = "error"
)

// StageUnknown labels turns that failed before their stage was resolved.
const StageUnknown = "unknown"

// Transition causes.
const (
	CauseModel   = "model"
	CauseForced  = "forced"
	CauseLearner = "learner"
	CauseInitial = "initial"
)

var (
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cps_turns_total",
			Help: "Total number of processed learner turns",
		},
		[]string{"stage", "outcome"},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cps_stage_transitions_total",
			Help: "Total number of recorded stage transitions",
		},
		[]string{"cause", "to_stage"},
	)

	reasonerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cps_reasoner_duration_seconds",
			Help:    "Reasoning collaborator call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	reasonerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cps_reasoner_failures_total",
			Help: "Total number of failed reasoning collaborator calls",
		},
		[]string{"provider"},
	)

	rateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cps_chat_rate_limited_total",
			Help: "Total number of chat requests rejected by the rate limiter",
		},
	)

	eventSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cps_event_subscribers",
			Help: "Number of connected stage event subscribers",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers every collector with the default registry. It is
// safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			turnsTotal,
			transitionsTotal,
			reasonerDuration,
			reasonerFailures,
			rateLimited,
			eventSubscribers,
		)
	})
}

// Handler returns the /metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordTurn counts one processed turn.
func RecordTurn(stage, outcome string) {
	turnsTotal.WithLabelValues(stage, outcome).Inc()
}

// RecordTransition counts one stage transition record.
func RecordTransition(cause, toStage string) {
	transitionsTotal.WithLabelValues(cause, toStage).Inc()
}

// RecordReasonerCall observes one collaborator call.
func RecordReasonerCall(provider string, d time.Duration, err error) {
	reasonerDuration.WithLabelValues(provider).Observe(d.Seconds())
	if err != nil {
		reasonerFailures.WithLabelValues(provider).Inc()
	}
}

// RecordRateLimited counts one rejected chat request.
func RecordRateLimited() {
	rateLimited.Inc()
}

// SubscriberConnected and SubscriberDisconnected track live event streams.
func SubscriberConnected()    { eventSubscribers.Inc() }
func SubscriberDisconnected() { eventSubscribers.Dec() }
