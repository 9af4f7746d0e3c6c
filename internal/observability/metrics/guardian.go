package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Reaction outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

var (
	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "reactor",
		Name:      "queue_depth",
		Help:      "Items waiting behind the in-flight handler, per reactor.",
	}, []string{"reactor"})

	reactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reactor",
		Name:      "items_total",
		Help:      "Items handled by reactors, by outcome.",
	}, []string{"reactor", "outcome"})

	reactionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "reactor",
		Name:      "handler_duration_seconds",
		Help:      "Handler latency per reactor item.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"reactor"})

	taskOutputs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "task",
		Name:      "outputs_total",
		Help:      "Outputs produced by guardian tasks.",
	}, []string{"task"})

	busDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "depth",
		Help:      "Envelopes buffered in the event bus, per driver.",
	}, []string{"driver"})

	busEnvelopes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "envelopes_total",
		Help:      "Envelopes consumed from the event bus, by driver and outcome.",
	}, []string{"driver", "outcome"})

	transactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "transactions_total",
		Help:      "Transactions submitted by the guardian, by kind and outcome.",
	}, []string{"kind", "outcome"})
)

func init() {
	registry.MustRegister(queueDepth, reactions, reactionDuration, taskOutputs, busDepth, busEnvelopes, transactions)
}

// SetQueueDepth publishes the pending item count of a reactor.
func SetQueueDepth(reactor string, depth int) {
	queueDepth.WithLabelValues(reactor).Set(float64(depth))
}

// ObserveReaction records one handled reactor item.
func ObserveReaction(reactor, outcome string, duration time.Duration) {
	reactions.WithLabelValues(reactor, outcome).Inc()
	reactionDuration.WithLabelValues(reactor).Observe(duration.Seconds())
}

// ObserveTaskOutput counts a task output fanned out to actions.
func ObserveTaskOutput(task string) {
	taskOutputs.WithLabelValues(task).Inc()
}

// ObserveTransaction counts a submitted bid or swap.
func ObserveTransaction(kind, outcome string) {
	transactions.WithLabelValues(kind, outcome).Inc()
}

// SetBusDepth publishes the buffered envelope count of a bus driver.
func SetBusDepth(driver string, depth int) {
	busDepth.WithLabelValues(driver).Set(float64(depth))
}

// ObserveEnvelope counts one consumed envelope.
func ObserveEnvelope(driver, outcome string) {
	busEnvelopes.WithLabelValues(driver, outcome).Inc()
}
