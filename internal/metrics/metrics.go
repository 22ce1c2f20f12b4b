package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "mdm_agent_"

var (
	registerOnce sync.Once

	commandsIssued  *prometheus.CounterVec
	commandOutcomes *prometheus.CounterVec
	ackLatency      *prometheus.HistogramVec
	pending         prometheus.Gauge

	feedState        prometheus.Gauge
	feedReconnects   prometheus.Counter
	feedEvents       *prometheus.CounterVec
	feedDropped      prometheus.Counter
	feedDecodeErrors prometheus.Counter

	correlationMisses *prometheus.CounterVec
	pushes            *prometheus.CounterVec
)

// Init registers the agent metrics with the default registry. Calling it more than once
// is harmless; until it is called every recorder below is a no-op.
func Init() {
	registerOnce.Do(func() {
		commandsIssued = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_issued_total",
				Help: "Commands sent to the MDM server by request type and verdict",
			},
			[]string{"tag", "result"},
		)
		commandOutcomes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_outcomes_total",
				Help: "Resolved command expectations by outcome",
			},
			[]string{"outcome"},
		)
		ackLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ack_latency_seconds",
				Help:    "Time from registration to resolution of a command expectation",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"outcome"},
		)
		pending = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "pending_expectations",
				Help: "Command expectations waiting for an acknowledgment",
			},
		)
		feedState = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "feed_state",
				Help: "Event feed state (0 disconnected, 1 connecting, 2 connected, 3 backoff)",
			},
		)
		feedReconnects = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "feed_reconnects_total",
				Help: "Event feed connection attempts after a failure or disconnect",
			},
		)
		feedEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "feed_events_total",
				Help: "Decoded feed events by kind",
			},
			[]string{"kind"},
		)
		feedDropped = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "feed_events_dropped_total",
				Help: "Feed events dropped because the correlator intake was full",
			},
		)
		feedDecodeErrors = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "feed_decode_errors_total",
				Help: "Feed frames skipped because they could not be decoded",
			},
		)
		correlationMisses = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "correlation_misses_total",
				Help: "Feed events that matched no pending expectation, by kind",
			},
			[]string{"kind"},
		)
		pushes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "push_total",
				Help: "Push wake-ups by method and result",
			},
			[]string{"method", "result"},
		)

		prometheus.MustRegister(
			commandsIssued,
			commandOutcomes,
			ackLatency,
			pending,
			feedState,
			feedReconnects,
			feedEvents,
			feedDropped,
			feedDecodeErrors,
			correlationMisses,
			pushes,
		)
	})
}

// IncCommandIssued counts a command sent to the server.
func IncCommandIssued(tag string, accepted bool) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	if commandsIssued != nil {
		commandsIssued.WithLabelValues(tag, result).Inc()
	}
}

// ObserveOutcome records a resolved expectation.
func ObserveOutcome(outcome string, waited time.Duration) {
	if outcome == "" {
		outcome = "unknown"
	}
	if commandOutcomes != nil {
		commandOutcomes.WithLabelValues(outcome).Inc()
	}
	if ackLatency != nil {
		ackLatency.WithLabelValues(outcome).Observe(waited.Seconds())
	}
}

// SetPending sets the number of pending expectations.
func SetPending(n int) {
	if pending != nil {
		pending.Set(float64(n))
	}
}

// SetFeedState records the subscriber state.
func SetFeedState(state int) {
	if feedState != nil {
		feedState.Set(float64(state))
	}
}

// IncFeedReconnect counts a reconnect attempt.
func IncFeedReconnect() {
	if feedReconnects != nil {
		feedReconnects.Inc()
	}
}

// IncFeedEvent counts a decoded event.
func IncFeedEvent(kind string) {
	if feedEvents != nil {
		feedEvents.WithLabelValues(kind).Inc()
	}
}

// IncFeedDropped counts an event dropped at the intake.
func IncFeedDropped() {
	if feedDropped != nil {
		feedDropped.Inc()
	}
}

// IncFeedDecodeError counts a skipped frame.
func IncFeedDecodeError() {
	if feedDecodeErrors != nil {
		feedDecodeErrors.Inc()
	}
}

// IncCorrelationMiss counts an unsolicited event.
func IncCorrelationMiss(kind string) {
	if correlationMisses != nil {
		correlationMisses.WithLabelValues(kind).Inc()
	}
}

// IncPush counts a push wake-up attempt.
func IncPush(method string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	if pushes != nil {
		pushes.WithLabelValues(method, result).Inc()
	}
}
