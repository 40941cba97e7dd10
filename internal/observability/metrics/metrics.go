// Package metrics exposes the Prometheus counters and histograms the core
// emits for inbound turns, state transitions, and availability probing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// ConversationMetrics exposes counters/histograms for the conversation
// core: turns processed, transition outcomes, and availability results.
type ConversationMetrics struct {
	inboundTurnsTotal    *prometheus.CounterVec
	transitionsTotal     *prometheus.CounterVec
	availabilityTotal    *prometheus.CounterVec
	availabilityWaitSecs *prometheus.HistogramVec
}

func NewConversationMetrics(reg prometheus.Registerer) *ConversationMetrics {
	m := &ConversationMetrics{
		inboundTurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "providerline",
			Subsystem: "conversation",
			Name:      "inbound_turns_total",
			Help:      "Total inbound turns processed, by the state they were dispatched from",
		}, []string{"state"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "providerline",
			Subsystem: "conversation",
			Name:      "transitions_total",
			Help:      "Total state machine transitions, by from-state, to-state, and outcome",
		}, []string{"from", "to", "outcome"}),
		availabilityTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "providerline",
			Subsystem: "availability",
			Name:      "probes_total",
			Help:      "Total availability probes, by outcome",
		}, []string{"outcome"}),
		availabilityWaitSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "providerline",
			Subsystem: "availability",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a provider availability decision",
			Buckets:   []float64{1, 2, 5, 10, 15, 20, 30, 45, 60},
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTurnsTotal, m.transitionsTotal, m.availabilityTotal, m.availabilityWaitSecs)
	return m
}

// ObserveInboundTurn records a turn dispatched from the given state.
func (m *ConversationMetrics) ObserveInboundTurn(state string) {
	if m == nil {
		return
	}
	m.inboundTurnsTotal.WithLabelValues(state).Inc()
}

// ObserveTransition records a state machine transition attempt. outcome is
// "ok" for an allowed transition or "rejected" for one rewritten to ERROR.
func (m *ConversationMetrics) ObserveTransition(from, to, outcome string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to, outcome).Inc()
}

// ObserveAvailability records the terminal outcome of an availability
// probe round: "accepted", "declined", "timeout", or "error".
func (m *ConversationMetrics) ObserveAvailability(outcome string, waitSeconds float64) {
	if m == nil {
		return
	}
	m.availabilityTotal.WithLabelValues(outcome).Inc()
	m.availabilityWaitSecs.WithLabelValues(outcome).Observe(waitSeconds)
}
