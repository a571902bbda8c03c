// Package metrics holds the Prometheus collectors for the conversation
// pipeline, egress, admin actions and the conversation store.
//
// All recording methods are safe on a nil *Metrics so components can treat
// metrics as optional.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every Switchyard collector.
type Metrics struct {
	// Labels: platform, direction (inbound|outbound|rejected)
	Messages *prometheus.CounterVec
	// Labels: stage
	StageDuration *prometheus.HistogramVec
	// Labels: intent, source (pattern|model|rules)
	Intents *prometheus.CounterVec
	// Labels: reason
	Escalations *prometheus.CounterVec
	// Labels: component (llm|retrieval|generation|egress)
	Degraded *prometheus.CounterVec
	// Labels: platform, status (sent|fallback|failed)
	Egress *prometheus.CounterVec
	// Labels: action
	AdminActions   *prometheus.CounterVec
	StoreConflicts prometheus.Counter
}

// New creates all collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchyard_messages_total",
			Help: "Messages handled by platform and direction",
		}, []string{"platform", "direction"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "switchyard_stage_duration_seconds",
			Help:    "Pipeline stage latency in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"stage"}),
		Intents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchyard_intents_total",
			Help: "Classified intents by source",
		}, []string{"intent", "source"}),
		Escalations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchyard_escalations_total",
			Help: "Conversation escalations by reason",
		}, []string{"reason"}),
		Degraded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchyard_degraded_total",
			Help: "Fallbacks taken because a collaborator failed",
		}, []string{"component"}),
		Egress: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchyard_egress_total",
			Help: "Outbound deliveries by platform and outcome",
		}, []string{"platform", "status"}),
		AdminActions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchyard_admin_actions_total",
			Help: "Admin control actions applied",
		}, []string{"action"}),
		StoreConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "switchyard_store_conflicts_total",
			Help: "Version conflicts retried by the conversation store",
		}),
	}
}

func (m *Metrics) Message(platform, direction string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(platform, direction).Inc()
}

func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func (m *Metrics) Intent(intent, source string) {
	if m == nil {
		return
	}
	m.Intents.WithLabelValues(intent, source).Inc()
}

func (m *Metrics) Escalation(reason string) {
	if m == nil {
		return
	}
	m.Escalations.WithLabelValues(reason).Inc()
}

func (m *Metrics) Degrade(component string) {
	if m == nil {
		return
	}
	m.Degraded.WithLabelValues(component).Inc()
}

func (m *Metrics) Delivery(platform, status string) {
	if m == nil {
		return
	}
	m.Egress.WithLabelValues(platform, status).Inc()
}

func (m *Metrics) AdminAction(action string) {
	if m == nil {
		return
	}
	m.AdminActions.WithLabelValues(action).Inc()
}

func (m *Metrics) StoreConflict() {
	if m == nil {
		return
	}
	m.StoreConflicts.Inc()
}
