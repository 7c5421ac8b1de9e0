package actor

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "ilai_edge"

// Metrics groups the runtime collectors.
type Metrics struct {
	activations  *prometheus.CounterVec
	passivations *prometheus.CounterVec
	live         *prometheus.GaugeVec
	messages     *prometheus.CounterVec
	panics       *prometheus.CounterVec
	wakes        *prometheus.CounterVec
}

// NewMetrics builds the runtime collectors and registers them when a
// registerer is supplied.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "actor",
			Name:      "activations_total",
			Help:      "Actor instances activated, by kind.",
		}, []string{"kind"}),
		passivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "actor",
			Name:      "passivations_total",
			Help:      "Idle actor instances removed from memory, by kind.",
		}, []string{"kind"}),
		live: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "actor",
			Name:      "instances",
			Help:      "Actor instances currently in memory, by kind.",
		}, []string{"kind"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "actor",
			Name:      "messages_total",
			Help:      "Messages dispatched to actors, by kind and message type.",
		}, []string{"kind", "message"}),
		panics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "actor",
			Name:      "panics_total",
			Help:      "Panics recovered at the dispatch boundary, by kind.",
		}, []string{"kind"}),
		wakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "actor",
			Name:      "wakes_total",
			Help:      "Scheduled wakes, by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
	if registerer != nil {
		registerer.MustRegister(
			metrics.activations,
			metrics.passivations,
			metrics.live,
			metrics.messages,
			metrics.panics,
			metrics.wakes,
		)
	}
	return metrics
}

func messageName(message any) string {
	return fmt.Sprintf("%T", message)
}
