package stats

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "dumprecover"

// Metrics mirrors pipeline events into Prometheus counters on a private
// registry, so that a one-shot run can export them as a textfile.
type Metrics struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "events_total",
		Help:      "Pipeline events by stage and type.",
	}, []string{"stage", "type"})
	registry.MustRegister(events)

	return &Metrics{registry: registry, events: events}
}

func (m *Metrics) Observe(evt Event) {
	m.events.WithLabelValues(string(evt.Stage), string(evt.Type)).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the counters in the node_exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
