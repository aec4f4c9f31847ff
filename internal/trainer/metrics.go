package trainer

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "loratune"

// Metrics are the per-run training collectors on their own registry.
type Metrics struct {
	Registry *prometheus.Registry

	steps              prometheus.Counter
	loss               prometheus.Gauge
	epoch              prometheus.Gauge
	progress           prometheus.Gauge
	learningRate       prometheus.Gauge
	checkpointsWritten prometheus.Counter
	checkpointsDeleted prometheus.Counter
	examples           *prometheus.GaugeVec
	stepDuration       prometheus.Histogram
	state              *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "train",
			Name:      "steps_total",
			Help:      "Optimizer steps completed",
		}),
		loss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "train",
			Name:      "loss",
			Help:      "Mean loss over the last logging window",
		}),
		epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "train",
			Name:      "epoch",
			Help:      "Fractional epoch",
		}),
		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "train",
			Name:      "progress_percent",
			Help:      "Last reported progress",
		}),
		learningRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "train",
			Name:      "learning_rate",
			Help:      "Learning rate of the last step",
		}),
		checkpointsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "train",
			Name:      "checkpoints_written_total",
			Help:      "Checkpoints written",
		}),
		checkpointsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "train",
			Name:      "checkpoints_deleted_total",
			Help:      "Checkpoints removed by retention",
		}),
		examples: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dataset",
			Name:      "examples",
			Help:      "Dataset rows by outcome",
		}, []string{"outcome"}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "train",
			Name:      "step_duration_seconds",
			Help:      "Wall time per optimizer step",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "train",
			Name:      "state",
			Help:      "1 for the current trainer state",
		}, []string{"state"}),
	}
	m.Registry.MustRegister(m.steps, m.loss, m.epoch, m.progress, m.learningRate,
		m.checkpointsWritten, m.checkpointsDeleted, m.examples, m.stepDuration, m.state)
	return m
}

func (m *Metrics) setState(s State) {
	m.state.Reset()
	m.state.WithLabelValues(string(s)).Set(1)
}

// WriteTextfile writes the registry in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}
