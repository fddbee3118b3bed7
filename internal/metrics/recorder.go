// Package metrics exposes gate activity as Prometheus metrics. Each
// invocation records onto its own registry and can dump it in the node
// exporter textfile format.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/msageha/phasegate/internal/events"
)

const namespace = "phasegate"

type Recorder struct {
	registry *prometheus.Registry

	gateChecks     *prometheus.CounterVec
	verdicts       *prometheus.CounterVec
	failures       *prometheus.CounterVec
	exhausted      *prometheus.CounterVec
	backtracks     *prometheus.CounterVec
	unitsCompleted prometheus.Counter
	retryAttempts  *prometheus.GaugeVec
	driftLevel     *prometheus.GaugeVec
}

func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		gateChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_checks_total",
			Help:      "Gate checks by phase and outcome",
		}, []string{"phase", "allowed"}),
		verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Reported verdicts by phase and verdict",
		}, []string{"phase", "verdict"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_failures_total",
			Help:      "Failures recorded by the retry controller",
		}, []string{"phase"}),
		exhausted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_exhausted_total",
			Help:      "Keys that reached the retry limit",
		}, []string{"phase"}),
		backtracks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backtracks_total",
			Help:      "Backtrack recommendations by failure category",
		}, []string{"category"}),
		unitsCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_completed_total",
			Help:      "Units of work that passed the terminal phase",
		}),
		retryAttempts: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retry_attempts",
			Help:      "Current failure count per phase step",
		}, []string{"phase", "step"}),
		driftLevel: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "drift_level",
			Help:      "Current strategy drift level per phase step",
		}, []string{"phase", "step"}),
	}
}

func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Observe updates the metrics for one engine event.
func (r *Recorder) Observe(e events.Event) {
	phase, step := e.Key.Phase, e.Key.Step
	switch e.Type {
	case events.EventGateChecked:
		r.gateChecks.WithLabelValues(phase, fmt.Sprint(boolField(e.Data, "allowed"))).Inc()
	case events.EventVerdictReported:
		r.verdicts.WithLabelValues(phase, stringField(e.Data, "verdict")).Inc()
	case events.EventRetryRecorded:
		r.failures.WithLabelValues(phase).Inc()
		r.retryAttempts.WithLabelValues(phase, step).Set(numberField(e.Data, "count"))
	case events.EventRetryReset:
		r.retryAttempts.WithLabelValues(phase, step).Set(0)
	case events.EventEscalationExhausted:
		r.exhausted.WithLabelValues(phase).Inc()
	case events.EventDriftRecorded:
		r.driftLevel.WithLabelValues(phase, step).Set(numberField(e.Data, "level"))
	case events.EventDriftReset:
		r.driftLevel.Reset()
	case events.EventBacktrackRecommended:
		r.backtracks.WithLabelValues(stringField(e.Data, "category")).Inc()
	case events.EventUnitCompleted:
		r.unitsCompleted.Inc()
	}
}

// Subscriber adapts Observe to the event bus.
func (r *Recorder) Subscriber() events.Subscriber {
	return r.Observe
}

// WriteTextfile writes the registry to path for a node exporter textfile
// collector.
func (r *Recorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

func boolField(data map[string]any, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func stringField(data map[string]any, key string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func numberField(data map[string]any, key string) float64 {
	switch v := data[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	}
	return 0
}
