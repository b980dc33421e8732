// Package metrics counts pipeline outcomes with Prometheus collectors on a
// per-run registry.
package metrics

import (
	"fmt"
	"time"

	"github.com/picklr-io/converge/internal/engine"
	"github.com/picklr-io/converge/internal/ir"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "converge"

// Recorder implements engine.Recorder.
type Recorder struct {
	registry *prometheus.Registry

	stepTotal    *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	waitPolls    *prometheus.CounterVec
	attachTotal  *prometheus.CounterVec
}

var _ engine.Recorder = (*Recorder)(nil)

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		stepTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_total",
				Help:      "Total number of pipeline steps by unit, action and result",
			},
			[]string{"unit", "action", "result"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of pipeline steps in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27min
			},
			[]string{"unit", "action"},
		),
		waitPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wait_polls_total",
				Help:      "Total number of status polls by kind and observed status",
			},
			[]string{"kind", "status"},
		),
		attachTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attach_total",
				Help:      "Total number of attachment rules by kind and result",
			},
			[]string{"kind", "result"},
		),
	}
	r.registry.MustRegister(r.stepTotal, r.stepDuration, r.waitPolls, r.attachTotal)
	return r
}

func (r *Recorder) StepFinished(unit string, action engine.Action, result string, d time.Duration) {
	r.stepTotal.WithLabelValues(unit, string(action), result).Inc()
	r.stepDuration.WithLabelValues(unit, string(action)).Observe(d.Seconds())
}

func (r *Recorder) WaitPolled(kind ir.Kind, status ir.Status) {
	r.waitPolls.WithLabelValues(string(kind), status.String()).Inc()
}

func (r *Recorder) AttachApplied(kind ir.AttachmentKind, result string) {
	r.attachTotal.WithLabelValues(string(kind), result).Inc()
}

// Registry exposes the collectors, e.g. for a push or an HTTP handler.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// WriteTextfile writes the current values in the node exporter textfile format.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
