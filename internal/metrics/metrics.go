// Package metrics holds the prometheus collectors of one batch run. Batch
// tools do not serve /metrics; the registry is written to a node-exporter
// textfile when the process ends.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run results recorded in RunsTotal.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics groups the collectors of a pipeline run on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	RowsUpserted       *prometheus.CounterVec
	RunsTotal          *prometheus.CounterVec
	RunDuration        prometheus.Histogram
	Predictions        *prometheus.CounterVec
	PredictionFailures *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		RowsUpserted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bagforecast_rows_upserted_total",
			Help: "Total number of order rows upserted, by window.",
		}, []string{"window"}),
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bagforecast_runs_total",
			Help: "Total number of pipeline runs, by result.",
		}, []string{"result"}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bagforecast_run_duration_seconds",
			Help:    "Duration of a pipeline step.",
			Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900},
		}),
		Predictions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bagforecast_predictions_total",
			Help: "Total number of forecasts computed, by target.",
		}, []string{"target"}),
		PredictionFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bagforecast_prediction_failures_total",
			Help: "Total number of (target, hub) groups that could not be predicted.",
		}, []string{"target"}),
	}
}

// ObserveRun records the outcome and duration of one run.
func (m *Metrics) ObserveRun(err error, seconds float64) {
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	m.RunsTotal.WithLabelValues(result).Inc()
	m.RunDuration.Observe(seconds)
}

// WriteTextfile writes the registry in the text exposition format to path.
// An empty path is a no-op.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return fmt.Errorf("writing metrics textfile %s: %w", path, err)
	}
	return nil
}
