// Package metrics exposes pipeline run events as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BartekS5/etlrunner/internal/etl"
)

// Collector is an etl.Emitter that records run and stage metrics.
type Collector struct {
	// StageAttempts counts finished stage attempts by outcome
	StageAttempts *prometheus.CounterVec
	// StageDuration tracks stage attempt latency
	StageDuration *prometheus.HistogramVec
	// StageRetries counts scheduled retries
	StageRetries *prometheus.CounterVec
	// Runs counts runs by terminal state
	Runs *prometheus.CounterVec
	// RunsInFlight tracks runs currently in the running state
	RunsInFlight *prometheus.GaugeVec
}

// NewCollector registers the metrics on reg. A nil reg uses the default
// registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Collector{
		StageAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etl_stage_attempts_total",
				Help: "Total number of stage attempts",
			},
			[]string{"pipeline", "stage", "status"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "etl_stage_duration_seconds",
				Help:    "Stage attempt duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pipeline", "stage"},
		),
		StageRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etl_stage_retries_total",
				Help: "Total number of stage retries scheduled",
			},
			[]string{"pipeline", "stage", "error_kind"},
		),
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etl_runs_total",
				Help: "Total number of finished runs",
			},
			[]string{"pipeline", "state"},
		),
		RunsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "etl_runs_in_flight",
				Help: "Number of runs currently executing",
			},
			[]string{"pipeline"},
		),
	}
}

func (c *Collector) Emit(_ context.Context, ev etl.Event) {
	switch ev.Type {
	case etl.EventStageFinish:
		c.StageAttempts.WithLabelValues(ev.Pipeline, ev.Stage, ev.Status).Inc()
		c.StageDuration.WithLabelValues(ev.Pipeline, ev.Stage).Observe(ev.Duration.Seconds())
	case etl.EventRetry:
		kind := ""
		if ev.Err != nil {
			kind = ev.Err.Kind.String()
		}
		c.StageRetries.WithLabelValues(ev.Pipeline, ev.Stage, kind).Inc()
	case etl.EventRunState:
		if ev.State == etl.StateRunning {
			c.RunsInFlight.WithLabelValues(ev.Pipeline).Inc()
			return
		}
		if ev.State.Terminal() {
			c.RunsInFlight.WithLabelValues(ev.Pipeline).Dec()
			c.Runs.WithLabelValues(ev.Pipeline, string(ev.State)).Inc()
		}
	}
}

// Handler serves the metrics gathered by g, or the default gatherer when g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
