// Package metrics exposes the flat Prometheus counters Lattice tracks (C9):
// ingest request/event/error counts and total anomalies found, plus
// liveness/readiness helpers for the HTTP health endpoints.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the counters the ingest pipeline increments on every
// batch. A zero Metrics is not usable; call New.
type Metrics struct {
	IngestRequestsTotal prometheus.Counter
	IngestEventsTotal   prometheus.Counter
	IngestErrorsTotal   prometheus.Counter
	AnomaliesTotal      *prometheus.CounterVec
}

// New registers the counters against reg and returns the bundle. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// global registry across test runs.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		IngestRequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lattice_ingest_requests_total",
			Help: "Total number of ingest batch requests received, including rejected ones.",
		}),
		IngestEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lattice_ingest_events_total",
			Help: "Total number of individual events processed across all ingest batches.",
		}),
		IngestErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lattice_ingest_errors_total",
			Help: "Total number of ingest batch errors: unsupported schema versions, failed event inserts, and failed anomaly inserts.",
		}),
		AnomaliesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_anomalies_total",
			Help: "Total number of anomalies emitted by the detector, labeled by rule id.",
		}, []string{"rule_id"}),
	}
}

// RecordAnomalies increments AnomaliesTotal once per anomaly, split by
// rule id.
func (m *Metrics) RecordAnomalies(ruleIDs []string) {
	for _, id := range ruleIDs {
		m.AnomaliesTotal.WithLabelValues(id).Inc()
	}
}

// Pinger is the narrow dependency Readiness needs, satisfied by
// store.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Liveness always reports healthy: the process is up and answering HTTP,
// which is all a liveness probe should ever need to know.
func Liveness() error {
	return nil
}

// Readiness pings the event store with the given timeout and reports
// whatever error, if any, the ping returned.
func Readiness(ctx context.Context, store Pinger, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return store.Ping(ctx)
}
