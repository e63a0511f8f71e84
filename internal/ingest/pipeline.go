// Package ingest is the batch ingest pipeline (C4): it validates an
// inbound envelope, persists its raw events, runs them through the
// detector with the current rule snapshot, persists any anomalies found,
// and dispatches an alert for the subset of anomalies that page an
// operator.
package ingest

import (
	"context"
	"log/slog"

	"github.com/loopwic/lattice/internal/detector"
	"github.com/loopwic/lattice/internal/errs"
	"github.com/loopwic/lattice/internal/metrics"
	"github.com/loopwic/lattice/internal/store"
	"github.com/loopwic/lattice/internal/types"
)

const supportedSchemaVersion = "v2"

// RuleSnapshotter is the narrow dependency Ingest needs from the rule
// registry, satisfied by rules.Registry.
type RuleSnapshotter interface {
	Snapshot() map[string]types.KeyItemRule
}

// Alerter is the narrow dependency Ingest needs from the alert transport,
// satisfied by alert.Transport.
type Alerter interface {
	Dispatch(ctx context.Context, anomalies []types.Anomaly) error
}

// Pipeline wires the detector to its two persistence-and-notification
// neighbors: the event store and the alert transport.
type Pipeline struct {
	Store    store.Store
	Detector *detector.Detector
	Rules    RuleSnapshotter
	Alerts   Alerter
	Metrics  *metrics.Metrics
	Params   detector.Params
	Log      *slog.Logger

	// onDispatched, if set, is invoked with the alert dispatch's result
	// after each batch's detached goroutine completes. Tests use it to
	// synchronize with the fire-and-forget dispatch; production leaves it
	// nil.
	onDispatched func(error)
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}

// Result summarizes one batch's outcome.
type Result struct {
	EventsAccepted int
	Anomalies      []types.Anomaly
}

// Ingest validates envelope, persists its events, runs detection, persists
// any anomalies, and dispatches an alert in the background. Alert dispatch
// failures never fail the request: the events are already durably stored
// by the time dispatch runs. A failed anomaly insert is logged and counted
// as an ingest error but does not fail the request, and dispatch still runs.
func (p *Pipeline) Ingest(ctx context.Context, serverID string, envelope types.IngestEnvelope) (Result, error) {
	if p.Metrics != nil {
		p.Metrics.IngestRequestsTotal.Inc()
	}

	if envelope.SchemaVersion != supportedSchemaVersion {
		p.countError()
		return Result{}, errs.NewBadRequest("unsupported schema_version: %q", envelope.SchemaVersion)
	}

	events := filterValid(envelope.Events)
	if p.Metrics != nil {
		p.Metrics.IngestEventsTotal.Add(float64(len(events)))
	}

	if len(events) > 0 {
		if err := p.Store.InsertEvents(ctx, serverID, events); err != nil {
			p.countError()
			return Result{}, err
		}
	}

	snapshot := p.Rules.Snapshot()
	anomalies := p.Detector.AnalyzeBatch(events, snapshot, p.Params)
	for i := range anomalies {
		if anomalies[i].ServerID == "" {
			anomalies[i].ServerID = serverID
		}
	}

	if len(anomalies) > 0 {
		if err := p.Store.InsertAnomalies(ctx, serverID, anomalies); err != nil {
			p.countError()
			p.logger().Warn("anomaly persistence failed, continuing ingest",
				"server_id", serverID, "count", len(anomalies), "error", err)
		}
		if p.Metrics != nil {
			p.Metrics.RecordAnomalies(ruleIDsOf(anomalies))
		}
		p.dispatchDetached(anomalies)
	}

	return Result{EventsAccepted: len(events), Anomalies: anomalies}, nil
}

func (p *Pipeline) countError() {
	if p.Metrics != nil {
		p.Metrics.IngestErrorsTotal.Inc()
	}
}

func (p *Pipeline) dispatchDetached(anomalies []types.Anomaly) {
	if p.Alerts == nil {
		return
	}
	go func() {
		err := p.Alerts.Dispatch(context.Background(), anomalies)
		if p.onDispatched != nil {
			p.onDispatched(err)
		}
	}()
}

func filterValid(events []types.Event) []types.Event {
	out := make([]types.Event, 0, len(events))
	for _, e := range events {
		if e.Valid() {
			out = append(out, e)
		}
	}
	return out
}

func ruleIDsOf(anomalies []types.Anomaly) []string {
	ids := make([]string, len(anomalies))
	for i, a := range anomalies {
		ids[i] = a.RuleID
	}
	return ids
}
