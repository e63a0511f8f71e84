package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

func TestRecordAnomaliesIncrementsPerRuleID(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordAnomalies([]string{"R4", "R4", "R10"})

	require.Equal(t, float64(2), testutil.ToFloat64(m.AnomaliesTotal.WithLabelValues("R4")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.AnomaliesTotal.WithLabelValues("R10")))
}

func TestIngestCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IngestRequestsTotal.Inc()
	m.IngestEventsTotal.Add(5)
	m.IngestErrorsTotal.Inc()

	require.Equal(t, float64(1), testutil.ToFloat64(m.IngestRequestsTotal))
	require.Equal(t, float64(5), testutil.ToFloat64(m.IngestEventsTotal))
	require.Equal(t, float64(1), testutil.ToFloat64(m.IngestErrorsTotal))
}

func TestLivenessAlwaysSucceeds(t *testing.T) {
	require.NoError(t, Liveness())
}

func TestReadinessReflectsStorePing(t *testing.T) {
	require.NoError(t, Readiness(context.Background(), &fakePinger{}, time.Second))

	wantErr := errors.New("unreachable")
	err := Readiness(context.Background(), &fakePinger{err: wantErr}, time.Second)
	require.ErrorIs(t, err, wantErr)
}
