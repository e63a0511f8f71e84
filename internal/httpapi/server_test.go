package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/loopwic/lattice/internal/alert"
	"github.com/loopwic/lattice/internal/configstore"
	"github.com/loopwic/lattice/internal/detector"
	"github.com/loopwic/lattice/internal/ingest"
	"github.com/loopwic/lattice/internal/metrics"
	"github.com/loopwic/lattice/internal/modconfig"
	"github.com/loopwic/lattice/internal/rules"
	"github.com/loopwic/lattice/internal/store"
	"github.com/loopwic/lattice/internal/tasks"
	"github.com/loopwic/lattice/internal/types"
)

func newTestServer(t *testing.T, apiToken string) (*Server, store.Store) {
	t.Helper()
	repo := configstore.New(t.TempDir())
	reg := prometheus.NewRegistry()
	ruleRegistry := rules.New(repo, nil)
	alertTransport := alert.New(alert.Config{})

	s := &Server{
		Pipeline: &ingest.Pipeline{
			Store:    store.NewMemory(),
			Detector: detector.New(),
			Rules:    ruleRegistry,
			Alerts:   alertTransport,
			Metrics:  metrics.New(reg),
			Params: detector.Params{
				TransferWindowMs:      2000,
				KeyItemWindowMs:       600_000,
				StrictPickupWindowMs:  30_000,
				StrictPickupThreshold: 256,
			},
		},
		Rules:     ruleRegistry,
		Alerts:    alertTransport,
		ModConfig: modconfig.New(repo, func() int64 { return 1000 }),
		Tasks:     tasks.New(t.TempDir()),
		Metrics:   metrics.New(reg),
		Registry:  reg,
		APIToken:  apiToken,
	}
	s.Store = s.Pipeline.Store
	return s, s.Store
}

func doRequest(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthRoutesNeverRequireAuth(t *testing.T) {
	s, _ := newTestServer(t, "secret")
	router := s.Router()

	rec := doRequest(t, router, http.MethodGet, "/v2/ops/health/live", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/v2/ops/health/ready", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestProtectedRouteRejectsMissingToken(t *testing.T) {
	s, _ := newTestServer(t, "secret")
	rec := doRequest(t, s.Router(), http.MethodGet, "/v2/detect/rules", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProtectedRouteAcceptsCorrectToken(t *testing.T) {
	s, _ := newTestServer(t, "secret")
	rec := doRequest(t, s.Router(), http.MethodGet, "/v2/detect/rules", "secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestNoAuthRequiredWhenTokenUnset(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := doRequest(t, s.Router(), http.MethodGet, "/v2/detect/rules", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestIngestReturnsNoContentWhenBatchIsEmptyAfterFiltering(t *testing.T) {
	s, _ := newTestServer(t, "")
	body := types.IngestEnvelope{
		SchemaVersion: "v2",
		Events:        []types.Event{{ItemID: "minecraft:air", Count: 1}},
	}
	rec := doRequest(t, s.Router(), http.MethodPost, "/v2/ingest/events", "", body)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestIngestRejectsWrongSchemaVersion(t *testing.T) {
	s, _ := newTestServer(t, "")
	body := types.IngestEnvelope{SchemaVersion: "v1"}
	rec := doRequest(t, s.Router(), http.MethodPost, "/v2/ingest/events", "", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestThenListAnomaliesRoundTrips(t *testing.T) {
	s, _ := newTestServer(t, "")
	body := types.IngestEnvelope{
		SchemaVersion: "v2",
		Events: []types.Event{
			{EventType: types.EventAcquire, PlayerUUID: "A", ItemID: "mod:x", Count: 1, EventTimeMs: 1000},
		},
	}
	rec := doRequest(t, s.Router(), http.MethodPost, "/v2/ingest/events?server_id=server-01", "", body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s.Router(), http.MethodGet, "/v2/detect/anomalies?server_id=server-01", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.EqualValues(t, 1, payload["total"])
}

func TestListAnomaliesRejectsInvalidPageSize(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := doRequest(t, s.Router(), http.MethodGet, "/v2/detect/anomalies?page_size=17", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPutRulesRejectsInvalidRule(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := doRequest(t, s.Router(), http.MethodPut, "/v2/detect/rules", "", rulesPayload{
		Rules: []types.KeyItemRule{{ItemID: "mod:x", RiskLevel: "EXTREME"}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPutRulesThenGetRoundTrips(t *testing.T) {
	s, _ := newTestServer(t, "")
	threshold := uint64(5)
	rec := doRequest(t, s.Router(), http.MethodPut, "/v2/detect/rules", "", rulesPayload{
		Rules: []types.KeyItemRule{{ItemID: "mod:x", Threshold: &threshold, RiskLevel: "HIGH"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s.Router(), http.MethodGet, "/v2/detect/rules", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got rulesPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Rules, 1)
}

func TestModConfigPutGetRoundTrips(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := doRequest(t, s.Router(), http.MethodPut, "/v2/ops/mod-config/server-01", "", types.ModConfigPutRequest{
		Config: map[string]any{"op_command_token_required": true},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s.Router(), http.MethodGet, "/v2/ops/mod-config/server-01", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var env types.ModConfigEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.EqualValues(t, 1, env.Revision)
}

func TestModConfigGetRespectsAfterRevision(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := doRequest(t, s.Router(), http.MethodPut, "/v2/ops/mod-config/server-01", "", types.ModConfigPutRequest{
		Config: map[string]any{"op_command_token_required": true},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s.Router(), http.MethodGet, "/v2/ops/mod-config/server-01?after_revision=1", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s.Router(), http.MethodGet, "/v2/ops/mod-config/server-01?after_revision=0", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestModConfigGetMissingReturnsNotFound(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := doRequest(t, s.Router(), http.MethodGet, "/v2/ops/mod-config/never-published", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAckPutThenGetRoundTrips(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := doRequest(t, s.Router(), http.MethodPut, "/v2/ops/mod-config/server-01/ack", "", types.ModConfigAck{
		Revision: 1,
		Status:   "applied",
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, s.Router(), http.MethodGet, "/v2/ops/mod-config/server-01/ack", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ack types.ModConfigAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	require.Equal(t, "APPLIED", ack.Status)
}

func TestAlertTargetCheckReportsNone(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := doRequest(t, s.Router(), http.MethodGet, "/v2/ops/alert-target/check", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result alert.CheckResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, alert.ModeNone, result.Mode)
}

func TestDeliveriesLastReturnsNotFoundWhenEmpty(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := doRequest(t, s.Router(), http.MethodGet, "/v2/ops/alert-deliveries/last", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskPutThenGetRoundTrips(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := doRequest(t, s.Router(), http.MethodPut, "/v2/ops/tasks/scan", "", types.TaskProgressUpdate{
		Running: true, Total: 10, Done: 3,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s.Router(), http.MethodGet, "/v2/ops/tasks/scan", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var progress types.TaskProgress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &progress))
	require.True(t, progress.Running)
	require.EqualValues(t, 3, progress.Done)
}

func TestTaskGetRejectsUnknownTaskName(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := doRequest(t, s.Router(), http.MethodGet, "/v2/ops/tasks/bogus", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
