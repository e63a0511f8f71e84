// Package httpapi wires every Lattice component behind the /v2/* HTTP
// surface: an stdlib ServeMux, bearer-token auth, and JSON error bodies
// whose status reflects the errs kind, the same shape as the original
// backend's RPC-over-HTTP wrapper.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/loopwic/lattice/internal/alert"
	"github.com/loopwic/lattice/internal/botbridge"
	"github.com/loopwic/lattice/internal/errs"
	"github.com/loopwic/lattice/internal/ingest"
	"github.com/loopwic/lattice/internal/metrics"
	"github.com/loopwic/lattice/internal/modconfig"
	"github.com/loopwic/lattice/internal/rules"
	"github.com/loopwic/lattice/internal/store"
	"github.com/loopwic/lattice/internal/tasks"
	"github.com/loopwic/lattice/internal/types"
)

// Server bundles every dependency the HTTP surface needs. Pipeline, Store,
// Rules, Alerts, ModConfig and Tasks are required; Log, APIToken,
// RequestTimeout, Registry, Metrics and Bridge may be left zero (a nil
// Bridge leaves the bot webhook route unmounted).
type Server struct {
	Pipeline  *ingest.Pipeline
	Store     store.Store
	Rules     *rules.Registry
	Alerts    *alert.Transport
	ModConfig *modconfig.Hub
	Tasks     *tasks.Store
	Metrics   *metrics.Metrics
	Registry  *prometheus.Registry
	Bridge    *botbridge.Bridge

	APIToken       string
	RequestTimeout time.Duration
	Log            *slog.Logger
}

func (s *Server) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// Router builds the complete /v2/* mux.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v2/ops/health/live", s.handleLiveness)
	mux.HandleFunc("GET /v2/ops/health/ready", s.handleReadiness)
	mux.Handle("GET /v2/ops/metrics/prometheus", s.metricsHandler())

	mux.Handle("POST /v2/ingest/events", s.auth(s.handleIngest))
	mux.Handle("GET /v2/detect/anomalies", s.auth(s.handleListAnomalies))
	mux.Handle("GET /v2/detect/storage-scan", s.auth(s.handleStorageScan))
	mux.Handle("GET /v2/detect/rules", s.auth(s.handleGetRules))
	mux.Handle("PUT /v2/detect/rules", s.auth(s.handlePutRules))

	mux.Handle("GET /v2/ops/mod-config/{serverID}", s.auth(s.handleModConfigGet))
	mux.Handle("PUT /v2/ops/mod-config/{serverID}", s.auth(s.handleModConfigPut))
	mux.Handle("GET /v2/ops/mod-config/{serverID}/ack", s.auth(s.handleAckGet))
	mux.Handle("PUT /v2/ops/mod-config/{serverID}/ack", s.auth(s.handleAckPut))
	mux.Handle("GET /v2/ops/mod-config/{serverID}/stream", s.auth(s.handleModConfigStream))

	mux.Handle("GET /v2/ops/alert-target/check", s.auth(s.handleAlertCheck))
	mux.Handle("GET /v2/ops/alert-deliveries", s.auth(s.handleDeliveries))
	mux.Handle("GET /v2/ops/alert-deliveries/last", s.auth(s.handleDeliveriesLast))

	mux.Handle("GET /v2/ops/tasks/{task}", s.auth(s.handleTaskGet))
	mux.Handle("PUT /v2/ops/tasks/{task}", s.auth(s.handleTaskPut))

	if s.Bridge != nil {
		mux.Handle("POST /v2/ops/bot/webhook", s.auth(s.handleBotWebhook))
	}

	return mux
}

// auth enforces the configured bearer token on every protected route. A
// blank APIToken disables the check entirely, matching "required when a
// non-empty API token is configured."
func (s *Server) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.APIToken != "" {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token != s.APIToken {
				writeError(w, errs.Unauthorized{})
				return
			}
		}
		next(w, r)
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	_ = metrics.Liveness()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	timeout := s.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if err := metrics.Readiness(r.Context(), s.Store, timeout); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) metricsHandler() http.Handler {
	if s.Registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var envelope types.IngestEnvelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 10<<20)).Decode(&envelope); err != nil {
		writeError(w, errs.NewBadRequest("invalid request body: %v", err))
		return
	}

	serverID := firstNonEmpty(r.URL.Query().Get("server_id"), envelope.ServerID)
	result, err := s.Pipeline.Ingest(r.Context(), serverID, envelope)
	if err != nil {
		writeError(w, err)
		return
	}

	if result.EventsAccepted == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, err := positiveIntParam(q, "page", 1)
	if err != nil {
		writeError(w, err)
		return
	}
	pageSize, err := pageSizeParam(q)
	if err != nil {
		writeError(w, err)
		return
	}

	query := types.AnomalyQuery{
		ServerID:   q.Get("server_id"),
		PlayerUUID: q.Get("player_uuid"),
		RuleID:     q.Get("rule_id"),
		RiskLevel:  q.Get("risk_level"),
		SinceMs:    int64Param(q, "since_ms"),
		UntilMs:    int64Param(q, "until_ms"),
		Limit:      pageSize,
		Offset:     (page - 1) * pageSize,
	}

	var anomalies []types.Anomaly
	var total uint64
	g, gctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		rows, err := s.Store.FetchAnomalies(gctx, query)
		anomalies = rows
		return err
	})
	g.Go(func() error {
		count, err := s.Store.CountAnomalies(gctx, query)
		total = count
		return err
	})
	if err := g.Wait(); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"anomalies": anomalies,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

const storageScanChunk = 200

func (s *Server) handleStorageScan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, err := nonNegativeIntParam(q, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}

	query := types.StorageScanQuery{
		ServerID:   q.Get("server_id"),
		StorageMod: q.Get("storage_mod"),
		StorageID:  q.Get("storage_id"),
		SinceMs:    int64Param(q, "since_ms"),
		UntilMs:    int64Param(q, "until_ms"),
		Limit:      storageScanChunk,
		Offset:     offset,
	}

	var rows []types.StorageScanEventRow
	var total uint64
	g, gctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		fetched, err := s.Store.FetchStorageScanEvents(gctx, query)
		rows = fetched
		return err
	})
	g.Go(func() error {
		count, err := s.Store.CountStorageScanEvents(gctx, query)
		total = count
		return err
	})
	if err := g.Wait(); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": rows,
		"total":  total,
		"offset": offset,
		"limit":  storageScanChunk,
	})
}

type rulesPayload struct {
	Rules []types.KeyItemRule `json:"rules"`
}

func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rulesPayload{Rules: s.Rules.List()})
}

func (s *Server) handlePutRules(w http.ResponseWriter, r *http.Request) {
	var payload rulesPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, errs.NewBadRequest("invalid request body: %v", err))
		return
	}
	if err := s.Rules.Replace(payload.Rules); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rulesPayload{Rules: s.Rules.List()})
}

func (s *Server) handleModConfigGet(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("serverID")
	afterRevision, err := uint64Param(r.URL.Query(), "after_revision")
	if err != nil {
		writeError(w, err)
		return
	}

	env, err := s.ModConfig.Pull(r.Context(), serverID, afterRevision)
	if err != nil {
		writeError(w, err)
		return
	}
	if env == nil {
		writeError(w, errs.NotFound{Message: "no mod-config published for this server"})
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleModConfigPut(w http.ResponseWriter, r *http.Request) {
	var req types.ModConfigPutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.NewBadRequest("invalid request body: %v", err))
		return
	}
	env, err := s.ModConfig.Put(r.Context(), r.PathValue("serverID"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleAckGet(w http.ResponseWriter, r *http.Request) {
	ack, err := s.ModConfig.LatestAck(r.Context(), r.PathValue("serverID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if ack == nil {
		writeError(w, errs.NotFound{Message: "no ack recorded for this server"})
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleAckPut(w http.ResponseWriter, r *http.Request) {
	var ack types.ModConfigAck
	if err := json.NewDecoder(r.Body).Decode(&ack); err != nil {
		writeError(w, errs.NewBadRequest("invalid request body: %v", err))
		return
	}
	ack.ServerID = firstNonEmpty(r.PathValue("serverID"), ack.ServerID)
	if err := s.ModConfig.Ack(r.Context(), ack); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAlertCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Alerts.CheckTarget(r.Context()))
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	limit, err := clampedLimitParam(r.URL.Query(), "limit", 50, 1, 200)
	if err != nil {
		writeError(w, err)
		return
	}
	history := s.Alerts.History()
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": lastN(history, limit)})
}

func (s *Server) handleDeliveriesLast(w http.ResponseWriter, r *http.Request) {
	history := s.Alerts.History()
	if len(history) == 0 {
		writeError(w, errs.NotFound{Message: "no deliveries recorded"})
		return
	}
	writeJSON(w, http.StatusOK, history[len(history)-1])
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	progress, err := s.Tasks.Get(r.PathValue("task"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleTaskPut(w http.ResponseWriter, r *http.Request) {
	var update types.TaskProgressUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, errs.NewBadRequest("invalid request body: %v", err))
		return
	}
	update.Task = r.PathValue("task")

	progress, err := s.Tasks.Put(update)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleBotWebhook(w http.ResponseWriter, r *http.Request) {
	serverID := firstNonEmpty(r.URL.Query().Get("server_id"), "server-01")
	s.Bridge.HandleWebhook(serverID)(w, r)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch err.(type) {
	case errs.Unauthorized:
		return http.StatusUnauthorized
	case errs.BadRequest:
		return http.StatusBadRequest
	case errs.NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func int64Param(q map[string][]string, key string) int64 {
	raw := urlValuesGet(q, key)
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func urlValuesGet(q map[string][]string, key string) string {
	values := q[key]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func uint64Param(q map[string][]string, key string) (uint64, error) {
	raw := urlValuesGet(q, key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errs.NewBadRequest("%s must be a non-negative integer", key)
	}
	return n, nil
}

func positiveIntParam(q map[string][]string, key string, def int) (int, error) {
	raw := urlValuesGet(q, key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errs.NewBadRequest("%s must be >= 1", key)
	}
	return n, nil
}

func nonNegativeIntParam(q map[string][]string, key string, def int) (int, error) {
	raw := urlValuesGet(q, key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errs.NewBadRequest("%s must be >= 0", key)
	}
	return n, nil
}

func pageSizeParam(q map[string][]string) (int, error) {
	raw := urlValuesGet(q, "page_size")
	if raw == "" {
		return 50, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errs.NewBadRequest("page_size must be one of 25,50,100,200")
	}
	switch n {
	case 25, 50, 100, 200:
		return n, nil
	default:
		return 0, errs.NewBadRequest("page_size must be one of 25,50,100,200")
	}
}

func clampedLimitParam(q map[string][]string, key string, def, min, max int) (int, error) {
	raw := urlValuesGet(q, key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errs.NewBadRequest("%s must be an integer", key)
	}
	if n < min {
		n = min
	}
	if n > max {
		n = max
	}
	return n, nil
}

func lastN(records []types.AlertDeliveryRecord, n int) []types.AlertDeliveryRecord {
	if len(records) <= n {
		return records
	}
	return records[len(records)-n:]
}

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleModConfigStream upgrades to a WebSocket and forwards every
// envelope published for this server until the client disconnects.
func (s *Server) handleModConfigStream(w http.ResponseWriter, r *http.Request) {
	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger().Warn("mod-config stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	serverID := r.PathValue("serverID")
	updates, cancel := s.ModConfig.Subscribe(serverID)
	defer cancel()

	// Drain client-initiated reads just to notice disconnects promptly;
	// the protocol is server-to-client only.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case env, ok := <-updates:
			if !ok {
				return
			}
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		}
	}
}
