// Package alert is the outbound alert transport (C6): it turns a batch of
// detector anomalies into a single rendered message, delivers it over
// either HTTP POST or a bidirectional WebSocket, retries failed attempts
// with fixed backoff, and keeps a bounded history of what was sent.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loopwic/lattice/internal/errs"
	"github.com/loopwic/lattice/internal/types"
)

// emittedRuleIDs is the fixed set of rule ids that actually page an
// operator; every other rule is recorded to the store but never alerted.
var emittedRuleIDs = map[string]bool{"R4": true, "R10": true, "R12": true}

const (
	historyCap  = 200
	maxAttempts = 3
	ackTimeout  = 8 * time.Second
)

var retrySchedule = []time.Duration{400 * time.Millisecond, 800 * time.Millisecond, 1600 * time.Millisecond}

// Mode selects the wire protocol used to reach the alert sink.
type Mode string

const (
	ModeHTTP Mode = "http"
	ModeWS   Mode = "ws"
	ModeNone Mode = "none"
)

// Config configures a Transport. WebhookURL is the primary sink
// (alert_webhook_url); FallbackURL (webhook_url) is used only when
// WebhookURL is empty, matching the original resolution order. GroupID is
// the socket-mode chat group the primary Dispatch path posts to.
type Config struct {
	WebhookURL  string
	FallbackURL string
	Token       string
	Template    string
	GroupID     int64
	HTTPClient  *http.Client
}

// Transport dispatches rendered alert messages and records delivery
// history for operators to inspect.
type Transport struct {
	mode     Mode
	url      string
	token    string
	template string
	groupID  int64
	client   *http.Client

	mu      sync.Mutex
	history []types.AlertDeliveryRecord
}

// New resolves the delivery mode from cfg and returns a ready Transport.
func New(cfg Config) *Transport {
	target := cfg.WebhookURL
	if target == "" {
		target = cfg.FallbackURL
	}

	mode := ModeNone
	switch {
	case target == "":
	case strings.HasPrefix(target, "ws://"), strings.HasPrefix(target, "wss://"):
		mode = ModeWS
	default:
		mode = ModeHTTP
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	template := cfg.Template
	if template == "" {
		template = "Lattice anomaly report: {total} finding(s)\n{lines}"
	}

	return &Transport{mode: mode, url: target, token: cfg.Token, template: template, groupID: cfg.GroupID, client: client}
}

// Mode reports the resolved delivery mode.
func (t *Transport) Mode() Mode { return t.mode }

// History returns a copy of the most recent delivery records, oldest
// first, capped at 200 entries.
func (t *Transport) History() []types.AlertDeliveryRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.AlertDeliveryRecord, len(t.history))
	copy(out, t.history)
	return out
}

// Dispatch filters anomalies down to the emitted rule set, and if any
// remain, renders and delivers one message with retry. A nil/empty input,
// or an input with nothing in the emitted rule set, is a no-op: no record
// is appended to history.
func (t *Transport) Dispatch(ctx context.Context, anomalies []types.Anomaly) error {
	var emitted []types.Anomaly
	for _, a := range anomalies {
		if emittedRuleIDs[a.RuleID] {
			emitted = append(emitted, a)
		}
	}
	if len(emitted) == 0 {
		return nil
	}

	message := t.render(emitted)
	ruleIDs := make([]string, len(emitted))
	for i, a := range emitted {
		ruleIDs[i] = a.RuleID
	}

	attempts := 0
	deliverErr := t.deliverWithRetry(ctx, message, "send_group_msg", t.groupID, &attempts)

	record := types.AlertDeliveryRecord{
		TimestampMs: emitted[len(emitted)-1].EventTimeMs,
		Mode:        string(t.mode),
		Attempts:    attempts,
		AlertCount:  len(emitted),
		RuleIDs:     ruleIDs,
		Status:      "success",
	}
	if deliverErr != nil {
		record.Status = "failed"
		record.Error = deliverErr.Error()
	}
	t.appendHistory(record)

	return deliverErr
}

// SendSystemAlert delivers a single free-text message immediately,
// bypassing the rule-id filter Dispatch applies. Used for operational
// notices that aren't detector findings, e.g. OP token misuse reports.
func (t *Transport) SendSystemAlert(ctx context.Context, message string) error {
	attempts := 0
	err := t.deliverWithRetry(ctx, message, "send_system_alert", 0, &attempts)

	t.appendHistory(types.AlertDeliveryRecord{
		Mode:     string(t.mode),
		Attempts: attempts,
		Status:   statusFor(err),
		Error:    errString(err),
	})
	return err
}

// SendGroupText delivers a single free-text message to an explicit chat
// group, following the same transport rules as SendSystemAlert.
func (t *Transport) SendGroupText(ctx context.Context, groupID int64, message string) error {
	if groupID <= 0 {
		return errs.NewBadRequest("group_id must be > 0")
	}

	attempts := 0
	err := t.deliverWithRetry(ctx, message, "send_group_msg", groupID, &attempts)

	t.appendHistory(types.AlertDeliveryRecord{
		Mode:     string(t.mode),
		Attempts: attempts,
		Status:   statusFor(err),
		Error:    errString(err),
	})
	return err
}

func statusFor(err error) string {
	if err != nil {
		return "failed"
	}
	return "success"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (t *Transport) appendHistory(record types.AlertDeliveryRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, record)
	if len(t.history) > historyCap {
		t.history = t.history[len(t.history)-historyCap:]
	}
}

func (t *Transport) render(anomalies []types.Anomaly) string {
	const maxLines = 8
	var lines []string
	for i, a := range anomalies {
		if i >= maxLines {
			lines = append(lines, fmt.Sprintf("...and %d more", len(anomalies)-maxLines))
			break
		}
		lines = append(lines, fmt.Sprintf("[%s] %s x%d (%s, %s)", a.RiskLevel, a.ItemID, a.Count, a.RuleID, a.PlayerName))
	}

	msg := t.template
	msg = strings.ReplaceAll(msg, "{total}", strconv.Itoa(len(anomalies)))
	msg = strings.ReplaceAll(msg, "{summary}", summarize(anomalies))
	msg = strings.ReplaceAll(msg, "{lines}", strings.Join(lines, "\n"))
	return msg
}

// summarize produces a one-line "rule_id: count" breakdown, sorted by
// rule_id, for the {summary} template placeholder.
func summarize(anomalies []types.Anomaly) string {
	counts := map[string]int{}
	for _, a := range anomalies {
		counts[a.RuleID]++
	}
	ruleIDs := make([]string, 0, len(counts))
	for ruleID := range counts {
		ruleIDs = append(ruleIDs, ruleID)
	}
	sort.Strings(ruleIDs)

	parts := make([]string, len(ruleIDs))
	for i, ruleID := range ruleIDs {
		parts[i] = fmt.Sprintf("%s:%d", ruleID, counts[ruleID])
	}
	return strings.Join(parts, ", ")
}

func (t *Transport) deliverWithRetry(ctx context.Context, message, action string, groupID int64, attempts *int) error {
	if t.mode == ModeNone {
		return errs.NewBadRequest("no alert sink configured")
	}

	policy := backoff.WithMaxRetries(fixedSchedule(retrySchedule), uint64(maxAttempts-1))
	return backoff.Retry(func() error {
		*attempts++
		var err error
		switch t.mode {
		case ModeHTTP:
			err = t.sendHTTP(ctx, message)
		case ModeWS:
			err = t.sendWS(ctx, message, action, groupID)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

// fixedSchedule replays a fixed slice of delays, matching the original's
// exact 400/800/1600ms retry schedule rather than an exponential curve.
type fixedBackOff struct {
	delays []time.Duration
	i      int
}

func fixedSchedule(delays []time.Duration) backoff.BackOff {
	return &fixedBackOff{delays: delays}
}

func (f *fixedBackOff) NextBackOff() time.Duration {
	if f.i >= len(f.delays) {
		return backoff.Stop
	}
	d := f.delays[f.i]
	f.i++
	return d
}

func (f *fixedBackOff) Reset() { f.i = 0 }

type httpAlertPayload struct {
	Message string `json:"message"`
}

func (t *Transport) sendHTTP(ctx context.Context, message string) error {
	body, err := json.Marshal(httpAlertPayload{Message: message})
	if err != nil {
		return errs.NewInternal(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return errs.NewInternal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return errs.NewInternal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errs.NewInternal(fmt.Errorf("alert webhook returned status %d", resp.StatusCode))
	}
	return nil
}

type wsEnvelope struct {
	Action string `json:"action"`
	EchoID string `json:"echo"`
	Params any    `json:"params,omitempty"`
}

// sendWS opens a connection, tries header auth first and falls back to a
// query-string token only when a token is configured and header auth
// failed, then sends the message and waits for an echo-correlated ack.
// action is "send_group_msg" (groupID required) or "send_system_alert".
func (t *Transport) sendWS(ctx context.Context, message, action string, groupID int64) error {
	conn, err := t.dialWS(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	echoID := uuid.NewString()
	var params any
	if action == "send_group_msg" {
		params = map[string]any{"group_id": groupID, "message": message}
	} else {
		params = map[string]string{"message": message}
	}
	envelope := wsEnvelope{Action: action, EchoID: echoID, Params: params}
	if err := conn.WriteJSON(envelope); err != nil {
		return errs.NewInternal(err)
	}

	return t.waitForAck(conn, echoID)
}

func (t *Transport) dialWS(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.DefaultDialer

	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}
	conn, _, err := dialer.DialContext(ctx, t.url, header)
	if err == nil {
		return conn, nil
	}
	if t.token == "" {
		return nil, errs.NewInternal(err)
	}

	withToken, addErr := addAccessTokenQuery(t.url, t.token)
	if addErr != nil {
		return nil, errs.NewInternal(err)
	}
	conn, _, err = dialer.DialContext(ctx, withToken, nil)
	if err != nil {
		return nil, errs.NewInternal(err)
	}
	return conn, nil
}

func addAccessTokenQuery(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// CheckResult is the outcome of a lightweight alert-target reachability
// probe, used by operators to verify configuration without sending a
// real alert.
type CheckResult struct {
	Mode      Mode   `json:"mode"`
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

// CheckTarget probes the configured sink without delivering an alert. WS
// mode performs the same handshake Dispatch uses but with a get_status
// action in place of send_group_msg; HTTP mode issues a bodyless HEAD
// request.
func (t *Transport) CheckTarget(ctx context.Context) CheckResult {
	result := CheckResult{Mode: t.mode}

	var err error
	switch t.mode {
	case ModeNone:
		err = errs.NewBadRequest("no alert sink configured")
	case ModeWS:
		err = t.checkWS(ctx)
	case ModeHTTP:
		err = t.checkHTTP(ctx)
	}

	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Reachable = true
	return result
}

func (t *Transport) checkWS(ctx context.Context) error {
	conn, err := t.dialWS(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	echoID := uuid.NewString()
	if err := conn.WriteJSON(wsEnvelope{Action: "get_status", EchoID: echoID}); err != nil {
		return errs.NewInternal(err)
	}
	return t.waitForAck(conn, echoID)
}

func (t *Transport) checkHTTP(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.url, nil)
	if err != nil {
		return errs.NewInternal(err)
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return errs.NewInternal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return errs.NewInternal(fmt.Errorf("alert webhook returned status %d", resp.StatusCode))
	}
	return nil
}

func (t *Transport) waitForAck(conn *websocket.Conn, echoID string) error {
	deadline := time.Now().Add(ackTimeout)
	conn.SetReadDeadline(deadline)

	for time.Now().Before(deadline) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return errs.NewInternal(err)
		}
		var ack struct {
			EchoID  string `json:"echo"`
			Status  string `json:"status"`
			Retcode *int   `json:"retcode"`
		}
		if err := json.Unmarshal(data, &ack); err != nil {
			continue
		}
		if ack.EchoID != echoID {
			continue
		}
		if ack.Status == "ok" || (ack.Retcode != nil && *ack.Retcode == 0) {
			return nil
		}
		switch {
		case ack.Status != "":
			return errs.NewInternal(fmt.Errorf("alert sink reported status %q", ack.Status))
		case ack.Retcode != nil:
			return errs.NewInternal(fmt.Errorf("alert sink reported retcode %d", *ack.Retcode))
		default:
			return errs.NewInternal(fmt.Errorf("alert sink ack missing status and retcode"))
		}
	}
	return errs.NewInternal(fmt.Errorf("timed out waiting for ack"))
}
