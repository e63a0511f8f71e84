package botbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loopwic/lattice/internal/errs"
)

const reconnectDelay = 5 * time.Second

// replyText renders the issue-token command's reply: the original bridge's
// bilingual success template, or a Chinese-only failure line chosen by the
// error kind.
func replyText(issued IssuedToken, err error) string {
	if err == nil {
		return "OP 令牌已签发 / OP token issued: " + issued.Token + "\n有效期至 / valid until " + issued.ExpiresAtRFC3339
	}
	switch err.(type) {
	case errs.Unauthorized:
		return "申请失败：当前群未授权申请 OP token"
	case errs.BadRequest:
		return "申请失败：" + err.Error()
	default:
		return "申请失败：后端内部错误"
	}
}

// Bridge ties command parsing and OP token issuance to a live napcat
// connection (or an inbound HTTP webhook delivering the same event shape).
type Bridge struct {
	issuer *OpTokenIssuer
	log    *slog.Logger
}

// NewBridge returns a Bridge that issues tokens via issuer.
func NewBridge(issuer *OpTokenIssuer, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{issuer: issuer, log: log}
}

// handleEvent processes one inbound event and, if it carries a recognized
// command, returns the reply text to send back into the group. Returns
// ("", false) when the event is not a command this bridge understands.
func (b *Bridge) handleEvent(ctx context.Context, serverID string, ev *groupMessageEvent) (string, bool) {
	if !ev.isValidGroupMessage() {
		return "", false
	}
	if !isIssueTokenCommand(ev.commandText()) {
		return "", false
	}

	issued, err := b.issuer.IssueOpToken(ctx, serverID, ev.GroupID, "")
	return replyText(issued, err), true
}

// HandleWebhook is the inbound HTTP push-mode handler: napcat posts each
// event as a JSON body, and this acks every body that decodes with 200
// regardless of whether a command was recognized — onebot implementations
// don't expect the quick-reply contract webhooks normally use. A body that
// is not valid JSON gets 400.
func (b *Bridge) HandleWebhook(serverID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ev groupMessageEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		reply, matched := b.handleEvent(r.Context(), serverID, &ev)
		w.WriteHeader(http.StatusOK)
		if !matched {
			return
		}
		b.log.Info("op token command handled", "group_id", ev.GroupID, "server_id", serverID)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"reply": reply,
		})
	}
}

// wsAction is a minimal onebot action envelope for the outbound
// send_group_msg call.
type wsAction struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

// RunWS dials url and services events until ctx is cancelled, reconnecting
// after reconnectDelay on any read or dial error. url is dialed as given;
// RunWS does not dedupe or validate it.
func (b *Bridge) RunWS(ctx context.Context, serverID, url string) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := b.runOnce(ctx, serverID, url); err != nil {
			b.log.Warn("napcat bridge connection ended", "url", url, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (b *Bridge) runOnce(ctx context.Context, serverID, rawURL string) error {
	conn, err := dialNapcat(ctx, rawURL, "")
	if err != nil {
		return err
	}
	defer conn.Close()

	for {
		if ctx.Err() != nil {
			return nil
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var ev groupMessageEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}

		reply, matched := b.handleEvent(ctx, serverID, &ev)
		if !matched {
			continue
		}
		action := wsAction{
			Action: "send_group_msg",
			Params: map[string]any{"group_id": ev.GroupID, "message": reply},
		}
		if err := conn.WriteJSON(action); err != nil {
			return err
		}
	}
}

// dialNapcat tries header-based auth, then a plain connection, matching
// the original bridge's tiered fallback (this bridge has no access token
// of its own to add to the query string, unlike the alert transport's
// WebSocket mode).
func dialNapcat(ctx context.Context, rawURL, token string) (*websocket.Conn, error) {
	dialer := websocket.DefaultDialer

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := dialer.DialContext(ctx, rawURL, header)
	if err == nil {
		return conn, nil
	}

	conn, _, err = dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// resolveWSSourceURLs collects and dedupes ws(s):// URLs from the two
// webhook URL settings the original config exposes.
func resolveWSSourceURLs(urls ...string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			continue
		}
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}
