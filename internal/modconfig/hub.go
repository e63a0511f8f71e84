// Package modconfig is the per-server mod-configuration hub (C7): it
// accepts a new configuration, stamps it with a monotonic revision and a
// checksum, persists it, and fans it out to every subscriber currently
// watching that server. An optional NATS mirror publish is best-effort and
// never blocks or fails the primary publish.
package modconfig

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/loopwic/lattice/internal/errs"
	"github.com/loopwic/lattice/internal/types"
)

const subscriberBufferSize = 64

// Repository is the persistence dependency, satisfied by
// configstore.FileRepository.
type Repository interface {
	LoadModConfig(serverID string) (*types.ModConfigEnvelope, error)
	SaveModConfig(env types.ModConfigEnvelope) error
	LoadModConfigAck(serverID string) (*types.ModConfigAck, error)
	SaveModConfigAck(ack types.ModConfigAck) error
}

// Hub holds one cached envelope and one subscriber fan-out list per
// server id.
type Hub struct {
	repo Repository
	js   nats.JetStreamContext
	now  func() int64

	mu          sync.RWMutex
	cache       map[string]types.ModConfigEnvelope
	subscribers map[string][]chan types.ModConfigEnvelope
}

// New returns a Hub backed by repo. now supplies the current time in
// milliseconds; pass nil to use the wall clock.
func New(repo Repository, now func() int64) *Hub {
	return &Hub{
		repo:        repo,
		now:         now,
		cache:       make(map[string]types.ModConfigEnvelope),
		subscribers: make(map[string][]chan types.ModConfigEnvelope),
	}
}

// SetJetStream enables best-effort mirroring of every published envelope
// to subject "lattice.modconfig.<server_id>". Mirroring failures are
// discarded: they are neither logged nor returned, and the error from Put
// only ever reflects the primary publish — JetStream is supplementary,
// never a prerequisite for publishing.
func (h *Hub) SetJetStream(js nats.JetStreamContext) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.js = js
}

func resolveServerID(queryServerID, payloadServerID string) string {
	id := strings.TrimSpace(queryServerID)
	if id == "" {
		id = strings.TrimSpace(payloadServerID)
	}
	if id == "" {
		id = "server-01"
	}
	return id
}

// Put publishes a new envelope for serverID (resolved from queryServerID,
// falling back to req.ServerID, falling back to "server-01"). The new
// revision is previous.revision+1, or 1 if there is no previous envelope.
func (h *Hub) Put(ctx context.Context, queryServerID string, req types.ModConfigPutRequest) (types.ModConfigEnvelope, error) {
	if req.Config == nil {
		return types.ModConfigEnvelope{}, errs.NewBadRequest("config must not be null")
	}

	serverID := resolveServerID(queryServerID, req.ServerID)

	previous, err := h.load(serverID)
	if err != nil {
		return types.ModConfigEnvelope{}, err
	}

	revision := uint64(1)
	if previous != nil {
		revision = previous.Revision + 1
	}

	checksum, err := checksumSHA256(req.Config)
	if err != nil {
		return types.ModConfigEnvelope{}, errs.NewInternal(err)
	}

	env := types.ModConfigEnvelope{
		ServerID:       serverID,
		Revision:       revision,
		UpdatedAtMs:    h.nowMs(),
		UpdatedBy:      req.UpdatedBy,
		ChecksumSHA256: checksum,
		Config:         req.Config,
	}

	if err := h.repo.SaveModConfig(env); err != nil {
		return types.ModConfigEnvelope{}, err
	}

	h.mu.Lock()
	h.cache[serverID] = env
	h.mu.Unlock()

	h.broadcast(serverID, env)
	h.mirrorToJetStream(serverID, env)

	return env, nil
}

// Pull returns the current envelope for serverID, loading it from the
// repository on first access and caching it thereafter, but only when its
// revision is strictly greater than afterRevision; otherwise it returns
// nil, nil, the same as when no configuration has ever been published for
// serverID. Pass afterRevision 0 to always receive the current envelope.
func (h *Hub) Pull(ctx context.Context, serverID string, afterRevision uint64) (*types.ModConfigEnvelope, error) {
	env, err := h.load(serverID)
	if err != nil || env == nil {
		return env, err
	}
	if env.Revision <= afterRevision {
		return nil, nil
	}
	return env, nil
}

func (h *Hub) load(serverID string) (*types.ModConfigEnvelope, error) {
	h.mu.RLock()
	if env, ok := h.cache[serverID]; ok {
		h.mu.RUnlock()
		return &env, nil
	}
	h.mu.RUnlock()

	env, err := h.repo.LoadModConfig(serverID)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, nil
	}

	h.mu.Lock()
	h.cache[serverID] = *env
	h.mu.Unlock()

	return env, nil
}

// Subscribe registers a buffered channel for serverID's future publishes.
// The caller must call the returned cancel func to release it. A
// subscriber that falls behind (buffer full) silently misses each new
// publish until it drains its buffer, rather than blocking Put; the
// envelopes already buffered are kept.
func (h *Hub) Subscribe(serverID string) (<-chan types.ModConfigEnvelope, func()) {
	ch := make(chan types.ModConfigEnvelope, subscriberBufferSize)

	h.mu.Lock()
	h.subscribers[serverID] = append(h.subscribers[serverID], ch)
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.subscribers[serverID]
		for i, c := range subs {
			if c == ch {
				h.subscribers[serverID] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, cancel
}

func (h *Hub) broadcast(serverID string, env types.ModConfigEnvelope) {
	h.mu.RLock()
	subs := append([]chan types.ModConfigEnvelope(nil), h.subscribers[serverID]...)
	h.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- env:
		default:
			// subscriber's buffer is full; it is lagging and misses this
			// publish, same as a dropped tokio broadcast receiver.
		}
	}
}

func (h *Hub) mirrorToJetStream(serverID string, env types.ModConfigEnvelope) {
	h.mu.RLock()
	js := h.js
	h.mu.RUnlock()
	if js == nil {
		return
	}

	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	subject := fmt.Sprintf("lattice.modconfig.%s", serverID)
	_, _ = js.Publish(subject, data) // best-effort: never surfaces to the caller
}

// Ack records the latest apply-status report for a server's current
// revision.
func (h *Hub) Ack(ctx context.Context, ack types.ModConfigAck) error {
	serverID := strings.TrimSpace(ack.ServerID)
	if serverID == "" {
		return errs.NewBadRequest("server_id must not be empty")
	}
	ack.ServerID = serverID
	ack.Status = strings.ToUpper(strings.TrimSpace(ack.Status))
	if ack.Status == "" {
		return errs.NewBadRequest("status must not be empty")
	}
	if ack.AppliedAtMs <= 0 {
		ack.AppliedAtMs = h.nowMs()
	}
	ack.Message = strings.TrimSpace(ack.Message)

	var changed []string
	for _, key := range ack.ChangedKeys {
		key = strings.TrimSpace(key)
		if key != "" {
			changed = append(changed, key)
		}
	}
	ack.ChangedKeys = changed

	return h.repo.SaveModConfigAck(ack)
}

// LatestAck returns the most recent ack recorded for serverID, or nil if
// none has ever been reported.
func (h *Hub) LatestAck(ctx context.Context, serverID string) (*types.ModConfigAck, error) {
	return h.repo.LoadModConfigAck(serverID)
}

func (h *Hub) nowMs() int64 {
	if h.now != nil {
		return h.now()
	}
	return wallClockMs()
}

func checksumSHA256(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
