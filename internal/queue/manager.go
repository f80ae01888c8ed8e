package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/callbridge/internal/config"
	"github.com/openclaw/callbridge/internal/errors"
	"github.com/openclaw/callbridge/internal/events"
	"github.com/openclaw/callbridge/internal/model"
	"github.com/openclaw/callbridge/internal/store"
)

// Manager is the durable priority-FIFO queue of pending call requests.
// All state lives in the shared store; the manager itself is stateless and
// safe to run on every node.
type Manager struct {
	store   store.SharedStore
	bus     *events.Bus
	cap     int64
	timeout time.Duration
}

func NewManager(s store.SharedStore, bus *events.Bus, queueCap int, timeout time.Duration) *Manager {
	return &Manager{
		store:   s,
		bus:     bus,
		cap:     int64(queueCap),
		timeout: timeout,
	}
}

// Enqueue adds a request to the queue and returns its place in line.
// A channel may hold at most one pending request at a time.
func (m *Manager) Enqueue(ctx context.Context, req model.CallRequest) (model.QueueStatus, error) {
	if req.ID == "" || req.ChannelID == "" || req.GuildID == "" || req.InitiatorID == "" {
		return model.QueueStatus{}, errors.ValidationError("request id, channelId, guildId and initiatorId are required")
	}
	if req.Timestamp == 0 {
		req.Timestamp = time.Now().UnixMilli()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return model.QueueStatus{}, errors.Internal("marshal call request").WithCause(err)
	}

	status, err := m.store.Enqueue(ctx, req.ChannelID, req.ID, req.Score(config.PriorityWeight), body, m.cap)
	if err != nil {
		return model.QueueStatus{}, errors.StoreUnavailable(err)
	}

	switch status {
	case store.EnqueueDuplicate:
		return model.QueueStatus{}, errors.DuplicateRequest(req.ChannelID)
	case store.EnqueueFull:
		return model.QueueStatus{}, errors.QueueFull(int(m.cap))
	}

	qs, err := m.GetQueueStatus(ctx, req.ChannelID)
	if err != nil || qs == nil {
		// The request is queued either way; report a best-effort position.
		qs = &model.QueueStatus{Position: 1, QueueLength: 1}
	}

	log.Info().
		Str("requestId", req.ID).
		Str("channelId", req.ChannelID).
		Str("guildId", req.GuildID).
		Int64("position", qs.Position).
		Msg("call request queued")

	m.bus.EmitQueued(req, *qs)
	return *qs, nil
}

// Dequeue cancels a request by its requestID. Returns false when the
// request is already gone; calling it twice is safe.
func (m *Manager) Dequeue(ctx context.Context, requestID string) (bool, error) {
	channelID, ok, err := m.store.ResolveRequest(ctx, requestID)
	if err != nil {
		return false, errors.StoreUnavailable(err)
	}
	if !ok {
		return false, nil
	}
	return m.DequeueByChannel(ctx, channelID, requestID)
}

// DequeueByChannel removes a channel's pending request. The same removal
// path serves cancellation, matching and expiry sweeps.
func (m *Manager) DequeueByChannel(ctx context.Context, channelID, requestID string) (bool, error) {
	removed, err := m.store.Remove(ctx, channelID, requestID)
	if err != nil {
		return false, errors.StoreUnavailable(err)
	}
	if removed {
		log.Debug().
			Str("channelId", channelID).
			Str("requestId", requestID).
			Msg("call request dequeued")
	}
	return removed, nil
}

// RemoveMatchedPair removes two requests atomically: both or neither.
// Returns false when either side was already dequeued, in which case the
// queue is untouched.
func (m *Manager) RemoveMatchedPair(ctx context.Context, a, b model.CallRequest) (bool, error) {
	removed, err := m.store.RemovePair(ctx,
		store.PairMember{ChannelID: a.ChannelID, RequestID: a.ID},
		store.PairMember{ChannelID: b.ChannelID, RequestID: b.ID},
	)
	if err != nil {
		return false, errors.StoreUnavailable(err)
	}
	return removed, nil
}

// GetQueueStatus returns a request's 1-based position and the queue
// length, or nil when the channel is not queued.
func (m *Manager) GetQueueStatus(ctx context.Context, channelID string) (*model.QueueStatus, error) {
	rank, ok, err := m.store.Rank(ctx, channelID)
	if err != nil {
		return nil, errors.StoreUnavailable(err)
	}
	if !ok {
		return nil, nil
	}

	length, err := m.store.QueueLen(ctx)
	if err != nil {
		return nil, errors.StoreUnavailable(err)
	}

	return &model.QueueStatus{Position: rank + 1, QueueLength: length}, nil
}

// PendingRequests materializes the full queue in priority order. O(n):
// meant for the bounded-interval matching scan, not for hot paths.
func (m *Manager) PendingRequests(ctx context.Context) ([]model.CallRequest, error) {
	entries, err := m.store.Entries(ctx)
	if err != nil {
		return nil, errors.StoreUnavailable(err)
	}
	return m.decode(entries), nil
}

func (m *Manager) decode(entries []store.QueueEntry) []model.CallRequest {
	requests := make([]model.CallRequest, 0, len(entries))
	for _, e := range entries {
		var req model.CallRequest
		if err := json.Unmarshal(e.Data, &req); err != nil {
			log.Error().
				Err(err).
				Str("channelId", e.ChannelID).
				Msg("corrupt queue entry, skipping")
			continue
		}
		requests = append(requests, req)
	}
	return requests
}

// IsInQueue reports membership in O(1).
func (m *Manager) IsInQueue(ctx context.Context, channelID string) (bool, error) {
	ok, err := m.store.Contains(ctx, channelID)
	if err != nil {
		return false, errors.StoreUnavailable(err)
	}
	return ok, nil
}

// Len returns the number of pending requests.
func (m *Manager) Len(ctx context.Context) (int64, error) {
	n, err := m.store.QueueLen(ctx)
	if err != nil {
		return 0, errors.StoreUnavailable(err)
	}
	return n, nil
}

// SweepExpired removes every request older than the queue timeout and
// returns the swept requests. Removal is idempotent, so concurrent sweeps
// on different nodes are harmless.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) ([]model.CallRequest, error) {
	cutoff := float64(now.Add(-m.timeout).UnixMilli())

	entries, err := m.store.ExpiredEntries(ctx, cutoff)
	if err != nil {
		return nil, errors.StoreUnavailable(err)
	}

	swept := make([]model.CallRequest, 0, len(entries))
	for _, req := range m.decode(entries) {
		removed, err := m.DequeueByChannel(ctx, req.ChannelID, req.ID)
		if err != nil {
			log.Error().Err(err).Str("channelId", req.ChannelID).Msg("expiry removal failed")
			continue
		}
		if !removed {
			// another node swept it first
			continue
		}
		swept = append(swept, req)
		m.bus.EmitExpired(req)
	}

	if len(swept) > 0 {
		log.Info().Int("count", len(swept)).Msg("expired call requests swept")
	}
	return swept, nil
}
