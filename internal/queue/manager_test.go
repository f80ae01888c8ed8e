package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/callbridge/internal/errors"
	"github.com/openclaw/callbridge/internal/events"
	"github.com/openclaw/callbridge/internal/model"
	"github.com/openclaw/callbridge/internal/store"
)

type recordingHandler struct {
	queued  []model.CallRequest
	expired []model.CallRequest
}

func (h *recordingHandler) HandleQueued(req model.CallRequest, _ model.QueueStatus) {
	h.queued = append(h.queued, req)
}
func (h *recordingHandler) HandleMatched(model.ActiveCall)             {}
func (h *recordingHandler) HandleExpired(req model.CallRequest)       { h.expired = append(h.expired, req) }
func (h *recordingHandler) HandleEnded(model.ActiveCall, events.EndReason) {}

func newTestManager(queueCap int, timeout time.Duration) (*Manager, *store.Memory, *recordingHandler) {
	mem := store.NewMemory()
	bus := events.NewBus()
	handler := &recordingHandler{}
	bus.Subscribe(handler)
	return NewManager(mem, bus, queueCap, timeout), mem, handler
}

func request(id, channel, guild, initiator string, ts int64) model.CallRequest {
	return model.CallRequest{
		ID:          id,
		ChannelID:   channel,
		GuildID:     guild,
		InitiatorID: initiator,
		WebhookURL:  "https://discord.com/api/webhooks/1/token",
		Timestamp:   ts,
	}
}

func TestManagerEnqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("returns position and emits queued event", func(t *testing.T) {
		m, _, handler := newTestManager(10, time.Hour)

		status, err := m.Enqueue(ctx, request("req-1", "chan-1", "guild-1", "user-1", 1000))
		require.NoError(t, err)
		assert.Equal(t, int64(1), status.Position)
		assert.Equal(t, int64(1), status.QueueLength)

		require.Len(t, handler.queued, 1)
		assert.Equal(t, "req-1", handler.queued[0].ID)
	})

	t.Run("rejects missing fields", func(t *testing.T) {
		m, _, _ := newTestManager(10, time.Hour)

		_, err := m.Enqueue(ctx, model.CallRequest{ID: "req-1", ChannelID: "chan-1"})
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeValidation, errors.GetCode(err))
	})

	t.Run("rejects a second request from the same channel", func(t *testing.T) {
		m, _, _ := newTestManager(10, time.Hour)

		_, err := m.Enqueue(ctx, request("req-1", "chan-1", "guild-1", "user-1", 1000))
		require.NoError(t, err)

		_, err = m.Enqueue(ctx, request("req-2", "chan-1", "guild-1", "user-2", 2000))
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeDuplicateRequest, errors.GetCode(err))
	})

	t.Run("rejects when the queue is full", func(t *testing.T) {
		m, _, _ := newTestManager(1, time.Hour)

		_, err := m.Enqueue(ctx, request("req-1", "chan-1", "guild-1", "user-1", 1000))
		require.NoError(t, err)

		_, err = m.Enqueue(ctx, request("req-2", "chan-2", "guild-2", "user-2", 2000))
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeQueueFull, errors.GetCode(err))
	})

	t.Run("priority moves a request ahead of earlier arrivals", func(t *testing.T) {
		m, _, _ := newTestManager(10, time.Hour)

		_, err := m.Enqueue(ctx, request("req-1", "chan-1", "guild-1", "user-1", 1000))
		require.NoError(t, err)

		boosted := request("req-2", "chan-2", "guild-2", "user-2", 1500)
		boosted.Priority = 5
		status, err := m.Enqueue(ctx, boosted)
		require.NoError(t, err)
		assert.Equal(t, int64(1), status.Position)

		pending, err := m.PendingRequests(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "req-2", pending[0].ID)
	})
}

func TestManagerDequeue(t *testing.T) {
	ctx := context.Background()

	t.Run("first dequeue succeeds, second reports already gone", func(t *testing.T) {
		m, _, _ := newTestManager(10, time.Hour)

		_, err := m.Enqueue(ctx, request("req-1", "chan-1", "guild-1", "user-1", 1000))
		require.NoError(t, err)

		removed, err := m.Dequeue(ctx, "req-1")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = m.Dequeue(ctx, "req-1")
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("unknown request id reports gone without error", func(t *testing.T) {
		m, _, _ := newTestManager(10, time.Hour)

		removed, err := m.Dequeue(ctx, "req-missing")
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("channel can requeue after dequeue", func(t *testing.T) {
		m, _, _ := newTestManager(10, time.Hour)

		_, err := m.Enqueue(ctx, request("req-1", "chan-1", "guild-1", "user-1", 1000))
		require.NoError(t, err)

		_, err = m.Dequeue(ctx, "req-1")
		require.NoError(t, err)

		_, err = m.Enqueue(ctx, request("req-2", "chan-1", "guild-1", "user-1", 2000))
		require.NoError(t, err)
	})
}

func TestManagerQueueStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("round-trips position for every queued request", func(t *testing.T) {
		m, _, _ := newTestManager(10, time.Hour)

		for i, ch := range []string{"chan-1", "chan-2", "chan-3"} {
			req := request("req-"+ch, ch, "guild-"+ch, "user-"+ch, int64(1000*(i+1)))
			_, err := m.Enqueue(ctx, req)
			require.NoError(t, err)
		}

		for i, ch := range []string{"chan-1", "chan-2", "chan-3"} {
			status, err := m.GetQueueStatus(ctx, ch)
			require.NoError(t, err)
			require.NotNil(t, status)
			assert.Equal(t, int64(i+1), status.Position)
			assert.Equal(t, int64(3), status.QueueLength)
		}
	})

	t.Run("nil for a channel that is not queued", func(t *testing.T) {
		m, _, _ := newTestManager(10, time.Hour)

		status, err := m.GetQueueStatus(ctx, "chan-missing")
		require.NoError(t, err)
		assert.Nil(t, status)
	})

	t.Run("membership check", func(t *testing.T) {
		m, _, _ := newTestManager(10, time.Hour)

		_, err := m.Enqueue(ctx, request("req-1", "chan-1", "guild-1", "user-1", 1000))
		require.NoError(t, err)

		ok, err := m.IsInQueue(ctx, "chan-1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = m.IsInQueue(ctx, "chan-2")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestManagerRemoveMatchedPair(t *testing.T) {
	ctx := context.Background()

	t.Run("removes both or neither", func(t *testing.T) {
		m, _, _ := newTestManager(10, time.Hour)

		a := request("req-1", "chan-1", "guild-1", "user-1", 1000)
		b := request("req-2", "chan-2", "guild-2", "user-2", 2000)
		_, err := m.Enqueue(ctx, a)
		require.NoError(t, err)
		_, err = m.Enqueue(ctx, b)
		require.NoError(t, err)

		// cancel one side first: the pair removal must leave the other queued
		_, err = m.Dequeue(ctx, "req-1")
		require.NoError(t, err)

		removed, err := m.RemoveMatchedPair(ctx, a, b)
		require.NoError(t, err)
		assert.False(t, removed)

		still, err := m.IsInQueue(ctx, "chan-2")
		require.NoError(t, err)
		assert.True(t, still)
	})
}

func TestManagerSweepExpired(t *testing.T) {
	ctx := context.Background()

	t.Run("sweeps requests past the timeout and emits expiry events", func(t *testing.T) {
		timeout := 30 * time.Minute
		m, _, handler := newTestManager(10, timeout)

		base := time.Now()
		old := request("req-old", "chan-old", "guild-1", "user-1", base.Add(-timeout-time.Second).UnixMilli())
		fresh := request("req-new", "chan-new", "guild-2", "user-2", base.UnixMilli())
		_, err := m.Enqueue(ctx, old)
		require.NoError(t, err)
		_, err = m.Enqueue(ctx, fresh)
		require.NoError(t, err)

		swept, err := m.SweepExpired(ctx, base)
		require.NoError(t, err)
		require.Len(t, swept, 1)
		assert.Equal(t, "req-old", swept[0].ID)

		require.Len(t, handler.expired, 1)
		assert.Equal(t, "req-old", handler.expired[0].ID)

		still, err := m.IsInQueue(ctx, "chan-new")
		require.NoError(t, err)
		assert.True(t, still)
	})

	t.Run("request just inside the timeout survives", func(t *testing.T) {
		timeout := 30 * time.Minute
		m, _, _ := newTestManager(10, timeout)

		base := time.Now()
		almost := request("req-1", "chan-1", "guild-1", "user-1", base.Add(-timeout+time.Second).UnixMilli())
		_, err := m.Enqueue(ctx, almost)
		require.NoError(t, err)

		swept, err := m.SweepExpired(ctx, base)
		require.NoError(t, err)
		assert.Empty(t, swept)

		still, err := m.IsInQueue(ctx, "chan-1")
		require.NoError(t, err)
		assert.True(t, still)
	})

	t.Run("request at exactly the timeout boundary is swept", func(t *testing.T) {
		timeout := 30 * time.Minute
		m, _, _ := newTestManager(10, timeout)

		base := time.Now()
		boundary := request("req-1", "chan-1", "guild-1", "user-1", base.Add(-timeout).UnixMilli())
		_, err := m.Enqueue(ctx, boundary)
		require.NoError(t, err)

		swept, err := m.SweepExpired(ctx, base)
		require.NoError(t, err)
		require.Len(t, swept, 1)
		assert.Equal(t, "req-1", swept[0].ID)
	})
}
