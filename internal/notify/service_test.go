package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/callbridge/internal/events"
	"github.com/openclaw/callbridge/internal/model"
	"github.com/openclaw/callbridge/internal/store"
)

type recordedMessage struct {
	ChannelID string
	Content   string
}

type mockRouter struct {
	mu       sync.Mutex
	messages []recordedMessage
	err      error
}

func (r *mockRouter) SendWebhookMessage(_ context.Context, channelID, _, content string, _ json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.messages = append(r.messages, recordedMessage{ChannelID: channelID, Content: content})
	return nil
}

func (r *mockRouter) forChannel(channelID string) []recordedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedMessage
	for _, m := range r.messages {
		if m.ChannelID == channelID {
			out = append(out, m)
		}
	}
	return out
}

func testCall() model.ActiveCall {
	now := time.Now()
	return model.ActiveCall{
		ID: "call-1",
		Participants: [2]model.CallParticipant{
			{ChannelID: "chan-1", GuildID: "guild-1", WebhookURL: "https://discord.com/api/webhooks/1/a", JoinedAt: now},
			{ChannelID: "chan-2", GuildID: "guild-2", WebhookURL: "https://discord.com/api/webhooks/2/b", JoinedAt: now},
		},
		StartTime:   now,
		InitiatorID: "user-1",
		Status:      model.ActiveStatus(),
	}
}

func TestServiceLifecycleNotifications(t *testing.T) {
	t.Run("queued notifies the requesting channel with its position", func(t *testing.T) {
		router := &mockRouter{}
		svc := NewService(router, store.NewMemory(), 10)

		svc.HandleQueued(
			model.CallRequest{ChannelID: "chan-1", WebhookURL: "https://discord.com/api/webhooks/1/a"},
			model.QueueStatus{Position: 3, QueueLength: 7},
		)

		msgs := router.forChannel("chan-1")
		require.Len(t, msgs, 1)
		assert.Contains(t, msgs[0].Content, "position 3 of 7")
	})

	t.Run("matched notifies both participants", func(t *testing.T) {
		router := &mockRouter{}
		svc := NewService(router, store.NewMemory(), 10)

		svc.HandleMatched(testCall())

		assert.Len(t, router.forChannel("chan-1"), 1)
		assert.Len(t, router.forChannel("chan-2"), 1)
	})

	t.Run("expired notifies the requesting channel", func(t *testing.T) {
		router := &mockRouter{}
		svc := NewService(router, store.NewMemory(), 10)

		svc.HandleExpired(model.CallRequest{ChannelID: "chan-1", WebhookURL: "https://discord.com/api/webhooks/1/a"})

		msgs := router.forChannel("chan-1")
		require.Len(t, msgs, 1)
		assert.Contains(t, msgs[0].Content, "expired")
	})

	t.Run("ended message reflects the reason", func(t *testing.T) {
		router := &mockRouter{}
		svc := NewService(router, store.NewMemory(), 10)

		svc.HandleEnded(testCall(), events.EndReasonTimeout)

		msgs := router.forChannel("chan-1")
		require.Len(t, msgs, 1)
		assert.Contains(t, msgs[0].Content, "timed out")
	})
}

func TestServiceRateLimit(t *testing.T) {
	t.Run("drops notifications over the per-channel budget", func(t *testing.T) {
		router := &mockRouter{}
		svc := NewService(router, store.NewMemory(), 2)

		req := model.CallRequest{ChannelID: "chan-1", WebhookURL: "https://discord.com/api/webhooks/1/a"}
		for i := 0; i < 5; i++ {
			svc.HandleQueued(req, model.QueueStatus{Position: 1, QueueLength: 1})
		}

		assert.Len(t, router.forChannel("chan-1"), 2)
	})

	t.Run("channels are limited independently", func(t *testing.T) {
		router := &mockRouter{}
		svc := NewService(router, store.NewMemory(), 1)

		svc.HandleMatched(testCall())
		svc.HandleMatched(testCall())

		assert.Len(t, router.forChannel("chan-1"), 1)
		assert.Len(t, router.forChannel("chan-2"), 1)
	})
}

func TestServiceDeliveryFailure(t *testing.T) {
	t.Run("router errors are swallowed", func(t *testing.T) {
		router := &mockRouter{err: assert.AnError}
		svc := NewService(router, store.NewMemory(), 10)

		// must not panic or propagate
		svc.HandleMatched(testCall())
		svc.HandleExpired(model.CallRequest{ChannelID: "chan-1"})
	})
}
