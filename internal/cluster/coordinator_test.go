package cluster

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/callbridge/internal/errors"
	"github.com/openclaw/callbridge/internal/model"
	"github.com/openclaw/callbridge/internal/store"
)

type recordedSend struct {
	WebhookURL string
	Content    string
}

type mockSender struct {
	mu    sync.Mutex
	sends []recordedSend
}

func (m *mockSender) Send(_ context.Context, webhookURL, content string, _ json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, recordedSend{WebhookURL: webhookURL, Content: content})
	return nil
}

func (m *mockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sends)
}

func (m *mockSender) last() recordedSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sends[len(m.sends)-1]
}

type node struct {
	coordinator *Coordinator
	directory   *MapDirectory
	sender      *mockSender
}

func newNode(t *testing.T, mem *store.Memory, nodeID int, start bool) *node {
	t.Helper()
	directory := NewMapDirectory()
	sender := &mockSender{}
	c := NewCoordinator(mem, directory, sender, nodeID, 15*time.Second)
	if start {
		require.NoError(t, c.Start(context.Background()))
		t.Cleanup(c.Stop)
	}
	return &node{coordinator: c, directory: directory, sender: sender}
}

func TestCoordinatorElection(t *testing.T) {
	ctx := context.Background()

	t.Run("first tick claims the unheld lease", func(t *testing.T) {
		mem := store.NewMemory()
		n := newNode(t, mem, 0, false)

		assert.False(t, n.coordinator.IsLeader(ctx))

		n.coordinator.electionTick()
		assert.True(t, n.coordinator.IsLeader(ctx))

		leader, held := n.coordinator.LeaderNode(ctx)
		require.True(t, held)
		assert.Equal(t, 0, leader)
	})

	t.Run("only one node wins the lease", func(t *testing.T) {
		mem := store.NewMemory()
		n0 := newNode(t, mem, 0, false)
		n1 := newNode(t, mem, 1, false)

		n0.coordinator.electionTick()
		n1.coordinator.electionTick()

		assert.True(t, n0.coordinator.IsLeader(ctx))
		assert.False(t, n1.coordinator.IsLeader(ctx))
	})

	t.Run("another node takes over after the lease expires", func(t *testing.T) {
		mem := store.NewMemory()
		n0 := newNode(t, mem, 0, false)
		n1 := newNode(t, mem, 1, false)

		n0.coordinator.electionTick()
		require.True(t, n0.coordinator.IsLeader(ctx))

		// the leader goes silent past its TTL
		mem.Now = func() time.Time { return time.Now().Add(time.Minute) }

		n1.coordinator.electionTick()
		assert.True(t, n1.coordinator.IsLeader(ctx))
		assert.False(t, n0.coordinator.IsLeader(ctx))
	})

	t.Run("stop releases the lease", func(t *testing.T) {
		mem := store.NewMemory()
		n := newNode(t, mem, 0, true)

		require.Eventually(t, func() bool {
			return n.coordinator.IsLeader(ctx)
		}, 2*time.Second, 10*time.Millisecond)

		n.coordinator.Stop()

		_, held := n.coordinator.LeaderNode(ctx)
		assert.False(t, held)
	})
}

func TestCoordinatorOwnershipResolution(t *testing.T) {
	ctx := context.Background()

	t.Run("local ownership resolves without messaging", func(t *testing.T) {
		mem := store.NewMemory()
		n := newNode(t, mem, 0, false)
		n.directory.Assign("guild-1", "chan-1")

		owner, err := n.coordinator.FindNodeOwningGuild(ctx, "guild-1")
		require.NoError(t, err)
		assert.Equal(t, 0, owner)

		owner, err = n.coordinator.FindNodeOwningChannel(ctx, "chan-1")
		require.NoError(t, err)
		assert.Equal(t, 0, owner)
	})

	t.Run("remote ownership resolves over the bus", func(t *testing.T) {
		mem := store.NewMemory()
		n0 := newNode(t, mem, 0, true)
		n1 := newNode(t, mem, 1, true)
		n1.directory.Assign("guild-1", "chan-1")

		owner, err := n0.coordinator.FindNodeOwningChannel(ctx, "chan-1")
		require.NoError(t, err)
		assert.Equal(t, 1, owner)

		owner, err = n0.coordinator.FindNodeOwningGuild(ctx, "guild-1")
		require.NoError(t, err)
		assert.Equal(t, 1, owner)
	})

	t.Run("unowned target fails with a routing error", func(t *testing.T) {
		mem := store.NewMemory()
		n0 := newNode(t, mem, 0, true)

		_, err := n0.coordinator.FindNodeOwningChannel(ctx, "chan-nowhere")
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeRoutingFailure, errors.GetCode(err))
	})
}

func TestCoordinatorWebhookRouting(t *testing.T) {
	ctx := context.Background()

	t.Run("locally owned channel sends directly", func(t *testing.T) {
		mem := store.NewMemory()
		n := newNode(t, mem, 0, false)
		n.directory.Assign("guild-1", "chan-1")

		err := n.coordinator.SendWebhookMessage(ctx, "chan-1", "https://discord.com/api/webhooks/1/token", "hello", nil)
		require.NoError(t, err)

		require.Equal(t, 1, n.sender.count())
		assert.Equal(t, "hello", n.sender.last().Content)
	})

	t.Run("remote channel routes to the owning node", func(t *testing.T) {
		mem := store.NewMemory()
		n0 := newNode(t, mem, 0, true)
		n1 := newNode(t, mem, 1, true)
		n1.directory.Assign("guild-1", "chan-1")

		err := n0.coordinator.SendWebhookMessage(ctx, "chan-1", "https://discord.com/api/webhooks/1/token", "routed hello", nil)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return n1.sender.count() == 1
		}, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, "routed hello", n1.sender.last().Content)
		assert.Equal(t, 0, n0.sender.count())
	})
}

func TestCoordinatorHeartbeats(t *testing.T) {
	ctx := context.Background()

	t.Run("peers learn each other from heartbeats", func(t *testing.T) {
		mem := store.NewMemory()
		n0 := newNode(t, mem, 0, true)
		n1 := newNode(t, mem, 1, true)
		n1.directory.Assign("guild-1", "chan-1")

		hb := model.Heartbeat{NodeID: 1, IsLeader: false, Guilds: n1.directory.GuildCount()}
		require.NoError(t, n1.coordinator.SendToAll(ctx, model.MsgHeartbeat, hb))

		require.Eventually(t, func() bool {
			return len(n0.coordinator.Peers()) == 1
		}, 2*time.Second, 10*time.Millisecond)

		peer := n0.coordinator.Peers()[0]
		assert.Equal(t, 1, peer.NodeID)
		assert.Equal(t, 1, peer.Guilds)
	})

	t.Run("a node does not list itself from its own broadcast", func(t *testing.T) {
		mem := store.NewMemory()
		n0 := newNode(t, mem, 0, true)

		hb := model.Heartbeat{NodeID: 0}
		require.NoError(t, n0.coordinator.SendToAll(ctx, model.MsgHeartbeat, hb))

		time.Sleep(50 * time.Millisecond)
		assert.Empty(t, n0.coordinator.Peers())
	})
}

func TestCoordinatorAnnouncements(t *testing.T) {
	ctx := context.Background()

	t.Run("lifecycle announcements are delivered and dropped quietly", func(t *testing.T) {
		mem := store.NewMemory()
		n0 := newNode(t, mem, 0, true)
		n1 := newNode(t, mem, 1, true)

		n0.coordinator.AnnounceMatched(ctx, model.CallAnnouncement{
			CallID:   "call-1",
			Channels: [2]string{"chan-1", "chan-2"},
		})
		n0.coordinator.AnnounceEnded(ctx, model.CallAnnouncement{
			CallID:   "call-1",
			Channels: [2]string{"chan-1", "chan-2"},
			Reason:   "left",
		})

		// announcements are informational; nothing to assert beyond the
		// receiving node staying healthy
		time.Sleep(50 * time.Millisecond)
		assert.Empty(t, n1.sender.sends)
	})
}
