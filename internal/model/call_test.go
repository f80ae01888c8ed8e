package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallRequestScore(t *testing.T) {
	t.Run("equal priority keeps FIFO order", func(t *testing.T) {
		earlier := CallRequest{Timestamp: 1000}
		later := CallRequest{Timestamp: 2000}
		assert.Less(t, earlier.Score(1000), later.Score(1000))
	})

	t.Run("higher priority sorts ahead of earlier arrivals", func(t *testing.T) {
		plain := CallRequest{Timestamp: 1000}
		boosted := CallRequest{Timestamp: 1500, Priority: 5}
		assert.Less(t, boosted.Score(1000), plain.Score(1000))
	})
}

func TestRecentMatchKey(t *testing.T) {
	t.Run("argument order does not change the key", func(t *testing.T) {
		assert.Equal(t, RecentMatchKey("user-1", "user-2"), RecentMatchKey("user-2", "user-1"))
	})
}

func TestCallStatus(t *testing.T) {
	t.Run("active status carries no end time", func(t *testing.T) {
		status := ActiveStatus()
		assert.False(t, status.Ended())
		assert.Nil(t, status.EndTime)
	})

	t.Run("ended status always carries its end time", func(t *testing.T) {
		now := time.Now()
		status := EndedStatus(now)
		assert.True(t, status.Ended())
		require.NotNil(t, status.EndTime)
		assert.Equal(t, now, *status.EndTime)
	})
}

func TestActiveCallLookup(t *testing.T) {
	call := ActiveCall{
		Participants: [2]CallParticipant{
			{ChannelID: "chan-1"},
			{ChannelID: "chan-2"},
		},
	}

	t.Run("participant lookup by channel", func(t *testing.T) {
		p := call.ParticipantFor("chan-1")
		require.NotNil(t, p)
		assert.Equal(t, "chan-1", p.ChannelID)

		assert.Nil(t, call.ParticipantFor("chan-3"))
	})

	t.Run("peer is always the other side", func(t *testing.T) {
		peer := call.PeerOf("chan-1")
		require.NotNil(t, peer)
		assert.Equal(t, "chan-2", peer.ChannelID)

		peer = call.PeerOf("chan-2")
		require.NotNil(t, peer)
		assert.Equal(t, "chan-1", peer.ChannelID)

		assert.Nil(t, call.PeerOf("chan-3"))
	})
}
