package store

import (
	"context"
	"time"
)

// EnqueueStatus is the outcome of an atomic queue insert.
type EnqueueStatus int

const (
	EnqueueOK EnqueueStatus = iota
	EnqueueDuplicate
	EnqueueFull
)

// QueueEntry is one member of the ordered queue, cheapest-score first.
type QueueEntry struct {
	ChannelID string
	Score     float64
	Data      []byte
}

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub subscription. Close stops delivery and
// closes the Messages channel.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// SharedStore is the single place of shared mutable state between cluster
// nodes. Every multi-key mutation is atomic: concurrent callers see either
// all of a mutation or none of it. Implementations: Redis for production,
// Memory for tests.
type SharedStore interface {
	// Enqueue inserts a request into the ordered set, the request-body
	// hash and the requestID reverse index in one atomic step. It reports
	// EnqueueDuplicate if the channel is already queued and EnqueueFull
	// if the queue holds maxLen entries or more.
	Enqueue(ctx context.Context, channelID, requestID string, score float64, data []byte, maxLen int64) (EnqueueStatus, error)

	// Remove deletes a request from all three structures. It returns
	// false when the channel was not queued (idempotent). When requestID
	// is non-empty it is removed from the reverse index regardless.
	Remove(ctx context.Context, channelID, requestID string) (bool, error)

	// RemovePair deletes two queued requests atomically: both are removed
	// or, if either is already gone, neither is touched.
	RemovePair(ctx context.Context, a, b PairMember) (bool, error)

	// ResolveRequest maps a requestID back to its channelID.
	ResolveRequest(ctx context.Context, requestID string) (string, bool, error)

	// Rank returns the 0-based position of a queued channel.
	Rank(ctx context.Context, channelID string) (int64, bool, error)

	// Contains reports queue membership in O(1).
	Contains(ctx context.Context, channelID string) (bool, error)

	// QueueLen returns the number of queued requests.
	QueueLen(ctx context.Context) (int64, error)

	// Entries materializes the whole queue in score order. O(n); callers
	// are expected to run on a bounded interval, not per request.
	Entries(ctx context.Context) ([]QueueEntry, error)

	// ExpiredEntries returns entries whose score is at or below cutoff.
	ExpiredEntries(ctx context.Context, cutoff float64) ([]QueueEntry, error)

	// AcquireLease claims a TTL lease key iff it is currently unheld.
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// RenewLease extends the lease iff owner still holds it.
	RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// ReleaseLease drops the lease iff owner holds it.
	ReleaseLease(ctx context.Context, key, owner string) (bool, error)

	// LeaseOwner returns the current holder, if any.
	LeaseOwner(ctx context.Context, key string) (string, bool, error)

	// SetMarker writes a bare TTL marker key.
	SetMarker(ctx context.Context, key string, ttl time.Duration) error

	// HasMarker reports whether a marker is still live.
	HasMarker(ctx context.Context, key string) (bool, error)

	// PutCall stores a serialized active call record.
	PutCall(ctx context.Context, callID string, data []byte) error

	// GetCall loads a call record.
	GetCall(ctx context.Context, callID string) ([]byte, bool, error)

	// DeleteCall evicts a call record.
	DeleteCall(ctx context.Context, callID string) error

	// ListCalls returns every stored call record keyed by call ID.
	ListCalls(ctx context.Context) (map[string][]byte, error)

	// AllowRate checks a sliding-window rate limit and records the hit
	// when allowed.
	AllowRate(ctx context.Context, key string, limit int, window time.Duration) (bool, error)

	// Publish sends a payload to every subscriber of a channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens a subscription on the given channels.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}

// PairMember identifies one queued request for RemovePair.
type PairMember struct {
	ChannelID string
	RequestID string
}

// Queue key layout shared by implementations.
const (
	KeyQueueOrdered      = "queue:ordered"
	KeyQueueData         = "queue:data"
	KeyQueueRequestIndex = "queue:requestIndex"
	KeyLeaderLease       = "leader:lease"
	KeyCallsData         = "calls:data"
)
