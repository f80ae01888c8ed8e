package match

import (
	"context"
	"time"

	"github.com/openclaw/callbridge/internal/model"
	"github.com/openclaw/callbridge/internal/store"
)

// RecentCache remembers which initiator pairs matched recently so the
// engine does not immediately re-pair them. Entries expire on their own;
// nothing is ever cleaned up explicitly.
type RecentCache struct {
	store store.SharedStore
	ttl   time.Duration
}

func NewRecentCache(s store.SharedStore, ttl time.Duration) *RecentCache {
	return &RecentCache{store: s, ttl: ttl}
}

// Record marks a pair as recently matched.
func (c *RecentCache) Record(ctx context.Context, initiatorA, initiatorB string) error {
	return c.store.SetMarker(ctx, model.RecentMatchKey(initiatorA, initiatorB), c.ttl)
}

// Matched reports whether the pair matched within the TTL. Argument order
// does not matter.
func (c *RecentCache) Matched(ctx context.Context, initiatorA, initiatorB string) (bool, error) {
	return c.store.HasMarker(ctx, model.RecentMatchKey(initiatorA, initiatorB))
}
