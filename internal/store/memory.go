package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process SharedStore used by tests. All operations take
// one mutex, which gives the same all-or-nothing visibility the Redis
// scripts provide. TTLs are checked lazily against the clock, which tests
// may override.
type Memory struct {
	mu      sync.Mutex
	ordered map[string]float64 // channelID -> score
	data    map[string][]byte  // channelID -> request body
	index   map[string]string  // requestID -> channelID
	expires map[string]time.Time
	values  map[string]string // lease and marker values
	calls   map[string][]byte
	hits    map[string][]time.Time
	subs    map[string][]*memorySubscription

	// Now substitutes the clock in tests; defaults to time.Now.
	Now func() time.Time
}

var _ SharedStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		ordered: make(map[string]float64),
		data:    make(map[string][]byte),
		index:   make(map[string]string),
		expires: make(map[string]time.Time),
		values:  make(map[string]string),
		calls:   make(map[string][]byte),
		hits:    make(map[string][]time.Time),
		subs:    make(map[string][]*memorySubscription),
		Now:     time.Now,
	}
}

func (m *Memory) Enqueue(_ context.Context, channelID, requestID string, score float64, data []byte, maxLen int64) (EnqueueStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.data[channelID]; ok {
		return EnqueueDuplicate, nil
	}
	if int64(len(m.ordered)) >= maxLen {
		return EnqueueFull, nil
	}

	m.ordered[channelID] = score
	m.data[channelID] = append([]byte(nil), data...)
	m.index[requestID] = channelID
	return EnqueueOK, nil
}

func (m *Memory) Remove(_ context.Context, channelID, requestID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(channelID, requestID), nil
}

func (m *Memory) removeLocked(channelID, requestID string) bool {
	_, existed := m.ordered[channelID]
	delete(m.ordered, channelID)
	delete(m.data, channelID)
	if requestID != "" {
		delete(m.index, requestID)
	}
	return existed
}

func (m *Memory) RemovePair(_ context.Context, a, b PairMember) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ordered[a.ChannelID]; !ok {
		return false, nil
	}
	if _, ok := m.ordered[b.ChannelID]; !ok {
		return false, nil
	}
	m.removeLocked(a.ChannelID, a.RequestID)
	m.removeLocked(b.ChannelID, b.RequestID)
	return true, nil
}

func (m *Memory) ResolveRequest(_ context.Context, requestID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	channelID, ok := m.index[requestID]
	return channelID, ok, nil
}

func (m *Memory) Rank(_ context.Context, channelID string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	score, ok := m.ordered[channelID]
	if !ok {
		return 0, false, nil
	}

	var rank int64
	for member, s := range m.ordered {
		if s < score || (s == score && member < channelID) {
			rank++
		}
	}
	return rank, true, nil
}

func (m *Memory) Contains(_ context.Context, channelID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[channelID]
	return ok, nil
}

func (m *Memory) QueueLen(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.ordered)), nil
}

func (m *Memory) Entries(_ context.Context) ([]QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entriesLocked(func(float64) bool { return true }), nil
}

func (m *Memory) ExpiredEntries(_ context.Context, cutoff float64) ([]QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entriesLocked(func(score float64) bool { return score <= cutoff }), nil
}

func (m *Memory) entriesLocked(keep func(float64) bool) []QueueEntry {
	entries := make([]QueueEntry, 0, len(m.ordered))
	for channelID, score := range m.ordered {
		if !keep(score) {
			continue
		}
		entries = append(entries, QueueEntry{
			ChannelID: channelID,
			Score:     score,
			Data:      append([]byte(nil), m.data[channelID]...),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score < entries[j].Score
		}
		return entries[i].ChannelID < entries[j].ChannelID
	})
	return entries
}

func (m *Memory) expiredLocked(key string) bool {
	deadline, ok := m.expires[key]
	if !ok {
		return false
	}
	if m.Now().After(deadline) {
		delete(m.expires, key)
		delete(m.values, key)
		return true
	}
	return false
}

func (m *Memory) AcquireLease(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expiredLocked(key)
	if _, held := m.values[key]; held {
		return false, nil
	}
	m.values[key] = owner
	m.expires[key] = m.Now().Add(ttl)
	return true, nil
}

func (m *Memory) RenewLease(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expiredLocked(key)
	if m.values[key] != owner {
		return false, nil
	}
	m.expires[key] = m.Now().Add(ttl)
	return true, nil
}

func (m *Memory) ReleaseLease(_ context.Context, key, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expiredLocked(key)
	if m.values[key] != owner {
		return false, nil
	}
	delete(m.values, key)
	delete(m.expires, key)
	return true, nil
}

func (m *Memory) LeaseOwner(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expiredLocked(key)
	owner, ok := m.values[key]
	return owner, ok, nil
}

func (m *Memory) SetMarker(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = "1"
	m.expires[key] = m.Now().Add(ttl)
	return nil
}

func (m *Memory) HasMarker(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expiredLocked(key)
	_, ok := m.values[key]
	return ok, nil
}

func (m *Memory) PutCall(_ context.Context, callID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[callID] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) GetCall(_ context.Context, callID string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.calls[callID]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

func (m *Memory) DeleteCall(_ context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.calls, callID)
	return nil
}

func (m *Memory) ListCalls(_ context.Context) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	calls := make(map[string][]byte, len(m.calls))
	for id, data := range m.calls {
		calls[id] = append([]byte(nil), data...)
	}
	return calls, nil
}

func (m *Memory) AllowRate(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	cutoff := now.Add(-window)

	live := m.hits[key][:0]
	for _, hit := range m.hits[key] {
		if hit.After(cutoff) {
			live = append(live, hit)
		}
	}

	if len(live) >= limit {
		m.hits[key] = live
		return false, nil
	}

	m.hits[key] = append(live, now)
	return true, nil
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	subs := append([]*memorySubscription(nil), m.subs[channel]...)
	m.mu.Unlock()

	msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
	for _, sub := range subs {
		sub.deliver(msg)
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	sub := &memorySubscription{
		store:    m,
		channels: channels,
		out:      make(chan Message, 100),
	}

	m.mu.Lock()
	for _, ch := range channels {
		m.subs[ch] = append(m.subs[ch], sub)
	}
	m.mu.Unlock()

	return sub, nil
}

type memorySubscription struct {
	store    *Memory
	channels []string
	out      chan Message
	mu       sync.Mutex
	closed   bool
}

func (s *memorySubscription) deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- msg:
	default:
		// subscriber buffer full, drop the message (at-most-once)
	}
}

func (s *memorySubscription) Messages() <-chan Message {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.store.mu.Lock()
	for _, ch := range s.channels {
		subs := s.store.subs[ch]
		for i, sub := range subs {
			if sub == s {
				s.store.subs[ch] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	s.store.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}
