package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	redisclient "github.com/openclaw/callbridge/internal/redis"
)

// enqueueScript inserts into all three queue structures in one step, after
// the duplicate and capacity checks. Returns 0=ok, 1=duplicate, 2=full.
var enqueueScript = goredis.NewScript(`
local channelId = ARGV[1]
local requestId = ARGV[2]
local score = tonumber(ARGV[3])
local body = ARGV[4]
local maxLen = tonumber(ARGV[5])

if redis.call('HEXISTS', KEYS[2], channelId) == 1 then
    return 1
end
if redis.call('ZCARD', KEYS[1]) >= maxLen then
    return 2
end

redis.call('ZADD', KEYS[1], score, channelId)
redis.call('HSET', KEYS[2], channelId, body)
redis.call('HSET', KEYS[3], requestId, channelId)
return 0
`)

// removeScript deletes one request from all three structures. Returns the
// number of ordered-set members removed (0 when already absent).
var removeScript = goredis.NewScript(`
local channelId = ARGV[1]
local requestId = ARGV[2]

local removed = redis.call('ZREM', KEYS[1], channelId)
redis.call('HDEL', KEYS[2], channelId)
if requestId ~= '' then
    redis.call('HDEL', KEYS[3], requestId)
end
return removed
`)

// removePairScript removes two requests only when both are still queued.
// This is what keeps a brief dual-leader window from double-matching: only
// one scan's removal of a given pair can succeed.
var removePairScript = goredis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) == false then
    return 0
end
if redis.call('ZSCORE', KEYS[1], ARGV[3]) == false then
    return 0
end

redis.call('ZREM', KEYS[1], ARGV[1], ARGV[3])
redis.call('HDEL', KEYS[2], ARGV[1], ARGV[3])
redis.call('HDEL', KEYS[3], ARGV[2], ARGV[4])
return 1
`)

// renewLeaseScript extends a lease only for its current owner.
var renewLeaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
    return 1
end
return 0
`)

// releaseLeaseScript drops a lease only for its current owner.
var releaseLeaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    redis.call('DEL', KEYS[1])
    return 1
end
return 0
`)

// rateLimitScript is a sliding window limiter: trims hits outside the
// window, rejects at the limit, records the hit otherwise.
var rateLimitScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

if redis.call('ZCARD', key) >= limit then
    return 0
end

redis.call('ZADD', key, now, now .. '-' .. math.random())
redis.call('PEXPIRE', key, window + 1000)
return 1
`)

// Redis implements SharedStore on go-redis.
type Redis struct {
	client *redisclient.Client
}

var _ SharedStore = (*Redis)(nil)

func NewRedis(client *redisclient.Client) *Redis {
	return &Redis{client: client}
}

func (s *Redis) Enqueue(ctx context.Context, channelID, requestID string, score float64, data []byte, maxLen int64) (EnqueueStatus, error) {
	keys := []string{KeyQueueOrdered, KeyQueueData, KeyQueueRequestIndex}
	res, err := enqueueScript.Run(ctx, s.client, keys,
		channelID, requestID, strconv.FormatFloat(score, 'f', -1, 64), data, maxLen).Int()
	if err != nil {
		return EnqueueOK, fmt.Errorf("enqueue script: %w", err)
	}
	switch res {
	case 1:
		return EnqueueDuplicate, nil
	case 2:
		return EnqueueFull, nil
	default:
		return EnqueueOK, nil
	}
}

func (s *Redis) Remove(ctx context.Context, channelID, requestID string) (bool, error) {
	keys := []string{KeyQueueOrdered, KeyQueueData, KeyQueueRequestIndex}
	removed, err := removeScript.Run(ctx, s.client, keys, channelID, requestID).Int()
	if err != nil {
		return false, fmt.Errorf("remove script: %w", err)
	}
	return removed > 0, nil
}

func (s *Redis) RemovePair(ctx context.Context, a, b PairMember) (bool, error) {
	keys := []string{KeyQueueOrdered, KeyQueueData, KeyQueueRequestIndex}
	removed, err := removePairScript.Run(ctx, s.client, keys,
		a.ChannelID, a.RequestID, b.ChannelID, b.RequestID).Int()
	if err != nil {
		return false, fmt.Errorf("remove pair script: %w", err)
	}
	return removed == 1, nil
}

func (s *Redis) ResolveRequest(ctx context.Context, requestID string) (string, bool, error) {
	channelID, err := s.client.HGet(ctx, KeyQueueRequestIndex, requestID).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve request: %w", err)
	}
	return channelID, true, nil
}

func (s *Redis) Rank(ctx context.Context, channelID string) (int64, bool, error) {
	rank, err := s.client.ZRank(ctx, KeyQueueOrdered, channelID).Result()
	if err == goredis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("rank: %w", err)
	}
	return rank, true, nil
}

func (s *Redis) Contains(ctx context.Context, channelID string) (bool, error) {
	exists, err := s.client.HExists(ctx, KeyQueueData, channelID).Result()
	if err != nil {
		return false, fmt.Errorf("contains: %w", err)
	}
	return exists, nil
}

func (s *Redis) QueueLen(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, KeyQueueOrdered).Result()
	if err != nil {
		return 0, fmt.Errorf("queue len: %w", err)
	}
	return n, nil
}

func (s *Redis) Entries(ctx context.Context) ([]QueueEntry, error) {
	members, err := s.client.ZRangeWithScores(ctx, KeyQueueOrdered, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("entries: %w", err)
	}
	return s.hydrate(ctx, members)
}

func (s *Redis) ExpiredEntries(ctx context.Context, cutoff float64) ([]QueueEntry, error) {
	members, err := s.client.ZRangeByScoreWithScores(ctx, KeyQueueOrdered, &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(cutoff, 'f', -1, 64),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("expired entries: %w", err)
	}
	return s.hydrate(ctx, members)
}

func (s *Redis) hydrate(ctx context.Context, members []goredis.Z) ([]QueueEntry, error) {
	if len(members) == 0 {
		return nil, nil
	}

	fields := make([]string, len(members))
	for i, m := range members {
		fields[i] = m.Member.(string)
	}

	bodies, err := s.client.HMGet(ctx, KeyQueueData, fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("hydrate queue entries: %w", err)
	}

	entries := make([]QueueEntry, 0, len(members))
	for i, m := range members {
		body, ok := bodies[i].(string)
		if !ok {
			// Entry removed between the range read and the hash read;
			// the next scan will not see it either.
			continue
		}
		entries = append(entries, QueueEntry{
			ChannelID: fields[i],
			Score:     m.Score,
			Data:      []byte(body),
		})
	}
	return entries, nil
}

func (s *Redis) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return ok, nil
}

func (s *Redis) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := renewLeaseScript.Run(ctx, s.client, []string{key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return res == 1, nil
}

func (s *Redis) ReleaseLease(ctx context.Context, key, owner string) (bool, error) {
	res, err := releaseLeaseScript.Run(ctx, s.client, []string{key}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("release lease: %w", err)
	}
	return res == 1, nil
}

func (s *Redis) LeaseOwner(ctx context.Context, key string) (string, bool, error) {
	owner, err := s.client.Get(ctx, key).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lease owner: %w", err)
	}
	return owner, true, nil
}

func (s *Redis) SetMarker(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("set marker: %w", err)
	}
	return nil
}

func (s *Redis) HasMarker(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("has marker: %w", err)
	}
	return n > 0, nil
}

func (s *Redis) PutCall(ctx context.Context, callID string, data []byte) error {
	if err := s.client.HSet(ctx, KeyCallsData, callID, data).Err(); err != nil {
		return fmt.Errorf("put call: %w", err)
	}
	return nil
}

func (s *Redis) GetCall(ctx context.Context, callID string) ([]byte, bool, error) {
	data, err := s.client.HGet(ctx, KeyCallsData, callID).Result()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get call: %w", err)
	}
	return []byte(data), true, nil
}

func (s *Redis) DeleteCall(ctx context.Context, callID string) error {
	if err := s.client.HDel(ctx, KeyCallsData, callID).Err(); err != nil {
		return fmt.Errorf("delete call: %w", err)
	}
	return nil
}

func (s *Redis) ListCalls(ctx context.Context) (map[string][]byte, error) {
	raw, err := s.client.HGetAll(ctx, KeyCallsData).Result()
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	calls := make(map[string][]byte, len(raw))
	for id, data := range raw {
		calls[id] = []byte(data)
	}
	return calls, nil
}

func (s *Redis) AllowRate(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	fullKey := fmt.Sprintf("ratelimit:%s", key)
	res, err := rateLimitScript.Run(ctx, s.client, []string{fullKey},
		time.Now().UnixMilli(), window.Milliseconds(), limit).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit script: %w", err)
	}
	return res == 1, nil
}

func (s *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (s *Redis) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan Message, 100),
	}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	pubsub *goredis.PubSub
	out    chan Message
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.pubsub.Channel() {
		s.out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
	}
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.out
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
