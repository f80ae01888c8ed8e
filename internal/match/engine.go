package match

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/callbridge/internal/errors"
	"github.com/openclaw/callbridge/internal/events"
	"github.com/openclaw/callbridge/internal/model"
	"github.com/openclaw/callbridge/internal/queue"
	"github.com/openclaw/callbridge/internal/store"
)

const maxDurationSamples = 100

// Leadership reports whether this node currently runs the matching loop.
// Checked fresh at the top of every tick, never cached, since leadership
// can change between ticks.
type Leadership interface {
	IsLeader(ctx context.Context) bool
}

// Broadcaster announces call lifecycle transitions to the other nodes.
type Broadcaster interface {
	AnnounceMatched(ctx context.Context, ann model.CallAnnouncement)
	AnnounceEnded(ctx context.Context, ann model.CallAnnouncement)
}

// Recorder persists ended calls for auditing. Metadata only.
type Recorder interface {
	Record(ctx context.Context, call model.ActiveCall, reason string) error
}

// Stats is a point-in-time snapshot of per-node matching metrics. Not
// authoritative state; it resets with the process.
type Stats struct {
	Attempts       int64           `json:"attempts"`
	Matches        int64           `json:"matches"`
	SuccessRatio   float64         `json:"successRatio"`
	RecentDuration []time.Duration `json:"-"`
}

// Engine pairs compatible queued requests into active calls. The scan
// loop runs only on the elected leader; FindMatch and EndCall work on any
// node.
type Engine struct {
	queue     *queue.Manager
	recent    *RecentCache
	store     store.SharedStore
	bus       *events.Bus
	leader    Leadership
	broadcast Broadcaster
	recorder  Recorder

	nodeID    int
	interval  time.Duration
	ageWindow time.Duration
	grace     time.Duration

	mu      sync.Mutex
	running bool
	done    chan struct{}

	statsMu   sync.Mutex
	attempts  int64
	matches   int64
	durations []time.Duration
}

type EngineParams struct {
	Queue      *queue.Manager
	Recent     *RecentCache
	Store      store.SharedStore
	Bus        *events.Bus
	Leadership Leadership
	Broadcast  Broadcaster // optional
	Recorder   Recorder    // optional
	NodeID     int
	Interval   time.Duration
	AgeWindow  time.Duration
	Grace      time.Duration
}

func NewEngine(p EngineParams) *Engine {
	return &Engine{
		queue:     p.Queue,
		recent:    p.Recent,
		store:     p.Store,
		bus:       p.Bus,
		leader:    p.Leadership,
		broadcast: p.Broadcast,
		recorder:  p.Recorder,
		nodeID:    p.NodeID,
		interval:  p.Interval,
		ageWindow: p.AgeWindow,
		grace:     p.Grace,
	}
}

// Start begins the periodic scan. Idempotent.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.done = make(chan struct{})
	go e.run(e.done)
	log.Info().Dur("interval", e.interval).Msg("matching engine started")
}

// Stop halts the scan loop. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.running = false
	close(e.done)
	log.Info().Msg("matching engine stopped")
}

func (e *Engine) run(done chan struct{}) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), e.interval*2)
			e.Tick(ctx)
			cancel()
		}
	}
}

// Tick runs one leader-only scan: a single greedy pass over the pending
// queue, pairing each request with the first compatible partner further
// down the list. Not a global optimum; ordering already encodes priority
// and FIFO, and termination matters more than optimality.
func (e *Engine) Tick(ctx context.Context) {
	if !e.leader.IsLeader(ctx) {
		return
	}

	pending, err := e.queue.PendingRequests(ctx)
	if err != nil {
		log.Error().Err(err).Msg("matching scan skipped: pending read failed")
		return
	}

	processed := make(map[string]bool, len(pending))
	now := time.Now()

	for i := range pending {
		if processed[pending[i].ID] {
			continue
		}
		for j := i + 1; j < len(pending); j++ {
			if processed[pending[j].ID] {
				continue
			}

			ok, err := e.compatible(ctx, pending[i], pending[j], now)
			if err != nil {
				// this pair stays queued and is retried next tick
				log.Error().
					Err(err).
					Str("requestA", pending[i].ID).
					Str("requestB", pending[j].ID).
					Msg("compatibility check failed")
				continue
			}
			if !ok {
				continue
			}

			if _, matched := e.matchPair(ctx, pending[i], pending[j]); matched {
				processed[pending[i].ID] = true
				processed[pending[j].ID] = true
				break
			}
		}
	}
}

// FindMatch attempts to pair one request against the current queue and
// returns the outcome. Usable on any node.
func (e *Engine) FindMatch(ctx context.Context, req model.CallRequest) (model.MatchResult, error) {
	pending, err := e.queue.PendingRequests(ctx)
	if err != nil {
		return model.NoMatch(), err
	}

	now := time.Now()
	for _, candidate := range pending {
		if candidate.ChannelID == req.ChannelID {
			continue
		}

		ok, err := e.compatible(ctx, req, candidate, now)
		if err != nil {
			log.Error().
				Err(err).
				Str("requestId", req.ID).
				Str("candidateId", candidate.ID).
				Msg("compatibility check failed")
			continue
		}
		if !ok {
			continue
		}

		if call, matched := e.matchPair(ctx, req, candidate); matched {
			matchTime := call.StartTime
			return model.MatchResult{Matched: true, Call: call, MatchTime: &matchTime}, nil
		}
	}

	e.recordAttempt(false, 0)
	return model.NoMatch(), nil
}

// compatible applies the pairing rules in order; the first failing rule
// rejects the pair.
func (e *Engine) compatible(ctx context.Context, a, b model.CallRequest, now time.Time) (bool, error) {
	if a.GuildID == b.GuildID {
		return false, nil
	}
	if a.InitiatorID == b.InitiatorID {
		return false, nil
	}

	recent, err := e.recent.Matched(ctx, a.InitiatorID, b.InitiatorID)
	if err != nil {
		return false, errors.StoreUnavailable(err)
	}
	if recent {
		return false, nil
	}

	// Requests queued far apart do not pair, unless the older one has
	// waited past the grace threshold; that stops a thinning queue from
	// starving its oldest request.
	gap := time.Duration(abs64(a.Timestamp-b.Timestamp)) * time.Millisecond
	if gap <= e.ageWindow {
		return true, nil
	}

	older := a
	if b.Timestamp < a.Timestamp {
		older = b
	}
	return older.Age(now) >= e.grace, nil
}

// matchPair atomically removes both requests and creates the call. When
// the removal loses a race (cancellation, another leader) it reports
// false and nothing else happens.
func (e *Engine) matchPair(ctx context.Context, a, b model.CallRequest) (*model.ActiveCall, bool) {
	start := time.Now()

	removed, err := e.queue.RemoveMatchedPair(ctx, a, b)
	if err != nil {
		log.Error().
			Err(err).
			Str("requestA", a.ID).
			Str("requestB", b.ID).
			Msg("pair removal failed")
		e.recordAttempt(false, 0)
		return nil, false
	}
	if !removed {
		e.recordAttempt(false, 0)
		return nil, false
	}

	call := e.buildCall(a, b, start)

	body, err := json.Marshal(call)
	if err == nil {
		err = e.store.PutCall(ctx, call.ID, body)
	}
	if err != nil {
		// The requests are already dequeued; the call still proceeds, it
		// just is not visible through the store until the next update.
		log.Error().Err(err).Str("callId", call.ID).Msg("active call store write failed")
	}

	if err := e.recent.Record(ctx, a.InitiatorID, b.InitiatorID); err != nil {
		log.Warn().Err(err).Str("callId", call.ID).Msg("recent match record failed")
	}

	log.Info().
		Str("callId", call.ID).
		Str("channelA", a.ChannelID).
		Str("channelB", b.ChannelID).
		Dur("elapsed", time.Since(start)).
		Msg("call matched")

	e.recordAttempt(true, time.Since(start))
	e.bus.EmitMatched(call)

	if e.broadcast != nil {
		e.broadcast.AnnounceMatched(ctx, model.CallAnnouncement{
			CallID:   call.ID,
			Channels: [2]string{a.ChannelID, b.ChannelID},
		})
	}

	return &call, true
}

func (e *Engine) buildCall(a, b model.CallRequest, start time.Time) model.ActiveCall {
	return model.ActiveCall{
		ID: callID(start, e.nodeID),
		Participants: [2]model.CallParticipant{
			model.NewParticipant(a, start),
			model.NewParticipant(b, start),
		},
		StartTime:   start,
		InitiatorID: a.InitiatorID,
		Status:      model.ActiveStatus(),
	}
}

// EndCall transitions an active call to ended, evicts it from the shared
// store and records it for auditing.
func (e *Engine) EndCall(ctx context.Context, callID string, reason events.EndReason) (*model.ActiveCall, error) {
	data, ok, err := e.store.GetCall(ctx, callID)
	if err != nil {
		return nil, errors.StoreUnavailable(err)
	}
	if !ok {
		return nil, errors.NotFound("call")
	}

	var call model.ActiveCall
	if err := json.Unmarshal(data, &call); err != nil {
		return nil, errors.Internal("corrupt call record").WithCause(err)
	}

	now := time.Now()
	call.Status = model.EndedStatus(now)
	for i := range call.Participants {
		if call.Participants[i].LeftAt == nil {
			call.Participants[i].LeftAt = &now
		}
	}

	if err := e.store.DeleteCall(ctx, callID); err != nil {
		return nil, errors.StoreUnavailable(err)
	}

	if e.recorder != nil {
		if err := e.recorder.Record(ctx, call, string(reason)); err != nil {
			log.Error().Err(err).Str("callId", callID).Msg("call log write failed")
		}
	}

	log.Info().
		Str("callId", callID).
		Str("reason", string(reason)).
		Dur("duration", now.Sub(call.StartTime)).
		Msg("call ended")

	e.bus.EmitEnded(call, reason)

	if e.broadcast != nil {
		e.broadcast.AnnounceEnded(ctx, model.CallAnnouncement{
			CallID:   call.ID,
			Channels: [2]string{call.Participants[0].ChannelID, call.Participants[1].ChannelID},
			Reason:   string(reason),
		})
	}

	return &call, nil
}

// ActiveCalls lists the calls currently stored.
func (e *Engine) ActiveCalls(ctx context.Context) ([]model.ActiveCall, error) {
	raw, err := e.store.ListCalls(ctx)
	if err != nil {
		return nil, errors.StoreUnavailable(err)
	}

	calls := make([]model.ActiveCall, 0, len(raw))
	for id, data := range raw {
		var call model.ActiveCall
		if err := json.Unmarshal(data, &call); err != nil {
			log.Error().Err(err).Str("callId", id).Msg("corrupt call record, skipping")
			continue
		}
		calls = append(calls, call)
	}
	return calls, nil
}

func (e *Engine) recordAttempt(matched bool, d time.Duration) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	e.attempts++
	if matched {
		e.matches++
		e.durations = append(e.durations, d)
		if len(e.durations) > maxDurationSamples {
			e.durations = e.durations[len(e.durations)-maxDurationSamples:]
		}
	}
}

func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	s := Stats{
		Attempts:       e.attempts,
		Matches:        e.matches,
		RecentDuration: append([]time.Duration(nil), e.durations...),
	}
	if e.attempts > 0 {
		s.SuccessRatio = float64(e.matches) / float64(e.attempts)
	}
	return s
}

// callID builds a deterministic-format call identifier: start time, the
// matching node, and a random suffix.
func callID(start time.Time, nodeID int) string {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		// fall back to the nanosecond clock; collisions remain negligible
		return fmt.Sprintf("%d-%d-%x", start.UnixMilli(), nodeID, start.UnixNano()&0xffffffff)
	}
	return fmt.Sprintf("%d-%d-%s", start.UnixMilli(), nodeID, hex.EncodeToString(suffix))
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
