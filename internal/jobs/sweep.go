package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/callbridge/internal/calllog"
	"github.com/openclaw/callbridge/internal/queue"
)

// Sweeper periodically expires stale queue entries and prunes old call
// log rows. It runs on every node; both passes are idempotent, so
// overlapping sweeps across nodes are harmless.
type Sweeper struct {
	queue     *queue.Manager
	callLog   calllog.Repository
	retention time.Duration
	interval  time.Duration
	done      chan struct{}
}

func NewSweeper(q *queue.Manager, callLog calllog.Repository, retention, interval time.Duration) *Sweeper {
	return &Sweeper{
		queue:     q,
		callLog:   callLog,
		retention: retention,
		interval:  interval,
		done:      make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	go s.run()
	log.Info().Dur("interval", s.interval).Msg("sweep job started")
}

func (s *Sweeper) Stop() {
	close(s.done)
	log.Info().Msg("sweep job stopped")
}

func (s *Sweeper) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.queue.SweepExpired(ctx, time.Now()); err != nil {
		log.Error().Err(err).Msg("queue expiry sweep failed")
	}

	if s.callLog != nil {
		count, err := s.callLog.DeleteOlderThan(ctx, time.Now().Add(-s.retention))
		if err != nil {
			log.Error().Err(err).Msg("call log prune failed")
		} else if count > 0 {
			log.Info().Int64("count", count).Msg("old call log rows pruned")
		}
	}
}
