package events

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/callbridge/internal/model"
)

// EndReason says why a call ended.
type EndReason string

const (
	EndReasonLeft    EndReason = "left"
	EndReasonTimeout EndReason = "timeout"
	EndReasonError   EndReason = "error"
)

// Handler receives call lifecycle events. One method per variant keeps the
// set of events closed: adding a variant breaks every handler at compile
// time instead of silently dropping it.
type Handler interface {
	HandleQueued(req model.CallRequest, status model.QueueStatus)
	HandleMatched(call model.ActiveCall)
	HandleExpired(req model.CallRequest)
	HandleEnded(call model.ActiveCall, reason EndReason)
}

// Bus fans lifecycle events out to registered handlers, in process.
// Handlers run synchronously on the emitting goroutine; a panicking
// handler is recovered and logged so one subscriber cannot take down the
// emitter.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *Bus) EmitQueued(req model.CallRequest, status model.QueueStatus) {
	b.each(func(h Handler) { h.HandleQueued(req, status) })
}

func (b *Bus) EmitMatched(call model.ActiveCall) {
	b.each(func(h Handler) { h.HandleMatched(call) })
}

func (b *Bus) EmitExpired(req model.CallRequest) {
	b.each(func(h Handler) { h.HandleExpired(req) })
}

func (b *Bus) EmitEnded(call model.ActiveCall, reason EndReason) {
	b.each(func(h Handler) { h.HandleEnded(call, reason) })
}

func (b *Bus) each(fn func(Handler)) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("event handler panicked")
				}
			}()
			fn(h)
		}()
	}
}
