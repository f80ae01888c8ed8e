package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/callbridge/internal/config"
	"github.com/openclaw/callbridge/internal/events"
	"github.com/openclaw/callbridge/internal/model"
	"github.com/openclaw/callbridge/internal/store"
)

// Router delivers a webhook message to whichever node owns the channel.
type Router interface {
	SendWebhookMessage(ctx context.Context, channelID, webhookURL, content string, components json.RawMessage) error
}

// Service turns call lifecycle events into channel notifications: one
// message per participant, each channel independently rate-limited. Every
// send is best-effort; the authoritative call state lives in the queue
// and call records, never in whether a notification arrived.
type Service struct {
	router Router
	store  store.SharedStore
	limit  int
	window time.Duration
}

var _ events.Handler = (*Service)(nil)

func NewService(router Router, s store.SharedStore, limitPerWindow int) *Service {
	return &Service{
		router: router,
		store:  s,
		limit:  limitPerWindow,
		window: config.NotifyWindow,
	}
}

func (s *Service) HandleQueued(req model.CallRequest, status model.QueueStatus) {
	content := fmt.Sprintf("You're in line for a call: position %d of %d.", status.Position, status.QueueLength)
	s.deliver(req.ChannelID, req.WebhookURL, content)
}

func (s *Service) HandleMatched(call model.ActiveCall) {
	for i := range call.Participants {
		p := call.Participants[i]
		s.deliver(p.ChannelID, p.WebhookURL,
			"Connected! You've been matched with a channel from another community. Say hi!")
	}
}

func (s *Service) HandleExpired(req model.CallRequest) {
	s.deliver(req.ChannelID, req.WebhookURL,
		"No match found in time. Your call request has expired; feel free to try again.")
}

func (s *Service) HandleEnded(call model.ActiveCall, reason events.EndReason) {
	content := "The call has ended."
	switch reason {
	case events.EndReasonTimeout:
		content = "The call timed out and has ended."
	case events.EndReasonError:
		content = "The call ended due to an error on the bridge."
	}

	for i := range call.Participants {
		p := call.Participants[i]
		s.deliver(p.ChannelID, p.WebhookURL, content)
	}
}

// deliver sends one notification, unless the channel is over its
// notification budget. Failures are logged and swallowed.
func (s *Service) deliver(channelID, webhookURL, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), config.WebhookTimeout+config.OwnershipQueryTimeout)
	defer cancel()

	allowed, err := s.store.AllowRate(ctx, "notify:"+channelID, s.limit, s.window)
	if err != nil {
		log.Warn().Err(err).Str("channelId", channelID).Msg("notification rate check failed, dropping")
		return
	}
	if !allowed {
		log.Warn().Str("channelId", channelID).Msg("notification rate limit hit, dropping")
		return
	}

	if err := s.router.SendWebhookMessage(ctx, channelID, webhookURL, content, nil); err != nil {
		log.Error().
			Err(err).
			Str("channelId", channelID).
			Msg("lifecycle notification failed")
	}
}
