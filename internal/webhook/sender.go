package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

// Sender posts a message into a channel through its webhook. This is the
// only way messages leave the system.
type Sender interface {
	Send(ctx context.Context, webhookURL, content string, components json.RawMessage) error
}

// Payload is the wire shape of an outbound webhook message.
type Payload struct {
	Content    string          `json:"content"`
	Components json.RawMessage `json:"components,omitempty"`
}

// HTTPSender delivers webhook messages over HTTPS.
type HTTPSender struct {
	client *http.Client
}

var _ Sender = (*HTTPSender)(nil)

func NewHTTPSender(timeout time.Duration) *HTTPSender {
	return &HTTPSender{
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (s *HTTPSender) Send(ctx context.Context, webhookURL, content string, components json.RawMessage) error {
	if !isValidWebhookURL(webhookURL) {
		log.Warn().Str("url", webhookURL).Msg("invalid webhook URL rejected")
		return fmt.Errorf("invalid webhook URL")
	}

	body, err := json.Marshal(Payload{Content: content, Components: components})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		log.Error().
			Err(err).
			Dur("elapsed", elapsed).
			Msg("webhook send error")
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Error().
			Int("status", resp.StatusCode).
			Dur("elapsed", elapsed).
			Msg("webhook send rejected")
		return fmt.Errorf("webhook send failed with status %d", resp.StatusCode)
	}

	log.Debug().
		Int("status", resp.StatusCode).
		Dur("elapsed", elapsed).
		Msg("webhook message sent")

	return nil
}

func isValidWebhookURL(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return parsed.Scheme == "https" && parsed.Hostname() != ""
}
