package webhook

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidWebhookURL(t *testing.T) {
	tests := []struct {
		name  string
		url   string
		valid bool
	}{
		{"discord webhook", "https://discord.com/api/webhooks/123/token", true},
		{"any https host", "https://example.com/hook", true},
		{"plain http rejected", "http://discord.com/api/webhooks/123/token", false},
		{"missing host", "https://", false},
		{"not a url", "::::", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, isValidWebhookURL(tt.url))
		})
	}
}

func TestHTTPSenderRejectsInvalidURL(t *testing.T) {
	sender := NewHTTPSender(time.Second)

	err := sender.Send(context.Background(), "http://insecure.example.com/hook", "hello", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid webhook URL")
}
