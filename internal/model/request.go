package model

import "time"

// CallRequest is one channel's intent to be paired with a channel from
// another community. At most one active request exists per channel.
type CallRequest struct {
	ID          string `json:"id"`
	ChannelID   string `json:"channelId"`
	GuildID     string `json:"guildId"`
	InitiatorID string `json:"initiatorId"`
	WebhookURL  string `json:"webhookUrl"`
	Timestamp   int64  `json:"timestamp"` // unix millis
	Priority    int    `json:"priority"`
}

// Score is the queue ordering key: earlier timestamps and higher priorities
// sort first. FIFO holds among requests of equal priority.
func (r CallRequest) Score(priorityWeight int) float64 {
	return float64(r.Timestamp - int64(r.Priority)*int64(priorityWeight))
}

// Age returns how long the request has been waiting.
func (r CallRequest) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(r.Timestamp))
}

// QueueStatus is a read-only view of a request's place in line,
// recomputed on demand and never stored.
type QueueStatus struct {
	Position    int64 `json:"position"` // 1-based
	QueueLength int64 `json:"queueLength"`
}
