package model

import (
	"fmt"
	"time"
)

type CallState string

const (
	CallStateActive CallState = "ACTIVE"
	CallStateEnded  CallState = "ENDED"
)

// CallStatus is a two-variant status: either the call is active, or it
// ended at a known time. An ended call without an end time is
// unrepresentable.
type CallStatus struct {
	State   CallState  `json:"state"`
	EndTime *time.Time `json:"endTime,omitempty"`
}

func ActiveStatus() CallStatus {
	return CallStatus{State: CallStateActive}
}

func EndedStatus(endTime time.Time) CallStatus {
	return CallStatus{State: CallStateEnded, EndTime: &endTime}
}

func (s CallStatus) Ended() bool {
	return s.State == CallStateEnded
}

// CallParticipant is one side of an active call.
type CallParticipant struct {
	ChannelID    string              `json:"channelId"`
	GuildID      string              `json:"guildId"`
	WebhookURL   string              `json:"webhookUrl"`
	Users        map[string]struct{} `json:"users"`
	MessageCount int                 `json:"messageCount"`
	JoinedAt     time.Time           `json:"joinedAt"`
	LeftAt       *time.Time          `json:"leftAt,omitempty"`
}

// ActiveCall is a live bridge between exactly two channels.
type ActiveCall struct {
	ID           string             `json:"id"`
	Participants [2]CallParticipant `json:"participants"`
	StartTime    time.Time          `json:"startTime"`
	InitiatorID  string             `json:"initiatorId"` // audit only
	Status       CallStatus         `json:"status"`
}

// ParticipantFor returns the participant for the given channel, or nil.
func (c *ActiveCall) ParticipantFor(channelID string) *CallParticipant {
	for i := range c.Participants {
		if c.Participants[i].ChannelID == channelID {
			return &c.Participants[i]
		}
	}
	return nil
}

// PeerOf returns the other side of the call, or nil if channelID is not a
// participant.
func (c *ActiveCall) PeerOf(channelID string) *CallParticipant {
	for i := range c.Participants {
		if c.Participants[i].ChannelID != channelID {
			continue
		}
		return &c.Participants[1-i]
	}
	return nil
}

// NewParticipant builds a participant from the request that queued it.
func NewParticipant(req CallRequest, joinedAt time.Time) CallParticipant {
	return CallParticipant{
		ChannelID:  req.ChannelID,
		GuildID:    req.GuildID,
		WebhookURL: req.WebhookURL,
		Users:      map[string]struct{}{req.InitiatorID: {}},
		JoinedAt:   joinedAt,
	}
}

// MatchResult is the outcome of one matching attempt. Matched=false
// implies Call is nil.
type MatchResult struct {
	Matched   bool        `json:"matched"`
	Call      *ActiveCall `json:"call,omitempty"`
	MatchTime *time.Time  `json:"matchTime,omitempty"`
}

func NoMatch() MatchResult {
	return MatchResult{Matched: false}
}

// RecentMatchKey is the canonical (sorted) key for a pair of initiators,
// so the order of arguments never produces two different markers.
func RecentMatchKey(initiatorA, initiatorB string) string {
	if initiatorB < initiatorA {
		initiatorA, initiatorB = initiatorB, initiatorA
	}
	return fmt.Sprintf("recentMatch:%s:%s", initiatorA, initiatorB)
}
