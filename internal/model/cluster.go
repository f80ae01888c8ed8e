package model

import "encoding/json"

// MessageType enumerates the fixed set of inter-node commands. Nodes
// pattern-match on the type; executable payloads are never transmitted.
type MessageType string

const (
	MsgCallRequest        MessageType = "CALL_REQUEST"
	MsgCallMatched        MessageType = "CALL_MATCHED"
	MsgCallEnded          MessageType = "CALL_ENDED"
	MsgHeartbeat          MessageType = "HEARTBEAT"
	MsgSendWebhookMessage MessageType = "SEND_WEBHOOK_MESSAGE"
	MsgFindGuild          MessageType = "FIND_GUILD"
	MsgFindChannel        MessageType = "FIND_CHANNEL"
	MsgFindReply          MessageType = "FIND_REPLY"
)

// ClusterMessage is the inter-node envelope. A nil TargetNode means
// broadcast to all nodes except the sender.
type ClusterMessage struct {
	Type       MessageType     `json:"type"`
	Data       json.RawMessage `json:"data"`
	SourceNode int             `json:"sourceNode"`
	TargetNode *int            `json:"targetNode,omitempty"`
	Timestamp  int64           `json:"timestamp"` // unix millis
}

// FindQuery asks every node whether it owns a guild or channel.
type FindQuery struct {
	QueryID   string `json:"queryId"`
	TargetID  string `json:"targetId"`
	ReplyNode int    `json:"replyNode"`
}

// FindReply answers a FindQuery; only owners reply.
type FindReply struct {
	QueryID   string `json:"queryId"`
	OwnerNode int    `json:"ownerNode"`
}

// WebhookCommand ships a webhook send to the node owning the channel.
type WebhookCommand struct {
	ChannelID  string          `json:"channelId"`
	WebhookURL string          `json:"webhookUrl"`
	Content    string          `json:"content"`
	Components json.RawMessage `json:"components,omitempty"`
}

// Heartbeat carries a node's liveness and local stats.
type Heartbeat struct {
	NodeID   int  `json:"nodeId"`
	IsLeader bool `json:"isLeader"`
	Guilds   int  `json:"guilds"`
}

// CallAnnouncement is the payload of CALL_MATCHED and CALL_ENDED
// broadcasts so every node can update local bookkeeping.
type CallAnnouncement struct {
	CallID   string    `json:"callId"`
	Channels [2]string `json:"channels"`
	Reason   string    `json:"reason,omitempty"`
}
