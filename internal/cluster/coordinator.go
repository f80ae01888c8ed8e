package cluster

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/callbridge/internal/config"
	"github.com/openclaw/callbridge/internal/errors"
	"github.com/openclaw/callbridge/internal/model"
	redisclient "github.com/openclaw/callbridge/internal/redis"
	"github.com/openclaw/callbridge/internal/store"
	"github.com/openclaw/callbridge/internal/webhook"
)

// Directory answers which guilds and channels the local node owns. It is
// supplied by the host sharding runtime.
type Directory interface {
	OwnsGuild(guildID string) bool
	OwnsChannel(channelID string) bool
	GuildCount() int
}

// Peer is what the coordinator knows about another node, learned from
// heartbeats.
type Peer struct {
	NodeID   int       `json:"nodeId"`
	IsLeader bool      `json:"isLeader"`
	Guilds   int       `json:"guilds"`
	LastSeen time.Time `json:"lastSeen"`
}

// Coordinator owns node identity, leader election, typed inter-node
// messaging and guild/channel ownership resolution. Messaging is
// at-most-once and unordered; every message is self-contained.
type Coordinator struct {
	store     store.SharedStore
	directory Directory
	sender    webhook.Sender
	nodeID    int
	leaderTTL time.Duration

	mu      sync.Mutex
	running bool
	done    chan struct{}
	sub     store.Subscription

	queriesMu sync.Mutex
	queries   map[string]chan int

	peersMu sync.Mutex
	peers   map[int]Peer
}

func NewCoordinator(s store.SharedStore, directory Directory, sender webhook.Sender, nodeID int, leaderTTL time.Duration) *Coordinator {
	return &Coordinator{
		store:     s,
		directory: directory,
		sender:    sender,
		nodeID:    nodeID,
		leaderTTL: leaderTTL,
		queries:   make(map[string]chan int),
		peers:     make(map[int]Peer),
	}
}

func (c *Coordinator) NodeID() int {
	return c.nodeID
}

// Start subscribes to the cluster channels and begins the election and
// heartbeat loops. Idempotent.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	sub, err := c.store.Subscribe(ctx,
		redisclient.BroadcastChannel(),
		redisclient.NodeChannel(c.nodeID),
	)
	if err != nil {
		return errors.StoreUnavailable(err)
	}

	c.sub = sub
	c.running = true
	c.done = make(chan struct{})

	go c.receive(sub, c.done)
	go c.electionLoop(c.done)
	go c.heartbeatLoop(c.done)

	log.Info().Int("nodeId", c.nodeID).Msg("cluster coordinator started")
	return nil
}

// Stop halts the loops and releases the leader lease if this node holds
// it. Idempotent.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	close(c.done)
	c.sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	released, err := c.store.ReleaseLease(ctx, store.KeyLeaderLease, c.ownerValue())
	if err == nil && released {
		log.Info().Int("nodeId", c.nodeID).Msg("leader lease released")
	}

	log.Info().Int("nodeId", c.nodeID).Msg("cluster coordinator stopped")
}

func (c *Coordinator) ownerValue() string {
	return strconv.Itoa(c.nodeID)
}

// IsLeader reads the lease fresh; leadership is never cached.
func (c *Coordinator) IsLeader(ctx context.Context) bool {
	owner, held, err := c.store.LeaseOwner(ctx, store.KeyLeaderLease)
	if err != nil {
		log.Error().Err(err).Msg("leader check failed")
		return false
	}
	return held && owner == c.ownerValue()
}

// LeaderNode returns the node currently holding the lease, if any.
func (c *Coordinator) LeaderNode(ctx context.Context) (int, bool) {
	owner, held, err := c.store.LeaseOwner(ctx, store.KeyLeaderLease)
	if err != nil || !held {
		return 0, false
	}
	id, err := strconv.Atoi(owner)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (c *Coordinator) electionLoop(done chan struct{}) {
	ticker := time.NewTicker(config.LeaderRenewInterval)
	defer ticker.Stop()

	c.electionTick()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.electionTick()
		}
	}
}

// electionTick renews an owned lease, or claims the lease when it is
// unheld. SETNX keeps claims to a single winner; a brief dual-leader
// window after expiry is tolerated because pair removal is atomic.
func (c *Coordinator) electionTick() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	renewed, err := c.store.RenewLease(ctx, store.KeyLeaderLease, c.ownerValue(), c.leaderTTL)
	if err != nil {
		log.Error().Err(err).Msg("lease renewal failed")
		return
	}
	if renewed {
		return
	}

	_, held, err := c.store.LeaseOwner(ctx, store.KeyLeaderLease)
	if err != nil {
		log.Error().Err(err).Msg("lease owner check failed")
		return
	}
	if held {
		return
	}

	acquired, err := c.store.AcquireLease(ctx, store.KeyLeaderLease, c.ownerValue(), c.leaderTTL)
	if err != nil {
		log.Error().Err(err).Msg("lease acquisition failed")
		return
	}
	if acquired {
		log.Info().Int("nodeId", c.nodeID).Msg("leader lease acquired")
	}
}

func (c *Coordinator) heartbeatLoop(done chan struct{}) {
	ticker := time.NewTicker(config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			hb := model.Heartbeat{
				NodeID:   c.nodeID,
				IsLeader: c.IsLeader(ctx),
				Guilds:   c.directory.GuildCount(),
			}
			if err := c.SendToAll(ctx, model.MsgHeartbeat, hb); err != nil {
				log.Warn().Err(err).Msg("heartbeat broadcast failed")
			}
			cancel()
		}
	}
}

// SendToAll broadcasts a typed message to every node except this one.
func (c *Coordinator) SendToAll(ctx context.Context, msgType model.MessageType, data any) error {
	return c.publish(ctx, redisclient.BroadcastChannel(), msgType, data, nil)
}

// SendToNode delivers a typed message to a single node.
func (c *Coordinator) SendToNode(ctx context.Context, target int, msgType model.MessageType, data any) error {
	return c.publish(ctx, redisclient.NodeChannel(target), msgType, data, &target)
}

func (c *Coordinator) publish(ctx context.Context, channel string, msgType model.MessageType, data any, target *int) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return errors.Internal("marshal cluster message data").WithCause(err)
	}

	envelope, err := json.Marshal(model.ClusterMessage{
		Type:       msgType,
		Data:       payload,
		SourceNode: c.nodeID,
		TargetNode: target,
		Timestamp:  time.Now().UnixMilli(),
	})
	if err != nil {
		return errors.Internal("marshal cluster envelope").WithCause(err)
	}

	if err := c.store.Publish(ctx, channel, envelope); err != nil {
		return errors.StoreUnavailable(err)
	}
	return nil
}

func (c *Coordinator) receive(sub store.Subscription, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			c.dispatch(msg)
		}
	}
}

// dispatch pattern-matches on the fixed command set. Unknown types are
// logged and dropped; a node never processes its own broadcast.
func (c *Coordinator) dispatch(msg store.Message) {
	var envelope model.ClusterMessage
	if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
		log.Error().Err(err).Msg("malformed cluster message")
		return
	}

	if envelope.SourceNode == c.nodeID && envelope.TargetNode == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.OwnershipQueryTimeout)
	defer cancel()

	switch envelope.Type {
	case model.MsgFindGuild:
		c.handleFind(ctx, envelope, c.directory.OwnsGuild)
	case model.MsgFindChannel:
		c.handleFind(ctx, envelope, c.directory.OwnsChannel)
	case model.MsgFindReply:
		c.handleFindReply(envelope)
	case model.MsgSendWebhookMessage:
		c.handleWebhookCommand(ctx, envelope)
	case model.MsgHeartbeat:
		c.handleHeartbeat(envelope)
	case model.MsgCallRequest, model.MsgCallMatched, model.MsgCallEnded:
		log.Debug().
			Str("type", string(envelope.Type)).
			Int("sourceNode", envelope.SourceNode).
			Msg("call lifecycle announcement received")
	default:
		log.Warn().Str("type", string(envelope.Type)).Msg("unknown cluster message type")
	}
}

func (c *Coordinator) handleFind(ctx context.Context, envelope model.ClusterMessage, owns func(string) bool) {
	var query model.FindQuery
	if err := json.Unmarshal(envelope.Data, &query); err != nil {
		log.Error().Err(err).Msg("malformed find query")
		return
	}
	if !owns(query.TargetID) {
		return
	}

	reply := model.FindReply{QueryID: query.QueryID, OwnerNode: c.nodeID}
	if err := c.SendToNode(ctx, query.ReplyNode, model.MsgFindReply, reply); err != nil {
		log.Warn().Err(err).Str("queryId", query.QueryID).Msg("find reply failed")
	}
}

func (c *Coordinator) handleFindReply(envelope model.ClusterMessage) {
	var reply model.FindReply
	if err := json.Unmarshal(envelope.Data, &reply); err != nil {
		log.Error().Err(err).Msg("malformed find reply")
		return
	}

	c.queriesMu.Lock()
	ch, ok := c.queries[reply.QueryID]
	c.queriesMu.Unlock()
	if !ok {
		return // query already resolved or timed out
	}

	select {
	case ch <- reply.OwnerNode:
	default:
	}
}

func (c *Coordinator) handleWebhookCommand(ctx context.Context, envelope model.ClusterMessage) {
	var cmd model.WebhookCommand
	if err := json.Unmarshal(envelope.Data, &cmd); err != nil {
		log.Error().Err(err).Msg("malformed webhook command")
		return
	}

	if err := c.sender.Send(ctx, cmd.WebhookURL, cmd.Content, cmd.Components); err != nil {
		log.Error().
			Err(err).
			Str("channelId", cmd.ChannelID).
			Int("sourceNode", envelope.SourceNode).
			Msg("routed webhook send failed")
	}
}

func (c *Coordinator) handleHeartbeat(envelope model.ClusterMessage) {
	var hb model.Heartbeat
	if err := json.Unmarshal(envelope.Data, &hb); err != nil {
		log.Error().Err(err).Msg("malformed heartbeat")
		return
	}

	c.peersMu.Lock()
	c.peers[hb.NodeID] = Peer{
		NodeID:   hb.NodeID,
		IsLeader: hb.IsLeader,
		Guilds:   hb.Guilds,
		LastSeen: time.Now(),
	}
	c.peersMu.Unlock()
}

// Peers returns the nodes heard from recently.
func (c *Coordinator) Peers() []Peer {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()

	cutoff := time.Now().Add(-config.PeerStaleAfter)
	peers := make([]Peer, 0, len(c.peers))
	for _, p := range c.peers {
		if p.LastSeen.After(cutoff) {
			peers = append(peers, p)
		}
	}
	return peers
}

// FindNodeOwningGuild resolves which node owns a guild, asking every node
// and returning the first responder.
func (c *Coordinator) FindNodeOwningGuild(ctx context.Context, guildID string) (int, error) {
	if c.directory.OwnsGuild(guildID) {
		return c.nodeID, nil
	}
	return c.query(ctx, model.MsgFindGuild, guildID)
}

// FindNodeOwningChannel resolves which node owns a channel.
func (c *Coordinator) FindNodeOwningChannel(ctx context.Context, channelID string) (int, error) {
	if c.directory.OwnsChannel(channelID) {
		return c.nodeID, nil
	}
	return c.query(ctx, model.MsgFindChannel, channelID)
}

func (c *Coordinator) query(ctx context.Context, msgType model.MessageType, targetID string) (int, error) {
	queryID := uuid.NewString()
	replies := make(chan int, 1)

	c.queriesMu.Lock()
	c.queries[queryID] = replies
	c.queriesMu.Unlock()

	defer func() {
		c.queriesMu.Lock()
		delete(c.queries, queryID)
		c.queriesMu.Unlock()
	}()

	query := model.FindQuery{QueryID: queryID, TargetID: targetID, ReplyNode: c.nodeID}
	if err := c.SendToAll(ctx, msgType, query); err != nil {
		return 0, err
	}

	timer := time.NewTimer(config.OwnershipQueryTimeout)
	defer timer.Stop()

	select {
	case owner := <-replies:
		return owner, nil
	case <-timer.C:
		return 0, errors.RoutingFailure(targetID)
	case <-ctx.Done():
		return 0, errors.RoutingFailure(targetID).WithCause(ctx.Err())
	}
}

// SendWebhookMessage routes a webhook send to the node owning the target
// channel: directly when local, via SEND_WEBHOOK_MESSAGE otherwise.
// Remote sends are fire-and-forget; delivery confirmation is the sender's
// responsibility if required.
func (c *Coordinator) SendWebhookMessage(ctx context.Context, channelID, webhookURL, content string, components json.RawMessage) error {
	if c.directory.OwnsChannel(channelID) {
		if err := c.sender.Send(ctx, webhookURL, content, components); err != nil {
			return errors.DeliveryFailure(err)
		}
		return nil
	}

	owner, err := c.FindNodeOwningChannel(ctx, channelID)
	if err != nil {
		return err
	}

	cmd := model.WebhookCommand{
		ChannelID:  channelID,
		WebhookURL: webhookURL,
		Content:    content,
		Components: components,
	}
	return c.SendToNode(ctx, owner, model.MsgSendWebhookMessage, cmd)
}

// AnnounceMatched broadcasts a CALL_MATCHED notice to the other nodes.
func (c *Coordinator) AnnounceMatched(ctx context.Context, ann model.CallAnnouncement) {
	if err := c.SendToAll(ctx, model.MsgCallMatched, ann); err != nil {
		log.Warn().Err(err).Str("callId", ann.CallID).Msg("match announcement failed")
	}
}

// AnnounceEnded broadcasts a CALL_ENDED notice to the other nodes.
func (c *Coordinator) AnnounceEnded(ctx context.Context, ann model.CallAnnouncement) {
	if err := c.SendToAll(ctx, model.MsgCallEnded, ann); err != nil {
		log.Warn().Err(err).Str("callId", ann.CallID).Msg("end announcement failed")
	}
}
