package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/openclaw/callbridge/internal/calllog"
	"github.com/openclaw/callbridge/internal/cluster"
	apperrors "github.com/openclaw/callbridge/internal/errors"
	"github.com/openclaw/callbridge/internal/events"
	"github.com/openclaw/callbridge/internal/httputil"
	"github.com/openclaw/callbridge/internal/match"
	"github.com/openclaw/callbridge/internal/model"
	"github.com/openclaw/callbridge/internal/queue"
)

const recentCallsLimit = 50

// API is the per-node surface the command-handler layer calls to enqueue,
// cancel and inspect call requests.
type API struct {
	queue       *queue.Manager
	engine      *match.Engine
	coordinator *cluster.Coordinator
	directory   *cluster.MapDirectory
	callLog     calllog.Repository
}

func NewAPI(q *queue.Manager, e *match.Engine, c *cluster.Coordinator, d *cluster.MapDirectory, cl calllog.Repository) *API {
	return &API{
		queue:       q,
		engine:      e,
		coordinator: c,
		directory:   d,
		callLog:     cl,
	}
}

func (a *API) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/queue", a.enqueue)
	r.Get("/queue/{channelID}", a.queueStatus)
	r.Delete("/queue/{requestID}", a.dequeue)
	r.Post("/queue/{channelID}/match", a.findMatch)

	r.Get("/calls", a.activeCalls)
	r.Get("/calls/recent", a.recentCalls)
	r.Post("/calls/{callID}/end", a.endCall)

	r.Post("/webhooks/send", a.sendWebhook)

	r.Post("/directory", a.assignDirectory)
	r.Delete("/directory/{channelID}", a.releaseDirectory)

	r.Get("/status", a.status)

	return r
}

type enqueueRequest struct {
	RequestID   string `json:"requestId"`
	ChannelID   string `json:"channelId"`
	GuildID     string `json:"guildId"`
	InitiatorID string `json:"initiatorId"`
	WebhookURL  string `json:"webhookUrl"`
	Priority    int    `json:"priority"`
}

func (a *API) enqueue(w http.ResponseWriter, r *http.Request) {
	var body enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}

	if body.RequestID == "" {
		body.RequestID = uuid.NewString()
	}

	req := model.CallRequest{
		ID:          body.RequestID,
		ChannelID:   body.ChannelID,
		GuildID:     body.GuildID,
		InitiatorID: body.InitiatorID,
		WebhookURL:  body.WebhookURL,
		Timestamp:   time.Now().UnixMilli(),
		Priority:    body.Priority,
	}

	status, err := a.queue.Enqueue(r.Context(), req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, map[string]any{
		"requestId":   req.ID,
		"position":    status.Position,
		"queueLength": status.QueueLength,
	})
}

func (a *API) queueStatus(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")

	status, err := a.queue.GetQueueStatus(r.Context(), channelID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if status == nil {
		httputil.WriteError(w, apperrors.NotFound("queue entry"))
		return
	}

	httputil.WriteJSON(w, http.StatusOK, status)
}

func (a *API) dequeue(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")

	removed, err := a.queue.Dequeue(r.Context(), requestID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if !removed {
		httputil.WriteError(w, apperrors.NotFound("call request"))
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"removed": true})
}

func (a *API) findMatch(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")

	pending, err := a.queue.PendingRequests(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	for _, req := range pending {
		if req.ChannelID != channelID {
			continue
		}
		result, err := a.engine.FindMatch(r.Context(), req)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, result)
		return
	}

	httputil.WriteError(w, apperrors.NotFound("queue entry"))
}

func (a *API) activeCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := a.engine.ActiveCalls(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"calls": calls})
}

func (a *API) recentCalls(w http.ResponseWriter, r *http.Request) {
	entries, err := a.callLog.FindRecent(r.Context(), recentCallsLimit)
	if err != nil {
		httputil.WriteError(w, apperrors.Internal("call log read failed").WithCause(err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"calls": entries})
}

type endCallRequest struct {
	Reason string `json:"reason"`
}

func (a *API) endCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")

	var body endCallRequest
	_ = json.NewDecoder(r.Body).Decode(&body)

	reason := events.EndReasonLeft
	switch body.Reason {
	case string(events.EndReasonTimeout):
		reason = events.EndReasonTimeout
	case string(events.EndReasonError):
		reason = events.EndReasonError
	}

	call, err := a.engine.EndCall(r.Context(), callID, reason)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, call)
}

type sendWebhookRequest struct {
	ChannelID  string          `json:"channelId"`
	WebhookURL string          `json:"webhookUrl"`
	Content    string          `json:"content"`
	Components json.RawMessage `json:"components,omitempty"`
}

func (a *API) sendWebhook(w http.ResponseWriter, r *http.Request) {
	var body sendWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}
	if body.ChannelID == "" || body.WebhookURL == "" {
		httputil.WriteError(w, apperrors.ValidationError("channelId and webhookUrl are required"))
		return
	}

	if err := a.coordinator.SendWebhookMessage(r.Context(), body.ChannelID, body.WebhookURL, body.Content, body.Components); err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{"routed": true})
}

type assignDirectoryRequest struct {
	GuildID   string `json:"guildId"`
	ChannelID string `json:"channelId"`
}

func (a *API) assignDirectory(w http.ResponseWriter, r *http.Request) {
	var body assignDirectoryRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}
	if body.GuildID == "" {
		httputil.WriteError(w, apperrors.ValidationError("guildId is required"))
		return
	}

	a.directory.Assign(body.GuildID, body.ChannelID)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"assigned": true})
}

func (a *API) releaseDirectory(w http.ResponseWriter, r *http.Request) {
	a.directory.Release(chi.URLParam(r, "channelID"))
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"released": true})
}

func (a *API) status(w http.ResponseWriter, r *http.Request) {
	queueLen, err := a.queue.Len(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	leader, _ := a.coordinator.LeaderNode(r.Context())

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"nodeId":      a.coordinator.NodeID(),
		"isLeader":    a.coordinator.IsLeader(r.Context()),
		"leaderNode":  leader,
		"queueLength": queueLen,
		"ownedGuilds": a.directory.GuildCount(),
		"matchStats":  a.engine.Stats(),
		"peers":       a.coordinator.Peers(),
	})
}
