package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/eldtechnologies/centralbus/internal/bus"
	"github.com/eldtechnologies/centralbus/internal/ids"
	"github.com/eldtechnologies/centralbus/internal/metrics"
	"github.com/eldtechnologies/centralbus/internal/models"
	"github.com/eldtechnologies/centralbus/internal/socket"
	"github.com/eldtechnologies/centralbus/internal/store"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 100
)

// PostMessageRequest is the body of POST /central-channels/{channelId}/messages
// and of POST /submit.
type PostMessageRequest struct {
	ChannelID          string         `json:"channel_id,omitempty"`
	AuthorID           string         `json:"author_id"`
	Content            string         `json:"content"`
	ServerID           string         `json:"server_id"`
	InReplyToMessageID string         `json:"in_reply_to_message_id,omitempty"`
	SourceType         string         `json:"source_type,omitempty"`
	SourceID           string         `json:"source_id,omitempty"`
	RawMessage         map[string]any `json:"raw_message,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// MessageView is a message shaped for chat clients. Text is the stored
// content.
type MessageView struct {
	ID                uuid.UUID      `json:"id"`
	ChannelID         uuid.UUID      `json:"channelId"`
	ServerID          uuid.UUID      `json:"serverId"`
	AuthorID          uuid.UUID      `json:"authorId"`
	AuthorDisplayName string         `json:"authorDisplayName,omitempty"`
	Text              string         `json:"text"`
	SourceType        string         `json:"sourceType,omitempty"`
	InReplyTo         *uuid.UUID     `json:"inReplyToRootMessageId,omitempty"`
	RawMessage        map[string]any `json:"rawMessage,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         int64          `json:"createdAt"`
	UpdatedAt         int64          `json:"updatedAt"`
}

// MessagesResponse is the payload of GET /central-channels/{channelId}/messages.
type MessagesResponse struct {
	Messages []MessageView `json:"messages"`
}

func viewOf(msg *models.Message) MessageView {
	payload := models.PayloadOf(msg)
	v := MessageView{
		ID:                msg.ID,
		ChannelID:         msg.ChannelID,
		ServerID:          msg.ServerID,
		AuthorID:          msg.AuthorID,
		AuthorDisplayName: models.SenderName(payload),
		Text:              msg.Content,
		SourceType:        msg.SourceType,
		InReplyTo:         msg.InReplyToMessageID,
		RawMessage:        msg.RawMessage,
		CreatedAt:         msg.CreatedAt.UnixMilli(),
		UpdatedAt:         msg.UpdatedAt.UnixMilli(),
	}

	// Copy so the stored map is never mutated by the enrichment.
	v.Metadata = make(map[string]any, len(msg.Metadata)+2)
	for k, val := range msg.Metadata {
		v.Metadata[k] = val
	}
	if p, ok := payload.(models.AgentResponse); ok {
		if p.Thought != "" {
			v.Metadata["thought"] = p.Thought
		}
		if len(p.Actions) > 0 {
			v.Metadata["actions"] = p.Actions
		}
	}
	if len(v.Metadata) == 0 {
		v.Metadata = nil
	}
	return v
}

// parsedMessage is a validated PostMessageRequest.
type parsedMessage struct {
	channelID uuid.UUID
	serverID  uuid.UUID
	authorID  uuid.UUID
	inReplyTo *uuid.UUID
	req       *PostMessageRequest
}

func parseMessageRequest(req *PostMessageRequest, channelParam string) (*parsedMessage, string) {
	p := &parsedMessage{req: req}
	var err error

	if channelParam == "" {
		channelParam = req.ChannelID
	}
	if p.channelID, err = uuid.Parse(channelParam); err != nil {
		return nil, "invalid channel ID format"
	}
	if p.authorID, err = uuid.Parse(req.AuthorID); err != nil {
		return nil, "invalid author_id format"
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, "content is required"
	}
	if req.ServerID == "" {
		return nil, "server_id is required"
	}
	if p.serverID, err = ids.ParseServerID(req.ServerID); err != nil {
		return nil, "invalid server_id format"
	}
	if req.InReplyToMessageID != "" {
		id, err := uuid.Parse(req.InReplyToMessageID)
		if err != nil {
			return nil, "invalid in_reply_to_message_id format"
		}
		p.inReplyTo = &id
	}
	return p, ""
}

func (p *parsedMessage) message(defaultSource string) *models.Message {
	source := p.req.SourceType
	if source == "" {
		source = defaultSource
	}
	return &models.Message{
		ChannelID:          p.channelID,
		ServerID:           p.serverID,
		AuthorID:           p.authorID,
		Content:            p.req.Content,
		RawMessage:         p.req.RawMessage,
		SourceID:           p.req.SourceID,
		SourceType:         source,
		InReplyToMessageID: p.inReplyTo,
		Metadata:           p.req.Metadata,
	}
}

// PostMessage handles a new message from a chat client. A missing channel
// is created first, so the message never exists without its channel.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	p, problem := parseMessageRequest(&req, chi.URLParam(r, "channelId"))
	if problem != "" {
		h.Error(w, http.StatusBadRequest, problem)
		return
	}

	ch, status, err := h.ensureChannel(r.Context(), p)
	if err != nil {
		if status == http.StatusInternalServerError {
			h.logger.Error().Err(err).Str("channel_id", p.channelID.String()).Msg("failed to ensure channel")
		}
		h.Error(w, status, err.Error())
		return
	}

	msg := p.message(models.SourceTypeGUI)
	if err := h.db.CreateMessage(r.Context(), msg); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			h.Error(w, http.StatusConflict, "message already exists")
			return
		}
		h.logger.Error().Err(err).Str("channel_id", p.channelID.String()).Msg("failed to store message")
		h.Error(w, http.StatusInternalServerError, "failed to store message")
		return
	}
	metrics.MessagesCreated.WithLabelValues(msg.SourceType).Inc()

	senderName := models.SenderName(models.PayloadOf(msg))
	h.bus.Emit(bus.NewMessage{
		Message:           *msg,
		Source:            msg.SourceType,
		ChannelType:       ch.Type,
		AuthorDisplayName: senderName,
	})
	h.broadcast(msg.ChannelID, socket.TypeMessageBroadcast, socket.BroadcastFromMessage(msg, senderName))

	h.JSON(w, http.StatusCreated, msg)
}

var errUnknownServer = errors.New("unknown server_id")

// ensureChannel returns the target channel, creating it when absent. The
// returned status is meaningful only when err is non-nil.
func (h *Handler) ensureChannel(ctx context.Context, p *parsedMessage) (*models.Channel, int, error) {
	ch, err := h.db.GetChannel(ctx, p.channelID)
	if err != nil {
		return nil, http.StatusInternalServerError, errors.New("database error")
	}
	if ch != nil {
		return ch, 0, nil
	}

	srv, err := h.db.GetServer(ctx, p.serverID)
	if err != nil {
		return nil, http.StatusInternalServerError, errors.New("database error")
	}
	if srv == nil {
		return nil, http.StatusBadRequest, errUnknownServer
	}

	participants := []uuid.UUID{p.authorID}
	var target uuid.UUID
	if raw, ok := p.req.Metadata["targetUserId"].(string); ok {
		if id, err := uuid.Parse(raw); err == nil {
			target = id
			participants = append(participants, target)
		}
	}

	ch = &models.Channel{
		ID:         p.channelID,
		ServerID:   p.serverID,
		Type:       models.InferChannelType(p.req.Metadata, target != uuid.Nil),
		SourceType: "auto_created",
	}
	ch.Name = channelNameFor(ch, p.req.Metadata)
	if ch.Type == models.ChannelTypeDM {
		ch.Metadata = map[string]any{"isDm": true, "user1": p.authorID.String(), "user2": target.String()}
	}

	err = h.db.CreateChannel(ctx, ch, participants)
	switch {
	case err == nil:
		metrics.ChannelsAutoCreated.Inc()
		h.logger.Info().
			Str("channel_id", ch.ID.String()).
			Str("type", string(ch.Type)).
			Msg("channel auto-created")
	case errors.Is(err, store.ErrAlreadyExists):
		// Lost the race against a concurrent first message.
		h.logger.Debug().Str("channel_id", p.channelID.String()).Msg("channel created concurrently")
		ch, err = h.db.GetChannel(ctx, p.channelID)
		if err == nil && ch == nil {
			err = store.ErrNotFound
		}
	}
	if err != nil {
		return nil, http.StatusInternalServerError, errors.New("failed to create channel")
	}

	h.invalidateParticipants(ctx, ch.ID)
	return ch, 0, nil
}

func channelNameFor(ch *models.Channel, meta map[string]any) string {
	if name, ok := meta["channelName"].(string); ok {
		if name = sanitizeName(name); name != "" {
			return name
		}
	}
	short := ch.ID.String()[:8]
	if ch.Type == models.ChannelTypeDM {
		return "DM " + short
	}
	return "Chat " + short
}

// GetMessages lists a channel's messages, newest first.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	channelID, err := uuid.Parse(chi.URLParam(r, "channelId"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid channel ID format")
		return
	}

	limit := defaultMessageLimit
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}

	var before time.Time
	if b, err := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64); err == nil && b > 0 {
		before = time.UnixMilli(b)
	}

	messages, err := h.db.ListMessages(r.Context(), channelID, limit, before)
	if err != nil {
		h.logger.Error().Err(err).Str("channel_id", channelID.String()).Msg("failed to list messages")
		h.Error(w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}

	views := make([]MessageView, len(messages))
	for i := range messages {
		views[i] = viewOf(&messages[i])
	}
	h.JSON(w, http.StatusOK, MessagesResponse{Messages: views})
}

// DeleteMessage removes one message from a channel.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	channelID, err := uuid.Parse(chi.URLParam(r, "channelId"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid channel ID format")
		return
	}
	messageID, err := uuid.Parse(chi.URLParam(r, "messageId"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid message ID format")
		return
	}

	msg, err := h.db.GetMessage(r.Context(), messageID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if msg == nil || msg.ChannelID != channelID {
		h.Error(w, http.StatusNotFound, "message not found")
		return
	}

	if err := h.db.DeleteMessage(r.Context(), messageID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "message not found")
			return
		}
		h.logger.Error().Err(err).Str("message_id", messageID.String()).Msg("failed to delete message")
		h.Error(w, http.StatusInternalServerError, "failed to delete message")
		return
	}

	h.bus.Emit(bus.MessageDeleted{MessageID: messageID, ChannelID: channelID})
	h.broadcast(channelID, socket.TypeMessageDeleted, socket.MessageDeletedMessage{
		MessageID: messageID,
		ChannelID: channelID,
	})
	w.WriteHeader(http.StatusNoContent)
}

// ClearMessages removes a channel's whole history but keeps the channel.
func (h *Handler) ClearMessages(w http.ResponseWriter, r *http.Request) {
	channelID, err := uuid.Parse(chi.URLParam(r, "channelId"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid channel ID format")
		return
	}

	if err := h.db.ClearChannelMessages(r.Context(), channelID); err != nil {
		h.logger.Error().Err(err).Str("channel_id", channelID.String()).Msg("failed to clear channel")
		h.Error(w, http.StatusInternalServerError, "failed to clear messages")
		return
	}

	h.bus.Emit(bus.ChannelCleared{ChannelID: channelID})
	h.broadcast(channelID, socket.TypeChannelCleared, socket.ChannelEvent{ChannelID: channelID})
	w.WriteHeader(http.StatusNoContent)
}

// Submit stores a reply posted by an agent service. Agents already saw the
// message they answered, so nothing is emitted on the bus.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	p, problem := parseMessageRequest(&req, "")
	if problem != "" {
		h.Error(w, http.StatusBadRequest, problem)
		return
	}

	ch, err := h.db.GetChannel(r.Context(), p.channelID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if ch == nil {
		h.Error(w, http.StatusNotFound, "channel not found")
		return
	}

	msg := p.message(models.SourceTypeAgentResponse)
	if err := h.db.CreateMessage(r.Context(), msg); err != nil {
		h.logger.Error().Err(err).
			Str("channel_id", p.channelID.String()).
			Str("author_id", p.authorID.String()).
			Msg("failed to store submitted message")
		h.Error(w, http.StatusInternalServerError, "failed to store message")
		return
	}
	metrics.MessagesCreated.WithLabelValues(msg.SourceType).Inc()

	h.broadcast(msg.ChannelID, socket.TypeMessageBroadcast, socket.BroadcastFromMessage(msg, ""))
	h.JSON(w, http.StatusCreated, msg)
}
