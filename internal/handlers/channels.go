package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/eldtechnologies/centralbus/internal/bus"
	"github.com/eldtechnologies/centralbus/internal/ids"
	"github.com/eldtechnologies/centralbus/internal/models"
	"github.com/eldtechnologies/centralbus/internal/socket"
	"github.com/eldtechnologies/centralbus/internal/store"
)

// CreateChannelRequest represents the channel creation request.
type CreateChannelRequest struct {
	Name         string         `json:"name"`
	ServerID     string         `json:"server_id"`
	Type         string         `json:"type,omitempty"`
	Topic        string         `json:"topic,omitempty"`
	SourceType   string         `json:"sourceType,omitempty"`
	SourceID     string         `json:"sourceId,omitempty"`
	Participants []string       `json:"participantCentralUserIds,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// UpdateChannelRequest represents a partial channel update. Absent fields
// are left unchanged.
type UpdateChannelRequest struct {
	Name         *string        `json:"name,omitempty"`
	Topic        *string        `json:"topic,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Participants []string       `json:"participantCentralUserIds,omitempty"`
}

// AgentRequest names an agent to add to a channel or server.
type AgentRequest struct {
	AgentID string `json:"agentId"`
}

// ChannelAgentResponse reports a channel participant change.
type ChannelAgentResponse struct {
	ChannelID uuid.UUID `json:"channelId"`
	AgentID   uuid.UUID `json:"agentId"`
}

// channelParam parses the channel id URL parameter, writing a 400 on failure.
func (h *Handler) channelParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "channelId"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid channel ID format")
		return uuid.Nil, false
	}
	return id, true
}

// loadChannel fetches a channel, writing a 404 or 500 when it is unusable.
func (h *Handler) loadChannel(w http.ResponseWriter, r *http.Request, id uuid.UUID) (*models.Channel, bool) {
	ch, err := h.db.GetChannel(r.Context(), id)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return nil, false
	}
	if ch == nil {
		h.Error(w, http.StatusNotFound, "channel not found")
		return nil, false
	}
	return ch, true
}

// CreateChannel handles explicit channel creation.
func (h *Handler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	var req CreateChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req.Name = sanitizeName(req.Name)
	if req.Name == "" {
		h.Error(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.ServerID == "" {
		h.Error(w, http.StatusBadRequest, "server_id is required")
		return
	}
	serverID, err := ids.ParseServerID(req.ServerID)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid server_id format")
		return
	}
	participants, ok := parseUUIDs(req.Participants)
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid participant ID format")
		return
	}

	chType := models.ChannelTypeGroup
	if req.Type != "" {
		if chType, ok = models.ParseChannelType(req.Type); !ok {
			h.Error(w, http.StatusBadRequest, "type must be DM, GROUP or WORLD")
			return
		}
	}
	if chType == models.ChannelTypeDM && len(participants) != 2 {
		h.Error(w, http.StatusBadRequest, "DM channels need exactly two participants")
		return
	}

	srv, err := h.db.GetServer(r.Context(), serverID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if srv == nil {
		h.Error(w, http.StatusBadRequest, errUnknownServer.Error())
		return
	}

	ch := &models.Channel{
		ServerID:   serverID,
		Name:       req.Name,
		Type:       chType,
		Topic:      req.Topic,
		SourceType: req.SourceType,
		SourceID:   req.SourceID,
		Metadata:   req.Metadata,
	}
	if err := h.db.CreateChannel(r.Context(), ch, participants); err != nil {
		h.logger.Error().Err(err).Str("server_id", serverID.String()).Msg("failed to create channel")
		h.Error(w, http.StatusInternalServerError, "failed to create channel")
		return
	}

	h.JSON(w, http.StatusCreated, ch)
}

// GetChannel returns channel details.
func (h *Handler) GetChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.channelParam(w, r)
	if !ok {
		return
	}
	ch, ok := h.loadChannel(w, r, id)
	if !ok {
		return
	}
	h.JSON(w, http.StatusOK, ch)
}

// UpdateChannel applies a partial update and notifies the channel room.
func (h *Handler) UpdateChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.channelParam(w, r)
	if !ok {
		return
	}

	var req UpdateChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	var participants []uuid.UUID
	if req.Participants != nil {
		if participants, ok = parseUUIDs(req.Participants); !ok {
			h.Error(w, http.StatusBadRequest, "invalid participant ID format")
			return
		}
	}

	ch, ok := h.loadChannel(w, r, id)
	if !ok {
		return
	}
	if req.Name != nil {
		name := sanitizeName(*req.Name)
		if name == "" {
			h.Error(w, http.StatusBadRequest, "name cannot be empty")
			return
		}
		ch.Name = name
	}
	if req.Topic != nil {
		ch.Topic = *req.Topic
	}
	if req.Metadata != nil {
		if ch.Metadata == nil {
			ch.Metadata = make(map[string]any, len(req.Metadata))
		}
		for k, v := range req.Metadata {
			ch.Metadata[k] = v
		}
	}

	if err := h.db.UpdateChannel(r.Context(), ch); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "channel not found")
			return
		}
		h.logger.Error().Err(err).Str("channel_id", id.String()).Msg("failed to update channel")
		h.Error(w, http.StatusInternalServerError, "failed to update channel")
		return
	}
	if req.Participants != nil {
		if err := h.db.ReplaceParticipants(r.Context(), id, participants); err != nil {
			h.logger.Error().Err(err).Str("channel_id", id.String()).Msg("failed to replace participants")
			h.Error(w, http.StatusInternalServerError, "failed to update participants")
			return
		}
		h.invalidateParticipants(r.Context(), id)
	}

	h.broadcast(id, socket.TypeChannelUpdated, socket.ChannelEvent{
		ChannelID: id,
		ServerID:  ch.ServerID,
		Channel:   ch,
	})
	h.JSON(w, http.StatusOK, ch)
}

// DeleteChannel removes a channel with its history. Agents are told via
// channel_cleared so they can purge what they remembered.
func (h *Handler) DeleteChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.channelParam(w, r)
	if !ok {
		return
	}
	ch, ok := h.loadChannel(w, r, id)
	if !ok {
		return
	}

	if err := h.db.DeleteChannel(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "channel not found")
			return
		}
		h.logger.Error().Err(err).Str("channel_id", id.String()).Msg("failed to delete channel")
		h.Error(w, http.StatusInternalServerError, "failed to delete channel")
		return
	}
	h.invalidateParticipants(r.Context(), id)

	h.bus.Emit(bus.ChannelCleared{ChannelID: id})
	h.broadcast(id, socket.TypeChannelDeleted, socket.ChannelEvent{ChannelID: id, ServerID: ch.ServerID})
	w.WriteHeader(http.StatusNoContent)
}

// GetParticipants lists the participant ids of a channel. Unknown channels
// have no participants.
func (h *Handler) GetParticipants(w http.ResponseWriter, r *http.Request) {
	id, ok := h.channelParam(w, r)
	if !ok {
		return
	}

	participants, err := h.participants(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("channel_id", id.String()).Msg("failed to list participants")
		h.Error(w, http.StatusInternalServerError, "failed to fetch participants")
		return
	}
	h.JSON(w, http.StatusOK, participants)
}

// AddChannelAgent adds an agent to a channel's participants.
func (h *Handler) AddChannelAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.channelParam(w, r)
	if !ok {
		return
	}
	var req AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	agentID, err := uuid.Parse(req.AgentID)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid agentId format")
		return
	}
	if _, ok := h.loadChannel(w, r, id); !ok {
		return
	}

	if err := h.db.AddParticipants(r.Context(), id, []uuid.UUID{agentID}); err != nil {
		h.logger.Error().Err(err).Str("channel_id", id.String()).Msg("failed to add agent to channel")
		h.Error(w, http.StatusInternalServerError, "failed to add agent")
		return
	}
	h.invalidateParticipants(r.Context(), id)

	h.JSON(w, http.StatusCreated, ChannelAgentResponse{ChannelID: id, AgentID: agentID})
}

// RemoveChannelAgent removes an agent from a channel's participants.
func (h *Handler) RemoveChannelAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.channelParam(w, r)
	if !ok {
		return
	}
	agentID, err := uuid.Parse(chi.URLParam(r, "agentId"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid agent ID format")
		return
	}

	if err := h.db.RemoveParticipant(r.Context(), id, agentID); err != nil {
		h.logger.Error().Err(err).Str("channel_id", id.String()).Msg("failed to remove agent from channel")
		h.Error(w, http.StatusInternalServerError, "failed to remove agent")
		return
	}
	h.invalidateParticipants(r.Context(), id)

	h.JSON(w, http.StatusOK, ChannelAgentResponse{ChannelID: id, AgentID: agentID})
}

// GetDMChannel finds the DM channel between two users, creating it on
// first use.
func (h *Handler) GetDMChannel(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	current, err := uuid.Parse(q.Get("currentUserId"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid currentUserId format")
		return
	}
	target, err := uuid.Parse(q.Get("targetUserId"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid targetUserId format")
		return
	}
	if current == target {
		h.Error(w, http.StatusBadRequest, "cannot open a DM with yourself")
		return
	}
	serverID := ids.DefaultServerID
	if raw := q.Get("dmServerId"); raw != "" {
		if serverID, err = ids.ParseServerID(raw); err != nil {
			h.Error(w, http.StatusBadRequest, "invalid dmServerId format")
			return
		}
	}

	ch, err := h.db.FindDMChannel(r.Context(), serverID, current, target)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if ch != nil {
		h.JSON(w, http.StatusOK, ch)
		return
	}

	srv, err := h.db.GetServer(r.Context(), serverID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if srv == nil {
		h.Error(w, http.StatusBadRequest, "unknown dmServerId")
		return
	}

	ch = &models.Channel{
		ServerID: serverID,
		Name:     "DM " + current.String()[:8] + "-" + target.String()[:8],
		Type:     models.ChannelTypeDM,
		Metadata: map[string]any{
			"isDm":  true,
			"user1": current.String(),
			"user2": target.String(),
		},
	}
	if err := h.db.CreateChannel(r.Context(), ch, []uuid.UUID{current, target}); err != nil {
		h.logger.Error().Err(err).Msg("failed to create DM channel")
		h.Error(w, http.StatusInternalServerError, "failed to create DM channel")
		return
	}

	h.JSON(w, http.StatusCreated, ch)
}

// participants reads through the Redis cache when one is configured.
func (h *Handler) participants(ctx context.Context, channelID uuid.UUID) ([]uuid.UUID, error) {
	if h.redis != nil {
		cached, ok, err := h.redis.GetParticipants(ctx, channelID)
		if err != nil {
			h.logger.Warn().Err(err).Msg("participants cache read failed")
		} else if ok {
			return cached, nil
		}
	}

	list, err := h.db.ListParticipants(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []uuid.UUID{}
	}

	if h.redis != nil {
		if err := h.redis.SetParticipants(ctx, channelID, list); err != nil {
			h.logger.Warn().Err(err).Msg("participants cache write failed")
		}
	}
	return list, nil
}

func (h *Handler) invalidateParticipants(ctx context.Context, channelID uuid.UUID) {
	if h.redis == nil {
		return
	}
	if err := h.redis.InvalidateParticipants(ctx, channelID); err != nil {
		h.logger.Warn().Err(err).Str("channel_id", channelID.String()).Msg("participants cache invalidation failed")
	}
}
