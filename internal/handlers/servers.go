package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/eldtechnologies/centralbus/internal/bus"
	"github.com/eldtechnologies/centralbus/internal/ids"
	"github.com/eldtechnologies/centralbus/internal/models"
	"github.com/eldtechnologies/centralbus/internal/store"
)

// CreateServerRequest represents the server creation request.
type CreateServerRequest struct {
	ID         string         `json:"id,omitempty"`
	Name       string         `json:"name"`
	SourceType string         `json:"sourceType"`
	SourceID   string         `json:"sourceId,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ServersResponse is the payload of GET /central-servers.
type ServersResponse struct {
	Servers []models.Server `json:"servers"`
}

// ServerChannelsResponse is the payload of GET /central-servers/{serverId}/channels.
type ServerChannelsResponse struct {
	Channels []models.Channel `json:"channels"`
}

// ServerAgentsResponse lists the agents subscribed to a server.
type ServerAgentsResponse struct {
	ServerID uuid.UUID   `json:"serverId"`
	Agents   []uuid.UUID `json:"agents"`
}

// AgentServersResponse lists the servers an agent is subscribed to.
type AgentServersResponse struct {
	AgentID uuid.UUID   `json:"agentId"`
	Servers []uuid.UUID `json:"servers"`
}

// ServerAgentResponse reports a server membership change.
type ServerAgentResponse struct {
	ServerID uuid.UUID `json:"serverId"`
	AgentID  uuid.UUID `json:"agentId"`
	Message  string    `json:"message"`
}

// serverParam parses the server id URL parameter; "0" names the default server.
func (h *Handler) serverParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := ids.ParseServerID(chi.URLParam(r, "serverId"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid server ID format")
		return uuid.Nil, false
	}
	return id, true
}

// ListServers lists all message servers.
func (h *Handler) ListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.db.ListServers(r.Context())
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	h.JSON(w, http.StatusOK, ServersResponse{Servers: servers})
}

// CreateServer registers a message server.
func (h *Handler) CreateServer(w http.ResponseWriter, r *http.Request) {
	var req CreateServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req.Name = sanitizeName(req.Name)
	if req.Name == "" || req.SourceType == "" {
		h.Error(w, http.StatusBadRequest, "name and sourceType are required")
		return
	}

	srv := &models.Server{
		Name:       req.Name,
		SourceType: req.SourceType,
		SourceID:   req.SourceID,
		Metadata:   req.Metadata,
	}
	if req.ID != "" {
		id, err := uuid.Parse(req.ID)
		if err != nil {
			h.Error(w, http.StatusBadRequest, "invalid id format")
			return
		}
		srv.ID = id
	}

	if err := h.db.CreateServer(r.Context(), srv); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			h.Error(w, http.StatusConflict, "server already exists")
			return
		}
		h.logger.Error().Err(err).Msg("failed to create server")
		h.Error(w, http.StatusInternalServerError, "failed to create server")
		return
	}

	h.JSON(w, http.StatusCreated, srv)
}

// GetServerChannels lists the channels of a server.
func (h *Handler) GetServerChannels(w http.ResponseWriter, r *http.Request) {
	serverID, ok := h.serverParam(w, r)
	if !ok {
		return
	}

	channels, err := h.db.ListServerChannels(r.Context(), serverID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	h.JSON(w, http.StatusOK, ServerChannelsResponse{Channels: channels})
}

// ListServerAgents lists the agents subscribed to a server.
func (h *Handler) ListServerAgents(w http.ResponseWriter, r *http.Request) {
	serverID, ok := h.serverParam(w, r)
	if !ok {
		return
	}

	agents, err := h.db.ListServerAgents(r.Context(), serverID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	h.JSON(w, http.StatusOK, ServerAgentsResponse{ServerID: serverID, Agents: agents})
}

// AddServerAgent subscribes an agent to a server and tells the hosted
// agent services.
func (h *Handler) AddServerAgent(w http.ResponseWriter, r *http.Request) {
	serverID, ok := h.serverParam(w, r)
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

	srv, err := h.db.GetServer(r.Context(), serverID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if srv == nil {
		h.Error(w, http.StatusNotFound, "server not found")
		return
	}

	if err := h.db.AddAgentToServer(r.Context(), serverID, agentID); err != nil {
		h.logger.Error().Err(err).Str("server_id", serverID.String()).Msg("failed to add agent to server")
		h.Error(w, http.StatusInternalServerError, "failed to add agent")
		return
	}

	h.bus.Emit(bus.ServerAgentUpdate{Type: bus.AgentAddedToServer, AgentID: agentID, ServerID: serverID})
	h.JSON(w, http.StatusCreated, ServerAgentResponse{
		ServerID: serverID,
		AgentID:  agentID,
		Message:  "agent added to server",
	})
}

// RemoveServerAgent unsubscribes an agent from a server.
func (h *Handler) RemoveServerAgent(w http.ResponseWriter, r *http.Request) {
	serverID, ok := h.serverParam(w, r)
	if !ok {
		return
	}
	agentID, err := uuid.Parse(chi.URLParam(r, "agentId"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid agent ID format")
		return
	}

	if err := h.db.RemoveAgentFromServer(r.Context(), serverID, agentID); err != nil {
		h.logger.Error().Err(err).Str("server_id", serverID.String()).Msg("failed to remove agent from server")
		h.Error(w, http.StatusInternalServerError, "failed to remove agent")
		return
	}

	h.bus.Emit(bus.ServerAgentUpdate{Type: bus.AgentRemovedFromServer, AgentID: agentID, ServerID: serverID})
	h.JSON(w, http.StatusOK, ServerAgentResponse{
		ServerID: serverID,
		AgentID:  agentID,
		Message:  "agent removed from server",
	})
}

// GetAgentServers lists the servers an agent is subscribed to.
func (h *Handler) GetAgentServers(w http.ResponseWriter, r *http.Request) {
	agentID, err := uuid.Parse(chi.URLParam(r, "agentId"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid agent ID format")
		return
	}

	servers, err := h.db.ListAgentServers(r.Context(), agentID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if servers == nil {
		servers = []uuid.UUID{}
	}
	h.JSON(w, http.StatusOK, AgentServersResponse{AgentID: agentID, Servers: servers})
}
