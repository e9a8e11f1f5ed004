package agentbus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/centralbus/internal/models"
)

func writeEnvelope(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": status < 400, "data": data})
}

func TestClientGetChannelParticipants(t *testing.T) {
	channel := uuid.New()
	want := []uuid.UUID{uuid.New(), uuid.New()}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/messages/central-channels/"+channel.String()+"/participants", r.URL.Path)
		writeEnvelope(w, http.StatusOK, want)
	}))
	defer srv.Close()

	got, err := NewClient(srv.URL+"/", srv.Client()).GetChannelParticipants(context.Background(), channel)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestClientGetAgentServers(t *testing.T) {
	agent := uuid.New()
	servers := []uuid.UUID{uuid.Nil, uuid.New()}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/messages/agents/"+agent.String()+"/servers", r.URL.Path)
		writeEnvelope(w, http.StatusOK, map[string]any{"agentId": agent, "servers": servers})
	}))
	defer srv.Close()

	got, err := NewClient(srv.URL, nil).GetAgentServers(context.Background(), agent)
	require.NoError(t, err)
	assert.Equal(t, servers, got)
}

func TestClientSubmitMessage(t *testing.T) {
	var received SubmitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/messages/submit", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		writeEnvelope(w, http.StatusCreated, models.Message{
			ID:        uuid.New(),
			ChannelID: received.ChannelID,
			Content:   received.Content,
		})
	}))
	defer srv.Close()

	req := SubmitRequest{
		ChannelID:  uuid.New(),
		ServerID:   uuid.Nil,
		AuthorID:   uuid.New(),
		Content:    "reply",
		SourceType: models.SourceTypeAgentResponse,
	}
	msg, err := NewClient(srv.URL, nil).SubmitMessage(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, req.ChannelID, received.ChannelID)
	assert.Equal(t, "reply", msg.Content)
}

func TestClientErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"success":false,"error":{"code":"INVALID_INPUT","message":"invalid channel_id"}}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).GetChannelParticipants(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid channel_id")
	assert.Contains(t, err.Error(), "400")
}

func TestClientUndecodableBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).GetAgentServers(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
