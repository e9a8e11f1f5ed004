package agentbus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/eldtechnologies/centralbus/internal/models"
)

// Client talks to the central message server's HTTP API on behalf of an
// agent.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a client for the central server at baseURL.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: httpClient,
	}
}

// envelope is the response wrapper used by every central endpoint.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// doRequest performs an HTTP request and unwraps the envelope into out.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("central %s %s: status %d: undecodable body", method, path, resp.StatusCode)
	}
	if resp.StatusCode >= 400 || !env.Success {
		msg := http.StatusText(resp.StatusCode)
		if env.Error != nil && env.Error.Message != "" {
			msg = env.Error.Message
		}
		return fmt.Errorf("central %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}

	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

// GetChannelParticipants lists the participant ids of a channel.
func (c *Client) GetChannelParticipants(ctx context.Context, channelID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := c.doRequest(ctx, http.MethodGet, "/api/messages/central-channels/"+channelID.String()+"/participants", nil, &ids)
	return ids, err
}

// agentServersResponse is the payload of GET /agents/{agentId}/servers.
type agentServersResponse struct {
	AgentID uuid.UUID   `json:"agentId"`
	Servers []uuid.UUID `json:"servers"`
}

// GetAgentServers lists the servers an agent is subscribed to.
func (c *Client) GetAgentServers(ctx context.Context, agentID uuid.UUID) ([]uuid.UUID, error) {
	var resp agentServersResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/messages/agents/"+agentID.String()+"/servers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Servers, nil
}

// SubmitRequest is the body of POST /api/messages/submit.
type SubmitRequest struct {
	ChannelID          uuid.UUID      `json:"channel_id"`
	ServerID           uuid.UUID      `json:"server_id"`
	AuthorID           uuid.UUID      `json:"author_id"`
	Content            string         `json:"content"`
	InReplyToMessageID *uuid.UUID     `json:"in_reply_to_message_id,omitempty"`
	SourceType         string         `json:"source_type"`
	RawMessage         map[string]any `json:"raw_message,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// SubmitMessage posts an agent reply to the central server.
func (c *Client) SubmitMessage(ctx context.Context, req SubmitRequest) (*models.Message, error) {
	var msg models.Message
	if err := c.doRequest(ctx, http.MethodPost, "/api/messages/submit", req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
