package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/eldtechnologies/centralbus/internal/models"
)

var (
	// ErrNotFound is returned by mutations that target a missing row.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a create hits an existing primary key.
	ErrAlreadyExists = errors.New("already exists")
)

// DataStore defines the interface for persistent storage of the central
// message server: servers, channels, participants and messages.
// Both PostgresStore and SQLiteStore implement this interface.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Server operations
	EnsureServer(ctx context.Context, srv *models.Server) error
	CreateServer(ctx context.Context, srv *models.Server) error
	GetServer(ctx context.Context, id uuid.UUID) (*models.Server, error)
	ListServers(ctx context.Context) ([]models.Server, error)
	AddAgentToServer(ctx context.Context, serverID, agentID uuid.UUID) error
	RemoveAgentFromServer(ctx context.Context, serverID, agentID uuid.UUID) error
	ListServerAgents(ctx context.Context, serverID uuid.UUID) ([]uuid.UUID, error)
	ListAgentServers(ctx context.Context, agentID uuid.UUID) ([]uuid.UUID, error)

	// Channel operations
	CreateChannel(ctx context.Context, ch *models.Channel, participants []uuid.UUID) error
	GetChannel(ctx context.Context, id uuid.UUID) (*models.Channel, error)
	UpdateChannel(ctx context.Context, ch *models.Channel) error
	DeleteChannel(ctx context.Context, id uuid.UUID) error
	ListServerChannels(ctx context.Context, serverID uuid.UUID) ([]models.Channel, error)
	FindDMChannel(ctx context.Context, serverID, userA, userB uuid.UUID) (*models.Channel, error)

	// Participant operations
	AddParticipants(ctx context.Context, channelID uuid.UUID, userIDs []uuid.UUID) error
	RemoveParticipant(ctx context.Context, channelID, userID uuid.UUID) error
	ReplaceParticipants(ctx context.Context, channelID uuid.UUID, userIDs []uuid.UUID) error
	ListParticipants(ctx context.Context, channelID uuid.UUID) ([]uuid.UUID, error)

	// Message operations
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id uuid.UUID) (*models.Message, error)
	ListMessages(ctx context.Context, channelID uuid.UUID, limit int, before time.Time) ([]models.Message, error)
	DeleteMessage(ctx context.Context, id uuid.UUID) error
	ClearChannelMessages(ctx context.Context, channelID uuid.UUID) error
}

// encodeJSON marshals a JSON column value; nil maps become "{}".
func encodeJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

// decodeJSON unmarshals a JSON column value; empty objects become nil.
func decodeJSON(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil || len(v) == 0 {
		return nil
	}
	return v
}

// prepareMessage fills in generated fields before insertion.
func prepareMessage(msg *models.Message) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.Must(uuid.NewV7())
	}
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
}

// prepareChannel fills in generated fields before insertion.
func prepareChannel(ch *models.Channel) {
	if ch.ID == uuid.Nil {
		ch.ID = uuid.Must(uuid.NewV7())
	}
	if ch.Type == "" {
		ch.Type = models.ChannelTypeGroup
	}
	now := time.Now().UTC()
	ch.CreatedAt = now
	ch.UpdatedAt = now
}

// prepareServer stamps timestamps only; the default server legitimately
// carries the nil id, so CreateServer assigns ids itself.
func prepareServer(srv *models.Server) {
	now := time.Now().UTC()
	srv.CreatedAt = now
	srv.UpdatedAt = now
}

// dedupeIDs removes repeated and nil ids, keeping order.
func dedupeIDs(in []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(in))
	out := make([]uuid.UUID, 0, len(in))
	for _, id := range in {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
