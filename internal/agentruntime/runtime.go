// Package agentruntime hosts agents in the central server process.
//
// A Runtime stores the agent-local records (worlds, rooms, entities,
// memories) in an AgentSQLiteStore and hands every received message to a
// MessageHandler, which decides whether and how to reply. Generating replies
// with a language model is outside this package; the bundled handlers only
// acknowledge or echo.
package agentruntime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/centralbus/internal/agentbus"
	"github.com/eldtechnologies/centralbus/internal/ids"
	"github.com/eldtechnologies/centralbus/internal/models"
	"github.com/eldtechnologies/centralbus/internal/store"
)

// MessageHandler is invoked for every message an agent receives. reply
// posts generated content back to wherever the message came from.
type MessageHandler func(ctx context.Context, rt *Runtime, m *models.Memory, reply agentbus.ResponseCallback) error

// NopHandler stores nothing extra and never replies.
func NopHandler(context.Context, *Runtime, *models.Memory, agentbus.ResponseCallback) error {
	return nil
}

// EchoHandler replies with the received text. Useful for wiring checks.
func EchoHandler(ctx context.Context, rt *Runtime, m *models.Memory, reply agentbus.ResponseCallback) error {
	if strings.TrimSpace(m.Content.Text) == "" {
		return nil
	}
	return reply(ctx, models.Content{
		Text:    m.Content.Text,
		Thought: "echoing " + rt.AgentName(),
		Actions: []string{"REPLY"},
		Source:  m.Content.Source,
	})
}

// HandlerByName resolves a handler from configuration.
func HandlerByName(name string) (MessageHandler, error) {
	switch name {
	case "", "none":
		return NopHandler, nil
	case "echo":
		return EchoHandler, nil
	default:
		return nil, fmt.Errorf("unknown agent handler %q", name)
	}
}

// Runtime is one hosted agent.
type Runtime struct {
	id      uuid.UUID
	name    string
	store   *store.AgentSQLiteStore
	handler MessageHandler
	logger  zerolog.Logger
}

// New creates a runtime. A nil handler means NopHandler.
func New(id uuid.UUID, name string, st *store.AgentSQLiteStore, handler MessageHandler, logger zerolog.Logger) *Runtime {
	if handler == nil {
		handler = NopHandler
	}
	return &Runtime{
		id:      id,
		name:    name,
		store:   st,
		handler: handler,
		logger:  logger.With().Str("agent_id", id.String()).Str("agent_name", name).Logger(),
	}
}

var _ agentbus.Runtime = (*Runtime)(nil)

func (r *Runtime) AgentID() uuid.UUID { return r.id }
func (r *Runtime) AgentName() string  { return r.name }

// EnsureWorld creates the world unless it already exists.
func (r *Runtime) EnsureWorld(ctx context.Context, w *models.World) error {
	created, err := r.store.EnsureWorld(ctx, w)
	if err != nil {
		return err
	}
	if created {
		r.logger.Debug().Str("world_id", w.ID.String()).Msg("world created")
	}
	return nil
}

// EnsureRoom creates the room unless it already exists.
func (r *Runtime) EnsureRoom(ctx context.Context, room *models.Room) error {
	created, err := r.store.EnsureRoom(ctx, room)
	if err != nil {
		return err
	}
	if created {
		r.logger.Debug().Str("room_id", room.ID.String()).Msg("room created")
	}
	return nil
}

func (r *Runtime) GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	return r.store.GetRoom(ctx, id)
}

func (r *Runtime) GetEntity(ctx context.Context, id uuid.UUID) (*models.Entity, error) {
	return r.store.GetEntity(ctx, id)
}

func (r *Runtime) CreateEntity(ctx context.Context, e *models.Entity) error {
	return r.store.CreateEntity(ctx, e)
}

func (r *Runtime) GetMemory(ctx context.Context, id uuid.UUID) (*models.Memory, error) {
	return r.store.GetMemory(ctx, id)
}

func (r *Runtime) CreateMemory(ctx context.Context, m *models.Memory) error {
	return r.store.CreateMemory(ctx, m)
}

func (r *Runtime) DeleteMemory(ctx context.Context, id uuid.UUID) error {
	return r.store.DeleteMemory(ctx, id)
}

func (r *Runtime) DeleteRoomMemories(ctx context.Context, roomID uuid.UUID) error {
	n, err := r.store.DeleteRoomMemories(ctx, roomID)
	if err != nil {
		return err
	}
	r.logger.Debug().Str("room_id", roomID.String()).Int64("deleted", n).Msg("room memories deleted")
	return nil
}

// RecentMemories returns the latest memories of a room, newest first.
func (r *Runtime) RecentMemories(ctx context.Context, roomID uuid.UUID, limit int) ([]models.Memory, error) {
	return r.store.ListRoomMemories(ctx, roomID, limit)
}

// EmitMessageReceived raises MESSAGE_RECEIVED by running the handler.
func (r *Runtime) EmitMessageReceived(ctx context.Context, m *models.Memory, cb agentbus.ResponseCallback) error {
	r.logger.Debug().Str("memory_id", m.ID.String()).Msg("MESSAGE_RECEIVED")
	return r.handler(ctx, r, m, cb)
}

// DirectMessage is a message delivered straight to one agent over the socket
// relay, bypassing the central message store.
type DirectMessage struct {
	MessageID   uuid.UUID
	ChannelID   uuid.UUID
	ServerID    uuid.UUID
	SenderID    uuid.UUID
	SenderName  string
	Text        string
	Source      string
	ChannelType models.ChannelType
	Attachments []models.Attachment
}

// HandleDirect records a direct message as a memory and runs the handler on
// it. Replies go to cb.
func (r *Runtime) HandleDirect(ctx context.Context, dm DirectMessage, cb agentbus.ResponseCallback) error {
	if dm.SenderID == r.id {
		return nil
	}
	channelType := dm.ChannelType
	if channelType == "" {
		channelType = models.ChannelTypeDM
	}
	source := dm.Source
	if source == "" {
		source = models.SourceTypeSocket
	}

	worldID := ids.DeriveID(r.id, dm.ServerID)
	roomID := ids.DeriveID(r.id, dm.ChannelID)
	entityID := ids.DeriveID(r.id, dm.SenderID)

	if err := r.EnsureWorld(ctx, &models.World{ID: worldID, AgentID: r.id, ServerID: dm.ServerID}); err != nil {
		return fmt.Errorf("ensure world: %w", err)
	}
	if err := r.EnsureRoom(ctx, &models.Room{
		ID:        roomID,
		AgentID:   r.id,
		WorldID:   worldID,
		ChannelID: dm.ChannelID,
		ServerID:  dm.ServerID,
		Type:      channelType,
		Source:    source,
	}); err != nil {
		return fmt.Errorf("ensure room: %w", err)
	}

	entity, err := r.GetEntity(ctx, entityID)
	if err != nil {
		return fmt.Errorf("get entity: %w", err)
	}
	if entity == nil {
		name := dm.SenderName
		if name == "" {
			name = "User-" + dm.SenderID.String()[:8]
		}
		err := r.CreateEntity(ctx, &models.Entity{ID: entityID, AgentID: r.id, Names: []string{name}})
		if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
			return fmt.Errorf("create entity: %w", err)
		}
	}

	memoryID := ids.NewUUIDv7()
	if dm.MessageID != uuid.Nil {
		memoryID = ids.DeriveID(r.id, dm.MessageID)
	}
	memory := &models.Memory{
		ID:       memoryID,
		AgentID:  r.id,
		EntityID: entityID,
		RoomID:   roomID,
		WorldID:  worldID,
		Content: models.Content{
			Text:        dm.Text,
			Source:      source,
			ChannelType: channelType,
			Attachments: dm.Attachments,
		},
		Metadata:  models.MemoryMetadata{Type: "message", Source: source, SourceID: dm.MessageID},
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := r.CreateMemory(ctx, memory); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil
		}
		return fmt.Errorf("create memory: %w", err)
	}

	return r.handler(ctx, r, memory, cb)
}
