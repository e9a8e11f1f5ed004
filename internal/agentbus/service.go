// Package agentbus bridges the in-process bus to a single agent runtime.
//
// A Service filters central messages down to the ones its agent should see,
// translates central server/channel/author ids into agent-local world, room
// and entity ids, stores one memory per central message and hands it to the
// runtime. Replies produced by the runtime are posted back to the central
// server. Delivery is at-most-once and best effort: any failure drops the
// message for this agent without retry.
package agentbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/centralbus/internal/bus"
	"github.com/eldtechnologies/centralbus/internal/ids"
	"github.com/eldtechnologies/centralbus/internal/metrics"
	"github.com/eldtechnologies/centralbus/internal/models"
	"github.com/eldtechnologies/centralbus/internal/store"
)

// ResponseCallback delivers content generated by the agent in reply to a
// message.
type ResponseCallback func(ctx context.Context, content models.Content) error

// Runtime is the part of an agent runtime the service drives.
// EnsureWorld, EnsureRoom and CreateEntity may report store.ErrAlreadyExists;
// the service treats that as success.
type Runtime interface {
	AgentID() uuid.UUID
	AgentName() string

	EnsureWorld(ctx context.Context, w *models.World) error
	EnsureRoom(ctx context.Context, r *models.Room) error
	GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error)
	GetEntity(ctx context.Context, id uuid.UUID) (*models.Entity, error)
	CreateEntity(ctx context.Context, e *models.Entity) error
	GetMemory(ctx context.Context, id uuid.UUID) (*models.Memory, error)
	CreateMemory(ctx context.Context, m *models.Memory) error
	DeleteMemory(ctx context.Context, id uuid.UUID) error
	DeleteRoomMemories(ctx context.Context, roomID uuid.UUID) error

	// EmitMessageReceived raises MESSAGE_RECEIVED for a stored memory.
	EmitMessageReceived(ctx context.Context, m *models.Memory, cb ResponseCallback) error
}

// Central is the subset of the central API the service calls.
type Central interface {
	GetChannelParticipants(ctx context.Context, channelID uuid.UUID) ([]uuid.UUID, error)
	GetAgentServers(ctx context.Context, agentID uuid.UUID) ([]uuid.UUID, error)
	SubmitMessage(ctx context.Context, req SubmitRequest) (*models.Message, error)
}

// Outcome describes what happened to one delivered message.
type Outcome string

const (
	OutcomeDelivered      Outcome = "delivered"
	OutcomeNotParticipant Outcome = "not_participant"
	OutcomeNotSubscribed  Outcome = "server_not_subscribed"
	OutcomeSelfAuthored   Outcome = "self_authored"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeFailed         Outcome = "failed"
)

// Service is the per-agent message bus service.
type Service struct {
	runtime Runtime
	bus     *bus.Bus
	central Central
	logger  zerolog.Logger

	mu                sync.RWMutex
	subscribedServers map[uuid.UUID]struct{}

	unsubs []func()
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewService creates a service for one agent runtime.
func NewService(rt Runtime, b *bus.Bus, central Central, logger zerolog.Logger) *Service {
	return &Service{
		runtime: rt,
		bus:     b,
		central: central,
		logger: logger.With().
			Str("component", "message_bus_service").
			Str("agent_id", rt.AgentID().String()).
			Logger(),
		subscribedServers: make(map[uuid.UUID]struct{}),
	}
}

// Start loads the agent's server subscriptions and subscribes to the bus.
// If the subscriptions cannot be fetched the agent listens on the default
// server only.
func (s *Service) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	servers, err := s.central.GetAgentServers(ctx, s.runtime.AgentID())
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to fetch agent servers, falling back to default server")
		servers = []uuid.UUID{ids.DefaultServerID}
	}
	s.mu.Lock()
	for _, id := range servers {
		s.subscribedServers[id] = struct{}{}
	}
	s.mu.Unlock()

	s.unsubs = append(s.unsubs,
		s.bus.Subscribe(bus.EventNewMessage, s.onNewMessage),
		s.bus.Subscribe(bus.EventMessageDeleted, s.onMessageDeleted),
		s.bus.Subscribe(bus.EventChannelCleared, s.onChannelCleared),
		s.bus.Subscribe(bus.EventServerAgentUpdate, s.onServerAgentUpdate),
	)

	s.logger.Info().Int("servers", len(servers)).Msg("message bus service started")
	return nil
}

// Stop unsubscribes from the bus and waits for in-flight messages.
func (s *Service) Stop() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info().Msg("message bus service stopped")
}

// IsSubscribed reports whether the agent listens on a server.
func (s *Service) IsSubscribed(serverID uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subscribedServers[serverID]
	return ok
}

// onNewMessage runs each message on its own goroutine so a slow runtime
// only delays that message.
func (s *Service) onNewMessage(ev bus.Event) {
	msg, ok := ev.(bus.NewMessage)
	if !ok {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.HandleMessage(s.ctx, msg)
	}()
}

func (s *Service) onMessageDeleted(ev bus.Event) {
	del, ok := ev.(bus.MessageDeleted)
	if !ok {
		return
	}
	memoryID := ids.DeriveID(s.runtime.AgentID(), del.MessageID)
	if err := s.runtime.DeleteMemory(s.ctx, memoryID); err != nil {
		s.logger.Error().Err(err).Str("message_id", del.MessageID.String()).Msg("failed to delete memory")
		return
	}
	s.logger.Debug().Str("message_id", del.MessageID.String()).Msg("deleted memory for central message")
}

func (s *Service) onChannelCleared(ev bus.Event) {
	cleared, ok := ev.(bus.ChannelCleared)
	if !ok {
		return
	}
	roomID := ids.DeriveID(s.runtime.AgentID(), cleared.ChannelID)
	if err := s.runtime.DeleteRoomMemories(s.ctx, roomID); err != nil {
		s.logger.Error().Err(err).Str("channel_id", cleared.ChannelID.String()).Msg("failed to clear room memories")
		return
	}
	s.logger.Info().Str("channel_id", cleared.ChannelID.String()).Msg("cleared room memories")
}

func (s *Service) onServerAgentUpdate(ev bus.Event) {
	update, ok := ev.(bus.ServerAgentUpdate)
	if !ok || update.AgentID != s.runtime.AgentID() {
		return
	}
	s.mu.Lock()
	switch update.Type {
	case bus.AgentAddedToServer:
		s.subscribedServers[update.ServerID] = struct{}{}
	case bus.AgentRemovedFromServer:
		delete(s.subscribedServers, update.ServerID)
	}
	s.mu.Unlock()
	s.logger.Info().
		Str("type", string(update.Type)).
		Str("server_id", update.ServerID.String()).
		Msg("server subscription updated")
}

// HandleMessage runs one central message through the agent pipeline and
// reports what became of it. Errors are logged, never returned: the message
// is simply dropped for this agent.
func (s *Service) HandleMessage(ctx context.Context, ev bus.NewMessage) Outcome {
	outcome, err := s.handle(ctx, ev)
	metrics.AgentMessages.WithLabelValues(string(outcome)).Inc()

	log := s.logger.With().
		Str("message_id", ev.Message.ID.String()).
		Str("channel_id", ev.Message.ChannelID.String()).
		Logger()
	switch {
	case err != nil:
		log.Error().Err(err).Msg("failed to process central message")
	case outcome != OutcomeDelivered:
		log.Debug().Str("outcome", string(outcome)).Msg("dropped central message")
	}
	return outcome
}

func (s *Service) handle(ctx context.Context, ev bus.NewMessage) (Outcome, error) {
	msg := ev.Message
	agentID := s.runtime.AgentID()

	participants, err := s.central.GetChannelParticipants(ctx, msg.ChannelID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("fetch participants: %w", err)
	}
	if !containsID(participants, agentID) {
		return OutcomeNotParticipant, nil
	}

	if !s.IsSubscribed(msg.ServerID) {
		return OutcomeNotSubscribed, nil
	}

	if msg.AuthorID == agentID {
		return OutcomeSelfAuthored, nil
	}

	worldID := ids.DeriveID(agentID, msg.ServerID)
	roomID := ids.DeriveID(agentID, msg.ChannelID)
	channelType := ev.ChannelType
	if channelType == "" {
		channelType = models.ChannelTypeGroup
	}

	world := &models.World{
		ID:       worldID,
		AgentID:  agentID,
		ServerID: msg.ServerID,
		Name:     "Server " + shortID(msg.ServerID),
	}
	if err := s.ensure(s.runtime.EnsureWorld(ctx, world), "world", worldID); err != nil {
		return OutcomeFailed, err
	}

	room := &models.Room{
		ID:        roomID,
		AgentID:   agentID,
		WorldID:   worldID,
		ChannelID: msg.ChannelID,
		ServerID:  msg.ServerID,
		Name:      "Channel " + shortID(msg.ChannelID),
		Type:      channelType,
		Source:    sourceOf(ev),
	}
	if err := s.ensure(s.runtime.EnsureRoom(ctx, room), "room", roomID); err != nil {
		return OutcomeFailed, err
	}

	entityID := ids.DeriveID(agentID, msg.AuthorID)
	entity, err := s.runtime.GetEntity(ctx, entityID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("get entity: %w", err)
	}
	if entity == nil {
		entity = &models.Entity{
			ID:      entityID,
			AgentID: agentID,
			Names:   []string{displayName(ev)},
			Metadata: map[string]any{
				"centralAuthorId": msg.AuthorID.String(),
				"source":          sourceOf(ev),
			},
		}
		if err := s.ensure(s.runtime.CreateEntity(ctx, entity), "entity", entityID); err != nil {
			return OutcomeFailed, err
		}
	}

	memory := s.buildMemory(ev, entityID, roomID, worldID, channelType)
	existing, err := s.runtime.GetMemory(ctx, memory.ID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("check memory: %w", err)
	}
	if existing != nil {
		return OutcomeDuplicate, nil
	}
	if err := s.runtime.CreateMemory(ctx, memory); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return OutcomeDuplicate, nil
		}
		return OutcomeFailed, fmt.Errorf("create memory: %w", err)
	}

	if err := s.runtime.EmitMessageReceived(ctx, memory, s.replyCallback(msg, roomID)); err != nil {
		return OutcomeFailed, fmt.Errorf("emit message received: %w", err)
	}
	return OutcomeDelivered, nil
}

// ensure treats an idempotency race on creation as success.
func (s *Service) ensure(err error, kind string, id uuid.UUID) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrAlreadyExists) {
		s.logger.Debug().Str("kind", kind).Str("id", id.String()).Msg("already exists, continuing")
		return nil
	}
	return fmt.Errorf("ensure %s: %w", kind, err)
}

func (s *Service) buildMemory(ev bus.NewMessage, entityID, roomID, worldID uuid.UUID, channelType models.ChannelType) *models.Memory {
	msg := ev.Message
	agentID := s.runtime.AgentID()

	content := models.Content{
		Text:        msg.Content,
		Source:      sourceOf(ev),
		ChannelType: channelType,
		Attachments: attachmentsOf(msg),
	}
	if msg.InReplyToMessageID != nil {
		inReplyTo := ids.DeriveID(agentID, *msg.InReplyToMessageID)
		content.InReplyTo = &inReplyTo
	}

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return &models.Memory{
		ID:       ids.DeriveID(agentID, msg.ID),
		AgentID:  agentID,
		EntityID: entityID,
		RoomID:   roomID,
		WorldID:  worldID,
		Content:  content,
		Metadata: models.MemoryMetadata{
			Type:     "message",
			Source:   sourceOf(ev),
			SourceID: msg.ID,
		},
		CreatedAt: createdAt.UnixMilli(),
	}
}

// replyCallback returns the callback handed to the runtime for one message.
func (s *Service) replyCallback(original models.Message, roomID uuid.UUID) ResponseCallback {
	return func(ctx context.Context, content models.Content) error {
		if strings.TrimSpace(content.Text) == "" || content.HasAction(models.ActionIgnore) {
			metrics.AgentReplies.WithLabelValues("filtered").Inc()
			s.logger.Debug().Str("in_reply_to", original.ID.String()).Msg("reply filtered")
			return nil
		}

		channelID, serverID := original.ChannelID, original.ServerID
		room, err := s.runtime.GetRoom(ctx, roomID)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to load room, replying to original channel")
		} else if room != nil {
			channelID, serverID = room.ChannelID, room.ServerID
		}

		inReplyTo := original.ID
		req := SubmitRequest{
			ChannelID:          channelID,
			ServerID:           serverID,
			AuthorID:           s.runtime.AgentID(),
			Content:            content.Text,
			InReplyToMessageID: &inReplyTo,
			SourceType:         models.SourceTypeAgentResponse,
			RawMessage: map[string]any{
				"text":    content.Text,
				"thought": content.Thought,
				"actions": content.Actions,
			},
			Metadata: map[string]any{
				"agent_id":  s.runtime.AgentID().String(),
				"agentName": s.runtime.AgentName(),
				"thought":   content.Thought,
				"actions":   content.Actions,
			},
		}
		if room != nil && room.Type != "" {
			req.Metadata["channelType"] = string(room.Type)
		}
		if len(content.Attachments) > 0 {
			req.RawMessage["attachments"] = content.Attachments
		}

		if _, err := s.central.SubmitMessage(ctx, req); err != nil {
			metrics.AgentReplies.WithLabelValues("failed").Inc()
			s.logger.Error().Err(err).Str("channel_id", channelID.String()).Msg("failed to submit reply")
			return err
		}
		metrics.AgentReplies.WithLabelValues("submitted").Inc()
		return nil
	}
}

func containsID(list []uuid.UUID, id uuid.UUID) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}

func sourceOf(ev bus.NewMessage) string {
	if ev.Source != "" {
		return ev.Source
	}
	if ev.Message.SourceType != "" {
		return ev.Message.SourceType
	}
	return "central-bus"
}

func displayName(ev bus.NewMessage) string {
	if ev.AuthorDisplayName != "" {
		return ev.AuthorDisplayName
	}
	if name := models.SenderName(models.PayloadOf(&ev.Message)); name != "" {
		return name
	}
	return "User-" + shortID(ev.Message.AuthorID)
}

// attachmentsOf reads attachments carried in the message metadata or raw
// payload.
func attachmentsOf(msg models.Message) []models.Attachment {
	if msg.Metadata != nil {
		if atts := models.ParseAttachments(msg.Metadata["attachments"]); len(atts) > 0 {
			return atts
		}
	}
	return models.ParseAttachments(msg.RawMessage["attachments"])
}
