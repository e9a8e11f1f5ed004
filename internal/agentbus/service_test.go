package agentbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/centralbus/internal/bus"
	"github.com/eldtechnologies/centralbus/internal/ids"
	"github.com/eldtechnologies/centralbus/internal/models"
	"github.com/eldtechnologies/centralbus/internal/store"
)

// fakeRuntime keeps everything in maps and records emitted memories.
type fakeRuntime struct {
	id   uuid.UUID
	name string

	mu       sync.Mutex
	worlds   map[uuid.UUID]*models.World
	rooms    map[uuid.UUID]*models.Room
	entities map[uuid.UUID]*models.Entity
	memories map[uuid.UUID]*models.Memory
	emitted  []*models.Memory

	// reply, when set, is passed to the callback on every emit.
	reply    *models.Content
	replyErr error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		id:       uuid.New(),
		name:     "Eliza",
		worlds:   make(map[uuid.UUID]*models.World),
		rooms:    make(map[uuid.UUID]*models.Room),
		entities: make(map[uuid.UUID]*models.Entity),
		memories: make(map[uuid.UUID]*models.Memory),
	}
}

func (f *fakeRuntime) AgentID() uuid.UUID { return f.id }
func (f *fakeRuntime) AgentName() string  { return f.name }

func (f *fakeRuntime) EnsureWorld(_ context.Context, w *models.World) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.worlds[w.ID]; ok {
		return store.ErrAlreadyExists
	}
	f.worlds[w.ID] = w
	return nil
}

func (f *fakeRuntime) EnsureRoom(_ context.Context, r *models.Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rooms[r.ID]; ok {
		return store.ErrAlreadyExists
	}
	f.rooms[r.ID] = r
	return nil
}

func (f *fakeRuntime) GetRoom(_ context.Context, id uuid.UUID) (*models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms[id], nil
}

func (f *fakeRuntime) GetEntity(_ context.Context, id uuid.UUID) (*models.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entities[id], nil
}

func (f *fakeRuntime) CreateEntity(_ context.Context, e *models.Entity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entities[e.ID]; ok {
		return store.ErrAlreadyExists
	}
	f.entities[e.ID] = e
	return nil
}

func (f *fakeRuntime) GetMemory(_ context.Context, id uuid.UUID) (*models.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.memories[id], nil
}

func (f *fakeRuntime) CreateMemory(_ context.Context, m *models.Memory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.memories[m.ID]; ok {
		return store.ErrAlreadyExists
	}
	f.memories[m.ID] = m
	return nil
}

func (f *fakeRuntime) DeleteMemory(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.memories, id)
	return nil
}

func (f *fakeRuntime) DeleteRoomMemories(_ context.Context, roomID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, m := range f.memories {
		if m.RoomID == roomID {
			delete(f.memories, id)
		}
	}
	return nil
}

func (f *fakeRuntime) EmitMessageReceived(ctx context.Context, m *models.Memory, cb ResponseCallback) error {
	f.mu.Lock()
	f.emitted = append(f.emitted, m)
	reply := f.reply
	f.mu.Unlock()
	if reply != nil {
		f.replyErr = cb(ctx, *reply)
	}
	return nil
}

func (f *fakeRuntime) memoryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.memories)
}

// fakeCentral stands in for the central HTTP API.
type fakeCentral struct {
	mu           sync.Mutex
	participants map[uuid.UUID][]uuid.UUID
	servers      []uuid.UUID
	serversErr   error
	submitted    []SubmitRequest
}

func (c *fakeCentral) GetChannelParticipants(_ context.Context, channelID uuid.UUID) ([]uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participants[channelID], nil
}

func (c *fakeCentral) GetAgentServers(_ context.Context, _ uuid.UUID) ([]uuid.UUID, error) {
	return c.servers, c.serversErr
}

func (c *fakeCentral) SubmitMessage(_ context.Context, req SubmitRequest) (*models.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted = append(c.submitted, req)
	return &models.Message{ID: uuid.New(), ChannelID: req.ChannelID, Content: req.Content}, nil
}

func (c *fakeCentral) submissions() []SubmitRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SubmitRequest(nil), c.submitted...)
}

type fixture struct {
	rt      *fakeRuntime
	central *fakeCentral
	bus     *bus.Bus
	svc     *Service
	channel uuid.UUID
	server  uuid.UUID
	user    uuid.UUID
}

func setup(t *testing.T) *fixture {
	t.Helper()
	rt := newFakeRuntime()
	channel := uuid.New()
	user := uuid.New()
	central := &fakeCentral{
		participants: map[uuid.UUID][]uuid.UUID{channel: {user, rt.id}},
		servers:      []uuid.UUID{ids.DefaultServerID},
	}
	b := bus.New(zerolog.Nop())
	svc := NewService(rt, b, central, zerolog.Nop())
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)

	return &fixture{
		rt:      rt,
		central: central,
		bus:     b,
		svc:     svc,
		channel: channel,
		server:  ids.DefaultServerID,
		user:    user,
	}
}

func (f *fixture) message(text string) bus.NewMessage {
	return bus.NewMessage{
		Message: models.Message{
			ID:         uuid.New(),
			ChannelID:  f.channel,
			ServerID:   f.server,
			AuthorID:   f.user,
			Content:    text,
			SourceType: models.SourceTypeGUI,
			CreatedAt:  time.Now(),
		},
		Source:            models.SourceTypeGUI,
		ChannelType:       models.ChannelTypeGroup,
		AuthorDisplayName: "alice",
	}
}

func TestHandleMessageDelivers(t *testing.T) {
	f := setup(t)
	ev := f.message("hello")

	outcome := f.svc.HandleMessage(context.Background(), ev)
	require.Equal(t, OutcomeDelivered, outcome)

	require.Len(t, f.rt.emitted, 1)
	mem := f.rt.emitted[0]
	assert.Equal(t, ids.DeriveID(f.rt.id, ev.Message.ID), mem.ID)
	assert.Equal(t, ids.DeriveID(f.rt.id, f.channel), mem.RoomID)
	assert.Equal(t, ids.DeriveID(f.rt.id, f.server), mem.WorldID)
	assert.Equal(t, ids.DeriveID(f.rt.id, f.user), mem.EntityID)
	assert.Equal(t, "hello", mem.Content.Text)
	assert.Equal(t, ev.Message.ID, mem.Metadata.SourceID)

	entity := f.rt.entities[mem.EntityID]
	require.NotNil(t, entity)
	assert.Equal(t, []string{"alice"}, entity.Names)
}

func TestHandleMessageSkipsNonParticipant(t *testing.T) {
	f := setup(t)
	f.central.participants[f.channel] = []uuid.UUID{f.user}

	outcome := f.svc.HandleMessage(context.Background(), f.message("hi"))

	assert.Equal(t, OutcomeNotParticipant, outcome)
	assert.Empty(t, f.rt.emitted)
	assert.Zero(t, f.rt.memoryCount())
}

func TestHandleMessageSkipsUnsubscribedServer(t *testing.T) {
	f := setup(t)
	ev := f.message("hi")
	ev.Message.ServerID = uuid.New()

	outcome := f.svc.HandleMessage(context.Background(), ev)

	assert.Equal(t, OutcomeNotSubscribed, outcome)
	assert.Empty(t, f.rt.emitted)
}

func TestHandleMessageSkipsOwnMessages(t *testing.T) {
	f := setup(t)
	ev := f.message("echo")
	ev.Message.AuthorID = f.rt.id

	outcome := f.svc.HandleMessage(context.Background(), ev)

	assert.Equal(t, OutcomeSelfAuthored, outcome)
	assert.Empty(t, f.rt.emitted)
	assert.Zero(t, f.rt.memoryCount())
}

func TestDuplicateDeliveryCreatesOneMemory(t *testing.T) {
	f := setup(t)
	ev := f.message("once")

	first := f.svc.HandleMessage(context.Background(), ev)
	second := f.svc.HandleMessage(context.Background(), ev)

	assert.Equal(t, OutcomeDelivered, first)
	assert.Equal(t, OutcomeDuplicate, second)
	assert.Equal(t, 1, f.rt.memoryCount())
	assert.Len(t, f.rt.emitted, 1)
}

func TestConcurrentDuplicateDelivery(t *testing.T) {
	f := setup(t)
	ev := f.message("race")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.svc.HandleMessage(context.Background(), ev)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.rt.memoryCount())
	assert.Len(t, f.rt.emitted, 1)
}

func TestReplyIsSubmitted(t *testing.T) {
	f := setup(t)
	f.rt.reply = &models.Content{Text: "hi there", Thought: "greet back", Actions: []string{"REPLY"}}
	ev := f.message("hello")

	require.Equal(t, OutcomeDelivered, f.svc.HandleMessage(context.Background(), ev))
	require.NoError(t, f.rt.replyErr)

	subs := f.central.submissions()
	require.Len(t, subs, 1)
	sub := subs[0]
	assert.Equal(t, f.channel, sub.ChannelID)
	assert.Equal(t, f.server, sub.ServerID)
	assert.Equal(t, f.rt.id, sub.AuthorID)
	assert.Equal(t, "hi there", sub.Content)
	assert.Equal(t, models.SourceTypeAgentResponse, sub.SourceType)
	require.NotNil(t, sub.InReplyToMessageID)
	assert.Equal(t, ev.Message.ID, *sub.InReplyToMessageID)
	assert.Equal(t, "greet back", sub.Metadata["thought"])
	assert.Equal(t, "Eliza", sub.Metadata["agentName"])
	assert.Equal(t, string(models.ChannelTypeGroup), sub.Metadata["channelType"])
}

func TestReplyFiltered(t *testing.T) {
	tests := []struct {
		name  string
		reply models.Content
	}{
		{"empty text", models.Content{Text: "   "}},
		{"ignore action", models.Content{Text: "whatever", Actions: []string{"IGNORE"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			reply := tt.reply
			f.rt.reply = &reply

			require.Equal(t, OutcomeDelivered, f.svc.HandleMessage(context.Background(), f.message("hey")))
			assert.Empty(t, f.central.submissions())
		})
	}
}

func TestServerAgentUpdate(t *testing.T) {
	f := setup(t)
	other := uuid.New()

	f.bus.Emit(bus.ServerAgentUpdate{Type: bus.AgentAddedToServer, AgentID: f.rt.id, ServerID: other})
	assert.True(t, f.svc.IsSubscribed(other))

	f.bus.Emit(bus.ServerAgentUpdate{Type: bus.AgentAddedToServer, AgentID: uuid.New(), ServerID: uuid.New()})

	f.bus.Emit(bus.ServerAgentUpdate{Type: bus.AgentRemovedFromServer, AgentID: f.rt.id, ServerID: other})
	assert.False(t, f.svc.IsSubscribed(other))
	assert.True(t, f.svc.IsSubscribed(ids.DefaultServerID))
}

func TestStartFallsBackToDefaultServer(t *testing.T) {
	rt := newFakeRuntime()
	central := &fakeCentral{serversErr: errors.New("connection refused")}
	svc := NewService(rt, bus.New(zerolog.Nop()), central, zerolog.Nop())

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	assert.True(t, svc.IsSubscribed(ids.DefaultServerID))
}

func TestMessageDeletedRemovesMemory(t *testing.T) {
	f := setup(t)
	ev := f.message("to be deleted")
	require.Equal(t, OutcomeDelivered, f.svc.HandleMessage(context.Background(), ev))
	require.Equal(t, 1, f.rt.memoryCount())

	f.bus.Emit(bus.MessageDeleted{MessageID: ev.Message.ID, ChannelID: f.channel})

	assert.Zero(t, f.rt.memoryCount())
}

func TestChannelClearedRemovesRoomMemories(t *testing.T) {
	f := setup(t)
	for _, text := range []string{"one", "two", "three"} {
		require.Equal(t, OutcomeDelivered, f.svc.HandleMessage(context.Background(), f.message(text)))
	}
	require.Equal(t, 3, f.rt.memoryCount())

	f.bus.Emit(bus.ChannelCleared{ChannelID: f.channel})

	assert.Zero(t, f.rt.memoryCount())
}

func TestBusDeliveryIsAsynchronous(t *testing.T) {
	f := setup(t)

	f.bus.Emit(f.message("via bus"))

	assert.Eventually(t, func() bool {
		return f.rt.memoryCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestStopUnsubscribes(t *testing.T) {
	f := setup(t)
	f.svc.Stop()

	assert.Zero(t, f.bus.ListenerCount(bus.EventNewMessage))
	assert.Zero(t, f.bus.ListenerCount(bus.EventServerAgentUpdate))
}

func TestAttachmentsCarriedIntoMemory(t *testing.T) {
	f := setup(t)
	ev := f.message("look")
	ev.Message.Metadata = map[string]any{
		"attachments": []any{
			map[string]any{"url": "/media/uploads/channels/x/a.png", "contentType": "image/png"},
			map[string]any{"title": "no url"},
		},
	}

	require.Equal(t, OutcomeDelivered, f.svc.HandleMessage(context.Background(), ev))
	require.Len(t, f.rt.emitted, 1)
	atts := f.rt.emitted[0].Content.Attachments
	require.Len(t, atts, 1)
	assert.Equal(t, "/media/uploads/channels/x/a.png", atts[0].URL)
	assert.Equal(t, "image/png", atts[0].ContentType)
}
