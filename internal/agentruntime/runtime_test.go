package agentruntime

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/centralbus/internal/agentbus"
	"github.com/eldtechnologies/centralbus/internal/bus"
	"github.com/eldtechnologies/centralbus/internal/ids"
	"github.com/eldtechnologies/centralbus/internal/models"
	"github.com/eldtechnologies/centralbus/internal/store"
)

func newTestStore(t *testing.T) *store.AgentSQLiteStore {
	t.Helper()
	s, err := store.NewAgentSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "agents.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

type replies struct {
	mu   sync.Mutex
	got  []models.Content
	fail error
}

func (r *replies) callback(_ context.Context, c models.Content) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, c)
	return r.fail
}

func TestHandleDirectStoresMemoryAndEchoes(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	rt := New(uuid.New(), "Echo", st, EchoHandler, zerolog.Nop())

	dm := DirectMessage{
		MessageID:  uuid.New(),
		ChannelID:  uuid.New(),
		ServerID:   ids.DefaultServerID,
		SenderID:   uuid.New(),
		SenderName: "bob",
		Text:       "ping",
	}
	var r replies
	require.NoError(t, rt.HandleDirect(ctx, dm, r.callback))

	require.Len(t, r.got, 1)
	assert.Equal(t, "ping", r.got[0].Text)
	assert.Equal(t, models.SourceTypeSocket, r.got[0].Source)

	mem, err := rt.GetMemory(ctx, ids.DeriveID(rt.AgentID(), dm.MessageID))
	require.NoError(t, err)
	require.NotNil(t, mem)
	assert.Equal(t, ids.DeriveID(rt.AgentID(), dm.ChannelID), mem.RoomID)
	assert.Equal(t, models.ChannelTypeDM, mem.Content.ChannelType)

	entity, err := rt.GetEntity(ctx, ids.DeriveID(rt.AgentID(), dm.SenderID))
	require.NoError(t, err)
	require.NotNil(t, entity)
	assert.Equal(t, []string{"bob"}, entity.Names)

	// Redelivery of the same message is ignored.
	require.NoError(t, rt.HandleDirect(ctx, dm, r.callback))
	assert.Len(t, r.got, 1)
}

func TestHandleDirectIgnoresOwnMessages(t *testing.T) {
	st := newTestStore(t)
	rt := New(uuid.New(), "Echo", st, EchoHandler, zerolog.Nop())

	var r replies
	err := rt.HandleDirect(context.Background(), DirectMessage{
		ChannelID: uuid.New(),
		SenderID:  rt.AgentID(),
		Text:      "me",
	}, r.callback)

	require.NoError(t, err)
	assert.Empty(t, r.got)
}

func TestHandleDirectPropagatesReplyError(t *testing.T) {
	st := newTestStore(t)
	rt := New(uuid.New(), "Echo", st, EchoHandler, zerolog.Nop())

	r := replies{fail: errors.New("socket closed")}
	err := rt.HandleDirect(context.Background(), DirectMessage{
		ChannelID: uuid.New(),
		SenderID:  uuid.New(),
		Text:      "hello",
	}, r.callback)

	assert.EqualError(t, err, "socket closed")
}

func TestHandlerByName(t *testing.T) {
	for _, name := range []string{"", "none", "echo"} {
		h, err := HandlerByName(name)
		require.NoError(t, err, name)
		assert.NotNil(t, h)
	}
	_, err := HandlerByName("gpt")
	assert.Error(t, err)
}

func TestDeleteRoomMemories(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	rt := New(uuid.New(), "Quiet", st, nil, zerolog.Nop())
	channel := uuid.New()

	for i := 0; i < 3; i++ {
		require.NoError(t, rt.HandleDirect(ctx, DirectMessage{
			MessageID: uuid.New(),
			ChannelID: channel,
			SenderID:  uuid.New(),
			Text:      "x",
		}, nil))
	}
	roomID := ids.DeriveID(rt.AgentID(), channel)
	mems, err := rt.RecentMemories(ctx, roomID, 10)
	require.NoError(t, err)
	require.Len(t, mems, 3)

	require.NoError(t, rt.DeleteRoomMemories(ctx, roomID))

	mems, err = rt.RecentMemories(ctx, roomID, 10)
	require.NoError(t, err)
	assert.Empty(t, mems)
}

// stubCentral accepts every message for the agent and records replies.
type stubCentral struct {
	agent uuid.UUID
	mu    sync.Mutex
	subs  []agentbus.SubmitRequest
}

func (c *stubCentral) GetChannelParticipants(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	return []uuid.UUID{c.agent}, nil
}

func (c *stubCentral) GetAgentServers(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	return []uuid.UUID{ids.DefaultServerID}, nil
}

func (c *stubCentral) SubmitMessage(_ context.Context, req agentbus.SubmitRequest) (*models.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, req)
	return &models.Message{ID: uuid.New()}, nil
}

func TestRuntimeBehindMessageBusService(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	rt := New(uuid.New(), "Echo", st, EchoHandler, zerolog.Nop())
	central := &stubCentral{agent: rt.AgentID()}

	svc := agentbus.NewService(rt, bus.New(zerolog.Nop()), central, zerolog.Nop())
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	msg := bus.NewMessage{Message: models.Message{
		ID:        uuid.New(),
		ChannelID: uuid.New(),
		ServerID:  ids.DefaultServerID,
		AuthorID:  uuid.New(),
		Content:   "hello agent",
	}}

	assert.Equal(t, agentbus.OutcomeDelivered, svc.HandleMessage(ctx, msg))
	assert.Equal(t, agentbus.OutcomeDuplicate, svc.HandleMessage(ctx, msg))

	require.Len(t, central.subs, 1)
	assert.Equal(t, "hello agent", central.subs[0].Content)
	assert.Equal(t, msg.Message.ChannelID, central.subs[0].ChannelID)
	assert.Equal(t, rt.AgentID(), central.subs[0].AuthorID)
}
