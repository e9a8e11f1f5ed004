package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/centralbus/internal/models"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "central.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.EnsureServer(context.Background(), &models.Server{ID: uuid.Nil, Name: "default", SourceType: "eliza_default"}))
	return s
}

func TestSQLiteEnsureServerIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	require.NoError(t, s.EnsureServer(ctx, &models.Server{ID: uuid.Nil, Name: "again"}))

	srv, err := s.GetServer(ctx, uuid.Nil)
	require.NoError(t, err)
	require.NotNil(t, srv)
	assert.Equal(t, "default", srv.Name)

	servers, err := s.ListServers(ctx)
	require.NoError(t, err)
	assert.Len(t, servers, 1)
}

func TestSQLiteServerAgents(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	agent := uuid.New()

	require.NoError(t, s.AddAgentToServer(ctx, uuid.Nil, agent))
	require.NoError(t, s.AddAgentToServer(ctx, uuid.Nil, agent))

	servers, err := s.ListAgentServers(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{uuid.Nil}, servers)

	agents, err := s.ListServerAgents(ctx, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{agent}, agents)

	require.NoError(t, s.RemoveAgentFromServer(ctx, uuid.Nil, agent))
	servers, err = s.ListAgentServers(ctx, agent)
	require.NoError(t, err)
	assert.Empty(t, servers)
}

func TestSQLiteChannelLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	alice, bob := uuid.New(), uuid.New()

	ch := &models.Channel{ServerID: uuid.Nil, Name: "dm", Type: models.ChannelTypeDM, Metadata: map[string]any{"isDm": true}}
	require.NoError(t, s.CreateChannel(ctx, ch, []uuid.UUID{alice, bob, alice}))
	assert.NotEqual(t, uuid.Nil, ch.ID)

	err := s.CreateChannel(ctx, &models.Channel{ID: ch.ID, ServerID: uuid.Nil, Name: "dup"}, nil)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	got, err := s.GetChannel(ctx, ch.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.ChannelTypeDM, got.Type)
	assert.Equal(t, true, got.Metadata["isDm"])

	participants, err := s.ListParticipants(ctx, ch.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{alice, bob}, participants)

	dm, err := s.FindDMChannel(ctx, uuid.Nil, bob, alice)
	require.NoError(t, err)
	require.NotNil(t, dm)
	assert.Equal(t, ch.ID, dm.ID)

	got.Name = "renamed"
	require.NoError(t, s.UpdateChannel(ctx, got))
	got, err = s.GetChannel(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	carol := uuid.New()
	require.NoError(t, s.ReplaceParticipants(ctx, ch.ID, []uuid.UUID{carol}))
	participants, err = s.ListParticipants(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{carol}, participants)

	require.NoError(t, s.DeleteChannel(ctx, ch.ID))
	assert.ErrorIs(t, s.DeleteChannel(ctx, ch.ID), ErrNotFound)

	got, err = s.GetChannel(ctx, ch.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteMessagesPaging(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	author := uuid.New()

	ch := &models.Channel{ServerID: uuid.Nil, Name: "general"}
	require.NoError(t, s.CreateChannel(ctx, ch, []uuid.UUID{author}))

	base := time.Now().Add(-time.Hour).UTC()
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		msg := &models.Message{
			ChannelID:  ch.ID,
			ServerID:   uuid.Nil,
			AuthorID:   author,
			Content:    "hello",
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
			RawMessage: map[string]any{"thought": "t"},
		}
		require.NoError(t, s.CreateMessage(ctx, msg))
		ids = append(ids, msg.ID)
	}

	page, err := s.ListMessages(ctx, ch.ID, 2, time.Time{})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[4], page[0].ID)
	assert.Equal(t, ids[3], page[1].ID)
	assert.Equal(t, "t", page[0].RawMessage["thought"])

	older, err := s.ListMessages(ctx, ch.ID, 10, page[1].CreatedAt)
	require.NoError(t, err)
	require.Len(t, older, 3)
	assert.Equal(t, ids[2], older[0].ID)

	require.NoError(t, s.DeleteMessage(ctx, ids[0]))
	assert.ErrorIs(t, s.DeleteMessage(ctx, ids[0]), ErrNotFound)

	got, err := s.GetMessage(ctx, ids[1])
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, author, got.AuthorID)

	require.NoError(t, s.ClearChannelMessages(ctx, ch.ID))
	page, err = s.ListMessages(ctx, ch.ID, 10, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestSQLiteMessageInReplyTo(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	ch := &models.Channel{ServerID: uuid.Nil, Name: "general"}
	require.NoError(t, s.CreateChannel(ctx, ch, nil))

	parent := &models.Message{ChannelID: ch.ID, AuthorID: uuid.New(), Content: "q"}
	require.NoError(t, s.CreateMessage(ctx, parent))
	reply := &models.Message{ChannelID: ch.ID, AuthorID: uuid.New(), Content: "a", InReplyToMessageID: &parent.ID}
	require.NoError(t, s.CreateMessage(ctx, reply))

	got, err := s.GetMessage(ctx, reply.ID)
	require.NoError(t, err)
	require.NotNil(t, got.InReplyToMessageID)
	assert.Equal(t, parent.ID, *got.InReplyToMessageID)
}
