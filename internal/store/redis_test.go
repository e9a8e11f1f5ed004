package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStoreFromClient(client), mr
}

func TestRedisParticipantsCache(t *testing.T) {
	ctx := context.Background()
	rs, mr := newTestRedis(t)
	channelID := uuid.New()

	_, ok, err := rs.GetParticipants(ctx, channelID)
	require.NoError(t, err)
	assert.False(t, ok)

	ids := []uuid.UUID{uuid.New(), uuid.New()}
	require.NoError(t, rs.SetParticipants(ctx, channelID, ids))

	got, ok, err := rs.GetParticipants(ctx, channelID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ids, got)

	mr.FastForward(participantsTTL + 1)
	_, ok, err = rs.GetParticipants(ctx, channelID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisInvalidateParticipants(t *testing.T) {
	ctx := context.Background()
	rs, _ := newTestRedis(t)
	channelID := uuid.New()

	require.NoError(t, rs.SetParticipants(ctx, channelID, []uuid.UUID{uuid.New()}))
	require.NoError(t, rs.InvalidateParticipants(ctx, channelID))

	_, ok, err := rs.GetParticipants(ctx, channelID)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, rs.Ping(ctx))
}
