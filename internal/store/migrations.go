package store

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// postgresSchema is applied idempotently at startup.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS servers (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	source_type TEXT NOT NULL DEFAULT '',
	source_id TEXT NOT NULL DEFAULT '',
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS server_agents (
	server_id UUID NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
	agent_id UUID NOT NULL,
	PRIMARY KEY (server_id, agent_id)
);

CREATE TABLE IF NOT EXISTS channels (
	id UUID PRIMARY KEY,
	server_id UUID NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	source_type TEXT NOT NULL DEFAULT '',
	source_id TEXT NOT NULL DEFAULT '',
	topic TEXT NOT NULL DEFAULT '',
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS channel_participants (
	channel_id UUID NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	user_id UUID NOT NULL,
	PRIMARY KEY (channel_id, user_id)
);

CREATE TABLE IF NOT EXISTS central_messages (
	id UUID PRIMARY KEY,
	channel_id UUID NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	server_id UUID NOT NULL,
	author_id UUID NOT NULL,
	content TEXT NOT NULL,
	raw_message JSONB NOT NULL DEFAULT '{}',
	source_id TEXT NOT NULL DEFAULT '',
	source_type TEXT NOT NULL DEFAULT '',
	in_reply_to_message_id UUID,
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_channels_server ON channels(server_id);
CREATE INDEX IF NOT EXISTS idx_participants_user ON channel_participants(user_id);
CREATE INDEX IF NOT EXISTS idx_messages_channel_created ON central_messages(channel_id, created_at DESC);
`

// RunMigrations applies the PostgreSQL schema.
func RunMigrations(ctx context.Context, databaseURL string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	_, err = conn.Exec(ctx, postgresSchema)
	return err
}
