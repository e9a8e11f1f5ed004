package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/centralbus/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func requireTag(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// EnsureServer inserts the server unless a server with its id exists.
func (s *PostgresStore) EnsureServer(ctx context.Context, srv *models.Server) error {
	prepareServer(srv)
	meta, err := encodeJSON(srv.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO servers (id, name, source_type, source_id, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, srv.ID, srv.Name, srv.SourceType, srv.SourceID, meta, srv.CreatedAt, srv.UpdatedAt)
	return err
}

// CreateServer creates a new message server.
func (s *PostgresStore) CreateServer(ctx context.Context, srv *models.Server) error {
	if srv.ID == uuid.Nil {
		srv.ID = uuid.Must(uuid.NewV7())
	}
	prepareServer(srv)
	meta, err := encodeJSON(srv.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO servers (id, name, source_type, source_id, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, srv.ID, srv.Name, srv.SourceType, srv.SourceID, meta, srv.CreatedAt, srv.UpdatedAt)
	if isPgUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func scanPgServer(row pgx.Row) (*models.Server, error) {
	var (
		srv  models.Server
		meta []byte
	)
	if err := row.Scan(&srv.ID, &srv.Name, &srv.SourceType, &srv.SourceID, &meta, &srv.CreatedAt, &srv.UpdatedAt); err != nil {
		return nil, err
	}
	srv.Metadata = decodeJSON(meta)
	return &srv, nil
}

// GetServer retrieves a server by ID.
func (s *PostgresStore) GetServer(ctx context.Context, id uuid.UUID) (*models.Server, error) {
	srv, err := scanPgServer(s.pool.QueryRow(ctx, `
		SELECT id, name, source_type, source_id, metadata, created_at, updated_at
		FROM servers WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return srv, nil
}

// ListServers retrieves all servers, oldest first.
func (s *PostgresStore) ListServers(ctx context.Context) ([]models.Server, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, source_type, source_id, metadata, created_at, updated_at
		FROM servers ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []models.Server
	for rows.Next() {
		srv, err := scanPgServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, *srv)
	}
	return servers, rows.Err()
}

// AddAgentToServer associates an agent with a server. Repeated calls are no-ops.
func (s *PostgresStore) AddAgentToServer(ctx context.Context, serverID, agentID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO server_agents (server_id, agent_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, serverID, agentID)
	return err
}

// RemoveAgentFromServer removes an agent association.
func (s *PostgresStore) RemoveAgentFromServer(ctx context.Context, serverID, agentID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM server_agents WHERE server_id = $1 AND agent_id = $2
	`, serverID, agentID)
	return err
}

// ListServerAgents lists agents associated with a server.
func (s *PostgresStore) ListServerAgents(ctx context.Context, serverID uuid.UUID) ([]uuid.UUID, error) {
	return s.queryIDs(ctx, `SELECT agent_id FROM server_agents WHERE server_id = $1 ORDER BY agent_id`, serverID)
}

// ListAgentServers lists servers an agent is associated with.
func (s *PostgresStore) ListAgentServers(ctx context.Context, agentID uuid.UUID) ([]uuid.UUID, error) {
	return s.queryIDs(ctx, `SELECT server_id FROM server_agents WHERE agent_id = $1 ORDER BY server_id`, agentID)
}

func (s *PostgresStore) queryIDs(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateChannel creates a channel and its participant rows in one transaction.
func (s *PostgresStore) CreateChannel(ctx context.Context, ch *models.Channel, participants []uuid.UUID) error {
	prepareChannel(ch)
	meta, err := encodeJSON(ch.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO channels (id, server_id, name, type, source_type, source_id, topic, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, ch.ID, ch.ServerID, ch.Name, string(ch.Type), ch.SourceType, ch.SourceID, ch.Topic, meta, ch.CreatedAt, ch.UpdatedAt)
	if err != nil {
		if isPgUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}

	for _, id := range dedupeIDs(participants) {
		if _, err := tx.Exec(ctx, `
			INSERT INTO channel_participants (channel_id, user_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, ch.ID, id); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

const pgChannelColumns = `id, server_id, name, type, source_type, source_id, topic, metadata, created_at, updated_at`

func scanPgChannel(row pgx.Row) (*models.Channel, error) {
	var (
		ch   models.Channel
		typ  string
		meta []byte
	)
	if err := row.Scan(&ch.ID, &ch.ServerID, &ch.Name, &typ, &ch.SourceType, &ch.SourceID, &ch.Topic, &meta, &ch.CreatedAt, &ch.UpdatedAt); err != nil {
		return nil, err
	}
	ch.Type = models.ChannelType(typ)
	ch.Metadata = decodeJSON(meta)
	return &ch, nil
}

// GetChannel retrieves a channel by ID.
func (s *PostgresStore) GetChannel(ctx context.Context, id uuid.UUID) (*models.Channel, error) {
	ch, err := scanPgChannel(s.pool.QueryRow(ctx, `SELECT `+pgChannelColumns+` FROM channels WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return ch, nil
}

// UpdateChannel updates name, type, topic and metadata of a channel.
func (s *PostgresStore) UpdateChannel(ctx context.Context, ch *models.Channel) error {
	meta, err := encodeJSON(ch.Metadata)
	if err != nil {
		return err
	}
	ch.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE channels SET name = $1, type = $2, topic = $3, metadata = $4, updated_at = $5
		WHERE id = $6
	`, ch.Name, string(ch.Type), ch.Topic, meta, ch.UpdatedAt, ch.ID)
	if err != nil {
		return err
	}
	return requireTag(tag)
}

// DeleteChannel deletes a channel; participants and messages cascade.
func (s *PostgresStore) DeleteChannel(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM channels WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireTag(tag)
}

// ListServerChannels lists channels of a server, newest activity first.
func (s *PostgresStore) ListServerChannels(ctx context.Context, serverID uuid.UUID) ([]models.Channel, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgChannelColumns+` FROM channels WHERE server_id = $1 ORDER BY updated_at DESC`, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	channels := []models.Channel{}
	for rows.Next() {
		ch, err := scanPgChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *ch)
	}
	return channels, rows.Err()
}

// FindDMChannel finds the DM channel on a server whose participants include
// both users.
func (s *PostgresStore) FindDMChannel(ctx context.Context, serverID, userA, userB uuid.UUID) (*models.Channel, error) {
	ch, err := scanPgChannel(s.pool.QueryRow(ctx, `
		SELECT `+pgChannelColumns+` FROM channels c
		WHERE c.server_id = $1 AND c.type = $2
		  AND EXISTS (SELECT 1 FROM channel_participants p WHERE p.channel_id = c.id AND p.user_id = $3)
		  AND EXISTS (SELECT 1 FROM channel_participants p WHERE p.channel_id = c.id AND p.user_id = $4)
		ORDER BY c.created_at ASC
		LIMIT 1
	`, serverID, string(models.ChannelTypeDM), userA, userB))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return ch, nil
}

// AddParticipants adds users to a channel. Existing participants are kept.
func (s *PostgresStore) AddParticipants(ctx context.Context, channelID uuid.UUID, userIDs []uuid.UUID) error {
	batch := &pgx.Batch{}
	for _, id := range dedupeIDs(userIDs) {
		batch.Queue(`
			INSERT INTO channel_participants (channel_id, user_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, channelID, id)
	}
	if batch.Len() == 0 {
		return nil
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

// RemoveParticipant removes one user from a channel.
func (s *PostgresStore) RemoveParticipant(ctx context.Context, channelID, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM channel_participants WHERE channel_id = $1 AND user_id = $2
	`, channelID, userID)
	return err
}

// ReplaceParticipants sets the participant list of a channel.
func (s *PostgresStore) ReplaceParticipants(ctx context.Context, channelID uuid.UUID, userIDs []uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM channel_participants WHERE channel_id = $1`, channelID); err != nil {
		return err
	}
	for _, id := range dedupeIDs(userIDs) {
		if _, err := tx.Exec(ctx, `
			INSERT INTO channel_participants (channel_id, user_id) VALUES ($1, $2)
		`, channelID, id); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// ListParticipants lists participant ids of a channel.
func (s *PostgresStore) ListParticipants(ctx context.Context, channelID uuid.UUID) ([]uuid.UUID, error) {
	return s.queryIDs(ctx, `SELECT user_id FROM channel_participants WHERE channel_id = $1 ORDER BY user_id`, channelID)
}

// CreateMessage stores a central message.
func (s *PostgresStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	prepareMessage(msg)
	raw, err := encodeJSON(msg.RawMessage)
	if err != nil {
		return err
	}
	meta, err := encodeJSON(msg.Metadata)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO central_messages (id, channel_id, server_id, author_id, content, raw_message,
			source_id, source_type, in_reply_to_message_id, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, msg.ID, msg.ChannelID, msg.ServerID, msg.AuthorID, msg.Content, raw,
		msg.SourceID, msg.SourceType, msg.InReplyToMessageID, meta, msg.CreatedAt, msg.UpdatedAt)
	if isPgUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

const pgMessageColumns = `id, channel_id, server_id, author_id, content, raw_message, source_id, source_type,
	in_reply_to_message_id, metadata, created_at, updated_at`

func scanPgMessage(row pgx.Row) (*models.Message, error) {
	var (
		msg       models.Message
		raw, meta []byte
	)
	if err := row.Scan(&msg.ID, &msg.ChannelID, &msg.ServerID, &msg.AuthorID, &msg.Content, &raw,
		&msg.SourceID, &msg.SourceType, &msg.InReplyToMessageID, &meta, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
		return nil, err
	}
	msg.RawMessage = decodeJSON(raw)
	msg.Metadata = decodeJSON(meta)
	return &msg, nil
}

// GetMessage retrieves a message by ID.
func (s *PostgresStore) GetMessage(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	msg, err := scanPgMessage(s.pool.QueryRow(ctx, `SELECT `+pgMessageColumns+` FROM central_messages WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// ListMessages returns up to limit messages of a channel created strictly
// before the given time (zero means now), newest first.
func (s *PostgresStore) ListMessages(ctx context.Context, channelID uuid.UUID, limit int, before time.Time) ([]models.Message, error) {
	if before.IsZero() {
		before = time.Now().Add(time.Minute)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+pgMessageColumns+` FROM central_messages
		WHERE channel_id = $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, channelID, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0, limit)
	for rows.Next() {
		msg, err := scanPgMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// DeleteMessage deletes a message by ID.
func (s *PostgresStore) DeleteMessage(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM central_messages WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireTag(tag)
}

// ClearChannelMessages deletes every message of a channel.
func (s *PostgresStore) ClearChannelMessages(ctx context.Context, channelID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM central_messages WHERE channel_id = $1`, channelID)
	return err
}
