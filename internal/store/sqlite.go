package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/centralbus/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/central.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := openSQLite(ctx, dbPath, "./data/central.db")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// openSQLite opens a WAL-mode database with foreign keys enabled, creating
// the parent directory when needed.
func openSQLite(ctx context.Context, dbPath, fallback string) (*sql.DB, error) {
	if dbPath == "" {
		dbPath = fallback
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS servers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		source_type TEXT NOT NULL DEFAULT '',
		source_id TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS server_agents (
		server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		agent_id TEXT NOT NULL,
		PRIMARY KEY (server_id, agent_id)
	);

	CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		source_type TEXT NOT NULL DEFAULT '',
		source_id TEXT NOT NULL DEFAULT '',
		topic TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS channel_participants (
		channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		PRIMARY KEY (channel_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS central_messages (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
		server_id TEXT NOT NULL,
		author_id TEXT NOT NULL,
		content TEXT NOT NULL,
		raw_message TEXT NOT NULL DEFAULT '{}',
		source_id TEXT NOT NULL DEFAULT '',
		source_type TEXT NOT NULL DEFAULT '',
		in_reply_to_message_id TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_channels_server ON channels(server_id);
	CREATE INDEX IF NOT EXISTS idx_participants_user ON channel_participants(user_id);
	CREATE INDEX IF NOT EXISTS idx_messages_channel_created ON central_messages(channel_id, created_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// EnsureServer inserts the server unless a server with its id exists.
func (s *SQLiteStore) EnsureServer(ctx context.Context, srv *models.Server) error {
	prepareServer(srv)
	meta, err := encodeJSON(srv.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO servers (id, name, source_type, source_id, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, srv.ID.String(), srv.Name, srv.SourceType, srv.SourceID, string(meta), toMillis(srv.CreatedAt), toMillis(srv.UpdatedAt))
	return err
}

// CreateServer creates a new message server.
func (s *SQLiteStore) CreateServer(ctx context.Context, srv *models.Server) error {
	if srv.ID == uuid.Nil {
		srv.ID = uuid.Must(uuid.NewV7())
	}
	prepareServer(srv)
	meta, err := encodeJSON(srv.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO servers (id, name, source_type, source_id, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, srv.ID.String(), srv.Name, srv.SourceType, srv.SourceID, string(meta), toMillis(srv.CreatedAt), toMillis(srv.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteServer(row rowScanner) (*models.Server, error) {
	var (
		srv                  models.Server
		id, meta             string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&id, &srv.Name, &srv.SourceType, &srv.SourceID, &meta, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	srv.ID = uuid.MustParse(id)
	srv.Metadata = decodeJSON([]byte(meta))
	srv.CreatedAt = fromMillis(createdAt)
	srv.UpdatedAt = fromMillis(updatedAt)
	return &srv, nil
}

// GetServer retrieves a server by ID.
func (s *SQLiteStore) GetServer(ctx context.Context, id uuid.UUID) (*models.Server, error) {
	srv, err := scanSQLiteServer(s.db.QueryRowContext(ctx, `
		SELECT id, name, source_type, source_id, metadata, created_at, updated_at
		FROM servers WHERE id = ?
	`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return srv, nil
}

// ListServers retrieves all servers, oldest first.
func (s *SQLiteStore) ListServers(ctx context.Context) ([]models.Server, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, source_type, source_id, metadata, created_at, updated_at
		FROM servers ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []models.Server
	for rows.Next() {
		srv, err := scanSQLiteServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, *srv)
	}
	return servers, rows.Err()
}

// AddAgentToServer associates an agent with a server. Repeated calls are no-ops.
func (s *SQLiteStore) AddAgentToServer(ctx context.Context, serverID, agentID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_agents (server_id, agent_id) VALUES (?, ?)
		ON CONFLICT(server_id, agent_id) DO NOTHING
	`, serverID.String(), agentID.String())
	return err
}

// RemoveAgentFromServer removes an agent association.
func (s *SQLiteStore) RemoveAgentFromServer(ctx context.Context, serverID, agentID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM server_agents WHERE server_id = ? AND agent_id = ?
	`, serverID.String(), agentID.String())
	return err
}

// ListServerAgents lists agents associated with a server.
func (s *SQLiteStore) ListServerAgents(ctx context.Context, serverID uuid.UUID) ([]uuid.UUID, error) {
	return s.queryIDs(ctx, `SELECT agent_id FROM server_agents WHERE server_id = ? ORDER BY agent_id`, serverID.String())
}

// ListAgentServers lists servers an agent is associated with.
func (s *SQLiteStore) ListAgentServers(ctx context.Context, agentID uuid.UUID) ([]uuid.UUID, error) {
	return s.queryIDs(ctx, `SELECT server_id FROM server_agents WHERE agent_id = ? ORDER BY server_id`, agentID.String())
}

func (s *SQLiteStore) queryIDs(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []uuid.UUID{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateChannel creates a channel and its participant rows in one transaction.
func (s *SQLiteStore) CreateChannel(ctx context.Context, ch *models.Channel, participants []uuid.UUID) error {
	prepareChannel(ch)
	meta, err := encodeJSON(ch.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO channels (id, server_id, name, type, source_type, source_id, topic, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ch.ID.String(), ch.ServerID.String(), ch.Name, string(ch.Type), ch.SourceType, ch.SourceID, ch.Topic,
		string(meta), toMillis(ch.CreatedAt), toMillis(ch.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}

	for _, id := range dedupeIDs(participants) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO channel_participants (channel_id, user_id) VALUES (?, ?)
			ON CONFLICT(channel_id, user_id) DO NOTHING
		`, ch.ID.String(), id.String()); err != nil {
			return err
		}
	}

	return tx.Commit()
}

const sqliteChannelColumns = `id, server_id, name, type, source_type, source_id, topic, metadata, created_at, updated_at`

func scanSQLiteChannel(row rowScanner) (*models.Channel, error) {
	var (
		ch                   models.Channel
		id, serverID, typ    string
		meta                 string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&id, &serverID, &ch.Name, &typ, &ch.SourceType, &ch.SourceID, &ch.Topic, &meta, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	ch.ID = uuid.MustParse(id)
	ch.ServerID = uuid.MustParse(serverID)
	ch.Type = models.ChannelType(typ)
	ch.Metadata = decodeJSON([]byte(meta))
	ch.CreatedAt = fromMillis(createdAt)
	ch.UpdatedAt = fromMillis(updatedAt)
	return &ch, nil
}

// GetChannel retrieves a channel by ID.
func (s *SQLiteStore) GetChannel(ctx context.Context, id uuid.UUID) (*models.Channel, error) {
	ch, err := scanSQLiteChannel(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteChannelColumns+` FROM channels WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return ch, nil
}

// UpdateChannel updates name, type, topic and metadata of a channel.
func (s *SQLiteStore) UpdateChannel(ctx context.Context, ch *models.Channel) error {
	meta, err := encodeJSON(ch.Metadata)
	if err != nil {
		return err
	}
	ch.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE channels SET name = ?, type = ?, topic = ?, metadata = ?, updated_at = ?
		WHERE id = ?
	`, ch.Name, string(ch.Type), ch.Topic, string(meta), toMillis(ch.UpdatedAt), ch.ID.String())
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// DeleteChannel deletes a channel; participants and messages cascade.
func (s *SQLiteStore) DeleteChannel(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListServerChannels lists channels of a server, newest activity first.
func (s *SQLiteStore) ListServerChannels(ctx context.Context, serverID uuid.UUID) ([]models.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteChannelColumns+` FROM channels WHERE server_id = ? ORDER BY updated_at DESC`, serverID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	channels := []models.Channel{}
	for rows.Next() {
		ch, err := scanSQLiteChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *ch)
	}
	return channels, rows.Err()
}

// FindDMChannel finds the DM channel on a server whose participants include
// both users.
func (s *SQLiteStore) FindDMChannel(ctx context.Context, serverID, userA, userB uuid.UUID) (*models.Channel, error) {
	ch, err := scanSQLiteChannel(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteChannelColumns+` FROM channels c
		WHERE c.server_id = ? AND c.type = ?
		  AND EXISTS (SELECT 1 FROM channel_participants p WHERE p.channel_id = c.id AND p.user_id = ?)
		  AND EXISTS (SELECT 1 FROM channel_participants p WHERE p.channel_id = c.id AND p.user_id = ?)
		ORDER BY c.created_at ASC
		LIMIT 1
	`, serverID.String(), string(models.ChannelTypeDM), userA.String(), userB.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return ch, nil
}

// AddParticipants adds users to a channel. Existing participants are kept.
func (s *SQLiteStore) AddParticipants(ctx context.Context, channelID uuid.UUID, userIDs []uuid.UUID) error {
	for _, id := range dedupeIDs(userIDs) {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO channel_participants (channel_id, user_id) VALUES (?, ?)
			ON CONFLICT(channel_id, user_id) DO NOTHING
		`, channelID.String(), id.String()); err != nil {
			return err
		}
	}
	return nil
}

// RemoveParticipant removes one user from a channel.
func (s *SQLiteStore) RemoveParticipant(ctx context.Context, channelID, userID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM channel_participants WHERE channel_id = ? AND user_id = ?
	`, channelID.String(), userID.String())
	return err
}

// ReplaceParticipants sets the participant list of a channel.
func (s *SQLiteStore) ReplaceParticipants(ctx context.Context, channelID uuid.UUID, userIDs []uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM channel_participants WHERE channel_id = ?`, channelID.String()); err != nil {
		return err
	}
	for _, id := range dedupeIDs(userIDs) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO channel_participants (channel_id, user_id) VALUES (?, ?)
		`, channelID.String(), id.String()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListParticipants lists participant ids of a channel.
func (s *SQLiteStore) ListParticipants(ctx context.Context, channelID uuid.UUID) ([]uuid.UUID, error) {
	return s.queryIDs(ctx, `SELECT user_id FROM channel_participants WHERE channel_id = ? ORDER BY user_id`, channelID.String())
}

// CreateMessage stores a central message.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	prepareMessage(msg)
	raw, err := encodeJSON(msg.RawMessage)
	if err != nil {
		return err
	}
	meta, err := encodeJSON(msg.Metadata)
	if err != nil {
		return err
	}

	var inReplyTo *string
	if msg.InReplyToMessageID != nil {
		v := msg.InReplyToMessageID.String()
		inReplyTo = &v
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO central_messages (id, channel_id, server_id, author_id, content, raw_message,
			source_id, source_type, in_reply_to_message_id, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID.String(), msg.ChannelID.String(), msg.ServerID.String(), msg.AuthorID.String(), msg.Content,
		string(raw), msg.SourceID, msg.SourceType, inReplyTo, string(meta), toMillis(msg.CreatedAt), toMillis(msg.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

const sqliteMessageColumns = `id, channel_id, server_id, author_id, content, raw_message, source_id, source_type,
	in_reply_to_message_id, metadata, created_at, updated_at`

func scanSQLiteMessage(row rowScanner) (*models.Message, error) {
	var (
		msg                            models.Message
		id, channelID, serverID, author string
		raw, meta                      string
		inReplyTo                      sql.NullString
		createdAt, updatedAt           int64
	)
	if err := row.Scan(&id, &channelID, &serverID, &author, &msg.Content, &raw, &msg.SourceID, &msg.SourceType,
		&inReplyTo, &meta, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	msg.ID = uuid.MustParse(id)
	msg.ChannelID = uuid.MustParse(channelID)
	msg.ServerID = uuid.MustParse(serverID)
	msg.AuthorID = uuid.MustParse(author)
	if inReplyTo.Valid {
		if v, err := uuid.Parse(inReplyTo.String); err == nil {
			msg.InReplyToMessageID = &v
		}
	}
	msg.RawMessage = decodeJSON([]byte(raw))
	msg.Metadata = decodeJSON([]byte(meta))
	msg.CreatedAt = fromMillis(createdAt)
	msg.UpdatedAt = fromMillis(updatedAt)
	return &msg, nil
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	msg, err := scanSQLiteMessage(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteMessageColumns+` FROM central_messages WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// ListMessages returns up to limit messages of a channel created strictly
// before the given time (zero means now), newest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, channelID uuid.UUID, limit int, before time.Time) ([]models.Message, error) {
	maxCreated := int64(1<<63 - 1)
	if !before.IsZero() {
		maxCreated = toMillis(before)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteMessageColumns+` FROM central_messages
		WHERE channel_id = ? AND created_at < ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, channelID.String(), maxCreated, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0, limit)
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// DeleteMessage deletes a message by ID.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM central_messages WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// ClearChannelMessages deletes every message of a channel.
func (s *SQLiteStore) ClearChannelMessages(ctx context.Context, channelID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM central_messages WHERE channel_id = ?`, channelID.String())
	return err
}
