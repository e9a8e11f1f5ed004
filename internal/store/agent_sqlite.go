package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/eldtechnologies/centralbus/internal/models"
)

// AgentSQLiteStore persists the agent-local records derived from central
// traffic: worlds, rooms, entities and memories. Worlds and rooms are
// created with create-or-get upserts so concurrent first deliveries for the
// same channel cannot fail on a duplicate key.
type AgentSQLiteStore struct {
	db *sql.DB
}

// NewAgentSQLiteStore opens (or creates) the agent database.
func NewAgentSQLiteStore(ctx context.Context, dbPath string) (*AgentSQLiteStore, error) {
	db, err := openSQLite(ctx, dbPath, "./data/agents.db")
	if err != nil {
		return nil, err
	}

	s := &AgentSQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *AgentSQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS worlds (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		server_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		world_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		server_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		names TEXT NOT NULL DEFAULT '[]',
		metadata TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		room_id TEXT NOT NULL,
		world_id TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata TEXT NOT NULL,
		source_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_memories_room ON memories(room_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_memories_source ON memories(agent_id, source_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *AgentSQLiteStore) Close() {
	s.db.Close()
}

// EnsureWorld creates the world unless it exists. created reports whether
// this call inserted it.
func (s *AgentSQLiteStore) EnsureWorld(ctx context.Context, w *models.World) (created bool, err error) {
	meta, err := encodeJSON(w.Metadata)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO worlds (id, agent_id, server_id, name, metadata) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, w.ID.String(), w.AgentID.String(), w.ServerID.String(), w.Name, string(meta))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// EnsureRoom creates the room unless it exists.
func (s *AgentSQLiteStore) EnsureRoom(ctx context.Context, r *models.Room) (created bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, agent_id, world_id, channel_id, server_id, name, type, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, r.ID.String(), r.AgentID.String(), r.WorldID.String(), r.ChannelID.String(), r.ServerID.String(),
		r.Name, string(r.Type), r.Source)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetRoom retrieves a room by ID.
func (s *AgentSQLiteStore) GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	var (
		r                                             models.Room
		rid, agentID, worldID, channelID, serverID, t string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, world_id, channel_id, server_id, name, type, source
		FROM rooms WHERE id = ?
	`, id.String()).Scan(&rid, &agentID, &worldID, &channelID, &serverID, &r.Name, &t, &r.Source)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	r.ID = uuid.MustParse(rid)
	r.AgentID = uuid.MustParse(agentID)
	r.WorldID = uuid.MustParse(worldID)
	r.ChannelID = uuid.MustParse(channelID)
	r.ServerID = uuid.MustParse(serverID)
	r.Type = models.ChannelType(t)
	return &r, nil
}

// GetEntity retrieves an entity by ID.
func (s *AgentSQLiteStore) GetEntity(ctx context.Context, id uuid.UUID) (*models.Entity, error) {
	var (
		e            models.Entity
		eid, agentID string
		names, meta  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, names, metadata FROM entities WHERE id = ?
	`, id.String()).Scan(&eid, &agentID, &names, &meta)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	e.ID = uuid.MustParse(eid)
	e.AgentID = uuid.MustParse(agentID)
	_ = json.Unmarshal([]byte(names), &e.Names)
	e.Metadata = decodeJSON([]byte(meta))
	return &e, nil
}

// CreateEntity inserts an entity, returning ErrAlreadyExists if present.
func (s *AgentSQLiteStore) CreateEntity(ctx context.Context, e *models.Entity) error {
	names, err := json.Marshal(e.Names)
	if err != nil {
		return err
	}
	meta, err := encodeJSON(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (id, agent_id, names, metadata) VALUES (?, ?, ?, ?)
	`, e.ID.String(), e.AgentID.String(), string(names), string(meta))
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

const memoryColumns = `id, agent_id, entity_id, room_id, world_id, content, metadata, created_at`

func scanMemory(row rowScanner) (*models.Memory, error) {
	var (
		m                                      models.Memory
		id, agentID, entityID, roomID, worldID string
		content, meta                          string
	)
	if err := row.Scan(&id, &agentID, &entityID, &roomID, &worldID, &content, &meta, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.ID = uuid.MustParse(id)
	m.AgentID = uuid.MustParse(agentID)
	m.EntityID = uuid.MustParse(entityID)
	m.RoomID = uuid.MustParse(roomID)
	m.WorldID = uuid.MustParse(worldID)
	if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMemory retrieves a memory by ID.
func (s *AgentSQLiteStore) GetMemory(ctx context.Context, id uuid.UUID) (*models.Memory, error) {
	m, err := scanMemory(s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

// CreateMemory inserts a memory, returning ErrAlreadyExists if its id is
// already stored.
func (s *AgentSQLiteStore) CreateMemory(ctx context.Context, m *models.Memory) error {
	content, err := json.Marshal(m.Content)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, agent_id, entity_id, room_id, world_id, content, metadata, source_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID.String(), m.AgentID.String(), m.EntityID.String(), m.RoomID.String(), m.WorldID.String(),
		string(content), string(meta), m.Metadata.SourceID.String(), m.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

// DeleteMemory deletes a memory. Missing memories are not an error.
func (s *AgentSQLiteStore) DeleteMemory(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id.String())
	return err
}

// DeleteRoomMemories deletes all memories of a room and returns how many
// were removed.
func (s *AgentSQLiteStore) DeleteRoomMemories(ctx context.Context, roomID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE room_id = ?`, roomID.String())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListRoomMemories returns the newest memories of a room, newest first.
func (s *AgentSQLiteStore) ListRoomMemories(ctx context.Context, roomID uuid.UUID, limit int) ([]models.Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM memories WHERE room_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, roomID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	memories := []models.Memory{}
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, *m)
	}
	return memories, rows.Err()
}
