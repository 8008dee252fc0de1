package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite. It is the default
// single-process backend.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in
	// the pool see the same data. Without this each pooled connection
	// gets a separate empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS spaces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			space_id TEXT NOT NULL REFERENCES spaces(id),
			name TEXT NOT NULL DEFAULT '',
			leader TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_channels_space_id ON channels(space_id)`,
		`CREATE TABLE IF NOT EXISTS roster_entries (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL REFERENCES channels(id),
			callsign TEXT NOT NULL,
			agent_type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'unstarted',
			last_heartbeat DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			runtime_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_roster_channel_callsign ON roster_entries(channel_id, callsign)`,
		`CREATE TABLE IF NOT EXISTS runtimes (
			id TEXT PRIMARY KEY,
			space_id TEXT NOT NULL REFERENCES spaces(id),
			name TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'offline',
			config TEXT NOT NULL DEFAULT '{}',
			last_seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			connection_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runtimes_space_id ON runtimes(space_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_runtimes_space_name ON runtimes(space_id, name)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			space_id TEXT NOT NULL DEFAULT '',
			channel_id TEXT NOT NULL REFERENCES channels(id),
			sender TEXT NOT NULL DEFAULT '',
			sender_type TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			is_complete INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel_created ON messages(channel_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS cost_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			space_id TEXT NOT NULL DEFAULT '',
			channel_id TEXT NOT NULL DEFAULT '',
			callsign TEXT NOT NULL DEFAULT '',
			cost_usd REAL NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			num_turns INTEGER NOT NULL DEFAULT 0,
			usage TEXT NOT NULL DEFAULT '{}',
			model_usage TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS connections (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL DEFAULT '__pending__',
			role TEXT NOT NULL DEFAULT 'client',
			agent_callsign TEXT NOT NULL DEFAULT '',
			container_id TEXT NOT NULL DEFAULT '',
			runtime_id TEXT NOT NULL DEFAULT '',
			connected_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_channel_id ON connections(channel_id)`,
		`CREATE TABLE IF NOT EXISTS bootstrap_tokens (
			token TEXT PRIMARY KEY,
			space_id TEXT NOT NULL DEFAULT '',
			expires_at DATETIME NOT NULL,
			consumed INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			space_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			runtime_id TEXT NOT NULL DEFAULT '',
			channel_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_space_created ON audit_events(space_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteStore) Close() error                   { return s.db.Close() }

// --- Spaces ---

func (s *SQLiteStore) CreateSpace(ctx context.Context, sp *Space) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO spaces (id, name, created_at) VALUES (?, ?, ?)",
		sp.ID, sp.Name, sp.CreatedAt)
	return err
}

func (s *SQLiteStore) GetSpace(ctx context.Context, id string) (*Space, error) {
	var sp Space
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM spaces WHERE id = ?", id,
	).Scan(&sp.ID, &sp.Name, &sp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &sp, err
}

// --- Channels ---

func (s *SQLiteStore) CreateChannel(ctx context.Context, ch *Channel) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO channels (id, space_id, name, leader, status, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		ch.ID, ch.SpaceID, ch.Name, ch.Leader, ch.Status, ch.CreatedAt)
	return err
}

func (s *SQLiteStore) GetChannel(ctx context.Context, id string) (*Channel, error) {
	var ch Channel
	err := s.db.QueryRowContext(ctx,
		"SELECT id, space_id, name, leader, status, created_at FROM channels WHERE id = ?", id,
	).Scan(&ch.ID, &ch.SpaceID, &ch.Name, &ch.Leader, &ch.Status, &ch.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &ch, err
}

func (s *SQLiteStore) ListChannels(ctx context.Context, spaceID string) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, space_id, name, leader, status, created_at FROM channels WHERE space_id = ?", spaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var ch Channel
		if err := rows.Scan(&ch.ID, &ch.SpaceID, &ch.Name, &ch.Leader, &ch.Status, &ch.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetChannelLeader(ctx context.Context, channelID, leader string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE channels SET leader = ? WHERE id = ?", leader, channelID)
	return err
}

// --- Roster ---

func (s *SQLiteStore) UpsertRosterEntry(ctx context.Context, r *RosterEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO roster_entries (id, channel_id, callsign, agent_type, status, last_heartbeat, runtime_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(channel_id, callsign) DO UPDATE SET
			agent_type = excluded.agent_type,
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat,
			runtime_id = excluded.runtime_id`,
		r.ID, r.ChannelID, r.Callsign, r.AgentType, r.Status, r.LastHeartbeat, r.RuntimeID)
	return err
}

func (s *SQLiteStore) GetRosterEntry(ctx context.Context, channelID, callsign string) (*RosterEntry, error) {
	var r RosterEntry
	err := s.db.QueryRowContext(ctx,
		`SELECT id, channel_id, callsign, agent_type, status, last_heartbeat, runtime_id
		 FROM roster_entries WHERE channel_id = ? AND callsign = ?`, channelID, callsign,
	).Scan(&r.ID, &r.ChannelID, &r.Callsign, &r.AgentType, &r.Status, &r.LastHeartbeat, &r.RuntimeID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &r, err
}

func (s *SQLiteStore) ListRoster(ctx context.Context, channelID string) ([]RosterEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, callsign, agent_type, status, last_heartbeat, runtime_id
		 FROM roster_entries WHERE channel_id = ?`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RosterEntry
	for rows.Next() {
		var r RosterEntry
		if err := rows.Scan(&r.ID, &r.ChannelID, &r.Callsign, &r.AgentType, &r.Status, &r.LastHeartbeat, &r.RuntimeID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) TouchRosterHeartbeat(ctx context.Context, channelID, callsign string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE roster_entries SET last_heartbeat = ? WHERE channel_id = ? AND callsign = ?",
		at, channelID, callsign)
	return err
}

func (s *SQLiteStore) SetRosterStatus(ctx context.Context, channelID, callsign, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE roster_entries SET status = ? WHERE channel_id = ? AND callsign = ?",
		status, channelID, callsign)
	return err
}

// --- Runtimes ---

func (s *SQLiteStore) UpsertRuntime(ctx context.Context, rt *Runtime) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runtimes (id, space_id, name, type, status, config, last_seen_at, created_at, connection_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, type = excluded.type, status = excluded.status,
			config = excluded.config, last_seen_at = excluded.last_seen_at,
			connection_id = excluded.connection_id`,
		rt.ID, rt.SpaceID, rt.Name, rt.Type, rt.Status, string(rt.Config), rt.LastSeenAt, rt.CreatedAt, rt.ConnectionID)
	return err
}

func (s *SQLiteStore) GetRuntime(ctx context.Context, id string) (*Runtime, error) {
	var rt Runtime
	var cfg string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, space_id, name, type, status, config, last_seen_at, created_at, connection_id
		 FROM runtimes WHERE id = ?`, id,
	).Scan(&rt.ID, &rt.SpaceID, &rt.Name, &rt.Type, &rt.Status, &cfg, &rt.LastSeenAt, &rt.CreatedAt, &rt.ConnectionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rt.Config = []byte(cfg)
	return &rt, nil
}

func (s *SQLiteStore) GetRuntimeByName(ctx context.Context, spaceID, name string) (*Runtime, error) {
	var rt Runtime
	var cfg string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, space_id, name, type, status, config, last_seen_at, created_at, connection_id
		 FROM runtimes WHERE space_id = ? AND name = ?`, spaceID, name,
	).Scan(&rt.ID, &rt.SpaceID, &rt.Name, &rt.Type, &rt.Status, &cfg, &rt.LastSeenAt, &rt.CreatedAt, &rt.ConnectionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rt.Config = []byte(cfg)
	return &rt, nil
}

func (s *SQLiteStore) ListRuntimes(ctx context.Context, spaceID string) ([]Runtime, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, space_id, name, type, status, config, last_seen_at, created_at, connection_id
		 FROM runtimes WHERE space_id = ?`, spaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Runtime
	for rows.Next() {
		var rt Runtime
		var cfg string
		if err := rows.Scan(&rt.ID, &rt.SpaceID, &rt.Name, &rt.Type, &rt.Status, &cfg, &rt.LastSeenAt, &rt.CreatedAt, &rt.ConnectionID); err != nil {
			return nil, err
		}
		rt.Config = []byte(cfg)
		out = append(out, rt)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetRuntimeStatus(ctx context.Context, id, status string, lastSeenAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE runtimes SET status = ?, last_seen_at = ? WHERE id = ?", status, lastSeenAt, id)
	return err
}

// --- Messages ---

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	isComplete := 0
	if msg.IsComplete {
		isComplete = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, space_id, channel_id, sender, sender_type, type, content, is_complete, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET content = excluded.content, is_complete = excluded.is_complete, metadata = excluded.metadata`,
		msg.ID, msg.SpaceID, msg.ChannelID, msg.Sender, msg.SenderType, msg.Type, string(msg.Content), isComplete, string(msg.Metadata), msg.CreatedAt)
	return err
}

func (s *SQLiteStore) GetMessages(ctx context.Context, channelID string, since, before *time.Time, limit int) ([]Message, error) {
	query := `SELECT id, space_id, channel_id, sender, sender_type, type, content, is_complete, metadata, created_at
		FROM messages WHERE channel_id = ?`
	args := []any{channelID}
	if since != nil {
		query += " AND created_at >= ?"
		args = append(args, *since)
	}
	if before != nil {
		query += " AND created_at < ?"
		args = append(args, *before)
	}
	query += " ORDER BY created_at ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var content, metadata string
		var isComplete int
		if err := rows.Scan(&m.ID, &m.SpaceID, &m.ChannelID, &m.Sender, &m.SenderType, &m.Type, &content, &isComplete, &metadata, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Content = []byte(content)
		m.Metadata = []byte(metadata)
		m.IsComplete = isComplete != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
	return err
}

// --- Costs ---

func (s *SQLiteStore) RecordCost(ctx context.Context, c *CostRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cost_records (space_id, channel_id, callsign, cost_usd, duration_ms, num_turns, usage, model_usage, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SpaceID, c.ChannelID, c.Callsign, c.CostUSD, c.DurationMS, c.NumTurns, string(c.Usage), string(c.ModelUsage), c.CreatedAt)
	return err
}

// --- Connections ---

func (s *SQLiteStore) UpsertConnection(ctx context.Context, c *ConnectionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (id, channel_id, role, agent_callsign, container_id, runtime_id, connected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET channel_id = excluded.channel_id, role = excluded.role,
			agent_callsign = excluded.agent_callsign, container_id = excluded.container_id, runtime_id = excluded.runtime_id`,
		c.ID, c.ChannelID, c.Role, c.AgentCallsign, c.ContainerID, c.RuntimeID, c.ConnectedAt)
	return err
}

func (s *SQLiteStore) SwitchConnectionChannel(ctx context.Context, connectionID, channelID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE connections SET channel_id = ? WHERE id = ?", channelID, connectionID)
	return err
}

func (s *SQLiteStore) DeleteConnection(ctx context.Context, connectionID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM connections WHERE id = ?", connectionID)
	return err
}

func (s *SQLiteStore) ListConnectionsByChannel(ctx context.Context, channelID string) ([]ConnectionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, role, agent_callsign, container_id, runtime_id, connected_at
		 FROM connections WHERE channel_id = ?`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConnectionRecord
	for rows.Next() {
		var c ConnectionRecord
		if err := rows.Scan(&c.ID, &c.ChannelID, &c.Role, &c.AgentCallsign, &c.ContainerID, &c.RuntimeID, &c.ConnectedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Bootstrap tokens ---

func (s *SQLiteStore) CreateBootstrapToken(ctx context.Context, t *BootstrapToken) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO bootstrap_tokens (token, space_id, expires_at, consumed, created_at) VALUES (?, ?, ?, 0, ?)",
		t.Token, t.SpaceID, t.ExpiresAt, t.CreatedAt)
	return err
}

func (s *SQLiteStore) ConsumeBootstrapToken(ctx context.Context, token string) (*BootstrapToken, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var t BootstrapToken
	var consumed int
	err = tx.QueryRowContext(ctx,
		"SELECT token, space_id, expires_at, consumed, created_at FROM bootstrap_tokens WHERE token = ?", token,
	).Scan(&t.Token, &t.SpaceID, &t.ExpiresAt, &consumed, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if consumed != 0 || time.Now().After(t.ExpiresAt) {
		return nil, fmt.Errorf("bootstrap token is consumed or expired")
	}

	if _, err := tx.ExecContext(ctx, "UPDATE bootstrap_tokens SET consumed = 1 WHERE token = ?", token); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	t.Consumed = true
	return &t, nil
}

// --- Audit ---

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, space_id, action, runtime_id, channel_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.SpaceID, event.Action, event.RuntimeID, event.ChannelID, string(event.Detail), event.CreatedAt)
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, spaceID string, limit, offset int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, space_id, action, runtime_id, channel_id, detail, created_at
		 FROM audit_events WHERE space_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		spaceID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.SpaceID, &e.Action, &e.RuntimeID, &e.ChannelID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Detail = []byte(detail)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Retention ---

func (s *SQLiteStore) PurgeOldMessages(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE created_at < ?", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE created_at < ?", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
