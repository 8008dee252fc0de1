package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL, for multi-process
// hub deployments where connections land on different replicas
// (spec.md §9).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS spaces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			space_id TEXT NOT NULL REFERENCES spaces(id),
			name TEXT NOT NULL DEFAULT '',
			leader TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_channels_space_id ON channels(space_id)`,
		`CREATE TABLE IF NOT EXISTS roster_entries (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL REFERENCES channels(id),
			callsign TEXT NOT NULL,
			agent_type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'unstarted',
			last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			runtime_id TEXT NOT NULL DEFAULT '',
			UNIQUE(channel_id, callsign)
		)`,
		`CREATE TABLE IF NOT EXISTS runtimes (
			id TEXT PRIMARY KEY,
			space_id TEXT NOT NULL REFERENCES spaces(id),
			name TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'offline',
			config JSONB NOT NULL DEFAULT '{}',
			last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			connection_id TEXT NOT NULL DEFAULT '',
			UNIQUE(space_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			space_id TEXT NOT NULL DEFAULT '',
			channel_id TEXT NOT NULL REFERENCES channels(id),
			sender TEXT NOT NULL DEFAULT '',
			sender_type TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT '',
			content JSONB NOT NULL DEFAULT '{}',
			is_complete BOOLEAN NOT NULL DEFAULT FALSE,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel_created ON messages(channel_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS cost_records (
			id BIGSERIAL PRIMARY KEY,
			space_id TEXT NOT NULL DEFAULT '',
			channel_id TEXT NOT NULL DEFAULT '',
			callsign TEXT NOT NULL DEFAULT '',
			cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			num_turns INTEGER NOT NULL DEFAULT 0,
			usage JSONB NOT NULL DEFAULT '{}',
			model_usage JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS connections (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL DEFAULT '__pending__',
			role TEXT NOT NULL DEFAULT 'client',
			agent_callsign TEXT NOT NULL DEFAULT '',
			container_id TEXT NOT NULL DEFAULT '',
			runtime_id TEXT NOT NULL DEFAULT '',
			connected_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_channel_id ON connections(channel_id)`,
		`CREATE TABLE IF NOT EXISTS bootstrap_tokens (
			token TEXT PRIMARY KEY,
			space_id TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ NOT NULL,
			consumed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			space_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			runtime_id TEXT NOT NULL DEFAULT '',
			channel_id TEXT NOT NULL DEFAULT '',
			detail JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_space_created ON audit_events(space_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }
func (s *PostgresStore) Close() error                   { s.pool.Close(); return nil }

// --- Spaces ---

func (s *PostgresStore) CreateSpace(ctx context.Context, sp *Space) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO spaces (id, name, created_at) VALUES ($1, $2, $3)", sp.ID, sp.Name, sp.CreatedAt)
	return err
}

func (s *PostgresStore) GetSpace(ctx context.Context, id string) (*Space, error) {
	var sp Space
	err := s.pool.QueryRow(ctx, "SELECT id, name, created_at FROM spaces WHERE id = $1", id).
		Scan(&sp.ID, &sp.Name, &sp.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return &sp, err
}

// --- Channels ---

func (s *PostgresStore) CreateChannel(ctx context.Context, ch *Channel) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO channels (id, space_id, name, leader, status, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		ch.ID, ch.SpaceID, ch.Name, ch.Leader, ch.Status, ch.CreatedAt)
	return err
}

func (s *PostgresStore) GetChannel(ctx context.Context, id string) (*Channel, error) {
	var ch Channel
	err := s.pool.QueryRow(ctx,
		"SELECT id, space_id, name, leader, status, created_at FROM channels WHERE id = $1", id,
	).Scan(&ch.ID, &ch.SpaceID, &ch.Name, &ch.Leader, &ch.Status, &ch.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return &ch, err
}

func (s *PostgresStore) ListChannels(ctx context.Context, spaceID string) ([]Channel, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id, space_id, name, leader, status, created_at FROM channels WHERE space_id = $1", spaceID)
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

func (s *PostgresStore) SetChannelLeader(ctx context.Context, channelID, leader string) error {
	_, err := s.pool.Exec(ctx, "UPDATE channels SET leader = $1 WHERE id = $2", leader, channelID)
	return err
}

// --- Roster ---

func (s *PostgresStore) UpsertRosterEntry(ctx context.Context, r *RosterEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO roster_entries (id, channel_id, callsign, agent_type, status, last_heartbeat, runtime_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT(channel_id, callsign) DO UPDATE SET
			agent_type = excluded.agent_type, status = excluded.status,
			last_heartbeat = excluded.last_heartbeat, runtime_id = excluded.runtime_id`,
		r.ID, r.ChannelID, r.Callsign, r.AgentType, r.Status, r.LastHeartbeat, r.RuntimeID)
	return err
}

func (s *PostgresStore) GetRosterEntry(ctx context.Context, channelID, callsign string) (*RosterEntry, error) {
	var r RosterEntry
	err := s.pool.QueryRow(ctx,
		`SELECT id, channel_id, callsign, agent_type, status, last_heartbeat, runtime_id
		 FROM roster_entries WHERE channel_id = $1 AND callsign = $2`, channelID, callsign,
	).Scan(&r.ID, &r.ChannelID, &r.Callsign, &r.AgentType, &r.Status, &r.LastHeartbeat, &r.RuntimeID)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return &r, err
}

func (s *PostgresStore) ListRoster(ctx context.Context, channelID string) ([]RosterEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, channel_id, callsign, agent_type, status, last_heartbeat, runtime_id
		 FROM roster_entries WHERE channel_id = $1`, channelID)
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

func (s *PostgresStore) TouchRosterHeartbeat(ctx context.Context, channelID, callsign string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE roster_entries SET last_heartbeat = $1 WHERE channel_id = $2 AND callsign = $3", at, channelID, callsign)
	return err
}

func (s *PostgresStore) SetRosterStatus(ctx context.Context, channelID, callsign, status string) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE roster_entries SET status = $1 WHERE channel_id = $2 AND callsign = $3", status, channelID, callsign)
	return err
}

// --- Runtimes ---

func (s *PostgresStore) UpsertRuntime(ctx context.Context, rt *Runtime) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runtimes (id, space_id, name, type, status, config, last_seen_at, created_at, connection_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, type = excluded.type, status = excluded.status,
			config = excluded.config, last_seen_at = excluded.last_seen_at, connection_id = excluded.connection_id`,
		rt.ID, rt.SpaceID, rt.Name, rt.Type, rt.Status, rt.Config, rt.LastSeenAt, rt.CreatedAt, rt.ConnectionID)
	return err
}

func (s *PostgresStore) GetRuntime(ctx context.Context, id string) (*Runtime, error) {
	var rt Runtime
	err := s.pool.QueryRow(ctx,
		`SELECT id, space_id, name, type, status, config, last_seen_at, created_at, connection_id
		 FROM runtimes WHERE id = $1`, id,
	).Scan(&rt.ID, &rt.SpaceID, &rt.Name, &rt.Type, &rt.Status, &rt.Config, &rt.LastSeenAt, &rt.CreatedAt, &rt.ConnectionID)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return &rt, err
}

func (s *PostgresStore) GetRuntimeByName(ctx context.Context, spaceID, name string) (*Runtime, error) {
	var rt Runtime
	err := s.pool.QueryRow(ctx,
		`SELECT id, space_id, name, type, status, config, last_seen_at, created_at, connection_id
		 FROM runtimes WHERE space_id = $1 AND name = $2`, spaceID, name,
	).Scan(&rt.ID, &rt.SpaceID, &rt.Name, &rt.Type, &rt.Status, &rt.Config, &rt.LastSeenAt, &rt.CreatedAt, &rt.ConnectionID)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return &rt, err
}

func (s *PostgresStore) ListRuntimes(ctx context.Context, spaceID string) ([]Runtime, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, space_id, name, type, status, config, last_seen_at, created_at, connection_id
		 FROM runtimes WHERE space_id = $1`, spaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Runtime
	for rows.Next() {
		var rt Runtime
		if err := rows.Scan(&rt.ID, &rt.SpaceID, &rt.Name, &rt.Type, &rt.Status, &rt.Config, &rt.LastSeenAt, &rt.CreatedAt, &rt.ConnectionID); err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetRuntimeStatus(ctx context.Context, id, status string, lastSeenAt time.Time) error {
	_, err := s.pool.Exec(ctx, "UPDATE runtimes SET status = $1, last_seen_at = $2 WHERE id = $3", status, lastSeenAt, id)
	return err
}

// --- Messages ---

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *Message) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, space_id, channel_id, sender, sender_type, type, content, is_complete, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT(id) DO UPDATE SET content = excluded.content, is_complete = excluded.is_complete, metadata = excluded.metadata`,
		msg.ID, msg.SpaceID, msg.ChannelID, msg.Sender, msg.SenderType, msg.Type, msg.Content, msg.IsComplete, msg.Metadata, msg.CreatedAt)
	return err
}

func (s *PostgresStore) GetMessages(ctx context.Context, channelID string, since, before *time.Time, limit int) ([]Message, error) {
	query := `SELECT id, space_id, channel_id, sender, sender_type, type, content, is_complete, metadata, created_at
		FROM messages WHERE channel_id = $1`
	args := []any{channelID}
	n := 1
	if since != nil {
		n++
		query += fmt.Sprintf(" AND created_at >= $%d", n)
		args = append(args, *since)
	}
	if before != nil {
		n++
		query += fmt.Sprintf(" AND created_at < $%d", n)
		args = append(args, *before)
	}
	query += " ORDER BY created_at ASC"
	if limit > 0 {
		n++
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SpaceID, &m.ChannelID, &m.Sender, &m.SenderType, &m.Type, &m.Content, &m.IsComplete, &m.Metadata, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM messages WHERE id = $1", id)
	return err
}

// --- Costs ---

func (s *PostgresStore) RecordCost(ctx context.Context, c *CostRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cost_records (space_id, channel_id, callsign, cost_usd, duration_ms, num_turns, usage, model_usage, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.SpaceID, c.ChannelID, c.Callsign, c.CostUSD, c.DurationMS, c.NumTurns, c.Usage, c.ModelUsage, c.CreatedAt)
	return err
}

// --- Connections ---

func (s *PostgresStore) UpsertConnection(ctx context.Context, c *ConnectionRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO connections (id, channel_id, role, agent_callsign, container_id, runtime_id, connected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT(id) DO UPDATE SET channel_id = excluded.channel_id, role = excluded.role,
			agent_callsign = excluded.agent_callsign, container_id = excluded.container_id, runtime_id = excluded.runtime_id`,
		c.ID, c.ChannelID, c.Role, c.AgentCallsign, c.ContainerID, c.RuntimeID, c.ConnectedAt)
	return err
}

func (s *PostgresStore) SwitchConnectionChannel(ctx context.Context, connectionID, channelID string) error {
	_, err := s.pool.Exec(ctx, "UPDATE connections SET channel_id = $1 WHERE id = $2", channelID, connectionID)
	return err
}

func (s *PostgresStore) DeleteConnection(ctx context.Context, connectionID string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM connections WHERE id = $1", connectionID)
	return err
}

func (s *PostgresStore) ListConnectionsByChannel(ctx context.Context, channelID string) ([]ConnectionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, channel_id, role, agent_callsign, container_id, runtime_id, connected_at
		 FROM connections WHERE channel_id = $1`, channelID)
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

func (s *PostgresStore) CreateBootstrapToken(ctx context.Context, t *BootstrapToken) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO bootstrap_tokens (token, space_id, expires_at, consumed, created_at) VALUES ($1, $2, $3, FALSE, $4)",
		t.Token, t.SpaceID, t.ExpiresAt, t.CreatedAt)
	return err
}

func (s *PostgresStore) ConsumeBootstrapToken(ctx context.Context, token string) (*BootstrapToken, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var t BootstrapToken
	err = tx.QueryRow(ctx,
		"SELECT token, space_id, expires_at, consumed, created_at FROM bootstrap_tokens WHERE token = $1", token,
	).Scan(&t.Token, &t.SpaceID, &t.ExpiresAt, &t.Consumed, &t.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if t.Consumed || time.Now().After(t.ExpiresAt) {
		return nil, fmt.Errorf("bootstrap token is consumed or expired")
	}

	if _, err := tx.Exec(ctx, "UPDATE bootstrap_tokens SET consumed = TRUE WHERE token = $1", token); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	t.Consumed = true
	return &t, nil
}

// --- Audit ---

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events (id, space_id, action, runtime_id, channel_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.SpaceID, event.Action, event.RuntimeID, event.ChannelID, event.Detail, event.CreatedAt)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, spaceID string, limit, offset int) ([]AuditEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, space_id, action, runtime_id, channel_id, detail, created_at
		 FROM audit_events WHERE space_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		spaceID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.SpaceID, &e.Action, &e.RuntimeID, &e.ChannelID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Retention ---

func (s *PostgresStore) PurgeOldMessages(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM messages WHERE created_at < $1", before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM audit_events WHERE created_at < $1", before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
