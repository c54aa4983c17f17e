// Package postgres implements store.Store on PostgreSQL via pgx. Schema
// constraints carry the store semantics: one pending command per kind per
// agent, one log record per dedupe key per collection, foreign keys cascade an
// agent delete across every table.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/musterhq/muster/internal/agents"
	"github.com/musterhq/muster/internal/store"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) GetAgent(ctx context.Context, id string) (*agents.Agent, error) {
	const q = `SELECT id, first_seen, last_seen, online, metadata FROM agents WHERE id = $1`

	var agent agents.Agent
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&agent.ID, &agent.FirstSeen, &agent.LastSeen, &agent.Online, &agent.Metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &agent, nil
}

func (s *Store) UpsertAgent(ctx context.Context, agent *agents.Agent) error {
	const q = `
		INSERT INTO agents (id, first_seen, last_seen, online, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			first_seen = EXCLUDED.first_seen,
			last_seen  = EXCLUDED.last_seen,
			online     = EXCLUDED.online,
			metadata   = EXCLUDED.metadata`

	metadata := agent.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	_, err := s.pool.Exec(ctx, q, agent.ID, agent.FirstSeen, agent.LastSeen, agent.Online, metadata)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context) ([]agents.Agent, error) {
	const q = `SELECT id, first_seen, last_seen, online, metadata FROM agents ORDER BY id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []agents.Agent
	for rows.Next() {
		var agent agents.Agent
		if err := rows.Scan(&agent.ID, &agent.FirstSeen, &agent.LastSeen, &agent.Online, &agent.Metadata); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrAgentNotFound
	}
	return nil
}

func (s *Store) OpenConnectionLog(ctx context.Context, agentID string, log agents.ConnectionLog) error {
	const q = `
		INSERT INTO connection_log (agent_id, sid, connected_at, remote_addr)
		VALUES ($1, $2, $3, $4)`

	_, err := s.pool.Exec(ctx, q, agentID, log.SID, log.ConnectedAt, log.RemoteAddr)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return store.ErrAgentNotFound
		}
		return fmt.Errorf("open connection log: %w", err)
	}
	return nil
}

func (s *Store) CloseConnectionLog(ctx context.Context, agentID, sid string, at time.Time, reason string) error {
	// Guarding on disconnected_at keeps the first close authoritative when a
	// late teardown races a supersede that already stamped the entry.
	const q = `
		UPDATE connection_log SET disconnected_at = $3, disconnect_reason = $4
		WHERE agent_id = $1 AND sid = $2 AND disconnected_at IS NULL`

	if _, err := s.pool.Exec(ctx, q, agentID, sid, at, reason); err != nil {
		return fmt.Errorf("close connection log: %w", err)
	}
	return nil
}

func (s *Store) ConnectionLogs(ctx context.Context, agentID string, limit int) ([]agents.ConnectionLog, error) {
	q := `
		SELECT sid, connected_at, disconnected_at, remote_addr, disconnect_reason
		FROM connection_log WHERE agent_id = $1 ORDER BY seq DESC`
	args := []any{agentID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("connection logs: %w", err)
	}
	defer rows.Close()

	var out []agents.ConnectionLog
	for rows.Next() {
		var log agents.ConnectionLog
		if err := rows.Scan(&log.SID, &log.ConnectedAt, &log.DisconnectedAt,
			&log.RemoteAddr, &log.DisconnectReason); err != nil {
			return nil, fmt.Errorf("scan connection log: %w", err)
		}
		if log.DisconnectedAt != nil {
			log.DurationSeconds = int64(log.DisconnectedAt.Sub(log.ConnectedAt) / time.Second)
		}
		out = append(out, log)
	}
	return out, rows.Err()
}

func (s *Store) EnqueueCommand(ctx context.Context, agentID string, entry store.QueueEntry) error {
	const q = `
		INSERT INTO command_queue (agent_id, uid, kind, payload, enqueued_at)
		VALUES ($1, $2, $3, $4, $5)`

	payload := entry.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := s.pool.Exec(ctx, q, agentID, entry.UID, entry.Kind, payload, entry.EnqueuedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgUniqueViolation:
				return store.ErrDuplicateCommandKind
			case pgForeignKeyViolation:
				return store.ErrAgentNotFound
			}
		}
		return fmt.Errorf("enqueue command: %w", err)
	}
	return nil
}

func (s *Store) QueuedCommands(ctx context.Context, agentID string) ([]store.QueueEntry, error) {
	const q = `
		SELECT uid, kind, payload, enqueued_at FROM command_queue
		WHERE agent_id = $1 ORDER BY seq`

	rows, err := s.pool.Query(ctx, q, agentID)
	if err != nil {
		return nil, fmt.Errorf("queued commands: %w", err)
	}
	defer rows.Close()

	var out []store.QueueEntry
	for rows.Next() {
		var entry store.QueueEntry
		if err := rows.Scan(&entry.UID, &entry.Kind, &entry.Payload, &entry.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *Store) DeleteQueuedCommand(ctx context.Context, agentID, uid string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM command_queue WHERE agent_id = $1 AND uid = $2`, agentID, uid)
	if err != nil {
		return fmt.Errorf("delete queued command: %w", err)
	}
	return nil
}

func (s *Store) AppendLogRecord(ctx context.Context, agentID string, c store.Collection, rec store.LogRecord) (bool, error) {
	// The conflict target is the partial dedupe index, so empty-key records
	// never collide and always insert.
	const q = `
		INSERT INTO telemetry_log (agent_id, collection, dedupe_key, doc, recorded_at, seen_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (agent_id, collection, dedupe_key) WHERE dedupe_key <> '' DO NOTHING`

	tag, err := s.pool.Exec(ctx, q, agentID, string(c), rec.Key, rec.Doc, rec.RecordedAt, rec.SeenAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return false, store.ErrAgentNotFound
		}
		return false, fmt.Errorf("append log record: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) RefreshLogRecord(ctx context.Context, agentID string, c store.Collection, key string, seenAt time.Time) (bool, error) {
	const q = `
		UPDATE telemetry_log SET seen_at = $4
		WHERE agent_id = $1 AND collection = $2 AND dedupe_key = $3 AND dedupe_key <> ''`

	tag, err := s.pool.Exec(ctx, q, agentID, string(c), key, seenAt)
	if err != nil {
		return false, fmt.Errorf("refresh log record: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) LogRecords(ctx context.Context, agentID string, c store.Collection) ([]store.LogRecord, error) {
	const q = `
		SELECT dedupe_key, doc, recorded_at, seen_at FROM telemetry_log
		WHERE agent_id = $1 AND collection = $2 ORDER BY seq`

	rows, err := s.pool.Query(ctx, q, agentID, string(c))
	if err != nil {
		return nil, fmt.Errorf("log records: %w", err)
	}
	defer rows.Close()

	var out []store.LogRecord
	for rows.Next() {
		var rec store.LogRecord
		if err := rows.Scan(&rec.Key, &rec.Doc, &rec.RecordedAt, &rec.SeenAt); err != nil {
			return nil, fmt.Errorf("scan log record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PutSnapshot(ctx context.Context, agentID string, snap store.Snapshot, doc json.RawMessage) error {
	const q = `
		INSERT INTO snapshots (agent_id, kind, doc, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (agent_id, kind) DO UPDATE SET
			doc = EXCLUDED.doc,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, q, agentID, string(snap), doc)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return store.ErrAgentNotFound
		}
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, agentID string, snap store.Snapshot) (json.RawMessage, error) {
	const q = `SELECT doc FROM snapshots WHERE agent_id = $1 AND kind = $2`

	var doc json.RawMessage
	err := s.pool.QueryRow(ctx, q, agentID, string(snap)).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return doc, nil
}

func (s *Store) GetPollConfig(ctx context.Context, agentID string) (store.PollConfig, error) {
	const q = `SELECT interval_seconds FROM poll_config WHERE agent_id = $1`

	var cfg store.PollConfig
	err := s.pool.QueryRow(ctx, q, agentID).Scan(&cfg.IntervalSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.PollConfig{}, store.ErrNoPollConfig
	}
	if err != nil {
		return store.PollConfig{}, fmt.Errorf("get poll config: %w", err)
	}
	return cfg, nil
}

func (s *Store) PutPollConfig(ctx context.Context, agentID string, cfg store.PollConfig) error {
	const q = `
		INSERT INTO poll_config (agent_id, interval_seconds)
		VALUES ($1, $2)
		ON CONFLICT (agent_id) DO UPDATE SET interval_seconds = EXCLUDED.interval_seconds`

	_, err := s.pool.Exec(ctx, q, agentID, cfg.IntervalSeconds)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return store.ErrAgentNotFound
		}
		return fmt.Errorf("put poll config: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
