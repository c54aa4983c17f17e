// Package tests holds the system-test scenarios. Each entry point takes the
// shared fixtures so systemtest/main_test.go can run them as subtests against
// one database container.
package tests

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musterhq/muster/internal/agents"
	"github.com/musterhq/muster/internal/store"
)

func seedAgent(t *testing.T, st store.Store, id string) {
	t.Helper()
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, st.UpsertAgent(context.Background(), &agents.Agent{
		ID:        id,
		FirstSeen: now,
		LastSeen:  now,
		Metadata:  map[string]string{"model": "Pixel 8"},
	}))
}

// TestStoreConformance exercises the persistence contract against a real
// database: the same behavior the memory store pins in its unit tests.
func TestStoreConformance(t *testing.T, st store.Store) {
	ctx := context.Background()

	t.Run("agent round trip", func(t *testing.T) {
		seedAgent(t, st, "st-agent-1")

		agent, err := st.GetAgent(ctx, "st-agent-1")
		require.NoError(t, err)
		assert.Equal(t, "st-agent-1", agent.ID)
		assert.Equal(t, "Pixel 8", agent.Metadata["model"])
		assert.False(t, agent.Online)

		agent.Online = true
		agent.LastSeen = agent.LastSeen.Add(time.Minute)
		require.NoError(t, st.UpsertAgent(ctx, agent))

		updated, err := st.GetAgent(ctx, "st-agent-1")
		require.NoError(t, err)
		assert.True(t, updated.Online)
		assert.True(t, updated.LastSeen.Equal(agent.LastSeen))
		assert.True(t, updated.FirstSeen.Equal(agent.FirstSeen))
	})

	t.Run("unknown agent", func(t *testing.T) {
		_, err := st.GetAgent(ctx, "st-ghost")
		assert.ErrorIs(t, err, store.ErrAgentNotFound)
	})

	t.Run("writes require agent", func(t *testing.T) {
		err := st.EnqueueCommand(ctx, "st-ghost", store.QueueEntry{UID: "u1", Kind: "wifi"})
		assert.ErrorIs(t, err, store.ErrAgentNotFound)

		_, err = st.AppendLogRecord(ctx, "st-ghost", store.CollectionCalls, store.LogRecord{Doc: json.RawMessage(`{}`)})
		assert.ErrorIs(t, err, store.ErrAgentNotFound)

		err = st.PutSnapshot(ctx, "st-ghost", store.SnapshotApps, json.RawMessage(`[]`))
		assert.ErrorIs(t, err, store.ErrAgentNotFound)

		err = st.PutPollConfig(ctx, "st-ghost", store.PollConfig{IntervalSeconds: 60})
		assert.ErrorIs(t, err, store.ErrAgentNotFound)
	})

	t.Run("queue order and duplicate kind", func(t *testing.T) {
		seedAgent(t, st, "st-agent-2")
		now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

		require.NoError(t, st.EnqueueCommand(ctx, "st-agent-2",
			store.QueueEntry{UID: "u1", Kind: "location", Payload: json.RawMessage(`{}`), EnqueuedAt: now}))
		require.NoError(t, st.EnqueueCommand(ctx, "st-agent-2",
			store.QueueEntry{UID: "u2", Kind: "contacts", Payload: json.RawMessage(`{}`), EnqueuedAt: now}))

		err := st.EnqueueCommand(ctx, "st-agent-2",
			store.QueueEntry{UID: "u3", Kind: "location", Payload: json.RawMessage(`{}`), EnqueuedAt: now})
		assert.ErrorIs(t, err, store.ErrDuplicateCommandKind)

		queue, err := st.QueuedCommands(ctx, "st-agent-2")
		require.NoError(t, err)
		require.Len(t, queue, 2)
		assert.Equal(t, "u1", queue[0].UID)
		assert.Equal(t, "u2", queue[1].UID)

		// Removing the entry frees its kind.
		require.NoError(t, st.DeleteQueuedCommand(ctx, "st-agent-2", "u1"))
		require.NoError(t, st.EnqueueCommand(ctx, "st-agent-2",
			store.QueueEntry{UID: "u4", Kind: "location", Payload: json.RawMessage(`{}`), EnqueuedAt: now}))

		queue, err = st.QueuedCommands(ctx, "st-agent-2")
		require.NoError(t, err)
		require.Len(t, queue, 2)
		assert.Equal(t, "u2", queue[0].UID)
		assert.Equal(t, "u4", queue[1].UID)
	})

	t.Run("log dedupe and refresh", func(t *testing.T) {
		seedAgent(t, st, "st-agent-3")
		recorded := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)

		rec := store.LogRecord{
			Key:        "net-1",
			Doc:        json.RawMessage(`{"ssid":"home"}`),
			RecordedAt: recorded,
			SeenAt:     recorded,
		}
		inserted, err := st.AppendLogRecord(ctx, "st-agent-3", store.CollectionWifi, rec)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = st.AppendLogRecord(ctx, "st-agent-3", store.CollectionWifi, rec)
		require.NoError(t, err)
		assert.False(t, inserted)

		later := recorded.Add(10 * time.Minute)
		refreshed, err := st.RefreshLogRecord(ctx, "st-agent-3", store.CollectionWifi, "net-1", later)
		require.NoError(t, err)
		assert.True(t, refreshed)

		refreshed, err = st.RefreshLogRecord(ctx, "st-agent-3", store.CollectionWifi, "net-2", later)
		require.NoError(t, err)
		assert.False(t, refreshed)

		records, err := st.LogRecords(ctx, "st-agent-3", store.CollectionWifi)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.True(t, records[0].SeenAt.Equal(later))
		assert.True(t, records[0].RecordedAt.Equal(recorded))

		// Keyless records always append.
		for i := 0; i < 2; i++ {
			inserted, err := st.AppendLogRecord(ctx, "st-agent-3", store.CollectionGPS,
				store.LogRecord{Doc: json.RawMessage(`{"lat":1}`), RecordedAt: recorded, SeenAt: recorded})
			require.NoError(t, err)
			assert.True(t, inserted)
		}
		fixes, err := st.LogRecords(ctx, "st-agent-3", store.CollectionGPS)
		require.NoError(t, err)
		assert.Len(t, fixes, 2)
	})

	t.Run("same key in different collections", func(t *testing.T) {
		seedAgent(t, st, "st-agent-4")
		now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		rec := store.LogRecord{Key: "shared", Doc: json.RawMessage(`{}`), RecordedAt: now, SeenAt: now}

		inserted, err := st.AppendLogRecord(ctx, "st-agent-4", store.CollectionCalls, rec)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = st.AppendLogRecord(ctx, "st-agent-4", store.CollectionSMS, rec)
		require.NoError(t, err)
		assert.True(t, inserted)
	})

	t.Run("snapshot replace", func(t *testing.T) {
		seedAgent(t, st, "st-agent-5")

		_, err := st.GetSnapshot(ctx, "st-agent-5", store.SnapshotApps)
		assert.ErrorIs(t, err, store.ErrSnapshotNotFound)

		require.NoError(t, st.PutSnapshot(ctx, "st-agent-5", store.SnapshotApps, json.RawMessage(`[{"name":"maps"}]`)))
		require.NoError(t, st.PutSnapshot(ctx, "st-agent-5", store.SnapshotApps, json.RawMessage(`[{"name":"camera"}]`)))

		doc, err := st.GetSnapshot(ctx, "st-agent-5", store.SnapshotApps)
		require.NoError(t, err)
		assert.JSONEq(t, `[{"name":"camera"}]`, string(doc))
	})

	t.Run("connection history", func(t *testing.T) {
		seedAgent(t, st, "st-agent-8")
		t0 := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)

		err := st.OpenConnectionLog(ctx, "st-ghost", agents.ConnectionLog{SID: "s0", ConnectedAt: t0})
		assert.ErrorIs(t, err, store.ErrAgentNotFound)

		require.NoError(t, st.OpenConnectionLog(ctx, "st-agent-8", agents.ConnectionLog{
			SID: "s1", ConnectedAt: t0, RemoteAddr: "203.0.113.7",
		}))
		require.NoError(t, st.OpenConnectionLog(ctx, "st-agent-8", agents.ConnectionLog{
			SID: "s2", ConnectedAt: t0.Add(time.Minute),
		}))

		require.NoError(t, st.CloseConnectionLog(ctx, "st-agent-8", "s1", t0.Add(30*time.Second), "superseded"))
		// The second close loses; the first stamp is authoritative.
		require.NoError(t, st.CloseConnectionLog(ctx, "st-agent-8", "s1", t0.Add(time.Hour), "client closed"))
		require.NoError(t, st.CloseConnectionLog(ctx, "st-agent-8", "missing", t0, "client closed"))

		logs, err := st.ConnectionLogs(ctx, "st-agent-8", 0)
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, "s2", logs[0].SID)
		assert.Nil(t, logs[0].DisconnectedAt)
		assert.Equal(t, "s1", logs[1].SID)
		require.NotNil(t, logs[1].DisconnectedAt)
		assert.Equal(t, "superseded", logs[1].DisconnectReason)
		assert.Equal(t, int64(30), logs[1].DurationSeconds)
		assert.Equal(t, "203.0.113.7", logs[1].RemoteAddr)

		capped, err := st.ConnectionLogs(ctx, "st-agent-8", 1)
		require.NoError(t, err)
		require.Len(t, capped, 1)
		assert.Equal(t, "s2", capped[0].SID)
	})

	t.Run("poll config", func(t *testing.T) {
		seedAgent(t, st, "st-agent-6")

		_, err := st.GetPollConfig(ctx, "st-agent-6")
		assert.ErrorIs(t, err, store.ErrNoPollConfig)

		require.NoError(t, st.PutPollConfig(ctx, "st-agent-6", store.PollConfig{IntervalSeconds: 120}))
		cfg, err := st.GetPollConfig(ctx, "st-agent-6")
		require.NoError(t, err)
		assert.Equal(t, 120, cfg.IntervalSeconds)

		// An explicit zero is a stored setting, not absence.
		require.NoError(t, st.PutPollConfig(ctx, "st-agent-6", store.PollConfig{IntervalSeconds: 0}))
		cfg, err = st.GetPollConfig(ctx, "st-agent-6")
		require.NoError(t, err)
		assert.Equal(t, 0, cfg.IntervalSeconds)
	})

	t.Run("delete agent cascades", func(t *testing.T) {
		seedAgent(t, st, "st-agent-7")
		now := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)

		require.NoError(t, st.EnqueueCommand(ctx, "st-agent-7",
			store.QueueEntry{UID: "u1", Kind: "wifi", Payload: json.RawMessage(`{}`), EnqueuedAt: now}))
		_, err := st.AppendLogRecord(ctx, "st-agent-7", store.CollectionCalls,
			store.LogRecord{Doc: json.RawMessage(`{}`), RecordedAt: now, SeenAt: now})
		require.NoError(t, err)
		require.NoError(t, st.PutSnapshot(ctx, "st-agent-7", store.SnapshotApps, json.RawMessage(`[]`)))
		require.NoError(t, st.PutPollConfig(ctx, "st-agent-7", store.PollConfig{IntervalSeconds: 60}))
		require.NoError(t, st.OpenConnectionLog(ctx, "st-agent-7",
			agents.ConnectionLog{SID: "s1", ConnectedAt: now}))

		require.NoError(t, st.DeleteAgent(ctx, "st-agent-7"))

		_, err = st.GetAgent(ctx, "st-agent-7")
		assert.ErrorIs(t, err, store.ErrAgentNotFound)

		queue, err := st.QueuedCommands(ctx, "st-agent-7")
		require.NoError(t, err)
		assert.Empty(t, queue)

		records, err := st.LogRecords(ctx, "st-agent-7", store.CollectionCalls)
		require.NoError(t, err)
		assert.Empty(t, records)

		_, err = st.GetSnapshot(ctx, "st-agent-7", store.SnapshotApps)
		assert.ErrorIs(t, err, store.ErrSnapshotNotFound)

		_, err = st.GetPollConfig(ctx, "st-agent-7")
		assert.ErrorIs(t, err, store.ErrNoPollConfig)

		logs, err := st.ConnectionLogs(ctx, "st-agent-7", 0)
		require.NoError(t, err)
		assert.Empty(t, logs)

		assert.True(t, errors.Is(st.DeleteAgent(ctx, "st-agent-7"), store.ErrAgentNotFound))
	})
}
