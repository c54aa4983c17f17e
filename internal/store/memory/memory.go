// Package memory implements store.Store entirely in process memory. It backs
// unit tests and the single-binary development mode (store.driver=memory);
// contents die with the process.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/musterhq/muster/internal/agents"
	"github.com/musterhq/muster/internal/store"
)

type agentData struct {
	queue     []store.QueueEntry
	logs      map[store.Collection][]*store.LogRecord
	logIndex  map[store.Collection]map[string]*store.LogRecord
	snapshots map[store.Snapshot]json.RawMessage
	poll      store.PollConfig
	hasPoll   bool
	conns     []*agents.ConnectionLog
}

func newAgentData() *agentData {
	return &agentData{
		logs:      make(map[store.Collection][]*store.LogRecord),
		logIndex:  make(map[store.Collection]map[string]*store.LogRecord),
		snapshots: make(map[store.Snapshot]json.RawMessage),
	}
}

// Store keeps every record in maps guarded by one RWMutex. Good enough for the
// fleet sizes a single process serves; the postgres implementation is the
// durable option.
type Store struct {
	mu     sync.RWMutex
	agents map[string]*agents.Agent
	data   map[string]*agentData
}

func New() *Store {
	return &Store{
		agents: make(map[string]*agents.Agent),
		data:   make(map[string]*agentData),
	}
}

func (s *Store) GetAgent(ctx context.Context, id string) (*agents.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, store.ErrAgentNotFound
	}
	return agent.Clone(), nil
}

func (s *Store) UpsertAgent(ctx context.Context, agent *agents.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.agents[agent.ID] = agent.Clone()
	if _, ok := s.data[agent.ID]; !ok {
		s.data[agent.ID] = newAgentData()
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context) ([]agents.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]agents.Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		out = append(out, *agent.Clone())
	}
	return out, nil
}

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[id]; !ok {
		return store.ErrAgentNotFound
	}
	delete(s.agents, id)
	delete(s.data, id)
	return nil
}

func (s *Store) OpenConnectionLog(ctx context.Context, agentID string, log agents.ConnectionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.agentData(agentID)
	if err != nil {
		return err
	}
	stored := log
	data.conns = append(data.conns, &stored)
	return nil
}

func (s *Store) CloseConnectionLog(ctx context.Context, agentID, sid string, at time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.data[agentID]
	if !ok {
		return nil
	}
	for _, log := range data.conns {
		if log.SID == sid && log.DisconnectedAt == nil {
			stamp := at
			log.DisconnectedAt = &stamp
			log.DisconnectReason = reason
			return nil
		}
	}
	return nil
}

func (s *Store) ConnectionLogs(ctx context.Context, agentID string, limit int) ([]agents.ConnectionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.data[agentID]
	if !ok {
		return nil, nil
	}
	// Append order is connect order; walk backwards for newest first.
	out := make([]agents.ConnectionLog, 0, len(data.conns))
	for i := len(data.conns) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		log := *data.conns[i]
		if log.DisconnectedAt != nil {
			log.DurationSeconds = int64(log.DisconnectedAt.Sub(log.ConnectedAt) / time.Second)
		}
		out = append(out, log)
	}
	return out, nil
}

func (s *Store) EnqueueCommand(ctx context.Context, agentID string, entry store.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.agentData(agentID)
	if err != nil {
		return err
	}
	for _, e := range data.queue {
		if e.Kind == entry.Kind {
			return store.ErrDuplicateCommandKind
		}
	}
	data.queue = append(data.queue, entry)
	return nil
}

func (s *Store) QueuedCommands(ctx context.Context, agentID string) ([]store.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.data[agentID]
	if !ok {
		return nil, nil
	}
	out := make([]store.QueueEntry, len(data.queue))
	copy(out, data.queue)
	return out, nil
}

func (s *Store) DeleteQueuedCommand(ctx context.Context, agentID, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.data[agentID]
	if !ok {
		return nil
	}
	for i, e := range data.queue {
		if e.UID == uid {
			data.queue = append(data.queue[:i], data.queue[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Store) AppendLogRecord(ctx context.Context, agentID string, c store.Collection, rec store.LogRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.agentData(agentID)
	if err != nil {
		return false, err
	}
	if rec.Key != "" {
		if _, exists := data.logIndex[c][rec.Key]; exists {
			return false, nil
		}
	}

	stored := rec
	data.logs[c] = append(data.logs[c], &stored)
	if rec.Key != "" {
		if data.logIndex[c] == nil {
			data.logIndex[c] = make(map[string]*store.LogRecord)
		}
		data.logIndex[c][rec.Key] = &stored
	}
	return true, nil
}

func (s *Store) RefreshLogRecord(ctx context.Context, agentID string, c store.Collection, key string, seenAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.data[agentID]
	if !ok {
		return false, nil
	}
	rec, exists := data.logIndex[c][key]
	if !exists {
		return false, nil
	}
	rec.SeenAt = seenAt
	return true, nil
}

func (s *Store) LogRecords(ctx context.Context, agentID string, c store.Collection) ([]store.LogRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.data[agentID]
	if !ok {
		return nil, nil
	}
	out := make([]store.LogRecord, 0, len(data.logs[c]))
	for _, rec := range data.logs[c] {
		out = append(out, *rec)
	}
	return out, nil
}

func (s *Store) PutSnapshot(ctx context.Context, agentID string, snap store.Snapshot, doc json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.agentData(agentID)
	if err != nil {
		return err
	}
	data.snapshots[snap] = append(json.RawMessage(nil), doc...)
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, agentID string, snap store.Snapshot) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.data[agentID]
	if !ok {
		return nil, store.ErrSnapshotNotFound
	}
	doc, exists := data.snapshots[snap]
	if !exists {
		return nil, store.ErrSnapshotNotFound
	}
	return append(json.RawMessage(nil), doc...), nil
}

func (s *Store) GetPollConfig(ctx context.Context, agentID string) (store.PollConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.data[agentID]
	if !ok || !data.hasPoll {
		return store.PollConfig{}, store.ErrNoPollConfig
	}
	return data.poll, nil
}

func (s *Store) PutPollConfig(ctx context.Context, agentID string, cfg store.PollConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.agentData(agentID)
	if err != nil {
		return err
	}
	data.poll = cfg
	data.hasPoll = true
	return nil
}

func (s *Store) Close() error {
	return nil
}

// agentData returns the mutable bucket for agentID. Write paths require the
// agent record to exist, matching the foreign keys of the postgres schema.
func (s *Store) agentData(agentID string) (*agentData, error) {
	if _, ok := s.agents[agentID]; !ok {
		return nil, store.ErrAgentNotFound
	}
	data, ok := s.data[agentID]
	if !ok {
		data = newAgentData()
		s.data[agentID] = data
	}
	return data, nil
}
