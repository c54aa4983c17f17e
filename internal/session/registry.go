package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/musterhq/muster/internal/agents"
	"github.com/musterhq/muster/internal/catalog"
	"github.com/musterhq/muster/internal/store"
)

// Transport is the send side of one live agent connection. Implementations
// must tolerate Close being called twice: a superseded connection is closed by
// the registry while its read loop may close it again on the way out.
type Transport interface {
	Send(kind catalog.Kind, payload json.RawMessage) error
	Close() error
}

// State tracks where a session is in its lifecycle. A session is registered
// (and supersedes any predecessor) before its queue replay runs; it only
// becomes Active once the connection loop is serving telemetry.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session is one live connection to an agent. SID identifies this particular
// connection: teardown is only honored when it names the current SID, so a
// superseded connection dying late cannot knock out its replacement.
type Session struct {
	AgentID     string
	SID         string
	Transport   Transport
	ConnectedAt time.Time

	state atomic.Int32
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Registry holds at most one live session per agent id and keeps the agent
// records in the store in step with connection lifecycle events.
type Registry struct {
	store store.Store
	clock clock.PassiveClock

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(st store.Store, clk clock.PassiveClock) *Registry {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Registry{
		store:    st,
		clock:    clk,
		sessions: make(map[string]*Session),
	}
}

// Connect upserts the agent record and registers transport as the agent's
// current session, silently replacing any session already present. The
// returned session is in StateConnecting until Activate is called.
func (r *Registry) Connect(ctx context.Context, agentID string, metadata map[string]string, transport Transport) (*Session, error) {
	now := r.clock.Now()

	agent, err := r.store.GetAgent(ctx, agentID)
	switch {
	case errors.Is(err, store.ErrAgentNotFound):
		agent = &agents.Agent{
			ID:        agentID,
			FirstSeen: now,
			Metadata:  make(map[string]string),
		}
	case err != nil:
		return nil, fmt.Errorf("failed to load agent record: %w", err)
	}

	agent.LastSeen = now
	agent.Online = true
	if agent.Metadata == nil {
		agent.Metadata = make(map[string]string)
	}
	// Merge rather than replace so a handshake that omits a field does not
	// erase what a previous one reported.
	for k, v := range metadata {
		agent.Metadata[k] = v
	}

	if err := r.store.UpsertAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to persist agent record: %w", err)
	}

	sess := &Session{
		AgentID:     agentID,
		SID:         uuid.NewString(),
		Transport:   transport,
		ConnectedAt: now,
	}
	sess.state.Store(int32(StateConnecting))

	r.mu.Lock()
	var superseded *Session
	if existing, ok := r.sessions[agentID]; ok {
		slog.Warn("Agent already connected, replacing session",
			"agent_id", agentID,
			"old_sid", existing.SID)
		existing.state.Store(int32(StateDisconnected))
		if err := existing.Transport.Close(); err != nil {
			slog.Debug("Failed to close superseded transport",
				"agent_id", agentID, "error", err)
		}
		superseded = existing
	}
	r.sessions[agentID] = sess
	total := len(r.sessions)
	r.mu.Unlock()

	// Connection history is best effort; a failed write never costs the
	// connection itself.
	if superseded != nil {
		if err := r.store.CloseConnectionLog(ctx, agentID, superseded.SID, now, "superseded"); err != nil {
			slog.Error("Failed to close superseded connection log",
				"agent_id", agentID, "error", err)
		}
	}
	if err := r.store.OpenConnectionLog(ctx, agentID, agents.ConnectionLog{
		SID:         sess.SID,
		ConnectedAt: now,
		RemoteAddr:  metadata[agents.MetaRemoteAddr],
	}); err != nil {
		slog.Error("Failed to record connection", "agent_id", agentID, "error", err)
	}

	slog.Info("Agent connected",
		"agent_id", agentID,
		"sid", sess.SID,
		"total_sessions", total)
	return sess, nil
}

// Activate transitions the named session to StateActive. Returns false when
// sid no longer identifies the agent's current session.
func (r *Registry) Activate(agentID, sid string) bool {
	r.mu.RLock()
	sess, ok := r.sessions[agentID]
	r.mu.RUnlock()

	if !ok || sess.SID != sid {
		return false
	}
	sess.state.Store(int32(StateActive))
	slog.Debug("Session activated", "agent_id", agentID, "sid", sid)
	return true
}

// Disconnect tears down the agent's session, but only if sid names the
// current one. A stale sid from a superseded connection is ignored so the
// replacement session stays registered and the agent stays online. reason is
// recorded on the session's connection log entry.
func (r *Registry) Disconnect(ctx context.Context, agentID, sid, reason string) error {
	r.mu.Lock()
	sess, ok := r.sessions[agentID]
	if !ok || sess.SID != sid {
		r.mu.Unlock()
		slog.Debug("Ignoring disconnect for superseded session",
			"agent_id", agentID, "sid", sid)
		return nil
	}
	delete(r.sessions, agentID)
	total := len(r.sessions)
	r.mu.Unlock()

	sess.state.Store(int32(StateDisconnected))
	if err := sess.Transport.Close(); err != nil {
		slog.Debug("Failed to close transport on disconnect",
			"agent_id", agentID, "error", err)
	}

	slog.Info("Agent disconnected",
		"agent_id", agentID,
		"sid", sid,
		"reason", reason,
		"total_sessions", total)

	now := r.clock.Now()
	if err := r.store.CloseConnectionLog(ctx, agentID, sid, now, reason); err != nil {
		slog.Error("Failed to close connection log", "agent_id", agentID, "error", err)
	}

	agent, err := r.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrAgentNotFound) {
		// Deleted while connected; nothing left to stamp.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load agent record: %w", err)
	}
	agent.Online = false
	agent.LastSeen = now
	if err := r.store.UpsertAgent(ctx, agent); err != nil {
		return fmt.Errorf("failed to persist agent record: %w", err)
	}
	return nil
}

// Drop removes the agent's session without touching the store and closes its
// transport. Used when the agent itself is being deleted; the read loop's
// later Disconnect then finds no session and is a no-op.
func (r *Registry) Drop(agentID string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[agentID]
	if ok {
		delete(r.sessions, agentID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	sess.state.Store(int32(StateDisconnected))
	if err := sess.Transport.Close(); err != nil {
		slog.Debug("Failed to close transport on drop",
			"agent_id", agentID, "error", err)
	}
	slog.Info("Dropped agent session", "agent_id", agentID, "sid", sess.SID)
	return true
}

func (r *Registry) Get(agentID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[agentID]
	return sess, ok
}

func (r *Registry) IsOnline(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.sessions[agentID]
	return ok
}

func (r *Registry) ListOnline() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// Shutdown closes every live transport and marks the agents offline, best
// effort. Called once when the server stops.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	now := r.clock.Now()
	for agentID, sess := range sessions {
		sess.state.Store(int32(StateDisconnected))
		if err := sess.Transport.Close(); err != nil {
			slog.Debug("Failed to close transport on shutdown",
				"agent_id", agentID, "error", err)
		}

		if err := r.store.CloseConnectionLog(ctx, agentID, sess.SID, now, "server shutdown"); err != nil {
			slog.Error("Failed to close connection log during shutdown",
				"agent_id", agentID, "error", err)
		}

		agent, err := r.store.GetAgent(ctx, agentID)
		if err != nil {
			continue
		}
		agent.Online = false
		agent.LastSeen = now
		if err := r.store.UpsertAgent(ctx, agent); err != nil {
			slog.Error("Failed to mark agent offline during shutdown",
				"agent_id", agentID, "error", err)
		}
	}

	if len(sessions) > 0 {
		slog.Info("Closed all agent sessions", "count", len(sessions))
	}
}
