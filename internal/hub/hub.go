// Package hub ties the session registry, command dispatcher, telemetry
// ingestor and poll scheduler together behind one façade. Every operation
// that touches a single agent's state runs under that agent's lock, so the
// components themselves stay free of cross-cutting synchronization.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/musterhq/muster/internal/blob"
	"github.com/musterhq/muster/internal/catalog"
	"github.com/musterhq/muster/internal/command"
	"github.com/musterhq/muster/internal/metrics"
	"github.com/musterhq/muster/internal/poll"
	"github.com/musterhq/muster/internal/session"
	"github.com/musterhq/muster/internal/store"
	"github.com/musterhq/muster/internal/telemetry"
)

// pollDispatchTimeout bounds the store work of one scheduler tick.
const pollDispatchTimeout = 10 * time.Second

type Config struct {
	Store   store.Store
	Blobs   *blob.Store
	Metrics *metrics.Metrics
	Clock   clock.WithTicker
	// DefaultPollSeconds applies to agents without a stored poll config.
	// Zero means polling stays off until configured.
	DefaultPollSeconds int
}

type Hub struct {
	store    store.Store
	blobs    *blob.Store
	registry *session.Registry
	dispatch *command.Dispatcher
	ingest   *telemetry.Ingestor
	poller   *poll.Scheduler
	metrics  *metrics.Metrics
	locks    *keyedMutex

	defaultPollSeconds int
}

func New(cfg Config) *Hub {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New(nil)
	}

	h := &Hub{
		store:              cfg.Store,
		blobs:              cfg.Blobs,
		metrics:            m,
		locks:              newKeyedMutex(),
		defaultPollSeconds: cfg.DefaultPollSeconds,
	}
	h.registry = session.NewRegistry(cfg.Store, clk)
	h.dispatch = command.NewDispatcher(cfg.Store, h.registry, clk)
	h.ingest = telemetry.NewIngestor(cfg.Store, cfg.Blobs, clk)
	h.poller = poll.New(clk, h.pollTick)
	return h
}

// Connect registers a new agent connection: the agent record is upserted, any
// prior session is superseded, the command queue is replayed onto the fresh
// transport, and the poll loop is brought up per the stored config. The
// returned session is Active; its SID must accompany the later Disconnect.
func (h *Hub) Connect(ctx context.Context, agentID string, metadata map[string]string, transport session.Transport) (*session.Session, error) {
	if agentID == "" {
		return nil, errors.New("empty agent id")
	}

	unlock := h.locks.lock(agentID)
	sess, err := h.registry.Connect(ctx, agentID, metadata, transport)
	if err != nil {
		unlock()
		return nil, err
	}

	replayed, err := h.dispatch.Replay(ctx, agentID, transport)
	if err != nil {
		// The connection is still good; the queue stays put for next time.
		slog.Error("Queue replay failed", "agent_id", agentID, "error", err)
	}
	if replayed > 0 {
		h.metrics.QueueReplays.Add(float64(replayed))
	}

	h.registry.Activate(agentID, sess.SID)
	h.metrics.ConnectedAgents.Set(float64(h.registry.Count()))
	unlock()

	// Outside the agent lock: scheduler ticks take the lock themselves.
	h.resumePolling(ctx, agentID)
	return sess, nil
}

// Disconnect finalizes the session identified by sid. Calls carrying the sid
// of a superseded session are ignored, so a reconnect that overtook the old
// connection's teardown keeps its registration and its poll loop. reason ends
// up on the session's connection log entry.
func (h *Hub) Disconnect(ctx context.Context, agentID, sid, reason string) {
	unlock := h.locks.lock(agentID)
	current, ok := h.registry.Get(agentID)
	isCurrent := ok && current.SID == sid
	if err := h.registry.Disconnect(ctx, agentID, sid, reason); err != nil {
		slog.Error("Failed to finalize disconnect", "agent_id", agentID, "error", err)
	}
	h.metrics.ConnectedAgents.Set(float64(h.registry.Count()))
	unlock()

	if !isCurrent {
		return
	}
	h.poller.Stop(agentID)
	// A reconnect may have slipped in between the unlock and the Stop; give
	// it back its loop.
	if h.registry.IsOnline(agentID) {
		h.resumePolling(ctx, agentID)
	}
}

// HandleTelemetry ingests one inbound payload. Errors are reported to the
// caller for logging only; a bad payload must never cost the connection.
func (h *Hub) HandleTelemetry(ctx context.Context, agentID, code string, raw json.RawMessage) error {
	kind, ok := catalog.Parse(code)
	if !ok {
		h.metrics.TelemetryRecords.WithLabelValues("unknown", "rejected").Inc()
		return fmt.Errorf("unknown telemetry kind %q", code)
	}

	unlock := h.locks.lock(agentID)
	sum, err := h.ingest.Ingest(ctx, agentID, kind, raw)
	unlock()

	h.countTelemetry(kind, sum)
	if err != nil {
		h.metrics.TelemetryRecords.WithLabelValues(string(kind), "malformed").Inc()
		return err
	}

	slog.Debug("Telemetry ingested",
		"agent_id", agentID,
		"kind", kind,
		"new", sum.New,
		"duplicate", sum.Duplicate,
		"refreshed", sum.Refreshed,
		"dropped", sum.Dropped)
	return nil
}

func (h *Hub) countTelemetry(kind catalog.Kind, sum telemetry.Summary) {
	k := string(kind)
	if sum.New > 0 {
		h.metrics.TelemetryRecords.WithLabelValues(k, "new").Add(float64(sum.New))
	}
	if sum.Duplicate > 0 {
		h.metrics.TelemetryRecords.WithLabelValues(k, "duplicate").Add(float64(sum.Duplicate))
	}
	if sum.Refreshed > 0 {
		h.metrics.TelemetryRecords.WithLabelValues(k, "refreshed").Add(float64(sum.Refreshed))
	}
	if sum.Dropped > 0 {
		h.metrics.TelemetryRecords.WithLabelValues(k, "dropped").Add(float64(sum.Dropped))
	}
}

// SendCommand validates and dispatches one command to the agent, immediately
// on its live session or into its queue.
func (h *Hub) SendCommand(ctx context.Context, agentID, code string, payload json.RawMessage) (command.Outcome, error) {
	unlock := h.locks.lock(agentID)
	defer unlock()

	outcome, err := h.dispatch.Send(ctx, agentID, code, payload)
	if err != nil {
		if kind, ok := catalog.Parse(code); ok {
			h.metrics.Commands.WithLabelValues(string(kind), "rejected").Inc()
		}
		return "", err
	}
	h.metrics.Commands.WithLabelValues(code, string(outcome)).Inc()
	return outcome, nil
}

// SetPollInterval stores the agent's location poll cadence and re-times the
// running loop when the agent is online. Zero disables polling.
func (h *Hub) SetPollInterval(ctx context.Context, agentID string, seconds int) error {
	if err := poll.ValidateInterval(seconds); err != nil {
		return err
	}

	unlock := h.locks.lock(agentID)
	err := h.store.PutPollConfig(ctx, agentID, store.PollConfig{IntervalSeconds: seconds})
	online := h.registry.IsOnline(agentID)
	unlock()
	if err != nil {
		return err
	}

	if online {
		h.resumePolling(ctx, agentID)
	} else {
		h.poller.Stop(agentID)
	}

	slog.Info("Poll interval updated",
		"agent_id", agentID,
		"interval_seconds", seconds)
	return nil
}

// DeleteAgent kicks the agent's live session if any and removes every trace
// of it: record, queue, telemetry collections, snapshots, poll config, blobs.
// The device can re-enroll by simply connecting again.
func (h *Hub) DeleteAgent(ctx context.Context, agentID string) error {
	// Stop first, outside the lock: an in-flight tick needs the lock to
	// finish. A tick sneaking in after this finds the agent gone and no-ops.
	h.poller.Stop(agentID)

	unlock := h.locks.lock(agentID)
	kicked := h.registry.Drop(agentID)
	err := h.store.DeleteAgent(ctx, agentID)
	h.metrics.ConnectedAgents.Set(float64(h.registry.Count()))
	unlock()
	if err != nil {
		return err
	}

	if h.blobs != nil {
		if berr := h.blobs.RemoveAgent(agentID); berr != nil {
			slog.Error("Failed to remove agent blobs", "agent_id", agentID, "error", berr)
		}
	}

	slog.Info("Agent deleted", "agent_id", agentID, "kicked", kicked)
	return nil
}

// Shutdown stops all poll loops and closes every live session.
func (h *Hub) Shutdown(ctx context.Context) {
	h.poller.StopAll()
	h.registry.Shutdown(ctx)
	h.metrics.ConnectedAgents.Set(0)
}

// resumePolling applies the agent's effective poll interval to the scheduler.
// Called outside the agent lock.
func (h *Hub) resumePolling(ctx context.Context, agentID string) {
	seconds := h.defaultPollSeconds
	cfg, err := h.store.GetPollConfig(ctx, agentID)
	switch {
	case err == nil:
		seconds = cfg.IntervalSeconds
	case errors.Is(err, store.ErrNoPollConfig):
	default:
		slog.Error("Failed to load poll config", "agent_id", agentID, "error", err)
		return
	}

	if seconds <= 0 {
		h.poller.Stop(agentID)
		return
	}
	h.poller.Start(agentID, time.Duration(seconds)*time.Second)
	// The start may have raced a disconnect; an offline agent keeps no loop.
	if !h.registry.IsOnline(agentID) {
		h.poller.Stop(agentID)
	}
}

// pollTick runs on the agent's poll goroutine once per elapsed interval. It
// goes through the normal dispatch path, so a tick that loses a race with a
// disconnect just enqueues the location command for the next connection.
func (h *Hub) pollTick(agentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), pollDispatchTimeout)
	defer cancel()

	unlock := h.locks.lock(agentID)
	defer unlock()

	h.metrics.PollTicks.Inc()
	outcome, err := h.dispatch.Send(ctx, agentID, string(catalog.Location), nil)
	if err != nil {
		switch {
		case errors.Is(err, command.ErrDuplicatePending):
			slog.Debug("Location poll already queued", "agent_id", agentID)
		case errors.Is(err, command.ErrUnknownAgent):
			slog.Debug("Location poll for deleted agent", "agent_id", agentID)
		default:
			slog.Error("Location poll dispatch failed", "agent_id", agentID, "error", err)
		}
		return
	}

	h.metrics.Commands.WithLabelValues(string(catalog.Location), string(outcome)).Inc()
	slog.Debug("Location poll dispatched", "agent_id", agentID, "outcome", outcome)
}
