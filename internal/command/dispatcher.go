package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/musterhq/muster/internal/catalog"
	"github.com/musterhq/muster/internal/session"
	"github.com/musterhq/muster/internal/store"
)

// Outcome says what happened to an accepted command.
type Outcome string

const (
	// OutcomeSent means the command went out on a live session. Delivery is
	// fire and forget; a transport error is logged, not retried.
	OutcomeSent Outcome = "sent"
	// OutcomeQueued means the agent was offline and the command waits for the
	// next connection.
	OutcomeQueued Outcome = "queued"
)

// Dispatcher routes commands to agents: straight onto the live session when
// one exists, into the durable queue otherwise. Not safe for concurrent use
// on the same agent; the hub serializes calls per agent id.
type Dispatcher struct {
	store    store.Store
	sessions *session.Registry
	clock    clock.PassiveClock
}

func NewDispatcher(st store.Store, sessions *session.Registry, clk clock.PassiveClock) *Dispatcher {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Dispatcher{store: st, sessions: sessions, clock: clk}
}

// Send validates and dispatches one command. The payload is forwarded to the
// agent as-is; an empty payload is normalized to an empty object so every
// command goes out as valid JSON.
func (d *Dispatcher) Send(ctx context.Context, agentID, code string, payload json.RawMessage) (Outcome, error) {
	kind, ok := catalog.Parse(code)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, code)
	}
	if err := validate(kind, payload); err != nil {
		return "", err
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	if _, err := d.store.GetAgent(ctx, agentID); err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			return "", fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
		}
		return "", fmt.Errorf("failed to load agent record: %w", err)
	}

	if sess, online := d.sessions.Get(agentID); online {
		if err := sess.Transport.Send(kind, payload); err != nil {
			slog.Warn("Failed to deliver command to live session",
				"agent_id", agentID,
				"kind", kind,
				"error", err)
		} else {
			slog.Info("Command sent", "agent_id", agentID, "kind", kind)
		}
		return OutcomeSent, nil
	}

	entry := store.QueueEntry{
		UID:        uuid.NewString(),
		Kind:       string(kind),
		Payload:    payload,
		EnqueuedAt: d.clock.Now(),
	}
	if err := d.store.EnqueueCommand(ctx, agentID, entry); err != nil {
		if errors.Is(err, store.ErrDuplicateCommandKind) {
			return "", fmt.Errorf("%w: %s", ErrDuplicatePending, kind)
		}
		return "", fmt.Errorf("failed to queue command: %w", err)
	}

	slog.Info("Command queued",
		"agent_id", agentID,
		"kind", kind,
		"uid", entry.UID)
	return OutcomeQueued, nil
}

// Replay pushes the agent's queued commands onto transport in the order they
// were enqueued. Each delivered entry is removed from the queue; a failed
// send leaves its entry queued for the next connection. Returns how many
// entries were delivered.
func (d *Dispatcher) Replay(ctx context.Context, agentID string, transport session.Transport) (int, error) {
	entries, err := d.store.QueuedCommands(ctx, agentID)
	if err != nil {
		return 0, fmt.Errorf("failed to list queued commands: %w", err)
	}

	replayed := 0
	for _, entry := range entries {
		kind, ok := catalog.Parse(entry.Kind)
		if !ok {
			// Poison entry from an older build; drop it rather than block
			// the queue forever.
			slog.Error("Dropping queued command with unknown kind",
				"agent_id", agentID,
				"kind", entry.Kind,
				"uid", entry.UID)
			if err := d.store.DeleteQueuedCommand(ctx, agentID, entry.UID); err != nil {
				slog.Error("Failed to drop poison queue entry",
					"agent_id", agentID, "uid", entry.UID, "error", err)
			}
			continue
		}

		if err := transport.Send(kind, entry.Payload); err != nil {
			slog.Warn("Failed to replay queued command, keeping it queued",
				"agent_id", agentID,
				"kind", kind,
				"uid", entry.UID,
				"error", err)
			continue
		}
		if err := d.store.DeleteQueuedCommand(ctx, agentID, entry.UID); err != nil {
			slog.Error("Failed to remove replayed command from queue",
				"agent_id", agentID, "uid", entry.UID, "error", err)
			continue
		}
		replayed++
	}

	if replayed > 0 {
		slog.Info("Replayed queued commands",
			"agent_id", agentID,
			"count", replayed,
			"pending", len(entries)-replayed)
	}
	return replayed, nil
}
