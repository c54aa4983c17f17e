package ws

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/musterhq/muster/internal/catalog"
)

const writeTimeout = 10 * time.Second

// Transport adapts one upgraded WebSocket connection to the session transport
// contract. The mutex serializes writers: command sends and pong replies can
// come from different goroutines, and gorilla permits only one writer.
type Transport struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	closeOnce sync.Once
}

func NewTransport(conn *websocket.Conn) *Transport {
	return &Transport{conn: conn}
}

// Send pushes one command frame. The kind rides inside the data object as
// "type" so the agent can route on a single field.
func (t *Transport) Send(kind catalog.Kind, payload json.RawMessage) error {
	var fields map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return fmt.Errorf("command payload is not an object: %w", err)
		}
	}
	if fields == nil {
		fields = make(map[string]any, 1)
	}
	fields["type"] = string(kind)

	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}
	return t.write(Envelope{Event: EventCommand, Data: data})
}

// Pong answers an agent keepalive.
func (t *Transport) Pong() error {
	return t.write(Envelope{Event: EventPong})
}

func (t *Transport) write(env Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteJSON(env)
}

// Close shuts the underlying connection. Safe to call more than once: the
// registry closes superseded transports whose read loops close them again on
// the way out.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close()
	})
	return err
}
