package agentsim

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musterhq/muster/internal/telemetry"
	"github.com/musterhq/muster/internal/transport/ws"
)

func TestStartRejectsBadConfig(t *testing.T) {
	err := New(Config{ServerURL: "ws://localhost:8080/ws"}).Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent id")

	err = New(Config{ServerURL: "://nope", AgentID: "sim-1"}).Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid server url")
}

func TestDialURLCarriesIdentity(t *testing.T) {
	c := New(Config{
		ServerURL:    "ws://localhost:8080/ws",
		AgentID:      "sim-1",
		Model:        "Pixel 8",
		Manufacturer: "Google",
	})

	target, err := c.dialURL()
	require.NoError(t, err)
	assert.Contains(t, target, "id=sim-1")
	assert.Contains(t, target, "model=Pixel+8")
	assert.Contains(t, target, "manufacturer=Google")
	assert.NotContains(t, target, "release=")
}

// TestClientAnswersCommands runs the client against a live server that pushes
// one command and collects the reply.
func TestClientAnswersCommands(t *testing.T) {
	upgrader := websocket.Upgrader{}
	replies := make(chan ws.Envelope, 16)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sim-1", r.URL.Query().Get("id"))
		assert.Equal(t, "Pixel 8", r.URL.Query().Get("model"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()

		cmd := ws.Envelope{Event: ws.EventCommand, Data: json.RawMessage(`{"type":"contacts"}`)}
		if !assert.NoError(t, conn.WriteJSON(cmd)) {
			return
		}

		for {
			var env ws.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			replies <- env
		}
	}))
	defer srv.Close()

	c := New(Config{
		ServerURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		AgentID:   "sim-1",
		Model:     "Pixel 8",
	})
	require.NoError(t, c.Start())
	defer c.Stop()

	select {
	case env := <-replies:
		assert.Equal(t, "contacts", env.Event)
		var recs []telemetry.ContactRecord
		require.NoError(t, json.Unmarshal(env.Data, &recs))
		assert.NotEmpty(t, recs)
	case <-time.After(5 * time.Second):
		t.Fatal("no reply from simulator")
	}
}

// TestClientReconnects drops the first connection server-side and expects the
// client to dial again after the backoff delay.
func TestClientReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var dials atomic.Int32
	second := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}

		if dials.Add(1) == 1 {
			conn.Close()
			return
		}

		close(second)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := New(Config{
		ServerURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		AgentID:   "sim-1",
	})
	require.NoError(t, c.Start())
	defer c.Stop()

	select {
	case <-second:
		assert.GreaterOrEqual(t, dials.Load(), int32(2))
	case <-time.After(10 * time.Second):
		t.Fatal("client never reconnected")
	}
}
