package tests

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musterhq/muster/internal/hub"
)

func wsURL(srv *httptest.Server, agentID string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?id=" + agentID + "&model=Pixel+8"
}

func dialAgent(t *testing.T, srv *httptest.Server, agentID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, agentID), nil)
	require.NoError(t, err)
	return conn
}

func apiDo(t *testing.T, srv *httptest.Server, apiKey, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", apiKey)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func agentOnline(t *testing.T, srv *httptest.Server, apiKey, agentID string) func() bool {
	return func() bool {
		status, body := apiDo(t, srv, apiKey, "GET", "/api/agents/"+agentID, nil)
		if status != http.StatusOK {
			return false
		}
		var agent struct {
			Online bool `json:"online"`
		}
		return json.Unmarshal(body, &agent) == nil && agent.Online
	}
}

// TestAgentLifecycle drives one agent through the full loop over the real
// wire: connect, telemetry, disconnect, offline queueing, replay on reconnect,
// delete.
func TestAgentLifecycle(t *testing.T, srv *httptest.Server, apiKey string) {
	const agentID = "flow-agent-1"

	conn := dialAgent(t, srv, agentID)
	defer conn.Close()

	require.Eventually(t, agentOnline(t, srv, apiKey, agentID), 5*time.Second, 50*time.Millisecond)

	// Three texts, one a duplicate: the page must show two.
	sms := `{"event":"sms","data":[
		{"address":"+15550100","body":"hi","date":1714000000,"type":1},
		{"address":"+15550100","body":"hi","date":1714000000,"type":1},
		{"address":"+15550100","body":"on my way","date":1714000060,"type":2}
	]}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(sms)))

	require.Eventually(t, func() bool {
		status, body := apiDo(t, srv, apiKey, "GET", "/api/agents/"+agentID+"/pages/sms", nil)
		if status != http.StatusOK {
			return false
		}
		var items []hub.SMSItem
		return json.Unmarshal(body, &items) == nil && len(items) == 2
	}, 5*time.Second, 50*time.Millisecond)

	// Drop the connection; the server must notice.
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return !agentOnline(t, srv, apiKey, agentID)()
	}, 5*time.Second, 50*time.Millisecond)

	// Offline commands queue, once per kind.
	status, body := apiDo(t, srv, apiKey, "POST", "/api/agents/"+agentID+"/commands",
		map[string]any{"type": "contacts"})
	require.Equal(t, http.StatusAccepted, status, string(body))

	status, _ = apiDo(t, srv, apiKey, "POST", "/api/agents/"+agentID+"/commands",
		map[string]any{"type": "contacts"})
	assert.Equal(t, http.StatusConflict, status)

	status, body = apiDo(t, srv, apiKey, "GET", "/api/agents/"+agentID+"/queue", nil)
	require.Equal(t, http.StatusOK, status)
	var queue struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &queue))
	assert.Equal(t, 1, queue.Count)

	// Reconnect: the queued command arrives before anything else.
	conn2 := dialAgent(t, srv, agentID)
	defer conn2.Close()

	require.NoError(t, conn2.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn2.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"command","data":{"type":"contacts"}}`, string(msg))

	require.Eventually(t, func() bool {
		status, body := apiDo(t, srv, apiKey, "GET", "/api/agents/"+agentID+"/queue", nil)
		if status != http.StatusOK {
			return false
		}
		var q struct {
			Count int `json:"count"`
		}
		return json.Unmarshal(body, &q) == nil && q.Count == 0
	}, 5*time.Second, 50*time.Millisecond)

	// Both sessions are in the connection history, only the reconnect open.
	status, body = apiDo(t, srv, apiKey, "GET", "/api/agents/"+agentID+"/connections", nil)
	require.Equal(t, http.StatusOK, status)
	var history struct {
		Count       int `json:"count"`
		Connections []struct {
			DisconnectedAt *time.Time `json:"disconnected_at"`
		} `json:"connections"`
	}
	require.NoError(t, json.Unmarshal(body, &history))
	require.Equal(t, 2, history.Count)
	assert.Nil(t, history.Connections[0].DisconnectedAt)
	assert.NotNil(t, history.Connections[1].DisconnectedAt)

	// Delete kicks the live connection and removes the record.
	status, _ = apiDo(t, srv, apiKey, "DELETE", "/api/agents/"+agentID, nil)
	require.Equal(t, http.StatusOK, status)

	require.NoError(t, conn2.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn2.ReadMessage()
	assert.Error(t, err)

	status, _ = apiDo(t, srv, apiKey, "GET", "/api/agents/"+agentID, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

// TestCommandDelivery covers the live path: a connected agent receives the
// command immediately and nothing is queued.
func TestCommandDelivery(t *testing.T, srv *httptest.Server, apiKey string) {
	const agentID = "flow-agent-2"

	conn := dialAgent(t, srv, agentID)
	defer conn.Close()

	require.Eventually(t, agentOnline(t, srv, apiKey, agentID), 5*time.Second, 50*time.Millisecond)

	status, body := apiDo(t, srv, apiKey, "POST", "/api/agents/"+agentID+"/commands",
		map[string]any{"type": "files", "payload": map[string]any{"action": "ls", "path": "/sdcard"}})
	require.Equal(t, http.StatusOK, status, string(body))

	var resp struct {
		Outcome string `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "sent", resp.Outcome)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"command","data":{"type":"files","action":"ls","path":"/sdcard"}}`, string(msg))

	status, body = apiDo(t, srv, apiKey, "GET", "/api/agents/"+agentID+"/queue", nil)
	require.Equal(t, http.StatusOK, status)
	var queue struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &queue))
	assert.Equal(t, 0, queue.Count)
}

// TestAuthBoundary confirms the admin API refuses requests without the key
// while the agent socket stays open to devices.
func TestAuthBoundary(t *testing.T, srv *httptest.Server, apiKey string) {
	req, err := http.NewRequest("GET", srv.URL+"/api/agents", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn := dialAgent(t, srv, "flow-agent-3")
	require.Eventually(t, agentOnline(t, srv, apiKey, "flow-agent-3"), 5*time.Second, 50*time.Millisecond)
	conn.Close()

	status, _ := apiDo(t, srv, apiKey, "GET", "/api/agents/flow-agent-3", nil)
	assert.Equal(t, http.StatusOK, status)
}
