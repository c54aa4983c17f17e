package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musterhq/muster/internal/api/http/dto"
)

func setupAgentsRouter(h *AgentsHandler) *gin.Engine {
	r := gin.New()
	r.GET("/api/agents", h.List)
	r.GET("/api/agents/:id", h.Get)
	r.DELETE("/api/agents/:id", h.Delete)
	r.GET("/api/agents/:id/queue", h.Queue)
	r.GET("/api/agents/:id/connections", h.Connections)
	return r
}

func TestListAgents(t *testing.T) {
	testHub := newTestHub(t)
	enroll(t, testHub, "device-001")
	connect(t, testHub, "device-002")

	r := setupAgentsRouter(NewAgentsHandler(testHub))

	req, _ := http.NewRequest("GET", "/api/agents", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp dto.ListAgentsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, "device-001", resp.Agents[0].ID)
	assert.False(t, resp.Agents[0].Online)
	assert.Equal(t, "device-002", resp.Agents[1].ID)
	assert.True(t, resp.Agents[1].Online)
}

func TestListAgentsOnlineFilter(t *testing.T) {
	testHub := newTestHub(t)
	enroll(t, testHub, "device-001")
	connect(t, testHub, "device-002")

	r := setupAgentsRouter(NewAgentsHandler(testHub))

	req, _ := http.NewRequest("GET", "/api/agents?filter=online", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp dto.ListAgentsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "device-002", resp.Agents[0].ID)
}

func TestListAgentsUnknownFilter(t *testing.T) {
	testHub := newTestHub(t)
	r := setupAgentsRouter(NewAgentsHandler(testHub))

	req, _ := http.NewRequest("GET", "/api/agents?filter=sleeping", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetAgent(t *testing.T) {
	testHub := newTestHub(t)
	connect(t, testHub, "device-001")

	r := setupAgentsRouter(NewAgentsHandler(testHub))

	req, _ := http.NewRequest("GET", "/api/agents/device-001", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"online":true`)
}

func TestGetAgentNotFound(t *testing.T) {
	testHub := newTestHub(t)
	r := setupAgentsRouter(NewAgentsHandler(testHub))

	req, _ := http.NewRequest("GET", "/api/agents/ghost", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteAgent(t *testing.T) {
	testHub := newTestHub(t)
	enroll(t, testHub, "device-001")

	r := setupAgentsRouter(NewAgentsHandler(testHub))

	req, _ := http.NewRequest("DELETE", "/api/agents/device-001", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req, _ = http.NewRequest("GET", "/api/agents/device-001", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteAgentNotFound(t *testing.T) {
	testHub := newTestHub(t)
	r := setupAgentsRouter(NewAgentsHandler(testHub))

	req, _ := http.NewRequest("DELETE", "/api/agents/ghost", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueueEmpty(t *testing.T) {
	testHub := newTestHub(t)
	enroll(t, testHub, "device-001")

	r := setupAgentsRouter(NewAgentsHandler(testHub))

	req, _ := http.NewRequest("GET", "/api/agents/device-001/queue", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp dto.QueueResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Count)
	assert.NotNil(t, resp.Commands)
}

func TestQueueListsPendingCommands(t *testing.T) {
	testHub := newTestHub(t)
	enroll(t, testHub, "device-001")

	_, err := testHub.SendCommand(context.Background(), "device-001", "wifi", nil)
	require.NoError(t, err)

	r := setupAgentsRouter(NewAgentsHandler(testHub))

	req, _ := http.NewRequest("GET", "/api/agents/device-001/queue", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp dto.QueueResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "wifi", resp.Commands[0].Kind)
	assert.NotEmpty(t, resp.Commands[0].UID)
}

func TestQueueUnknownAgent(t *testing.T) {
	testHub := newTestHub(t)
	r := setupAgentsRouter(NewAgentsHandler(testHub))

	req, _ := http.NewRequest("GET", "/api/agents/ghost/queue", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConnectionsHistory(t *testing.T) {
	testHub := newTestHub(t)
	enroll(t, testHub, "device-001")
	connect(t, testHub, "device-001")

	r := setupAgentsRouter(NewAgentsHandler(testHub))

	req, _ := http.NewRequest("GET", "/api/agents/device-001/connections", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp dto.ConnectionHistoryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)

	// Newest first: the live session is still open, the enrollment one closed.
	assert.Nil(t, resp.Connections[0].DisconnectedAt)
	require.NotNil(t, resp.Connections[1].DisconnectedAt)
	assert.Equal(t, "client closed", resp.Connections[1].DisconnectReason)
}

func TestConnectionsLimit(t *testing.T) {
	testHub := newTestHub(t)
	enroll(t, testHub, "device-001")
	enroll(t, testHub, "device-001")

	r := setupAgentsRouter(NewAgentsHandler(testHub))

	req, _ := http.NewRequest("GET", "/api/agents/device-001/connections?limit=1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp dto.ConnectionHistoryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
}

func TestConnectionsBadLimit(t *testing.T) {
	testHub := newTestHub(t)
	enroll(t, testHub, "device-001")

	r := setupAgentsRouter(NewAgentsHandler(testHub))

	for _, raw := range []string{"zero", "0", "-3"} {
		req, _ := http.NewRequest("GET", "/api/agents/device-001/connections?limit="+raw, nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, "limit=%s", raw)
	}
}

func TestConnectionsUnknownAgent(t *testing.T) {
	testHub := newTestHub(t)
	r := setupAgentsRouter(NewAgentsHandler(testHub))

	req, _ := http.NewRequest("GET", "/api/agents/ghost/connections", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
