package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/musterhq/muster/internal/agents"
	"github.com/musterhq/muster/internal/hub"
)

const (
	// maxMessageBytes bounds one inbound frame. File and voice payloads ride
	// base64-encoded inside JSON, so leave generous headroom.
	maxMessageBytes = 32 << 20
	// idleTimeout drops connections that stop sending anything, pings
	// included.
	idleTimeout = 10 * time.Minute
)

type Handler struct {
	hub      *hub.Hub
	upgrader websocket.Upgrader
}

func NewHandler(h *hub.Hub) *Handler {
	return &Handler{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; there is no origin to gate on.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Serve upgrades the request and runs the connection until the agent drops.
// GET /ws?id=<agent id>&model=...&manufacturer=...&release=...&app_version=...
func (h *Handler) Serve(c *gin.Context) {
	agentID := c.Query("id")
	if agentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id query parameter is required"})
		return
	}
	metadata := handshakeMetadata(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written its own response.
		slog.Error("WebSocket upgrade failed", "agent_id", agentID, "error", err)
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	// The connection outlives the HTTP request; session work is not tied to
	// the request context.
	ctx := context.Background()

	transport := NewTransport(conn)
	sess, err := h.hub.Connect(ctx, agentID, metadata, transport)
	if err != nil {
		slog.Error("Failed to register agent connection", "agent_id", agentID, "error", err)
		_ = transport.Close()
		return
	}

	reason := h.readLoop(ctx, agentID, conn, transport)

	h.hub.Disconnect(ctx, agentID, sess.SID, reason)
	_ = transport.Close()
}

// readLoop serves the connection until it dies and reports why, for the
// connection log.
func (h *Handler) readLoop(ctx context.Context, agentID string, conn *websocket.Conn, transport *Transport) string {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return "connection error"
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("Agent connection closed", "agent_id", agentID, "error", err)
			}
			return disconnectReason(err)
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("Undecodable frame", "agent_id", agentID, "error", err)
			continue
		}

		switch env.Event {
		case EventPing:
			if err := transport.Pong(); err != nil {
				slog.Debug("Failed to answer ping", "agent_id", agentID, "error", err)
			}
		case EventPong, EventCommand, "":
			slog.Warn("Unexpected event from agent", "agent_id", agentID, "event", env.Event)
		default:
			// Everything else is telemetry named by its kind code. Rejected
			// payloads are logged and the connection carries on.
			if err := h.hub.HandleTelemetry(ctx, agentID, env.Event, env.Data); err != nil {
				slog.Warn("Telemetry rejected",
					"agent_id", agentID,
					"event", env.Event,
					"error", err)
			}
		}
	}
}

// disconnectReason condenses a read loop error into the short label stored on
// the connection log entry.
func disconnectReason(err error) string {
	var ne net.Error
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return "client closed"
	case errors.As(err, &ne) && ne.Timeout():
		return "idle timeout"
	default:
		return "connection error"
	}
}

// handshakeMetadata lifts the device descriptors an agent sends as query
// parameters into the metadata stored on its record.
func handshakeMetadata(c *gin.Context) map[string]string {
	metadata := make(map[string]string)
	for key, param := range map[string]string{
		agents.MetaModel:        "model",
		agents.MetaManufacturer: "manufacturer",
		agents.MetaRelease:      "release",
		agents.MetaAppVersion:   "app_version",
	} {
		if v := c.Query(param); v != "" {
			metadata[key] = v
		}
	}
	metadata[agents.MetaRemoteAddr] = c.ClientIP()
	return metadata
}
