// Package agentsim implements a development stand-in for a real device agent.
// It dials the server's /ws endpoint, keeps the connection warm with pings and
// answers every command with canned telemetry, which is enough to exercise the
// full server pipeline without any hardware.
package agentsim

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/musterhq/muster/internal/transport/ws"
)

const (
	sendChannelBuffer = 100
	pingInterval      = 30 * time.Second
	initialDelay      = 1 * time.Second
	maxDelay          = 30 * time.Second
	backoffFactor     = 2
	dialTimeout       = 10 * time.Second
	writeTimeout      = 10 * time.Second
)

// Config carries the identity the simulator presents on the handshake. Only
// AgentID is required; empty device fields are simply left off the query
// string.
type Config struct {
	ServerURL    string
	AgentID      string
	Model        string
	Manufacturer string
	Release      string
	AppVersion   string
}

type Client struct {
	cfg Config

	conn *websocket.Conn

	sendCh chan ws.Envelope
	stopCh chan struct{}
	doneCh chan struct{}

	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	responder *Responder

	mu sync.RWMutex
}

func New(cfg Config) *Client {
	return &Client{
		cfg:               cfg,
		sendCh:            make(chan ws.Envelope, sendChannelBuffer),
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
		reconnectDelay:    initialDelay,
		maxReconnectDelay: maxDelay,
		responder:         NewResponder(),
	}
}

// Start validates the configuration and launches the connection loop. A bad
// server URL or missing agent id fails here rather than spinning the retry
// loop forever.
func (c *Client) Start() error {
	if c.cfg.AgentID == "" {
		return errors.New("agent id is required")
	}
	if _, err := c.dialURL(); err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	go c.connectionLoop()
	return nil
}

func (c *Client) Stop() error {
	slog.Info("Stopping agent client")
	close(c.stopCh)
	c.disconnect()
	<-c.doneCh
	slog.Info("Agent client stopped")
	return nil
}

// Send queues one frame for delivery. Frames queued while the connection is
// down go out after the next reconnect.
func (c *Client) Send(env ws.Envelope) error {
	select {
	case c.sendCh <- env:
		return nil
	default:
		return fmt.Errorf("send channel full")
	}
}

func (c *Client) connectionLoop() {
	defer close(c.doneCh)

	for {
		select {
		case <-c.stopCh:
			c.disconnect()
			return
		default:
			if err := c.connect(); err != nil {
				slog.Error("Connection failed", "error", err, "retry_in", c.reconnectDelay)
				select {
				case <-time.After(c.reconnectDelay):
					c.increaseReconnectDelay()
					continue
				case <-c.stopCh:
					return
				}
			}

			c.reconnectDelay = initialDelay

			if err := c.serveConn(); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Info("Server closed connection")
				} else {
					slog.Error("Connection lost", "error", err)
				}
			}

			c.disconnect()

			select {
			case <-c.stopCh:
				return
			default:
				slog.Info("Reconnecting", "delay", c.reconnectDelay)
				time.Sleep(c.reconnectDelay)
				c.increaseReconnectDelay()
			}
		}
	}
}

// dialURL builds the handshake URL: the agent id plus whatever device
// descriptors are configured ride as query parameters.
func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("id", c.cfg.AgentID)
	for param, value := range map[string]string{
		"model":        c.cfg.Model,
		"manufacturer": c.cfg.Manufacturer,
		"release":      c.cfg.Release,
		"app_version":  c.cfg.AppVersion,
	} {
		if value != "" {
			q.Set(param, value)
		}
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func (c *Client) connect() error {
	target, err := c.dialURL()
	if err != nil {
		return err
	}

	slog.Info("Connecting to server", "url", c.cfg.ServerURL, "agent_id", c.cfg.AgentID)

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(target, nil)
	if err != nil {
		return fmt.Errorf("failed to dial server: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	slog.Info("Connected to server", "agent_id", c.cfg.AgentID)
	return nil
}

func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) current() *websocket.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Client) increaseReconnectDelay() {
	c.reconnectDelay = c.reconnectDelay * backoffFactor
	if c.reconnectDelay > c.maxReconnectDelay {
		c.reconnectDelay = c.maxReconnectDelay
	}
}

func (c *Client) serveConn() error {
	done := make(chan struct{})
	errChan := make(chan error, 3)

	go c.receiveLoop(done, errChan)
	go c.sendLoop(done, errChan)
	go c.pingLoop(done, errChan)

	err := <-errChan
	close(done)
	return err
}

func (c *Client) receiveLoop(done chan struct{}, errChan chan error) {
	for {
		select {
		case <-done:
			return
		default:
			conn := c.current()
			if conn == nil {
				errChan <- errors.New("connection is gone")
				return
			}

			_, data, err := conn.ReadMessage()
			if err != nil {
				errChan <- err
				return
			}

			c.processFrame(data)
		}
	}
}

func (c *Client) sendLoop(done chan struct{}, errChan chan error) {
	for {
		select {
		case <-done:
			return
		case env := <-c.sendCh:
			conn := c.current()
			if conn == nil {
				errChan <- errors.New("connection is gone")
				return
			}

			slog.Debug("Sending frame", "event", env.Event)

			if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				errChan <- err
				return
			}
			if err := conn.WriteJSON(env); err != nil {
				slog.Error("Error sending frame", "error", err)
				errChan <- err
				return
			}
		}
	}
}

func (c *Client) pingLoop(done chan struct{}, errChan chan error) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.Send(ws.Envelope{Event: ws.EventPing}); err != nil {
				slog.Error("Failed to send ping", "error", err)
				errChan <- err
				return
			}
			slog.Debug("Ping sent")
		}
	}
}

func (c *Client) processFrame(data []byte) {
	var env ws.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("Undecodable frame from server", "error", err)
		return
	}

	switch env.Event {
	case ws.EventPong:
		slog.Debug("Pong received")

	case ws.EventCommand:
		go c.handleCommand(env.Data)

	default:
		slog.Warn("Unexpected event from server", "event", env.Event)
	}
}

func (c *Client) handleCommand(data []byte) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		slog.Warn("Undecodable command", "error", err)
		return
	}

	slog.Info("Command received", "type", cmd.Type, "action", cmd.Action)

	event, payload, ok := c.responder.Respond(cmd)
	if !ok {
		slog.Debug("Command produces no reply", "type", cmd.Type)
		return
	}

	if err := c.Send(ws.Envelope{Event: event, Data: payload}); err != nil {
		slog.Error("Failed to send telemetry reply", "event", event, "error", err)
	}
}
