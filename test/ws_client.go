package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/musterhq/muster/internal/transport/ws"
)

var (
	server  = flag.String("server", "ws://localhost:8080/ws", "WebSocket server URL")
	agentID = flag.String("agent-id", "test-agent-1", "Agent ID for this connection")
	pings   = flag.Int("pings", 3, "Number of ping frames to send")
	delay   = flag.Duration("delay", 2*time.Second, "Delay between ping frames")
)

func main() {
	flag.Parse()

	target, err := url.Parse(*server)
	if err != nil {
		log.Fatalf("Bad server URL: %v", err)
	}
	q := target.Query()
	q.Set("id", *agentID)
	q.Set("model", "wire-test")
	target.RawQuery = q.Encode()

	log.Printf("Connecting to %s as agent_id=%s", *server, *agentID)

	conn, _, err := websocket.DefaultDialer.Dial(target.String(), nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	log.Println("Connected, sending first ping")

	if err := conn.WriteJSON(ws.Envelope{Event: ws.EventPing}); err != nil {
		log.Fatalf("Failed to send first ping: %v", err)
	}

	done := make(chan struct{})
	errChan := make(chan error, 1)

	go receiveFrames(conn, done, errChan)

	sendPings(conn, *pings, *delay)

	closeFrame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteMessage(websocket.CloseMessage, closeFrame); err != nil {
		log.Printf("Error sending close frame: %v", err)
	}

	select {
	case err := <-errChan:
		if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			log.Printf("Receive error: %v", err)
		}
	case <-time.After(5 * time.Second):
		log.Println("Timeout waiting for close")
	}

	close(done)
	log.Println("Test client finished")
}

func receiveFrames(conn *websocket.Conn, done chan struct{}, errChan chan error) {
	for {
		select {
		case <-done:
			return
		default:
			var env ws.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				errChan <- err
				return
			}

			switch env.Event {
			case ws.EventPong:
				log.Println("Received pong")
			case ws.EventCommand:
				var cmd struct {
					Type string `json:"type"`
				}
				_ = json.Unmarshal(env.Data, &cmd)
				log.Printf("Received command type=%s payload_size=%d", cmd.Type, len(env.Data))
			default:
				log.Printf("Received event=%s payload_size=%d", env.Event, len(env.Data))
			}
		}
	}
}

func sendPings(conn *websocket.Conn, count int, delay time.Duration) {
	for i := 1; i < count; i++ {
		time.Sleep(delay)

		if err := conn.WriteJSON(ws.Envelope{Event: ws.EventPing}); err != nil {
			log.Printf("Failed to send ping: %v", err)
			return
		}

		log.Println("Ping sent")
	}
}
