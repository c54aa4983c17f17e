// Package ws carries the agent protocol over WebSocket. Every frame is one
// JSON envelope: inbound, the event names the telemetry kind being pushed;
// outbound, the event is "command" and the data carries the command fields
// plus a type discriminator.
package ws

import "encoding/json"

const (
	// EventCommand is the only outbound event the server emits.
	EventCommand = "command"
	// EventPing/EventPong let idle agents keep their connection warm.
	EventPing = "ping"
	EventPong = "pong"
)

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}
