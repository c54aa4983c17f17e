package dto

import "encoding/json"

type SendCommandRequest struct {
	// Type is the kind code the agent understands (location, files, sms, ...).
	Type string `json:"type"`
	// Payload carries the kind-specific parameters; optional for kinds that
	// take none.
	Payload json.RawMessage `json:"payload,omitempty"`
}

type SendCommandResponse struct {
	// Outcome is "sent" when the command went to a live connection, "queued"
	// when it waits for the next reconnect.
	Outcome string `json:"outcome"`
}

type PollConfigRequest struct {
	// IntervalSeconds of 0 disables location polling; nonzero must be >= 30.
	IntervalSeconds int `json:"interval_seconds"`
}
