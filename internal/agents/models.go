package agents

import (
	"time"
)

// Well-known metadata keys filled in from the connection handshake. The set is
// open: agents may report more, the server stores whatever arrives.
const (
	MetaModel        = "model"
	MetaManufacturer = "manufacturer"
	MetaRelease      = "release"
	MetaAppVersion   = "app_version"
	MetaRemoteAddr   = "remote_addr"
)

// Agent is the persistent record of one remote device, keyed by the stable id
// the device presents at connect time. Created on first connection and updated
// on every connect/disconnect; removed only by an explicit delete.
type Agent struct {
	ID        string            `json:"id"`
	FirstSeen time.Time         `json:"first_seen"`
	LastSeen  time.Time         `json:"last_seen"`
	Online    bool              `json:"online"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ConnectionLog is one connection session of an agent, keyed by the session
// id the registry minted for it. DisconnectedAt stays nil while the
// connection is live; DurationSeconds is derived from the two stamps on read.
type ConnectionLog struct {
	SID              string     `json:"sid"`
	ConnectedAt      time.Time  `json:"connected_at"`
	DisconnectedAt   *time.Time `json:"disconnected_at,omitempty"`
	DurationSeconds  int64      `json:"duration_seconds,omitempty"`
	RemoteAddr       string     `json:"remote_addr,omitempty"`
	DisconnectReason string     `json:"disconnect_reason,omitempty"`
}

// Clone returns a deep copy so in-memory stores can hand out records without
// sharing the metadata map.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	out := *a
	if a.Metadata != nil {
		out.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
