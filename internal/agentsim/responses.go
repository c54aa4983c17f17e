package agentsim

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"path"
	"time"

	"github.com/musterhq/muster/internal/catalog"
	"github.com/musterhq/muster/internal/telemetry"
)

// command is the decoded shape of one inbound command frame. Beyond the type
// discriminator only the fields the simulated kinds consume are listed.
type command struct {
	Type       string `json:"type"`
	Action     string `json:"action"`
	Path       string `json:"path"`
	To         string `json:"to"`
	Permission string `json:"permission"`
}

// filePayload is the wire shape for returned file bytes. Data rides base64
// inside the JSON.
type filePayload struct {
	IsFile bool   `json:"is_file"`
	Name   string `json:"name"`
	Data   []byte `json:"data"`
}

// Responder fabricates the telemetry a real device would return. The payloads
// are canned but use the server's own record shapes, so every reply drives a
// real ingest path.
type Responder struct{}

func NewResponder() *Responder {
	return &Responder{}
}

// Respond builds the reply for one command. The returned event is the kind
// code the reply rides on; ok is false when the command produces no reply
// (camera has no inbound channel, unknown kinds are ignored).
func (r *Responder) Respond(cmd command) (event string, data json.RawMessage, ok bool) {
	kind, valid := catalog.Parse(cmd.Type)
	if !valid {
		slog.Warn("Ignoring command of unknown kind", "type", cmd.Type)
		return "", nil, false
	}

	now := time.Now()

	switch kind {
	case catalog.Calls:
		return reply(kind, []telemetry.CallRecord{
			{PhoneNo: "+15550100", Name: "Duty Desk", Duration: 42, Type: 1, Timestamp: now.Add(-time.Hour).UnixMilli()},
			{PhoneNo: "+15550123", Duration: 0, Type: 3, Timestamp: now.UnixMilli()},
		})

	case catalog.SMS:
		if cmd.Action == "sendSMS" {
			slog.Info("Pretending to send SMS", "to", cmd.To)
			return reply(kind, true)
		}
		return reply(kind, []telemetry.SMSRecord{
			{Address: "+15550100", Body: "Build green on main", Date: now.Add(-30 * time.Minute).UnixMilli(), Type: 1, Read: true},
			{Address: "+15550123", Body: "Call me back", Date: now.UnixMilli(), Type: 1, Read: false},
		})

	case catalog.Contacts:
		return reply(kind, []telemetry.ContactRecord{
			{PhoneNo: "+15550100", Name: "Duty Desk"},
			{PhoneNo: "+15550123", Name: "Ops Pager"},
		})

	case catalog.Location:
		// Jitter keeps successive poll fixes distinguishable downstream.
		return reply(kind, telemetry.GPSFix{
			Latitude:  37.7749 + (rand.Float64()-0.5)*0.002,
			Longitude: -122.4194 + (rand.Float64()-0.5)*0.002,
			Altitude:  16,
			Accuracy:  8 + rand.Float64()*10,
			Speed:     rand.Float64() * 1.5,
			Enabled:   true,
		})

	case catalog.Wifi:
		return reply(kind, telemetry.WifiReport{
			Enabled: true,
			Networks: []telemetry.WifiNetwork{
				{SSID: "muster-lab", BSSID: "02:00:4c:4f:4f:50", Frequency: 5180, Level: -48},
				{SSID: "guest", BSSID: "02:00:4c:4f:4f:51", Frequency: 2437, Level: -67},
			},
		})

	case catalog.Notifications:
		return reply(kind, telemetry.NotificationRecord{
			Key:      fmt.Sprintf("sim|%d", now.UnixNano()),
			AppName:  "Messages",
			Title:    "New message",
			Content:  "Simulated notification body",
			PostTime: now.UnixMilli(),
		})

	case catalog.Clipboard:
		return reply(kind, telemetry.ClipboardRecord{
			Time:    now.UnixMilli(),
			Content: "simulated clipboard text",
		})

	case catalog.Apps:
		return reply(kind, []telemetry.AppRecord{
			{Name: "Messages", Package: "com.android.messaging", VersionName: "6.3", VersionCode: 630},
			{Name: "Maps", Package: "com.google.android.apps.maps", VersionName: "11.120", VersionCode: 111200},
			{Name: "Muster Agent", Package: "com.musterhq.agent", VersionName: "1.4.2", VersionCode: 142},
		})

	case catalog.Permissions:
		return reply(kind, []string{
			"android.permission.ACCESS_FINE_LOCATION",
			"android.permission.READ_SMS",
			"android.permission.READ_CONTACTS",
		})

	case catalog.PermissionGranted:
		// A real agent would prompt the user; the simulator grants instantly.
		return reply(kind, map[string]string{"permission": cmd.Permission})

	case catalog.Files:
		if cmd.Action == "dl" {
			return reply(kind, filePayload{
				IsFile: true,
				Name:   path.Base(cmd.Path),
				Data:   fmt.Appendf(nil, "simulated contents of %s\n", cmd.Path),
			})
		}
		return reply(kind, []telemetry.FileEntry{
			{Name: "DCIM", IsDir: true},
			{Name: "notes.txt", Size: 2048},
			{Name: "report.pdf", Size: 183500},
		})

	case catalog.Mic:
		return reply(kind, filePayload{
			IsFile: true,
			Name:   fmt.Sprintf("voice-%d.m4a", now.Unix()),
			Data:   []byte("simulated voice recording"),
		})

	default:
		return "", nil, false
	}
}

func reply(kind catalog.Kind, payload any) (string, json.RawMessage, bool) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to encode canned reply", "kind", kind, "error", err)
		return "", nil, false
	}
	return kind.String(), data, true
}
