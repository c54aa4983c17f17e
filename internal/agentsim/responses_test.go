package agentsim

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musterhq/muster/internal/telemetry"
)

func TestRespondCallDump(t *testing.T) {
	r := NewResponder()

	event, data, ok := r.Respond(command{Type: "calls"})
	require.True(t, ok)
	assert.Equal(t, "calls", event)

	var recs []telemetry.CallRecord
	require.NoError(t, json.Unmarshal(data, &recs))
	require.Len(t, recs, 2)
	assert.Equal(t, "+15550100", recs[0].PhoneNo)
	assert.NotZero(t, recs[0].Timestamp)
}

func TestRespondSMSActions(t *testing.T) {
	r := NewResponder()

	event, data, ok := r.Respond(command{Type: "sms", Action: "ls"})
	require.True(t, ok)
	assert.Equal(t, "sms", event)
	var recs []telemetry.SMSRecord
	require.NoError(t, json.Unmarshal(data, &recs))
	assert.Len(t, recs, 2)

	// A send request is acknowledged with a bare boolean, not a dump.
	event, data, ok = r.Respond(command{Type: "sms", Action: "sendSMS", To: "+15550199"})
	require.True(t, ok)
	assert.Equal(t, "sms", event)
	assert.JSONEq(t, "true", string(data))
}

func TestRespondLocationFix(t *testing.T) {
	r := NewResponder()

	event, data, ok := r.Respond(command{Type: "location"})
	require.True(t, ok)
	assert.Equal(t, "location", event)

	var fix telemetry.GPSFix
	require.NoError(t, json.Unmarshal(data, &fix))
	assert.True(t, fix.Enabled)
	assert.InDelta(t, 37.7749, fix.Latitude, 0.01)
	assert.InDelta(t, -122.4194, fix.Longitude, 0.01)
}

func TestRespondFilesActions(t *testing.T) {
	r := NewResponder()

	event, data, ok := r.Respond(command{Type: "files", Action: "ls", Path: "/sdcard"})
	require.True(t, ok)
	assert.Equal(t, "files", event)
	var entries []telemetry.FileEntry
	require.NoError(t, json.Unmarshal(data, &entries))
	assert.NotEmpty(t, entries)

	event, data, ok = r.Respond(command{Type: "files", Action: "dl", Path: "/sdcard/notes.txt"})
	require.True(t, ok)
	assert.Equal(t, "files", event)
	var payload filePayload
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.True(t, payload.IsFile)
	assert.Equal(t, "notes.txt", payload.Name)
	assert.NotEmpty(t, payload.Data)
}

func TestRespondPermissionGrantEcho(t *testing.T) {
	r := NewResponder()

	event, data, ok := r.Respond(command{Type: "permission-granted", Permission: "android.permission.CAMERA"})
	require.True(t, ok)
	assert.Equal(t, "permission-granted", event)
	assert.JSONEq(t, `{"permission":"android.permission.CAMERA"}`, string(data))
}

func TestRespondSilentKinds(t *testing.T) {
	r := NewResponder()

	// Camera has no inbound channel; unknown kinds are dropped outright.
	_, _, ok := r.Respond(command{Type: "camera"})
	assert.False(t, ok)

	_, _, ok = r.Respond(command{Type: "selfdestruct"})
	assert.False(t, ok)
}
