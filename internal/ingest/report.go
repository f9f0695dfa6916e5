package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ObserverReport is the JSON payload published on
// meshrank/observers/<observerId>/packets. Unknown fields are ignored.
type ObserverReport struct {
	PayloadHex   string     `json:"payloadHex"`
	ObserverID   string     `json:"observerId,omitempty"`
	ObserverName string     `json:"observerName,omitempty"`
	ObserverPub  string     `json:"observerPub,omitempty"`
	RSSI         *float64   `json:"rssi,omitempty"`
	SNR          *float64   `json:"snr,omitempty"`
	CRC          *uint32    `json:"crc,omitempty"`
	FrameHash    string     `json:"frameHash,omitempty"`
	Route        string     `json:"route,omitempty"`
	Path         []string   `json:"path,omitempty"`
	Len          *int       `json:"len,omitempty"`
	PayloadLen   *int       `json:"payload_len,omitempty"`
	PacketType   string     `json:"packet_type,omitempty"`
	GPS          *ReportGPS `json:"gps,omitempty"`

	// Legacy role hints, honored only when the advert carries no flags.
	IsRepeater *bool  `json:"isRepeater,omitempty"`
	DeviceRole *int   `json:"deviceRole,omitempty"`
	NodeType   string `json:"nodeType,omitempty"`
	Type       string `json:"type,omitempty"`

	// ArchivedAt is set on first archiving; replayed reports carry their
	// own, which stays the authoritative heard time.
	ArchivedAt string `json:"archivedAt,omitempty"`
}

type ReportGPS struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ParseReport decodes a report, normalizes payloadHex to uppercase, and
// stamps archivedAt when absent.
func ParseReport(payload []byte, topicObserverID string, now time.Time) (*ObserverReport, error) {
	var rep ObserverReport
	if err := json.Unmarshal(payload, &rep); err != nil {
		return nil, fmt.Errorf("parse observer report: %w", err)
	}
	if strings.TrimSpace(rep.PayloadHex) == "" {
		return nil, fmt.Errorf("observer report missing payloadHex")
	}
	rep.PayloadHex = strings.ToUpper(strings.TrimSpace(rep.PayloadHex))

	if rep.ObserverID == "" {
		rep.ObserverID = topicObserverID
	}
	if rep.ObserverID == "" {
		rep.ObserverID = "unknown"
	}

	if rep.ArchivedAt == "" {
		rep.ArchivedAt = now.UTC().Format(time.RFC3339Nano)
	}
	return &rep, nil
}

// HeardMs returns the authoritative heard time of a report in ms since
// epoch: the archivedAt stamp, which observer-to-observer replays carry
// through unchanged.
func (r *ObserverReport) HeardMs(fallback time.Time) int64 {
	if t, err := time.Parse(time.RFC3339Nano, r.ArchivedAt); err == nil {
		return t.UnixMilli()
	}
	if t, err := time.Parse(time.RFC3339, r.ArchivedAt); err == nil {
		return t.UnixMilli()
	}
	return fallback.UnixMilli()
}

// LegacyRepeaterHint reports whether any of the old report fields claim
// the advertising node is a repeater.
func (r *ObserverReport) LegacyRepeaterHint() bool {
	if r.IsRepeater != nil && *r.IsRepeater {
		return true
	}
	if r.DeviceRole != nil && *r.DeviceRole == 2 {
		return true
	}
	return strings.EqualFold(r.NodeType, "repeater") || strings.EqualFold(r.Type, "repeater")
}

// ObserverIDFromTopic extracts <observerId> from
// meshrank/observers/<observerId>/packets; "" when the topic shape is
// unexpected.
func ObserverIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 4 && parts[len(parts)-1] == "packets" {
		return parts[len(parts)-2]
	}
	return ""
}
