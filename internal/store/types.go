package store

import "github.com/meshrank/meshrank/internal/geo"

// Role is a node's mesh role, derived from the low nibble of the advert
// app-flags byte.
type Role string

const (
	RoleSensor     Role = "sensor"
	RoleChat       Role = "chat"
	RoleRepeater   Role = "repeater"
	RoleRoomServer Role = "room-server"
	RoleUnknown    Role = "unknown"
)

// RoleFromFlags maps advert flags to a role.
func RoleFromFlags(flags byte) Role {
	switch flags & 0x0F {
	case 0:
		return RoleSensor
	case 1:
		return RoleChat
	case 2:
		return RoleRepeater
	case 3:
		return RoleRoomServer
	default:
		return RoleUnknown
	}
}

// Node is the canonical registry record for one mesh node, keyed by its
// uppercase 64-hex public key.
type Node struct {
	Pub  string
	Name string
	Role Role

	IsRepeater bool
	IsObserver bool

	GPS            *geo.LatLon
	GPSManual      bool
	GPSEstimated   bool
	GPSFlagged     bool
	ImplausibleGPS bool
	HiddenOnMap    bool

	// LastAdvertHeardMs is monotonic: it never decreases across any
	// sequence of advert inputs.
	LastAdvertHeardMs int64
	LastSeenMs        int64
	LastAdvertBlob    string
	UpdatedAtMs       int64
}

// MessageRecord is one decoded group-text message.
type MessageRecord struct {
	MessageHash string
	FrameHash   string
	ChannelName string
	ChannelHash string
	Sender      string
	SenderPub   string
	Body        string
	TsMs        int64
	Path        []string
	PathLength  int
	Repeats     int
}

// WitnessRecord is one observer's view of a message.
type WitnessRecord struct {
	MessageHash  string
	ObserverID   string
	ObserverName string
	TsMs         int64
	Path         []string
	PathLength   int
}

// ObserverUpdate is applied once per received report.
type ObserverUpdate struct {
	ObserverID string
	Name       string
	SeenMs     int64
	GPS        *geo.LatLon
}

// ObserverRow is the stored observer record.
type ObserverRow struct {
	ObserverID  string
	Name        string
	FirstSeenMs int64
	LastSeenMs  int64
	Packets     int64
	GPS         *geo.LatLon
}

// RFPacket is one overheard frame in the bounded rolling table.
type RFPacket struct {
	TsMs        int64
	ObserverID  string
	MessageHash string
	FrameHash   string
	PayloadType int
	RouteType   int
	PathLength  int
	RSSI        *float64
	SNR         *float64
	Raw         []byte
}

// RouteRecord is one inferred route, overwritten on each re-scoring.
type RouteRecord struct {
	MsgKey        string
	Ts            string
	TsMs          int64
	ObserverID    string
	Tokens        []string
	InferredPubs  []*string
	HopConfidence []float64
	RouteConf     float64
	Unresolved    bool
	TeleportMaxKm float64
	Diagnostics   string // JSON blob
}

// Candidate is a node eligible to explain one path token.
type Candidate struct {
	Pub        string
	Name       string
	GPS        *geo.LatLon
	LastSeenMs int64
}

// Health is the payload of the health query.
type Health struct {
	DBPath             string `json:"dbPath"`
	RFPackets24h       int64  `json:"rfPackets24h"`
	RejectedAdverts10m int64  `json:"rejectedAdverts10m"`
	LastAdvertSeenAt   string `json:"lastAdvertSeenAt"`
}
