// Package codec decodes raw MeshRank on-air frames. It is pure: no I/O and
// no state beyond an optional channel KeyStore supplied by the caller.
package codec

import "errors"

// Route types (header bits 0-1).
const (
	RouteTransportFlood  = 0
	RouteFlood           = 1
	RouteDirect          = 2
	RouteTransportDirect = 3
)

// Payload types (header bits 2-5).
const (
	PayloadReq       = 0
	PayloadResponse  = 1
	PayloadTxtMsg    = 2
	PayloadAck       = 3
	PayloadAdvert    = 4
	PayloadGroupText = 5
	PayloadGroupData = 6
	PayloadAnonReq   = 7
	PayloadPath      = 8
	PayloadTrace     = 9
	PayloadRawCustom = 15
)

// Header bit layout.
const (
	headerRouteMask    = 0x03
	headerTypeShift    = 2
	headerTypeMask     = 0x0F
	headerVersionShift = 6
)

// Advert appdata flag bits. The low nibble is the node role.
const (
	AdvFlagRoleMask    = 0x0F
	AdvFlagHasLocation = 0x10
	AdvFlagHasBattery  = 0x20
	AdvFlagHasTemp     = 0x40
	AdvFlagHasName     = 0x80
)

// Decode failures. Callers treat all four as "skip and continue".
var (
	ErrInvalidHex         = errors.New("codec: invalid hex frame")
	ErrInvalidLength      = errors.New("codec: invalid frame length")
	ErrUnknownPayloadType = errors.New("codec: unknown payload type")
	ErrDecryptFailed      = errors.New("codec: group text decrypt failed")
)

// DecodedFrame is the result of decoding one on-air frame. Exactly one of
// the typed payload pointers is set, keyed by PayloadType; frames of types
// the pipeline does not consume (acks, traces, ...) carry none.
type DecodedFrame struct {
	RouteType   uint8
	PayloadType uint8
	Version     uint8

	// Path is the ordered on-air relay evidence: one uppercase two-hex
	// token per relaying node. PathLen equals len(Path).
	Path    []string
	PathLen int

	// TransportCodes are present only on transport-routed frames.
	TransportCodes [2]uint16

	// MessageHash identifies the mesh message independent of the path the
	// frame travelled; FrameHash is sha256 of the full raw frame bytes.
	// Both uppercase hex.
	MessageHash string
	FrameHash   string

	Raw []byte

	Advert    *AdvertPayload
	GroupText *GroupTextPayload
}

// AdvertPayload is a decoded node self-announcement.
type AdvertPayload struct {
	// PubKey is the uppercase 64-hex node identity.
	PubKey    string
	Timestamp uint32
	Signature []byte

	// SignatureValid reports whether the Ed25519 signature over
	// pub‖timestamp‖appdata verified.
	SignatureValid bool

	// HasAppData is false for bare adverts carrying identity only.
	HasAppData bool
	Flags      byte

	Lat *float64
	Lon *float64

	BatteryMilliVolts *uint16
	TemperatureDeciC  *uint16

	Name    string
	HasName bool
}

// GroupTextPayload is a decoded (and, when keys allow, decrypted) channel
// message.
type GroupTextPayload struct {
	// ChannelHash is the one-byte channel identifier, uppercase two-hex.
	ChannelHash     string
	ChannelHashByte byte
	MAC             [2]byte
	Ciphertext      []byte

	// Decrypted is nil when no loaded channel key matched.
	Decrypted *GroupTextPlain
}

// GroupTextPlain is the plaintext of a group message.
type GroupTextPlain struct {
	Timestamp   uint32
	Flags       byte
	Sender      string
	Message     string
	ChannelName string
}
