package codec

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

const minFrameSize = 2 // header + path length

// Decode parses a hex-encoded on-air frame. keys may be nil; without keys a
// group text decodes with its ciphertext intact and Decrypted unset.
func Decode(hexFrame string, keys *KeyStore) (*DecodedFrame, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexFrame))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	return DecodeBytes(raw, keys)
}

// DecodeBytes parses a raw on-air frame.
func DecodeBytes(raw []byte, keys *KeyStore) (*DecodedFrame, error) {
	if len(raw) < minFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidLength, len(raw))
	}

	header := raw[0]
	frame := &DecodedFrame{
		RouteType:   header & headerRouteMask,
		PayloadType: (header >> headerTypeShift) & headerTypeMask,
		Version:     header >> headerVersionShift,
		Raw:         raw,
	}

	offset := 1

	// Transport-routed frames carry two 16-bit transport codes between the
	// header and the path.
	if frame.RouteType == RouteTransportFlood || frame.RouteType == RouteTransportDirect {
		if len(raw) < offset+4+1 {
			return nil, fmt.Errorf("%w: %d bytes, transport frame needs codes", ErrInvalidLength, len(raw))
		}
		frame.TransportCodes[0] = binary.LittleEndian.Uint16(raw[offset : offset+2])
		frame.TransportCodes[1] = binary.LittleEndian.Uint16(raw[offset+2 : offset+4])
		offset += 4
	}

	pathLen := int(raw[offset])
	offset++
	if len(raw) < offset+pathLen {
		return nil, fmt.Errorf("%w: declared path length %d exceeds frame", ErrInvalidLength, pathLen)
	}
	if pathLen > 0 {
		frame.Path = make([]string, pathLen)
		for i, b := range raw[offset : offset+pathLen] {
			frame.Path[i] = fmt.Sprintf("%02X", b)
		}
	}
	frame.PathLen = pathLen
	offset += pathLen

	payload := raw[offset:]
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidLength)
	}

	frame.MessageHash = messageHash(frame.PayloadType, payload)
	frame.FrameHash = frameHash(raw)

	switch frame.PayloadType {
	case PayloadAdvert:
		advert, err := ParseAdvertPayload(payload)
		if err != nil {
			return nil, err
		}
		frame.Advert = advert
	case PayloadGroupText:
		gt, err := parseGroupTextPayload(payload, keys)
		if err != nil {
			return nil, err
		}
		frame.GroupText = gt
	case PayloadReq, PayloadResponse, PayloadTxtMsg, PayloadAck,
		PayloadGroupData, PayloadAnonReq, PayloadPath, PayloadTrace, PayloadRawCustom:
		// Known on-air types the pipeline does not consume.
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownPayloadType, frame.PayloadType)
	}

	return frame, nil
}

// messageHash derives the canonical message identity from frame content.
// The path is excluded so every relay of the same message hashes alike.
func messageHash(payloadType uint8, payload []byte) string {
	h := sha256.New()
	h.Write([]byte{payloadType})
	h.Write(payload)
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)[:8]))
}

// frameHash is sha256 of the full raw on-air bytes, uppercase hex.
func frameHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// FrameHash exposes the raw-bytes hash for callers that archive frames
// without running the full decoder.
func FrameHash(raw []byte) string {
	return frameHash(raw)
}
