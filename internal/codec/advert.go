package codec

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	advertPubKeySize    = 32
	advertTimestampSize = 4
	advertSignatureSize = 64
	advertFixedSize     = advertPubKeySize + advertTimestampSize + advertSignatureSize
)

// ParseAdvertPayload decodes an advert payload:
// pub(32) ‖ timestamp(4 LE) ‖ signature(64) ‖ appdata.
// Appdata, when present, is flags(1) followed by the optional fields the
// flags announce: lat/lon (int32 LE, 1e-6 degrees), battery, temperature,
// and a trailing UTF-8 name.
func ParseAdvertPayload(payload []byte) (*AdvertPayload, error) {
	if len(payload) < advertFixedSize {
		return nil, fmt.Errorf("%w: advert payload %d bytes, need %d", ErrInvalidLength, len(payload), advertFixedSize)
	}

	pub := payload[:advertPubKeySize]
	advert := &AdvertPayload{
		PubKey:    strings.ToUpper(hex.EncodeToString(pub)),
		Timestamp: binary.LittleEndian.Uint32(payload[advertPubKeySize : advertPubKeySize+advertTimestampSize]),
		Signature: payload[advertPubKeySize+advertTimestampSize : advertFixedSize],
	}

	appData := payload[advertFixedSize:]
	signed := make([]byte, 0, advertPubKeySize+advertTimestampSize+len(appData))
	signed = append(signed, payload[:advertPubKeySize+advertTimestampSize]...)
	signed = append(signed, appData...)
	advert.SignatureValid = ed25519.Verify(ed25519.PublicKey(pub), signed, advert.Signature)

	if len(appData) == 0 {
		return advert, nil
	}

	advert.HasAppData = true
	advert.Flags = appData[0]
	offset := 1

	if advert.Flags&AdvFlagHasLocation != 0 {
		if len(appData) < offset+8 {
			return nil, fmt.Errorf("%w: advert appdata truncated at location", ErrInvalidLength)
		}
		lat := float64(int32(binary.LittleEndian.Uint32(appData[offset:offset+4]))) / 1e6
		lon := float64(int32(binary.LittleEndian.Uint32(appData[offset+4:offset+8]))) / 1e6
		advert.Lat = &lat
		advert.Lon = &lon
		offset += 8
	}
	if advert.Flags&AdvFlagHasBattery != 0 {
		if len(appData) < offset+2 {
			return nil, fmt.Errorf("%w: advert appdata truncated at battery", ErrInvalidLength)
		}
		mv := binary.LittleEndian.Uint16(appData[offset : offset+2])
		advert.BatteryMilliVolts = &mv
		offset += 2
	}
	if advert.Flags&AdvFlagHasTemp != 0 {
		if len(appData) < offset+2 {
			return nil, fmt.Errorf("%w: advert appdata truncated at temperature", ErrInvalidLength)
		}
		dc := binary.LittleEndian.Uint16(appData[offset : offset+2])
		advert.TemperatureDeciC = &dc
		offset += 2
	}
	if advert.Flags&AdvFlagHasName != 0 {
		advert.HasName = true
		advert.Name = string(appData[offset:])
	}

	return advert, nil
}
