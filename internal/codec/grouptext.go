package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	groupTextMACSize   = 2
	groupTextMinCipher = 5 // timestamp(4) + flags(1)
)

// parseGroupTextPayload decodes channelHash(1) ‖ mac(2) ‖ ciphertext and
// attempts decryption against every loaded key registered under the
// channel hash byte. A payload with no matching key is still a valid
// decode; only a key that matches the hash byte but fails the MAC is an
// error.
func parseGroupTextPayload(payload []byte, keys *KeyStore) (*GroupTextPayload, error) {
	if len(payload) < 1+groupTextMACSize+groupTextMinCipher {
		return nil, fmt.Errorf("%w: group text payload %d bytes", ErrInvalidLength, len(payload))
	}

	gt := &GroupTextPayload{
		ChannelHashByte: payload[0],
		ChannelHash:     fmt.Sprintf("%02X", payload[0]),
		Ciphertext:      payload[1+groupTextMACSize:],
	}
	copy(gt.MAC[:], payload[1:1+groupTextMACSize])

	if keys == nil {
		return gt, nil
	}
	candidates := keys.Lookup(gt.ChannelHashByte)
	if len(candidates) == 0 {
		return gt, nil
	}

	var lastErr error
	for _, ck := range candidates {
		plain, err := decryptGroupText(ck.Secret, gt.MAC, gt.Ciphertext)
		if err != nil {
			lastErr = err
			continue
		}
		plain.ChannelName = ck.Name
		gt.Decrypted = plain
		return gt, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, lastErr)
}

// decryptGroupText runs AES-128-CTR with a zero IV and authenticates the
// plaintext with a truncated HMAC-SHA256 tag.
func decryptGroupText(key [16]byte, mac [2]byte, ciphertext []byte) (*GroupTextPlain, error) {
	if len(ciphertext) < groupTextMinCipher {
		return nil, fmt.Errorf("ciphertext too short (%d bytes)", len(ciphertext))
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	plain := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plain, ciphertext)

	h := hmac.New(sha256.New, key[:])
	h.Write(plain)
	if !hmac.Equal(h.Sum(nil)[:groupTextMACSize], mac[:]) {
		return nil, fmt.Errorf("mac mismatch")
	}

	result := &GroupTextPlain{
		Timestamp: binary.LittleEndian.Uint32(plain[:4]),
		Flags:     plain[4],
	}

	// Text is "Sender: message". A message with no separator keeps the
	// whole text as the body with an empty sender.
	text := string(plain[5:])
	if idx := strings.Index(text, ": "); idx >= 0 {
		result.Sender = text[:idx]
		result.Message = text[idx+2:]
	} else {
		result.Message = text
	}

	return result, nil
}
