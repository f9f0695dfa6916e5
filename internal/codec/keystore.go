package codec

// ChannelKey is one loaded channel secret. Multiple channels may share a
// hash byte; the decoder tries each in order.
type ChannelKey struct {
	HashByte byte
	Name     string
	Secret   [16]byte
}

// KeyStore is an immutable channel-key table. Build a new one on reload
// rather than mutating in place.
type KeyStore struct {
	byHash map[byte][]ChannelKey
	names  map[byte]string
}

// NewKeyStore builds a key store from loaded channel keys.
func NewKeyStore(channels []ChannelKey) *KeyStore {
	ks := &KeyStore{
		byHash: make(map[byte][]ChannelKey, len(channels)),
		names:  make(map[byte]string, len(channels)),
	}
	for _, ck := range channels {
		ks.byHash[ck.HashByte] = append(ks.byHash[ck.HashByte], ck)
		if _, ok := ks.names[ck.HashByte]; !ok {
			ks.names[ck.HashByte] = ck.Name
		}
	}
	return ks
}

// Lookup returns the keys registered under a channel hash byte.
func (ks *KeyStore) Lookup(hash byte) []ChannelKey {
	if ks == nil {
		return nil
	}
	return ks.byHash[hash]
}

// NameFor maps a channel hash byte to its human channel name, or "".
func (ks *KeyStore) NameFor(hash byte) string {
	if ks == nil {
		return ""
	}
	return ks.names[hash]
}

// Len reports the number of distinct hash bytes loaded.
func (ks *KeyStore) Len() int {
	if ks == nil {
		return 0
	}
	return len(ks.byHash)
}
