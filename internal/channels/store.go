// Package channels loads the channel-keys file and keeps an immutable
// snapshot that is swapped atomically whenever the file changes on disk.
package channels

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/meshrank/meshrank/internal/codec"
	"go.uber.org/zap"
)

type keysFile struct {
	Channels []channelEntry `json:"channels"`
}

type channelEntry struct {
	HashByte  string `json:"hashByte"`
	Name      string `json:"name"`
	SecretHex string `json:"secretHex"`
}

// Store holds the current key snapshot. The zero snapshot (no file, empty
// file) is a nil KeyStore, which the codec accepts.
type Store struct {
	path     string
	logger   *zap.Logger
	current  atomic.Pointer[codec.KeyStore]
	lastMod  time.Time
	lastSize int64
}

func NewStore(path string, logger *zap.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Current returns the latest loaded key store; nil when no keys are loaded.
func (s *Store) Current() *codec.KeyStore {
	return s.current.Load()
}

// Load reads the keys file unconditionally and swaps the snapshot.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}

	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("stat channel keys: %w", err)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read channel keys: %w", err)
	}

	var parsed keysFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse channel keys %s: %w", s.path, err)
	}

	keys := make([]codec.ChannelKey, 0, len(parsed.Channels))
	for _, entry := range parsed.Channels {
		ck, err := buildKey(entry)
		if err != nil {
			// Invalid entries are skipped, not fatal: one broken secret
			// must not take every channel offline.
			s.logger.Warn("skipping invalid channel key",
				zap.String("name", entry.Name),
				zap.Error(err),
			)
			continue
		}
		keys = append(keys, ck)
	}

	s.current.Store(codec.NewKeyStore(keys))
	s.lastMod = info.ModTime()
	s.lastSize = info.Size()

	s.logger.Info("channel keys loaded",
		zap.String("path", s.path),
		zap.Int("channels", len(keys)),
		zap.Int("skipped", len(parsed.Channels)-len(keys)),
	)
	return nil
}

func buildKey(entry channelEntry) (codec.ChannelKey, error) {
	var ck codec.ChannelKey

	hb, err := hex.DecodeString(strings.TrimSpace(entry.HashByte))
	if err != nil || len(hb) != 1 {
		return ck, fmt.Errorf("hashByte %q is not a single hex byte", entry.HashByte)
	}

	secret, err := hex.DecodeString(strings.TrimSpace(entry.SecretHex))
	if err != nil || len(secret) != 16 {
		return ck, fmt.Errorf("secretHex for %q is not 32 hex chars", entry.Name)
	}

	ck.HashByte = hb[0]
	ck.Name = entry.Name
	copy(ck.Secret[:], secret)
	return ck, nil
}

// Watch polls the file's modification time and reloads on change until the
// context is cancelled. Reload failures keep the previous snapshot.
func (s *Store) Watch(ctx context.Context, interval time.Duration) {
	if s.path == "" {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(s.path)
			if err != nil {
				s.logger.Warn("channel keys stat failed", zap.Error(err))
				continue
			}
			if info.ModTime().Equal(s.lastMod) && info.Size() == s.lastSize {
				continue
			}
			if err := s.Load(); err != nil {
				s.logger.Error("channel keys reload failed", zap.Error(err))
			}
		}
	}
}
