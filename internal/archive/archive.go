// Package archive appends every received observer report to an ndjson file
// before any downstream processing, so a datastore outage never loses
// frames and the whole pipeline can be replayed offline.
package archive

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/meshrank/meshrank/internal/metrics"
)

// maxLineBytes bounds a single archived report. Reports are small; a line
// beyond this is corrupt input.
const maxLineBytes = 1 << 20

type Appender struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
}

// OpenAppender opens (or creates) the archive for appending. Rotation is
// external; the appender never truncates.
func OpenAppender(path string) (*Appender, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	return &Appender{file: f, w: bufio.NewWriter(f)}, nil
}

// Append writes one report line and flushes it to the OS. The value must
// marshal to a single JSON object.
func (a *Appender) Append(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal archive line: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.w.Write(line); err != nil {
		return err
	}
	if err := a.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := a.w.Flush(); err != nil {
		return err
	}
	metrics.ArchiveAppendsTotal.Inc()
	return nil
}

func (a *Appender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.w.Flush(); err != nil {
		_ = a.file.Close()
		return err
	}
	return a.file.Close()
}

// Replay streams each archived line to fn in file order. Unparseable lines
// are skipped and counted; fn errors stop the replay.
func Replay(path string, fn func(line []byte) error) (replayed, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open archive %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || !json.Valid(line) {
			skipped++
			continue
		}
		if err := fn(line); err != nil {
			return replayed, skipped, err
		}
		replayed++
	}
	return replayed, skipped, scanner.Err()
}
