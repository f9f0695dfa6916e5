package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

type line struct {
	PayloadHex string `json:"payloadHex"`
	ArchivedAt string `json:"archivedAt"`
}

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.ndjson")

	a, err := OpenAppender(path)
	if err != nil {
		t.Fatalf("OpenAppender: %v", err)
	}
	for i, hex := range []string{"11024142", "1100AB"} {
		if err := a.Append(line{PayloadHex: hex, ArchivedAt: "2026-08-24T12:00:0" + string(rune('0'+i)) + "Z"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	var got []line
	replayed, skipped, err := Replay(path, func(raw []byte) error {
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			return err
		}
		got = append(got, l)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if replayed != 2 || skipped != 0 {
		t.Errorf("replayed=%d skipped=%d", replayed, skipped)
	}
	if len(got) != 2 || got[0].PayloadHex != "11024142" {
		t.Errorf("lines = %+v, want file order preserved", got)
	}
}

func TestAppendIsAppendOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.ndjson")

	a, err := OpenAppender(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Append(line{PayloadHex: "AA"}); err != nil {
		t.Fatal(err)
	}
	a.Close()

	// Reopening must preserve earlier lines.
	a, err = OpenAppender(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Append(line{PayloadHex: "BB"}); err != nil {
		t.Fatal(err)
	}
	a.Close()

	replayed, _, err := Replay(path, func([]byte) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if replayed != 2 {
		t.Errorf("replayed = %d after reopen, want 2", replayed)
	}
}

func TestReplaySkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.ndjson")
	content := `{"payloadHex":"AA"}
{truncated garbage
{"payloadHex":"BB"}

`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	replayed, skipped, err := Replay(path, func([]byte) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if replayed != 2 {
		t.Errorf("replayed = %d, want 2", replayed)
	}
	if skipped != 2 {
		t.Errorf("skipped = %d, want corrupt and empty lines skipped", skipped)
	}
}

func TestReplayMissingFile(t *testing.T) {
	if _, _, err := Replay(filepath.Join(t.TempDir(), "nope.ndjson"), func([]byte) error { return nil }); err == nil {
		t.Error("missing archive accepted")
	}
}
