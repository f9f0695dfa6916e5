package ingest

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/meshrank/meshrank/internal/archive"
	"github.com/meshrank/meshrank/internal/channels"
	"github.com/meshrank/meshrank/internal/codec"
	"github.com/meshrank/meshrank/internal/registry"
	"github.com/meshrank/meshrank/internal/store"
)

type testEnv struct {
	pipeline *Pipeline
	store    *store.Store
	arch     *archive.Appender
	archPath string
}

func newTestEnv(t *testing.T, key *codec.ChannelKey) *testEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	db, err := store.Open(ctx, filepath.Join(dir, "ingest.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Migrate(ctx, db, zap.NewNop()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	st, err := store.New(ctx, db, store.Options{Path: "ingest.db", StoreRawFrames: true}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	archPath := filepath.Join(dir, "reports.ndjson")
	arch, err := archive.OpenAppender(archPath)
	if err != nil {
		t.Fatalf("OpenAppender: %v", err)
	}
	t.Cleanup(func() { arch.Close() })

	keys := channels.NewStore("", zap.NewNop())
	if key != nil {
		path := filepath.Join(dir, "keys.json")
		writeKeysFile(t, path, *key)
		keys = channels.NewStore(path, zap.NewNop())
		if err := keys.Load(); err != nil {
			t.Fatalf("keys load: %v", err)
		}
	}

	reg := registry.New(st, zap.NewNop())
	p := NewPipeline(st, reg, arch, keys, Options{
		RetryAttempts: 1,
		RFPacketCap:   100,
		RFPruneEvery:  1000,
	}, zap.NewNop())

	return &testEnv{pipeline: p, store: st, arch: arch, archPath: archPath}
}

func writeKeysFile(t *testing.T, path string, key codec.ChannelKey) {
	t.Helper()
	doc := map[string]any{
		"channels": []map[string]string{{
			"hashByte":  fmt.Sprintf("%02X", key.HashByte),
			"name":      key.Name,
			"secretHex": hex.EncodeToString(key.Secret[:]),
		}},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func advertFrameHex(t *testing.T, priv ed25519.PrivateKey, path []byte, flags byte, lat, lon int32, name string) string {
	t.Helper()
	pub := priv.Public().(ed25519.PublicKey)

	app := []byte{flags}
	if flags&codec.AdvFlagHasLocation != 0 {
		app = binary.LittleEndian.AppendUint32(app, uint32(lat))
		app = binary.LittleEndian.AppendUint32(app, uint32(lon))
	}
	if flags&codec.AdvFlagHasName != 0 {
		app = append(app, name...)
	}

	signed := append([]byte{}, pub...)
	signed = binary.LittleEndian.AppendUint32(signed, 1700000000)
	signed = append(signed, app...)
	sig := ed25519.Sign(priv, signed)

	frame := []byte{codec.RouteFlood | codec.PayloadAdvert<<2, byte(len(path))}
	frame = append(frame, path...)
	frame = append(frame, pub...)
	frame = binary.LittleEndian.AppendUint32(frame, 1700000000)
	frame = append(frame, sig...)
	frame = append(frame, app...)
	return strings.ToUpper(hex.EncodeToString(frame))
}

func groupTextFrameHex(t *testing.T, key codec.ChannelKey, path []byte, text string) string {
	t.Helper()

	plain := binary.LittleEndian.AppendUint32(nil, 1700000100)
	plain = append(plain, 0x00)
	plain = append(plain, text...)

	block, err := aes.NewCipher(key.Secret[:])
	if err != nil {
		t.Fatal(err)
	}
	ciphertext := make([]byte, len(plain))
	cipher.NewCTR(block, make([]byte, aes.BlockSize)).XORKeyStream(ciphertext, plain)

	mac := hmac.New(sha256.New, key.Secret[:])
	mac.Write(plain)

	frame := []byte{codec.RouteFlood | codec.PayloadGroupText<<2, byte(len(path))}
	frame = append(frame, path...)
	frame = append(frame, key.HashByte)
	frame = append(frame, mac.Sum(nil)[:2]...)
	frame = append(frame, ciphertext...)
	return strings.ToUpper(hex.EncodeToString(frame))
}

func reportJSON(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(fields)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestProcessAdvertReport(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	pubHex := strings.ToUpper(hex.EncodeToString(priv.Public().(ed25519.PublicKey)))
	frameHex := advertFrameHex(t, priv, []byte{0x11}, 0x92, 53400000, -2200000, "Heron Hill")

	env.pipeline.Process(ctx, "meshrank/observers/obs-1/packets", reportJSON(t, map[string]any{
		"payloadHex":   frameHex,
		"observerName": "North Ridge",
		"gps":          map[string]float64{"lat": 53.7, "lon": -1.9},
	}), time.Now())

	node, err := env.store.GetNode(ctx, pubHex)
	if err != nil {
		t.Fatal(err)
	}
	if node == nil {
		t.Fatal("advert did not create a node")
	}
	if node.Role != store.RoleRepeater || node.Name != "Heron Hill" {
		t.Errorf("node = %+v", node)
	}
	if node.GPS == nil || node.GPS.Lat != 53.4 {
		t.Errorf("node gps = %v", node.GPS)
	}

	observers, err := env.store.RankedObservers(ctx, 24)
	if err != nil {
		t.Fatal(err)
	}
	if len(observers) != 1 || observers[0].ID != "obs-1" {
		t.Fatalf("observers = %+v", observers)
	}
	if observers[0].GPS == nil || observers[0].GPS.Lat != 53.7 {
		t.Errorf("observer gps = %v", observers[0].GPS)
	}

	n, err := env.store.RFPacketCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("rf_packets = %d, want 1", n)
	}

	msgs, _ := env.store.RecentMessages(ctx, "", 10)
	if len(msgs) != 0 {
		t.Errorf("advert created %d messages", len(msgs))
	}

	// The 10-minute window metric reflects the accepted advert.
	if v, _ := env.store.GetMetric(ctx, "adverts_last_10m"); v != "1" {
		t.Errorf("adverts_last_10m = %q, want 1", v)
	}
}

func TestProcessObserverSelfAdvert(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	pubHex := strings.ToUpper(hex.EncodeToString(priv.Public().(ed25519.PublicKey)))
	frameHex := advertFrameHex(t, priv, nil, 0x81, 0, 0, "Gateway")

	env.pipeline.Process(ctx, "meshrank/observers/obs-1/packets", reportJSON(t, map[string]any{
		"payloadHex":  frameHex,
		"observerPub": pubHex,
	}), time.Now())

	node, _ := env.store.GetNode(ctx, pubHex)
	if node == nil {
		t.Fatal("node missing")
	}
	if !node.IsObserver {
		t.Error("self-advertising observer not marked is_observer")
	}
}

func TestProcessGroupTextTwoWitnesses(t *testing.T) {
	key := codec.ChannelKey{HashByte: 0x4A, Name: "#general", Secret: [16]byte{1, 2, 3}}
	env := newTestEnv(t, &key)
	ctx := context.Background()

	short := groupTextFrameHex(t, key, []byte{0x11}, "Alice: hello mesh")
	long := groupTextFrameHex(t, key, []byte{0x11, 0xA3}, "Alice: hello mesh")

	env.pipeline.Process(ctx, "meshrank/observers/obs-1/packets", reportJSON(t, map[string]any{
		"payloadHex": short,
	}), time.Now())
	env.pipeline.Process(ctx, "meshrank/observers/obs-2/packets", reportJSON(t, map[string]any{
		"payloadHex": long,
	}), time.Now())
	// Duplicate delivery from obs-1 must coalesce.
	env.pipeline.Process(ctx, "meshrank/observers/obs-1/packets", reportJSON(t, map[string]any{
		"payloadHex": short,
	}), time.Now())

	msgs, err := env.store.RecentMessages(ctx, "#general", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1 (same message hash across paths)", len(msgs))
	}
	m := msgs[0]
	if m.Sender != "Alice" || m.Body != "hello mesh" {
		t.Errorf("decrypted fields: %+v", m)
	}
	if m.PathLength != 2 {
		t.Errorf("path_length = %d, want the longer path", m.PathLength)
	}

	scorable, err := env.store.ScorableMessages(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(scorable) != 1 {
		t.Fatalf("scorable = %d", len(scorable))
	}
	if scorable[0].ObserverID != "obs-2" {
		t.Errorf("scorable witness = %s, want the longest path observer", scorable[0].ObserverID)
	}
}

func TestProcessGroupTextWithoutKey(t *testing.T) {
	key := codec.ChannelKey{HashByte: 0x4A, Name: "#general", Secret: [16]byte{9}}
	env := newTestEnv(t, nil) // no keys loaded
	ctx := context.Background()

	env.pipeline.Process(ctx, "meshrank/observers/obs-1/packets", reportJSON(t, map[string]any{
		"payloadHex": groupTextFrameHex(t, key, nil, "Bob: hi"),
	}), time.Now())

	msgs, _ := env.store.RecentMessages(ctx, "", 10)
	if len(msgs) != 1 {
		t.Fatalf("messages = %d", len(msgs))
	}
	if msgs[0].Body != "" || msgs[0].Sender != "" {
		t.Errorf("undecryptable message stored plaintext: %+v", msgs[0])
	}
	if msgs[0].ChannelHash != "4A" {
		t.Errorf("channel hash = %q", msgs[0].ChannelHash)
	}
}

func TestProcessUndecodableFrame(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	// Valid report JSON, garbage frame. Observer liveness still updates.
	env.pipeline.Process(ctx, "meshrank/observers/obs-1/packets", reportJSON(t, map[string]any{
		"payloadHex": "10",
	}), time.Now())

	observers, _ := env.store.RankedObservers(ctx, 24)
	if len(observers) != 1 {
		t.Fatalf("observer not upserted on decode failure")
	}
	n, _ := env.store.RFPacketCount(ctx)
	if n != 0 {
		t.Errorf("undecodable frame stored in rf_packets")
	}
}

func TestProcessUnparseableReport(t *testing.T) {
	env := newTestEnv(t, nil)
	env.pipeline.Process(context.Background(), "meshrank/observers/obs-1/packets", []byte("{broken"), time.Now())

	observers, _ := env.store.RankedObservers(context.Background(), 24)
	if len(observers) != 0 {
		t.Error("unparseable report reached the datastore")
	}
}

func TestArchiveThenBackfill(t *testing.T) {
	key := codec.ChannelKey{HashByte: 0x31, Name: "#ops", Secret: [16]byte{7}}
	env := newTestEnv(t, &key)
	ctx := context.Background()

	env.pipeline.Process(ctx, "meshrank/observers/obs-1/packets", reportJSON(t, map[string]any{
		"payloadHex": groupTextFrameHex(t, key, []byte{0x2B}, "Carol: status ok"),
	}), time.Now())
	if err := env.arch.Close(); err != nil {
		t.Fatal(err)
	}

	// Replay the archive into a fresh datastore through a nil-appender
	// pipeline, as the backfill subcommand does.
	env2 := newTestEnv(t, &key)
	p2 := NewPipeline(env2.store, registry.New(env2.store, zap.NewNop()), nil,
		env2.pipeline.keys, Options{RetryAttempts: 1, RFPacketCap: 100, RFPruneEvery: 1000}, zap.NewNop())

	replayed, skipped, err := archive.Replay(env.archPath, func(line []byte) error {
		return p2.ProcessArchived(ctx, line, time.Now())
	})
	if err != nil {
		t.Fatal(err)
	}
	if replayed != 1 || skipped != 0 {
		t.Fatalf("replayed=%d skipped=%d", replayed, skipped)
	}

	msgs, _ := env2.store.RecentMessages(ctx, "#ops", 10)
	if len(msgs) != 1 || msgs[0].Body != "status ok" {
		t.Errorf("backfilled messages = %+v", msgs)
	}
}

func TestRFPrunePeriodic(t *testing.T) {
	key := codec.ChannelKey{HashByte: 0x31, Name: "#ops", Secret: [16]byte{7}}
	env := newTestEnv(t, &key)
	env.pipeline.opts.RFPacketCap = 3
	env.pipeline.opts.RFPruneEvery = 5
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		env.pipeline.Process(ctx, "meshrank/observers/obs-1/packets", reportJSON(t, map[string]any{
			"payloadHex": groupTextFrameHex(t, key, nil, fmt.Sprintf("Bot: ping %d", i)),
		}), time.Now())
	}

	n, err := env.store.RFPacketCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n > 8 {
		t.Errorf("rf_packets = %d, prune never ran", n)
	}
}
