package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/meshrank/meshrank/internal/geo"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	db, err := Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := Migrate(ctx, db, zap.NewNop()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	st, err := New(ctx, db, Options{Path: "test.db", StoreRawFrames: true}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testPub(prefix string) string {
	return strings.ToUpper(prefix) + strings.Repeat("0", 64-len(prefix))
}

func TestMigrateIdempotent(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	for i := 0; i < 2; i++ {
		if err := Migrate(ctx, db, zap.NewNop()); err != nil {
			t.Fatalf("Migrate pass %d: %v", i+1, err)
		}
	}
}

func TestGetNodeUnknown(t *testing.T) {
	st := newTestStore(t)
	node, err := st.GetNode(context.Background(), testPub("AA"))
	if err != nil {
		t.Fatal(err)
	}
	if node != nil {
		t.Errorf("unknown pub returned %+v", node)
	}
}

func TestUpsertNodeMonotonicHeard(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	pub := testPub("AB")

	if err := st.UpsertNode(ctx, &Node{Pub: pub, Role: RoleRepeater, IsRepeater: true, LastAdvertHeardMs: 2000, LastSeenMs: 2000}); err != nil {
		t.Fatal(err)
	}
	// A late-arriving older advert must not retrograde the heard time.
	if err := st.UpsertNode(ctx, &Node{Pub: pub, Role: RoleRepeater, IsRepeater: true, LastAdvertHeardMs: 1000, LastSeenMs: 1000}); err != nil {
		t.Fatal(err)
	}

	node, err := st.GetNode(ctx, pub)
	if err != nil {
		t.Fatal(err)
	}
	if node.LastAdvertHeardMs != 2000 {
		t.Errorf("last_advert_heard_ms = %d, want 2000", node.LastAdvertHeardMs)
	}
	if node.LastSeenMs != 2000 {
		t.Errorf("last_seen_ms = %d, want 2000", node.LastSeenMs)
	}
}

func TestMarkObserverNode(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	pub := testPub("AC")

	if err := st.UpsertNode(ctx, &Node{Pub: pub, Role: RoleChat}); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkObserverNode(ctx, pub); err != nil {
		t.Fatal(err)
	}

	node, _ := st.GetNode(ctx, pub)
	if !node.IsObserver {
		t.Error("is_observer not set")
	}
	if node.Role != RoleChat {
		t.Errorf("role changed to %s", node.Role)
	}
}

func TestUpsertMessageReconciliation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// First witness: fresh timestamp, short path, no decrypted fields.
	if err := st.UpsertMessage(ctx, &MessageRecord{
		MessageHash: "1111111111111111",
		TsMs:        2000,
		Path:        []string{"11"},
		PathLength:  1,
	}); err != nil {
		t.Fatal(err)
	}
	// Second witness: older timestamp, longer path, decrypted fields.
	if err := st.UpsertMessage(ctx, &MessageRecord{
		MessageHash: "1111111111111111",
		ChannelName: "#general",
		Sender:      "Alice",
		Body:        "hello",
		TsMs:        1500,
		Path:        []string{"11", "A3", "7F"},
		PathLength:  3,
	}); err != nil {
		t.Fatal(err)
	}

	msgs, err := st.RecentMessages(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.TsMs != 2000 {
		t.Errorf("ts = %d, want max 2000", m.TsMs)
	}
	if m.PathLength != 3 || len(m.Path) != 3 {
		t.Errorf("path = %v (len %d), want the longer path", m.Path, m.PathLength)
	}
	if m.ChannelName != "#general" || m.Sender != "Alice" || m.Body != "hello" {
		t.Errorf("identity fields not filled in: %+v", m)
	}

	// A third witness cannot blank out identity fields already learned.
	if err := st.UpsertMessage(ctx, &MessageRecord{
		MessageHash: "1111111111111111",
		TsMs:        1000,
		Path:        []string{"11"},
		PathLength:  1,
	}); err != nil {
		t.Fatal(err)
	}
	msgs, _ = st.RecentMessages(ctx, "", 10)
	if msgs[0].Sender != "Alice" || msgs[0].PathLength != 3 {
		t.Errorf("reconciliation regressed: %+v", msgs[0])
	}
}

func TestUpsertWitnessIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	w := &WitnessRecord{
		MessageHash: "2222222222222222",
		ObserverID:  "obs-1",
		TsMs:        1000,
		Path:        []string{"11"},
		PathLength:  1,
	}
	for i := 0; i < 3; i++ {
		if err := st.UpsertWitness(ctx, w); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.UpsertWitness(ctx, &WitnessRecord{
		MessageHash:  "2222222222222222",
		ObserverID:   "obs-1",
		ObserverName: "North Ridge Observer",
		TsMs:         900,
		Path:         []string{"11", "A3"},
		PathLength:   2,
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertWitness(ctx, &WitnessRecord{
		MessageHash: "2222222222222222",
		ObserverID:  "obs-2",
		TsMs:        1100,
	}); err != nil {
		t.Fatal(err)
	}

	var count int
	if err := st.db.QueryRow(`SELECT COUNT(*) FROM message_observers WHERE message_hash = '2222222222222222'`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("witness rows = %d, want 2 distinct observers", count)
	}

	var ts, pathLen int64
	var name string
	if err := st.db.QueryRow(
		`SELECT ts, path_length, observer_name FROM message_observers WHERE observer_id = 'obs-1'`,
	).Scan(&ts, &pathLen, &name); err != nil {
		t.Fatal(err)
	}
	if ts != 1000 {
		t.Errorf("witness ts = %d, want max 1000", ts)
	}
	if pathLen != 2 {
		t.Errorf("witness path_length = %d, want longer path 2", pathLen)
	}
	if name != "North Ridge Observer" {
		t.Errorf("witness name = %q", name)
	}
}

func TestUpsertObserverAccumulates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	gps := &geo.LatLon{Lat: 53.7, Lon: -1.9}
	if err := st.UpsertObserver(ctx, &ObserverUpdate{ObserverID: "obs-1", Name: "o", SeenMs: 1000, GPS: gps}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertObserver(ctx, &ObserverUpdate{ObserverID: "obs-1", Name: "obs one", SeenMs: 2000}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertObserver(ctx, &ObserverUpdate{ObserverID: "obs-1", SeenMs: 500}); err != nil {
		t.Fatal(err)
	}

	ranked, err := st.RankedObservers(ctx, 24*365*100)
	if err != nil {
		t.Fatal(err)
	}
	if len(ranked) != 1 {
		t.Fatalf("got %d observers", len(ranked))
	}
	o := ranked[0]
	if o.Packets != 3 {
		t.Errorf("packets = %d, want 3", o.Packets)
	}
	if o.LastSeenMs != 2000 {
		t.Errorf("last_seen = %d, want 2000", o.LastSeenMs)
	}
	if o.Name != "obs one" {
		t.Errorf("name = %q, want the longer name", o.Name)
	}
	if o.GPS == nil || o.GPS.Lat != 53.7 {
		t.Errorf("gps = %v, want retained (53.7, -1.9)", o.GPS)
	}

	home, err := st.ObserverHome(ctx, "obs-1")
	if err != nil {
		t.Fatal(err)
	}
	if home == nil || home.Lon != -1.9 {
		t.Errorf("ObserverHome = %v", home)
	}
	if home, _ := st.ObserverHome(ctx, "nobody"); home != nil {
		t.Errorf("unknown observer home = %v", home)
	}
}

func TestRFPacketPrune(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := st.InsertRFPacket(ctx, &RFPacket{
			TsMs: int64(1000 + i), ObserverID: "obs-1", Raw: []byte{0x11, byte(i)},
		}); err != nil {
			t.Fatal(err)
		}
	}

	pruned, err := st.PruneRFPackets(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 6 {
		t.Errorf("pruned = %d, want 6", pruned)
	}
	n, err := st.RFPacketCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("count = %d, want 4", n)
	}

	// The survivors are the newest rows.
	var minTs int64
	if err := st.db.QueryRow(`SELECT MIN(ts) FROM rf_packets`).Scan(&minTs); err != nil {
		t.Fatal(err)
	}
	if minTs != 1006 {
		t.Errorf("oldest surviving ts = %d, want 1006", minTs)
	}
}

func TestRejectedAdvertSampleTruncated(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sample := strings.Repeat("F", 5000)
	if err := st.InsertRejectedAdvert(ctx, testPub("AD"), "obs-1", 1000, "invalid_name_too_short", sample); err != nil {
		t.Fatal(err)
	}

	var stored string
	if err := st.db.QueryRow(`SELECT sample FROM rejected_adverts`).Scan(&stored); err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1024 {
		t.Errorf("stored sample %d bytes, want 1024", len(stored))
	}

	cutoff := int64(2000)
	pruned, err := st.PruneRejectedAdverts(ctx, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
}

func TestMetricKV(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.SetMetric(ctx, "adverts_last_10m", "7"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetMetric(ctx, "adverts_last_10m", "9"); err != nil {
		t.Fatal(err)
	}
	v, err := st.GetMetric(ctx, "adverts_last_10m")
	if err != nil {
		t.Fatal(err)
	}
	if v != "9" {
		t.Errorf("metric = %q, want 9", v)
	}
	if v, _ := st.GetMetric(ctx, "missing"); v != "" {
		t.Errorf("missing metric = %q", v)
	}
}

func strPtr(s string) *string { return &s }

func TestRouteUpsertAndEdges(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	x, y, z := testPub("1A"), testPub("2B"), testPub("3C")
	resolved := &RouteRecord{
		MsgKey:        "msg-1",
		Ts:            "2026-08-24T10:00:00Z",
		TsMs:          1000,
		ObserverID:    "obs-1",
		Tokens:        []string{"1A", "2B", "3C"},
		InferredPubs:  []*string{strPtr(x), strPtr(y), strPtr(z)},
		HopConfidence: []float64{0.9, 0.8, 0.95},
		RouteConf:     0.9,
	}
	if err := st.UpsertRoute(ctx, resolved); err != nil {
		t.Fatal(err)
	}
	// Same route again and one unresolved route with nulls.
	if err := st.UpsertRoute(ctx, resolved); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertRoute(ctx, &RouteRecord{
		MsgKey:       "msg-2",
		Tokens:       []string{"FF"},
		InferredPubs: []*string{nil},
		Unresolved:   true,
	}); err != nil {
		t.Fatal(err)
	}

	edges, err := st.ResolvedRouteEdges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if edges[[2]string{x, y}] != 1 || edges[[2]string{y, z}] != 1 {
		t.Errorf("edges = %v, want one count per adjacent resolved pair", edges)
	}
	if len(edges) != 2 {
		t.Errorf("edge count = %d, want 2 (unresolved routes excluded)", len(edges))
	}

	var count int
	if err := st.db.QueryRow(`SELECT COUNT(*) FROM geoscore_routes`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("route rows = %d, want upsert not duplicate", count)
	}
}

func TestCandidatesForToken(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	gps := &geo.LatLon{Lat: 53.4, Lon: -2.2}
	for i, pub := range []string{testPub("A1"), testPub("A2")} {
		if err := st.UpsertNode(ctx, &Node{
			Pub: pub, Role: RoleRepeater, GPS: gps,
			LastAdvertHeardMs: int64(1000 + i),
		}); err != nil {
			t.Fatal(err)
		}
	}

	cands, err := st.CandidatesForToken(ctx, "a1", 25)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 {
		t.Fatalf("got %d candidates for A1, want 1", len(cands))
	}
	if cands[0].Pub != testPub("A1") {
		t.Errorf("candidate = %s", cands[0].Pub)
	}
	if cands[0].GPS == nil {
		t.Error("candidate GPS not loaded")
	}

	if cands, _ := st.CandidatesForToken(ctx, "FF", 25); len(cands) != 0 {
		t.Errorf("FF matched %d candidates", len(cands))
	}
	if _, err := st.CandidatesForToken(ctx, "%%", 25); err == nil {
		t.Error("wildcard token accepted")
	}
	if _, err := st.CandidatesForToken(ctx, "ABC", 25); err == nil {
		t.Error("three-char token accepted")
	}
}

func TestScorableMessagesLongestPath(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	witnesses := []*WitnessRecord{
		{MessageHash: "3333333333333333", ObserverID: "obs-1", TsMs: 1000, Path: []string{"11"}, PathLength: 1},
		{MessageHash: "3333333333333333", ObserverID: "obs-2", TsMs: 1100, Path: []string{"11", "A3"}, PathLength: 2},
		{MessageHash: "4444444444444444", ObserverID: "obs-1", TsMs: 1200}, // no path, not scorable
	}
	for _, w := range witnesses {
		if err := st.UpsertWitness(ctx, w); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := st.ScorableMessages(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d scorable messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.MsgKey != "3333333333333333" || m.ObserverID != "obs-2" {
		t.Errorf("scorable = %+v, want the longest-path witness", m)
	}
	if len(m.Path) != 2 {
		t.Errorf("path = %v", m.Path)
	}

	if msgs, _ := st.ScorableMessages(ctx, 5000); len(msgs) != 0 {
		t.Errorf("window cutoff ignored: %d messages", len(msgs))
	}
}

func TestRecentMessagesFilterAndLimit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i, ch := range []string{"#general", "#general", "#ops"} {
		if err := st.UpsertMessage(ctx, &MessageRecord{
			MessageHash: strings.Repeat("A", 15) + string(rune('0'+i)),
			ChannelName: ch,
			TsMs:        int64(1000 + i),
		}); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := st.RecentMessages(ctx, "#general", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("channel filter returned %d", len(msgs))
	}
	if msgs[0].TsMs < msgs[1].TsMs {
		t.Error("not ordered newest first")
	}

	msgs, _ = st.RecentMessages(ctx, "", 1)
	if len(msgs) != 1 {
		t.Errorf("limit ignored: %d rows", len(msgs))
	}
}

func TestQueryHealth(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	if err := st.InsertRFPacket(ctx, &RFPacket{TsMs: now, ObserverID: "obs-1"}); err != nil {
		t.Fatal(err)
	}
	if err := st.InsertRejectedAdvert(ctx, "", "obs-1", now, "invalid_pub", "zz"); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertNode(ctx, &Node{Pub: testPub("AE"), Role: RoleSensor, LastAdvertHeardMs: now}); err != nil {
		t.Fatal(err)
	}

	h, err := st.QueryHealth(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h.DBPath != "test.db" {
		t.Errorf("db path = %q", h.DBPath)
	}
	if h.RFPackets24h != 1 {
		t.Errorf("rf 24h = %d", h.RFPackets24h)
	}
	if h.RejectedAdverts10m != 1 {
		t.Errorf("rejected 10m = %d", h.RejectedAdverts10m)
	}
	if h.LastAdvertSeenAt == "" {
		t.Error("last advert time empty")
	}
}
