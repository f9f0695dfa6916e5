package store

import (
	"context"
	"strings"
	"time"

	"github.com/meshrank/meshrank/internal/metrics"
)

// activityBucketMs is the width of message activity buckets.
const activityBucketMs = 5 * 60 * 1000

// ON CONFLICT reconciliation: observers report the same message in any
// order, so every field merges commutatively. max(ts) wins for freshness,
// first non-null wins for identity fields, and a longer path replaces a
// shorter one because it carries strictly more provenance evidence.
const sqlUpsertMessage = `
	INSERT INTO messages (message_hash, frame_hash, channel_name, channel_hash,
		sender, sender_pub, body, ts, path_json, path_text, path_length, repeats)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (message_hash) DO UPDATE SET
		ts = MAX(messages.ts, excluded.ts),
		frame_hash = COALESCE(messages.frame_hash, excluded.frame_hash),
		channel_name = COALESCE(messages.channel_name, excluded.channel_name),
		channel_hash = COALESCE(messages.channel_hash, excluded.channel_hash),
		sender = COALESCE(messages.sender, excluded.sender),
		sender_pub = COALESCE(messages.sender_pub, excluded.sender_pub),
		body = COALESCE(messages.body, excluded.body),
		path_json = CASE WHEN excluded.path_length > messages.path_length
			THEN excluded.path_json ELSE messages.path_json END,
		path_text = CASE WHEN excluded.path_length > messages.path_length
			THEN excluded.path_text ELSE messages.path_text END,
		path_length = MAX(messages.path_length, excluded.path_length),
		repeats = MAX(messages.repeats, excluded.repeats)`

const sqlUpsertWitness = `
	INSERT INTO message_observers (message_hash, observer_id, observer_name,
		ts, path_json, path_text, path_length)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (message_hash, observer_id) DO UPDATE SET
		ts = MAX(message_observers.ts, excluded.ts),
		observer_name = CASE
			WHEN LENGTH(excluded.observer_name) > LENGTH(message_observers.observer_name)
			THEN excluded.observer_name ELSE message_observers.observer_name END,
		path_json = CASE WHEN excluded.path_length > message_observers.path_length
			THEN excluded.path_json ELSE message_observers.path_json END,
		path_text = CASE WHEN excluded.path_length > message_observers.path_length
			THEN excluded.path_text ELSE message_observers.path_text END,
		path_length = MAX(message_observers.path_length, excluded.path_length)`

const sqlBumpActivity = `
	INSERT INTO activity_buckets (bucket_ms, messages) VALUES (?, 1)
	ON CONFLICT (bucket_ms) DO UPDATE SET messages = activity_buckets.messages + 1`

// UpsertMessage inserts or reconciles one message row.
func (s *Store) UpsertMessage(ctx context.Context, rec *MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	res, err := s.stmts.upsertMessage.ExecContext(ctx,
		strings.ToUpper(rec.MessageHash), nullableString(rec.FrameHash),
		nullableString(rec.ChannelName), nullableString(rec.ChannelHash),
		nullableString(rec.Sender), nullableString(rec.SenderPub),
		nullableString(rec.Body), rec.TsMs,
		pathJSON(rec.Path), strings.Join(rec.Path, ","), rec.PathLength, rec.Repeats,
	)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	metrics.DBWriteDuration.WithLabelValues("upsert_message").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("messages", "upsert").Add(float64(affected))
	return nil
}

// UpsertWitness records one observer's sighting of a message. Redelivery is
// idempotent: exactly one row per (message_hash, observer_id).
func (s *Store) UpsertWitness(ctx context.Context, w *WitnessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	res, err := s.stmts.upsertWitness.ExecContext(ctx,
		strings.ToUpper(w.MessageHash), w.ObserverID, w.ObserverName,
		w.TsMs, pathJSON(w.Path), strings.Join(w.Path, ","), w.PathLength,
	)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	metrics.DBWriteDuration.WithLabelValues("upsert_witness").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("message_observers", "upsert").Add(float64(affected))
	return nil
}

// BumpActivity increments the 5-minute activity bucket containing tsMs.
func (s *Store) BumpActivity(ctx context.Context, tsMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := tsMs - tsMs%activityBucketMs
	_, err := s.stmts.bumpActivity.ExecContext(ctx, bucket)
	return err
}
