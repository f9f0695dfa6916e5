package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/meshrank/meshrank/internal/geo"
)

// RankedObserver is one row of the ranked-observers query.
type RankedObserver struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Packets    int64       `json:"packets"`
	LastSeenMs int64       `json:"lastSeen"`
	GPS        *geo.LatLon `json:"gps,omitempty"`
}

// RankedObservers returns observers seen inside the window, most packets
// first.
func (s *Store) RankedObservers(ctx context.Context, windowHours int) ([]*RankedObserver, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	cutoff := time.Now().Add(-time.Duration(windowHours) * time.Hour).UnixMilli()

	rows, err := s.db.QueryContext(ctx, `
		SELECT observer_id, name, packets, last_seen_ms, lat, lon
		FROM observers
		WHERE last_seen_ms >= ?
		ORDER BY packets DESC, last_seen_ms DESC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RankedObserver
	for rows.Next() {
		var (
			o        RankedObserver
			lat, lon sql.NullFloat64
		)
		if err := rows.Scan(&o.ID, &o.Name, &o.Packets, &o.LastSeenMs, &lat, &lon); err != nil {
			return nil, err
		}
		if lat.Valid && lon.Valid {
			o.GPS = &geo.LatLon{Lat: lat.Float64, Lon: lon.Float64}
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

// RecentMessages returns the newest messages, optionally filtered by
// channel name.
func (s *Store) RecentMessages(ctx context.Context, channel string, limit int) ([]*MessageRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `
		SELECT message_hash, COALESCE(frame_hash, ''), COALESCE(channel_name, ''),
			COALESCE(channel_hash, ''), COALESCE(sender, ''), COALESCE(sender_pub, ''),
			COALESCE(body, ''), ts, path_json, path_length, repeats
		FROM messages`
	args := []any{}
	if channel != "" {
		query += ` WHERE channel_name = ?`
		args = append(args, channel)
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MessageRecord
	for rows.Next() {
		var (
			m        MessageRecord
			pathJSON string
		)
		if err := rows.Scan(&m.MessageHash, &m.FrameHash, &m.ChannelName, &m.ChannelHash,
			&m.Sender, &m.SenderPub, &m.Body, &m.TsMs, &pathJSON, &m.PathLength, &m.Repeats); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(pathJSON), &m.Path)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// QueryHealth summarizes ingest liveness: a sustained zero-advert window is
// the primary signal that something upstream is wrong.
func (s *Store) QueryHealth(ctx context.Context) (*Health, error) {
	h := &Health{DBPath: s.opts.Path}
	now := time.Now()

	cutoff24h := now.Add(-24 * time.Hour).UnixMilli()
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rf_packets WHERE ts >= ?`, cutoff24h).Scan(&h.RFPackets24h); err != nil {
		return nil, err
	}

	cutoff10m := now.Add(-10 * time.Minute).UnixMilli()
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rejected_adverts WHERE heard_ms >= ?`, cutoff10m).Scan(&h.RejectedAdverts10m); err != nil {
		return nil, err
	}

	var lastAdvertMs sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(last_advert_heard_ms) FROM devices`).Scan(&lastAdvertMs); err != nil {
		return nil, err
	}
	if lastAdvertMs.Valid && lastAdvertMs.Int64 > 0 {
		h.LastAdvertSeenAt = time.UnixMilli(lastAdvertMs.Int64).UTC().Format(time.RFC3339)
	}

	return h, nil
}
