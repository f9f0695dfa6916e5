package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/meshrank/meshrank/internal/geo"
	"github.com/meshrank/meshrank/internal/metrics"
)

const sqlGetNode = `
	SELECT pub, name, role, is_repeater, is_observer, lat, lon,
		gps_manual, gps_estimated, gps_flagged, implausible_gps, hidden_on_map,
		last_advert_heard_ms, last_seen_ms, last_advert_blob, updated_at
	FROM devices WHERE pub = ?`

const sqlUpsertNode = `
	INSERT INTO devices (pub, name, role, is_repeater, is_observer, lat, lon,
		gps_manual, gps_estimated, gps_flagged, implausible_gps, hidden_on_map,
		last_advert_heard_ms, last_seen_ms, last_advert_blob, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (pub) DO UPDATE SET
		name = excluded.name,
		role = excluded.role,
		is_repeater = excluded.is_repeater,
		is_observer = excluded.is_observer,
		lat = excluded.lat,
		lon = excluded.lon,
		gps_manual = excluded.gps_manual,
		gps_estimated = excluded.gps_estimated,
		gps_flagged = excluded.gps_flagged,
		implausible_gps = excluded.implausible_gps,
		hidden_on_map = excluded.hidden_on_map,
		last_advert_heard_ms = MAX(devices.last_advert_heard_ms, excluded.last_advert_heard_ms),
		last_seen_ms = MAX(devices.last_seen_ms, excluded.last_seen_ms),
		last_advert_blob = excluded.last_advert_blob,
		updated_at = excluded.updated_at`

// GetNode returns the canonical node for a pub, or nil when unknown.
// The pub is case-folded upper before lookup.
func (s *Store) GetNode(ctx context.Context, pub string) (*Node, error) {
	row := s.stmts.getNode.QueryRowContext(ctx, strings.ToUpper(pub))
	return scanNode(row)
}

func scanNode(row *sql.Row) (*Node, error) {
	var (
		n        Node
		role     string
		lat, lon sql.NullFloat64
	)
	err := row.Scan(&n.Pub, &n.Name, &role, &n.IsRepeater, &n.IsObserver, &lat, &lon,
		&n.GPSManual, &n.GPSEstimated, &n.GPSFlagged, &n.ImplausibleGPS, &n.HiddenOnMap,
		&n.LastAdvertHeardMs, &n.LastSeenMs, &n.LastAdvertBlob, &n.UpdatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	n.Role = Role(role)
	if lat.Valid && lon.Valid {
		n.GPS = &geo.LatLon{Lat: lat.Float64, Lon: lon.Float64}
	}
	return &n, nil
}

// UpsertNode writes the merged canonical node. last_advert_heard_ms and
// last_seen_ms stay monotonic at the SQL layer even if two writers race.
func (s *Store) UpsertNode(ctx context.Context, n *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	var lat, lon any
	if n.GPS != nil {
		lat, lon = n.GPS.Lat, n.GPS.Lon
	}
	res, err := s.stmts.upsertNode.ExecContext(ctx,
		strings.ToUpper(n.Pub), n.Name, string(n.Role),
		boolInt(n.IsRepeater), boolInt(n.IsObserver), lat, lon,
		boolInt(n.GPSManual), boolInt(n.GPSEstimated), boolInt(n.GPSFlagged),
		boolInt(n.ImplausibleGPS), boolInt(n.HiddenOnMap),
		n.LastAdvertHeardMs, n.LastSeenMs, n.LastAdvertBlob, nowMs(),
	)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	metrics.DBWriteDuration.WithLabelValues("upsert_node").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("devices", "upsert").Add(float64(affected))
	return nil
}

// MarkObserverNode flags a node as an observer without touching advert
// state. Unknown pubs are ignored.
func (s *Store) MarkObserverNode(ctx context.Context, pub string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET is_observer = 1, updated_at = ? WHERE pub = ?`,
		nowMs(), strings.ToUpper(pub))
	return err
}
