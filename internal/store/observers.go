package store

import (
	"context"
	"time"

	"github.com/meshrank/meshrank/internal/metrics"
)

const sqlUpsertObserver = `
	INSERT INTO observers (observer_id, name, first_seen_ms, last_seen_ms, packets, lat, lon, updated_at)
	VALUES (?, ?, ?, ?, 1, ?, ?, ?)
	ON CONFLICT (observer_id) DO UPDATE SET
		name = CASE WHEN LENGTH(excluded.name) > LENGTH(observers.name)
			THEN excluded.name ELSE observers.name END,
		first_seen_ms = MIN(observers.first_seen_ms, excluded.first_seen_ms),
		last_seen_ms = MAX(observers.last_seen_ms, excluded.last_seen_ms),
		packets = observers.packets + 1,
		lat = COALESCE(excluded.lat, observers.lat),
		lon = COALESCE(excluded.lon, observers.lon),
		updated_at = excluded.updated_at`

// UpsertObserver applies one received report to the observer registry:
// bumps the packet counter, keeps first/last seen, and adopts a reported
// GPS when present.
func (s *Store) UpsertObserver(ctx context.Context, u *ObserverUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	var lat, lon any
	if u.GPS != nil && u.GPS.Valid() {
		lat, lon = u.GPS.Lat, u.GPS.Lon
	}
	res, err := s.stmts.upsertObserver.ExecContext(ctx,
		u.ObserverID, u.Name, u.SeenMs, u.SeenMs, lat, lon, nowMs(),
	)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	metrics.DBWriteDuration.WithLabelValues("upsert_observer").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("observers", "upsert").Add(float64(affected))
	return nil
}
