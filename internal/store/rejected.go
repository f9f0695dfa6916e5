package store

import (
	"context"
	"time"

	"github.com/meshrank/meshrank/internal/metrics"
)

// rejectedSampleLimit caps the stored sample so one hostile advert cannot
// bloat the log.
const rejectedSampleLimit = 1024

const sqlInsertRejected = `
	INSERT INTO rejected_adverts (pub, observer_id, heard_ms, reason, sample)
	VALUES (?, ?, ?, ?, ?)`

// InsertRejectedAdvert appends one row to the rejection log. Rows are never
// updated; retention pruning is the only delete path.
func (s *Store) InsertRejectedAdvert(ctx context.Context, pub, observerID string, heardMs int64, reason, sample string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(sample) > rejectedSampleLimit {
		sample = sample[:rejectedSampleLimit]
	}

	start := time.Now()
	_, err := s.stmts.insertRejected.ExecContext(ctx,
		nullableString(pub), observerID, heardMs, reason, sample)
	if err != nil {
		return err
	}
	metrics.DBWriteDuration.WithLabelValues("insert_rejected").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("rejected_adverts", "insert").Inc()
	metrics.RejectedAdvertsTotal.WithLabelValues(reason).Inc()
	return nil
}

// RejectedReasons returns rejection counts grouped by reason code.
func (s *Store) RejectedReasons(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT reason, COUNT(*) FROM rejected_adverts GROUP BY reason`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			reason string
			n      int
		)
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, err
		}
		out[reason] = n
	}
	return out, rows.Err()
}

// PruneRejectedAdverts deletes rejection rows older than the cutoff.
func (s *Store) PruneRejectedAdverts(ctx context.Context, olderThanMs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rejected_adverts WHERE heard_ms < ?`, olderThanMs)
	if err != nil {
		return 0, err
	}
	pruned, _ := res.RowsAffected()
	if pruned > 0 {
		metrics.DBRowsAffectedTotal.WithLabelValues("rejected_adverts", "delete").Add(float64(pruned))
	}
	return pruned, nil
}
