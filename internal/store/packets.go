package store

import (
	"context"
	"time"

	"github.com/meshrank/meshrank/internal/metrics"
)

const sqlInsertRF = `
	INSERT INTO rf_packets (ts, observer_id, message_hash, frame_hash,
		payload_type, route_type, path_length, rssi, snr, raw, raw_zstd)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// InsertRFPacket appends one frame to the bounded rolling table. Raw bytes
// are stored only when configured, zstd-compressed when configured.
func (s *Store) InsertRFPacket(ctx context.Context, p *RFPacket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()

	var raw any
	compressed := 0
	if s.opts.StoreRawFrames && len(p.Raw) > 0 {
		if s.zenc != nil {
			raw = s.zenc.EncodeAll(p.Raw, nil)
			compressed = 1
		} else {
			raw = p.Raw
		}
	}

	_, err := s.stmts.insertRF.ExecContext(ctx,
		p.TsMs, p.ObserverID, nullableString(p.MessageHash), nullableString(p.FrameHash),
		p.PayloadType, p.RouteType, p.PathLength,
		nullableFloat(p.RSSI), nullableFloat(p.SNR), raw, compressed,
	)
	if err != nil {
		return err
	}
	metrics.DBWriteDuration.WithLabelValues("insert_rf_packet").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("rf_packets", "insert").Inc()
	return nil
}

// PruneRFPackets deletes rows beyond the newest cap rows. Returns the
// number of rows removed.
func (s *Store) PruneRFPackets(ctx context.Context, cap int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM rf_packets WHERE id < (
			SELECT COALESCE(MIN(id), 0) FROM (
				SELECT id FROM rf_packets ORDER BY id DESC LIMIT ?
			)
		)`, cap)
	if err != nil {
		return 0, err
	}
	pruned, _ := res.RowsAffected()
	if pruned > 0 {
		metrics.RFPacketsPrunedTotal.Add(float64(pruned))
		metrics.DBRowsAffectedTotal.WithLabelValues("rf_packets", "delete").Add(float64(pruned))
	}
	return pruned, nil
}

// RFPacketCount returns the current rf_packets row count.
func (s *Store) RFPacketCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rf_packets`).Scan(&n)
	return n, err
}
