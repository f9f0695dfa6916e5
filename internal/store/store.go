package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// Options controls raw-frame storage in rf_packets.
type Options struct {
	Path              string
	StoreRawFrames    bool
	CompressRawFrames bool
}

// Store serializes all writes through one mutex; reads run outside it and
// rely on WAL for snapshot isolation. Prepared statements are created once
// and reused. The mutex wraps only the statement invocation, never a
// suspension point beyond it.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger
	opts   Options

	zenc *zstd.Encoder
	zdec *zstd.Decoder

	stmts struct {
		getNode        *sql.Stmt
		upsertNode     *sql.Stmt
		insertRejected *sql.Stmt
		upsertMessage  *sql.Stmt
		upsertWitness  *sql.Stmt
		bumpActivity   *sql.Stmt
		upsertObserver *sql.Stmt
		insertRF       *sql.Stmt
		upsertRoute    *sql.Stmt
		setMetric      *sql.Stmt
	}
}

// New prepares all statements against an opened, migrated database.
func New(ctx context.Context, db *sql.DB, opts Options, logger *zap.Logger) (*Store, error) {
	s := &Store{db: db, logger: logger, opts: opts}

	if opts.StoreRawFrames && opts.CompressRawFrames {
		var err error
		if s.zenc, err = zstd.NewWriter(nil); err != nil {
			return nil, err
		}
		if s.zdec, err = zstd.NewReader(nil); err != nil {
			return nil, err
		}
	}

	prepared := []struct {
		dst **sql.Stmt
		sql string
	}{
		{&s.stmts.getNode, sqlGetNode},
		{&s.stmts.upsertNode, sqlUpsertNode},
		{&s.stmts.insertRejected, sqlInsertRejected},
		{&s.stmts.upsertMessage, sqlUpsertMessage},
		{&s.stmts.upsertWitness, sqlUpsertWitness},
		{&s.stmts.bumpActivity, sqlBumpActivity},
		{&s.stmts.upsertObserver, sqlUpsertObserver},
		{&s.stmts.insertRF, sqlInsertRF},
		{&s.stmts.upsertRoute, sqlUpsertRoute},
		{&s.stmts.setMetric, sqlSetMetric},
	}
	for _, p := range prepared {
		stmt, err := db.PrepareContext(ctx, p.sql)
		if err != nil {
			return nil, err
		}
		*p.dst = stmt
	}

	return s, nil
}

// Ping is used by the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Path returns the on-disk database path.
func (s *Store) Path() string {
	return s.opts.Path
}

func (s *Store) Close() error {
	if s.zenc != nil {
		s.zenc.Close()
	}
	if s.zdec != nil {
		s.zdec.Close()
	}
	return s.db.Close()
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

func pathJSON(path []string) string {
	if len(path) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(path)
	return string(b)
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
