package geoscore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/meshrank/meshrank/internal/metrics"
	"github.com/meshrank/meshrank/internal/store"
	"go.uber.org/zap"
)

// ScorerOptions configure the periodic scoring task.
type ScorerOptions struct {
	Interval       time.Duration
	Window         time.Duration
	CandidateLimit int
}

// Scorer periodically re-scores every message witnessed within the window.
// Re-scoring overwrites the stored route, so inferences improve as the
// registry fills in and the edge prior grows.
type Scorer struct {
	store  *store.Store
	engine *Engine
	opts   ScorerOptions
	logger *zap.Logger
}

func NewScorer(st *store.Store, engine *Engine, opts ScorerOptions, logger *zap.Logger) *Scorer {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Window <= 0 {
		opts.Window = 15 * time.Minute
	}
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = DefaultThresholds().CandidateLimit
	}
	return &Scorer{store: st, engine: engine, opts: opts, logger: logger}
}

// Run blocks until the context is cancelled, scoring one pass immediately
// and then every interval.
func (s *Scorer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.Pass(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Pass(ctx, now)
		}
	}
}

// Pass scores every scorable message in the window once.
func (s *Scorer) Pass(ctx context.Context, now time.Time) {
	start := time.Now()

	// One edge-prior snapshot per pass; routes scored within the same pass
	// do not feed back into each other.
	edges, err := s.store.ResolvedRouteEdges(ctx)
	if err != nil {
		s.logger.Error("loading route edge prior failed", zap.Error(err))
		return
	}

	sinceMs := now.Add(-s.opts.Window).UnixMilli()
	msgs, err := s.store.ScorableMessages(ctx, sinceMs)
	if err != nil {
		s.logger.Error("listing scorable messages failed", zap.Error(err))
		return
	}

	for _, msg := range msgs {
		if ctx.Err() != nil {
			return
		}
		if err := s.scoreOne(ctx, msg, edges, now); err != nil {
			s.logger.Warn("route scoring failed",
				zap.String("msg_key", msg.MsgKey), zap.Error(err))
		}
	}

	metrics.RouteScoreDuration.Observe(time.Since(start).Seconds())
	if len(msgs) > 0 {
		s.logger.Debug("route scoring pass done",
			zap.Int("messages", len(msgs)),
			zap.Duration("took", time.Since(start)))
	}
}

func (s *Scorer) scoreOne(ctx context.Context, msg *store.ScorableMessage, edges map[[2]string]int, now time.Time) error {
	home, err := s.store.ObserverHome(ctx, msg.ObserverID)
	if err != nil {
		return err
	}

	res, err := s.engine.Score(&Input{
		Tokens:       msg.Path,
		ObserverID:   msg.ObserverID,
		ObserverHome: home,
		Candidates: func(token string) ([]*store.Candidate, error) {
			return s.store.CandidatesForToken(ctx, token, s.opts.CandidateLimit)
		},
		EdgePrior: func(prev, next string) int {
			return edges[[2]string{prev, next}]
		},
		NowMs: now.UnixMilli(),
	})
	if err != nil || res == nil {
		return err
	}

	diag, _ := json.Marshal(res.Diagnostics)
	rec := &store.RouteRecord{
		MsgKey:        msg.MsgKey,
		Ts:            time.UnixMilli(msg.TsMs).UTC().Format(time.RFC3339),
		TsMs:          msg.TsMs,
		ObserverID:    msg.ObserverID,
		Tokens:        msg.Path,
		InferredPubs:  res.InferredPubs,
		HopConfidence: res.HopConfidence,
		RouteConf:     res.RouteConf,
		Unresolved:    res.Unresolved,
		TeleportMaxKm: res.TeleportMaxKm,
		Diagnostics:   string(diag),
	}
	if err := s.store.UpsertRoute(ctx, rec); err != nil {
		metrics.DBWriteErrorsTotal.WithLabelValues("geoscore_routes").Inc()
		return err
	}

	resolved := "true"
	if res.Unresolved {
		resolved = "false"
	}
	metrics.RoutesScoredTotal.WithLabelValues(resolved).Inc()
	return nil
}
