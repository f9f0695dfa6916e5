// Package maintenance enforces the bounded-table caps: the rolling
// rf_packets window and the rejected_adverts retention. Runs as a
// subcommand, typically from cron, while the service keeps serving.
package maintenance

import (
	"context"
	"time"

	"github.com/meshrank/meshrank/internal/store"
	"go.uber.org/zap"
)

type Options struct {
	RFPacketCap  int
	RejectedDays int
}

// Run applies every prune once. Each step reports what it removed; a
// failing step does not skip the others.
func Run(ctx context.Context, st *store.Store, opts Options, logger *zap.Logger) error {
	var firstErr error

	pruned, err := st.PruneRFPackets(ctx, opts.RFPacketCap)
	if err != nil {
		logger.Error("rf_packets prune failed", zap.Error(err))
		firstErr = err
	} else if pruned > 0 {
		logger.Info("rf_packets pruned",
			zap.Int64("rows", pruned), zap.Int("cap", opts.RFPacketCap))
	}

	cutoff := time.Now().AddDate(0, 0, -opts.RejectedDays).UnixMilli()
	pruned, err = st.PruneRejectedAdverts(ctx, cutoff)
	if err != nil {
		logger.Error("rejected_adverts prune failed", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	} else if pruned > 0 {
		logger.Info("rejected_adverts pruned",
			zap.Int64("rows", pruned), zap.Int("retention_days", opts.RejectedDays))
	}

	return firstErr
}
