package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/odyssey-erp/openitem/internal/jobs"
	"github.com/odyssey-erp/openitem/internal/ledger"
)

// StatsSource computes ledger aggregates. Reading them populates the cache.
type StatsSource interface {
	GetStats(ctx context.Context) (ledger.Stats, error)
	GetStatsByMethod(ctx context.Context) ([]ledger.MethodStats, error)
}

// StatsWarmupJob keeps cached stats hot so API readers rarely rebuild them.
type StatsWarmupJob struct {
	Sources map[ledger.Direction]StatsSource
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle rebuilds stats for the requested directions.
func (j *StatsWarmupJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil {
		return errors.New("stats warmup: handler not configured")
	}
	dirs, err := decodeLedgerPayload(t)
	if err != nil {
		return err
	}
	tracker := j.Metrics.Track(TaskLedgerStatsWarmup)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, d := range dirs {
		src, ok := j.Sources[d]
		if !ok {
			continue
		}
		g.Go(func() error {
			stats, err := src.GetStats(ctx)
			if err != nil {
				return fmt.Errorf("stats warmup %s: %w", d, err)
			}
			if _, err := src.GetStatsByMethod(ctx); err != nil {
				return fmt.Errorf("stats warmup %s methods: %w", d, err)
			}
			logger.Debug("stats warmed",
				slog.String("direction", string(d)),
				slog.Int("bills", stats.TotalCount),
				slog.Int("overdue", stats.OverdueCount))
			return nil
		})
	}
	return g.Wait()
}
