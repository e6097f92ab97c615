package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/openitem/internal/ledger"
	"github.com/odyssey-erp/openitem/internal/observability"
	"github.com/odyssey-erp/openitem/internal/platform/cache"
	"github.com/odyssey-erp/openitem/internal/platform/db"
)

// Ledgers holds one service per direction plus the connections backing them.
type Ledgers struct {
	Services map[ledger.Direction]*ledger.Service
	Caches   map[ledger.Direction]*cache.Versioned
	Metrics  *observability.LedgerMetrics
	Pool     *pgxpool.Pool
	Redis    *redis.Client
}

// BuildLedgers connects the configured store and cache and wires a service
// for every direction.
func BuildLedgers(ctx context.Context, cfg *Config, logger *slog.Logger, registerer prometheus.Registerer) (*Ledgers, error) {
	l := &Ledgers{
		Services: make(map[ledger.Direction]*ledger.Service, len(ledger.Directions)),
		Caches:   make(map[ledger.Direction]*cache.Versioned, len(ledger.Directions)),
		Metrics:  observability.NewLedgerMetrics(registerer),
	}

	if cfg.StoreDriver == StorePostgres {
		pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
		if err != nil {
			return nil, err
		}
		l.Pool = pool
		if cfg.PGMigrate {
			if err := ledger.Migrate(ctx, pool); err != nil {
				l.Close()
				return nil, err
			}
		}
	}

	if cfg.RedisAddr != "" {
		client, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			l.Close()
			return nil, err
		}
		l.Redis = client
	}

	for _, d := range ledger.Directions {
		opts := []ledger.Option{
			ledger.WithDirection(d),
			ledger.WithLogger(logger),
			ledger.WithObserver(l.Metrics),
		}
		if l.Redis != nil {
			c := cache.NewVersioned(l.Redis, "ledger:"+string(d), cfg.StatsCacheTTL)
			l.Caches[d] = c
			opts = append(opts, ledger.WithStatsCache(c))
		}
		l.Services[d] = ledger.NewService(l.repository(d), opts...)
	}
	logger.Info("ledger ready",
		slog.String("store", cfg.StoreDriver),
		slog.Bool("stats_cache", l.Redis != nil))
	return l, nil
}

func (l *Ledgers) repository(d ledger.Direction) ledger.Repository {
	if l.Pool != nil {
		return ledger.NewRepository(l.Pool, d)
	}
	return ledger.NewMemoryRepository()
}

// Checks returns readiness probes for the backing stores.
func (l *Ledgers) Checks() map[string]HealthCheck {
	checks := make(map[string]HealthCheck)
	if l.Pool != nil {
		checks["postgres"] = func(ctx context.Context) error { return l.Pool.Ping(ctx) }
	}
	if l.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return l.Redis.Ping(ctx).Err() }
	}
	return checks
}

// WatchInvalidation logs stats cache bumps published by other processes.
func (l *Ledgers) WatchInvalidation(ctx context.Context, logger *slog.Logger) error {
	for d, c := range l.Caches {
		direction := d
		if err := c.ListenForInvalidation(ctx, func(version int64) {
			logger.Debug("stats cache bumped",
				slog.String("direction", string(direction)),
				slog.Int64("version", version))
		}); err != nil {
			return fmt.Errorf("watch %s cache: %w", d, err)
		}
	}
	return nil
}

// Close releases the connections opened by BuildLedgers.
func (l *Ledgers) Close() {
	if l.Redis != nil {
		_ = l.Redis.Close()
	}
	if l.Pool != nil {
		l.Pool.Close()
	}
}
