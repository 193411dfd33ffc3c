// Package engine wires the configured store, record source and graph
// pipeline into a scheduler. cmd/server, cmd/worker and kgctl share it.
package engine

import (
	"context"
	"fmt"

	"github.com/barokg/backend/internal/config"
	"github.com/barokg/backend/internal/metrics"
	"github.com/barokg/backend/internal/util"
	"github.com/barokg/backend/pkg/graph"
	"github.com/barokg/backend/pkg/infer"
	"github.com/barokg/backend/pkg/leaselock"
	"github.com/barokg/backend/pkg/loader"
	loaderio "github.com/barokg/backend/pkg/loader/io"
	loaders3 "github.com/barokg/backend/pkg/loader/s3"
	"github.com/barokg/backend/pkg/logger"
	"github.com/barokg/backend/pkg/match"
	"github.com/barokg/backend/pkg/resolve"
	"github.com/barokg/backend/pkg/scheduler"
	"github.com/barokg/backend/pkg/store"
	"github.com/barokg/backend/pkg/store/memory"
	"github.com/barokg/backend/pkg/store/migrations"
	pgstore "github.com/barokg/backend/pkg/store/pgx"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Engine struct {
	Store     store.GraphStorage
	Writer    *graph.Writer
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Metrics

	pool *pgxpool.Pool
}

// Close releases the database pool, if any.
func (e *Engine) Close() {
	if e.pool != nil {
		e.pool.Close()
	}
}

// Build connects the store (applying migrations for Postgres), loads the
// relation patterns and assembles the scheduler. notifier may be nil.
func Build(ctx context.Context, cfg config.Config, notifier scheduler.Notifier) (*Engine, error) {
	e := &Engine{Metrics: metrics.New()}

	var locker leaselock.Locker
	switch cfg.Store {
	case "memory":
		logger.Warn("[Engine] Using in-memory store, the graph is lost on exit")
		e.Store = memory.New()
		locker = leaselock.NewLocal()
	default:
		if err := migrations.Up(cfg.DatabaseURL); err != nil {
			return nil, err
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		e.pool = pool
		s, err := pgstore.NewGraphDBStorageWithConnection(ctx, pool, pgstore.WithStoreTimeout(cfg.StoreTimeout))
		if err != nil {
			pool.Close()
			return nil, err
		}
		e.Store = s
		locker = leaselock.New(pool)
	}

	patterns, err := loadPatterns(cfg.Graph.PatternsFile)
	if err != nil {
		e.Close()
		return nil, err
	}
	matcher, err := match.New(cfg.Graph.Match)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("invalid match config: %w", err)
	}
	inferencer, err := infer.New(cfg.Graph.Scoring, patterns)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("invalid scoring config: %w", err)
	}

	e.Writer = graph.NewWriter(e.Store, inferencer.Scoring())
	backoff := util.DefaultBackoff()
	backoff.Initial = cfg.Graph.RetryInitial
	backoff.Max = cfg.Graph.RetryMax
	client, err := graph.NewGraphClient(graph.NewGraphClientParams{
		Resolver:          resolve.New(e.Store, matcher),
		Inferencer:        inferencer,
		Writer:            e.Writer,
		ParallelDocuments: cfg.Graph.ParallelDocuments,
		MaxRetries:        cfg.Graph.MaxRetries,
		RetryBackoff:      &backoff,
	})
	if err != nil {
		e.Close()
		return nil, err
	}

	records, err := newRecordSource(ctx, cfg.Records)
	if err != nil {
		e.Close()
		return nil, err
	}

	opts := []scheduler.Option{
		scheduler.WithLocker(locker),
		scheduler.WithObserver(e.Metrics),
	}
	if notifier != nil {
		opts = append(opts, scheduler.WithNotifier(notifier))
	}
	e.Scheduler = scheduler.New(cfg.SchedulerParams(), client, e.Store, records, records, opts...)
	if err := e.Scheduler.Restore(ctx); err != nil {
		logger.Warn("[Engine] Failed to restore run state", "err", err)
	}
	return e, nil
}

func loadPatterns(path string) ([]infer.Pattern, error) {
	if path == "" {
		return infer.DefaultPatterns()
	}
	patterns, err := infer.LoadPatternFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load patterns from %s: %w", path, err)
	}
	logger.Info("[Engine] Loaded relation patterns", "file", path, "count", len(patterns))
	return patterns, nil
}

func newRecordSource(ctx context.Context, cfg config.RecordsConfig) (*loader.RecordSource, error) {
	if cfg.Source != "s3" {
		return loaderio.NewDirSource(cfg.Dir), nil
	}
	backend, err := loaders3.NewS3Backend(ctx, loaders3.NewS3BackendParams{
		Bucket:    cfg.Bucket,
		Prefix:    cfg.Prefix,
		Endpoint:  cfg.Endpoint,
		Region:    cfg.Region,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
	})
	if err != nil {
		return nil, err
	}
	return loader.NewRecordSource(backend), nil
}
