// Package app builds the long-lived services of the ingest process from a
// config.Config and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	gcsstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/pncp-item-ingest/internal/archive"
	"github.com/JakeFAU/pncp-item-ingest/internal/clock/system"
	"github.com/JakeFAU/pncp-item-ingest/internal/config"
	"github.com/JakeFAU/pncp-item-ingest/internal/id/uuid"
	"github.com/JakeFAU/pncp-item-ingest/internal/ingest"
	"github.com/JakeFAU/pncp-item-ingest/internal/notify"
	"github.com/JakeFAU/pncp-item-ingest/internal/procurement"
	"github.com/JakeFAU/pncp-item-ingest/internal/progress"
	"github.com/JakeFAU/pncp-item-ingest/internal/progress/sinks"
	"github.com/JakeFAU/pncp-item-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/pncp-item-ingest/internal/source/pncp"
	"github.com/JakeFAU/pncp-item-ingest/internal/storage"
	"github.com/JakeFAU/pncp-item-ingest/internal/storage/gcs"
	"github.com/JakeFAU/pncp-item-ingest/internal/storage/local"
	"github.com/JakeFAU/pncp-item-ingest/internal/storage/memory"
	"github.com/JakeFAU/pncp-item-ingest/internal/storage/postgres"
	"github.com/JakeFAU/pncp-item-ingest/internal/store"
)

// Options tune how the App is assembled for a given command.
type Options struct {
	// DryRun keeps items and run history in memory; the catalog is still read
	// from the database.
	DryRun bool
	// Console, when set, receives human-readable progress lines.
	Console io.Writer
	// Registerer receives the progress collectors. Defaults to the global registry.
	Registerer prometheus.Registerer
}

// App holds the shared services of one process.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool      postgres.Pool
	pipeline  *ingest.Pipeline
	runs      store.RunRepository
	dryItems  *memory.ItemStore
	hub       *progress.Hub
	publisher *pubsub.Publisher
	gcsClient *gcsstorage.Client
}

// New connects to PostgreSQL and assembles the App. The database must be
// reachable; an unreachable store fails fast with procurement.ErrConnection.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("connecting to postgres", zap.String("schema", cfg.DB.Schema))
	pool, err := postgres.Open(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}
	// Assemble releases the pool on failure.
	return Assemble(ctx, cfg, pool, logger, opts)
}

// Assemble wires every service around an already open pool.
func Assemble(ctx context.Context, cfg config.Config, pool postgres.Pool, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, pool: pool}
	if err := a.assemble(ctx, opts); err != nil {
		if a.hub != nil {
			_ = a.hub.Close(ctx)
		}
		a.release()
		return nil, err
	}
	logger.Info("application services initialized",
		zap.Bool("dry_run", opts.DryRun),
		zap.String("archive", cfg.Archive.Backend),
		zap.Bool("notify", cfg.Notify.Topic != ""),
	)
	return a, nil
}

func (a *App) assemble(ctx context.Context, opts Options) error {
	cfg := a.cfg
	catalog, err := postgres.NewCatalogStore(a.pool, cfg.DB.Schema, cfg.Catalog.ExcludedSphere, a.logger)
	if err != nil {
		return fmt.Errorf("catalog store: %w", err)
	}

	var writer procurement.BatchWriter
	if opts.DryRun {
		a.dryItems = memory.NewItemStore()
		writer = a.dryItems
		a.runs = memory.NewRunStore()
	} else {
		items, err := postgres.NewItemStore(a.pool, cfg.DB.Schema, a.logger)
		if err != nil {
			return fmt.Errorf("item store: %w", err)
		}
		writer = items
		runs, err := postgres.NewRunStore(a.pool, cfg.DB.Schema)
		if err != nil {
			return fmt.Errorf("run store: %w", err)
		}
		a.runs = runs
	}

	fetcher, err := pncp.New(pncp.Config{
		BaseURL:           cfg.Source.BaseURL,
		UserAgent:         cfg.Source.UserAgent,
		Timeout:           cfg.Source.RequestTimeout,
		MaxItems:          cfg.Source.MaxItemsPerTriple,
		RequestsPerSecond: cfg.Source.RequestsPerSecond,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("item fetcher: %w", err)
	}

	archiver, err := a.newArchiver(ctx)
	if err != nil {
		return err
	}
	notifier, err := a.newNotifier(ctx)
	if err != nil {
		return err
	}
	if err := a.newHub(opts); err != nil {
		return err
	}

	deps := ingest.Deps{
		Catalog:  catalog,
		Fetcher:  fetcher,
		Writer:   writer,
		Clock:    system.New(),
		IDs:      uuid.New(),
		Progress: a.hub,
		Logger:   a.logger,
	}
	// Leave the interfaces nil rather than holding typed nil pointers.
	if archiver != nil {
		deps.Archiver = archiver
	}
	if notifier != nil {
		deps.Notifier = notifier
	}
	pipeline, err := ingest.New(deps)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	a.pipeline = pipeline
	return nil
}

func (a *App) newArchiver(ctx context.Context) (*archive.Archiver, error) {
	var blobs storage.BlobStore
	switch a.cfg.Archive.Backend {
	case "", config.ArchiveNone:
		return nil, nil
	case config.ArchiveLocal:
		dir, err := local.New(local.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archive: %w", err)
		}
		blobs = dir
	case config.ArchiveGCS:
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, err
		}
		a.gcsClient = client
		bucket, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs archive: %w", err)
		}
		blobs = bucket
	default:
		return nil, fmt.Errorf("unknown archive backend %q", a.cfg.Archive.Backend)
	}
	archiver, err := archive.New(blobs, a.cfg.Archive.Prefix, a.logger)
	if err != nil {
		return nil, fmt.Errorf("archiver: %w", err)
	}
	return archiver, nil
}

func (a *App) newNotifier(ctx context.Context) (*notify.Notifier, error) {
	if a.cfg.Notify.Topic == "" {
		return nil, nil
	}
	pub, err := pubsub.New(ctx, a.cfg.Notify.ProjectID, a.cfg.Notify.Topic)
	if err != nil {
		return nil, fmt.Errorf("run notifier: %w", err)
	}
	a.publisher = pub
	notifier, err := notify.New(pub, a.logger)
	if err != nil {
		return nil, fmt.Errorf("run notifier: %w", err)
	}
	return notifier, nil
}

func (a *App) newHub(opts Options) error {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return err
	}
	hubSinks := []progress.Sink{
		sinks.NewLogSink(a.logger.Named("progress")),
		promSink,
		sinks.NewStoreSink(a.runs, a.logger),
	}
	if opts.Console != nil {
		hubSinks = append(hubSinks, sinks.NewConsoleSink(opts.Console))
	}
	a.hub = progress.NewHub(progress.Config{Logger: a.logger}, hubSinks...)
	return nil
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Pipeline returns the shared ingestion pipeline.
func (a *App) Pipeline() *ingest.Pipeline {
	return a.pipeline
}

// Runs returns the run history repository.
func (a *App) Runs() store.RunRepository {
	return a.runs
}

// Pool returns the database pool, which doubles as the readiness probe.
func (a *App) Pool() postgres.Pool {
	return a.pool
}

// DryRunItems returns the in-memory item store, or nil outside dry runs.
func (a *App) DryRunItems() *memory.ItemStore {
	return a.dryItems
}

// Close drains progress events, then releases clients and the pool.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down application services")
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, a.release()...)
	return errors.Join(errs...)
}

func (a *App) release() []error {
	var errs []error
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, err)
		}
		a.publisher = nil
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gcs client: %w", err))
		}
		a.gcsClient = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	return errs
}
