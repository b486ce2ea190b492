// Package app wires storage, datasets, logs, the upstream client and the
// sync jobs together from a Config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/pvforecast/nwplake/internal/changelog"
	"github.com/pvforecast/nwplake/internal/config"
	"github.com/pvforecast/nwplake/internal/dataset"
	nerrors "github.com/pvforecast/nwplake/internal/errors"
	"github.com/pvforecast/nwplake/internal/observability"
	"github.com/pvforecast/nwplake/internal/retry"
	"github.com/pvforecast/nwplake/internal/storage"
	"github.com/pvforecast/nwplake/internal/syncer"
	"github.com/pvforecast/nwplake/internal/upstream/dmi"
)

// Job names accepted by Sync.
const (
	JobVersioned = "versioned"
	JobLatest    = "latest"
)

// App holds the shared resources of one nwplake process.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	clock   clockwork.Clock

	// Shared resources, created by Open
	storage      storage.ObjectStorage
	lake         *dataset.Lake
	versioned    *dataset.Dataset
	versionedLog *changelog.Log
	latest       *dataset.Dataset
	latestLog    *changelog.Log
	upstream     syncer.Upstream

	mu     sync.Mutex
	opened bool
}

// Option customises an App.
type Option func(*App)

// WithStorage replaces the storage backend selected by the configuration.
func WithStorage(s storage.ObjectStorage) Option { return func(a *App) { a.storage = s } }

// WithUpstream replaces the DMI client.
func WithUpstream(u syncer.Upstream) Option { return func(a *App) { a.upstream = u } }

// WithClock sets the clock used by the runner and retry waits.
func WithClock(c clockwork.Clock) Option { return func(a *App) { a.clock = c } }

// WithMetrics sets the metrics registry.
func WithMetrics(m *observability.Metrics) Option { return func(a *App) { a.metrics = m } }

// New creates a new App with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	// Resolve paths and validate
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	if logger == nil {
		logger = observability.DiscardLogger()
	}
	a := &App{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = observability.NewMetrics()
	}
	if a.clock == nil {
		a.clock = clockwork.NewRealClock()
	}
	return a, nil
}

// Open initialises storage and creates the datasets and logs that do not
// exist yet. It is safe to call more than once.
func (a *App) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.opened {
		return nil
	}

	if a.storage == nil {
		s, err := a.newStorage(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		a.storage = s
	}
	a.logger.Info("storage initialized", "type", a.cfg.Storage.Type)

	a.lake = dataset.NewLake(a.storage, a.cfg.Sync.ScratchDir, a.logger)

	var err error
	opts := dataset.CreateOptions{Format: a.cfg.Datasets.Format}
	if a.versioned, err = a.lake.Create(ctx, a.cfg.Datasets.Versioned, syncer.VersionedSchema, opts); err != nil {
		return err
	}
	if a.latest, err = a.lake.Create(ctx, a.cfg.Datasets.Latest, syncer.LatestSchema, opts); err != nil {
		return err
	}
	if a.versionedLog, err = changelog.Create(ctx, a.storage, a.cfg.Datasets.VersionedLog, syncer.VersionedColumns, a.logger); err != nil {
		return err
	}
	if a.latestLog, err = changelog.Create(ctx, a.storage, a.cfg.Datasets.LatestLog, syncer.LatestColumns, a.logger); err != nil {
		return err
	}

	a.opened = true
	return nil
}

func (a *App) newStorage(ctx context.Context) (storage.ObjectStorage, error) {
	switch a.cfg.Storage.Type {
	case "local":
		return storage.NewLocalStorage(a.cfg.Storage.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if a.cfg.Storage.S3.Region != "" {
			s3Cfg.Region = a.cfg.Storage.S3.Region
		}
		s3Cfg.Endpoint = a.cfg.Storage.S3.Endpoint
		s3Cfg.UsePathStyle = a.cfg.Storage.S3.UsePathStyle
		s3Cfg.AccessKeyID = a.cfg.Storage.S3.AccessKeyID
		s3Cfg.SecretAccessKey = a.cfg.Storage.S3.SecretAccessKey
		s3Cfg.Retry.OnRetry = a.metrics.RetryHook("s3")
		a.logger.Info("s3 storage",
			"bucket", a.cfg.Storage.S3.Bucket,
			"region", s3Cfg.Region,
			"endpoint", s3Cfg.Endpoint,
		)
		return storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, s3Cfg, a.logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}
}

// Lake returns the dataset root. Open must have been called.
func (a *App) Lake() *dataset.Lake { return a.lake }

// Metrics returns the metrics of this process.
func (a *App) Metrics() *observability.Metrics { return a.metrics }

// Log returns one of the two sync logs by name.
func (a *App) Log(name string) (*changelog.Log, error) {
	switch name {
	case a.cfg.Datasets.VersionedLog:
		return a.versionedLog, nil
	case a.cfg.Datasets.LatestLog:
		return a.latestLog, nil
	}
	return nil, nerrors.NewStorageError(nerrors.CodeNotFound,
		fmt.Sprintf("unknown log %q (have %s, %s)", name, a.cfg.Datasets.VersionedLog, a.cfg.Datasets.LatestLog), nil)
}

// LogNames lists the sync logs.
func (a *App) LogNames() []string {
	return []string{a.cfg.Datasets.VersionedLog, a.cfg.Datasets.LatestLog}
}

// RetryPolicy builds the upstream retry policy from the configuration.
func (a *App) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: a.cfg.Retry.MaxAttempts,
		Retriable:   []error{nerrors.ErrTransientNetwork},
		Delay:       a.cfg.Retry.Delay,
		Multiplier:  a.cfg.Retry.Multiplier,
		MaxDelay:    a.cfg.Retry.MaxDelay,
		Clock:       a.clock,
		OnRetry:     a.metrics.RetryHook("dmi"),
	}
}

// Job builds the named sync job. The versioned job needs a DMI API key
// unless an upstream was injected.
func (a *App) Job(name string) (syncer.Job, error) {
	switch name {
	case JobVersioned:
		up := a.upstream
		if up == nil {
			client, err := dmi.NewClient(a.cfg.DMI.APIKey,
				dmi.WithBaseURL(a.cfg.DMI.BaseURL),
				dmi.WithModel(a.cfg.DMI.Model),
				dmi.WithTimeout(a.cfg.DMI.Timeout),
				dmi.WithRetryPolicy(a.RetryPolicy()),
				dmi.WithLogger(a.logger),
			)
			if err != nil {
				return nil, err
			}
			up = client
		}
		return syncer.NewVersionedJob(syncer.VersionedJobConfig{
			Upstream:   up,
			Dataset:    a.versioned,
			Log:        a.versionedLog,
			Model:      a.cfg.DMI.Model,
			ScratchDir: a.cfg.Sync.ScratchDir,
			Logger:     a.logger,
			Metrics:    a.metrics,
		})
	case JobLatest:
		return syncer.NewLatestJob(syncer.LatestJobConfig{
			Source:    a.versioned,
			SourceLog: a.versionedLog,
			Dest:      a.latest,
			Log:       a.latestLog,
			Threshold: a.cfg.Sync.Threshold,
			Logger:    a.logger,
			Metrics:   a.metrics,
		})
	}
	return nil, fmt.Errorf("unknown job %q (must be %s or %s)", name, JobVersioned, JobLatest)
}

// Sync opens the app and runs the named jobs in order. A job that cannot be
// built or listed stops the sequence; unit failures are in the reports.
// Metrics are pushed afterwards when a Pushgateway is configured.
func (a *App) Sync(ctx context.Context, jobs ...string) ([]*syncer.Report, error) {
	if err := a.Open(ctx); err != nil {
		return nil, err
	}
	defer a.pushMetrics(ctx)

	runner := syncer.NewRunner(a.logger, a.metrics, a.clock)
	var reports []*syncer.Report
	for _, name := range jobs {
		job, err := a.Job(name)
		if err != nil {
			return reports, fmt.Errorf("failed to build %s job: %w", name, err)
		}
		report, err := runner.Run(ctx, job)
		if report != nil {
			reports = append(reports, report)
		}
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

func (a *App) pushMetrics(ctx context.Context) {
	if a.cfg.Metrics.PushGateway == "" {
		return
	}
	if err := a.metrics.Push(context.WithoutCancel(ctx), a.cfg.Metrics.PushGateway, a.cfg.Metrics.Job); err != nil {
		a.logger.Warn("failed to push metrics", "error", err)
	}
}
