// Package app wires the bulkupsert components into the load, replay and
// serve commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	httpapi "github.com/arkilian/bulkupsert/internal/api/http"
	"github.com/arkilian/bulkupsert/internal/batch"
	"github.com/arkilian/bulkupsert/internal/classify"
	"github.com/arkilian/bulkupsert/internal/config"
	"github.com/arkilian/bulkupsert/internal/journal"
	"github.com/arkilian/bulkupsert/internal/observability"
	"github.com/arkilian/bulkupsert/internal/schema"
	"github.com/arkilian/bulkupsert/internal/server"
	"github.com/arkilian/bulkupsert/internal/storage"
	"github.com/arkilian/bulkupsert/internal/store"
	"github.com/arkilian/bulkupsert/internal/stream"
	"github.com/arkilian/bulkupsert/pkg/upsert"
)

// MaintenanceInterval is how often the server prunes column statistics and
// settled journal segments.
const MaintenanceInterval = time.Minute

// downloadConcurrency bounds parallel object downloads of prefix inputs.
const downloadConcurrency = 8

// App holds the resources shared by every command.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	store    *store.SQLStore
	journal  *journal.Journal
	registry *prometheus.Registry
	metrics  *observability.Metrics
	columns  *observability.ColumnStats
	catalog  *schema.Catalog
	settings upsert.Settings
	engine   *upsert.Engine

	shutdown   atomic.Pointer[server.ShutdownManager]
	healthOnce sync.Once
	health     healthcheck.Handler

	closeOnce sync.Once
	closeErr  error
}

// New opens the database and the journal and builds the engine.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.L()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	policy, err := classify.ParsePolicy(cfg.Upsert.DuplicatePolicy)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		columns:  observability.NewColumnStats(cfg.Metrics.ColumnWindow),
		settings: upsert.Settings{
			WindowSize: cfg.Upsert.WindowSize,
			Limits: batch.Limits{
				MaxRows:   cfg.Upsert.MaxBatchRows,
				MaxParams: cfg.Upsert.MaxBatchParams,
			},
			LookupChunkSize: cfg.Upsert.LookupChunkSize,
			DuplicatePolicy: policy,
		},
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = observability.NewMetrics(a.registry)

	a.store, err = store.Open(store.Config{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		BusyTimeout:  cfg.Database.BusyTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("database opened", zap.String("driver", cfg.Database.Driver))

	if cfg.Journal.Enabled {
		a.journal, err = journal.Open(cfg.Journal.Dir, cfg.Journal.MaxSegmentBytes, logger)
		if err != nil {
			a.store.Close()
			return nil, err
		}
		logger.Info("journal opened", zap.String("dir", cfg.Journal.Dir))
	}

	a.catalog, err = schema.NewCatalog(cfg.Tables, a.store, 0, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	opts := a.modelOptions()
	if a.journal != nil {
		opts = append(opts, upsert.WithJournal(a.journal))
	}
	a.engine = upsert.NewEngine(a.store, a.catalog, logger, opts...)
	return a, nil
}

func (a *App) modelOptions() []upsert.ModelOption {
	return []upsert.ModelOption{
		upsert.WithSettings(a.settings),
		upsert.WithMetrics(a.metrics),
		upsert.WithColumnStats(a.columns),
	}
}

// Engine returns the journaled engine.
func (a *App) Engine() *upsert.Engine { return a.engine }

// Metrics returns the engine metrics.
func (a *App) Metrics() *observability.Metrics { return a.metrics }

// Journal returns the journal, or nil when journaling is disabled.
func (a *App) Journal() *journal.Journal { return a.journal }

// OpenInput opens a local path, a local directory, or an s3:// object or
// prefix. Directory and prefix inputs are read object by object in lexical
// order.
func (a *App) OpenInput(ctx context.Context, uri string) (io.ReadCloser, error) {
	loc, err := storage.ParseLocation(uri)
	if err != nil {
		return nil, err
	}
	st, err := storage.ForLocation(ctx, loc, a.cfg.Storage)
	if err != nil {
		return nil, err
	}
	var d *storage.BatchDownloader
	if loc.Scheme == "s3" {
		d = storage.NewBatchDownloader(st, downloadConcurrency, filepath.Join(a.cfg.DataDir, "downloads"))
	}
	return storage.OpenInput(ctx, st, loc, d)
}

// Load upserts the records read from r into table.
func (a *App) Load(ctx context.Context, table string, r io.Reader, opts ...upsert.Option) (*upsert.Summary, error) {
	model, err := a.engine.Model(ctx, table)
	if err != nil {
		return nil, err
	}
	var summary upsert.Summary
	opts = append(opts, upsert.WithSummary(&summary))
	if _, err := model.BulkUpsertStream(ctx, stream.FromReaderSize(r, a.cfg.Upsert.StreamBuffer), opts...); err != nil {
		return nil, err
	}
	a.logger.Info("load finished",
		zap.String("table", table),
		zap.String("invocation", summary.InvocationID),
		zap.Int("received", summary.Received),
		zap.Int("inserted", summary.Inserted),
		zap.Int("updated", summary.Updated),
		zap.Duration("elapsed", summary.Elapsed))
	return &summary, nil
}

// Replay re-runs every journaled invocation that did not commit and prunes
// the segments that are settled afterwards. Replays are not journaled again.
func (a *App) Replay(ctx context.Context) (int, error) {
	if a.journal == nil {
		return 0, errors.New("journal is not enabled")
	}
	engine := upsert.NewEngine(a.store, a.catalog, a.logger.Named("replay"), a.modelOptions()...)

	n, err := a.journal.Replay(ctx, func(ctx context.Context, inv *journal.Invocation) error {
		model, err := engine.Model(ctx, inv.Table)
		if err != nil {
			return err
		}
		_, err = model.BulkUpsertStream(ctx, inv.Source(), replayOptions(inv.Options)...)
		return err
	})
	if err != nil {
		return n, err
	}
	if _, err := a.journal.Prune(); err != nil {
		a.logger.Warn("journal prune failed", zap.Error(err))
	}
	return n, nil
}

func replayOptions(o journal.Options) []upsert.Option {
	var opts []upsert.Option
	if len(o.IDFields) > 0 {
		opts = append(opts, upsert.WithIDFields(o.IDFields...))
	}
	if len(o.Omit) > 0 {
		opts = append(opts, upsert.WithOmit(o.Omit...))
	}
	if o.DuplicatePolicy != "" {
		opts = append(opts, upsert.WithDuplicatePolicy(upsert.DuplicatePolicy(o.DuplicatePolicy)))
	}
	return opts
}

// Health returns the liveness and readiness checks. Readiness fails once
// shutdown has started. Check results are exported as metrics.
func (a *App) Health() healthcheck.Handler {
	a.healthOnce.Do(func() {
		h := healthcheck.NewMetricsHandler(a.registry, "bulkupsert")
		h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
		h.AddReadinessCheck("database", healthcheck.DatabasePingCheck(a.store.DB(), time.Second))
		h.AddReadinessCheck("shutdown", func() error {
			if sm := a.shutdown.Load(); sm != nil {
				return sm.ReadinessCheck()
			}
			return nil
		})
		a.health = h
	})
	return a.health
}

// Handler returns the HTTP API. Metrics and health checks are mounted on it
// unless a separate metrics address is configured.
func (a *App) Handler() http.Handler {
	rc := httpapi.RouterConfig{
		Engine:       a.engine,
		Columns:      a.columns,
		MaxBodyBytes: a.cfg.HTTP.MaxBodyBytes,
		Logger:       a.logger,
		Wrap: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if sm := a.shutdown.Load(); sm != nil {
					server.AdmitUpserts(sm)(next).ServeHTTP(w, r)
					return
				}
				next.ServeHTTP(w, r)
			})
		},
	}
	if a.cfg.Metrics.Addr == "" {
		rc.Metrics = a.metrics.Handler()
		rc.MetricsPath = a.cfg.Metrics.Path
		rc.Health = a.Health()
	}
	return httpapi.NewRouter(rc)
}

func (a *App) metricsHandler() http.Handler {
	health := a.Health()
	mux := http.NewServeMux()
	mux.Handle("GET "+a.cfg.Metrics.Path, a.metrics.Handler())
	mux.Handle("GET /live", health)
	mux.Handle("GET /ready", health)
	return mux
}

// Serve runs the HTTP server on l until ctx is done or a termination signal
// arrives, then drains in-flight upserts and closes the app.
func (a *App) Serve(ctx context.Context, l net.Listener) error {
	sm := server.NewShutdownManager(server.ShutdownConfig{
		ShutdownTimeout: a.cfg.HTTP.ShutdownTimeout,
		DrainTimeout:    a.cfg.HTTP.ShutdownTimeout,
	}, a.logger)
	sm.RegisterCloser(a)
	a.shutdown.Store(sm)

	errCh := make(chan error, 2)
	serve := func(name string, gs *server.HTTPServer, l net.Listener) {
		a.logger.Info("listening", zap.String("server", name), zap.String("addr", l.Addr().String()))
		if err := gs.Serve(l); err != nil {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
	}

	if a.cfg.Metrics.Addr != "" {
		ml, err := net.Listen("tcp", a.cfg.Metrics.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on metrics address: %w", err)
		}
		metrics := server.NewHTTPServer(&http.Server{
			Handler:     a.metricsHandler(),
			ReadTimeout: a.cfg.HTTP.ReadTimeout,
		}, sm)
		go serve("metrics", metrics, ml)
	}

	api := server.NewHTTPServer(&http.Server{
		Handler:      a.Handler(),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}, sm)
	go serve("api", api, l)
	go a.maintain(sm.Done())

	sigCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case err := <-errCh:
			a.logger.Error("server failed", zap.Error(err))
			cancel()
		case <-sigCtx.Done():
		}
	}()
	return sm.ListenForSignals(sigCtx)
}

// ListenAndServe listens on the configured HTTP address and calls Serve.
func (a *App) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.HTTP.Addr, err)
	}
	return a.Serve(ctx, l)
}

func (a *App) maintain(done <-chan struct{}) {
	ticker := time.NewTicker(MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			a.columns.Prune()
			if a.journal == nil {
				continue
			}
			if n, err := a.journal.Prune(); err != nil {
				a.logger.Warn("journal prune failed", zap.Error(err))
			} else if n > 0 {
				a.logger.Debug("journal pruned", zap.Int("segments", n))
			}
		}
	}
}

// Close releases the journal and the database. It is safe to call more
// than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.journal != nil {
			errs = append(errs, a.journal.Close())
		}
		if a.store != nil {
			errs = append(errs, a.store.Close())
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
