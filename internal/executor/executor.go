// Package executor runs one upsert invocation: it pulls records from the
// input, classifies and batches them window by window, and applies every
// statement inside a single unit of work.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arkilian/bulkupsert/internal/batch"
	"github.com/arkilian/bulkupsert/internal/classify"
	"github.com/arkilian/bulkupsert/internal/journal"
	"github.com/arkilian/bulkupsert/internal/normalize"
	"github.com/arkilian/bulkupsert/internal/observability"
	"github.com/arkilian/bulkupsert/internal/schema"
	"github.com/arkilian/bulkupsert/internal/store"
	"github.com/arkilian/bulkupsert/pkg/types"
)

// Recorder journals invocation windows and outcomes.
type Recorder interface {
	RecordWindow(invocation, table string, opts journal.Options, recs []types.Record) error
	RecordOutcome(invocation, table string, kind journal.EntryKind, cause error) error
}

// Config holds the defaults applied to every invocation.
type Config struct {
	// WindowSize is the number of records classified and written together.
	// Zero drains the whole input into one window.
	WindowSize int

	Limits          batch.Limits
	LookupChunkSize int
	DuplicatePolicy classify.DuplicatePolicy
}

// Request describes one invocation.
type Request struct {
	Projection *schema.Projection
	Input      normalize.Sequence

	// Tx is a caller-owned transaction. When nil the executor begins and
	// finishes its own.
	Tx store.Tx

	// Overrides of Config; zero values keep the defaults.
	WindowSize      int
	MaxBatchRows    int
	DuplicatePolicy classify.DuplicatePolicy

	// JournalOptions are stored with journaled windows for replay.
	JournalOptions journal.Options
}

// Result summarizes a successful invocation.
type Result struct {
	InvocationID  string
	Received      int
	Superseded    int
	Inserted      int
	Updated       int
	NoopUpdates   int
	InsertBatches int
	UpdateBatches int
	Elapsed       time.Duration
}

// Executor runs invocations. It holds no per-invocation state and is safe
// for concurrent use with independent units of work.
type Executor struct {
	store   store.Beginner
	cfg     Config
	metrics *observability.Metrics
	columns *observability.ColumnStats
	journal Recorder
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithMetrics records Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithColumnStats records per-column write counts.
func WithColumnStats(c *observability.ColumnStats) Option {
	return func(e *Executor) { e.columns = c }
}

// WithJournal journals invocations that own their transaction.
func WithJournal(r Recorder) Option {
	return func(e *Executor) { e.journal = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithClock replaces the timestamp source for managed timestamp columns.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New creates an executor on top of b.
func New(b store.Beginner, cfg Config, opts ...Option) *Executor {
	e := &Executor{store: b, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.L()
	}
	e.logger = e.logger.Named("executor")
	return e
}

// invocation is the state of one Execute call.
type invocation struct {
	*Executor
	id         string
	req        Request
	table      string
	uow        UnitOfWork
	classifier *classify.Classifier
	builder    *batch.Builder
	journaled  bool
	result     Result
}

// Execute runs req to completion. On failure an owned transaction is rolled
// back and the first error is returned; a caller-owned transaction is left
// for the caller to roll back.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	inv := e.newInvocation(req)

	err := inv.run(ctx)
	outcome := observability.OutcomeCommitted
	if err != nil {
		outcome = inv.abort(err)
	} else if err = inv.finish(); err != nil {
		outcome = inv.abort(err)
	}
	e.metrics.ObserveInvocation(inv.table, outcome)

	inv.result.Elapsed = time.Since(start)
	if err != nil {
		e.logger.Warn("upsert failed",
			zap.String("invocation", inv.id),
			zap.String("table", inv.table),
			zap.String("outcome", outcome),
			zap.Int("received", inv.result.Received),
			zap.Duration("elapsed", inv.result.Elapsed),
			zap.Error(err))
		return nil, err
	}

	e.metrics.AddRows(inv.table, observability.OpInsert, inv.result.Inserted)
	e.metrics.AddRows(inv.table, observability.OpUpdate, inv.result.Updated)
	e.metrics.AddRows(inv.table, observability.OpSuperseded, inv.result.Superseded)
	e.logger.Info("upsert finished",
		zap.String("invocation", inv.id),
		zap.String("table", inv.table),
		zap.Int("received", inv.result.Received),
		zap.Int("inserted", inv.result.Inserted),
		zap.Int("updated", inv.result.Updated),
		zap.Int("superseded", inv.result.Superseded),
		zap.Duration("elapsed", inv.result.Elapsed))
	res := inv.result
	return &res, nil
}

func (e *Executor) newInvocation(req Request) *invocation {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	policy := e.cfg.DuplicatePolicy
	if req.DuplicatePolicy != "" {
		policy = req.DuplicatePolicy
	}
	limits := e.cfg.Limits
	if req.MaxBatchRows > 0 {
		limits.MaxRows = req.MaxBatchRows
	}

	inv := &invocation{
		Executor: e,
		id:       id.String(),
		req:      req,
		table:    req.Projection.Table(),
	}
	if req.Tx != nil {
		inv.uow = External(req.Tx)
	}
	inv.result.InvocationID = inv.id
	inv.classifier = classify.New(inv, req.Projection, policy, e.cfg.LookupChunkSize, e.logger)
	inv.builder = batch.NewBuilder(req.Projection, limits).WithClock(e.now)
	return inv
}

func (inv *invocation) windowSize() int {
	if inv.req.WindowSize > 0 {
		return inv.req.WindowSize
	}
	return inv.cfg.WindowSize
}

// run pulls the input on one goroutine while windows are applied on another.
// The first failure cancels both.
func (inv *invocation) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	windows := make(chan []normalize.Record, 1)
	size := inv.windowSize()

	g.Go(func() error {
		defer close(windows)
		var window []normalize.Record
		send := func() error {
			if len(window) == 0 {
				return nil
			}
			select {
			case windows <- window:
				window = nil
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		err := inv.req.Input.Each(gctx, func(r normalize.Record) error {
			window = append(window, r)
			if size > 0 && len(window) >= size {
				return send()
			}
			return nil
		})
		if err != nil {
			return err
		}
		return send()
	})

	g.Go(func() error {
		for w := range windows {
			// The transaction must outlive gctx, which is cancelled once
			// the group finishes.
			if err := inv.apply(ctx, gctx, w); err != nil {
				return err
			}
		}
		return nil
	})

	return g.Wait()
}

// apply classifies, batches and executes one window.
func (inv *invocation) apply(ctx, gctx context.Context, window []normalize.Record) error {
	if !inv.uow.Valid() {
		tx, err := inv.store.Begin(ctx)
		if err != nil {
			return err
		}
		inv.uow = Owned(tx)
	}
	inv.result.Received += len(window)

	if inv.journal != nil && inv.uow.IsOwned() {
		sources := make([]types.Record, len(window))
		for i, r := range window {
			sources[i] = r.Source
		}
		if err := inv.journal.RecordWindow(inv.id, inv.table, inv.req.JournalOptions, sources); err != nil {
			return err
		}
		inv.journaled = true
	}

	lookupStart := time.Now()
	res, err := inv.classifier.Classify(gctx, window)
	inv.metrics.ObserveLookup(inv.table, time.Since(lookupStart))
	if err != nil {
		return err
	}
	inv.result.Superseded += res.Superseded

	plan := inv.builder.Build(res)
	inv.result.NoopUpdates += plan.NoopUpdates

	tx := inv.uow.Tx()
	for _, b := range plan.Inserts {
		if err := inv.execute(gctx, b, tx.ExecuteInsert); err != nil {
			return err
		}
		inv.result.Inserted += b.Len()
		inv.result.InsertBatches++
	}
	for _, b := range plan.Updates {
		if err := inv.execute(gctx, b, tx.ExecuteUpdate); err != nil {
			return err
		}
		inv.result.Updated += b.Len()
		inv.result.UpdateBatches++
	}
	return nil
}

func (inv *invocation) execute(ctx context.Context, b *batch.Batch, fn func(context.Context, *batch.Batch) (int64, error)) error {
	start := time.Now()
	_, err := fn(ctx, b)
	inv.metrics.ObserveBatch(inv.table, b.Kind.String(), time.Since(start))
	if err != nil {
		return err
	}
	inv.columns.RecordColumns(inv.table, b.Kind.String(), b.Columns, b.Len())
	return nil
}

// Exists routes existence lookups through the invocation's transaction so
// that later windows see rows written by earlier ones.
func (inv *invocation) Exists(ctx context.Context, table string, keyColumns []string, ids []types.Identity) (map[string]struct{}, error) {
	return inv.uow.Tx().Exists(ctx, table, keyColumns, ids)
}

// finish commits an owned transaction.
func (inv *invocation) finish() error {
	if !inv.uow.IsOwned() {
		return nil
	}
	if err := inv.uow.Tx().Commit(); err != nil {
		return err
	}
	if inv.journaled {
		if err := inv.journal.RecordOutcome(inv.id, inv.table, journal.KindCommitted, nil); err != nil {
			inv.logger.Error("failed to journal commit", zap.String("invocation", inv.id), zap.Error(err))
		}
	}
	return nil
}

// abort rolls back an owned transaction and returns the metric outcome.
func (inv *invocation) abort(cause error) string {
	if !inv.uow.IsOwned() {
		return observability.OutcomeFailed
	}
	if err := inv.uow.Tx().Rollback(); err != nil {
		inv.logger.Error("rollback failed",
			zap.String("invocation", inv.id), zap.Error(errors.Join(cause, err)))
	}
	if inv.journaled {
		if err := inv.journal.RecordOutcome(inv.id, inv.table, journal.KindRolledBack, cause); err != nil {
			inv.logger.Error("failed to journal rollback", zap.String("invocation", inv.id), zap.Error(err))
		}
	}
	return observability.OutcomeRolledBack
}
