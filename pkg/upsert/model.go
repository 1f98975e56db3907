// Package upsert is the public entry point of the bulk upsert engine. A
// Model binds one table description to a store; BulkUpsert and
// BulkUpsertStream insert or update records atomically and return the same
// Model so that calls can be chained.
package upsert

import (
	"context"
	"database/sql"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/arkilian/bulkupsert/internal/classify"
	uerrors "github.com/arkilian/bulkupsert/internal/errors"
	"github.com/arkilian/bulkupsert/internal/executor"
	"github.com/arkilian/bulkupsert/internal/journal"
	"github.com/arkilian/bulkupsert/internal/normalize"
	"github.com/arkilian/bulkupsert/internal/observability"
	"github.com/arkilian/bulkupsert/internal/schema"
	"github.com/arkilian/bulkupsert/internal/store"
	"github.com/arkilian/bulkupsert/pkg/types"
)

// Store is the database a Model writes to.
type Store interface {
	store.Beginner
	WrapTx(tx *sql.Tx) store.Tx
}

// Settings are the engine defaults shared by every call on a model.
type Settings = executor.Config

const projectionCacheSize = 64

// Model performs upserts into one table.
type Model struct {
	schema      *types.TableSchema
	source      *types.TableSchema
	store       Store
	exec        *executor.Executor
	projections *lru.Cache
	logger      *zap.Logger
}

type modelOptions struct {
	settings Settings
	logger   *zap.Logger
	metrics  *observability.Metrics
	columns  *observability.ColumnStats
	journal  *journal.Journal
}

// ModelOption configures a Model.
type ModelOption func(*modelOptions)

// WithSettings sets the engine defaults.
func WithSettings(s Settings) ModelOption {
	return func(o *modelOptions) { o.settings = s }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ModelOption {
	return func(o *modelOptions) { o.logger = l }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *observability.Metrics) ModelOption {
	return func(o *modelOptions) { o.metrics = m }
}

// WithColumnStats records per-column write counts.
func WithColumnStats(c *observability.ColumnStats) ModelOption {
	return func(o *modelOptions) { o.columns = c }
}

// WithJournal journals calls that own their transaction so they can be
// replayed after a rollback.
func WithJournal(j *journal.Journal) ModelOption {
	return func(o *modelOptions) { o.journal = j }
}

// NewModel validates s and binds it to st.
func NewModel(st Store, s types.TableSchema, opts ...ModelOption) (*Model, error) {
	if st == nil {
		return nil, uerrors.NewValidationError(uerrors.CodeInvalidInput, "store is nil")
	}
	if err := s.Validate(); err != nil {
		return nil, uerrors.Wrap(uerrors.ErrCategoryValidation, uerrors.CodeInvalidSchema, "invalid table schema", err)
	}
	columns := make([]string, 0, len(s.Fields))
	for _, name := range s.WritableFields() {
		columns = append(columns, s.PhysicalColumn(name))
	}
	if bad := schema.CheckIdentifiers(s.Name, columns); len(bad) > 0 {
		return nil, uerrors.NewValidationError(uerrors.CodeInvalidSchema,
			fmt.Sprintf("table %s: invalid identifiers %v", s.Name, bad))
	}

	var o modelOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.L()
	}

	execOpts := []executor.Option{executor.WithLogger(o.logger)}
	if o.metrics != nil {
		execOpts = append(execOpts, executor.WithMetrics(o.metrics))
	}
	if o.columns != nil {
		execOpts = append(execOpts, executor.WithColumnStats(o.columns))
	}
	if o.journal != nil {
		execOpts = append(execOpts, executor.WithJournal(o.journal))
	}

	cache, err := lru.New(projectionCacheSize)
	if err != nil {
		return nil, uerrors.NewInternalError("failed to create projection cache", err)
	}

	cp := s
	cp.Fields = append([]types.FieldDef(nil), s.Fields...)
	return &Model{
		schema:      &cp,
		store:       st,
		exec:        executor.New(st, o.settings, execOpts...),
		projections: cache,
		logger:      o.logger.Named("model").With(zap.String("table", s.Name)),
	}, nil
}

// Schema returns the table description.
func (m *Model) Schema() *types.TableSchema { return m.schema }

// Table returns the table name.
func (m *Model) Table() string { return m.schema.Name }

// Begin starts a transaction to pass to WithTransaction.
func (m *Model) Begin(ctx context.Context) (store.Tx, error) {
	return m.store.Begin(ctx)
}

// InTransaction runs fn in a new transaction that is committed when fn
// returns nil and rolled back otherwise.
func (m *Model) InTransaction(ctx context.Context, fn func(tx store.Tx) error) error {
	return store.WithinTx(ctx, m.store, fn)
}

// BulkUpsert inserts or updates records. A nil or empty slice succeeds
// without touching the store.
func (m *Model) BulkUpsert(ctx context.Context, records []types.Record, opts ...Option) (*Model, error) {
	if records == nil {
		records = []types.Record{}
	}
	return m.run(ctx, records, opts)
}

// BulkUpsertStream inserts or updates records from input, which may be a
// []types.Record, a *stream.Stream, an io.Reader of newline-delimited JSON,
// or any value with an Each(ctx, func(types.Record) error) error method. It
// returns once the input is drained and every batch is committed, or the
// whole call is rolled back.
func (m *Model) BulkUpsertStream(ctx context.Context, input interface{}, opts ...Option) (*Model, error) {
	return m.run(ctx, input, opts)
}

func (m *Model) run(ctx context.Context, input interface{}, opts []Option) (*Model, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.tx != nil && o.sqlTx != nil {
		return nil, uerrors.NewValidationError(uerrors.CodeInvalidOption, "WithTransaction and WithSQLTx are mutually exclusive")
	}
	if o.policy != "" {
		if _, err := classify.ParsePolicy(string(o.policy)); err != nil {
			return nil, err
		}
	}

	proj, err := m.projection(schema.Options{IDFields: o.idFields, Omit: o.omit})
	if err != nil {
		return nil, err
	}
	seq, err := normalize.Normalize(input, proj)
	if err != nil {
		return nil, err
	}

	tx := o.tx
	if o.sqlTx != nil {
		tx = m.store.WrapTx(o.sqlTx)
	}

	res, err := m.exec.Execute(ctx, executor.Request{
		Projection:      proj,
		Input:           seq,
		Tx:              tx,
		WindowSize:      o.windowSize,
		MaxBatchRows:    o.maxRows,
		DuplicatePolicy: o.policy,
		JournalOptions: journal.Options{
			IDFields:        o.idFields,
			Omit:            o.omit,
			DuplicatePolicy: string(o.policy),
		},
	})
	if err != nil {
		return nil, err
	}

	if o.summary != nil {
		*o.summary = Summary{
			InvocationID:  res.InvocationID,
			Received:      res.Received,
			Superseded:    res.Superseded,
			Inserted:      res.Inserted,
			Updated:       res.Updated,
			Unchanged:     res.NoopUpdates,
			InsertBatches: res.InsertBatches,
			UpdateBatches: res.UpdateBatches,
			Elapsed:       res.Elapsed,
		}
	}
	return m, nil
}

// projection returns the cached projection for opts.
func (m *Model) projection(opts schema.Options) (*schema.Projection, error) {
	key := schema.OptionsKey(m.schema.Name, opts)
	if v, ok := m.projections.Get(key); ok {
		return v.(*schema.Projection), nil
	}
	proj, err := schema.NewProjection(m.schema, opts)
	if err != nil {
		return nil, err
	}
	m.projections.Add(key, proj)
	return proj, nil
}
