package upsert

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/arkilian/bulkupsert/internal/schema"
	"github.com/arkilian/bulkupsert/pkg/types"
)

// Engine resolves table names to models through a catalog. It is what the
// HTTP server and the command line tool write through.
type Engine struct {
	store   Store
	catalog *schema.Catalog
	opts    []ModelOption
	logger  *zap.Logger

	mu     sync.Mutex
	models map[string]*Model
}

// NewEngine creates an engine. Every model it creates shares opts.
func NewEngine(st Store, catalog *schema.Catalog, logger *zap.Logger, opts ...ModelOption) *Engine {
	if logger == nil {
		logger = zap.L()
	}
	return &Engine{
		store:   st,
		catalog: catalog,
		opts:    append([]ModelOption{WithLogger(logger)}, opts...),
		logger:  logger.Named("engine"),
		models:  make(map[string]*Model),
	}
}

// Model returns the model for table, creating it on first use. A model is
// rebuilt when the catalog hands back a different schema for the table.
func (e *Engine) Model(ctx context.Context, table string) (*Model, error) {
	s, err := e.catalog.Lookup(ctx, table)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.models[table]; ok && m.source == s {
		return m, nil
	}
	m, err := NewModel(e.store, *s, e.opts...)
	if err != nil {
		return nil, err
	}
	m.source = s
	e.models[table] = m
	e.logger.Debug("model created", zap.String("table", table), zap.Int("fields", len(s.Fields)))
	return m, nil
}

// Upsert writes input into table. See Model.BulkUpsertStream for the
// accepted input shapes.
func (e *Engine) Upsert(ctx context.Context, table string, input interface{}, opts ...Option) error {
	m, err := e.Model(ctx, table)
	if err != nil {
		return err
	}
	_, err = m.BulkUpsertStream(ctx, input, opts...)
	return err
}

// Register adds or replaces a configured table.
func (e *Engine) Register(s types.TableSchema) error {
	return e.catalog.Register(s)
}

// Tables lists the configured tables.
func (e *Engine) Tables() []string {
	return e.catalog.Tables()
}
