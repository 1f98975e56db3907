package schema

import (
	"context"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	uerrors "github.com/arkilian/bulkupsert/internal/errors"
	"github.com/arkilian/bulkupsert/pkg/types"
)

// Introspector reads a table description from the live database.
type Introspector interface {
	Introspect(ctx context.Context, table string) (*types.TableSchema, error)
}

// Catalog resolves table names to schemas. Configured tables take precedence;
// anything else is introspected once and kept in an LRU cache.
type Catalog struct {
	mu           sync.RWMutex
	tables       map[string]*types.TableSchema
	introspector Introspector
	cache        *lru.Cache
	logger       *zap.Logger
}

// NewCatalog creates a catalog from configured tables. introspector may be nil,
// in which case only configured tables resolve.
func NewCatalog(tables []types.TableSchema, introspector Introspector, cacheSize int, logger *zap.Logger) (*Catalog, error) {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	if logger == nil {
		logger = zap.L()
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("schema: failed to create introspection cache: %w", err)
	}

	c := &Catalog{
		tables:       make(map[string]*types.TableSchema, len(tables)),
		introspector: introspector,
		cache:        cache,
		logger:       logger.Named("catalog"),
	}
	for i := range tables {
		if err := c.Register(tables[i]); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register adds or replaces a configured table.
func (c *Catalog) Register(s types.TableSchema) error {
	if err := s.Validate(); err != nil {
		return uerrors.Wrap(uerrors.ErrCategoryValidation, uerrors.CodeInvalidSchema, "invalid table schema", err)
	}
	columns := make([]string, 0, len(s.Fields))
	for _, name := range s.WritableFields() {
		columns = append(columns, s.PhysicalColumn(name))
	}
	if bad := CheckIdentifiers(s.Name, columns); len(bad) > 0 {
		return uerrors.NewValidationError(uerrors.CodeInvalidSchema,
			fmt.Sprintf("table %s: invalid identifiers %v", s.Name, bad))
	}

	cp := s
	cp.Fields = append([]types.FieldDef(nil), s.Fields...)

	c.mu.Lock()
	c.tables[s.Name] = &cp
	c.mu.Unlock()
	c.cache.Remove(s.Name)
	return nil
}

// Lookup returns the schema for a table.
func (c *Catalog) Lookup(ctx context.Context, table string) (*types.TableSchema, error) {
	c.mu.RLock()
	s, ok := c.tables[table]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}

	if v, ok := c.cache.Get(table); ok {
		return v.(*types.TableSchema), nil
	}

	if c.introspector == nil || !ValidIdentifier(table) {
		return nil, uerrors.NewValidationError(uerrors.CodeInvalidSchema, "unknown table "+table)
	}

	s, err := c.introspector.Introspect(ctx, table)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, uerrors.Wrap(uerrors.ErrCategoryValidation, uerrors.CodeInvalidSchema, "introspected schema is unusable", err)
	}
	c.cache.Add(table, s)
	c.logger.Debug("introspected table", zap.String("table", table), zap.Int("fields", len(s.Fields)))
	return s, nil
}

// Invalidate drops a cached introspection result.
func (c *Catalog) Invalidate(table string) {
	c.cache.Remove(table)
}

// Tables lists the configured table names in sorted order.
func (c *Catalog) Tables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.tables))
	for name := range c.tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
