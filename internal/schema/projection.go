// Package schema turns a table description into the precomputed projection the
// engine applies to every record, and resolves table names to descriptions.
package schema

import (
	"sort"
	"strings"

	uerrors "github.com/arkilian/bulkupsert/internal/errors"
	"github.com/arkilian/bulkupsert/pkg/types"
)

// Options narrows or overrides the schema defaults for one invocation.
type Options struct {
	// IDFields overrides the primary key as the identity used for matching rows.
	IDFields []string

	// Omit lists input fields that are never written. Names need not be schema fields.
	Omit []string
}

// Projection is derived once per schema and option set. It strips virtual and
// omitted fields and translates logical names to physical columns.
type Projection struct {
	schema *types.TableSchema

	physical  map[string]string
	virtual   map[string]struct{}
	omit      map[string]struct{}
	immutable map[string]struct{}

	identityFields   []string
	identityColumns  []string
	identityAffinity []types.Affinity
	createdAt        string
	updatedAt        string
	key              string
}

// NewProjection validates opts against s and precomputes the projection.
func NewProjection(s *types.TableSchema, opts Options) (*Projection, error) {
	if s == nil {
		return nil, uerrors.NewValidationError(uerrors.CodeInvalidSchema, "table schema is nil")
	}
	if err := s.Validate(); err != nil {
		return nil, uerrors.Wrap(uerrors.ErrCategoryValidation, uerrors.CodeInvalidSchema, "invalid table schema", err)
	}

	p := &Projection{
		schema:    s,
		physical:  make(map[string]string, len(s.Fields)),
		virtual:   s.VirtualFields(),
		omit:      make(map[string]struct{}, len(opts.Omit)),
		immutable: make(map[string]struct{}),
	}
	for _, name := range s.WritableFields() {
		p.physical[name] = s.PhysicalColumn(name)
	}
	for _, name := range opts.Omit {
		p.omit[name] = struct{}{}
	}

	p.identityFields = s.IdentityFields()
	if len(opts.IDFields) > 0 {
		p.identityFields = append([]string(nil), opts.IDFields...)
	}
	if len(p.identityFields) == 0 {
		return nil, uerrors.NewValidationError(uerrors.CodeInvalidSchema,
			"table "+s.Name+" has no primary key and no identity fields were given")
	}

	seen := make(map[string]struct{}, len(p.identityFields))
	for _, name := range p.identityFields {
		col, ok := p.physical[name]
		if !ok {
			return nil, uerrors.NewValidationError(uerrors.CodeInvalidOption,
				"identity field "+name+" is not a writable field of "+s.Name)
		}
		if _, dup := seen[name]; dup {
			return nil, uerrors.NewValidationError(uerrors.CodeInvalidOption, "identity field "+name+" listed twice")
		}
		if _, omitted := p.omit[name]; omitted {
			return nil, uerrors.NewValidationError(uerrors.CodeInvalidOption, "identity field "+name+" cannot be omitted")
		}
		seen[name] = struct{}{}
		p.identityColumns = append(p.identityColumns, col)
		f, _ := s.Field(name)
		p.identityAffinity = append(p.identityAffinity, types.ColumnAffinity(f.Type))
		p.immutable[col] = struct{}{}
	}

	if ts := s.Timestamps.CreatedAt; ts != "" && !p.omitted(ts) {
		p.createdAt = p.physical[ts]
		p.immutable[p.createdAt] = struct{}{}
	}
	if ts := s.Timestamps.UpdatedAt; ts != "" && !p.omitted(ts) {
		p.updatedAt = p.physical[ts]
	}
	for _, f := range s.Fields {
		if f.Immutable && !f.Virtual {
			p.immutable[p.physical[f.Name]] = struct{}{}
		}
	}

	p.key = optionsKey(opts)
	return p, nil
}

func (p *Projection) omitted(name string) bool {
	_, ok := p.omit[name]
	return ok
}

// Apply projects one input record onto physical columns. Virtual and omitted
// fields are dropped; fields unknown to the schema pass through untouched so
// that the store can reject them.
func (p *Projection) Apply(rec types.Record) types.Row {
	row := make(types.Row, len(rec))
	// Unknown names first so a mapped logical field wins over a raw column of
	// the same physical name.
	for name, v := range rec {
		if _, known := p.physical[name]; known {
			continue
		}
		if _, skip := p.virtual[name]; skip {
			continue
		}
		if _, skip := p.omit[name]; skip {
			continue
		}
		row[name] = v
	}
	for name, v := range rec {
		col, known := p.physical[name]
		if !known {
			continue
		}
		if _, skip := p.omit[name]; skip {
			continue
		}
		row[col] = v
	}
	return row
}

// Identity extracts the identity tuple from a projected row. The second return
// value names the first missing identity field. Identity values are coerced to
// the declared column type and written back to row, so lookups, statements and
// duplicate detection all see the value the store keeps.
func (p *Projection) Identity(row types.Row) (types.Identity, string) {
	values := make([]interface{}, len(p.identityColumns))
	for i, col := range p.identityColumns {
		v, ok := row[col]
		if !ok || v == nil {
			return types.Identity{}, p.identityFields[i]
		}
		values[i] = v
	}
	id := types.NewTypedIdentity(p.identityAffinity, values...)
	for i, col := range p.identityColumns {
		row[col] = id.Values[i]
	}
	return id, ""
}

// Schema returns the table description the projection was built from.
func (p *Projection) Schema() *types.TableSchema { return p.schema }

// Table returns the physical table name.
func (p *Projection) Table() string { return p.schema.Name }

// IdentityColumns returns the physical identity columns in order.
func (p *Projection) IdentityColumns() []string { return p.identityColumns }

// IdentityFields returns the logical identity fields in order.
func (p *Projection) IdentityFields() []string { return p.identityFields }

// CreatedAtColumn returns the managed creation-time column, or "".
func (p *Projection) CreatedAtColumn() string { return p.createdAt }

// UpdatedAtColumn returns the managed update-time column, or "".
func (p *Projection) UpdatedAtColumn() string { return p.updatedAt }

// Immutable reports whether a physical column is excluded from UPDATE SET lists.
func (p *Projection) Immutable(column string) bool {
	_, ok := p.immutable[column]
	return ok
}

// Key identifies the option set the projection was built with.
func (p *Projection) Key() string { return p.key }

// OptionsKey returns the cache key for a schema and option set.
func OptionsKey(table string, opts Options) string {
	return table + "|" + optionsKey(opts)
}

func optionsKey(opts Options) string {
	omit := append([]string(nil), opts.Omit...)
	sort.Strings(omit)
	return "id=" + strings.Join(opts.IDFields, ",") + ";omit=" + strings.Join(omit, ",")
}
