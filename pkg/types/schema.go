package types

import (
	"fmt"
	"strings"
)

// TableSchema describes one target table of an upsert.
type TableSchema struct {
	// Name is the physical table name
	Name string `json:"name" yaml:"name"`

	// Fields defines the logical fields of the table in declaration order
	Fields []FieldDef `json:"fields" yaml:"fields"`

	// Timestamps names the auto-managed timestamp fields, if any
	Timestamps TimestampFields `json:"timestamps" yaml:"timestamps"`
}

// FieldDef defines a single logical field of a table.
type FieldDef struct {
	// Name is the logical field name used in input records
	Name string `json:"name" yaml:"name"`

	// Column is the physical column name; empty means the same as Name
	Column string `json:"column,omitempty" yaml:"column,omitempty"`

	// Type is the column type: TEXT, INTEGER, REAL, BLOB, BOOLEAN, TIMESTAMP
	Type string `json:"type" yaml:"type"`

	// Nullable indicates whether the column can contain NULL values
	Nullable bool `json:"nullable" yaml:"nullable"`

	// PrimaryKey indicates whether this field is part of the primary key
	PrimaryKey bool `json:"primary_key" yaml:"primary_key"`

	// Virtual marks a computed, read-only field that is never written
	Virtual bool `json:"virtual" yaml:"virtual"`

	// Immutable marks a field that is written on insert but never updated
	Immutable bool `json:"immutable" yaml:"immutable"`
}

// TimestampFields names the logical fields whose values are managed by the engine.
type TimestampFields struct {
	// CreatedAt is set on insert when the record does not carry a value
	CreatedAt string `json:"created_at,omitempty" yaml:"created_at,omitempty"`

	// UpdatedAt is refreshed on every insert and update
	UpdatedAt string `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// PhysicalColumn returns the column a logical field is stored in.
// Unknown names map to themselves.
func (s *TableSchema) PhysicalColumn(name string) string {
	if f, ok := s.Field(name); ok && f.Column != "" {
		return f.Column
	}
	return name
}

// Field looks up a field by logical name.
func (s *TableSchema) Field(name string) (FieldDef, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

// IdentityFields returns the logical primary key fields in declaration order.
func (s *TableSchema) IdentityFields() []string {
	var out []string
	for _, f := range s.Fields {
		if f.PrimaryKey {
			out = append(out, f.Name)
		}
	}
	return out
}

// WritableFields returns every non-virtual logical field in declaration order.
func (s *TableSchema) WritableFields() []string {
	out := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		if !f.Virtual {
			out = append(out, f.Name)
		}
	}
	return out
}

// VirtualFields returns the set of computed fields.
func (s *TableSchema) VirtualFields() map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range s.Fields {
		if f.Virtual {
			out[f.Name] = struct{}{}
		}
	}
	return out
}

// Validate checks the schema for structural errors.
func (s *TableSchema) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("table name is required")
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("table %s: at least one field is required", s.Name)
	}

	names := make(map[string]struct{}, len(s.Fields))
	columns := make(map[string]string, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("table %s: field with empty name", s.Name)
		}
		if _, dup := names[f.Name]; dup {
			return fmt.Errorf("table %s: duplicate field %q", s.Name, f.Name)
		}
		names[f.Name] = struct{}{}

		if f.Virtual && f.PrimaryKey {
			return fmt.Errorf("table %s: virtual field %q cannot be part of the primary key", s.Name, f.Name)
		}
		if f.Virtual {
			continue
		}
		col := f.Column
		if col == "" {
			col = f.Name
		}
		if other, dup := columns[col]; dup {
			return fmt.Errorf("table %s: fields %q and %q map to the same column %q", s.Name, other, f.Name, col)
		}
		columns[col] = f.Name
	}

	for _, ts := range []string{s.Timestamps.CreatedAt, s.Timestamps.UpdatedAt} {
		if ts == "" {
			continue
		}
		f, ok := s.Field(ts)
		if !ok {
			return fmt.Errorf("table %s: timestamp field %q is not declared", s.Name, ts)
		}
		if f.Virtual {
			return fmt.Errorf("table %s: timestamp field %q cannot be virtual", s.Name, ts)
		}
	}
	return nil
}
