package schema

import (
	"context"
	"fmt"
	"testing"

	uerrors "github.com/arkilian/bulkupsert/internal/errors"
	"github.com/arkilian/bulkupsert/pkg/types"
)

func bazSchema() *types.TableSchema {
	return &types.TableSchema{
		Name: "bazz",
		Fields: []types.FieldDef{
			{Name: "name", Column: "my_custom_name", Type: "TEXT", PrimaryKey: true},
			{Name: "data", Column: "my_data_field", Type: "TEXT", Nullable: true},
			{Name: "id", Type: "TEXT", Virtual: true},
			{Name: "createdAt", Column: "created_at", Type: "TIMESTAMP"},
			{Name: "updatedAt", Column: "updated_at", Type: "TIMESTAMP"},
			{Name: "serial", Type: "TEXT", Immutable: true, Nullable: true},
		},
		Timestamps: types.TimestampFields{CreatedAt: "createdAt", UpdatedAt: "updatedAt"},
	}
}

func TestProjection_Apply(t *testing.T) {
	p, err := NewProjection(bazSchema(), Options{Omit: []string{"_changes"}})
	if err != nil {
		t.Fatalf("NewProjection failed: %v", err)
	}

	row := p.Apply(types.Record{
		"name":     "BazBaz",
		"data":     "Some data",
		"id":       1,
		"_changes": []string{"name"},
		"extra":    true,
	})

	if row["my_custom_name"] != "BazBaz" {
		t.Errorf("expected primary key remapped, got %v", row)
	}
	if row["my_data_field"] != "Some data" {
		t.Errorf("expected data remapped, got %v", row)
	}
	if row.Has("id") {
		t.Error("virtual field must be stripped")
	}
	if row.Has("_changes") {
		t.Error("omitted field must be stripped")
	}
	if row.Has("name") || row.Has("data") {
		t.Error("logical names must not survive projection")
	}
	if row["extra"] != true {
		t.Error("unknown fields pass through to the store")
	}
}

func TestProjection_LogicalWinsOverRawColumn(t *testing.T) {
	p, err := NewProjection(bazSchema(), Options{})
	if err != nil {
		t.Fatalf("NewProjection failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		row := p.Apply(types.Record{"name": "a", "data": "logical", "my_data_field": "raw"})
		if row["my_data_field"] != "logical" {
			t.Fatalf("iteration %d: got %v, want logical value", i, row["my_data_field"])
		}
	}
}

func TestProjection_Identity(t *testing.T) {
	p, err := NewProjection(bazSchema(), Options{})
	if err != nil {
		t.Fatalf("NewProjection failed: %v", err)
	}

	id, missing := p.Identity(p.Apply(types.Record{"name": "x"}))
	if missing != "" {
		t.Fatalf("unexpected missing field %q", missing)
	}
	if id.Key() != types.NewIdentity("x").Key() {
		t.Errorf("identity key mismatch: %q", id.Key())
	}

	_, missing = p.Identity(p.Apply(types.Record{"data": "no key"}))
	if missing != "name" {
		t.Errorf("expected missing identity field 'name', got %q", missing)
	}

	_, missing = p.Identity(p.Apply(types.Record{"name": nil}))
	if missing != "name" {
		t.Errorf("nil identity value must count as missing, got %q", missing)
	}
}

func TestProjection_IdentityFollowsColumnType(t *testing.T) {
	p, err := NewProjection(bazSchema(), Options{})
	if err != nil {
		t.Fatalf("NewProjection failed: %v", err)
	}

	row := p.Apply(types.Record{"name": int64(5)})
	id, missing := p.Identity(row)
	if missing != "" {
		t.Fatalf("unexpected missing field %q", missing)
	}
	if id.Key() != types.NewIdentity("5").Key() {
		t.Errorf("numeric id for a TEXT key must match its text form, got %q", id.Key())
	}
	if row["my_custom_name"] != "5" {
		t.Errorf("coerced identity must be written back to the row, got %#v", row["my_custom_name"])
	}

	ints, err := NewProjection(&types.TableSchema{
		Name:   "nums",
		Fields: []types.FieldDef{{Name: "id", Type: "INTEGER", PrimaryKey: true}},
	}, Options{})
	if err != nil {
		t.Fatalf("NewProjection failed: %v", err)
	}
	id, _ = ints.Identity(ints.Apply(types.Record{"id": "7"}))
	if id.Key() != types.NewIdentity(int64(7)).Key() {
		t.Errorf("string id for an INTEGER key must match its integer form, got %q", id.Key())
	}
}

func TestProjection_ImmutableColumns(t *testing.T) {
	p, err := NewProjection(bazSchema(), Options{})
	if err != nil {
		t.Fatalf("NewProjection failed: %v", err)
	}

	tests := []struct {
		column    string
		immutable bool
	}{
		{"my_custom_name", true},
		{"created_at", true},
		{"serial", true},
		{"updated_at", false},
		{"my_data_field", false},
	}
	for _, tt := range tests {
		if got := p.Immutable(tt.column); got != tt.immutable {
			t.Errorf("Immutable(%q) = %v, want %v", tt.column, got, tt.immutable)
		}
	}
	if p.CreatedAtColumn() != "created_at" || p.UpdatedAtColumn() != "updated_at" {
		t.Errorf("timestamp columns = %q/%q", p.CreatedAtColumn(), p.UpdatedAtColumn())
	}
}

func TestProjection_Options(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		code string
	}{
		{"override identity", Options{IDFields: []string{"data"}}, ""},
		{"unknown identity field", Options{IDFields: []string{"nope"}}, uerrors.CodeInvalidOption},
		{"virtual identity field", Options{IDFields: []string{"id"}}, uerrors.CodeInvalidOption},
		{"duplicate identity field", Options{IDFields: []string{"name", "name"}}, uerrors.CodeInvalidOption},
		{"omitted identity field", Options{Omit: []string{"name"}}, uerrors.CodeInvalidOption},
		{"omit unknown field", Options{Omit: []string{"_changes"}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProjection(bazSchema(), tt.opts)
			if tt.code == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if uerrors.GetCode(err) != tt.code {
				t.Fatalf("got %v, want code %s", err, tt.code)
			}
			if !uerrors.IsInvalidInput(err) {
				t.Errorf("option errors must be validation errors")
			}
		})
	}
}

func TestProjection_OmittedTimestampIsNotManaged(t *testing.T) {
	p, err := NewProjection(bazSchema(), Options{Omit: []string{"updatedAt"}})
	if err != nil {
		t.Fatalf("NewProjection failed: %v", err)
	}
	if p.UpdatedAtColumn() != "" {
		t.Errorf("omitted timestamp must not be managed, got %q", p.UpdatedAtColumn())
	}
	if p.CreatedAtColumn() != "created_at" {
		t.Errorf("created_at should still be managed")
	}
}

func TestProjection_NoIdentity(t *testing.T) {
	s := &types.TableSchema{Name: "loose", Fields: []types.FieldDef{{Name: "a", Type: "TEXT"}}}
	if _, err := NewProjection(s, Options{}); uerrors.GetCode(err) != uerrors.CodeInvalidSchema {
		t.Fatalf("expected INVALID_SCHEMA, got %v", err)
	}
	if _, err := NewProjection(s, Options{IDFields: []string{"a"}}); err != nil {
		t.Fatalf("explicit identity should make the schema usable: %v", err)
	}
}

func TestOptionsKey_OrderInsensitiveOmit(t *testing.T) {
	a := OptionsKey("t", Options{Omit: []string{"b", "a"}})
	b := OptionsKey("t", Options{Omit: []string{"a", "b"}})
	if a != b {
		t.Errorf("omit order should not change the key: %q vs %q", a, b)
	}
	c := OptionsKey("t", Options{IDFields: []string{"a", "b"}})
	d := OptionsKey("t", Options{IDFields: []string{"b", "a"}})
	if c == d {
		t.Error("identity field order is significant")
	}
}

type fakeIntrospector struct {
	calls int
	err   error
}

func (f *fakeIntrospector) Introspect(ctx context.Context, table string) (*types.TableSchema, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &types.TableSchema{
		Name:   table,
		Fields: []types.FieldDef{{Name: "id", Type: "INTEGER", PrimaryKey: true}},
	}, nil
}

func TestCatalog_ConfiguredAndIntrospected(t *testing.T) {
	in := &fakeIntrospector{}
	c, err := NewCatalog([]types.TableSchema{*bazSchema()}, in, 4, nil)
	if err != nil {
		t.Fatalf("NewCatalog failed: %v", err)
	}
	ctx := context.Background()

	s, err := c.Lookup(ctx, "bazz")
	if err != nil || s.Name != "bazz" {
		t.Fatalf("configured lookup failed: %v", err)
	}
	if in.calls != 0 {
		t.Errorf("configured tables must not be introspected")
	}

	for i := 0; i < 3; i++ {
		if _, err := c.Lookup(ctx, "events"); err != nil {
			t.Fatalf("introspected lookup failed: %v", err)
		}
	}
	if in.calls != 1 {
		t.Errorf("expected 1 introspection, got %d", in.calls)
	}

	c.Invalidate("events")
	if _, err := c.Lookup(ctx, "events"); err != nil {
		t.Fatalf("lookup after invalidate failed: %v", err)
	}
	if in.calls != 2 {
		t.Errorf("expected re-introspection after invalidate, got %d calls", in.calls)
	}

	if got := c.Tables(); len(got) != 1 || got[0] != "bazz" {
		t.Errorf("Tables() = %v", got)
	}
}

func TestCatalog_Errors(t *testing.T) {
	in := &fakeIntrospector{err: fmt.Errorf("no such table")}
	c, err := NewCatalog(nil, in, 0, nil)
	if err != nil {
		t.Fatalf("NewCatalog failed: %v", err)
	}
	if _, err := c.Lookup(context.Background(), "missing"); err == nil {
		t.Error("expected introspection error to surface")
	}
	if _, err := c.Lookup(context.Background(), "bad name;"); !uerrors.IsInvalidInput(err) {
		t.Errorf("invalid identifiers must be rejected before introspection, got %v", err)
	}

	bad := *bazSchema()
	bad.Fields = append(bad.Fields, types.FieldDef{Name: "evil", Column: "x\"; DROP", Type: "TEXT"})
	if err := c.Register(bad); !uerrors.IsInvalidInput(err) {
		t.Errorf("expected invalid identifier rejection, got %v", err)
	}
}

func TestValidIdentifier(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"foo", true},
		{"_changes", true},
		{"my_data_field", true},
		{"Col9", true},
		{"", false},
		{"9lives", false},
		{"has space", false},
		{"semi;colon", false},
	}
	for _, tt := range tests {
		if got := ValidIdentifier(tt.name); got != tt.valid {
			t.Errorf("ValidIdentifier(%q) = %v, want %v", tt.name, got, tt.valid)
		}
	}
}
