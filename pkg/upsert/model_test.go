package upsert

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	uerrors "github.com/arkilian/bulkupsert/internal/errors"
	"github.com/arkilian/bulkupsert/internal/schema"
	"github.com/arkilian/bulkupsert/internal/store"
	"github.com/arkilian/bulkupsert/internal/stream"
	"github.com/arkilian/bulkupsert/pkg/types"
)

const modelDDL = `
CREATE TABLE foos (
	id TEXT PRIMARY KEY,
	immutable_attr TEXT,
	name TEXT NOT NULL
);
CREATE TABLE bars (
	id TEXT PRIMARY KEY,
	name TEXT,
	birthday TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE bazz (name TEXT PRIMARY KEY);
CREATE TABLE data_bazz (name TEXT PRIMARY KEY, my_data_field TEXT);
CREATE TABLE key_bazz (my_custom_name TEXT PRIMARY KEY);
CREATE TABLE nums (id INTEGER PRIMARY KEY, label TEXT);
CREATE TABLE events (at TIMESTAMP PRIMARY KEY, label TEXT);`

func fooSchema() types.TableSchema {
	return types.TableSchema{
		Name: "foos",
		Fields: []types.FieldDef{
			{Name: "id", Type: "TEXT", PrimaryKey: true},
			{Name: "immutableAttr", Column: "immutable_attr", Type: "TEXT", Nullable: true},
			{Name: "name", Type: "TEXT"},
		},
	}
}

func barSchema() types.TableSchema {
	return types.TableSchema{
		Name: "bars",
		Fields: []types.FieldDef{
			{Name: "id", Type: "TEXT", PrimaryKey: true},
			{Name: "name", Type: "TEXT", Nullable: true},
			{Name: "birthday", Type: "TIMESTAMP"},
			{Name: "createdAt", Column: "created_at", Type: "TIMESTAMP"},
			{Name: "updatedAt", Column: "updated_at", Type: "TIMESTAMP"},
		},
		Timestamps: types.TimestampFields{CreatedAt: "createdAt", UpdatedAt: "updatedAt"},
	}
}

func newModelStore(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.Open(store.Config{Driver: "sqlite3", DSN: filepath.Join(t.TempDir(), "upsert.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	_, err = s.DB().Exec(modelDDL)
	require.NoError(t, err)
	return s
}

func newModel(t *testing.T, s *store.SQLStore, ts types.TableSchema) *Model {
	t.Helper()
	m, err := NewModel(s, ts)
	require.NoError(t, err)
	return m
}

type foo struct {
	ID, ImmutableAttr, Name string
}

func createFoo(t *testing.T, s *store.SQLStore, id, immutable, name string) {
	t.Helper()
	_, err := s.DB().Exec(`INSERT INTO foos (id, immutable_attr, name) VALUES (?, ?, ?)`, id, immutable, name)
	require.NoError(t, err)
}

func allFoos(t *testing.T, s *store.SQLStore) map[string]foo {
	t.Helper()
	rows, err := s.DB().Query(`SELECT id, COALESCE(immutable_attr, ''), name FROM foos ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()

	out := make(map[string]foo)
	for rows.Next() {
		var f foo
		require.NoError(t, rows.Scan(&f.ID, &f.ImmutableAttr, &f.Name))
		out[f.ID] = f
	}
	require.NoError(t, rows.Err())
	return out
}

func fooRecords(n int) []types.Record {
	recs := make([]types.Record, n)
	for i := range recs {
		recs[i] = types.Record{
			"id":            fmt.Sprintf("id%d", i),
			"immutableAttr": fmt.Sprintf("immutable value %d", i),
			"name":          fmt.Sprintf("My Foo %d", i),
			"_changes":      []interface{}{"name"},
		}
	}
	return recs
}

type writeOnly struct{}

func (writeOnly) Write(p []byte) (int, error) { return len(p), nil }

func TestBulkUpsertStream_RejectsBadInput(t *testing.T) {
	m := newModel(t, newModelStore(t), fooSchema())
	ctx := context.Background()

	tests := []struct {
		name  string
		input interface{}
		code  string
	}{
		{"undefined", nil, uerrors.CodeInvalidInput},
		{"writer only", writeOnly{}, uerrors.CodeWritableOnlySource},
		{"stream writer", stream.New(1).Writer(), uerrors.CodeWritableOnlySource},
		{"non-conforming stream", &stream.Stream{}, uerrors.CodeInvalidInput},
		{"object", map[string]interface{}{}, uerrors.CodeUnsupportedInput},
		{"number", 42, uerrors.CodeUnsupportedInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.BulkUpsertStream(ctx, tt.input)
			require.Error(t, err)
			assert.Nil(t, got)
			assert.True(t, IsInvalidInput(err))
			assert.Equal(t, tt.code, Code(err))
		})
	}
}

func TestBulkUpsert_EmptyInputReturnsModel(t *testing.T) {
	m := newModel(t, newModelStore(t), fooSchema())
	ctx := context.Background()

	got, err := m.BulkUpsert(ctx, []types.Record{})
	require.NoError(t, err)
	assert.Same(t, m, got)

	got, err = m.BulkUpsert(ctx, nil)
	require.NoError(t, err)
	assert.Same(t, m, got)

	got, err = m.BulkUpsertStream(ctx, []types.Record{})
	require.NoError(t, err)
	assert.Same(t, m, got)
}

func TestBulkUpsertStream_InsertsFromArrayAndStream(t *testing.T) {
	inputs := map[string]func() interface{}{
		"array":  func() interface{} { return fooRecords(5) },
		"stream": func() interface{} { return stream.FromSlice(fooRecords(5)) },
	}
	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			s := newModelStore(t)
			m := newModel(t, s, fooSchema())
			ctx := context.Background()

			err := m.InTransaction(ctx, func(tx store.Tx) error {
				_, err := m.BulkUpsertStream(ctx, input(), WithOmit("_changes"), WithTransaction(tx))
				return err
			})
			require.NoError(t, err)

			foos := allFoos(t, s)
			require.Len(t, foos, 5)
			for i := 0; i < 5; i++ {
				f := foos[fmt.Sprintf("id%d", i)]
				assert.Equal(t, fmt.Sprintf("immutable value %d", i), f.ImmutableAttr)
				assert.Equal(t, fmt.Sprintf("My Foo %d", i), f.Name)
			}
		})
	}
}

func TestBulkUpsertStream_UpdatesExistingRows(t *testing.T) {
	records := func() []types.Record {
		return []types.Record{
			{"id": "foo", "immutableAttr": "asdf", "name": "My Foo"},
			{"id": "bar", "immutableAttr": "fdas", "name": "My Bar"},
		}
	}
	inputs := map[string]func() interface{}{
		"array":  func() interface{} { return records() },
		"stream": func() interface{} { return stream.FromSlice(records()) },
	}
	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			s := newModelStore(t)
			createFoo(t, s, "foo", "Foo's immutable value", "Foo")
			createFoo(t, s, "bar", "Bar's immutable value", "Bar")
			m := newModel(t, s, fooSchema())

			var sum Summary
			_, err := m.BulkUpsertStream(context.Background(), input(), WithOmit("_changes"), WithSummary(&sum))
			require.NoError(t, err)

			foos := allFoos(t, s)
			require.Len(t, foos, 2)
			assert.Equal(t, "My Foo", foos["foo"].Name)
			assert.Equal(t, "My Bar", foos["bar"].Name)
			assert.Equal(t, 2, sum.Updated)
			assert.Equal(t, 0, sum.Inserted)
		})
	}
}

func TestBulkUpsertStream_InsertsAndUpdates(t *testing.T) {
	s := newModelStore(t)
	createFoo(t, s, "foo", "immutable", "Foo")
	m := newModel(t, s, fooSchema())

	input := stream.Produce(0, func(ctx context.Context, w *stream.Writer) error {
		for _, rec := range []types.Record{
			{"id": "bar", "immutableAttr": "aaa", "name": "Bar"},
			{"id": "foo", "immutableAttr": "zzz", "name": "Upserted Foo"},
			{"id": "baz", "immutableAttr": "bbb", "name": "BAZZZZZ"},
		} {
			if err := w.Write(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})

	var sum Summary
	_, err := m.BulkUpsertStream(context.Background(), input, WithSummary(&sum))
	require.NoError(t, err)

	assert.Equal(t, map[string]foo{
		"foo": {"foo", "zzz", "Upserted Foo"},
		"bar": {"bar", "aaa", "Bar"},
		"baz": {"baz", "bbb", "BAZZZZZ"},
	}, allFoos(t, s))
	assert.Equal(t, 3, sum.Received)
	assert.Equal(t, 2, sum.Inserted)
	assert.Equal(t, 1, sum.Updated)
	assert.NotEmpty(t, sum.InvocationID)
}

func TestBulkUpsert_FailureLeavesStoreUntouched(t *testing.T) {
	s := newModelStore(t)
	createFoo(t, s, "foo", "Foo's immutable value", "Foo")
	m := newModel(t, s, fooSchema())

	input := stream.FromSlice([]types.Record{
		{"id": "new", "immutableAttr": "x", "name": "New"},
		{"id": "foo", "immutableAttr": "asdf", "name": "My Foo"},
		{"id": "foo", "immutableAttr": "this wont be a value", "name": "FOO"},
	})
	_, err := m.BulkUpsertStream(context.Background(), input, WithDuplicatePolicy(Reject), WithWindowSize(1))
	require.Error(t, err)
	assert.True(t, IsUpsertExecution(err))
	assert.Equal(t, uerrors.CodeDuplicateIdentity, Code(err))

	assert.Equal(t, map[string]foo{
		"foo": {"foo", "Foo's immutable value", "Foo"},
	}, allFoos(t, s))
}

func TestBulkUpsert_ErrorDoesNotPreventFurtherCalls(t *testing.T) {
	s := newModelStore(t)
	createFoo(t, s, "foo", "immutable", "Foo")
	m := newModel(t, s, fooSchema())
	ctx := context.Background()

	bad := []types.Record{
		{"id": "bar", "immutableAttr": "aaa", "name": "Bar"},
		{"id": "bar", "immutableAttr": "aaaaaa", "name": "BarBar"},
	}
	err := m.InTransaction(ctx, func(tx store.Tx) error {
		_, err := m.BulkUpsert(ctx, bad, WithTransaction(tx), WithDuplicatePolicy(Reject))
		return err
	})
	require.Error(t, err)

	good := []types.Record{
		{"id": "bar", "immutableAttr": "aaa", "name": "BAR"},
		{"id": "foo", "immutableAttr": "aaaaaa", "name": "FOOFOO"},
	}
	err = m.InTransaction(ctx, func(tx store.Tx) error {
		_, err := m.BulkUpsert(ctx, good, WithTransaction(tx))
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]foo{
		"foo": {"foo", "aaaaaa", "FOOFOO"},
		"bar": {"bar", "aaa", "BAR"},
	}, allFoos(t, s))
}

func TestBulkUpsert_LastOccurrenceWins(t *testing.T) {
	s := newModelStore(t)
	m := newModel(t, s, fooSchema())

	var sum Summary
	_, err := m.BulkUpsert(context.Background(), []types.Record{
		{"id": "bar", "immutableAttr": "aaa", "name": "Bar"},
		{"id": "bar", "immutableAttr": "aaaaaa", "name": "BarBar"},
	}, WithSummary(&sum))
	require.NoError(t, err)

	assert.Equal(t, map[string]foo{"bar": {"bar", "aaaaaa", "BarBar"}}, allFoos(t, s))
	assert.Equal(t, 1, sum.Superseded)
	assert.Equal(t, 1, sum.Inserted)
}

func countWhere(t *testing.T, s *store.SQLStore, query string) int {
	t.Helper()
	var n int
	require.NoError(t, s.DB().QueryRow(query).Scan(&n))
	return n
}

func TestBulkUpsert_SetsTimestamps(t *testing.T) {
	s := newModelStore(t)
	m := newModel(t, s, barSchema())
	now := time.Now()

	_, err := m.BulkUpsert(context.Background(), []types.Record{
		{"id": "bar", "name": "Bar", "birthday": now},
		{"id": "foo", "name": "Foo", "birthday": now},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, countWhere(t, s, `SELECT COUNT(*) FROM bars WHERE created_at IS NOT NULL AND updated_at IS NOT NULL`))
}

func TestBulkUpsert_ConstraintViolationThenRetry(t *testing.T) {
	s := newModelStore(t)
	m := newModel(t, s, barSchema())
	ctx := context.Background()

	records := []types.Record{{"id": "bar", "name": "Bar"}, {"id": "foo", "name": "Foo"}}
	err := m.InTransaction(ctx, func(tx store.Tx) error {
		_, err := m.BulkUpsert(ctx, records, WithTransaction(tx))
		return err
	})
	require.Error(t, err)
	assert.True(t, IsUpsertExecution(err))
	assert.Equal(t, uerrors.CodeConstraintViolation, Code(err))
	assert.Equal(t, 0, countWhere(t, s, `SELECT COUNT(*) FROM bars`))

	for _, r := range records {
		r["birthday"] = time.Now()
	}
	err = m.InTransaction(ctx, func(tx store.Tx) error {
		_, err := m.BulkUpsert(ctx, records, WithTransaction(tx))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, countWhere(t, s,
		`SELECT COUNT(*) FROM bars WHERE created_at IS NOT NULL AND updated_at IS NOT NULL AND birthday IS NOT NULL`))
}

func TestBulkUpsert_TrimsVirtualFields(t *testing.T) {
	s := newModelStore(t)
	m := newModel(t, s, types.TableSchema{
		Name: "bazz",
		Fields: []types.FieldDef{
			{Name: "name", Type: "TEXT", PrimaryKey: true},
			{Name: "id", Type: "TEXT", Virtual: true},
		},
	})

	_, err := m.BulkUpsert(context.Background(), []types.Record{
		{"id": 1, "name": "firstBaz"},
		{"id": 2, "name": "secondBaz"},
	}, WithIDFields("name"))
	require.NoError(t, err)
	assert.Equal(t, 2, countWhere(t, s, `SELECT COUNT(*) FROM bazz`))
}

func TestBulkUpsert_RemapsColumns(t *testing.T) {
	s := newModelStore(t)
	ctx := context.Background()

	data := newModel(t, s, types.TableSchema{
		Name: "data_bazz",
		Fields: []types.FieldDef{
			{Name: "name", Type: "TEXT", PrimaryKey: true},
			{Name: "data", Column: "my_data_field", Type: "TEXT", Nullable: true},
		},
	})
	_, err := data.BulkUpsert(ctx, []types.Record{{"name": "BazBaz", "data": "Some data for BazBaz"}}, WithIDFields("name"))
	require.NoError(t, err)

	var name, value string
	require.NoError(t, s.DB().QueryRow(`SELECT name, my_data_field FROM data_bazz`).Scan(&name, &value))
	assert.Equal(t, "BazBaz", name)
	assert.Equal(t, "Some data for BazBaz", value)

	key := newModel(t, s, types.TableSchema{
		Name:   "key_bazz",
		Fields: []types.FieldDef{{Name: "name", Column: "my_custom_name", Type: "TEXT", PrimaryKey: true}},
	})
	for i := 0; i < 2; i++ {
		_, err = key.BulkUpsert(ctx, []types.Record{{"name": "BazBaz"}}, WithIDFields("name"))
		require.NoError(t, err)
	}
	require.NoError(t, s.DB().QueryRow(`SELECT my_custom_name FROM key_bazz`).Scan(&name))
	assert.Equal(t, "BazBaz", name)
	assert.Equal(t, 1, countWhere(t, s, `SELECT COUNT(*) FROM key_bazz`))
}

func TestBulkUpsert_UnknownFieldReachesStore(t *testing.T) {
	s := newModelStore(t)
	m := newModel(t, s, fooSchema())

	_, err := m.BulkUpsert(context.Background(), fooRecords(1))
	require.Error(t, err)
	assert.True(t, IsUpsertExecution(err))
	assert.Equal(t, 0, countWhere(t, s, `SELECT COUNT(*) FROM foos`))
}

func TestBulkUpsert_CallerTransaction(t *testing.T) {
	s := newModelStore(t)
	m := newModel(t, s, fooSchema())
	ctx := context.Background()

	tx, err := m.Begin(ctx)
	require.NoError(t, err)
	_, err = m.BulkUpsert(ctx, fooRecords(3), WithTransaction(tx), WithOmit("_changes"))
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	assert.Empty(t, allFoos(t, s))

	sqlTx, err := s.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = m.BulkUpsert(ctx, fooRecords(3), WithSQLTx(sqlTx), WithOmit("_changes"))
	require.NoError(t, err)
	require.NoError(t, sqlTx.Commit())
	assert.Len(t, allFoos(t, s), 3)
}

func TestBulkUpsert_InvalidOptions(t *testing.T) {
	s := newModelStore(t)
	m := newModel(t, s, fooSchema())
	ctx := context.Background()

	_, err := m.BulkUpsert(ctx, fooRecords(1), WithDuplicatePolicy("first_wins"))
	assert.Equal(t, uerrors.CodeInvalidOption, Code(err))

	_, err = m.BulkUpsert(ctx, fooRecords(1), WithIDFields("nope"))
	assert.True(t, IsInvalidInput(err))

	_, err = m.BulkUpsert(ctx, []types.Record{{"name": "no id"}})
	assert.Equal(t, uerrors.CodeMissingIdentity, Code(err))
	assert.Empty(t, allFoos(t, s))
}

type recordSource []types.Record

func (r recordSource) Each(ctx context.Context, fn func(types.Record) error) error {
	for _, rec := range r {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

type failingSource struct{}

func (failingSource) Each(ctx context.Context, fn func(types.Record) error) error {
	if err := fn(types.Record{"id": "a", "name": "A"}); err != nil {
		return err
	}
	return errors.New("connection reset")
}

func TestBulkUpsertStream_SourcesAndReaders(t *testing.T) {
	s := newModelStore(t)
	m := newModel(t, s, fooSchema())
	ctx := context.Background()

	_, err := m.BulkUpsertStream(ctx, recordSource{{"id": "a", "name": "A"}})
	require.NoError(t, err)

	ndjson := "{\"id\":\"b\",\"name\":\"B\"}\n{\"id\":\"a\",\"name\":\"AA\"}\n"
	_, err = m.BulkUpsertStream(ctx, strings.NewReader(ndjson))
	require.NoError(t, err)

	_, err = m.BulkUpsertStream(ctx, failingSource{})
	require.Error(t, err)
	assert.Equal(t, uerrors.ErrCategorySource, uerrors.GetCategory(err))

	foos := allFoos(t, s)
	require.Len(t, foos, 2)
	assert.Equal(t, "AA", foos["a"].Name)
}

func TestNewModel_RejectsInvalidSchema(t *testing.T) {
	s := newModelStore(t)

	_, err := NewModel(s, types.TableSchema{Name: "foos"})
	assert.Equal(t, uerrors.CodeInvalidSchema, Code(err))

	_, err = NewModel(s, types.TableSchema{
		Name:   "foos",
		Fields: []types.FieldDef{{Name: "id", Column: "id; DROP TABLE foos", PrimaryKey: true}},
	})
	assert.Equal(t, uerrors.CodeInvalidSchema, Code(err))

	_, err = NewModel(nil, fooSchema())
	assert.Error(t, err)
}

func TestEngine_ResolvesTables(t *testing.T) {
	s := newModelStore(t)
	catalog, err := schema.NewCatalog([]types.TableSchema{fooSchema()}, s, 8, nil)
	require.NoError(t, err)
	e := NewEngine(s, catalog, nil)
	ctx := context.Background()

	m1, err := e.Model(ctx, "foos")
	require.NoError(t, err)
	m2, err := e.Model(ctx, "foos")
	require.NoError(t, err)
	assert.Same(t, m1, m2)

	require.NoError(t, e.Upsert(ctx, "foos", fooRecords(2), WithOmit("_changes")))
	assert.Len(t, allFoos(t, s), 2)

	require.NoError(t, e.Upsert(ctx, "bazz", []types.Record{{"name": "introspected"}}))
	assert.Equal(t, 1, countWhere(t, s, `SELECT COUNT(*) FROM bazz`))

	err = e.Upsert(ctx, "missing", []types.Record{{"id": "x"}})
	assert.Equal(t, uerrors.CodeInvalidSchema, Code(err))
	assert.Equal(t, []string{"foos"}, e.Tables())

	require.NoError(t, e.Register(fooSchema()))
	m3, err := e.Model(ctx, "foos")
	require.NoError(t, err)
	assert.NotSame(t, m1, m3)
}
