// Package store executes existence lookups and batch statements against a
// relational database through database/sql.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arkilian/bulkupsert/internal/batch"
	uerrors "github.com/arkilian/bulkupsert/internal/errors"
	"github.com/arkilian/bulkupsert/pkg/types"
)

// Tx is one atomic unit of work.
type Tx interface {
	// Exists returns the keys (types.Identity.Key) of ids that have a row in table.
	Exists(ctx context.Context, table string, keyColumns []string, ids []types.Identity) (map[string]struct{}, error)

	// ExecuteInsert runs one multi-row INSERT.
	ExecuteInsert(ctx context.Context, b *batch.Batch) (int64, error)

	// ExecuteUpdate runs one UPDATE per row of b.
	ExecuteUpdate(ctx context.Context, b *batch.Batch) (int64, error)

	Commit() error
	Rollback() error
}

// Beginner starts units of work.
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

// Config holds connection settings.
type Config struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	BusyTimeout  time.Duration
}

// SQLStore is a Beginner backed by a *sql.DB.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
}

// Open connects to the database described by cfg.
func Open(cfg Config, logger *zap.Logger) (*SQLStore, error) {
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(dialect.DriverName(), dialect.DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = dialect.DefaultMaxOpenConns()
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	return New(db, dialect, logger), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB, dialect Dialect, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.L()
	}
	return &SQLStore{db: db, dialect: dialect, logger: logger.Named("store")}
}

// DB returns the underlying pool.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect returns the SQL dialect in use.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// Ping checks connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping failed: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Begin starts a transaction.
func (s *SQLStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, uerrors.NewTransactionError(uerrors.CodeBeginFailed, "failed to begin transaction", err)
	}
	return &sqlTx{tx: tx, dialect: s.dialect}, nil
}

// WrapTx adapts a transaction the caller began on the same database.
func (s *SQLStore) WrapTx(tx *sql.Tx) Tx {
	return &sqlTx{tx: tx, dialect: s.dialect}
}

// Introspect reads a table description from the database catalog.
func (s *SQLStore) Introspect(ctx context.Context, table string) (*types.TableSchema, error) {
	return s.dialect.Introspect(ctx, s.db, table)
}

// WithinTx runs fn inside a new transaction, committing when fn returns nil
// and rolling back when it fails or panics.
func WithinTx(ctx context.Context, b Beginner, fn func(Tx) error) (err error) {
	tx, err := b.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

type sqlTx struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t *sqlTx) Exists(ctx context.Context, table string, keyColumns []string, ids []types.Identity) (map[string]struct{}, error) {
	found := make(map[string]struct{}, len(ids))
	if len(ids) == 0 {
		return found, nil
	}

	query, args := t.existsQuery(table, keyColumns, ids)
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query existing keys: %w", err)
	}
	defer rows.Close()

	affinity := ids[0].Affinities()
	values := make([]interface{}, len(keyColumns))
	ptrs := make([]interface{}, len(keyColumns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("store: failed to scan key: %w", err)
		}
		types.CoerceAll(affinity, values)
		found[types.IdentityKey(values)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: failed to iterate keys: %w", err)
	}
	return found, nil
}

func (t *sqlTx) existsQuery(table string, keyColumns []string, ids []types.Identity) (string, []interface{}) {
	d := t.dialect
	var sb strings.Builder
	args := make([]interface{}, 0, len(ids)*len(keyColumns))

	sb.WriteString("SELECT ")
	sb.WriteString(d.QuoteList(keyColumns))
	sb.WriteString(" FROM ")
	sb.WriteString(d.Quote(table))
	sb.WriteString(" WHERE ")

	if len(keyColumns) == 1 {
		sb.WriteString(d.Quote(keyColumns[0]))
		sb.WriteString(" IN (")
		for i, id := range ids {
			if i > 0 {
				sb.WriteString(", ")
			}
			args = append(args, bindValue(id.Values[0]))
			sb.WriteString(d.Placeholder(len(args)))
		}
		sb.WriteString(")")
		return sb.String(), args
	}

	for i, id := range ids {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		sb.WriteString("(")
		for j, col := range keyColumns {
			if j > 0 {
				sb.WriteString(" AND ")
			}
			args = append(args, bindValue(id.Values[j]))
			sb.WriteString(d.Quote(col))
			sb.WriteString(" = ")
			sb.WriteString(d.Placeholder(len(args)))
		}
		sb.WriteString(")")
	}
	return sb.String(), args
}

func (t *sqlTx) ExecuteInsert(ctx context.Context, b *batch.Batch) (int64, error) {
	if b.Len() == 0 {
		return 0, nil
	}
	d := t.dialect
	var sb strings.Builder
	args := make([]interface{}, 0, b.Len()*len(b.Columns))

	sb.WriteString("INSERT INTO ")
	sb.WriteString(d.Quote(b.Table))
	sb.WriteString(" (")
	sb.WriteString(d.QuoteList(b.Columns))
	sb.WriteString(") VALUES ")
	for i, row := range b.Rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j, v := range row {
			if j > 0 {
				sb.WriteString(", ")
			}
			args = append(args, bindValue(v))
			sb.WriteString(d.Placeholder(len(args)))
		}
		sb.WriteString(")")
	}

	res, err := t.tx.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, t.executionError("insert into "+b.Table, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (t *sqlTx) ExecuteUpdate(ctx context.Context, b *batch.Batch) (int64, error) {
	if b.Len() == 0 || len(b.Columns) == 0 {
		return 0, nil
	}
	d := t.dialect
	var sb strings.Builder
	n := 0

	sb.WriteString("UPDATE ")
	sb.WriteString(d.Quote(b.Table))
	sb.WriteString(" SET ")
	for i, col := range b.Columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		n++
		sb.WriteString(d.Quote(col))
		sb.WriteString(" = ")
		sb.WriteString(d.Placeholder(n))
	}
	sb.WriteString(" WHERE ")
	for i, col := range b.KeyColumns {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		n++
		sb.WriteString(d.Quote(col))
		sb.WriteString(" = ")
		sb.WriteString(d.Placeholder(n))
	}

	stmt, err := t.tx.PrepareContext(ctx, sb.String())
	if err != nil {
		return 0, t.executionError("prepare update of "+b.Table, err)
	}
	defer stmt.Close()

	var affected int64
	args := make([]interface{}, n)
	for _, row := range b.Rows {
		for i, v := range row {
			args[i] = bindValue(v)
		}
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return affected, t.executionError("update of "+b.Table, err)
		}
		if c, err := res.RowsAffected(); err == nil {
			affected += c
		}
	}
	return affected, nil
}

func (t *sqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return uerrors.NewTransactionError(uerrors.CodeCommitFailed, "failed to commit transaction", err)
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return uerrors.NewTransactionError(uerrors.CodeRollbackFailed, "failed to roll back transaction", err)
	}
	return nil
}

func (t *sqlTx) executionError(op string, err error) error {
	code := uerrors.CodeStatementFailed
	if t.dialect.IsConstraintViolation(err) {
		code = uerrors.CodeConstraintViolation
	}
	return uerrors.NewExecutionError(code, op+" failed", err)
}
