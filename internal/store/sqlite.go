package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mattn/go-sqlite3"

	uerrors "github.com/arkilian/bulkupsert/internal/errors"
	"github.com/arkilian/bulkupsert/pkg/types"
)

// SQLite is the dialect for github.com/mattn/go-sqlite3.
type SQLite struct{}

func (SQLite) Name() string       { return "sqlite3" }
func (SQLite) DriverName() string { return "sqlite3" }

// DSN enables WAL journaling and a busy timeout unless the DSN sets them.
func (SQLite) DSN(cfg Config) string {
	dsn := cfg.DSN
	var params []string
	if !strings.Contains(dsn, "_journal_mode=") && !strings.Contains(dsn, ":memory:") {
		params = append(params, "_journal_mode=WAL")
	}
	if !strings.Contains(dsn, "_busy_timeout=") {
		timeout := cfg.BusyTimeout.Milliseconds()
		if timeout <= 0 {
			timeout = 5000
		}
		params = append(params, "_busy_timeout="+strconv.FormatInt(timeout, 10))
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// DefaultMaxOpenConns is one: SQLite has a single writer.
func (SQLite) DefaultMaxOpenConns() int { return 1 }

func (SQLite) Quote(ident string) string          { return quoteIdent(ident) }
func (d SQLite) QuoteList(idents []string) string { return quoteList(d, idents) }
func (SQLite) Placeholder(int) string             { return "?" }

func (SQLite) IsConstraintViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}

func (SQLite) Introspect(ctx context.Context, q Queryer, table string) (*types.TableSchema, error) {
	rows, err := q.QueryContext(ctx, "PRAGMA table_info("+quoteIdent(table)+")")
	if err != nil {
		return nil, fmt.Errorf("store: failed to read table info for %s: %w", table, err)
	}
	defer rows.Close()

	s := &types.TableSchema{Name: table}
	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    interface{}
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("store: failed to scan table info: %w", err)
		}
		s.Fields = append(s.Fields, types.FieldDef{
			Name:       name,
			Type:       strings.ToUpper(colType),
			Nullable:   notNull == 0 && pk == 0,
			PrimaryKey: pk > 0,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: failed to iterate table info: %w", err)
	}
	if len(s.Fields) == 0 {
		return nil, uerrors.NewValidationError(uerrors.CodeInvalidSchema, "unknown table "+table)
	}
	return s, nil
}
