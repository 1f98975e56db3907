package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	uerrors "github.com/arkilian/bulkupsert/internal/errors"
	"github.com/arkilian/bulkupsert/pkg/types"
)

// Postgres is the dialect for the pgx database/sql driver.
type Postgres struct{}

func (Postgres) Name() string                       { return "pgx" }
func (Postgres) DriverName() string                 { return "pgx" }
func (Postgres) DSN(cfg Config) string              { return cfg.DSN }
func (Postgres) DefaultMaxOpenConns() int           { return 10 }
func (Postgres) Quote(ident string) string          { return quoteIdent(ident) }
func (Postgres) Placeholder(n int) string           { return "$" + strconv.Itoa(n) }
func (d Postgres) QuoteList(idents []string) string { return quoteList(d, idents) }

// IsConstraintViolation matches SQLSTATE class 23 (integrity constraint violation).
func (Postgres) IsConstraintViolation(err error) bool {
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return strings.HasPrefix(pe.Code, "23")
	}
	return false
}

const pgColumnsQuery = `
	SELECT c.column_name, c.data_type, c.is_nullable,
	       EXISTS (
	           SELECT 1
	           FROM information_schema.table_constraints tc
	           JOIN information_schema.key_column_usage kcu
	             ON tc.constraint_name = kcu.constraint_name
	            AND tc.table_schema = kcu.table_schema
	           WHERE tc.constraint_type = 'PRIMARY KEY'
	             AND tc.table_schema = c.table_schema
	             AND tc.table_name = c.table_name
	             AND kcu.column_name = c.column_name
	       ) AS is_pk
	FROM information_schema.columns c
	WHERE c.table_schema = current_schema() AND c.table_name = $1
	ORDER BY c.ordinal_position`

func (Postgres) Introspect(ctx context.Context, q Queryer, table string) (*types.TableSchema, error) {
	rows, err := q.QueryContext(ctx, pgColumnsQuery, table)
	if err != nil {
		return nil, fmt.Errorf("store: failed to read columns for %s: %w", table, err)
	}
	defer rows.Close()

	s := &types.TableSchema{Name: table}
	for rows.Next() {
		var (
			name, dataType, nullable string
			pk                       bool
		)
		if err := rows.Scan(&name, &dataType, &nullable, &pk); err != nil {
			return nil, fmt.Errorf("store: failed to scan column: %w", err)
		}
		s.Fields = append(s.Fields, types.FieldDef{
			Name:       name,
			Type:       strings.ToUpper(dataType),
			Nullable:   nullable == "YES",
			PrimaryKey: pk,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: failed to iterate columns: %w", err)
	}
	if len(s.Fields) == 0 {
		return nil, uerrors.NewValidationError(uerrors.CodeInvalidSchema, "unknown table "+table)
	}
	return s, nil
}
