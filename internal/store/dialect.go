package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/goccy/go-json"

	uerrors "github.com/arkilian/bulkupsert/internal/errors"
	"github.com/arkilian/bulkupsert/pkg/types"
)

// Queryer is the read side shared by *sql.DB and *sql.Tx.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Dialect captures the SQL differences between supported databases.
type Dialect interface {
	// Name is the configured driver name.
	Name() string

	// DriverName is the database/sql driver to open.
	DriverName() string

	// DSN completes a configured DSN with dialect defaults.
	DSN(cfg Config) string

	DefaultMaxOpenConns() int

	// Quote quotes an identifier.
	Quote(ident string) string

	// QuoteList quotes and comma-joins identifiers.
	QuoteList(idents []string) string

	// Placeholder returns the n-th (1-based) bind parameter.
	Placeholder(n int) string

	// IsConstraintViolation reports whether err is an integrity constraint failure.
	IsConstraintViolation(err error) bool

	// Introspect reads a table description from the catalog.
	Introspect(ctx context.Context, q Queryer, table string) (*types.TableSchema, error)
}

// DialectFor returns the dialect for a configured driver.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "", "sqlite3", "sqlite":
		return SQLite{}, nil
	case "pgx", "postgres", "postgresql":
		return Postgres{}, nil
	default:
		return nil, uerrors.NewValidationError(uerrors.CodeInvalidOption, "unsupported database driver "+driver)
	}
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func quoteList(d Dialect, idents []string) string {
	quoted := make([]string, len(idents))
	for i, id := range idents {
		quoted[i] = d.Quote(id)
	}
	return strings.Join(quoted, ", ")
}

// bindValue converts structured values the drivers cannot bind into JSON text.
func bindValue(v interface{}) interface{} {
	switch x := v.(type) {
	case nil, string, []byte, bool, time.Time,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		return x.String()
	case map[string]interface{}, []interface{}, types.Record:
		b, err := json.Marshal(x)
		if err != nil {
			return v
		}
		return string(b)
	default:
		return v
	}
}
