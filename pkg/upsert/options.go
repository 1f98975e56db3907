package upsert

import (
	"database/sql"
	"time"

	"github.com/arkilian/bulkupsert/internal/classify"
	"github.com/arkilian/bulkupsert/internal/store"
)

// DuplicatePolicy decides how records sharing an identity within one call
// are resolved.
type DuplicatePolicy = classify.DuplicatePolicy

const (
	// LastWins keeps the last occurrence of each identity.
	LastWins = classify.LastWins

	// Reject fails the call on the first repeated identity.
	Reject = classify.Reject
)

// Summary reports what a successful call did.
type Summary struct {
	InvocationID  string        `json:"invocation_id"`
	Received      int           `json:"received"`
	Superseded    int           `json:"superseded"`
	Inserted      int           `json:"inserted"`
	Updated       int           `json:"updated"`
	Unchanged     int           `json:"unchanged"`
	InsertBatches int           `json:"insert_batches"`
	UpdateBatches int           `json:"update_batches"`
	Elapsed       time.Duration `json:"elapsed_ns"`
}

type callOptions struct {
	tx         store.Tx
	sqlTx      *sql.Tx
	idFields   []string
	omit       []string
	policy     DuplicatePolicy
	windowSize int
	maxRows    int
	summary    *Summary
}

// Option configures one BulkUpsert or BulkUpsertStream call.
type Option func(*callOptions)

// WithTransaction runs the call inside tx. The caller commits or rolls back.
func WithTransaction(tx store.Tx) Option {
	return func(o *callOptions) { o.tx = tx }
}

// WithSQLTx runs the call inside a database/sql transaction begun on the
// same database as the model's store.
func WithSQLTx(tx *sql.Tx) Option {
	return func(o *callOptions) { o.sqlTx = tx }
}

// WithIDFields matches rows on fields instead of the primary key.
func WithIDFields(fields ...string) Option {
	return func(o *callOptions) { o.idFields = fields }
}

// WithOmit never writes the named input fields.
func WithOmit(fields ...string) Option {
	return func(o *callOptions) { o.omit = fields }
}

// WithDuplicatePolicy overrides the duplicate identity policy.
func WithDuplicatePolicy(p DuplicatePolicy) Option {
	return func(o *callOptions) { o.policy = p }
}

// WithWindowSize processes the input in windows of n records.
func WithWindowSize(n int) Option {
	return func(o *callOptions) { o.windowSize = n }
}

// WithMaxBatchRows caps the rows per statement.
func WithMaxBatchRows(n int) Option {
	return func(o *callOptions) { o.maxRows = n }
}

// WithSummary fills s when the call succeeds.
func WithSummary(s *Summary) Option {
	return func(o *callOptions) { o.summary = s }
}
