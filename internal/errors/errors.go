// Package errors provides structured error types for the bulk upsert engine.
// Every error carries a category, code, message, and retryable flag so that
// callers can tell malformed input from lookup failures and failed statements.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by the stage that produced them.
type ErrorCategory string

const (
	// ErrCategoryValidation covers malformed call arguments (InvalidInputError).
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	// ErrCategoryQuery covers failed existence lookups (StoreQueryError).
	ErrCategoryQuery ErrorCategory = "QUERY"
	// ErrCategoryExecution covers failed batch statements (UpsertExecutionError).
	ErrCategoryExecution   ErrorCategory = "EXECUTION"
	ErrCategoryTransaction ErrorCategory = "TRANSACTION"
	ErrCategorySource      ErrorCategory = "SOURCE"
	ErrCategoryStorage     ErrorCategory = "STORAGE"
	ErrCategoryJournal     ErrorCategory = "JOURNAL"
	ErrCategoryInternal    ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidInput       = "INVALID_INPUT"
	CodeUnsupportedInput   = "UNSUPPORTED_INPUT"
	CodeWritableOnlySource = "WRITABLE_ONLY_SOURCE"
	CodeMissingIdentity    = "MISSING_IDENTITY"
	CodeInvalidSchema      = "INVALID_SCHEMA"
	CodeInvalidOption      = "INVALID_OPTION"

	// Query codes
	CodeLookupFailed = "LOOKUP_FAILED"

	// Execution codes
	CodeConstraintViolation = "CONSTRAINT_VIOLATION"
	CodeDuplicateIdentity   = "DUPLICATE_IDENTITY"
	CodeStatementFailed     = "STATEMENT_FAILED"

	// Transaction codes
	CodeBeginFailed    = "BEGIN_FAILED"
	CodeCommitFailed   = "COMMIT_FAILED"
	CodeRollbackFailed = "ROLLBACK_FAILED"

	// Source codes
	CodeStreamFailed = "STREAM_FAILED"

	// Storage codes
	CodeObjectNotFound = "OBJECT_NOT_FOUND"
	CodeReadFailed     = "READ_FAILED"

	// Journal codes
	CodeJournalWriteFailed = "JOURNAL_WRITE_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// UpsertError is the structured error type used throughout the engine.
type UpsertError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *UpsertError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *UpsertError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *UpsertError) Is(target error) bool {
	var t *UpsertError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new UpsertError.
func New(category ErrorCategory, code, message string) *UpsertError {
	return &UpsertError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new UpsertError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *UpsertError {
	return &UpsertError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *UpsertError) WithDetails(details map[string]interface{}) *UpsertError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ue *UpsertError
	if errors.As(err, &ue) {
		return ue.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an UpsertError.
func GetCategory(err error) ErrorCategory {
	var ue *UpsertError
	if errors.As(err, &ue) {
		return ue.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an UpsertError.
func GetCode(err error) string {
	var ue *UpsertError
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ""
}

// IsPermanent reports whether err fails the same way on every attempt with the
// same input: validation failures, constraint violations and duplicate
// identities.
func IsPermanent(err error) bool {
	var ue *UpsertError
	if !errors.As(err, &ue) || ue.Retryable {
		return false
	}
	switch ue.Category {
	case ErrCategoryValidation:
		return true
	case ErrCategoryExecution:
		return ue.Code == CodeConstraintViolation || ue.Code == CodeDuplicateIdentity
	default:
		return false
	}
}

// isRetryable marks the failures a caller may reasonably retry as-is.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryQuery && code == CodeLookupFailed:
		return true
	case category == ErrCategoryTransaction && code == CodeBeginFailed:
		return true
	case category == ErrCategoryTransaction && code == CodeCommitFailed:
		return true
	case category == ErrCategoryStorage && code == CodeReadFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *UpsertError {
	return New(ErrCategoryValidation, code, message)
}

func NewQueryError(code, message string, cause error) *UpsertError {
	return Wrap(ErrCategoryQuery, code, message, cause)
}

func NewExecutionError(code, message string, cause error) *UpsertError {
	return Wrap(ErrCategoryExecution, code, message, cause)
}

func NewTransactionError(code, message string, cause error) *UpsertError {
	return Wrap(ErrCategoryTransaction, code, message, cause)
}

func NewSourceError(message string, cause error) *UpsertError {
	return Wrap(ErrCategorySource, CodeStreamFailed, message, cause)
}

func NewStorageError(code, message string, cause error) *UpsertError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewJournalError(message string, cause error) *UpsertError {
	return Wrap(ErrCategoryJournal, CodeJournalWriteFailed, message, cause)
}

func NewInternalError(message string, cause error) *UpsertError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

// IsInvalidInput reports whether err is a validation failure raised before any
// store interaction.
func IsInvalidInput(err error) bool {
	return GetCategory(err) == ErrCategoryValidation
}

// IsStoreQuery reports whether err is a failed existence lookup.
func IsStoreQuery(err error) bool {
	return GetCategory(err) == ErrCategoryQuery
}

// IsExecution reports whether err is a failed batch statement.
func IsExecution(err error) bool {
	return GetCategory(err) == ErrCategoryExecution
}
