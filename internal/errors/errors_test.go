package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestUpsertError_Error(t *testing.T) {
	err := New(ErrCategoryValidation, CodeInvalidInput, "records are required")
	expected := "[VALIDATION:INVALID_INPUT] records are required"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestUpsertError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("UNIQUE constraint failed: foo.name")
	err := Wrap(ErrCategoryExecution, CodeConstraintViolation, "insert batch failed", cause)
	expected := "[EXECUTION:CONSTRAINT_VIOLATION] insert batch failed: UNIQUE constraint failed: foo.name"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestUpsertError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := Wrap(ErrCategoryQuery, CodeLookupFailed, "lookup failed", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestUpsertError_Is(t *testing.T) {
	err1 := New(ErrCategoryExecution, CodeDuplicateIdentity, "first")
	err2 := New(ErrCategoryExecution, CodeDuplicateIdentity, "second")
	err3 := New(ErrCategoryExecution, CodeConstraintViolation, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}

	wrapped := fmt.Errorf("upsert foo: %w", err1)
	if !errors.Is(wrapped, err2) {
		t.Error("Is should see through fmt wrapping")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryQuery, CodeLookupFailed, true},
		{ErrCategoryTransaction, CodeBeginFailed, true},
		{ErrCategoryTransaction, CodeCommitFailed, true},
		{ErrCategoryTransaction, CodeRollbackFailed, false},
		{ErrCategoryStorage, CodeReadFailed, true},
		{ErrCategoryStorage, CodeObjectNotFound, false},
		{ErrCategoryExecution, CodeConstraintViolation, false},
		{ErrCategoryExecution, CodeDuplicateIdentity, false},
		{ErrCategoryValidation, CodeInvalidInput, false},
		{ErrCategorySource, CodeStreamFailed, false},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain errors are never retryable")
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		permanent bool
	}{
		{ErrCategoryValidation, CodeMissingIdentity, true},
		{ErrCategoryValidation, CodeInvalidInput, true},
		{ErrCategoryExecution, CodeConstraintViolation, true},
		{ErrCategoryExecution, CodeDuplicateIdentity, true},
		{ErrCategoryExecution, CodeStatementFailed, false},
		{ErrCategoryQuery, CodeLookupFailed, false},
		{ErrCategoryTransaction, CodeCommitFailed, false},
		{ErrCategorySource, CodeStreamFailed, false},
	}

	for _, tt := range tests {
		err := fmt.Errorf("wrapped: %w", New(tt.category, tt.code, "test"))
		if IsPermanent(err) != tt.permanent {
			t.Errorf("%s:%s permanent=%v, want %v", tt.category, tt.code, IsPermanent(err), tt.permanent)
		}
	}
	if IsPermanent(errors.New("plain")) {
		t.Error("plain errors must not be permanent")
	}
}

func TestGetCategoryAndCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewQueryError(CodeLookupFailed, "exists query", fmt.Errorf("boom")))
	if GetCategory(err) != ErrCategoryQuery {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryQuery)
	}
	if GetCode(err) != CodeLookupFailed {
		t.Errorf("got %q, want %q", GetCode(err), CodeLookupFailed)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" {
		t.Error("non-UpsertError should return empty category")
	}
	if GetCode(fmt.Errorf("plain error")) != "" {
		t.Error("non-UpsertError should return empty code")
	}
}

func TestWithDetails(t *testing.T) {
	err := New(ErrCategoryValidation, CodeMissingIdentity, "record has no id")
	detailed := err.WithDetails(map[string]interface{}{"index": 3})

	if detailed.Details["index"] != 3 {
		t.Error("WithDetails should set details")
	}
	if err.Details != nil {
		t.Error("WithDetails should not modify original")
	}
}

func TestTaxonomyPredicates(t *testing.T) {
	cause := fmt.Errorf("io error")

	v := NewValidationError(CodeWritableOnlySource, "writable-only channel")
	if !IsInvalidInput(v) || IsStoreQuery(v) || IsExecution(v) {
		t.Error("validation error misclassified")
	}

	q := NewQueryError(CodeLookupFailed, "lookup", cause)
	if !IsStoreQuery(q) || !errors.Is(q, cause) {
		t.Error("query error misclassified")
	}

	x := NewExecutionError(CodeStatementFailed, "insert", cause)
	if !IsExecution(x) || IsInvalidInput(x) {
		t.Error("execution error misclassified")
	}

	tx := NewTransactionError(CodeCommitFailed, "commit", cause)
	if tx.Category != ErrCategoryTransaction || !tx.Retryable {
		t.Error("NewTransactionError mismatch")
	}

	s := NewSourceError("stream failed", cause)
	if s.Category != ErrCategorySource || s.Code != CodeStreamFailed {
		t.Error("NewSourceError mismatch")
	}

	st := NewStorageError(CodeObjectNotFound, "missing", cause)
	if st.Category != ErrCategoryStorage {
		t.Error("NewStorageError mismatch")
	}

	j := NewJournalError("append", cause)
	if j.Category != ErrCategoryJournal || j.Code != CodeJournalWriteFailed {
		t.Error("NewJournalError mismatch")
	}

	i := NewInternalError("unexpected", cause)
	if i.Category != ErrCategoryInternal || i.Code != CodeUnexpected {
		t.Error("NewInternalError mismatch")
	}
}
