package upsert

import (
	uerrors "github.com/arkilian/bulkupsert/internal/errors"
)

// Error is the structured error returned by every failed call.
type Error = uerrors.UpsertError

// IsInvalidInput reports whether the call was rejected before touching the store.
func IsInvalidInput(err error) bool { return uerrors.IsInvalidInput(err) }

// IsStoreQuery reports whether the existence lookup failed.
func IsStoreQuery(err error) bool { return uerrors.IsStoreQuery(err) }

// IsUpsertExecution reports whether a batch statement failed.
func IsUpsertExecution(err error) bool { return uerrors.IsExecution(err) }

// IsRetryable reports whether retrying the same call may succeed.
func IsRetryable(err error) bool { return uerrors.IsRetryable(err) }

// Code returns the error code of err, or "".
func Code(err error) string { return uerrors.GetCode(err) }
