package http

import (
	"context"
	"errors"
	"net/http"

	uerrors "github.com/arkilian/bulkupsert/internal/errors"
)

// StatusFor maps an engine error to an HTTP status code.
func StatusFor(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}

	switch uerrors.GetCategory(err) {
	case uerrors.ErrCategoryValidation, uerrors.ErrCategorySource:
		return http.StatusBadRequest
	case uerrors.ErrCategoryExecution:
		switch uerrors.GetCode(err) {
		case uerrors.CodeConstraintViolation, uerrors.CodeDuplicateIdentity:
			return http.StatusConflict
		}
		return http.StatusInternalServerError
	case uerrors.ErrCategoryQuery, uerrors.ErrCategoryTransaction:
		return http.StatusServiceUnavailable
	case uerrors.ErrCategoryStorage:
		if uerrors.GetCode(err) == uerrors.CodeObjectNotFound {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err as an ErrorResponse.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{
		Error:     err.Error(),
		RequestID: GetRequestID(r.Context()),
	}
	var ue *uerrors.UpsertError
	if errors.As(err, &ue) {
		resp.Category = string(ue.Category)
		resp.Code = ue.Code
		resp.Details = ue.Details
	}
	writeJSON(w, StatusFor(err), resp)
}
