package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	uerrors "github.com/arkilian/bulkupsert/internal/errors"
	"github.com/arkilian/bulkupsert/pkg/upsert"
)

// Upserter writes input into a named table.
type Upserter interface {
	Upsert(ctx context.Context, table string, input interface{}, opts ...upsert.Option) error
	Tables() []string
}

// UpsertResponse is the body of a successful upsert.
type UpsertResponse struct {
	RequestID string         `json:"request_id"`
	Table     string         `json:"table"`
	Summary   upsert.Summary `json:"summary"`
}

// UpsertHandler handles POST /v1/tables/{table}/upsert. The body is a JSON
// array or newline-delimited JSON objects and is decoded as it arrives.
type UpsertHandler struct {
	engine  Upserter
	maxBody int64
	logger  *zap.Logger
}

// NewUpsertHandler creates a new upsert handler. maxBody <= 0 disables the
// body limit.
func NewUpsertHandler(engine Upserter, maxBody int64, logger *zap.Logger) *UpsertHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &UpsertHandler{engine: engine, maxBody: maxBody, logger: logger.Named("http")}
}

// ServeHTTP handles the upsert HTTP request.
func (h *UpsertHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	table := r.PathValue("table")

	opts, err := optionsFromQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	body := r.Body
	if h.maxBody > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}

	var sum upsert.Summary
	opts = append(opts, upsert.WithSummary(&sum))
	if err := h.engine.Upsert(r.Context(), table, body, opts...); err != nil {
		h.logger.Info("upsert rejected",
			zap.String("request_id", requestID),
			zap.String("table", table),
			zap.String("code", uerrors.GetCode(err)),
			zap.Error(err))
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, UpsertResponse{
		RequestID: requestID,
		Table:     table,
		Summary:   sum,
	})
}

// optionsFromQuery reads id_fields, omit, duplicate_policy, window_size and
// max_batch_rows.
func optionsFromQuery(r *http.Request) ([]upsert.Option, error) {
	q := r.URL.Query()
	var opts []upsert.Option

	if v := q.Get("id_fields"); v != "" {
		opts = append(opts, upsert.WithIDFields(splitList(v)...))
	}
	if v := q.Get("omit"); v != "" {
		opts = append(opts, upsert.WithOmit(splitList(v)...))
	}
	if v := q.Get("duplicate_policy"); v != "" {
		opts = append(opts, upsert.WithDuplicatePolicy(upsert.DuplicatePolicy(v)))
	}
	for _, p := range []struct {
		name string
		opt  func(int) upsert.Option
	}{
		{"window_size", upsert.WithWindowSize},
		{"max_batch_rows", upsert.WithMaxBatchRows},
	} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, uerrors.NewValidationError(uerrors.CodeInvalidOption, p.name+" must be a non-negative integer")
		}
		opts = append(opts, p.opt(n))
	}
	return opts, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
