package http

import (
	"net/http"
	"strconv"

	uerrors "github.com/arkilian/bulkupsert/internal/errors"
	"github.com/arkilian/bulkupsert/internal/observability"
)

// ColumnsResponse lists the most written columns of a table.
type ColumnsResponse struct {
	Table   string                      `json:"table"`
	Columns []observability.ColumnUsage `json:"columns"`
}

// ColumnsHandler handles GET /v1/tables/{table}/columns.
type ColumnsHandler struct {
	stats *observability.ColumnStats
}

// NewColumnsHandler creates a new column usage handler.
func NewColumnsHandler(stats *observability.ColumnStats) *ColumnsHandler {
	return &ColumnsHandler{stats: stats}
}

// ServeHTTP handles the column usage HTTP request.
func (h *ColumnsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	top := 10
	if v := r.URL.Query().Get("top"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, uerrors.NewValidationError(uerrors.CodeInvalidOption, "top must be a positive integer"))
			return
		}
		top = n
	}

	table := r.PathValue("table")
	cols := h.stats.TopColumns(table, top)
	if cols == nil {
		cols = []observability.ColumnUsage{}
	}
	writeJSON(w, http.StatusOK, ColumnsResponse{Table: table, Columns: cols})
}

// TablesHandler handles GET /v1/tables.
type TablesHandler struct {
	engine Upserter
}

// ServeHTTP lists the configured tables.
func (h *TablesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"tables": h.engine.Tables()})
}
