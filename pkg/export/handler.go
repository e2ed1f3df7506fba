package export

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/plotpurr/pkg/httpx"
	"github.com/nicktill/plotpurr/pkg/registry"
)

// Handler serves plot exports over HTTP.
type Handler struct {
	exporter *Exporter
	logger   *zap.Logger
}

// NewHandler creates an export handler.
func NewHandler(source Source, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{exporter: NewExporter(source), logger: logger}
}

// HandleExport handles GET /v1/plots/{id}/export
// Query params:
//   - format: "json", "csv" or "sql" (default: json)
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	plotID := mux.Vars(r)["id"]

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	contentType := map[string]string{
		"json": "application/json",
		"csv":  "text/csv",
		"sql":  "application/sql",
	}[format]
	if contentType == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "Invalid format. Must be 'json', 'csv' or 'sql'")
		return
	}

	if _, ok := h.exporter.source.Snapshot().Plot(plotID); !ok {
		httpx.RespondError(w, http.StatusNotFound, fmt.Errorf("%w: %s", registry.ErrPlotNotFound, plotID))
		return
	}

	timestamp := time.Now().Format("20060102-150405")
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=plotpurr-%s-%s.%s", plotID, timestamp, format))

	var (
		result *Result
		err    error
	)
	switch format {
	case "json":
		result, err = h.exporter.ExportToJSON(w, plotID)
	case "csv":
		result, err = h.exporter.ExportToCSV(w, plotID)
	default:
		result, err = h.exporter.ExportSQL(r.Context(), w, plotID)
	}
	if err != nil {
		h.logger.Error("Export failed", zap.String("plot", plotID), zap.String("format", format), zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, registry.ErrPlotNotFound) {
			status = http.StatusNotFound
		}
		w.Header().Del("Content-Disposition")
		httpx.RespondError(w, status, err)
		return
	}

	h.logger.Info("Exported plot",
		zap.String("plot", plotID),
		zap.String("format", format),
		zap.Int("series", result.Series),
		zap.Int("rows", result.Rows))
}
