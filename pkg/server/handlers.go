package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/plotpurr/pkg/config"
	"github.com/nicktill/plotpurr/pkg/downsample"
	"github.com/nicktill/plotpurr/pkg/executor"
	"github.com/nicktill/plotpurr/pkg/files"
	"github.com/nicktill/plotpurr/pkg/httpx"
	"github.com/nicktill/plotpurr/pkg/registry"
	"github.com/nicktill/plotpurr/pkg/schema"
	"github.com/nicktill/plotpurr/pkg/server/monitor"
	"github.com/nicktill/plotpurr/pkg/storage"
	"github.com/nicktill/plotpurr/pkg/timerange"
	"github.com/nicktill/plotpurr/pkg/viewport"
)

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	var reqErr *executor.RequestError
	switch {
	case errors.Is(err, registry.ErrPlotNotFound), errors.Is(err, registry.ErrSeriesNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrLastPlot), errors.Is(err, registry.ErrCenterSplit):
		return http.StatusConflict
	case errors.Is(err, viewport.ErrNoTimeColumn), errors.Is(err, viewport.ErrTimeColumnMissing):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &reqErr):
		if reqErr.Status >= 400 && reqErr.Status < 500 {
			return http.StatusBadRequest
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status >= 500 {
		s.logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	httpx.RespondError(w, status, err)
}

func (s *Server) respond(w http.ResponseWriter, status int, data interface{}) {
	if err := httpx.RespondJSON(w, status, data); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

// FilesResponse lists the exposed files and the selected paths.
type FilesResponse struct {
	Files []files.Info `json:"files"`
	Paths []string     `json:"paths"`
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, FilesResponse{Files: s.catalog.List(), Paths: s.catalog.Paths()})
}

type setPathsRequest struct {
	Paths []string `json:"paths"`
}

func (s *Server) handleSetPaths(w http.ResponseWriter, r *http.Request) {
	var req setPathsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Paths == nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, "paths must be an array")
		return
	}
	kept := s.catalog.SetPaths(req.Paths)
	s.logger.Info("Selected paths updated", zap.Int("requested", len(req.Paths)), zap.Int("kept", kept))
	s.respond(w, http.StatusOK, FilesResponse{Files: s.catalog.List(), Paths: s.catalog.Paths()})
}

// SchemaResponse is the classified column list of one file.
type SchemaResponse struct {
	File              files.Ref       `json:"file"`
	Columns           []schema.Column `json:"columns"`
	TimeCandidates    []schema.Column `json:"time_candidates"`
	ValueCandidates   []schema.Column `json:"value_candidates"`
	DefaultTimeColumn string          `json:"default_time_column,omitempty"`
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	path := q.Get("file")
	if path == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "Missing file parameter")
		return
	}
	ref, err := files.NewRef(path, q.Get("format"))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	cols, err := s.disc.Describe(r.Context(), ref)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, SchemaResponse{
		File:              ref,
		Columns:           cols,
		TimeCandidates:    schema.TimeAxisCandidates(cols),
		ValueCandidates:   schema.ValueAxisCandidates(cols),
		DefaultTimeColumn: schema.DefaultTimeColumn(cols),
	})
}

func (s *Server) handleSQL(w http.ResponseWriter, r *http.Request) {
	var req executor.Request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Query == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "Missing query")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.SQLTimeout)
	defer cancel()

	res, err := s.exec.Execute(ctx, req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, res)
}

func (s *Server) handlePlots(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleAddPlot(w http.ResponseWriter, r *http.Request) {
	id := s.ctrl.AddPlot()
	s.respond(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleRemovePlot(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.RemovePlot(mux.Vars(r)["id"]); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveSeries(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.ctrl.RemoveSeries(vars["id"], vars["seriesID"]); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SeriesRequest names a column of a file. Format and TimeColumn are optional.
type SeriesRequest struct {
	File       string `json:"file"`
	Format     string `json:"format,omitempty"`
	Column     string `json:"column"`
	TimeColumn string `json:"time_column,omitempty"`
}

func (req SeriesRequest) ref() (files.Ref, error) {
	if req.File == "" || req.Column == "" {
		return files.Ref{}, errors.New("file and column are required")
	}
	return files.NewRef(req.File, req.Format)
}

func (s *Server) handleAddSeries(w http.ResponseWriter, r *http.Request) {
	var req SeriesRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	ref, err := req.ref()
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	plotID := mux.Vars(r)["id"]
	series, added, err := s.ctrl.AddSeries(r.Context(), plotID, ref, req.Column, req.TimeColumn)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	s.respond(w, status, viewport.DropResult{PlotID: plotID, Series: series, Added: added})
}

// DropRequest is a series dropped onto a plot. Zone, when set, wins over the
// pointer geometry.
type DropRequest struct {
	SeriesRequest
	PlotID string  `json:"plot_id"`
	Zone   string  `json:"zone,omitempty"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (req DropRequest) zone() (registry.Zone, error) {
	if req.Zone != "" {
		z, ok := registry.ParseZone(req.Zone)
		if !ok {
			return "", fmt.Errorf("unknown drop zone: %q", req.Zone)
		}
		return z, nil
	}
	return registry.ClassifyDrop(req.X, req.Y, req.Width, req.Height), nil
}

func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	var req DropRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	ref, err := req.ref()
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	zone, err := req.zone()
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.ctrl.Drop(r.Context(), req.PlotID, zone, ref, req.Column, req.TimeColumn)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.logger.Debug("Series dropped",
		zap.String("plot", res.PlotID), zap.String("zone", string(zone)), zap.Bool("split", res.Split))
	s.respond(w, http.StatusOK, res)
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.ctrl.Plans(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, plans)
}

// ViewResponse reports whether a range change was applied.
type ViewResponse struct {
	Accepted bool             `json:"accepted"`
	View     *timerange.Range `json:"view,omitempty"`
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	var rc viewport.RangeChange
	if err := httpx.DecodeJSON(r, &rc); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if rc.Kind == "" {
		rc.Kind = viewport.KindOther
	}
	accepted := s.ctrl.OnRangeChange(rc)
	s.respond(w, http.StatusOK, ViewResponse{Accepted: accepted, View: s.ctrl.Snapshot().View})
}

// SettingsRequest changes any subset of the settings.
type SettingsRequest struct {
	PointBudget *int    `json:"point_budget,omitempty"`
	Method      *string `json:"method,omitempty"`
	TimeUnit    *string `json:"time_unit,omitempty"`
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		s.respond(w, http.StatusOK, s.ctrl.Settings())
		return
	}

	var req SettingsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	cur := s.ctrl.Settings()
	if req.PointBudget != nil || req.Method != nil {
		budget, method := cur.PointBudget, cur.Method
		if req.PointBudget != nil {
			budget = *req.PointBudget
		}
		if req.Method != nil {
			m, err := downsample.ParseMethod(*req.Method)
			if err != nil {
				httpx.RespondError(w, http.StatusBadRequest, err)
				return
			}
			method = m
		}
		if err := s.ctrl.SetSettings(budget, method); err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.TimeUnit != nil {
		unit, err := timerange.ParseUnit(*req.TimeUnit)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.ctrl.SetTimeUnit(r.Context(), unit); err != nil {
			s.respondError(w, r, err)
			return
		}
	}
	s.respond(w, http.StatusOK, s.ctrl.Settings())
}

type timeColumnRequest struct {
	Path   string `json:"path"`
	Column string `json:"column"`
}

func (s *Server) handleTimeColumn(w http.ResponseWriter, r *http.Request) {
	var req timeColumnRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Path == "" || req.Column == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "path and column are required")
		return
	}
	if err := s.ctrl.SetTimeColumn(r.Context(), req.Path, req.Column); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, s.ctrl.Snapshot())
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Version  string                 `json:"version"`
	Uptime   string                 `json:"uptime"`
	Executor monitor.ExecutorStatus `json:"executor"`
	Clients  int                    `json:"ws_clients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall := "healthy"
	status := http.StatusOK
	if !s.execMon.IsHealthy() {
		overall = "degraded"
		status = http.StatusServiceUnavailable
	}
	s.respond(w, status, HealthResponse{
		Status:   overall,
		Version:  Version,
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Executor: s.execMon.Status(),
		Clients:  s.hub.ClientCount(),
	})
}

// CacheUsage represents the schema and range cache footprint.
type CacheUsage struct {
	Dir       string         `json:"dir,omitempty"`
	UsedBytes int64          `json:"used_bytes"`
	MaxBytes  int64          `json:"max_bytes"`
	Store     *storage.Stats `json:"store,omitempty"`
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	used, err := s.cacheMon.GetUsage()
	if err != nil {
		s.respondError(w, r, fmt.Errorf("cache usage: %w", err))
		return
	}
	usage := CacheUsage{Dir: s.cacheMon.Dir(), UsedBytes: used, MaxBytes: s.cacheMon.GetLimit()}
	if s.store != nil {
		stats, err := s.store.Stats(r.Context())
		if err != nil {
			s.respondError(w, r, fmt.Errorf("cache stats: %w", err))
			return
		}
		usage.Store = stats
	}
	s.respond(w, http.StatusOK, usage)
}
