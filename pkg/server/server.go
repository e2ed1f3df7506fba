// Package server exposes the viewport controller, file catalog and query
// executor to the presentation layer over HTTP and WebSocket.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nicktill/plotpurr/pkg/executor"
	"github.com/nicktill/plotpurr/pkg/export"
	"github.com/nicktill/plotpurr/pkg/files"
	"github.com/nicktill/plotpurr/pkg/schema"
	"github.com/nicktill/plotpurr/pkg/server/monitor"
	"github.com/nicktill/plotpurr/pkg/storage"
	"github.com/nicktill/plotpurr/pkg/viewport"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Deps are the components a Server routes to. Store, monitors and Gatherer
// are optional.
type Deps struct {
	Controller  *viewport.Controller
	Catalog     *files.Catalog
	Discoverer  schema.Discoverer
	Executor    executor.Executor
	Store       storage.Store
	ExecMonitor *monitor.ExecutorMonitor
	Cache       *monitor.CacheMonitor
	Gatherer    prometheus.Gatherer
	Port        string
	Logger      *zap.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	ctrl     *viewport.Controller
	catalog  *files.Catalog
	disc     schema.Discoverer
	exec     executor.Executor
	store    storage.Store
	execMon  *monitor.ExecutorMonitor
	cacheMon *monitor.CacheMonitor
	gatherer prometheus.Gatherer
	hub      *Hub
	exporter *export.Handler
	port     string
	logger   *zap.Logger
	started  time.Time
}

// New creates a server. The hub is created here and must be started with Run.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	execMon := d.ExecMonitor
	if execMon == nil {
		execMon = monitor.NewExecutorMonitor()
	}
	cacheMon := d.Cache
	if cacheMon == nil {
		cacheMon = monitor.NewCacheMonitor("", 0)
	}
	s := &Server{
		ctrl:     d.Controller,
		catalog:  d.Catalog,
		disc:     d.Discoverer,
		exec:     d.Executor,
		store:    d.Store,
		execMon:  execMon,
		cacheMon: cacheMon,
		gatherer: d.Gatherer,
		exporter: export.NewHandler(d.Controller, logger),
		port:     d.Port,
		logger:   logger,
		started:  time.Now(),
	}
	s.hub = NewHub(func() interface{} { return newUpdate(s.ctrl.Snapshot(), nil) }, logger)
	return s
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run starts the hub and the snapshot broadcaster and blocks until ctx is
// done. Controller events are observed before the first client is accepted.
func (s *Server) Run(ctx context.Context) {
	q := newEventQueue()
	unsubscribe := s.ctrl.Subscribe(q.push)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.hub.Run(ctx)
	}()
	broadcastLoop(ctx, q, s.ctrl, s.hub, s.logger)
	<-done
}

// Router builds the HTTP routes.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(requestLogger(s.logger))
	router.Use(corsMiddleware(s.port))

	api := router.PathPrefix("/v1").Subrouter()

	// Files and schema
	api.HandleFunc("/files", s.handleFiles).Methods("GET")
	api.HandleFunc("/paths", s.handleSetPaths).Methods("POST")
	api.HandleFunc("/schema", s.handleSchema).Methods("GET")
	api.HandleFunc("/sql", s.handleSQL).Methods("POST")

	// Plots and series
	api.HandleFunc("/plots", s.handlePlots).Methods("GET")
	api.HandleFunc("/plots", s.handleAddPlot).Methods("POST")
	api.HandleFunc("/plots/{id}", s.handleRemovePlot).Methods("DELETE")
	api.HandleFunc("/plots/{id}/series", s.handleAddSeries).Methods("POST")
	api.HandleFunc("/plots/{id}/series/{seriesID}", s.handleRemoveSeries).Methods("DELETE")
	api.HandleFunc("/plots/{id}/plans", s.handlePlans).Methods("GET")
	api.HandleFunc("/plots/{id}/export", s.exporter.HandleExport).Methods("GET")
	api.HandleFunc("/drop", s.handleDrop).Methods("POST")

	// View and settings
	api.HandleFunc("/view", s.handleView).Methods("POST")
	api.HandleFunc("/settings", s.handleSettings).Methods("GET", "PUT")
	api.HandleFunc("/time-column", s.handleTimeColumn).Methods("PUT")

	// Status
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/cache", s.handleCache).Methods("GET")
	api.HandleFunc("/ws", s.hub.HandleWebSocket).Methods("GET")

	if s.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	// Preflights must match a route for the middleware to run.
	router.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	return router
}

// corsMiddleware restricts cross-origin access to localhost origins.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	allowedOrigins := []string{
		"http://localhost:" + port,
		"http://127.0.0.1:" + port,
		"http://localhost:3000",
		"http://127.0.0.1:3000",
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, o := range allowedOrigins {
				if origin == o {
					allowed = true
					break
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
