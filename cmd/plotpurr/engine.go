package main

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/nicktill/plotpurr/pkg/config"
	"github.com/nicktill/plotpurr/pkg/discovery"
	"github.com/nicktill/plotpurr/pkg/executor"
	"github.com/nicktill/plotpurr/pkg/registry"
	"github.com/nicktill/plotpurr/pkg/server/monitor"
	"github.com/nicktill/plotpurr/pkg/storage"
	"github.com/nicktill/plotpurr/pkg/storage/badger"
	"github.com/nicktill/plotpurr/pkg/storage/memory"
	"github.com/nicktill/plotpurr/pkg/viewport"
)

// engine is the wired set of components shared by serve and render.
type engine struct {
	exec     executor.Executor
	execMon  *monitor.ExecutorMonitor
	store    storage.Store
	badger   *badger.Store
	disc     *discovery.Service
	ctrl     *viewport.Controller
	prom     *prometheus.Registry
	cacheDir string
}

func openStore(cfg config.Cache, logger *zap.Logger) (storage.Store, *badger.Store, error) {
	if cfg.InMemory {
		logger.Info("Using in-memory discovery cache")
		return memory.New(), nil, nil
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	store, err := badger.New(badger.Config{Path: cfg.Dir, MaxMemoryMB: cfg.MaxMemoryMB})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open cache: %w", err)
	}
	logger.Info("Opened discovery cache", zap.String("dir", cfg.Dir), zap.Int64("max_memory_mb", cfg.MaxMemoryMB))
	return store, store, nil
}

func newEngine(cfg config.Config, logger *zap.Logger) (*engine, error) {
	httpExec, err := executor.NewHTTP(executor.HTTPConfig{
		Endpoint: cfg.Executor.URL,
		User:     cfg.Executor.User,
		Password: cfg.Executor.Password,
		Database: cfg.Executor.Database,
		Timeout:  cfg.Executor.Timeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	store, bs, err := openStore(cfg.Cache, logger)
	if err != nil {
		return nil, err
	}

	prom := prometheus.NewRegistry()
	prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	execMetrics := executor.NewMetrics()
	execMon := monitor.NewExecutorMonitor()
	exec := executor.NewInstrumented(httpExec, execMetrics, execMon)

	discMetrics := discovery.NewMetrics()
	disc := discovery.New(exec,
		discovery.WithStore(store),
		discovery.WithLogger(logger),
		discovery.WithMetrics(discMetrics))

	vcfg := viewport.DefaultConfig()
	vcfg.DebounceDelay = cfg.Viewport.Debounce
	vcfg.SnapTolerance = cfg.Viewport.SnapTolerance
	vcfg.CacheTolerance = cfg.Viewport.CacheTolerance
	vcfg.MaxConcurrency = cfg.Viewport.MaxConcurrency
	vcfg.Settings = viewport.Settings{
		PointBudget: cfg.Viewport.PointBudget,
		Method:      cfg.Viewport.Method,
		Unit:        cfg.Viewport.TimeUnit,
	}
	ctrl := viewport.New(registry.New(), exec, disc, vcfg, viewport.WithLogger(logger))

	prom.MustRegister(execMetrics.PrometheusCollectors()...)
	prom.MustRegister(discMetrics.PrometheusCollectors()...)
	prom.MustRegister(ctrl.Metrics().PrometheusCollectors()...)

	e := &engine{
		exec:    exec,
		execMon: execMon,
		store:   store,
		badger:  bs,
		disc:    disc,
		ctrl:    ctrl,
		prom:    prom,
	}
	if bs != nil {
		e.cacheDir = cfg.Cache.Dir
	}
	return e, nil
}

// Close stops the controller and closes the cache.
func (e *engine) Close() error {
	e.ctrl.Close()
	return e.store.Close()
}
