package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nicktill/plotpurr/pkg/config"
	"github.com/nicktill/plotpurr/pkg/files"
	"github.com/nicktill/plotpurr/pkg/server"
	"github.com/nicktill/plotpurr/pkg/server/monitor"
)

func newServeCmd() *cobra.Command {
	var (
		port        string
		executorURL string
		dataDir     string
		cacheDir    string
		inMemory    bool
		paths       []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("port") {
				cfg.Port = port
			}
			if flags.Changed("executor-url") {
				cfg.Executor.URL = executorURL
			}
			if flags.Changed("data-dir") {
				cfg.DataDir = dataDir
			}
			if flags.Changed("cache-dir") {
				cfg.Cache.Dir = cacheDir
			}
			if flags.Changed("in-memory") {
				cfg.Cache.InMemory = inMemory
			}
			if flags.Changed("path") {
				cfg.Paths = paths
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVar(&port, "port", config.DefaultPort, "HTTP listen port")
	cmd.Flags().StringVar(&executorURL, "executor-url", config.DefaultExecutorURL, "ClickHouse HTTP endpoint")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Default directory listed when no paths are selected")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", config.DefaultCacheDir, "Discovery cache directory")
	cmd.Flags().BoolVar(&inMemory, "in-memory", false, "Keep the discovery cache in memory")
	cmd.Flags().StringSliceVar(&paths, "path", nil, "Data file or directory to expose (repeatable)")
	return cmd
}

func serve(cfg config.Config) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting plotpurr", zap.String("version", server.Version), zap.String("executor", cfg.Executor.URL))

	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}

	catalog := files.NewCatalog(cfg.DataDir, logger)
	if len(cfg.Paths) > 0 {
		catalog.SetPaths(cfg.Paths)
	}

	srv := server.New(server.Deps{
		Controller:  eng.ctrl,
		Catalog:     catalog,
		Discoverer:  eng.disc,
		Executor:    eng.exec,
		Store:       eng.store,
		ExecMonitor: eng.execMon,
		Cache:       monitor.NewCacheMonitor(eng.cacheDir, 0),
		Gatherer:    eng.prom,
		Port:        cfg.Port,
		Logger:      logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		srv.Run(ctx)
	}()
	if eng.badger != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			server.RunBadgerGC(ctx, eng.badger, config.BadgerGCInterval, logger)
		}()
	}

	httpServer := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     srv.Router(),
		ReadTimeout: config.ServerReadTimeout,
		// No write timeout: websocket connections are long-lived.
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("addr", "http://localhost:"+cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case <-quit:
		logger.Info("Shutdown signal received")
	case serveErr = <-errCh:
		logger.Error("Server failed", zap.Error(serveErr))
	}

	// Cancel first so the hub and GC loops return before wg.Wait.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown warning", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn("Background tasks did not stop in time")
	}

	if err := eng.Close(); err != nil {
		logger.Warn("Failed to close cache", zap.Error(err))
	}
	logger.Info("plotpurr exited")
	return serveErr
}
