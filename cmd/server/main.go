// Package main is the entry point for the xRegistry bridge.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vitaliisemenov/xregistry-bridge/internal/api/middleware"
	"github.com/vitaliisemenov/xregistry-bridge/internal/bridge"
	"github.com/vitaliisemenov/xregistry-bridge/internal/config"
	"github.com/vitaliisemenov/xregistry-bridge/internal/state"
	"github.com/vitaliisemenov/xregistry-bridge/pkg/logger"
)

const (
	serviceName    = "xregistry-bridge"
	serviceVersion = "1.0.0"
)

// Exit codes: 0 clean shutdown, 1 no downstream initialized,
// 2 configuration error, 130 interrupted after drain.
const (
	exitOK          = 0
	exitNoDownstream = 1
	exitConfig      = 2
	exitInterrupted = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()
	if *showVersion {
		fmt.Printf("%s version %s\n", serviceName, serviceVersion)
		return exitOK
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	log := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	slog.SetDefault(log)

	log.Info("starting bridge",
		"service", serviceName,
		"version", serviceVersion,
		"downstreams", len(cfg.Downstreams),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := state.NewManager()
	registry := bridge.NewRegistry(cfg.Downstreams, st, &http.Client{Timeout: cfg.Proxy.Timeout})

	initializer := bridge.NewInitializer(registry, cfg.Init, log)
	log.Info("probing downstreams", "budget", cfg.Init.Timeout)
	if err := initializer.Run(ctx); err != nil {
		if errors.Is(err, bridge.ErrNoDownstreams) {
			log.Error("no downstream initialized, refusing to serve an empty registry")
			return exitNoDownstream
		}
		log.Error("initializer failed", "error", err)
		return exitNoDownstream
	}

	monitor := bridge.NewMonitor(registry, initializer, cfg.Health, log)
	go monitor.Run(ctx)

	b := bridge.New(cfg, registry, monitor, log)

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	b.Routes(router)

	var handler http.Handler = router
	if cfg.RateLimit.Enabled {
		handler = middleware.RateLimitMiddleware(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)(handler)
	}
	handler = middleware.AuthMiddleware(cfg.Auth)(handler)
	handler = middleware.CORSMiddleware(middleware.DefaultCORSConfig())(handler)
	handler = middleware.MetricsMiddleware(handler)
	handler = middleware.LoggingMiddleware(log)(handler)
	handler = middleware.RequestIDMiddleware(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	interrupted := false
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			return exitNoDownstream
		}
	case <-ctx.Done():
		interrupted = true
		log.Info("shutdown signal received, draining")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown incomplete", "error", err)
		_ = server.Close()
	}

	// Give in-flight log writes a beat before the process goes away.
	time.Sleep(50 * time.Millisecond)

	if interrupted {
		return exitInterrupted
	}
	log.Info("clean shutdown")
	return exitOK
}
