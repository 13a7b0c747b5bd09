// Package main implements the entry point for the streamkit delivery
// server. It runs the streaming engine behind an HTTP surface: hydration
// snapshots for server-rendered pages, a WebSocket event feed, and a
// Prometheus scrape endpoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/streamkit/boundary"
	"github.com/c360/streamkit/bridge"
	"github.com/c360/streamkit/config"
	"github.com/c360/streamkit/engine"
	"github.com/c360/streamkit/metric"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "streamkit"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return err
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s %s (%s)\n", appName, Version, runtime.Version())
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		logger.Info("Configuration is valid")
		return nil
	}

	logger.Info("starting",
		"max_concurrent_streams", cfg.MaxConcurrentStreams,
		"backpressure_strategy", cfg.BackpressureStrategy,
		"http_addr", cliCfg.HTTPAddr,
	)

	registry := metric.NewRegistry()
	eng, err := engine.New(cfg,
		engine.WithLogger(logger),
		engine.WithMetricsRegistry(registry),
		engine.WithOnError(func(err error) {
			logger.Error("engine internal error", "error", err)
		}),
		engine.WithOnStreamError(func(id string, err error) {
			logger.Warn("stream error", "boundary_id", id, "error", err)
		}),
	)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	feed := bridge.NewFeed(eng, logger)
	defer feed.Close()

	mux := http.NewServeMux()
	mux.Handle("/", bridge.NewHandler(eng))
	mux.Handle("/events", feed)

	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", cliCfg.HTTPAddr)
	if err != nil {
		return err
	}

	var metricsServer *metric.Server
	if cliCfg.MetricsAddr != "" {
		metricsServer = metric.NewServer(cliCfg.MetricsAddr, "", registry)
		if err := metricsServer.Start(); err != nil {
			return err
		}
		logger.Info("metrics server listening", "addr", cliCfg.MetricsAddr)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", "addr", cliCfg.HTTPAddr)
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if metricsServer != nil {
			return metricsServer.Stop(cliCfg.ShutdownTimeout)
		}
		return nil
	})

	if cliCfg.Demo {
		g.Go(func() error {
			runDemo(gctx, eng, logger)
			return nil
		})
	}

	return g.Wait()
}

// runDemo registers a small page worth of boundaries and streams synthetic
// content through them so the hydration and event endpoints have something
// to show.
func runDemo(ctx context.Context, eng *engine.Engine, logger *slog.Logger) {
	boundaries := []boundary.Descriptor{
		{ID: "hero", Priority: boundary.PriorityCritical, SSR: true},
		{ID: "nav", Priority: boundary.PriorityHigh, SSR: true},
		{ID: "feed", Priority: boundary.PriorityNormal, Timeout: 30 * time.Second},
		{ID: "recommendations", Priority: boundary.PriorityLow, Defer: 2 * time.Second},
	}

	for _, desc := range boundaries {
		desc := desc
		h, err := eng.Register(desc, false)
		if err != nil {
			logger.Error("demo registration failed", "boundary_id", desc.ID, "error", err)
			continue
		}
		go produce(ctx, h, logger)
	}

	<-ctx.Done()
}

func produce(ctx context.Context, h *engine.Handle, logger *slog.Logger) {
	if !awaitAdmission(ctx, h) {
		return
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for i := 0; i < 20; i++ {
		select {
		case <-ctx.Done():
			_ = h.Abort("server shutdown")
			return
		case <-h.Done():
			return
		case <-ticker.C:
		}

		chunk := fmt.Sprintf("<div data-boundary=%q>chunk %d</div>", h.ID(), i)
		if err := h.Write(ctx, []byte(chunk)); err != nil {
			logger.Warn("demo write failed", "boundary_id", h.ID(), "error", err)
			return
		}
		// Keep the buffer from pinning at the mark; real consumers drain
		// over the transport instead.
		h.ReadAll()
	}

	if err := h.Complete(); err != nil {
		logger.Warn("demo completion failed", "boundary_id", h.ID(), "error", err)
	}
}

// awaitAdmission blocks until the boundary is streaming. It reports false
// when the context ends or the boundary settles first.
func awaitAdmission(ctx context.Context, h *engine.Handle) bool {
	for {
		st, err := h.Status()
		if err != nil {
			return false
		}
		if st.State == boundary.StateStreaming {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-h.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
}
