package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/use-agent/watcher/internal/aiclient"
	"github.com/use-agent/watcher/internal/browserpool"
	"github.com/use-agent/watcher/internal/config"
	"github.com/use-agent/watcher/internal/control"
	"github.com/use-agent/watcher/internal/detector"
	"github.com/use-agent/watcher/internal/extractor"
	"github.com/use-agent/watcher/internal/feed"
	"github.com/use-agent/watcher/internal/httpapi"
	"github.com/use-agent/watcher/internal/pipeline"
	"github.com/use-agent/watcher/internal/scheduler"
	"github.com/use-agent/watcher/internal/store"
)

func main() {
	// ── 1. Load configuration ───────────────────────────────────────
	cfg := config.Load()

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log)
	slog.Info("watcher starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"workers", cfg.Scheduler.Workers,
	)

	// ── 3. Initialise durable storage ───────────────────────────────
	st, err := store.Open(cfg.Store.DSN)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// ── 4. Initialise browser pool + extractor ──────────────────────
	pool, err := browserpool.New(cfg.Browser, cfg.Pool)
	if err != nil {
		slog.Error("failed to initialise browser pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	ex := extractor.New(pool, cfg.Scheduler)

	// ── 5. Initialise AI collaborator, detector, feed assembler ─────
	ai := aiclient.New(&http.Client{Timeout: 30 * time.Second}, cfg.AI)
	det := detector.New(ai, cfg.Scheduler.AlertWindow)
	feeds := feed.New(st)
	defer feeds.Close()

	// ── 6. Wire the scrape pipeline and scheduler ───────────────────
	pipe := pipeline.New(ex, det, ai, st, feeds, cfg.Browser)

	// sch is forward-declared so the wrapped ScrapeFunc closure below can
	// reschedule the target (per spec §4.5, every completion reinserts
	// the target at a recomputed due time) once sch itself exists.
	var sch *scheduler.Scheduler
	runAndReschedule := func(ctx context.Context, targetID string) error {
		runErr := pipe.Run(ctx, targetID)
		if target, getErr := st.GetTarget(ctx, targetID); getErr == nil && target.Active {
			sch.Reschedule(targetID, scheduler.NextDueTime(target))
		}
		return runErr
	}

	sch = scheduler.New(runAndReschedule, scheduler.Config{
		Workers:             cfg.Scheduler.Workers,
		TickInterval:        cfg.Scheduler.TickInterval,
		ManualRefreshWindow: cfg.Scheduler.ManualRefreshWindow,
	})

	schCtx, schCancel := context.WithCancel(context.Background())
	sch.Start(schCtx)

	// ── 7. Initialise control plane and HTTP surface ────────────────
	plane := control.New(st, ai, sch, feeds)
	startTime := time.Now()
	router := httpapi.NewRouter(plane, httpapi.DefaultPrincipalResolver, cfg.Server.Mode, startTime)

	// ── 8. Start HTTP server ─────────────────────────────────────────
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// ── 9. Graceful shutdown ──────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("HTTP server forced shutdown", "error", err)
	} else {
		slog.Info("HTTP server drained gracefully")
	}

	schCancel()
	sch.Stop()

	// pool.Close() / feeds.Close() / st.Close() run via defer.
	slog.Info("watcher stopped")
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
