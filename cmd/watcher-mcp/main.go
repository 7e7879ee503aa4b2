// Command watcher-mcp exposes the Control Plane (C8) as an MCP server, the
// same way cmd/purify-mcp/main.go exposes purify's scrape/crawl surface —
// except here the tool handlers call straight into internal/control.Plane
// rather than round-tripping through HTTP, since the MCP process and the
// core share one binary's dependency graph rather than talking to a
// separately-deployed API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/use-agent/watcher/internal/aiclient"
	"github.com/use-agent/watcher/internal/browserpool"
	"github.com/use-agent/watcher/internal/config"
	"github.com/use-agent/watcher/internal/control"
	"github.com/use-agent/watcher/internal/detector"
	"github.com/use-agent/watcher/internal/extractor"
	"github.com/use-agent/watcher/internal/feed"
	"github.com/use-agent/watcher/internal/model"
	"github.com/use-agent/watcher/internal/pipeline"
	"github.com/use-agent/watcher/internal/scheduler"
	"github.com/use-agent/watcher/internal/store"
)

func main() {
	cfg := config.Load()
	initLogger(cfg.Log)

	st, err := store.Open(cfg.Store.DSN)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	pool, err := browserpool.New(cfg.Browser, cfg.Pool)
	if err != nil {
		slog.Error("failed to initialise browser pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	ex := extractor.New(pool, cfg.Scheduler)

	ai := aiclient.New(&http.Client{Timeout: 30 * time.Second}, cfg.AI)
	det := detector.New(ai, cfg.Scheduler.AlertWindow)
	feeds := feed.New(st)
	defer feeds.Close()

	pipe := pipeline.New(ex, det, ai, st, feeds, cfg.Browser)

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
	defer schCancel()
	sch.Start(schCtx)
	defer sch.Stop()

	plane := control.New(st, ai, sch, feeds)

	s := server.NewMCPServer(
		"watcher",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	watchPageTool := mcp.NewTool("watch_page",
		mcp.WithDescription("Start monitoring a web page for semantically meaningful changes. The page is rendered in a headless browser and its extraction config is synthesized from a plain-language description of what to watch for."),
		mcp.WithString("principal_id",
			mcp.Required(),
			mcp.Description("The calling principal's id; owns the resulting target"),
		),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The URL of the page to monitor"),
		),
		mcp.WithString("intent",
			mcp.Description("Plain-language description of what change matters, e.g. 'alert me when the price drops'"),
		),
		mcp.WithString("interval",
			mcp.Description("Poll interval: '15m', '30m', '1h', or '24h' (default '1h')"),
			mcp.Enum("15m", "30m", "1h", "24h"),
		),
		mcp.WithBoolean("enable_summary",
			mcp.Description("Ask the AI collaborator for a one-sentence summary of each detected change"),
		),
		mcp.WithString("visibility",
			mcp.Description("'private' (default, owner-only) or 'public' (readable via a slugged feed, subscribable)"),
			mcp.Enum("private", "public"),
		),
	)
	s.AddTool(watchPageTool, handleWatchPage(plane))

	pauseTargetTool := mcp.NewTool("pause_target",
		mcp.WithDescription("Pause or reactivate a monitored target without deleting it."),
		mcp.WithString("principal_id", mcp.Required()),
		mcp.WithString("target_id", mcp.Required()),
		mcp.WithBoolean("active",
			mcp.Required(),
			mcp.Description("true to reactivate, false to pause"),
		),
	)
	s.AddTool(pauseTargetTool, handleSetActive(plane))

	deleteTargetTool := mcp.NewTool("delete_target",
		mcp.WithDescription("Permanently delete a monitored target and all of its events, read state, and subscriptions."),
		mcp.WithString("principal_id", mcp.Required()),
		mcp.WithString("target_id", mcp.Required()),
	)
	s.AddTool(deleteTargetTool, handleDeleteTarget(plane))

	refreshTargetTool := mcp.NewTool("refresh_target",
		mcp.WithDescription("Request an out-of-cycle scrape of a target, subject to the manual-refresh rate limit."),
		mcp.WithString("principal_id", mcp.Required()),
		mcp.WithString("target_id", mcp.Required()),
	)
	s.AddTool(refreshTargetTool, handleManualRefresh(plane))

	targetHealthTool := mcp.NewTool("target_health",
		mcp.WithDescription("Check a target's current health: consecutive error count, last error, and effective poll interval."),
		mcp.WithString("principal_id", mcp.Required()),
		mcp.WithString("target_id", mcp.Required()),
	)
	s.AddTool(targetHealthTool, handleGetHealth(plane))

	subscribeTool := mcp.NewTool("subscribe_target",
		mcp.WithDescription("Subscribe to a public target's change feed."),
		mcp.WithString("principal_id", mcp.Required()),
		mcp.WithString("target_id", mcp.Required()),
	)
	s.AddTool(subscribeTool, handleSubscribe(plane))

	unsubscribeTool := mcp.NewTool("unsubscribe_target",
		mcp.WithDescription("Remove a subscription to a target's change feed."),
		mcp.WithString("principal_id", mcp.Required()),
		mcp.WithString("target_id", mcp.Required()),
	)
	s.AddTool(unsubscribeTool, handleUnsubscribe(plane))

	markReadTool := mcp.NewTool("mark_read",
		mcp.WithDescription("Mark a change event read for the calling principal."),
		mcp.WithString("principal_id", mcp.Required()),
		mcp.WithString("target_id", mcp.Required()),
		mcp.WithString("event_id", mcp.Required()),
	)
	s.AddTool(markReadTool, handleMarkRead(plane))

	toggleStarTool := mcp.NewTool("toggle_star",
		mcp.WithDescription("Flip the starred flag on a change event for the calling principal."),
		mcp.WithString("principal_id", mcp.Required()),
		mcp.WithString("target_id", mcp.Required()),
		mcp.WithString("event_id", mcp.Required()),
	)
	s.AddTool(toggleStarTool, handleToggleStar(plane))

	unreadCountsTool := mcp.NewTool("unread_counts",
		mcp.WithDescription("Get the calling principal's unread change-event counts, aggregated by target and by folder, across every target it owns or subscribes to."),
		mcp.WithString("principal_id", mcp.Required()),
	)
	s.AddTool(unreadCountsTool, handleUnreadCounts(plane))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

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
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// boolArg reads an optional boolean tool argument directly from the
// arguments map, the same defensive style purify-mcp uses for max_depth /
// max_pages since typed optional-number/boolean getters aren't uniformly
// available across tool-call argument shapes.
func boolArg(request mcp.CallToolRequest, key string, fallback bool) bool {
	v, ok := request.GetArguments()[key]
	if !ok {
		return fallback
	}
	b, ok := v.(bool)
	if !ok {
		return fallback
	}
	return b
}

func handleWatchPage(plane *control.Plane) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		principalID, err := request.RequireString("principal_id")
		if err != nil {
			return mcp.NewToolResultError("principal_id is required"), nil
		}
		url, err := request.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError("url is required"), nil
		}

		interval := model.Interval(request.GetString("interval", string(model.Interval1Hour)))
		visibility := model.Visibility(request.GetString("visibility", string(model.VisibilityPrivate)))

		target, err := plane.CreateTarget(ctx, control.CreateTargetRequest{
			OwnerID:       principalID,
			URL:           url,
			Intent:        request.GetString("intent", ""),
			Interval:      interval,
			EnableSummary: boolArg(request, "enable_summary", false),
			Visibility:    visibility,
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("watch_page failed: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("watching %s as target %s (status=%s)", target.URL, target.ID, target.Status)), nil
	}
}

func handleSetActive(plane *control.Plane) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		principalID, err := request.RequireString("principal_id")
		if err != nil {
			return mcp.NewToolResultError("principal_id is required"), nil
		}
		targetID, err := request.RequireString("target_id")
		if err != nil {
			return mcp.NewToolResultError("target_id is required"), nil
		}
		activeArg, ok := request.GetArguments()["active"]
		if !ok {
			return mcp.NewToolResultError("active is required"), nil
		}
		active, ok := activeArg.(bool)
		if !ok {
			return mcp.NewToolResultError("active must be a boolean"), nil
		}
		if err := plane.SetActive(ctx, principalID, targetID, active); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("pause_target failed: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("target %s active=%t", targetID, active)), nil
	}
}

func handleDeleteTarget(plane *control.Plane) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		principalID, err := request.RequireString("principal_id")
		if err != nil {
			return mcp.NewToolResultError("principal_id is required"), nil
		}
		targetID, err := request.RequireString("target_id")
		if err != nil {
			return mcp.NewToolResultError("target_id is required"), nil
		}
		if err := plane.DeleteTarget(ctx, principalID, targetID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("delete_target failed: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("target %s deleted", targetID)), nil
	}
}

func handleManualRefresh(plane *control.Plane) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		principalID, err := request.RequireString("principal_id")
		if err != nil {
			return mcp.NewToolResultError("principal_id is required"), nil
		}
		targetID, err := request.RequireString("target_id")
		if err != nil {
			return mcp.NewToolResultError("target_id is required"), nil
		}
		if err := plane.ManualRefresh(ctx, principalID, targetID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("refresh_target failed: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("refresh queued for target %s", targetID)), nil
	}
}

func handleGetHealth(plane *control.Plane) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		principalID, err := request.RequireString("principal_id")
		if err != nil {
			return mcp.NewToolResultError("principal_id is required"), nil
		}
		targetID, err := request.RequireString("target_id")
		if err != nil {
			return mcp.NewToolResultError("target_id is required"), nil
		}
		health, err := plane.GetHealth(ctx, principalID, targetID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("target_health failed: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf(
			"healthy=%t consecutive_errors=%d last_error=%q effective_interval=%s",
			health.Healthy, health.ConsecutiveErrors, health.LastError, health.EffectiveInterval,
		)), nil
	}
}

func handleSubscribe(plane *control.Plane) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		principalID, err := request.RequireString("principal_id")
		if err != nil {
			return mcp.NewToolResultError("principal_id is required"), nil
		}
		targetID, err := request.RequireString("target_id")
		if err != nil {
			return mcp.NewToolResultError("target_id is required"), nil
		}
		if err := plane.Subscribe(ctx, principalID, targetID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("subscribe_target failed: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%s subscribed to target %s", principalID, targetID)), nil
	}
}

func handleUnsubscribe(plane *control.Plane) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		principalID, err := request.RequireString("principal_id")
		if err != nil {
			return mcp.NewToolResultError("principal_id is required"), nil
		}
		targetID, err := request.RequireString("target_id")
		if err != nil {
			return mcp.NewToolResultError("target_id is required"), nil
		}
		if err := plane.Unsubscribe(ctx, principalID, targetID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("unsubscribe_target failed: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%s unsubscribed from target %s", principalID, targetID)), nil
	}
}

func handleMarkRead(plane *control.Plane) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		principalID, err := request.RequireString("principal_id")
		if err != nil {
			return mcp.NewToolResultError("principal_id is required"), nil
		}
		targetID, err := request.RequireString("target_id")
		if err != nil {
			return mcp.NewToolResultError("target_id is required"), nil
		}
		eventID, err := request.RequireString("event_id")
		if err != nil {
			return mcp.NewToolResultError("event_id is required"), nil
		}
		if err := plane.MarkRead(ctx, principalID, targetID, eventID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("mark_read failed: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("event %s marked read", eventID)), nil
	}
}

func handleToggleStar(plane *control.Plane) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		principalID, err := request.RequireString("principal_id")
		if err != nil {
			return mcp.NewToolResultError("principal_id is required"), nil
		}
		targetID, err := request.RequireString("target_id")
		if err != nil {
			return mcp.NewToolResultError("target_id is required"), nil
		}
		eventID, err := request.RequireString("event_id")
		if err != nil {
			return mcp.NewToolResultError("event_id is required"), nil
		}
		starred, err := plane.ToggleStar(ctx, principalID, targetID, eventID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("toggle_star failed: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("event %s starred=%t", eventID, starred)), nil
	}
}

func handleUnreadCounts(plane *control.Plane) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		principalID, err := request.RequireString("principal_id")
		if err != nil {
			return mcp.NewToolResultError("principal_id is required"), nil
		}
		counts, err := plane.GetUnreadCounts(ctx, principalID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("unread_counts failed: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("by_target=%v by_folder=%v", counts.ByTarget, counts.ByFolder)), nil
	}
}
