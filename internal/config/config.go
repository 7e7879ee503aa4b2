// Package config loads watcher's configuration from environment variables,
// following the teacher's Load()-with-small-helpers pattern exactly.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Browser   BrowserConfig
	Pool      PoolConfig
	Scheduler SchedulerConfig
	AI        AIConfig
	Store     StoreConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

// ServerConfig controls the feed/health HTTP server.
type ServerConfig struct {
	Host string // default: "0.0.0.0"
	Port int    // default: 8090
	Mode string // "debug", "release", "test"; default: "release"
}

// BrowserConfig controls the Rod browser instance shared by every pooled page.
type BrowserConfig struct {
	Headless             bool   // default: true
	NoSandbox            bool   // default: false
	BrowserBin           string // override Chromium binary path
	DefaultProxy         string
	BlockedResourceTypes []string // default: ["Image", "Stylesheet", "Font", "Media"]
}

// PoolConfig controls the adaptive browser-page pool sizing (C1).
type PoolConfig struct {
	MinPages     int     // default: 3
	HardMax      int     // default: WATCHER_POOL_SIZE, else 10
	MemThreshold float64 // default: 0.9
	ScaleStep    float64 // default: 0.05
	LeaseTimeout time.Duration // default: 10s
}

// SchedulerConfig controls the scheduler/worker pool (C5).
type SchedulerConfig struct {
	Workers              int           // default: 10
	PageLoadTimeout      time.Duration // default: 30s
	ScrapeDeadline       time.Duration // default: 45s
	TickInterval         time.Duration // default: 1s
	ManualRefreshWindow  time.Duration // default: 5m
	AlertWindow          time.Duration // default: 60s
	NetworkIdleWindow    time.Duration // default: 500ms
	MaxPageBytes         int64         // default: 10MB
}

// AIConfig controls the AI collaborator (C3).
type AIConfig struct {
	BaseURL             string
	APIKey              string
	Model               string        // default: "gpt-4o-mini"
	SynthesizeTimeout   time.Duration // default: 20s
	SummarizeTimeout    time.Duration // default: 15s
	SynthesizeRateLimit float64       // per-principal per minute; default: 20
	SummarizeRateLimit  float64       // per-principal per minute; default: 60
	JudgeRateLimit      float64       // per-principal per minute; default: 60
}

// StoreConfig controls the durable event store.
type StoreConfig struct {
	DSN             string // default: "file:watcher.db"
	BrokerURL       string // optional; unused unless an external queue is wired
	RetentionWindow time.Duration // default: 0; read but not used, no retention trimming runs
}

// RateLimitConfig mirrors the manual-refresh window, read from the same
// WATCHER_MANUAL_REFRESH_WINDOW variable as SchedulerConfig.ManualRefreshWindow,
// which is the value the scheduler's limiter uses. The AI per-principal
// limits live in AIConfig.
type RateLimitConfig struct {
	ManualRefreshPerTarget time.Duration // default: 5m
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host: envOr("WATCHER_HOST", "0.0.0.0"),
			Port: envIntOr("WATCHER_PORT", 8090),
			Mode: envOr("WATCHER_MODE", "release"),
		},
		Browser: BrowserConfig{
			Headless:     envBoolOr("WATCHER_HEADLESS", true),
			NoSandbox:    envBoolOr("WATCHER_NO_SANDBOX", false),
			BrowserBin:   os.Getenv("WATCHER_BROWSER_BIN"),
			DefaultProxy: os.Getenv("WATCHER_PROXY"),
			BlockedResourceTypes: envSliceOr("WATCHER_BLOCKED_RESOURCES", []string{
				"Image", "Stylesheet", "Font", "Media",
			}),
		},
		Pool: PoolConfig{
			MinPages:     envIntOr("WATCHER_MIN_PAGES", 3),
			HardMax:      envIntOr("WATCHER_HARD_MAX_PAGES", envIntOr("WATCHER_POOL_SIZE", 10)),
			MemThreshold: envFloatOr("WATCHER_MEM_THRESHOLD", 0.9),
			ScaleStep:    envFloatOr("WATCHER_SCALE_STEP", 0.05),
			LeaseTimeout: envDurationOr("WATCHER_LEASE_TIMEOUT", 10*time.Second),
		},
		Scheduler: SchedulerConfig{
			Workers:             envIntOr("WATCHER_WORKERS", 10),
			PageLoadTimeout:     envDurationOr("WATCHER_PAGE_LOAD_TIMEOUT", 30*time.Second),
			ScrapeDeadline:      envDurationOr("WATCHER_SCRAPE_DEADLINE", 45*time.Second),
			TickInterval:        envDurationOr("WATCHER_TICK_INTERVAL", time.Second),
			ManualRefreshWindow: envDurationOr("WATCHER_MANUAL_REFRESH_WINDOW", 5*time.Minute),
			AlertWindow:         envDurationOr("WATCHER_ALERT_WINDOW", 60*time.Second),
			NetworkIdleWindow:   envDurationOr("WATCHER_NETWORK_IDLE_WINDOW", 500*time.Millisecond),
			MaxPageBytes:        envInt64Or("WATCHER_MAX_PAGE_BYTES", 10<<20),
		},
		AI: AIConfig{
			BaseURL:             envOr("WATCHER_AI_BASE_URL", "https://api.openai.com/v1"),
			APIKey:              os.Getenv("WATCHER_AI_API_KEY"),
			Model:               envOr("WATCHER_AI_MODEL", "gpt-4o-mini"),
			SynthesizeTimeout:   envDurationOr("WATCHER_AI_SYNTHESIZE_TIMEOUT", 20*time.Second),
			SummarizeTimeout:    envDurationOr("WATCHER_AI_SUMMARIZE_TIMEOUT", 15*time.Second),
			SynthesizeRateLimit: envFloatOr("WATCHER_AI_SYNTHESIZE_RPM", 20),
			SummarizeRateLimit:  envFloatOr("WATCHER_AI_SUMMARIZE_RPM", 60),
			JudgeRateLimit:      envFloatOr("WATCHER_AI_JUDGE_RPM", 60),
		},
		Store: StoreConfig{
			DSN:             envOr("WATCHER_DB_PATH", "file:watcher.db"),
			BrokerURL:       os.Getenv("WATCHER_BROKER_URL"),
			RetentionWindow: envDurationOr("WATCHER_RETENTION_WINDOW", 0),
		},
		RateLimit: RateLimitConfig{
			ManualRefreshPerTarget: envDurationOr("WATCHER_MANUAL_REFRESH_WINDOW", 5*time.Minute),
		},
		Log: LogConfig{
			Level:  envOr("WATCHER_LOG_LEVEL", "info"),
			Format: envOr("WATCHER_LOG_FORMAT", "json"),
		},
	}
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envInt64Or(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
