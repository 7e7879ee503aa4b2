package aiclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/watcher/internal/config"
	"github.com/use-agent/watcher/internal/model"
)

func TestFallbackConfigIsValid(t *testing.T) {
	cfg := FallbackConfig()
	require.NoError(t, cfg.Validate())
	assert.Contains(t, cfg.Keys, "body")
}

func TestJudgeAlertFailsOpenOnAIUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.Client(), config.AIConfig{
		BaseURL:            srv.URL,
		Model:              "test-model",
		SummarizeTimeout:   2 * time.Second,
		SynthesizeTimeout:  2 * time.Second,
		SynthesizeRateLimit: 20,
		SummarizeRateLimit:  60,
	})

	matches := c.JudgeAlert(context.Background(), "principal-1", "watch for price drops",
		model.StateMap{"price": "10"}, model.StateMap{"price": "9"})

	assert.True(t, matches, "judge_alert must fail open when the AI backend is unavailable")
}

func TestSynthesizeConfigRateLimited(t *testing.T) {
	c := New(http.DefaultClient, config.AIConfig{
		BaseURL:             "http://unused.invalid",
		Model:               "test-model",
		SynthesizeTimeout:   time.Second,
		SynthesizeRateLimit: 20,
		SummarizeRateLimit:  60,
	})

	// Exhaust the single-token bucket's capacity before the first real call.
	limiter := c.synthLimiter("principal-1")
	limiter.Allow()

	_, err := c.SynthesizeConfig(context.Background(), "principal-1", "https://example.com", "watch the price", "<html><body>sample content</body></html>")
	require.Error(t, err)
}

func TestSummarizeChangeSwallowsFailureAsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.Client(), config.AIConfig{
		BaseURL:            srv.URL,
		Model:              "test-model",
		SummarizeTimeout:   2 * time.Second,
		SynthesizeRateLimit: 20,
		SummarizeRateLimit:  60,
	})

	summary, err := c.SummarizeChange(context.Background(), "principal-1",
		model.StateMap{"price": "10"}, model.StateMap{"price": "9"})

	require.Error(t, err)
	assert.Empty(t, summary)
}

func TestJudgeAlertFailsOpenWhenRateLimited(t *testing.T) {
	c := New(http.DefaultClient, config.AIConfig{
		BaseURL:             "http://unused.invalid",
		Model:               "test-model",
		SummarizeTimeout:    time.Second,
		SynthesizeRateLimit: 20,
		SummarizeRateLimit:  60,
		JudgeRateLimit:      60,
	})

	// Exhaust the single-token bucket's capacity before the first real call.
	limiter := c.judgeLimiter("principal-1")
	limiter.Allow()

	matches := c.JudgeAlert(context.Background(), "principal-1", "watch for price drops",
		model.StateMap{"price": "10"}, model.StateMap{"price": "9"})

	assert.True(t, matches, "judge_alert must fail open when rate-limited, same as an AI outage")
}

func TestSynthLimiterIsPerPrincipal(t *testing.T) {
	c := New(http.DefaultClient, config.AIConfig{SynthesizeRateLimit: 20, SummarizeRateLimit: 60})
	a := c.synthLimiter("principal-a")
	b := c.synthLimiter("principal-b")
	assert.NotSame(t, a, b)
	assert.Same(t, a, c.synthLimiter("principal-a"))
}
