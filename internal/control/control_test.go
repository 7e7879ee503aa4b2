package control

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/use-agent/watcher/internal/aiclient"
	"github.com/use-agent/watcher/internal/config"
	"github.com/use-agent/watcher/internal/feed"
	"github.com/use-agent/watcher/internal/model"
	"github.com/use-agent/watcher/internal/scheduler"
	"github.com/use-agent/watcher/internal/store"
)

func newTestPlane(t *testing.T) *Plane {
	t.Helper()
	st, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	ai := aiclient.New(srv.Client(), config.AIConfig{
		BaseURL: srv.URL, Model: "test-model",
		SynthesizeTimeout: time.Second, SummarizeTimeout: time.Second,
		SynthesizeRateLimit: 20, SummarizeRateLimit: 60,
	})

	sch := scheduler.New(func(ctx context.Context, targetID string) error { return nil },
		scheduler.Config{Workers: 1, TickInterval: time.Hour, ManualRefreshWindow: 5 * time.Minute})

	feeds := feed.New(st)
	t.Cleanup(feeds.Close)

	return New(st, ai, sch, feeds)
}

func TestCreateTargetRejectsSSRF(t *testing.T) {
	p := newTestPlane(t)
	_, err := p.CreateTarget(context.Background(), CreateTargetRequest{
		OwnerID: "owner-1", URL: "http://169.254.169.254/latest/meta-data",
	})
	require.Error(t, err)
}

func TestCreateTargetFallsBackToMinimalConfigWhenAIUnavailable(t *testing.T) {
	p := newTestPlane(t)
	target, err := p.CreateTarget(context.Background(), CreateTargetRequest{
		OwnerID: "owner-1", URL: "https://example.com", Interval: model.Interval1Hour,
	})
	require.NoError(t, err)
	require.True(t, target.Active)
	require.Equal(t, model.StatusActive, target.Status)
	require.Contains(t, target.Config.Keys, "body")
}

func TestDeleteTargetRequiresOwner(t *testing.T) {
	p := newTestPlane(t)
	target, err := p.CreateTarget(context.Background(), CreateTargetRequest{
		OwnerID: "owner-1", URL: "https://example.com", Interval: model.Interval1Hour,
	})
	require.NoError(t, err)

	err = p.DeleteTarget(context.Background(), "someone-else", target.ID)
	require.Error(t, err)

	err = p.DeleteTarget(context.Background(), "owner-1", target.ID)
	require.NoError(t, err)
}

func TestSubscribeRejectsOwnerSelfSubscription(t *testing.T) {
	p := newTestPlane(t)
	target, err := p.CreateTarget(context.Background(), CreateTargetRequest{
		OwnerID: "owner-1", URL: "https://example.com", Interval: model.Interval1Hour,
		Visibility: model.VisibilityPublic,
	})
	require.NoError(t, err)

	err = p.Subscribe(context.Background(), "owner-1", target.ID)
	require.Error(t, err)
}

func TestSubscribeAllowsNonOwnerOnPublicTarget(t *testing.T) {
	p := newTestPlane(t)
	target, err := p.CreateTarget(context.Background(), CreateTargetRequest{
		OwnerID: "owner-1", URL: "https://example.com", Interval: model.Interval1Hour,
		Visibility: model.VisibilityPublic,
	})
	require.NoError(t, err)

	err = p.Subscribe(context.Background(), "subscriber-1", target.ID)
	require.NoError(t, err)
}

func TestGetHealthRejectsNonOwnerNonSubscriber(t *testing.T) {
	p := newTestPlane(t)
	target, err := p.CreateTarget(context.Background(), CreateTargetRequest{
		OwnerID: "owner-1", URL: "https://example.com", Interval: model.Interval1Hour,
	})
	require.NoError(t, err)

	_, err = p.GetHealth(context.Background(), "stranger", target.ID)
	require.Error(t, err)

	health, err := p.GetHealth(context.Background(), "owner-1", target.ID)
	require.NoError(t, err)
	require.True(t, health.Healthy)
}

func TestSetVisibilityRequiresOwner(t *testing.T) {
	p := newTestPlane(t)
	target, err := p.CreateTarget(context.Background(), CreateTargetRequest{
		OwnerID: "owner-1", URL: "https://example.com", Interval: model.Interval1Hour,
	})
	require.NoError(t, err)

	err = p.SetVisibility(context.Background(), "stranger", target.ID, model.VisibilityPublic)
	require.Error(t, err)

	err = p.SetVisibility(context.Background(), "owner-1", target.ID, model.VisibilityPublic)
	require.NoError(t, err)
}

func TestUnsubscribeRemovesAudienceMembership(t *testing.T) {
	p := newTestPlane(t)
	target, err := p.CreateTarget(context.Background(), CreateTargetRequest{
		OwnerID: "owner-1", URL: "https://example.com", Interval: model.Interval1Hour,
		Visibility: model.VisibilityPublic,
	})
	require.NoError(t, err)

	require.NoError(t, p.Subscribe(context.Background(), "subscriber-1", target.ID))
	require.NoError(t, p.Unsubscribe(context.Background(), "subscriber-1", target.ID))

	_, err = p.GetHealth(context.Background(), "subscriber-1", target.ID)
	require.Error(t, err)
}

func TestSetActivePausesAndReactivatesTarget(t *testing.T) {
	p := newTestPlane(t)
	target, err := p.CreateTarget(context.Background(), CreateTargetRequest{
		OwnerID: "owner-1", URL: "https://example.com", Interval: model.Interval1Hour,
	})
	require.NoError(t, err)
	require.True(t, target.Active)

	err = p.SetActive(context.Background(), "stranger", target.ID, false)
	require.Error(t, err)

	require.NoError(t, p.SetActive(context.Background(), "owner-1", target.ID, false))
	paused, err := p.store.GetTarget(context.Background(), target.ID)
	require.NoError(t, err)
	require.False(t, paused.Active)
	require.Equal(t, model.StatusPaused, paused.Status)

	require.NoError(t, p.SetActive(context.Background(), "owner-1", target.ID, true))
	reactivated, err := p.store.GetTarget(context.Background(), target.ID)
	require.NoError(t, err)
	require.True(t, reactivated.Active)
	require.Equal(t, model.StatusActive, reactivated.Status)
}
