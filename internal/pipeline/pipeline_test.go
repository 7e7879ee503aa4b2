package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/use-agent/watcher/internal/config"
	"github.com/use-agent/watcher/internal/extractor"
	"github.com/use-agent/watcher/internal/model"
	"github.com/use-agent/watcher/internal/store"
	"github.com/use-agent/watcher/internal/watchererr"
)

type fakeExtractor struct {
	result *extractor.Result
	err    error
}

func (f *fakeExtractor) Extract(ctx context.Context, targetURL string, cfg model.ExtractionConfig, blocked []string) (*extractor.Result, error) {
	return f.result, f.err
}

type fakeDetector struct {
	event *model.ChangeEvent
}

func (f *fakeDetector) Detect(ctx context.Context, target *model.Target, prior, current model.StateMap) *model.ChangeEvent {
	return f.event
}

type fakeSummarizer struct {
	summary string
	err     error
}

func (f *fakeSummarizer) SummarizeChange(ctx context.Context, principalID string, prior, current model.StateMap) (string, error) {
	return f.summary, f.err
}

type fakeFeeds struct {
	bumped []string
}

func (f *fakeFeeds) BumpVersion(targetID string) {
	f.bumped = append(f.bumped, targetID)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRunPersistsStateAndEventOnChange(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	target := &model.Target{
		ID: "t1", OwnerID: "owner-1", URL: "https://example.com", Active: true,
		Config: model.ExtractionConfig{Keys: map[string]model.KeySpec{"price": {Locator: ".price"}}},
	}
	require.NoError(t, st.UpsertTarget(ctx, target))

	event := &model.ChangeEvent{ID: "evt-1", TargetID: "t1", Title: "changed", DiffFingerprint: "fp-1"}
	feeds := &fakeFeeds{}

	p := New(
		&fakeExtractor{result: &extractor.Result{State: model.StateMap{"price": "9"}}},
		&fakeDetector{event: event},
		&fakeSummarizer{},
		st,
		feeds,
		config.BrowserConfig{},
	)

	require.NoError(t, p.Run(ctx, "t1"))

	stored, err := st.GetTarget(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, model.StateMap{"price": "9"}, stored.CurrentState)
	require.Equal(t, 0, stored.ConsecutiveErrors)
	require.Contains(t, feeds.bumped, "t1")

	page, err := st.ListEvents(ctx, "t1", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	require.Equal(t, "changed", page.Events[0].Title)
}

func TestRunSkipsEventPersistenceWhenDetectorReturnsNil(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	target := &model.Target{ID: "t1", OwnerID: "owner-1", URL: "https://example.com", Active: true}
	require.NoError(t, st.UpsertTarget(ctx, target))

	feeds := &fakeFeeds{}
	p := New(
		&fakeExtractor{result: &extractor.Result{State: model.StateMap{"price": "9"}}},
		&fakeDetector{event: nil},
		&fakeSummarizer{},
		st,
		feeds,
		config.BrowserConfig{},
	)

	require.NoError(t, p.Run(ctx, "t1"))

	page, err := st.ListEvents(ctx, "t1", "", 10)
	require.NoError(t, err)
	require.Empty(t, page.Events)
	require.Empty(t, feeds.bumped)
}

func TestRunIncrementsConsecutiveErrorsOnExtractFailure(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	target := &model.Target{ID: "t1", OwnerID: "owner-1", URL: "https://example.com", Active: true, ConsecutiveErrors: 2}
	require.NoError(t, st.UpsertTarget(ctx, target))

	p := New(
		&fakeExtractor{err: errors.New("navigation timed out")},
		&fakeDetector{},
		&fakeSummarizer{},
		st,
		&fakeFeeds{},
		config.BrowserConfig{},
	)

	err := p.Run(ctx, "t1")
	require.Error(t, err)

	stored, getErr := st.GetTarget(ctx, "t1")
	require.NoError(t, getErr)
	require.Equal(t, 3, stored.ConsecutiveErrors)
	require.Contains(t, stored.LastError, "navigation timed out")
}

func TestRunDoesNotCountUserInitiatedCancellationAsAnError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	target := &model.Target{ID: "t1", OwnerID: "owner-1", URL: "https://example.com", Active: true, ConsecutiveErrors: 2, LastError: "prior failure"}
	require.NoError(t, st.UpsertTarget(ctx, target))

	p := New(
		&fakeExtractor{err: watchererr.New(watchererr.KindCanceled, "scrape canceled", context.Canceled)},
		&fakeDetector{},
		&fakeSummarizer{},
		st,
		&fakeFeeds{},
		config.BrowserConfig{},
	)

	err := p.Run(ctx, "t1")
	require.Error(t, err)

	stored, getErr := st.GetTarget(ctx, "t1")
	require.NoError(t, getErr)
	require.Equal(t, 2, stored.ConsecutiveErrors)
	require.Equal(t, "prior failure", stored.LastError)
}

func TestRunSkipsInactiveTargets(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	target := &model.Target{ID: "t1", OwnerID: "owner-1", URL: "https://example.com", Active: false}
	require.NoError(t, st.UpsertTarget(ctx, target))

	calls := 0
	p := New(
		extractFunc(func(ctx context.Context, targetURL string, cfg model.ExtractionConfig, blocked []string) (*extractor.Result, error) {
			calls++
			return &extractor.Result{}, nil
		}),
		&fakeDetector{},
		&fakeSummarizer{},
		st,
		&fakeFeeds{},
		config.BrowserConfig{},
	)

	require.NoError(t, p.Run(ctx, "t1"))
	require.Equal(t, 0, calls)
}

func TestRunAttachesSummaryWhenEnabled(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	target := &model.Target{ID: "t1", OwnerID: "owner-1", URL: "https://example.com", Active: true, EnableSummary: true}
	require.NoError(t, st.UpsertTarget(ctx, target))

	event := &model.ChangeEvent{ID: "evt-1", TargetID: "t1", Title: "changed", DiffFingerprint: "fp-1"}
	p := New(
		&fakeExtractor{result: &extractor.Result{State: model.StateMap{"price": "9"}}},
		&fakeDetector{event: event},
		&fakeSummarizer{summary: "the price dropped"},
		st,
		&fakeFeeds{},
		config.BrowserConfig{},
	)

	require.NoError(t, p.Run(ctx, "t1"))

	page, err := st.ListEvents(ctx, "t1", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	require.Equal(t, "the price dropped", page.Events[0].AISummary)
}

type extractFunc func(ctx context.Context, targetURL string, cfg model.ExtractionConfig, blocked []string) (*extractor.Result, error)

func (f extractFunc) Extract(ctx context.Context, targetURL string, cfg model.ExtractionConfig, blocked []string) (*extractor.Result, error) {
	return f(ctx, targetURL, cfg, blocked)
}
