package feed

import (
	"context"
	"encoding/xml"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/use-agent/watcher/internal/model"
	"github.com/use-agent/watcher/internal/store"
)

func newTestAssembler(t *testing.T) (*Assembler, *store.Store) {
	t.Helper()
	st, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	a := New(st)
	t.Cleanup(a.Close)
	return a, st
}

func TestRenderProducesValidRSSShape(t *testing.T) {
	a, st := newTestAssembler(t)
	ctx := context.Background()

	target := &model.Target{
		ID:          "target-1",
		URL:         "https://example.com",
		Description: "Example price tracker",
		CreatedAt:   time.Now().Add(-time.Hour),
	}
	require.NoError(t, st.UpsertTarget(ctx, target))

	const wantDescription = `price: "10" -> "9" & <note>rising</note>`
	_, err := st.InsertEvent(ctx, &model.ChangeEvent{
		ID: "event-1", TargetID: "target-1", Timestamp: time.Now(),
		Title: "price changed", Description: wantDescription,
		DiffFingerprint: "fp-1",
	})
	require.NoError(t, err)

	xmlBytes, err := a.Render(ctx, target, 10)
	require.NoError(t, err)

	var doc rss
	require.NoError(t, xml.Unmarshal(xmlBytes, &doc))
	require.Equal(t, "2.0", doc.Version)
	require.Equal(t, "Example price tracker", doc.Channel.Title)
	require.Equal(t, "https://example.com", doc.Channel.Link)
	require.Len(t, doc.Channel.Items, 1)
	require.Equal(t, "price changed", doc.Channel.Items[0].Title)
	// Round-tripping through xml.Unmarshal must reproduce the original text
	// exactly once-escaped, not the double-escaped "&amp;#34;" that a second
	// html.EscapeString pass ahead of xml.Marshal would have produced.
	require.Equal(t, wantDescription, doc.Channel.Items[0].Description)
	require.Equal(t, "event-1", doc.Channel.Items[0].GUID.Value)
	require.Equal(t, "false", doc.Channel.Items[0].GUID.IsPermaLink)
}

func TestRenderUsesCacheUntilVersionBumped(t *testing.T) {
	a, st := newTestAssembler(t)
	ctx := context.Background()

	target := &model.Target{ID: "target-1", URL: "https://example.com", CreatedAt: time.Now()}
	require.NoError(t, st.UpsertTarget(ctx, target))

	first, err := a.Render(ctx, target, 10)
	require.NoError(t, err)

	_, err = st.InsertEvent(ctx, &model.ChangeEvent{
		ID: "event-1", TargetID: "target-1", Timestamp: time.Now(),
		Title: "change", DiffFingerprint: "fp-1",
	})
	require.NoError(t, err)

	// Without bumping the version, the stale cached rendering is returned.
	stale, err := a.Render(ctx, target, 10)
	require.NoError(t, err)
	require.Equal(t, first, stale)

	a.BumpVersion("target-1")

	fresh, err := a.Render(ctx, target, 10)
	require.NoError(t, err)
	require.NotEqual(t, first, fresh)
}

func TestInvalidateTargetDropsCacheEntry(t *testing.T) {
	a, st := newTestAssembler(t)
	ctx := context.Background()

	target := &model.Target{ID: "target-1", URL: "https://example.com", CreatedAt: time.Now()}
	require.NoError(t, st.UpsertTarget(ctx, target))
	_, err := a.Render(ctx, target, 10)
	require.NoError(t, err)

	a.InvalidateTarget("target-1")

	a.mu.RLock()
	_, ok := a.cache["target-1"]
	a.mu.RUnlock()
	require.False(t, ok)
}
