package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerDrainsAllDueTargets(t *testing.T) {
	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 2)

	scrape := func(ctx context.Context, targetID string) error {
		mu.Lock()
		order = append(order, targetID)
		mu.Unlock()
		done <- struct{}{}
		return nil
	}

	s := New(scrape, Config{Workers: 2, TickInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	s.Enroll("target-a", time.Millisecond)
	s.Enroll("target-b", time.Millisecond)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for scrapes")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, order, 2)
	assert.ElementsMatch(t, []string{"target-a", "target-b"}, order)
}

func TestManualRefreshRespectsRateLimit(t *testing.T) {
	var calls atomic.Int32
	scrape := func(ctx context.Context, targetID string) error {
		calls.Add(1)
		return nil
	}

	s := New(scrape, Config{Workers: 1, TickInterval: time.Hour, ManualRefreshWindow: time.Hour})

	err := s.ManualRefresh(context.Background(), "target-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())

	err = s.ManualRefresh(context.Background(), "target-1")
	assert.Error(t, err, "a second manual refresh inside the window must be rejected")
	assert.EqualValues(t, 1, calls.Load())
}

func TestManualRefreshRejectsWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	scrape := func(ctx context.Context, targetID string) error {
		close(started)
		<-release
		return nil
	}

	s := New(scrape, Config{Workers: 1, TickInterval: time.Hour})

	go func() { _ = s.ManualRefresh(context.Background(), "target-1") }()
	<-started

	err := s.ManualRefresh(context.Background(), "target-1")
	assert.Error(t, err, "concurrent manual refresh of an in-flight target must be rejected")

	close(release)
}

func TestRemoveCancelsInFlightScrape(t *testing.T) {
	scrapeCanceled := make(chan struct{})
	started := make(chan struct{})
	scrape := func(ctx context.Context, targetID string) error {
		close(started)
		<-ctx.Done()
		close(scrapeCanceled)
		return ctx.Err()
	}

	s := New(scrape, Config{Workers: 1, TickInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	s.Enroll("target-1", time.Millisecond)
	<-started
	s.Remove("target-1")

	select {
	case <-scrapeCanceled:
	case <-time.After(time.Second):
		t.Fatal("in-flight scrape was not canceled by Remove")
	}
}

func TestDrainDueRequeuesOnFullWorkChannel(t *testing.T) {
	s := New(func(ctx context.Context, targetID string) error { return nil }, Config{Workers: 1, TickInterval: time.Hour})

	// Saturate the work channel so drainDue's send cannot succeed.
	for i := 0; i < cap(s.work); i++ {
		s.work <- "filler"
	}

	now := time.Now()
	s.schedule("target-1", now.Add(-time.Second))
	s.drainDue()

	item, ok := s.items["target-1"]
	require.True(t, ok, "a target must stay tracked when the work channel is full, not be dropped")
	assert.True(t, item.dueAt.After(now), "a deferred target must be re-queued with a later due time")
}

func TestDueQueueOrdersByDueTime(t *testing.T) {
	s := New(func(ctx context.Context, targetID string) error { return nil }, Config{Workers: 1, TickInterval: time.Hour})

	now := time.Now()
	s.schedule("late", now.Add(time.Hour))
	s.schedule("early", now.Add(time.Millisecond))
	s.schedule("middle", now.Add(time.Minute))

	require.Equal(t, 3, s.queue.Len())
	assert.Equal(t, "early", s.queue[0].targetID)
}

func TestRescheduleReplacesExistingEntry(t *testing.T) {
	s := New(func(ctx context.Context, targetID string) error { return nil }, Config{Workers: 1, TickInterval: time.Hour})

	now := time.Now()
	s.schedule("target-1", now.Add(time.Hour))
	s.Reschedule("target-1", now.Add(time.Minute))

	require.Equal(t, 1, s.queue.Len())
	assert.WithinDuration(t, now.Add(time.Minute), s.items["target-1"].dueAt, time.Second)
}
