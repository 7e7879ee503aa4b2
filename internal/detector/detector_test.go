package detector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/watcher/internal/model"
)

func newTarget(policy model.AlertPolicy) *model.Target {
	return &model.Target{
		ID:          "target-1",
		OwnerID:     "owner-1",
		URL:         "https://example.com",
		AlertPolicy: policy,
		Config: model.ExtractionConfig{
			Keys: map[string]model.KeySpec{
				"price":  {Locator: ".price", AlertRelevant: []string{"sold-out", "9.99"}},
				"status": {Locator: ".status"},
			},
		},
	}
}

func TestDetectBaselinesOnFirstScrapeWithoutEvent(t *testing.T) {
	d := New(nil, time.Minute)
	target := newTarget(model.AlertEveryChange)

	event := d.Detect(context.Background(), target, nil, model.StateMap{"price": "10"})
	assert.Nil(t, event)
}

func TestDetectNoEventWhenUnchanged(t *testing.T) {
	d := New(nil, time.Minute)
	target := newTarget(model.AlertEveryChange)
	state := model.StateMap{"price": "10"}

	event := d.Detect(context.Background(), target, state, state.Clone())
	assert.Nil(t, event)
}

func TestDetectEveryChangeFiresOnAnyDiff(t *testing.T) {
	d := New(nil, time.Minute)
	target := newTarget(model.AlertEveryChange)

	event := d.Detect(context.Background(), target,
		model.StateMap{"price": "10", "status": "ok"},
		model.StateMap{"price": "11", "status": "ok"})

	require.NotNil(t, event)
	assert.Equal(t, "target-1", event.TargetID)
	assert.Contains(t, event.Description, "price")
}

func TestDetectFirstMatchOnlyRequiresSingleRelevantKey(t *testing.T) {
	d := New(nil, time.Minute)
	target := newTarget(model.AlertFirstMatchOnly)

	// "status" changed but isn't alert-relevant; "price" transitioned into
	// one of its configured alert-relevant values. One match suffices.
	event := d.Detect(context.Background(), target,
		model.StateMap{"price": "10", "status": "ok"},
		model.StateMap{"price": "9.99", "status": "updated"})

	require.NotNil(t, event)
}

func TestDetectFirstMatchOnlyIgnoresNonRelevantTransition(t *testing.T) {
	d := New(nil, time.Minute)
	target := newTarget(model.AlertFirstMatchOnly)

	event := d.Detect(context.Background(), target,
		model.StateMap{"price": "10", "status": "ok"},
		model.StateMap{"price": "12", "status": "updated"})

	assert.Nil(t, event)
}

func TestDetectRateLimitsPerTarget(t *testing.T) {
	d := New(nil, time.Hour)
	target := newTarget(model.AlertEveryChange)

	first := d.Detect(context.Background(), target,
		model.StateMap{"price": "10"}, model.StateMap{"price": "11"})
	require.NotNil(t, first)

	second := d.Detect(context.Background(), target,
		model.StateMap{"price": "11"}, model.StateMap{"price": "12"})
	assert.Nil(t, second, "a second alert within the window must be suppressed")
}

func TestDetectRateLimitIsPerTargetNotGlobal(t *testing.T) {
	d := New(nil, time.Hour)
	targetA := newTarget(model.AlertEveryChange)
	targetA.ID = "target-a"
	targetB := newTarget(model.AlertEveryChange)
	targetB.ID = "target-b"

	eventA := d.Detect(context.Background(), targetA, model.StateMap{"price": "1"}, model.StateMap{"price": "2"})
	eventB := d.Detect(context.Background(), targetB, model.StateMap{"price": "1"}, model.StateMap{"price": "2"})

	assert.NotNil(t, eventA)
	assert.NotNil(t, eventB)
}

// TestDetectFirstMatchOnlyAlertsOncePerEntry exercises the worked example:
// closed -> open -> open -> closed -> open fires exactly two events, one per
// transition into "open", not a one-time-ever alert and not a re-alert on
// every poll. It drives Detect() across the whole sequence itself, applying
// the same target.LastAlertState update pipeline.Run applies after each
// emitted event, since Detect itself never records an emitted alert.
func TestDetectFirstMatchOnlyAlertsOncePerEntry(t *testing.T) {
	d := New(nil, 0)
	target := newTarget(model.AlertFirstMatchOnly)
	target.Config = model.ExtractionConfig{
		Keys: map[string]model.KeySpec{
			"status": {Locator: ".status", AlertRelevant: []string{"open"}},
		},
	}

	states := []model.StateMap{
		{"status": "closed"},
		{"status": "open"},
		{"status": "open"},
		{"status": "closed"},
		{"status": "open"},
	}

	var events int
	var prior model.StateMap
	for i, current := range states {
		var event *model.ChangeEvent
		if i == 0 {
			event = d.Detect(context.Background(), target, nil, current)
		} else {
			event = d.Detect(context.Background(), target, prior, current)
		}
		if event != nil {
			events++
			target.LastAlertState = current.Clone()
		}
		prior = current
	}

	assert.Equal(t, 2, events, "closed->open->open->closed->open must fire exactly twice")
}

func TestFingerprintIsStableAndOrderIndependent(t *testing.T) {
	a := fingerprint("target-1", model.StateMap{"a": "1", "b": "2"})
	b := fingerprint("target-1", model.StateMap{"b": "2", "a": "1"})
	assert.Equal(t, a, b)
}

func TestFingerprintDiffersAcrossTargets(t *testing.T) {
	a := fingerprint("target-1", model.StateMap{"a": "1"})
	b := fingerprint("target-2", model.StateMap{"a": "1"})
	assert.NotEqual(t, a, b)
}
