// Package detector implements C4: given a target's prior and current
// state, decide whether the transition is worth surfacing as a
// ChangeEvent. Detection is a function of (target, prior, current) plus
// the per-target alert rate limiter's state; its one side effect on its
// inputs is that the first-match-only policy deletes keys that left their
// alert-relevant set from target.LastAlertState.
package detector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/use-agent/watcher/internal/aiclient"
	"github.com/use-agent/watcher/internal/model"
)

// Detector evaluates state transitions against a target's alert policy and
// enforces a per-target minimum interval between emitted alerts.
type Detector struct {
	ai     *aiclient.Client
	window time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time // targetID -> last alert emission time
}

// New creates a Detector. ai may be nil; AlertIntentBased targets then fall
// back to AlertEveryChange semantics (see isAlertworthy).
func New(ai *aiclient.Client, alertWindow time.Duration) *Detector {
	return &Detector{
		ai:       ai,
		window:   alertWindow,
		lastSeen: make(map[string]time.Time),
	}
}

// Detect compares prior and current state for target and returns a
// ChangeEvent when the transition warrants one, or nil when it does not.
// On the very first scrape (prior == nil) the state is only baselined —
// no event is ever emitted, per spec §4.4 step 1.
func (d *Detector) Detect(ctx context.Context, target *model.Target, prior, current model.StateMap) *model.ChangeEvent {
	if prior == nil {
		return nil
	}
	if current.Equal(prior) {
		return nil
	}

	alertworthy := d.isAlertworthy(ctx, target, prior, current)
	if !alertworthy {
		return nil
	}

	// Rate limiting happens after the policy decision, not before: the
	// baseline state is always updated by the caller regardless of whether
	// the rate limiter suppresses this particular event.
	if !d.allow(target.ID) {
		return nil
	}

	return buildEvent(target, prior, current)
}

// isAlertworthy applies the configured policy's decision rule.
func (d *Detector) isAlertworthy(ctx context.Context, target *model.Target, prior, current model.StateMap) bool {
	switch target.AlertPolicy {
	case model.AlertEveryChange:
		return true

	case model.AlertFirstMatchOnly:
		// Only ONE alert-relevant key transitioning into its configured
		// value set is required — not all of them, per the resolved
		// design-note ambiguity. A key that leaves the relevant set forgets
		// target.LastAlertState for that key, so the next entry is judged
		// fresh (spec worked example: closed -> open -> open -> closed ->
		// open fires exactly twice, once per entry into "open"). While a
		// key stays inside the relevant set, repeating the same
		// already-alerted value does not re-fire.
		matched := false
		for key, spec := range target.Config.Keys {
			if len(spec.AlertRelevant) == 0 {
				continue
			}
			if !containsValue(spec.AlertRelevant, current[key]) {
				delete(target.LastAlertState, key)
				continue
			}
			if target.LastAlertState[key] == current[key] {
				continue
			}
			matched = true
		}
		return matched

	case model.AlertIntentBased:
		if d.ai == nil {
			return true
		}
		return d.ai.JudgeAlert(ctx, target.OwnerID, target.IntentDescription, prior, current)

	default:
		return true
	}
}

func containsValue(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// allow enforces the per-target minimum interval between alerts (spec
// §4.4: the window is per-target, not per-principal — a target with many
// subscribers still emits at most one alert per window).
func (d *Detector) allow(targetID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	last, ok := d.lastSeen[targetID]
	if ok && now.Sub(last) < d.window {
		return false
	}
	d.lastSeen[targetID] = now
	return true
}

// buildEvent composes a ChangeEvent's title/description/fingerprint. No AI
// summary is attached at this stage — that happens downstream, asynchronously,
// once the event is already durable.
func buildEvent(target *model.Target, prior, current model.StateMap) *model.ChangeEvent {
	changed := diffKeys(prior, current)
	return &model.ChangeEvent{
		ID:              uuid.NewString(),
		TargetID:        target.ID,
		Timestamp:       time.Now(),
		Title:           changeTitle(target, changed),
		Description:     changeDescription(changed, prior, current),
		Permalink:       "",
		PriorState:      prior.Clone(),
		CurrentState:    current.Clone(),
		DiffFingerprint: fingerprint(target.ID, current),
	}
}

func diffKeys(prior, current model.StateMap) []string {
	keys := make(map[string]struct{})
	for k := range prior {
		keys[k] = struct{}{}
	}
	for k := range current {
		keys[k] = struct{}{}
	}
	var changed []string
	for k := range keys {
		if prior[k] != current[k] {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

func changeTitle(target *model.Target, changed []string) string {
	name := target.Description
	if name == "" {
		name = target.URL
	}
	if len(changed) == 1 {
		return fmt.Sprintf("%s: %s changed", name, changed[0])
	}
	return fmt.Sprintf("%s: %d fields changed", name, len(changed))
}

func changeDescription(changed []string, prior, current model.StateMap) string {
	var b strings.Builder
	for _, key := range changed {
		fmt.Fprintf(&b, "%s: %q -> %q\n", key, prior[key], current[key])
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// fingerprint is a stable hash of (targetID, sorted key/value pairs),
// used by the event store to reject duplicate inserts under races.
func fingerprint(targetID string, state model.StateMap) string {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(targetID))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(state[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}
