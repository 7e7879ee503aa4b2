// Package model holds the entities shared across the watcher core:
// targets, extraction configs, state maps, change events, and the
// read/star/subscription/folder records that interlock with them.
package model

import (
	"encoding/json"
	"time"
)

// Interval is one of the fixed monitoring cadences a target can run at.
// The enumeration is deliberately small: it keeps scheduler arithmetic
// trivial and allows bucketing by tier if desired.
type Interval string

const (
	Interval15Min Interval = "15m"
	Interval30Min Interval = "30m"
	Interval1Hour Interval = "1h"
	IntervalDaily Interval = "24h"
)

// Duration returns the wall-clock duration represented by the interval.
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval15Min:
		return 15 * time.Minute
	case Interval30Min:
		return 30 * time.Minute
	case Interval1Hour:
		return time.Hour
	case IntervalDaily:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// Valid reports whether the interval is one of the fixed enumeration values.
func (i Interval) Valid() bool {
	switch i {
	case Interval15Min, Interval30Min, Interval1Hour, IntervalDaily:
		return true
	default:
		return false
	}
}

// AlertPolicy decides whether a diff between two state maps deserves an event.
type AlertPolicy string

const (
	// AlertEveryChange fires on any non-empty diff.
	AlertEveryChange AlertPolicy = "every-change"
	// AlertFirstMatchOnly fires only on a transition into a configured
	// alert-relevant value set.
	AlertFirstMatchOnly AlertPolicy = "first-match-only"
	// AlertIntentBased asks the AI collaborator whether a diff matches the
	// user's stated monitoring intent (the richer, enhanced policy).
	AlertIntentBased AlertPolicy = "intent-based"
)

// Visibility controls who may read a target's events.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Status is a target's lifecycle substate.
type Status string

const (
	StatusPaused Status = "paused"
	StatusActive Status = "active"
)

// DegradedThreshold is the consecutive-error count at which a target becomes
// observably degraded (scheduling continues, but at a backoff-scaled cadence).
const DegradedThreshold = 5

// BackoffCap bounds the exponential backoff multiplier applied while degraded.
const BackoffCap = 32

// LocatorKind distinguishes how a locator string should be resolved.
type LocatorKind int

const (
	LocatorCSS LocatorKind = iota
	LocatorXPath
)

// Normalization is the ordered chain of transforms applied to a raw extracted
// value. The order is fixed: trim -> collapse-internal-whitespace ->
// (lowercase?) -> (numeric-cast?).
type Normalization struct {
	Lowercase   bool `json:"lowercase,omitempty"`
	NumericCast bool `json:"numeric_cast,omitempty"`
}

// KeySpec is one entry of an ExtractionConfig: a named locator plus its
// normalization chain and, optionally, the values that make this key
// "alert-relevant" under the first-match-only policy.
type KeySpec struct {
	Locator          string        `json:"locator"`
	Normalize        Normalization `json:"normalize"`
	AlertRelevant    []string      `json:"alert_relevant,omitempty"`
}

// LocatorKind resolves the disambiguation prefix convention: a leading "//"
// marks an XPath locator, anything else is treated as CSS.
func (k KeySpec) LocatorKind() LocatorKind {
	if len(k.Locator) >= 2 && k.Locator[:2] == "//" {
		return LocatorXPath
	}
	return LocatorCSS
}

// ExtractionConfig maps key names to their locator/normalization spec. It is
// a self-contained, JSON-serializable record validated against a fixed schema
// before persistence.
type ExtractionConfig struct {
	Keys map[string]KeySpec `json:"keys"`
}

// Validate checks the config against the fixed schema: at least one key, and
// every key must carry a non-empty locator.
func (c ExtractionConfig) Validate() error {
	if len(c.Keys) == 0 {
		return errConfigNoKeys
	}
	for name, spec := range c.Keys {
		if name == "" {
			return errConfigEmptyKeyName
		}
		if spec.Locator == "" {
			return errConfigEmptyLocator
		}
	}
	return nil
}

// StateMap is the normalized key->value record extracted from a page. All
// keys are drawn from the owning target's ExtractionConfig.
type StateMap map[string]string

// Equal reports whether two state maps hold identical key/value pairs.
func (s StateMap) Equal(other StateMap) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		if other[k] != v {
			return false
		}
	}
	return true
}

// Clone returns a shallow copy of the state map.
func (s StateMap) Clone() StateMap {
	out := make(StateMap, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Target is the monitored page: its URL, extraction config, alert policy and
// scheduling/health bookkeeping.
type Target struct {
	ID                  string
	OwnerID             string
	URL                 string
	Description         string
	Config              ExtractionConfig
	Interval            Interval
	AlertPolicy         AlertPolicy
	IntentDescription   string // used only when AlertPolicy == AlertIntentBased
	EnableSummary       bool
	Active              bool
	Status              Status
	Visibility          Visibility
	Slug                string
	FolderID            string
	LastScrapeAt        time.Time
	LastScrapeEnd       time.Time
	LastError           string
	ConsecutiveErrors   int
	CurrentState        StateMap
	LastAlertState      StateMap
	NextDueAt           time.Time
	CreatedAt           time.Time
}

// Degraded reports whether the target's consecutive error count has crossed
// the degraded threshold. Degraded targets are still scheduled, only at a
// backoff-scaled cadence.
func (t *Target) Degraded() bool {
	return t.ConsecutiveErrors >= DegradedThreshold
}

// Healthy is the complement of Degraded, per spec: health = count < 5.
func (t *Target) Healthy() bool {
	return !t.Degraded()
}

// EffectiveInterval applies the bounded exponential backoff multiplier while
// the target is degraded: interval * min(2^(consecutive_errors-4), 32).
func (t *Target) EffectiveInterval() time.Duration {
	base := t.Interval.Duration()
	if !t.Degraded() {
		return base
	}
	shift := t.ConsecutiveErrors - (DegradedThreshold - 1)
	mult := 1
	for i := 0; i < shift && mult < BackoffCap; i++ {
		mult *= 2
	}
	if mult > BackoffCap {
		mult = BackoffCap
	}
	return base * time.Duration(mult)
}

// ChangeEvent is an immutable record of a state transition worth surfacing.
type ChangeEvent struct {
	ID             string
	TargetID       string
	Timestamp      time.Time
	Title          string
	Description    string
	Permalink      string
	AISummary      string
	PriorState     StateMap
	CurrentState   StateMap
	DiffFingerprint string
}

// ReadStarState is the per-(principal, event) read/star record.
type ReadStarState struct {
	PrincipalID string
	EventID     string
	Read        bool
	ReadAt      time.Time
	Star        bool
	StarAt      time.Time
}

// Subscription is a (principal, target) pair granting audience membership to
// a public target's events. A target's owner is never a subscriber of their
// own target (enforced at admission, see internal/control).
type Subscription struct {
	PrincipalID string
	TargetID    string
	CreatedAt   time.Time
}

// Folder is a principal-owned, possibly-nested named container.
type Folder struct {
	ID       string
	OwnerID  string
	Name     string
	ParentID string
}

// MarshalConfig and UnmarshalConfig round-trip an ExtractionConfig to/from
// its JSON wire form, used both for storage and for the AI collaborator's
// synthesize_config response validation.
func MarshalConfig(c ExtractionConfig) ([]byte, error) {
	return json.Marshal(c)
}

func UnmarshalConfig(data []byte) (ExtractionConfig, error) {
	var c ExtractionConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return ExtractionConfig{}, err
	}
	return c, nil
}

var (
	errConfigNoKeys       = configError("extraction config must declare at least one key")
	errConfigEmptyKeyName = configError("extraction config key name must not be empty")
	errConfigEmptyLocator = configError("extraction config key must declare a locator")
)

type configError string

func (e configError) Error() string { return string(e) }
