// Package control implements C8: the core-boundary operations — target
// admission (SSRF guard + AI config synthesis + paused-then-active
// activation), manual refresh, health exposure, and authorization
// enforcement — that every outer surface (HTTP, MCP) calls into.
package control

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/use-agent/watcher/internal/aiclient"
	"github.com/use-agent/watcher/internal/feed"
	"github.com/use-agent/watcher/internal/model"
	"github.com/use-agent/watcher/internal/scheduler"
	"github.com/use-agent/watcher/internal/store"
	"github.com/use-agent/watcher/internal/watchererr"
)

// PrincipalResolver resolves an already-authenticated request's principal
// ID. Authentication/session management itself stays out of scope here;
// this is the seam a real auth layer plugs into.
type PrincipalResolver func(ctx context.Context) (string, error)

// Plane wires together the store, AI client, scheduler, and feed
// assembler behind the authorization and admission rules the core
// boundary is responsible for.
type Plane struct {
	store     *store.Store
	ai        *aiclient.Client
	scheduler *scheduler.Scheduler
	feeds     *feed.Assembler
}

// New creates a Plane.
func New(st *store.Store, ai *aiclient.Client, sch *scheduler.Scheduler, feeds *feed.Assembler) *Plane {
	return &Plane{store: st, ai: ai, scheduler: sch, feeds: feeds}
}

// CreateTargetRequest is the admission request for a new monitored page.
type CreateTargetRequest struct {
	OwnerID           string
	URL               string
	Description       string
	Intent            string
	SampleContent     string // raw HTML sample of the page; shrunk internally before reaching the AI collaborator
	Interval          model.Interval
	AlertPolicy       model.AlertPolicy
	IntentDescription string
	EnableSummary     bool
	Visibility        model.Visibility
	FolderID          string
}

// CreateTarget validates the URL against the SSRF guard, synthesizes an
// extraction config from the stated intent (falling back to a minimal
// single-key config if the AI collaborator is unavailable), persists the
// target in the paused state, then activates it once the config validates.
func (p *Plane) CreateTarget(ctx context.Context, req CreateTargetRequest) (*model.Target, error) {
	if err := admitURL(req.URL); err != nil {
		return nil, err
	}
	if !req.Interval.Valid() {
		req.Interval = model.Interval1Hour
	}
	if req.Visibility == "" {
		req.Visibility = model.VisibilityPrivate
	}

	cfg, err := p.ai.SynthesizeConfig(ctx, req.OwnerID, req.URL, req.Intent, req.SampleContent)
	if err != nil {
		cfg = aiclient.FallbackConfig()
	}
	if validateErr := cfg.Validate(); validateErr != nil {
		return nil, watchererr.New(watchererr.KindInvalidInput, "extraction config failed validation", validateErr)
	}

	target := &model.Target{
		ID:                uuid.NewString(),
		OwnerID:           req.OwnerID,
		URL:               req.URL,
		Description:       req.Description,
		Config:            cfg,
		Interval:          req.Interval,
		AlertPolicy:       req.AlertPolicy,
		IntentDescription: req.IntentDescription,
		EnableSummary:     req.EnableSummary,
		Active:            false,
		Status:            model.StatusPaused,
		Visibility:        req.Visibility,
		FolderID:          req.FolderID,
		CreatedAt:         time.Now(),
	}

	if target.Visibility == model.VisibilityPublic {
		slug, err := p.uniqueSlug(ctx, req.URL)
		if err != nil {
			return nil, err
		}
		target.Slug = slug
	}

	if err := p.store.UpsertTarget(ctx, target); err != nil {
		return nil, err
	}

	target.Active = true
	target.Status = model.StatusActive
	if err := p.store.UpsertTarget(ctx, target); err != nil {
		return nil, err
	}

	p.scheduler.Enroll(target.ID, target.Interval.Duration())
	return target, nil
}

// DeleteTarget enforces owner-only mutation, then removes the target from
// the scheduler (canceling any in-flight scrape), the store (cascading to
// its events), and the feed cache.
func (p *Plane) DeleteTarget(ctx context.Context, principalID, targetID string) error {
	target, err := p.store.GetTarget(ctx, targetID)
	if err != nil {
		return err
	}
	if target.OwnerID != principalID {
		return watchererr.New(watchererr.KindUnauthorized, "only the owner may delete a target", nil)
	}

	p.scheduler.Remove(targetID)
	p.feeds.InvalidateTarget(targetID)
	return p.store.DeleteTarget(ctx, targetID)
}

// SetActive transitions a target between the active and paused substates by
// owner action. Pausing removes it from the scheduler (canceling any
// in-flight scrape via the user-initiated-cancellation path); reactivating
// re-enrolls it with a freshly jittered due time.
func (p *Plane) SetActive(ctx context.Context, principalID, targetID string, active bool) error {
	target, err := p.store.GetTarget(ctx, targetID)
	if err != nil {
		return err
	}
	if target.OwnerID != principalID {
		return watchererr.New(watchererr.KindUnauthorized, "only the owner may change active state", nil)
	}
	if target.Active == active {
		return nil
	}

	target.Active = active
	if active {
		target.Status = model.StatusActive
	} else {
		target.Status = model.StatusPaused
	}
	if err := p.store.UpsertTarget(ctx, target); err != nil {
		return err
	}

	if active {
		p.scheduler.Enroll(targetID, target.Interval.Duration())
	} else {
		p.scheduler.Remove(targetID)
	}
	return nil
}

// ManualRefresh enforces owner-or-subscriber read access is irrelevant
// here (refresh is a mutation), so only the owner may trigger it, then
// delegates to the scheduler's rate-limited bypass path.
func (p *Plane) ManualRefresh(ctx context.Context, principalID, targetID string) error {
	target, err := p.store.GetTarget(ctx, targetID)
	if err != nil {
		return err
	}
	if target.OwnerID != principalID {
		return watchererr.New(watchererr.KindUnauthorized, "only the owner may trigger a manual refresh", nil)
	}
	return p.scheduler.ManualRefresh(ctx, targetID)
}

// SetVisibility enforces that only the owner may toggle a target's
// visibility between private and public.
func (p *Plane) SetVisibility(ctx context.Context, principalID, targetID string, visibility model.Visibility) error {
	target, err := p.store.GetTarget(ctx, targetID)
	if err != nil {
		return err
	}
	if target.OwnerID != principalID {
		return watchererr.New(watchererr.KindUnauthorized, "only the owner may change visibility", nil)
	}
	if visibility == model.VisibilityPublic && target.Slug == "" {
		slug, err := p.uniqueSlug(ctx, target.URL)
		if err != nil {
			return err
		}
		target.Slug = slug
	}
	target.Visibility = visibility
	return p.store.UpsertTarget(ctx, target)
}

// uniqueSlug derives a slug from the target's hostname and disambiguates
// it with a short random suffix, regenerating on the rare collision with
// an existing public target's slug.
func (p *Plane) uniqueSlug(ctx context.Context, rawURL string) (string, error) {
	base := "target"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		base = slugify(u.Hostname())
	}
	for attempt := 0; attempt < 5; attempt++ {
		candidate := base + "-" + uuid.NewString()[:8]
		_, err := p.store.GetTargetBySlug(ctx, candidate)
		if err != nil && watchererr.Is(err, watchererr.KindInvalidInput) {
			return candidate, nil
		}
	}
	return "", watchererr.New(watchererr.KindInternal, "could not allocate a unique slug", errors.New("exhausted attempts"))
}

func slugify(hostname string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(hostname) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-':
			b.WriteRune('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "target"
	}
	return slug
}

// Health reports the target's current degraded/healthy substate per spec
// §4.8: healthy iff consecutive_error_count < 5.
type Health struct {
	Healthy           bool
	ConsecutiveErrors int
	LastError         string
	EffectiveInterval time.Duration
}

// GetHealth returns a target's health, enforcing owner-or-subscriber read
// access.
func (p *Plane) GetHealth(ctx context.Context, principalID, targetID string) (*Health, error) {
	target, err := p.store.GetTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if err := p.authorizeRead(ctx, principalID, target); err != nil {
		return nil, err
	}
	return &Health{
		Healthy:           target.Healthy(),
		ConsecutiveErrors: target.ConsecutiveErrors,
		LastError:         target.LastError,
		EffectiveInterval: target.EffectiveInterval(),
	}, nil
}

// RenderFeed assembles a target's RSS feed. Public feeds (looked up by
// slug) require no authentication; private feeds require principal =
// owner.
func (p *Plane) RenderFeed(ctx context.Context, principalID, targetID string, limit int) ([]byte, error) {
	target, err := p.store.GetTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if target.Visibility == model.VisibilityPrivate && target.OwnerID != principalID {
		return nil, watchererr.New(watchererr.KindUnauthorized, "private feed requires owner principal", nil)
	}
	return p.feeds.Render(ctx, target, limit)
}

// RenderPublicFeed assembles a public target's RSS feed with no
// authentication, looked up by slug.
func (p *Plane) RenderPublicFeed(ctx context.Context, slug string, limit int) ([]byte, error) {
	target, err := p.store.GetTargetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if target.Visibility != model.VisibilityPublic {
		return nil, watchererr.New(watchererr.KindUnauthorized, "target is not public", nil)
	}
	return p.feeds.Render(ctx, target, limit)
}

// Subscribe records principalID as a subscriber of a public target. Owners
// may never subscribe to their own target.
func (p *Plane) Subscribe(ctx context.Context, principalID, targetID string) error {
	target, err := p.store.GetTarget(ctx, targetID)
	if err != nil {
		return err
	}
	if target.Visibility != model.VisibilityPublic {
		return watchererr.New(watchererr.KindInvalidInput, "only public targets accept subscriptions", nil)
	}
	if target.OwnerID == principalID {
		return watchererr.New(watchererr.KindInvalidInput, "owners may not subscribe to their own target", nil)
	}
	return p.store.Subscribe(ctx, principalID, targetID)
}

// Unsubscribe removes principalID's subscription to targetID. It is
// intentionally permissive about prior state: unsubscribing a principal who
// was never subscribed is a no-op, not an error, since the store's DELETE is
// already idempotent.
func (p *Plane) Unsubscribe(ctx context.Context, principalID, targetID string) error {
	if _, err := p.store.GetTarget(ctx, targetID); err != nil {
		return err
	}
	return p.store.Unsubscribe(ctx, principalID, targetID)
}

// MarkRead and ToggleStar enforce owner-or-subscriber read access before
// delegating to the store.
func (p *Plane) MarkRead(ctx context.Context, principalID, targetID, eventID string) error {
	target, err := p.store.GetTarget(ctx, targetID)
	if err != nil {
		return err
	}
	if err := p.authorizeRead(ctx, principalID, target); err != nil {
		return err
	}
	return p.store.MarkRead(ctx, principalID, eventID)
}

func (p *Plane) ToggleStar(ctx context.Context, principalID, targetID, eventID string) (bool, error) {
	target, err := p.store.GetTarget(ctx, targetID)
	if err != nil {
		return false, err
	}
	if err := p.authorizeRead(ctx, principalID, target); err != nil {
		return false, err
	}
	return p.store.ToggleStar(ctx, principalID, eventID)
}

// GetUnreadCounts returns principalID's unread event counts aggregated
// across every target it owns or subscribes to, keyed by target-id and
// folder-id, per spec §4.6. No separate authorization check is needed
// beyond the aggregate query itself scoping to principalID's own
// owned-or-subscribed set.
func (p *Plane) GetUnreadCounts(ctx context.Context, principalID string) (*store.UnreadCounts, error) {
	return p.store.UnreadCounts(ctx, principalID)
}

func (p *Plane) authorizeRead(ctx context.Context, principalID string, target *model.Target) error {
	if target.OwnerID == principalID {
		return nil
	}
	subscribed, err := p.store.IsSubscribed(ctx, principalID, target.ID)
	if err != nil {
		return err
	}
	if !subscribed {
		return watchererr.New(watchererr.KindUnauthorized, "principal is neither owner nor subscriber", nil)
	}
	return nil
}

// admitURL applies the SSRF guard: reject non-http(s) schemes and any
// hostname resolving to a private, loopback, link-local, or cloud
// metadata address.
func admitURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return watchererr.New(watchererr.KindInvalidInput, "invalid URL", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return watchererr.New(watchererr.KindSSRFRejected, "scheme must be http or https", nil)
	}

	host := u.Hostname()
	ips, err := net.LookupIP(host)
	if err != nil {
		return watchererr.New(watchererr.KindInvalidInput, "could not resolve host", err)
	}
	for _, ip := range ips {
		if isPrivateOrReserved(ip) {
			return watchererr.New(watchererr.KindSSRFRejected, "URL resolves to a private or reserved address", nil)
		}
	}
	return nil
}

func isPrivateOrReserved(ip net.IP) bool {
	addr, ok := netip.AddrFromSlice(ip.To16())
	if !ok {
		return true
	}
	addr = addr.Unmap()

	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsMulticast() || addr.IsUnspecified() {
		return true
	}
	if addr.Is4() && addr.As4() == [4]byte{169, 254, 169, 254} {
		return true
	}
	return false
}
