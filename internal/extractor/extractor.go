// Package extractor implements C2: given a rendered page and a target's
// extraction config, reduce the DOM to a normalized StateMap. It never
// writes to the database and is deterministic given fixed page content.
package extractor

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/use-agent/watcher/internal/browserpool"
	"github.com/use-agent/watcher/internal/config"
	"github.com/use-agent/watcher/internal/model"
	"github.com/use-agent/watcher/internal/watchererr"
)

// Extractor renders a target URL and reduces it to a StateMap, per the C2
// contract: lease a browser context, navigate, resolve each key's locator,
// normalize, return.
type Extractor struct {
	pool *browserpool.Pool
	cfg  config.SchedulerConfig
}

// New creates an Extractor bound to the given browser pool.
func New(pool *browserpool.Pool, cfg config.SchedulerConfig) *Extractor {
	return &Extractor{pool: pool, cfg: cfg}
}

// Result is the outcome of a successful extraction: the normalized state and
// the raw page metadata needed by the rest of the pipeline (final URL, in
// case of redirects, and the HTTP status observed).
type Result struct {
	State      model.StateMap
	FinalURL   string
	StatusCode int
}

// Extract renders targetURL and resolves every key in cfg against the live
// DOM. Per spec §4.2 step 3, a locator that matches nothing yields an empty
// string for that key and is not itself an error — only "all keys missing"
// is surfaced as SelectorAllMissing.
func (e *Extractor) Extract(ctx context.Context, targetURL string, cfg model.ExtractionConfig, blockedResources []string) (*Result, error) {
	handle, err := e.pool.Lease(ctx, e.cfg.PageLoadTimeout)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() { e.pool.Release(handle, success) }()

	page := handle.Page.Context(ctx)

	// SSRF re-check: the URL may have re-resolved to a new IP since the
	// target was admitted (DNS rebinding). Re-validate right before
	// navigation, per spec §4.2 step 2.
	if err := checkNotPrivate(targetURL); err != nil {
		return nil, err
	}

	if err := browserpool.InjectStealth(handle.Page); err != nil {
		// Non-fatal; extraction proceeds without stealth masking.
		_ = err
	}

	router := browserpool.SetupHijack(handle.Page, blockedResources)
	if router != nil {
		defer func() { _ = router.Stop() }()
	}

	if navErr := page.Navigate(targetURL); navErr != nil {
		return nil, categorizeNavError(navErr)
	}

	if stableErr := page.WaitDOMStable(e.cfg.NetworkIdleWindow, 0.1); stableErr != nil {
		// Best-effort: proceed with whatever DOM we have.
		_ = stableErr
	}

	var statusCode int
	if res, evalErr := page.Eval(`() => {
		try {
			const entries = performance.getEntriesByType("navigation");
			if (entries.length > 0) return entries[0].responseStatus || 0;
		} catch (e) {}
		return 0;
	}`); evalErr == nil {
		statusCode = res.Value.Int()
	}

	rawHTML, htmlErr := page.HTML()
	if htmlErr != nil {
		return nil, categorizeNavError(htmlErr)
	}
	rawHTML = truncate(rawHTML, e.cfg.MaxPageBytes)

	finalURL := targetURL
	if res, evalErr := page.Eval(`() => window.location.href`); evalErr == nil && !res.Value.Nil() {
		if s := res.Value.Str(); s != "" {
			finalURL = s
		}
	}

	state, allMissing, err := resolveKeys(ctx, handle, rawHTML, cfg)
	if err != nil {
		return nil, err
	}
	if allMissing && len(cfg.Keys) > 0 {
		return nil, watchererr.New(watchererr.KindSelectorMissing, "all configured keys resolved to nothing", nil)
	}

	success = true
	return &Result{State: state, FinalURL: finalURL, StatusCode: statusCode}, nil
}

// resolveKeys walks every (key, locator) pair, dispatching to CSS or XPath
// resolution per the locator's prefix convention, then applies the fixed
// normalization chain.
func resolveKeys(ctx context.Context, handle *browserpool.Handle, rawHTML string, cfg model.ExtractionConfig) (model.StateMap, bool, error) {
	state := make(model.StateMap, len(cfg.Keys))
	missing := 0

	doc, docErr := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))

	for key, spec := range cfg.Keys {
		var raw string
		var found bool

		switch spec.LocatorKind() {
		case model.LocatorCSS:
			if docErr == nil {
				raw, found = resolveCSS(doc, spec.Locator)
			}
		case model.LocatorXPath:
			raw, found = resolveXPath(handle, spec.Locator)
		}

		if !found {
			state[key] = ""
			missing++
			continue
		}

		state[key] = normalize(raw, spec.Normalize)
	}

	allMissing := len(cfg.Keys) > 0 && missing == len(cfg.Keys)
	return state, allMissing, nil
}

// resolveCSS takes the first match's trimmed text content, the same
// "first match wins" rule the teacher's selector/extract helpers follow.
func resolveCSS(doc *goquery.Document, selector string) (string, bool) {
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return "", false
	}
	return strings.TrimSpace(sel.Text()), true
}

// resolveXPath evaluates the locator via document.evaluate on the live page.
// Rod has no first-party XPath helper, so this goes through page.Eval the
// same way the teacher always falls back to raw JS evaluation when
// cascadia/goquery cannot express something (see page.go's status-code and
// overlay-removal helpers).
func resolveXPath(handle *browserpool.Handle, xpath string) (string, bool) {
	js := `(path) => {
		try {
			const result = document.evaluate(path, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null);
			const node = result.singleNodeValue;
			if (!node) return null;
			return (node.textContent || "").trim();
		} catch (e) {
			return null;
		}
	}`
	res, err := handle.Page.Eval(js, xpath)
	if err != nil || res.Value.Nil() {
		return "", false
	}
	return res.Value.Str(), true
}

// normalize applies the fixed-order transform chain: trim -> collapse
// internal whitespace -> (lowercase?) -> (numeric-cast?). Cast errors fall
// back to the post-whitespace string rather than propagating, per spec.
func normalize(raw string, n model.Normalization) string {
	v := strings.TrimSpace(raw)
	v = collapseWhitespace(v)
	if n.Lowercase {
		v = strings.ToLower(v)
	}
	if n.NumericCast {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			v = strconv.FormatFloat(f, 'f', -1, 64)
		} else {
			// Cast failure: keep the post-whitespace string and log it.
			slog.Debug("extractor: numeric cast failed, keeping string value", "value", v, "error", err)
		}
	}
	return v
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

func truncate(html string, maxBytes int64) string {
	if maxBytes <= 0 || int64(len(html)) <= maxBytes {
		return html
	}
	return html[:maxBytes]
}

func categorizeNavError(err error) *watchererr.Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return watchererr.New(watchererr.KindDeadlineExceeded, "page load deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return watchererr.New(watchererr.KindCanceled, "scrape canceled", err)
	default:
		return watchererr.New(watchererr.KindNavigationError, "navigation to target URL failed", err)
	}
}

// checkNotPrivate re-applies the SSRF guard at extraction time (DNS
// rebinding protection): the hostname is re-resolved and every resulting IP
// is checked against the private/link-local/loopback ranges.
func checkNotPrivate(rawURL string) error {
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
		// DNS failures are a navigation concern, not an SSRF rejection.
		return nil
	}
	for _, ip := range ips {
		if isPrivateOrReserved(ip) {
			return watchererr.New(watchererr.KindSSRFRejected, "URL resolves to a private or reserved address", nil)
		}
	}
	return nil
}

// isPrivateOrReserved blocks RFC1918 ranges, loopback, link-local (including
// the 169.254.169.254 cloud metadata endpoint), and IPv6 unique-local /
// link-local addresses, per spec §4.8's admission rules.
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
