// Package browserpool implements C1: a bounded set of headless-browser
// contexts leased out to extraction workers. It generalizes the teacher's
// engine.AdaptivePool (a generic handle pool keyed by an opaque int64 id)
// into a pool of *rod.Page handles with the same health-tracking and
// memory-driven scaling behavior.
package browserpool

import (
	"context"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"github.com/use-agent/watcher/internal/config"
	"github.com/use-agent/watcher/internal/watchererr"
)

// ErrPoolExhausted is returned by Lease when no context becomes available
// before the caller's deadline.
var ErrPoolExhausted = watchererr.New(watchererr.KindPoolExhausted, "no browser context available before deadline", nil)

// Handle wraps a leased page with health-tracking metadata, the same three
// retirement conditions as the teacher's PageHandle: error score, use count,
// and age.
type Handle struct {
	Page     *rod.Page
	id       int64
	errScore float64
	useCount int
	created  time.Time
	mu       sync.Mutex

	// context is this handle's own incognito browser context, so no two
	// handles ever share a cookie jar (spec §4.1: "no shared cookie jar
	// between targets").
	context *rod.Browser
}

func newHandle(id int64, page *rod.Page, browserContext *rod.Browser) *Handle {
	return &Handle{Page: page, id: id, created: time.Now(), context: browserContext}
}

func (h *Handle) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.useCount++
	h.errScore = math.Max(0, h.errScore-0.5)
}

func (h *Handle) recordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.useCount++
	h.errScore += 1.0
}

func (h *Handle) shouldRetire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.errScore >= 3.0 {
		return true
	}
	if h.useCount >= 50 {
		return true
	}
	if time.Since(h.created) >= 50*time.Minute {
		return true
	}
	return false
}

// Pool manages a set of headless-browser page contexts with automatic
// scaling based on memory pressure and utilization, the same shape as the
// teacher's AdaptivePool.
type Pool struct {
	cfg     config.PoolConfig
	browser *rod.Browser

	idle    chan *Handle
	mu      sync.Mutex
	all     map[int64]*Handle
	nextID  atomic.Int64
	active  atomic.Int32
	stopped chan struct{}
	stopOnce sync.Once
}

// New launches a headless browser (via Rod's launcher, stealth-flagged and
// sandboxed per spec §4.1) and starts the adaptive pool on top of it.
func New(cfg config.BrowserConfig, poolCfg config.PoolConfig) (*Pool, error) {
	l := launcher.New().
		Headless(cfg.Headless).
		NoSandbox(cfg.NoSandbox)

	if cfg.BrowserBin != "" {
		l = l.Bin(cfg.BrowserBin)
	}
	if cfg.DefaultProxy != "" {
		l = l.Proxy(cfg.DefaultProxy)
	}

	// Stealth flags: mask automation fingerprints the same way the teacher
	// launches its browser for every request, not just stealth-flagged ones,
	// since every watcher page load should look organic to the target site.
	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-ipc-flooding-protection"))
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-prompt-on-repost"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		return nil, watchererr.New(watchererr.KindInternal, "failed to launch browser", err)
	}
	slog.Info("browserpool: browser launched", "controlURL", controlURL)

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, watchererr.New(watchererr.KindInternal, "failed to connect to browser", err)
	}

	if poolCfg.MinPages < 1 {
		poolCfg.MinPages = 1
	}
	if poolCfg.HardMax < poolCfg.MinPages {
		poolCfg.HardMax = poolCfg.MinPages
	}
	if poolCfg.MemThreshold <= 0 {
		poolCfg.MemThreshold = 0.9
	}
	if poolCfg.ScaleStep <= 0 {
		poolCfg.ScaleStep = 0.05
	}

	p := &Pool{
		cfg:     poolCfg,
		browser: browser,
		idle:    make(chan *Handle, poolCfg.HardMax),
		all:     make(map[int64]*Handle),
		stopped: make(chan struct{}),
	}

	for i := 0; i < poolCfg.MinPages; i++ {
		h, err := p.createHandle()
		if err != nil {
			slog.Warn("browserpool: failed to pre-create page", "error", err)
			continue
		}
		p.idle <- h
	}

	go p.scalingLoop()
	return p, nil
}

// Lease acquires a page handle, blocking until one becomes available or the
// deadline passes. Waiters are served FIFO by the idle channel's ordering.
func (p *Pool) Lease(ctx context.Context, deadline time.Duration) (*Handle, error) {
	leaseCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	select {
	case h := <-p.idle:
		p.active.Add(1)
		return h, nil
	default:
	}

	p.mu.Lock()
	if len(p.all) < p.cfg.HardMax {
		h, err := p.createHandleLocked()
		p.mu.Unlock()
		if err == nil {
			p.active.Add(1)
			return h, nil
		}
	} else {
		p.mu.Unlock()
	}

	select {
	case h := <-p.idle:
		p.active.Add(1)
		return h, nil
	case <-leaseCtx.Done():
		return nil, ErrPoolExhausted
	}
}

// Release returns a handle to the pool. If the page faulted (crashed,
// leaked, or simply aged/used out per shouldRetire), it is destroyed and a
// fresh one lazily created to replace it when the pool is below minimum.
func (p *Pool) Release(h *Handle, success bool) {
	p.active.Add(-1)

	if success {
		h.recordSuccess()
	} else {
		h.recordFailure()
	}

	if h.shouldRetire() {
		slog.Debug("browserpool: retiring page", "id", h.id, "errScore", h.errScore, "useCount", h.useCount)
		p.destroyHandle(h)

		p.mu.Lock()
		if len(p.all) < p.cfg.MinPages {
			if newH, err := p.createHandleLocked(); err == nil {
				p.mu.Unlock()
				p.idle <- newH
				return
			}
		}
		p.mu.Unlock()
		return
	}

	// Navigate back to a blank page before returning it, preventing DOM leaks
	// across targets (the teacher's "about:blank" cleanup step).
	if navErr := h.Page.Navigate("about:blank"); navErr != nil {
		slog.Warn("browserpool: cleanup navigate to about:blank failed", "id", h.id, "error", navErr)
	}
	p.idle <- h
}

// Size returns the total number of live handles.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all)
}

// ActiveCount returns the number of currently leased handles.
func (p *Pool) ActiveCount() int {
	return int(p.active.Load())
}

// Close drains the pool and kills the underlying browser process.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stopped) })

drainLoop:
	for {
		select {
		case h := <-p.idle:
			p.destroyHandle(h)
		default:
			break drainLoop
		}
	}

	p.mu.Lock()
	for id, h := range p.all {
		_ = h.Page.Close()
		if h.context != nil {
			_ = h.context.Close()
		}
		delete(p.all, id)
	}
	p.mu.Unlock()

	p.browser.MustClose()
}

func (p *Pool) createHandle() (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createHandleLocked()
}

func (p *Pool) createHandleLocked() (*Handle, error) {
	// Each handle gets its own incognito browser context rather than a page
	// off the shared default context, so cookies, localStorage, and cache
	// set while scraping one target can never leak into another's session.
	browserContext, err := p.browser.Incognito()
	if err != nil {
		return nil, err
	}
	page, err := browserContext.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = browserContext.Close()
		return nil, err
	}
	id := p.nextID.Add(1)
	h := newHandle(id, page, browserContext)
	p.all[id] = h
	return h, nil
}

func (p *Pool) destroyHandle(h *Handle) {
	p.mu.Lock()
	delete(p.all, h.id)
	p.mu.Unlock()
	_ = h.Page.Close()
	if h.context != nil {
		_ = h.context.Close()
	}
}

func (p *Pool) scalingLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopped:
			return
		case <-ticker.C:
			p.scaleCheck()
		}
	}
}

func (p *Pool) scaleCheck() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	var memPressure float64
	if m.HeapSys > 0 {
		memPressure = float64(m.HeapInuse) / float64(m.HeapSys)
	}

	p.mu.Lock()
	totalSize := len(p.all)
	p.mu.Unlock()

	active := int(p.active.Load())
	var activeRate float64
	if totalSize > 0 {
		activeRate = float64(active) / float64(totalSize)
	}

	if memPressure > p.cfg.MemThreshold {
		shrinkCount := int(math.Ceil(float64(totalSize) * p.cfg.ScaleStep))
		for i := 0; i < shrinkCount; i++ {
			p.mu.Lock()
			if len(p.all) <= p.cfg.MinPages {
				p.mu.Unlock()
				break
			}
			p.mu.Unlock()

			select {
			case h := <-p.idle:
				slog.Debug("browserpool: shrinking, retiring page", "id", h.id)
				p.destroyHandle(h)
			default:
				return
			}
		}
	} else if activeRate > 0.8 {
		growCount := int(math.Ceil(float64(totalSize) * p.cfg.ScaleStep))
		for i := 0; i < growCount; i++ {
			p.mu.Lock()
			if len(p.all) >= p.cfg.HardMax {
				p.mu.Unlock()
				break
			}
			h, err := p.createHandleLocked()
			p.mu.Unlock()
			if err != nil {
				slog.Warn("browserpool: failed to grow", "error", err)
				break
			}
			slog.Debug("browserpool: grew pool", "id", h.id)
			p.idle <- h
		}
	}
}
