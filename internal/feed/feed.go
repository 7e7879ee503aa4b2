// Package feed implements C7: projects a target's most recent change
// events into RSS 2.0 XML, with a process-local cache keyed by (target
// id, version counter) generalizing the teacher's cache.Cache.
package feed

import (
	"context"
	"encoding/xml"
	"fmt"
	"sync"
	"time"

	"github.com/use-agent/watcher/internal/model"
	"github.com/use-agent/watcher/internal/store"
)

// rss is the root element of an RSS 2.0 document.
type rss struct {
	XMLName xml.Name `xml:"rss"`
	Version string   `xml:"version,attr"`
	Channel channel  `xml:"channel"`
}

type channel struct {
	Title         string `xml:"title"`
	Link          string `xml:"link"`
	Description   string `xml:"description"`
	LastBuildDate string `xml:"lastBuildDate"`
	Items         []item `xml:"item"`
}

type item struct {
	Title       string `xml:"title"`
	Description string `xml:"description"`
	Link        string `xml:"link"`
	PubDate     string `xml:"pubDate"`
	GUID        guid   `xml:"guid"`
}

type guid struct {
	IsPermaLink string `xml:"isPermaLink,attr"`
	Value       string `xml:",chardata"`
}

// cacheEntry holds the rendered XML for a target at the version it was
// built from.
type cacheEntry struct {
	xmlBytes  []byte
	version   int64
	renderedAt time.Time
}

// Assembler renders RSS feeds for targets, backed by their event history
// in the store, with a per-target cache invalidated on every new event.
type Assembler struct {
	store *store.Store

	mu       sync.RWMutex
	cache    map[string]*cacheEntry
	versions map[string]int64

	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates an Assembler. Call Close to stop its background sweep.
func New(st *store.Store) *Assembler {
	a := &Assembler{
		store:    st,
		cache:    make(map[string]*cacheEntry),
		versions: make(map[string]int64),
		stopped:  make(chan struct{}),
	}
	go a.sweepLoop()
	return a
}

// Close stops the background cache sweep.
func (a *Assembler) Close() {
	a.stopOnce.Do(func() { close(a.stopped) })
}

// BumpVersion is called by the caller (the scrape pipeline, right after a
// successful insert_event) to invalidate any cached rendering for targetID.
func (a *Assembler) BumpVersion(targetID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.versions[targetID]++
}

// Render returns the RSS 2.0 XML for target, using the cached rendering if
// it is still current, or freshly assembling it from the store otherwise.
func (a *Assembler) Render(ctx context.Context, target *model.Target, limit int) ([]byte, error) {
	currentVersion := a.versionFor(target.ID)

	a.mu.RLock()
	entry, ok := a.cache[target.ID]
	a.mu.RUnlock()
	if ok && entry.version == currentVersion {
		return entry.xmlBytes, nil
	}

	page, err := a.store.ListEvents(ctx, target.ID, "", limit)
	if err != nil {
		return nil, err
	}

	xmlBytes, err := assemble(target, page.Events)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.cache[target.ID] = &cacheEntry{xmlBytes: xmlBytes, version: currentVersion, renderedAt: time.Now()}
	a.mu.Unlock()

	return xmlBytes, nil
}

func (a *Assembler) versionFor(targetID string) int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.versions[targetID]
}

// InvalidateTarget drops a target's cache entry and version counter, used
// when a target is deleted.
func (a *Assembler) InvalidateTarget(targetID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.cache, targetID)
	delete(a.versions, targetID)
}

// sweepLoop evicts cache entries that haven't been re-rendered in an hour,
// the same TTL-based cleanup cadence as the teacher's response cache. This
// bounds memory after a bulk deletion that skips InvalidateTarget, without
// requiring the assembler to track the live target set itself.
func (a *Assembler) sweepLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopped:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Hour)
			a.mu.Lock()
			for id, entry := range a.cache {
				if entry.renderedAt.Before(cutoff) {
					delete(a.cache, id)
				}
			}
			a.mu.Unlock()
		}
	}
}

// assemble is a pure projection of a target + its events into RSS 2.0 XML:
// no transformation of event data beyond the fixed field mapping.
func assemble(target *model.Target, events []*model.ChangeEvent) ([]byte, error) {
	lastBuild := target.CreatedAt
	for _, e := range events {
		if e.Timestamp.After(lastBuild) {
			lastBuild = e.Timestamp
		}
	}

	name := target.Description
	if name == "" {
		name = target.URL
	}

	ch := channel{
		Title:         name,
		Link:          target.URL,
		Description:   target.Description,
		LastBuildDate: lastBuild.Format(time.RFC1123Z),
	}

	for _, e := range events {
		desc := e.AISummary
		if desc == "" {
			desc = e.Description
		}
		ch.Items = append(ch.Items, item{
			Title:       e.Title,
			Description: desc,
			Link:        target.URL,
			PubDate:     e.Timestamp.Format(time.RFC1123Z),
			GUID:        guid{IsPermaLink: "false", Value: e.ID},
		})
	}

	doc := rss{Version: "2.0", Channel: ch}
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal RSS feed: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
