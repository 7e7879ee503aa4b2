// Package pipeline wires C2-C4, C6, and C7 into the one thing the
// scheduler (C5) actually needs: a ScrapeFunc that takes a target id,
// renders the page, detects a change, persists the outcome, and bumps
// the feed cache. Summarization runs after the event is durably stored,
// off the critical path, mirroring the teacher's pattern of never
// blocking a request handler on a slow collaborator.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/use-agent/watcher/internal/config"
	"github.com/use-agent/watcher/internal/extractor"
	"github.com/use-agent/watcher/internal/model"
	"github.com/use-agent/watcher/internal/store"
	"github.com/use-agent/watcher/internal/watchererr"
)

// pageExtractor is the narrow view of *extractor.Extractor the pipeline
// needs; accepting the interface rather than the concrete type keeps this
// package testable without a real browser pool.
type pageExtractor interface {
	Extract(ctx context.Context, targetURL string, cfg model.ExtractionConfig, blockedResources []string) (*extractor.Result, error)
}

// changeDetector is the narrow view of *detector.Detector the pipeline needs.
type changeDetector interface {
	Detect(ctx context.Context, target *model.Target, prior, current model.StateMap) *model.ChangeEvent
}

// summarizer is the narrow view of *aiclient.Client the pipeline needs.
type summarizer interface {
	SummarizeChange(ctx context.Context, principalID string, prior, current model.StateMap) (string, error)
}

// eventStore is the narrow view of *store.Store the pipeline needs.
type eventStore interface {
	GetTarget(ctx context.Context, id string) (*model.Target, error)
	UpsertTarget(ctx context.Context, t *model.Target) error
	InsertEvent(ctx context.Context, e *model.ChangeEvent) (store.InsertResult, error)
	AttachSummary(ctx context.Context, eventID, summary string) error
}

// feedCache is the narrow view of *feed.Assembler the pipeline needs.
type feedCache interface {
	BumpVersion(targetID string)
}

// Pipeline runs one scrape-detect-persist cycle for a target.
type Pipeline struct {
	extractor        pageExtractor
	detector         changeDetector
	ai               summarizer
	store            eventStore
	feeds            feedCache
	blockedResources []string
}

// New builds a Pipeline.
func New(ex pageExtractor, det changeDetector, ai summarizer, st eventStore, feeds feedCache, browserCfg config.BrowserConfig) *Pipeline {
	return &Pipeline{
		extractor:        ex,
		detector:         det,
		ai:               ai,
		store:            st,
		feeds:            feeds,
		blockedResources: browserCfg.BlockedResourceTypes,
	}
}

// Run implements scheduler.ScrapeFunc: it loads the target, extracts its
// current state, detects a change, persists the new baseline and any
// resulting event, and — on success — asks the AI collaborator for a
// one-sentence summary to patch onto the event after the fact.
func (p *Pipeline) Run(ctx context.Context, targetID string) error {
	target, err := p.store.GetTarget(ctx, targetID)
	if err != nil {
		return err
	}
	if !target.Active {
		return nil
	}

	scrapeStart := time.Now()
	result, extractErr := p.extractor.Extract(ctx, target.URL, target.Config, p.blockedResources)

	target.LastScrapeAt = scrapeStart
	target.LastScrapeEnd = time.Now()

	if extractErr != nil {
		// User-initiated cancellation (target deactivated or deleted mid-scrape)
		// never counts against the target's error budget; only a missed
		// deadline or a genuine navigation/extraction failure does.
		if !watchererr.Is(extractErr, watchererr.KindCanceled) {
			target.ConsecutiveErrors++
			target.LastError = extractErr.Error()
			if upsertErr := p.store.UpsertTarget(ctx, target); upsertErr != nil {
				slog.Error("failed to persist target after scrape error", "target", targetID, "error", upsertErr)
			}
		}
		return extractErr
	}

	prior := target.CurrentState
	current := result.State

	event := p.detector.Detect(ctx, target, prior, current)

	target.CurrentState = current
	target.ConsecutiveErrors = 0
	target.LastError = ""
	if event != nil {
		target.LastAlertState = current.Clone()
	}

	if err := p.store.UpsertTarget(ctx, target); err != nil {
		return watchererr.New(watchererr.KindInternal, "persist target after scrape", err)
	}

	if event == nil {
		return nil
	}

	insertResult, err := p.store.InsertEvent(ctx, event)
	if err != nil {
		return watchererr.New(watchererr.KindInternal, "persist change event", err)
	}
	if insertResult == store.Duplicate {
		return nil
	}

	p.feeds.BumpVersion(targetID)

	if target.EnableSummary {
		p.attachSummary(target, event)
	}

	return nil
}

// attachSummary asks the AI collaborator for a one-sentence description of
// the change and patches it onto the already-persisted event. Failures are
// swallowed per spec §4.3: the event simply lacks a summary.
func (p *Pipeline) attachSummary(target *model.Target, event *model.ChangeEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	summary, err := p.ai.SummarizeChange(ctx, target.OwnerID, event.PriorState, event.CurrentState)
	if err != nil {
		slog.Warn("change summary unavailable", "target", target.ID, "event", event.ID, "error", err)
		return
	}
	if err := p.store.AttachSummary(ctx, event.ID, summary); err != nil {
		slog.Warn("failed to attach change summary", "target", target.ID, "event", event.ID, "error", err)
	}
}
