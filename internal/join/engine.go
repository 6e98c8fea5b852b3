package join

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/attribution/internal/metrics"
	"github.com/gosight/gosight/attribution/internal/model"
	"github.com/gosight/gosight/attribution/internal/state"
	"github.com/gosight/gosight/attribution/internal/watermark"
)

// Sink receives every emission: the first result of a page view and each
// later revision. Writes must upsert by page view id.
type Sink interface {
	Write(ctx context.Context, pv model.AttributedPageView) error
}

// Config holds the event-time settings of the engine
type Config struct {
	AllowedLateness  time.Duration
	EvictionInterval time.Duration
}

// Engine joins page views to the most recent ad click of the same user.
// It is safe for concurrent use by one worker per source partition.
type Engine struct {
	tracker   *watermark.Tracker
	clicks    *state.ClickStore
	pageViews *state.EmittedPageViewStore
	sink      Sink
	metrics   metrics.Recorder

	evictionInterval time.Duration
}

// NewEngine creates an engine with empty state. A nil recorder disables metrics.
func NewEngine(cfg Config, sink Sink, recorder metrics.Recorder) *Engine {
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	return &Engine{
		tracker:          watermark.NewTracker(cfg.AllowedLateness),
		clicks:           state.NewClickStore(),
		pageViews:        state.NewEmittedPageViewStore(),
		sink:             sink,
		metrics:          recorder,
		evictionInterval: cfg.EvictionInterval,
	}
}

// Tracker exposes the watermark tracker for status reporting
func (e *Engine) Tracker() *watermark.Tracker {
	return e.tracker
}

// ClickCount returns the number of clicks held in state
func (e *Engine) ClickCount() int64 {
	return e.clicks.TotalClickCount()
}

// PendingPageViews returns the number of emitted page views still open for revision
func (e *Engine) PendingPageViews() int {
	return e.pageViews.Size()
}

// ProcessClick stores the click and revises every pending page view it
// improves. Late clicks are dropped without error.
func (e *Engine) ProcessClick(ctx context.Context, click model.ClickEvent) error {
	e.metrics.ClickReceived()
	e.tracker.UpdateWatermark(model.StreamClicks, click.Partition, click.EventTime)

	if e.tracker.IsTooLate(click.Partition, click.EventTime) {
		log.Warn().
			Str("partition", model.StreamClicks.LogicalPartition(click.Partition)).
			Str("click_id", click.ClickID).
			Time("event_time", click.EventTime).
			Stringer("watermark", e.tracker.Watermark(click.Partition)).
			Msg("Dropping late click")
		e.metrics.LateEventDropped(model.StreamClicks)
		return nil
	}

	// A redelivered click is already stored but its revisions may not have
	// been written, so the scan below runs either way.
	if e.clicks.AddClick(click) {
		e.metrics.ClickStateSize(e.clicks.TotalClickCount())
	}

	wm := e.tracker.Watermark(click.Partition)
	revised, err := e.pageViews.TryUpdateWithClick(click, wm, e.emitter(ctx))
	e.metrics.PageViewsRevised(revised)
	if err != nil {
		return fmt.Errorf("revise page views with click %s: %w", click.ClickID, err)
	}
	return nil
}

// ProcessPageView emits the page view attributed to the best click known
// right now and keeps it open for revision. Late page views are dropped
// without error.
func (e *Engine) ProcessPageView(ctx context.Context, pv model.PageViewEvent) error {
	e.metrics.PageViewReceived()
	e.tracker.UpdateWatermark(model.StreamPageViews, pv.Partition, pv.EventTime)

	if e.tracker.IsTooLate(pv.Partition, pv.EventTime) {
		log.Warn().
			Str("partition", model.StreamPageViews.LogicalPartition(pv.Partition)).
			Str("page_view_id", pv.EventID).
			Time("event_time", pv.EventTime).
			Stringer("watermark", e.tracker.Watermark(pv.Partition)).
			Msg("Dropping late page view")
		e.metrics.LateEventDropped(model.StreamPageViews)
		return nil
	}

	var attributed *model.ClickEvent
	click, found := e.clicks.FindAttributableClick(pv.UserID, pv.EventTime)
	if found {
		attributed = &click
	}

	if err := e.sink.Write(ctx, model.NewAttributedPageView(pv, attributed)); err != nil {
		return fmt.Errorf("emit page view %s: %w", pv.EventID, err)
	}
	e.metrics.PageViewEmitted()

	e.pageViews.RecordEmittedPageView(pv, attributed)
	e.metrics.PageViewStateSize(e.pageViews.Size())

	log.Debug().
		Str("page_view_id", pv.EventID).
		Str("user_id", pv.UserID).
		Bool("attributed", found).
		Msg("Emitted page view")

	// A click stored between the lookup and the record above was not seen by
	// either side; pick it up now.
	latest, ok := e.clicks.FindAttributableClick(pv.UserID, pv.EventTime)
	if !ok || (found && !latest.EventTime.After(click.EventTime)) {
		return nil
	}
	improved, err := e.pageViews.ImproveAttribution(pv.EventID, latest, e.tracker.Watermark(pv.Partition), e.emitter(ctx))
	if improved {
		e.metrics.PageViewsRevised(1)
	}
	if err != nil {
		return fmt.Errorf("revise page view %s: %w", pv.EventID, err)
	}
	return nil
}

// EvictFinalizedState drops clicks that can no longer be attributed and page
// views that can no longer be revised, one pass per partition with a known
// watermark.
func (e *Engine) EvictFinalizedState() {
	var clicks, pageViews int
	for _, partition := range e.tracker.Partitions() {
		wm := e.tracker.Watermark(partition)
		t, ok := wm.Time()
		if !ok {
			continue
		}
		clicks += e.clicks.EvictOldClicks(t.Add(-state.AttributionWindow))
		pageViews += e.pageViews.EvictFinalizedPageViews(wm)
	}

	e.metrics.ClickStateSize(e.clicks.TotalClickCount())
	e.metrics.PageViewStateSize(e.pageViews.Size())

	log.Debug().
		Int("evicted_clicks", clicks).
		Int("evicted_page_views", pageViews).
		Int64("click_state", e.clicks.TotalClickCount()).
		Int("users", e.clicks.UserCount()).
		Int("page_view_state", e.pageViews.Size()).
		Msg("Eviction sweep completed")
}

// Run sweeps state every eviction interval until ctx is done
func (e *Engine) Run(ctx context.Context) {
	if e.evictionInterval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(e.evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Eviction loop stopped")
			return
		case <-ticker.C:
			e.EvictFinalizedState()
		}
	}
}

func (e *Engine) emitter(ctx context.Context) state.EmitFunc {
	return func(pv model.AttributedPageView) error {
		return e.sink.Write(ctx, pv)
	}
}
