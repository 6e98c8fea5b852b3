package state

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zhangyunhao116/skipmap"

	"github.com/gosight/gosight/attribution/internal/model"
	"github.com/gosight/gosight/attribution/internal/watermark"
)

// EmitFunc delivers an attributed page view downstream
type EmitFunc func(model.AttributedPageView) error

// emittedRecord tracks an already emitted page view and the event time of the
// click it is currently attributed to
type emittedRecord struct {
	pageView model.PageViewEvent

	mu            sync.Mutex
	clickTime     time.Time
	hasAttributed bool
}

// improvedBy runs the revision filter chain for a click of the same user
func (r *emittedRecord) improvedBy(click model.ClickEvent, wm watermark.Watermark) bool {
	pv := r.pageView
	if pv.UserID != click.UserID {
		return false
	}
	// finalized page views are never revised
	if wm.Passed(pv.EventTime) {
		return false
	}
	if !WithinAttributionWindow(click.EventTime, pv.EventTime) {
		return false
	}
	return !r.hasAttributed || click.EventTime.After(r.clickTime)
}

// revise emits the improved attribution and advances the marker only after
// the emit succeeded, so a failed write is retried on redelivery
func (r *emittedRecord) revise(click model.ClickEvent, wm watermark.Watermark, emit EmitFunc) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.improvedBy(click, wm) {
		return false, nil
	}
	if err := emit(model.NewAttributedPageView(r.pageView, &click)); err != nil {
		return false, err
	}
	r.clickTime = click.EventTime
	r.hasAttributed = true

	log.Info().
		Str("page_view_id", r.pageView.EventID).
		Str("click_id", click.ClickID).
		Msg("Revised page view attribution with late click")
	return true, nil
}

// EmittedPageViewStore keeps every emitted page view that can still be
// revised by a late click
type EmittedPageViewStore struct {
	records *skipmap.StringMap[*emittedRecord]
}

// NewEmittedPageViewStore creates an empty store
func NewEmittedPageViewStore() *EmittedPageViewStore {
	return &EmittedPageViewStore{
		records: skipmap.NewString[*emittedRecord](),
	}
}

// RecordEmittedPageView stores the emission of pageView attributed to click
// (nil when unattributed). An existing record with the same id is replaced.
func (s *EmittedPageViewStore) RecordEmittedPageView(pageView model.PageViewEvent, click *model.ClickEvent) {
	rec := &emittedRecord{pageView: pageView}
	if click != nil {
		rec.clickTime = click.EventTime
		rec.hasAttributed = true
	}
	s.records.Store(pageView.EventID, rec)
}

// TryUpdateWithClick re-attributes every pending page view that the click
// improves, emitting one revision per page view. It stops at the first emit
// error and returns the number of revisions emitted so far.
func (s *EmittedPageViewStore) TryUpdateWithClick(click model.ClickEvent, wm watermark.Watermark, emit EmitFunc) (int, error) {
	var (
		updated int
		err     error
	)
	s.records.Range(func(_ string, rec *emittedRecord) bool {
		// cheap checks first, the record lock is only taken for candidates
		if rec.pageView.UserID != click.UserID {
			return true
		}
		var ok bool
		ok, err = rec.revise(click, wm, emit)
		if err != nil {
			return false
		}
		if ok {
			updated++
		}
		return true
	})
	return updated, err
}

// ImproveAttribution applies the click to a single page view if it improves
// the current attribution
func (s *EmittedPageViewStore) ImproveAttribution(pageViewID string, click model.ClickEvent, wm watermark.Watermark, emit EmitFunc) (bool, error) {
	rec, ok := s.records.Load(pageViewID)
	if !ok {
		return false, nil
	}
	return rec.revise(click, wm, emit)
}

// EvictFinalizedPageViews removes every page view whose event time is behind
// the watermark. It is a no-op while the watermark is unknown.
func (s *EmittedPageViewStore) EvictFinalizedPageViews(wm watermark.Watermark) int {
	if !wm.IsKnown() {
		return 0
	}

	evicted := 0
	s.records.Range(func(id string, rec *emittedRecord) bool {
		if !wm.Passed(rec.pageView.EventTime) {
			return true
		}
		// wait for any in-flight revision of this record
		rec.mu.Lock()
		s.records.Delete(id)
		rec.mu.Unlock()
		evicted++
		return true
	})

	if evicted > 0 {
		log.Debug().Int("count", evicted).Stringer("watermark", wm).Msg("Evicted finalized page views")
	}
	return evicted
}

// AttributedClickTime returns the event time of the click a pending page view
// is attributed to
func (s *EmittedPageViewStore) AttributedClickTime(pageViewID string) (time.Time, bool) {
	rec, ok := s.records.Load(pageViewID)
	if !ok {
		return time.Time{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.clickTime, rec.hasAttributed
}

// Size returns the number of pending page views
func (s *EmittedPageViewStore) Size() int {
	return s.records.Len()
}
