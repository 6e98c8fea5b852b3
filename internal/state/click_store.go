package state

import (
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/rs/zerolog/log"
	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/atomic"

	"github.com/gosight/gosight/attribution/internal/model"
)

// AttributionWindow is how far back a click may be credited to a page view
const AttributionWindow = 30 * time.Minute

// WithinAttributionWindow reports whether clickTime lies in
// [pageViewTime - AttributionWindow, pageViewTime]
func WithinAttributionWindow(clickTime, pageViewTime time.Time) bool {
	return !clickTime.After(pageViewTime) && !clickTime.Before(pageViewTime.Add(-AttributionWindow))
}

// mostRecentFirst orders clicks by event time descending, then click id, so
// two clicks sharing an event time never collide
func mostRecentFirst(a, b model.ClickEvent) bool {
	if !a.EventTime.Equal(b.EventTime) {
		return a.EventTime.After(b.EventTime)
	}
	return a.ClickID < b.ClickID
}

// userClicks is one user's click collection. A bucket that has been emptied
// by eviction is marked removed and must not receive inserts.
type userClicks struct {
	mu      sync.Mutex
	tree    *btree.BTreeG[model.ClickEvent]
	removed bool
}

func newUserClicks() *userClicks {
	return &userClicks{
		tree: btree.NewG(2, btree.LessFunc[model.ClickEvent](mostRecentFirst)),
	}
}

// ClickStore holds clicks per user for windowed lookups
type ClickStore struct {
	users       *skipmap.StringMap[*userClicks]
	totalClicks *atomic.Int64
}

// NewClickStore creates an empty click store
func NewClickStore() *ClickStore {
	return &ClickStore{
		users:       skipmap.NewString[*userClicks](),
		totalClicks: atomic.NewInt64(0),
	}
}

// AddClick stores a click. Re-adding the same (click id, event time) is a
// no-op; the return value reports whether the click was inserted.
func (s *ClickStore) AddClick(click model.ClickEvent) bool {
	for {
		bucket, _ := s.users.LoadOrStoreLazy(click.UserID, newUserClicks)

		bucket.mu.Lock()
		if bucket.removed {
			// lost a race with eviction, pick up the replacement bucket
			bucket.mu.Unlock()
			continue
		}
		if bucket.tree.Has(click) {
			bucket.mu.Unlock()
			log.Debug().
				Str("click_id", click.ClickID).
				Str("user_id", click.UserID).
				Msg("Duplicate click ignored")
			return false
		}
		bucket.tree.ReplaceOrInsert(click)
		bucket.mu.Unlock()

		s.totalClicks.Inc()
		log.Debug().
			Str("click_id", click.ClickID).
			Str("user_id", click.UserID).
			Msg("Click stored")
		return true
	}
}

// FindAttributableClick returns the most recent click of the user inside the
// attribution window ending at pageViewTime
func (s *ClickStore) FindAttributableClick(userID string, pageViewTime time.Time) (model.ClickEvent, bool) {
	bucket, ok := s.users.Load(userID)
	if !ok {
		return model.ClickEvent{}, false
	}

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	var (
		found model.ClickEvent
		hit   bool
	)
	// The pivot sorts before every click at pageViewTime, so ascending from
	// it visits clicks at or before the page view, most recent first.
	pivot := model.ClickEvent{EventTime: pageViewTime}
	bucket.tree.AscendGreaterOrEqual(pivot, func(c model.ClickEvent) bool {
		if WithinAttributionWindow(c.EventTime, pageViewTime) {
			found, hit = c, true
		}
		return false
	})
	return found, hit
}

// EvictOldClicks removes every click older than cutoff and drops users left
// without clicks. It returns the number of clicks removed.
func (s *ClickStore) EvictOldClicks(cutoff time.Time) int {
	evicted := 0

	s.users.Range(func(userID string, bucket *userClicks) bool {
		bucket.mu.Lock()
		defer bucket.mu.Unlock()

		// oldest clicks sort last
		for {
			oldest, ok := bucket.tree.Max()
			if !ok || !oldest.EventTime.Before(cutoff) {
				break
			}
			bucket.tree.DeleteMax()
			evicted++
			s.totalClicks.Dec()
		}

		if bucket.tree.Len() == 0 && !bucket.removed {
			bucket.removed = true
			s.users.Delete(userID)
		}
		return true
	})

	if evicted > 0 {
		log.Debug().Int("count", evicted).Time("cutoff", cutoff).Msg("Evicted old clicks")
	}
	return evicted
}

// TotalClickCount returns the number of clicks currently held
func (s *ClickStore) TotalClickCount() int64 {
	return s.totalClicks.Load()
}

// UserCount returns the number of users with at least one stored click
func (s *ClickStore) UserCount() int {
	return s.users.Len()
}
