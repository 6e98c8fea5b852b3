package watermark

import (
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/atomic"

	"github.com/gosight/gosight/attribution/internal/model"
)

// Watermark is either Unknown or a known event-time boundary
type Watermark struct {
	t     time.Time
	known bool
}

// Unknown is the watermark of a partition that has not yet been observed on both streams
func Unknown() Watermark {
	return Watermark{}
}

// Known wraps a concrete watermark time
func Known(t time.Time) Watermark {
	return Watermark{t: t, known: true}
}

// IsKnown reports whether the watermark carries a time
func (w Watermark) IsKnown() bool {
	return w.known
}

// Time returns the watermark time and whether it is known
func (w Watermark) Time() (time.Time, bool) {
	return w.t, w.known
}

// Passed reports whether t is strictly before a known watermark.
// An Unknown watermark has passed nothing.
func (w Watermark) Passed(t time.Time) bool {
	return w.known && t.Before(w.t)
}

func (w Watermark) String() string {
	if !w.known {
		return "unknown"
	}
	return w.t.UTC().Format(time.RFC3339)
}

// PartitionWatermark is a read model of one partition's watermark state
type PartitionWatermark struct {
	Partition        int32      `json:"partition"`
	ClicksMaxTime    *time.Time `json:"ad_clicks_max_event_time,omitempty"`
	PageViewsMaxTime *time.Time `json:"page_views_max_event_time,omitempty"`
	JoinWatermark    *time.Time `json:"join_watermark,omitempty"`
}

// Tracker keeps the maximum event time per (stream, partition) and derives
// the join watermark from the slower of the two streams
type Tracker struct {
	allowedLateness time.Duration

	clicks    *skipmap.Int32Map[*atomic.Pointer[time.Time]]
	pageViews *skipmap.Int32Map[*atomic.Pointer[time.Time]]
}

// NewTracker creates a tracker with the given allowed lateness
func NewTracker(allowedLateness time.Duration) *Tracker {
	log.Info().
		Dur("allowed_lateness", allowedLateness).
		Msg("Watermark tracker initialized")

	return &Tracker{
		allowedLateness: allowedLateness,
		clicks:          skipmap.NewInt32[*atomic.Pointer[time.Time]](),
		pageViews:       skipmap.NewInt32[*atomic.Pointer[time.Time]](),
	}
}

// AllowedLateness returns the configured lateness budget
func (t *Tracker) AllowedLateness() time.Duration {
	return t.allowedLateness
}

// UpdateWatermark merges eventTime into the maximum seen for (stream, partition).
// The stored maximum never decreases.
func (t *Tracker) UpdateWatermark(stream model.Stream, partition int32, eventTime time.Time) {
	maxSeen, _ := t.streamMap(stream).LoadOrStoreLazy(partition, func() *atomic.Pointer[time.Time] {
		return atomic.NewPointer[time.Time](nil)
	})

	incoming := eventTime.UTC()
	for {
		current := maxSeen.Load()
		if current != nil && !incoming.After(*current) {
			return
		}
		if maxSeen.CompareAndSwap(current, &incoming) {
			return
		}
	}
}

// Watermark returns min(maxClicks, maxPageViews) - allowedLateness for the
// partition, or Unknown until both streams have been observed there
func (t *Tracker) Watermark(partition int32) Watermark {
	clickMax, ok := t.maxSeen(t.clicks, partition)
	if !ok {
		return Unknown()
	}
	viewMax, ok := t.maxSeen(t.pageViews, partition)
	if !ok {
		return Unknown()
	}

	slowest := clickMax
	if viewMax.Before(clickMax) {
		slowest = viewMax
	}
	return Known(slowest.Add(-t.allowedLateness))
}

// IsTooLate reports whether eventTime is behind the partition's watermark
func (t *Tracker) IsTooLate(partition int32, eventTime time.Time) bool {
	return t.Watermark(partition).Passed(eventTime)
}

// Partitions returns every partition observed on either stream, ascending
func (t *Tracker) Partitions() []int32 {
	seen := make(map[int32]struct{})
	var out []int32
	collect := func(p int32, _ *atomic.Pointer[time.Time]) bool {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			out = append(out, p)
		}
		return true
	}
	t.clicks.Range(collect)
	t.pageViews.Range(collect)

	slices.Sort(out)
	return out
}

// Snapshot returns the watermark state of every observed partition
func (t *Tracker) Snapshot() []PartitionWatermark {
	partitions := t.Partitions()
	out := make([]PartitionWatermark, 0, len(partitions))
	for _, p := range partitions {
		pw := PartitionWatermark{Partition: p}
		if ts, ok := t.maxSeen(t.clicks, p); ok {
			pw.ClicksMaxTime = &ts
		}
		if ts, ok := t.maxSeen(t.pageViews, p); ok {
			pw.PageViewsMaxTime = &ts
		}
		if ts, ok := t.Watermark(p).Time(); ok {
			pw.JoinWatermark = &ts
		}
		out = append(out, pw)
	}
	return out
}

func (t *Tracker) streamMap(stream model.Stream) *skipmap.Int32Map[*atomic.Pointer[time.Time]] {
	if stream == model.StreamClicks {
		return t.clicks
	}
	return t.pageViews
}

func (t *Tracker) maxSeen(m *skipmap.Int32Map[*atomic.Pointer[time.Time]], partition int32) (time.Time, bool) {
	v, ok := m.Load(partition)
	if !ok {
		return time.Time{}, false
	}
	maxTime := v.Load()
	if maxTime == nil {
		return time.Time{}, false
	}
	return *maxTime, true
}
