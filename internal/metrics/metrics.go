package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/gosight/gosight/attribution/internal/model"
)

// Recorder receives side-channel notifications from the join engine
type Recorder interface {
	ClickReceived()
	PageViewReceived()
	PageViewEmitted()
	PageViewsRevised(n int)
	LateEventDropped(stream model.Stream)
	ClickStateSize(n int64)
	PageViewStateSize(n int)
}

// Noop discards every notification
type Noop struct{}

func (Noop) ClickReceived()                {}
func (Noop) PageViewReceived()             {}
func (Noop) PageViewEmitted()              {}
func (Noop) PageViewsRevised(int)          {}
func (Noop) LateEventDropped(model.Stream) {}
func (Noop) ClickStateSize(int64)          {}
func (Noop) PageViewStateSize(int)         {}

const (
	namespace   = "attribution"
	labelStream = "stream"
)

// Snapshot is the read model served on /stats
type Snapshot struct {
	ClicksReceived    int64     `json:"clicks_received"`
	PageViewsReceived int64     `json:"page_views_received"`
	PageViewsEmitted  int64     `json:"page_views_emitted"`
	PageViewsRevised  int64     `json:"page_views_updated"`
	LateClicks        int64     `json:"late_clicks_dropped"`
	LatePageViews     int64     `json:"late_page_views_dropped"`
	ClickStateSize    int64     `json:"click_state_size"`
	PageViewStateSize int64     `json:"page_view_state_size"`
	LastUpdatedAt     time.Time `json:"last_updated_at"`
}

// Registry implements Recorder on top of a dedicated Prometheus registry and
// keeps plain counters for the JSON snapshot
type Registry struct {
	reg *prometheus.Registry

	clicksReceived    prometheus.Counter
	pageViewsReceived prometheus.Counter
	pageViewsEmitted  prometheus.Counter
	pageViewsRevised  prometheus.Counter
	lateEvents        *prometheus.CounterVec
	clickState        prometheus.Gauge
	pageViewState     prometheus.Gauge

	clicks        *atomic.Int64
	pageViews     *atomic.Int64
	emitted       *atomic.Int64
	revised       *atomic.Int64
	lateClicks    *atomic.Int64
	latePageViews *atomic.Int64
	clickSize     *atomic.Int64
	pageViewSize  *atomic.Int64
	lastUpdated   *atomic.Time
}

// NewRegistry creates a registry with all attribution metrics registered
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		clicksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clicks_received_total",
			Help:      "Total number of ad clicks handed to the join engine",
		}),
		pageViewsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "page_views_received_total",
			Help:      "Total number of page views handed to the join engine",
		}),
		pageViewsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "page_views_emitted_total",
			Help:      "Total number of first emissions of attributed page views",
		}),
		pageViewsRevised: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "page_views_revised_total",
			Help:      "Total number of attribution revisions caused by late clicks",
		}),
		lateEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "late_events_dropped_total",
			Help:      "Total number of events dropped behind the watermark",
		}, []string{labelStream}),
		clickState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "click_state_size",
			Help:      "Number of clicks held in state",
		}),
		pageViewState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "page_view_state_size",
			Help:      "Number of emitted page views still open for revision",
		}),
		clicks:        atomic.NewInt64(0),
		pageViews:     atomic.NewInt64(0),
		emitted:       atomic.NewInt64(0),
		revised:       atomic.NewInt64(0),
		lateClicks:    atomic.NewInt64(0),
		latePageViews: atomic.NewInt64(0),
		clickSize:     atomic.NewInt64(0),
		pageViewSize:  atomic.NewInt64(0),
		lastUpdated:   atomic.NewTime(time.Now()),
	}

	r.reg.MustRegister(
		r.clicksReceived,
		r.pageViewsReceived,
		r.pageViewsEmitted,
		r.pageViewsRevised,
		r.lateEvents,
		r.clickState,
		r.pageViewState,
	)
	return r
}

// Gatherer exposes the underlying registry for the /metrics handler
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) ClickReceived() {
	r.clicksReceived.Inc()
	r.clicks.Inc()
	r.touch()
}

func (r *Registry) PageViewReceived() {
	r.pageViewsReceived.Inc()
	r.pageViews.Inc()
	r.touch()
}

func (r *Registry) PageViewEmitted() {
	r.pageViewsEmitted.Inc()
	r.emitted.Inc()
	r.touch()
}

func (r *Registry) PageViewsRevised(n int) {
	if n <= 0 {
		return
	}
	r.pageViewsRevised.Add(float64(n))
	r.revised.Add(int64(n))
	r.touch()
}

func (r *Registry) LateEventDropped(stream model.Stream) {
	r.lateEvents.WithLabelValues(string(stream)).Inc()
	if stream == model.StreamClicks {
		r.lateClicks.Inc()
	} else {
		r.latePageViews.Inc()
	}
	r.touch()
}

func (r *Registry) ClickStateSize(n int64) {
	r.clickState.Set(float64(n))
	r.clickSize.Store(n)
	r.touch()
}

func (r *Registry) PageViewStateSize(n int) {
	r.pageViewState.Set(float64(n))
	r.pageViewSize.Store(int64(n))
	r.touch()
}

// Snapshot returns the current counter values
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		ClicksReceived:    r.clicks.Load(),
		PageViewsReceived: r.pageViews.Load(),
		PageViewsEmitted:  r.emitted.Load(),
		PageViewsRevised:  r.revised.Load(),
		LateClicks:        r.lateClicks.Load(),
		LatePageViews:     r.latePageViews.Load(),
		ClickStateSize:    r.clickSize.Load(),
		PageViewStateSize: r.pageViewSize.Load(),
		LastUpdatedAt:     r.lastUpdated.Load(),
	}
}

func (r *Registry) touch() {
	r.lastUpdated.Store(time.Now())
}
