package storage

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/gosight/gosight/attribution/internal/model"
)

// Writer persists attributed page views. Implementations must upsert by page
// view id so repeated emissions converge to the last one written.
type Writer interface {
	Name() string
	Write(ctx context.Context, pv model.AttributedPageView) error
}

// Fanout writes every emission to all writers. A failure in any writer fails
// the write so the source offset is not committed.
type Fanout struct {
	writers []Writer
}

func NewFanout(writers ...Writer) *Fanout {
	return &Fanout{writers: writers}
}

func (f *Fanout) Name() string {
	return "fanout"
}

func (f *Fanout) Write(ctx context.Context, pv model.AttributedPageView) error {
	var errs error
	for _, w := range f.writers {
		if err := w.Write(ctx, pv); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", w.Name(), err))
		}
	}
	return errs
}

// Len returns the number of configured writers
func (f *Fanout) Len() int {
	return len(f.writers)
}

// Memory keeps every emission in order, and the latest per page view
type Memory struct {
	mu      sync.Mutex
	records []model.AttributedPageView
	latest  map[string]model.AttributedPageView
}

func NewMemory() *Memory {
	return &Memory{latest: make(map[string]model.AttributedPageView)}
}

func (m *Memory) Name() string {
	return "memory"
}

func (m *Memory) Write(_ context.Context, pv model.AttributedPageView) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, pv)
	m.latest[pv.PageViewID] = pv
	return nil
}

// Records returns a copy of every emission in write order
func (m *Memory) Records() []model.AttributedPageView {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.AttributedPageView, len(m.records))
	copy(out, m.records)
	return out
}

// Latest returns the upserted view of a page view
func (m *Memory) Latest(pageViewID string) (model.AttributedPageView, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pv, ok := m.latest[pageViewID]
	return pv, ok
}
