package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gosight/gosight/attribution/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []kafka.Message
	closed    bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.msgs <- m
	}
	close(r.msgs)
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m, ok := <-r.msgs:
		if !ok {
			return kafka.Message{}, io.EOF
		}
		return m, nil
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) committedOffsets(partition int) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, m := range r.committed {
		if m.Partition == partition {
			out = append(out, m.Offset)
		}
	}
	return out
}

type fakeProcessor struct {
	mu        sync.Mutex
	clicks    []model.ClickEvent
	pageViews []model.PageViewEvent
	failOn    string
	err       error
}

func (p *fakeProcessor) ProcessClick(_ context.Context, click model.ClickEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if click.ClickID == p.failOn {
		return p.err
	}
	p.clicks = append(p.clicks, click)
	return nil
}

func (p *fakeProcessor) ProcessPageView(_ context.Context, pv model.PageViewEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pv.EventID == p.failOn {
		return p.err
	}
	p.pageViews = append(p.pageViews, pv)
	return nil
}

func clickMessage(partition int, offset int64, id string) kafka.Message {
	return kafka.Message{
		Partition: partition,
		Offset:    offset,
		Value:     []byte(fmt.Sprintf(`{"user_id":"u1","event_time":"2024-01-01T10:00:00","campaign_id":"camp","click_id":%q}`, id)),
	}
}

func pageViewMessage(partition int, offset int64, id string) kafka.Message {
	return kafka.Message{
		Partition: partition,
		Offset:    offset,
		Value:     []byte(fmt.Sprintf(`{"user_id":"u1","event_time":"2024-01-01T10:05:00","url":"/home","event_id":%q}`, id)),
	}
}

func newTestConsumer(clicks, pageViews *fakeReader, p Processor) *KafkaConsumer {
	return &KafkaConsumer{
		readers: []streamReader{
			{stream: model.StreamClicks, reader: clicks},
			{stream: model.StreamPageViews, reader: pageViews},
		},
		processor: p,
		queueSize: 4,
	}
}

func runWithTimeout(t *testing.T, c *KafkaConsumer) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Run(ctx)
}

func TestKafkaConsumer_ProcessesAndCommitsPerPartition(t *testing.T) {
	clicks := newFakeReader(
		clickMessage(0, 10, "c1"),
		clickMessage(1, 20, "c2"),
		clickMessage(0, 11, "c3"),
		clickMessage(1, 21, "c4"),
	)
	pageViews := newFakeReader(pageViewMessage(0, 5, "pv1"))
	p := &fakeProcessor{}

	require.NoError(t, runWithTimeout(t, newTestConsumer(clicks, pageViews, p)))

	assert.Len(t, p.clicks, 4)
	require.Len(t, p.pageViews, 1)
	assert.Equal(t, "pv1", p.pageViews[0].EventID)
	assert.Equal(t, int64(5), p.pageViews[0].Offset)

	// order is kept within a partition
	assert.Equal(t, []int64{10, 11}, clicks.committedOffsets(0))
	assert.Equal(t, []int64{20, 21}, clicks.committedOffsets(1))
	assert.Equal(t, []int64{5}, pageViews.committedOffsets(0))

	for _, c := range p.clicks {
		assert.Equal(t, int32(c.Offset/10-1), c.Partition)
	}
}

func TestKafkaConsumer_CommitsMalformedMessages(t *testing.T) {
	clicks := newFakeReader(
		kafka.Message{Partition: 0, Offset: 1, Value: []byte(`{broken`)},
		kafka.Message{Partition: 0, Offset: 2, Value: []byte(`{"user_id":"u1","click_id":"c1"}`)},
		clickMessage(0, 3, "c2"),
	)
	pageViews := newFakeReader()
	p := &fakeProcessor{}

	require.NoError(t, runWithTimeout(t, newTestConsumer(clicks, pageViews, p)))

	require.Len(t, p.clicks, 1)
	assert.Equal(t, "c2", p.clicks[0].ClickID)
	assert.Equal(t, []int64{1, 2, 3}, clicks.committedOffsets(0))
}

func TestKafkaConsumer_StopsOnProcessingError(t *testing.T) {
	boom := errors.New("sink down")
	clicks := newFakeReader(
		clickMessage(0, 1, "c1"),
		clickMessage(0, 2, "bad"),
		clickMessage(0, 3, "c3"),
	)
	pageViews := newFakeReader()
	p := &fakeProcessor{failOn: "bad", err: boom}

	err := runWithTimeout(t, newTestConsumer(clicks, pageViews, p))
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "ad_clicks_0 offset 2")

	// the failed message and everything after it stay uncommitted
	assert.Equal(t, []int64{1}, clicks.committedOffsets(0))
}

func TestKafkaConsumer_StopsOnCancel(t *testing.T) {
	clicks := &fakeReader{msgs: make(chan kafka.Message)}
	pageViews := &fakeReader{msgs: make(chan kafka.Message)}
	c := newTestConsumer(clicks, pageViews, &fakeProcessor{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
	}()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}

	require.NoError(t, c.Close())
	assert.True(t, clicks.closed)
	assert.True(t, pageViews.closed)
}
