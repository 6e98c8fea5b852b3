package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/gosight/gosight/attribution/internal/config"
	"github.com/gosight/gosight/attribution/internal/model"
	"github.com/gosight/gosight/attribution/internal/transformer"
)

// Processor handles decoded events. A returned error stops consumption
// without committing the event.
type Processor interface {
	ProcessClick(ctx context.Context, click model.ClickEvent) error
	ProcessPageView(ctx context.Context, pv model.PageViewEvent) error
}

// messageReader is the subset of kafka.Reader used by the consumer
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type streamReader struct {
	stream model.Stream
	reader messageReader
}

// KafkaConsumer reads both input topics and hands every partition to its own
// worker, committing each message after it was processed
type KafkaConsumer struct {
	readers   []streamReader
	processor Processor
	queueSize int
}

// NewKafkaConsumer creates one group reader per input topic
func NewKafkaConsumer(cfg config.KafkaConfig, processor Processor) *KafkaConsumer {
	newReader := func(topic string) *kafka.Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       topic,
			GroupID:     cfg.ConsumerGroup,
			MinBytes:    1e3,  // 1KB
			MaxBytes:    10e6, // 10MB
			StartOffset: kafka.FirstOffset,
		})
	}

	return &KafkaConsumer{
		readers: []streamReader{
			{stream: model.StreamClicks, reader: newReader(cfg.Topics.Clicks)},
			{stream: model.StreamPageViews, reader: newReader(cfg.Topics.PageViews)},
		},
		processor: processor,
		queueSize: cfg.QueueSize,
	}
}

// Run consumes until ctx is done or a message fails to process
func (c *KafkaConsumer) Run(ctx context.Context) error {
	log.Info().Int("streams", len(c.readers)).Msg("Starting Kafka consumer")

	g, gctx := errgroup.WithContext(ctx)
	for _, sr := range c.readers {
		g.Go(func() error {
			return c.dispatch(gctx, g, sr)
		})
	}

	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	log.Info().Msg("Kafka consumer stopped")
	return nil
}

// dispatch fetches messages of one stream and routes them to per-partition
// workers, started on the first message of each partition
func (c *KafkaConsumer) dispatch(ctx context.Context, g *errgroup.Group, sr streamReader) error {
	workers := make(map[int]chan kafka.Message)
	defer func() {
		for _, ch := range workers {
			close(ch)
		}
	}()

	for {
		msg, err := sr.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			log.Error().Err(err).Str("stream", string(sr.stream)).Msg("Failed to fetch message")
			continue
		}

		ch, ok := workers[msg.Partition]
		if !ok {
			ch = make(chan kafka.Message, c.queueSize)
			workers[msg.Partition] = ch
			log.Info().
				Str("partition", sr.stream.LogicalPartition(int32(msg.Partition))).
				Msg("Starting partition worker")
			g.Go(func() error {
				return c.work(ctx, sr, ch)
			})
		}

		select {
		case ch <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *KafkaConsumer) work(ctx context.Context, sr streamReader, msgs <-chan kafka.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := c.handle(ctx, sr, msg); err != nil {
				return err
			}
		}
	}
}

// handle processes one message and commits it. Malformed messages are
// logged and committed so they cannot stall the partition.
func (c *KafkaConsumer) handle(ctx context.Context, sr streamReader, msg kafka.Message) error {
	partition := sr.stream.LogicalPartition(int32(msg.Partition))

	if err := c.process(ctx, sr.stream, msg); err != nil {
		if !errors.Is(err, transformer.ErrMalformedEvent) {
			return fmt.Errorf("process %s offset %d: %w", partition, msg.Offset, err)
		}
		log.Error().
			Err(err).
			Str("partition", partition).
			Int64("offset", msg.Offset).
			Str("value", string(msg.Value)).
			Msg("Failed to parse message")
	}

	if err := sr.reader.CommitMessages(ctx, msg); err != nil {
		log.Error().Err(err).Str("partition", partition).Msg("Failed to commit message")
	}
	return nil
}

func (c *KafkaConsumer) process(ctx context.Context, stream model.Stream, msg kafka.Message) error {
	raw, err := transformer.Decode(msg.Value)
	if err != nil {
		return err
	}
	src := transformer.Source{Partition: int32(msg.Partition), Offset: msg.Offset}

	switch stream {
	case model.StreamClicks:
		click, err := transformer.TransformClick(raw, src)
		if err != nil {
			return err
		}
		return c.processor.ProcessClick(ctx, click)
	default:
		pv, err := transformer.TransformPageView(raw, src)
		if err != nil {
			return err
		}
		return c.processor.ProcessPageView(ctx, pv)
	}
}

// Close closes all readers
func (c *KafkaConsumer) Close() error {
	log.Info().Msg("Closing Kafka consumer")
	var errs error
	for _, sr := range c.readers {
		errs = multierr.Append(errs, sr.reader.Close())
	}
	return errs
}
