package producer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/gosight/gosight/attribution/internal/config"
	"github.com/gosight/gosight/attribution/internal/model"
)

const headerEmissionID = "emission_id"

// messageWriter is the subset of kafka.Writer used by the producer
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes attributed page views to the output topic keyed by
// page view id, so a compacted topic keeps the latest attribution only
type KafkaProducer struct {
	writer messageWriter
	topic  string
}

func NewKafkaProducer(cfg config.KafkaConfig) *KafkaProducer {
	return &KafkaProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topics.Output,
			Balancer:     &kafka.Hash{},
			// every Write is one synchronous emission
			BatchSize:    1,
			BatchTimeout: time.Millisecond,
			RequiredAcks: kafka.RequireAll,
		},
		topic: cfg.Topics.Output,
	}
}

// NewMessage encodes one emission
func NewMessage(pv model.AttributedPageView) (kafka.Message, error) {
	data, err := json.Marshal(pv)
	if err != nil {
		return kafka.Message{}, err
	}

	return kafka.Message{
		Key:   []byte(pv.PageViewID),
		Value: data,
		Headers: []kafka.Header{
			{Key: headerEmissionID, Value: []byte(uuid.NewString())},
		},
	}, nil
}

// Write publishes synchronously so a failed write fails the emission
func (p *KafkaProducer) Write(ctx context.Context, pv model.AttributedPageView) error {
	msg, err := NewMessage(pv)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *KafkaProducer) Name() string {
	return "kafka:" + p.topic
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}
