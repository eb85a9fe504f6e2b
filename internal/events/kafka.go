// Package events publishes a record of every fired alert to a Kafka topic so
// downstream consumers (history, analytics) can follow alert activity.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"token-alerts/internal/alerting"
	"token-alerts/internal/metrics"
)

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("events: publisher closed")

// Publisher emits fired-alert events.
type Publisher interface {
	Publish(ctx context.Context, event alerting.FiredEvent) error
	Close() error
}

// KafkaOptions configure the Kafka publisher.
type KafkaOptions struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events asynchronously; partitioning is by instrument so
// events of one instrument stay ordered.
type KafkaPublisher struct {
	writer messageWriter
	logger zerolog.Logger
	closed atomic.Bool

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewKafkaPublisher builds an async kafka-go writer for opts.
func NewKafkaPublisher(opts KafkaOptions, logger zerolog.Logger) (*KafkaPublisher, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if opts.Topic == "" {
		return nil, errors.New("topic is required")
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	p := &KafkaPublisher{
		logger: logger.With().Str("component", "kafka_events").Logger(),
	}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: opts.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion:   p.complete,
	}
	return p, nil
}

func newKafkaPublisherWithWriter(w messageWriter, logger zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: w, logger: logger}
}

// Publish implements Publisher. With the async writer a nil error only means
// the event was accepted for batching; delivery failures are logged later.
func (p *KafkaPublisher) Publish(ctx context.Context, event alerting.FiredEvent) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serialize fired event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.Instrument),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(event.EventID)},
			{Key: "metric_class", Value: []byte(event.Class)},
		},
		Time: event.FiredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.failed.Add(1)
		metrics.EventsPublishFailed.Inc()
		return fmt.Errorf("publish fired event: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) complete(messages []kafka.Message, err error) {
	if err == nil {
		p.published.Add(uint64(len(messages)))
		return
	}
	p.failed.Add(uint64(len(messages)))
	metrics.EventsPublishFailed.Add(float64(len(messages)))
	p.logger.Error().Err(err).Int("batch_size", len(messages)).Msg("failed to write fired events")
}

// Close flushes pending batches and closes the writer.
func (p *KafkaPublisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.writer.Close()
}

// Stats reports counters since start.
func (p *KafkaPublisher) Stats() (published, failed uint64) {
	return p.published.Load(), p.failed.Load()
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, alerting.FiredEvent) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }

var (
	_ Publisher = (*KafkaPublisher)(nil)
	_ Publisher = NopPublisher{}
)
