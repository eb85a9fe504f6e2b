package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-alerts/internal/alerting"
)

type captureWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error {
	w.closed = true
	return nil
}

func sampleEvent() alerting.FiredEvent {
	return alerting.FiredEvent{
		EventID:        "evt-1",
		SubscriptionID: "sub-1",
		Instrument:     "eth-ethereum",
		Class:          "price",
		Direction:      "up",
		Threshold:      "3000",
		Current:        "3001.5",
		FiredAt:        time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestKafkaPublisherKeysByInstrument(t *testing.T) {
	w := &captureWriter{}
	p := newKafkaPublisherWithWriter(w, zerolog.Nop())

	require.NoError(t, p.Publish(context.Background(), sampleEvent()))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "eth-ethereum", string(msg.Key))

	var decoded alerting.FiredEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "sub-1", decoded.SubscriptionID)
	assert.Equal(t, "3001.5", decoded.Current)
}

func TestKafkaPublisherErrorsAndClose(t *testing.T) {
	w := &captureWriter{err: errors.New("broker down")}
	p := newKafkaPublisherWithWriter(w, zerolog.Nop())

	require.Error(t, p.Publish(context.Background(), sampleEvent()))
	_, failed := p.Stats()
	assert.EqualValues(t, 1, failed)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
	assert.ErrorIs(t, p.Publish(context.Background(), sampleEvent()), ErrPublisherClosed)
}

func TestNewKafkaPublisherValidates(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaOptions{Topic: "t"}, zerolog.Nop())
	require.Error(t, err)
	_, err = NewKafkaPublisher(KafkaOptions{Brokers: []string{"localhost:9092"}}, zerolog.Nop())
	require.Error(t, err)
}
