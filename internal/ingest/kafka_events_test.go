package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/dispatch"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestEventWriterKeysByChannel(t *testing.T) {
	fw := &fakeWriter{}
	w := &EventWriter{writer: fw, timeout: time.Second}

	require.NoError(t, w.Publish(context.Background(), "driver:d1", dispatch.EventOfferCreated, map[string]string{"offer": "o1"}))
	require.Len(t, fw.msgs, 1)
	msg := fw.msgs[0]
	assert.Equal(t, "driver:d1", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, dispatch.EventOfferCreated, string(msg.Headers[0].Value))

	var env dispatch.Envelope
	require.NoError(t, json.Unmarshal(msg.Value, &env))
	assert.Equal(t, dispatch.EventOfferCreated, env.Type)
}

func TestEventWriterPropagatesWriteError(t *testing.T) {
	w := &EventWriter{writer: &fakeWriter{err: errors.New("broker down")}, timeout: time.Second}
	assert.Error(t, w.Publish(context.Background(), "passenger:p1", dispatch.EventBookingOffer, nil))
}

func TestNewEventWriterIsSynchronous(t *testing.T) {
	w := NewEventWriter([]string{"localhost:9092"}, "dispatch-events")
	defer w.Close()

	kw, ok := w.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.False(t, kw.Async, "delivery errors must reach Publish")
	assert.Equal(t, "dispatch-events", kw.Topic)
	assert.Equal(t, 2*time.Second, w.timeout)
}

func TestEventMessageRejectsUnencodablePayload(t *testing.T) {
	_, err := eventMessage("driver:d1", dispatch.EventOfferCreated, make(chan int))
	assert.Error(t, err)
}
