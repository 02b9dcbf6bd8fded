// Package dispatch fans dispatch state changes out to connected clients.
// Broadcasts are hints: clients re-read authoritative state on receipt.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

const AvailabilityChannel = "dispatch:availability"

// Event types.
const (
	EventAvailability   = "dispatch.availability"
	EventOfferCreated   = "dispatch.offer.created"
	EventOfferAccepted  = "dispatch.offer.accepted"
	EventOfferDeclined  = "dispatch.offer.declined"
	EventOfferExpired   = "dispatch.offer.expired"
	EventBookingOffer   = "booking.offer.created"
	EventBookingAssign  = "booking.driver_assigned"
	EventBookingDecline = "booking.offer.declined"
	EventBookingExpire  = "booking.offer.expired"
	// EventBookingNote carries the free-text reason a driver gave when declining.
	EventBookingNote = "booking.offer.declined.reason"
)

func DriverChannel(id string) string    { return "driver:" + id }
func PassengerChannel(id string) string { return "passenger:" + id }

// Publisher is the realtime broadcaster seen by the dispatch core.
type Publisher interface {
	Publish(ctx context.Context, channel, eventType string, payload any) error
}

// Envelope is what every sink puts on the wire.
type Envelope struct {
	Channel string    `json:"channel"`
	Type    string    `json:"type"`
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sent_at"`
}

func NewEnvelope(channel, eventType string, payload any) Envelope {
	return Envelope{Channel: channel, Type: eventType, Payload: payload, SentAt: time.Now().UTC()}
}

type Nop struct{}

func (Nop) Publish(context.Context, string, string, any) error { return nil }

// Sink names a Publisher for failure accounting.
type Sink struct {
	Name      string
	Publisher Publisher
}

// Fanout publishes every event to all sinks. One failing sink does not stop
// delivery to the others.
type Fanout struct {
	sinks []Sink
}

func NewFanout(sinks ...Sink) *Fanout {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s.Publisher != nil {
			out = append(out, s)
		}
	}
	return &Fanout{sinks: out}
}

func (f *Fanout) Publish(ctx context.Context, channel, eventType string, payload any) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publisher.Publish(ctx, channel, eventType, payload); err != nil {
			observability.BroadcastFailures.WithLabelValues(s.Name).Inc()
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
