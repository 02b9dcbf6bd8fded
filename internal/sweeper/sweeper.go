// Package sweeper expires offers that drivers did not answer in time.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type Ledger interface {
	ListPending(ctx context.Context) []models.Offer
	Transition(ctx context.Context, id string, from, to models.OfferStatus) bool
	Remove(ctx context.Context, driverID, offerID string)
}

type Registry interface {
	SetStatus(ctx context.Context, driverID string, status models.DriverStatus)
}

type Redispatcher interface {
	Redispatch(ctx context.Context, bookingID string, exclude map[string]struct{}) error
}

type Sweeper struct {
	ledger     Ledger
	registry   Registry
	redispatch Redispatcher
	publisher  dispatch.Publisher
	ttl        time.Duration
	logger     *slog.Logger
}

func New(ledger Ledger, registry Registry, redispatch Redispatcher, publisher dispatch.Publisher, ttl time.Duration, logger *slog.Logger) *Sweeper {
	if publisher == nil {
		publisher = dispatch.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		ledger:     ledger,
		registry:   registry,
		redispatch: redispatch,
		publisher:  publisher,
		ttl:        ttl,
		logger:     logger.With("component", "sweeper"),
	}
}

// Sweep expires every pending offer created at or before now minus the offer
// TTL and returns how many it expired. Offers another caller resolved first
// are skipped, so repeated or concurrent sweeps expire each offer once.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) int {
	start := time.Now()
	defer func() { observability.SweepDuration.Observe(time.Since(start).Seconds()) }()

	cutoff := now.Add(-s.ttl)
	expired := 0
	for _, offer := range s.ledger.ListPending(ctx) {
		if offer.CreatedAt.After(cutoff) {
			continue
		}
		if !s.ledger.Transition(ctx, offer.ID, models.OfferPending, models.OfferExpired) {
			continue
		}
		expired++
		offer.Status = models.OfferExpired
		s.ledger.Remove(ctx, offer.DriverID, offer.ID)
		s.registry.SetStatus(ctx, offer.DriverID, models.DriverAvailable)
		observability.OffersTotal.WithLabelValues(string(models.OfferExpired)).Inc()

		s.publish(ctx, dispatch.DriverChannel(offer.DriverID), dispatch.EventOfferExpired, offer)
		s.publish(ctx, dispatch.PassengerChannel(offer.PassengerID), dispatch.EventBookingExpire, offer)
		s.logger.Info("offer expired", "offer_id", offer.ID, "booking_id", offer.BookingID, "driver_id", offer.DriverID)

		if err := s.redispatch.Redispatch(ctx, offer.BookingID, map[string]struct{}{offer.DriverID: {}}); err != nil {
			s.logger.Error("redispatch after expiry failed", "booking_id", offer.BookingID, "error", err)
		}
	}
	return expired
}

func (s *Sweeper) publish(ctx context.Context, channel, eventType string, payload any) {
	if err := s.publisher.Publish(ctx, channel, eventType, payload); err != nil {
		s.logger.Warn("broadcast failed", "channel", channel, "event", eventType, "error", err)
	}
}
