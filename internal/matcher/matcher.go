package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("offer already resolved")
)

type Registry interface {
	FindMatchable(ctx context.Context, exclude map[string]struct{}) (models.DriverAvailability, bool)
	SetStatus(ctx context.Context, driverID string, status models.DriverStatus)
}

type Ledger interface {
	Create(ctx context.Context, driverID string, booking models.Booking) models.Offer
	Get(ctx context.Context, id string) (models.Offer, bool)
	Transition(ctx context.Context, id string, from, to models.OfferStatus) bool
	Remove(ctx context.Context, driverID, offerID string)
}

type Queue interface {
	Enqueue(ctx context.Context, bookingID string, score float64)
	Remove(ctx context.Context, bookingID string)
}

// Bookings is the part of the booking collaborator dispatch touches.
type Bookings interface {
	GetBooking(ctx context.Context, id string) (models.Booking, bool, error)
	UpdateBooking(ctx context.Context, id string, upd models.BookingUpdate) (models.Booking, bool, error)
}

type Deps struct {
	Registry  Registry
	Ledger    Ledger
	Queue     Queue
	Bookings  Bookings
	Publisher dispatch.Publisher
	Logger    *slog.Logger
	OfferTTL  time.Duration
	Now       func() time.Time
}

// Service pairs bookings with drivers and resolves driver responses.
type Service struct {
	Deps
	// mu serialises driver selection with offer creation inside this process
	// so two attempts cannot both pick the same idle driver.
	mu sync.Mutex
}

func New(d Deps) *Service {
	if d.Publisher == nil {
		d.Publisher = dispatch.Nop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	d.Logger = d.Logger.With("component", "matcher")
	return &Service{Deps: d}
}

// AttemptMatch offers booking to the best available driver not in exclude.
// It returns false when no driver is free; the caller decides whether the
// booking goes back to the queue.
func (s *Service) AttemptMatch(ctx context.Context, booking models.Booking, exclude map[string]struct{}) bool {
	s.mu.Lock()
	driver, ok := s.Registry.FindMatchable(ctx, exclude)
	if !ok {
		s.mu.Unlock()
		observability.MatchAttempts.WithLabelValues("no_driver").Inc()
		return false
	}
	offer := s.Ledger.Create(ctx, driver.DriverID, booking)
	s.mu.Unlock()

	s.Queue.Remove(ctx, booking.ID)
	observability.MatchAttempts.WithLabelValues("matched").Inc()
	observability.OffersTotal.WithLabelValues(string(models.OfferPending)).Inc()

	summary := models.OfferSummary{
		Offer:          offer,
		Pickup:         booking.Pickup,
		Dropoff:        booking.Dropoff,
		DistanceMeters: geo.Distance(driver.Location, &booking.Pickup),
		ExpiresAt:      offer.CreatedAt.Add(s.OfferTTL).UnixMilli(),
	}
	s.publish(ctx, dispatch.DriverChannel(offer.DriverID), dispatch.EventOfferCreated, summary)
	s.publish(ctx, dispatch.PassengerChannel(offer.PassengerID), dispatch.EventBookingOffer, summary)
	s.Logger.Info("offer created", "offer_id", offer.ID, "booking_id", booking.ID, "driver_id", offer.DriverID)
	return true
}

// AcceptOffer resolves a pending offer in the driver's favour and assigns the
// booking to them.
func (s *Service) AcceptOffer(ctx context.Context, driverID, offerID string) (models.Booking, error) {
	offer, err := s.pendingOffer(ctx, driverID, offerID)
	if err != nil {
		return models.Booking{}, err
	}
	if !s.Ledger.Transition(ctx, offer.ID, models.OfferPending, models.OfferAccepted) {
		return models.Booking{}, ErrConflict
	}
	offer.Status = models.OfferAccepted
	s.Ledger.Remove(ctx, driverID, offer.ID)
	s.Registry.SetStatus(ctx, driverID, models.DriverUnavailable)
	observability.OffersTotal.WithLabelValues(string(models.OfferAccepted)).Inc()

	status := models.BookingDriverAssigned
	acceptedAt := s.Now()
	booking, found, err := s.Bookings.UpdateBooking(ctx, offer.BookingID, models.BookingUpdate{
		Status:     &status,
		DriverID:   &driverID,
		AcceptedAt: &acceptedAt,
		Metadata:   map[string]string{"offerId": offer.ID},
	})
	if err != nil {
		s.Logger.Error("assign booking failed", "booking_id", offer.BookingID, "offer_id", offer.ID, "error", err)
		s.releaseAccepted(ctx, offer)
		return models.Booking{}, fmt.Errorf("assign booking %s: %w", offer.BookingID, err)
	}
	if !found {
		s.releaseAccepted(ctx, offer)
		return models.Booking{}, fmt.Errorf("booking %s: %w", offer.BookingID, ErrNotFound)
	}
	s.Queue.Remove(ctx, booking.ID)

	s.publish(ctx, dispatch.DriverChannel(driverID), dispatch.EventOfferAccepted, offer)
	s.publish(ctx, dispatch.PassengerChannel(offer.PassengerID), dispatch.EventBookingAssign, booking)
	s.Logger.Info("offer accepted", "offer_id", offer.ID, "booking_id", booking.ID, "driver_id", driverID)
	return booking, nil
}

// releaseAccepted undoes an acceptance whose booking could not be assigned:
// the offer is declined, the driver freed and the booking queued again so the
// worker retries it once the booking store recovers.
func (s *Service) releaseAccepted(ctx context.Context, offer models.Offer) {
	if !s.Ledger.Transition(ctx, offer.ID, models.OfferAccepted, models.OfferDeclined) {
		return
	}
	offer.Status = models.OfferDeclined
	s.Registry.SetStatus(ctx, offer.DriverID, models.DriverAvailable)
	s.Queue.Enqueue(ctx, offer.BookingID, float64(s.Now().UnixMilli()))
	s.publish(ctx, dispatch.DriverChannel(offer.DriverID), dispatch.EventOfferDeclined, offer)
	s.Logger.Warn("acceptance rolled back, booking requeued", "offer_id", offer.ID, "booking_id", offer.BookingID, "driver_id", offer.DriverID)
}

// RejectOffer declines a pending offer, frees the driver and sends the
// booking back through matching without them. A non-pending offer yields
// ErrConflict and no redispatch.
func (s *Service) RejectOffer(ctx context.Context, driverID, offerID, reason string) error {
	offer, err := s.pendingOffer(ctx, driverID, offerID)
	if err != nil {
		return err
	}
	if !s.Ledger.Transition(ctx, offer.ID, models.OfferPending, models.OfferDeclined) {
		return ErrConflict
	}
	offer.Status = models.OfferDeclined
	s.Ledger.Remove(ctx, driverID, offer.ID)
	s.Registry.SetStatus(ctx, driverID, models.DriverAvailable)
	observability.OffersTotal.WithLabelValues(string(models.OfferDeclined)).Inc()

	s.publish(ctx, dispatch.DriverChannel(driverID), dispatch.EventOfferDeclined, offer)
	s.publish(ctx, dispatch.PassengerChannel(offer.PassengerID), dispatch.EventBookingDecline, offer)
	if reason != "" {
		s.publish(ctx, dispatch.PassengerChannel(offer.PassengerID), dispatch.EventBookingNote,
			models.OfferSummary{Offer: offer, Reason: reason})
	}
	s.Logger.Info("offer declined", "offer_id", offer.ID, "booking_id", offer.BookingID, "driver_id", driverID)

	if err := s.Redispatch(ctx, offer.BookingID, map[string]struct{}{driverID: {}}); err != nil {
		s.Logger.Error("redispatch after decline failed", "booking_id", offer.BookingID, "error", err)
	}
	return nil
}

// Redispatch re-runs matching for a booking whose offer was not accepted.
// Bookings that are no longer matchable are left alone; a failed match puts
// the booking back on the queue scored at now.
func (s *Service) Redispatch(ctx context.Context, bookingID string, exclude map[string]struct{}) error {
	booking, found, err := s.Bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return fmt.Errorf("load booking %s: %w", bookingID, err)
	}
	if !found || !booking.Matchable() {
		return nil
	}
	observability.Redispatches.Inc()
	if s.AttemptMatch(ctx, booking, exclude) {
		return nil
	}
	s.Queue.Enqueue(ctx, booking.ID, float64(s.Now().UnixMilli()))
	s.Logger.Debug("no driver for redispatch, requeued", "booking_id", booking.ID)
	return nil
}

func (s *Service) pendingOffer(ctx context.Context, driverID, offerID string) (models.Offer, error) {
	offer, ok := s.Ledger.Get(ctx, offerID)
	if !ok || offer.DriverID != driverID {
		return models.Offer{}, fmt.Errorf("offer %s: %w", offerID, ErrNotFound)
	}
	if offer.Status != models.OfferPending {
		return models.Offer{}, ErrConflict
	}
	return offer, nil
}

func (s *Service) publish(ctx context.Context, channel, eventType string, payload any) {
	if err := s.Publisher.Publish(ctx, channel, eventType, payload); err != nil {
		s.Logger.Warn("broadcast failed", "channel", channel, "event", eventType, "error", err)
	}
}
