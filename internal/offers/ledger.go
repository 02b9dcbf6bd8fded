// Package offers keeps the lifecycle of dispatch offers: one hash per offer
// and a per-driver index of the offers still outstanding for that driver.
//
// The ledger is the only writer of offer status. Transitions go through
// Transition, a compare-and-swap on the status field, so an accept racing a
// decline or an expiry sweep resolves to exactly one winner.
package offers

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/kvstore"
	"github.com/example/ride-dispatch/internal/models"
)

const (
	fieldID          = "id"
	fieldBookingID   = "bookingId"
	fieldDriverID    = "driverId"
	fieldPassengerID = "passengerId"
	fieldStatus      = "status"
	fieldCreatedAt   = "createdAt"
)

type Ledger struct {
	store     kvstore.Store
	ns        string
	retention time.Duration
	now       func() time.Time
}

// NewLedger stores offers under namespace. A pending offer never expires on
// its own, so a booking is not lost when no sweep runs for a while; once
// resolved, the offer hash stays readable for retention.
func NewLedger(store kvstore.Store, namespace string, retention time.Duration, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: store, ns: namespace, retention: retention, now: now}
}

func (l *Ledger) offerKey(id string) string        { return l.ns + "offer:" + id }
func (l *Ledger) driverKey(driverID string) string { return l.ns + "driver-offers:" + driverID }

// Create records a new pending offer of booking to driverID. It does not check
// for other pending offers; the matcher only picks drivers without one.
func (l *Ledger) Create(ctx context.Context, driverID string, booking models.Booking) models.Offer {
	o := models.Offer{
		ID:          uuid.NewString(),
		BookingID:   booking.ID,
		DriverID:    driverID,
		PassengerID: booking.PassengerID,
		Status:      models.OfferPending,
		CreatedAt:   l.now(),
	}
	l.store.SetFields(ctx, l.offerKey(o.ID), encode(o))
	l.store.AddScored(ctx, l.driverKey(driverID), o.ID, float64(o.CreatedAt.UnixMilli()))
	return o
}

func (l *Ledger) Get(ctx context.Context, id string) (models.Offer, bool) {
	if id == "" {
		return models.Offer{}, false
	}
	return decode(l.store.GetAllFields(ctx, l.offerKey(id)))
}

// ListForDriver returns the offers indexed for driverID by creation time.
// Index entries whose offer has vanished are pruned.
func (l *Ledger) ListForDriver(ctx context.Context, driverID string) []models.Offer {
	idx := l.driverKey(driverID)
	entries := l.store.RangeScored(ctx, idx, 0, -1)
	out := make([]models.Offer, 0, len(entries))
	var stale []string
	for _, e := range entries {
		o, ok := l.Get(ctx, e.Member)
		if !ok {
			stale = append(stale, e.Member)
			continue
		}
		out = append(out, o)
	}
	if len(stale) > 0 {
		l.store.RemoveScored(ctx, idx, stale...)
	}
	sortByCreated(out)
	return out
}

// HasPending reports whether driverID holds at least one pending offer.
func (l *Ledger) HasPending(ctx context.Context, driverID string) bool {
	for _, o := range l.ListForDriver(ctx, driverID) {
		if o.Status == models.OfferPending {
			return true
		}
	}
	return false
}

// SetStatus overwrites the status unconditionally. Resolution paths use
// Transition instead.
func (l *Ledger) SetStatus(ctx context.Context, id string, status models.OfferStatus) bool {
	key := l.offerKey(id)
	if len(l.store.GetAllFields(ctx, key)) == 0 {
		return false
	}
	l.store.SetFields(ctx, key, map[string]string{fieldStatus: string(status)})
	if status != models.OfferPending {
		l.store.Expire(ctx, key, l.retention)
	}
	return true
}

// Transition moves offer id from one status to another only if it is still in
// from. It reports whether this call made the change. Leaving pending starts
// the retention clock.
func (l *Ledger) Transition(ctx context.Context, id string, from, to models.OfferStatus) bool {
	key := l.offerKey(id)
	if !l.store.CompareAndSetField(ctx, key, fieldStatus, string(from), string(to)) {
		return false
	}
	if to != models.OfferPending {
		l.store.Expire(ctx, key, l.retention)
	}
	return true
}

// Remove drops offerID from the driver's index; the index key goes away with
// its last member. The offer hash stays readable by id until its retention
// runs out.
func (l *Ledger) Remove(ctx context.Context, driverID, offerID string) {
	l.store.RemoveScored(ctx, l.driverKey(driverID), offerID)
}

// ListPending scans every live offer and returns the pending ones, oldest first.
func (l *Ledger) ListPending(ctx context.Context) []models.Offer {
	prefix := l.offerKey("")
	var out []models.Offer
	for _, key := range l.store.KeysMatching(ctx, prefix) {
		o, ok := decode(l.store.GetAllFields(ctx, key))
		if ok && o.Status == models.OfferPending {
			out = append(out, o)
		}
	}
	sortByCreated(out)
	return out
}

func sortByCreated(offers []models.Offer) {
	sort.SliceStable(offers, func(i, j int) bool {
		return offers[i].CreatedAt.Before(offers[j].CreatedAt)
	})
}

func encode(o models.Offer) map[string]string {
	return map[string]string{
		fieldID:          o.ID,
		fieldBookingID:   o.BookingID,
		fieldDriverID:    o.DriverID,
		fieldPassengerID: o.PassengerID,
		fieldStatus:      string(o.Status),
		fieldCreatedAt:   strconv.FormatInt(o.CreatedAt.UnixMilli(), 10),
	}
}

func decode(fields map[string]string) (models.Offer, bool) {
	if fields[fieldID] == "" {
		return models.Offer{}, false
	}
	ms, _ := strconv.ParseInt(fields[fieldCreatedAt], 10, 64)
	return models.Offer{
		ID:          fields[fieldID],
		BookingID:   fields[fieldBookingID],
		DriverID:    fields[fieldDriverID],
		PassengerID: fields[fieldPassengerID],
		Status:      models.OfferStatus(fields[fieldStatus]),
		CreatedAt:   time.UnixMilli(ms),
	}, true
}
