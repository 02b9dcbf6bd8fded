package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lng"`
}

// DriverStatus is the availability flag a driver reports on heartbeat.
type DriverStatus string

const (
	DriverAvailable   DriverStatus = "available"
	DriverUnavailable DriverStatus = "unavailable"
)

func (s DriverStatus) Valid() bool {
	return s == DriverAvailable || s == DriverUnavailable
}

// DriverAvailability is the short-lived record refreshed by every heartbeat.
type DriverAvailability struct {
	DriverID        string       `json:"driver_id"`
	Status          DriverStatus `json:"status"`
	Location        *Coord       `json:"location,omitempty"`
	Capacity        int          `json:"capacity"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
}

type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferDeclined OfferStatus = "declined"
	OfferExpired  OfferStatus = "expired"
)

// Offer is a time-bound proposal of one booking to one driver.
type Offer struct {
	ID          string      `json:"id"`
	BookingID   string      `json:"booking_id"`
	DriverID    string      `json:"driver_id"`
	PassengerID string      `json:"passenger_id"`
	Status      OfferStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
}

type BookingStatus string

const (
	BookingRequested      BookingStatus = "requested"
	BookingDriverAssigned BookingStatus = "driver_assigned"
	BookingInProgress     BookingStatus = "in_progress"
	BookingCompleted      BookingStatus = "completed"
	BookingCancelled      BookingStatus = "cancelled"
)

type Booking struct {
	ID          string            `json:"id"`
	PassengerID string            `json:"passenger_id"`
	DriverID    string            `json:"driver_id,omitempty"`
	Status      BookingStatus     `json:"status"`
	Pickup      Coord             `json:"pickup"`
	Dropoff     *Coord            `json:"dropoff,omitempty"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	RequestedAt time.Time         `json:"requested_at"`
	AcceptedAt  *time.Time        `json:"accepted_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Matchable reports whether dispatch may still offer the booking to a driver.
func (b Booking) Matchable() bool {
	return b.Status == BookingRequested
}

// PriorityScore orders the booking queue: scheduled time when present,
// otherwise the request time, in unix milliseconds.
func (b Booking) PriorityScore() float64 {
	if b.ScheduledAt != nil && !b.ScheduledAt.IsZero() {
		return float64(b.ScheduledAt.UnixMilli())
	}
	return float64(b.RequestedAt.UnixMilli())
}

// BookingUpdate carries the fields dispatch is allowed to change on a booking.
// Nil fields are left untouched; Metadata is merged.
type BookingUpdate struct {
	Status     *BookingStatus
	DriverID   *string
	AcceptedAt *time.Time
	Metadata   map[string]string
}

// OfferSummary is the payload broadcast for offer lifecycle events.
type OfferSummary struct {
	Offer          Offer   `json:"offer"`
	Pickup         Coord   `json:"pickup"`
	Dropoff        *Coord  `json:"dropoff,omitempty"`
	DistanceMeters float64 `json:"pickup_distance_m,omitempty"`
	ExpiresAt      int64   `json:"expires_at"`
	Reason         string  `json:"reason,omitempty"`
}
