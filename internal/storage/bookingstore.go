package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrInvalidBooking = errors.New("invalid booking")

// BookingStore is the booking collaborator dispatch reads and updates. It is
// the single source of truth for a ride's status.
type BookingStore interface {
	CreateBooking(ctx context.Context, b models.Booking) (models.Booking, error)
	GetBooking(ctx context.Context, id string) (models.Booking, bool, error)
	UpdateBooking(ctx context.Context, id string, upd models.BookingUpdate) (models.Booking, bool, error)
}

// prepareNew fills ids and timestamps for a booking about to be created.
func prepareNew(b models.Booking, now time.Time) (models.Booking, error) {
	if b.PassengerID == "" {
		return models.Booking{}, errors.Join(ErrInvalidBooking, errors.New("passenger id required"))
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Status == "" {
		b.Status = models.BookingRequested
	}
	if b.RequestedAt.IsZero() {
		b.RequestedAt = now
	}
	b.CreatedAt = now
	b.UpdatedAt = now
	return b, nil
}

func applyUpdate(b models.Booking, upd models.BookingUpdate, now time.Time) models.Booking {
	if upd.Status != nil {
		b.Status = *upd.Status
	}
	if upd.DriverID != nil {
		b.DriverID = *upd.DriverID
	}
	if upd.AcceptedAt != nil {
		t := *upd.AcceptedAt
		b.AcceptedAt = &t
	}
	if len(upd.Metadata) > 0 {
		merged := make(map[string]string, len(b.Metadata)+len(upd.Metadata))
		for k, v := range b.Metadata {
			merged[k] = v
		}
		for k, v := range upd.Metadata {
			merged[k] = v
		}
		b.Metadata = merged
	}
	b.UpdatedAt = now
	return b
}

type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]models.Booking
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bookings: make(map[string]models.Booking), now: time.Now}
}

func (m *MemoryStore) CreateBooking(ctx context.Context, b models.Booking) (models.Booking, error) {
	b, err := prepareNew(b, m.now())
	if err != nil {
		return models.Booking{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings[b.ID] = b
	return b, nil
}

func (m *MemoryStore) GetBooking(ctx context.Context, id string) (models.Booking, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	return b, ok, nil
}

func (m *MemoryStore) UpdateBooking(ctx context.Context, id string, upd models.BookingUpdate) (models.Booking, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return models.Booking{}, false, nil
	}
	b = applyUpdate(b, upd, m.now())
	m.bookings[id] = b
	return b, true, nil
}
