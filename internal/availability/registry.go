// Package availability tracks which drivers can take an offer right now.
//
// Each driver has a short-lived record refreshed by heartbeats, plus a
// membership in the available index scored by last heartbeat. Records expire
// on their own when a driver goes quiet; index entries pointing at vanished
// records are evicted lazily by FindMatchable.
package availability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/kvstore"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var ErrInvalidHeartbeat = errors.New("invalid heartbeat")

// PendingChecker reports whether a driver already holds a pending offer.
type PendingChecker interface {
	HasPending(ctx context.Context, driverID string) bool
}

// Heartbeat is one driver update. Nil fields keep the previous value.
type Heartbeat struct {
	DriverID string               `json:"driver_id"`
	Status   *models.DriverStatus `json:"status,omitempty"`
	Location *models.Coord        `json:"location,omitempty"`
	Capacity *int                 `json:"capacity,omitempty"`
}

type Options struct {
	Namespace       string
	DriverTTL       time.Duration
	ScanWindow      int
	DefaultCapacity int
	Now             func() time.Time
}

type Registry struct {
	store     kvstore.Store
	pending   PendingChecker
	publisher dispatch.Publisher
	logger    *slog.Logger
	opts      Options
}

func NewRegistry(store kvstore.Store, pending PendingChecker, publisher dispatch.Publisher, logger *slog.Logger, opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultCapacity < 1 {
		opts.DefaultCapacity = 4
	}
	if opts.ScanWindow <= 0 {
		opts.ScanWindow = 50
	}
	if publisher == nil {
		publisher = dispatch.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:     store,
		pending:   pending,
		publisher: publisher,
		logger:    logger.With("component", "availability"),
		opts:      opts,
	}
}

func (r *Registry) driverKey(id string) string { return r.opts.Namespace + "driver:" + id }
func (r *Registry) availableKey() string       { return r.opts.Namespace + "drivers:available" }

// RegisterHeartbeat upserts the driver's record and refreshes its heartbeat
// time and TTL. Missing fields fall back to the previous record, then to
// status available and the default capacity.
func (r *Registry) RegisterHeartbeat(ctx context.Context, hb Heartbeat) (models.DriverAvailability, error) {
	if hb.DriverID == "" {
		return models.DriverAvailability{}, fmt.Errorf("%w: driver id required", ErrInvalidHeartbeat)
	}
	if hb.Status != nil && !hb.Status.Valid() {
		return models.DriverAvailability{}, fmt.Errorf("%w: unknown status %q", ErrInvalidHeartbeat, *hb.Status)
	}
	if hb.Capacity != nil && *hb.Capacity < 1 {
		return models.DriverAvailability{}, fmt.Errorf("%w: capacity must be >= 1", ErrInvalidHeartbeat)
	}

	rec, found := r.Get(ctx, hb.DriverID)
	if !found {
		rec = models.DriverAvailability{
			DriverID: hb.DriverID,
			Status:   models.DriverAvailable,
			Capacity: r.opts.DefaultCapacity,
		}
	}
	if hb.Status != nil {
		rec.Status = *hb.Status
	}
	if hb.Location != nil {
		loc := *hb.Location
		rec.Location = &loc
	}
	if hb.Capacity != nil {
		rec.Capacity = *hb.Capacity
	}
	rec.LastHeartbeatAt = time.UnixMilli(r.opts.Now().UnixMilli())

	key := r.driverKey(rec.DriverID)
	r.store.SetFields(ctx, key, encode(rec))
	r.store.Expire(ctx, key, r.opts.DriverTTL)
	r.index(ctx, rec)

	observability.Heartbeats.WithLabelValues(string(rec.Status)).Inc()
	r.broadcast(ctx, rec)
	return rec, nil
}

// Get returns the driver's live record.
func (r *Registry) Get(ctx context.Context, driverID string) (models.DriverAvailability, bool) {
	return decode(r.store.GetAllFields(ctx, r.driverKey(driverID)))
}

// SetStatus changes only the status of an existing record. A driver whose
// record has expired is left alone.
func (r *Registry) SetStatus(ctx context.Context, driverID string, status models.DriverStatus) {
	rec, ok := r.Get(ctx, driverID)
	if !ok {
		r.store.RemoveScored(ctx, r.availableKey(), driverID)
		return
	}
	if !r.store.CompareAndSetField(ctx, r.driverKey(driverID), "status", string(rec.Status), string(status)) {
		// expired or rewritten by a heartbeat in between; index what is there now
		if rec, ok = r.Get(ctx, driverID); ok {
			r.index(ctx, rec)
		} else {
			r.store.RemoveScored(ctx, r.availableKey(), driverID)
		}
		return
	}
	rec.Status = status
	r.index(ctx, rec)
}

// FindMatchable returns the most recently heard-from available driver among
// the newest ScanWindow index entries, skipping exclude and drivers that hold
// a pending offer.
func (r *Registry) FindMatchable(ctx context.Context, exclude map[string]struct{}) (models.DriverAvailability, bool) {
	window := int64(r.opts.ScanWindow)
	candidates := r.store.RangeScored(ctx, r.availableKey(), -window, -1)
	var evict []string
	defer func() {
		if len(evict) > 0 {
			r.store.RemoveScored(ctx, r.availableKey(), evict...)
		}
	}()

	for i := len(candidates) - 1; i >= 0; i-- {
		id := candidates[i].Member
		if _, skip := exclude[id]; skip {
			continue
		}
		rec, ok := r.Get(ctx, id)
		if !ok || rec.Status != models.DriverAvailable {
			evict = append(evict, id)
			continue
		}
		if r.pending != nil && r.pending.HasPending(ctx, id) {
			continue
		}
		return rec, true
	}
	return models.DriverAvailability{}, false
}

// AvailableCount is the size of the available index, stale entries included.
func (r *Registry) AvailableCount(ctx context.Context) int64 {
	return r.store.Cardinality(ctx, r.availableKey())
}

func (r *Registry) index(ctx context.Context, rec models.DriverAvailability) {
	if rec.Status == models.DriverAvailable {
		r.store.AddScored(ctx, r.availableKey(), rec.DriverID, float64(rec.LastHeartbeatAt.UnixMilli()))
		return
	}
	r.store.RemoveScored(ctx, r.availableKey(), rec.DriverID)
}

func (r *Registry) broadcast(ctx context.Context, rec models.DriverAvailability) {
	for _, ch := range []string{dispatch.DriverChannel(rec.DriverID), dispatch.AvailabilityChannel} {
		if err := r.publisher.Publish(ctx, ch, dispatch.EventAvailability, rec); err != nil {
			r.logger.Warn("availability broadcast failed", "channel", ch, "error", err)
		}
	}
}

func encode(rec models.DriverAvailability) map[string]string {
	fields := map[string]string{
		"driverId":        rec.DriverID,
		"status":          string(rec.Status),
		"capacity":        strconv.Itoa(rec.Capacity),
		"lastHeartbeatAt": strconv.FormatInt(rec.LastHeartbeatAt.UnixMilli(), 10),
	}
	if rec.Location != nil {
		fields["lat"] = strconv.FormatFloat(rec.Location.Lat, 'f', -1, 64)
		fields["lng"] = strconv.FormatFloat(rec.Location.Lon, 'f', -1, 64)
	}
	return fields
}

func decode(fields map[string]string) (models.DriverAvailability, bool) {
	if fields["driverId"] == "" {
		return models.DriverAvailability{}, false
	}
	rec := models.DriverAvailability{
		DriverID: fields["driverId"],
		Status:   models.DriverStatus(fields["status"]),
	}
	rec.Capacity, _ = strconv.Atoi(fields["capacity"])
	ms, _ := strconv.ParseInt(fields["lastHeartbeatAt"], 10, 64)
	rec.LastHeartbeatAt = time.UnixMilli(ms)
	lat, errLat := strconv.ParseFloat(fields["lat"], 64)
	lng, errLng := strconv.ParseFloat(fields["lng"], 64)
	if errLat == nil && errLng == nil {
		rec.Location = &models.Coord{Lat: lat, Lon: lng}
	}
	return rec, true
}
