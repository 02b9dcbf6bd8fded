package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

func testConfig() config.ServerConfig {
	return config.ServerConfig{
		KeyNamespace: "dispatch:",
		Dispatch:     config.DefaultDispatchConfig(),
	}
}

func newTestApp(t *testing.T, cfg config.ServerConfig, opts ...Option) (*App, *dispatch.Recorder) {
	t.Helper()
	rec := &dispatch.Recorder{}
	opts = append(opts, WithSink("recorder", rec))
	a, err := New(context.Background(), cfg, logging.Discard(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, rec
}

func TestBookingFlowInProcess(t *testing.T) {
	ctx := context.Background()
	a, rec := newTestApp(t, testConfig())
	assert.False(t, a.Store.Shared())

	_, err := a.Registry.RegisterHeartbeat(ctx, availability.Heartbeat{DriverID: "d1", Location: &models.Coord{Lat: 52.37, Lon: 4.89}})
	require.NoError(t, err)

	b, err := a.SubmitBooking(ctx, models.Booking{PassengerID: "p1", Pickup: models.Coord{Lat: 52.371, Lon: 4.891}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Stats(ctx).QueueDepth)

	require.True(t, a.Worker.Cycle(ctx))
	stats := a.Stats(ctx)
	assert.Equal(t, int64(0), stats.QueueDepth)
	assert.Equal(t, 1, stats.PendingOffers)

	offs := a.Ledger.ListForDriver(ctx, "d1")
	require.Len(t, offs, 1)
	assert.Equal(t, b.ID, offs[0].BookingID)
	assert.Contains(t, rec.Types("driver:d1"), dispatch.EventOfferCreated)

	assigned, err := a.Matcher.AcceptOffer(ctx, "d1", offs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingDriverAssigned, assigned.Status)

	got, ok, err := a.Bookings.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "d1", got.DriverID)
}

func TestSubmitBookingIgnoresClientState(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestApp(t, testConfig())
	b, err := a.SubmitBooking(ctx, models.Booking{ID: "chosen", PassengerID: "p1", Status: models.BookingCompleted, DriverID: "d9"})
	require.NoError(t, err)
	assert.NotEqual(t, "chosen", b.ID)
	assert.Equal(t, models.BookingRequested, b.Status)
	assert.Empty(t, b.DriverID)
}

func TestResetClearsDispatchState(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestApp(t, testConfig())
	_, err := a.Registry.RegisterHeartbeat(ctx, availability.Heartbeat{DriverID: "d1"})
	require.NoError(t, err)
	_, err = a.SubmitBooking(ctx, models.Booking{PassengerID: "p1"})
	require.NoError(t, err)

	a.Reset(ctx)
	assert.Equal(t, Stats{}, a.Stats(ctx))
	_, ok := a.Registry.Get(ctx, "d1")
	assert.False(t, ok)
}

func TestSharedStoreFlowAndExpiry(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisAddr = mr.Addr()
	cfg.Dispatch.DriverTTL = time.Hour

	now := time.UnixMilli(1_700_000_000_000)
	a, rec := newTestApp(t, cfg, WithClock(func() time.Time { return now }))
	require.True(t, a.Store.Shared())
	require.NoError(t, a.Ready(ctx))

	_, err := a.Registry.RegisterHeartbeat(ctx, availability.Heartbeat{DriverID: "d1"})
	require.NoError(t, err)
	b, err := a.SubmitBooking(ctx, models.Booking{PassengerID: "p1"})
	require.NoError(t, err)
	require.True(t, a.Worker.Cycle(ctx))
	require.Equal(t, 1, a.Stats(ctx).PendingOffers)

	first := a.Ledger.ListForDriver(ctx, "d1")[0]

	now = now.Add(cfg.Dispatch.OfferTTL + time.Second)
	require.True(t, a.Worker.Cycle(ctx))

	assert.Contains(t, rec.Types("passenger:p1"), dispatch.EventBookingExpire)
	expired, ok := a.Ledger.Get(ctx, first.ID)
	require.True(t, ok)
	assert.Equal(t, models.OfferExpired, expired.Status)

	// the expiry redispatch excludes d1 and requeues; the same cycle's drain
	// then offers the booking to d1 again
	again := a.Ledger.ListForDriver(ctx, "d1")
	require.Len(t, again, 1)
	assert.NotEqual(t, first.ID, again[0].ID)
	assert.Equal(t, b.ID, again[0].BookingID)
	assert.Equal(t, int64(0), a.Stats(ctx).QueueDepth)
}
