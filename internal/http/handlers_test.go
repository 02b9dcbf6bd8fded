package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/app"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

func newTestServer(t *testing.T) (*Server, *app.App) {
	t.Helper()
	cfg := config.ServerConfig{KeyNamespace: "dispatch:", Dispatch: config.DefaultDispatchConfig()}
	a, err := app.New(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return NewServer(a, logging.Discard()), a
}

func do(t *testing.T, s *Server, method, path, userID, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
		req.Header.Set("X-User-Role", role)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHeartbeatAuthAndValidation(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/drivers/heartbeat", "", "", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/drivers/heartbeat", "p1", "passenger", map[string]any{})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/drivers/heartbeat", "d1", "driver", map[string]any{"capacity": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/drivers/heartbeat", "d1", "driver", map[string]any{
		"location": map[string]float64{"lat": 52.37, "lng": 4.89},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[models.DriverAvailability](t, rec)
	assert.Equal(t, "d1", got.DriverID)
	assert.Equal(t, models.DriverAvailable, got.Status)
	assert.Equal(t, 4, got.Capacity)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestBookingOfferAcceptFlow(t *testing.T) {
	s, a := newTestServer(t)
	ctx := context.Background()

	rec := do(t, s, http.MethodPost, "/api/v1/drivers/heartbeat", "d1", "driver", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/bookings", "p1", "passenger", map[string]any{
		"pickup": map[string]float64{"lat": 52.37, "lng": 4.89},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	booking := decode[models.Booking](t, rec)
	assert.Equal(t, "p1", booking.PassengerID)

	require.True(t, a.Worker.Cycle(ctx))

	rec = do(t, s, http.MethodGet, "/api/v1/drivers/offers", "d1", "driver", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Offers []models.Offer `json:"offers"`
	}](t, rec)
	require.Len(t, list.Offers, 1)
	offerID := list.Offers[0].ID

	rec = do(t, s, http.MethodPost, "/api/v1/offers/"+offerID+"/accept", "d2", "driver", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/offers/"+offerID+"/accept", "d1", "driver", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assigned := decode[models.Booking](t, rec)
	assert.Equal(t, models.BookingDriverAssigned, assigned.Status)

	rec = do(t, s, http.MethodPost, "/api/v1/offers/"+offerID+"/accept", "d1", "driver", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = do(t, s, http.MethodPost, "/api/v1/offers/"+offerID+"/reject", "d1", "driver", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/bookings/"+booking.ID, "d1", "driver", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s, http.MethodGet, "/api/v1/bookings/"+booking.ID, "p2", "passenger", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRejectWithReason(t *testing.T) {
	s, a := newTestServer(t)
	ctx := context.Background()
	do(t, s, http.MethodPost, "/api/v1/drivers/heartbeat", "d1", "driver", map[string]any{})
	do(t, s, http.MethodPost, "/api/v1/bookings", "p1", "passenger", map[string]any{"pickup": map[string]float64{"lat": 1, "lng": 1}})
	require.True(t, a.Worker.Cycle(ctx))
	offerID := a.Ledger.ListForDriver(ctx, "d1")[0].ID

	rec := do(t, s, http.MethodPost, "/api/v1/offers/"+offerID+"/reject", "d1", "driver", map[string]string{"reason": "ETA 12"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	got, ok := a.Ledger.Get(ctx, offerID)
	require.True(t, ok)
	assert.Equal(t, models.OfferDeclined, got.Status)
	assert.Equal(t, int64(1), a.Queue.Len(ctx))

	rec = do(t, s, http.MethodPost, "/api/v1/offers/missing/reject", "d1", "driver", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsRequiresAdmin(t *testing.T) {
	s, _ := newTestServer(t)
	do(t, s, http.MethodPost, "/api/v1/bookings", "p1", "passenger", map[string]any{"pickup": map[string]float64{"lat": 1, "lng": 1}})

	rec := do(t, s, http.MethodGet, "/api/v1/dispatch/stats", "d1", "driver", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/dispatch/stats", "ops", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[app.Stats](t, rec)
	assert.Equal(t, int64(1), stats.QueueDepth)
	assert.False(t, stats.SharedStore)
}

func TestHealthAndReady(t *testing.T) {
	s, _ := newTestServer(t)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/ready", "", "", nil).Code)
}

func TestWebsocketChannelAccess(t *testing.T) {
	s, a := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?channel="

	header := http.Header{"X-User-ID": {"p1"}, "X-User-Role": {"passenger"}}
	_, resp, err := websocket.DefaultDialer.Dial(base+"passenger:p2", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(base+"passenger:p1", header)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return a.Hub.Subscribers("passenger:p1") == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, a.Publisher.Publish(context.Background(), dispatch.PassengerChannel("p1"), dispatch.EventBookingAssign, "hi"))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env dispatch.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, dispatch.EventBookingAssign, env.Type)
}
