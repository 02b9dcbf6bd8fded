package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/app"
	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type Server struct {
	app    *app.App
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(a *app.App, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{app: a, logger: logger.With("component", "http"), mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.identityMiddleware)
	api.HandleFunc("/drivers/heartbeat", s.requireRole(roleDriver, s.handleHeartbeat)).Methods(http.MethodPost)
	api.HandleFunc("/drivers/offers", s.requireRole(roleDriver, s.handleListOffers)).Methods(http.MethodGet)
	api.HandleFunc("/offers/{offerID}/accept", s.requireRole(roleDriver, s.handleAccept)).Methods(http.MethodPost)
	api.HandleFunc("/offers/{offerID}/reject", s.requireRole(roleDriver, s.handleReject)).Methods(http.MethodPost)
	api.HandleFunc("/bookings", s.requireRole(rolePassenger, s.handleCreateBooking)).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{bookingID}", s.handleGetBooking).Methods(http.MethodGet)
	api.HandleFunc("/dispatch/stats", s.requireRole(roleAdmin, s.handleStats)).Methods(http.MethodGet)

	s.mux.Handle("/ws", s.identityMiddleware(http.HandlerFunc(s.handleWS))).Methods(http.MethodGet)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type heartbeatRequest struct {
	Status   *models.DriverStatus `json:"status,omitempty"`
	Location *models.Coord        `json:"location,omitempty"`
	Capacity *int                 `json:"capacity,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := identityFromContext(r.Context())
	rec, err := s.app.Registry.RegisterHeartbeat(r.Context(), availability.Heartbeat{
		DriverID: id.ID,
		Status:   req.Status,
		Location: req.Location,
		Capacity: req.Capacity,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"offers": s.app.Ledger.ListForDriver(r.Context(), id.ID)})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	booking, err := s.app.Matcher.AcceptOffer(r.Context(), id.ID, mux.Vars(r)["offerID"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

type rejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	id := identityFromContext(r.Context())
	if err := s.app.Matcher.RejectOffer(r.Context(), id.ID, mux.Vars(r)["offerID"], req.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bookingRequest struct {
	Pickup      models.Coord      `json:"pickup"`
	Dropoff     *models.Coord     `json:"dropoff,omitempty"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var req bookingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := identityFromContext(r.Context())
	booking, err := s.app.SubmitBooking(r.Context(), models.Booking{
		PassengerID: id.ID,
		Pickup:      req.Pickup,
		Dropoff:     req.Dropoff,
		ScheduledAt: req.ScheduledAt,
		Metadata:    req.Metadata,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	booking, ok, err := s.app.Bookings.GetBooking(r.Context(), mux.Vars(r)["bookingID"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok || !canSeeBooking(id, booking) {
		s.writeError(w, r, matcher.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func canSeeBooking(id identity, b models.Booking) bool {
	switch id.Role {
	case roleAdmin:
		return true
	case rolePassenger:
		return b.PassengerID == id.ID
	case roleDriver:
		return b.DriverID == id.ID
	}
	return false
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Stats(r.Context()))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.app.Ready(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if !canSubscribe(identityFromContext(r.Context()), channel) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "channel not permitted"})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	s.app.Hub.Add(channel, conn)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, matcher.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, matcher.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, availability.ErrInvalidHeartbeat), errors.Is(err, storage.ErrInvalidBooking):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { return uuid.NewString() }
