package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/carrental/internal/auth"
	"github.com/example/carrental/internal/reservation/domain"
	"github.com/example/carrental/internal/reservation/service"
)

// Identity headers set by the gateway after authentication.
const (
	CustomerHeader = auth.CustomerHeader
	RoleHeader     = auth.RoleHeader
)

// HTTP exposes hold, booking and vehicle endpoints.
type HTTP struct {
	svc    *service.Service
	logger *zap.Logger
}

// NewHTTP constructs a handler.
func NewHTTP(svc *service.Service, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{svc: svc, logger: logger.Named("http")}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Route("/v1/holds", func(r chi.Router) {
		r.Post("/", h.createHold)
		r.Get("/{id}", h.getHold)
		r.Delete("/{id}", h.releaseHold)
		r.Post("/{id}/extend", h.extendHold)
		r.Post("/{id}/commit", h.commitBooking)
	})
	r.Get("/v1/bookings/{id}", h.getBooking)
	r.Post("/v1/bookings/{id}/status", h.transitionBooking)
	r.Route("/v1/vehicles/{id}", func(r chi.Router) {
		r.Put("/", h.upsertVehicle)
		r.Get("/occupancy", h.occupancy)
		r.Get("/bookings", h.vehicleBookings)
	})
	return r
}

type createHoldRequest struct {
	VehicleID  string `json:"vehicle_id"`
	CustomerID string `json:"customer_id"`
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func (h *HTTP) createHold(w http.ResponseWriter, r *http.Request) {
	var payload createHoldRequest
	if !decode(w, r, &payload) {
		return
	}
	vehicleID, err := uuid.Parse(payload.VehicleID)
	if err != nil {
		h.writeError(w, &domain.ValidationError{Field: "vehicle_id", Reason: "expected uuid"})
		return
	}
	customerID, err := caller(r, payload.CustomerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	dates, err := domain.ParseDateRange(payload.StartDate, payload.EndDate)
	if err != nil {
		h.writeError(w, err)
		return
	}

	hold, err := h.svc.CreateHold(r.Context(), r.Header.Get("Idempotency-Key"), service.CreateHoldRequest{
		VehicleID:  vehicleID,
		CustomerID: customerID,
		Range:      dates,
		TTL:        time.Duration(payload.TTLSeconds) * time.Second,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, hold)
}

func (h *HTTP) getHold(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	hold, err := h.svc.GetHold(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

func (h *HTTP) releaseHold(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var payload struct {
		CustomerID string `json:"customer_id"`
	}
	if !decode(w, r, &payload) {
		return
	}
	customerID, err := caller(r, payload.CustomerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.svc.ReleaseHold(r.Context(), id, customerID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) extendHold(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var payload struct {
		CustomerID string `json:"customer_id"`
		TTLSeconds int    `json:"ttl_seconds"`
	}
	if !decode(w, r, &payload) {
		return
	}
	customerID, err := caller(r, payload.CustomerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	hold, err := h.svc.ExtendHold(r.Context(), id, customerID, time.Duration(payload.TTLSeconds)*time.Second)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

func (h *HTTP) commitBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var payload struct {
		CustomerID     string `json:"customer_id"`
		TotalCostCents int64  `json:"total_cost_cents"`
		Notes          string `json:"notes"`
	}
	if !decode(w, r, &payload) {
		return
	}
	customerID, err := caller(r, payload.CustomerID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	booking, err := h.svc.CommitBooking(r.Context(), r.Header.Get("Idempotency-Key"), service.CommitBookingRequest{
		HoldID:         id,
		CustomerID:     customerID,
		TotalCostCents: payload.TotalCostCents,
		Notes:          payload.Notes,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

func (h *HTTP) getBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	booking, err := h.svc.GetBooking(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (h *HTTP) transitionBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var payload struct {
		Status domain.BookingStatus `json:"status"`
	}
	if !decode(w, r, &payload) {
		return
	}
	booking, err := h.svc.TransitionBooking(r.Context(), id, payload.Status)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (h *HTTP) upsertVehicle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var payload struct {
		Status         domain.VehicleStatus `json:"status"`
		DailyRateCents int64                `json:"daily_rate_cents"`
	}
	if !decode(w, r, &payload) {
		return
	}
	vehicle, err := h.svc.UpsertVehicle(r.Context(), service.UpsertVehicleRequest{
		ID:             id,
		Status:         payload.Status,
		DailyRateCents: payload.DailyRateCents,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vehicle)
}

func (h *HTTP) occupancy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	occupied, err := h.svc.OccupiedRanges(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if occupied == nil {
		occupied = []domain.Occupancy{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"vehicle_id": id, "occupied": occupied})
}

func (h *HTTP) vehicleBookings(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	bookings, err := h.svc.ListVehicleBookings(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if bookings == nil {
		bookings = []domain.Booking{}
	}
	writeJSON(w, http.StatusOK, bookings)
}

// caller resolves whose behalf the request acts on. Customers are pinned to
// the gateway-authenticated id. Agents and admins name the customer in the
// body, or leave it out to act on any customer's holds, which is returned as
// uuid.Nil. Requests that bypassed the gateway fall back to the body.
func caller(r *http.Request, fromBody string) (uuid.UUID, error) {
	raw := fromBody
	switch r.Header.Get(RoleHeader) {
	case auth.RoleAgent, auth.RoleAdmin:
	default:
		if h := r.Header.Get(CustomerHeader); h != "" {
			raw = h
		}
	}
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, &domain.ValidationError{Field: "customer_id", Reason: "expected uuid"}
	}
	return id, nil
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed JSON body"})
		return false
	}
	return true
}

type errorBody struct {
	Error       string `json:"error"`
	Field       string `json:"field,omitempty"`
	Conflicting string `json:"conflicting,omitempty"`
}

func (h *HTTP) writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}
	var (
		verr     *domain.ValidationError
		conflict *domain.ConflictError
		status   int
	)
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
		body.Field = verr.Field
	case errors.As(err, &conflict):
		status = http.StatusConflict
		if !conflict.Conflicting.Start.IsZero() {
			body.Conflicting = conflict.Conflicting.String()
		}
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrHoldNotFound), errors.Is(err, domain.ErrBookingNotFound), errors.Is(err, domain.ErrVehicleNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrHoldExpired):
		status = http.StatusGone
	case errors.Is(err, domain.ErrStorageUnavailable), errors.Is(err, domain.ErrMaintenanceMode):
		status = http.StatusServiceUnavailable
		body.Error = "service temporarily unavailable"
		if errors.Is(err, domain.ErrMaintenanceMode) {
			body.Error = err.Error()
		}
		w.Header().Set("Retry-After", "1")
	default:
		status = http.StatusInternalServerError
		body.Error = "internal error"
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
