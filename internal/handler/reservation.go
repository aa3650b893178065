package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/joyledger/internal/attendance"
	"github.com/dukerupert/joyledger/internal/model"
	"github.com/dukerupert/joyledger/internal/reservation"
)

type ReservationHandler struct {
	manager *reservation.Manager
	gate    *attendance.Gate
	logger  *slog.Logger
}

func NewReservationHandler(manager *reservation.Manager, gate *attendance.Gate, logger *slog.Logger) *ReservationHandler {
	return &ReservationHandler{manager: manager, gate: gate, logger: logger}
}

type reserveRequest struct {
	MemberID   int64 `json:"member_id"`
	EventID    int64 `json:"event_id"`
	BusinessID int64 `json:"business_id"`
	Amount     int64 `json:"amount"`
}

func (h *ReservationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.EventID <= 0 || req.BusinessID <= 0 {
		badRequest(w, "event_id and business_id are required")
		return
	}

	res, err := h.manager.Reserve(r.Context(), principal(r), reservation.ReserveRequest{
		MemberID:   req.MemberID,
		EventID:    req.EventID,
		BusinessID: req.BusinessID,
		Amount:     req.Amount,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *ReservationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	res, err := h.manager.Get(r.Context(), principal(r), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *ReservationHandler) Release(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	res, err := h.manager.Release(r.Context(), principal(r), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type checkInRequest struct {
	ReservationID int64 `json:"reservation_id"`
}

func (h *ReservationHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	eventID, err := parseIDParam(r, "id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var req checkInRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.ReservationID <= 0 {
		badRequest(w, "reservation_id is required")
		return
	}

	res, err := h.gate.CheckIn(r.Context(), principal(r), req.ReservationID, eventID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *ReservationHandler) CancelEvent(w http.ResponseWriter, r *http.Request) {
	eventID, err := parseIDParam(r, "id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	report, err := h.manager.ReleaseEvent(r.Context(), principal(r), eventID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type eventRequest struct {
	BusinessID      int64      `json:"business_id"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationMinutes int        `json:"duration_minutes"`
	Cancelled       bool       `json:"cancelled"`
}

func (h *ReservationHandler) PutEvent(w http.ResponseWriter, r *http.Request) {
	eventID, err := parseIDParam(r, "id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var req eventRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		badRequest(w, err.Error())
		return
	}

	ev, err := h.manager.ScheduleEvent(r.Context(), principal(r), model.Event{
		ID:              eventID,
		BusinessID:      req.BusinessID,
		StartTime:       req.StartTime,
		EndTime:         req.EndTime,
		DurationMinutes: req.DurationMinutes,
		Cancelled:       req.Cancelled,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}
