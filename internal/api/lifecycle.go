package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/samhotchkiss/threadmask/internal/models"
	"github.com/samhotchkiss/threadmask/internal/store"
)

type syncBookingRequest struct {
	ClientID       string    `json:"client_id"`
	ClientE164     string    `json:"client_e164"`
	StaffID        *string   `json:"staff_id"`
	ServiceType    string    `json:"service_type"`
	ScheduledStart time.Time `json:"scheduled_start"`
	ScheduledEnd   time.Time `json:"scheduled_end"`
	IsRecurring    bool      `json:"is_recurring"`
}

// SyncBooking handles PUT /api/lifecycle/bookings/{id}.
func (h *Handler) SyncBooking(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req syncBookingRequest
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, h.Log, err, nil)
		return
	}
	booking, err := h.Service.SyncBooking(r.Context(), actor, store.UpsertBookingInput{
		ID:             chi.URLParam(r, "id"),
		OrgID:          actor.OrgID,
		ClientID:       strings.TrimSpace(req.ClientID),
		ClientE164:     strings.TrimSpace(req.ClientE164),
		StaffID:        req.StaffID,
		ServiceType:    strings.TrimSpace(req.ServiceType),
		ScheduledStart: req.ScheduledStart,
		ScheduledEnd:   req.ScheduledEnd,
		IsRecurring:    req.IsRecurring,
	})
	if err != nil {
		sendError(w, h.Log, err, nil)
		return
	}
	sendJSON(w, http.StatusOK, booking)
}

type staffAssignedRequest struct {
	StaffID string `json:"staff_id"`
}

// StaffAssigned handles POST /api/lifecycle/bookings/{id}/staff-assigned.
func (h *Handler) StaffAssigned(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req staffAssignedRequest
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, h.Log, err, nil)
		return
	}
	result, err := h.Service.OnStaffAssigned(r.Context(), actor, chi.URLParam(r, "id"), strings.TrimSpace(req.StaffID))
	if err != nil {
		sendError(w, h.Log, err, nil)
		return
	}
	sendJSON(w, http.StatusOK, result)
}

// StaffUnassigned handles POST /api/lifecycle/bookings/{id}/staff-unassigned.
func (h *Handler) StaffUnassigned(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	result, err := h.Service.OnStaffUnassigned(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		sendError(w, h.Log, err, nil)
		return
	}
	sendJSON(w, http.StatusOK, result)
}

type timesChangedRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// TimesChanged handles POST /api/lifecycle/bookings/{id}/times-changed.
func (h *Handler) TimesChanged(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req timesChangedRequest
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, h.Log, err, nil)
		return
	}
	if req.Start.IsZero() || req.End.IsZero() {
		sendError(w, h.Log, models.NewValidationError("start", "start and end are required"), nil)
		return
	}
	result, err := h.Service.OnBookingTimesChanged(r.Context(), actor, chi.URLParam(r, "id"), req.Start, req.End)
	if err != nil {
		sendError(w, h.Log, err, nil)
		return
	}
	sendJSON(w, http.StatusOK, result)
}

type bookingClosedRequest struct {
	Status string `json:"status"`
}

// BookingClosed handles POST /api/lifecycle/bookings/{id}/closed.
func (h *Handler) BookingClosed(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req bookingClosedRequest
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, h.Log, err, nil)
		return
	}
	result, err := h.Service.OnBookingCancelledOrCompleted(r.Context(), actor, chi.URLParam(r, "id"), strings.TrimSpace(req.Status))
	if err != nil {
		sendError(w, h.Log, err, nil)
		return
	}
	sendJSON(w, http.StatusOK, result)
}

// StaffOffboarded handles POST /api/lifecycle/staff/{id}/offboarded.
func (h *Handler) StaffOffboarded(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	result, err := h.Service.OnStaffOffboarded(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		sendError(w, h.Log, err, nil)
		return
	}
	sendJSON(w, http.StatusOK, result)
}
