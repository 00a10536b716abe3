package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/samhotchkiss/threadmask/internal/assignment"
	"github.com/samhotchkiss/threadmask/internal/logger"
	"github.com/samhotchkiss/threadmask/internal/messaging"
	"github.com/samhotchkiss/threadmask/internal/middleware"
	"github.com/samhotchkiss/threadmask/internal/models"
	"github.com/samhotchkiss/threadmask/internal/routing"
	"github.com/samhotchkiss/threadmask/internal/store"
)

// Messaging is the operation surface the JSON API exposes.
type Messaging interface {
	SendOutbound(ctx context.Context, actor models.Actor, input messaging.SendInput) (*messaging.SendResult, error)
	GetRoutingExplanation(ctx context.Context, actor models.Actor, threadID string) (*routing.Decision, error)
	GetStaffThread(ctx context.Context, actor models.Actor, threadID string) (*messaging.StaffThreadView, error)

	ListWindows(ctx context.Context, actor models.Actor, filter store.WindowFilter) ([]store.AssignmentWindow, error)
	ListConflicts(ctx context.Context, actor models.Actor) ([]assignment.Conflict, error)
	ResolveConflict(ctx context.Context, actor models.Actor, windowAID, windowBID, keep string) (*store.AssignmentWindow, error)

	ListAttempts(ctx context.Context, actor models.Actor, filter store.AttemptFilter) ([]store.Attempt, error)
	OverrideBlocked(ctx context.Context, actor models.Actor, eventID, reason string) (*messaging.OverrideResult, error)
	ResolveAttempt(ctx context.Context, actor models.Actor, attemptID, reason string) (*store.Attempt, error)
	DismissAttempt(ctx context.Context, actor models.Actor, attemptID, reason string) (*store.Attempt, error)

	SyncBooking(ctx context.Context, actor models.Actor, input store.UpsertBookingInput) (*store.Booking, error)
	OnStaffAssigned(ctx context.Context, actor models.Actor, bookingID, staffID string) (*messaging.LifecycleResult, error)
	OnStaffUnassigned(ctx context.Context, actor models.Actor, bookingID string) (*messaging.LifecycleResult, error)
	OnBookingTimesChanged(ctx context.Context, actor models.Actor, bookingID string, start, end time.Time) (*messaging.LifecycleResult, error)
	OnBookingCancelledOrCompleted(ctx context.Context, actor models.Actor, bookingID, status string) (*messaging.LifecycleResult, error)
	OnStaffOffboarded(ctx context.Context, actor models.Actor, staffID string) (*messaging.OffboardResult, error)
}

// Handler serves the actor-scoped JSON API.
type Handler struct {
	Service Messaging
	Log     *logger.Logger
}

func actorFrom(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		sendJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing actor"})
	}
	return actor, ok
}

type sendMessageRequest struct {
	Body          string `json:"body"`
	ForceOverride bool   `json:"force_override"`
}

// SendMessage handles POST /api/threads/{id}/messages.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, h.Log, err, nil)
		return
	}

	result, err := h.Service.SendOutbound(r.Context(), actor, messaging.SendInput{
		ThreadID:      chi.URLParam(r, "id"),
		Body:          req.Body,
		ForceOverride: req.ForceOverride,
	})
	if err != nil {
		sendError(w, h.Log, err, result)
		return
	}
	sendJSON(w, http.StatusOK, result)
}

// GetRouting handles GET /api/threads/{id}/routing.
func (h *Handler) GetRouting(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	decision, err := h.Service.GetRoutingExplanation(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		sendError(w, h.Log, err, nil)
		return
	}
	sendJSON(w, http.StatusOK, decision)
}

// GetStaffThread handles GET /api/staff/threads/{id}.
func (h *Handler) GetStaffThread(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	view, err := h.Service.GetStaffThread(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		sendError(w, h.Log, err, nil)
		return
	}
	sendJSON(w, http.StatusOK, view)
}

// ListWindows handles GET /api/windows?thread_id=&staff_id=&status=&limit=.
func (h *Handler) ListWindows(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	status := strings.ToLower(strings.TrimSpace(query.Get("status")))
	switch status {
	case "", store.WindowFilterActive, store.WindowFilterFuture, store.WindowFilterPast, store.WindowFilterClosed:
	default:
		sendError(w, h.Log, models.NewValidationError("status", "must be one of active, future, past, closed"), nil)
		return
	}
	limit, err := parseLimit(query.Get("limit"))
	if err != nil {
		sendError(w, h.Log, err, nil)
		return
	}

	windows, err := h.Service.ListWindows(r.Context(), actor, store.WindowFilter{
		ThreadID: strings.TrimSpace(query.Get("thread_id")),
		StaffID:  strings.TrimSpace(query.Get("staff_id")),
		Status:   status,
		Limit:    limit,
	})
	if err != nil {
		sendError(w, h.Log, err, nil)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"windows": windows})
}

// ListConflicts handles GET /api/windows/conflicts.
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	conflicts, err := h.Service.ListConflicts(r.Context(), actor)
	if err != nil {
		sendError(w, h.Log, err, nil)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

type resolveConflictRequest struct {
	WindowAID string `json:"window_a_id"`
	WindowBID string `json:"window_b_id"`
	Keep      string `json:"keep"`
}

// ResolveConflict handles POST /api/windows/conflicts/resolve.
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req resolveConflictRequest
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, h.Log, err, nil)
		return
	}
	kept, err := h.Service.ResolveConflict(r.Context(), actor, req.WindowAID, req.WindowBID, req.Keep)
	if err != nil {
		sendError(w, h.Log, err, nil)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"kept": kept})
}

// ListViolations handles GET /api/violations?status=&type=&limit=.
func (h *Handler) ListViolations(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	limit, err := parseLimit(query.Get("limit"))
	if err != nil {
		sendError(w, h.Log, err, nil)
		return
	}
	attempts, err := h.Service.ListAttempts(r.Context(), actor, store.AttemptFilter{
		Status:        models.AttemptStatus(strings.TrimSpace(query.Get("status"))),
		ViolationType: models.ViolationType(strings.TrimSpace(query.Get("type"))),
		Limit:         limit,
	})
	if err != nil {
		sendError(w, h.Log, err, nil)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"violations": attempts})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// OverrideViolation handles POST /api/violations/{id}/override, where id is the
// held message event.
func (h *Handler) OverrideViolation(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, h.Log, err, nil)
		return
	}
	result, err := h.Service.OverrideBlocked(r.Context(), actor, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		sendError(w, h.Log, err, result)
		return
	}
	sendJSON(w, http.StatusOK, result)
}

// ResolveViolation handles POST /api/violations/{id}/resolve.
func (h *Handler) ResolveViolation(w http.ResponseWriter, r *http.Request) {
	h.reviewViolation(w, r, h.Service.ResolveAttempt)
}

// DismissViolation handles POST /api/violations/{id}/dismiss.
func (h *Handler) DismissViolation(w http.ResponseWriter, r *http.Request) {
	h.reviewViolation(w, r, h.Service.DismissAttempt)
}

func (h *Handler) reviewViolation(
	w http.ResponseWriter,
	r *http.Request,
	review func(context.Context, models.Actor, string, string) (*store.Attempt, error),
) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if err := decodeJSON(r, &req); err != nil {
		sendError(w, h.Log, err, nil)
		return
	}
	attempt, err := review(r.Context(), actor, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		sendError(w, h.Log, err, nil)
		return
	}
	sendJSON(w, http.StatusOK, attempt)
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > 500 {
		return 0, models.NewValidationError("limit", "must be between 1 and 500")
	}
	return limit, nil
}
