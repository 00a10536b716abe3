package messaging

import (
	"context"
	"time"

	"github.com/samhotchkiss/threadmask/internal/assignment"
	"github.com/samhotchkiss/threadmask/internal/events"
	"github.com/samhotchkiss/threadmask/internal/models"
	"github.com/samhotchkiss/threadmask/internal/routing"
	"github.com/samhotchkiss/threadmask/internal/sendgate"
	"github.com/samhotchkiss/threadmask/internal/store"
)

// StaffThreadView is the staff-facing projection of a thread. It has no field
// that can hold the client's real number.
type StaffThreadView struct {
	ThreadID         string              `json:"thread_id"`
	BookingID        *string             `json:"booking_id,omitempty"`
	MaskedNumberE164 string              `json:"masked_number_e164"`
	NumberClass      models.NumberClass  `json:"number_class"`
	Status           models.ThreadStatus `json:"status"`
	CanSend          bool                `json:"can_send"`
	LastMessageAt    *time.Time          `json:"last_message_at,omitempty"`
	Messages         []StaffMessageView  `json:"messages"`
}

// StaffMessageView is the staff-facing projection of a message. Blocked bodies
// render as their redacted copy.
type StaffMessageView struct {
	ID             string                `json:"id"`
	Direction      models.Direction      `json:"direction"`
	ActorRole      models.ActorRole      `json:"actor_role"`
	Body           string                `json:"body"`
	Blocked        bool                  `json:"blocked"`
	DeliveryStatus models.DeliveryStatus `json:"delivery_status"`
	CreatedAt      time.Time             `json:"created_at"`
}

func NewStaffMessageView(event store.MessageEvent) StaffMessageView {
	return StaffMessageView{
		ID:             event.ID,
		Direction:      event.Direction,
		ActorRole:      event.ActorRole,
		Body:           staffSafeBody(&event),
		Blocked:        event.Blocked,
		DeliveryStatus: event.DeliveryStatus,
		CreatedAt:      event.CreatedAt,
	}
}

func staffSafeBody(event *store.MessageEvent) string {
	if event.PolicyViolation || event.Blocked {
		if event.RedactedBody != nil {
			return *event.RedactedBody
		}
		return "[REDACTED]"
	}
	return event.Body
}

const staffViewMessageLimit = 200

// GetStaffThread returns the masked projection of a thread. Staff may read a
// thread they are assigned to or currently windowed into; supervisors may read
// any thread in their org.
func (s *Service) GetStaffThread(ctx context.Context, actor models.Actor, threadID string) (*StaffThreadView, error) {
	thread, err := s.loadThread(ctx, actor, threadID)
	if err != nil {
		return nil, err
	}

	canSend := s.Gate.CanSend(ctx, actor, thread, s.now())
	switch actor.Role {
	case models.ActorSupervisor, models.ActorOwner:
	case models.ActorStaff:
		assigned := thread.AssignedStaffID != nil && actor.StaffID != "" && *thread.AssignedStaffID == actor.StaffID
		if !assigned && !canSend {
			return nil, s.forbidden(ctx, actor, "thread", thread.ID, "staff member is not assigned to this thread")
		}
	case models.ActorClient, models.ActorSystem, models.ActorAutomation:
		return nil, s.forbidden(ctx, actor, "thread", thread.ID, "staff view requires staff or supervisor")
	default:
		return nil, s.forbidden(ctx, actor, "thread", thread.ID, "unknown actor role")
	}

	events, err := s.Messages.ListForThread(ctx, thread.ID, staffViewMessageLimit)
	if err != nil {
		return nil, err
	}
	view := &StaffThreadView{
		ThreadID:         thread.ID,
		BookingID:        thread.BookingID,
		MaskedNumberE164: derefString(thread.BoundNumberE164),
		Status:           thread.Status,
		CanSend:          canSend,
		LastMessageAt:    thread.LastMessageAt,
		Messages:         make([]StaffMessageView, 0, len(events)),
	}
	if thread.NumberClass != nil {
		view.NumberClass = *thread.NumberClass
	}
	for _, event := range events {
		view.Messages = append(view.Messages, NewStaffMessageView(event))
	}
	return view, nil
}

// GetRoutingExplanation re-evaluates routing for a thread right now and returns
// the decision with its full trace. Nothing is written.
func (s *Service) GetRoutingExplanation(ctx context.Context, actor models.Actor, threadID string) (*routing.Decision, error) {
	if err := s.requireOperator(ctx, actor, "thread", threadID, "routing explanation"); err != nil {
		return nil, err
	}
	thread, err := s.loadThread(ctx, actor, threadID)
	if err != nil {
		return nil, err
	}
	decision, err := s.Router.ResolveInbound(ctx, thread, s.now())
	if err != nil {
		return nil, err
	}
	return &decision, nil
}

// ListWindows lists the actor's org's windows.
func (s *Service) ListWindows(ctx context.Context, actor models.Actor, filter store.WindowFilter) ([]store.AssignmentWindow, error) {
	if err := s.requireOperator(ctx, actor, "window", "", "window listing"); err != nil {
		return nil, err
	}
	filter.OrgID = actor.OrgID
	if filter.Now.IsZero() {
		filter.Now = s.now()
	}
	return s.Windows.List(ctx, filter)
}

func (s *Service) ListConflicts(ctx context.Context, actor models.Actor) ([]assignment.Conflict, error) {
	if err := s.requireOperator(ctx, actor, "window", "", "conflict listing"); err != nil {
		return nil, err
	}
	return s.Windows.ListConflicts(ctx, actor.OrgID)
}

// ResolveConflict closes the losing window of an overlapping pair and returns
// the kept one.
func (s *Service) ResolveConflict(ctx context.Context, actor models.Actor, windowAID, windowBID, keep string) (*store.AssignmentWindow, error) {
	kept, err := s.Windows.ResolveConflict(ctx, actor, windowAID, windowBID, keep)
	if err != nil {
		return nil, s.auditForbidden(ctx, actor, "window", windowAID, err)
	}
	s.publish(ctx, events.TypeWindowChanged, actor.OrgID, map[string]any{
		"thread_id": kept.ThreadID,
		"window_id": kept.ID,
		"reason":    "conflict_resolved",
	})
	return kept, nil
}

// StaffAuthorized exposes the gate for callers that only need a yes/no answer.
func (s *Service) StaffAuthorized(windows []store.AssignmentWindow, threadID, staffID string) bool {
	return sendgate.StaffAuthorized(windows, threadID, staffID, s.now())
}
