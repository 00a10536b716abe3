package messaging

import (
	"context"
	"errors"
	"strings"

	"github.com/samhotchkiss/threadmask/internal/events"
	"github.com/samhotchkiss/threadmask/internal/metrics"
	"github.com/samhotchkiss/threadmask/internal/models"
	"github.com/samhotchkiss/threadmask/internal/store"
)

// OverrideResult is a released message with its preserved attempt record.
type OverrideResult struct {
	Event   *store.MessageEvent `json:"event"`
	Attempt *store.Attempt      `json:"attempt"`
}

// OverrideBlocked releases a blocked message. Outbound messages are sent from the
// thread's bound number; inbound messages are delivered to their recipient. Only
// supervisors and owners of the event's org may override, and a reason is
// mandatory. Rejected requests change nothing and are audited.
func (s *Service) OverrideBlocked(ctx context.Context, actor models.Actor, eventID, reason string) (*OverrideResult, error) {
	if err := s.requireSupervisory(ctx, actor, "message_event", eventID, "override"); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, models.NewValidationError("reason", "override reason is required")
	}

	event, err := s.Messages.GetByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event.OrgID != actor.OrgID {
		return nil, s.forbidden(ctx, actor, "message_event", eventID, "message belongs to another organization")
	}
	if !event.Blocked {
		return nil, &models.ConflictError{Resource: "override", Key: event.ID}
	}

	override := store.OverrideInput{
		EventID:        event.ID,
		ResolvedBy:     actor.ActorID,
		Reason:         reason,
		DeliveryStatus: models.DeliveryDelivered,
	}
	if strings.TrimSpace(override.ResolvedBy) == "" {
		override.ResolvedBy = string(actor.Role)
	}

	var fromE164 string
	if event.Direction == models.DirectionOutbound {
		thread, err := s.Threads.GetByID(ctx, event.ThreadID)
		if err != nil {
			return nil, err
		}
		bound, err := s.Assigner.EnsureBound(ctx, actor, thread)
		if err != nil {
			return nil, err
		}
		fromE164 = bound.Number.E164
		override.DeliveryStatus = models.DeliveryQueued
	}

	// The release is claimed before anything reaches the carrier.
	released, attempt, err := s.Messages.Override(ctx, override)
	if errors.Is(err, store.ErrConflict) {
		return nil, &models.ConflictError{Resource: "override", Key: event.ID}
	}
	if err != nil {
		return nil, err
	}

	metrics.RecordOverridden(event.OrgID)
	s.record(ctx, actor, event.OrgID, store.AuditMessageOverridden, "message_event", event.ID, map[string]any{
		"thread_id":  event.ThreadID,
		"direction":  event.Direction,
		"reason":     reason,
		"attempt_id": attempt.ID,
	})
	s.publish(ctx, events.TypeMessageOverridden, event.OrgID, map[string]any{
		"thread_id":        event.ThreadID,
		"message_event_id": event.ID,
		"direction":        event.Direction,
	})

	if event.Direction == models.DirectionOutbound {
		// A failed send is persisted with a retry time by deliver.
		sent, err := s.deliver(ctx, released, fromE164)
		if err != nil {
			return nil, err
		}
		released = sent
	}
	return &OverrideResult{Event: released, Attempt: attempt}, nil
}

// ResolveAttempt closes an attempt after review without releasing its message.
func (s *Service) ResolveAttempt(ctx context.Context, actor models.Actor, attemptID, reason string) (*store.Attempt, error) {
	return s.reviewAttempt(ctx, actor, attemptID, reason, models.AttemptResolved, store.AuditAttemptResolved)
}

// DismissAttempt marks an attempt as a false positive.
func (s *Service) DismissAttempt(ctx context.Context, actor models.Actor, attemptID, reason string) (*store.Attempt, error) {
	return s.reviewAttempt(ctx, actor, attemptID, reason, models.AttemptDismissed, store.AuditAttemptDismissed)
}

func (s *Service) reviewAttempt(ctx context.Context, actor models.Actor, attemptID, reason string, status models.AttemptStatus, auditType string) (*store.Attempt, error) {
	if err := s.requireSupervisory(ctx, actor, "attempt", attemptID, "attempt review"); err != nil {
		return nil, err
	}
	attempt, err := s.Messages.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.OrgID != actor.OrgID {
		return nil, s.forbidden(ctx, actor, "attempt", attemptID, "attempt belongs to another organization")
	}

	resolvedBy := actor.ActorID
	if strings.TrimSpace(resolvedBy) == "" {
		resolvedBy = string(actor.Role)
	}
	updated, err := s.Messages.SetAttemptStatus(ctx, attempt.ID, status, resolvedBy, strings.TrimSpace(reason))
	if errors.Is(err, store.ErrConflict) {
		return nil, &models.ConflictError{Resource: "attempt", Key: attempt.ID}
	}
	if err != nil {
		return nil, err
	}
	s.record(ctx, actor, actor.OrgID, auditType, "attempt", attempt.ID, map[string]any{
		"message_event_id": attempt.MessageEventID,
		"reason":           strings.TrimSpace(reason),
	})
	return updated, nil
}

// ListAttempts lists the actor's org's attempts for review.
func (s *Service) ListAttempts(ctx context.Context, actor models.Actor, filter store.AttemptFilter) ([]store.Attempt, error) {
	if err := s.requireSupervisory(ctx, actor, "attempt", "", "attempt review"); err != nil {
		return nil, err
	}
	filter.OrgID = actor.OrgID
	return s.Messages.ListAttempts(ctx, filter)
}
