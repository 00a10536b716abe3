package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samhotchkiss/threadmask/internal/events"
	"github.com/samhotchkiss/threadmask/internal/metrics"
	"github.com/samhotchkiss/threadmask/internal/models"
	"github.com/samhotchkiss/threadmask/internal/policy"
	"github.com/samhotchkiss/threadmask/internal/provider"
	"github.com/samhotchkiss/threadmask/internal/routing"
	"github.com/samhotchkiss/threadmask/internal/store"
)

// ReasonBlocked replaces the routing reason when a client message is held.
const ReasonBlocked = "held by anti-circumvention policy"

// InboundResult is the outcome of one webhook delivery.
type InboundResult struct {
	ThreadID       string             `json:"thread_id"`
	MessageEventID string             `json:"message_event_id"`
	RoutedTo       models.RouteTarget `json:"routed_to"`
	StaffID        *string            `json:"staff_id,omitempty"`
	Reason         string             `json:"reason,omitempty"`
	Blocked        bool               `json:"blocked"`
	PoolMismatch   bool               `json:"pool_mismatch"`
	Replay         bool               `json:"replay"`
}

var inboundActor = models.Actor{Role: models.ActorSystem, ActorID: "webhook"}

// IngestInboundWebhook stores a client message exactly once and routes it.
// A replayed provider message id returns the stored event without running any
// side effect.
func (s *Service) IngestInboundWebhook(ctx context.Context, msg provider.InboundMessage) (*InboundResult, error) {
	started := time.Now()
	msg.ProviderMessageID = strings.TrimSpace(msg.ProviderMessageID)
	msg.From = strings.TrimSpace(msg.From)
	msg.To = strings.TrimSpace(msg.To)
	if msg.ProviderMessageID == "" {
		return nil, models.NewValidationError("provider_message_id", "is required")
	}
	if msg.From == "" || msg.To == "" {
		return nil, models.NewValidationError("from", "sender and recipient are required")
	}

	existing, err := s.Messages.GetByProviderID(ctx, msg.ProviderMessageID)
	switch {
	case err == nil:
		metrics.RecordReplay(existing.OrgID)
		return replayResult(existing), nil
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("failed to check provider message id: %w", err)
	}

	number, err := s.Numbers.GetByE164(ctx, msg.To)
	if errors.Is(err, store.ErrNotFound) {
		return nil, models.NewValidationError("to", "number is not a masked number")
	}
	if err != nil {
		return nil, err
	}

	thread, mismatch, err := s.resolveInboundThread(ctx, number, msg.From)
	if err != nil {
		return nil, err
	}

	now := s.now()
	decision, err := s.Router.ResolveInbound(ctx, thread, now)
	if err != nil {
		return nil, err
	}

	detection := s.Policy.Detect(msg.Body)
	input := store.CreateMessageEventInput{
		OrgID:             thread.OrgID,
		ThreadID:          thread.ID,
		Direction:         models.DirectionInbound,
		ActorRole:         models.ActorClient,
		Body:              msg.Body,
		CounterpartyE164:  strPtr(msg.From),
		FromNumberID:      strPtr(number.ID),
		ProviderMessageID: strPtr(msg.ProviderMessageID),
		DeliveryStatus:    models.DeliveryDelivered,
	}
	if detection.Detected {
		redacted := policy.Redact(msg.Body, detection.Violations)
		input.RedactedBody = &redacted
		input.Blocked = true
		input.PolicyViolation = true
		input.DeliveryStatus = models.DeliveryQueued
		input.Attempt = &store.CreateAttemptInput{
			ViolationTypes:  detection.Types(),
			RedactedMatches: policy.MaskedMatches(detection.Violations),
			Action:          models.ActionBlocked,
		}
		decision.Target = models.RouteSupervisor
		decision.StaffID = nil
		decision.WindowID = nil
		decision.Reason = ReasonBlocked
	}
	input.RoutedTo = &decision.Target
	input.RoutedStaffID = decision.StaffID

	event, attempt, created, err := s.Messages.Create(ctx, input)
	if err != nil {
		return nil, err
	}
	if !created {
		metrics.RecordReplay(event.OrgID)
		return replayResult(event), nil
	}

	result := &InboundResult{
		ThreadID:       thread.ID,
		MessageEventID: event.ID,
		RoutedTo:       decision.Target,
		StaffID:        decision.StaffID,
		Reason:         decision.Reason,
		Blocked:        event.Blocked,
		PoolMismatch:   mismatch,
	}
	s.afterInbound(ctx, thread, number, event, attempt, decision, detection, mismatch)
	metrics.RecordIngested(thread.OrgID, time.Since(started))
	return result, nil
}

// resolveInboundThread finds the conversation for (bound number, sender). A
// sender on the front desk number with no thread gets one on first contact. A
// sender on a pool or staff number with no thread there is a mismatch and lands
// in the supervisor inbox.
func (s *Service) resolveInboundThread(ctx context.Context, number *store.MaskedNumber, from string) (*store.Thread, bool, error) {
	thread, err := s.Threads.FindForInbound(ctx, number.ID, from)
	if err == nil {
		return thread, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	if number.Class != models.NumberClassFrontDesk {
		inbox, err := s.Threads.EnsureSupervisorInbox(ctx, number.OrgID)
		if err != nil {
			return nil, false, err
		}
		return inbox, true, nil
	}

	thread, err = s.Threads.FindByClientE164(ctx, number.OrgID, from)
	switch {
	case err == nil:
		return thread, false, nil
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, false, err
	}

	thread, err = s.Threads.EnsureClientThread(ctx, store.EnsureClientThreadInput{
		OrgID:      number.OrgID,
		ClientID:   "e164:" + from,
		ClientE164: from,
	})
	if err != nil {
		return nil, false, err
	}
	if thread.MaskedNumberID == nil {
		if err := s.Threads.BindNumber(ctx, number.OrgID, thread.ID, number.ID, models.NumberClassFrontDesk); err != nil {
			return nil, false, err
		}
		class := models.NumberClassFrontDesk
		thread.MaskedNumberID = &number.ID
		thread.BoundNumberE164 = &number.E164
		thread.NumberClass = &class
	}
	return thread, false, nil
}

// afterInbound runs side effects for a newly stored inbound event only.
func (s *Service) afterInbound(
	ctx context.Context,
	thread *store.Thread,
	number *store.MaskedNumber,
	event *store.MessageEvent,
	attempt *store.Attempt,
	decision routing.Decision,
	detection policy.Detection,
	mismatch bool,
) {
	actor := inboundActor
	actor.OrgID = thread.OrgID

	if err := s.Threads.TouchLastMessage(ctx, thread.ID, event.CreatedAt); err != nil {
		s.Log.Warn("touch thread failed", "thread_id", thread.ID, "error", err)
	}
	s.record(ctx, actor, thread.OrgID, store.AuditRoutingDecided, "message_event", event.ID, map[string]any{
		"thread_id":              thread.ID,
		"target":                 decision.Target,
		"staff_id":               decision.StaffID,
		"reason":                 decision.Reason,
		"conflicting_window_ids": decision.ConflictingWindowIDs,
		"trace":                  decision.Trace,
	})
	metrics.RecordRouting(thread.OrgID, decision.Target == models.RouteStaff, len(decision.ConflictingWindowIDs) > 0)

	if mismatch {
		metrics.RecordPoolMismatch(thread.OrgID)
		s.record(ctx, actor, thread.OrgID, store.AuditPoolMismatch, "message_event", event.ID, map[string]any{
			"number_id":    number.ID,
			"number_class": number.Class,
			"sender":       policy.Mask(policy.Violation{Type: models.ViolationPhone, Match: derefString(event.CounterpartyE164)}),
		})
		reply := s.Config.PoolMismatchReply
		if link := strings.TrimSpace(s.Config.BookingLink); link != "" && !strings.Contains(reply, link) {
			reply += " Book here: " + link
		}
		s.sendSystemReply(ctx, thread, number, derefString(event.CounterpartyE164), reply)
	}

	if event.Blocked {
		metrics.RecordBlocked(thread.OrgID)
		types := detection.Types()
		s.record(ctx, actor, thread.OrgID, store.AuditMessageBlocked, "message_event", event.ID, map[string]any{
			"thread_id":       thread.ID,
			"direction":       event.Direction,
			"violation_types": types,
		})
		if !mismatch {
			s.sendSystemReply(ctx, thread, number, derefString(event.CounterpartyE164), policy.WarningText(types))
		}
		s.notifySupervisor(ctx, event, attempt)
	}

	s.publish(ctx, events.TypeMessageIngested, thread.OrgID, map[string]any{
		"thread_id":        thread.ID,
		"message_event_id": event.ID,
		"routed_to":        decision.Target,
		"staff_id":         decision.StaffID,
		"blocked":          event.Blocked,
		"pool_mismatch":    mismatch,
	})
	if decision.Target == models.RouteSupervisor {
		s.publish(ctx, events.TypeSupervisorNotice, thread.OrgID, map[string]any{
			"thread_id":        thread.ID,
			"message_event_id": event.ID,
			"reason":           decision.Reason,
			"body":             staffSafeBody(event),
		})
	}
}

// notifySupervisor publishes the redacted copy and stamps the attempt.
func (s *Service) notifySupervisor(ctx context.Context, event *store.MessageEvent, attempt *store.Attempt) {
	if attempt == nil {
		return
	}
	s.publish(ctx, events.TypeMessageBlocked, event.OrgID, map[string]any{
		"thread_id":        event.ThreadID,
		"message_event_id": event.ID,
		"attempt_id":       attempt.ID,
		"direction":        event.Direction,
		"actor_role":       event.ActorRole,
		"violation_types":  attempt.ViolationTypes,
		"redacted_matches": attempt.RedactedMatches,
		"redacted_body":    derefString(event.RedactedBody),
	})
	if err := s.Messages.MarkSupervisorNotified(ctx, attempt.ID, s.now()); err != nil {
		s.Log.Warn("mark supervisor notified failed", "attempt_id", attempt.ID, "error", err)
	}
}

func replayResult(event *store.MessageEvent) *InboundResult {
	result := &InboundResult{
		ThreadID:       event.ThreadID,
		MessageEventID: event.ID,
		RoutedTo:       models.RouteSupervisor,
		StaffID:        event.RoutedStaffID,
		Blocked:        event.Blocked,
		Replay:         true,
	}
	if event.RoutedTo != nil {
		result.RoutedTo = *event.RoutedTo
	}
	return result
}
