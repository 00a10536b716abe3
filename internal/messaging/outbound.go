package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/samhotchkiss/threadmask/internal/events"
	"github.com/samhotchkiss/threadmask/internal/metrics"
	"github.com/samhotchkiss/threadmask/internal/models"
	"github.com/samhotchkiss/threadmask/internal/policy"
	"github.com/samhotchkiss/threadmask/internal/store"
)

// SendInput is one outbound compose request.
type SendInput struct {
	ThreadID      string `json:"thread_id"`
	Body          string `json:"body"`
	ForceOverride bool   `json:"force_override"`
}

// SendResult reports what happened to an outbound message.
type SendResult struct {
	MessageEventID string                    `json:"message_event_id"`
	Delivered      bool                      `json:"delivered"`
	Blocked        bool                      `json:"blocked"`
	Action         *models.EnforcementAction `json:"action,omitempty"`
	Warning        string                    `json:"warning,omitempty"`
	DeliveryStatus models.DeliveryStatus     `json:"delivery_status"`
}

// SendOutbound runs the send gate, anti-circumvention and the provider, in that
// order. The message always leaves from the thread's bound number.
//
// A blocked message returns its result together with a PolicyViolationError. A
// provider failure returns the result together with a ProviderError; the event
// is stored as failed and retried later when the failure is retryable.
func (s *Service) SendOutbound(ctx context.Context, actor models.Actor, input SendInput) (*SendResult, error) {
	body := strings.TrimSpace(input.Body)
	if body == "" {
		return nil, models.NewValidationError("body", "message body is required")
	}
	if utf8.RuneCountInString(body) > s.Config.MaxBodyLength {
		return nil, models.NewValidationError("body", fmt.Sprintf("message body exceeds %d characters", s.Config.MaxBodyLength))
	}

	thread, err := s.loadThread(ctx, actor, input.ThreadID)
	if err != nil {
		return nil, err
	}
	if thread.Kind != models.ThreadKindClient || thread.ClientE164 == nil {
		return nil, models.NewValidationError("thread_id", "thread has no client recipient")
	}

	if err := s.Gate.Authorize(ctx, actor, thread, s.now()); err != nil {
		return nil, s.auditForbidden(ctx, actor, "thread", thread.ID, err)
	}

	bound, err := s.Assigner.EnsureBound(ctx, actor, thread)
	if err != nil {
		return nil, err
	}

	var actorID *string
	if id := strings.TrimSpace(actor.ActorID); id != "" {
		actorID = &id
	}
	create := store.CreateMessageEventInput{
		OrgID:            thread.OrgID,
		ThreadID:         thread.ID,
		Direction:        models.DirectionOutbound,
		ActorRole:        actor.Role,
		ActorID:          actorID,
		Body:             body,
		CounterpartyE164: thread.ClientE164,
		FromNumberID:     strPtr(bound.Number.ID),
		DeliveryStatus:   models.DeliveryQueued,
	}

	detection := s.Policy.Detect(body)
	var action *models.EnforcementAction
	if detection.Detected {
		chosen := enforcementFor(actor, input.ForceOverride)
		action = &chosen
		redacted := policy.Redact(body, detection.Violations)
		create.RedactedBody = &redacted
		create.PolicyViolation = true
		create.Attempt = &store.CreateAttemptInput{
			ViolationTypes:  detection.Types(),
			RedactedMatches: policy.MaskedMatches(detection.Violations),
			Action:          chosen,
		}
		switch chosen {
		case models.ActionBlocked:
			create.Blocked = true
			create.DeliveryStatus = models.DeliveryFailed
		case models.ActionOverridden:
			create.Attempt.ResolvedBy = actorID
			create.Attempt.ResolutionReason = strPtr("sent with force override")
		case models.ActionWarned:
		}
	}

	event, attempt, _, err := s.Messages.Create(ctx, create)
	if err != nil {
		return nil, err
	}
	if err := s.Threads.TouchLastMessage(ctx, thread.ID, event.CreatedAt); err != nil {
		s.Log.Warn("touch thread failed", "thread_id", thread.ID, "error", err)
	}

	result := &SendResult{MessageEventID: event.ID, Action: action, DeliveryStatus: event.DeliveryStatus}
	if action != nil {
		s.recordEnforcement(ctx, actor, event, attempt, *action, detection.Types())
	}

	if event.Blocked {
		warning := policy.WarningText(detection.Types())
		result.Blocked = true
		result.Warning = warning
		return result, &models.PolicyViolationError{
			MessageEventID: event.ID,
			Types:          detection.Types(),
			Warning:        warning,
		}
	}
	if action != nil && *action == models.ActionWarned {
		result.Warning = policy.WarningText(detection.Types())
	}

	sent, err := s.deliver(ctx, event, bound.Number.E164)
	if sent != nil {
		result.DeliveryStatus = sent.DeliveryStatus
		result.Delivered = sent.DeliveryStatus.Delivered()
	}
	if err != nil {
		return result, err
	}
	s.publish(ctx, events.TypeMessageSent, thread.OrgID, map[string]any{
		"thread_id":        thread.ID,
		"message_event_id": event.ID,
		"actor_role":       actor.Role,
	})
	return result, nil
}

// enforcementFor picks the action for outbound content with contact info.
// Staff cannot force a send.
func enforcementFor(actor models.Actor, force bool) models.EnforcementAction {
	switch actor.Role {
	case models.ActorSupervisor, models.ActorOwner:
		if force {
			return models.ActionOverridden
		}
		return models.ActionWarned
	case models.ActorStaff, models.ActorClient, models.ActorSystem, models.ActorAutomation:
		return models.ActionBlocked
	}
	return models.ActionBlocked
}

func (s *Service) recordEnforcement(ctx context.Context, actor models.Actor, event *store.MessageEvent, attempt *store.Attempt, action models.EnforcementAction, types []models.ViolationType) {
	eventType := store.AuditMessageBlocked
	switch action {
	case models.ActionBlocked:
		metrics.RecordBlocked(event.OrgID)
		s.notifySupervisor(ctx, event, attempt)
	case models.ActionWarned:
		eventType = store.AuditMessageWarned
		metrics.RecordWarned(event.OrgID)
	case models.ActionOverridden:
		eventType = store.AuditMessageOverridden
		metrics.RecordOverridden(event.OrgID)
	}
	s.record(ctx, actor, event.OrgID, eventType, "message_event", event.ID, map[string]any{
		"thread_id":       event.ThreadID,
		"direction":       event.Direction,
		"violation_types": types,
		"action":          action,
	})
}

// deliver hands a stored outbound event to the provider and records the outcome.
func (s *Service) deliver(ctx context.Context, event *store.MessageEvent, fromE164 string) (*store.MessageEvent, error) {
	to := derefString(event.CounterpartyE164)
	res, sendErr := s.Provider.Send(ctx, to, fromE164, event.Body)
	if sendErr == nil {
		updated, err := s.Messages.MarkSent(ctx, event.ID, res.ProviderMessageID)
		if err != nil {
			return nil, fmt.Errorf("failed to record sent message: %w", err)
		}
		metrics.RecordSend(event.OrgID, true, event.SendAttempts > 0)
		return updated, nil
	}

	retryable := true
	var providerErr *models.ProviderError
	if errors.As(sendErr, &providerErr) {
		retryable = providerErr.Retryable
	} else {
		sendErr = &models.ProviderError{Op: "send", Retryable: true, Err: sendErr}
	}
	attempts := event.SendAttempts + 1
	nextRetry := s.nextRetry(attempts, retryable)
	updated, err := s.Messages.MarkSendFailed(ctx, event.ID, sendErr.Error(), nextRetry)
	if err != nil {
		s.Log.Error("failed to record send failure", "message_event_id", event.ID, "error", err)
	}
	metrics.RecordSend(event.OrgID, false, event.SendAttempts > 0)
	s.Log.Warn("provider send failed",
		"message_event_id", event.ID,
		"attempt", attempts,
		"retry_scheduled", nextRetry != nil,
		"error", sendErr,
	)
	return updated, sendErr
}

func (s *Service) nextRetry(attempts int, retryable bool) *time.Time {
	if !retryable || attempts >= s.Config.MaxAttempts {
		return nil
	}
	at := s.now().Add(backoffFor(s.Config, attempts))
	return &at
}

// sendSystemReply stores and sends an automatic reply from the number the client
// wrote to. Failures are logged; the inbound message is already stored.
func (s *Service) sendSystemReply(ctx context.Context, thread *store.Thread, number *store.MaskedNumber, to, body string) {
	if strings.TrimSpace(to) == "" || number == nil {
		return
	}
	event, _, _, err := s.Messages.Create(ctx, store.CreateMessageEventInput{
		OrgID:            thread.OrgID,
		ThreadID:         thread.ID,
		Direction:        models.DirectionOutbound,
		ActorRole:        models.ActorSystem,
		Body:             body,
		CounterpartyE164: &to,
		FromNumberID:     &number.ID,
		DeliveryStatus:   models.DeliveryQueued,
	})
	if err != nil {
		s.Log.Error("failed to store auto-reply", "thread_id", thread.ID, "error", err)
		return
	}
	if _, err := s.deliver(ctx, event, number.E164); err != nil {
		s.Log.Warn("auto-reply not delivered", "thread_id", thread.ID, "message_event_id", event.ID, "error", err)
	}
}

// RetryFailed claims and resends failed outbound events whose backoff elapsed.
// The bound number is re-read so a rebound thread never sends from its old number.
func (s *Service) RetryFailed(ctx context.Context, limit int) (int, error) {
	due, err := s.Messages.ClaimRetryable(ctx, s.now(), s.Config.RetryLease, s.Config.MaxAttempts, limit)
	if err != nil {
		return 0, err
	}
	sent := 0
	for i := range due {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		event := due[i]
		from, err := s.retrySender(ctx, &event)
		if err != nil {
			s.Log.Warn("retry skipped", "message_event_id", event.ID, "error", err)
			if _, markErr := s.Messages.MarkSendFailed(ctx, event.ID, err.Error(), nil); markErr != nil {
				s.Log.Error("failed to stop retries", "message_event_id", event.ID, "error", markErr)
			}
			continue
		}
		if _, err := s.deliver(ctx, &event, from); err == nil {
			sent++
		}
	}
	return sent, nil
}

func (s *Service) retrySender(ctx context.Context, event *store.MessageEvent) (string, error) {
	thread, err := s.Threads.GetByID(ctx, event.ThreadID)
	if err != nil {
		return "", err
	}
	// Auto-replies on the supervisor inbox go back out on the number they came in on.
	if thread.Kind == models.ThreadKindSupervisorInbox {
		if event.FromNumberID == nil {
			return "", models.NewValidationError("from_number_id", "auto-reply has no sending number")
		}
		number, err := s.Assigner.Numbers.GetByID(ctx, *event.FromNumberID)
		if err != nil {
			return "", err
		}
		return number.E164, nil
	}
	system := models.Actor{OrgID: thread.OrgID, Role: models.ActorSystem, ActorID: "retry"}
	bound, err := s.Assigner.EnsureBound(ctx, system, thread)
	if err != nil {
		return "", err
	}
	return bound.Number.E164, nil
}
