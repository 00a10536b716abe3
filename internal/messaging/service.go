// Package messaging orchestrates the routing and masking engine: inbound webhook
// ingestion, gated outbound sends, anti-circumvention enforcement, delivery
// callbacks and booking lifecycle hooks.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samhotchkiss/threadmask/internal/assignment"
	"github.com/samhotchkiss/threadmask/internal/classify"
	"github.com/samhotchkiss/threadmask/internal/events"
	"github.com/samhotchkiss/threadmask/internal/logger"
	"github.com/samhotchkiss/threadmask/internal/metrics"
	"github.com/samhotchkiss/threadmask/internal/models"
	"github.com/samhotchkiss/threadmask/internal/numbers"
	"github.com/samhotchkiss/threadmask/internal/policy"
	"github.com/samhotchkiss/threadmask/internal/provider"
	"github.com/samhotchkiss/threadmask/internal/routing"
	"github.com/samhotchkiss/threadmask/internal/sendgate"
	"github.com/samhotchkiss/threadmask/internal/store"
)

const (
	DefaultMaxBodyLength = 1600
	DefaultMaxAttempts   = 3
	DefaultPoolReply     = "Thanks for your message! This number is no longer active for your conversation. Our team has been notified and will follow up shortly."
)

// DefaultBackoff is the delay before each retry of a failed send.
var DefaultBackoff = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}

type ThreadStore interface {
	GetByID(ctx context.Context, threadID string) (*store.Thread, error)
	FindForInbound(ctx context.Context, numberID, clientE164 string) (*store.Thread, error)
	FindByClientE164(ctx context.Context, orgID, clientE164 string) (*store.Thread, error)
	EnsureClientThread(ctx context.Context, input store.EnsureClientThreadInput) (*store.Thread, error)
	EnsureSupervisorInbox(ctx context.Context, orgID string) (*store.Thread, error)
	BindNumber(ctx context.Context, orgID, threadID, numberID string, class models.NumberClass) error
	SetAssignment(ctx context.Context, orgID, threadID string, staffID, bookingID *string) error
	SetClassification(ctx context.Context, orgID, threadID string, oneTime, recurring bool) error
	TouchLastMessage(ctx context.Context, threadID string, at time.Time) error
	ListByAssignedStaff(ctx context.Context, orgID, staffID string) ([]store.Thread, error)
}

type MessageStore interface {
	Create(ctx context.Context, input store.CreateMessageEventInput) (*store.MessageEvent, *store.Attempt, bool, error)
	GetByID(ctx context.Context, eventID string) (*store.MessageEvent, error)
	GetByProviderID(ctx context.Context, providerMessageID string) (*store.MessageEvent, error)
	ListForThread(ctx context.Context, threadID string, limit int) ([]store.MessageEvent, error)
	ClaimRetryable(ctx context.Context, now time.Time, lease time.Duration, maxAttempts, limit int) ([]store.MessageEvent, error)
	MarkSent(ctx context.Context, eventID, providerMessageID string) (*store.MessageEvent, error)
	MarkSendFailed(ctx context.Context, eventID, reason string, nextRetryAt *time.Time) (*store.MessageEvent, error)
	ApplyStatusCallback(ctx context.Context, providerMessageID string, status models.DeliveryStatus, errorCode string) (*store.MessageEvent, bool, error)
	GetAttempt(ctx context.Context, attemptID string) (*store.Attempt, error)
	ListAttempts(ctx context.Context, filter store.AttemptFilter) ([]store.Attempt, error)
	MarkSupervisorNotified(ctx context.Context, attemptID string, at time.Time) error
	SetAttemptStatus(ctx context.Context, attemptID string, status models.AttemptStatus, resolvedBy, reason string) (*store.Attempt, error)
	Override(ctx context.Context, input store.OverrideInput) (*store.MessageEvent, *store.Attempt, error)
}

type NumberLookup interface {
	GetByE164(ctx context.Context, e164 string) (*store.MaskedNumber, error)
}

type BookingStore interface {
	GetByID(ctx context.Context, orgID, bookingID string) (*store.Booking, error)
	Upsert(ctx context.Context, input store.UpsertBookingInput) (*store.Booking, error)
	SetStaff(ctx context.Context, orgID, bookingID string, staffID *string) (*store.Booking, error)
	UpdateTimes(ctx context.Context, orgID, bookingID string, start, end time.Time) (*store.Booking, error)
	SetStatus(ctx context.Context, orgID, bookingID, status string) (*store.Booking, error)
}

type AuditRecorder interface {
	Record(ctx context.Context, input store.RecordAuditInput) error
}

type Config struct {
	MaxBodyLength     int
	MaxAttempts       int
	Backoff           []time.Duration
	RetryLease        time.Duration
	PoolMismatchReply string
	BookingLink       string
}

func DefaultConfig() Config {
	return Config{
		MaxBodyLength:     DefaultMaxBodyLength,
		MaxAttempts:       DefaultMaxAttempts,
		Backoff:           DefaultBackoff,
		RetryLease:        store.DefaultRetryLease,
		PoolMismatchReply: DefaultPoolReply,
	}
}

// Deps wires the service's collaborators.
type Deps struct {
	Threads    ThreadStore
	Messages   MessageStore
	Numbers    NumberLookup
	Bookings   BookingStore
	Windows    *assignment.Manager
	Router     *routing.Resolver
	Gate       *sendgate.Gate
	Assigner   *numbers.Assigner
	Policy     *policy.Engine
	Classifier classify.Classifier
	Provider   provider.Provider
	Audit      AuditRecorder
	Events     events.Publisher
	Log        *logger.Logger
}

type Service struct {
	Deps
	Config Config
	Now    func() time.Time
}

func NewService(deps Deps, cfg Config) *Service {
	if deps.Policy == nil {
		deps.Policy = policy.NewEngine()
	}
	if deps.Events == nil {
		deps.Events = events.Noop{}
	}
	if cfg.MaxBodyLength <= 0 {
		cfg.MaxBodyLength = DefaultMaxBodyLength
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultBackoff
	}
	if strings.TrimSpace(cfg.PoolMismatchReply) == "" {
		cfg.PoolMismatchReply = DefaultPoolReply
	}
	return &Service{
		Deps:   deps,
		Config: cfg,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// loadThread fetches a thread and enforces org isolation for the actor.
func (s *Service) loadThread(ctx context.Context, actor models.Actor, threadID string) (*store.Thread, error) {
	thread, err := s.Threads.GetByID(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if actor.OrgID == "" || thread.OrgID != actor.OrgID {
		return nil, s.forbidden(ctx, actor, "thread", threadID, "thread belongs to another organization")
	}
	return thread, nil
}

// forbidden audits a rejected request as a no-op and returns a ForbiddenError.
func (s *Service) forbidden(ctx context.Context, actor models.Actor, entityType, entityID, reason string) error {
	metrics.RecordForbidden(actor.OrgID)
	if actor.OrgID != "" {
		s.record(ctx, actor, actor.OrgID, store.AuditForbidden, entityType, entityID, map[string]any{
			"reason": reason,
			"role":   actor.Role,
		})
	}
	return models.NewForbiddenError(reason)
}

func (s *Service) auditForbidden(ctx context.Context, actor models.Actor, entityType, entityID string, err error) error {
	var forbidden *models.ForbiddenError
	if !errors.As(err, &forbidden) {
		return err
	}
	metrics.RecordForbidden(actor.OrgID)
	if actor.OrgID != "" {
		s.record(ctx, actor, actor.OrgID, store.AuditForbidden, entityType, entityID, map[string]any{
			"reason": forbidden.Reason,
			"role":   actor.Role,
		})
	}
	return err
}

func (s *Service) record(ctx context.Context, actor models.Actor, orgID, eventType, entityType, entityID string, payload map[string]any) {
	if s.Audit == nil {
		return
	}
	err := s.Audit.Record(ctx, store.RecordAuditInput{
		OrgID:      orgID,
		EventType:  eventType,
		ActorRole:  string(actor.Role),
		ActorID:    actor.ActorID,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
	})
	if err != nil {
		s.Log.Warn("audit write failed", "event_type", eventType, "entity_id", entityID, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, eventType, orgID string, data any) {
	if err := s.Events.Publish(ctx, events.New(eventType, orgID, data)); err != nil {
		s.Log.Warn("event publish failed", "type", eventType, "org_id", orgID, "error", err)
	}
}

// requireSupervisory allows supervisors and owners of the actor's own org.
func (s *Service) requireSupervisory(ctx context.Context, actor models.Actor, entityType, entityID, action string) error {
	if !actor.Role.IsSupervisory() {
		return s.forbidden(ctx, actor, entityType, entityID, fmt.Sprintf("%s requires a supervisor", action))
	}
	if strings.TrimSpace(actor.OrgID) == "" {
		return models.NewForbiddenError("organization is required")
	}
	return nil
}

// requireOperator allows supervisory roles and trusted system callers.
func (s *Service) requireOperator(ctx context.Context, actor models.Actor, entityType, entityID, action string) error {
	switch actor.Role {
	case models.ActorSupervisor, models.ActorOwner, models.ActorSystem, models.ActorAutomation:
	case models.ActorClient, models.ActorStaff:
		return s.forbidden(ctx, actor, entityType, entityID, fmt.Sprintf("%s is not permitted for %s", action, actor.Role))
	default:
		return s.forbidden(ctx, actor, entityType, entityID, "unknown actor role")
	}
	if strings.TrimSpace(actor.OrgID) == "" {
		return models.NewForbiddenError("organization is required")
	}
	return nil
}

func backoffFor(cfg Config, attempts int) time.Duration {
	if attempts <= 0 {
		attempts = 1
	}
	if attempts > len(cfg.Backoff) {
		return cfg.Backoff[len(cfg.Backoff)-1]
	}
	return cfg.Backoff[attempts-1]
}

func strPtr(value string) *string {
	return &value
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
