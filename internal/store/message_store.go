package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/samhotchkiss/threadmask/internal/models"
)

// MessageEvent is one inbound or outbound message.
type MessageEvent struct {
	ID                string                `json:"id"`
	OrgID             string                `json:"org_id"`
	ThreadID          string                `json:"thread_id"`
	Direction         models.Direction      `json:"direction"`
	ActorRole         models.ActorRole      `json:"actor_role"`
	ActorID           *string               `json:"actor_id,omitempty"`
	Body              string                `json:"body"`
	RedactedBody      *string               `json:"redacted_body,omitempty"`
	CounterpartyE164  *string               `json:"counterparty_e164,omitempty"`
	FromNumberID      *string               `json:"from_number_id,omitempty"`
	ProviderMessageID *string               `json:"provider_message_id,omitempty"`
	DeliveryStatus    models.DeliveryStatus `json:"delivery_status"`
	RoutedTo          *models.RouteTarget   `json:"routed_to,omitempty"`
	RoutedStaffID     *string               `json:"routed_staff_id,omitempty"`
	Blocked           bool                  `json:"blocked"`
	PolicyViolation   bool                  `json:"policy_violation"`
	SendAttempts      int                   `json:"send_attempts"`
	NextRetryAt       *time.Time            `json:"next_retry_at,omitempty"`
	LastError         *string               `json:"last_error,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

type CreateMessageEventInput struct {
	OrgID             string
	ThreadID          string
	Direction         models.Direction
	ActorRole         models.ActorRole
	ActorID           *string
	Body              string
	RedactedBody      *string
	CounterpartyE164  *string
	FromNumberID      *string
	ProviderMessageID *string
	DeliveryStatus    models.DeliveryStatus
	RoutedTo          *models.RouteTarget
	RoutedStaffID     *string
	Blocked           bool
	PolicyViolation   bool
	// Attempt is written in the same transaction as the event when set.
	Attempt *CreateAttemptInput
}

// MessageStore persists message events and their anti-circumvention attempts.
type MessageStore struct {
	db *sql.DB
}

// DefaultRetryLease is how long a claimed retry stays hidden from other workers.
const DefaultRetryLease = 5 * time.Minute

const messageSelectColumns = `
	id::text,
	org_id::text,
	thread_id::text,
	direction,
	actor_role,
	actor_id,
	body,
	redacted_body,
	counterparty_e164,
	from_number_id::text,
	provider_message_id,
	delivery_status,
	routed_to,
	routed_staff_id,
	blocked,
	policy_violation,
	send_attempts,
	next_retry_at,
	last_error,
	created_at,
	updated_at
`

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

// Create inserts a message event keyed on its provider message id.
// When the id was already recorded the existing event is returned with created=false
// and nothing is written.
func (s *MessageStore) Create(ctx context.Context, input CreateMessageEventInput) (*MessageEvent, *Attempt, bool, error) {
	if s == nil || s.db == nil {
		return nil, nil, false, ErrNotConfigured
	}
	org, err := normalizeUUID("org_id", input.OrgID)
	if err != nil {
		return nil, nil, false, err
	}
	threadID, err := normalizeUUID("thread_id", input.ThreadID)
	if err != nil {
		return nil, nil, false, err
	}
	switch input.Direction {
	case models.DirectionInbound, models.DirectionOutbound:
	default:
		return nil, nil, false, fmt.Errorf("invalid direction")
	}
	if input.ActorRole == "" {
		return nil, nil, false, fmt.Errorf("invalid actor_role")
	}
	status := input.DeliveryStatus
	if status == "" {
		status = models.DeliveryQueued
	}
	var routedTo any
	if input.RoutedTo != nil {
		routedTo = string(*input.RoutedTo)
	}

	var (
		event   MessageEvent
		attempt *Attempt
		created bool
	)
	err = withTx(ctx, s.db, func(tx *sql.Tx) error {
		scanned, scanErr := scanMessageEvent(tx.QueryRowContext(ctx, `
			INSERT INTO message_events (
				org_id, thread_id, direction, actor_role, actor_id, body, redacted_body,
				counterparty_e164, from_number_id, provider_message_id, delivery_status,
				routed_to, routed_staff_id, blocked, policy_violation
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT ON CONSTRAINT message_events_provider_message_id_key DO NOTHING
			RETURNING `+messageSelectColumns,
			org,
			threadID,
			string(input.Direction),
			string(input.ActorRole),
			nullableString(input.ActorID),
			input.Body,
			nullableString(input.RedactedBody),
			nullableString(input.CounterpartyE164),
			nullableString(input.FromNumberID),
			nullableString(input.ProviderMessageID),
			string(status),
			routedTo,
			nullableString(input.RoutedStaffID),
			input.Blocked,
			input.PolicyViolation,
		))
		if errors.Is(scanErr, sql.ErrNoRows) {
			return nil
		}
		if scanErr != nil {
			return fmt.Errorf("failed to insert message event: %w", scanErr)
		}
		event = scanned
		created = true

		if input.Attempt != nil {
			inserted, attemptErr := insertAttempt(ctx, tx, org, event.ID, *input.Attempt)
			if attemptErr != nil {
				return attemptErr
			}
			attempt = inserted
		}
		return nil
	})
	if err != nil {
		return nil, nil, false, err
	}
	if created {
		return &event, attempt, true, nil
	}

	existing, err := s.GetByProviderID(ctx, derefString(input.ProviderMessageID))
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to load replayed message event: %w", err)
	}
	existingAttempt, err := s.GetAttemptByEvent(ctx, existing.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, nil, false, err
	}
	return existing, existingAttempt, false, nil
}

func (s *MessageStore) GetByID(ctx context.Context, eventID string) (*MessageEvent, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	id, err := normalizeUUID("message_event_id", eventID)
	if err != nil {
		return nil, err
	}
	return s.getOne(ctx, `WHERE id = $1`, id)
}

// GetByProviderID returns the event recorded for a provider message id.
func (s *MessageStore) GetByProviderID(ctx context.Context, providerMessageID string) (*MessageEvent, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	value := strings.TrimSpace(providerMessageID)
	if value == "" {
		return nil, ErrNotFound
	}
	return s.getOne(ctx, `WHERE provider_message_id = $1`, value)
}

// ListForThread returns the newest events on a thread in chronological order.
func (s *MessageStore) ListForThread(ctx context.Context, threadID string, limit int) ([]MessageEvent, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	id, err := normalizeUUID("thread_id", threadID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	events, err := s.queryEvents(ctx, `
		SELECT `+messageSelectColumns+`
		FROM message_events
		WHERE thread_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, id, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// ClaimRetryable leases failed outbound sends whose backoff has elapsed. Each
// claimed row's next_retry_at moves to now+lease, so concurrent workers never
// pick up the same event and a crashed worker's claims come due again.
func (s *MessageStore) ClaimRetryable(ctx context.Context, now time.Time, lease time.Duration, maxAttempts, limit int) ([]MessageEvent, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	if limit <= 0 {
		limit = 50
	}
	if lease <= 0 {
		lease = DefaultRetryLease
	}
	now = now.UTC()
	return s.queryEvents(ctx, `
		UPDATE message_events
		SET next_retry_at = $4, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM message_events
			WHERE direction = 'outbound'
				AND delivery_status = 'failed'
				AND blocked = FALSE
				AND next_retry_at IS NOT NULL
				AND next_retry_at <= $1
				AND send_attempts < $2
			ORDER BY next_retry_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+messageSelectColumns, now, maxAttempts, limit, now.Add(lease))
}

// MarkSent records a successful provider handoff.
func (s *MessageStore) MarkSent(ctx context.Context, eventID, providerMessageID string) (*MessageEvent, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	id, err := normalizeUUID("message_event_id", eventID)
	if err != nil {
		return nil, err
	}
	providerID := strings.TrimSpace(providerMessageID)
	return s.updateOne(ctx, `
		UPDATE message_events
		SET delivery_status = 'sent',
			provider_message_id = COALESCE($2, provider_message_id),
			send_attempts = send_attempts + 1,
			next_retry_at = NULL,
			last_error = NULL,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+messageSelectColumns, id, nullableString(&providerID))
}

// MarkSendFailed records a failed provider handoff. A nil nextRetryAt stops retries.
func (s *MessageStore) MarkSendFailed(ctx context.Context, eventID, reason string, nextRetryAt *time.Time) (*MessageEvent, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	id, err := normalizeUUID("message_event_id", eventID)
	if err != nil {
		return nil, err
	}
	var retryAt any
	if nextRetryAt != nil {
		retryAt = nextRetryAt.UTC()
	}
	return s.updateOne(ctx, `
		UPDATE message_events
		SET delivery_status = 'failed',
			send_attempts = send_attempts + 1,
			next_retry_at = $3,
			last_error = $2,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+messageSelectColumns, id, strings.TrimSpace(reason), retryAt)
}

// ApplyStatusCallback maps a provider delivery receipt onto the event.
// A delivered event never regresses. Unknown provider ids return ErrNotFound.
func (s *MessageStore) ApplyStatusCallback(ctx context.Context, providerMessageID string, status models.DeliveryStatus, errorCode string) (*MessageEvent, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, ErrNotConfigured
	}
	providerID := strings.TrimSpace(providerMessageID)
	if providerID == "" {
		return nil, false, fmt.Errorf("invalid provider_message_id")
	}
	code := strings.TrimSpace(errorCode)

	event, err := scanMessageEvent(s.db.QueryRowContext(ctx, `
		UPDATE message_events
		SET delivery_status = $2,
			last_error = COALESCE($3, last_error),
			updated_at = NOW()
		WHERE provider_message_id = $1
			AND delivery_status <> 'delivered'
			AND blocked = FALSE
		RETURNING `+messageSelectColumns, providerID, string(status), nullableString(&code)))
	if err == nil {
		return &event, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to apply status callback: %w", err)
	}

	existing, err := s.GetByProviderID(ctx, providerID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *MessageStore) getOne(ctx context.Context, where string, args ...any) (*MessageEvent, error) {
	event, err := scanMessageEvent(s.db.QueryRowContext(ctx, `
		SELECT `+messageSelectColumns+`
		FROM message_events
		`+where, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get message event: %w", err)
	}
	return &event, nil
}

func (s *MessageStore) updateOne(ctx context.Context, query string, args ...any) (*MessageEvent, error) {
	event, err := scanMessageEvent(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to update message event: %w", err)
	}
	return &event, nil
}

func (s *MessageStore) queryEvents(ctx context.Context, query string, args ...any) ([]MessageEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query message events: %w", err)
	}
	defer rows.Close()

	events := make([]MessageEvent, 0)
	for rows.Next() {
		event, scanErr := scanMessageEvent(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan message event: %w", scanErr)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read message events: %w", err)
	}
	return events, nil
}

func scanMessageEvent(scanner rowScanner) (MessageEvent, error) {
	var (
		event        MessageEvent
		actorID      sql.NullString
		redacted     sql.NullString
		counterparty sql.NullString
		fromNumber   sql.NullString
		providerID   sql.NullString
		routedTo     sql.NullString
		routedStaff  sql.NullString
		nextRetry    sql.NullTime
		lastError    sql.NullString
	)
	err := scanner.Scan(
		&event.ID,
		&event.OrgID,
		&event.ThreadID,
		&event.Direction,
		&event.ActorRole,
		&actorID,
		&event.Body,
		&redacted,
		&counterparty,
		&fromNumber,
		&providerID,
		&event.DeliveryStatus,
		&routedTo,
		&routedStaff,
		&event.Blocked,
		&event.PolicyViolation,
		&event.SendAttempts,
		&nextRetry,
		&lastError,
		&event.CreatedAt,
		&event.UpdatedAt,
	)
	if err != nil {
		return MessageEvent{}, err
	}
	event.ActorID = stringPtr(actorID)
	event.RedactedBody = stringPtr(redacted)
	event.CounterpartyE164 = stringPtr(counterparty)
	event.FromNumberID = stringPtr(fromNumber)
	event.ProviderMessageID = stringPtr(providerID)
	event.RoutedStaffID = stringPtr(routedStaff)
	event.LastError = stringPtr(lastError)
	if routedTo.Valid {
		target := models.RouteTarget(routedTo.String)
		event.RoutedTo = &target
	}
	if nextRetry.Valid {
		at := nextRetry.Time
		event.NextRetryAt = &at
	}
	return event, nil
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func violationStrings(types []models.ViolationType) pq.StringArray {
	out := make(pq.StringArray, 0, len(types))
	for _, t := range types {
		out = append(out, string(t))
	}
	return out
}
