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

// Attempt is the anti-circumvention record for one blocked or flagged message.
type Attempt struct {
	ID                   string                   `json:"id"`
	OrgID                string                   `json:"org_id"`
	MessageEventID       string                   `json:"message_event_id"`
	ViolationTypes       []models.ViolationType   `json:"violation_types"`
	RedactedMatches      []string                 `json:"redacted_matches"`
	Action               models.EnforcementAction `json:"action"`
	Status               models.AttemptStatus     `json:"status"`
	ResolvedBy           *string                  `json:"resolved_by,omitempty"`
	ResolutionReason     *string                  `json:"resolution_reason,omitempty"`
	ResolvedAt           *time.Time               `json:"resolved_at,omitempty"`
	SupervisorNotifiedAt *time.Time               `json:"supervisor_notified_at,omitempty"`
	CreatedAt            time.Time                `json:"created_at"`

	// Populated from the linked message event.
	ThreadID     string           `json:"thread_id"`
	Direction    models.Direction `json:"direction"`
	ActorRole    models.ActorRole `json:"actor_role"`
	RedactedBody *string          `json:"redacted_body,omitempty"`
}

type CreateAttemptInput struct {
	ViolationTypes   []models.ViolationType
	RedactedMatches  []string
	Action           models.EnforcementAction
	ResolvedBy       *string
	ResolutionReason *string
}

type AttemptFilter struct {
	OrgID         string
	Status        models.AttemptStatus
	ViolationType models.ViolationType
	Limit         int
}

// OverrideInput releases a blocked message under a supervisor's authority.
type OverrideInput struct {
	EventID           string
	ResolvedBy        string
	Reason            string
	DeliveryStatus    models.DeliveryStatus
	ProviderMessageID *string
}

const attemptSelectColumns = `
	a.id::text,
	a.org_id::text,
	a.message_event_id::text,
	a.violation_types,
	a.redacted_matches,
	a.action,
	a.status,
	a.resolved_by,
	a.resolution_reason,
	a.resolved_at,
	a.supervisor_notified_at,
	a.created_at,
	e.thread_id::text,
	e.direction,
	e.actor_role,
	e.redacted_body
`

const attemptFrom = `
	FROM anti_circumvention_attempts a
	JOIN message_events e ON e.id = a.message_event_id
`

func insertAttempt(ctx context.Context, q Querier, orgID, eventID string, input CreateAttemptInput) (*Attempt, error) {
	if len(input.ViolationTypes) == 0 {
		return nil, fmt.Errorf("invalid violation_types")
	}
	switch input.Action {
	case models.ActionBlocked, models.ActionWarned, models.ActionOverridden:
	default:
		return nil, fmt.Errorf("invalid action")
	}
	status := models.AttemptOpen
	if input.Action == models.ActionOverridden {
		status = models.AttemptResolved
	}
	matches := input.RedactedMatches
	if matches == nil {
		matches = []string{}
	}

	var id string
	err := q.QueryRowContext(ctx, `
		INSERT INTO anti_circumvention_attempts (
			org_id, message_event_id, violation_types, redacted_matches, action, status,
			resolved_by, resolution_reason, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, CASE WHEN $7::text IS NULL THEN NULL ELSE NOW() END)
		RETURNING id::text
	`,
		orgID,
		eventID,
		violationStrings(input.ViolationTypes),
		pq.StringArray(matches),
		string(input.Action),
		string(status),
		nullableString(input.ResolvedBy),
		nullableString(input.ResolutionReason),
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to insert anti-circumvention attempt: %w", err)
	}

	attempt, err := scanAttempt(q.QueryRowContext(ctx, `SELECT `+attemptSelectColumns+attemptFrom+`WHERE a.id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to load anti-circumvention attempt: %w", err)
	}
	return &attempt, nil
}

func (s *MessageStore) GetAttempt(ctx context.Context, attemptID string) (*Attempt, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	id, err := normalizeUUID("attempt_id", attemptID)
	if err != nil {
		return nil, err
	}
	return s.getAttempt(ctx, `WHERE a.id = $1`, id)
}

func (s *MessageStore) GetAttemptByEvent(ctx context.Context, eventID string) (*Attempt, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	id, err := normalizeUUID("message_event_id", eventID)
	if err != nil {
		return nil, err
	}
	return s.getAttempt(ctx, `WHERE a.message_event_id = $1`, id)
}

// ListAttempts returns an org's attempts, newest first.
func (s *MessageStore) ListAttempts(ctx context.Context, filter AttemptFilter) ([]Attempt, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	org, err := normalizeUUID("org_id", filter.OrgID)
	if err != nil {
		return nil, err
	}

	conditions := []string{"a.org_id = $1"}
	args := []any{org}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("a.status = $%d", len(args)))
	}
	if filter.ViolationType != "" {
		args = append(args, string(filter.ViolationType))
		conditions = append(conditions, fmt.Sprintf("$%d = ANY(a.violation_types)", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `SELECT `+attemptSelectColumns+attemptFrom+`
		WHERE `+strings.Join(conditions, " AND ")+`
		ORDER BY a.created_at DESC, a.id
		LIMIT `+fmt.Sprintf("$%d", len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list anti-circumvention attempts: %w", err)
	}
	defer rows.Close()

	attempts := make([]Attempt, 0)
	for rows.Next() {
		attempt, scanErr := scanAttempt(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan anti-circumvention attempt: %w", scanErr)
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read anti-circumvention attempts: %w", err)
	}
	return attempts, nil
}

// MarkSupervisorNotified stamps when the supervisor was told about an attempt.
func (s *MessageStore) MarkSupervisorNotified(ctx context.Context, attemptID string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrNotConfigured
	}
	id, err := normalizeUUID("attempt_id", attemptID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE anti_circumvention_attempts
		SET supervisor_notified_at = COALESCE(supervisor_notified_at, $2)
		WHERE id = $1
	`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark supervisor notified: %w", err)
	}
	return nil
}

// SetAttemptStatus resolves or dismisses an open attempt without releasing its message.
func (s *MessageStore) SetAttemptStatus(ctx context.Context, attemptID string, status models.AttemptStatus, resolvedBy, reason string) (*Attempt, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	id, err := normalizeUUID("attempt_id", attemptID)
	if err != nil {
		return nil, err
	}
	switch status {
	case models.AttemptResolved, models.AttemptDismissed:
	default:
		return nil, fmt.Errorf("invalid status")
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE anti_circumvention_attempts
		SET status = $2, resolved_by = $3, resolution_reason = $4, resolved_at = NOW()
		WHERE id = $1 AND status = 'open'
	`, id, string(status), strings.TrimSpace(resolvedBy), nullableString(&reason))
	if err != nil {
		return nil, fmt.Errorf("failed to update anti-circumvention attempt: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		if _, getErr := s.GetAttempt(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrConflict
	}
	return s.GetAttempt(ctx, id)
}

// Override releases a blocked event and marks its attempt overridden in one transaction.
// The attempt row keeps its violation types and redacted matches. Only one caller
// can release a given event; later calls get ErrConflict.
func (s *MessageStore) Override(ctx context.Context, input OverrideInput) (*MessageEvent, *Attempt, error) {
	if s == nil || s.db == nil {
		return nil, nil, ErrNotConfigured
	}
	eventID, err := normalizeUUID("message_event_id", input.EventID)
	if err != nil {
		return nil, nil, err
	}
	resolvedBy := strings.TrimSpace(input.ResolvedBy)
	reason := strings.TrimSpace(input.Reason)
	if resolvedBy == "" || reason == "" {
		return nil, nil, fmt.Errorf("override requires resolver and reason")
	}
	status := input.DeliveryStatus
	if status == "" {
		status = models.DeliverySent
	}

	var (
		event   MessageEvent
		attempt Attempt
	)
	err = withTx(ctx, s.db, func(tx *sql.Tx) error {
		scanned, scanErr := scanMessageEvent(tx.QueryRowContext(ctx, `
			UPDATE message_events
			SET blocked = FALSE,
				delivery_status = $2,
				provider_message_id = COALESCE($3, provider_message_id),
				next_retry_at = NULL,
				updated_at = NOW()
			WHERE id = $1 AND blocked = TRUE
			RETURNING `+messageSelectColumns, eventID, string(status), nullableString(input.ProviderMessageID)))
		if errors.Is(scanErr, sql.ErrNoRows) {
			return ErrConflict
		}
		if scanErr != nil {
			return fmt.Errorf("failed to release blocked message event: %w", scanErr)
		}
		event = scanned

		if _, execErr := tx.ExecContext(ctx, `
			UPDATE anti_circumvention_attempts
			SET action = 'overridden',
				status = 'resolved',
				resolved_by = $2,
				resolution_reason = $3,
				resolved_at = NOW()
			WHERE message_event_id = $1
		`, eventID, resolvedBy, reason); execErr != nil {
			return fmt.Errorf("failed to mark attempt overridden: %w", execErr)
		}

		loaded, loadErr := scanAttempt(tx.QueryRowContext(ctx, `SELECT `+attemptSelectColumns+attemptFrom+`WHERE a.message_event_id = $1`, eventID))
		if loadErr != nil {
			return fmt.Errorf("failed to load overridden attempt: %w", loadErr)
		}
		attempt = loaded
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &event, &attempt, nil
}

func (s *MessageStore) getAttempt(ctx context.Context, where string, args ...any) (*Attempt, error) {
	attempt, err := scanAttempt(s.db.QueryRowContext(ctx, `SELECT `+attemptSelectColumns+attemptFrom+where, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get anti-circumvention attempt: %w", err)
	}
	return &attempt, nil
}

func scanAttempt(scanner rowScanner) (Attempt, error) {
	var (
		attempt    Attempt
		types      pq.StringArray
		matches    pq.StringArray
		resolvedBy sql.NullString
		reason     sql.NullString
		resolvedAt sql.NullTime
		notifiedAt sql.NullTime
		redacted   sql.NullString
	)
	err := scanner.Scan(
		&attempt.ID,
		&attempt.OrgID,
		&attempt.MessageEventID,
		&types,
		&matches,
		&attempt.Action,
		&attempt.Status,
		&resolvedBy,
		&reason,
		&resolvedAt,
		&notifiedAt,
		&attempt.CreatedAt,
		&attempt.ThreadID,
		&attempt.Direction,
		&attempt.ActorRole,
		&redacted,
	)
	if err != nil {
		return Attempt{}, err
	}
	attempt.ViolationTypes = make([]models.ViolationType, 0, len(types))
	for _, t := range types {
		attempt.ViolationTypes = append(attempt.ViolationTypes, models.ViolationType(t))
	}
	attempt.RedactedMatches = []string(matches)
	if attempt.RedactedMatches == nil {
		attempt.RedactedMatches = []string{}
	}
	attempt.ResolvedBy = stringPtr(resolvedBy)
	attempt.ResolutionReason = stringPtr(reason)
	attempt.RedactedBody = stringPtr(redacted)
	if resolvedAt.Valid {
		at := resolvedAt.Time
		attempt.ResolvedAt = &at
	}
	if notifiedAt.Valid {
		at := notifiedAt.Time
		attempt.SupervisorNotifiedAt = &at
	}
	return attempt, nil
}
