package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samhotchkiss/threadmask/internal/models"
)

// Thread is a conversation between one client and one organization.
type Thread struct {
	ID                string              `json:"id"`
	OrgID             string              `json:"org_id"`
	Kind              models.ThreadKind   `json:"kind"`
	ClientID          *string             `json:"client_id,omitempty"`
	ClientE164        *string             `json:"client_e164,omitempty"`
	BookingID         *string             `json:"booking_id,omitempty"`
	AssignedStaffID   *string             `json:"assigned_staff_id,omitempty"`
	MaskedNumberID    *string             `json:"masked_number_id,omitempty"`
	BoundNumberE164   *string             `json:"bound_number_e164,omitempty"`
	NumberClass       *models.NumberClass `json:"number_class,omitempty"`
	IsOneTimeClient   bool                `json:"is_one_time_client"`
	IsRecurringClient bool                `json:"is_recurring_client"`
	Status            models.ThreadStatus `json:"status"`
	LastMessageAt     *time.Time          `json:"last_message_at,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// EnsureClientThreadInput identifies the one client thread per org.
type EnsureClientThreadInput struct {
	OrgID      string
	ClientID   string
	ClientE164 string
	BookingID  *string
}

// ThreadStore provides thread persistence.
type ThreadStore struct {
	db *sql.DB
}

const threadSelectColumns = `
	t.id::text,
	t.org_id::text,
	t.kind,
	t.client_id,
	t.client_e164,
	t.booking_id::text,
	t.assigned_staff_id,
	t.masked_number_id::text,
	mn.e164,
	t.number_class,
	t.is_one_time_client,
	t.is_recurring_client,
	t.status,
	t.last_message_at,
	t.created_at,
	t.updated_at
`

const threadFrom = `
	FROM threads t
	LEFT JOIN masked_numbers mn ON mn.id = t.masked_number_id
`

func NewThreadStore(db *sql.DB) *ThreadStore {
	return &ThreadStore{db: db}
}

// GetByID returns a thread regardless of org so callers can distinguish
// cross-organization access from a missing thread.
func (s *ThreadStore) GetByID(ctx context.Context, threadID string) (*Thread, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	id, err := normalizeUUID("thread_id", threadID)
	if err != nil {
		return nil, err
	}

	thread, err := scanThread(s.db.QueryRowContext(ctx, `SELECT `+threadSelectColumns+threadFrom+`WHERE t.id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return &thread, nil
}

// FindForInbound resolves the open client thread keyed by (bound number, client number).
func (s *ThreadStore) FindForInbound(ctx context.Context, numberID, clientE164 string) (*Thread, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	id, err := normalizeUUID("number_id", numberID)
	if err != nil {
		return nil, err
	}
	client := strings.TrimSpace(clientE164)
	if client == "" {
		return nil, fmt.Errorf("invalid client_e164")
	}

	thread, err := scanThread(s.db.QueryRowContext(ctx, `SELECT `+threadSelectColumns+threadFrom+`
		WHERE t.masked_number_id = $1
			AND t.client_e164 = $2
			AND t.kind = 'client'
			AND t.status = 'open'
		ORDER BY t.updated_at DESC
		LIMIT 1`, id, client))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find inbound thread: %w", err)
	}
	return &thread, nil
}

// FindByClientE164 returns the org's client thread for a real client number.
func (s *ThreadStore) FindByClientE164(ctx context.Context, orgID, clientE164 string) (*Thread, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	org, err := normalizeUUID("org_id", orgID)
	if err != nil {
		return nil, err
	}

	thread, err := scanThread(s.db.QueryRowContext(ctx, `SELECT `+threadSelectColumns+threadFrom+`
		WHERE t.org_id = $1 AND t.client_e164 = $2 AND t.kind = 'client'
		LIMIT 1`, org, strings.TrimSpace(clientE164)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find thread by client: %w", err)
	}
	return &thread, nil
}

// EnsureClientThread creates the org's thread for a client or reopens the existing one.
func (s *ThreadStore) EnsureClientThread(ctx context.Context, input EnsureClientThreadInput) (*Thread, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	org, err := normalizeUUID("org_id", input.OrgID)
	if err != nil {
		return nil, err
	}
	clientID := strings.TrimSpace(input.ClientID)
	if clientID == "" {
		return nil, fmt.Errorf("invalid client_id")
	}
	clientE164 := strings.TrimSpace(input.ClientE164)
	if clientE164 == "" {
		return nil, fmt.Errorf("invalid client_e164")
	}
	bookingID, err := normalizeOptionalUUID("booking_id", input.BookingID)
	if err != nil {
		return nil, err
	}

	var id string
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO threads (org_id, kind, client_id, client_e164, booking_id)
		VALUES ($1, 'client', $2, $3, $4)
		ON CONFLICT (org_id, client_id) WHERE kind = 'client'
		DO UPDATE SET
			client_e164 = EXCLUDED.client_e164,
			booking_id = COALESCE(EXCLUDED.booking_id, threads.booking_id),
			status = 'open',
			updated_at = NOW()
		RETURNING id::text
	`, org, clientID, clientE164, nullableString(bookingID)).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure client thread: %w", err)
	}
	return s.GetByID(ctx, id)
}

// EnsureSupervisorInbox returns the org's supervisor inbox thread, creating it on first use.
func (s *ThreadStore) EnsureSupervisorInbox(ctx context.Context, orgID string) (*Thread, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	org, err := normalizeUUID("org_id", orgID)
	if err != nil {
		return nil, err
	}

	var id string
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO threads (org_id, kind)
		VALUES ($1, 'supervisor_inbox')
		ON CONFLICT (org_id) WHERE kind = 'supervisor_inbox'
		DO UPDATE SET updated_at = NOW()
		RETURNING id::text
	`, org).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure supervisor inbox: %w", err)
	}
	return s.GetByID(ctx, id)
}

// BindNumber sets the thread's bound masked number and class.
func (s *ThreadStore) BindNumber(ctx context.Context, orgID, threadID, numberID string, class models.NumberClass) error {
	if s == nil || s.db == nil {
		return ErrNotConfigured
	}
	if !class.Valid() {
		return fmt.Errorf("invalid number_class")
	}
	return s.execThreadUpdate(ctx, orgID, threadID, `
		UPDATE threads
		SET masked_number_id = $3, number_class = $4, updated_at = NOW()
		WHERE org_id = $1 AND id = $2
	`, strings.TrimSpace(numberID), string(class))
}

// SetAssignment records the thread's current staff and booking link. A nil staff unassigns.
func (s *ThreadStore) SetAssignment(ctx context.Context, orgID, threadID string, staffID, bookingID *string) error {
	if s == nil || s.db == nil {
		return ErrNotConfigured
	}
	booking, err := normalizeOptionalUUID("booking_id", bookingID)
	if err != nil {
		return err
	}
	return s.execThreadUpdate(ctx, orgID, threadID, `
		UPDATE threads
		SET assigned_staff_id = $3,
			booking_id = COALESCE($4, booking_id),
			updated_at = NOW()
		WHERE org_id = $1 AND id = $2
	`, nullableString(staffID), nullableString(booking))
}

// SetClassification stores one-time and recurring flags.
func (s *ThreadStore) SetClassification(ctx context.Context, orgID, threadID string, oneTime, recurring bool) error {
	if s == nil || s.db == nil {
		return ErrNotConfigured
	}
	return s.execThreadUpdate(ctx, orgID, threadID, `
		UPDATE threads
		SET is_one_time_client = $3, is_recurring_client = $4, updated_at = NOW()
		WHERE org_id = $1 AND id = $2
	`, oneTime, recurring)
}

// TouchLastMessage stamps the thread's most recent message time.
func (s *ThreadStore) TouchLastMessage(ctx context.Context, threadID string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrNotConfigured
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE threads
		SET last_message_at = GREATEST(COALESCE(last_message_at, $2), $2)
		WHERE id = $1
	`, strings.TrimSpace(threadID), at.UTC())
	if err != nil {
		return fmt.Errorf("failed to touch thread: %w", err)
	}
	return nil
}

// ListByAssignedStaff returns open client threads currently assigned to a staff member.
func (s *ThreadStore) ListByAssignedStaff(ctx context.Context, orgID, staffID string) ([]Thread, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	org, err := normalizeUUID("org_id", orgID)
	if err != nil {
		return nil, err
	}
	staff := strings.TrimSpace(staffID)
	if staff == "" {
		return nil, fmt.Errorf("invalid staff_id")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+threadSelectColumns+threadFrom+`
		WHERE t.org_id = $1 AND t.assigned_staff_id = $2 AND t.kind = 'client'
		ORDER BY t.created_at, t.id`, org, staff)
	if err != nil {
		return nil, fmt.Errorf("failed to list staff threads: %w", err)
	}
	defer rows.Close()

	threads := make([]Thread, 0)
	for rows.Next() {
		thread, scanErr := scanThread(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", scanErr)
		}
		threads = append(threads, thread)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read threads: %w", err)
	}
	return threads, nil
}

func (s *ThreadStore) execThreadUpdate(ctx context.Context, orgID, threadID, query string, args ...any) error {
	org, err := normalizeUUID("org_id", orgID)
	if err != nil {
		return err
	}
	id, err := normalizeUUID("thread_id", threadID)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, query, append([]any{org, id}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update thread: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanThread(scanner rowScanner) (Thread, error) {
	var (
		thread      Thread
		clientID    sql.NullString
		clientE164  sql.NullString
		bookingID   sql.NullString
		staffID     sql.NullString
		numberID    sql.NullString
		numberE164  sql.NullString
		numberClass sql.NullString
		lastMessage sql.NullTime
	)
	err := scanner.Scan(
		&thread.ID,
		&thread.OrgID,
		&thread.Kind,
		&clientID,
		&clientE164,
		&bookingID,
		&staffID,
		&numberID,
		&numberE164,
		&numberClass,
		&thread.IsOneTimeClient,
		&thread.IsRecurringClient,
		&thread.Status,
		&lastMessage,
		&thread.CreatedAt,
		&thread.UpdatedAt,
	)
	if err != nil {
		return Thread{}, err
	}
	thread.ClientID = stringPtr(clientID)
	thread.ClientE164 = stringPtr(clientE164)
	thread.BookingID = stringPtr(bookingID)
	thread.AssignedStaffID = stringPtr(staffID)
	thread.MaskedNumberID = stringPtr(numberID)
	thread.BoundNumberE164 = stringPtr(numberE164)
	if numberClass.Valid {
		class := models.NumberClass(numberClass.String)
		thread.NumberClass = &class
	}
	if lastMessage.Valid {
		at := lastMessage.Time
		thread.LastMessageAt = &at
	}
	return thread, nil
}
