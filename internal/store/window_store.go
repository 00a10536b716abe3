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

// AssignmentWindow is a time interval during which one staff member is authorized on a thread.
type AssignmentWindow struct {
	ID        string              `json:"id"`
	OrgID     string              `json:"org_id"`
	ThreadID  string              `json:"thread_id"`
	BookingID string              `json:"booking_id"`
	StaffID   string              `json:"staff_id"`
	StartsAt  time.Time           `json:"starts_at"`
	EndsAt    time.Time           `json:"ends_at"`
	Status    models.WindowStatus `json:"status"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// ActiveAt reports whether the window authorizes its staff member at now.
// Both bounds are inclusive.
func (w AssignmentWindow) ActiveAt(now time.Time) bool {
	if w.Status != models.WindowActive {
		return false
	}
	return !now.Before(w.StartsAt) && !now.After(w.EndsAt)
}

// DerivedStatus is the read-time status of a window.
func (w AssignmentWindow) DerivedStatus(now time.Time) string {
	switch {
	case w.Status == models.WindowClosed:
		return WindowFilterClosed
	case now.Before(w.StartsAt):
		return WindowFilterFuture
	case now.After(w.EndsAt):
		return WindowFilterPast
	default:
		return WindowFilterActive
	}
}

const (
	WindowFilterActive = "active"
	WindowFilterFuture = "future"
	WindowFilterPast   = "past"
	WindowFilterClosed = "closed"
)

type UpsertWindowInput struct {
	OrgID     string
	ThreadID  string
	BookingID string
	StaffID   string
	StartsAt  time.Time
	EndsAt    time.Time
}

type WindowFilter struct {
	OrgID    string
	ThreadID string
	StaffID  string
	Status   string
	Now      time.Time
	Limit    int
}

// WindowStore provides assignment window persistence.
type WindowStore struct {
	db *sql.DB
}

const windowSelectColumns = `
	id::text,
	org_id::text,
	thread_id::text,
	booking_id::text,
	staff_id,
	starts_at,
	ends_at,
	status,
	created_at,
	updated_at
`

func NewWindowStore(db *sql.DB) *WindowStore {
	return &WindowStore{db: db}
}

// Upsert creates the (booking, thread) window or updates the existing one in place.
func (s *WindowStore) Upsert(ctx context.Context, input UpsertWindowInput) (*AssignmentWindow, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	org, err := normalizeUUID("org_id", input.OrgID)
	if err != nil {
		return nil, err
	}
	threadID, err := normalizeUUID("thread_id", input.ThreadID)
	if err != nil {
		return nil, err
	}
	bookingID, err := normalizeUUID("booking_id", input.BookingID)
	if err != nil {
		return nil, err
	}
	staffID := strings.TrimSpace(input.StaffID)
	if staffID == "" {
		return nil, fmt.Errorf("invalid staff_id")
	}
	if !input.EndsAt.After(input.StartsAt) {
		return nil, fmt.Errorf("invalid window interval")
	}

	window, err := scanWindow(s.db.QueryRowContext(ctx, `
		INSERT INTO assignment_windows (org_id, thread_id, booking_id, staff_id, starts_at, ends_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'active')
		ON CONFLICT ON CONSTRAINT assignment_windows_booking_thread_key
		DO UPDATE SET
			staff_id = EXCLUDED.staff_id,
			starts_at = EXCLUDED.starts_at,
			ends_at = EXCLUDED.ends_at,
			status = 'active',
			updated_at = NOW()
		RETURNING `+windowSelectColumns,
		org, threadID, bookingID, staffID, input.StartsAt.UTC(), input.EndsAt.UTC(),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert assignment window: %w", err)
	}
	return &window, nil
}

func (s *WindowStore) GetByID(ctx context.Context, orgID, windowID string) (*AssignmentWindow, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	org, err := normalizeUUID("org_id", orgID)
	if err != nil {
		return nil, err
	}
	id, err := normalizeUUID("window_id", windowID)
	if err != nil {
		return nil, err
	}

	window, err := scanWindow(s.db.QueryRowContext(ctx, `
		SELECT `+windowSelectColumns+`
		FROM assignment_windows
		WHERE org_id = $1 AND id = $2
	`, org, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get assignment window: %w", err)
	}
	return &window, nil
}

// ListForThread returns every window on a thread, oldest first.
func (s *WindowStore) ListForThread(ctx context.Context, threadID string) ([]AssignmentWindow, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	id, err := normalizeUUID("thread_id", threadID)
	if err != nil {
		return nil, err
	}
	return s.queryWindows(ctx, `
		SELECT `+windowSelectColumns+`
		FROM assignment_windows
		WHERE thread_id = $1
		ORDER BY starts_at, id
	`, id)
}

// ListOpen returns windows with active status that have not yet ended.
func (s *WindowStore) ListOpen(ctx context.Context, orgID string, now time.Time) ([]AssignmentWindow, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	org, err := normalizeUUID("org_id", orgID)
	if err != nil {
		return nil, err
	}
	return s.queryWindows(ctx, `
		SELECT `+windowSelectColumns+`
		FROM assignment_windows
		WHERE org_id = $1 AND status = 'active' AND ends_at >= $2
		ORDER BY thread_id, starts_at, id
	`, org, now.UTC())
}

// List filters windows by thread, staff and derived status.
func (s *WindowStore) List(ctx context.Context, filter WindowFilter) ([]AssignmentWindow, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	org, err := normalizeUUID("org_id", filter.OrgID)
	if err != nil {
		return nil, err
	}
	now := filter.Now
	if now.IsZero() {
		now = time.Now()
	}

	conditions := []string{"org_id = $1"}
	args := []any{org}
	if strings.TrimSpace(filter.ThreadID) != "" {
		threadID, err := normalizeUUID("thread_id", filter.ThreadID)
		if err != nil {
			return nil, err
		}
		args = append(args, threadID)
		conditions = append(conditions, fmt.Sprintf("thread_id = $%d", len(args)))
	}
	if staff := strings.TrimSpace(filter.StaffID); staff != "" {
		args = append(args, staff)
		conditions = append(conditions, fmt.Sprintf("staff_id = $%d", len(args)))
	}
	switch strings.TrimSpace(filter.Status) {
	case "":
	case WindowFilterActive:
		args = append(args, now.UTC())
		conditions = append(conditions, fmt.Sprintf("status = 'active' AND starts_at <= $%d AND ends_at >= $%d", len(args), len(args)))
	case WindowFilterFuture:
		args = append(args, now.UTC())
		conditions = append(conditions, fmt.Sprintf("status = 'active' AND starts_at > $%d", len(args)))
	case WindowFilterPast:
		args = append(args, now.UTC())
		conditions = append(conditions, fmt.Sprintf("status = 'active' AND ends_at < $%d", len(args)))
	case WindowFilterClosed:
		conditions = append(conditions, "status = 'closed'")
	default:
		return nil, fmt.Errorf("invalid status filter")
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)

	return s.queryWindows(ctx, `
		SELECT `+windowSelectColumns+`
		FROM assignment_windows
		WHERE `+strings.Join(conditions, " AND ")+`
		ORDER BY starts_at DESC, id
		LIMIT `+fmt.Sprintf("$%d", len(args)), args...)
}

// CloseAllForBooking flips every active window of a booking to closed.
func (s *WindowStore) CloseAllForBooking(ctx context.Context, orgID, bookingID string) ([]AssignmentWindow, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	org, err := normalizeUUID("org_id", orgID)
	if err != nil {
		return nil, err
	}
	id, err := normalizeUUID("booking_id", bookingID)
	if err != nil {
		return nil, err
	}
	return s.queryWindows(ctx, `
		UPDATE assignment_windows
		SET status = 'closed', updated_at = NOW()
		WHERE org_id = $1 AND booking_id = $2 AND status = 'active'
		RETURNING `+windowSelectColumns, org, id)
}

// CloseActiveForStaff closes every active window held by a staff member.
func (s *WindowStore) CloseActiveForStaff(ctx context.Context, orgID, staffID string) ([]AssignmentWindow, error) {
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
	return s.queryWindows(ctx, `
		UPDATE assignment_windows
		SET status = 'closed', updated_at = NOW()
		WHERE org_id = $1 AND staff_id = $2 AND status = 'active'
		RETURNING `+windowSelectColumns, org, staff)
}

// Close closes one window.
func (s *WindowStore) Close(ctx context.Context, orgID, windowID string) (*AssignmentWindow, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	org, err := normalizeUUID("org_id", orgID)
	if err != nil {
		return nil, err
	}
	id, err := normalizeUUID("window_id", windowID)
	if err != nil {
		return nil, err
	}

	window, err := scanWindow(s.db.QueryRowContext(ctx, `
		UPDATE assignment_windows
		SET status = 'closed', updated_at = NOW()
		WHERE org_id = $1 AND id = $2
		RETURNING `+windowSelectColumns, org, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to close assignment window: %w", err)
	}
	return &window, nil
}

func (s *WindowStore) queryWindows(ctx context.Context, query string, args ...any) ([]AssignmentWindow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignment windows: %w", err)
	}
	defer rows.Close()

	windows := make([]AssignmentWindow, 0)
	for rows.Next() {
		window, scanErr := scanWindow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan assignment window: %w", scanErr)
		}
		windows = append(windows, window)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read assignment windows: %w", err)
	}
	return windows, nil
}

func scanWindow(scanner rowScanner) (AssignmentWindow, error) {
	var window AssignmentWindow
	err := scanner.Scan(
		&window.ID,
		&window.OrgID,
		&window.ThreadID,
		&window.BookingID,
		&window.StaffID,
		&window.StartsAt,
		&window.EndsAt,
		&window.Status,
		&window.CreatedAt,
		&window.UpdatedAt,
	)
	if err != nil {
		return AssignmentWindow{}, err
	}
	return window, nil
}
