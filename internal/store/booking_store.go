package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Booking is the read-only snapshot of a booking owned by the operations system.
type Booking struct {
	ID             string     `json:"id"`
	OrgID          string     `json:"org_id"`
	ClientID       string     `json:"client_id"`
	ClientE164     string     `json:"-"`
	StaffID        *string    `json:"staff_id,omitempty"`
	ServiceType    string     `json:"service_type"`
	ScheduledStart time.Time  `json:"scheduled_start"`
	ScheduledEnd   time.Time  `json:"scheduled_end"`
	IsRecurring    bool       `json:"is_recurring"`
	Status         string     `json:"status"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}

const (
	BookingScheduled = "scheduled"
	BookingCancelled = "cancelled"
	BookingCompleted = "completed"
)

// UpsertBookingInput is a booking snapshot pushed by the operations system.
type UpsertBookingInput struct {
	ID             string
	OrgID          string
	ClientID       string
	ClientE164     string
	StaffID        *string
	ServiceType    string
	ScheduledStart time.Time
	ScheduledEnd   time.Time
	IsRecurring    bool
}

// ClientBookingStats summarizes a client's bookings for classification.
type ClientBookingStats struct {
	ActiveBookings int
	AnyRecurring   bool
}

// BookingStore reads and refreshes the bookings snapshot.
type BookingStore struct {
	db *sql.DB
}

const bookingSelectColumns = `
	id::text,
	org_id::text,
	client_id,
	client_e164,
	staff_id,
	service_type,
	scheduled_start,
	scheduled_end,
	is_recurring,
	status,
	updated_at
`

func NewBookingStore(db *sql.DB) *BookingStore {
	return &BookingStore{db: db}
}

func (s *BookingStore) GetByID(ctx context.Context, orgID, bookingID string) (*Booking, error) {
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
	return s.one(ctx, "get booking", `
		SELECT `+bookingSelectColumns+`
		FROM bookings
		WHERE org_id = $1 AND id = $2
	`, org, id)
}

// Upsert stores the latest snapshot of a booking.
func (s *BookingStore) Upsert(ctx context.Context, input UpsertBookingInput) (*Booking, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	id, err := normalizeUUID("booking_id", input.ID)
	if err != nil {
		return nil, err
	}
	org, err := normalizeUUID("org_id", input.OrgID)
	if err != nil {
		return nil, err
	}
	client := strings.TrimSpace(input.ClientID)
	if client == "" {
		return nil, fmt.Errorf("invalid client_id")
	}
	e164 := strings.TrimSpace(input.ClientE164)
	if !strings.HasPrefix(e164, "+") {
		return nil, fmt.Errorf("invalid client_e164")
	}
	service := strings.TrimSpace(input.ServiceType)
	if service == "" {
		return nil, fmt.Errorf("invalid service_type")
	}
	if !input.ScheduledEnd.After(input.ScheduledStart) {
		return nil, fmt.Errorf("invalid booking interval")
	}

	return s.one(ctx, "upsert booking", `
		INSERT INTO bookings (
			id, org_id, client_id, client_e164, staff_id, service_type,
			scheduled_start, scheduled_end, is_recurring
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE
		SET client_id = EXCLUDED.client_id,
			client_e164 = EXCLUDED.client_e164,
			staff_id = EXCLUDED.staff_id,
			service_type = EXCLUDED.service_type,
			scheduled_start = EXCLUDED.scheduled_start,
			scheduled_end = EXCLUDED.scheduled_end,
			is_recurring = EXCLUDED.is_recurring,
			updated_at = NOW()
		WHERE bookings.org_id = EXCLUDED.org_id
		RETURNING `+bookingSelectColumns,
		id,
		org,
		client,
		e164,
		nullableString(input.StaffID),
		service,
		input.ScheduledStart.UTC(),
		input.ScheduledEnd.UTC(),
		input.IsRecurring,
	)
}

// SetStaff records the booking's assigned staff member. A nil staffID unassigns.
func (s *BookingStore) SetStaff(ctx context.Context, orgID, bookingID string, staffID *string) (*Booking, error) {
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
	return s.one(ctx, "update booking staff", `
		UPDATE bookings
		SET staff_id = $3, updated_at = NOW()
		WHERE org_id = $1 AND id = $2
		RETURNING `+bookingSelectColumns, org, id, nullableString(staffID))
}

// UpdateTimes reschedules a booking.
func (s *BookingStore) UpdateTimes(ctx context.Context, orgID, bookingID string, start, end time.Time) (*Booking, error) {
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
	if !end.After(start) {
		return nil, fmt.Errorf("invalid booking interval")
	}
	return s.one(ctx, "reschedule booking", `
		UPDATE bookings
		SET scheduled_start = $3, scheduled_end = $4, updated_at = NOW()
		WHERE org_id = $1 AND id = $2
		RETURNING `+bookingSelectColumns, org, id, start.UTC(), end.UTC())
}

// SetStatus moves a booking to cancelled or completed.
func (s *BookingStore) SetStatus(ctx context.Context, orgID, bookingID, status string) (*Booking, error) {
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
	switch status {
	case BookingScheduled, BookingCancelled, BookingCompleted:
	default:
		return nil, fmt.Errorf("invalid booking status")
	}
	return s.one(ctx, "update booking status", `
		UPDATE bookings
		SET status = $3, updated_at = NOW()
		WHERE org_id = $1 AND id = $2
		RETURNING `+bookingSelectColumns, org, id, status)
}

// ClientStats counts a client's non-cancelled bookings in an org.
func (s *BookingStore) ClientStats(ctx context.Context, orgID, clientID string) (ClientBookingStats, error) {
	if s == nil || s.db == nil {
		return ClientBookingStats{}, ErrNotConfigured
	}
	org, err := normalizeUUID("org_id", orgID)
	if err != nil {
		return ClientBookingStats{}, err
	}
	client := strings.TrimSpace(clientID)
	if client == "" {
		return ClientBookingStats{}, fmt.Errorf("invalid client_id")
	}

	var stats ClientBookingStats
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(BOOL_OR(is_recurring), FALSE)
		FROM bookings
		WHERE org_id = $1 AND client_id = $2 AND status <> 'cancelled'
	`, org, client).Scan(&stats.ActiveBookings, &stats.AnyRecurring)
	if err != nil {
		return ClientBookingStats{}, fmt.Errorf("failed to count client bookings: %w", err)
	}
	return stats, nil
}

func (s *BookingStore) one(ctx context.Context, op, query string, args ...any) (*Booking, error) {
	var (
		booking   Booking
		staffID   sql.NullString
		updatedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&booking.ID,
		&booking.OrgID,
		&booking.ClientID,
		&booking.ClientE164,
		&staffID,
		&booking.ServiceType,
		&booking.ScheduledStart,
		&booking.ScheduledEnd,
		&booking.IsRecurring,
		&booking.Status,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	booking.StaffID = stringPtr(staffID)
	if updatedAt.Valid {
		at := updatedAt.Time
		booking.UpdatedAt = &at
	}
	return &booking, nil
}
