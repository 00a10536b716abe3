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

// MaskedNumber is a provider-controlled number standing in for real phone numbers.
type MaskedNumber struct {
	ID                string             `json:"id"`
	OrgID             string             `json:"org_id"`
	Class             models.NumberClass `json:"class"`
	E164              string             `json:"e164"`
	ProviderNumberSID *string            `json:"provider_number_sid,omitempty"`
	AssignedStaffID   *string            `json:"assigned_staff_id,omitempty"`
	Status            string             `json:"status"`
	LastAssignedAt    *time.Time         `json:"last_assigned_at,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
}

type CreateNumberInput struct {
	OrgID             string
	Class             models.NumberClass
	E164              string
	ProviderNumberSID *string
	AssignedStaffID   *string
}

// NumberStore provides masked number persistence and allocation.
type NumberStore struct {
	db *sql.DB
}

const numberSelectColumns = `
	id::text,
	org_id::text,
	class,
	e164,
	provider_number_sid,
	assigned_staff_id,
	status,
	last_assigned_at,
	created_at
`

func NewNumberStore(db *sql.DB) *NumberStore {
	return &NumberStore{db: db}
}

// Create provisions a masked number for an org.
func (s *NumberStore) Create(ctx context.Context, input CreateNumberInput) (*MaskedNumber, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	org, err := normalizeUUID("org_id", input.OrgID)
	if err != nil {
		return nil, err
	}
	if !input.Class.Valid() {
		return nil, fmt.Errorf("invalid class")
	}
	e164 := strings.TrimSpace(input.E164)
	if !strings.HasPrefix(e164, "+") || len(e164) < 8 {
		return nil, fmt.Errorf("invalid e164")
	}

	number, err := scanNumber(s.db.QueryRowContext(ctx, `
		INSERT INTO masked_numbers (org_id, class, e164, provider_number_sid, assigned_staff_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+numberSelectColumns,
		org, string(input.Class), e164, nullableString(input.ProviderNumberSID), nullableString(input.AssignedStaffID),
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to create masked number: %w", err)
	}
	return &number, nil
}

func (s *NumberStore) GetByID(ctx context.Context, numberID string) (*MaskedNumber, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	id, err := normalizeUUID("number_id", numberID)
	if err != nil {
		return nil, err
	}
	return s.getOne(ctx, "masked number", `WHERE id = $1`, id)
}

// GetByE164 resolves the active masked number a provider delivered to.
func (s *NumberStore) GetByE164(ctx context.Context, e164 string) (*MaskedNumber, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	value := strings.TrimSpace(e164)
	if value == "" {
		return nil, fmt.Errorf("invalid e164")
	}
	return s.getOne(ctx, "masked number by e164", `WHERE e164 = $1 AND status = 'active'`, value)
}

// GetFrontDesk returns the org's single active front-desk number.
func (s *NumberStore) GetFrontDesk(ctx context.Context, orgID string) (*MaskedNumber, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	org, err := normalizeUUID("org_id", orgID)
	if err != nil {
		return nil, err
	}
	return s.getOne(ctx, "front desk number", `WHERE org_id = $1 AND class = 'front_desk' AND status = 'active'`, org)
}

// GetStaffNumber returns the staff member's stable number.
func (s *NumberStore) GetStaffNumber(ctx context.Context, orgID, staffID string) (*MaskedNumber, error) {
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
	return s.getOne(ctx, "staff number",
		`WHERE org_id = $1 AND class = 'staff' AND assigned_staff_id = $2 AND status = 'active'`, org, staff)
}

// ClaimStaffNumber binds an unassigned staff-class number to a staff member.
func (s *NumberStore) ClaimStaffNumber(ctx context.Context, orgID, staffID string) (*MaskedNumber, error) {
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

	number, err := scanNumber(s.db.QueryRowContext(ctx, `
		UPDATE masked_numbers
		SET assigned_staff_id = $2, last_assigned_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM masked_numbers
			WHERE org_id = $1 AND class = 'staff' AND status = 'active' AND assigned_staff_id IS NULL
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+numberSelectColumns, org, staff))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to claim staff number: %w", err)
	}
	return &number, nil
}

// ReleaseStaffNumber detaches a staff member from their number. The row is kept.
func (s *NumberStore) ReleaseStaffNumber(ctx context.Context, orgID, staffID string) (*MaskedNumber, error) {
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

	number, err := scanNumber(s.db.QueryRowContext(ctx, `
		UPDATE masked_numbers
		SET assigned_staff_id = NULL, updated_at = NOW()
		WHERE org_id = $1 AND class = 'staff' AND assigned_staff_id = $2
		RETURNING `+numberSelectColumns, org, staff))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to release staff number: %w", err)
	}
	return &number, nil
}

// RotatePool selects the least-recently-assigned pool number and stamps it.
// Concurrent callers get distinct numbers while unlocked candidates remain.
func (s *NumberStore) RotatePool(ctx context.Context, orgID string, now time.Time) (*MaskedNumber, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	org, err := normalizeUUID("org_id", orgID)
	if err != nil {
		return nil, err
	}

	number, err := s.rotatePool(ctx, org, now, "FOR UPDATE SKIP LOCKED")
	if errors.Is(err, ErrNotFound) {
		number, err = s.rotatePool(ctx, org, now, "FOR UPDATE")
	}
	return number, err
}

func (s *NumberStore) rotatePool(ctx context.Context, orgID string, now time.Time, lockClause string) (*MaskedNumber, error) {
	number, err := scanNumber(s.db.QueryRowContext(ctx, `
		UPDATE masked_numbers
		SET last_assigned_at = $2, updated_at = NOW()
		WHERE id = (
			SELECT id FROM masked_numbers
			WHERE org_id = $1 AND class = 'pool' AND status = 'active'
			ORDER BY last_assigned_at ASC NULLS FIRST, created_at ASC, id
			LIMIT 1
			`+lockClause+`
		)
		RETURNING `+numberSelectColumns, orgID, now.UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to rotate pool number: %w", err)
	}
	return &number, nil
}

func (s *NumberStore) getOne(ctx context.Context, label, where string, args ...any) (*MaskedNumber, error) {
	number, err := scanNumber(s.db.QueryRowContext(ctx, `
		SELECT `+numberSelectColumns+`
		FROM masked_numbers
		`+where+`
		LIMIT 1`, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", label, err)
	}
	return &number, nil
}

func scanNumber(scanner rowScanner) (MaskedNumber, error) {
	var (
		number       MaskedNumber
		providerSID  sql.NullString
		staffID      sql.NullString
		lastAssigned sql.NullTime
	)
	err := scanner.Scan(
		&number.ID,
		&number.OrgID,
		&number.Class,
		&number.E164,
		&providerSID,
		&staffID,
		&number.Status,
		&lastAssigned,
		&number.CreatedAt,
	)
	if err != nil {
		return MaskedNumber{}, err
	}
	number.ProviderNumberSID = stringPtr(providerSID)
	number.AssignedStaffID = stringPtr(staffID)
	if lastAssigned.Valid {
		at := lastAssigned.Time
		number.LastAssignedAt = &at
	}
	return number, nil
}
