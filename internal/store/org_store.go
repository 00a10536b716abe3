package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Org represents an organization record.
type Org struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
}

// OrgStore provides organization-level access.
type OrgStore struct {
	db *sql.DB
}

// NewOrgStore creates an OrgStore with a database connection.
func NewOrgStore(db *sql.DB) *OrgStore {
	return &OrgStore{db: db}
}

// Create inserts an organization.
func (s *OrgStore) Create(ctx context.Context, name, slug string) (*Org, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	normalizedSlug := strings.ToLower(strings.TrimSpace(slug))
	if normalizedSlug == "" {
		return nil, fmt.Errorf("invalid slug")
	}
	normalizedName := strings.TrimSpace(name)
	if normalizedName == "" {
		normalizedName = normalizedSlug
	}

	var org Org
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO organizations (name, slug)
		VALUES ($1, $2)
		RETURNING id::text, name, slug, created_at
	`, normalizedName, normalizedSlug).Scan(&org.ID, &org.Name, &org.Slug, &org.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to create org: %w", err)
	}
	return &org, nil
}

// GetBySlug retrieves one organization by slug.
func (s *OrgStore) GetBySlug(ctx context.Context, slug string) (*Org, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	normalized := strings.ToLower(strings.TrimSpace(slug))
	if normalized == "" {
		return nil, fmt.Errorf("invalid slug")
	}

	var org Org
	if err := s.db.QueryRowContext(ctx, `
		SELECT id::text, name, slug, created_at
		FROM organizations
		WHERE LOWER(slug) = $1
		LIMIT 1
	`, normalized).Scan(&org.ID, &org.Name, &org.Slug, &org.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get org by slug: %w", err)
	}

	return &org, nil
}
