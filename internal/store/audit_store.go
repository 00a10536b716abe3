package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	AuditRoutingDecided      = "routing.decided"
	AuditMessageBlocked      = "message.blocked"
	AuditMessageWarned       = "message.warned"
	AuditMessageOverridden   = "message.overridden"
	AuditAttemptResolved     = "attempt.resolved"
	AuditAttemptDismissed    = "attempt.dismissed"
	AuditForbidden           = "access.forbidden"
	AuditPoolMismatch        = "pool.mismatch"
	AuditNumberReconcile     = "number.reconciliation"
	AuditNumberAssigned      = "number.assigned"
	AuditWindowUpserted      = "window.upserted"
	AuditWindowClosed        = "window.closed"
	AuditWindowConflictFixed = "window.conflict_resolved"
	AuditStaffOffboarded     = "staff.offboarded"
)

// AuditEvent is an append-only record of a routing or enforcement decision.
type AuditEvent struct {
	ID         string          `json:"id"`
	OrgID      string          `json:"org_id"`
	EventType  string          `json:"event_type"`
	ActorRole  *string         `json:"actor_role,omitempty"`
	ActorID    *string         `json:"actor_id,omitempty"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

type RecordAuditInput struct {
	OrgID      string
	EventType  string
	ActorRole  string
	ActorID    string
	EntityType string
	EntityID   string
	Payload    any
}

// AuditStore appends and lists audit events.
type AuditStore struct {
	db *sql.DB
}

func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

func (s *AuditStore) Record(ctx context.Context, input RecordAuditInput) error {
	if s == nil || s.db == nil {
		return ErrNotConfigured
	}
	org, err := normalizeUUID("org_id", input.OrgID)
	if err != nil {
		return err
	}
	eventType := strings.TrimSpace(input.EventType)
	if eventType == "" {
		return fmt.Errorf("invalid event_type")
	}
	payload := []byte("{}")
	if input.Payload != nil {
		payload, err = json.Marshal(input.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode audit payload: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (org_id, event_type, actor_role, actor_id, entity_type, entity_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
	`,
		org,
		eventType,
		nullableString(&input.ActorRole),
		nullableString(&input.ActorID),
		strings.TrimSpace(input.EntityType),
		strings.TrimSpace(input.EntityID),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

// List returns an org's newest audit events, optionally for one entity.
func (s *AuditStore) List(ctx context.Context, orgID, entityID string, limit int) ([]AuditEvent, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	org, err := normalizeUUID("org_id", orgID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id::text, org_id::text, event_type, actor_role, actor_id, entity_type, entity_id, payload, created_at
		FROM audit_events
		WHERE org_id = $1 AND ($2 = '' OR entity_id = $2)
		ORDER BY created_at DESC, id
		LIMIT $3
	`, org, strings.TrimSpace(entityID), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	events := make([]AuditEvent, 0)
	for rows.Next() {
		var (
			event     AuditEvent
			actorRole sql.NullString
			actorID   sql.NullString
			payload   []byte
		)
		if err := rows.Scan(
			&event.ID,
			&event.OrgID,
			&event.EventType,
			&actorRole,
			&actorID,
			&event.EntityType,
			&event.EntityID,
			&payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		event.ActorRole = stringPtr(actorRole)
		event.ActorID = stringPtr(actorID)
		event.Payload = json.RawMessage(payload)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit events: %w", err)
	}
	return events, nil
}
