// Package numbers decides which class of masked number a thread uses and binds
// a concrete number of that class to the thread.
package numbers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samhotchkiss/threadmask/internal/logger"
	"github.com/samhotchkiss/threadmask/internal/models"
	"github.com/samhotchkiss/threadmask/internal/store"
)

// NumberStore is the masked number persistence the assigner needs.
type NumberStore interface {
	GetByID(ctx context.Context, numberID string) (*store.MaskedNumber, error)
	GetFrontDesk(ctx context.Context, orgID string) (*store.MaskedNumber, error)
	GetStaffNumber(ctx context.Context, orgID, staffID string) (*store.MaskedNumber, error)
	ClaimStaffNumber(ctx context.Context, orgID, staffID string) (*store.MaskedNumber, error)
	ReleaseStaffNumber(ctx context.Context, orgID, staffID string) (*store.MaskedNumber, error)
	RotatePool(ctx context.Context, orgID string, now time.Time) (*store.MaskedNumber, error)
}

// ThreadBinder persists a thread's bound number.
type ThreadBinder interface {
	BindNumber(ctx context.Context, orgID, threadID, numberID string, class models.NumberClass) error
}

// AuditRecorder appends audit events.
type AuditRecorder interface {
	Record(ctx context.Context, input store.RecordAuditInput) error
}

// Facts are the inputs to class selection.
type Facts struct {
	StaffAssigned  bool
	StaffHasNumber bool
	OneTimeClient  bool
}

// DetermineClass picks the number class for a thread.
func DetermineClass(f Facts) models.NumberClass {
	switch {
	case f.StaffAssigned && f.StaffHasNumber:
		return models.NumberClassStaff
	case f.OneTimeClient && !f.StaffAssigned:
		return models.NumberClassPool
	default:
		return models.NumberClassFrontDesk
	}
}

// Assignment is the outcome of binding a number to a thread.
type Assignment struct {
	Class            models.NumberClass  `json:"class"`
	Number           *store.MaskedNumber `json:"number"`
	PreviousNumberID *string             `json:"previous_number_id,omitempty"`
	Changed          bool                `json:"changed"`
	// Reconcile is set when a thread's pool number was replaced. Clients may still
	// be texting the old number.
	Reconcile bool `json:"reconcile"`
}

type Assigner struct {
	Numbers NumberStore
	Threads ThreadBinder
	Audit   AuditRecorder
	Log     *logger.Logger
	Now     func() time.Time
}

func NewAssigner(numbers NumberStore, threads ThreadBinder, audit AuditRecorder, log *logger.Logger) *Assigner {
	return &Assigner{
		Numbers: numbers,
		Threads: threads,
		Audit:   audit,
		Log:     log,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Facts gathers class-selection inputs for a thread. A staff member without a
// stable number is given a spare staff-class number when one exists.
func (a *Assigner) Facts(ctx context.Context, thread *store.Thread) (Facts, error) {
	facts := Facts{OneTimeClient: thread.IsOneTimeClient && !thread.IsRecurringClient}
	staffID := strings.TrimSpace(derefString(thread.AssignedStaffID))
	if staffID == "" {
		return facts, nil
	}
	facts.StaffAssigned = true

	_, err := a.staffNumber(ctx, thread.OrgID, staffID)
	switch {
	case err == nil:
		facts.StaffHasNumber = true
	case errors.Is(err, store.ErrNotFound):
	default:
		return Facts{}, err
	}
	return facts, nil
}

// Assign obtains a number of class for the thread without binding it.
func (a *Assigner) Assign(ctx context.Context, thread *store.Thread, class models.NumberClass) (*store.MaskedNumber, error) {
	if a == nil || a.Numbers == nil {
		return nil, fmt.Errorf("number assigner is not configured")
	}
	switch class {
	case models.NumberClassFrontDesk:
		number, err := a.Numbers.GetFrontDesk(ctx, thread.OrgID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, &models.ConfigurationError{OrgID: thread.OrgID, Reason: "no active front desk number"}
		}
		return number, err

	case models.NumberClassStaff:
		staffID := strings.TrimSpace(derefString(thread.AssignedStaffID))
		if staffID == "" {
			return nil, models.NewValidationError("assigned_staff_id", "staff number class requires an assigned staff member")
		}
		number, err := a.staffNumber(ctx, thread.OrgID, staffID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, &models.ConfigurationError{OrgID: thread.OrgID, Reason: "no staff number available for " + staffID}
		}
		return number, err

	case models.NumberClassPool:
		if current := a.currentPoolNumber(ctx, thread); current != nil {
			return current, nil
		}
		number, err := a.Numbers.RotatePool(ctx, thread.OrgID, a.now())
		if errors.Is(err, store.ErrNotFound) {
			return nil, &models.ConfigurationError{OrgID: thread.OrgID, Reason: "number pool is empty"}
		}
		return number, err
	}
	return nil, models.NewValidationError("number_class", fmt.Sprintf("unknown class %q", class))
}

// Reassign re-runs class selection and binds the resulting number to the thread.
// The thread's bound number is the only number outbound traffic may use.
func (a *Assigner) Reassign(ctx context.Context, actor models.Actor, thread *store.Thread) (*Assignment, error) {
	if a == nil || a.Numbers == nil || a.Threads == nil {
		return nil, fmt.Errorf("number assigner is not configured")
	}
	if thread == nil {
		return nil, models.NewValidationError("thread_id", "thread is required")
	}

	facts, err := a.Facts(ctx, thread)
	if err != nil {
		return nil, err
	}
	class := DetermineClass(facts)
	number, err := a.Assign(ctx, thread, class)
	if err != nil {
		return nil, err
	}

	result := &Assignment{Class: class, Number: number, PreviousNumberID: thread.MaskedNumberID}
	previousClass := models.NumberClass("")
	if thread.NumberClass != nil {
		previousClass = *thread.NumberClass
	}
	if thread.MaskedNumberID != nil && *thread.MaskedNumberID == number.ID && previousClass == class {
		return result, nil
	}

	if err := a.Threads.BindNumber(ctx, thread.OrgID, thread.ID, number.ID, class); err != nil {
		return nil, fmt.Errorf("failed to bind number to thread: %w", err)
	}
	result.Changed = true
	result.Reconcile = previousClass == models.NumberClassPool && thread.MaskedNumberID != nil

	a.record(ctx, actor, thread.OrgID, store.AuditNumberAssigned, thread.ID, map[string]any{
		"class":              class,
		"number_id":          number.ID,
		"previous_number_id": thread.MaskedNumberID,
		"previous_class":     previousClass,
	})
	if result.Reconcile {
		a.record(ctx, actor, thread.OrgID, store.AuditNumberReconcile, thread.ID, map[string]any{
			"reason":             "pool number replaced",
			"previous_number_id": thread.MaskedNumberID,
			"number_id":          number.ID,
		})
	}

	thread.MaskedNumberID = &number.ID
	thread.BoundNumberE164 = &number.E164
	thread.NumberClass = &class
	return result, nil
}

// EnsureBound binds a number to a thread that has none.
func (a *Assigner) EnsureBound(ctx context.Context, actor models.Actor, thread *store.Thread) (*Assignment, error) {
	if thread != nil && thread.MaskedNumberID != nil && thread.BoundNumberE164 != nil {
		class := models.NumberClassFrontDesk
		if thread.NumberClass != nil {
			class = *thread.NumberClass
		}
		return &Assignment{
			Class:  class,
			Number: &store.MaskedNumber{ID: *thread.MaskedNumberID, OrgID: thread.OrgID, Class: class, E164: *thread.BoundNumberE164},
		}, nil
	}
	return a.Reassign(ctx, actor, thread)
}

// ReleaseStaff detaches an offboarded staff member from their number. The number
// row is kept for audit.
func (a *Assigner) ReleaseStaff(ctx context.Context, orgID, staffID string) (*store.MaskedNumber, error) {
	if a == nil || a.Numbers == nil {
		return nil, fmt.Errorf("number assigner is not configured")
	}
	number, err := a.Numbers.ReleaseStaffNumber(ctx, orgID, staffID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return number, err
}

func (a *Assigner) staffNumber(ctx context.Context, orgID, staffID string) (*store.MaskedNumber, error) {
	number, err := a.Numbers.GetStaffNumber(ctx, orgID, staffID)
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return number, err
	}
	return a.Numbers.ClaimStaffNumber(ctx, orgID, staffID)
}

// currentPoolNumber returns the thread's bound pool number while it is still active.
func (a *Assigner) currentPoolNumber(ctx context.Context, thread *store.Thread) *store.MaskedNumber {
	if thread.MaskedNumberID == nil || thread.NumberClass == nil || *thread.NumberClass != models.NumberClassPool {
		return nil
	}
	number, err := a.Numbers.GetByID(ctx, *thread.MaskedNumberID)
	if err != nil || number.Class != models.NumberClassPool || number.Status != "active" {
		return nil
	}
	return number
}

func (a *Assigner) record(ctx context.Context, actor models.Actor, orgID, eventType, threadID string, payload map[string]any) {
	if a.Audit == nil {
		return
	}
	err := a.Audit.Record(ctx, store.RecordAuditInput{
		OrgID:      orgID,
		EventType:  eventType,
		ActorRole:  string(actor.Role),
		ActorID:    actor.ActorID,
		EntityType: "thread",
		EntityID:   threadID,
		Payload:    payload,
	})
	if err != nil {
		a.Log.Warn("audit write failed", "event_type", eventType, "thread_id", threadID, "error", err)
	}
}

func (a *Assigner) now() time.Time {
	if a.Now == nil {
		return time.Now().UTC()
	}
	return a.Now().UTC()
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
