// Package assignment maintains the time-bounded bindings that authorize a staff
// member on a client thread.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samhotchkiss/threadmask/internal/logger"
	"github.com/samhotchkiss/threadmask/internal/models"
	"github.com/samhotchkiss/threadmask/internal/store"
)

// WindowStore is the persistence the manager needs.
type WindowStore interface {
	Upsert(ctx context.Context, input store.UpsertWindowInput) (*store.AssignmentWindow, error)
	GetByID(ctx context.Context, orgID, windowID string) (*store.AssignmentWindow, error)
	ListOpen(ctx context.Context, orgID string, now time.Time) ([]store.AssignmentWindow, error)
	List(ctx context.Context, filter store.WindowFilter) ([]store.AssignmentWindow, error)
	CloseAllForBooking(ctx context.Context, orgID, bookingID string) ([]store.AssignmentWindow, error)
	CloseActiveForStaff(ctx context.Context, orgID, staffID string) ([]store.AssignmentWindow, error)
	Close(ctx context.Context, orgID, windowID string) (*store.AssignmentWindow, error)
}

// AuditRecorder appends audit events.
type AuditRecorder interface {
	Record(ctx context.Context, input store.RecordAuditInput) error
}

type FindOrCreateInput struct {
	OrgID          string
	BookingID      string
	ThreadID       string
	StaffID        string
	ServiceType    string
	ScheduledStart time.Time
	ScheduledEnd   time.Time
	Actor          models.Actor
}

// Conflict is a pair of active windows on one thread whose intervals overlap.
type Conflict struct {
	ThreadID     string                 `json:"thread_id"`
	WindowA      store.AssignmentWindow `json:"window_a"`
	WindowB      store.AssignmentWindow `json:"window_b"`
	OverlapStart time.Time              `json:"overlap_start"`
	OverlapEnd   time.Time              `json:"overlap_end"`
}

const (
	KeepA = "keep_a"
	KeepB = "keep_b"
)

type Manager struct {
	Windows WindowStore
	Audit   AuditRecorder
	Log     *logger.Logger
	Now     func() time.Time
}

func NewManager(windows WindowStore, audit AuditRecorder, log *logger.Logger) *Manager {
	return &Manager{
		Windows: windows,
		Audit:   audit,
		Log:     log,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// FindOrCreate creates the booking's window on the thread or updates it in place.
// Repeated calls for the same (booking, thread) always yield the same window.
func (m *Manager) FindOrCreate(ctx context.Context, input FindOrCreateInput) (*store.AssignmentWindow, error) {
	if m == nil || m.Windows == nil {
		return nil, fmt.Errorf("assignment manager is not configured")
	}
	if strings.TrimSpace(input.StaffID) == "" {
		return nil, models.NewValidationError("staff_id", "required")
	}
	if !input.ScheduledEnd.After(input.ScheduledStart) {
		return nil, models.NewValidationError("scheduled_end", "must be after scheduled_start")
	}

	start, end := ComputeWindow(input.ServiceType, input.ScheduledStart, input.ScheduledEnd)
	window, err := m.Windows.Upsert(ctx, store.UpsertWindowInput{
		OrgID:     input.OrgID,
		ThreadID:  input.ThreadID,
		BookingID: input.BookingID,
		StaffID:   input.StaffID,
		StartsAt:  start,
		EndsAt:    end,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert assignment window: %w", err)
	}

	m.record(ctx, input.Actor, input.OrgID, store.AuditWindowUpserted, window.ID, map[string]any{
		"booking_id":   window.BookingID,
		"thread_id":    window.ThreadID,
		"staff_id":     window.StaffID,
		"starts_at":    window.StartsAt,
		"ends_at":      window.EndsAt,
		"service_type": input.ServiceType,
	})
	return window, nil
}

// CloseAll closes every active window for a booking.
func (m *Manager) CloseAll(ctx context.Context, actor models.Actor, orgID, bookingID string) ([]store.AssignmentWindow, error) {
	if m == nil || m.Windows == nil {
		return nil, fmt.Errorf("assignment manager is not configured")
	}
	closed, err := m.Windows.CloseAllForBooking(ctx, orgID, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to close booking windows: %w", err)
	}
	for _, window := range closed {
		m.record(ctx, actor, orgID, store.AuditWindowClosed, window.ID, map[string]any{
			"booking_id": window.BookingID,
			"thread_id":  window.ThreadID,
			"staff_id":   window.StaffID,
		})
	}
	return closed, nil
}

// CloseForStaff closes every active window held by a staff member.
func (m *Manager) CloseForStaff(ctx context.Context, actor models.Actor, orgID, staffID string) ([]store.AssignmentWindow, error) {
	if m == nil || m.Windows == nil {
		return nil, fmt.Errorf("assignment manager is not configured")
	}
	closed, err := m.Windows.CloseActiveForStaff(ctx, orgID, staffID)
	if err != nil {
		return nil, fmt.Errorf("failed to close staff windows: %w", err)
	}
	for _, window := range closed {
		m.record(ctx, actor, orgID, store.AuditWindowClosed, window.ID, map[string]any{
			"booking_id": window.BookingID,
			"thread_id":  window.ThreadID,
			"staff_id":   window.StaffID,
			"reason":     "staff_offboarded",
		})
	}
	return closed, nil
}

func (m *Manager) List(ctx context.Context, filter store.WindowFilter) ([]store.AssignmentWindow, error) {
	if m == nil || m.Windows == nil {
		return nil, fmt.Errorf("assignment manager is not configured")
	}
	if filter.Now.IsZero() {
		filter.Now = m.now()
	}
	return m.Windows.List(ctx, filter)
}

// OpenForStaff returns the staff member's windows on a thread that are still
// active and not yet ended, current windows first.
func (m *Manager) OpenForStaff(ctx context.Context, orgID, threadID, staffID string) ([]store.AssignmentWindow, error) {
	windows, err := m.List(ctx, store.WindowFilter{OrgID: orgID, ThreadID: threadID, StaffID: staffID, Limit: 500})
	if err != nil {
		return nil, fmt.Errorf("failed to list staff windows: %w", err)
	}
	now := m.now()
	current := []store.AssignmentWindow{}
	upcoming := []store.AssignmentWindow{}
	for _, w := range windows {
		switch {
		case w.ActiveAt(now):
			current = append(current, w)
		case w.Status == models.WindowActive && now.Before(w.StartsAt):
			upcoming = append(upcoming, w)
		}
	}
	sort.Slice(upcoming, func(i, j int) bool { return upcoming[i].StartsAt.Before(upcoming[j].StartsAt) })
	return append(current, upcoming...), nil
}

// ListConflicts enumerates overlapping open windows on the same thread.
func (m *Manager) ListConflicts(ctx context.Context, orgID string) ([]Conflict, error) {
	if m == nil || m.Windows == nil {
		return nil, fmt.Errorf("assignment manager is not configured")
	}
	windows, err := m.Windows.ListOpen(ctx, orgID, m.now())
	if err != nil {
		return nil, fmt.Errorf("failed to list open windows: %w", err)
	}
	return FindConflicts(windows), nil
}

// FindConflicts pairs up overlapping active windows per thread.
func FindConflicts(windows []store.AssignmentWindow) []Conflict {
	byThread := make(map[string][]store.AssignmentWindow)
	for _, window := range windows {
		if window.Status != models.WindowActive {
			continue
		}
		byThread[window.ThreadID] = append(byThread[window.ThreadID], window)
	}

	threadIDs := make([]string, 0, len(byThread))
	for id := range byThread {
		threadIDs = append(threadIDs, id)
	}
	sort.Strings(threadIDs)

	conflicts := make([]Conflict, 0)
	for _, threadID := range threadIDs {
		group := byThread[threadID]
		sort.Slice(group, func(i, j int) bool {
			if group[i].StartsAt.Equal(group[j].StartsAt) {
				return group[i].ID < group[j].ID
			}
			return group[i].StartsAt.Before(group[j].StartsAt)
		})
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				start, end, ok := overlap(group[i], group[j])
				if !ok {
					continue
				}
				conflicts = append(conflicts, Conflict{
					ThreadID:     threadID,
					WindowA:      group[i],
					WindowB:      group[j],
					OverlapStart: start,
					OverlapEnd:   end,
				})
			}
		}
	}
	return conflicts
}

// ResolveConflict closes one of two overlapping windows. Only supervisors and owners may resolve.
func (m *Manager) ResolveConflict(ctx context.Context, actor models.Actor, windowAID, windowBID, keep string) (*store.AssignmentWindow, error) {
	if m == nil || m.Windows == nil {
		return nil, fmt.Errorf("assignment manager is not configured")
	}
	if !actor.Role.IsSupervisory() {
		return nil, models.NewForbiddenError("only supervisors can resolve window conflicts")
	}
	if keep != KeepA && keep != KeepB {
		return nil, models.NewValidationError("keep", "must be keep_a or keep_b")
	}

	windowA, err := m.Windows.GetByID(ctx, actor.OrgID, windowAID)
	if err != nil {
		return nil, m.lookupError(err)
	}
	windowB, err := m.Windows.GetByID(ctx, actor.OrgID, windowBID)
	if err != nil {
		return nil, m.lookupError(err)
	}
	if windowA.ThreadID != windowB.ThreadID {
		return nil, models.NewValidationError("window_ids", "windows belong to different threads")
	}
	if _, _, ok := overlap(*windowA, *windowB); !ok || windowA.Status != models.WindowActive || windowB.Status != models.WindowActive {
		return nil, models.NewValidationError("window_ids", "windows do not conflict")
	}

	kept, loser := windowA, windowB
	if keep == KeepB {
		kept, loser = windowB, windowA
	}
	if _, err := m.Windows.Close(ctx, actor.OrgID, loser.ID); err != nil {
		return nil, fmt.Errorf("failed to close conflicting window: %w", err)
	}

	m.record(ctx, actor, actor.OrgID, store.AuditWindowConflictFixed, loser.ID, map[string]any{
		"thread_id":     loser.ThreadID,
		"kept_window":   kept.ID,
		"closed_window": loser.ID,
	})
	return kept, nil
}

func (m *Manager) lookupError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return models.NewValidationError("window_id", "window not found")
	}
	return err
}

func (m *Manager) record(ctx context.Context, actor models.Actor, orgID, eventType, entityID string, payload map[string]any) {
	if m.Audit == nil {
		return
	}
	err := m.Audit.Record(ctx, store.RecordAuditInput{
		OrgID:      orgID,
		EventType:  eventType,
		ActorRole:  string(actor.Role),
		ActorID:    actor.ActorID,
		EntityType: "assignment_window",
		EntityID:   entityID,
		Payload:    payload,
	})
	if err != nil {
		m.Log.Warn("audit write failed", "event_type", eventType, "entity_id", entityID, "error", err)
	}
}

func (m *Manager) now() time.Time {
	if m.Now == nil {
		return time.Now().UTC()
	}
	return m.Now().UTC()
}

func overlap(a, b store.AssignmentWindow) (time.Time, time.Time, bool) {
	start := a.StartsAt
	if b.StartsAt.After(start) {
		start = b.StartsAt
	}
	end := a.EndsAt
	if b.EndsAt.Before(end) {
		end = b.EndsAt
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}
