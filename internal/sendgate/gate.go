// Package sendgate authorizes outbound sends on a thread.
package sendgate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samhotchkiss/threadmask/internal/models"
	"github.com/samhotchkiss/threadmask/internal/store"
)

// WindowLister loads a thread's windows.
type WindowLister interface {
	ListForThread(ctx context.Context, threadID string) ([]store.AssignmentWindow, error)
}

// Gate evaluates send authorization against the thread's current windows.
type Gate struct {
	Windows WindowLister
}

func New(windows WindowLister) *Gate {
	return &Gate{Windows: windows}
}

// Authorize returns nil when actor may send on thread at now, or a ForbiddenError.
func (g *Gate) Authorize(ctx context.Context, actor models.Actor, thread *store.Thread, now time.Time) error {
	if thread == nil {
		return models.NewValidationError("thread_id", "thread is required")
	}
	if strings.TrimSpace(actor.OrgID) == "" || thread.OrgID != actor.OrgID {
		return models.NewForbiddenError("thread belongs to another organization")
	}

	switch actor.Role {
	case models.ActorSupervisor, models.ActorOwner:
		return nil
	case models.ActorSystem, models.ActorAutomation:
		return nil
	case models.ActorClient:
		return models.NewForbiddenError("clients cannot send through the outbound API")
	case models.ActorStaff:
		return g.authorizeStaff(ctx, actor, thread, now)
	}
	return models.NewForbiddenError(fmt.Sprintf("unknown actor role %q", actor.Role))
}

// CanSend is the boolean form of Authorize. Lookup failures deny.
func (g *Gate) CanSend(ctx context.Context, actor models.Actor, thread *store.Thread, now time.Time) bool {
	return g.Authorize(ctx, actor, thread, now) == nil
}

func (g *Gate) authorizeStaff(ctx context.Context, actor models.Actor, thread *store.Thread, now time.Time) error {
	staffID := strings.TrimSpace(actor.StaffID)
	if staffID == "" {
		return models.NewForbiddenError("staff actor has no staff id")
	}
	if thread.Kind != models.ThreadKindClient {
		return models.NewForbiddenError("staff cannot send on the supervisor inbox")
	}
	if g == nil || g.Windows == nil {
		return fmt.Errorf("send gate is not configured")
	}
	windows, err := g.Windows.ListForThread(ctx, thread.ID)
	if err != nil {
		return fmt.Errorf("failed to load assignment windows: %w", err)
	}
	if StaffAuthorized(windows, thread.ID, staffID, now) {
		return nil
	}
	return models.NewForbiddenError("staff member has no active assignment window on this thread")
}

// StaffAuthorized reports whether staffID holds an active window on threadID at now.
// Window bounds are inclusive.
func StaffAuthorized(windows []store.AssignmentWindow, threadID, staffID string, now time.Time) bool {
	for _, window := range windows {
		if window.ThreadID == threadID && window.StaffID == staffID && window.ActiveAt(now) {
			return true
		}
	}
	return false
}
