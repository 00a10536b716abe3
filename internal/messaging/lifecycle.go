package messaging

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/samhotchkiss/threadmask/internal/assignment"
	"github.com/samhotchkiss/threadmask/internal/events"
	"github.com/samhotchkiss/threadmask/internal/models"
	"github.com/samhotchkiss/threadmask/internal/numbers"
	"github.com/samhotchkiss/threadmask/internal/store"
)

// LifecycleResult describes the thread state after a booking lifecycle hook.
type LifecycleResult struct {
	ThreadID      string                   `json:"thread_id"`
	Window        *store.AssignmentWindow  `json:"window,omitempty"`
	ClosedWindows []store.AssignmentWindow `json:"closed_windows,omitempty"`
	Number        *numbers.Assignment      `json:"number,omitempty"`
}

// OffboardResult summarizes a staff offboarding.
type OffboardResult struct {
	ReleasedNumberID *string                  `json:"released_number_id,omitempty"`
	ClosedWindows    []store.AssignmentWindow `json:"closed_windows"`
	Reassigned       []string                 `json:"reassigned_thread_ids"`
}

// SyncBooking stores the booking snapshot lifecycle hooks read from.
func (s *Service) SyncBooking(ctx context.Context, actor models.Actor, input store.UpsertBookingInput) (*store.Booking, error) {
	if err := s.requireOperator(ctx, actor, "booking", input.ID, "booking sync"); err != nil {
		return nil, err
	}
	input.OrgID = actor.OrgID
	if !input.ScheduledEnd.After(input.ScheduledStart) {
		return nil, models.NewValidationError("scheduled_end", "must be after scheduled_start")
	}
	return s.Bookings.Upsert(ctx, input)
}

// OnStaffAssigned binds a staff member to the booking's client thread: the thread
// is created if needed, the window is created or updated in place, the client
// is reclassified and the thread's number is reassigned.
func (s *Service) OnStaffAssigned(ctx context.Context, actor models.Actor, bookingID, staffID string) (*LifecycleResult, error) {
	if err := s.requireOperator(ctx, actor, "booking", bookingID, "staff assignment"); err != nil {
		return nil, err
	}
	staffID = strings.TrimSpace(staffID)
	if staffID == "" {
		return nil, models.NewValidationError("staff_id", "required")
	}

	booking, err := s.Bookings.SetStaff(ctx, actor.OrgID, bookingID, &staffID)
	if err != nil {
		return nil, err
	}
	thread, err := s.bookingThread(ctx, booking)
	if err != nil {
		return nil, err
	}
	if err := s.Threads.SetAssignment(ctx, thread.OrgID, thread.ID, &staffID, &booking.ID); err != nil {
		return nil, err
	}
	thread.AssignedStaffID = &staffID
	thread.BookingID = &booking.ID

	window, err := s.Windows.FindOrCreate(ctx, assignment.FindOrCreateInput{
		OrgID:          booking.OrgID,
		BookingID:      booking.ID,
		ThreadID:       thread.ID,
		StaffID:        staffID,
		ServiceType:    booking.ServiceType,
		ScheduledStart: booking.ScheduledStart,
		ScheduledEnd:   booking.ScheduledEnd,
		Actor:          actor,
	})
	if err != nil {
		return nil, err
	}

	bound, err := s.reclassifyAndAssign(ctx, actor, thread)
	if err != nil {
		return nil, err
	}
	s.publishWindowChange(ctx, thread, "staff_assigned", window.ID)
	return &LifecycleResult{ThreadID: thread.ID, Window: window, Number: bound}, nil
}

// OnStaffUnassigned closes the booking's windows and moves the thread off the
// staff member's number.
func (s *Service) OnStaffUnassigned(ctx context.Context, actor models.Actor, bookingID string) (*LifecycleResult, error) {
	if err := s.requireOperator(ctx, actor, "booking", bookingID, "staff unassignment"); err != nil {
		return nil, err
	}
	previous, err := s.Bookings.GetByID(ctx, actor.OrgID, bookingID)
	if err != nil {
		return nil, err
	}
	booking, err := s.Bookings.SetStaff(ctx, actor.OrgID, bookingID, nil)
	if err != nil {
		return nil, err
	}
	return s.detachBooking(ctx, actor, booking, previous.StaffID, "staff_unassigned")
}

// OnBookingTimesChanged recomputes the booking's window bounds in place.
func (s *Service) OnBookingTimesChanged(ctx context.Context, actor models.Actor, bookingID string, start, end time.Time) (*LifecycleResult, error) {
	if err := s.requireOperator(ctx, actor, "booking", bookingID, "booking reschedule"); err != nil {
		return nil, err
	}
	if !end.After(start) {
		return nil, models.NewValidationError("scheduled_end", "must be after scheduled_start")
	}
	booking, err := s.Bookings.UpdateTimes(ctx, actor.OrgID, bookingID, start, end)
	if err != nil {
		return nil, err
	}
	thread, err := s.bookingThread(ctx, booking)
	if err != nil {
		return nil, err
	}
	result := &LifecycleResult{ThreadID: thread.ID}
	if booking.StaffID == nil {
		return result, nil
	}

	window, err := s.Windows.FindOrCreate(ctx, assignment.FindOrCreateInput{
		OrgID:          booking.OrgID,
		BookingID:      booking.ID,
		ThreadID:       thread.ID,
		StaffID:        *booking.StaffID,
		ServiceType:    booking.ServiceType,
		ScheduledStart: booking.ScheduledStart,
		ScheduledEnd:   booking.ScheduledEnd,
		Actor:          actor,
	})
	if err != nil {
		return nil, err
	}
	result.Window = window
	s.publishWindowChange(ctx, thread, "times_changed", window.ID)
	return result, nil
}

// OnBookingCancelledOrCompleted closes the booking's windows. status is
// "cancelled" or "completed".
func (s *Service) OnBookingCancelledOrCompleted(ctx context.Context, actor models.Actor, bookingID, status string) (*LifecycleResult, error) {
	if err := s.requireOperator(ctx, actor, "booking", bookingID, "booking close"); err != nil {
		return nil, err
	}
	status = strings.ToLower(strings.TrimSpace(status))
	switch status {
	case store.BookingCancelled, store.BookingCompleted:
	case "":
		status = store.BookingCompleted
	default:
		return nil, models.NewValidationError("status", "must be cancelled or completed")
	}
	booking, err := s.Bookings.SetStatus(ctx, actor.OrgID, bookingID, status)
	if err != nil {
		return nil, err
	}
	return s.detachBooking(ctx, actor, booking, booking.StaffID, status)
}

// OnStaffOffboarded detaches a departing staff member everywhere: their number
// is released (kept for audit), their active windows are closed and each of
// their threads is moved to a new number.
func (s *Service) OnStaffOffboarded(ctx context.Context, actor models.Actor, staffID string) (*OffboardResult, error) {
	if err := s.requireOperator(ctx, actor, "staff", staffID, "staff offboarding"); err != nil {
		return nil, err
	}
	staffID = strings.TrimSpace(staffID)
	if staffID == "" {
		return nil, models.NewValidationError("staff_id", "required")
	}

	result := &OffboardResult{Reassigned: []string{}}
	closed, err := s.Windows.CloseForStaff(ctx, actor, actor.OrgID, staffID)
	if err != nil {
		return nil, err
	}
	result.ClosedWindows = closed

	released, err := s.Assigner.ReleaseStaff(ctx, actor.OrgID, staffID)
	if err != nil {
		return nil, err
	}
	if released != nil {
		result.ReleasedNumberID = &released.ID
	}

	threads, err := s.Threads.ListByAssignedStaff(ctx, actor.OrgID, staffID)
	if err != nil {
		return nil, err
	}
	for i := range threads {
		thread := &threads[i]
		if err := s.Threads.SetAssignment(ctx, thread.OrgID, thread.ID, nil, nil); err != nil {
			return nil, err
		}
		thread.AssignedStaffID = nil
		if _, err := s.Assigner.Reassign(ctx, actor, thread); err != nil {
			return nil, err
		}
		result.Reassigned = append(result.Reassigned, thread.ID)
	}

	s.record(ctx, actor, actor.OrgID, store.AuditStaffOffboarded, "staff", staffID, map[string]any{
		"released_number_id": result.ReleasedNumberID,
		"closed_windows":     len(closed),
		"reassigned_threads": result.Reassigned,
	})
	return result, nil
}

// detachBooking closes a booking's windows and, when the thread is still held
// by the booking's staff member with no other open window on it, unassigns it
// and rebinds its number.
func (s *Service) detachBooking(ctx context.Context, actor models.Actor, booking *store.Booking, staffID *string, reason string) (*LifecycleResult, error) {
	closed, err := s.Windows.CloseAll(ctx, actor, booking.OrgID, booking.ID)
	if err != nil {
		return nil, err
	}
	thread, err := s.bookingThread(ctx, booking)
	if err != nil {
		return nil, err
	}
	result := &LifecycleResult{ThreadID: thread.ID, ClosedWindows: closed}

	if staffID != nil && thread.AssignedStaffID != nil && *thread.AssignedStaffID == *staffID {
		remaining, err := s.Windows.OpenForStaff(ctx, thread.OrgID, thread.ID, *staffID)
		if err != nil {
			return nil, err
		}
		if len(remaining) > 0 {
			// The staff member keeps the thread through another booking.
			bookingID := remaining[0].BookingID
			if err := s.Threads.SetAssignment(ctx, thread.OrgID, thread.ID, staffID, &bookingID); err != nil {
				return nil, err
			}
			thread.BookingID = &bookingID
		} else {
			if err := s.Threads.SetAssignment(ctx, thread.OrgID, thread.ID, nil, nil); err != nil {
				return nil, err
			}
			thread.AssignedStaffID = nil
		}
	}
	bound, err := s.reclassifyAndAssign(ctx, actor, thread)
	if err != nil {
		return nil, err
	}
	result.Number = bound
	s.publishWindowChange(ctx, thread, reason, "")
	return result, nil
}

// bookingThread returns the booking client's thread, creating it on demand.
func (s *Service) bookingThread(ctx context.Context, booking *store.Booking) (*store.Thread, error) {
	return s.Threads.EnsureClientThread(ctx, store.EnsureClientThreadInput{
		OrgID:      booking.OrgID,
		ClientID:   booking.ClientID,
		ClientE164: booking.ClientE164,
		BookingID:  &booking.ID,
	})
}

func (s *Service) reclassifyAndAssign(ctx context.Context, actor models.Actor, thread *store.Thread) (*numbers.Assignment, error) {
	if s.Classifier != nil {
		result, err := s.Classifier.Classify(ctx, thread.OrgID, derefString(thread.ClientID), thread.ID)
		if err != nil {
			return nil, err
		}
		if result.IsOneTime != thread.IsOneTimeClient || result.IsRecurring != thread.IsRecurringClient {
			if err := s.Threads.SetClassification(ctx, thread.OrgID, thread.ID, result.IsOneTime, result.IsRecurring); err != nil {
				return nil, err
			}
			thread.IsOneTimeClient = result.IsOneTime
			thread.IsRecurringClient = result.IsRecurring
		}
	}
	bound, err := s.Assigner.Reassign(ctx, actor, thread)
	if err != nil {
		var configErr *models.ConfigurationError
		if errors.As(err, &configErr) {
			s.Log.Error("number assignment blocked by configuration", "org_id", thread.OrgID, "thread_id", thread.ID, "reason", configErr.Reason)
		}
		return nil, err
	}
	return bound, nil
}

func (s *Service) publishWindowChange(ctx context.Context, thread *store.Thread, reason, windowID string) {
	s.publish(ctx, events.TypeWindowChanged, thread.OrgID, map[string]any{
		"thread_id": thread.ID,
		"window_id": windowID,
		"reason":    reason,
	})
}
