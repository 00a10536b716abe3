package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/samhotchkiss/threadmask/internal/assignment"
	"github.com/samhotchkiss/threadmask/internal/classify"
	"github.com/samhotchkiss/threadmask/internal/events"
	"github.com/samhotchkiss/threadmask/internal/models"
	"github.com/samhotchkiss/threadmask/internal/routing"
	"github.com/samhotchkiss/threadmask/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnStaffAssignedBindsStaffNumberAndWindow(t *testing.T) {
	h := newHarness(t)
	thread := h.assignedThread(t)

	assert.Equal(t, models.NumberClassStaff, *thread.NumberClass)
	require.NotNil(t, thread.AssignedStaffID)
	assert.Equal(t, "staff-a", *thread.AssignedStaffID)

	windows, err := h.windows.ListForThread(context.Background(), thread.ID)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, h.clock.Add(-90*time.Minute), windows[0].StartsAt)
	assert.Equal(t, h.clock.Add(90*time.Minute), windows[0].EndsAt)
	assert.Equal(t, 1, h.audit.count(store.AuditWindowUpserted))
	assert.NotEmpty(t, h.published.ofType(events.TypeWindowChanged))

	again, err := h.svc.OnStaffAssigned(context.Background(), operator, "booking-1", "staff-a")
	require.NoError(t, err)
	assert.Equal(t, windows[0].ID, again.Window.ID)
	assert.False(t, again.Number.Changed)
}

func TestLifecycleHooksRequireOperator(t *testing.T) {
	h := newHarness(t)
	h.assignedThread(t)
	ctx := context.Background()

	_, err := h.svc.OnStaffAssigned(ctx, staffA, "booking-1", "staff-a")
	assert.ErrorIs(t, err, models.ErrForbidden)
	_, err = h.svc.OnStaffOffboarded(ctx, staffA, "staff-a")
	assert.ErrorIs(t, err, models.ErrForbidden)
	_, err = h.svc.OnBookingCancelledOrCompleted(ctx, operator, "booking-1", "postponed")
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = h.svc.SyncBooking(ctx, operator, store.UpsertBookingInput{
		ID:             "booking-2",
		ClientID:       "client-2",
		ClientE164:     "+15551112222",
		ScheduledStart: *h.clock,
		ScheduledEnd:   h.clock.Add(-time.Hour),
	})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestOnStaffUnassignedMovesThreadOffStaffNumber(t *testing.T) {
	h := newHarness(t)
	thread := h.assignedThread(t)
	ctx := context.Background()

	result, err := h.svc.OnStaffUnassigned(ctx, operator, "booking-1")
	require.NoError(t, err)
	assert.Len(t, result.ClosedWindows, 1)
	require.NotNil(t, result.Number)
	assert.Equal(t, models.NumberClassFrontDesk, result.Number.Class)

	reloaded, err := h.threads.GetByID(ctx, thread.ID)
	require.NoError(t, err)
	assert.Nil(t, reloaded.AssignedStaffID)
	assert.Equal(t, frontDeskE164, *reloaded.BoundNumberE164)

	_, err = h.svc.SendOutbound(ctx, staffA, SendInput{ThreadID: thread.ID, Body: "hello"})
	assert.ErrorIs(t, err, models.ErrForbidden)

	reply := h.inbound(t, "SM1", frontDeskE164, "anyone there?")
	assert.Equal(t, thread.ID, reply.ThreadID)
	assert.Equal(t, models.RouteSupervisor, reply.RoutedTo)
	assert.Equal(t, routing.ReasonNoActiveWindow, reply.Reason)

	reassigned, err := h.svc.OnStaffAssigned(ctx, operator, "booking-1", "staff-a")
	require.NoError(t, err)
	assert.Equal(t, models.WindowActive, reassigned.Window.Status)
	assert.Equal(t, models.NumberClassStaff, reassigned.Number.Class)
}

func TestOneTimeClientMovesToPoolWhenUnassigned(t *testing.T) {
	h := newHarness(t)
	thread := h.assignedThread(t)
	h.svc.Classifier = classify.Static{IsOneTime: true}

	result, err := h.svc.OnStaffUnassigned(context.Background(), operator, "booking-1")
	require.NoError(t, err)
	assert.Equal(t, models.NumberClassPool, result.Number.Class)
	assert.Equal(t, h.pool.ID, result.Number.Number.ID)

	reloaded, err := h.threads.GetByID(context.Background(), thread.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.IsOneTimeClient)
}

func TestOnBookingTimesChangedUpdatesWindowInPlace(t *testing.T) {
	h := newHarness(t)
	h.assignedThread(t)
	ctx := context.Background()

	start := h.clock.Add(24 * time.Hour)
	result, err := h.svc.OnBookingTimesChanged(ctx, operator, "booking-1", start, start.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, result.Window)
	assert.Equal(t, start.Add(-time.Hour), result.Window.StartsAt)

	windows, err := h.windows.ListForThread(ctx, result.ThreadID)
	require.NoError(t, err)
	assert.Len(t, windows, 1)

	// The visit moved to tomorrow so the staff member is no longer authorized now.
	_, err = h.svc.SendOutbound(ctx, staffA, SendInput{ThreadID: result.ThreadID, Body: "hi"})
	assert.ErrorIs(t, err, models.ErrForbidden)
}

func TestOnBookingCancelledClosesWindows(t *testing.T) {
	h := newHarness(t)
	thread := h.assignedThread(t)
	ctx := context.Background()

	result, err := h.svc.OnBookingCancelledOrCompleted(ctx, operator, "booking-1", "Cancelled")
	require.NoError(t, err)
	assert.Len(t, result.ClosedWindows, 1)
	assert.Equal(t, 1, h.audit.count(store.AuditWindowClosed))

	booking, err := h.bookings.GetByID(ctx, testOrg, "booking-1")
	require.NoError(t, err)
	assert.Equal(t, store.BookingCancelled, booking.Status)

	decision, err := h.svc.GetRoutingExplanation(ctx, supervisor, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RouteSupervisor, decision.Target)
}

func TestOnStaffOffboardedReleasesNumberAndRebindsThreads(t *testing.T) {
	h := newHarness(t)
	thread := h.assignedThread(t)
	ctx := context.Background()

	result, err := h.svc.OnStaffOffboarded(ctx, operator, "staff-a")
	require.NoError(t, err)
	require.NotNil(t, result.ReleasedNumberID)
	assert.Equal(t, h.staffNum.ID, *result.ReleasedNumberID)
	assert.Len(t, result.ClosedWindows, 1)
	assert.Equal(t, []string{thread.ID}, result.Reassigned)
	assert.Equal(t, 1, h.audit.count(store.AuditStaffOffboarded))

	reloaded, err := h.threads.GetByID(ctx, thread.ID)
	require.NoError(t, err)
	assert.Nil(t, reloaded.AssignedStaffID)
	assert.Equal(t, frontDeskE164, *reloaded.BoundNumberE164)

	number, err := h.numbers.GetByID(ctx, h.staffNum.ID)
	require.NoError(t, err)
	assert.Nil(t, number.AssignedStaffID)
	assert.Equal(t, "active", number.Status)
}

func TestWindowConflictResolution(t *testing.T) {
	h := newHarness(t)
	thread := h.assignedThread(t)
	ctx := context.Background()

	_, err := h.svc.SyncBooking(ctx, operator, store.UpsertBookingInput{
		ID:             "booking-2",
		ClientID:       "client-1",
		ClientE164:     clientE164,
		ServiceType:    "drop-ins",
		ScheduledStart: *h.clock,
		ScheduledEnd:   h.clock.Add(time.Hour),
	})
	require.NoError(t, err)
	second, err := h.svc.OnStaffAssigned(ctx, operator, "booking-2", "staff-b")
	require.NoError(t, err)
	assert.Equal(t, thread.ID, second.ThreadID)

	decision, err := h.svc.GetRoutingExplanation(ctx, supervisor, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, routing.ReasonOverlapConflict, decision.Reason)
	assert.Len(t, decision.ConflictingWindowIDs, 2)

	conflicts, err := h.svc.ListConflicts(ctx, supervisor)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	_, err = h.svc.ResolveConflict(ctx, staffA, conflicts[0].WindowA.ID, conflicts[0].WindowB.ID, assignment.KeepA)
	assert.ErrorIs(t, err, models.ErrForbidden)

	kept, err := h.svc.ResolveConflict(ctx, supervisor, conflicts[0].WindowA.ID, conflicts[0].WindowB.ID, assignment.KeepA)
	require.NoError(t, err)
	assert.Equal(t, conflicts[0].WindowA.ID, kept.ID)

	decision, err = h.svc.GetRoutingExplanation(ctx, supervisor, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RouteStaff, decision.Target)
	assert.Equal(t, kept.StaffID, *decision.StaffID)

	active, err := h.svc.ListWindows(ctx, supervisor, store.WindowFilter{Status: store.WindowFilterActive})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestClosingOneBookingKeepsStaffWithAnotherOpenWindow(t *testing.T) {
	h := newHarness(t)
	thread := h.assignedThread(t)
	ctx := context.Background()

	_, err := h.svc.SyncBooking(ctx, operator, store.UpsertBookingInput{
		ID:             "booking-2",
		ClientID:       "client-1",
		ClientE164:     clientE164,
		ServiceType:    "dog walking",
		ScheduledStart: h.clock.Add(45 * time.Minute),
		ScheduledEnd:   h.clock.Add(105 * time.Minute),
		IsRecurring:    true,
	})
	require.NoError(t, err)
	_, err = h.svc.OnStaffAssigned(ctx, operator, "booking-2", "staff-a")
	require.NoError(t, err)

	result, err := h.svc.OnBookingCancelledOrCompleted(ctx, operator, "booking-1", store.BookingCompleted)
	require.NoError(t, err)
	assert.Len(t, result.ClosedWindows, 1)
	require.NotNil(t, result.Number)
	assert.Equal(t, models.NumberClassStaff, result.Number.Class)

	reloaded, err := h.threads.GetByID(ctx, thread.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.AssignedStaffID)
	assert.Equal(t, "staff-a", *reloaded.AssignedStaffID)
	require.NotNil(t, reloaded.BookingID)
	assert.Equal(t, "booking-2", *reloaded.BookingID)
	assert.Equal(t, staffNumE164, *reloaded.BoundNumberE164)

	decision, err := h.svc.GetRoutingExplanation(ctx, supervisor, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RouteStaff, decision.Target)
	assert.Equal(t, "staff-a", *decision.StaffID)

	result, err = h.svc.OnBookingCancelledOrCompleted(ctx, operator, "booking-2", store.BookingCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.NumberClassFrontDesk, result.Number.Class)

	reloaded, err = h.threads.GetByID(ctx, thread.ID)
	require.NoError(t, err)
	assert.Nil(t, reloaded.AssignedStaffID)
	assert.Equal(t, frontDeskE164, *reloaded.BoundNumberE164)
}
