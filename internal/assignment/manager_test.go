package assignment

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/samhotchkiss/threadmask/internal/models"
	"github.com/samhotchkiss/threadmask/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWindowStore struct {
	mu      sync.Mutex
	seq     int
	windows map[string]*store.AssignmentWindow
}

func newFakeWindowStore() *fakeWindowStore {
	return &fakeWindowStore{windows: map[string]*store.AssignmentWindow{}}
}

func (f *fakeWindowStore) Upsert(_ context.Context, input store.UpsertWindowInput) (*store.AssignmentWindow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, window := range f.windows {
		if window.BookingID == input.BookingID && window.ThreadID == input.ThreadID {
			window.StaffID = input.StaffID
			window.StartsAt = input.StartsAt
			window.EndsAt = input.EndsAt
			window.Status = models.WindowActive
			copied := *window
			return &copied, nil
		}
	}
	f.seq++
	window := &store.AssignmentWindow{
		ID:        fmt.Sprintf("window-%d", f.seq),
		OrgID:     input.OrgID,
		ThreadID:  input.ThreadID,
		BookingID: input.BookingID,
		StaffID:   input.StaffID,
		StartsAt:  input.StartsAt,
		EndsAt:    input.EndsAt,
		Status:    models.WindowActive,
	}
	f.windows[window.ID] = window
	copied := *window
	return &copied, nil
}

func (f *fakeWindowStore) GetByID(_ context.Context, orgID, windowID string) (*store.AssignmentWindow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	window, ok := f.windows[windowID]
	if !ok || window.OrgID != orgID {
		return nil, store.ErrNotFound
	}
	copied := *window
	return &copied, nil
}

func (f *fakeWindowStore) ListOpen(_ context.Context, orgID string, now time.Time) ([]store.AssignmentWindow, error) {
	return f.filter(func(w *store.AssignmentWindow) bool {
		return w.OrgID == orgID && w.Status == models.WindowActive && !w.EndsAt.Before(now)
	}), nil
}

func (f *fakeWindowStore) List(_ context.Context, filter store.WindowFilter) ([]store.AssignmentWindow, error) {
	return f.filter(func(w *store.AssignmentWindow) bool {
		if w.OrgID != filter.OrgID {
			return false
		}
		if filter.ThreadID != "" && w.ThreadID != filter.ThreadID {
			return false
		}
		if filter.StaffID != "" && w.StaffID != filter.StaffID {
			return false
		}
		return filter.Status == "" || w.DerivedStatus(filter.Now) == filter.Status
	}), nil
}

func (f *fakeWindowStore) CloseAllForBooking(_ context.Context, orgID, bookingID string) ([]store.AssignmentWindow, error) {
	return f.close(func(w *store.AssignmentWindow) bool {
		return w.OrgID == orgID && w.BookingID == bookingID
	}), nil
}

func (f *fakeWindowStore) CloseActiveForStaff(_ context.Context, orgID, staffID string) ([]store.AssignmentWindow, error) {
	return f.close(func(w *store.AssignmentWindow) bool {
		return w.OrgID == orgID && w.StaffID == staffID
	}), nil
}

func (f *fakeWindowStore) Close(_ context.Context, orgID, windowID string) (*store.AssignmentWindow, error) {
	closed := f.close(func(w *store.AssignmentWindow) bool {
		return w.OrgID == orgID && w.ID == windowID
	})
	if len(closed) == 0 {
		return nil, store.ErrNotFound
	}
	return &closed[0], nil
}

func (f *fakeWindowStore) filter(match func(*store.AssignmentWindow) bool) []store.AssignmentWindow {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.AssignmentWindow, 0)
	for _, window := range f.windows {
		if match(window) {
			out = append(out, *window)
		}
	}
	return out
}

func (f *fakeWindowStore) close(match func(*store.AssignmentWindow) bool) []store.AssignmentWindow {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.AssignmentWindow, 0)
	for _, window := range f.windows {
		if window.Status == models.WindowActive && match(window) {
			window.Status = models.WindowClosed
			out = append(out, *window)
		}
	}
	return out
}

type fakeAudit struct {
	mu     sync.Mutex
	events []store.RecordAuditInput
}

func (f *fakeAudit) Record(_ context.Context, input store.RecordAuditInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, input)
	return nil
}

func (f *fakeAudit) count(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, event := range f.events {
		if event.EventType == eventType {
			n++
		}
	}
	return n
}

const testOrg = "org-1"

var supervisor = models.Actor{OrgID: testOrg, Role: models.ActorSupervisor, ActorID: "sup-1"}

func newTestManager(now time.Time) (*Manager, *fakeWindowStore, *fakeAudit) {
	windows := newFakeWindowStore()
	audit := &fakeAudit{}
	manager := NewManager(windows, audit, nil)
	manager.Now = func() time.Time { return now }
	return manager, windows, audit
}

func TestComputeWindowAppliesServiceBuffers(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)

	tests := []struct {
		service   string
		wantStart time.Time
		wantEnd   time.Time
	}{
		{"Drop-ins", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), time.Date(2026, 3, 2, 11, 30, 0, 0, time.UTC)},
		{"dog walking", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), time.Date(2026, 3, 2, 11, 30, 0, 0, time.UTC)},
		{"Housesitting", time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC), time.Date(2026, 3, 2, 12, 30, 0, 0, time.UTC)},
		{"24/7 Care", time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC), time.Date(2026, 3, 2, 12, 30, 0, 0, time.UTC)},
		{"Grooming", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), time.Date(2026, 3, 2, 11, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.service, func(t *testing.T) {
			gotStart, gotEnd := ComputeWindow(tt.service, start, end)
			assert.True(t, tt.wantStart.Equal(gotStart), "start %s", gotStart)
			assert.True(t, tt.wantEnd.Equal(gotEnd), "end %s", gotEnd)
		})
	}
}

func TestFindOrCreateRejectsInvalidInterval(t *testing.T) {
	manager, _, _ := newTestManager(time.Now())
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	_, err := manager.FindOrCreate(context.Background(), FindOrCreateInput{
		OrgID: testOrg, BookingID: "booking-1", ThreadID: "thread-1", StaffID: "staff-a",
		ScheduledStart: start, ScheduledEnd: start,
	})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestFindOrCreateUpdatesSingleWindowOnReassignment(t *testing.T) {
	manager, windows, audit := newTestManager(time.Now())
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	input := FindOrCreateInput{
		OrgID: testOrg, BookingID: "booking-1", ThreadID: "thread-1", StaffID: "staff-a",
		ServiceType: "Drop-ins", ScheduledStart: start, ScheduledEnd: start.Add(30 * time.Minute),
	}

	first, err := manager.FindOrCreate(context.Background(), input)
	require.NoError(t, err)
	assert.Len(t, windows.windows, 1)

	input.StaffID = "staff-b"
	second, err := manager.FindOrCreate(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "staff-b", second.StaffID)
	assert.Len(t, windows.windows, 1)
	assert.True(t, second.StartsAt.Equal(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)))
	assert.True(t, second.EndsAt.Equal(time.Date(2026, 3, 2, 11, 30, 0, 0, time.UTC)))
	assert.Equal(t, 2, audit.count(store.AuditWindowUpserted))
}

func TestFindOrCreateIsIdempotentAcrossManyCalls(t *testing.T) {
	manager, windows, _ := newTestManager(time.Now())
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := manager.FindOrCreate(context.Background(), FindOrCreateInput{
				OrgID: testOrg, BookingID: "booking-1", ThreadID: "thread-1",
				StaffID:        fmt.Sprintf("staff-%d", i),
				ScheduledStart: start.Add(time.Duration(i) * time.Minute),
				ScheduledEnd:   start.Add(time.Hour),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Len(t, windows.windows, 1)
}

func TestCloseAllMakesBookingWindowsInactive(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	manager, _, audit := newTestManager(start)

	window, err := manager.FindOrCreate(context.Background(), FindOrCreateInput{
		OrgID: testOrg, BookingID: "booking-1", ThreadID: "thread-1", StaffID: "staff-a",
		ScheduledStart: start, ScheduledEnd: start.Add(time.Hour),
	})
	require.NoError(t, err)
	require.True(t, window.ActiveAt(start))

	closed, err := manager.CloseAll(context.Background(), supervisor, testOrg, "booking-1")
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.False(t, closed[0].ActiveAt(start))
	assert.Equal(t, 1, audit.count(store.AuditWindowClosed))

	active, err := manager.List(context.Background(), store.WindowFilter{OrgID: testOrg, Status: store.WindowFilterActive})
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestListConflictsAndResolve(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	manager, _, audit := newTestManager(now)
	ctx := context.Background()

	a, err := manager.FindOrCreate(ctx, FindOrCreateInput{
		OrgID: testOrg, BookingID: "booking-1", ThreadID: "thread-1", StaffID: "staff-a",
		ScheduledStart: now, ScheduledEnd: now.Add(time.Hour),
	})
	require.NoError(t, err)
	b, err := manager.FindOrCreate(ctx, FindOrCreateInput{
		OrgID: testOrg, BookingID: "booking-2", ThreadID: "thread-1", StaffID: "staff-b",
		ScheduledStart: now.Add(30 * time.Minute), ScheduledEnd: now.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	_, err = manager.FindOrCreate(ctx, FindOrCreateInput{
		OrgID: testOrg, BookingID: "booking-3", ThreadID: "thread-2", StaffID: "staff-c",
		ScheduledStart: now, ScheduledEnd: now.Add(time.Hour),
	})
	require.NoError(t, err)

	conflicts, err := manager.ListConflicts(ctx, testOrg)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "thread-1", conflicts[0].ThreadID)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, []string{conflicts[0].WindowA.ID, conflicts[0].WindowB.ID})

	staff := models.Actor{OrgID: testOrg, Role: models.ActorStaff, StaffID: "staff-a"}
	_, err = manager.ResolveConflict(ctx, staff, a.ID, b.ID, KeepA)
	assert.ErrorIs(t, err, models.ErrForbidden)

	kept, err := manager.ResolveConflict(ctx, supervisor, a.ID, b.ID, KeepB)
	require.NoError(t, err)
	assert.Equal(t, b.ID, kept.ID)
	assert.Equal(t, 1, audit.count(store.AuditWindowConflictFixed))

	conflicts, err = manager.ListConflicts(ctx, testOrg)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	_, err = manager.ResolveConflict(ctx, supervisor, a.ID, b.ID, KeepB)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestFindConflictsIgnoresTouchingFreeWindows(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	windows := []store.AssignmentWindow{
		{ID: "w1", ThreadID: "t", StartsAt: base, EndsAt: base.Add(time.Hour), Status: models.WindowActive},
		{ID: "w2", ThreadID: "t", StartsAt: base.Add(time.Hour + time.Second), EndsAt: base.Add(2 * time.Hour), Status: models.WindowActive},
		{ID: "w3", ThreadID: "t", StartsAt: base, EndsAt: base.Add(2 * time.Hour), Status: models.WindowClosed},
	}
	assert.Empty(t, FindConflicts(windows))

	windows[1].StartsAt = base.Add(time.Hour)
	conflicts := FindConflicts(windows)
	require.Len(t, conflicts, 1)
	assert.True(t, conflicts[0].OverlapStart.Equal(base.Add(time.Hour)))
}
