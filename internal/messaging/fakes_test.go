package messaging

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/samhotchkiss/threadmask/internal/assignment"
	"github.com/samhotchkiss/threadmask/internal/classify"
	"github.com/samhotchkiss/threadmask/internal/events"
	"github.com/samhotchkiss/threadmask/internal/logger"
	"github.com/samhotchkiss/threadmask/internal/metrics"
	"github.com/samhotchkiss/threadmask/internal/models"
	"github.com/samhotchkiss/threadmask/internal/numbers"
	"github.com/samhotchkiss/threadmask/internal/provider"
	"github.com/samhotchkiss/threadmask/internal/routing"
	"github.com/samhotchkiss/threadmask/internal/sendgate"
	"github.com/samhotchkiss/threadmask/internal/store"
)

const (
	testOrg        = "org-1"
	otherOrg       = "org-2"
	clientE164     = "+15557654321"
	frontDeskE164  = "+15550000001"
	staffNumE164   = "+15550000002"
	poolNumE164    = "+15550000010"
	testBookingURL = "https://book.example.com"
)

type memThreads struct {
	mu      sync.Mutex
	seq     int
	threads map[string]*store.Thread
	numbers *memNumbers
}

func (m *memThreads) copyOf(t *store.Thread) *store.Thread {
	copied := *t
	return &copied
}

func (m *memThreads) GetByID(_ context.Context, threadID string) (*store.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m.copyOf(t), nil
}

func (m *memThreads) FindForInbound(_ context.Context, numberID, e164 string) (*store.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.threads {
		if t.Kind == models.ThreadKindClient && t.MaskedNumberID != nil && *t.MaskedNumberID == numberID &&
			t.ClientE164 != nil && *t.ClientE164 == e164 {
			return m.copyOf(t), nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memThreads) FindByClientE164(_ context.Context, orgID, e164 string) (*store.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.threads {
		if t.OrgID == orgID && t.Kind == models.ThreadKindClient && t.ClientE164 != nil && *t.ClientE164 == e164 {
			return m.copyOf(t), nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memThreads) EnsureClientThread(_ context.Context, input store.EnsureClientThreadInput) (*store.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.threads {
		if t.OrgID == input.OrgID && t.Kind == models.ThreadKindClient && t.ClientID != nil && *t.ClientID == input.ClientID {
			e164 := input.ClientE164
			t.ClientE164 = &e164
			if input.BookingID != nil {
				booking := *input.BookingID
				t.BookingID = &booking
			}
			t.Status = models.ThreadOpen
			return m.copyOf(t), nil
		}
	}
	m.seq++
	clientID, e164 := input.ClientID, input.ClientE164
	t := &store.Thread{
		ID:         fmt.Sprintf("thread-%d", m.seq),
		OrgID:      input.OrgID,
		Kind:       models.ThreadKindClient,
		ClientID:   &clientID,
		ClientE164: &e164,
		Status:     models.ThreadOpen,
	}
	if input.BookingID != nil {
		booking := *input.BookingID
		t.BookingID = &booking
	}
	m.threads[t.ID] = t
	return m.copyOf(t), nil
}

func (m *memThreads) EnsureSupervisorInbox(_ context.Context, orgID string) (*store.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.threads {
		if t.OrgID == orgID && t.Kind == models.ThreadKindSupervisorInbox {
			return m.copyOf(t), nil
		}
	}
	m.seq++
	t := &store.Thread{ID: fmt.Sprintf("inbox-%d", m.seq), OrgID: orgID, Kind: models.ThreadKindSupervisorInbox, Status: models.ThreadOpen}
	m.threads[t.ID] = t
	return m.copyOf(t), nil
}

func (m *memThreads) BindNumber(_ context.Context, orgID, threadID, numberID string, class models.NumberClass) error {
	number, err := m.numbers.GetByID(context.Background(), numberID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok || t.OrgID != orgID {
		return store.ErrNotFound
	}
	id, e164 := number.ID, number.E164
	t.MaskedNumberID = &id
	t.BoundNumberE164 = &e164
	t.NumberClass = &class
	return nil
}

func (m *memThreads) SetAssignment(_ context.Context, orgID, threadID string, staffID, bookingID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok || t.OrgID != orgID {
		return store.ErrNotFound
	}
	t.AssignedStaffID = staffID
	if bookingID != nil {
		t.BookingID = bookingID
	}
	return nil
}

func (m *memThreads) SetClassification(_ context.Context, orgID, threadID string, oneTime, recurring bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok || t.OrgID != orgID {
		return store.ErrNotFound
	}
	t.IsOneTimeClient = oneTime
	t.IsRecurringClient = recurring
	return nil
}

func (m *memThreads) TouchLastMessage(_ context.Context, threadID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.threads[threadID]; ok {
		stamp := at
		t.LastMessageAt = &stamp
	}
	return nil
}

func (m *memThreads) ListByAssignedStaff(_ context.Context, orgID, staffID string) ([]store.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Thread{}
	for _, t := range m.threads {
		if t.OrgID == orgID && t.AssignedStaffID != nil && *t.AssignedStaffID == staffID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memMessages struct {
	mu       sync.Mutex
	seq      int
	now      func() time.Time
	events   []*store.MessageEvent
	attempts []*store.Attempt
}

func (m *memMessages) findEvent(id string) *store.MessageEvent {
	for _, e := range m.events {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (m *memMessages) attemptFor(eventID string) *store.Attempt {
	for _, a := range m.attempts {
		if a.MessageEventID == eventID {
			return a
		}
	}
	return nil
}

func (m *memMessages) Create(_ context.Context, input store.CreateMessageEventInput) (*store.MessageEvent, *store.Attempt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if input.ProviderMessageID != nil {
		for _, e := range m.events {
			if e.ProviderMessageID != nil && *e.ProviderMessageID == *input.ProviderMessageID {
				copied := *e
				return &copied, nil, false, nil
			}
		}
	}
	m.seq++
	event := &store.MessageEvent{
		ID:                fmt.Sprintf("event-%d", m.seq),
		OrgID:             input.OrgID,
		ThreadID:          input.ThreadID,
		Direction:         input.Direction,
		ActorRole:         input.ActorRole,
		ActorID:           input.ActorID,
		Body:              input.Body,
		RedactedBody:      input.RedactedBody,
		CounterpartyE164:  input.CounterpartyE164,
		FromNumberID:      input.FromNumberID,
		ProviderMessageID: input.ProviderMessageID,
		DeliveryStatus:    input.DeliveryStatus,
		RoutedTo:          input.RoutedTo,
		RoutedStaffID:     input.RoutedStaffID,
		Blocked:           input.Blocked,
		PolicyViolation:   input.PolicyViolation,
		CreatedAt:         m.now(),
		UpdatedAt:         m.now(),
	}
	m.events = append(m.events, event)

	var attempt *store.Attempt
	if input.Attempt != nil {
		status := models.AttemptOpen
		if input.Attempt.Action != models.ActionBlocked {
			status = models.AttemptResolved
		}
		attempt = &store.Attempt{
			ID:               fmt.Sprintf("attempt-%d", m.seq),
			OrgID:            input.OrgID,
			MessageEventID:   event.ID,
			ViolationTypes:   input.Attempt.ViolationTypes,
			RedactedMatches:  input.Attempt.RedactedMatches,
			Action:           input.Attempt.Action,
			Status:           status,
			ResolvedBy:       input.Attempt.ResolvedBy,
			ResolutionReason: input.Attempt.ResolutionReason,
			CreatedAt:        m.now(),
			ThreadID:         event.ThreadID,
			Direction:        event.Direction,
			ActorRole:        event.ActorRole,
			RedactedBody:     event.RedactedBody,
		}
		m.attempts = append(m.attempts, attempt)
		copiedAttempt := *attempt
		attempt = &copiedAttempt
	}
	copied := *event
	return &copied, attempt, true, nil
}

func (m *memMessages) GetByID(_ context.Context, eventID string) (*store.MessageEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.findEvent(eventID); e != nil {
		copied := *e
		return &copied, nil
	}
	return nil, store.ErrNotFound
}

func (m *memMessages) GetByProviderID(_ context.Context, providerMessageID string) (*store.MessageEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ProviderMessageID != nil && *e.ProviderMessageID == providerMessageID {
			copied := *e
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memMessages) ListForThread(_ context.Context, threadID string, _ int) ([]store.MessageEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.MessageEvent{}
	for _, e := range m.events {
		if e.ThreadID == threadID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *memMessages) ClaimRetryable(_ context.Context, now time.Time, lease time.Duration, maxAttempts, _ int) ([]store.MessageEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.MessageEvent{}
	for _, e := range m.events {
		if e.Direction == models.DirectionOutbound && e.DeliveryStatus == models.DeliveryFailed && !e.Blocked &&
			e.NextRetryAt != nil && !e.NextRetryAt.After(now) && e.SendAttempts < maxAttempts {
			leased := now.Add(lease)
			e.NextRetryAt = &leased
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *memMessages) MarkSent(_ context.Context, eventID, providerMessageID string) (*store.MessageEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.findEvent(eventID)
	if e == nil {
		return nil, store.ErrNotFound
	}
	id := providerMessageID
	e.ProviderMessageID = &id
	e.DeliveryStatus = models.DeliverySent
	e.SendAttempts++
	e.NextRetryAt = nil
	copied := *e
	return &copied, nil
}

func (m *memMessages) MarkSendFailed(_ context.Context, eventID, reason string, nextRetryAt *time.Time) (*store.MessageEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.findEvent(eventID)
	if e == nil {
		return nil, store.ErrNotFound
	}
	e.DeliveryStatus = models.DeliveryFailed
	e.SendAttempts++
	e.NextRetryAt = nextRetryAt
	e.LastError = &reason
	copied := *e
	return &copied, nil
}

func (m *memMessages) ApplyStatusCallback(_ context.Context, providerMessageID string, status models.DeliveryStatus, errorCode string) (*store.MessageEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ProviderMessageID == nil || *e.ProviderMessageID != providerMessageID {
			continue
		}
		if e.DeliveryStatus == models.DeliveryDelivered || e.DeliveryStatus == status {
			copied := *e
			return &copied, false, nil
		}
		e.DeliveryStatus = status
		if errorCode != "" {
			code := errorCode
			e.LastError = &code
		}
		copied := *e
		return &copied, true, nil
	}
	return nil, false, store.ErrNotFound
}

func (m *memMessages) GetAttempt(_ context.Context, attemptID string) (*store.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attempts {
		if a.ID == attemptID {
			copied := *a
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memMessages) ListAttempts(_ context.Context, filter store.AttemptFilter) ([]store.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Attempt{}
	for _, a := range m.attempts {
		if a.OrgID != filter.OrgID || (filter.Status != "" && a.Status != filter.Status) {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

func (m *memMessages) MarkSupervisorNotified(_ context.Context, attemptID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attempts {
		if a.ID == attemptID {
			stamp := at
			a.SupervisorNotifiedAt = &stamp
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memMessages) SetAttemptStatus(_ context.Context, attemptID string, status models.AttemptStatus, resolvedBy, reason string) (*store.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attempts {
		if a.ID != attemptID {
			continue
		}
		if a.Status != models.AttemptOpen {
			return nil, store.ErrConflict
		}
		a.Status = status
		a.ResolvedBy = &resolvedBy
		a.ResolutionReason = &reason
		copied := *a
		return &copied, nil
	}
	return nil, store.ErrNotFound
}

func (m *memMessages) Override(_ context.Context, input store.OverrideInput) (*store.MessageEvent, *store.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.findEvent(input.EventID)
	if e == nil {
		return nil, nil, store.ErrNotFound
	}
	if !e.Blocked {
		return nil, nil, store.ErrConflict
	}
	e.Blocked = false
	e.DeliveryStatus = input.DeliveryStatus
	if input.ProviderMessageID != nil {
		e.ProviderMessageID = input.ProviderMessageID
	}
	a := m.attemptFor(e.ID)
	if a == nil {
		return nil, nil, store.ErrNotFound
	}
	a.Action = models.ActionOverridden
	a.Status = models.AttemptResolved
	by, reason := input.ResolvedBy, input.Reason
	a.ResolvedBy = &by
	a.ResolutionReason = &reason
	copiedEvent, copiedAttempt := *e, *a
	return &copiedEvent, &copiedAttempt, nil
}

type memNumbers struct {
	mu      sync.Mutex
	numbers []*store.MaskedNumber
}

func (m *memNumbers) add(orgID string, class models.NumberClass, e164 string, staffID *string) *store.MaskedNumber {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := &store.MaskedNumber{
		ID:              fmt.Sprintf("number-%d", len(m.numbers)+1),
		OrgID:           orgID,
		Class:           class,
		E164:            e164,
		AssignedStaffID: staffID,
		Status:          "active",
		CreatedAt:       time.Unix(int64(len(m.numbers)), 0),
	}
	m.numbers = append(m.numbers, n)
	return n
}

func (m *memNumbers) find(match func(*store.MaskedNumber) bool) (*store.MaskedNumber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.numbers {
		if match(n) {
			copied := *n
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memNumbers) GetByID(_ context.Context, id string) (*store.MaskedNumber, error) {
	return m.find(func(n *store.MaskedNumber) bool { return n.ID == id })
}

func (m *memNumbers) GetByE164(_ context.Context, e164 string) (*store.MaskedNumber, error) {
	return m.find(func(n *store.MaskedNumber) bool { return n.E164 == e164 })
}

func (m *memNumbers) GetFrontDesk(_ context.Context, orgID string) (*store.MaskedNumber, error) {
	return m.find(func(n *store.MaskedNumber) bool {
		return n.OrgID == orgID && n.Class == models.NumberClassFrontDesk && n.Status == "active"
	})
}

func (m *memNumbers) GetStaffNumber(_ context.Context, orgID, staffID string) (*store.MaskedNumber, error) {
	return m.find(func(n *store.MaskedNumber) bool {
		return n.OrgID == orgID && n.Class == models.NumberClassStaff && n.AssignedStaffID != nil && *n.AssignedStaffID == staffID
	})
}

func (m *memNumbers) ClaimStaffNumber(_ context.Context, _, _ string) (*store.MaskedNumber, error) {
	return nil, store.ErrNotFound
}

func (m *memNumbers) ReleaseStaffNumber(_ context.Context, orgID, staffID string) (*store.MaskedNumber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.numbers {
		if n.OrgID == orgID && n.AssignedStaffID != nil && *n.AssignedStaffID == staffID {
			n.AssignedStaffID = nil
			copied := *n
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memNumbers) RotatePool(_ context.Context, orgID string, now time.Time) (*store.MaskedNumber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.numbers {
		if n.OrgID == orgID && n.Class == models.NumberClassPool && n.Status == "active" {
			stamp := now
			n.LastAssignedAt = &stamp
			copied := *n
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

type memBookings struct {
	mu       sync.Mutex
	bookings map[string]*store.Booking
}

func (m *memBookings) get(orgID, id string) (*store.Booking, error) {
	b, ok := m.bookings[id]
	if !ok || b.OrgID != orgID {
		return nil, store.ErrNotFound
	}
	return b, nil
}

func (m *memBookings) GetByID(_ context.Context, orgID, bookingID string) (*store.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.get(orgID, bookingID)
	if err != nil {
		return nil, err
	}
	copied := *b
	return &copied, nil
}

func (m *memBookings) Upsert(_ context.Context, input store.UpsertBookingInput) (*store.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := &store.Booking{
		ID:             input.ID,
		OrgID:          input.OrgID,
		ClientID:       input.ClientID,
		ClientE164:     input.ClientE164,
		StaffID:        input.StaffID,
		ServiceType:    input.ServiceType,
		ScheduledStart: input.ScheduledStart,
		ScheduledEnd:   input.ScheduledEnd,
		IsRecurring:    input.IsRecurring,
		Status:         store.BookingScheduled,
	}
	m.bookings[b.ID] = b
	copied := *b
	return &copied, nil
}

func (m *memBookings) SetStaff(_ context.Context, orgID, bookingID string, staffID *string) (*store.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.get(orgID, bookingID)
	if err != nil {
		return nil, err
	}
	b.StaffID = staffID
	copied := *b
	return &copied, nil
}

func (m *memBookings) UpdateTimes(_ context.Context, orgID, bookingID string, start, end time.Time) (*store.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.get(orgID, bookingID)
	if err != nil {
		return nil, err
	}
	b.ScheduledStart, b.ScheduledEnd = start, end
	copied := *b
	return &copied, nil
}

func (m *memBookings) SetStatus(_ context.Context, orgID, bookingID, status string) (*store.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.get(orgID, bookingID)
	if err != nil {
		return nil, err
	}
	b.Status = status
	copied := *b
	return &copied, nil
}

type memWindows struct {
	mu      sync.Mutex
	seq     int
	windows []*store.AssignmentWindow
}

func (m *memWindows) Upsert(_ context.Context, input store.UpsertWindowInput) (*store.AssignmentWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.windows {
		if w.BookingID == input.BookingID && w.ThreadID == input.ThreadID {
			w.StaffID, w.StartsAt, w.EndsAt, w.Status = input.StaffID, input.StartsAt, input.EndsAt, models.WindowActive
			copied := *w
			return &copied, nil
		}
	}
	m.seq++
	w := &store.AssignmentWindow{
		ID:        fmt.Sprintf("window-%d", m.seq),
		OrgID:     input.OrgID,
		ThreadID:  input.ThreadID,
		BookingID: input.BookingID,
		StaffID:   input.StaffID,
		StartsAt:  input.StartsAt,
		EndsAt:    input.EndsAt,
		Status:    models.WindowActive,
	}
	m.windows = append(m.windows, w)
	copied := *w
	return &copied, nil
}

func (m *memWindows) GetByID(_ context.Context, orgID, windowID string) (*store.AssignmentWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.windows {
		if w.ID == windowID && w.OrgID == orgID {
			copied := *w
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memWindows) filter(match func(*store.AssignmentWindow) bool) []store.AssignmentWindow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.AssignmentWindow{}
	for _, w := range m.windows {
		if match(w) {
			out = append(out, *w)
		}
	}
	return out
}

func (m *memWindows) ListForThread(_ context.Context, threadID string) ([]store.AssignmentWindow, error) {
	return m.filter(func(w *store.AssignmentWindow) bool { return w.ThreadID == threadID }), nil
}

func (m *memWindows) ListOpen(_ context.Context, orgID string, now time.Time) ([]store.AssignmentWindow, error) {
	return m.filter(func(w *store.AssignmentWindow) bool {
		return w.OrgID == orgID && w.Status == models.WindowActive && !now.After(w.EndsAt)
	}), nil
}

func (m *memWindows) List(_ context.Context, filter store.WindowFilter) ([]store.AssignmentWindow, error) {
	return m.filter(func(w *store.AssignmentWindow) bool {
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

func (m *memWindows) closeWhere(match func(*store.AssignmentWindow) bool) []store.AssignmentWindow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.AssignmentWindow{}
	for _, w := range m.windows {
		if w.Status == models.WindowActive && match(w) {
			w.Status = models.WindowClosed
			out = append(out, *w)
		}
	}
	return out
}

func (m *memWindows) CloseAllForBooking(_ context.Context, orgID, bookingID string) ([]store.AssignmentWindow, error) {
	return m.closeWhere(func(w *store.AssignmentWindow) bool { return w.OrgID == orgID && w.BookingID == bookingID }), nil
}

func (m *memWindows) CloseActiveForStaff(_ context.Context, orgID, staffID string) ([]store.AssignmentWindow, error) {
	return m.closeWhere(func(w *store.AssignmentWindow) bool { return w.OrgID == orgID && w.StaffID == staffID }), nil
}

func (m *memWindows) Close(_ context.Context, orgID, windowID string) (*store.AssignmentWindow, error) {
	closed := m.closeWhere(func(w *store.AssignmentWindow) bool { return w.OrgID == orgID && w.ID == windowID })
	if len(closed) == 0 {
		return nil, store.ErrNotFound
	}
	return &closed[0], nil
}

type memAudit struct {
	mu     sync.Mutex
	events []store.RecordAuditInput
}

func (m *memAudit) Record(_ context.Context, input store.RecordAuditInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, input)
	return nil
}

func (m *memAudit) count(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

type memPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (m *memPublisher) Publish(_ context.Context, event events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memPublisher) Close() error { return nil }

func (m *memPublisher) ofType(eventType string) []events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []events.Event{}
	for _, e := range m.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	svc       *Service
	clock     *time.Time
	threads   *memThreads
	messages  *memMessages
	numbers   *memNumbers
	bookings  *memBookings
	windows   *memWindows
	audit     *memAudit
	published *memPublisher
	provider  *provider.Mock
	log       *logger.Logger

	frontDesk *store.MaskedNumber
	staffNum  *store.MaskedNumber
	pool      *store.MaskedNumber
}

var (
	supervisor = models.Actor{OrgID: testOrg, Role: models.ActorSupervisor, ActorID: "sup-1"}
	operator   = models.Actor{OrgID: testOrg, Role: models.ActorSystem, ActorID: "booking-sync"}
	staffA     = models.Actor{OrgID: testOrg, Role: models.ActorStaff, ActorID: "user-a", StaffID: "staff-a"}
	staffB     = models.Actor{OrgID: testOrg, Role: models.ActorStaff, ActorID: "user-b", StaffID: "staff-b"}
)

func newHarness(t *testing.T) *harness {
	t.Helper()
	metrics.ResetForTests()

	clock := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	h := &harness{clock: &clock}
	now := func() time.Time { return *h.clock }

	h.numbers = &memNumbers{}
	h.threads = &memThreads{threads: map[string]*store.Thread{}, numbers: h.numbers}
	h.messages = &memMessages{now: now}
	h.bookings = &memBookings{bookings: map[string]*store.Booking{}}
	h.windows = &memWindows{}
	h.audit = &memAudit{}
	h.published = &memPublisher{}
	h.provider = provider.NewMock("")
	h.log = logger.Nop()

	staffID := "staff-a"
	h.frontDesk = h.numbers.add(testOrg, models.NumberClassFrontDesk, frontDeskE164, nil)
	h.staffNum = h.numbers.add(testOrg, models.NumberClassStaff, staffNumE164, &staffID)
	h.pool = h.numbers.add(testOrg, models.NumberClassPool, poolNumE164, nil)

	manager := assignment.NewManager(h.windows, h.audit, h.log)
	manager.Now = now
	router := routing.NewResolver(h.windows)
	router.Now = now
	assigner := numbers.NewAssigner(h.numbers, h.threads, h.audit, h.log)
	assigner.Now = now

	cfg := DefaultConfig()
	cfg.BookingLink = testBookingURL
	h.svc = NewService(Deps{
		Threads:    h.threads,
		Messages:   h.messages,
		Numbers:    h.numbers,
		Bookings:   h.bookings,
		Windows:    manager,
		Router:     router,
		Gate:       sendgate.New(h.windows),
		Assigner:   assigner,
		Classifier: classify.Static{},
		Provider:   h.provider,
		Audit:      h.audit,
		Events:     h.published,
		Log:        h.log,
	}, cfg)
	h.svc.Now = now
	return h
}

func (h *harness) advance(d time.Duration) {
	*h.clock = h.clock.Add(d)
}

// assignedThread books a visit around the current time for staff-a and returns
// the client thread.
func (h *harness) assignedThread(t *testing.T) *store.Thread {
	t.Helper()
	ctx := context.Background()
	_, err := h.svc.SyncBooking(ctx, operator, store.UpsertBookingInput{
		ID:             "booking-1",
		ClientID:       "client-1",
		ClientE164:     clientE164,
		ServiceType:    "dog walking",
		ScheduledStart: h.clock.Add(-30 * time.Minute),
		ScheduledEnd:   h.clock.Add(30 * time.Minute),
	})
	if err != nil {
		t.Fatalf("sync booking: %v", err)
	}
	result, err := h.svc.OnStaffAssigned(ctx, operator, "booking-1", "staff-a")
	if err != nil {
		t.Fatalf("assign staff: %v", err)
	}
	thread, err := h.threads.GetByID(ctx, result.ThreadID)
	if err != nil {
		t.Fatalf("load thread: %v", err)
	}
	return thread
}

func (h *harness) inbound(t *testing.T, sid, to, body string) *InboundResult {
	t.Helper()
	result, err := h.svc.IngestInboundWebhook(context.Background(), provider.InboundMessage{
		ProviderMessageID: sid,
		From:              clientE164,
		To:                to,
		Body:              body,
	})
	if err != nil {
		t.Fatalf("ingest %s: %v", sid, err)
	}
	return result
}
