// Package routing decides who receives an inbound message on a thread.
//
// Decisions are recomputed per message from the thread's current windows and are
// never cached. Rules are evaluated in a fixed order and every evaluation
// produces a trace an operator can read back.
package routing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samhotchkiss/threadmask/internal/models"
	"github.com/samhotchkiss/threadmask/internal/store"
)

const RulesetVersion = "1.0.0"

const (
	ReasonNoBooking       = "thread has no linked booking"
	ReasonNoActiveWindow  = "no active assignment window"
	ReasonSingleWindow    = "single active window"
	ReasonOverlapConflict = "multiple overlapping windows require human resolution"
)

// Step is one evaluated rule.
type Step struct {
	Step        int    `json:"step"`
	Rule        string `json:"rule"`
	Condition   string `json:"condition"`
	Result      bool   `json:"result"`
	Explanation string `json:"explanation"`
}

// Trace records the inputs and rule outcomes behind a decision.
type Trace struct {
	RulesetVersion  string    `json:"ruleset_version"`
	ThreadID        string    `json:"thread_id"`
	BookingID       *string   `json:"booking_id,omitempty"`
	EvaluatedAt     time.Time `json:"evaluated_at"`
	ActiveWindowIDs []string  `json:"active_window_ids"`
	Steps           []Step    `json:"steps"`
}

// Decision is the routing outcome for one message.
type Decision struct {
	Target               models.RouteTarget `json:"target"`
	StaffID              *string            `json:"staff_id,omitempty"`
	WindowID             *string            `json:"window_id,omitempty"`
	Reason               string             `json:"reason"`
	ConflictingWindowIDs []string           `json:"conflicting_window_ids,omitempty"`
	Trace                Trace              `json:"trace"`
}

// Resolve is the pure routing function over a snapshot of the thread's windows.
func Resolve(threadID string, bookingID *string, windows []store.AssignmentWindow, now time.Time) Decision {
	trace := Trace{
		RulesetVersion:  RulesetVersion,
		ThreadID:        threadID,
		BookingID:       bookingID,
		EvaluatedAt:     now,
		ActiveWindowIDs: []string{},
		Steps:           make([]Step, 0, 3),
	}

	hasBooking := bookingID != nil && strings.TrimSpace(*bookingID) != ""
	trace.Steps = append(trace.Steps, Step{
		Step:        1,
		Rule:        "Booking Link",
		Condition:   "Thread is linked to a booking",
		Result:      hasBooking,
		Explanation: bookingExplanation(hasBooking),
	})
	if !hasBooking {
		return Decision{Target: models.RouteSupervisor, Reason: ReasonNoBooking, Trace: trace}
	}

	active := make([]store.AssignmentWindow, 0, len(windows))
	for _, window := range windows {
		if window.ThreadID == threadID && window.ActiveAt(now) {
			active = append(active, window)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].StartsAt.Equal(active[j].StartsAt) {
			return active[i].ID < active[j].ID
		}
		return active[i].StartsAt.Before(active[j].StartsAt)
	})
	for _, window := range active {
		trace.ActiveWindowIDs = append(trace.ActiveWindowIDs, window.ID)
	}

	switch n := len(active); {
	case n == 0:
		trace.Steps = append(trace.Steps, Step{
			Step:        2,
			Rule:        "Assignment Window Routing",
			Condition:   "Exactly one active assignment window",
			Result:      false,
			Explanation: "No assignment window contains the evaluation time",
		})
		trace.Steps = append(trace.Steps, fallbackStep())
		return Decision{Target: models.RouteSupervisor, Reason: ReasonNoActiveWindow, Trace: trace}

	case n == 1:
		window := active[0]
		trace.Steps = append(trace.Steps, Step{
			Step:      2,
			Rule:      "Assignment Window Routing",
			Condition: "Exactly one active assignment window",
			Result:    true,
			Explanation: fmt.Sprintf("Window active: %s to %s, staff: %s",
				window.StartsAt.UTC().Format(time.RFC3339), window.EndsAt.UTC().Format(time.RFC3339), window.StaffID),
		})
		staffID := window.StaffID
		windowID := window.ID
		return Decision{
			Target:   models.RouteStaff,
			StaffID:  &staffID,
			WindowID: &windowID,
			Reason:   ReasonSingleWindow,
			Trace:    trace,
		}

	default:
		trace.Steps = append(trace.Steps, Step{
			Step:        2,
			Rule:        "Assignment Window Routing",
			Condition:   "Exactly one active assignment window",
			Result:      false,
			Explanation: fmt.Sprintf("%d overlapping windows detected, requires supervisor intervention", n),
		})
		trace.Steps = append(trace.Steps, fallbackStep())
		conflicting := append([]string(nil), trace.ActiveWindowIDs...)
		return Decision{
			Target:               models.RouteSupervisor,
			Reason:               ReasonOverlapConflict,
			ConflictingWindowIDs: conflicting,
			Trace:                trace,
		}
	}
}

func bookingExplanation(hasBooking bool) string {
	if hasBooking {
		return "Thread is linked to a booking"
	}
	return "Thread has no linked booking, routing to supervisor"
}

func fallbackStep() Step {
	return Step{
		Step:        3,
		Rule:        "Default Fallback",
		Condition:   "No staff route applies",
		Result:      true,
		Explanation: "Routing to supervisor inbox",
	}
}

// WindowLister loads a thread's windows.
type WindowLister interface {
	ListForThread(ctx context.Context, threadID string) ([]store.AssignmentWindow, error)
}

// Resolver loads the current window snapshot and resolves against it.
type Resolver struct {
	Windows WindowLister
	Now     func() time.Time
}

func NewResolver(windows WindowLister) *Resolver {
	return &Resolver{
		Windows: windows,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// ResolveInbound routes a message arriving on the thread at now.
func (r *Resolver) ResolveInbound(ctx context.Context, thread *store.Thread, now time.Time) (Decision, error) {
	if r == nil || r.Windows == nil {
		return Decision{}, fmt.Errorf("routing resolver is not configured")
	}
	if thread == nil {
		return Decision{}, fmt.Errorf("thread is required")
	}
	if thread.Kind == models.ThreadKindSupervisorInbox {
		return Resolve(thread.ID, nil, nil, now), nil
	}
	windows, err := r.Windows.ListForThread(ctx, thread.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load assignment windows: %w", err)
	}
	return Resolve(thread.ID, thread.BookingID, windows, now), nil
}

// Explain resolves at the resolver's current time for diagnostics.
func (r *Resolver) Explain(ctx context.Context, thread *store.Thread) (Decision, error) {
	now := time.Now().UTC()
	if r != nil && r.Now != nil {
		now = r.Now().UTC()
	}
	return r.ResolveInbound(ctx, thread, now)
}
