// Package classify decides whether a client is a one-time or recurring customer.
package classify

import (
	"context"
	"fmt"
	"strings"

	"github.com/samhotchkiss/threadmask/internal/store"
)

// Result feeds number class selection.
type Result struct {
	IsOneTime   bool `json:"is_one_time"`
	IsRecurring bool `json:"is_recurring"`
}

// Classifier is the client classification collaborator.
type Classifier interface {
	Classify(ctx context.Context, orgID, clientID, threadID string) (Result, error)
}

// BookingStats is the booking snapshot query the default classifier needs.
type BookingStats interface {
	ClientStats(ctx context.Context, orgID, clientID string) (store.ClientBookingStats, error)
}

// FromStats applies the classification rule: two or more live bookings, or any
// recurring booking, makes a client recurring. A client with at most one
// non-recurring booking is one-time.
func FromStats(stats store.ClientBookingStats) Result {
	recurring := stats.AnyRecurring || stats.ActiveBookings >= 2
	return Result{
		IsRecurring: recurring,
		IsOneTime:   !recurring && stats.ActiveBookings <= 1,
	}
}

// StoreClassifier classifies clients from the bookings snapshot table.
type StoreClassifier struct {
	Bookings BookingStats
}

func NewStoreClassifier(bookings BookingStats) *StoreClassifier {
	return &StoreClassifier{Bookings: bookings}
}

func (c *StoreClassifier) Classify(ctx context.Context, orgID, clientID, _ string) (Result, error) {
	if c == nil || c.Bookings == nil {
		return Result{}, fmt.Errorf("client classifier is not configured")
	}
	// Unknown senders have no booking history yet; they stay on the front desk.
	if strings.TrimSpace(clientID) == "" {
		return Result{}, nil
	}
	stats, err := c.Bookings.ClientStats(ctx, orgID, clientID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to classify client: %w", err)
	}
	return FromStats(stats), nil
}

// Static always returns the same result. Useful for tests and single-tenant setups.
type Static Result

func (s Static) Classify(context.Context, string, string, string) (Result, error) {
	return Result(s), nil
}
