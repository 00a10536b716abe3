package classify

import (
	"context"
	"errors"
	"testing"

	"github.com/samhotchkiss/threadmask/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStats struct {
	stats store.ClientBookingStats
	err   error
	calls int
}

func (f *fakeStats) ClientStats(context.Context, string, string) (store.ClientBookingStats, error) {
	f.calls++
	return f.stats, f.err
}

func TestFromStats(t *testing.T) {
	tests := []struct {
		name  string
		stats store.ClientBookingStats
		want  Result
	}{
		{"single booking", store.ClientBookingStats{ActiveBookings: 1}, Result{IsOneTime: true}},
		{"no bookings", store.ClientBookingStats{}, Result{IsOneTime: true}},
		{"two bookings", store.ClientBookingStats{ActiveBookings: 2}, Result{IsRecurring: true}},
		{"recurring flag", store.ClientBookingStats{ActiveBookings: 1, AnyRecurring: true}, Result{IsRecurring: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FromStats(tt.stats))
		})
	}
}

func TestStoreClassifierSkipsUnknownClient(t *testing.T) {
	stats := &fakeStats{}
	got, err := NewStoreClassifier(stats).Classify(context.Background(), "org-1", " ", "thread-1")
	require.NoError(t, err)
	assert.Equal(t, Result{}, got)
	assert.Zero(t, stats.calls)
}

func TestStoreClassifierWrapsErrors(t *testing.T) {
	boom := errors.New("boom")
	_, err := NewStoreClassifier(&fakeStats{err: boom}).Classify(context.Background(), "org-1", "client-1", "thread-1")
	assert.ErrorIs(t, err, boom)
}

func TestStatic(t *testing.T) {
	got, err := Static{IsRecurring: true}.Classify(context.Background(), "", "", "")
	require.NoError(t, err)
	assert.True(t, got.IsRecurring)
}
