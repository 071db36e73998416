// Package ledgertest holds the behavior every Ledger implementation must
// show. Each implementation's tests call Run with a factory.
package ledgertest

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	qf "github.com/ineyio/questforge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Store is a ledger with its admin operations.
type Store interface {
	qf.Ledger
	qf.LedgerAdmin
}

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) Store

var (
	period1 = time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC)
	period2 = time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC)
)

// Run executes the contract suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"ReserveWithinAllotment", testReserveWithinAllotment},
		{"ReserveExactFit", testReserveExactFit},
		{"InsufficientCreditLeavesBalance", testInsufficientCredit},
		{"UnknownAccount", testUnknownAccount},
		{"InvalidAmount", testInvalidAmount},
		{"HugeAmountRejected", testHugeAmount},
		{"ConcurrentReserveSingleWinner", testConcurrentSingleWinner},
		{"ConcurrentReserveNeverOvercommits", testConcurrentNeverOvercommits},
		{"CommitIsIdempotent", testCommitIdempotent},
		{"ReleaseRestoresOnce", testReleaseRestoresOnce},
		{"UnknownReservation", testUnknownReservation},
		{"ReleaseAfterRollover", testReleaseAfterRollover},
		{"ResetPeriod", testResetPeriod},
		{"SetAllotmentUpdates", testSetAllotmentUpdates},
		{"SweepReleasesPending", testSweep},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func setAllotment(t *testing.T, s Store, user string, allotment int64, period time.Time) {
	t.Helper()
	require.NoError(t, s.SetAllotment(context.Background(), user, allotment, period))
}

func consumed(t *testing.T, s Store, user string) int64 {
	t.Helper()
	a, err := s.Account(context.Background(), user)
	require.NoError(t, err)
	return a.Consumed
}

func testReserveWithinAllotment(t *testing.T, s Store) {
	ctx := context.Background()
	setAllotment(t, s, "u1", 10, period1)

	r, err := s.Reserve(ctx, "u1", 3)
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "u1", r.UserID)
	assert.Equal(t, int64(3), r.Amount)
	assert.True(t, r.PeriodStart.Equal(period1))

	a, err := s.Account(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), a.Allotment)
	assert.Equal(t, int64(3), a.Consumed)
	assert.Equal(t, int64(7), a.Available())
}

func testReserveExactFit(t *testing.T, s Store) {
	ctx := context.Background()
	setAllotment(t, s, "u1", 10, period1)

	_, err := s.Reserve(ctx, "u1", 10)
	require.NoError(t, err)

	_, err = s.Reserve(ctx, "u1", 1)
	assert.ErrorIs(t, err, qf.ErrInsufficientCredit)
}

func testInsufficientCredit(t *testing.T, s Store) {
	ctx := context.Background()
	setAllotment(t, s, "u1", 10, period1)
	_, err := s.Reserve(ctx, "u1", 10)
	require.NoError(t, err)

	_, err = s.Reserve(ctx, "u1", 3)
	assert.ErrorIs(t, err, qf.ErrInsufficientCredit)
	assert.Equal(t, int64(10), consumed(t, s, "u1"))
}

func testUnknownAccount(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Reserve(ctx, "ghost", 1)
	assert.ErrorIs(t, err, qf.ErrInsufficientCredit)

	a, err := s.Account(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.Allotment)
	assert.Equal(t, int64(0), a.Consumed)
}

func testInvalidAmount(t *testing.T, s Store) {
	ctx := context.Background()
	setAllotment(t, s, "u1", 10, period1)

	_, err := s.Reserve(ctx, "u1", 0)
	assert.ErrorIs(t, err, qf.ErrInvalidAmount)
	_, err = s.Reserve(ctx, "u1", -5)
	assert.ErrorIs(t, err, qf.ErrInvalidAmount)
	assert.Equal(t, int64(0), consumed(t, s, "u1"))
}

func testHugeAmount(t *testing.T, s Store) {
	ctx := context.Background()
	setAllotment(t, s, "u1", 10, period1)
	_, err := s.Reserve(ctx, "u1", 1)
	require.NoError(t, err)

	_, err = s.Reserve(ctx, "u1", math.MaxInt64)
	assert.ErrorIs(t, err, qf.ErrInsufficientCredit)

	a, err := s.Account(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Consumed)
	assert.Equal(t, int64(9), a.Available())
}

func testConcurrentSingleWinner(t *testing.T, s Store) {
	ctx := context.Background()
	setAllotment(t, s, "u1", 10, period1)

	var (
		wg           sync.WaitGroup
		ok, rejected atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.Reserve(ctx, "u1", 6)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, qf.ErrInsufficientCredit):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(1), rejected.Load())
	assert.Equal(t, int64(6), consumed(t, s, "u1"))
}

func testConcurrentNeverOvercommits(t *testing.T, s Store) {
	ctx := context.Background()
	setAllotment(t, s, "u1", 10, period1)

	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Reserve(ctx, "u1", 1); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok.Load())
	assert.Equal(t, int64(10), consumed(t, s, "u1"))
}

func testCommitIdempotent(t *testing.T, s Store) {
	ctx := context.Background()
	setAllotment(t, s, "u1", 10, period1)
	r, err := s.Reserve(ctx, "u1", 4)
	require.NoError(t, err)

	st, err := s.Commit(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, qf.Settlement{State: qf.ReservationCommitted}, st)

	st, err = s.Commit(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, qf.Settlement{State: qf.ReservationCommitted, AlreadyResolved: true}, st)

	st, err = s.Release(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, qf.Settlement{State: qf.ReservationCommitted, AlreadyResolved: true}, st)

	assert.Equal(t, int64(4), consumed(t, s, "u1"))
}

func testReleaseRestoresOnce(t *testing.T, s Store) {
	ctx := context.Background()
	setAllotment(t, s, "u1", 10, period1)
	keep, err := s.Reserve(ctx, "u1", 2)
	require.NoError(t, err)
	r, err := s.Reserve(ctx, "u1", 4)
	require.NoError(t, err)
	require.Equal(t, int64(6), consumed(t, s, "u1"))

	st, err := s.Release(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, qf.Settlement{State: qf.ReservationReleased}, st)
	assert.Equal(t, int64(2), consumed(t, s, "u1"))

	st, err = s.Release(ctx, r)
	require.NoError(t, err)
	assert.True(t, st.AlreadyResolved)
	assert.Equal(t, int64(2), consumed(t, s, "u1"))

	st, err = s.Commit(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, qf.Settlement{State: qf.ReservationReleased, AlreadyResolved: true}, st)

	_, err = s.Commit(ctx, keep)
	require.NoError(t, err)
	assert.Equal(t, int64(2), consumed(t, s, "u1"))
}

func testUnknownReservation(t *testing.T, s Store) {
	ctx := context.Background()
	bogus := qf.Reservation{ID: "00000000-0000-0000-0000-000000000000", UserID: "u1", Amount: 1, PeriodStart: period1}

	_, err := s.Commit(ctx, bogus)
	assert.ErrorIs(t, err, qf.ErrUnknownReservation)
	_, err = s.Release(ctx, bogus)
	assert.ErrorIs(t, err, qf.ErrUnknownReservation)
}

func testReleaseAfterRollover(t *testing.T, s Store) {
	ctx := context.Background()
	setAllotment(t, s, "u1", 10, period1)
	old, err := s.Reserve(ctx, "u1", 4)
	require.NoError(t, err)

	n, err := s.ResetPeriod(ctx, period2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(0), consumed(t, s, "u1"))

	fresh, err := s.Reserve(ctx, "u1", 3)
	require.NoError(t, err)
	assert.True(t, fresh.PeriodStart.Equal(period2))

	_, err = s.Release(ctx, old)
	require.NoError(t, err)
	assert.Equal(t, int64(3), consumed(t, s, "u1"))
}

func testResetPeriod(t *testing.T, s Store) {
	ctx := context.Background()
	setAllotment(t, s, "a", 10, period1)
	setAllotment(t, s, "b", 10, period1)
	setAllotment(t, s, "c", 10, period2)
	for _, u := range []string{"a", "b", "c"} {
		_, err := s.Reserve(ctx, u, 5)
		require.NoError(t, err)
	}

	n, err := s.ResetPeriod(ctx, period2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, u := range []string{"a", "b"} {
		a, err := s.Account(ctx, u)
		require.NoError(t, err)
		assert.Equal(t, int64(0), a.Consumed, u)
		assert.True(t, a.PeriodStart.Equal(period2), u)
	}
	assert.Equal(t, int64(5), consumed(t, s, "c"))

	n, err = s.ResetPeriod(ctx, period2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func testSetAllotmentUpdates(t *testing.T, s Store) {
	ctx := context.Background()
	setAllotment(t, s, "u1", 10, period1)
	_, err := s.Reserve(ctx, "u1", 4)
	require.NoError(t, err)

	setAllotment(t, s, "u1", 20, period1)
	a, err := s.Account(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), a.Allotment)
	assert.Equal(t, int64(4), a.Consumed)

	setAllotment(t, s, "u1", 20, period2)
	assert.Equal(t, int64(0), consumed(t, s, "u1"))
}

func testSweep(t *testing.T, s Store) {
	ctx := context.Background()
	setAllotment(t, s, "u1", 10, period1)

	committed, err := s.Reserve(ctx, "u1", 1)
	require.NoError(t, err)
	_, err = s.Commit(ctx, committed)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := s.Reserve(ctx, "u1", 2)
		require.NoError(t, err)
	}

	pending, err := s.PendingReservations(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, pending)

	pending, err = s.PendingReservations(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	n, err := qf.SweepReservations(ctx, s, s, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(1), consumed(t, s, "u1"))

	pending, err = s.PendingReservations(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, pending)
}
