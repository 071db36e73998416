package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qf "github.com/ineyio/questforge"
	"github.com/ineyio/questforge/ledger/ledgertest"
	"github.com/ineyio/questforge/ledger/sqlite"
)

func openLedger(t *testing.T) *sqlite.Ledger {
	t.Helper()
	l, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedgerContract(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledgertest.Store {
		return openLedger(t)
	})
}

func TestReopenKeepsBalances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	l, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, l.SetAllotment(ctx, "u1", 10, qf.PeriodStart(time.Now())))
	r, err := l.Reserve(ctx, "u1", 4)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = sqlite.Open(ctx, path)
	require.NoError(t, err)
	defer l.Close()

	a, err := l.Account(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), a.Consumed)

	st, err := l.Release(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, qf.ReservationReleased, st.State)
}

func TestCleanupResolved(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)
	require.NoError(t, l.SetAllotment(ctx, "u1", 10, qf.PeriodStart(time.Now())))

	done, err := l.Reserve(ctx, "u1", 1)
	require.NoError(t, err)
	_, err = l.Commit(ctx, done)
	require.NoError(t, err)
	_, err = l.Reserve(ctx, "u1", 1)
	require.NoError(t, err)

	n, err := l.CleanupResolved(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = l.Commit(ctx, done)
	assert.ErrorIs(t, err, qf.ErrUnknownReservation)

	pending, err := l.PendingReservations(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
