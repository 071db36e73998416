// Package ledger provides an in-memory credit ledger. Durable ledgers live in
// the postgres, redis and sqlite subpackages.
package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	qf "github.com/ineyio/questforge"
)

// MemoryLedger is an in-memory Ledger. Every operation is one critical
// section under a single mutex.
type MemoryLedger struct {
	mu           sync.Mutex
	accounts     map[string]*account
	reservations map[string]*reservation
	now          func() time.Time
}

type account struct {
	allotment   int64
	consumed    int64
	periodStart time.Time
}

type reservation struct {
	qf.Reservation
	state qf.ReservationState
}

var (
	_ qf.Ledger      = (*MemoryLedger)(nil)
	_ qf.LedgerAdmin = (*MemoryLedger)(nil)
)

// Option configures a MemoryLedger.
type Option func(*MemoryLedger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *MemoryLedger) { l.now = now }
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger(opts ...Option) *MemoryLedger {
	l := &MemoryLedger{
		accounts:     make(map[string]*account),
		reservations: make(map[string]*reservation),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetAllotment creates or updates an account. Moving it to a different period
// resets consumed credits.
func (l *MemoryLedger) SetAllotment(_ context.Context, userID string, allotment int64, periodStart time.Time) error {
	if err := qf.ValidateReserve(userID, 1); err != nil {
		return err
	}
	if allotment < 0 {
		return qf.ErrInvalidAmount
	}
	periodStart = periodStart.UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.accounts[userID]
	if !ok {
		l.accounts[userID] = &account{allotment: allotment, periodStart: periodStart}
		return nil
	}
	a.allotment = allotment
	if !a.periodStart.Equal(periodStart) {
		a.consumed = 0
		a.periodStart = periodStart
	}
	return nil
}

// Reserve takes a hold of amount credits.
func (l *MemoryLedger) Reserve(_ context.Context, userID string, amount int64) (qf.Reservation, error) {
	if err := qf.ValidateReserve(userID, amount); err != nil {
		return qf.Reservation{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.accounts[userID]
	if !ok || amount > a.allotment-a.consumed {
		return qf.Reservation{}, qf.ErrInsufficientCredit
	}
	a.consumed += amount

	r := qf.Reservation{
		ID:          uuid.NewString(),
		UserID:      userID,
		Amount:      amount,
		PeriodStart: a.periodStart,
		CreatedAt:   l.now().UTC(),
	}
	l.reservations[r.ID] = &reservation{Reservation: r, state: qf.ReservationPending}
	return r, nil
}

// Commit finalizes a pending reservation.
func (l *MemoryLedger) Commit(_ context.Context, r qf.Reservation) (qf.Settlement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[r.ID]
	if !ok {
		return qf.Settlement{}, qf.ErrUnknownReservation
	}
	if res.state != qf.ReservationPending {
		return qf.Settlement{State: res.state, AlreadyResolved: true}, nil
	}
	res.state = qf.ReservationCommitted
	return qf.Settlement{State: res.state}, nil
}

// Release returns a pending reservation's credits.
func (l *MemoryLedger) Release(_ context.Context, r qf.Reservation) (qf.Settlement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[r.ID]
	if !ok {
		return qf.Settlement{}, qf.ErrUnknownReservation
	}
	if res.state != qf.ReservationPending {
		return qf.Settlement{State: res.state, AlreadyResolved: true}, nil
	}
	res.state = qf.ReservationReleased

	// A rollover since the hold already zeroed consumed.
	if a, ok := l.accounts[res.UserID]; ok && a.periodStart.Equal(res.PeriodStart) {
		a.consumed -= res.Amount
		if a.consumed < 0 {
			a.consumed = 0
		}
	}
	return qf.Settlement{State: res.state}, nil
}

// Account returns a user's balance. Unknown users have a zero allotment.
func (l *MemoryLedger) Account(_ context.Context, userID string) (qf.CreditAccount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.accounts[userID]
	if !ok {
		return qf.CreditAccount{UserID: userID}, nil
	}
	return qf.CreditAccount{
		UserID:      userID,
		Allotment:   a.allotment,
		Consumed:    a.consumed,
		PeriodStart: a.periodStart,
	}, nil
}

// ResetPeriod starts a new period for accounts whose period began earlier.
func (l *MemoryLedger) ResetPeriod(_ context.Context, periodStart time.Time) (int64, error) {
	periodStart = periodStart.UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	var n int64
	for _, a := range l.accounts {
		if a.periodStart.Before(periodStart) {
			a.consumed = 0
			a.periodStart = periodStart
			n++
		}
	}
	return n, nil
}

// PendingReservations lists pending reservations created at or before the bound.
func (l *MemoryLedger) PendingReservations(_ context.Context, createdBefore time.Time) ([]qf.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []qf.Reservation
	for _, r := range l.reservations {
		if r.state == qf.ReservationPending && !r.CreatedAt.After(createdBefore) {
			out = append(out, r.Reservation)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
