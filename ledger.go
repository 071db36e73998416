package questforge

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Ledger holds per-user credit balances. Reserve takes a provisional hold;
// every reservation is later resolved exactly once by Commit or Release.
type Ledger interface {
	// Reserve atomically adds amount to the user's consumed credits if the
	// result stays within the allotment. Otherwise ErrInsufficientCredit.
	Reserve(ctx context.Context, userID string, amount int64) (Reservation, error)

	// Commit finalizes a pending reservation.
	Commit(ctx context.Context, r Reservation) (Settlement, error)

	// Release returns a pending reservation's credits to the user.
	Release(ctx context.Context, r Reservation) (Settlement, error)

	// Account returns the user's current balance.
	Account(ctx context.Context, userID string) (CreditAccount, error)
}

// LedgerAdmin is implemented by ledgers that support operator tasks.
type LedgerAdmin interface {
	// SetAllotment creates or updates an account.
	SetAllotment(ctx context.Context, userID string, allotment int64, periodStart time.Time) error

	// ResetPeriod zeroes consumed credits and advances the period for every
	// account whose period started before periodStart. Returns the number of
	// accounts reset.
	ResetPeriod(ctx context.Context, periodStart time.Time) (int64, error)

	// PendingReservations lists unresolved reservations created before the bound.
	PendingReservations(ctx context.Context, createdBefore time.Time) ([]Reservation, error)
}

// CreditAccount is a user's balance for the current period.
type CreditAccount struct {
	UserID    string
	Allotment int64
	// Consumed includes provisional holds.
	Consumed    int64
	PeriodStart time.Time
}

// Available returns the credits the user can still reserve.
func (a CreditAccount) Available() int64 {
	if a.Consumed >= a.Allotment {
		return 0
	}
	return a.Allotment - a.Consumed
}

// Reservation is a provisional hold on a user's credits.
type Reservation struct {
	ID          string
	UserID      string
	Amount      int64
	PeriodStart time.Time
	CreatedAt   time.Time
}

// ReservationState is the lifecycle state of a reservation.
type ReservationState string

const (
	ReservationPending   ReservationState = "pending"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

// Settlement reports how a Commit or Release resolved. AlreadyResolved is set
// when an earlier call resolved the reservation; State is then the prior state.
type Settlement struct {
	State           ReservationState
	AlreadyResolved bool
}

// ValidateReserve checks the arguments shared by every Ledger.Reserve.
func ValidateReserve(userID string, amount int64) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// SweepReservations releases every pending reservation older than olderThan.
// It returns the number released by this call.
func SweepReservations(ctx context.Context, admin LedgerAdmin, ledger Ledger, olderThan time.Duration) (int, error) {
	pending, err := admin.PendingReservations(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("questforge: sweep: list pending: %w", err)
	}

	var (
		released int
		errs     []error
	)
	for _, r := range pending {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		s, err := ledger.Release(ctx, r)
		if err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", r.ID, err))
			continue
		}
		if !s.AlreadyResolved {
			released++
		}
	}
	if len(errs) > 0 {
		return released, fmt.Errorf("questforge: sweep: %w", errors.Join(errs...))
	}
	return released, nil
}

// PeriodStart returns the first instant of the calendar month containing t, in UTC.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
