// Package postgres provides a PostgreSQL-backed credit ledger.
//
// Balances and reservations live in two tables. Reserve is a single
// conditional UPDATE inside a transaction, so concurrent requests from many
// service instances can never overcommit an allotment.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	qf "github.com/ineyio/questforge"
)

// Ledger is a PostgreSQL-backed Ledger.
type Ledger struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var (
	_ qf.Ledger      = (*Ledger)(nil)
	_ qf.LedgerAdmin = (*Ledger)(nil)
)

// Option configures Ledger.
type Option func(*Ledger)

// WithTablePrefix sets the table name prefix (default "questforge_").
func WithTablePrefix(prefix string) Option {
	return func(l *Ledger) { l.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed Ledger.
func New(pool *pgxpool.Pool, opts ...Option) *Ledger {
	l := &Ledger{
		pool:        pool,
		tablePrefix: "questforge_",
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) accountsTable() string     { return l.tablePrefix + "credit_accounts" }
func (l *Ledger) reservationsTable() string { return l.tablePrefix + "credit_reservations" }

// EnsureSchema creates the required tables if they don't exist.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			user_id TEXT PRIMARY KEY,
			allotment BIGINT NOT NULL CHECK (allotment >= 0),
			consumed BIGINT NOT NULL DEFAULT 0 CHECK (consumed >= 0),
			period_start TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			state TEXT NOT NULL DEFAULT 'pending',
			period_start TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS %[2]s_pending_idx ON %[2]s (created_at) WHERE state = 'pending';
	`, l.accountsTable(), l.reservationsTable())
	if _, err := l.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("questforge/postgres: ensure schema: %w", err)
	}
	return nil
}

// SetAllotment creates or updates an account. Moving it to a different period
// resets consumed credits.
func (l *Ledger) SetAllotment(ctx context.Context, userID string, allotment int64, periodStart time.Time) error {
	if err := qf.ValidateReserve(userID, 1); err != nil {
		return err
	}
	if allotment < 0 {
		return qf.ErrInvalidAmount
	}
	_, err := l.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s AS a (user_id, allotment, consumed, period_start)
			VALUES ($1, $2, 0, $3)
			ON CONFLICT (user_id) DO UPDATE SET
				allotment = EXCLUDED.allotment,
				consumed = CASE WHEN a.period_start = EXCLUDED.period_start THEN a.consumed ELSE 0 END,
				period_start = EXCLUDED.period_start`,
			l.accountsTable()),
		userID, allotment, periodStart.UTC(),
	)
	if err != nil {
		return fmt.Errorf("questforge/postgres: set allotment: %w", err)
	}
	return nil
}

// Reserve takes a hold of amount credits.
func (l *Ledger) Reserve(ctx context.Context, userID string, amount int64) (qf.Reservation, error) {
	if err := qf.ValidateReserve(userID, amount); err != nil {
		return qf.Reservation{}, err
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return qf.Reservation{}, fmt.Errorf("questforge/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Atomic reserve: update only if the allotment still covers it.
	var periodStart time.Time
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET consumed = consumed + $1
			WHERE user_id = $2 AND $1 <= allotment - consumed
			RETURNING period_start`, l.accountsTable()),
		amount, userID,
	).Scan(&periodStart)
	if errors.Is(err, pgx.ErrNoRows) {
		return qf.Reservation{}, qf.ErrInsufficientCredit
	}
	if err != nil {
		return qf.Reservation{}, fmt.Errorf("questforge/postgres: reserve: %w", err)
	}

	r := qf.Reservation{
		ID:          uuid.NewString(),
		UserID:      userID,
		Amount:      amount,
		PeriodStart: periodStart.UTC(),
		CreatedAt:   time.Now().UTC(),
	}
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, user_id, amount, state, period_start, created_at)
			VALUES ($1, $2, $3, 'pending', $4, $5)`, l.reservationsTable()),
		r.ID, r.UserID, r.Amount, r.PeriodStart, r.CreatedAt,
	)
	if err != nil {
		return qf.Reservation{}, fmt.Errorf("questforge/postgres: insert reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return qf.Reservation{}, fmt.Errorf("questforge/postgres: commit: %w", err)
	}
	return r, nil
}

// Commit finalizes a pending reservation.
func (l *Ledger) Commit(ctx context.Context, r qf.Reservation) (qf.Settlement, error) {
	tag, err := l.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET state = 'committed', resolved_at = $2
			WHERE id = $1 AND state = 'pending'`, l.reservationsTable()),
		r.ID, time.Now().UTC(),
	)
	if err != nil {
		return qf.Settlement{}, fmt.Errorf("questforge/postgres: commit reservation: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return qf.Settlement{State: qf.ReservationCommitted}, nil
	}
	return l.priorState(ctx, l.pool, r.ID)
}

// Release returns a pending reservation's credits.
func (l *Ledger) Release(ctx context.Context, r qf.Reservation) (qf.Settlement, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return qf.Settlement{}, fmt.Errorf("questforge/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		userID      string
		amount      int64
		periodStart time.Time
	)
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET state = 'released', resolved_at = $2
			WHERE id = $1 AND state = 'pending'
			RETURNING user_id, amount, period_start`, l.reservationsTable()),
		r.ID, time.Now().UTC(),
	).Scan(&userID, &amount, &periodStart)
	if errors.Is(err, pgx.ErrNoRows) {
		return l.priorState(ctx, tx, r.ID)
	}
	if err != nil {
		return qf.Settlement{}, fmt.Errorf("questforge/postgres: release reservation: %w", err)
	}

	// A rollover since the hold already zeroed consumed.
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET consumed = GREATEST(consumed - $1, 0)
			WHERE user_id = $2 AND period_start = $3`, l.accountsTable()),
		amount, userID, periodStart,
	)
	if err != nil {
		return qf.Settlement{}, fmt.Errorf("questforge/postgres: restore balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return qf.Settlement{}, fmt.Errorf("questforge/postgres: commit: %w", err)
	}
	return qf.Settlement{State: qf.ReservationReleased}, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (l *Ledger) priorState(ctx context.Context, q querier, id string) (qf.Settlement, error) {
	var state string
	err := q.QueryRow(ctx,
		fmt.Sprintf(`SELECT state FROM %s WHERE id = $1`, l.reservationsTable()),
		id,
	).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return qf.Settlement{}, qf.ErrUnknownReservation
	}
	if err != nil {
		return qf.Settlement{}, fmt.Errorf("questforge/postgres: reservation state: %w", err)
	}
	return qf.Settlement{State: qf.ReservationState(state), AlreadyResolved: true}, nil
}

// Account returns a user's balance. Unknown users have a zero allotment.
func (l *Ledger) Account(ctx context.Context, userID string) (qf.CreditAccount, error) {
	a := qf.CreditAccount{UserID: userID}
	err := l.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT allotment, consumed, period_start FROM %s WHERE user_id = $1`, l.accountsTable()),
		userID,
	).Scan(&a.Allotment, &a.Consumed, &a.PeriodStart)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, nil
	}
	if err != nil {
		return qf.CreditAccount{}, fmt.Errorf("questforge/postgres: account: %w", err)
	}
	a.PeriodStart = a.PeriodStart.UTC()
	return a, nil
}

// ResetPeriod starts a new period for accounts whose period began earlier.
func (l *Ledger) ResetPeriod(ctx context.Context, periodStart time.Time) (int64, error) {
	tag, err := l.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET consumed = 0, period_start = $1 WHERE period_start < $1`, l.accountsTable()),
		periodStart.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("questforge/postgres: reset period: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PendingReservations lists pending reservations created at or before the bound.
func (l *Ledger) PendingReservations(ctx context.Context, createdBefore time.Time) ([]qf.Reservation, error) {
	rows, err := l.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, user_id, amount, period_start, created_at FROM %s
			WHERE state = 'pending' AND created_at <= $1
			ORDER BY created_at, id`, l.reservationsTable()),
		createdBefore.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("questforge/postgres: pending reservations: %w", err)
	}
	defer rows.Close()

	var out []qf.Reservation
	for rows.Next() {
		var r qf.Reservation
		if err := rows.Scan(&r.ID, &r.UserID, &r.Amount, &r.PeriodStart, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("questforge/postgres: scan reservation: %w", err)
		}
		r.PeriodStart, r.CreatedAt = r.PeriodStart.UTC(), r.CreatedAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("questforge/postgres: pending reservations: %w", err)
	}
	return out, nil
}

// CleanupResolved removes resolved reservations older than the given age.
func (l *Ledger) CleanupResolved(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := l.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE state <> 'pending' AND resolved_at < $1`, l.reservationsTable()),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("questforge/postgres: cleanup resolved: %w", err)
	}
	return tag.RowsAffected(), nil
}
