// Package sqlite provides a single-node credit ledger on an embedded SQLite
// database (modernc.org/sqlite, no cgo).
//
// The database handle is limited to one open connection, so every
// transaction is serialized and Reserve cannot overcommit.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	qf "github.com/ineyio/questforge"
)

// Ledger is a SQLite-backed Ledger. Times are stored as unix nanoseconds.
type Ledger struct {
	db *sqlx.DB
}

var (
	_ qf.Ledger      = (*Ledger)(nil)
	_ qf.LedgerAdmin = (*Ledger)(nil)
)

type accountRow struct {
	Allotment   int64 `db:"allotment"`
	Consumed    int64 `db:"consumed"`
	PeriodStart int64 `db:"period_start"`
}

type reservationRow struct {
	ID          string `db:"id"`
	UserID      string `db:"user_id"`
	Amount      int64  `db:"amount"`
	State       string `db:"state"`
	PeriodStart int64  `db:"period_start"`
	CreatedAt   int64  `db:"created_at"`
}

func (r reservationRow) reservation() qf.Reservation {
	return qf.Reservation{
		ID:          r.ID,
		UserID:      r.UserID,
		Amount:      r.Amount,
		PeriodStart: fromNanos(r.PeriodStart),
		CreatedAt:   fromNanos(r.CreatedAt),
	}
}

// Open opens (creating if needed) the database at path and ensures the schema.
func Open(ctx context.Context, path string) (*Ledger, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("questforge/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	l := &Ledger{db: db}
	if err := l.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) ensureSchema(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		PRAGMA busy_timeout = 5000;
		PRAGMA journal_mode = WAL;
		CREATE TABLE IF NOT EXISTS credit_accounts (
			user_id TEXT PRIMARY KEY,
			allotment INTEGER NOT NULL CHECK (allotment >= 0),
			consumed INTEGER NOT NULL DEFAULT 0 CHECK (consumed >= 0),
			period_start INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS credit_reservations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			amount INTEGER NOT NULL,
			state TEXT NOT NULL DEFAULT 'pending',
			period_start INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			resolved_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS credit_reservations_pending_idx
			ON credit_reservations (state, created_at);
	`)
	if err != nil {
		return fmt.Errorf("questforge/sqlite: ensure schema: %w", err)
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
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO credit_accounts (user_id, allotment, consumed, period_start)
		VALUES (?, ?, 0, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			allotment = excluded.allotment,
			consumed = CASE WHEN credit_accounts.period_start = excluded.period_start
				THEN credit_accounts.consumed ELSE 0 END,
			period_start = excluded.period_start`,
		userID, allotment, periodStart.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("questforge/sqlite: set allotment: %w", err)
	}
	return nil
}

// Reserve takes a hold of amount credits.
func (l *Ledger) Reserve(ctx context.Context, userID string, amount int64) (qf.Reservation, error) {
	if err := qf.ValidateReserve(userID, amount); err != nil {
		return qf.Reservation{}, err
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return qf.Reservation{}, fmt.Errorf("questforge/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	var periodStart int64
	err = tx.GetContext(ctx, &periodStart, `
		UPDATE credit_accounts SET consumed = consumed + ?
		WHERE user_id = ? AND ? <= allotment - consumed
		RETURNING period_start`,
		amount, userID, amount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return qf.Reservation{}, qf.ErrInsufficientCredit
	}
	if err != nil {
		return qf.Reservation{}, fmt.Errorf("questforge/sqlite: reserve: %w", err)
	}

	now := time.Now().UTC()
	row := reservationRow{
		ID:          uuid.NewString(),
		UserID:      userID,
		Amount:      amount,
		State:       string(qf.ReservationPending),
		PeriodStart: periodStart,
		CreatedAt:   now.UnixNano(),
	}
	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO credit_reservations (id, user_id, amount, state, period_start, created_at)
		VALUES (:id, :user_id, :amount, :state, :period_start, :created_at)`, row)
	if err != nil {
		return qf.Reservation{}, fmt.Errorf("questforge/sqlite: insert reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return qf.Reservation{}, fmt.Errorf("questforge/sqlite: commit: %w", err)
	}
	return row.reservation(), nil
}

// Commit finalizes a pending reservation.
func (l *Ledger) Commit(ctx context.Context, r qf.Reservation) (qf.Settlement, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE credit_reservations SET state = 'committed', resolved_at = ?
		WHERE id = ? AND state = 'pending'`,
		time.Now().UnixNano(), r.ID,
	)
	if err != nil {
		return qf.Settlement{}, fmt.Errorf("questforge/sqlite: commit reservation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return qf.Settlement{State: qf.ReservationCommitted}, nil
	}
	return priorState(ctx, l.db, r.ID)
}

// Release returns a pending reservation's credits.
func (l *Ledger) Release(ctx context.Context, r qf.Reservation) (qf.Settlement, error) {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return qf.Settlement{}, fmt.Errorf("questforge/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	var row reservationRow
	err = tx.GetContext(ctx, &row, `
		UPDATE credit_reservations SET state = 'released', resolved_at = ?
		WHERE id = ? AND state = 'pending'
		RETURNING id, user_id, amount, state, period_start, created_at`,
		time.Now().UnixNano(), r.ID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return priorState(ctx, tx, r.ID)
	}
	if err != nil {
		return qf.Settlement{}, fmt.Errorf("questforge/sqlite: release reservation: %w", err)
	}

	// A rollover since the hold already zeroed consumed.
	_, err = tx.ExecContext(ctx, `
		UPDATE credit_accounts SET consumed = MAX(consumed - ?, 0)
		WHERE user_id = ? AND period_start = ?`,
		row.Amount, row.UserID, row.PeriodStart,
	)
	if err != nil {
		return qf.Settlement{}, fmt.Errorf("questforge/sqlite: restore balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return qf.Settlement{}, fmt.Errorf("questforge/sqlite: commit: %w", err)
	}
	return qf.Settlement{State: qf.ReservationReleased}, nil
}

func priorState(ctx context.Context, q sqlx.QueryerContext, id string) (qf.Settlement, error) {
	var state string
	err := sqlx.GetContext(ctx, q, &state, `SELECT state FROM credit_reservations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return qf.Settlement{}, qf.ErrUnknownReservation
	}
	if err != nil {
		return qf.Settlement{}, fmt.Errorf("questforge/sqlite: reservation state: %w", err)
	}
	return qf.Settlement{State: qf.ReservationState(state), AlreadyResolved: true}, nil
}

// Account returns a user's balance. Unknown users have a zero allotment.
func (l *Ledger) Account(ctx context.Context, userID string) (qf.CreditAccount, error) {
	var row accountRow
	err := l.db.GetContext(ctx, &row,
		`SELECT allotment, consumed, period_start FROM credit_accounts WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return qf.CreditAccount{UserID: userID}, nil
	}
	if err != nil {
		return qf.CreditAccount{}, fmt.Errorf("questforge/sqlite: account: %w", err)
	}
	return qf.CreditAccount{
		UserID:      userID,
		Allotment:   row.Allotment,
		Consumed:    row.Consumed,
		PeriodStart: fromNanos(row.PeriodStart),
	}, nil
}

// ResetPeriod starts a new period for accounts whose period began earlier.
func (l *Ledger) ResetPeriod(ctx context.Context, periodStart time.Time) (int64, error) {
	p := periodStart.UnixNano()
	res, err := l.db.ExecContext(ctx,
		`UPDATE credit_accounts SET consumed = 0, period_start = ? WHERE period_start < ?`, p, p)
	if err != nil {
		return 0, fmt.Errorf("questforge/sqlite: reset period: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("questforge/sqlite: reset period: %w", err)
	}
	return n, nil
}

// PendingReservations lists pending reservations created at or before the bound.
func (l *Ledger) PendingReservations(ctx context.Context, createdBefore time.Time) ([]qf.Reservation, error) {
	var rows []reservationRow
	err := l.db.SelectContext(ctx, &rows, `
		SELECT id, user_id, amount, state, period_start, created_at FROM credit_reservations
		WHERE state = 'pending' AND created_at <= ?
		ORDER BY created_at, id`,
		createdBefore.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("questforge/sqlite: pending reservations: %w", err)
	}

	out := make([]qf.Reservation, len(rows))
	for i, row := range rows {
		out[i] = row.reservation()
	}
	return out, nil
}

// CleanupResolved removes resolved reservations older than the given age.
func (l *Ledger) CleanupResolved(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM credit_reservations WHERE state <> 'pending' AND resolved_at < ?`,
		time.Now().Add(-olderThan).UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("questforge/sqlite: cleanup resolved: %w", err)
	}
	return res.RowsAffected()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
