// Package redis provides a Redis-backed credit ledger.
//
// Accounts and reservations are Redis hashes; pending reservations are also
// indexed in a sorted set by creation time. Every state change is one Lua
// script, so Reserve/Commit/Release are atomic across service instances.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	qf "github.com/ineyio/questforge"
)

// DefaultRetention is how long resolved reservations are kept.
const DefaultRetention = 7 * 24 * time.Hour

// Ledger is a Redis-backed Ledger.
type Ledger struct {
	client    goredis.Cmdable
	keyPrefix string
	retention time.Duration
}

var (
	_ qf.Ledger      = (*Ledger)(nil)
	_ qf.LedgerAdmin = (*Ledger)(nil)
)

// Option configures Ledger.
type Option func(*Ledger)

// WithKeyPrefix sets the Redis key prefix (default "questforge:ledger:").
func WithKeyPrefix(prefix string) Option {
	return func(l *Ledger) { l.keyPrefix = prefix }
}

// WithRetention sets how long resolved reservations are kept. Commit and
// Release stay idempotent only within this window; afterwards they return
// ErrUnknownReservation. Zero keeps resolved reservations forever.
func WithRetention(d time.Duration) Option {
	return func(l *Ledger) { l.retention = d }
}

// New creates a new Redis-backed Ledger.
// The client must be a connected *goredis.Client.
func New(client goredis.Cmdable, opts ...Option) *Ledger {
	l := &Ledger{
		client:    client,
		keyPrefix: "questforge:ledger:",
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) accountKey(userID string) string { return l.keyPrefix + "account:" + userID }
func (l *Ledger) reservationKey(id string) string { return l.keyPrefix + "reservation:" + id }
func (l *Ledger) pendingKey() string              { return l.keyPrefix + "pending" }
func (l *Ledger) accountsKey() string             { return l.keyPrefix + "accounts" }

// Period starts are stored as unix seconds so Lua can compare them exactly.

// setAllotmentScript upserts an account.
// KEYS[1] = account hash key
// KEYS[2] = account index set
// ARGV[1] = allotment
// ARGV[2] = period_start (unix seconds)
// ARGV[3] = user id
var setAllotmentScript = goredis.NewScript(`
local current = redis.call("HGET", KEYS[1], "period_start")
if current ~= ARGV[2] then
    redis.call("HSET", KEYS[1], "allotment", ARGV[1], "consumed", "0", "period_start", ARGV[2])
else
    redis.call("HSET", KEYS[1], "allotment", ARGV[1])
end
redis.call("SADD", KEYS[2], ARGV[3])
return 1
`)

// reserveScript is a Lua script for atomic reserve.
// KEYS[1] = account hash key
// KEYS[2] = reservation hash key
// KEYS[3] = pending sorted set
// ARGV[1] = amount
// ARGV[2] = reservation id
// ARGV[3] = user id
// ARGV[4] = created_at (unix nanos)
// ARGV[5] = created_at (unix micros, zset score)
//
// Returns the account's period_start, or nil when credit is insufficient.
var reserveScript = goredis.NewScript(`
local allotment = redis.call("HGET", KEYS[1], "allotment")
if not allotment then
    return false
end
local amount = tonumber(ARGV[1])
local consumed = tonumber(redis.call("HGET", KEYS[1], "consumed") or "0")
if amount > tonumber(allotment) - consumed then
    return false
end

redis.call("HINCRBY", KEYS[1], "consumed", amount)
local period = redis.call("HGET", KEYS[1], "period_start")
redis.call("HSET", KEYS[2],
    "user_id", ARGV[3],
    "amount", ARGV[1],
    "state", "pending",
    "period_start", period,
    "created_at", ARGV[4])
redis.call("ZADD", KEYS[3], ARGV[5], ARGV[2])
return period
`)

// commitScript atomically commits a pending reservation.
// KEYS[1] = reservation hash key
// KEYS[2] = pending sorted set
// ARGV[1] = reservation id
// ARGV[2] = retention (seconds, 0 keeps the record)
//
// Returns {resolved_now, state}; state is "" for an unknown reservation.
var commitScript = goredis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
    return {0, ""}
end
if state ~= "pending" then
    return {0, state}
end
redis.call("HSET", KEYS[1], "state", "committed")
redis.call("ZREM", KEYS[2], ARGV[1])
if tonumber(ARGV[2]) > 0 then
    redis.call("EXPIRE", KEYS[1], tonumber(ARGV[2]))
end
return {1, "committed"}
`)

// releaseScript atomically releases a pending reservation and restores the
// balance when the account is still in the reservation's period.
// KEYS[1] = reservation hash key
// KEYS[2] = pending sorted set
// KEYS[3] = account hash key
// ARGV[1] = reservation id
// ARGV[2] = retention (seconds, 0 keeps the record)
var releaseScript = goredis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
    return {0, ""}
end
if state ~= "pending" then
    return {0, state}
end
redis.call("HSET", KEYS[1], "state", "released")
redis.call("ZREM", KEYS[2], ARGV[1])
if tonumber(ARGV[2]) > 0 then
    redis.call("EXPIRE", KEYS[1], tonumber(ARGV[2]))
end

local period = redis.call("HGET", KEYS[1], "period_start")
if redis.call("HGET", KEYS[3], "period_start") == period then
    local amount = tonumber(redis.call("HGET", KEYS[1], "amount"))
    local consumed = tonumber(redis.call("HGET", KEYS[3], "consumed") or "0") - amount
    if consumed < 0 then
        consumed = 0
    end
    redis.call("HSET", KEYS[3], "consumed", tostring(consumed))
end
return {1, "released"}
`)

// resetScript starts a new period for one account.
// KEYS[1] = account hash key
// ARGV[1] = period_start (unix seconds)
var resetScript = goredis.NewScript(`
local current = redis.call("HGET", KEYS[1], "period_start")
if not current then
    return 0
end
if tonumber(current) < tonumber(ARGV[1]) then
    redis.call("HSET", KEYS[1], "consumed", "0", "period_start", ARGV[1])
    return 1
end
return 0
`)

// SetAllotment creates or updates an account. Moving it to a different period
// resets consumed credits.
func (l *Ledger) SetAllotment(ctx context.Context, userID string, allotment int64, periodStart time.Time) error {
	if err := qf.ValidateReserve(userID, 1); err != nil {
		return err
	}
	if allotment < 0 {
		return qf.ErrInvalidAmount
	}
	err := setAllotmentScript.Run(ctx, l.client,
		[]string{l.accountKey(userID), l.accountsKey()},
		allotment, periodStart.Unix(), userID,
	).Err()
	if err != nil {
		return fmt.Errorf("questforge/redis: set allotment: %w", err)
	}
	return nil
}

// Reserve takes a hold of amount credits.
func (l *Ledger) Reserve(ctx context.Context, userID string, amount int64) (qf.Reservation, error) {
	if err := qf.ValidateReserve(userID, amount); err != nil {
		return qf.Reservation{}, err
	}

	now := time.Now().UTC()
	id := uuid.NewString()

	period, err := reserveScript.Run(ctx, l.client,
		[]string{l.accountKey(userID), l.reservationKey(id), l.pendingKey()},
		amount, id, userID, now.UnixNano(), now.UnixMicro(),
	).Int64()
	if errors.Is(err, goredis.Nil) {
		return qf.Reservation{}, qf.ErrInsufficientCredit
	}
	if err != nil {
		return qf.Reservation{}, fmt.Errorf("questforge/redis: reserve: %w", err)
	}

	return qf.Reservation{
		ID:          id,
		UserID:      userID,
		Amount:      amount,
		PeriodStart: time.Unix(period, 0).UTC(),
		CreatedAt:   now,
	}, nil
}

// Commit finalizes a pending reservation.
func (l *Ledger) Commit(ctx context.Context, r qf.Reservation) (qf.Settlement, error) {
	res, err := commitScript.Run(ctx, l.client,
		[]string{l.reservationKey(r.ID), l.pendingKey()},
		r.ID, int64(l.retention.Seconds()),
	).Slice()
	if err != nil {
		return qf.Settlement{}, fmt.Errorf("questforge/redis: commit: %w", err)
	}
	return settlement(res)
}

// Release returns a pending reservation's credits.
func (l *Ledger) Release(ctx context.Context, r qf.Reservation) (qf.Settlement, error) {
	// user_id never changes, so reading it outside the script is safe.
	userID, err := l.client.HGet(ctx, l.reservationKey(r.ID), "user_id").Result()
	if errors.Is(err, goredis.Nil) {
		return qf.Settlement{}, qf.ErrUnknownReservation
	}
	if err != nil {
		return qf.Settlement{}, fmt.Errorf("questforge/redis: release: %w", err)
	}

	res, err := releaseScript.Run(ctx, l.client,
		[]string{l.reservationKey(r.ID), l.pendingKey(), l.accountKey(userID)},
		r.ID, int64(l.retention.Seconds()),
	).Slice()
	if err != nil {
		return qf.Settlement{}, fmt.Errorf("questforge/redis: release: %w", err)
	}
	return settlement(res)
}

func settlement(res []any) (qf.Settlement, error) {
	if len(res) != 2 {
		return qf.Settlement{}, fmt.Errorf("questforge/redis: unexpected script result: %v", res)
	}
	resolved, _ := res[0].(int64)
	state, _ := res[1].(string)
	if state == "" {
		return qf.Settlement{}, qf.ErrUnknownReservation
	}
	return qf.Settlement{State: qf.ReservationState(state), AlreadyResolved: resolved == 0}, nil
}

// Account returns a user's balance. Unknown users have a zero allotment.
func (l *Ledger) Account(ctx context.Context, userID string) (qf.CreditAccount, error) {
	vals, err := l.client.HMGet(ctx, l.accountKey(userID), "allotment", "consumed", "period_start").Result()
	if err != nil {
		return qf.CreditAccount{}, fmt.Errorf("questforge/redis: account: %w", err)
	}

	a := qf.CreditAccount{UserID: userID}
	// Account not found.
	if vals[0] == nil {
		return a, nil
	}
	a.Allotment = parseInt(vals[0])
	a.Consumed = parseInt(vals[1])
	a.PeriodStart = time.Unix(parseInt(vals[2]), 0).UTC()
	return a, nil
}

// ResetPeriod starts a new period for accounts whose period began earlier.
func (l *Ledger) ResetPeriod(ctx context.Context, periodStart time.Time) (int64, error) {
	users, err := l.client.SMembers(ctx, l.accountsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("questforge/redis: list accounts: %w", err)
	}

	var n int64
	for _, u := range users {
		reset, err := resetScript.Run(ctx, l.client, []string{l.accountKey(u)}, periodStart.Unix()).Int64()
		if err != nil {
			return n, fmt.Errorf("questforge/redis: reset %s: %w", u, err)
		}
		n += reset
	}
	return n, nil
}

// PendingReservations lists pending reservations created at or before the bound.
func (l *Ledger) PendingReservations(ctx context.Context, createdBefore time.Time) ([]qf.Reservation, error) {
	ids, err := l.client.ZRangeByScore(ctx, l.pendingKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(createdBefore.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("questforge/redis: pending reservations: %w", err)
	}

	out := make([]qf.Reservation, 0, len(ids))
	for _, id := range ids {
		h, err := l.client.HGetAll(ctx, l.reservationKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("questforge/redis: reservation %s: %w", id, err)
		}
		if h["state"] != string(qf.ReservationPending) {
			continue
		}
		out = append(out, qf.Reservation{
			ID:          id,
			UserID:      h["user_id"],
			Amount:      parseInt(h["amount"]),
			PeriodStart: time.Unix(parseInt(h["period_start"]), 0).UTC(),
			CreatedAt:   time.Unix(0, parseInt(h["created_at"])).UTC(),
		})
	}
	return out, nil
}

func parseInt(v any) int64 {
	s, _ := v.(string)
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
