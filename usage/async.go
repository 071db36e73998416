package usage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	qf "github.com/ineyio/questforge"
)

// ErrBufferFull is returned by Async.Record when the attempt was dropped.
var ErrBufferFull = errors.New("questforge: usage buffer full")

// ErrClosed is returned by Async.Record after Close.
var ErrClosed = errors.New("questforge: usage recorder closed")

// Async buffers attempts and writes them to the next recorder from a
// background goroutine. Record never blocks: when the buffer is full the
// attempt is dropped and counted.
type Async struct {
	next          qf.Recorder
	logger        *slog.Logger
	bufferSize    int
	maxBatch      int
	flushInterval time.Duration
	writeTimeout  time.Duration

	mu      sync.RWMutex
	closed  bool
	ch      chan qf.Attempt
	done    chan struct{}
	dropped atomic.Int64
	failed  atomic.Int64
}

var _ qf.Recorder = (*Async)(nil)

// AsyncOption configures Async.
type AsyncOption func(*Async)

// WithBufferSize sets the number of attempts held before dropping (default 1024).
func WithBufferSize(n int) AsyncOption {
	return func(a *Async) { a.bufferSize = n }
}

// WithMaxBatch sets the batch size flushed to the next recorder (default 100).
func WithMaxBatch(n int) AsyncOption {
	return func(a *Async) { a.maxBatch = n }
}

// WithFlushInterval sets how long a partial batch may wait (default 2s).
func WithFlushInterval(d time.Duration) AsyncOption {
	return func(a *Async) { a.flushInterval = d }
}

// WithWriteTimeout bounds each write to the next recorder (default 10s).
func WithWriteTimeout(d time.Duration) AsyncOption {
	return func(a *Async) { a.writeTimeout = d }
}

// WithAsyncLogger sets the logger for write failures.
func WithAsyncLogger(l *slog.Logger) AsyncOption {
	return func(a *Async) { a.logger = l }
}

// NewAsync starts a background writer in front of next. Call Close to drain it.
func NewAsync(next qf.Recorder, opts ...AsyncOption) *Async {
	a := &Async{
		next:          next,
		logger:        slog.Default(),
		bufferSize:    1024,
		maxBatch:      100,
		flushInterval: 2 * time.Second,
		writeTimeout:  10 * time.Second,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.maxBatch < 1 {
		a.maxBatch = 1
	}
	a.ch = make(chan qf.Attempt, a.bufferSize)
	go a.loop()
	return a
}

// Record enqueues the attempt.
func (a *Async) Record(_ context.Context, at qf.Attempt) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.ch <- at:
		return nil
	default:
		a.dropped.Add(1)
		return ErrBufferFull
	}
}

// Dropped returns how many attempts were discarded because the buffer was full.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Failed returns how many attempts the next recorder rejected.
func (a *Async) Failed() int64 { return a.failed.Load() }

// Close stops accepting attempts and waits until the buffer is written or
// ctx is done.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) loop() {
	defer close(a.done)

	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	batch := make([]qf.Attempt, 0, a.maxBatch)
	for {
		select {
		case at, ok := <-a.ch:
			if !ok {
				a.flush(batch)
				return
			}
			batch = append(batch, at)
			if len(batch) >= a.maxBatch {
				a.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				a.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (a *Async) flush(batch []qf.Attempt) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.writeTimeout)
	defer cancel()

	if err := RecordAll(ctx, a.next, batch); err != nil {
		a.failed.Add(int64(len(batch)))
		a.logger.Warn("usage write failed", "attempts", len(batch), "error", err)
	}
}
