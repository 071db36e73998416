// Package usage provides Recorder implementations for generation attempts.
//
// Sinks that write many rows at once also implement BatchRecorder; Async
// uses it to flush buffered attempts in one call.
package usage

import (
	"context"

	qf "github.com/ineyio/questforge"
)

// BatchRecorder is implemented by recorders that can store many attempts at once.
type BatchRecorder interface {
	qf.Recorder
	RecordBatch(ctx context.Context, attempts []qf.Attempt) error
}

// RecordAll stores attempts through r, in one call when r supports batches.
func RecordAll(ctx context.Context, r qf.Recorder, attempts []qf.Attempt) error {
	if len(attempts) == 0 {
		return nil
	}
	if b, ok := r.(BatchRecorder); ok {
		return b.RecordBatch(ctx, attempts)
	}
	for _, a := range attempts {
		if err := r.Record(ctx, a); err != nil {
			return err
		}
	}
	return nil
}
