package usage

import (
	"context"

	qf "github.com/ineyio/questforge"
)

// Noop is a recorder that does nothing.
type Noop struct{}

var _ BatchRecorder = Noop{}

func (Noop) Record(context.Context, qf.Attempt) error        { return nil }
func (Noop) RecordBatch(context.Context, []qf.Attempt) error { return nil }
