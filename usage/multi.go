package usage

import (
	"context"
	"errors"

	qf "github.com/ineyio/questforge"
)

// Multi fans each attempt out to every recorder. One failing sink does not
// stop the others; their errors are joined.
type Multi []qf.Recorder

var _ qf.Recorder = Multi(nil)

func (m Multi) Record(ctx context.Context, a qf.Attempt) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
