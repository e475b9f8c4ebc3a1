package historywriter

import (
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/g960059/labelfsm/internal/model"
)

// Fanout forwards every call to all writers in order. A failing writer does
// not stop the others; errors are joined.
type Fanout []Writer

func (f Fanout) Begin(run model.RunInfo) error {
	var errs []error
	for _, w := range f {
		errs = append(errs, w.Begin(run))
	}
	return errors.Join(errs...)
}

func (f Fanout) WriteLabel(label model.RawLabel) error {
	var errs []error
	for _, w := range f {
		errs = append(errs, w.WriteLabel(label))
	}
	return errors.Join(errs...)
}

func (f Fanout) WriteStep(r model.StepResult) error {
	var errs []error
	for _, w := range f {
		errs = append(errs, w.WriteStep(r))
	}
	return errors.Join(errs...)
}

// Close closes all writers concurrently so async writers drain in parallel.
func (f Fanout) Close() error {
	errs := make([]error, len(f))
	var g errgroup.Group
	for i, w := range f {
		i, w := i, w
		g.Go(func() error {
			errs[i] = w.Close()
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
