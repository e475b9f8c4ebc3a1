package historywriter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/g960059/labelfsm/internal/config"
	"github.com/g960059/labelfsm/internal/db"
	"github.com/g960059/labelfsm/internal/model"
)

// sqliteWriter stores runs, labels and steps through db.Store. Raw writers
// insert labels, stable writers insert steps, both register the run.
type sqliteWriter struct {
	ctx    context.Context
	kind   string
	store  *db.Store
	owned  bool
	maxAge time.Duration
	now    func() time.Time
}

func newSQLiteWriter(ctx context.Context, wc config.WriterConfig, path string, opts Options) (Writer, error) {
	w := &sqliteWriter{
		ctx:   ctx,
		kind:  wc.Kind,
		store: opts.Store,
		now:   opts.now,
	}
	if wc.MaxAgeDays > 0 {
		w.maxAge = time.Duration(wc.MaxAgeDays) * 24 * time.Hour
	}
	if w.store == nil {
		store, err := db.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		if _, err := db.Migrate(ctx, store.DB(), opts.logger()); err != nil {
			_ = store.Close()
			return nil, err
		}
		w.store = store
		w.owned = true
	}
	return w, nil
}

func (w *sqliteWriter) Begin(run model.RunInfo) error {
	if w.maxAge > 0 {
		if _, err := w.store.PurgeBefore(w.ctx, w.now().Add(-w.maxAge)); err != nil {
			return fmt.Errorf("purge history: %w", err)
		}
	}
	if err := w.store.InsertRun(w.ctx, run); err != nil && !errors.Is(err, db.ErrDuplicate) {
		return err
	}
	return nil
}

func (w *sqliteWriter) WriteLabel(label model.RawLabel) error {
	if w.kind != KindRaw {
		return nil
	}
	return w.store.InsertRawLabel(w.ctx, label)
}

func (w *sqliteWriter) WriteStep(r model.StepResult) error {
	if w.kind != KindStable {
		return nil
	}
	return w.store.InsertStep(w.ctx, r)
}

func (w *sqliteWriter) Close() error {
	if !w.owned {
		return nil
	}
	return w.store.Close()
}
