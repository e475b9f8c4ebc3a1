// Package historywriter persists raw labels and step results produced by the
// engine. Writers are best effort: the engine logs their errors and moves on.
package historywriter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/g960059/labelfsm/internal/config"
	"github.com/g960059/labelfsm/internal/db"
	"github.com/g960059/labelfsm/internal/model"
)

const (
	KindRaw    = "raw"
	KindStable = "stable"
)

var ErrUnsupported = errors.New("unsupported writer")

type Writer interface {
	Begin(run model.RunInfo) error
	WriteLabel(label model.RawLabel) error
	WriteStep(result model.StepResult) error
	Close() error
}

type Options struct {
	// Dir receives file writers. Names may contain {timestamp}.
	Dir string
	// Store, when set, is used by sqlite writers instead of opening Dir/Name.
	Store  *db.Store
	Logger *slog.Logger
	Now    func() time.Time
	// Buffer is the queue size for async writers without an explicit buffer.
	Buffer       int
	CloseTimeout time.Duration
	// OnDrop is called for every record an async writer discards.
	OnDrop func(writer string)
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// New builds one writer from its configuration. Old files of the same format
// are cleaned from the target directory before the new file is opened.
func New(ctx context.Context, wc config.WriterConfig, opts Options) (Writer, error) {
	if wc.Kind != KindRaw && wc.Kind != KindStable {
		return nil, fmt.Errorf("%w: kind %q", ErrUnsupported, wc.Kind)
	}
	now := opts.now()
	path := ResolvePath(opts.Dir, wc.Name, now)

	var (
		w   Writer
		err error
	)
	switch wc.Format {
	case "sqlite":
		w, err = newSQLiteWriter(ctx, wc, path, opts)
	case "txt", "json", "yaml", "csv":
		if wc.MaxAgeDays > 0 {
			removed, cerr := Cleanup(filepath.Dir(path), "."+wc.Format, time.Duration(wc.MaxAgeDays)*24*time.Hour, now)
			if cerr != nil {
				opts.logger().Warn("history cleanup failed", "dir", filepath.Dir(path), "err", cerr)
			} else if removed > 0 {
				opts.logger().Debug("history cleanup", "dir", filepath.Dir(path), "removed", removed)
			}
		}
		w, err = newFileWriter(wc, path)
	default:
		return nil, fmt.Errorf("%w: format %q", ErrUnsupported, wc.Format)
	}
	if err != nil {
		return nil, err
	}
	if wc.Async {
		buffer := wc.Buffer
		if buffer <= 0 {
			buffer = opts.Buffer
		}
		return NewAsync(w, AsyncOptions{
			Name:         wc.Kind + "/" + wc.Format,
			Buffer:       buffer,
			Logger:       opts.logger(),
			CloseTimeout: opts.CloseTimeout,
			OnDrop:       opts.OnDrop,
		}), nil
	}
	return w, nil
}

// FromConfig builds every configured writer. It returns nil when none are
// configured. Writers opened before a failure are closed.
func FromConfig(ctx context.Context, writers []config.WriterConfig, opts Options) (Writer, error) {
	if len(writers) == 0 {
		return nil, nil
	}
	out := make(Fanout, 0, len(writers))
	for _, wc := range writers {
		w, err := New(ctx, wc, opts)
		if err != nil {
			_ = out.Close()
			return nil, fmt.Errorf("writer %s/%s: %w", wc.Kind, wc.Format, err)
		}
		out = append(out, w)
	}
	if len(out) == 1 {
		return out[0], nil
	}
	return out, nil
}
