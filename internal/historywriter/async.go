package historywriter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/g960059/labelfsm/internal/config"
	"github.com/g960059/labelfsm/internal/model"
)

var ErrClosed = errors.New("writer closed")

type AsyncOptions struct {
	Name         string
	Buffer       int
	Logger       *slog.Logger
	CloseTimeout time.Duration
	OnDrop       func(writer string)
}

type asyncOp struct {
	run   *model.RunInfo
	label *model.RawLabel
	step  *model.StepResult
}

// Async moves writes to a background goroutine. Calls never block: when the
// queue is full the record is dropped and counted. Close drains the queue.
type Async struct {
	inner  Writer
	opts   AsyncOptions
	queue  chan asyncOp
	g      *errgroup.Group
	mu     sync.Mutex
	closed bool
	// settled is claimed either by the drain goroutine when the queue empties
	// or by Close when its timeout fires; the loser hands over closing inner.
	settled atomic.Bool

	dropped atomic.Int64
	failed  atomic.Int64
}

func NewAsync(inner Writer, opts AsyncOptions) *Async {
	if opts.Buffer <= 0 {
		opts.Buffer = config.DefaultWriterBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	a := &Async{
		inner: inner,
		opts:  opts,
		queue: make(chan asyncOp, opts.Buffer),
		g:     &errgroup.Group{},
	}
	a.g.Go(a.loop)
	return a
}

func (a *Async) loop() error {
	for op := range a.queue {
		if a.settled.Load() {
			a.dropped.Add(1)
			continue
		}
		var err error
		switch {
		case op.run != nil:
			err = a.inner.Begin(*op.run)
		case op.label != nil:
			err = a.inner.WriteLabel(*op.label)
		case op.step != nil:
			err = a.inner.WriteStep(*op.step)
		}
		if err != nil {
			a.failed.Add(1)
			a.opts.Logger.Warn("async history write failed", "writer", a.opts.Name, "err", err)
		}
	}
	return nil
}

func (a *Async) enqueue(op asyncOp) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- op:
	default:
		a.dropped.Add(1)
		if a.opts.OnDrop != nil {
			a.opts.OnDrop(a.opts.Name)
		}
	}
	return nil
}

func (a *Async) Begin(run model.RunInfo) error {
	return a.enqueue(asyncOp{run: &run})
}

func (a *Async) WriteLabel(label model.RawLabel) error {
	return a.enqueue(asyncOp{label: &label})
}

func (a *Async) WriteStep(r model.StepResult) error {
	return a.enqueue(asyncOp{step: &r})
}

// Dropped reports records discarded because the queue was full.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Failed reports records the inner writer rejected.
func (a *Async) Failed() int64 {
	return a.failed.Load()
}

// Close stops accepting records, waits for the queue to drain and closes the
// inner writer. With a CloseTimeout the wait is bounded: on expiry the records
// still queued are discarded and counted as dropped, and inner is closed in the
// background as soon as its current write returns.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	ctx := context.Background()
	if a.opts.CloseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.CloseTimeout)
		defer cancel()
	}
	done := make(chan error, 1)
	go func() {
		err := a.g.Wait()
		if !a.settled.CompareAndSwap(false, true) {
			// Close gave up waiting; inner is closed here once the in-flight write returns.
			if cerr := a.inner.Close(); cerr != nil {
				a.opts.Logger.Warn("close abandoned history writer", "writer", a.opts.Name, "err", cerr)
			}
			return
		}
		done <- err
	}()
	select {
	case err := <-done:
		return a.closeInner(err)
	case <-ctx.Done():
		if a.settled.CompareAndSwap(false, true) {
			return fmt.Errorf("%s: drain history queue: %w", a.opts.Name, ctx.Err())
		}
		return a.closeInner(<-done)
	}
}

func (a *Async) closeInner(err error) error {
	if cerr := a.inner.Close(); cerr != nil {
		return errors.Join(err, cerr)
	}
	if n := a.failed.Load(); n > 0 {
		return errors.Join(err, fmt.Errorf("%s: %d history writes failed", a.opts.Name, n))
	}
	return err
}
