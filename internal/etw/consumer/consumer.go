// Package consumer reads decoded events from a session channel, a session
// manager or a capture player.
package consumer

import (
	"context"
	"errors"
	"io"
	"iter"
	"time"

	"etwpipe/internal/etw/etwerr"
	"etwpipe/internal/etw/event"
)

// Source yields events in order. It returns etwerr.ErrChannelClosed (or
// io.EOF for finite sources) once exhausted, and ctx.Err() when ctx ends
// first.
type Source interface {
	Next(ctx context.Context) (*event.Event, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (*event.Event, error)

func (f SourceFunc) Next(ctx context.Context) (*event.Event, error) { return f(ctx) }

// Filter selects events; returning false skips the event.
type Filter func(ev *event.Event) bool

// IsEnd reports whether err marks the normal end of a source.
func IsEnd(err error) bool {
	return errors.Is(err, etwerr.ErrChannelClosed) || errors.Is(err, io.EOF)
}

type options struct {
	pollTimeout time.Duration
	maxEvents   int
	timeout     time.Duration
	filters     []Filter
}

// Option configures an Iterator or a Stream.
type Option func(*options)

// WithPollTimeout bounds each wait on the source. Iteration keeps polling
// after a poll times out; the timeout only bounds how late cancellation and
// the overall deadline are noticed.
func WithPollTimeout(d time.Duration) Option { return func(o *options) { o.pollTimeout = d } }

// WithMaxEvents stops after n events have been yielded.
func WithMaxEvents(n int) Option { return func(o *options) { o.maxEvents = n } }

// WithTimeout bounds the whole iteration.
func WithTimeout(d time.Duration) Option { return func(o *options) { o.timeout = d } }

// WithFilter drops events f rejects. Several filters must all accept.
func WithFilter(f Filter) Option { return func(o *options) { o.filters = append(o.filters, f) } }

func newOptions(opts []Option) options {
	o := options{pollTimeout: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o *options) accept(ev *event.Event) bool {
	for _, f := range o.filters {
		if !f(ev) {
			return false
		}
	}
	return true
}

// Iterator pulls events synchronously:
//
//	it := consumer.NewIterator(ctx, session.Channel())
//	for it.Next() {
//		handle(it.Event())
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator struct {
	ctx    context.Context
	cancel context.CancelFunc
	src    Source
	opts   options

	cur   *event.Event
	count int
	err   error
	done  bool
}

// NewIterator iterates src until it ends, ctx is done, or a limit set by
// opts is reached.
func NewIterator(ctx context.Context, src Source, opts ...Option) *Iterator {
	it := &Iterator{src: src, opts: newOptions(opts)}
	if it.opts.timeout > 0 {
		it.ctx, it.cancel = context.WithTimeout(ctx, it.opts.timeout)
	} else {
		it.ctx, it.cancel = context.WithCancel(ctx)
	}
	return it
}

// Next advances to the next accepted event.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	if it.opts.maxEvents > 0 && it.count >= it.opts.maxEvents {
		return it.finish(nil)
	}

	for {
		ev, err := it.poll()
		switch {
		case err == nil:
		case errors.Is(err, etwerr.ErrTimeout):
			continue
		case IsEnd(err):
			return it.finish(nil)
		case it.ctx.Err() != nil && errors.Is(err, it.ctx.Err()):
			// Reaching the overall deadline is a normal end.
			if errors.Is(err, context.DeadlineExceeded) && it.opts.timeout > 0 {
				return it.finish(nil)
			}
			return it.finish(err)
		default:
			return it.finish(err)
		}

		if !it.opts.accept(ev) {
			continue
		}
		it.cur = ev
		it.count++
		return true
	}
}

// poll waits for one event for at most the poll timeout.
func (it *Iterator) poll() (*event.Event, error) {
	if it.opts.pollTimeout <= 0 {
		return it.src.Next(it.ctx)
	}
	ctx, cancel := context.WithTimeout(it.ctx, it.opts.pollTimeout)
	defer cancel()

	ev, err := it.src.Next(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && it.ctx.Err() == nil {
		return nil, etwerr.ErrTimeout
	}
	return ev, err
}

func (it *Iterator) finish(err error) bool {
	it.done = true
	it.cur = nil
	it.err = err
	it.cancel()
	return false
}

// Event is the current event; valid after Next returned true.
func (it *Iterator) Event() *event.Event { return it.cur }

// Err is the error that ended iteration, nil for a normal end.
func (it *Iterator) Err() error { return it.err }

// Count is the number of events yielded.
func (it *Iterator) Count() int { return it.count }

// Close ends iteration early.
func (it *Iterator) Close() {
	if !it.done {
		it.finish(nil)
	}
}

// All adapts the iterator to a range-over-func sequence.
func (it *Iterator) All() iter.Seq[*event.Event] {
	return func(yield func(*event.Event) bool) {
		defer it.Close()
		for it.Next() {
			if !yield(it.Event()) {
				return
			}
		}
	}
}

// Collect drains src into a slice.
func Collect(ctx context.Context, src Source, opts ...Option) ([]*event.Event, error) {
	it := NewIterator(ctx, src, opts...)
	var out []*event.Event
	for ev := range it.All() {
		out = append(out, ev)
	}
	return out, it.Err()
}
