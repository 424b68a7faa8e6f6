package consumer

import (
	"context"
	"sync"

	"etwpipe/internal/etw/event"
)

// Stream pushes events from a Source onto a Go channel from its own
// goroutine. Cancelling the stream stops only the bridge: the session
// behind the source keeps running and keeps buffering.
type Stream struct {
	events chan *event.Event
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	err     error
	pending *event.Event
}

// NewStream starts bridging src. buffer is the capacity of the Events
// channel.
func NewStream(ctx context.Context, src Source, buffer int, opts ...Option) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		events: make(chan *event.Event, max(buffer, 0)),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	it := NewIterator(ctx, src, opts...)

	go func() {
		defer close(s.done)
		defer close(s.events)
		for it.Next() {
			select {
			case s.events <- it.Event():
			case <-ctx.Done():
				it.Close()
				s.mu.Lock()
				s.pending = it.Event()
				s.mu.Unlock()
				s.setErr(ctx.Err())
				return
			}
		}
		s.setErr(it.Err())
	}()
	return s
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Events is closed when the source ends or the stream is cancelled.
func (s *Stream) Events() <-chan *event.Event { return s.events }

// Cancel stops the bridge goroutine. An event already taken from the source
// but not yet sent is kept for Pending; everything else stays in the source.
func (s *Stream) Cancel() { s.cancel() }

// Pending returns the event the bridge had taken from the source when it was
// cancelled, or nil. It is only stable after Events is closed.
func (s *Stream) Pending() *event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Wait blocks until the bridge has exited and returns Err.
func (s *Stream) Wait() error {
	<-s.done
	return s.Err()
}

// Err is the error that ended the stream; nil for a normal end. It is only
// stable after Events is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
