package etwmain

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"etwpipe/internal/etw/etwerr"
	"etwpipe/internal/etw/event"
)

// DefaultChannelCapacity is the number of events a session buffers for its
// consumers before it starts dropping.
const DefaultChannelCapacity = 10000

// OfferResult is the outcome of Channel.TryOffer.
type OfferResult uint8

const (
	Accepted OfferResult = iota
	Dropped
)

func (r OfferResult) String() string {
	if r == Accepted {
		return "accepted"
	}
	return "dropped"
}

// Channel is the bounded queue between a session's consumption goroutine
// and its consumers. Offers never block: when the queue is full the new
// event is discarded and counted as lost.
type Channel struct {
	ch chan *event.Event

	// mu orders Close against in-flight offers. Offers only take the read
	// side, so they never wait on each other.
	mu     sync.RWMutex
	closed bool

	accepted atomic.Uint64
	dropped  atomic.Uint64
}

// NewChannel creates a channel holding at most capacity events.
func NewChannel(capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultChannelCapacity
	}
	return &Channel{ch: make(chan *event.Event, capacity)}
}

// TryOffer enqueues ev if there is room. Offers after Close are dropped.
func (c *Channel) TryOffer(ev *event.Event) OfferResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		c.dropped.Add(1)
		return Dropped
	}
	select {
	case c.ch <- ev:
		c.accepted.Add(1)
		return Accepted
	default:
		c.dropped.Add(1)
		return Dropped
	}
}

// Receive waits up to timeout for the next event. A zero timeout polls, a
// negative one waits until an event arrives or the channel is closed.
// Buffered events are still returned after Close; etwerr.ErrChannelClosed is
// reported once they are drained.
func (c *Channel) Receive(timeout time.Duration) (*event.Event, error) {
	select {
	case ev, ok := <-c.ch:
		return c.unpack(ev, ok)
	default:
	}

	switch {
	case timeout == 0:
		return nil, etwerr.ErrTimeout
	case timeout < 0:
		ev, ok := <-c.ch
		return c.unpack(ev, ok)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev, ok := <-c.ch:
		return c.unpack(ev, ok)
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", etwerr.ErrTimeout, timeout)
	}
}

// Next waits for the next event until ctx is done.
func (c *Channel) Next(ctx context.Context) (*event.Event, error) {
	select {
	case ev, ok := <-c.ch:
		return c.unpack(ev, ok)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Channel) unpack(ev *event.Event, ok bool) (*event.Event, error) {
	if !ok {
		return nil, etwerr.ErrChannelClosed
	}
	return ev, nil
}

// Close stops accepting offers. It is safe to call more than once.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Len is the number of buffered events.
func (c *Channel) Len() int { return len(c.ch) }

// Cap is the fixed capacity.
func (c *Channel) Cap() int { return cap(c.ch) }

// Received is the number of events enqueued so far.
func (c *Channel) Received() uint64 { return c.accepted.Load() }

// Lost is the number of offers discarded so far.
func (c *Channel) Lost() uint64 { return c.dropped.Load() }
