package capture

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"time"

	"etwpipe/internal/etw/etwerr"
	"etwpipe/internal/etw/event"

	"github.com/google/uuid"
)

// Mode selects replay pacing.
type Mode uint8

const (
	// RealTime reproduces the recorded gaps between events, scaled by the
	// speed factor.
	RealTime Mode = iota
	// Accelerated replays as fast as the reader consumes.
	Accelerated
)

func (m Mode) String() string {
	if m == Accelerated {
		return "accelerated"
	}
	return "realtime"
}

// PlayerOption configures a Player.
type PlayerOption func(*Player)

func WithMode(m Mode) PlayerOption { return func(p *Player) { p.mode = m } }

// WithSpeed scales real-time pacing; 2 replays twice as fast. Values <= 0
// are ignored.
func WithSpeed(f float64) PlayerOption {
	return func(p *Player) {
		if f > 0 {
			p.speed = f
		}
	}
}

// WithProviders only yields events from the given providers.
func WithProviders(ids ...uuid.UUID) PlayerOption {
	return func(p *Player) {
		if p.providers == nil {
			p.providers = make(map[uuid.UUID]bool)
		}
		for _, id := range ids {
			p.providers[id] = true
		}
	}
}

// WithEventIDs only yields events with the given ids.
func WithEventIDs(ids ...uint16) PlayerOption {
	return func(p *Player) {
		if p.eventIDs == nil {
			p.eventIDs = make(map[uint16]bool)
		}
		for _, id := range ids {
			p.eventIDs[id] = true
		}
	}
}

// WithTimeWindow only yields events timestamped in [from, to). A zero bound
// is open.
func WithTimeWindow(from, to time.Time) PlayerOption {
	return func(p *Player) { p.from, p.to = from, to }
}

type pendingEvent struct {
	ev *event.Event
	// due is the cumulative offset from the first frame in ticks.
	due int64
}

// Player replays a container. Once it reports an error other than a context
// error it is terminal and keeps returning that error.
type Player struct {
	r      *bufio.Reader
	closer io.Closer
	header Header
	codec  Codec

	mode      Mode
	speed     float64
	providers map[uuid.UUID]bool
	eventIDs  map[uint16]bool
	from, to  time.Time

	read    uint64
	elapsed int64
	started time.Time
	pending *pendingEvent
	err     error

	buf []byte
	raw []byte

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPlayer reads and validates the header from r.
func NewPlayer(r io.Reader, opts ...PlayerOption) (*Player, error) {
	br := bufio.NewReaderSize(r, 64<<10)
	h, err := readHeader(br)
	if err != nil {
		return nil, err
	}
	codec, err := NewCodec(h.Compression)
	if err != nil {
		return nil, err
	}

	p := &Player{
		r:      br,
		header: h,
		codec:  codec,
		speed:  1,
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Open opens a container file.
func Open(path string, opts ...PlayerOption) (*Player, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture: %w", err)
	}
	p, err := NewPlayer(f, opts...)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p.closer = f
	return p, nil
}

// Header returns the container header.
func (p *Player) Header() Header { return p.header }

// Read is the number of frames consumed so far, filtered ones included.
func (p *Player) Read() uint64 { return p.read }

// Next returns the next event that passes the filters. In real-time mode it
// waits until the event is due; if ctx ends first the event is kept and
// returned by the following call. io.EOF marks the end of the container.
func (p *Player) Next(ctx context.Context) (*event.Event, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.started.IsZero() {
		p.started = p.now()
	}

	for {
		if p.pending == nil {
			pe, err := p.readNext()
			if err != nil {
				p.err = err
				return nil, err
			}
			if !p.accept(pe.ev) {
				continue
			}
			p.pending = pe
		}

		if p.mode == RealTime {
			target := p.started.Add(time.Duration(float64(p.pending.due*100) / p.speed))
			if wait := target.Sub(p.now()); wait > 0 {
				if err := p.sleep(ctx, wait); err != nil {
					return nil, err
				}
			}
		}

		ev := p.pending.ev
		p.pending = nil
		return ev, nil
	}
}

func (p *Player) readNext() (*pendingEvent, error) {
	if p.read >= p.header.EventCount {
		return nil, io.EOF
	}
	delta, payload, err := readFrame(p.r, p.buf)
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", p.read, err)
	}
	p.buf = payload
	p.read++

	p.raw, err = p.codec.Decompress(p.raw, payload)
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", p.read-1, err)
	}
	var ev event.Event
	if err := json.Unmarshal(p.raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: frame %d: %w", etwerr.ErrCaptureFormat, p.read-1, err)
	}

	if uint64(p.elapsed)+delta > p.header.DurationTicks {
		return nil, fmt.Errorf("%w: frame %d runs past the recorded duration", etwerr.ErrCaptureFormat, p.read-1)
	}
	p.elapsed += int64(delta)
	return &pendingEvent{ev: &ev, due: p.elapsed}, nil
}

func (p *Player) accept(ev *event.Event) bool {
	if p.providers != nil && !p.providers[ev.ProviderID] {
		return false
	}
	if p.eventIDs != nil && !p.eventIDs[ev.EventID] {
		return false
	}
	wall := ev.Timestamp.Wall
	if !p.from.IsZero() && wall.Before(p.from) {
		return false
	}
	if !p.to.IsZero() && !wall.Before(p.to) {
		return false
	}
	return true
}

// All yields events until the end of the container, a terminal error or
// ctx ends. A normal end yields nothing further; errors are yielded once.
func (p *Player) All(ctx context.Context) iter.Seq2[*event.Event, error] {
	return func(yield func(*event.Event, error) bool) {
		for {
			ev, err := p.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// Close releases the codec and the file opened by Open.
func (p *Player) Close() error {
	if p.err == nil {
		p.err = fmt.Errorf("%w: player closed", etwerr.ErrInvalidState)
	}
	p.codec.Close()
	if p.closer != nil {
		c := p.closer
		p.closer = nil
		return c.Close()
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
