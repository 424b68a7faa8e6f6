package consumer

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	etwmain "etwpipe/internal/etw"
	"etwpipe/internal/etw/event"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filled(n int, closed bool) *etwmain.Channel {
	c := etwmain.NewChannel(n + 1)
	for i := range n {
		c.TryOffer(&event.Event{EventID: uint16(i)})
	}
	if closed {
		c.Close()
	}
	return c
}

func ids(evs []*event.Event) []uint16 {
	out := make([]uint16, len(evs))
	for i, ev := range evs {
		out[i] = ev.EventID
	}
	return out
}

func TestIteratorDrainsUntilClosed(t *testing.T) {
	evs, err := Collect(context.Background(), filled(5, true))
	require.NoError(t, err)
	assert.Equal(t, []uint16{0, 1, 2, 3, 4}, ids(evs))
}

func TestIteratorOptions(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		want []uint16
	}{
		{"max events", []Option{WithMaxEvents(2)}, []uint16{0, 1}},
		{"filter", []Option{WithFilter(func(ev *event.Event) bool { return ev.EventID%2 == 0 })}, []uint16{0, 2, 4}},
		{
			"filter then max",
			[]Option{WithFilter(func(ev *event.Event) bool { return ev.EventID > 1 }), WithMaxEvents(2)},
			[]uint16{2, 3},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evs, err := Collect(context.Background(), filled(5, true), tt.opts...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(evs))
		})
	}
}

func TestIteratorKeepsPollingPastPollTimeout(t *testing.T) {
	c := etwmain.NewChannel(4)
	go func() {
		time.Sleep(150 * time.Millisecond)
		c.TryOffer(&event.Event{EventID: 7})
		c.Close()
	}()

	evs, err := Collect(context.Background(), c, WithPollTimeout(20*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, []uint16{7}, ids(evs))
}

func TestIteratorOverallTimeoutIsNormalEnd(t *testing.T) {
	c := filled(2, false)
	start := time.Now()
	it := NewIterator(context.Background(), c, WithTimeout(80*time.Millisecond), WithPollTimeout(10*time.Millisecond))

	n := 0
	for it.Next() {
		n++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, it.Count())
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.False(t, c.Closed(), "the source is left open")
}

func TestIteratorCancelledByCaller(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	it := NewIterator(ctx, filled(0, false))
	time.AfterFunc(20*time.Millisecond, cancel)

	assert.False(t, it.Next())
	require.ErrorIs(t, it.Err(), context.Canceled)
	assert.False(t, it.Next(), "iteration stays finished")
}

func TestIteratorSourceErrors(t *testing.T) {
	boom := errors.New("corrupt frame")
	calls := 0
	src := SourceFunc(func(ctx context.Context) (*event.Event, error) {
		calls++
		switch calls {
		case 1:
			return &event.Event{EventID: 1}, nil
		case 2:
			return nil, boom
		}
		return nil, io.EOF
	})

	evs, err := Collect(context.Background(), src)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []uint16{1}, ids(evs))

	calls = 2
	evs, err = Collect(context.Background(), src)
	require.NoError(t, err, "io.EOF is a normal end")
	assert.Empty(t, evs)
}

func TestIteratorAllBreak(t *testing.T) {
	c := filled(5, true)
	it := NewIterator(context.Background(), c)
	var got []uint16
	for ev := range it.All() {
		got = append(got, ev.EventID)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []uint16{0, 1}, got)
	assert.False(t, it.Next())
	assert.Equal(t, 3, c.Len(), "unread events stay in the channel")
}

func TestStreamDeliversInOrder(t *testing.T) {
	s := NewStream(context.Background(), filled(5, true), 2)
	var got []uint16
	for ev := range s.Events() {
		got = append(got, ev.EventID)
	}
	require.NoError(t, s.Wait())
	assert.Equal(t, []uint16{0, 1, 2, 3, 4}, got)
}

func TestStreamCancelLeavesSourceOpen(t *testing.T) {
	c := filled(3, false)
	s := NewStream(context.Background(), c, 0)

	first := <-s.Events()
	assert.Equal(t, uint16(0), first.EventID)
	s.Cancel()

	drained := 0
	for range s.Events() {
		drained++
	}
	require.ErrorIs(t, s.Wait(), context.Canceled)
	assert.False(t, c.Closed())

	// Nothing is lost: an event the bridge pulled before noticing the
	// cancel is handed back through Pending.
	held := 0
	if ev := s.Pending(); ev != nil {
		held = 1
		assert.Equal(t, uint16(1+drained), ev.EventID, "the next unread event")
	}
	assert.Equal(t, 3, 1+drained+held+c.Len())
	assert.Equal(t, etwmain.Accepted, c.TryOffer(&event.Event{}), "the producer side is unaffected")
}
