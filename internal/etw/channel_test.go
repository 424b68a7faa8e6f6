package etwmain

import (
	"context"
	"sync"
	"testing"
	"time"

	"etwpipe/internal/etw/etwerr"
	"etwpipe/internal/etw/event"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numbered(n int) *event.Event { return &event.Event{EventID: uint16(n)} }

func TestChannelCapacityTwo(t *testing.T) {
	c := NewChannel(2)

	assert.Equal(t, Accepted, c.TryOffer(numbered(1)))
	assert.Equal(t, Accepted, c.TryOffer(numbered(2)))
	assert.Equal(t, Dropped, c.TryOffer(numbered(3)))

	assert.Equal(t, uint64(2), c.Received())
	assert.Equal(t, uint64(1), c.Lost())
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 2, c.Cap())

	for _, want := range []uint16{1, 2} {
		ev, err := c.Receive(time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, ev.EventID)
	}
}

func TestChannelReceiveTimeout(t *testing.T) {
	c := NewChannel(1)

	_, err := c.Receive(0)
	require.ErrorIs(t, err, etwerr.ErrTimeout)

	start := time.Now()
	_, err = c.Receive(20 * time.Millisecond)
	require.ErrorIs(t, err, etwerr.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestChannelCloseDrainsFirst(t *testing.T) {
	c := NewChannel(4)
	c.TryOffer(numbered(1))
	c.TryOffer(numbered(2))
	c.Close()
	c.Close()

	assert.True(t, c.Closed())
	assert.Equal(t, Dropped, c.TryOffer(numbered(3)), "offers after close are dropped")

	ev, err := c.Receive(-1)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), ev.EventID)
	ev, err = c.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), ev.EventID)

	_, err = c.Receive(time.Second)
	require.ErrorIs(t, err, etwerr.ErrChannelClosed)
	_, err = c.Next(context.Background())
	require.ErrorIs(t, err, etwerr.ErrChannelClosed)
}

func TestChannelNextHonorsContext(t *testing.T) {
	c := NewChannel(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannelCloseWakesReceiver(t *testing.T) {
	c := NewChannel(1)
	errc := make(chan error, 1)
	go func() {
		_, err := c.Receive(-1)
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	c.Close()
	select {
	case err := <-errc:
		require.ErrorIs(t, err, etwerr.ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("receiver was not woken by Close")
	}
}

func TestChannelConcurrentOffersAreCounted(t *testing.T) {
	c := NewChannel(100)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				c.TryOffer(numbered(i))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(400), c.Received()+c.Lost())
	assert.Equal(t, uint64(100), c.Received())
}
