package etwmain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"etwpipe/internal/etw/backend/memtrace"
	"etwpipe/internal/etw/decoder"
	"etwpipe/internal/etw/etwerr"
	"etwpipe/internal/etw/event"
	"etwpipe/internal/etw/provider"
	"etwpipe/internal/etw/schema"
	"etwpipe/internal/etw/tracing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var startSchema = &schema.Schema{
	Key:          schema.Key{Provider: provider.KernelProcessGUID, EventID: 1, Version: 3},
	ProviderName: "Microsoft-Windows-Kernel-Process",
	EventName:    "ProcessStart",
	Properties: []schema.PropertyDescriptor{
		{Name: "ProcessID", Type: schema.TypeUInt32},
		{Name: "ParentProcessID", Type: schema.TypeUInt32},
		{Name: "ImageName", Type: schema.TypeUnicodeString},
	},
}

func startRecord(i int) *tracing.RawRecord {
	var b decoder.Builder
	b.U32(uint32(1000 + i)).U32(4).UTF16Z(fmt.Sprintf(`C:\bin\app%d.exe`, i))
	return &tracing.RawRecord{
		ProviderID:  provider.KernelProcessGUID,
		EventID:     1,
		Version:     3,
		Level:       4,
		Keyword:     0x10,
		Timestamp:   event.TimeToFileTime(time.Now()),
		ProcessID:   4,
		ThreadID:    88,
		PointerSize: 8,
		Data:        b.Bytes(),
	}
}

func startRecords(n int) []*tracing.RawRecord {
	recs := make([]*tracing.RawRecord, n)
	for i := range recs {
		recs[i] = startRecord(i)
	}
	return recs
}

// startedSession returns a running user session with Kernel-Process enabled
// at Verbose and its in-memory trace.
func startedSession(t *testing.T, tracer *memtrace.Tracer, opts ...Option) (*Session, *memtrace.Trace) {
	t.Helper()
	s := NewSession(t.Name(), tracer, opts...)
	require.NoError(t, s.AddProvider(provider.New(provider.KernelProcessGUID)))
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })

	tr, ok := tracer.Trace(t.Name())
	require.True(t, ok)
	return s, tr
}

func drain(t *testing.T, s *Session) []*event.Event {
	t.Helper()
	var out []*event.Event
	for {
		ev, err := s.Channel().Receive(0)
		if errors.Is(err, etwerr.ErrTimeout) || errors.Is(err, etwerr.ErrChannelClosed) {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestSessionFiveKnownRecords(t *testing.T) {
	tracer := memtrace.New(memtrace.WithSchemas(startSchema))
	s, tr := startedSession(t, tracer)

	require.NoError(t, tr.Emit(startRecords(5)...))

	st := s.Stats()
	assert.Equal(t, uint64(5), st.EventsReceived)
	assert.Equal(t, uint64(0), st.EventsLost)
	assert.Equal(t, uint64(1), st.BuffersProcessed)

	events := drain(t, s)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.False(t, ev.SchemaLess)
		assert.Equal(t, "ProcessStart", ev.EventName)
		assert.Equal(t, []string{"ProcessID", "ParentProcessID", "ImageName"}, ev.Properties.Names())
		pid, _ := ev.Properties.Get("ProcessID")
		assert.Equal(t, uint64(1000+i), pid.AsUint(), "callback order")
		img, _ := ev.Properties.Get("ImageName")
		assert.Equal(t, fmt.Sprintf(`C:\bin\app%d.exe`, i), img.AsString())
	}
	assert.Equal(t, uint64(1), tr.Queries(), "schema is cached after the first record")
}

func TestSessionUnresolvableSchemas(t *testing.T) {
	tracer := memtrace.New()
	s, tr := startedSession(t, tracer)

	require.NoError(t, tr.Emit(startRecords(3)...))

	st := s.Stats()
	assert.Equal(t, uint64(3), st.EventsReceived)
	assert.Equal(t, uint64(0), st.EventsLost)
	assert.Equal(t, uint64(3), st.SchemaMisses)

	events := drain(t, s)
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.True(t, ev.SchemaLess)
		assert.Empty(t, ev.Properties)
		assert.Equal(t, "Microsoft-Windows-Kernel-Process", ev.ProviderName)
	}
	assert.Equal(t, uint64(1), tr.Queries(), "unknown schemas are queried once")
}

func TestSessionConservationUnderOverflow(t *testing.T) {
	tracer := memtrace.New(memtrace.WithSchemas(startSchema))
	s, tr := startedSession(t, tracer, WithChannelCapacity(10))

	for range 5 {
		require.NoError(t, tr.Emit(startRecords(5)...))
	}

	st := s.Stats()
	assert.Equal(t, tr.Delivered(), st.Total())
	assert.Equal(t, uint64(10), st.EventsReceived)
	assert.Equal(t, uint64(15), st.EventsLost)
	assert.True(t, st.HasLoss())
	assert.InDelta(t, 60.0, st.LossPercent(), 0.001)
	assert.Equal(t, uint64(5), st.BuffersProcessed)

	events := drain(t, s)
	require.Len(t, events, 10)
	for i, ev := range events[:5] {
		pid, _ := ev.Properties.Get("ProcessID")
		assert.Equal(t, uint64(1000+i), pid.AsUint(), "drop-newest keeps the oldest events")
	}
}

func TestSessionProducerNeverBlocks(t *testing.T) {
	tracer := memtrace.New(memtrace.WithSchemas(startSchema))
	s, tr := startedSession(t, tracer, WithChannelCapacity(1))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 100 {
			_ = tr.Emit(startRecord(0))
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked on a full channel")
	}
	assert.Equal(t, uint64(99), s.Stats().EventsLost)
}

func TestSessionLifecycle(t *testing.T) {
	tracer := memtrace.New()
	s := NewSession("lifecycle", tracer)

	require.ErrorIs(t, s.Stop(), etwerr.ErrInvalidState, "stop before start")
	require.ErrorIs(t, s.Start(), etwerr.ErrInvalidConfig, "no providers")
	assert.Equal(t, StateNew, s.State())

	require.NoError(t, s.AddProvider(provider.New(provider.KernelProcessGUID)))
	require.NoError(t, s.AddProvider(provider.New(provider.KernelProcessGUID, provider.WithLevel(provider.LevelError))))
	require.Len(t, s.Providers(), 1, "same GUID replaces")
	assert.Equal(t, provider.LevelError, s.Providers()[0].Level)

	require.NoError(t, s.Start())
	assert.Equal(t, StateStarted, s.State())
	require.ErrorIs(t, s.Start(), etwerr.ErrInvalidState)
	require.ErrorIs(t, s.AddProvider(provider.New(provider.DNSClientGUID)), etwerr.ErrInvalidState)

	require.NoError(t, s.Stop())
	assert.Equal(t, StateStopped, s.State())
	require.NoError(t, s.Stop(), "stop is idempotent")
	require.NoError(t, s.Stop())
	assert.Equal(t, StateStopped, s.State())
	require.ErrorIs(t, s.Start(), etwerr.ErrInvalidState, "no restart after stop")

	_, err := s.Channel().Receive(time.Second)
	require.ErrorIs(t, err, etwerr.ErrChannelClosed)
	<-s.Done()
	require.NoError(t, s.Err())
}

func TestSessionStopDrainsBufferedEvents(t *testing.T) {
	tracer := memtrace.New(memtrace.WithSchemas(startSchema))
	s, tr := startedSession(t, tracer)

	require.NoError(t, tr.Emit(startRecords(3)...))
	require.NoError(t, s.Stop())

	assert.Len(t, drain(t, s), 3)
	_, err := s.Channel().Receive(0)
	require.ErrorIs(t, err, etwerr.ErrChannelClosed)
}

func TestSessionTraceEndsOnItsOwn(t *testing.T) {
	tracer := memtrace.New()
	s, tr := startedSession(t, tracer)

	require.NoError(t, tr.Stop())
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("consumption goroutine did not exit")
	}
	assert.Equal(t, StateStopped, s.State())
	require.NoError(t, s.Stop())
	_, err := s.Channel().Receive(0)
	require.ErrorIs(t, err, etwerr.ErrChannelClosed)
}

func TestFileSession(t *testing.T) {
	const path = `C:\traces\boot.etl`
	tracer := memtrace.New(memtrace.WithSchemas(startSchema))
	tracer.AddFile(path, startRecords(2), startRecords(3))

	s := NewFileSession(path, tracer)
	assert.Equal(t, "boot.etl", s.Name())
	assert.Equal(t, KindFile, s.Kind())
	assert.Equal(t, path, s.LogFile())
	require.NoError(t, s.Start())

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("file session did not end")
	}
	require.NoError(t, s.Err())
	assert.Equal(t, StateStopped, s.State())

	evs := drain(t, s)
	require.Len(t, evs, 5)
	assert.Equal(t, "ProcessStart", evs[0].EventName)
	st := s.Stats()
	assert.Equal(t, uint64(2), st.BuffersProcessed)
	assert.Equal(t, uint64(5), st.EventsReceived)
	require.NoError(t, s.Stop())

	missing := NewFileSession(`C:\traces\none.etl`, tracer)
	require.ErrorIs(t, missing.Start(), tracing.ErrTraceNotFound)
	assert.Equal(t, StateNew, missing.State())
}

func TestSessionStartErrors(t *testing.T) {
	t.Run("permission denied", func(t *testing.T) {
		tracer := memtrace.New(memtrace.WithAccessDenied())
		s := NewSession("denied", tracer)
		require.NoError(t, s.AddProvider(provider.New(provider.KernelProcessGUID)))

		err := s.Start()
		require.ErrorIs(t, err, etwerr.ErrPermissionDenied)
		assert.Equal(t, StateNew, s.State())
		assert.Nil(t, s.Done(), "no goroutine after a failed start")
	})

	t.Run("name conflict", func(t *testing.T) {
		tracer := memtrace.New()
		_, err := tracer.StartTrace(tracing.TraceSpec{Name: "taken"})
		require.NoError(t, err)

		s := NewSession("taken", tracer)
		require.NoError(t, s.AddProvider(provider.New(provider.KernelProcessGUID)))
		require.ErrorIs(t, s.Start(), etwerr.ErrNameConflict)
		assert.Equal(t, StateNew, s.State())
	})

	t.Run("stop if exists", func(t *testing.T) {
		tracer := memtrace.New()
		_, err := tracer.StartTrace(tracing.TraceSpec{Name: "stale"})
		require.NoError(t, err)

		s := NewSession("stale", tracer, WithStopIfExists(true))
		require.NoError(t, s.AddProvider(provider.New(provider.KernelProcessGUID)))
		require.NoError(t, s.Start())
		assert.Equal(t, 2, tracer.Starts())
		require.NoError(t, s.Stop())
	})
}

func TestKernelSession(t *testing.T) {
	tracer := memtrace.New()
	s := NewKernelSession("NT Kernel Logger", tracer, provider.KernelProcess|provider.KernelThread)
	assert.Equal(t, KindKernel, s.Kind())

	require.ErrorIs(t, s.AddProvider(provider.New(provider.KernelProcessGUID)), etwerr.ErrInvalidState)
	require.NoError(t, s.Start())
	defer s.Stop()

	tr, ok := tracer.Trace("NT Kernel Logger")
	require.True(t, ok)
	assert.True(t, tr.Spec().Kernel)
	assert.Equal(t, provider.KernelProcess|provider.KernelThread, tr.Spec().Categories)

	require.NoError(t, tr.Emit(&tracing.RawRecord{ProviderID: provider.KernelProcessGUID, EventID: 1}))
	assert.Equal(t, uint64(1), s.Stats().EventsReceived)

	empty := NewKernelSession("empty", tracer, 0)
	require.ErrorIs(t, empty.Start(), etwerr.ErrInvalidConfig)
}

func TestSessionTapsSeeEveryEvent(t *testing.T) {
	tracer := memtrace.New(memtrace.WithSchemas(startSchema))
	var seen []uint64
	tap := func(ev *event.Event) error {
		pid, _ := ev.Properties.Get("ProcessID")
		seen = append(seen, pid.AsUint())
		if len(seen) == 2 {
			return errors.New("disk full")
		}
		return nil
	}
	s, tr := startedSession(t, tracer, WithTap(tap), WithChannelCapacity(2))

	require.NoError(t, tr.Emit(startRecords(4)...))

	assert.Equal(t, []uint64{1000, 1001, 1002, 1003}, seen, "taps run before the channel, even for dropped events")
	st := s.Stats()
	assert.Equal(t, uint64(1), st.TapErrors)
	assert.Equal(t, uint64(2), st.EventsLost)
}

func TestSessionsShareSchemaCache(t *testing.T) {
	tracer := memtrace.New(memtrace.WithSchemas(startSchema))
	cache := schema.NewCache("xsync")

	a, trA := startedSession(t, tracer, WithSchemaCache(cache))
	require.NoError(t, trA.Emit(startRecord(0)))

	b := NewSession("second", tracer, WithSchemaCache(cache))
	require.NoError(t, b.AddProvider(provider.New(provider.KernelProcessGUID)))
	require.NoError(t, b.Start())
	defer b.Stop()
	trB, _ := tracer.Trace("second")
	require.NoError(t, trB.Emit(startRecord(1)))

	assert.Same(t, a.Cache(), b.Cache())
	assert.Equal(t, uint64(0), trB.Queries())
	assert.Equal(t, 1, cache.Len())
}

func TestSessionDecodeErrorsCounted(t *testing.T) {
	tracer := memtrace.New(memtrace.WithSchemas(startSchema))
	s, tr := startedSession(t, tracer)

	rec := startRecord(0)
	rec.Data = rec.Data[:2]
	require.NoError(t, tr.Emit(rec))

	ev := drain(t, s)[0]
	assert.False(t, ev.SchemaLess)
	assert.Equal(t, 3, decoder.Errors(ev))
	assert.Equal(t, uint64(3), s.Stats().DecodeErrors)
}
