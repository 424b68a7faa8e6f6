package etwmain

import (
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	plog "github.com/phuslu/log"

	"etwpipe/internal/etw/decoder"
	"etwpipe/internal/etw/etwerr"
	"etwpipe/internal/etw/event"
	"etwpipe/internal/etw/provider"
	"etwpipe/internal/etw/schema"
	"etwpipe/internal/etw/tracing"
	"etwpipe/internal/logger"
	"etwpipe/internal/maps"
)

// Kind tells user sessions from the kernel session and from trace files.
type Kind uint8

const (
	KindUser Kind = iota
	KindKernel
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindKernel:
		return "kernel"
	case KindFile:
		return "file"
	}
	return "user"
}

// State is a session's lifecycle state. Transitions only move forward:
// New -> Started -> Stopping -> Stopped.
type State int32

const (
	StateNew State = iota
	StateStarted
	StateStopping
	StateStopped
)

var stateNames = [...]string{"new", "started", "stopping", "stopped"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Tap observes every decoded event on the consumption goroutine before it is
// offered to the channel. Taps must not retain the event past the call
// unless they treat it as read-only.
type Tap func(ev *event.Event) error

type options struct {
	capacity     int
	cache        *schema.Cache
	cacheKind    maps.Kind
	taps         []Tap
	log          *plog.Logger
	bufferSizeKB uint32
	minBuffers   uint32
	maxBuffers   uint32
	flush        time.Duration
	stopIfExists bool
}

// Option configures a Session at construction.
type Option func(*options)

// WithChannelCapacity sets the delivery channel capacity.
func WithChannelCapacity(n int) Option { return func(o *options) { o.capacity = n } }

// WithSchemaCache shares c with other sessions. Without it every session
// gets a private cache.
func WithSchemaCache(c *schema.Cache) Option { return func(o *options) { o.cache = c } }

// WithCacheKind selects the map implementation for private caches and the
// resolver's negative entries.
func WithCacheKind(k maps.Kind) Option { return func(o *options) { o.cacheKind = k } }

// WithTap adds a synchronous observer.
func WithTap(t Tap) Option { return func(o *options) { o.taps = append(o.taps, t) } }

func WithLogger(l plog.Logger) Option { return func(o *options) { o.log = &l } }

func WithBufferSizeKB(kb uint32) Option { return func(o *options) { o.bufferSizeKB = kb } }

func WithBuffers(min, max uint32) Option {
	return func(o *options) { o.minBuffers, o.maxBuffers = min, max }
}

func WithFlushInterval(d time.Duration) Option { return func(o *options) { o.flush = d } }

// WithStopIfExists stops a trace left behind under the same name and
// retries Start once instead of failing with etwerr.ErrNameConflict.
func WithStopIfExists(v bool) Option { return func(o *options) { o.stopIfExists = v } }

// Session owns one OS trace and the goroutine consuming it.
type Session struct {
	name       string
	kind       Kind
	tracer     tracing.Tracer
	categories provider.KernelCategory
	logFile    string
	opts       options

	log     plog.Logger
	sampled *logger.SampledLogger

	mu        sync.Mutex
	state     atomic.Int32
	providers []provider.Config
	trace     tracing.Trace
	done      chan struct{}
	procErr   error

	channel  *Channel
	resolver *schema.Resolver

	startNanos atomic.Int64
	stopNanos  atomic.Int64

	buffers      atomic.Uint64
	schemaMisses atomic.Uint64
	decodeErrors atomic.Uint64
	tapErrors    atomic.Uint64
}

// NewSession creates a user session that will enable the providers added
// with AddProvider.
func NewSession(name string, tracer tracing.Tracer, opts ...Option) *Session {
	return newSession(name, KindUser, tracer, 0, opts)
}

// NewKernelSession creates a session on the kernel logger with the given
// event categories. Kernel sessions take no providers.
func NewKernelSession(name string, tracer tracing.Tracer, categories provider.KernelCategory, opts ...Option) *Session {
	return newSession(name, KindKernel, tracer, categories, opts)
}

// NewFileSession reads the trace file at path through the same decoding
// path as a live session. Providers added with AddProvider filter the file;
// without any every event is delivered. The session is named after the file
// and stops on its own once the file is exhausted.
func NewFileSession(path string, tracer tracing.Tracer, opts ...Option) *Session {
	// Trace files come from Windows, so both separators count.
	name := path[strings.LastIndexAny(path, `/\`)+1:]
	s := newSession(name, KindFile, tracer, 0, opts)
	s.logFile = path
	return s
}

func newSession(name string, kind Kind, tracer tracing.Tracer, categories provider.KernelCategory, opts []Option) *Session {
	o := options{
		capacity:  DefaultChannelCapacity,
		cacheKind: maps.KindXSync,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cache == nil {
		o.cache = schema.NewCache(o.cacheKind)
	}

	s := &Session{
		name:       name,
		kind:       kind,
		tracer:     tracer,
		categories: categories,
		opts:       o,
		channel:    NewChannel(o.capacity),
		resolver:   schema.NewResolver(o.cache, o.cacheKind),
		sampled:    logger.NewSampledLoggerCtx("session"),
	}
	if o.log != nil {
		s.log = *o.log
	} else {
		s.log = logger.NewLoggerWithContext("session")
	}
	s.log.Context = plog.NewContext(slices.Clip(s.log.Context)).Str("session", name).Str("kind", kind.String()).Value()
	return s
}

func (s *Session) Name() string         { return s.name }
func (s *Session) Kind() Kind           { return s.kind }
func (s *Session) State() State         { return State(s.state.Load()) }
func (s *Session) Channel() *Channel    { return s.channel }
func (s *Session) Cache() *schema.Cache { return s.resolver.Cache() }

// LogFile is the trace file a file session reads; empty otherwise.
func (s *Session) LogFile() string { return s.logFile }

// Categories is the kernel category mask; zero for user sessions.
func (s *Session) Categories() provider.KernelCategory { return s.categories }

// Providers returns a copy of the configured providers.
func (s *Session) Providers() []provider.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]provider.Config, len(s.providers))
	for i, p := range s.providers {
		out[i] = p.Clone()
	}
	return out
}

// AddProvider registers p for the next Start. A provider with the same GUID
// replaces the earlier one.
func (s *Session) AddProvider(p provider.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != StateNew {
		return fmt.Errorf("%w: cannot add provider to %s session %q", etwerr.ErrInvalidState, st, s.name)
	}
	if s.kind == KindKernel {
		return fmt.Errorf("%w: kernel session %q takes categories, not providers", etwerr.ErrInvalidState, s.name)
	}
	if err := p.Validate(); err != nil {
		return err
	}

	p = p.Clone()
	if i := slices.IndexFunc(s.providers, func(c provider.Config) bool { return c.GUID == p.GUID }); i >= 0 {
		s.providers[i] = p
	} else {
		s.providers = append(s.providers, p)
	}
	s.log.Debug().Str("provider", p.DisplayName()).Str("level", p.Level.String()).Msg("Provider added")
	return nil
}

// Start starts the OS trace and the consumption goroutine. On failure the
// session stays in StateNew and nothing is left running.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != StateNew {
		return fmt.Errorf("%w: cannot start %s session %q", etwerr.ErrInvalidState, st, s.name)
	}
	if s.kind == KindUser && len(s.providers) == 0 {
		return fmt.Errorf("%w: session %q has no providers", etwerr.ErrInvalidConfig, s.name)
	}
	if s.kind == KindKernel && s.categories == 0 {
		return fmt.Errorf("%w: kernel session %q has no categories", etwerr.ErrInvalidConfig, s.name)
	}

	spec := s.traceSpec()
	trace, err := s.tracer.StartTrace(spec)
	if errors.Is(err, tracing.ErrAlreadyExists) && s.opts.stopIfExists {
		s.log.Warn().Msg("Session already exists, stopping it and retrying")
		if stopErr := s.tracer.StopTrace(s.name); stopErr != nil && !errors.Is(stopErr, tracing.ErrTraceNotFound) {
			return s.startError(stopErr)
		}
		trace, err = s.tracer.StartTrace(spec)
	}
	if err != nil {
		return s.startError(err)
	}

	s.trace = trace
	s.done = make(chan struct{})
	s.startNanos.Store(time.Now().UnixNano())
	s.state.Store(int32(StateStarted))

	go s.consume(trace, s.done)

	s.log.Info().Int("providers", len(s.providers)).Str("categories", s.categories.String()).
		Int("channel_capacity", s.channel.Cap()).Msg("Session started")
	return nil
}

func (s *Session) startError(err error) error {
	switch {
	case errors.Is(err, tracing.ErrAccessDenied):
		return fmt.Errorf("failed to start session %q: %w: %w", s.name, etwerr.ErrPermissionDenied, err)
	case errors.Is(err, tracing.ErrAlreadyExists):
		return fmt.Errorf("failed to start session %q: %w: %w", s.name, etwerr.ErrNameConflict, err)
	}
	return fmt.Errorf("failed to start session %q: %w", s.name, err)
}

func (s *Session) traceSpec() tracing.TraceSpec {
	spec := tracing.TraceSpec{
		Name:          s.name,
		Kernel:        s.kind == KindKernel,
		Categories:    s.categories,
		LogFile:       s.logFile,
		BufferSizeKB:  s.opts.bufferSizeKB,
		MinBuffers:    s.opts.minBuffers,
		MaxBuffers:    s.opts.maxBuffers,
		FlushInterval: s.opts.flush,
	}
	for _, p := range s.providers {
		spec.Providers = append(spec.Providers, p.Clone())
	}
	return spec
}

// consume runs the blocking processing call. The channel is closed when it
// returns, whether Stop ended the trace or something else did.
func (s *Session) consume(trace tracing.Trace, done chan struct{}) {
	defer close(done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	h := &recordHandler{s: s, trace: trace, names: s.providerNames()}
	err := trace.Process(h)

	s.stopNanos.Store(time.Now().UnixNano())
	s.channel.Close()

	if err != nil {
		s.procErr = err
		s.log.Error().Err(err).Msg("Trace processing failed")
	}
	if s.state.CompareAndSwap(int32(StateStarted), int32(StateStopped)) {
		if s.kind == KindFile {
			s.log.Info().Uint64("received", s.channel.Received()).Uint64("buffers", s.buffers.Load()).
				Msg("Trace file consumed")
		} else {
			s.log.Warn().Msg("Trace ended without Stop")
		}
	}
}

// Stop stops the trace, waits for the consumption goroutine and closes the
// channel. Stopping a stopped session is a no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateNew:
		return fmt.Errorf("%w: session %q was never started", etwerr.ErrInvalidState, s.name)
	case StateStopped:
		return nil
	}

	if !s.state.CompareAndSwap(int32(StateStarted), int32(StateStopping)) {
		// The trace ended on its own between the load and here.
		<-s.done
		return nil
	}
	s.log.Debug().Msg("Stopping session")

	stopErr := s.trace.Stop()
	if stopErr != nil {
		s.log.Error().Err(stopErr).Msg("Failed to stop trace")
	}
	<-s.done
	s.channel.Close()
	s.state.Store(int32(StateStopped))

	st := s.Stats()
	s.log.Info().Uint64("received", st.EventsReceived).Uint64("lost", st.EventsLost).
		Uint64("buffers", st.BuffersProcessed).Dur("duration", st.Duration).Msg("Session stopped")

	if stopErr != nil {
		return fmt.Errorf("failed to stop session %q: %w", s.name, stopErr)
	}
	return nil
}

// Done is closed once the consumption goroutine has exited. It is nil
// before Start.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns the error the trace ended with, if any. It is only meaningful
// after Done is closed.
func (s *Session) Err() error {
	select {
	case <-s.Done():
		return s.procErr
	default:
		return nil
	}
}

// Stats can be called from any goroutine in any state.
func (s *Session) Stats() SessionStats {
	st := SessionStats{
		Name:             s.name,
		Kind:             s.kind,
		State:            s.State(),
		EventsReceived:   s.channel.Received(),
		EventsLost:       s.channel.Lost(),
		BuffersProcessed: s.buffers.Load(),
		SchemaMisses:     s.schemaMisses.Load(),
		DecodeErrors:     s.decodeErrors.Load(),
		TapErrors:        s.tapErrors.Load(),
		ChannelLen:       s.channel.Len(),
		ChannelCap:       s.channel.Cap(),
		Cache:            s.resolver.Cache().Stats(),
	}
	if start := s.startNanos.Load(); start != 0 {
		st.StartTime = time.Unix(0, start)
		end := time.Now()
		if stop := s.stopNanos.Load(); stop != 0 {
			end = time.Unix(0, stop)
		}
		st.Duration = end.Sub(st.StartTime)
	}
	return st
}

func (s *Session) providerNames() map[uuid.UUID]string {
	names := make(map[uuid.UUID]string, len(s.providers))
	for _, p := range s.providers {
		name := p.Name
		if name == "" {
			name = provider.NameOf(p.GUID)
		}
		if name != "" {
			names[p.GUID] = name
		}
	}
	return names
}

// recordHandler runs on the consumption goroutine.
type recordHandler struct {
	s     *Session
	trace tracing.Trace
	names map[uuid.UUID]string
}

func (h *recordHandler) HandleRecord(rec *tracing.RawRecord) {
	s := h.s

	sch, err := s.resolver.Resolve(rec.Key(), func() (*schema.Schema, error) {
		return h.trace.QuerySchema(rec)
	})
	if err != nil {
		s.schemaMisses.Add(1)
		s.sampled.Warn().Err(err).Str("provider", rec.ProviderID.String()).
			Uint16("event_id", rec.EventID).Msg("Delivering event without schema")
	}

	ev := decoder.Decode(rec, sch)
	if n := decoder.Errors(ev); n > 0 {
		s.decodeErrors.Add(uint64(n))
		s.sampled.Debug().Str("provider", ev.ProviderName).Uint16("event_id", ev.EventID).
			Int("undecodable", n).Msg("Partially decoded event")
	}
	if ev.ProviderName == "" {
		if name, ok := h.names[rec.ProviderID]; ok {
			ev.ProviderName = name
		} else {
			ev.ProviderName = provider.NameOf(rec.ProviderID)
		}
	}

	for _, tap := range s.opts.taps {
		if err := tap(ev); err != nil {
			s.tapErrors.Add(1)
			s.sampled.Error().Err(err).Msg("Tap failed")
		}
	}

	if s.channel.TryOffer(ev) == Dropped {
		s.sampled.Warn().Uint64("lost", s.channel.Lost()).Msg("Channel full, dropping events")
	}
}

func (h *recordHandler) HandleBuffer() { h.s.buffers.Add(1) }
