// Package memtrace is an in-memory tracing backend. Records are injected by
// the caller and delivered through the same Handler contract as the Windows
// backend, which makes whole-pipeline behavior testable on any platform.
package memtrace

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"etwpipe/internal/etw/provider"
	"etwpipe/internal/etw/schema"
	"etwpipe/internal/etw/tracing"

	"github.com/google/uuid"
)

// Tracer implements tracing.Tracer.
type Tracer struct {
	mu        sync.Mutex
	traces    map[string]*Trace
	files     map[string][][]*tracing.RawRecord
	schemas   map[schema.Key]*schema.Schema
	providers []tracing.ProviderInfo
	denied    bool
	starts    int
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithAccessDenied makes every StartTrace fail as an unprivileged caller would.
func WithAccessDenied() Option { return func(t *Tracer) { t.denied = true } }

// WithSchemas pre-registers event layouts.
func WithSchemas(ss ...*schema.Schema) Option {
	return func(t *Tracer) {
		for _, s := range ss {
			t.schemas[s.Key] = s
		}
	}
}

// WithProviders adds entries to EnumerateProviders.
func WithProviders(ps ...tracing.ProviderInfo) Option {
	return func(t *Tracer) { t.providers = append(t.providers, ps...) }
}

func New(opts ...Option) *Tracer {
	t := &Tracer{
		traces:  make(map[string]*Trace),
		files:   make(map[string][][]*tracing.RawRecord),
		schemas: make(map[schema.Key]*schema.Schema),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RegisterSchema makes s available to QuerySchema.
func (t *Tracer) RegisterSchema(s *schema.Schema) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.schemas[s.Key] = s
}

// AddFile makes path readable as a trace file holding buffers. Each
// element of buffers is one OS buffer.
func (t *Tracer) AddFile(path string, buffers ...[]*tracing.RawRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files[path] = buffers
}

// SetAccessDenied toggles privilege failures for subsequent starts.
func (t *Tracer) SetAccessDenied(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.denied = v
}

func (t *Tracer) StartTrace(spec tracing.TraceSpec) (tracing.Trace, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if spec.LogFile != "" {
		buffers, ok := t.files[spec.LogFile]
		if !ok {
			return nil, fmt.Errorf("open %q: %w", spec.LogFile, tracing.ErrTraceNotFound)
		}
		t.starts++
		return &Trace{tracer: t, spec: spec, file: buffers, stop: make(chan struct{})}, nil
	}
	if t.denied {
		return nil, fmt.Errorf("start %q: %w", spec.Name, tracing.ErrAccessDenied)
	}
	if _, ok := t.traces[spec.Name]; ok {
		return nil, fmt.Errorf("start %q: %w", spec.Name, tracing.ErrAlreadyExists)
	}

	tr := &Trace{
		tracer:  t,
		spec:    spec,
		batches: make(chan *batch),
		stop:    make(chan struct{}),
	}
	t.traces[spec.Name] = tr
	t.starts++
	return tr, nil
}

func (t *Tracer) StopTrace(name string) error {
	t.mu.Lock()
	tr, ok := t.traces[name]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("stop %q: %w", name, tracing.ErrTraceNotFound)
	}
	return tr.Stop()
}

// EnumerateProviders lists the registered providers followed by the
// well-known ones.
func (t *Tracer) EnumerateProviders() ([]tracing.ProviderInfo, error) {
	t.mu.Lock()
	out := slices.Clone(t.providers)
	t.mu.Unlock()

	seen := make(map[uuid.UUID]bool, len(out))
	for _, p := range out {
		seen[p.GUID] = true
	}
	for _, k := range provider.KnownProviders {
		if !seen[k.GUID] {
			out = append(out, tracing.ProviderInfo{GUID: k.GUID, Name: k.Name})
		}
	}
	return out, nil
}

// Trace returns the live trace registered under name.
func (t *Tracer) Trace(name string) (*Trace, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.traces[name]
	return tr, ok
}

// Starts is the number of successful StartTrace calls.
func (t *Tracer) Starts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.starts
}

func (t *Tracer) lookup(k schema.Key) (*schema.Schema, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.schemas[k]
	return s, ok
}

func (t *Tracer) remove(tr *Trace) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.traces[tr.spec.Name] == tr {
		delete(t.traces, tr.spec.Name)
	}
}

type batch struct {
	recs []*tracing.RawRecord
	done chan struct{}
}

// Trace is one running in-memory trace. Each Emit call is one OS buffer.
// A trace opened on a file delivers the file's buffers and ends on its own.
type Trace struct {
	tracer  *Tracer
	spec    tracing.TraceSpec
	file    [][]*tracing.RawRecord
	batches chan *batch
	stop    chan struct{}
	once    sync.Once

	delivered atomic.Uint64
	filtered  atomic.Uint64
	queries   atomic.Uint64
}

// Spec returns the TraceSpec the trace was started with.
func (tr *Trace) Spec() tracing.TraceSpec { return tr.spec }

// Emit delivers recs as one buffer and waits until the handler has seen all
// of them. Records that no enabled provider would produce are filtered out
// the way the OS would. It returns tracing.ErrTraceNotFound once the trace
// has stopped. File traces cannot be emitted to.
func (tr *Trace) Emit(recs ...*tracing.RawRecord) error {
	if tr.file != nil {
		return fmt.Errorf("emit to file %q: %w", tr.spec.LogFile, tracing.ErrUnsupported)
	}
	b := &batch{done: make(chan struct{})}
	for _, r := range recs {
		if tr.enabled(r) {
			b.recs = append(b.recs, r)
		} else {
			tr.filtered.Add(1)
		}
	}

	select {
	case tr.batches <- b:
	case <-tr.stop:
		return fmt.Errorf("emit to %q: %w", tr.spec.Name, tracing.ErrTraceNotFound)
	}
	<-b.done
	return nil
}

func (tr *Trace) enabled(r *tracing.RawRecord) bool {
	switch {
	case tr.spec.Kernel:
		return provider.KernelCategoryOf(r.ProviderID)&tr.spec.Categories != 0
	case tr.spec.LogFile != "" && len(tr.spec.Providers) == 0:
		return true
	}
	for _, p := range tr.spec.Providers {
		if p.GUID == r.ProviderID {
			return p.Matches(r.Level, r.Keyword, r.EventID)
		}
	}
	return false
}

func (tr *Trace) Process(h tracing.Handler) error {
	if tr.spec.LogFile != "" {
		return tr.processFile(h)
	}
	for {
		select {
		case b := <-tr.batches:
			for _, r := range b.recs {
				h.HandleRecord(r)
				tr.delivered.Add(1)
			}
			h.HandleBuffer()
			close(b.done)
		case <-tr.stop:
			return nil
		}
	}
}

func (tr *Trace) processFile(h tracing.Handler) error {
	for _, buf := range tr.file {
		select {
		case <-tr.stop:
			return nil
		default:
		}
		for _, r := range buf {
			if !tr.enabled(r) {
				tr.filtered.Add(1)
				continue
			}
			h.HandleRecord(r)
			tr.delivered.Add(1)
		}
		h.HandleBuffer()
	}
	return nil
}

func (tr *Trace) Stop() error {
	tr.once.Do(func() {
		close(tr.stop)
		tr.tracer.remove(tr)
	})
	return nil
}

// Stopped is closed once Stop has been called.
func (tr *Trace) Stopped() <-chan struct{} { return tr.stop }

func (tr *Trace) QuerySchema(rec *tracing.RawRecord) (*schema.Schema, error) {
	tr.queries.Add(1)
	if s, ok := tr.tracer.lookup(rec.Key()); ok {
		return s, nil
	}
	return nil, fmt.Errorf("%s: %w", rec.Key(), tracing.ErrSchemaNotFound)
}

// Delivered is the number of records handed to the handler.
func (tr *Trace) Delivered() uint64 { return tr.delivered.Load() }

// Filtered is the number of emitted records no provider matched.
func (tr *Trace) Filtered() uint64 { return tr.filtered.Load() }

// Queries is the number of QuerySchema calls.
func (tr *Trace) Queries() uint64 { return tr.queries.Load() }
