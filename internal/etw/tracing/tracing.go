// Package tracing is the boundary between the pipeline and the operating
// system's tracing facility. Backends implement Tracer; the pipeline only
// depends on the interfaces here.
package tracing

import (
	"errors"
	"time"

	"etwpipe/internal/etw/provider"
	"etwpipe/internal/etw/schema"

	"github.com/google/uuid"
)

// Backend errors. Sessions translate these into the etwerr taxonomy.
var (
	ErrAccessDenied   = errors.New("access denied")
	ErrAlreadyExists  = errors.New("trace already exists")
	ErrTraceNotFound  = errors.New("trace not found")
	ErrSchemaNotFound = schema.ErrNotFound
	ErrUnsupported    = errors.New("tracing backend not supported on this platform")
)

// RawRecord is one undecoded event record. Data, StackTrace and Native point
// into backend-owned memory and are only valid during HandleRecord.
type RawRecord struct {
	ProviderID uuid.UUID
	EventID    uint16
	Version    uint8
	Level      uint8
	Opcode     uint8
	Keyword    uint64
	// Timestamp is in FILETIME ticks (100ns since 1601-01-01 UTC).
	Timestamp int64
	ProcessID uint32
	ThreadID  uint32
	// PointerSize is 4 or 8 depending on the producing process.
	PointerSize uint8
	Data        []byte
	StackTrace  []uint64
	// Native is a backend-specific handle used by QuerySchema.
	Native any
}

// Key is the schema identity of the record.
func (r *RawRecord) Key() schema.Key {
	return schema.Key{Provider: r.ProviderID, EventID: r.EventID, Version: r.Version}
}

// TraceSpec is everything a backend needs to start a trace.
type TraceSpec struct {
	Name string
	// Kernel selects the NT Kernel Logger with Categories instead of
	// Providers.
	Kernel     bool
	Categories provider.KernelCategory
	Providers  []provider.Config
	// LogFile, when set, reads a trace file instead of starting a live
	// session. Providers then only filter what the file holds and the
	// buffer settings are ignored.
	LogFile string

	BufferSizeKB  uint32
	MinBuffers    uint32
	MaxBuffers    uint32
	FlushInterval time.Duration
}

// Handler receives records from Trace.Process. Calls are made sequentially
// from the goroutine running Process.
type Handler interface {
	HandleRecord(rec *RawRecord)
	// HandleBuffer is called once per OS buffer consumed. Backends may
	// report buffers late, after the records they carried.
	HandleBuffer()
}

// Trace is a started trace.
type Trace interface {
	// Process blocks delivering records to h until the trace is stopped,
	// or for file traces until the file is exhausted.
	Process(h Handler) error
	// Stop ends the trace and makes Process return. Calling it again is a no-op.
	Stop() error
	// QuerySchema looks up the layout of rec. It returns ErrSchemaNotFound
	// when the OS has no metadata for it.
	QuerySchema(rec *RawRecord) (*schema.Schema, error)
}

// ProviderInfo is one entry of the system provider list.
type ProviderInfo struct {
	GUID uuid.UUID
	Name string
}

// Tracer starts traces. StartTrace reports ErrAccessDenied and ErrAlreadyExists
// synchronously; once it returns a Trace the trace is live.
type Tracer interface {
	StartTrace(spec TraceSpec) (Trace, error)
	// StopTrace stops a trace by name, typically one left behind by a
	// previous run.
	StopTrace(name string) error
	EnumerateProviders() ([]ProviderInfo, error)
}
