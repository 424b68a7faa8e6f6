//go:build windows

// Package goetw is the Windows tracing backend. Sessions and consumers come
// from the goetw library; event layouts come from TDH.
package goetw

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
	"unsafe"

	"etwpipe/internal/etw/provider"
	"etwpipe/internal/etw/schema"
	"etwpipe/internal/etw/tracing"
	"etwpipe/internal/logger"

	"github.com/google/uuid"
	plog "github.com/phuslu/log"
	"github.com/tekert/golang-etw/etw"
	"golang.org/x/sys/windows"
)

const (
	consumerStopTimeout = 10 * time.Second

	// bufferSyncEvery is how many records pass between reads of the
	// consumer's buffer count.
	bufferSyncEvery = 256
)

// Tracer implements tracing.Tracer on top of real-time ETW sessions and
// .etl files.
type Tracer struct {
	log plog.Logger
}

func New() *Tracer {
	return &Tracer{log: logger.NewLoggerWithContext("goetw")}
}

func (t *Tracer) StartTrace(spec tracing.TraceSpec) (tracing.Trace, error) {
	if spec.LogFile != "" {
		return t.openFile(spec)
	}

	var s *etw.RealTimeSession
	if spec.Kernel {
		s = etw.NewKernelRealTimeSession(uint32(spec.Categories))
	} else {
		s = etw.NewRealTimeSession(spec.Name)
	}

	props := s.TraceProperties()
	if spec.BufferSizeKB > 0 {
		props.BufferSize = spec.BufferSizeKB
	}
	if spec.MinBuffers > 0 {
		props.MinimumBuffers = spec.MinBuffers
	}
	if spec.MaxBuffers > 0 {
		props.MaximumBuffers = spec.MaxBuffers
	}
	if spec.FlushInterval > 0 {
		props.FlushTimer = uint32(max(spec.FlushInterval/time.Second, 1))
	}

	if spec.Kernel {
		// Kernel sessions must be started explicitly.
		if err := s.Start(); err != nil {
			return nil, mapError(spec.Name, err)
		}
	} else {
		for _, p := range spec.Providers {
			// EnableProvider starts the session on first use.
			if err := s.EnableProvider(toProvider(p)); err != nil {
				if s.IsStarted() {
					_ = s.Stop()
				}
				return nil, mapError(spec.Name, fmt.Errorf("enable provider %s: %w", p.DisplayName(), err))
			}
			t.log.Debug().Str("session", spec.Name).Str("provider", p.DisplayName()).Msg("Enabled provider")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &trace{
		spec:      spec,
		session:   s,
		traceName: s.TraceName(),
		consumer:  etw.NewConsumer(ctx).FromSessions(s),
		cancel:    cancel,
		teiBuf:    make([]byte, 8192),
		log:       t.log,
	}, nil
}

// openFile consumes an .etl file instead of a live session. The consumer
// reads files when the trace name is an absolute path to one.
func (t *Tracer) openFile(spec tracing.TraceSpec) (tracing.Trace, error) {
	path, err := filepath.Abs(spec.LogFile)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", spec.LogFile, err)
	}
	if !strings.EqualFold(filepath.Ext(path), ".etl") {
		return nil, fmt.Errorf("open %q: not an .etl file", spec.LogFile)
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open %q: %w", spec.LogFile, tracing.ErrTraceNotFound)
		}
		return nil, fmt.Errorf("open %q: %w", spec.LogFile, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.log.Debug().Str("file", path).Msg("Opening trace file")
	return &trace{
		spec:      spec,
		traceName: path,
		consumer:  etw.NewConsumer(ctx).FromTraceNames(path),
		cancel:    cancel,
		teiBuf:    make([]byte, 8192),
		log:       t.log,
	}, nil
}

// StopTrace stops a session by name, whoever started it. The session is
// queried first so that a missing one reports tracing.ErrTraceNotFound.
func (t *Tracer) StopTrace(name string) error {
	if name == "" {
		name = etw.NtKernelLogger
	}
	props := etw.NewQueryTraceProperties(name)
	if err := etw.QueryTrace(props); err != nil {
		return mapError(name, err)
	}
	t.log.Debug().Str("session", name).Uint32("events_lost", props.EventsLost).
		Uint32("buffers_written", props.BuffersWritten).Msg("Stopping existing session")

	props.LogFileNameOffset = 0
	if err := etw.ControlTrace(0, props.GetTraceName(), &props.EventTraceProperties2, etw.EVENT_TRACE_CONTROL_STOP); err != nil {
		return mapError(name, fmt.Errorf("stop trace: %w", err))
	}
	return nil
}

// EnumerateProviders lists the providers registered on the system, sorted
// by name.
func (t *Tracer) EnumerateProviders() ([]tracing.ProviderInfo, error) {
	// The library keys every provider by both name and GUID.
	m := etw.EnumerateProviders()
	seen := make(map[uuid.UUID]bool, len(m)/2)
	out := make([]tracing.ProviderInfo, 0, len(m)/2)
	for _, p := range m {
		id := fromGUID(p.GUID)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, tracing.ProviderInfo{GUID: id, Name: p.Name})
	}
	slices.SortFunc(out, func(a, b tracing.ProviderInfo) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// ConfigureLibLogging routes the library's own loggers into w at level.
func ConfigureLibLogging(level string, w plog.Writer) {
	lm := etw.GetLogManager()
	ctx := plog.NewContext(nil).Str("source", "etw-lib").Value()
	lvl := logger.ParseLevel(level)
	lm.SetLogLevels(map[etw.LoggerName]plog.Level{
		etw.ConsumerLogger: lvl,
		etw.SessionLogger:  lvl,
		etw.DefaultLogger:  lvl,
	})
	lm.SetBaseContext(ctx)
	lm.SetWriter(w)
}

type trace struct {
	spec tracing.TraceSpec
	// session is nil for file traces.
	session *etw.RealTimeSession
	// traceName keys the trace inside the consumer: the session name or
	// the file path.
	traceName string
	consumer  *etw.Consumer
	cancel    context.CancelFunc
	log       plog.Logger

	stopOnce sync.Once
	stopErr  error

	// teiBuf is reused by QuerySchema, which only runs on the Process goroutine.
	teiBuf []byte
}

func (t *trace) Process(h tracing.Handler) error {
	var (
		rec     tracing.RawRecord
		stack   []uint64
		buffers bufferCounter
		n       uint
	)
	isFile := t.session == nil
	t.consumer.EventRecordCallback = func(er *etw.EventRecord) bool {
		fillRecord(&rec, er)
		if stack = readStack(stack, er); len(stack) > 0 {
			rec.StackTrace = stack
		}
		if !isFile || accepts(t.spec.Providers, &rec) {
			h.HandleRecord(&rec)
		}
		rec = tracing.RawRecord{}

		if n++; n%bufferSyncEvery == 0 {
			t.syncBuffers(&buffers, h)
		}
		// Decoding happens downstream; skip the library's own parsing.
		return false
	}
	if err := t.consumer.Start(); err != nil {
		return fmt.Errorf("start consumer for %q: %w", t.spec.Name, err)
	}
	t.consumer.Wait()
	t.syncBuffers(&buffers, h)

	if isFile {
		if err := t.consumer.LastError(); err != nil {
			return fmt.Errorf("read %q: %w", t.traceName, err)
		}
	}
	return nil
}

// syncBuffers reports the buffers the consumer has read since the last
// call. The library counts them in its own buffer callback.
func (t *trace) syncBuffers(c *bufferCounter, h tracing.Handler) {
	tr, ok := t.consumer.GetTraceCopy(t.traceName)
	if !ok || tr.TraceLogFile == nil {
		return
	}
	c.sync(tr.TraceLogFile.BuffersRead, h)
}

func (t *trace) Stop() error {
	t.stopOnce.Do(func() {
		var errs []error
		if t.session != nil {
			if err := t.session.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop session %q: %w", t.spec.Name, err))
			}
		}
		if err := t.consumer.StopWithTimeout(consumerStopTimeout); err != nil {
			errs = append(errs, fmt.Errorf("stop consumer %q: %w", t.spec.Name, err))
		}
		t.cancel()
		t.stopErr = errors.Join(errs...)
	})
	return t.stopErr
}

func (t *trace) QuerySchema(rec *tracing.RawRecord) (*schema.Schema, error) {
	er, ok := rec.Native.(*etw.EventRecord)
	if !ok || er == nil {
		return nil, tracing.ErrSchemaNotFound
	}
	ti, err := er.GetEventInformation(&t.teiBuf)
	if err != nil {
		if errors.Is(err, windows.ERROR_NOT_FOUND) {
			return nil, fmt.Errorf("%s: %w", rec.Key(), tracing.ErrSchemaNotFound)
		}
		return nil, err
	}
	return buildSchema(rec.Key(), ti), nil
}

func fillRecord(rec *tracing.RawRecord, er *etw.EventRecord) {
	h := &er.EventHeader
	d := &h.EventDescriptor
	rec.ProviderID = fromGUID(h.ProviderId)
	rec.EventID = d.Id
	// Classic kernel events carry the event type in the opcode.
	if h.Flags&etw.EVENT_HEADER_FLAG_CLASSIC_HEADER != 0 {
		rec.EventID = uint16(d.Opcode)
	}
	rec.Version = d.Version
	rec.Level = d.Level
	rec.Opcode = d.Opcode
	rec.Keyword = d.Keyword
	rec.Timestamp = h.TimeStamp
	rec.ProcessID = h.ProcessId
	rec.ThreadID = h.ThreadId
	rec.PointerSize = uint8(er.PointerSize())
	if er.UserDataLength > 0 {
		rec.Data = unsafe.Slice((*byte)(unsafe.Pointer(er.UserData)), er.UserDataLength)
	}
	rec.Native = er
}

// readStack decodes the first stack extended data item of er into dst.
func readStack(dst []uint64, er *etw.EventRecord) []uint64 {
	dst = dst[:0]
	if er.EventHeader.Flags&etw.EVENT_HEADER_FLAG_EXTENDED_INFO == 0 {
		return dst
	}
	for i := range er.ExtendedDataCount {
		item, err := er.ExtendedDataItem(i)
		if err != nil {
			break
		}
		var ptrSize int
		switch item.ExtType {
		case etw.EVENT_HEADER_EXT_TYPE_STACK_TRACE64:
			ptrSize = 8
		case etw.EVENT_HEADER_EXT_TYPE_STACK_TRACE32:
			ptrSize = 4
		default:
			continue
		}
		if item.DataPtr == 0 {
			continue
		}
		return stackAddresses(dst, unsafe.Slice((*byte)(unsafe.Pointer(item.DataPtr)), item.DataSize), ptrSize)
	}
	return dst
}

func toProvider(p provider.Config) etw.Provider {
	out := etw.Provider{
		Name:             p.Name,
		GUID:             toGUID(p.GUID),
		EnableLevel:      uint8(p.Level),
		MatchAnyKeyword:  p.MatchAnyKeyword,
		MatchAllKeyword:  p.MatchAllKeyword,
		EnableProperties: uint32(p.EnableProperties),
	}
	if len(p.EventIDs) > 0 {
		out.Filters = []etw.ProviderFilter{etw.NewEventIDFilter(true, p.EventIDs...)}
	}
	return out
}

func mapError(name string, err error) error {
	switch {
	case errors.Is(err, windows.ERROR_ACCESS_DENIED):
		return fmt.Errorf("session %q: %w: %w", name, tracing.ErrAccessDenied, err)
	case errors.Is(err, windows.ERROR_ALREADY_EXISTS):
		return fmt.Errorf("session %q: %w: %w", name, tracing.ErrAlreadyExists, err)
	case errors.Is(err, etw.ERROR_WMI_INSTANCE_NOT_FOUND):
		return fmt.Errorf("session %q: %w: %w", name, tracing.ErrTraceNotFound, err)
	}
	return fmt.Errorf("session %q: %w", name, err)
}

func buildSchema(k schema.Key, ti *etw.TraceEventInfo) *schema.Schema {
	base := uintptr(unsafe.Pointer(ti))
	names := make([]string, ti.PropertyCount)
	for i := range names {
		epi := ti.GetEventPropertyInfoAt(uint32(i))
		names[i] = etw.FromUTF16AtOffset(base, uintptr(epi.NameOffset))
	}

	var describe func(i uint32) schema.PropertyDescriptor
	describe = func(i uint32) schema.PropertyDescriptor {
		epi := ti.GetEventPropertyInfoAt(i)
		d := schema.PropertyDescriptor{Name: names[i]}

		if epi.Flags&etw.PropertyStruct != 0 {
			d.Type = schema.TypeStruct
			start := uint32(epi.StructStartIndex())
			for j := start; j < start+uint32(epi.NumOfStructMembers()); j++ {
				d.Members = append(d.Members, describe(j))
			}
		} else {
			d.Type = mapInType(uint16(epi.InType()))
			switch {
			case epi.Flags&etw.PropertyParamLength != 0:
				if idx := int(epi.LengthPropertyIndex()); idx < len(names) {
					d.LengthFrom = names[idx]
				}
			case d.Type.FixedSize() == 0 && d.Type != schema.TypePointer && d.Type != schema.TypeSID:
				d.Size = epi.Length()
			}
		}

		if epi.Flags&etw.PropertyParamCount != 0 {
			if idx := int(epi.CountPropertyIndex()); idx < len(names) {
				d.CountFrom = names[idx]
			}
		} else if c := epi.Count(); c > 1 {
			d.Count = c
		}
		return d
	}

	s := &schema.Schema{
		Key:          k,
		ProviderName: ti.ProviderName(),
		EventName:    eventName(ti.TaskName(), ti.OpcodeName()),
	}
	for i := range ti.TopLevelPropertyCount {
		s.Properties = append(s.Properties, describe(i))
	}
	return s
}

func toGUID(u uuid.UUID) etw.GUID {
	return etw.GUID{
		Data1: binary.BigEndian.Uint32(u[0:4]),
		Data2: binary.BigEndian.Uint16(u[4:6]),
		Data3: binary.BigEndian.Uint16(u[6:8]),
		Data4: [8]byte(u[8:16]),
	}
}

func fromGUID(g etw.GUID) uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:4], g.Data1)
	binary.BigEndian.PutUint16(u[4:6], g.Data2)
	binary.BigEndian.PutUint16(u[6:8], g.Data3)
	copy(u[8:], g.Data4[:])
	return u
}

// Elevated reports whether the process token is elevated. Starting trace
// sessions requires it unless the user is in Performance Log Users.
func Elevated() bool { return windows.GetCurrentProcessToken().IsElevated() }
