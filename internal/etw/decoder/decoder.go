// Package decoder turns raw trace records into typed events. Decoding is a
// pure function of the record bytes and the resolved schema.
package decoder

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"etwpipe/internal/etw/event"
	"etwpipe/internal/etw/schema"
	"etwpipe/internal/etw/tracing"

	"github.com/google/uuid"
)

// Reasons carried by undecodable sentinels.
const (
	ReasonOffsetLost = "offset lost after earlier property"
)

// Decode builds an Event from rec. With a nil schema the event carries only
// header fields and is marked SchemaLess. A property that cannot be decoded is
// replaced by an undecodable sentinel; the rest of the event is still decoded.
// The returned event does not reference rec's buffers.
func Decode(rec *tracing.RawRecord, s *schema.Schema) *event.Event {
	ev := &event.Event{
		ProviderID: rec.ProviderID,
		EventID:    rec.EventID,
		Version:    rec.Version,
		Level:      rec.Level,
		Opcode:     rec.Opcode,
		Keyword:    rec.Keyword,
		Timestamp:  event.NewTimestamp(rec.Timestamp),
		ProcessID:  rec.ProcessID,
		ThreadID:   rec.ThreadID,
	}
	if len(rec.StackTrace) > 0 {
		ev.StackTrace = append([]uint64(nil), rec.StackTrace...)
	}
	if s == nil {
		ev.SchemaLess = true
		ev.Properties = event.Properties{}
		return ev
	}

	ev.ProviderName = s.ProviderName
	ev.EventName = s.EventName
	r := &reader{data: rec.Data, ptrSize: int(rec.PointerSize)}
	if r.ptrSize != 4 {
		r.ptrSize = 8
	}
	ev.Properties = r.decodeAll(s.Properties, nil)
	return ev
}

// Errors counts the undecodable sentinels in ev.
func Errors(ev *event.Event) int { return ev.Properties.Undecodable() }

// propError is a per-property failure. lost means the reader can no longer
// tell where the next property starts.
type propError struct {
	reason string
	lost   bool
}

func (e *propError) Error() string { return e.reason }

func shortBuffer(need, off, have int) *propError {
	return &propError{
		reason: fmt.Sprintf("buffer too short: need %d bytes at offset %d, have %d", need, off, have-off),
		lost:   true,
	}
}

// scope holds the integer properties decoded so far so that later length and
// count references can be resolved. Struct members see their enclosing scope.
type scope struct {
	parent *scope
	ints   map[string]uint64
}

func (s *scope) lookup(name string) (uint64, bool) {
	for ; s != nil; s = s.parent {
		if v, ok := s.ints[name]; ok {
			return v, true
		}
	}
	return 0, false
}

type reader struct {
	data    []byte
	off     int
	ptrSize int
	lost    bool
}

func (r *reader) remaining() int { return len(r.data) - r.off }

func (r *reader) take(n int) ([]byte, *propError) {
	if n < 0 || r.remaining() < n {
		return nil, shortBuffer(n, r.off, len(r.data))
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) decodeAll(descs []schema.PropertyDescriptor, parent *scope) event.Properties {
	sc := &scope{parent: parent, ints: make(map[string]uint64, len(descs))}
	props := make(event.Properties, 0, len(descs))
	for i := range descs {
		d := &descs[i]
		if r.lost {
			props = append(props, event.Property{Name: d.Name, Value: event.Undecodable(ReasonOffsetLost)})
			continue
		}
		v, err := r.decodeProperty(d, sc)
		if err != nil {
			if err.lost {
				r.lost = true
			}
			v = event.Undecodable(err.reason)
		} else if !d.IsArray() {
			switch v.Kind() {
			case event.KindUint, event.KindPointer:
				sc.ints[d.Name] = v.AsUint()
			case event.KindInt:
				sc.ints[d.Name] = uint64(v.AsInt())
			}
		}
		props = append(props, event.Property{Name: d.Name, Value: v})
	}
	return props
}

func (r *reader) decodeProperty(d *schema.PropertyDescriptor, sc *scope) (event.Value, *propError) {
	if !d.IsArray() {
		return r.decodeElement(d, sc)
	}
	n := int(d.Count)
	if d.CountFrom != "" {
		c, ok := sc.lookup(d.CountFrom)
		if !ok {
			return event.Value{}, &propError{reason: "count property " + strconv.Quote(d.CountFrom) + " not decoded", lost: true}
		}
		cn, err := checkedCount(c, "array count")
		if err != nil {
			return event.Value{}, err
		}
		n = cn
	}
	// Every element takes at least one byte except empty structs, so a count
	// larger than the buffer is corrupt. Empty structs are bounded by the
	// 16-bit count TDH itself allows.
	if d.Type == schema.TypeStruct && len(d.Members) == 0 {
		if n > math.MaxUint16 {
			return event.Value{}, &propError{reason: fmt.Sprintf("array count %d of empty struct exceeds %d", n, math.MaxUint16), lost: true}
		}
	} else if n > r.remaining() {
		return event.Value{}, &propError{reason: fmt.Sprintf("array count %d exceeds remaining %d bytes", n, r.remaining()), lost: true}
	}
	elems := make([]event.Value, 0, min(n, r.remaining()+1))
	for range n {
		v, err := r.decodeElement(d, sc)
		if err != nil {
			return event.Value{}, err
		}
		elems = append(elems, v)
	}
	return event.Array(elems...), nil
}

// checkedCount converts a count or length read from the record. Values that
// came from a signed property and went negative, or that do not fit in 32
// bits, are corrupt and lose the offset.
func checkedCount(c uint64, what string) (int, *propError) {
	if c > math.MaxInt32 {
		return 0, &propError{reason: fmt.Sprintf("%s %d out of range", what, int64(c)), lost: true}
	}
	return int(c), nil
}

// length resolves the explicit length of a string or binary property.
func (r *reader) length(d *schema.PropertyDescriptor, sc *scope) (int, bool, *propError) {
	if d.LengthFrom != "" {
		n, ok := sc.lookup(d.LengthFrom)
		if !ok {
			return 0, false, &propError{reason: "length property " + strconv.Quote(d.LengthFrom) + " not decoded", lost: true}
		}
		ln, err := checkedCount(n, "length")
		if err != nil {
			return 0, false, err
		}
		return ln, true, nil
	}
	if d.Size > 0 {
		return int(d.Size), true, nil
	}
	return 0, false, nil
}

func (r *reader) decodeElement(d *schema.PropertyDescriptor, sc *scope) (event.Value, *propError) {
	le := binary.LittleEndian

	if size := d.Type.FixedSize(); size > 0 {
		b, err := r.take(size)
		if err != nil {
			return event.Value{}, err
		}
		switch d.Type {
		case schema.TypeInt8:
			return event.Int(int64(int8(b[0]))), nil
		case schema.TypeUInt8:
			return event.Uint(uint64(b[0])), nil
		case schema.TypeInt16:
			return event.Int(int64(int16(le.Uint16(b)))), nil
		case schema.TypeUInt16:
			return event.Uint(uint64(le.Uint16(b))), nil
		case schema.TypeInt32:
			return event.Int(int64(int32(le.Uint32(b)))), nil
		case schema.TypeUInt32, schema.TypeHexInt32:
			return event.Uint(uint64(le.Uint32(b))), nil
		case schema.TypeInt64:
			return event.Int(int64(le.Uint64(b))), nil
		case schema.TypeUInt64, schema.TypeHexInt64:
			return event.Uint(le.Uint64(b)), nil
		case schema.TypeFloat:
			return event.Float(float64(math.Float32frombits(le.Uint32(b)))), nil
		case schema.TypeDouble:
			return event.Float(math.Float64frombits(le.Uint64(b))), nil
		case schema.TypeBoolean:
			return event.Bool(le.Uint32(b) != 0), nil
		case schema.TypeFileTime:
			return event.Time(event.FileTimeToTime(int64(le.Uint64(b)))), nil
		case schema.TypeSystemTime:
			return event.Time(systemTime(b)), nil
		case schema.TypeGUID:
			return event.GUID(guidFromWindows(b)), nil
		}
	}

	switch d.Type {
	case schema.TypePointer:
		b, err := r.take(r.ptrSize)
		if err != nil {
			return event.Value{}, err
		}
		if r.ptrSize == 4 {
			return event.Pointer(uint64(le.Uint32(b))), nil
		}
		return event.Pointer(le.Uint64(b)), nil

	case schema.TypeUnicodeString:
		n, fixed, err := r.length(d, sc)
		if err != nil {
			return event.Value{}, err
		}
		if fixed {
			b, err := r.take(n * 2)
			if err != nil {
				return event.Value{}, err
			}
			return event.Text(trimNUL(decodeUTF16(b))), nil
		}
		return event.Text(r.utf16z()), nil

	case schema.TypeAnsiString:
		n, fixed, err := r.length(d, sc)
		if err != nil {
			return event.Value{}, err
		}
		if fixed {
			b, err := r.take(n)
			if err != nil {
				return event.Value{}, err
			}
			return event.Text(trimNUL(string(b))), nil
		}
		return event.Text(r.ansiz()), nil

	case schema.TypeCountedUnicodeString, schema.TypeCountedAnsiString:
		hdr, err := r.take(2)
		if err != nil {
			return event.Value{}, err
		}
		b, err := r.take(int(le.Uint16(hdr)))
		if err != nil {
			return event.Value{}, err
		}
		if d.Type == schema.TypeCountedAnsiString {
			return event.Text(string(b)), nil
		}
		return event.Text(decodeUTF16(b)), nil

	case schema.TypeBinary:
		n, fixed, err := r.length(d, sc)
		if err != nil {
			return event.Value{}, err
		}
		if !fixed {
			// Unsized trailing blob.
			n = r.remaining()
		}
		b, err := r.take(n)
		if err != nil {
			return event.Value{}, err
		}
		return event.Binary(b), nil

	case schema.TypeSID:
		return r.sid()

	case schema.TypeStruct:
		return event.Struct(r.decodeAll(d.Members, sc)...), nil
	}

	// Unknown layout: skip it when the size is declared, otherwise the
	// following offsets are unknowable.
	reason := "unsupported property type " + d.Type.String()
	if d.Size > 0 {
		if _, err := r.take(int(d.Size)); err != nil {
			return event.Value{}, err
		}
		return event.Value{}, &propError{reason: reason}
	}
	return event.Value{}, &propError{reason: reason, lost: true}
}

// utf16z reads a NUL terminated UTF-16LE string. An unterminated string runs
// to the end of the buffer.
func (r *reader) utf16z() string {
	start := r.off
	for r.off+1 < len(r.data) {
		if r.data[r.off] == 0 && r.data[r.off+1] == 0 {
			s := decodeUTF16(r.data[start:r.off])
			r.off += 2
			return s
		}
		r.off += 2
	}
	r.off = len(r.data)
	return decodeUTF16(r.data[start:])
}

func (r *reader) ansiz() string {
	start := r.off
	for r.off < len(r.data) {
		if r.data[r.off] == 0 {
			s := string(r.data[start:r.off])
			r.off++
			return s
		}
		r.off++
	}
	return string(r.data[start:])
}

// sid reads a binary security identifier and formats it as S-R-A-S1-...
func (r *reader) sid() (event.Value, *propError) {
	if r.remaining() < 8 {
		return event.Value{}, shortBuffer(8, r.off, len(r.data))
	}
	subCount := int(r.data[r.off+1])
	b, err := r.take(8 + 4*subCount)
	if err != nil {
		return event.Value{}, err
	}
	var auth uint64
	for _, c := range b[2:8] {
		auth = auth<<8 | uint64(c)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "S-%d-%d", b[0], auth)
	for i := range subCount {
		fmt.Fprintf(&sb, "-%d", binary.LittleEndian.Uint32(b[8+4*i:]))
	}
	return event.SID(sb.String()), nil
}

func decodeUTF16(b []byte) string {
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return string(utf16.Decode(u))
}

func trimNUL(s string) string {
	if i := strings.IndexByte(s, 0); i >= 0 {
		return s[:i]
	}
	return s
}

// guidFromWindows converts the mixed-endian GUID layout to RFC 4122 order.
func guidFromWindows(b []byte) uuid.UUID {
	var g uuid.UUID
	binary.BigEndian.PutUint32(g[0:], binary.LittleEndian.Uint32(b[0:]))
	binary.BigEndian.PutUint16(g[4:], binary.LittleEndian.Uint16(b[4:]))
	binary.BigEndian.PutUint16(g[6:], binary.LittleEndian.Uint16(b[6:]))
	copy(g[8:], b[8:16])
	return g
}

// systemTime decodes a SYSTEMTIME: eight little-endian uint16 fields.
func systemTime(b []byte) time.Time {
	f := func(i int) int { return int(binary.LittleEndian.Uint16(b[2*i:])) }
	if f(0) == 0 {
		return time.Time{}
	}
	// Field 2 is the day of the week and is implied by the date.
	return time.Date(f(0), time.Month(f(1)), f(3), f(4), f(5), f(6), f(7)*int(time.Millisecond), time.UTC)
}
