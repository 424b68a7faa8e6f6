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

	"github.com/google/uuid"
)

// Builder lays out a record payload the way an ETW provider writes it. The
// in-memory backend uses it to synthesize records; tests use it to build
// fixtures.
type Builder struct {
	buf []byte
}

func (b *Builder) Bytes() []byte { return b.buf }
func (b *Builder) Len() int      { return len(b.buf) }

func (b *Builder) U8(v uint8) *Builder { b.buf = append(b.buf, v); return b }
func (b *Builder) U16(v uint16) *Builder {
	b.buf = binary.LittleEndian.AppendUint16(b.buf, v)
	return b
}
func (b *Builder) U32(v uint32) *Builder {
	b.buf = binary.LittleEndian.AppendUint32(b.buf, v)
	return b
}
func (b *Builder) U64(v uint64) *Builder {
	b.buf = binary.LittleEndian.AppendUint64(b.buf, v)
	return b
}
func (b *Builder) F32(v float32) *Builder { return b.U32(math.Float32bits(v)) }
func (b *Builder) F64(v float64) *Builder { return b.U64(math.Float64bits(v)) }
func (b *Builder) Raw(p []byte) *Builder  { b.buf = append(b.buf, p...); return b }

func (b *Builder) Bool(v bool) *Builder {
	if v {
		return b.U32(1)
	}
	return b.U32(0)
}

// Pointer writes v in size bytes (4 or 8).
func (b *Builder) Pointer(v uint64, size int) *Builder {
	if size == 4 {
		return b.U32(uint32(v))
	}
	return b.U64(v)
}

// GUID writes g in the Windows mixed-endian layout.
func (b *Builder) GUID(g uuid.UUID) *Builder {
	b.U32(binary.BigEndian.Uint32(g[0:]))
	b.U16(binary.BigEndian.Uint16(g[4:]))
	b.U16(binary.BigEndian.Uint16(g[6:]))
	return b.Raw(g[8:])
}

// UTF16 writes s without a terminator.
func (b *Builder) UTF16(s string) *Builder {
	for _, u := range utf16.Encode([]rune(s)) {
		b.U16(u)
	}
	return b
}

// UTF16Z writes s followed by a NUL code unit.
func (b *Builder) UTF16Z(s string) *Builder { return b.UTF16(s).U16(0) }

func (b *Builder) ANSIZ(s string) *Builder { return b.Raw([]byte(s)).U8(0) }

// Counted writes a uint16 byte length followed by s, UTF-16 encoded when wide.
func (b *Builder) Counted(s string, wide bool) *Builder {
	if !wide {
		return b.U16(uint16(len(s))).Raw([]byte(s))
	}
	var tmp Builder
	tmp.UTF16(s)
	return b.U16(uint16(tmp.Len())).Raw(tmp.Bytes())
}

func (b *Builder) FileTime(t time.Time) *Builder {
	return b.U64(uint64(event.TimeToFileTime(t)))
}

func (b *Builder) SystemTime(t time.Time) *Builder {
	t = t.UTC()
	return b.U16(uint16(t.Year())).U16(uint16(t.Month())).U16(uint16(t.Weekday())).
		U16(uint16(t.Day())).U16(uint16(t.Hour())).U16(uint16(t.Minute())).
		U16(uint16(t.Second())).U16(uint16(t.Nanosecond() / int(time.Millisecond)))
}

// SID writes a textual S-R-A-S1-... identifier in binary form.
func (b *Builder) SID(s string) (*Builder, error) {
	parts := strings.Split(s, "-")
	if len(parts) < 3 || parts[0] != "S" {
		return b, fmt.Errorf("malformed SID %q", s)
	}
	nums := make([]uint64, len(parts)-1)
	for i, p := range parts[1:] {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return b, fmt.Errorf("malformed SID %q: %w", s, err)
		}
		nums[i] = n
	}
	subs := nums[2:]
	b.U8(uint8(nums[0])).U8(uint8(len(subs)))
	for shift := 40; shift >= 0; shift -= 8 {
		b.U8(uint8(nums[1] >> shift))
	}
	for _, sub := range subs {
		b.U32(uint32(sub))
	}
	return b, nil
}
