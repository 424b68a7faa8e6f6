// Package capture records a decoded event stream to a compact container
// and replays it later with its original pacing.
//
// Container layout, all integers little-endian:
//
//	magic          [4]byte "ETWP"
//	format version uint32
//	compression    uint8
//	provider count uint32
//	providers      [count][16]byte
//	event count    uint64
//	duration       uint64  (100ns ticks, first to last event)
//	frames...
//
// Each frame is a uvarint timestamp delta in 100ns ticks from the previous
// frame, a uint32 payload length and the payload: the event's JSON form
// passed through the codec named in the header.
package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"etwpipe/internal/etw/etwerr"

	"github.com/google/uuid"
)

const (
	// FormatVersion is the only container version this package reads.
	FormatVersion uint32 = 1

	// Extension is the conventional file suffix.
	Extension = ".etwp"

	maxFrameSize  = 64 << 20
	maxProviders  = 1 << 16
	fixedHdrSize  = 4 + 4 + 1 + 4 + 8 + 8
	guidSize      = 16
	frameLenBytes = 4
)

var magic = [4]byte{'E', 'T', 'W', 'P'}

// Header is the container header. EventCount and DurationTicks are
// finalized when the recorder stops.
type Header struct {
	Version       uint32
	Compression   Compression
	Providers     []uuid.UUID
	EventCount    uint64
	DurationTicks uint64
}

// Size is the encoded header length.
func (h *Header) Size() int { return fixedHdrSize + guidSize*len(h.Providers) }

// MarshalBinary encodes the header.
func (h *Header) MarshalBinary() ([]byte, error) {
	if len(h.Providers) > maxProviders {
		return nil, fmt.Errorf("%w: %d providers exceed the limit", etwerr.ErrCaptureFormat, len(h.Providers))
	}
	b := make([]byte, 0, h.Size())
	b = append(b, magic[:]...)
	b = binary.LittleEndian.AppendUint32(b, h.Version)
	b = append(b, byte(h.Compression))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(h.Providers)))
	for _, p := range h.Providers {
		b = append(b, p[:]...)
	}
	b = binary.LittleEndian.AppendUint64(b, h.EventCount)
	b = binary.LittleEndian.AppendUint64(b, h.DurationTicks)
	return b, nil
}

// readHeader decodes and validates a header.
func readHeader(r io.Reader) (Header, error) {
	var h Header
	var fixed [4 + 4 + 1 + 4]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return h, formatErr("short header", err)
	}
	if [4]byte(fixed[:4]) != magic {
		return h, fmt.Errorf("%w: bad magic %q", etwerr.ErrCaptureFormat, fixed[:4])
	}
	h.Version = binary.LittleEndian.Uint32(fixed[4:])
	if h.Version != FormatVersion {
		return h, fmt.Errorf("%w: unsupported format version %d", etwerr.ErrCaptureFormat, h.Version)
	}
	h.Compression = Compression(fixed[8])
	if _, ok := compressionNames[h.Compression]; !ok {
		return h, fmt.Errorf("%w: unknown compression %d", etwerr.ErrCaptureFormat, fixed[8])
	}

	n := binary.LittleEndian.Uint32(fixed[9:])
	if n > maxProviders {
		return h, fmt.Errorf("%w: %d providers exceed the limit", etwerr.ErrCaptureFormat, n)
	}
	h.Providers = make([]uuid.UUID, n)
	for i := range h.Providers {
		if _, err := io.ReadFull(r, h.Providers[i][:]); err != nil {
			return h, formatErr("short provider list", err)
		}
	}

	var tail [16]byte
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return h, formatErr("short header", err)
	}
	h.EventCount = binary.LittleEndian.Uint64(tail[:])
	h.DurationTicks = binary.LittleEndian.Uint64(tail[8:])
	return h, nil
}

// appendFrame encodes one frame.
func appendFrame(dst []byte, delta uint64, payload []byte) []byte {
	dst = binary.AppendUvarint(dst, delta)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// readFrame decodes one frame into buf.
func readFrame(r *bufio.Reader, buf []byte) (uint64, []byte, error) {
	delta, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, nil, formatErr("bad frame delta", err)
	}
	var lb [frameLenBytes]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return 0, nil, formatErr("short frame length", err)
	}
	n := binary.LittleEndian.Uint32(lb[:])
	if n > maxFrameSize {
		return 0, nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", etwerr.ErrCaptureFormat, n)
	}
	if cap(buf) < int(n) {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, formatErr("truncated frame", err)
	}
	return delta, buf, nil
}

func formatErr(what string, err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("%w: %s: %w", etwerr.ErrCaptureFormat, what, err)
}
