package goetw

import (
	"encoding/binary"

	"etwpipe/internal/etw/provider"
	"etwpipe/internal/etw/tracing"
)

// Stack extended data items start with a 64-bit match id; the return
// addresses follow.
const stackMatchIDSize = 8

// stackAddresses decodes the payload of a STACK_TRACE32 (ptrSize 4) or
// STACK_TRACE64 (ptrSize 8) item into dst, reusing its storage. A trailing
// partial address is ignored.
func stackAddresses(dst []uint64, item []byte, ptrSize int) []uint64 {
	dst = dst[:0]
	if len(item) < stackMatchIDSize || (ptrSize != 4 && ptrSize != 8) {
		return dst
	}
	for b := item[stackMatchIDSize:]; len(b) >= ptrSize; b = b[ptrSize:] {
		if ptrSize == 4 {
			dst = append(dst, uint64(binary.LittleEndian.Uint32(b)))
		} else {
			dst = append(dst, binary.LittleEndian.Uint64(b))
		}
	}
	return dst
}

// bufferCounter turns the consumer's running BuffersRead total into one
// HandleBuffer call per buffer.
type bufferCounter struct {
	seen uint32
}

func (c *bufferCounter) sync(read uint32, h tracing.Handler) {
	for ; c.seen < read; c.seen++ {
		h.HandleBuffer()
	}
}

// accepts reports whether rec passes the provider filters of a file trace.
// Live sessions are filtered by the OS; files hold whatever was logged.
// An empty list accepts everything.
func accepts(providers []provider.Config, rec *tracing.RawRecord) bool {
	if len(providers) == 0 {
		return true
	}
	for _, p := range providers {
		if p.GUID == rec.ProviderID {
			return p.Matches(rec.Level, rec.Keyword, rec.EventID)
		}
	}
	return false
}
