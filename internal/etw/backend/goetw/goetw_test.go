package goetw

import (
	"encoding/binary"
	"testing"

	"etwpipe/internal/etw/provider"
	"etwpipe/internal/etw/schema"
	"etwpipe/internal/etw/tracing"

	"github.com/stretchr/testify/assert"
)

func TestMapInType(t *testing.T) {
	tests := []struct {
		in   uint16
		want schema.PropertyType
	}{
		{inUnicodeString, schema.TypeUnicodeString},
		{inAnsiChar, schema.TypeInt8},
		{inUnicodeChar, schema.TypeUInt16},
		{inSizeT, schema.TypePointer},
		{inHexDump, schema.TypeBinary},
		{inWbemSID, schema.TypeSID},
		{inCountedString, schema.TypeCountedUnicodeString},
		{inFileTime, schema.TypeFileTime},
		{999, schema.TypeUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mapInType(tt.in), "intype %d", tt.in)
	}
}

func TestEventName(t *testing.T) {
	assert.Equal(t, "ProcessStart/Start", eventName("ProcessStart", "Start"))
	assert.Equal(t, "ProcessStart", eventName("ProcessStart", "win:Info"))
	assert.Equal(t, "Start", eventName(" ", "Start"))
	assert.Equal(t, "", eventName("", ""))
}

func TestStackAddresses(t *testing.T) {
	var b64 []byte
	b64 = binary.LittleEndian.AppendUint64(b64, 0xABCD) // match id
	b64 = binary.LittleEndian.AppendUint64(b64, 0x7FF6_1234_0000)
	b64 = binary.LittleEndian.AppendUint64(b64, 0xFFFF_F801_0000_0010)
	assert.Equal(t, []uint64{0x7FF6_1234_0000, 0xFFFF_F801_0000_0010}, stackAddresses(nil, b64, 8))

	var b32 []byte
	b32 = binary.LittleEndian.AppendUint64(b32, 1)
	b32 = binary.LittleEndian.AppendUint32(b32, 0x0040_1000)
	b32 = binary.LittleEndian.AppendUint32(b32, 0x7700_2000)
	b32 = append(b32, 0xFF, 0xFF) // partial address
	assert.Equal(t, []uint64{0x0040_1000, 0x7700_2000}, stackAddresses(nil, b32, 4))

	buf := make([]uint64, 0, 8)
	got := stackAddresses(buf, b64, 8)
	assert.Same(t, &buf[:1][0], &got[0], "storage is reused")

	assert.Empty(t, stackAddresses(nil, b64[:4], 8), "shorter than the match id")
	assert.Empty(t, stackAddresses(nil, b64, 2))
}

type countingHandler struct{ records, buffers int }

func (h *countingHandler) HandleRecord(*tracing.RawRecord) { h.records++ }
func (h *countingHandler) HandleBuffer()                   { h.buffers++ }

func TestBufferCounter(t *testing.T) {
	var c bufferCounter
	h := &countingHandler{}

	c.sync(3, h)
	assert.Equal(t, 3, h.buffers)
	c.sync(3, h)
	assert.Equal(t, 3, h.buffers, "no new buffers")
	c.sync(5, h)
	assert.Equal(t, 5, h.buffers)
	c.sync(4, h)
	assert.Equal(t, 5, h.buffers, "a lower total never goes back")
}

func TestAccepts(t *testing.T) {
	rec := &tracing.RawRecord{ProviderID: provider.DNSClientGUID, EventID: 3008, Level: 4}
	assert.True(t, accepts(nil, rec))
	assert.True(t, accepts([]provider.Config{provider.New(provider.DNSClientGUID)}, rec))
	assert.False(t, accepts([]provider.Config{provider.New(provider.KernelProcessGUID)}, rec))
	assert.False(t, accepts([]provider.Config{
		provider.New(provider.DNSClientGUID, provider.WithLevel(provider.LevelError)),
	}, rec))
}
