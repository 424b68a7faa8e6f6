package capture

import (
	"encoding/binary"
	"fmt"
	"strings"

	"etwpipe/internal/etw/etwerr"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the frame codec. The value is stored in the
// container header, so existing values must never be renumbered.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
	CompressionLZ4  Compression = 2
)

var compressionNames = map[Compression]string{
	CompressionNone: "none",
	CompressionZstd: "zstd",
	CompressionLZ4:  "lz4",
}

func (c Compression) String() string {
	if name, ok := compressionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

// ParseCompression accepts "none", "zstd" or "lz4".
func ParseCompression(s string) (Compression, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, name := range compressionNames {
		if name == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown compression %q", etwerr.ErrInvalidConfig, s)
}

// Codec compresses frame payloads. Implementations append to dst and may
// reuse it.
type Codec interface {
	Compress(dst, src []byte) ([]byte, error)
	Decompress(dst, src []byte) ([]byte, error)
	Close() error
}

// NewCodec returns a codec for c.
func NewCodec(c Compression) (Codec, error) {
	switch c {
	case CompressionNone:
		return noneCodec{}, nil
	case CompressionZstd:
		return newZstdCodec()
	case CompressionLZ4:
		return lz4Codec{}, nil
	}
	return nil, fmt.Errorf("%w: unsupported compression %d", etwerr.ErrCaptureFormat, uint8(c))
}

type noneCodec struct{}

func (noneCodec) Compress(dst, src []byte) ([]byte, error)   { return append(dst[:0], src...), nil }
func (noneCodec) Decompress(dst, src []byte) ([]byte, error) { return append(dst[:0], src...), nil }
func (noneCodec) Close() error                               { return nil }

type zstdCodec struct {
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	closed bool
}

func newZstdCodec() (*zstdCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", etwerr.ErrCompression, err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(maxFrameSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("%w: %w", etwerr.ErrCompression, err)
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (z *zstdCodec) Compress(dst, src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, dst[:0]), nil
}

func (z *zstdCodec) Decompress(dst, src []byte) ([]byte, error) {
	out, err := z.dec.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %w", etwerr.ErrCompression, err)
	}
	return out, nil
}

func (z *zstdCodec) Close() error {
	if z.closed {
		return nil
	}
	z.closed = true
	z.dec.Close()
	return z.enc.Close()
}

// lz4Codec stores uvarint(raw length), a mode byte and the block. Payloads
// lz4 cannot shrink are stored as-is.
type lz4Codec struct{}

const (
	lz4Compressed = 0
	lz4Stored     = 1
)

func (lz4Codec) Compress(dst, src []byte) ([]byte, error) {
	dst = binary.AppendUvarint(dst[:0], uint64(len(src)))
	hdr := len(dst) + 1
	bound := lz4.CompressBlockBound(len(src))
	if cap(dst) < hdr+bound {
		grown := make([]byte, len(dst), hdr+bound)
		copy(grown, dst)
		dst = grown
	}
	block := dst[hdr : hdr+bound]

	n, err := lz4.CompressBlock(src, block, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4: %w", etwerr.ErrCompression, err)
	}
	if n == 0 || n >= len(src) {
		dst = append(dst, lz4Stored)
		return append(dst, src...), nil
	}
	dst = append(dst, lz4Compressed)
	return dst[:hdr+n], nil
}

func (lz4Codec) Decompress(dst, src []byte) ([]byte, error) {
	raw, k := binary.Uvarint(src)
	if k <= 0 || k >= len(src) {
		return nil, fmt.Errorf("%w: lz4: bad block header", etwerr.ErrCompression)
	}
	if raw > maxFrameSize {
		return nil, fmt.Errorf("%w: lz4: block of %d bytes exceeds limit", etwerr.ErrCompression, raw)
	}
	mode, body := src[k], src[k+1:]

	switch mode {
	case lz4Stored:
		if uint64(len(body)) != raw {
			return nil, fmt.Errorf("%w: lz4: stored block length mismatch", etwerr.ErrCompression)
		}
		return append(dst[:0], body...), nil
	case lz4Compressed:
		if cap(dst) < int(raw) {
			dst = make([]byte, raw)
		}
		dst = dst[:raw]
		n, err := lz4.UncompressBlock(body, dst)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %w", etwerr.ErrCompression, err)
		}
		if uint64(n) != raw {
			return nil, fmt.Errorf("%w: lz4: decoded %d bytes, want %d", etwerr.ErrCompression, n, raw)
		}
		return dst, nil
	}
	return nil, fmt.Errorf("%w: lz4: unknown block mode %d", etwerr.ErrCompression, mode)
}

func (lz4Codec) Close() error { return nil }
