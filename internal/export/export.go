// Package export writes decoded events as JSON lines or CSV. Both formats keep
// property values typed, so ReadJSONL and ReadCSV return the events that were
// written.
package export

import (
	"fmt"
	"io"
	"iter"
	"strings"

	"etwpipe/internal/etw/etwerr"
	"etwpipe/internal/etw/event"
)

// Format selects the output encoding.
type Format uint8

const (
	FormatJSONL Format = iota
	FormatCSV
)

func (f Format) String() string {
	switch f {
	case FormatJSONL:
		return "jsonl"
	case FormatCSV:
		return "csv"
	}
	return fmt.Sprintf("format(%d)", uint8(f))
}

// ParseFormat accepts "jsonl" (or "json", "ndjson") and "csv".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jsonl", "json", "ndjson":
		return FormatJSONL, nil
	case "csv":
		return FormatCSV, nil
	}
	return 0, fmt.Errorf("%w: unknown export format %q", etwerr.ErrInvalidConfig, s)
}

// Writer encodes events one at a time. Close flushes buffered output but does
// not close the underlying io.Writer.
type Writer interface {
	Write(ev *event.Event) error
	Close() error
}

// NewWriter returns a Writer for f.
func NewWriter(f Format, w io.Writer) (Writer, error) {
	switch f {
	case FormatJSONL:
		return NewJSONLWriter(w), nil
	case FormatCSV:
		return NewCSVWriter(w), nil
	}
	return nil, fmt.Errorf("%w: unknown export format %d", etwerr.ErrInvalidConfig, f)
}

// Copy writes every event of seq and returns how many were written. It stops
// at the first error.
func Copy(w Writer, seq iter.Seq[*event.Event]) (int, error) {
	n := 0
	for ev := range seq {
		if err := w.Write(ev); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
