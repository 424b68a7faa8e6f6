package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"iter"

	"etwpipe/internal/etw/event"
)

// JSONLWriter writes one JSON object per line.
type JSONLWriter struct {
	bw  *bufio.Writer
	enc *json.Encoder
}

func NewJSONLWriter(w io.Writer) *JSONLWriter {
	bw := bufio.NewWriter(w)
	return &JSONLWriter{bw: bw, enc: json.NewEncoder(bw)}
}

func (w *JSONLWriter) Write(ev *event.Event) error {
	if err := w.enc.Encode(ev); err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return nil
}

func (w *JSONLWriter) Close() error { return w.bw.Flush() }

// ReadJSONL decodes events written by JSONLWriter. Iteration stops after the
// first error.
func ReadJSONL(r io.Reader) iter.Seq2[*event.Event, error] {
	return func(yield func(*event.Event, error) bool) {
		dec := json.NewDecoder(r)
		for line := 1; ; line++ {
			var ev event.Event
			err := dec.Decode(&ev)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("jsonl record %d: %w", line, err))
				return
			}
			if !yield(&ev, nil) {
				return
			}
		}
	}
}
