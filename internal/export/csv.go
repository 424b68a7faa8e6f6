package export

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"strconv"
	"time"

	"etwpipe/internal/etw/event"

	"github.com/google/uuid"
)

// CSVHeader is the column layout written by CSVWriter. Properties and
// stack_trace hold JSON.
var CSVHeader = []string{
	"timestamp", "ticks", "provider_id", "provider_name", "event_name",
	"event_id", "version", "level", "opcode", "keyword",
	"pid", "tid", "schema_less", "properties", "stack_trace",
}

// CSVWriter writes a header row followed by one row per event.
type CSVWriter struct {
	cw          *csv.Writer
	wroteHeader bool
	row         []string
}

func NewCSVWriter(w io.Writer) *CSVWriter {
	return &CSVWriter{cw: csv.NewWriter(w), row: make([]string, len(CSVHeader))}
}

func (w *CSVWriter) Write(ev *event.Event) error {
	if !w.wroteHeader {
		if err := w.cw.Write(CSVHeader); err != nil {
			return err
		}
		w.wroteHeader = true
	}

	props, err := json.Marshal(ev.Properties)
	if err != nil {
		return fmt.Errorf("failed to encode properties: %w", err)
	}
	var stack []byte
	if len(ev.StackTrace) > 0 {
		if stack, err = json.Marshal(ev.StackTrace); err != nil {
			return err
		}
	}

	r := w.row
	r[0] = formatWall(ev.Timestamp.Wall)
	r[1] = strconv.FormatInt(ev.Timestamp.Ticks, 10)
	r[2] = ev.ProviderID.String()
	r[3] = ev.ProviderName
	r[4] = ev.EventName
	r[5] = strconv.FormatUint(uint64(ev.EventID), 10)
	r[6] = strconv.FormatUint(uint64(ev.Version), 10)
	r[7] = strconv.FormatUint(uint64(ev.Level), 10)
	r[8] = strconv.FormatUint(uint64(ev.Opcode), 10)
	r[9] = "0x" + strconv.FormatUint(ev.Keyword, 16)
	r[10] = strconv.FormatUint(uint64(ev.ProcessID), 10)
	r[11] = strconv.FormatUint(uint64(ev.ThreadID), 10)
	r[12] = strconv.FormatBool(ev.SchemaLess)
	r[13] = string(props)
	r[14] = string(stack)
	return w.cw.Write(r)
}

func (w *CSVWriter) Close() error {
	w.cw.Flush()
	return w.cw.Error()
}

func formatWall(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

// ReadCSV decodes events written by CSVWriter. Iteration stops after the
// first error.
func ReadCSV(r io.Reader) iter.Seq2[*event.Event, error] {
	return func(yield func(*event.Event, error) bool) {
		cr := csv.NewReader(r)
		cr.FieldsPerRecord = len(CSVHeader)
		cr.ReuseRecord = true

		hdr, err := cr.Read()
		if err == io.EOF {
			return
		}
		if err == nil && !slices.Equal(hdr, CSVHeader) {
			err = errors.New("unexpected header")
		}
		if err != nil {
			yield(nil, fmt.Errorf("csv header: %w", err))
			return
		}

		for row := 2; ; row++ {
			rec, err := cr.Read()
			if err == io.EOF {
				return
			}
			var ev *event.Event
			if err == nil {
				ev, err = parseRow(rec)
			}
			if err != nil {
				yield(nil, fmt.Errorf("csv row %d: %w", row, err))
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func parseRow(r []string) (*event.Event, error) {
	ev := &event.Event{
		ProviderName: r[3],
		EventName:    r[4],
	}
	var errs []error
	uintField := func(s string, bits int) uint64 {
		v, err := strconv.ParseUint(s, 0, bits)
		errs = append(errs, err)
		return v
	}

	if r[0] != "" {
		wall, err := time.Parse(time.RFC3339Nano, r[0])
		errs = append(errs, err)
		ev.Timestamp.Wall = wall
	}
	ticks, err := strconv.ParseInt(r[1], 10, 64)
	errs = append(errs, err)
	ev.Timestamp.Ticks = ticks
	ev.ProviderID, err = uuid.Parse(r[2])
	errs = append(errs, err)
	ev.EventID = uint16(uintField(r[5], 16))
	ev.Version = uint8(uintField(r[6], 8))
	ev.Level = uint8(uintField(r[7], 8))
	ev.Opcode = uint8(uintField(r[8], 8))
	ev.Keyword = uintField(r[9], 64)
	ev.ProcessID = uint32(uintField(r[10], 32))
	ev.ThreadID = uint32(uintField(r[11], 32))
	ev.SchemaLess, err = strconv.ParseBool(r[12])
	errs = append(errs, err)
	errs = append(errs, json.Unmarshal([]byte(r[13]), &ev.Properties))
	if r[14] != "" {
		errs = append(errs, json.Unmarshal([]byte(r[14]), &ev.StackTrace))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return ev, nil
}
