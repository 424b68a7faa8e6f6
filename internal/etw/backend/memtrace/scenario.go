package memtrace

import (
	"context"
	_ "embed"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"etwpipe/internal/etw/decoder"
	"etwpipe/internal/etw/event"
	"etwpipe/internal/etw/provider"
	"etwpipe/internal/etw/schema"
	"etwpipe/internal/etw/tracing"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

//go:embed demo.yaml
var demoScenario []byte

// Scenario is a scripted set of providers, schemas and records.
type Scenario struct {
	Providers []ScenarioProvider `yaml:"providers"`
	Schemas   []ScenarioSchema   `yaml:"schemas"`
	Records   []ScenarioRecord   `yaml:"records"`
}

type ScenarioProvider struct {
	Name string    `yaml:"name"`
	GUID uuid.UUID `yaml:"guid"`
}

type ScenarioSchema struct {
	Provider     uuid.UUID                   `yaml:"provider"`
	EventID      uint16                      `yaml:"event_id"`
	Version      uint8                       `yaml:"version"`
	ProviderName string                      `yaml:"provider_name"`
	EventName    string                      `yaml:"event_name"`
	Properties   []schema.PropertyDescriptor `yaml:"properties"`
}

// ScenarioRecord is one record. Values are encoded in schema order; a record
// with raw Data (hex) bypasses encoding, which is how unknown events are
// scripted.
type ScenarioRecord struct {
	Provider    uuid.UUID      `yaml:"provider"`
	EventID     uint16         `yaml:"event_id"`
	Version     uint8          `yaml:"version"`
	Level       uint8          `yaml:"level"`
	Opcode      uint8          `yaml:"opcode"`
	Keyword     uint64         `yaml:"keyword"`
	ProcessID   uint32         `yaml:"process_id"`
	ThreadID    uint32         `yaml:"thread_id"`
	PointerSize uint8          `yaml:"pointer_size"`
	Values      map[string]any `yaml:"values"`
	Data        string         `yaml:"data"`
}

// DemoScenario returns the built-in scenario.
func DemoScenario() (*Scenario, error) { return ParseScenario(demoScenario) }

// LoadScenario reads a YAML scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario %s: %w", path, err)
	}
	sc, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return sc, nil
}

func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if len(sc.Records) == 0 {
		return nil, fmt.Errorf("scenario has no records")
	}
	return &sc, nil
}

func (sc *Scenario) schemaFor(k schema.Key) (*schema.Schema, bool) {
	for _, s := range sc.Schemas {
		if s.Provider == k.Provider && s.EventID == k.EventID && s.Version == k.Version {
			return sc.toSchema(s), true
		}
	}
	return nil, false
}

func (sc *Scenario) toSchema(s ScenarioSchema) *schema.Schema {
	name := s.ProviderName
	if name == "" {
		name = sc.providerName(s.Provider)
	}
	return &schema.Schema{
		Key:          schema.Key{Provider: s.Provider, EventID: s.EventID, Version: s.Version},
		ProviderName: name,
		EventName:    s.EventName,
		Properties:   s.Properties,
	}
}

func (sc *Scenario) providerName(g uuid.UUID) string {
	for _, p := range sc.Providers {
		if p.GUID == g {
			return p.Name
		}
	}
	return provider.NameOf(g)
}

// Install registers the scenario's schemas and providers with t.
func (sc *Scenario) Install(t *Tracer) {
	for _, s := range sc.Schemas {
		t.RegisterSchema(sc.toSchema(s))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range sc.Providers {
		t.providers = append(t.providers, tracing.ProviderInfo{GUID: p.GUID, Name: p.Name})
	}
}

// InstallFile registers the scenario as the contents of the trace file at
// path, one record per buffer, stamped with ts.
func (sc *Scenario) InstallFile(t *Tracer, path string, ts time.Time) error {
	recs, err := sc.RawRecords(ts)
	if err != nil {
		return err
	}
	buffers := make([][]*tracing.RawRecord, len(recs))
	for i, r := range recs {
		buffers[i] = []*tracing.RawRecord{r}
	}
	sc.Install(t)
	t.AddFile(path, buffers...)
	return nil
}

// ProviderConfigs returns a verbose, unfiltered config for every provider
// the scenario declares.
func (sc *Scenario) ProviderConfigs() []provider.Config {
	out := make([]provider.Config, 0, len(sc.Providers))
	for _, p := range sc.Providers {
		out = append(out, provider.New(p.GUID, provider.WithName(p.Name)))
	}
	return out
}

// RawRecords builds the scenario's records stamped with ts.
func (sc *Scenario) RawRecords(ts time.Time) ([]*tracing.RawRecord, error) {
	recs := make([]*tracing.RawRecord, 0, len(sc.Records))
	for i, r := range sc.Records {
		rec, err := sc.build(r, ts)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (sc *Scenario) build(r ScenarioRecord, ts time.Time) (*tracing.RawRecord, error) {
	rec := &tracing.RawRecord{
		ProviderID:  r.Provider,
		EventID:     r.EventID,
		Version:     r.Version,
		Level:       r.Level,
		Opcode:      r.Opcode,
		Keyword:     r.Keyword,
		Timestamp:   event.TimeToFileTime(ts),
		ProcessID:   r.ProcessID,
		ThreadID:    r.ThreadID,
		PointerSize: r.PointerSize,
	}
	if rec.PointerSize == 0 {
		rec.PointerSize = 8
	}

	if r.Data != "" {
		data, err := hex.DecodeString(r.Data)
		if err != nil {
			return nil, fmt.Errorf("bad data: %w", err)
		}
		rec.Data = data
		return rec, nil
	}

	s, ok := sc.schemaFor(rec.Key())
	if !ok {
		return nil, fmt.Errorf("no schema for %s and no raw data", rec.Key())
	}
	var b decoder.Builder
	if err := Encode(&b, s.Properties, r.Values, int(rec.PointerSize), ts); err != nil {
		return nil, err
	}
	rec.Data = b.Bytes()
	return rec, nil
}

// Drive emits the scenario into tr, one record per buffer, waiting interval
// between records. repeat <= 0 replays until ctx is done. It returns the
// number of records emitted.
func (sc *Scenario) Drive(ctx context.Context, tr *Trace, interval time.Duration, repeat int) (int, error) {
	n := 0
	for round := 0; repeat <= 0 || round < repeat; round++ {
		for i := range sc.Records {
			rec, err := sc.build(sc.Records[i], time.Now())
			if err != nil {
				return n, fmt.Errorf("record %d: %w", i, err)
			}
			if err := tr.Emit(rec); err != nil {
				return n, err
			}
			n++

			if interval > 0 {
				select {
				case <-time.After(interval):
				case <-ctx.Done():
					return n, ctx.Err()
				}
			} else if ctx.Err() != nil {
				return n, ctx.Err()
			}
		}
	}
	return n, nil
}

// Encode writes values in descriptor order. Missing values encode as the
// zero value of their type; timestamps default to now.
func Encode(b *decoder.Builder, props []schema.PropertyDescriptor, values map[string]any, ptrSize int, now time.Time) error {
	for _, p := range props {
		if p.Type == schema.TypeStruct || p.IsArray() {
			return fmt.Errorf("property %s: arrays and structs cannot be scripted", p.Name)
		}
		if err := encodeOne(b, p, values[p.Name], ptrSize, now); err != nil {
			return fmt.Errorf("property %s: %w", p.Name, err)
		}
	}
	return nil
}

func encodeOne(b *decoder.Builder, p schema.PropertyDescriptor, v any, ptrSize int, now time.Time) error {
	switch p.Type {
	case schema.TypeInt8, schema.TypeUInt8, schema.TypeInt16, schema.TypeUInt16,
		schema.TypeInt32, schema.TypeUInt32, schema.TypeInt64, schema.TypeUInt64,
		schema.TypeHexInt32, schema.TypeHexInt64, schema.TypePointer:
		n, err := toUint64(v)
		if err != nil {
			return err
		}
		switch p.Type.FixedSize() {
		case 1:
			b.U8(uint8(n))
		case 2:
			b.U16(uint16(n))
		case 4:
			b.U32(uint32(n))
		case 8:
			b.U64(n)
		default:
			b.Pointer(n, ptrSize)
		}
	case schema.TypeFloat, schema.TypeDouble:
		f, err := toFloat64(v)
		if err != nil {
			return err
		}
		if p.Type == schema.TypeFloat {
			b.F32(float32(f))
		} else {
			b.F64(f)
		}
	case schema.TypeBoolean:
		t, _ := v.(bool)
		b.Bool(t)
	case schema.TypeFileTime, schema.TypeSystemTime:
		t, err := toTime(v, now)
		if err != nil {
			return err
		}
		if p.Type == schema.TypeFileTime {
			b.FileTime(t)
		} else {
			b.SystemTime(t)
		}
	case schema.TypeGUID:
		g := uuid.Nil
		if s, ok := v.(string); ok && s != "" {
			var err error
			if g, err = uuid.Parse(strings.Trim(s, "{}")); err != nil {
				return err
			}
		}
		b.GUID(g)
	case schema.TypeUnicodeString, schema.TypeAnsiString:
		s := toString(v)
		if p.Size > 0 {
			s = fixed(s, int(p.Size))
			if p.Type == schema.TypeUnicodeString {
				b.UTF16(s)
			} else {
				b.Raw([]byte(s))
			}
			return nil
		}
		if p.Type == schema.TypeUnicodeString {
			b.UTF16Z(s)
		} else {
			b.ANSIZ(s)
		}
	case schema.TypeCountedUnicodeString:
		b.Counted(toString(v), true)
	case schema.TypeCountedAnsiString:
		b.Counted(toString(v), false)
	case schema.TypeBinary:
		data, err := hex.DecodeString(toString(v))
		if err != nil {
			return err
		}
		if p.Size > 0 {
			data = append(data, make([]byte, max(0, int(p.Size)-len(data)))...)[:p.Size]
		}
		b.Raw(data)
	case schema.TypeSID:
		s := toString(v)
		if s == "" {
			s = "S-1-5-18"
		}
		if _, err := b.SID(s); err != nil {
			return err
		}
	default:
		return fmt.Errorf("type %s cannot be scripted", p.Type)
	}
	return nil
}

// fixed pads or truncates s to n characters.
func fixed(s string, n int) string {
	r := []rune(s)
	if len(r) >= n {
		return string(r[:n])
	}
	return s + strings.Repeat("\x00", n-len(r))
}

func toUint64(v any) (uint64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		return uint64(n), nil
	case int64:
		return uint64(n), nil
	case uint64:
		return n, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return uint64(int64(n)), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case string:
		if strings.HasPrefix(strings.ToLower(n), "0x") {
			return strconv.ParseUint(n[2:], 16, 64)
		}
		if strings.HasPrefix(n, "-") {
			i, err := strconv.ParseInt(n, 10, 64)
			return uint64(i), err
		}
		return strconv.ParseUint(n, 10, 64)
	}
	return 0, fmt.Errorf("cannot use %T as an integer", v)
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		return strconv.ParseFloat(n, 64)
	}
	return 0, fmt.Errorf("cannot use %T as a float", v)
}

func toTime(v any, now time.Time) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return now, nil
	case time.Time:
		return t, nil
	case string:
		return time.Parse(time.RFC3339Nano, t)
	}
	return time.Time{}, fmt.Errorf("cannot use %T as a timestamp", v)
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	}
	return fmt.Sprint(v)
}
