// Package event defines the decoded Event handed to every consumer of the
// pipeline. Events are values: consumers read them and must not modify them in
// place. Use Clone before changing anything.
package event

import (
	"time"

	"github.com/google/uuid"
)

// fileTimeUnixOffset is the number of 100ns intervals between 1601-01-01 and
// 1970-01-01.
const fileTimeUnixOffset = 116444736000000000

// Timestamp pairs the raw trace clock value with its wall-clock conversion.
// Ticks are FILETIME units (100ns since 1601-01-01 UTC); they are what capture
// deltas are computed from.
type Timestamp struct {
	Ticks int64     `json:"ticks"`
	Wall  time.Time `json:"wall"`
}

// NewTimestamp converts a FILETIME tick count.
func NewTimestamp(ticks int64) Timestamp {
	return Timestamp{Ticks: ticks, Wall: FileTimeToTime(ticks)}
}

// FileTimeToTime converts FILETIME ticks to a UTC time without a monotonic
// reading.
func FileTimeToTime(ticks int64) time.Time {
	if ticks <= 0 {
		return time.Time{}
	}
	unix100ns := ticks - fileTimeUnixOffset
	return time.Unix(unix100ns/1e7, (unix100ns%1e7)*100).UTC()
}

// TimeToFileTime is the inverse of FileTimeToTime.
func TimeToFileTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()*1e7 + int64(t.Nanosecond())/100 + fileTimeUnixOffset
}

// Event is one decoded trace record.
type Event struct {
	ProviderID   uuid.UUID  `json:"provider_id"`
	ProviderName string     `json:"provider_name,omitempty"`
	EventName    string     `json:"event_name,omitempty"`
	EventID      uint16     `json:"event_id"`
	Version      uint8      `json:"version"`
	Level        uint8      `json:"level"`
	Opcode       uint8      `json:"opcode"`
	Keyword      uint64     `json:"keyword"`
	Timestamp    Timestamp  `json:"timestamp"`
	ProcessID    uint32     `json:"pid"`
	ThreadID     uint32     `json:"tid"`
	Properties   Properties `json:"properties"`
	StackTrace   []uint64   `json:"stack_trace,omitempty"`
	// SchemaLess marks an event whose schema could not be resolved. Only the
	// header fields are populated.
	SchemaLess bool `json:"schema_less,omitempty"`
}

// Clone returns a deep copy.
func (e *Event) Clone() *Event {
	c := *e
	c.Properties = e.Properties.Clone()
	if e.StackTrace != nil {
		c.StackTrace = append([]uint64(nil), e.StackTrace...)
	}
	return &c
}

// Property is one named, decoded value.
type Property struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

// Properties keeps the schema order of an event's properties.
type Properties []Property

// Get returns the first property with the given name.
func (p Properties) Get(name string) (Value, bool) {
	for i := range p {
		if p[i].Name == name {
			return p[i].Value, true
		}
	}
	return Value{}, false
}

// Names returns property names in order.
func (p Properties) Names() []string {
	names := make([]string, len(p))
	for i := range p {
		names[i] = p[i].Name
	}
	return names
}

// Undecodable counts properties that carry the undecodable sentinel,
// including ones nested inside arrays and structs.
func (p Properties) Undecodable() int {
	n := 0
	for i := range p {
		n += p[i].Value.undecodableCount()
	}
	return n
}

// Equal compares names and values pairwise, in order.
func (p Properties) Equal(o Properties) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i].Name != o[i].Name || !p[i].Value.Equal(o[i].Value) {
			return false
		}
	}
	return true
}

func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	c := make(Properties, len(p))
	for i := range p {
		c[i] = Property{Name: p[i].Name, Value: p[i].Value.clone()}
	}
	return c
}

// Map flattens the properties into plain Go values, for serializers that
// want a name -> value object.
func (p Properties) Map() map[string]any {
	m := make(map[string]any, len(p))
	for i := range p {
		m[p[i].Name] = p[i].Value.Interface()
	}
	return m
}
