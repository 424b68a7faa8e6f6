package event

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind is the decoded type of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindString
	KindBinary
	KindGUID
	KindPointer
	KindTime
	KindSID
	KindArray
	KindStruct
	// KindUndecodable marks a property the decoder could not extract.
	KindUndecodable
)

var kindNames = [...]string{
	KindNull:        "null",
	KindBool:        "bool",
	KindInt:         "int",
	KindUint:        "uint",
	KindFloat:       "float",
	KindString:      "string",
	KindBinary:      "binary",
	KindGUID:        "guid",
	KindPointer:     "pointer",
	KindTime:        "time",
	KindSID:         "sid",
	KindArray:       "array",
	KindStruct:      "struct",
	KindUndecodable: "undecodable",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

func parseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), true
		}
	}
	return 0, false
}

// Value is an immutable tagged union holding one decoded property value.
// The zero Value is Null.
type Value struct {
	kind   Kind
	num    uint64 // bool, int, uint, float bits, pointer
	str    string // string, sid, undecodable reason
	bin    []byte
	guid   uuid.UUID
	time   time.Time
	list   []Value
	fields Properties
}

func Null() Value             { return Value{} }
func Int(i int64) Value       { return Value{kind: KindInt, num: uint64(i)} }
func Uint(u uint64) Value     { return Value{kind: KindUint, num: u} }
func Float(f float64) Value   { return Value{kind: KindFloat, num: math.Float64bits(f)} }
func Text(s string) Value     { return Value{kind: KindString, str: s} }
func GUID(g uuid.UUID) Value  { return Value{kind: KindGUID, guid: g} }
func Pointer(p uint64) Value  { return Value{kind: KindPointer, num: p} }
func SID(s string) Value      { return Value{kind: KindSID, str: s} }
func Time(t time.Time) Value  { return Value{kind: KindTime, time: t} }
func Array(vs ...Value) Value { return Value{kind: KindArray, list: vs} }
func Struct(fs ...Property) Value {
	return Value{kind: KindStruct, fields: fs}
}

func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.num = 1
	}
	return v
}

// Binary copies b.
func Binary(b []byte) Value {
	return Value{kind: KindBinary, bin: append([]byte{}, b...)}
}

// Undecodable is the sentinel substituted for a property that failed to decode.
func Undecodable(reason string) Value {
	return Value{kind: KindUndecodable, str: reason}
}

func (v Value) Kind() Kind          { return v.kind }
func (v Value) IsNull() bool        { return v.kind == KindNull }
func (v Value) IsUndecodable() bool { return v.kind == KindUndecodable }
func (v Value) AsBool() bool        { return v.num != 0 }
func (v Value) AsInt() int64        { return int64(v.num) }
func (v Value) AsFloat() float64    { return math.Float64frombits(v.num) }
func (v Value) AsGUID() uuid.UUID   { return v.guid }
func (v Value) AsTime() time.Time   { return v.time }
func (v Value) Elems() []Value      { return v.list }
func (v Value) Fields() Properties  { return v.fields }
func (v Value) Bytes() []byte       { return v.bin }

// AsUint returns unsigned and pointer values, and signed values reinterpreted.
func (v Value) AsUint() uint64 { return v.num }

// AsString returns the text of string, SID and undecodable values.
func (v Value) AsString() string { return v.str }

// Reason explains why an undecodable value could not be decoded.
func (v Value) Reason() string {
	if v.kind != KindUndecodable {
		return ""
	}
	return v.str
}

// Equal reports deep equality. Times compare by instant.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool, KindInt, KindUint, KindFloat, KindPointer:
		return v.num == o.num
	case KindString, KindSID, KindUndecodable:
		return v.str == o.str
	case KindBinary:
		return bytes.Equal(v.bin, o.bin)
	case KindGUID:
		return v.guid == o.guid
	case KindTime:
		return v.time.Equal(o.time)
	case KindArray:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindStruct:
		return v.fields.Equal(o.fields)
	}
	return false
}

// Interface converts to a plain Go value: nil, bool, int64, uint64, float64,
// string, []byte, time.Time, []any or map[string]any.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.AsBool()
	case KindInt:
		return v.AsInt()
	case KindUint, KindPointer:
		return v.num
	case KindFloat:
		return v.AsFloat()
	case KindString, KindSID:
		return v.str
	case KindBinary:
		return v.bin
	case KindGUID:
		return v.guid.String()
	case KindTime:
		return v.time
	case KindArray:
		out := make([]any, len(v.list))
		for i := range v.list {
			out[i] = v.list[i].Interface()
		}
		return out
	case KindStruct:
		return v.fields.Map()
	case KindUndecodable:
		return "<undecodable: " + v.str + ">"
	}
	return nil
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.AsBool())
	case KindInt:
		return strconv.FormatInt(v.AsInt(), 10)
	case KindUint:
		return strconv.FormatUint(v.num, 10)
	case KindPointer:
		return "0x" + strconv.FormatUint(v.num, 16)
	case KindFloat:
		return strconv.FormatFloat(v.AsFloat(), 'g', -1, 64)
	case KindString, KindSID:
		return v.str
	case KindBinary:
		return fmt.Sprintf("%x", v.bin)
	case KindGUID:
		return v.guid.String()
	case KindTime:
		return v.time.Format(time.RFC3339Nano)
	case KindArray:
		parts := make([]string, len(v.list))
		for i := range v.list {
			parts[i] = v.list[i].String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindStruct:
		parts := make([]string, len(v.fields))
		for i, f := range v.fields {
			parts[i] = f.Name + "=" + f.Value.String()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case KindUndecodable:
		return "<undecodable: " + v.str + ">"
	}
	return v.kind.String()
}

func (v Value) undecodableCount() int {
	switch v.kind {
	case KindUndecodable:
		return 1
	case KindArray:
		n := 0
		for i := range v.list {
			n += v.list[i].undecodableCount()
		}
		return n
	case KindStruct:
		return v.fields.Undecodable()
	}
	return 0
}

func (v Value) clone() Value {
	switch v.kind {
	case KindBinary:
		v.bin = append([]byte{}, v.bin...)
	case KindArray:
		list := make([]Value, len(v.list))
		for i := range v.list {
			list[i] = v.list[i].clone()
		}
		v.list = list
	case KindStruct:
		v.fields = v.fields.Clone()
	}
	return v
}
