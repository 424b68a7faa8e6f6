package event

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// wireValue is the JSON form of a Value. The type tag makes the encoding
// lossless: uint64 stays uint64, binary stays binary.
type wireValue struct {
	Type  string          `json:"t"`
	Value json.RawMessage `json:"v,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	var payload any
	switch v.kind {
	case KindNull:
		return json.Marshal(wireValue{Type: v.kind.String()})
	case KindBool:
		payload = v.AsBool()
	case KindInt:
		payload = v.AsInt()
	case KindUint, KindPointer:
		payload = v.num
	case KindFloat:
		f := v.AsFloat()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			// JSON numbers cannot carry these.
			payload = strconv.FormatFloat(f, 'g', -1, 64)
		} else {
			payload = f
		}
	case KindString, KindSID, KindUndecodable:
		payload = v.str
	case KindBinary:
		payload = v.bin
	case KindGUID:
		payload = v.guid
	case KindTime:
		payload = wireTime(v.time)
	case KindArray:
		if v.list == nil {
			payload = []Value{}
		} else {
			payload = v.list
		}
	case KindStruct:
		if v.fields == nil {
			payload = Properties{}
		} else {
			payload = v.fields
		}
	default:
		return nil, fmt.Errorf("cannot marshal value of %s", v.kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Type: v.kind.String(), Value: raw})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind, ok := parseKind(w.Type)
	if !ok {
		return fmt.Errorf("unknown value type %q", w.Type)
	}
	if kind == KindNull {
		*v = Null()
		return nil
	}

	var err error
	switch kind {
	case KindBool:
		var b bool
		err = json.Unmarshal(w.Value, &b)
		*v = Bool(b)
	case KindInt:
		var i int64
		err = json.Unmarshal(w.Value, &i)
		*v = Int(i)
	case KindUint, KindPointer:
		var u uint64
		err = json.Unmarshal(w.Value, &u)
		*v = Value{kind: kind, num: u}
	case KindFloat:
		var f float64
		if len(w.Value) > 0 && w.Value[0] == '"' {
			var s string
			if err = json.Unmarshal(w.Value, &s); err == nil {
				f, err = strconv.ParseFloat(s, 64)
			}
		} else {
			err = json.Unmarshal(w.Value, &f)
		}
		*v = Float(f)
	case KindString, KindSID, KindUndecodable:
		var s string
		err = json.Unmarshal(w.Value, &s)
		*v = Value{kind: kind, str: s}
	case KindBinary:
		var b []byte
		err = json.Unmarshal(w.Value, &b)
		*v = Value{kind: kind, bin: b}
	case KindGUID:
		var g uuid.UUID
		err = json.Unmarshal(w.Value, &g)
		*v = GUID(g)
	case KindTime:
		var t wireTime
		err = json.Unmarshal(w.Value, &t)
		*v = Time(time.Time(t))
	case KindArray:
		var list []Value
		err = json.Unmarshal(w.Value, &list)
		*v = Array(list...)
	case KindStruct:
		var fields Properties
		err = json.Unmarshal(w.Value, &fields)
		*v = Struct(fields...)
	}
	if err != nil {
		return fmt.Errorf("decode %s value: %w", kind, err)
	}
	return nil
}

// wireTime is the JSON form of a time. encoding/json rejects years past 9999,
// which FILETIME and SYSTEMTIME properties reach (the FILETIME "never" value is
// 0x7FFFFFFFFFFFFFFF), so those are written as Unix seconds and nanoseconds.
type wireTime time.Time

type unixTime struct {
	Sec  int64 `json:"unix"`
	Nsec int64 `json:"nsec"`
}

func (t wireTime) MarshalJSON() ([]byte, error) {
	tt := time.Time(t)
	if y := tt.Year(); y >= 0 && y <= 9999 {
		return tt.MarshalJSON()
	}
	return json.Marshal(unixTime{Sec: tt.Unix(), Nsec: int64(tt.Nanosecond())})
}

func (t *wireTime) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '{' {
		var u unixTime
		if err := json.Unmarshal(data, &u); err != nil {
			return err
		}
		*t = wireTime(time.Unix(u.Sec, u.Nsec).UTC())
		return nil
	}
	var tt time.Time
	if err := tt.UnmarshalJSON(data); err != nil {
		return err
	}
	*t = wireTime(tt)
	return nil
}

type wireTimestamp struct {
	Ticks int64    `json:"ticks"`
	Wall  wireTime `json:"wall"`
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireTimestamp{Ticks: ts.Ticks, Wall: wireTime(ts.Wall)})
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	var w wireTimestamp
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*ts = Timestamp{Ticks: w.Ticks, Wall: time.Time(w.Wall)}
	return nil
}
