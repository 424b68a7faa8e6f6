// Package schema models provider event layouts and caches them by
// (provider, event id, version).
package schema

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// PropertyType is the declared in-buffer type of a property.
type PropertyType uint8

const (
	TypeUnknown PropertyType = iota
	TypeInt8
	TypeUInt8
	TypeInt16
	TypeUInt16
	TypeInt32
	TypeUInt32
	TypeInt64
	TypeUInt64
	TypeFloat
	TypeDouble
	TypeBoolean // 4-byte Win32 BOOL
	TypePointer // 4 or 8 bytes depending on the producer
	TypeFileTime
	TypeSystemTime
	TypeGUID
	TypeUnicodeString // UTF-16LE, NUL terminated unless Size is set
	TypeAnsiString    // NUL terminated unless Size is set
	TypeCountedUnicodeString
	TypeCountedAnsiString
	TypeBinary
	TypeHexInt32
	TypeHexInt64
	TypeSID
	TypeStruct
)

var typeNames = [...]string{
	TypeUnknown:              "unknown",
	TypeInt8:                 "int8",
	TypeUInt8:                "uint8",
	TypeInt16:                "int16",
	TypeUInt16:               "uint16",
	TypeInt32:                "int32",
	TypeUInt32:               "uint32",
	TypeInt64:                "int64",
	TypeUInt64:               "uint64",
	TypeFloat:                "float",
	TypeDouble:               "double",
	TypeBoolean:              "boolean",
	TypePointer:              "pointer",
	TypeFileTime:             "filetime",
	TypeSystemTime:           "systemtime",
	TypeGUID:                 "guid",
	TypeUnicodeString:        "unicodestring",
	TypeAnsiString:           "ansistring",
	TypeCountedUnicodeString: "countedunicodestring",
	TypeCountedAnsiString:    "countedansistring",
	TypeBinary:               "binary",
	TypeHexInt32:             "hexint32",
	TypeHexInt64:             "hexint64",
	TypeSID:                  "sid",
	TypeStruct:               "struct",
}

func (t PropertyType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// FixedSize returns the encoded width of fixed-size scalar types, or 0.
func (t PropertyType) FixedSize() int {
	switch t {
	case TypeInt8, TypeUInt8:
		return 1
	case TypeInt16, TypeUInt16:
		return 2
	case TypeInt32, TypeUInt32, TypeFloat, TypeBoolean, TypeHexInt32:
		return 4
	case TypeInt64, TypeUInt64, TypeDouble, TypeFileTime, TypeHexInt64:
		return 8
	case TypeSystemTime, TypeGUID:
		return 16
	}
	return 0
}

// PropertyDescriptor describes one property in an event payload.
type PropertyDescriptor struct {
	Name string       `json:"name" yaml:"name"`
	Type PropertyType `json:"type" yaml:"type"`
	// Size is the size hint: bytes for binary and ANSI strings, UTF-16 code
	// units for Unicode strings. Zero means variable length.
	Size uint16 `json:"size,omitempty" yaml:"size,omitempty"`
	// Count > 1 makes a fixed-size array.
	Count uint16 `json:"count,omitempty" yaml:"count,omitempty"`
	// LengthFrom names an earlier integer property holding the length.
	LengthFrom string `json:"length_from,omitempty" yaml:"length_from,omitempty"`
	// CountFrom names an earlier integer property holding the element count.
	CountFrom string `json:"count_from,omitempty" yaml:"count_from,omitempty"`
	// Members of a TypeStruct property, in layout order.
	Members []PropertyDescriptor `json:"members,omitempty" yaml:"members,omitempty"`
}

// IsArray reports whether the property decodes to an array value.
func (d PropertyDescriptor) IsArray() bool {
	return d.Count > 1 || d.CountFrom != ""
}

// Key identifies a schema. A (provider, id, version) triple determines exactly
// one layout.
type Key struct {
	Provider uuid.UUID
	EventID  uint16
	Version  uint8
}

func (k Key) String() string {
	return fmt.Sprintf("{%s}/%d/v%d", k.Provider, k.EventID, k.Version)
}

// Hash folds the key into 64 bits for use as a map key.
func (k Key) Hash() uint64 {
	var b [19]byte
	copy(b[:16], k.Provider[:])
	binary.LittleEndian.PutUint16(b[16:], k.EventID)
	b[18] = k.Version
	return xxhash.Sum64(b[:])
}

// Schema is the resolved layout of one event. It is never modified after it
// has been inserted into a Cache.
type Schema struct {
	Key          Key
	ProviderName string
	EventName    string
	Properties   []PropertyDescriptor
}

// ParsePropertyType is the inverse of PropertyType.String.
func ParsePropertyType(s string) (PropertyType, error) {
	for i, name := range typeNames {
		if name == s {
			return PropertyType(i), nil
		}
	}
	return TypeUnknown, fmt.Errorf("unknown property type %q", s)
}

func (t PropertyType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *PropertyType) UnmarshalText(b []byte) error {
	v, err := ParsePropertyType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
