package goetw

import (
	"strings"

	"etwpipe/internal/etw/schema"
)

// TDH_INTYPE values.
const (
	inUnicodeString     = 1
	inAnsiString        = 2
	inInt8              = 3
	inUInt8             = 4
	inInt16             = 5
	inUInt16            = 6
	inInt32             = 7
	inUInt32            = 8
	inInt64             = 9
	inUInt64            = 10
	inFloat             = 11
	inDouble            = 12
	inBoolean           = 13
	inBinary            = 14
	inGUID              = 15
	inPointer           = 16
	inFileTime          = 17
	inSystemTime        = 18
	inSID               = 19
	inHexInt32          = 20
	inHexInt64          = 21
	inCountedString     = 300
	inCountedAnsiString = 301
	inUnicodeChar       = 307
	inAnsiChar          = 308
	inSizeT             = 309
	inHexDump           = 310
	inWbemSID           = 311
)

func mapInType(in uint16) schema.PropertyType {
	switch in {
	case inUnicodeString:
		return schema.TypeUnicodeString
	case inAnsiString:
		return schema.TypeAnsiString
	case inInt8, inAnsiChar:
		return schema.TypeInt8
	case inUInt8:
		return schema.TypeUInt8
	case inInt16:
		return schema.TypeInt16
	case inUInt16, inUnicodeChar:
		return schema.TypeUInt16
	case inInt32:
		return schema.TypeInt32
	case inUInt32:
		return schema.TypeUInt32
	case inInt64:
		return schema.TypeInt64
	case inUInt64:
		return schema.TypeUInt64
	case inFloat:
		return schema.TypeFloat
	case inDouble:
		return schema.TypeDouble
	case inBoolean:
		return schema.TypeBoolean
	case inBinary, inHexDump:
		return schema.TypeBinary
	case inGUID:
		return schema.TypeGUID
	case inPointer, inSizeT:
		return schema.TypePointer
	case inFileTime:
		return schema.TypeFileTime
	case inSystemTime:
		return schema.TypeSystemTime
	case inSID, inWbemSID:
		return schema.TypeSID
	case inHexInt32:
		return schema.TypeHexInt32
	case inHexInt64:
		return schema.TypeHexInt64
	case inCountedString:
		return schema.TypeCountedUnicodeString
	case inCountedAnsiString:
		return schema.TypeCountedAnsiString
	}
	return schema.TypeUnknown
}

func eventName(task, opcode string) string {
	task = strings.TrimSpace(task)
	opcode = strings.TrimSpace(opcode)
	switch {
	case task == "":
		return opcode
	case opcode == "" || strings.HasPrefix(opcode, "win:"):
		return task
	}
	return task + "/" + opcode
}
