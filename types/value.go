package types

import (
	"encoding/binary"
	"math"
)

// Value is a typed datum as seen by the hash table: a byte image plus a
// null marker. The byte image is interpreted by the Type the value is
// paired with. Values built by the helpers below own their bytes; values
// built with MakeValue reference the caller's buffer.
type Value struct {
	data []byte
	null bool
}

// NullValue returns a null value of any type.
func NullValue() Value {
	return Value{null: true}
}

// MakeValue wraps data without copying it.
func MakeValue(data []byte) Value {
	return Value{data: data}
}

// IntValue encodes a 32-bit integer.
func IntValue(v int32) Value {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return Value{data: b}
}

// LongValue encodes a 64-bit integer.
func LongValue(v int64) Value {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return Value{data: b}
}

// FloatValue encodes a 32-bit float.
func FloatValue(v float32) Value {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	return Value{data: b}
}

// DoubleValue encodes a 64-bit float.
func DoubleValue(v float64) Value {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	return Value{data: b}
}

// CharValue encodes s as a fixed-width CHAR(n) value, zero padded or
// truncated to n bytes.
func CharValue(s string, n int) Value {
	b := make([]byte, n)
	copy(b, s)
	return Value{data: b}
}

// VarCharValue encodes s as a variable-length value.
func VarCharValue(s string) Value {
	return Value{data: []byte(s)}
}

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.null }

// Data returns the byte image of v. It is nil for null values.
func (v Value) Data() []byte { return v.data }

// Size returns the length of the byte image of v.
func (v Value) Size() int { return len(v.data) }

// AsInt decodes v as an INT.
func (v Value) AsInt() int32 {
	return int32(binary.LittleEndian.Uint32(v.data))
}

// AsLong decodes v as a LONG.
func (v Value) AsLong() int64 {
	return int64(binary.LittleEndian.Uint64(v.data))
}

// AsFloat decodes v as a FLOAT.
func (v Value) AsFloat() float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(v.data))
}

// AsDouble decodes v as a DOUBLE.
func (v Value) AsDouble() float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(v.data))
}

// AsString decodes v as a CHAR or VARCHAR, dropping CHAR zero padding.
func (v Value) AsString() string {
	n := len(v.data)
	for n > 0 && v.data[n-1] == 0 {
		n--
	}
	return string(v.data[:n])
}

// Clone returns a copy of v that owns its bytes.
func (v Value) Clone() Value {
	if v.null {
		return v
	}
	b := make([]byte, len(v.data))
	copy(b, v.data)
	return Value{data: b}
}
