// Package types is the type system consulted by the hash table: per-type
// byte lengths, hashing, equality and copy rules for key values.
package types

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

// TypeID identifies a concrete type.
type TypeID int

const (
	IntID TypeID = iota
	LongID
	FloatID
	DoubleID
	CharID
	VarCharID
)

// Type describes how the hash table treats values of one key type.
type Type interface {
	ID() TypeID
	Name() string
	// IsVariableLength reports whether values of the type may differ in
	// byte length.
	IsVariableLength() bool
	MinimumByteLength() int
	MaximumByteLength() int
	EstimateAverageByteLength() int
	// Hash must return equal codes for values that compare Equal.
	Hash(data []byte) uint64
	Equal(a, b []byte) bool
	// CopyInto writes the byte image of v into dst and returns the number
	// of bytes written. dst must hold at least v.Size() bytes, or
	// MaximumByteLength for fixed-length types.
	CopyInto(dst []byte, v Value) int
	Format(v Value) string
}

// ReversibleHasher is implemented by types whose hash code is injective
// and can be turned back into the value it came from.
type ReversibleHasher interface {
	Type
	ValueFromHash(h uint64) Value
}

// nullHash is the hash code of a null value of any type.
const nullHash = 0x9E3779B185EBCA87

// HashValue hashes v with t, mapping nulls to a fixed code.
func HashValue(t Type, v Value) uint64 {
	if v.IsNull() {
		return nullHash
	}
	return t.Hash(v.Data())
}

// EqualValues compares a and b with t. Two nulls are equal.
func EqualValues(t Type, a, b Value) bool {
	if a.IsNull() || b.IsNull() {
		return a.IsNull() == b.IsNull()
	}
	return t.Equal(a.Data(), b.Data())
}

// Admits reports whether v has a byte length t can hold. Fixed-width
// values must match the width exactly; CHAR values are built padded with
// CharValue. Nulls are admitted.
func Admits(t Type, v Value) bool {
	if v.IsNull() {
		return true
	}
	n := v.Size()
	return n >= t.MinimumByteLength() && n <= t.MaximumByteLength()
}

// CombineHashes folds a component hash into an accumulated composite hash.
// The result depends on the order of combination.
func CombineHashes(acc, h uint64) uint64 {
	return acc ^ (h + 0x9E3779B97F4A7C15 + (acc << 6) + (acc >> 2))
}

type fixedType struct {
	id     TypeID
	name   string
	length int
}

func (t fixedType) ID() TypeID { return t.id }
func (t fixedType) Name() string { return t.name }
func (t fixedType) IsVariableLength() bool { return false }
func (t fixedType) MinimumByteLength() int { return t.length }
func (t fixedType) MaximumByteLength() int { return t.length }
func (t fixedType) EstimateAverageByteLength() int { return t.length }
func (t fixedType) Equal(a, b []byte) bool { return bytes.Equal(a, b) }
func (t fixedType) CopyInto(dst []byte, v Value) int { return copy(dst[:t.length], v.Data()) }

type intType struct{ fixedType }

func (intType) Hash(data []byte) uint64 {
	return uint64(int64(MakeValue(data).AsInt()))
}

func (intType) ValueFromHash(h uint64) Value {
	return IntValue(int32(int64(h)))
}

func (intType) Format(v Value) string {
	if v.IsNull() {
		return "NULL"
	}
	return strconv.FormatInt(int64(v.AsInt()), 10)
}

type longType struct{ fixedType }

func (longType) Hash(data []byte) uint64 {
	return uint64(MakeValue(data).AsLong())
}

func (longType) ValueFromHash(h uint64) Value {
	return LongValue(int64(h))
}

func (longType) Format(v Value) string {
	if v.IsNull() {
		return "NULL"
	}
	return strconv.FormatInt(v.AsLong(), 10)
}

type floatType struct{ fixedType }

func (floatType) Hash(data []byte) uint64 { return xxhash.Sum64(data) }

func (floatType) Format(v Value) string {
	if v.IsNull() {
		return "NULL"
	}
	return strconv.FormatFloat(float64(v.AsFloat()), 'g', -1, 32)
}

type doubleType struct{ fixedType }

func (doubleType) Hash(data []byte) uint64 { return xxhash.Sum64(data) }

func (doubleType) Format(v Value) string {
	if v.IsNull() {
		return "NULL"
	}
	return strconv.FormatFloat(v.AsDouble(), 'g', -1, 64)
}

type charType struct{ fixedType }

func (charType) Hash(data []byte) uint64 { return xxhash.Sum64(data) }

// CopyInto zero pads short values to the declared width.
func (t charType) CopyInto(dst []byte, v Value) int {
	n := copy(dst[:t.length], v.Data())
	clear(dst[n:t.length])
	return t.length
}

func (charType) Format(v Value) string {
	if v.IsNull() {
		return "NULL"
	}
	return v.AsString()
}

type varCharType struct {
	maxLength int
}

func (t varCharType) ID() TypeID { return VarCharID }
func (t varCharType) Name() string { return fmt.Sprintf("VARCHAR(%d)", t.maxLength) }
func (t varCharType) IsVariableLength() bool { return true }
func (t varCharType) MinimumByteLength() int { return 0 }
func (t varCharType) MaximumByteLength() int { return t.maxLength }

// EstimateAverageByteLength guesses half the declared width, capped so
// very wide columns do not inflate table sizing.
func (t varCharType) EstimateAverageByteLength() int {
	return min(max(t.maxLength/2, 1), 64)
}

func (t varCharType) Hash(data []byte) uint64 { return xxhash.Sum64(data) }
func (t varCharType) Equal(a, b []byte) bool { return bytes.Equal(a, b) }
func (t varCharType) CopyInto(dst []byte, v Value) int { return copy(dst, v.Data()) }

func (t varCharType) Format(v Value) string {
	if v.IsNull() {
		return "NULL"
	}
	return string(v.Data())
}

var (
	// Int is the 32-bit integer type.
	Int ReversibleHasher = intType{fixedType{IntID, "INT", 4}}
	// Long is the 64-bit integer type.
	Long ReversibleHasher = longType{fixedType{LongID, "LONG", 8}}
	// Float is the 32-bit floating point type.
	Float Type = floatType{fixedType{FloatID, "FLOAT", 4}}
	// Double is the 64-bit floating point type.
	Double Type = doubleType{fixedType{DoubleID, "DOUBLE", 8}}
)

// Char returns the fixed-width CHAR(n) type.
func Char(n int) Type {
	return charType{fixedType{CharID, fmt.Sprintf("CHAR(%d)", n), n}}
}

// VarChar returns the variable-length VARCHAR(n) type.
func VarChar(n int) Type {
	return varCharType{maxLength: n}
}

// Parse resolves a type name as produced by Type.Name.
func Parse(name string) (Type, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	switch upper {
	case "INT":
		return Int, nil
	case "LONG":
		return Long, nil
	case "FLOAT":
		return Float, nil
	case "DOUBLE":
		return Double, nil
	}
	open := strings.IndexByte(upper, '(')
	if open < 0 || !strings.HasSuffix(upper, ")") {
		return nil, errors.Newf("unknown type %q", name)
	}
	n, err := strconv.Atoi(upper[open+1 : len(upper)-1])
	if err != nil || n <= 0 {
		return nil, errors.Newf("invalid length in type %q", name)
	}
	switch upper[:open] {
	case "CHAR":
		return Char(n), nil
	case "VARCHAR":
		return VarChar(n), nil
	}
	return nil, errors.Newf("unknown type %q", name)
}

// IsReversible reports whether t can serve as the key of a table that
// stores hash codes in place of keys.
func IsReversible(t Type) bool {
	_, ok := t.(ReversibleHasher)
	return ok
}
