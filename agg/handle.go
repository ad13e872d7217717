// Package agg provides aggregate function handles whose running state
// lives in fixed-size byte slices inside hash table payloads.
package agg

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"

	"github.com/llxisdsh/chainht/types"
)

// Handle is one aggregate function. State slices passed to a handle are
// exactly StateSize bytes and start zeroed before InitState.
//
// Update and MergeStates are called with the owning bucket locked, so
// implementations need no synchronization of their own.
type Handle interface {
	Name() string
	StateSize() int
	InitState(state []byte)
	Update(arg types.Value, state []byte)
	MergeStates(src, dst []byte)
	Finalize(state []byte) types.Value
}

var le = binary.LittleEndian

// count state: n int64.
type count struct {
	star bool
}

// CountStar counts every row, nulls included.
func CountStar() Handle { return count{star: true} }

// Count counts non-null arguments.
func Count() Handle { return count{} }

func (c count) Name() string {
	if c.star {
		return "COUNT(*)"
	}
	return "COUNT"
}

func (count) StateSize() int { return 8 }
func (count) InitState(st []byte) { le.PutUint64(st, 0) }

func (c count) Update(arg types.Value, st []byte) {
	if c.star || !arg.IsNull() {
		le.PutUint64(st, le.Uint64(st)+1)
	}
}

func (count) MergeStates(src, dst []byte) {
	le.PutUint64(dst, le.Uint64(dst)+le.Uint64(src))
}

func (count) Finalize(st []byte) types.Value {
	return types.LongValue(int64(le.Uint64(st)))
}

// numeric reads integer or floating point arguments.
type numeric struct {
	in    types.Type
	float bool
}

func newNumeric(in types.Type) (numeric, error) {
	switch in.ID() {
	case types.IntID, types.LongID:
		return numeric{in: in}, nil
	case types.FloatID, types.DoubleID:
		return numeric{in: in, float: true}, nil
	}
	return numeric{}, errors.Newf("aggregate over non-numeric type %s", in.Name())
}

func (n numeric) long(v types.Value) int64 {
	if n.in.ID() == types.IntID {
		return int64(v.AsInt())
	}
	return v.AsLong()
}

func (n numeric) double(v types.Value) float64 {
	switch n.in.ID() {
	case types.FloatID:
		return float64(v.AsFloat())
	case types.DoubleID:
		return v.AsDouble()
	}
	return float64(n.long(v))
}

// sum state: acc [8]byte (int64 or float64 bits), n int64.
type sum struct{ numeric }

// Sum adds numeric arguments. Integer inputs produce LONG, floating point
// inputs produce DOUBLE. The sum of no rows is null.
func Sum(in types.Type) (Handle, error) {
	n, err := newNumeric(in)
	if err != nil {
		return nil, err
	}
	return sum{n}, nil
}

func (sum) Name() string { return "SUM" }
func (sum) StateSize() int { return 16 }
func (sum) InitState(st []byte) {
	clear(st[:16])
}

func (s sum) Update(arg types.Value, st []byte) {
	if arg.IsNull() {
		return
	}
	if s.float {
		le.PutUint64(st, math.Float64bits(math.Float64frombits(le.Uint64(st))+s.double(arg)))
	} else {
		le.PutUint64(st, uint64(int64(le.Uint64(st))+s.long(arg)))
	}
	le.PutUint64(st[8:], le.Uint64(st[8:])+1)
}

func (s sum) MergeStates(src, dst []byte) {
	if s.float {
		le.PutUint64(dst, math.Float64bits(
			math.Float64frombits(le.Uint64(dst))+math.Float64frombits(le.Uint64(src))))
	} else {
		le.PutUint64(dst, uint64(int64(le.Uint64(dst))+int64(le.Uint64(src))))
	}
	le.PutUint64(dst[8:], le.Uint64(dst[8:])+le.Uint64(src[8:]))
}

func (s sum) Finalize(st []byte) types.Value {
	if le.Uint64(st[8:]) == 0 {
		return types.NullValue()
	}
	if s.float {
		return types.DoubleValue(math.Float64frombits(le.Uint64(st)))
	}
	return types.LongValue(int64(le.Uint64(st)))
}

// avg state: sum float64, n int64.
type avg struct{ numeric }

// Avg averages numeric arguments as DOUBLE. The average of no rows is null.
func Avg(in types.Type) (Handle, error) {
	n, err := newNumeric(in)
	if err != nil {
		return nil, err
	}
	return avg{n}, nil
}

func (avg) Name() string { return "AVG" }
func (avg) StateSize() int { return 16 }
func (avg) InitState(st []byte) {
	clear(st[:16])
}

func (a avg) Update(arg types.Value, st []byte) {
	if arg.IsNull() {
		return
	}
	le.PutUint64(st, math.Float64bits(math.Float64frombits(le.Uint64(st))+a.double(arg)))
	le.PutUint64(st[8:], le.Uint64(st[8:])+1)
}

func (avg) MergeStates(src, dst []byte) {
	le.PutUint64(dst, math.Float64bits(
		math.Float64frombits(le.Uint64(dst))+math.Float64frombits(le.Uint64(src))))
	le.PutUint64(dst[8:], le.Uint64(dst[8:])+le.Uint64(src[8:]))
}

func (avg) Finalize(st []byte) types.Value {
	n := le.Uint64(st[8:])
	if n == 0 {
		return types.NullValue()
	}
	return types.DoubleValue(math.Float64frombits(le.Uint64(st)) / float64(n))
}

// extreme state: value [8]byte, seen uint64.
type extreme struct {
	numeric
	max bool
}

// Min keeps the smallest numeric argument.
func Min(in types.Type) (Handle, error) {
	n, err := newNumeric(in)
	if err != nil {
		return nil, err
	}
	return extreme{numeric: n}, nil
}

// Max keeps the largest numeric argument.
func Max(in types.Type) (Handle, error) {
	n, err := newNumeric(in)
	if err != nil {
		return nil, err
	}
	return extreme{numeric: n, max: true}, nil
}

func (e extreme) Name() string {
	if e.max {
		return "MAX"
	}
	return "MIN"
}

func (extreme) StateSize() int { return 16 }
func (extreme) InitState(st []byte) {
	clear(st[:16])
}

// better reports whether candidate should replace the current state.
func (e extreme) better(candidate, current uint64) bool {
	if e.float {
		c, cur := math.Float64frombits(candidate), math.Float64frombits(current)
		return (e.max && c > cur) || (!e.max && c < cur)
	}
	c, cur := int64(candidate), int64(current)
	return (e.max && c > cur) || (!e.max && c < cur)
}

func (e extreme) offer(bits uint64, st []byte) {
	if le.Uint64(st[8:]) == 0 || e.better(bits, le.Uint64(st)) {
		le.PutUint64(st, bits)
		le.PutUint64(st[8:], 1)
	}
}

func (e extreme) Update(arg types.Value, st []byte) {
	if arg.IsNull() {
		return
	}
	if e.float {
		e.offer(math.Float64bits(e.double(arg)), st)
	} else {
		e.offer(uint64(e.long(arg)), st)
	}
}

func (e extreme) MergeStates(src, dst []byte) {
	if le.Uint64(src[8:]) != 0 {
		e.offer(le.Uint64(src), dst)
	}
}

func (e extreme) Finalize(st []byte) types.Value {
	if le.Uint64(st[8:]) == 0 {
		return types.NullValue()
	}
	if e.float {
		return types.DoubleValue(math.Float64frombits(le.Uint64(st)))
	}
	return types.LongValue(int64(le.Uint64(st)))
}
