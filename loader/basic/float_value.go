package basic

import (
	"math"
	"strconv"

	"github.com/ossc-db/pg-bulkload-sub000/util"
)

type Float8Value struct {
	value float64
}

func NewFloat8Value(value float64) Value {
	return &Float8Value{value: value}
}

func NewFloat8ValueFromBits(bits uint64) Value {
	return &Float8Value{value: math.Float64frombits(bits)}
}

func (f *Float8Value) DataType() ValType { return Float8Val }
func (f *Float8Value) IsNull() bool      { return false }
func (f *Float8Value) Raw() interface{}  { return f.value }

func (f *Float8Value) ToByte() []byte {
	return util.ConvertULong8Bytes(math.Float64bits(f.value))
}

func (f *Float8Value) ToString() string {
	return strconv.FormatFloat(f.value, 'g', -1, 64)
}

// Compare orders NaN after every other value so the sort is total,
// the convention B-tree opclasses use.
func (f *Float8Value) Compare(x Value) (int, error) {
	o, ok := x.(*Float8Value)
	if !ok {
		return 0, compareTypeMismatch(Float8Val, x)
	}
	a, b := f.value, o.value
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	switch {
	case aNaN && bNaN:
		return 0, nil
	case aNaN:
		return 1, nil
	case bNaN:
		return -1, nil
	case a < b:
		return -1, nil
	case a > b:
		return 1, nil
	}
	return 0, nil
}

type BoolValue struct {
	value bool
}

func NewBoolValue(value bool) Value {
	return &BoolValue{value: value}
}

func (b *BoolValue) DataType() ValType { return BoolVal }
func (b *BoolValue) IsNull() bool      { return false }
func (b *BoolValue) Raw() interface{}  { return b.value }

func (b *BoolValue) ToByte() []byte {
	return []byte{util.ConvertBool2Byte(b.value)}
}

func (b *BoolValue) ToString() string {
	if b.value {
		return "t"
	}
	return "f"
}

func (b *BoolValue) Compare(x Value) (int, error) {
	o, ok := x.(*BoolValue)
	if !ok {
		return 0, compareTypeMismatch(BoolVal, x)
	}
	if b.value == o.value {
		return 0, nil
	}
	if !b.value {
		return -1, nil
	}
	return 1, nil
}
