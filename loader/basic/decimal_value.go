package basic

import (
	"github.com/shopspring/decimal"
)

// NumericValue stores arbitrary-precision numbers. The on-page payload is
// the canonical text rendering, so round-tripping never loses digits and
// stays independent of the host float format.
type NumericValue struct {
	value decimal.Decimal
}

func NewNumericValue(d decimal.Decimal) Value {
	return &NumericValue{value: d}
}

func NewNumericValueFromString(s string) (Value, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return &NumericValue{value: d}, nil
}

func NewNumericValueFromBytes(buff []byte) (Value, error) {
	return NewNumericValueFromString(string(buff))
}

func (v *NumericValue) DataType() ValType { return NumericVal }
func (v *NumericValue) IsNull() bool      { return false }
func (v *NumericValue) Raw() interface{}  { return v.value }
func (v *NumericValue) ToByte() []byte    { return []byte(v.value.String()) }
func (v *NumericValue) ToString() string  { return v.value.String() }

func (v *NumericValue) Compare(x Value) (int, error) {
	o, ok := x.(*NumericValue)
	if !ok {
		return 0, compareTypeMismatch(NumericVal, x)
	}
	return v.value.Cmp(o.value), nil
}
