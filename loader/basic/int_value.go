package basic

import (
	"strconv"

	"github.com/ossc-db/pg-bulkload-sub000/util"
)

type Int4Value struct {
	value int32
}

func NewInt4Value(value int32) Value {
	return &Int4Value{value: value}
}

func (i *Int4Value) DataType() ValType { return Int4Val }
func (i *Int4Value) IsNull() bool      { return false }
func (i *Int4Value) Raw() interface{}  { return i.value }

func (i *Int4Value) ToByte() []byte {
	return util.ConvertInt4Bytes(i.value)
}

func (i *Int4Value) ToString() string {
	return strconv.FormatInt(int64(i.value), 10)
}

func (i *Int4Value) Compare(x Value) (int, error) {
	o, ok := x.(*Int4Value)
	if !ok {
		return 0, compareTypeMismatch(Int4Val, x)
	}
	switch {
	case i.value < o.value:
		return -1, nil
	case i.value > o.value:
		return 1, nil
	}
	return 0, nil
}

type Int8Value struct {
	value int64
}

func NewInt8Value(value int64) Value {
	return &Int8Value{value: value}
}

func (i *Int8Value) DataType() ValType { return Int8Val }
func (i *Int8Value) IsNull() bool      { return false }
func (i *Int8Value) Raw() interface{}  { return i.value }

func (i *Int8Value) ToByte() []byte {
	return util.ConvertLong8Bytes(i.value)
}

func (i *Int8Value) ToString() string {
	return strconv.FormatInt(i.value, 10)
}

func (i *Int8Value) Compare(x Value) (int, error) {
	o, ok := x.(*Int8Value)
	if !ok {
		return 0, compareTypeMismatch(Int8Val, x)
	}
	switch {
	case i.value < o.value:
		return -1, nil
	case i.value > o.value:
		return 1, nil
	}
	return 0, nil
}
