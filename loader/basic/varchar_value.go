package basic

import (
	"bytes"
)

// TextValue keeps the UTF-8 payload; byte order comparison matches the
// cluster's "C" collation. Case folding, when an index asks for it, is
// applied by the key comparator, not here.
type TextValue struct {
	value []byte
}

func NewTextValue(value string) Value {
	return &TextValue{value: []byte(value)}
}

func NewTextValueFromBytes(value []byte) Value {
	return &TextValue{value: value}
}

func (v *TextValue) DataType() ValType { return TextVal }
func (v *TextValue) IsNull() bool      { return false }
func (v *TextValue) Raw() interface{}  { return string(v.value) }
func (v *TextValue) ToByte() []byte    { return v.value }
func (v *TextValue) ToString() string  { return string(v.value) }

func (v *TextValue) Compare(x Value) (int, error) {
	o, ok := x.(*TextValue)
	if !ok {
		return 0, compareTypeMismatch(TextVal, x)
	}
	return bytes.Compare(v.value, o.value), nil
}

type ByteaValue struct {
	value []byte
}

func NewByteaValue(value []byte) Value {
	return &ByteaValue{value: value}
}

func (v *ByteaValue) DataType() ValType { return ByteaVal }
func (v *ByteaValue) IsNull() bool      { return false }
func (v *ByteaValue) Raw() interface{}  { return v.value }
func (v *ByteaValue) ToByte() []byte    { return v.value }

func (v *ByteaValue) ToString() string {
	return string(v.value)
}

func (v *ByteaValue) Compare(x Value) (int, error) {
	o, ok := x.(*ByteaValue)
	if !ok {
		return 0, compareTypeMismatch(ByteaVal, x)
	}
	return bytes.Compare(v.value, o.value), nil
}
