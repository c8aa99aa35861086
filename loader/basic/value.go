package basic

import (
	"fmt"
)

// ValType tags the storage type of one column value.
type ValType uint8

const (
	UnkVal ValType = iota
	BoolVal
	Int4Val
	Int8Val
	Float8Val
	TextVal
	ByteaVal
	NumericVal
	TimestampVal
)

var valTypeNames = map[ValType]string{
	UnkVal:       "unknown",
	BoolVal:      "bool",
	Int4Val:      "int4",
	Int8Val:      "int8",
	Float8Val:    "float8",
	TextVal:      "text",
	ByteaVal:     "bytea",
	NumericVal:   "numeric",
	TimestampVal: "timestamp",
}

func (t ValType) String() string {
	if s, ok := valTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("valtype(%d)", uint8(t))
}

// ParseValType resolves a catalog type name.
func ParseValType(name string) (ValType, error) {
	for t, s := range valTypeNames {
		if s == name && t != UnkVal {
			return t, nil
		}
	}
	return UnkVal, fmt.Errorf("unknown column type %q", name)
}

// IsVarlena reports whether values of t are stored with a length header
// (and may be compressed) instead of at a fixed width.
func (t ValType) IsVarlena() bool {
	switch t {
	case TextVal, ByteaVal, NumericVal:
		return true
	}
	return false
}

// FixedLen returns the stored width of fixed-width types, 0 for varlena.
func (t ValType) FixedLen() int {
	switch t {
	case BoolVal:
		return 1
	case Int4Val:
		return 4
	case Int8Val, Float8Val, TimestampVal:
		return 8
	}
	return 0
}

// Align returns the alignment requirement of the stored value.
func (t ValType) Align() int {
	switch t {
	case BoolVal:
		return 1
	case Int4Val:
		return 4
	case Int8Val, Float8Val, TimestampVal:
		return 8
	}
	// varlena starts at its 4-byte length header
	return 4
}

// Value is one typed column value. Implementations are immutable.
type Value interface {
	DataType() ValType
	IsNull() bool
	// Raw returns the native Go representation (nil for NULL).
	Raw() interface{}
	// ToByte returns the storage payload without alignment padding or
	// varlena header.
	ToByte() []byte
	// Compare orders two non-null values of the same type: -1, 0, 1.
	// Comparing against NULL or a different type is the caller's bug.
	Compare(x Value) (int, error)
	ToString() string
}

// NullValue is the typed NULL.
type NullValue struct {
	valType ValType
}

func NewNullValue(t ValType) Value {
	return &NullValue{valType: t}
}

func (v *NullValue) DataType() ValType { return v.valType }
func (v *NullValue) IsNull() bool      { return true }
func (v *NullValue) Raw() interface{}  { return nil }
func (v *NullValue) ToByte() []byte    { return nil }
func (v *NullValue) ToString() string  { return "NULL" }

func (v *NullValue) Compare(x Value) (int, error) {
	return 0, fmt.Errorf("NULL values are ordered by the index, not compared")
}

func compareTypeMismatch(want ValType, got Value) error {
	return fmt.Errorf("cannot compare %s with %s", want, got.DataType())
}
