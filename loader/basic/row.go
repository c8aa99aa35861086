package basic

import (
	"strings"

	"github.com/juju/errors"

	"github.com/ossc-db/pg-bulkload-sub000/util"
)

// Row is one parsed input record, column values in table order. Nil or
// NullValue entries both read as SQL NULL.
type Row struct {
	Values []Value
}

func NewRow(values ...Value) *Row {
	return &Row{Values: values}
}

func (r *Row) ColumnCount() int { return len(r.Values) }

func (r *Row) IsNull(i int) bool {
	if i >= len(r.Values) {
		return true
	}
	v := r.Values[i]
	return v == nil || v.IsNull()
}

func (r *Row) Value(i int) Value {
	if i >= len(r.Values) || r.Values[i] == nil {
		return NewNullValue(UnkVal)
	}
	return r.Values[i]
}

func (r *Row) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, v := range r.Values {
		if i > 0 {
			sb.WriteByte(',')
		}
		if v == nil || v.IsNull() {
			sb.WriteString("NULL")
		} else {
			sb.WriteString(v.ToString())
		}
	}
	sb.WriteByte(')')
	return sb.String()
}

// DecodeValue rebuilds a Value from the storage payload produced by ToByte.
// The buffer excludes any varlena length word; callers strip that first.
func DecodeValue(vt ValType, buff []byte) (Value, error) {
	switch vt {
	case BoolVal:
		if len(buff) < 1 {
			return nil, errors.Errorf("bool payload too short: %d bytes", len(buff))
		}
		return NewBoolValue(buff[0] != 0), nil
	case Int4Val:
		if len(buff) < 4 {
			return nil, errors.Errorf("int4 payload too short: %d bytes", len(buff))
		}
		u := util.ReadUB4Byte2UInt32(buff[0:4])
		return NewInt4Value(int32(u)), nil
	case Int8Val:
		if len(buff) < 8 {
			return nil, errors.Errorf("int8 payload too short: %d bytes", len(buff))
		}
		u := util.ReadUB8Byte2UInt64(buff[0:8])
		return NewInt8Value(int64(u)), nil
	case Float8Val:
		if len(buff) < 8 {
			return nil, errors.Errorf("float8 payload too short: %d bytes", len(buff))
		}
		u := util.ReadUB8Byte2UInt64(buff[0:8])
		return NewFloat8ValueFromBits(u), nil
	case TimestampVal:
		if len(buff) < 8 {
			return nil, errors.Errorf("timestamp payload too short: %d bytes", len(buff))
		}
		u := util.ReadUB8Byte2UInt64(buff[0:8])
		return NewTimestampValueFromMicros(int64(u)), nil
	case TextVal:
		return NewTextValueFromBytes(util.CopyBytes(buff)), nil
	case ByteaVal:
		return NewByteaValue(util.CopyBytes(buff)), nil
	case NumericVal:
		return NewNumericValueFromBytes(buff)
	}
	return nil, errors.Errorf("cannot decode value of type %s", vt)
}
