package btree

import (
	"github.com/pkg/errors"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/loader/catalog"
	"github.com/ossc-db/pg-bulkload-sub000/util"
)

// KeyCodec turns heap rows into the stored key form of one index and orders
// stored keys the way the index is declared: per-column direction with the
// declared NULL placement, nulls equal to nulls.
//
// 键的存储格式：位图（置位=非空）+ 各键列依声明顺序
// 定宽列直接存原始字节，变长列前置u16长度，键列永不压缩
type KeyCodec struct {
	cols  []catalog.IndexColumn
	types []basic.ValType
}

func NewKeyCodec(idx *catalog.Index, rel *catalog.Relation) (*KeyCodec, error) {
	kc := &KeyCodec{cols: idx.Columns, types: make([]basic.ValType, len(idx.Columns))}
	for i, col := range idx.Columns {
		if col.AttNum < 0 || col.AttNum >= len(rel.Columns) {
			return nil, errors.Errorf("index %s: key column %s resolves outside table %s",
				idx.Name, col.Name, rel.Name)
		}
		kc.types[i] = rel.Columns[col.AttNum].Type
	}
	return kc, nil
}

// KeyColumns is the number of key columns.
func (kc *KeyCodec) KeyColumns() int { return len(kc.cols) }

// ExtractFromRow encodes the key columns of one row.
func (kc *KeyCodec) ExtractFromRow(row *basic.Row) ([]byte, error) {
	bitmapLen := util.BitmapLen(len(kc.cols))
	buff := make([]byte, bitmapLen, bitmapLen+16*len(kc.cols))
	for i, col := range kc.cols {
		if row.IsNull(col.AttNum) {
			continue
		}
		util.SetBit(buff[:bitmapLen], i)
		v := row.Value(col.AttNum)
		if v.DataType() != kc.types[i] {
			return nil, errors.Errorf("key column %s: row has %s, index wants %s",
				col.Name, v.DataType(), kc.types[i])
		}
		payload := v.ToByte()
		if kc.types[i].IsVarlena() {
			if len(payload) > int(tinfoLenMask) {
				return nil, errors.Wrapf(basic.ErrRowTooLarge,
					"key column %s of %d bytes", col.Name, len(payload))
			}
			buff = util.WriteUB2(buff, uint16(len(payload)))
		}
		buff = util.WriteBytes(buff, payload)
	}
	if len(buff) > maxIndexItemSize-leafItemHeader {
		return nil, errors.Wrapf(basic.ErrRowTooLarge, "index key of %d bytes", len(buff))
	}
	return buff, nil
}

// HasNulls reports whether any key column of an encoded key is NULL.
func (kc *KeyCodec) HasNulls(key []byte) bool {
	for i := range kc.cols {
		if !util.TestBit(key, i) {
			return true
		}
	}
	return false
}

// DecodeValues rebuilds the key column values of an encoded key.
func (kc *KeyCodec) DecodeValues(key []byte) ([]basic.Value, error) {
	bitmapLen := util.BitmapLen(len(kc.cols))
	if len(key) < bitmapLen {
		return nil, errors.Wrapf(basic.ErrCorruptedIndex, "key of %d bytes", len(key))
	}
	out := make([]basic.Value, len(kc.cols))
	cursor := bitmapLen
	for i := range kc.cols {
		if !util.TestBit(key, i) {
			out[i] = basic.NewNullValue(kc.types[i])
			continue
		}
		var payload []byte
		if kc.types[i].IsVarlena() {
			if cursor+2 > len(key) {
				return nil, errors.Wrap(basic.ErrCorruptedIndex, "truncated key column length")
			}
			n := int(util.ReadUB2Byte2UInt16(key[cursor : cursor+2]))
			cursor += 2
			if cursor+n > len(key) {
				return nil, errors.Wrap(basic.ErrCorruptedIndex, "truncated key column")
			}
			payload = key[cursor : cursor+n]
			cursor += n
		} else {
			n := kc.types[i].FixedLen()
			if cursor+n > len(key) {
				return nil, errors.Wrap(basic.ErrCorruptedIndex, "truncated key column")
			}
			payload = key[cursor : cursor+n]
			cursor += n
		}
		v, err := basic.DecodeValue(kc.types[i], payload)
		if err != nil {
			return nil, errors.Wrapf(basic.ErrCorruptedIndex, "key column %s: %v", kc.cols[i].Name, err)
		}
		out[i] = v
	}
	return out, nil
}

// Compare orders two encoded keys in index order. NULLs compare equal to
// NULLs and sort to the declared end of each column; DESC flips the value
// comparison, never the NULL placement.
func (kc *KeyCodec) Compare(a, b []byte) (int, error) {
	av, err := kc.DecodeValues(a)
	if err != nil {
		return 0, err
	}
	bv, err := kc.DecodeValues(b)
	if err != nil {
		return 0, err
	}
	for i, col := range kc.cols {
		an, bn := av[i].IsNull(), bv[i].IsNull()
		if an || bn {
			if an && bn {
				continue
			}
			less := -1
			if !col.NullsFirst {
				less = 1
			}
			if an {
				return less, nil
			}
			return -less, nil
		}
		c, err := av[i].Compare(bv[i])
		if err != nil {
			return 0, errors.Wrapf(err, "key column %s", col.Name)
		}
		if c == 0 {
			continue
		}
		if col.Desc {
			c = -c
		}
		return c, nil
	}
	return 0, nil
}
