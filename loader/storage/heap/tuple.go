// Package heap implements the stored heap tuple format: a 24-byte header
// with transaction visibility fields, an optional null bitmap, and column
// data encoded per type, variable-width columns behind a length word and
// optionally LZ4-compressed.
package heap

import (
	"github.com/juju/errors"
	"github.com/pierrec/lz4/v4"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/pages"
	"github.com/ossc-db/pg-bulkload-sub000/util"
)

const (
	TupleHeaderSize = 24

	// MaxTupleSize is the largest item a page can hold: everything but the
	// page header and one line pointer, MAXALIGN-floored.
	MaxTupleSize = (pages.PageSize - pages.HeaderSize - pages.ItemIdSize) &^ (util.MaxAlign - 1)

	// varlena payloads below this are never worth a compression attempt
	varlenaCompressMin = 128
)

// infomask bits
const (
	HeapHasNull     uint16 = 0x0001
	HeapHasVarWidth uint16 = 0x0002
	HeapCompressed  uint16 = 0x0004
	HeapXmaxInvalid uint16 = 0x0800
)

// infomask2 keeps the attribute count in its low bits
const heapNattsMask uint16 = 0x07FF

// header field offsets
const (
	offXmin      = 0
	offXmax      = 4
	offCID       = 8
	offCTIDBlock = 12
	offCTIDPos   = 16
	offInfomask2 = 18
	offInfomask  = 20
	offHoff      = 22
)

// Tuple is one decoded heap row.
type Tuple struct {
	Xmin      basic.XID
	Xmax      basic.XID
	CID       basic.CID
	CTID      basic.ItemPointer
	Infomask2 uint16
	Infomask  uint16
	Hoff      uint8
	Values    []basic.Value
}

// XmaxValid reports whether the xmax field holds a real deleter id.
func (t *Tuple) XmaxValid() bool {
	return t.Infomask&HeapXmaxInvalid == 0
}

// NAtts returns the stored attribute count.
func (t *Tuple) NAtts() int {
	return int(t.Infomask2 & heapNattsMask)
}

// Encode serializes one row into its stored form. The ctid must already name
// the final (block, offset) the row lands on; xmax starts invalid.
func Encode(row *basic.Row, types []basic.ValType, xmin basic.XID, cid basic.CID, ctid basic.ItemPointer) ([]byte, error) {
	natts := len(types)
	if row.ColumnCount() != natts {
		return nil, errors.Errorf("row has %d columns, table has %d", row.ColumnCount(), natts)
	}
	if natts > int(heapNattsMask) {
		return nil, errors.Errorf("too many columns: %d", natts)
	}

	var infomask uint16 = HeapXmaxInvalid
	for i := 0; i < natts; i++ {
		if row.IsNull(i) {
			infomask |= HeapHasNull
			break
		}
	}

	bitmapLen := 0
	if infomask&HeapHasNull != 0 {
		bitmapLen = util.BitmapLen(natts)
	}
	hoff := util.MaxAlignUp(TupleHeaderSize + bitmapLen)

	data, dataMask, err := encodeColumns(row, types)
	if err != nil {
		return nil, err
	}
	infomask |= dataMask

	if hoff+len(data) > MaxTupleSize {
		return nil, errors.Annotatef(basic.ErrRowTooLarge,
			"%d bytes (limit %d)", hoff+len(data), MaxTupleSize)
	}

	item := make([]byte, hoff+len(data))
	util.PutUB4(item, offXmin, uint32(xmin))
	util.PutUB4(item, offXmax, uint32(basic.InvalidXID))
	util.PutUB4(item, offCID, uint32(cid))
	util.PutUB4(item, offCTIDBlock, uint32(ctid.Block))
	util.PutUB2(item, offCTIDPos, uint16(ctid.Offset))
	util.PutUB2(item, offInfomask2, uint16(natts)&heapNattsMask)
	util.PutUB2(item, offInfomask, infomask)
	item[offHoff] = uint8(hoff)

	if infomask&HeapHasNull != 0 {
		for i := 0; i < natts; i++ {
			if !row.IsNull(i) {
				util.SetBit(item[TupleHeaderSize:], i)
			}
		}
	}
	copy(item[hoff:], data)
	return item, nil
}

// encodeColumns lays out the non-null column values with their alignment
// padding, returning the extra infomask bits the data demands.
func encodeColumns(row *basic.Row, types []basic.ValType) ([]byte, uint16, error) {
	var mask uint16
	data := make([]byte, 0, 64)
	for i, vt := range types {
		if row.IsNull(i) {
			continue
		}
		v := row.Value(i)
		if v.DataType() != vt {
			return nil, 0, errors.Errorf("column %d holds %s, table wants %s", i, v.DataType(), vt)
		}
		data = alignPad(data, vt.Align())
		if !vt.IsVarlena() {
			raw := v.ToByte()
			if len(raw) != vt.FixedLen() {
				return nil, 0, errors.Errorf("column %d: %s payload is %d bytes", i, vt, len(raw))
			}
			data = util.WriteBytes(data, raw)
			continue
		}
		mask |= HeapHasVarWidth
		stored, compressed := compressVarlena(v.ToByte())
		header := uint32(len(stored)) << 1
		if compressed {
			header |= 1
			mask |= HeapCompressed
		}
		data = util.WriteUB4(data, header)
		data = util.WriteBytes(data, stored)
	}
	return data, mask, nil
}

func alignPad(buf []byte, align int) []byte {
	for len(buf)%align != 0 {
		buf = append(buf, 0)
	}
	return buf
}

// compressVarlena tries an LZ4 block and keeps it only when it pays off. The
// compressed form carries its raw length up front so decode can size the
// output buffer.
func compressVarlena(payload []byte) ([]byte, bool) {
	if len(payload) < varlenaCompressMin {
		return payload, false
	}
	dst := make([]byte, lz4.CompressBlockBound(len(payload)))
	n, err := lz4.CompressBlock(payload, dst, nil)
	if err != nil || n == 0 || n+4 >= len(payload) {
		return payload, false
	}
	out := make([]byte, 0, n+4)
	out = util.WriteUB4(out, uint32(len(payload)))
	out = util.WriteBytes(out, dst[:n])
	return out, true
}

func decompressVarlena(stored []byte) ([]byte, error) {
	if len(stored) < 4 {
		return nil, errors.Errorf("compressed varlena of %d bytes", len(stored))
	}
	rawLen := util.ReadUB4Byte2UInt32(stored[0:4])
	out := make([]byte, rawLen)
	n, err := lz4.UncompressBlock(stored[4:], out)
	if err != nil {
		return nil, errors.Annotatef(err, "varlena decompression failed")
	}
	if n != int(rawLen) {
		return nil, errors.Errorf("varlena decompressed to %d bytes, want %d", n, rawLen)
	}
	return out, nil
}

// Decode rebuilds a Tuple from its stored bytes.
func Decode(item []byte, types []basic.ValType) (*Tuple, error) {
	t, err := DecodeHeader(item)
	if err != nil {
		return nil, err
	}
	if t.NAtts() != len(types) {
		return nil, errors.Errorf("stored tuple has %d attributes, table has %d", t.NAtts(), len(types))
	}

	var bitmap []byte
	if t.Infomask&HeapHasNull != 0 {
		bitmap = item[TupleHeaderSize : TupleHeaderSize+util.BitmapLen(len(types))]
	}

	cursor := int(t.Hoff)
	t.Values = make([]basic.Value, len(types))
	for i, vt := range types {
		if bitmap != nil && !util.TestBit(bitmap, i) {
			t.Values[i] = basic.NewNullValue(vt)
			continue
		}
		cursor = util.AlignUp(cursor, vt.Align())
		if !vt.IsVarlena() {
			end := cursor + vt.FixedLen()
			if end > len(item) {
				return nil, errors.Errorf("column %d runs past the tuple end", i)
			}
			v, err := basic.DecodeValue(vt, item[cursor:end])
			if err != nil {
				return nil, err
			}
			t.Values[i] = v
			cursor = end
			continue
		}
		if cursor+4 > len(item) {
			return nil, errors.Errorf("column %d varlena header runs past the tuple end", i)
		}
		header := util.ReadUB4Byte2UInt32(item[cursor : cursor+4])
		storedLen := int(header >> 1)
		cursor += 4
		if cursor+storedLen > len(item) {
			return nil, errors.Errorf("column %d varlena runs past the tuple end", i)
		}
		payload := item[cursor : cursor+storedLen]
		cursor += storedLen
		if header&1 != 0 {
			if payload, err = decompressVarlena(payload); err != nil {
				return nil, err
			}
		}
		v, err := basic.DecodeValue(vt, payload)
		if err != nil {
			return nil, err
		}
		t.Values[i] = v
	}
	return t, nil
}

// DecodeHeader reads only the fixed header, leaving Values nil.
func DecodeHeader(item []byte) (*Tuple, error) {
	if len(item) < TupleHeaderSize {
		return nil, errors.Errorf("tuple of %d bytes is shorter than its header", len(item))
	}
	t := &Tuple{
		Xmin: basic.XID(util.ReadUB4Byte2UInt32(item[offXmin : offXmin+4])),
		Xmax: basic.XID(util.ReadUB4Byte2UInt32(item[offXmax : offXmax+4])),
		CID:  basic.CID(util.ReadUB4Byte2UInt32(item[offCID : offCID+4])),
		CTID: basic.ItemPointer{
			Block:  basic.BlockNumber(util.ReadUB4Byte2UInt32(item[offCTIDBlock : offCTIDBlock+4])),
			Offset: basic.OffsetNumber(util.ReadUB2Byte2UInt16(item[offCTIDPos : offCTIDPos+2])),
		},
		Infomask2: util.ReadUB2Byte2UInt16(item[offInfomask2 : offInfomask2+2]),
		Infomask:  util.ReadUB2Byte2UInt16(item[offInfomask : offInfomask+2]),
		Hoff:      item[offHoff],
	}
	if int(t.Hoff) < TupleHeaderSize || int(t.Hoff) > len(item) {
		return nil, errors.Errorf("tuple hoff %d out of range", t.Hoff)
	}
	return t, nil
}

// SetCtid restamps the stored tuple's self pointer. The writer predicts the
// ctid before placing the row; a page rollover moves the row and lands here.
func SetCtid(item []byte, ctid basic.ItemPointer) error {
	if len(item) < TupleHeaderSize {
		return errors.Errorf("tuple of %d bytes is shorter than its header", len(item))
	}
	util.PutUB4(item, offCTIDBlock, uint32(ctid.Block))
	util.PutUB2(item, offCTIDPos, uint16(ctid.Offset))
	return nil
}

// StampXmax marks the stored tuple deleted by xmax, in place. The item slice
// usually aliases a page image, so the edit lands in the page.
func StampXmax(item []byte, xmax basic.XID) error {
	if len(item) < TupleHeaderSize {
		return errors.Errorf("tuple of %d bytes is shorter than its header", len(item))
	}
	util.PutUB4(item, offXmax, uint32(xmax))
	mask := util.ReadUB2Byte2UInt16(item[offInfomask : offInfomask+2])
	util.PutUB2(item, offInfomask, mask&^HeapXmaxInvalid)
	return nil
}

// Dead reports whether the stored tuple already carries a deleter. The index
// merge uses this as its dirty visibility check: a dead existing row never
// counts as a duplicate.
func Dead(item []byte) bool {
	t, err := DecodeHeader(item)
	if err != nil {
		return false
	}
	return t.XmaxValid() && t.Xmax != basic.InvalidXID
}
