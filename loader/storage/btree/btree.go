// Package btree builds and merges the b-tree index files of the loader.
// Index files are never updated in place: a load assembles a complete new
// tree beside the live one and renames it over the old file family, so a
// crash at any earlier point leaves the previous index intact.
package btree

import (
	"github.com/pkg/errors"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/pages"
	"github.com/ossc-db/pg-bulkload-sub000/util"
)

const (
	btreeMagic   = 0x42544944
	btreeVersion = 1

	// 特殊区16字节：prev u32 + next u32 + level u16 + flags u16 + 4字节填充
	specialSize  = 16
	specPrevOff  = 0
	specNextOff  = 4
	specLevelOff = 8
	specFlagsOff = 10
)

const (
	flagLeaf uint16 = 1 << 0
	flagRoot uint16 = 1 << 1
	flagMeta uint16 = 1 << 3
)

// usableSpace is what one tree page can hold in items and line pointers.
const usableSpace = pages.PageSize - pages.HeaderSize - specialSize

// maxIndexItemSize keeps at least three items on every page, which is what
// guarantees splits by item stealing always terminate.
const maxIndexItemSize = 2712

// pageOpaque is the decoded special space of a tree page. Block 0 holds the
// metadata, so the zero block number doubles as "no sibling".
type pageOpaque struct {
	Prev  basic.BlockNumber
	Next  basic.BlockNumber
	Level uint16
	Flags uint16
}

func (o *pageOpaque) isLeaf() bool      { return o.Flags&flagLeaf != 0 }
func (o *pageOpaque) isRightmost() bool { return o.Next == 0 }

func readOpaque(p pages.Page) *pageOpaque {
	sp := p.SpecialSpace()
	_, prev := util.ReadUB4(sp, specPrevOff)
	_, next := util.ReadUB4(sp, specNextOff)
	return &pageOpaque{
		Prev:  basic.BlockNumber(prev),
		Next:  basic.BlockNumber(next),
		Level: util.ReadUB2Byte2UInt16(sp[specLevelOff : specLevelOff+2]),
		Flags: util.ReadUB2Byte2UInt16(sp[specFlagsOff : specFlagsOff+2]),
	}
}

func writeOpaque(p pages.Page, o *pageOpaque) {
	sp := p.SpecialSpace()
	util.PutUB4(sp, specPrevOff, uint32(o.Prev))
	util.PutUB4(sp, specNextOff, uint32(o.Next))
	util.PutUB2(sp, specLevelOff, o.Level)
	util.PutUB2(sp, specFlagsOff, o.Flags)
}

// 元数据页（第0页）页头之后的布局：
//
//	magic u32, version u32, root u32, level u32, fastroot u32, fastlevel u32
const metaDataSize = 24

type metaData struct {
	Root      basic.BlockNumber
	Level     uint32
	FastRoot  basic.BlockNumber
	FastLevel uint32
}

func writeMetaPage(p pages.Page, m *metaData) {
	pages.Init(p, specialSize)
	writeOpaque(p, &pageOpaque{Flags: flagMeta})
	body := p[pages.HeaderSize:]
	util.PutUB4(body, 0, btreeMagic)
	util.PutUB4(body, 4, btreeVersion)
	util.PutUB4(body, 8, uint32(m.Root))
	util.PutUB4(body, 12, m.Level)
	util.PutUB4(body, 16, uint32(m.FastRoot))
	util.PutUB4(body, 20, m.FastLevel)
}

func readMetaPage(p pages.Page) (*metaData, error) {
	if !p.IsValid() {
		return nil, errors.Wrap(basic.ErrCorruptedIndex, "metadata page header is broken")
	}
	body := p[pages.HeaderSize:]
	_, magic := util.ReadUB4(body, 0)
	if magic != btreeMagic {
		return nil, errors.Wrapf(basic.ErrCorruptedIndex, "bad magic %#x", magic)
	}
	_, version := util.ReadUB4(body, 4)
	if version != btreeVersion {
		return nil, errors.Wrapf(basic.ErrCorruptedIndex, "tree version %d not supported", version)
	}
	_, root := util.ReadUB4(body, 8)
	_, level := util.ReadUB4(body, 12)
	_, fastRoot := util.ReadUB4(body, 16)
	_, fastLevel := util.ReadUB4(body, 20)
	return &metaData{
		Root:      basic.BlockNumber(root),
		Level:     level,
		FastRoot:  basic.BlockNumber(fastRoot),
		FastLevel: fastLevel,
	}, nil
}

// Leaf item: ctid block u32 + ctid offset u16 + tinfo u16 + encoded key.
// tinfo packs the key length with a has-nulls marker bit.
const (
	leafItemHeader = 8
	tinfoHasNulls  = uint16(0x8000)
	tinfoLenMask   = uint16(0x7FFF)
)

func encodeLeafItem(tid basic.ItemPointer, key []byte, hasNulls bool) []byte {
	buff := make([]byte, 0, leafItemHeader+len(key))
	buff = util.WriteUB4(buff, uint32(tid.Block))
	buff = util.WriteUB2(buff, uint16(tid.Offset))
	tinfo := uint16(len(key)) & tinfoLenMask
	if hasNulls {
		tinfo |= tinfoHasNulls
	}
	buff = util.WriteUB2(buff, tinfo)
	buff = util.WriteBytes(buff, key)
	return buff
}

// decodeLeafItem returns the heap pointer and the key bytes, which alias the
// item.
func decodeLeafItem(item []byte) (basic.ItemPointer, []byte, error) {
	if len(item) < leafItemHeader {
		return basic.ItemPointer{}, nil, errors.Wrapf(basic.ErrCorruptedIndex,
			"leaf item of %d bytes", len(item))
	}
	_, blk := util.ReadUB4(item, 0)
	tid := basic.ItemPointer{
		Block:  basic.BlockNumber(blk),
		Offset: basic.OffsetNumber(util.ReadUB2Byte2UInt16(item[4:6])),
	}
	keyLen := int(util.ReadUB2Byte2UInt16(item[6:8]) & tinfoLenMask)
	if leafItemHeader+keyLen > len(item) {
		return basic.ItemPointer{}, nil, errors.Wrapf(basic.ErrCorruptedIndex,
			"leaf item claims %d key bytes in %d", keyLen, len(item))
	}
	return tid, item[leafItemHeader : leafItemHeader+keyLen], nil
}

// Internal item: downlink child block u32 + separator key. The leftmost item
// of every internal page has an empty key, standing for minus infinity.
const internalItemHeader = 4

func encodeInternalItem(child basic.BlockNumber, key []byte) []byte {
	buff := make([]byte, 0, internalItemHeader+len(key))
	buff = util.WriteUB4(buff, uint32(child))
	buff = util.WriteBytes(buff, key)
	return buff
}

func decodeInternalItem(item []byte) (basic.BlockNumber, []byte, error) {
	if len(item) < internalItemHeader {
		return 0, nil, errors.Wrapf(basic.ErrCorruptedIndex, "internal item of %d bytes", len(item))
	}
	_, child := util.ReadUB4(item, 0)
	return basic.BlockNumber(child), item[internalItemHeader:], nil
}
