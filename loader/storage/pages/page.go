// Package pages implements the fixed 8KB relation page layout shared by heap
// and index files: a 24-byte header, an array of 4-byte line pointers growing
// up, item data growing down, and an optional special space at the end.
package pages

import (
	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/util"
)

const (
	PageSize      = 8192 // bytes per page, fixed for the whole cluster
	HeaderSize    = 24   // fixed page header bytes
	LayoutVersion = 4    // page layout version stamped with the size
	ItemIdSize    = 4    // bytes per line pointer
)

// Header field offsets.
const (
	offLSN         = 0  // uint64 log sequence tag
	offChecksum    = 8  // uint16 page checksum, 0 = none
	offFlags       = 10 // uint16 page flag bits
	offLower       = 12 // uint16 end of the line pointer array
	offUpper       = 14 // uint16 start of item data
	offSpecial     = 16 // uint16 start of the special space
	offSizeVersion = 18 // uint16 page size | layout version
	offPruneXID    = 20 // uint32 oldest prunable xid hint
)

const sizeVersionWord = uint16(PageSize | LayoutVersion)

// Line pointer states, two bits inside the ItemId.
const (
	ItemUnused   = 0
	ItemNormal   = 1
	ItemRedirect = 2
	ItemDead     = 3
)

// ItemId packs a line pointer: offset:15 | flags:2 | length:15.
type ItemId uint32

func makeItemId(off uint16, flags uint8, length uint16) ItemId {
	return ItemId(uint32(off&0x7FFF) | uint32(flags&0x3)<<15 | uint32(length&0x7FFF)<<17)
}

func (it ItemId) Offset() uint16 { return uint16(it & 0x7FFF) }
func (it ItemId) Flags() uint8   { return uint8((it >> 15) & 0x3) }
func (it ItemId) Length() uint16 { return uint16((it >> 17) & 0x7FFF) }
func (it ItemId) IsUsed() bool   { return it.Flags() != ItemUnused }
func (it ItemId) IsNormal() bool { return it.Flags() == ItemNormal }
func (it ItemId) IsDead() bool   { return it.Flags() == ItemDead }

// Page is one raw page image, always PageSize bytes.
type Page []byte

func NewPage() Page {
	return make(Page, PageSize)
}

// Init formats p as an empty page with the given special space size. The
// special space start is MAXALIGN-floored the way the stock layout does it.
func Init(p Page, specialSize int) {
	for i := range p {
		p[i] = 0
	}
	special := PageSize
	if specialSize > 0 {
		special = util.MaxAlignDown(PageSize - specialSize)
	}
	util.PutUB2(p, offLower, HeaderSize)
	util.PutUB2(p, offUpper, uint16(special))
	util.PutUB2(p, offSpecial, uint16(special))
	util.PutUB2(p, offSizeVersion, sizeVersionWord)
}

func (p Page) LSN() basic.LSN {
	return basic.LSN(util.ReadUB8Byte2UInt64(p[offLSN : offLSN+8]))
}

func (p Page) SetLSN(lsn basic.LSN) {
	util.PutUB8(p, offLSN, uint64(lsn))
}

func (p Page) Checksum() uint16 {
	return util.ReadUB2Byte2UInt16(p[offChecksum : offChecksum+2])
}

func (p Page) Flags() uint16 {
	return util.ReadUB2Byte2UInt16(p[offFlags : offFlags+2])
}

func (p Page) SetFlags(flags uint16) {
	util.PutUB2(p, offFlags, flags)
}

func (p Page) Lower() uint16 {
	return util.ReadUB2Byte2UInt16(p[offLower : offLower+2])
}

func (p Page) Upper() uint16 {
	return util.ReadUB2Byte2UInt16(p[offUpper : offUpper+2])
}

func (p Page) Special() uint16 {
	return util.ReadUB2Byte2UInt16(p[offSpecial : offSpecial+2])
}

func (p Page) PruneXID() basic.XID {
	return basic.XID(util.ReadUB4Byte2UInt32(p[offPruneXID : offPruneXID+4]))
}

func (p Page) SetPruneXID(xid basic.XID) {
	util.PutUB4(p, offPruneXID, uint32(xid))
}

// SpecialSpace returns the page's special area, aliasing the page.
func (p Page) SpecialSpace() []byte {
	return p[p.Special():]
}

// IsNew reports an all-zero page, which counts as a valid empty page.
func (p Page) IsNew() bool {
	return util.IsAllZero(p)
}

// IsValid checks the header invariant:
// HeaderSize <= lower <= upper <= special <= PageSize, special MAXALIGNed,
// and the size/version word matching this layout.
func (p Page) IsValid() bool {
	if len(p) != PageSize {
		return false
	}
	if util.ReadUB2Byte2UInt16(p[offSizeVersion:offSizeVersion+2]) != sizeVersionWord {
		return false
	}
	lower, upper, special := p.Lower(), p.Upper(), p.Special()
	if lower < HeaderSize || lower > upper {
		return false
	}
	if upper > special || int(special) > PageSize {
		return false
	}
	if int(special) != util.MaxAlignDown(int(special)) {
		return false
	}
	return true
}

// LoaderCreated is the recovery-side test for pages the direct load path
// wrote: such pages never got a log sequence tag, so a zero LSN (or a header
// that never got formatted) marks the page as the loader's.
func LoaderCreated(p Page) bool {
	return !p.IsValid() || p.LSN() == basic.InvalidLSN
}

// ItemCount returns the number of line pointers on the page.
func (p Page) ItemCount() int {
	lower := int(p.Lower())
	if lower <= HeaderSize {
		return 0
	}
	return (lower - HeaderSize) / ItemIdSize
}

// FreeSpace is the gap usable for one more item and its line pointer.
func (p Page) FreeSpace() int {
	free := int(p.Upper()) - int(p.Lower()) - ItemIdSize
	if free < 0 {
		return 0
	}
	return free
}

// ItemId returns the line pointer at offset number n (1-based).
func (p Page) ItemId(n basic.OffsetNumber) ItemId {
	off := HeaderSize + (int(n)-1)*ItemIdSize
	return ItemId(util.ReadUB4Byte2UInt32(p[off : off+ItemIdSize]))
}

func (p Page) setItemId(n basic.OffsetNumber, it ItemId) {
	util.PutUB4(p, HeaderSize+(int(n)-1)*ItemIdSize, uint32(it))
}

// Item returns the stored bytes of item n, aliasing the page so heap-level
// in-place edits (xmax stamping) land in the image.
func (p Page) Item(n basic.OffsetNumber) []byte {
	it := p.ItemId(n)
	return p[it.Offset() : int(it.Offset())+int(it.Length())]
}

// MarkItemDead flips the line pointer state, keeping the storage in place.
func (p Page) MarkItemDead(n basic.OffsetNumber) {
	it := p.ItemId(n)
	p.setItemId(n, makeItemId(it.Offset(), ItemDead, it.Length()))
}

// AddItem appends item bytes to the page and returns the new offset number.
// reserve is the fill-factor byte reserve honoured once the page holds at
// least one item; the first item always fits if it physically can.
func AddItem(p Page, item []byte, reserve int) (basic.OffsetNumber, error) {
	if len(item) == 0 || len(item) > 0x7FFF {
		return basic.InvalidOffsetNumber, basic.ErrRowTooLarge
	}
	alignedLen := util.MaxAlignUp(len(item))
	need := ItemIdSize + alignedLen

	free := int(p.Upper()) - int(p.Lower())
	if free < need {
		return basic.InvalidOffsetNumber, basic.ErrPageOutOfSpace
	}
	if p.ItemCount() > 0 && free-need < reserve {
		return basic.InvalidOffsetNumber, basic.ErrPageOutOfSpace
	}

	newUpper := int(p.Upper()) - alignedLen
	copy(p[newUpper:newUpper+len(item)], item)

	n := basic.OffsetNumber(p.ItemCount() + 1)
	p.setItemId(n, makeItemId(uint16(newUpper), ItemNormal, uint16(len(item))))
	util.PutUB2(p, offLower, p.Lower()+ItemIdSize)
	util.PutUB2(p, offUpper, uint16(newUpper))
	return n, nil
}

// FillFactorReserve converts a percentage into the byte reserve AddItem takes.
func FillFactorReserve(fillFactor int) int {
	if fillFactor >= 100 || fillFactor <= 0 {
		return 0
	}
	usable := PageSize - HeaderSize
	return usable * (100 - fillFactor) / 100
}
