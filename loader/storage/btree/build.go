package btree

import (
	"os"

	"github.com/pkg/errors"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/loader/cluster"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/pages"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/relfile"
	"github.com/ossc-db/pg-bulkload-sub000/logger"
	"github.com/ossc-db/pg-bulkload-sub000/util"
)

// internalFillFactor caps internal pages independently of the declared leaf
// fill factor; splits in a future online insert path land mostly in leaves.
const internalFillFactor = 70

type levelState struct {
	level   uint16
	blk     basic.BlockNumber
	prevBlk basic.BlockNumber
	items   [][]byte
	used    int
	// minKey is the separator the parent will use to point at the current
	// page; nil stands for minus infinity on the leftmost page of a level.
	minKey []byte
}

// Builder assembles a complete tree bottom-up from keys arriving in index
// order. Pages are written once, left to right, each level feeding separator
// items to the level above; Finish closes the levels and writes the metadata
// page last.
type Builder struct {
	rf        *relfile.RelFile
	kc        *KeyCodec
	levels    []*levelState
	scratch   pages.Page
	nextBlock basic.BlockNumber
	leafLimit int
	checksums bool
	count     int64
	lastKey   []byte
}

// NewBuilder targets rf, which must be an empty file family. fillFactor
// bounds how full leaf pages are packed.
func NewBuilder(rf *relfile.RelFile, kc *KeyCodec, fillFactor int, checksums bool) *Builder {
	if fillFactor < 10 {
		fillFactor = 10
	}
	if fillFactor > 100 {
		fillFactor = 100
	}
	return &Builder{
		rf:        rf,
		kc:        kc,
		scratch:   pages.NewPage(),
		nextBlock: 1,
		leafLimit: usableSpace * fillFactor / 100,
		checksums: checksums,
	}
}

func itemCost(item []byte) int {
	return util.MaxAlignUp(len(item)) + pages.ItemIdSize
}

func (b *Builder) allocBlock() basic.BlockNumber {
	blk := b.nextBlock
	b.nextBlock++
	return blk
}

func (b *Builder) levelAt(n int) *levelState {
	for len(b.levels) <= n {
		b.levels = append(b.levels, &levelState{
			level: uint16(len(b.levels)),
			blk:   b.allocBlock(),
		})
	}
	return b.levels[n]
}

// AddLeaf appends one index entry. Keys must arrive in index order; ties are
// fine on any index, the merge layer has already decided what a tie means.
func (b *Builder) AddLeaf(key []byte, tid basic.ItemPointer) error {
	item := encodeLeafItem(tid, key, b.kc.HasNulls(key))
	ownKey := item[leafItemHeader:]
	if b.lastKey != nil {
		c, err := b.kc.Compare(b.lastKey, ownKey)
		if err != nil {
			return err
		}
		if c > 0 {
			return errors.Wrapf(basic.ErrKeysUnsorted, "key after %d entries", b.count)
		}
	}
	b.lastKey = ownKey
	b.count++
	return b.addToLevel(0, item, ownKey)
}

// Count is the number of leaf entries added.
func (b *Builder) Count() int64 { return b.count }

func (b *Builder) limitFor(n int) int {
	if n == 0 {
		return b.leafLimit
	}
	return usableSpace * internalFillFactor / 100
}

func (b *Builder) addToLevel(n int, item []byte, itemKey []byte) error {
	lv := b.levelAt(n)
	cost := itemCost(item)
	if len(lv.items) > 0 && lv.used+cost > b.limitFor(n) {
		if err := b.closeLevelPage(lv, item, itemKey); err != nil {
			return err
		}
	}
	lv.items = append(lv.items, item)
	lv.used += cost
	return nil
}

// closeLevelPage finishes the current page of lv and starts its successor.
// The last item is stolen onto the successor so the finished page can carry
// it again as the high key, the trick that makes the high key always fit.
// A page holding a single oversized item keeps it and borrows the incoming
// key as separator instead.
func (b *Builder) closeLevelPage(lv *levelState, incoming []byte, incomingKey []byte) error {
	var hikey, sepKey []byte
	var carry [][]byte
	if len(lv.items) >= 2 {
		oitem := lv.items[len(lv.items)-1]
		lv.items = lv.items[:len(lv.items)-1]
		lv.used -= itemCost(oitem)
		hikey = oitem
		carry = [][]byte{oitem}
		var err error
		if lv.level == 0 {
			_, sepKey, err = decodeLeafItem(oitem)
		} else {
			_, sepKey, err = decodeInternalItem(oitem)
		}
		if err != nil {
			return err
		}
	} else {
		hikey = incoming
		sepKey = incomingKey
	}

	succ := b.allocBlock()
	if err := b.writeTreePage(lv, hikey, succ, false); err != nil {
		return err
	}
	parentItem := encodeInternalItem(lv.blk, lv.minKey)
	if err := b.addToLevel(int(lv.level)+1, parentItem, lv.minKey); err != nil {
		return err
	}

	lv.prevBlk = lv.blk
	lv.blk = succ
	lv.items = lv.items[:0]
	lv.used = 0
	lv.items = append(lv.items, carry...)
	for _, it := range carry {
		lv.used += itemCost(it)
	}
	lv.minKey = sepKey
	return nil
}

func (b *Builder) writeTreePage(lv *levelState, hikey []byte, next basic.BlockNumber, root bool) error {
	p := b.scratch
	pages.Init(p, specialSize)
	flags := uint16(0)
	if lv.level == 0 {
		flags |= flagLeaf
	}
	if root {
		flags |= flagRoot
	}
	writeOpaque(p, &pageOpaque{Prev: lv.prevBlk, Next: next, Level: lv.level, Flags: flags})
	if hikey != nil {
		if _, err := pages.AddItem(p, hikey, 0); err != nil {
			return errors.Wrapf(err, "high key on block %d", lv.blk)
		}
	}
	for _, it := range lv.items {
		if _, err := pages.AddItem(p, it, 0); err != nil {
			return errors.Wrapf(err, "item on block %d", lv.blk)
		}
	}
	if b.checksums {
		pages.StampChecksum(p, lv.blk)
	}
	return b.rf.WritePage(lv.blk, p)
}

// Finish closes every level bottom-up, writes the metadata page and fsyncs
// the family. It returns the root block, zero for an empty tree.
func (b *Builder) Finish() (basic.BlockNumber, error) {
	meta := &metaData{}
	for i := 0; i < len(b.levels); i++ {
		lv := b.levels[i]
		root := lv.prevBlk == 0
		if err := b.writeTreePage(lv, nil, 0, root); err != nil {
			return 0, err
		}
		if root {
			break
		}
		parentItem := encodeInternalItem(lv.blk, lv.minKey)
		if err := b.addToLevel(i+1, parentItem, lv.minKey); err != nil {
			return 0, err
		}
	}
	if len(b.levels) > 0 {
		top := b.levels[len(b.levels)-1]
		meta.Root = top.blk
		meta.Level = uint32(top.level)
		meta.FastRoot = top.blk
		meta.FastLevel = meta.Level
	}
	writeMetaPage(b.scratch, meta)
	if b.checksums {
		pages.StampChecksum(b.scratch, 0)
	}
	if err := b.rf.WritePage(0, b.scratch); err != nil {
		return 0, err
	}
	if err := b.rf.Sync(); err != nil {
		return 0, err
	}
	logger.Debugf("tree built: %d entries, %d blocks, root %d level %d",
		b.count, b.nextBlock, meta.Root, meta.Level)
	return meta.Root, nil
}

// SwapFamilies renames the finished temporary family over the live index
// files. Segments are moved highest first so segment 0, the one every reader
// starts from, flips last and commits the swap; stale live segments past the
// new length are dropped afterwards.
func SwapFamilies(c *cluster.Cluster, node basic.RelFileNode, tmp *relfile.RelFile) error {
	segs, err := tmp.ExistingSegments()
	if err != nil {
		return errors.Wrap(err, "list new index segments")
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrap(err, "close new index family")
	}
	for i := len(segs) - 1; i >= 0; i-- {
		if err = util.RenameDurable(segs[i], c.RelationPath(node, i)); err != nil {
			return errors.Wrapf(err, "swap index segment %d", i)
		}
	}
	for i := len(segs); ; i++ {
		stale := c.RelationPath(node, i)
		if _, serr := os.Stat(stale); serr != nil {
			break
		}
		if err = os.Remove(stale); err != nil {
			return errors.Wrapf(err, "drop stale index segment %d", i)
		}
	}
	return nil
}
