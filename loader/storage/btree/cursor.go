package btree

import (
	"io"

	"github.com/pkg/errors"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/pages"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/relfile"
)

// LeafCursor streams the leaf items of a live index left to right, which is
// exactly index order. The merge walks it in lockstep with the sorted spool.
type LeafCursor struct {
	rf        *relfile.RelFile
	page      pages.Page
	blk       basic.BlockNumber
	next      basic.BlockNumber
	pos       basic.OffsetNumber
	count     int
	rightmost bool
	checksums bool
	done      bool
}

// OpenLeafCursor positions at the first leaf item. A file without a readable
// metadata page counts as corrupted; a metadata page with a zero root, or a
// zero-length file, is just an empty index.
func OpenLeafCursor(rf *relfile.RelFile, checksums bool) (*LeafCursor, error) {
	c := &LeafCursor{rf: rf, page: pages.NewPage(), checksums: checksums}
	if err := c.readPage(0); err != nil {
		if errors.Cause(err) == io.EOF {
			c.done = true
			return c, nil
		}
		return nil, err
	}
	meta, err := readMetaPage(c.page)
	if err != nil {
		return nil, err
	}
	if meta.Root == 0 {
		c.done = true
		return c, nil
	}

	blk := meta.FastRoot
	for hops := 0; ; hops++ {
		if hops > 64 {
			return nil, errors.Wrap(basic.ErrCorruptedIndex, "descent does not terminate")
		}
		if err := c.readPage(blk); err != nil {
			return nil, err
		}
		op := readOpaque(c.page)
		if op.isLeaf() {
			c.setupLeaf(blk, op)
			return c, nil
		}
		first := basic.OffsetNumber(1)
		if !op.isRightmost() {
			first = 2
		}
		if c.page.ItemCount() < int(first) {
			return nil, errors.Wrapf(basic.ErrCorruptedIndex, "internal block %d is empty", blk)
		}
		child, _, err := decodeInternalItem(c.page.Item(first))
		if err != nil {
			return nil, err
		}
		if child == 0 {
			return nil, errors.Wrapf(basic.ErrCorruptedIndex, "internal block %d links to the metadata page", blk)
		}
		blk = child
	}
}

func (c *LeafCursor) readPage(blk basic.BlockNumber) error {
	if err := c.rf.ReadPage(blk, c.page); err != nil {
		if err == io.EOF {
			return err
		}
		return errors.Wrapf(err, "index block %d", blk)
	}
	if c.checksums && !pages.VerifyChecksum(c.page, blk) {
		return errors.Wrapf(basic.ErrCorruptedIndex, "checksum failure on block %d", blk)
	}
	if blk != 0 && !c.page.IsValid() {
		return errors.Wrapf(basic.ErrCorruptedIndex, "broken page header on block %d", blk)
	}
	return nil
}

func (c *LeafCursor) setupLeaf(blk basic.BlockNumber, op *pageOpaque) {
	c.blk = blk
	c.next = op.Next
	c.rightmost = op.isRightmost()
	c.count = c.page.ItemCount()
	c.pos = 1
	if !c.rightmost {
		// 非最右页的1号位是高键，数据从2号位开始
		c.pos = 2
	}
}

// Next returns the next leaf entry. ok is false once the index is exhausted.
// The key aliases the cursor's page buffer and is only valid until the next
// call.
func (c *LeafCursor) Next() ([]byte, basic.ItemPointer, bool, error) {
	for {
		if c.done {
			return nil, basic.ItemPointer{}, false, nil
		}
		if int(c.pos) <= c.count {
			item := c.page.Item(c.pos)
			c.pos++
			tid, key, err := decodeLeafItem(item)
			if err != nil {
				return nil, basic.ItemPointer{}, false, errors.Wrapf(err, "leaf block %d", c.blk)
			}
			return key, tid, true, nil
		}
		if c.rightmost {
			c.done = true
			continue
		}
		if err := c.readPage(c.next); err != nil {
			if err == io.EOF {
				return nil, basic.ItemPointer{}, false,
					errors.Wrapf(basic.ErrCorruptedIndex, "leaf chain runs off the end at block %d", c.next)
			}
			return nil, basic.ItemPointer{}, false, err
		}
		op := readOpaque(c.page)
		if !op.isLeaf() {
			return nil, basic.ItemPointer{}, false,
				errors.Wrapf(basic.ErrCorruptedIndex, "leaf chain reaches internal block %d", c.next)
		}
		c.setupLeaf(c.next, op)
	}
}
