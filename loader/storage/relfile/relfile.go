// Package relfile manages the segment file family backing one relation:
// segment 0 is the bare relfilenode, each later gigabyte carries a .N suffix.
package relfile

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/loader/cluster"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/pages"
)

// SegmentCapacity is the number of pages per segment file (1GiB).
const SegmentCapacity = 131072

// RelFile reads and writes whole pages of one relation, rolling over to the
// next segment file every SegmentCapacity pages.
type RelFile struct {
	mu       sync.RWMutex
	base     string
	node     basic.RelFileNode
	readOnly bool
	segs     map[int]*os.File
	dirty    map[int]bool
}

// Open opens the relation's file family at its cluster location. When not
// read only, a missing segment 0 is created empty.
func Open(c *cluster.Cluster, node basic.RelFileNode, readOnly bool) (*RelFile, error) {
	return OpenAt(c.RelationPath(node, 0), node, readOnly)
}

// OpenAt opens a file family rooted at an explicit segment-0 path. The index
// builder uses this to assemble a new file family beside the live one.
func OpenAt(base string, node basic.RelFileNode, readOnly bool) (*RelFile, error) {
	rf := &RelFile{
		base:     base,
		node:     node,
		readOnly: readOnly,
		segs:     make(map[int]*os.File),
		dirty:    make(map[int]bool),
	}
	if _, err := rf.openSeg(0); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *RelFile) Node() basic.RelFileNode { return rf.node }

// SegmentPath returns the path of segment segno of this family.
func (rf *RelFile) SegmentPath(segno int) string {
	if segno == 0 {
		return rf.base
	}
	return fmt.Sprintf("%s.%d", rf.base, segno)
}

func (rf *RelFile) openSeg(segno int) (*os.File, error) {
	if f, ok := rf.segs[segno]; ok {
		return f, nil
	}
	flags := os.O_RDWR
	if rf.readOnly {
		flags = os.O_RDONLY
	} else {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(rf.SegmentPath(segno), flags, 0600)
	if err != nil {
		return nil, err
	}
	rf.segs[segno] = f
	return f, nil
}

// Close closes every open segment descriptor.
func (rf *RelFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	var firstErr error
	for segno, f := range rf.segs {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(rf.segs, segno)
	}
	return firstErr
}

// PageCount walks the segment chain and returns the number of whole pages on
// disk. A torn trailing fraction of a page is not counted. Probing stops at
// the first missing or partial segment, matching how the family is grown.
func (rf *RelFile) PageCount() (basic.BlockNumber, error) {
	rf.mu.RLock()
	defer rf.mu.RUnlock()

	var total int64
	for segno := 0; ; segno++ {
		fi, err := os.Stat(rf.SegmentPath(segno))
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return 0, err
		}
		segPages := fi.Size() / pages.PageSize
		total += segPages
		if segPages < SegmentCapacity {
			break
		}
	}
	return basic.BlockNumber(total), nil
}

// ReadPage reads block blkno into buf (PageSize bytes). Reading at or past
// the end of the family returns io.EOF.
func (rf *RelFile) ReadPage(blkno basic.BlockNumber, buf pages.Page) error {
	rf.mu.Lock() // openSeg may cache a descriptor
	defer rf.mu.Unlock()

	if len(buf) != pages.PageSize {
		return fmt.Errorf("page buffer is %d bytes", len(buf))
	}
	segno := int(blkno / SegmentCapacity)
	if _, err := os.Stat(rf.SegmentPath(segno)); os.IsNotExist(err) {
		return io.EOF
	}
	f, err := rf.openSeg(segno)
	if err != nil {
		return err
	}
	off := int64(blkno%SegmentCapacity) * pages.PageSize
	n, err := f.ReadAt(buf, off)
	if err == io.EOF && n == pages.PageSize {
		err = nil
	}
	if err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("read block %d of %s: %v", blkno, rf.base, err)
	}
	return nil
}

// WritePage writes one page image at block blkno, creating the segment file
// on rollover.
func (rf *RelFile) WritePage(blkno basic.BlockNumber, buf pages.Page) error {
	if len(buf) != pages.PageSize {
		return fmt.Errorf("page buffer is %d bytes", len(buf))
	}
	return rf.WriteContiguous(blkno, buf)
}

// WriteContiguous writes a run of whole pages starting at block start,
// splitting the run at segment boundaries. This is the flush path: one
// syscall per touched segment instead of one per page.
func (rf *RelFile) WriteContiguous(start basic.BlockNumber, image []byte) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.readOnly {
		return fmt.Errorf("relation %s opened read only", rf.node)
	}
	if len(image)%pages.PageSize != 0 {
		return fmt.Errorf("image is %d bytes, not whole pages", len(image))
	}

	blkno := start
	for len(image) > 0 {
		segno := int(blkno / SegmentCapacity)
		segOff := int64(blkno%SegmentCapacity) * pages.PageSize
		room := (SegmentCapacity - int(blkno%SegmentCapacity)) * pages.PageSize
		chunk := len(image)
		if chunk > room {
			chunk = room
		}
		f, err := rf.openSeg(segno)
		if err != nil {
			return err
		}
		if _, err := f.WriteAt(image[:chunk], segOff); err != nil {
			return fmt.Errorf("write block %d of %s: %v", blkno, rf.base, err)
		}
		rf.dirty[segno] = true
		image = image[chunk:]
		blkno += basic.BlockNumber(chunk / pages.PageSize)
	}
	return nil
}

// Sync fsyncs every segment written since the last Sync.
func (rf *RelFile) Sync() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	for segno := range rf.dirty {
		f, err := rf.openSeg(segno)
		if err != nil {
			return err
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("fsync segment %d of %s: %v", segno, rf.base, err)
		}
		delete(rf.dirty, segno)
	}
	return nil
}

// Truncate cuts the family back to toPages pages, removing segments past the
// new end. Used by the TRUNCATE load option.
func (rf *RelFile) Truncate(toPages basic.BlockNumber) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.readOnly {
		return fmt.Errorf("relation %s opened read only", rf.node)
	}
	lastSeg := int(toPages / SegmentCapacity)
	keep := int64(toPages%SegmentCapacity) * pages.PageSize

	f, err := rf.openSeg(lastSeg)
	if err != nil {
		return err
	}
	if err := f.Truncate(keep); err != nil {
		return err
	}
	rf.dirty[lastSeg] = true

	for segno := lastSeg + 1; ; segno++ {
		path := rf.SegmentPath(segno)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		if f, ok := rf.segs[segno]; ok {
			f.Close()
			delete(rf.segs, segno)
		}
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return nil
}

// ExistingSegments lists the paths of all segments present on disk, in order.
func (rf *RelFile) ExistingSegments() ([]string, error) {
	var out []string
	for segno := 0; ; segno++ {
		path := rf.SegmentPath(segno)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		} else if err != nil {
			return nil, err
		}
		out = append(out, path)
	}
	return out, nil
}
