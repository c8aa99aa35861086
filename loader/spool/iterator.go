package spool

import (
	"container/heap"
	"io"
	"os"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/util"
)

type source interface {
	next() (Entry, bool, error)
	close() error
}

type memSource struct {
	entries []Entry
	pos     int
}

func (m *memSource) next() (Entry, bool, error) {
	if m.pos >= len(m.entries) {
		return Entry{}, false, nil
	}
	e := m.entries[m.pos]
	m.pos++
	return e, true, nil
}

func (m *memSource) close() error { return nil }

type runSource struct {
	f   *os.File
	r   *snappy.Reader
	hdr [8]byte
}

func openRunSource(path string) (*runSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open run file")
	}
	return &runSource{f: f, r: snappy.NewReader(f)}, nil
}

func (rs *runSource) next() (Entry, bool, error) {
	if _, err := io.ReadFull(rs.r, rs.hdr[:2]); err != nil {
		if err == io.EOF {
			return Entry{}, false, nil
		}
		// run文件是本进程刚写出的，残缺即为故障
		return Entry{}, false, errors.Wrapf(err, "run file %s", rs.f.Name())
	}
	keyLen := util.ReadUB2Byte2UInt16(rs.hdr[:2])
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(rs.r, key); err != nil {
		return Entry{}, false, errors.Wrapf(err, "run file %s", rs.f.Name())
	}
	if _, err := io.ReadFull(rs.r, rs.hdr[:6]); err != nil {
		return Entry{}, false, errors.Wrapf(err, "run file %s", rs.f.Name())
	}
	_, blk := util.ReadUB4(rs.hdr[:6], 0)
	tid := basic.ItemPointer{
		Block:  basic.BlockNumber(blk),
		Offset: basic.OffsetNumber(util.ReadUB2Byte2UInt16(rs.hdr[4:6])),
	}
	return Entry{Key: key, TID: tid}, true, nil
}

func (rs *runSource) close() error { return rs.f.Close() }

type heapEntry struct {
	entry Entry
	src   int
}

// mergeHeap is the k-way merge frontier: one entry per live source, smallest
// on top. Comparison errors surface through err since heap.Interface cannot
// return them.
type mergeHeap struct {
	cmp   CompareFunc
	items []heapEntry
	err   error
}

func (h *mergeHeap) Len() int { return len(h.items) }

func (h *mergeHeap) Less(i, j int) bool {
	c, err := h.cmp(h.items[i].entry.Key, h.items[j].entry.Key)
	if err != nil {
		if h.err == nil {
			h.err = err
		}
		return false
	}
	if c != 0 {
		return c < 0
	}
	return h.items[i].entry.TID.Compare(h.items[j].entry.TID) < 0
}

func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *mergeHeap) Push(x interface{}) { h.items = append(h.items, x.(heapEntry)) }

func (h *mergeHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	x := old[n-1]
	h.items = old[:n-1]
	return x
}

// Iterator streams the spool's entries in sorted order.
type Iterator struct {
	spool   *IndexSpool
	sources []source
	h       *mergeHeap
	err     error
	closed  bool
}

func (it *Iterator) prime() error {
	for i, src := range it.sources {
		e, ok, err := src.next()
		if err != nil {
			return err
		}
		if ok {
			it.h.items = append(it.h.items, heapEntry{entry: e, src: i})
		}
	}
	heap.Init(it.h)
	if it.h.err != nil {
		it.err = it.h.err
		return it.err
	}
	return nil
}

// Next returns the smallest remaining entry, or (nil, nil) when the spool is
// drained. The returned entry stays valid until the iterator is closed.
func (it *Iterator) Next() (*Entry, error) {
	if it.err != nil {
		return nil, it.err
	}
	if it.h.Len() == 0 {
		return nil, nil
	}
	top := heap.Pop(it.h).(heapEntry)
	if it.h.err != nil {
		it.err = it.h.err
		return nil, it.err
	}
	e, ok, err := it.sources[top.src].next()
	if err != nil {
		it.err = err
		return nil, err
	}
	if ok {
		heap.Push(it.h, heapEntry{entry: e, src: top.src})
		if it.h.err != nil {
			it.err = it.h.err
			return nil, it.err
		}
	}
	return &top.entry, nil
}

// Close releases the sources and removes the spool's run files.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	var first error
	for _, src := range it.sources {
		if err := src.close(); err != nil && first == nil {
			first = err
		}
	}
	for _, path := range it.spool.runs {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && first == nil {
			first = err
		}
	}
	it.spool.runs = nil
	return first
}
