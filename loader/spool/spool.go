package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	gxbytes "github.com/dubbogo/gost/bytes"
	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/logger"
	"github.com/ossc-db/pg-bulkload-sub000/util"
)

// CompareFunc orders two encoded index keys.
type CompareFunc func(a, b []byte) (int, error)

// Entry pairs an encoded index key with the heap row it points at.
type Entry struct {
	Key []byte
	TID basic.ItemPointer
}

// 落盘记录格式：keyLen uint16 + key + block uint32 + offset uint16
const entryOverhead = 2 + basic.ItemPointerSize

// IndexSpool collects (key, tid) pairs for one index during a load and hands
// them back fully sorted. Pairs are kept in memory up to a byte budget; past
// it the sorted batch is spilled to a snappy-compressed run file, and Finish
// merge-reads every run against the final in-memory batch.
//
// Ordering is total: the caller's key comparison first, the tid as the tie
// break. Tids ascend in load order, so equal keys come back oldest first.
type IndexSpool struct {
	name     string
	dir      string
	prefix   string
	cmp      CompareFunc
	budget   int64
	mem      []Entry
	memBytes int64
	runs     []string
	count    int64
	finished bool
}

// New builds a spool for the named index. Run files land in dir, which is
// created lazily on first spill.
func New(name, dir string, budget int64, cmp CompareFunc) *IndexSpool {
	return &IndexSpool{
		name:   name,
		dir:    dir,
		prefix: fmt.Sprintf("%016x", util.HashCode([]byte(name))),
		cmp:    cmp,
		budget: budget,
	}
}

func (s *IndexSpool) Name() string { return s.name }

// Count is the number of entries added so far.
func (s *IndexSpool) Count() int64 { return s.count }

// RunCount is the number of spilled run files.
func (s *IndexSpool) RunCount() int { return len(s.runs) }

// Add takes ownership of key. The call is O(1) amortized; a spill happens
// here when the batch crosses the memory budget.
func (s *IndexSpool) Add(key []byte, tid basic.ItemPointer) error {
	if s.finished {
		return errors.Errorf("spool %s is already finished", s.name)
	}
	if len(key) > 0xFFFF {
		return errors.Errorf("spool %s: key of %d bytes does not fit a run record", s.name, len(key))
	}
	s.mem = append(s.mem, Entry{Key: key, TID: tid})
	s.memBytes += int64(entryOverhead + len(key))
	s.count++
	if s.memBytes >= s.budget {
		return s.spill()
	}
	return nil
}

func (s *IndexSpool) sortMem() error {
	var sortErr error
	sort.SliceStable(s.mem, func(i, j int) bool {
		c, err := s.cmp(s.mem[i].Key, s.mem[j].Key)
		if err != nil {
			if sortErr == nil {
				sortErr = err
			}
			return false
		}
		if c != 0 {
			return c < 0
		}
		return s.mem[i].TID.Compare(s.mem[j].TID) < 0
	})
	return sortErr
}

func (s *IndexSpool) spill() error {
	if len(s.mem) == 0 {
		return nil
	}
	if err := s.sortMem(); err != nil {
		return err
	}
	if err := util.EnsureDir(s.dir); err != nil {
		return errors.Wrapf(err, "spool dir %s", s.dir)
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%s.%d.run", s.prefix, len(s.runs)))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Wrapf(err, "create run file")
	}

	// 整个run先编码进池化缓冲，再一次性交给snappy写出
	size := int(s.memBytes)
	bufp := gxbytes.GetBytes(size)
	buf := (*bufp)[:0]
	for i := range s.mem {
		e := &s.mem[i]
		buf = util.WriteUB2(buf, uint16(len(e.Key)))
		buf = util.WriteBytes(buf, e.Key)
		buf = util.WriteUB4(buf, uint32(e.TID.Block))
		buf = util.WriteUB2(buf, uint16(e.TID.Offset))
	}
	w := snappy.NewBufferedWriter(f)
	_, werr := w.Write(buf)
	if werr == nil {
		werr = w.Close()
	}
	gxbytes.PutBytes(bufp)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(path)
		return errors.Wrapf(werr, "write run file %s", path)
	}
	s.runs = append(s.runs, path)
	logger.Debugf("spool %s: run %d spilled, %d entries, %d bytes raw",
		s.name, len(s.runs)-1, len(s.mem), size)

	for i := range s.mem {
		s.mem[i] = Entry{}
	}
	s.mem = s.mem[:0]
	s.memBytes = 0
	return nil
}

// Finish sorts the final batch and returns the merged iterator over
// everything added. The spool takes no more entries afterwards; closing the
// iterator removes the run files.
func (s *IndexSpool) Finish() (*Iterator, error) {
	if s.finished {
		return nil, errors.Errorf("spool %s is already finished", s.name)
	}
	s.finished = true
	if err := s.sortMem(); err != nil {
		return nil, err
	}
	it := &Iterator{
		spool: s,
		h:     &mergeHeap{cmp: s.cmp},
	}
	if len(s.mem) > 0 {
		it.sources = append(it.sources, &memSource{entries: s.mem})
	}
	for _, path := range s.runs {
		rs, err := openRunSource(path)
		if err != nil {
			it.Close()
			return nil, err
		}
		it.sources = append(it.sources, rs)
	}
	if err := it.prime(); err != nil {
		it.Close()
		return nil, err
	}
	return it, nil
}

// Close drops buffered entries and run files. Safe on a finished spool and
// after errors; the abort path relies on that.
func (s *IndexSpool) Close() {
	for _, path := range s.runs {
		os.Remove(path)
	}
	s.runs = nil
	s.mem = nil
	s.memBytes = 0
	s.finished = true
}
