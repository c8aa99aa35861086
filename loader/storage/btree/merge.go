package btree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/loader/catalog"
	"github.com/ossc-db/pg-bulkload-sub000/loader/cluster"
	"github.com/ossc-db/pg-bulkload-sub000/loader/conf"
	"github.com/ossc-db/pg-bulkload-sub000/loader/spool"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/heap"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/pages"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/relfile"
	"github.com/ossc-db/pg-bulkload-sub000/logger"
	"github.com/ossc-db/pg-bulkload-sub000/util"
)

// DuplicateHandler hears about every heap row the merge kills over a
// duplicate key. vals are the decoded key columns, nil if undecodable.
type DuplicateHandler func(vals []basic.Value, kept, removed basic.ItemPointer)

// MergeOptions tune one index merge.
type MergeOptions struct {
	Policy      conf.DuplicatePolicy
	MaxErrors   int64 // collisions tolerated under DuplicateError; <0 unlimited
	Checksums   bool
	OnDuplicate DuplicateHandler
}

// MergeStats reports what one merge did.
type MergeStats struct {
	ExistingKept    int64
	NewInserted     int64
	Removed         int64
	DuplicateErrors int64
}

// Merger rebuilds one index as the union of its current entries and a load's
// sorted spool. The new tree is assembled in a scratch family and renamed
// over the live one, so the live index stays consistent until the swap.
type Merger struct {
	c      *cluster.Cluster
	idx    *catalog.Index
	kc     *KeyCodec
	heapRF *relfile.RelFile
	xid    basic.XID
	opts   MergeOptions
	pg     pages.Page
	stats  MergeStats
}

// NewMerger prepares a merge of idx on rel. heapRF must be the loaded table's
// open file family; xid is the load's transaction, stamped into rows the
// duplicate policy kills.
func NewMerger(c *cluster.Cluster, idx *catalog.Index, rel *catalog.Relation,
	heapRF *relfile.RelFile, xid basic.XID, opts MergeOptions) (*Merger, error) {
	kc, err := NewKeyCodec(idx, rel)
	if err != nil {
		return nil, err
	}
	return &Merger{
		c:      c,
		idx:    idx,
		kc:     kc,
		heapRF: heapRF,
		xid:    xid,
		opts:   opts,
		pg:     pages.NewPage(),
	}, nil
}

// KeyCodec exposes the merger's codec, handy for feeding its spool.
func (m *Merger) KeyCodec() *KeyCodec { return m.kc }

type mergeEntry struct {
	key     []byte
	tid     basic.ItemPointer
	fromNew bool
}

// Merge drains the sorted spool iterator against the live index. On return
// the new index family is durable and swapped in. Cancellation is checked
// between entries, never inside a page write.
func (m *Merger) Merge(ctx context.Context, it *spool.Iterator) (*MergeStats, error) {
	var cur *LeafCursor
	exRF, err := relfile.Open(m.c, m.idx.Node, true)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "open index %s", m.idx.Name)
		}
	} else {
		defer exRF.Close()
		cur, err = OpenLeafCursor(exRF, m.opts.Checksums)
		if err != nil {
			return nil, errors.Wrapf(err, "index %s", m.idx.Name)
		}
	}

	exKey, exTID, exOK, err := m.pullExist(cur)
	if err != nil {
		return nil, err
	}
	nw, err := it.Next()
	if err != nil {
		return nil, err
	}
	if nw == nil && cur != nil {
		// no new entries and the index already exists: leave it alone
		return &m.stats, nil
	}

	tmpRF, err := m.openScratchFamily()
	if err != nil {
		return nil, err
	}
	builder := NewBuilder(tmpRF, m.kc, m.idx.FillFactor, m.opts.Checksums)

	for exOK || nw != nil {
		if ctx.Err() != nil {
			tmpRF.Close()
			return nil, errors.Wrapf(basic.ErrInterrupted, "merge of index %s", m.idx.Name)
		}
		var c int
		if exOK && nw != nil {
			c, err = m.kc.Compare(exKey, nw.Key)
			if err != nil {
				tmpRF.Close()
				return nil, err
			}
		}
		switch {
		case nw == nil || (exOK && c < 0):
			if err = m.emit(builder, exKey, exTID, false); err != nil {
				tmpRF.Close()
				return nil, err
			}
			exKey, exTID, exOK, err = m.pullExist(cur)
		case !exOK || c > 0:
			if !m.idx.Unique {
				if err = m.emit(builder, nw.Key, nw.TID, true); err != nil {
					tmpRF.Close()
					return nil, err
				}
				nw, err = it.Next()
			} else {
				nw, err = m.resolveGroup(builder, it, nil, nw)
			}
		default: // equal keys
			if !m.idx.Unique {
				if err = m.emit(builder, exKey, exTID, false); err != nil {
					tmpRF.Close()
					return nil, err
				}
				exKey, exTID, exOK, err = m.pullExist(cur)
			} else {
				var exGroup []mergeEntry
				exGroup, exKey, exTID, exOK, err = m.gatherExist(cur, exKey, exTID)
				if err != nil {
					tmpRF.Close()
					return nil, err
				}
				nw, err = m.resolveGroup(builder, it, exGroup, nw)
			}
		}
		if err != nil {
			tmpRF.Close()
			return nil, err
		}
	}

	// tombstones must be durable before the swap commits the new index
	if err = m.heapRF.Sync(); err != nil {
		tmpRF.Close()
		return nil, errors.Wrap(err, "sync heap tombstones")
	}
	if _, err = builder.Finish(); err != nil {
		tmpRF.Close()
		return nil, errors.Wrapf(err, "build index %s", m.idx.Name)
	}
	if err = SwapFamilies(m.c, m.idx.Node, tmpRF); err != nil {
		return nil, errors.Wrapf(err, "swap index %s", m.idx.Name)
	}
	logger.Infof("索引 %s 合并完成: 保留 %d, 新增 %d, 删除 %d",
		m.idx.Name, m.stats.ExistingKept, m.stats.NewInserted, m.stats.Removed)
	return &m.stats, nil
}

// openScratchFamily clears leftovers of a crashed build and opens the
// scratch family the new tree is assembled in.
func (m *Merger) openScratchFamily() (*relfile.RelFile, error) {
	if err := util.EnsureDir(m.c.TempDir()); err != nil {
		return nil, errors.Wrap(err, "scratch dir")
	}
	base := filepath.Join(m.c.TempDir(), fmt.Sprintf("%d.new", m.idx.Node.RelNode))
	for segno := 0; ; segno++ {
		path := base
		if segno > 0 {
			path = fmt.Sprintf("%s.%d", base, segno)
		}
		if _, err := os.Stat(path); err != nil {
			break
		}
		if err := os.Remove(path); err != nil {
			return nil, errors.Wrap(err, "clear scratch family")
		}
	}
	rf, err := relfile.OpenAt(base, m.idx.Node, false)
	if err != nil {
		return nil, errors.Wrap(err, "open scratch family")
	}
	return rf, nil
}

func (m *Merger) pullExist(cur *LeafCursor) ([]byte, basic.ItemPointer, bool, error) {
	if cur == nil {
		return nil, basic.ItemPointer{}, false, nil
	}
	return cur.Next()
}

func (m *Merger) emit(b *Builder, key []byte, tid basic.ItemPointer, fromNew bool) error {
	if err := b.AddLeaf(key, tid); err != nil {
		return err
	}
	if fromNew {
		m.stats.NewInserted++
	} else {
		m.stats.ExistingKept++
	}
	return nil
}

// gatherExist collects the run of existing entries equal to key. The cursor
// page buffer is reused across reads, so gathered keys are copied out.
func (m *Merger) gatherExist(cur *LeafCursor, key []byte, tid basic.ItemPointer) ([]mergeEntry, []byte, basic.ItemPointer, bool, error) {
	group := []mergeEntry{{key: util.CopyBytes(key), tid: tid}}
	for {
		k, t, ok, err := m.pullExist(cur)
		if err != nil || !ok {
			return group, nil, basic.ItemPointer{}, ok, err
		}
		c, err := m.kc.Compare(group[0].key, k)
		if err != nil {
			return nil, nil, basic.ItemPointer{}, false, err
		}
		if c != 0 {
			return group, k, t, true, nil
		}
		group = append(group, mergeEntry{key: util.CopyBytes(k), tid: t})
	}
}

// resolveGroup handles one unique-key collision group: every existing and
// new entry sharing nw's key. Entries whose heap row is already dead pass
// through untouched; among the live ones the duplicate policy picks the
// survivor pair by pair, oldest first. Returns the first spool entry past
// the group.
func (m *Merger) resolveGroup(b *Builder, it *spool.Iterator, exGroup []mergeEntry, nw *spool.Entry) (*spool.Entry, error) {
	group := append([]mergeEntry{}, exGroup...)
	group = append(group, mergeEntry{key: nw.Key, tid: nw.TID, fromNew: true})
	for {
		next, err := it.Next()
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, m.resolve(b, group)
		}
		c, err := m.kc.Compare(group[0].key, next.Key)
		if err != nil {
			return nil, err
		}
		if c != 0 {
			return next, m.resolve(b, group)
		}
		group = append(group, mergeEntry{key: next.Key, tid: next.TID, fromNew: true})
	}
}

func (m *Merger) resolve(b *Builder, group []mergeEntry) error {
	var live []mergeEntry
	for _, e := range group {
		alive, err := m.rowAlive(e.tid)
		if err != nil {
			return err
		}
		if !alive {
			// 指向死行的索引项原样保留，交给将来的清理
			if err := m.emit(b, e.key, e.tid, e.fromNew); err != nil {
				return err
			}
			continue
		}
		live = append(live, e)
	}
	if len(live) == 0 {
		return nil
	}
	incumbent := live[0]
	for _, ch := range live[1:] {
		switch m.opts.Policy {
		case conf.DuplicateError:
			m.stats.DuplicateErrors++
			if m.opts.MaxErrors >= 0 && m.stats.DuplicateErrors > m.opts.MaxErrors {
				return errors.Wrapf(basic.ErrDuplicateKey,
					"index %s key %s", m.idx.Name, m.renderKey(ch.key))
			}
			if err := m.removeRow(ch, incumbent.tid); err != nil {
				return err
			}
		case conf.DuplicateRemoveNew:
			if err := m.removeRow(ch, incumbent.tid); err != nil {
				return err
			}
		case conf.DuplicateRemoveOld:
			if err := m.removeRow(incumbent, ch.tid); err != nil {
				return err
			}
			incumbent = ch
		}
	}
	return m.emit(b, incumbent.key, incumbent.tid, incumbent.fromNew)
}

func (m *Merger) renderKey(key []byte) string {
	vals, err := m.kc.DecodeValues(key)
	if err != nil {
		return "(undecodable)"
	}
	row := basic.NewRow(vals...)
	return row.String()
}

// rowAlive is the dirty visibility check: a row is dead once anything has
// stamped its xmax, committed or not.
func (m *Merger) rowAlive(tid basic.ItemPointer) (bool, error) {
	item, err := m.heapItem(tid)
	if err != nil {
		return false, err
	}
	return !heap.Dead(item), nil
}

func (m *Merger) heapItem(tid basic.ItemPointer) ([]byte, error) {
	if err := m.heapRF.ReadPage(tid.Block, m.pg); err != nil {
		return nil, errors.Wrapf(basic.ErrCorruptedIndex,
			"entry points at heap block %d: %v", tid.Block, err)
	}
	if m.opts.Checksums && !pages.VerifyChecksum(m.pg, tid.Block) {
		return nil, errors.Errorf("heap block %d fails its checksum", tid.Block)
	}
	if int(tid.Offset) < 1 || int(tid.Offset) > m.pg.ItemCount() {
		return nil, errors.Wrapf(basic.ErrCorruptedIndex,
			"entry points at heap item %s", tid)
	}
	return m.pg.Item(tid.Offset), nil
}

// removeRow stamps the losing heap row dead and reports the pair.
func (m *Merger) removeRow(loser mergeEntry, kept basic.ItemPointer) error {
	item, err := m.heapItem(loser.tid)
	if err != nil {
		return err
	}
	if err = heap.StampXmax(item, m.xid); err != nil {
		return errors.Wrapf(err, "kill heap row %s", loser.tid)
	}
	if m.opts.Checksums {
		pages.StampChecksum(m.pg, loser.tid.Block)
	}
	if err = m.heapRF.WritePage(loser.tid.Block, m.pg); err != nil {
		return errors.Wrapf(err, "write back heap block %d", loser.tid.Block)
	}
	m.stats.Removed++
	if m.opts.OnDuplicate != nil {
		vals, derr := m.kc.DecodeValues(loser.key)
		if derr != nil {
			vals = nil
		}
		m.opts.OnDuplicate(vals, kept, loser.tid)
	}
	return nil
}
