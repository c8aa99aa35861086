package writer

import (
	"context"

	"github.com/juju/errors"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/loader/catalog"
	"github.com/ossc-db/pg-bulkload-sub000/loader/cluster"
	"github.com/ossc-db/pg-bulkload-sub000/loader/conf"
	"github.com/ossc-db/pg-bulkload-sub000/loader/lockfile"
	"github.com/ossc-db/pg-bulkload-sub000/loader/spool"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/btree"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/heap"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/pages"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/relfile"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/wal"
	"github.com/ossc-db/pg-bulkload-sub000/logger"
)

// flusher moves the ring's filled pages to disk. The direct and buffered
// variants differ almost only here.
type flusher interface {
	flush(ctx context.Context, final bool) error
}

// loadCore is the machinery both write paths share: target locking, the page
// ring, the row placement loop and the final index merges. A variant embeds
// it, sets fl to itself and adds its own crash protocol around it.
type loadCore struct {
	c    *cluster.Cluster
	cfg  *conf.Cfg
	opts Options
	rel  *catalog.Relation
	fl   flusher

	types  []basic.ValType
	codecs []*btree.KeyCodec
	keys   [][]byte // per-row extracted keys, handed off to the spools
	spools []*spool.IndexSpool

	lock      *lockfile.LockFile
	rf        *relfile.RelFile
	xlog      *wal.Writer
	xid       basic.XID
	cid       basic.CID // always the first command of the load transaction
	checksums bool
	reserve   int // fill-factor byte reserve per heap page

	ring     *pageRing
	existCnt basic.BlockNumber // heap pages present before the load
	flushed  basic.BlockNumber // new pages written by earlier flushes

	rows       int64
	closed     bool
	indexStats map[string]*btree.MergeStats
}

// openTarget locks the relation, opens its file family and snapshots the
// existing page count. TRUNCATE=YES empties the table and its indexes first;
// there is no transaction here that could roll that back.
func (lc *loadCore) openTarget() error {
	lock, err := lockfile.Acquire(lc.c.RelationLockPath(lc.rel.Node), lockfile.Options{DataDir: lc.c.DataDir})
	if err != nil {
		return errors.Trace(err)
	}
	lc.lock = lock

	cr, err := lc.c.ReadControl()
	if err != nil {
		return errors.Trace(err)
	}
	lc.checksums = cr.ChecksumsEnabled

	// 键编码器先建好，索引定义有问题就在动盘之前失败
	for _, idx := range lc.rel.Indexes {
		kc, err := btree.NewKeyCodec(idx, lc.rel)
		if err != nil {
			return errors.Trace(err)
		}
		lc.codecs = append(lc.codecs, kc)
	}

	if lc.rf, err = relfile.Open(lc.c, lc.rel.Node, false); err != nil {
		return errors.Trace(err)
	}
	if lc.cfg.Truncate {
		if err := lc.truncateAll(); err != nil {
			return err
		}
	}
	if lc.existCnt, err = lc.rf.PageCount(); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// openSession claims the transaction id, opens the xlog and the index spools
// and prepares the ring. Runs after the variant has set up its crash
// protocol, so an in-progress journal aborts before the control file moves.
func (lc *loadCore) openSession(ringDefault int) error {
	if err := lc.markLoadBegun(); err != nil {
		return err
	}
	var err error
	if lc.xid, err = lc.c.ClaimXID(); err != nil {
		return errors.Trace(err)
	}
	if lc.xlog, err = wal.Create(lc.c, lc.rel.Node); err != nil {
		return errors.Trace(err)
	}

	budget := lc.cfg.SortMem
	if n := int64(len(lc.rel.Indexes)); n > 1 {
		budget /= n
	}
	for i, idx := range lc.rel.Indexes {
		lc.spools = append(lc.spools, spool.New(idx.Name, lc.c.TempDir(), budget, lc.codecs[i].Compare))
	}
	lc.keys = make([][]byte, len(lc.codecs))

	ringPages := lc.opts.RingPages
	if ringPages <= 0 {
		ringPages = ringDefault
	}
	lc.ring = newPageRing(ringPages)
	lc.reserve = pages.FillFactorReserve(lc.cfg.FillFactor)
	lc.types = lc.rel.ColumnTypes()
	return nil
}

func (lc *loadCore) truncateAll() error {
	if err := lc.rf.Truncate(0); err != nil {
		return errors.Trace(err)
	}
	if err := lc.rf.Sync(); err != nil {
		return errors.Trace(err)
	}
	for _, idx := range lc.rel.Indexes {
		irf, err := relfile.Open(lc.c, idx.Node, false)
		if err != nil {
			return errors.Trace(err)
		}
		err = irf.Truncate(0)
		if err == nil {
			err = irf.Sync()
		}
		if cerr := irf.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return errors.Annotatef(err, "truncate index %s", idx.Name)
		}
	}
	logger.Infof("已清空表 %s 及其 %d 个索引", lc.rel.Name, len(lc.rel.Indexes))
	return nil
}

// curBlock is the block number the current ring page will land on.
func (lc *loadCore) curBlock() basic.BlockNumber {
	return lc.existCnt + lc.flushed + basic.BlockNumber(lc.ring.cur)
}

// Insert is the shared row path: encode the tuple with a predicted self
// pointer, extract all index keys, place the tuple into the ring, then feed
// the spools. Every failure before placement is row-level and leaves the
// writer usable.
func (lc *loadCore) Insert(ctx context.Context, row *basic.Row) error {
	if lc.closed {
		return errors.Trace(basic.ErrWriterClosed)
	}
	if err := ctx.Err(); err != nil {
		return errors.Annotatef(basic.ErrInterrupted, "insert into %s", lc.rel.Name)
	}

	ctid := basic.ItemPointer{
		Block:  lc.curBlock(),
		Offset: basic.OffsetNumber(lc.ring.current().ItemCount() + 1),
	}
	item, err := heap.Encode(row, lc.types, lc.xid, lc.cid, ctid)
	if err != nil {
		return errors.Trace(err)
	}
	for i, kc := range lc.codecs {
		if lc.keys[i], err = kc.ExtractFromRow(row); err != nil {
			return errors.Trace(err)
		}
	}

	off, err := pages.AddItem(lc.ring.current(), item, lc.reserve)
	if err == basic.ErrPageOutOfSpace {
		// 换到新页，行内自指要跟着重写
		if err = lc.rollover(ctx); err != nil {
			return err
		}
		ctid = basic.ItemPointer{Block: lc.curBlock(), Offset: basic.FirstOffsetNumber}
		if err = heap.SetCtid(item, ctid); err != nil {
			return errors.Trace(err)
		}
		off, err = pages.AddItem(lc.ring.current(), item, lc.reserve)
	}
	if err != nil {
		return errors.Trace(err)
	}

	tid := basic.ItemPointer{Block: ctid.Block, Offset: off}
	for i, sp := range lc.spools {
		if err := sp.Add(lc.keys[i], tid); err != nil {
			return errors.Trace(err)
		}
		lc.keys[i] = nil
	}
	lc.rows++
	return nil
}

// rollover closes the current page and opens a fresh one, flushing through
// the variant when the ring is exhausted.
func (lc *loadCore) rollover(ctx context.Context) error {
	if lc.ring.advance() {
		return nil
	}
	if err := lc.fl.flush(ctx, false); err != nil {
		return err
	}
	lc.ring.reset()
	return nil
}

// mergeAll finishes every index spool and merges it into its tree.
func (lc *loadCore) mergeAll(ctx context.Context) error {
	lc.indexStats = make(map[string]*btree.MergeStats, len(lc.rel.Indexes))
	for i, idx := range lc.rel.Indexes {
		if err := ctx.Err(); err != nil {
			return errors.Annotatef(basic.ErrInterrupted, "merge of index %s", idx.Name)
		}
		m, err := btree.NewMerger(lc.c, idx, lc.rel, lc.rf, lc.xid, btree.MergeOptions{
			Policy:      lc.cfg.OnDuplicate,
			MaxErrors:   lc.cfg.DuplicateErrors,
			Checksums:   lc.checksums,
			OnDuplicate: lc.opts.OnDuplicate,
		})
		if err != nil {
			return errors.Trace(err)
		}
		it, err := lc.spools[i].Finish()
		if err != nil {
			return errors.Trace(err)
		}
		stats, err := m.Merge(ctx, it)
		if cerr := it.Close(); cerr != nil {
			logger.Warnf("spool cleanup for %s: %v", idx.Name, cerr)
		}
		if err != nil {
			return errors.Trace(err)
		}
		lc.indexStats[idx.Name] = stats
	}
	return nil
}

// markLoadBegun flips a cleanly shut down cluster into the in-production
// state for the duration of the load, so a crash is visible to recovery.
// A cluster already marked dirty, by a crash or by a concurrent load, is
// left alone.
func (lc *loadCore) markLoadBegun() error {
	cr, err := lc.c.ReadControl()
	if err != nil {
		return errors.Trace(err)
	}
	if !cr.State.CleanlyShutDown() {
		return nil
	}
	return errors.Trace(lc.c.MarkState(cluster.StateInProduction))
}

// markLoadDone restores the clean state when no load journal remains, which
// makes the last finisher of concurrent loads the one that restores. Best
// effort: a stale in-production state costs a recovery scan, never data.
func (lc *loadCore) markLoadDone() {
	journals, err := lc.c.ActiveJournals()
	if err != nil {
		logger.Warnf("cannot list load journals: %v", err)
		return
	}
	if len(journals) > 0 {
		return
	}
	if err := lc.c.MarkState(cluster.StateShutDowned); err != nil {
		logger.Warnf("cannot restore cluster state: %v", err)
	}
}

// releaseCommon closes every shared resource that is open. Safe on a
// partially opened core and called on every exit path, so close errors are
// logged, not returned; all data an exit path cares about is already synced.
func (lc *loadCore) releaseCommon() {
	for _, sp := range lc.spools {
		sp.Close()
	}
	lc.spools = nil
	if lc.ring != nil {
		lc.ring.free()
		lc.ring = nil
	}
	if lc.xlog != nil {
		if err := lc.xlog.Close(); err != nil {
			logger.Warnf("close xlog: %v", err)
		}
		lc.xlog = nil
	}
	if lc.rf != nil {
		if err := lc.rf.Close(); err != nil {
			logger.Warnf("close relation files: %v", err)
		}
		lc.rf = nil
	}
	if lc.lock != nil {
		lc.lock.Release()
		lc.lock = nil
	}
}

func (lc *loadCore) report() *Report {
	return &Report{Rows: lc.rows, Pages: lc.flushed, Indexes: lc.indexStats}
}
