package writer

import (
	"context"

	"github.com/juju/errors"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/loader/catalog"
	"github.com/ossc-db/pg-bulkload-sub000/loader/cluster"
	"github.com/ossc-db/pg-bulkload-sub000/loader/conf"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/pages"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/wal"
	"github.com/ossc-db/pg-bulkload-sub000/logger"
)

// DirectWriter is the high-speed load path: heap pages are packed in the
// ring and written straight to the relation's segment files, bypassing
// page-at-a-time logging. New pages keep the zero LSN. Crash safety comes
// from the load status journal, whose createCnt always claims at least as
// many pages as are durable, plus one xlog record pinning the load's xid
// and first block.
type DirectWriter struct {
	loadCore
	journal   *LoadStatusJournal
	firstDone bool // first-page xlog record already written
}

var _ Writer = (*DirectWriter)(nil)

// NewDirect opens a direct load of rel. A journal left by an unrecovered
// load surfaces here as ErrAlreadyInProgress.
func NewDirect(c *cluster.Cluster, rel *catalog.Relation, cfg *conf.Cfg, opts Options) (*DirectWriter, error) {
	d := &DirectWriter{}
	d.loadCore = loadCore{c: c, cfg: cfg, opts: opts, rel: rel}
	d.fl = d

	if err := d.openTarget(); err != nil {
		d.releaseCommon()
		return nil, err
	}
	j, err := CreateJournal(c, rel.Node, d.existCnt)
	if err != nil {
		d.releaseCommon()
		return nil, err
	}
	d.journal = j
	if err := d.openSession(BlockBufferCount); err != nil {
		// nothing was written, so the claim can be dropped
		if rerr := d.journal.CloseAndRemove(); rerr != nil {
			logger.Warnf("drop unused journal: %v", rerr)
		}
		d.journal = nil
		d.releaseCommon()
		return nil, err
	}
	logger.Infof("直接装载开始: 表 %s xid=%d 已有 %d 页", rel.Name, d.xid, d.existCnt)
	return d, nil
}

// flush is the crash-ordered step of the direct path: log the load's first
// page image once, grow the journal's claim, then write and sync the data.
// The journal reaches disk before the pages do, so recovery never scans too
// few blocks. Checksums are stamped last, once the page stops changing.
func (d *DirectWriter) flush(ctx context.Context, final bool) error {
	n := d.ring.filled(final)
	if n == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return errors.Annotatef(basic.ErrInterrupted, "flush of %s", d.rel.Name)
	}

	start := d.existCnt + d.flushed
	if !d.firstDone {
		rec := &wal.Record{
			Type:    wal.RecordFirstPage,
			XID:     d.xid,
			Node:    d.rel.Node,
			BlockNo: start,
			Data:    d.ring.page(0),
		}
		if _, err := d.xlog.Append(rec); err != nil {
			return errors.Trace(err)
		}
		if err := d.xlog.Sync(); err != nil {
			return errors.Trace(err)
		}
		d.firstDone = true
	}
	if err := d.journal.Advance(basic.BlockNumber(n)); err != nil {
		return errors.Trace(err)
	}
	if d.checksums {
		for i := 0; i < n; i++ {
			pages.StampChecksum(d.ring.page(i), start+basic.BlockNumber(i))
		}
	}
	if err := d.rf.WriteContiguous(start, d.ring.image(n)); err != nil {
		return errors.Trace(err)
	}
	if err := d.rf.Sync(); err != nil {
		return errors.Trace(err)
	}
	d.flushed += basic.BlockNumber(n)
	logger.Debugf("表 %s 刷出 %d 页, 起始块 %d", d.rel.Name, n, start)
	return nil
}

func (d *DirectWriter) Close(ctx context.Context, onError bool) (*Report, error) {
	if d.closed {
		return nil, errors.Trace(basic.ErrWriterClosed)
	}
	d.closed = true

	if onError {
		d.abandon()
		return nil, nil
	}
	if err := d.finish(ctx); err != nil {
		d.abandon()
		return nil, err
	}
	rep := d.report()
	d.releaseCommon()
	logger.Infof("直接装载完成: 表 %s 共 %d 行 新增 %d 页", d.rel.Name, rep.Rows, rep.Pages)
	return rep, nil
}

// finish completes the protocol in order: final flush, index merges, journal
// retirement, control state. Failing anywhere leaves the journal in place so
// the next recovery undoes the half-done load.
func (d *DirectWriter) finish(ctx context.Context) error {
	if err := d.flush(ctx, true); err != nil {
		return err
	}
	if err := d.mergeAll(ctx); err != nil {
		return err
	}
	if err := d.journal.CloseAndRemove(); err != nil {
		return errors.Trace(err)
	}
	d.journal = nil
	d.markLoadDone()
	return nil
}

// abandon closes descriptors without completing the protocol. The journal
// stays on disk, which is exactly what recovery keys on.
func (d *DirectWriter) abandon() {
	if d.journal != nil {
		if err := d.journal.CloseKeep(); err != nil {
			logger.Warnf("keep journal: %v", err)
		}
		d.journal = nil
	}
	d.releaseCommon()
	d.markLoadDone()
}
