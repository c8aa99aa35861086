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

// writebackBufferCount is the buffered path's default ring size. It is kept
// small: each page costs an xlog record anyway, so a big ring buys little.
const writebackBufferCount = 64

// BufferedWriter is the conservative load path: every page image goes to the
// relation's xlog before the data write and the page header carries the
// record's LSN. Crash repair is then the ordinary redo story and no load
// status journal is needed. One log record per page makes it the slow path.
type BufferedWriter struct {
	loadCore
	lastLSN basic.LSN
}

var _ Writer = (*BufferedWriter)(nil)

// NewBuffered opens a logged load of rel.
func NewBuffered(c *cluster.Cluster, rel *catalog.Relation, cfg *conf.Cfg, opts Options) (*BufferedWriter, error) {
	b := &BufferedWriter{}
	b.loadCore = loadCore{c: c, cfg: cfg, opts: opts, rel: rel}
	b.fl = b

	if err := b.openTarget(); err != nil {
		b.releaseCommon()
		return nil, err
	}
	if err := b.openSession(writebackBufferCount); err != nil {
		b.releaseCommon()
		return nil, err
	}
	logger.Infof("缓冲装载开始: 表 %s xid=%d 已有 %d 页", rel.Name, b.xid, b.existCnt)
	return b, nil
}

// flush logs every filled page, syncs the log, and only then writes the
// data. 先写日志后写数据. The LSN goes into the page header after Append
// returns it, and the checksum is stamped after the LSN, never before.
func (b *BufferedWriter) flush(ctx context.Context, final bool) error {
	n := b.ring.filled(final)
	if n == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return errors.Annotatef(basic.ErrInterrupted, "flush of %s", b.rel.Name)
	}

	start := b.existCnt + b.flushed
	lsns := make([]basic.LSN, n)
	for i := 0; i < n; i++ {
		rec := &wal.Record{
			Type:    wal.RecordPageImage,
			XID:     b.xid,
			Node:    b.rel.Node,
			BlockNo: start + basic.BlockNumber(i),
			Data:    b.ring.page(i),
		}
		lsn, err := b.xlog.Append(rec)
		if err != nil {
			return errors.Trace(err)
		}
		lsns[i] = lsn
	}
	if err := b.xlog.Sync(); err != nil {
		return errors.Trace(err)
	}
	for i := 0; i < n; i++ {
		pg := b.ring.page(i)
		pg.SetLSN(lsns[i])
		if b.checksums {
			pages.StampChecksum(pg, start+basic.BlockNumber(i))
		}
	}
	b.lastLSN = lsns[n-1]
	if err := b.rf.WriteContiguous(start, b.ring.image(n)); err != nil {
		return errors.Trace(err)
	}
	if err := b.rf.Sync(); err != nil {
		return errors.Trace(err)
	}
	b.flushed += basic.BlockNumber(n)
	return nil
}

func (b *BufferedWriter) Close(ctx context.Context, onError bool) (*Report, error) {
	if b.closed {
		return nil, errors.Trace(basic.ErrWriterClosed)
	}
	b.closed = true
	defer func() {
		b.releaseCommon()
		b.markLoadDone()
	}()

	if onError {
		return nil, nil
	}
	if err := b.finish(ctx); err != nil {
		return nil, err
	}
	rep := b.report()
	logger.Infof("缓冲装载完成: 表 %s 共 %d 行 新增 %d 页", b.rel.Name, rep.Rows, rep.Pages)
	return rep, nil
}

// finish runs the final flush and the merges, then publishes the load's high
// LSN to the control file.
func (b *BufferedWriter) finish(ctx context.Context) error {
	if err := b.flush(ctx, true); err != nil {
		return err
	}
	if err := b.mergeAll(ctx); err != nil {
		return err
	}
	if b.lastLSN != basic.InvalidLSN {
		if err := b.c.AdvanceLSN(b.lastLSN); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
