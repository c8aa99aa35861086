// Package recovery returns a data directory to a consistent state after a
// direct load died in flight. Every surviving load status journal claims a
// block range the dead load may have been writing; inside that range any
// page whose header is invalid or whose LSN is still zero is replaced with
// a fresh empty page, because nothing proves it reached disk completely.
package recovery

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/juju/errors"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/loader/cluster"
	"github.com/ossc-db/pg-bulkload-sub000/loader/lockfile"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/pages"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/relfile"
	"github.com/ossc-db/pg-bulkload-sub000/loader/writer"
	"github.com/ossc-db/pg-bulkload-sub000/logger"
	"github.com/ossc-db/pg-bulkload-sub000/util"
)

// Options adjusts how the scanner treats journals it cannot process.
type Options struct {
	// Silent keeps the scan going past a journal it cannot repair instead of
	// failing the whole run. Skipped journals stay behind for another pass.
	Silent bool
}

// Report sums up one recovery run.
type Report struct {
	Journals    int   // journals found
	Repaired    int   // journals whose claimed pages needed clearing
	PagesZeroed int64 // pages replaced with blank images
	Skipped     int   // journals left behind in silent mode
}

// Scanner walks the status directory and undoes half-written loads.
type Scanner struct {
	c    *cluster.Cluster
	opts Options
}

func NewScanner(c *cluster.Cluster, opts Options) *Scanner {
	return &Scanner{c: c, opts: opts}
}

// Run takes the data-directory lock and processes every load status journal.
// On a crashed cluster each journal's claimed block range is cleared before
// the journal is dropped; after a clean shutdown the journals are stale and
// only dropped. A second pass finds no journals and does nothing.
func (s *Scanner) Run(ctx context.Context) (*Report, error) {
	lock, err := lockfile.Acquire(s.c.LockPath(), lockfile.Options{DataDir: s.c.DataDir})
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer lock.Release()

	journals, err := s.c.ActiveJournals()
	if err != nil {
		return nil, errors.Trace(err)
	}
	rep := &Report{Journals: len(journals)}
	if len(journals) == 0 {
		logger.Infof("恢复扫描: %s 没有装载状态文件, 无事可做", s.c.DataDir)
		return rep, nil
	}

	cr, err := s.c.ReadControl()
	if err != nil {
		return nil, errors.Trace(err)
	}
	crashed := !cr.State.CleanlyShutDown()
	if crashed {
		// 集群没有干净关闭, 日志声明的页一律按没写完对待
		if err := s.c.MarkState(cluster.StateInCrashRecovery); err != nil {
			return nil, errors.Trace(err)
		}
		logger.Noticef("恢复开始: %s 上次未干净关闭, 待处理 %d 个装载状态文件", s.c.DataDir, len(journals))
	} else {
		logger.Noticef("恢复开始: %s 已干净关闭, 丢弃 %d 个过期装载状态文件", s.c.DataDir, len(journals))
	}

	for _, path := range journals {
		if err := ctx.Err(); err != nil {
			return rep, errors.Annotatef(basic.ErrInterrupted, "recovery of %s", s.c.DataDir)
		}
		zeroed, err := s.processJournal(ctx, path, crashed, cr.ChecksumsEnabled)
		if err != nil {
			if !s.opts.Silent {
				return rep, errors.Annotatef(err, "journal %s", filepath.Base(path))
			}
			rep.Skipped++
			logger.Errorf("跳过无法处理的装载状态文件 %s: %v", filepath.Base(path), err)
			continue
		}
		if zeroed > 0 {
			rep.Repaired++
			rep.PagesZeroed += zeroed
		}
	}

	// 只要还有状态文件留在盘上, 集群就不能算恢复完成
	if crashed && rep.Skipped == 0 {
		if err := s.c.MarkState(cluster.StateShutDownedInRecovery); err != nil {
			return rep, errors.Trace(err)
		}
	}
	logger.Noticef("恢复完成: 处理 %d 个装载状态文件, 修复 %d 个, 清除 %d 页",
		rep.Journals-rep.Skipped, rep.Repaired, rep.PagesZeroed)
	return rep, nil
}

// processJournal validates one journal, clears its claim when the cluster
// crashed, and removes the file. The remove is pushed down with a directory
// fsync so a later crash cannot resurrect the journal.
func (s *Scanner) processJournal(ctx context.Context, path string, crashed, checksums bool) (int64, error) {
	name := filepath.Base(path)
	node, ok := cluster.ParseJournalName(name)
	if !ok {
		return 0, errors.Annotatef(basic.ErrBadJournal, "unrecognized journal name %q", name)
	}
	rec, err := writer.ReadJournal(path)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if rec.Node != node {
		return 0, errors.Annotatef(basic.ErrBadJournal, "file name says %s, record says %s", node, rec.Node)
	}

	var zeroed int64
	if crashed {
		if zeroed, err = s.clearClaim(ctx, rec, checksums); err != nil {
			return 0, errors.Trace(err)
		}
	} else if rec.CreateCnt > 0 {
		// 干净关闭的集群不该有带声明的状态文件, 见到就提一句再丢
		logger.Warnf("装载状态文件 %s 声明了 %d 页, 但集群已干净关闭, 按过期处理", name, rec.CreateCnt)
	}

	if err := os.Remove(path); err != nil {
		return 0, errors.Trace(err)
	}
	if err := util.FsyncDir(s.c.StatusDir()); err != nil {
		return 0, errors.Trace(err)
	}
	logger.Infof("装载状态文件 %s 处理完毕, 清除 %d 页", name, zeroed)
	return zeroed, nil
}

// clearClaim blanks every loader-created page inside [ExistCnt,
// ExistCnt+CreateCnt). Pages carrying a real LSN belong to logged writes and
// stay; pages past the end of the family were never written at all. The
// family's dirty-segment tracking gives one fsync per touched segment.
func (s *Scanner) clearClaim(ctx context.Context, rec *writer.JournalRecord, checksums bool) (int64, error) {
	if rec.CreateCnt == 0 {
		return 0, nil
	}
	rf, err := relfile.Open(s.c, rec.Node, false)
	if err != nil {
		return 0, errors.Trace(err)
	}
	defer rf.Close()

	pg := pages.NewPage()
	blank := pages.NewPage()
	var zeroed int64
	end := rec.ExistCnt + rec.CreateCnt
	for blk := rec.ExistCnt; blk < end; blk++ {
		if err := ctx.Err(); err != nil {
			return zeroed, errors.Annotatef(basic.ErrInterrupted, "clearing block %d of %s", blk, rec.Node)
		}
		err := rf.ReadPage(blk, pg)
		if err == io.EOF {
			// 声明先行于数据写入, 文件短于声明是正常情况
			break
		}
		if err != nil {
			return zeroed, errors.Trace(err)
		}
		if !pages.LoaderCreated(pg) {
			continue
		}
		pages.Init(blank, 0)
		if checksums {
			pages.StampChecksum(blank, blk)
		}
		if err := rf.WritePage(blk, blank); err != nil {
			return zeroed, errors.Trace(err)
		}
		zeroed++
	}
	if zeroed == 0 {
		return 0, nil
	}
	if err := rf.Sync(); err != nil {
		return zeroed, errors.Trace(err)
	}
	return zeroed, nil
}
