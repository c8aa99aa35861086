package writer

import (
	"os"
	"path/filepath"

	"github.com/juju/errors"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/loader/cluster"
	"github.com/ossc-db/pg-bulkload-sub000/logger"
	"github.com/ossc-db/pg-bulkload-sub000/util"
)

// 装载状态文件固定24字节，布局如下
//
//	偏移 0   tag        uint32  后20字节的xxhash32校验值
//	偏移 4   createCnt  uint32  本次装载已声明写出的页数
//	偏移 8   existCnt   uint32  装载开始时表文件已有的页数
//	偏移 12  spcNode    uint32
//	偏移 16  dbNode     uint32
//	偏移 20  relNode    uint32
const journalRecordSize = 24

// JournalRecord is the decoded payload of one load status file. Recovery
// trusts it as the single source of truth for which blocks the crashed load
// may have touched: every block in [ExistCnt, ExistCnt+CreateCnt) is suspect.
type JournalRecord struct {
	Node      basic.RelFileNode
	ExistCnt  basic.BlockNumber
	CreateCnt basic.BlockNumber
}

func encodeJournal(rec *JournalRecord) []byte {
	buff := make([]byte, 0, journalRecordSize)
	buff = util.WriteUB4(buff, 0) // tag, patched below
	buff = util.WriteUB4(buff, uint32(rec.CreateCnt))
	buff = util.WriteUB4(buff, uint32(rec.ExistCnt))
	buff = util.WriteUB4(buff, uint32(rec.Node.SpcNode))
	buff = util.WriteUB4(buff, uint32(rec.Node.DbNode))
	buff = util.WriteUB4(buff, uint32(rec.Node.RelNode))
	util.PutUB4(buff, 0, util.Checksum32(buff[4:journalRecordSize]))
	return buff
}

func decodeJournal(buff []byte) (*JournalRecord, error) {
	if len(buff) < journalRecordSize {
		return nil, errors.Annotatef(basic.ErrBadJournal, "short read: %d bytes", len(buff))
	}
	_, tag := util.ReadUB4(buff, 0)
	if tag != util.Checksum32(buff[4:journalRecordSize]) {
		return nil, errors.Annotatef(basic.ErrBadJournal, "integrity tag mismatch")
	}
	rec := &JournalRecord{}
	cursor, createCnt := util.ReadUB4(buff, 4)
	cursor, existCnt := util.ReadUB4(buff, cursor)
	cursor, spc := util.ReadUB4(buff, cursor)
	cursor, db := util.ReadUB4(buff, cursor)
	_, rel := util.ReadUB4(buff, cursor)
	rec.CreateCnt = basic.BlockNumber(createCnt)
	rec.ExistCnt = basic.BlockNumber(existCnt)
	rec.Node = basic.RelFileNode{SpcNode: basic.OID(spc), DbNode: basic.OID(db), RelNode: basic.OID(rel)}
	return rec, nil
}

// LoadStatusJournal is the crash contract of a direct load. The file is
// created before the first data page goes out and rewritten ahead of every
// flush, so its createCnt is always >= the number of durable new pages.
type LoadStatusJournal struct {
	f    *os.File
	path string
	rec  JournalRecord
}

// CreateJournal claims the relation for one load. A leftover journal means a
// previous load is still running or died without recovery, so creation is
// exclusive and the caller gets ErrAlreadyInProgress instead of a new file.
func CreateJournal(c *cluster.Cluster, node basic.RelFileNode, existCnt basic.BlockNumber) (*LoadStatusJournal, error) {
	if err := c.EnsureStatusDir(); err != nil {
		return nil, errors.Trace(err)
	}
	path := c.JournalPath(node)
	f, err := util.CreateFileExclusive(path, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, errors.Annotatef(basic.ErrAlreadyInProgress, "journal %s exists", path)
		}
		return nil, errors.Trace(err)
	}
	j := &LoadStatusJournal{
		f:    f,
		path: path,
		rec:  JournalRecord{Node: node, ExistCnt: existCnt},
	}
	if err = j.write(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, errors.Trace(err)
	}
	// 目录项也要落盘，否则崩溃后状态文件可能整个消失
	if err = util.FsyncDir(filepath.Dir(path)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, errors.Trace(err)
	}
	logger.Debugf("load status journal created: %s exist=%d", path, existCnt)
	return j, nil
}

// ReadJournal decodes a load status file without taking ownership of it.
func ReadJournal(path string) (*JournalRecord, error) {
	buff, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	rec, err := decodeJournal(buff)
	if err != nil {
		return nil, errors.Annotatef(err, "journal %s", path)
	}
	return rec, nil
}

func (j *LoadStatusJournal) Path() string { return j.path }

func (j *LoadStatusJournal) Node() basic.RelFileNode { return j.rec.Node }

// ExistCnt is the page count snapshotted when the load began.
func (j *LoadStatusJournal) ExistCnt() basic.BlockNumber { return j.rec.ExistCnt }

// CreateCnt is the number of new pages declared so far.
func (j *LoadStatusJournal) CreateCnt() basic.BlockNumber { return j.rec.CreateCnt }

func (j *LoadStatusJournal) write() error {
	if err := util.WriteFileBySeekStart(j.f, 0, encodeJournal(&j.rec)); err != nil {
		return errors.Trace(err)
	}
	if err := j.f.Sync(); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// Advance declares delta more pages before they are written. The rewrite is
// fsynced here, which keeps the on-disk count ahead of the on-disk data at
// every instant; recovery then at worst zero-fills pages that were never
// reached.
func (j *LoadStatusJournal) Advance(delta basic.BlockNumber) error {
	if j.f == nil {
		return errors.Trace(basic.ErrWriterClosed)
	}
	j.rec.CreateCnt += delta
	if err := j.write(); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// CloseKeep closes the descriptor and leaves the file behind. This is the
// error path: the journal must survive so recovery can undo the half-done
// load.
func (j *LoadStatusJournal) CloseKeep() error {
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return errors.Trace(err)
}

// CloseAndRemove retires the journal after a fully successful load.
func (j *LoadStatusJournal) CloseAndRemove() error {
	if j.f == nil {
		return errors.Trace(basic.ErrWriterClosed)
	}
	if err := j.f.Close(); err != nil {
		j.f = nil
		return errors.Trace(err)
	}
	j.f = nil
	if err := os.Remove(j.path); err != nil {
		return errors.Trace(err)
	}
	if err := util.FsyncDir(filepath.Dir(j.path)); err != nil {
		return errors.Trace(err)
	}
	logger.Debugf("load status journal removed: %s", j.path)
	return nil
}
