// Package wal appends page-image records to a per-relation xlog file. The
// direct load path logs exactly one record (the first page, pinning its xid);
// the buffered path logs every page image before the data write.
package wal

import (
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/juju/errors"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/loader/cluster"
	"github.com/ossc-db/pg-bulkload-sub000/util"
)

type RecordType uint16

const (
	// RecordFirstPage is the one full-page image a direct load writes, so
	// the xid it stamped into tuples is pinned in the log.
	RecordFirstPage RecordType = 1
	// RecordPageImage is the per-page record of the buffered write path.
	RecordPageImage RecordType = 2
)

// record header: crc u32, type u16, xid u32, spc/db/rel u32 x3, blockNo u32,
// dataLen u32. crc covers everything after itself.
const recordHeaderSize = 4 + 2 + 4 + 12 + 4 + 4

type Record struct {
	Type    RecordType
	XID     basic.XID
	Node    basic.RelFileNode
	BlockNo basic.BlockNumber
	Data    []byte
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Writer appends records to one relation's xlog. Appends are buffered by the
// OS only; Sync makes everything appended so far durable. The returned LSN is
// the byte position after the record, so it is never zero and always grows.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	path string
	pos  basic.LSN
}

// Create truncates and opens the relation's xlog file.
func Create(c *cluster.Cluster, node basic.RelFileNode) (*Writer, error) {
	if err := util.EnsureDir(c.WalDir()); err != nil {
		return nil, errors.Trace(err)
	}
	path := c.WalPath(node)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot create xlog %s", path)
	}
	return &Writer{f: f, path: path}, nil
}

func encodeRecord(rec *Record) []byte {
	buff := make([]byte, 0, recordHeaderSize+len(rec.Data))
	buff = util.WriteUB4(buff, 0) // crc patched below
	buff = util.WriteUB2(buff, uint16(rec.Type))
	buff = util.WriteUB4(buff, uint32(rec.XID))
	buff = util.WriteUB4(buff, uint32(rec.Node.SpcNode))
	buff = util.WriteUB4(buff, uint32(rec.Node.DbNode))
	buff = util.WriteUB4(buff, uint32(rec.Node.RelNode))
	buff = util.WriteUB4(buff, uint32(rec.BlockNo))
	buff = util.WriteUB4(buff, uint32(len(rec.Data)))
	buff = util.WriteBytes(buff, rec.Data)
	util.PutUB4(buff, 0, crc32.Checksum(buff[4:], crcTable))
	return buff
}

// Append writes one record and returns its end LSN. Not durable until Sync.
func (w *Writer) Append(rec *Record) (basic.LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return basic.InvalidLSN, errors.Trace(basic.ErrWriterClosed)
	}
	buff := encodeRecord(rec)
	if _, err := w.f.Write(buff); err != nil {
		return basic.InvalidLSN, errors.Annotatef(err, "cannot append to %s", w.path)
	}
	w.pos += basic.LSN(len(buff))
	return w.pos, nil
}

// Sync flushes appended records to stable storage.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return errors.Trace(basic.ErrWriterClosed)
	}
	return errors.Trace(w.f.Sync())
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// ReadAll decodes every record in an xlog file, stopping cleanly at the end.
// A record with a bad crc fails the whole read; a torn tail (short read) ends
// the stream the way a crashed append would.
func ReadAll(path string) ([]*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []*Record
	header := make([]byte, recordHeaderSize)
	for {
		if _, err := io.ReadFull(f, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return out, nil
			}
			return nil, err
		}
		wantCrc := util.ReadUB4Byte2UInt32(header[0:4])
		dataLen := util.ReadUB4Byte2UInt32(header[26:30])
		data := make([]byte, dataLen)
		if _, err := io.ReadFull(f, data); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return out, nil // torn tail
			}
			return nil, err
		}

		crc := crc32.Update(0, crcTable, header[4:])
		crc = crc32.Update(crc, crcTable, data)
		if crc != wantCrc {
			return nil, errors.Errorf("xlog %s: crc mismatch", path)
		}
		out = append(out, &Record{
			Type: RecordType(util.ReadUB2Byte2UInt16(header[4:6])),
			XID:  basic.XID(util.ReadUB4Byte2UInt32(header[6:10])),
			Node: basic.RelFileNode{
				SpcNode: basic.OID(util.ReadUB4Byte2UInt32(header[10:14])),
				DbNode:  basic.OID(util.ReadUB4Byte2UInt32(header[14:18])),
				RelNode: basic.OID(util.ReadUB4Byte2UInt32(header[18:22])),
			},
			BlockNo: basic.BlockNumber(util.ReadUB4Byte2UInt32(header[22:26])),
			Data:    data,
		})
	}
}
