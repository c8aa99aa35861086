package cluster

import (
	"hash/crc32"
	"os"

	"github.com/juju/errors"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/util"
)

const (
	controlMagic      uint32 = 0x424C4B44 // "DKLB" on disk
	ControlVersion    uint32 = 1
	controlRecordSize        = 32

	flagDataChecksums uint32 = 1 << 0
)

// ClusterState is the lifecycle state stamped into the control record. The
// recovery scanner only repairs relations when the cluster did not shut down
// cleanly; a clean state means every flushed page is trustworthy.
type ClusterState uint32

const (
	StateStartingUp ClusterState = iota
	StateShutDowned
	StateShutDownedInRecovery
	StateShutDowning
	StateInCrashRecovery
	StateInProduction
)

var stateNames = map[ClusterState]string{
	StateStartingUp:           "starting up",
	StateShutDowned:           "shut down",
	StateShutDownedInRecovery: "shut down in recovery",
	StateShutDowning:          "shutting down",
	StateInCrashRecovery:      "in crash recovery",
	StateInProduction:         "in production",
}

func (s ClusterState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// CleanlyShutDown reports whether the cluster went down in an orderly way.
func (s ClusterState) CleanlyShutDown() bool {
	return s == StateShutDowned || s == StateShutDownedInRecovery
}

/*
控制记录 32 字节:
+0	magic		uint32
+4	version		uint32
+8	state		uint32
+12	nextXID		uint32
+16	lastLSN		uint64
+24	flags		uint32
+28	crc		uint32 (CRC-32C of bytes 0..28)
*/
type ControlRecord struct {
	Version          uint32
	State            ClusterState
	NextXID          basic.XID
	LastLSN          basic.LSN
	ChecksumsEnabled bool
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func (cr *ControlRecord) encode() []byte {
	buff := make([]byte, controlRecordSize)
	util.PutUB4(buff, 0, controlMagic)
	util.PutUB4(buff, 4, cr.Version)
	util.PutUB4(buff, 8, uint32(cr.State))
	util.PutUB4(buff, 12, uint32(cr.NextXID))
	util.PutUB8(buff, 16, uint64(cr.LastLSN))
	var flags uint32
	if cr.ChecksumsEnabled {
		flags |= flagDataChecksums
	}
	util.PutUB4(buff, 24, flags)
	util.PutUB4(buff, 28, crc32.Checksum(buff[0:28], crcTable))
	return buff
}

func decodeControlRecord(buff []byte) (*ControlRecord, error) {
	if len(buff) < controlRecordSize {
		return nil, errors.Annotatef(basic.ErrBadControlRecord,
			"short read: %d bytes", len(buff))
	}
	if got, want := util.ReadUB4Byte2UInt32(buff[28:32]), crc32.Checksum(buff[0:28], crcTable); got != want {
		return nil, errors.Annotatef(basic.ErrBadControlRecord,
			"crc mismatch: got %08x want %08x", got, want)
	}
	if magic := util.ReadUB4Byte2UInt32(buff[0:4]); magic != controlMagic {
		return nil, errors.Annotatef(basic.ErrBadControlRecord,
			"bad magic %08x", magic)
	}
	cr := &ControlRecord{
		Version: util.ReadUB4Byte2UInt32(buff[4:8]),
		State:   ClusterState(util.ReadUB4Byte2UInt32(buff[8:12])),
		NextXID: basic.XID(util.ReadUB4Byte2UInt32(buff[12:16])),
		LastLSN: basic.LSN(util.ReadUB8Byte2UInt64(buff[16:24])),
	}
	cr.ChecksumsEnabled = util.ReadUB4Byte2UInt32(buff[24:28])&flagDataChecksums != 0
	if cr.Version != ControlVersion {
		return nil, errors.Annotatef(basic.ErrBadControlRecord,
			"unsupported version %d", cr.Version)
	}
	return cr, nil
}

// ReadControl loads and verifies the control record.
func (c *Cluster) ReadControl() (*ControlRecord, error) {
	buff, err := os.ReadFile(c.ControlPath())
	if err != nil {
		return nil, errors.Annotatef(err, "cannot read control record")
	}
	cr, err := decodeControlRecord(buff)
	if err != nil {
		return nil, errors.Annotatef(err, "%s", c.ControlPath())
	}
	return cr, nil
}

// WriteControl rewrites the control record in place and fsyncs it. The record
// fits one sector, so the rewrite is atomic on any sane filesystem.
func (c *Cluster) WriteControl(cr *ControlRecord) error {
	f, err := os.OpenFile(c.ControlPath(), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return errors.Annotatef(err, "cannot open control record")
	}
	defer f.Close()
	if err := util.WriteFileBySeekStart(f, 0, cr.encode()); err != nil {
		return errors.Annotatef(err, "cannot write control record")
	}
	if err := f.Sync(); err != nil {
		return errors.Annotatef(err, "cannot fsync control record")
	}
	return nil
}

// ClaimXID hands out the next transaction id and durably bumps the counter
// before returning, so a crashed load can never share an id with a later one.
func (c *Cluster) ClaimXID() (basic.XID, error) {
	cr, err := c.ReadControl()
	if err != nil {
		return basic.InvalidXID, errors.Trace(err)
	}
	xid := cr.NextXID
	if xid < basic.FirstNormalXID {
		xid = basic.FirstNormalXID
	}
	next := xid + 1
	if next < basic.FirstNormalXID { // wrapped
		next = basic.FirstNormalXID
	}
	cr.NextXID = next
	if err := c.WriteControl(cr); err != nil {
		return basic.InvalidXID, errors.Trace(err)
	}
	return xid, nil
}

// AdvanceLSN persists a new last LSN if it is ahead of the stored one.
func (c *Cluster) AdvanceLSN(lsn basic.LSN) error {
	cr, err := c.ReadControl()
	if err != nil {
		return errors.Trace(err)
	}
	if lsn <= cr.LastLSN {
		return nil
	}
	cr.LastLSN = lsn
	return errors.Trace(c.WriteControl(cr))
}

// MarkState persists a state transition.
func (c *Cluster) MarkState(state ClusterState) error {
	cr, err := c.ReadControl()
	if err != nil {
		return errors.Trace(err)
	}
	cr.State = state
	return errors.Trace(c.WriteControl(cr))
}
