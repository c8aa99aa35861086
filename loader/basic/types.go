package basic

import "fmt"

// OID identifies a tablespace, database or relation inside the cluster.
type OID uint32

// BlockNumber 页号，从0开始
type BlockNumber uint32

// OffsetNumber 页内行指针编号，从1开始
type OffsetNumber uint16

// XID is a transaction id; CID a command id within a transaction.
type XID uint32
type CID uint32

// LSN is the log sequence tag stamped into page headers. Pages written by
// the direct load path carry the zero LSN, which is how recovery tells them
// apart from pages written through the ordinary logged path.
type LSN uint64

const (
	InvalidOID          OID          = 0
	InvalidBlockNumber  BlockNumber  = 0xFFFFFFFF
	InvalidOffsetNumber OffsetNumber = 0
	FirstOffsetNumber   OffsetNumber = 1
	InvalidXID          XID          = 0
	// FirstNormalXID leaves room for the bootstrap and frozen ids.
	FirstNormalXID XID = 3
	InvalidLSN     LSN = 0
)

// RelFileNode names the physical file family of one relation:
// tablespace OID, database OID, relation file node.
type RelFileNode struct {
	SpcNode OID
	DbNode  OID
	RelNode OID
}

func (n RelFileNode) String() string {
	return fmt.Sprintf("%d/%d/%d", n.SpcNode, n.DbNode, n.RelNode)
}

// ItemPointer addresses one heap row: block plus line pointer offset.
type ItemPointer struct {
	Block  BlockNumber
	Offset OffsetNumber
}

// ItemPointerSize is the stored size of an ItemPointer.
const ItemPointerSize = 6

func (t ItemPointer) IsValid() bool {
	return t.Block != InvalidBlockNumber && t.Offset != InvalidOffsetNumber
}

// Compare orders item pointers by block, then offset.
func (t ItemPointer) Compare(o ItemPointer) int {
	if t.Block != o.Block {
		if t.Block < o.Block {
			return -1
		}
		return 1
	}
	if t.Offset != o.Offset {
		if t.Offset < o.Offset {
			return -1
		}
		return 1
	}
	return 0
}

func (t ItemPointer) String() string {
	return fmt.Sprintf("(%d,%d)", t.Block, t.Offset)
}
