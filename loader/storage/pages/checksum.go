package pages

import (
	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/util"
)

// Page checksums are optional per cluster. The stored value is an xxhash32 of
// the page image (checksum field zeroed) mixed with the block number so a
// page written to the wrong block fails verification, folded to 16 bits.
// Zero means "no checksum"; the fold shifts into [1, 65535].

func checksumBase(p Page, blkno basic.BlockNumber) uint32 {
	b0, b1 := p[offChecksum], p[offChecksum+1]
	p[offChecksum], p[offChecksum+1] = 0, 0
	h := util.Checksum32(p)
	p[offChecksum], p[offChecksum+1] = b0, b1
	return h ^ uint32(blkno)
}

func foldChecksum(h uint32) uint16 {
	return uint16(h%0xFFFF) + 1
}

// StampChecksum computes and stores the checksum for p at block blkno.
func StampChecksum(p Page, blkno basic.BlockNumber) {
	util.PutUB2(p, offChecksum, uint16(0))
	sum := foldChecksum(checksumBase(p, blkno))
	util.PutUB2(p, offChecksum, sum)
}

// VerifyChecksum re-derives the checksum; a zero stored value passes, since
// the page predates checksums or the cluster runs without them.
func VerifyChecksum(p Page, blkno basic.BlockNumber) bool {
	stored := p.Checksum()
	if stored == 0 {
		return true
	}
	return stored == foldChecksum(checksumBase(p, blkno))
}
