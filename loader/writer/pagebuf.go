package writer

import (
	gxbytes "github.com/dubbogo/gost/bytes"

	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/pages"
)

// BlockBufferCount is the default size of the direct path's page ring: how
// many pages accumulate in memory before a flush is forced.
const BlockBufferCount = 1024

// pageRing is the write-behind buffer of a load. Pages are packed left to
// right in one contiguous arena, so a flush can hand the whole filled run to
// WriteContiguous in a single call.
type pageRing struct {
	bufp  *[]byte // pooled arena, returned on free
	arena []byte
	size  int // pages in the arena
	cur   int // index of the page being filled
}

func newPageRing(size int) *pageRing {
	bufp := gxbytes.GetBytes(size * pages.PageSize)
	r := &pageRing{bufp: bufp, arena: *bufp, size: size}
	pages.Init(r.current(), 0)
	return r
}

// page returns the i-th page image, aliasing the arena.
func (r *pageRing) page(i int) pages.Page {
	return pages.Page(r.arena[i*pages.PageSize : (i+1)*pages.PageSize])
}

// current is the page new rows go to.
func (r *pageRing) current() pages.Page { return r.page(r.cur) }

// advance closes the current page and opens the next. It reports false when
// the ring is exhausted and the caller must flush first.
func (r *pageRing) advance() bool {
	if r.cur+1 >= r.size {
		return false
	}
	r.cur++
	pages.Init(r.current(), 0)
	return true
}

// reset recycles the ring after a flush.
func (r *pageRing) reset() {
	r.cur = 0
	pages.Init(r.current(), 0)
}

// filled is the number of pages a flush should write. Mid-load flushes only
// happen at exhaustion, when every page including the current one is full;
// the final flush also takes a partially filled current page.
func (r *pageRing) filled(final bool) int {
	if !final {
		return r.cur + 1
	}
	n := r.cur
	if r.current().ItemCount() > 0 {
		n++
	}
	return n
}

// image returns the first n pages as one contiguous byte run.
func (r *pageRing) image(n int) []byte {
	return r.arena[:n*pages.PageSize]
}

// free returns the arena to the pool. The ring is unusable afterwards.
func (r *pageRing) free() {
	if r.bufp != nil {
		gxbytes.PutBytes(r.bufp)
		r.bufp, r.arena = nil, nil
	}
}
