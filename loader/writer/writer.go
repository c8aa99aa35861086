// Package writer implements the load paths that put rows into a relation.
// The direct path packs heap pages in memory and writes them straight to the
// relation's segment files under the protection of a load status journal; the
// buffered path logs every page image to the relation's xlog before the data
// write, the way an ordinary insert would; the parallel path pumps rows
// through a bounded queue into either of them. A factory picks the variant
// the resolved configuration names.
package writer

import (
	"context"

	"github.com/juju/errors"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/loader/catalog"
	"github.com/ossc-db/pg-bulkload-sub000/loader/cluster"
	"github.com/ossc-db/pg-bulkload-sub000/loader/conf"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/btree"
)

// Writer is one load into one relation. Implementations are single-use and
// not safe for concurrent calls; ParallelWriter adds that on top.
type Writer interface {
	// Insert appends one typed row. A row-level failure, such as a row too
	// large for a page, leaves the writer usable for the next row.
	Insert(ctx context.Context, row *basic.Row) error

	// Close finishes the load. With onError=false the remaining pages are
	// flushed, every index is merged and the crash protocol is retired.
	// With onError=true only descriptors are closed; the on-disk state is
	// left exactly as a crash would leave it, for recovery to clean up.
	Close(ctx context.Context, onError bool) (*Report, error)
}

// Options carries the knobs the control file does not cover.
type Options struct {
	// OnDuplicate hears about every row a duplicate policy kills, one call
	// per removed row. The driver writes its duplicate bad file from this.
	OnDuplicate btree.DuplicateHandler

	// RingPages overrides the size of the in-memory page ring. Zero means
	// the variant's default; tests shrink it to force mid-load flushes.
	RingPages int
}

// Report is the outcome of one finished load.
type Report struct {
	Rows    int64                        // rows stored into the heap
	Pages   basic.BlockNumber            // heap pages created by this load
	Indexes map[string]*btree.MergeStats // per-index merge outcome
}

// New resolves cfg's target table and opens the configured writer variant.
func New(c *cluster.Cluster, cat *catalog.Catalog, cfg *conf.Cfg, opts Options) (Writer, error) {
	rel, err := cat.LookupTable(cfg.Table)
	if err != nil {
		return nil, errors.Trace(err)
	}
	switch cfg.Writer {
	case conf.WriterDirect:
		return NewDirect(c, rel, cfg, opts)
	case conf.WriterBuffered:
		return NewBuffered(c, rel, cfg, opts)
	case conf.WriterParallel:
		inner, err := NewDirect(c, rel, cfg, opts)
		if err != nil {
			return nil, err
		}
		return NewParallel(inner), nil
	}
	return nil, errors.Errorf("unknown writer kind %d", cfg.Writer)
}
