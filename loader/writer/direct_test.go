package writer

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/juju/errors"
	"github.com/smartystreets/assertions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/loader/catalog"
	"github.com/ossc-db/pg-bulkload-sub000/loader/cluster"
	"github.com/ossc-db/pg-bulkload-sub000/loader/conf"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/btree"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/heap"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/pages"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/relfile"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/wal"
)

var loadTypes = []basic.ValType{basic.Int4Val, basic.TextVal}

func initLoadCluster(t *testing.T) *cluster.Cluster {
	t.Helper()
	c, err := cluster.InitDataDir(filepath.Join(t.TempDir(), "data"), cluster.InitOptions{})
	require.NoError(t, err)
	return c
}

// loadCatalog registers the canonical test table with its unique pkey.
func loadCatalog(t *testing.T, c *cluster.Cluster) (*catalog.Catalog, *catalog.Relation) {
	t.Helper()
	cat := catalog.NewCatalog(c.DataDir)
	require.NoError(t, cat.DefineTable(&catalog.Relation{
		Name: "public.customer",
		Node: basic.RelFileNode{RelNode: 24580},
		Columns: []catalog.Column{
			{Name: "id", Type: basic.Int4Val, NotNull: true},
			{Name: "name", Type: basic.TextVal},
		},
	}))
	require.NoError(t, cat.DefineIndex(&catalog.Index{
		Name:    "public.customer_pkey",
		Node:    basic.RelFileNode{RelNode: 24581},
		Table:   "public.customer",
		Columns: []catalog.IndexColumn{{Name: "id"}},
		Unique:  true,
	}))
	rel, err := cat.LookupTable("public.customer")
	require.NoError(t, err)
	return cat, rel
}

func loadCfg() *conf.Cfg {
	cfg := conf.NewCfg()
	cfg.Table = "public.customer"
	return cfg
}

func custRow(id int32) *basic.Row {
	return basic.NewRow(basic.NewInt4Value(id), basic.NewTextValue(fmt.Sprintf("customer-%d", id)))
}

// wideRow carries n random bytes so compression cannot shrink it and page
// geometry stays predictable.
func wideRow(t *testing.T, rnd *rand.Rand, id int32, n int) *basic.Row {
	t.Helper()
	raw := make([]byte, n)
	_, err := rnd.Read(raw)
	require.NoError(t, err)
	return basic.NewRow(basic.NewInt4Value(id), basic.NewTextValueFromBytes(raw))
}

// heapIDs decodes every stored row in heap order.
func heapIDs(t *testing.T, c *cluster.Cluster, node basic.RelFileNode) []int32 {
	t.Helper()
	rf, err := relfile.Open(c, node, true)
	require.NoError(t, err)
	defer rf.Close()
	n, err := rf.PageCount()
	require.NoError(t, err)

	var ids []int32
	pg := pages.NewPage()
	for blk := basic.BlockNumber(0); blk < n; blk++ {
		require.NoError(t, rf.ReadPage(blk, pg))
		for i := 1; i <= pg.ItemCount(); i++ {
			tup, err := heap.Decode(pg.Item(basic.OffsetNumber(i)), loadTypes)
			require.NoError(t, err)
			ids = append(ids, tup.Values[0].Raw().(int32))
		}
	}
	return ids
}

// scanPkey walks the pkey leaves left to right and decodes the id column.
func scanPkey(t *testing.T, c *cluster.Cluster, rel *catalog.Relation) []int32 {
	t.Helper()
	idx := rel.Indexes[0]
	kc, err := btree.NewKeyCodec(idx, rel)
	require.NoError(t, err)
	rf, err := relfile.Open(c, idx.Node, true)
	require.NoError(t, err)
	defer rf.Close()
	cur, err := btree.OpenLeafCursor(rf, false)
	require.NoError(t, err)

	var ids []int32
	for {
		key, _, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			return ids
		}
		vals, err := kc.DecodeValues(key)
		require.NoError(t, err)
		ids = append(ids, vals[0].Raw().(int32))
	}
}

func TestDirectLoadRoundTrip(t *testing.T) {
	c := initLoadCluster(t)
	cat, rel := loadCatalog(t, c)
	ctx := context.Background()

	w, err := New(c, cat, loadCfg(), Options{})
	require.NoError(t, err)
	for _, id := range []int32{30, 10, 20} {
		require.NoError(t, w.Insert(ctx, custRow(id)))
	}
	rep, err := w.Close(ctx, false)
	require.NoError(t, err)
	assertions.ShouldEqual(rep.Rows, int64(3))
	assert.Equal(t, int64(3), rep.Rows)
	assert.Equal(t, basic.BlockNumber(1), rep.Pages)

	// the journal is gone once the load commits
	_, err = os.Stat(c.JournalPath(rel.Node))
	assert.True(t, os.IsNotExist(err))

	assert.Equal(t, []int32{30, 10, 20}, heapIDs(t, c, rel.Node))
	assert.Equal(t, []int32{10, 20, 30}, scanPkey(t, c, rel))

	stats := rep.Indexes["public.customer_pkey"]
	require.NotNil(t, stats)
	assert.Equal(t, int64(3), stats.NewInserted)
	assert.Equal(t, int64(0), stats.ExistingKept)

	// 直接路径写出的页LSN恒为零
	rf, err := relfile.Open(c, rel.Node, true)
	require.NoError(t, err)
	defer rf.Close()
	pg := pages.NewPage()
	require.NoError(t, rf.ReadPage(0, pg))
	assert.Equal(t, basic.InvalidLSN, pg.LSN())
	assert.True(t, pages.LoaderCreated(pg))

	tup, err := heap.Decode(pg.Item(1), loadTypes)
	require.NoError(t, err)
	assert.Equal(t, basic.FirstNormalXID, tup.Xmin)
	assert.False(t, heap.Dead(pg.Item(1)))

	cr, err := c.ReadControl()
	require.NoError(t, err)
	assert.True(t, cr.State.CleanlyShutDown())
}

// The journal's claim must reach the disk before the pages it covers, so in
// the window between flushes it equals the durable page count exactly.
func TestDirectFlushClaimsBeforeData(t *testing.T) {
	c := initLoadCluster(t)
	_, rel := loadCatalog(t, c)
	ctx := context.Background()

	d, err := NewDirect(c, rel, loadCfg(), Options{RingPages: 2})
	require.NoError(t, err)
	rnd := rand.New(rand.NewSource(1))
	var id int32
	for d.flushed < 2 && id < 200 {
		id++
		require.NoError(t, d.Insert(ctx, wideRow(t, rnd, id, 2000)))
	}
	require.GreaterOrEqual(t, int64(d.flushed), int64(2))

	rec, err := ReadJournal(c.JournalPath(rel.Node))
	require.NoError(t, err)
	assert.Equal(t, d.flushed, rec.CreateCnt)
	assert.Equal(t, basic.BlockNumber(0), rec.ExistCnt)

	rf, err := relfile.Open(c, rel.Node, true)
	require.NoError(t, err)
	n, err := rf.PageCount()
	require.NoError(t, err)
	require.NoError(t, rf.Close())
	assert.Equal(t, rec.CreateCnt, n)

	rep, err := d.Close(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(id), rep.Rows)
	assert.Len(t, scanPkey(t, c, rel), int(id))
	_, err = os.Stat(c.JournalPath(rel.Node))
	assert.True(t, os.IsNotExist(err))

	// one first-page image pins the load in the xlog
	recs, err := wal.ReadAll(c.WalPath(rel.Node))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, wal.RecordFirstPage, recs[0].Type)
	assert.Equal(t, basic.BlockNumber(0), recs[0].BlockNo)
	assert.Equal(t, rel.Node, recs[0].Node)
}

// Closing on error must leave the on-disk state exactly as a crash would:
// journal in place, cluster not cleanly shut down, relation still claimed.
func TestDirectAbandonLeavesCrashImage(t *testing.T) {
	c := initLoadCluster(t)
	_, rel := loadCatalog(t, c)
	ctx := context.Background()

	d, err := NewDirect(c, rel, loadCfg(), Options{RingPages: 2})
	require.NoError(t, err)
	rnd := rand.New(rand.NewSource(2))
	var id int32
	for d.flushed < 2 && id < 200 {
		id++
		require.NoError(t, d.Insert(ctx, wideRow(t, rnd, id, 2000)))
	}
	claimed := d.flushed

	rep, err := d.Close(ctx, true)
	require.NoError(t, err)
	assert.Nil(t, rep)

	rec, err := ReadJournal(c.JournalPath(rel.Node))
	require.NoError(t, err)
	assert.Equal(t, claimed, rec.CreateCnt)

	cr, err := c.ReadControl()
	require.NoError(t, err)
	assert.False(t, cr.State.CleanlyShutDown())

	// 未恢复之前同一张表拒绝再次装载
	_, err = NewDirect(c, rel, loadCfg(), Options{})
	require.Error(t, err)
	assert.Equal(t, basic.ErrAlreadyInProgress, errors.Cause(err))
}

func TestDirectRowTooLargeIsRowLevel(t *testing.T) {
	c := initLoadCluster(t)
	_, rel := loadCatalog(t, c)
	ctx := context.Background()

	w, err := NewDirect(c, rel, loadCfg(), Options{})
	require.NoError(t, err)
	require.NoError(t, w.Insert(ctx, custRow(1)))

	raw := make([]byte, heap.MaxTupleSize+100)
	_, err = rand.New(rand.NewSource(7)).Read(raw)
	require.NoError(t, err)
	err = w.Insert(ctx, basic.NewRow(basic.NewInt4Value(2), basic.NewTextValueFromBytes(raw)))
	require.Error(t, err)
	assert.Equal(t, basic.ErrRowTooLarge, errors.Cause(err))

	// 行级失败之后装载照常继续
	require.NoError(t, w.Insert(ctx, custRow(3)))
	rep, err := w.Close(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rep.Rows)
	assert.Equal(t, []int32{1, 3}, scanPkey(t, c, rel))
}

func TestDirectSecondLoadAppends(t *testing.T) {
	c := initLoadCluster(t)
	cat, rel := loadCatalog(t, c)
	ctx := context.Background()

	w1, err := New(c, cat, loadCfg(), Options{})
	require.NoError(t, err)
	require.NoError(t, w1.Insert(ctx, custRow(10)))
	require.NoError(t, w1.Insert(ctx, custRow(30)))
	_, err = w1.Close(ctx, false)
	require.NoError(t, err)

	w2, err := New(c, cat, loadCfg(), Options{})
	require.NoError(t, err)
	require.NoError(t, w2.Insert(ctx, custRow(20)))
	require.NoError(t, w2.Insert(ctx, custRow(40)))
	rep, err := w2.Close(ctx, false)
	require.NoError(t, err)

	// the second load starts on its own fresh page after the existing one
	assert.Equal(t, basic.BlockNumber(1), rep.Pages)
	stats := rep.Indexes["public.customer_pkey"]
	require.NotNil(t, stats)
	assert.Equal(t, int64(2), stats.ExistingKept)
	assert.Equal(t, int64(2), stats.NewInserted)

	assert.Equal(t, []int32{10, 30, 20, 40}, heapIDs(t, c, rel.Node))
	assert.Equal(t, []int32{10, 20, 30, 40}, scanPkey(t, c, rel))

	rf, err := relfile.Open(c, rel.Node, true)
	require.NoError(t, err)
	defer rf.Close()
	n, err := rf.PageCount()
	require.NoError(t, err)
	assert.Equal(t, basic.BlockNumber(2), n)
}

func TestDirectTruncateDiscardsExisting(t *testing.T) {
	c := initLoadCluster(t)
	cat, rel := loadCatalog(t, c)
	ctx := context.Background()

	w1, err := New(c, cat, loadCfg(), Options{})
	require.NoError(t, err)
	require.NoError(t, w1.Insert(ctx, custRow(1)))
	require.NoError(t, w1.Insert(ctx, custRow(2)))
	_, err = w1.Close(ctx, false)
	require.NoError(t, err)

	cfg := loadCfg()
	cfg.Truncate = true
	w2, err := New(c, cat, cfg, Options{})
	require.NoError(t, err)
	require.NoError(t, w2.Insert(ctx, custRow(7)))
	rep, err := w2.Close(ctx, false)
	require.NoError(t, err)

	stats := rep.Indexes["public.customer_pkey"]
	require.NotNil(t, stats)
	assert.Equal(t, int64(0), stats.ExistingKept)

	assert.Equal(t, []int32{7}, heapIDs(t, c, rel.Node))
	assert.Equal(t, []int32{7}, scanPkey(t, c, rel))
}

func TestDirectChecksummedPagesVerify(t *testing.T) {
	c, err := cluster.InitDataDir(filepath.Join(t.TempDir(), "data"), cluster.InitOptions{DataChecksums: true})
	require.NoError(t, err)
	cat, rel := loadCatalog(t, c)
	ctx := context.Background()

	w, err := New(c, cat, loadCfg(), Options{})
	require.NoError(t, err)
	for _, id := range []int32{1, 2, 3} {
		require.NoError(t, w.Insert(ctx, custRow(id)))
	}
	_, err = w.Close(ctx, false)
	require.NoError(t, err)

	rf, err := relfile.Open(c, rel.Node, true)
	require.NoError(t, err)
	defer rf.Close()
	pg := pages.NewPage()
	require.NoError(t, rf.ReadPage(0, pg))
	assert.NotZero(t, pg.Checksum())
	assert.True(t, pages.VerifyChecksum(pg, 0))

	// index pages come out of the merge stamped too
	irf, err := relfile.Open(c, rel.Indexes[0].Node, true)
	require.NoError(t, err)
	defer irf.Close()
	require.NoError(t, irf.ReadPage(0, pg))
	assert.True(t, pages.VerifyChecksum(pg, 0))
}

func TestDirectWriterSingleUse(t *testing.T) {
	c := initLoadCluster(t)
	_, rel := loadCatalog(t, c)
	ctx := context.Background()

	w, err := NewDirect(c, rel, loadCfg(), Options{})
	require.NoError(t, err)
	require.NoError(t, w.Insert(ctx, custRow(1)))
	_, err = w.Close(ctx, false)
	require.NoError(t, err)

	err = w.Insert(ctx, custRow(2))
	assert.Equal(t, basic.ErrWriterClosed, errors.Cause(err))
	_, err = w.Close(ctx, false)
	assert.Equal(t, basic.ErrWriterClosed, errors.Cause(err))
}
