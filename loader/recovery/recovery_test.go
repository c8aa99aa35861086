package recovery

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
	"github.com/ossc-db/pg-bulkload-sub000/loader/lockfile"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/btree"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/heap"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/pages"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/relfile"
	"github.com/ossc-db/pg-bulkload-sub000/loader/writer"
)

var rowTypes = []basic.ValType{basic.Int4Val, basic.TextVal}

func initRecoveryCluster(t *testing.T) *cluster.Cluster {
	t.Helper()
	c, err := cluster.InitDataDir(filepath.Join(t.TempDir(), "data"), cluster.InitOptions{})
	require.NoError(t, err)
	return c
}

func recoveryCatalog(t *testing.T, c *cluster.Cluster) (*catalog.Catalog, *catalog.Relation) {
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

func recoveryCfg() *conf.Cfg {
	cfg := conf.NewCfg()
	cfg.Table = "public.customer"
	return cfg
}

func idRow(id int32) *basic.Row {
	return basic.NewRow(basic.NewInt4Value(id), basic.NewTextValue(fmt.Sprintf("customer-%d", id)))
}

// crashLoad drives a direct load until its journal claims at least target
// pages, then abandons it the way a dying process would.
func crashLoad(t *testing.T, c *cluster.Cluster, rel *catalog.Relation, target basic.BlockNumber) basic.BlockNumber {
	t.Helper()
	d, err := writer.NewDirect(c, rel, recoveryCfg(), writer.Options{RingPages: 2})
	require.NoError(t, err)
	ctx := context.Background()
	rnd := rand.New(rand.NewSource(11))
	id := int32(10000)
	for i := 0; i < 400; i++ {
		rec, err := writer.ReadJournal(c.JournalPath(rel.Node))
		require.NoError(t, err)
		if rec.CreateCnt >= target {
			break
		}
		id++
		raw := make([]byte, 2000)
		_, err = rnd.Read(raw)
		require.NoError(t, err)
		require.NoError(t, d.Insert(ctx, basic.NewRow(basic.NewInt4Value(id), basic.NewTextValueFromBytes(raw))))
	}
	_, err = d.Close(ctx, true)
	require.NoError(t, err)

	rec, err := writer.ReadJournal(c.JournalPath(rel.Node))
	require.NoError(t, err)
	require.GreaterOrEqual(t, int64(rec.CreateCnt), int64(target))
	return rec.CreateCnt
}

// readHeapIDs decodes every surviving row in heap order.
func readHeapIDs(t *testing.T, c *cluster.Cluster, node basic.RelFileNode) []int32 {
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
			tup, err := heap.Decode(pg.Item(basic.OffsetNumber(i)), rowTypes)
			require.NoError(t, err)
			ids = append(ids, tup.Values[0].Raw().(int32))
		}
	}
	return ids
}

func readPkeyIDs(t *testing.T, c *cluster.Cluster, rel *catalog.Relation) []int32 {
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

func TestRecoveryClearsCrashedLoad(t *testing.T) {
	c := initRecoveryCluster(t)
	_, rel := recoveryCatalog(t, c)
	claimed := crashLoad(t, c, rel, 2)
	ctx := context.Background()

	cr, err := c.ReadControl()
	require.NoError(t, err)
	require.False(t, cr.State.CleanlyShutDown())

	rep, err := NewScanner(c, Options{}).Run(ctx)
	require.NoError(t, err)
	assertions.ShouldEqual(rep.Journals, 1)
	assert.Equal(t, 1, rep.Journals)
	assert.Equal(t, 1, rep.Repaired)
	assert.Equal(t, int64(claimed), rep.PagesZeroed)
	assert.Equal(t, 0, rep.Skipped)

	_, err = os.Stat(c.JournalPath(rel.Node))
	assert.True(t, os.IsNotExist(err))

	// 声明范围内的页全部还原成空页, 文件长度不动
	rf, err := relfile.Open(c, rel.Node, true)
	require.NoError(t, err)
	defer rf.Close()
	n, err := rf.PageCount()
	require.NoError(t, err)
	assert.Equal(t, claimed, n)
	pg := pages.NewPage()
	for blk := basic.BlockNumber(0); blk < n; blk++ {
		require.NoError(t, rf.ReadPage(blk, pg))
		assert.True(t, pg.IsValid())
		assert.Equal(t, 0, pg.ItemCount())
		assert.True(t, pages.LoaderCreated(pg))
	}

	cr, err = c.ReadControl()
	require.NoError(t, err)
	assert.Equal(t, cluster.StateShutDownedInRecovery, cr.State)
	assert.True(t, cr.State.CleanlyShutDown())

	// 再跑一遍没有东西可做
	rep, err = NewScanner(c, Options{}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Journals)
	assert.Equal(t, int64(0), rep.PagesZeroed)
}

// Committed rows below the claim, and the index that points at them, must
// come through recovery untouched, and the relation must accept a fresh load
// immediately afterwards.
func TestRecoveryPreservesCommittedData(t *testing.T) {
	c := initRecoveryCluster(t)
	cat, rel := recoveryCatalog(t, c)
	ctx := context.Background()

	w, err := writer.New(c, cat, recoveryCfg(), writer.Options{})
	require.NoError(t, err)
	require.NoError(t, w.Insert(ctx, idRow(1)))
	require.NoError(t, w.Insert(ctx, idRow(2)))
	_, err = w.Close(ctx, false)
	require.NoError(t, err)

	crashLoad(t, c, rel, 2)
	rec, err := writer.ReadJournal(c.JournalPath(rel.Node))
	require.NoError(t, err)
	assert.Equal(t, basic.BlockNumber(1), rec.ExistCnt)

	_, err = NewScanner(c, Options{}).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int32{1, 2}, readHeapIDs(t, c, rel.Node))
	assert.Equal(t, []int32{1, 2}, readPkeyIDs(t, c, rel))

	// 恢复之后同一张表立即可以重新装载
	w2, err := writer.New(c, cat, recoveryCfg(), writer.Options{})
	require.NoError(t, err)
	require.NoError(t, w2.Insert(ctx, idRow(9)))
	rep, err := w2.Close(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.Rows)

	assert.Equal(t, []int32{1, 2, 9}, readHeapIDs(t, c, rel.Node))
	assert.Equal(t, []int32{1, 2, 9}, readPkeyIDs(t, c, rel))
}

// Pages that went through the logged path carry an LSN and are not the dead
// loader's work, so a claim over them must leave them alone.
func TestRecoverySparesLoggedPages(t *testing.T) {
	c := initRecoveryCluster(t)
	cat, rel := recoveryCatalog(t, c)
	ctx := context.Background()

	cfg := recoveryCfg()
	cfg.Writer = conf.WriterBuffered
	w, err := writer.New(c, cat, cfg, writer.Options{})
	require.NoError(t, err)
	for _, id := range []int32{1, 2, 3} {
		require.NoError(t, w.Insert(ctx, idRow(id)))
	}
	_, err = w.Close(ctx, false)
	require.NoError(t, err)

	// 手工伪造一份声明了第0页的状态文件, 再把集群标成崩溃
	j, err := writer.CreateJournal(c, rel.Node, 0)
	require.NoError(t, err)
	require.NoError(t, j.Advance(1))
	require.NoError(t, j.CloseKeep())
	require.NoError(t, c.MarkState(cluster.StateInProduction))

	rep, err := NewScanner(c, Options{}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Journals)
	assert.Equal(t, 0, rep.Repaired)
	assert.Equal(t, int64(0), rep.PagesZeroed)

	assert.Equal(t, []int32{1, 2, 3}, readHeapIDs(t, c, rel.Node))
	assert.Equal(t, []int32{1, 2, 3}, readPkeyIDs(t, c, rel))

	cr, err := c.ReadControl()
	require.NoError(t, err)
	assert.True(t, cr.State.CleanlyShutDown())
}

func TestRecoveryCleanShutdownDropsJournals(t *testing.T) {
	c := initRecoveryCluster(t)
	_, rel := recoveryCatalog(t, c)
	ctx := context.Background()

	j, err := writer.CreateJournal(c, rel.Node, 0)
	require.NoError(t, err)
	require.NoError(t, j.Advance(2))
	require.NoError(t, j.CloseKeep())

	rep, err := NewScanner(c, Options{}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Journals)
	assert.Equal(t, int64(0), rep.PagesZeroed)

	_, err = os.Stat(c.JournalPath(rel.Node))
	assert.True(t, os.IsNotExist(err))

	// 干净关闭的集群状态原样保留
	cr, err := c.ReadControl()
	require.NoError(t, err)
	assert.Equal(t, cluster.StateShutDowned, cr.State)
}

// A crash can leave the claim ahead of the data, the file shorter than the
// claimed range. Recovery clears what exists and stops at the end of the
// file.
func TestRecoveryClaimBeyondFileEnd(t *testing.T) {
	c := initRecoveryCluster(t)
	_, rel := recoveryCatalog(t, c)
	ctx := context.Background()

	rf, err := relfile.Open(c, rel.Node, false)
	require.NoError(t, err)
	pg := pages.NewPage()
	pages.Init(pg, 0)
	_, err = pages.AddItem(pg, []byte("stub item"), 0)
	require.NoError(t, err)
	require.NoError(t, rf.WritePage(0, pg))
	pages.Init(pg, 0)
	require.NoError(t, rf.WritePage(1, pg))
	require.NoError(t, rf.Sync())
	require.NoError(t, rf.Close())

	j, err := writer.CreateJournal(c, rel.Node, 0)
	require.NoError(t, err)
	require.NoError(t, j.Advance(5))
	require.NoError(t, j.CloseKeep())
	require.NoError(t, c.MarkState(cluster.StateInProduction))

	rep, err := NewScanner(c, Options{}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rep.PagesZeroed)

	rf, err = relfile.Open(c, rel.Node, true)
	require.NoError(t, err)
	defer rf.Close()
	n, err := rf.PageCount()
	require.NoError(t, err)
	assert.Equal(t, basic.BlockNumber(2), n)
	require.NoError(t, rf.ReadPage(0, pg))
	assert.Equal(t, 0, pg.ItemCount())
}

func TestRecoveryBadJournalIsFatal(t *testing.T) {
	c := initRecoveryCluster(t)
	_, rel := recoveryCatalog(t, c)
	ctx := context.Background()

	require.NoError(t, c.EnsureStatusDir())
	path := c.JournalPath(rel.Node)
	require.NoError(t, os.WriteFile(path, []byte("not a journal"), 0600))
	require.NoError(t, c.MarkState(cluster.StateInProduction))

	_, err := NewScanner(c, Options{}).Run(ctx)
	require.Error(t, err)
	assert.Equal(t, basic.ErrBadJournal, errors.Cause(err))

	// 处置不了的文件留在原地等人工介入
	_, err = os.Stat(path)
	assert.NoError(t, err)
	cr, err := c.ReadControl()
	require.NoError(t, err)
	assert.False(t, cr.State.CleanlyShutDown())
}

// Silent mode repairs what it can and leaves the rest for manual work.
func TestRecoverySilentSkipsBadJournal(t *testing.T) {
	c := initRecoveryCluster(t)
	_, rel := recoveryCatalog(t, c)
	ctx := context.Background()

	crashLoad(t, c, rel, 2)
	badNode := basic.RelFileNode{SpcNode: 1663, DbNode: 13000, RelNode: 24590}
	badPath := c.JournalPath(badNode)
	require.NoError(t, os.WriteFile(badPath, []byte("garbage"), 0600))

	rep, err := NewScanner(c, Options{Silent: true}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Journals)
	assert.Equal(t, 1, rep.Repaired)
	assert.Equal(t, 1, rep.Skipped)

	_, err = os.Stat(c.JournalPath(rel.Node))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(badPath)
	assert.NoError(t, err)

	// 还剩处理不了的文件, 集群不能标成恢复完成
	cr, err := c.ReadControl()
	require.NoError(t, err)
	assert.False(t, cr.State.CleanlyShutDown())
}

func TestRecoveryLockedOut(t *testing.T) {
	c := initRecoveryCluster(t)
	ctx := context.Background()

	held, err := lockfile.Acquire(c.LockPath(), lockfile.Options{DataDir: c.DataDir})
	require.NoError(t, err)
	defer held.Release()

	_, err = NewScanner(c, Options{}).Run(ctx)
	require.Error(t, err)
	assert.Equal(t, basic.ErrClusterRunning, errors.Cause(err))
}

func TestRecoveryChecksummedBlanks(t *testing.T) {
	c, err := cluster.InitDataDir(filepath.Join(t.TempDir(), "data"), cluster.InitOptions{DataChecksums: true})
	require.NoError(t, err)
	_, rel := recoveryCatalog(t, c)
	claimed := crashLoad(t, c, rel, 2)

	rep, err := NewScanner(c, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(claimed), rep.PagesZeroed)

	rf, err := relfile.Open(c, rel.Node, true)
	require.NoError(t, err)
	defer rf.Close()
	pg := pages.NewPage()
	for blk := basic.BlockNumber(0); blk < claimed; blk++ {
		require.NoError(t, rf.ReadPage(blk, pg))
		assert.True(t, pages.VerifyChecksum(pg, blk))
		assert.True(t, pages.LoaderCreated(pg))
	}
}

func TestRecoveryInterrupted(t *testing.T) {
	c := initRecoveryCluster(t)
	_, rel := recoveryCatalog(t, c)
	crashLoad(t, c, rel, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewScanner(c, Options{}).Run(ctx)
	require.Error(t, err)
	assert.Equal(t, basic.ErrInterrupted, errors.Cause(err))

	// 中断不弄丢状态文件
	_, err = os.Stat(c.JournalPath(rel.Node))
	assert.NoError(t, err)
}
