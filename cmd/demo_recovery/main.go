package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/juju/errors"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/loader/catalog"
	"github.com/ossc-db/pg-bulkload-sub000/loader/cluster"
	"github.com/ossc-db/pg-bulkload-sub000/loader/conf"
	"github.com/ossc-db/pg-bulkload-sub000/loader/recovery"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/btree"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/heap"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/pages"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/relfile"
	"github.com/ossc-db/pg-bulkload-sub000/loader/writer"
	"github.com/ossc-db/pg-bulkload-sub000/logger"
)

func main() {
	fmt.Println("=== pg-bulkload 崩溃恢复演示 ===")
	fmt.Println()

	logger.InitLogger(logger.LogConfig{LogLevel: "warn"})

	demoDir := filepath.Join(os.TempDir(), "bulkload_demo_recovery")
	os.RemoveAll(demoDir)
	defer func() {
		fmt.Println("清理演示数据...")
		os.RemoveAll(demoDir)
	}()

	dataDir := filepath.Join(demoDir, "data")
	c, err := cluster.InitDataDir(dataDir, cluster.InitOptions{})
	if err != nil {
		fmt.Printf("❌ 初始化失败: %v\n", err)
		return
	}

	cat := catalog.NewCatalog(dataDir)
	cat.DefineTable(&catalog.Relation{
		Name: "public.customer",
		Node: basic.RelFileNode{RelNode: 24580},
		Columns: []catalog.Column{
			{Name: "id", Type: basic.Int4Val, NotNull: true},
			{Name: "name", Type: basic.TextVal},
		},
	})
	cat.DefineIndex(&catalog.Index{
		Name:    "public.customer_pkey",
		Node:    basic.RelFileNode{RelNode: 24581},
		Table:   "public.customer",
		Columns: []catalog.IndexColumn{{Name: "id"}},
		Unique:  true,
	})
	cat.Save()
	rel, _ := cat.LookupTable("public.customer")

	cfg := conf.NewCfg()
	cfg.Table = "public.customer"
	cfg.DataDir = dataDir
	ctx := context.Background()

	// 1. 先正常提交一批数据
	fmt.Println("1. 正常装载 3 行并提交:")
	w, err := writer.New(c, cat, cfg, writer.Options{})
	if err != nil {
		fmt.Printf("   ❌ %v\n", err)
		return
	}
	for _, id := range []int32{1, 2, 3} {
		w.Insert(ctx, basic.NewRow(basic.NewInt4Value(id),
			basic.NewTextValue(fmt.Sprintf("customer-%d", id))))
	}
	if _, err := w.Close(ctx, false); err != nil {
		fmt.Printf("   ❌ %v\n", err)
		return
	}
	fmt.Println("   ✅ 已提交, 这批数据必须在恢复后幸存")
	fmt.Println()

	// 2. 再开一次装载, 写到一半模拟崩溃
	fmt.Println("2. 第二次装载写到一半就崩溃:")
	d, err := writer.NewDirect(c, rel, cfg, writer.Options{RingPages: 2})
	if err != nil {
		fmt.Printf("   ❌ %v\n", err)
		return
	}
	rnd := rand.New(rand.NewSource(42))
	id := int32(100)
	for i := 0; i < 400; i++ {
		rec, err := writer.ReadJournal(c.JournalPath(rel.Node))
		if err == nil && rec.CreateCnt >= 2 {
			break
		}
		raw := make([]byte, 2000)
		rnd.Read(raw)
		id++
		if err := d.Insert(ctx, basic.NewRow(basic.NewInt4Value(id),
			basic.NewTextValueFromBytes(raw))); err != nil {
			fmt.Printf("   ❌ %v\n", err)
			return
		}
	}
	// onError=true: 只收文件描述符, 盘上状态和真崩溃一模一样
	if _, err := d.Close(ctx, true); err != nil {
		fmt.Printf("   ❌ %v\n", err)
		return
	}

	rec, err := writer.ReadJournal(c.JournalPath(rel.Node))
	if err != nil {
		fmt.Printf("   ❌ 读状态文件失败: %v\n", err)
		return
	}
	fmt.Printf("   ✅ 装载状态文件还在: 结点 %s, 已有 %d 页, 声明新建 %d 页\n",
		rec.Node.String(), rec.ExistCnt, rec.CreateCnt)

	cr, _ := c.ReadControl()
	fmt.Printf("   ✅ 集群状态: %s (未干净关闭)\n", cr.State)

	// 3. 恢复之前, 同一张表拒绝新装载
	fmt.Println()
	fmt.Println("3. 恢复之前再装载同一张表:")
	if _, err := writer.NewDirect(c, rel, cfg, writer.Options{}); err != nil {
		if errors.Cause(err) == basic.ErrAlreadyInProgress {
			fmt.Println("   ✅ 被拒绝: 上一次装载还没清理")
		} else {
			fmt.Printf("   ❌ 意外错误: %v\n", err)
			return
		}
	} else {
		fmt.Println("   ❌ 不该成功")
		return
	}
	fmt.Println()

	// 4. 跑恢复扫描
	fmt.Println("4. 恢复扫描:")
	rep, err := recovery.NewScanner(c, recovery.Options{}).Run(ctx)
	if err != nil {
		fmt.Printf("   ❌ 恢复失败: %v\n", err)
		return
	}
	fmt.Printf("   ✅ 状态文件 %d 个, 修复 %d 个, 清除 %d 页\n",
		rep.Journals, rep.Repaired, rep.PagesZeroed)
	fmt.Println()

	// 5. 验证恢复结果
	fmt.Println("5. 验证:")
	if _, err := os.Stat(c.JournalPath(rel.Node)); os.IsNotExist(err) {
		fmt.Println("   ✅ 状态文件已清除")
	} else {
		fmt.Println("   ❌ 状态文件竟然还在")
	}

	rf, err := relfile.Open(c, rel.Node, true)
	if err != nil {
		fmt.Printf("   ❌ %v\n", err)
		return
	}
	pg := pages.NewPage()
	if err := rf.ReadPage(rec.ExistCnt, pg); err == nil {
		if pages.LoaderCreated(pg) && pg.ItemCount() == 0 {
			fmt.Printf("   ✅ 声明范围第一页 (页 %d) 已还原为空页\n", rec.ExistCnt)
		} else {
			fmt.Printf("   ❌ 页 %d 没有清干净\n", rec.ExistCnt)
		}
	}
	if err := rf.ReadPage(0, pg); err == nil {
		ids := make([]int32, 0, pg.ItemCount())
		for i := 1; i <= pg.ItemCount(); i++ {
			tup, err := heap.Decode(pg.Item(basic.OffsetNumber(i)), rel.ColumnTypes())
			if err != nil {
				fmt.Printf("   ❌ %v\n", err)
				return
			}
			ids = append(ids, tup.Values[0].Raw().(int32))
		}
		fmt.Printf("   ✅ 提交过的数据原封不动: %v\n", ids)
	}
	rf.Close()

	cr, _ = c.ReadControl()
	if cr.State.CleanlyShutDown() {
		fmt.Printf("   ✅ 集群状态: %s\n", cr.State)
	} else {
		fmt.Printf("   ❌ 集群状态: %s\n", cr.State)
	}
	fmt.Println()

	// 6. 恢复之后可以立即重新装载
	fmt.Println("6. 恢复之后重新装载:")
	w2, err := writer.New(c, cat, cfg, writer.Options{})
	if err != nil {
		fmt.Printf("   ❌ %v\n", err)
		return
	}
	w2.Insert(ctx, basic.NewRow(basic.NewInt4Value(9), basic.NewTextValue("customer-9")))
	if _, err := w2.Close(ctx, false); err != nil {
		fmt.Printf("   ❌ %v\n", err)
		return
	}
	fmt.Printf("   ✅ 主键索引现在是: %v\n", pkeyIDs(c, rel))
	fmt.Println()
	fmt.Println("=== 演示完成 ===")
}

// pkeyIDs walks the pkey leaves and collects the id column.
func pkeyIDs(c *cluster.Cluster, rel *catalog.Relation) []int32 {
	idx := rel.Indexes[0]
	kc, err := btree.NewKeyCodec(idx, rel)
	if err != nil {
		return nil
	}
	rf, err := relfile.Open(c, idx.Node, true)
	if err != nil {
		return nil
	}
	defer rf.Close()
	cur, err := btree.OpenLeafCursor(rf, false)
	if err != nil {
		return nil
	}
	var ids []int32
	for {
		key, _, ok, err := cur.Next()
		if err != nil || !ok {
			return ids
		}
		vals, err := kc.DecodeValues(key)
		if err != nil {
			return ids
		}
		ids = append(ids, vals[0].Raw().(int32))
	}
}
