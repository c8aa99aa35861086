package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/loader/catalog"
	"github.com/ossc-db/pg-bulkload-sub000/loader/cluster"
	"github.com/ossc-db/pg-bulkload-sub000/loader/conf"
	"github.com/ossc-db/pg-bulkload-sub000/loader/source"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/btree"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/heap"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/pages"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/relfile"
	"github.com/ossc-db/pg-bulkload-sub000/loader/writer"
	"github.com/ossc-db/pg-bulkload-sub000/logger"
)

func main() {
	fmt.Println("=== pg-bulkload 直接装载演示 ===")
	fmt.Println()

	logger.InitLogger(logger.LogConfig{LogLevel: "warn"})

	// 创建临时演示目录
	demoDir := filepath.Join(os.TempDir(), "bulkload_demo_direct")
	os.RemoveAll(demoDir) // 清理之前的演示数据
	defer func() {
		fmt.Println("清理演示数据...")
		os.RemoveAll(demoDir)
	}()

	// 1. 初始化数据目录
	fmt.Println("1. 初始化数据目录:")
	dataDir := filepath.Join(demoDir, "data")
	c, err := cluster.InitDataDir(dataDir, cluster.InitOptions{DataChecksums: true})
	if err != nil {
		fmt.Printf("   ❌ 初始化失败: %v\n", err)
		return
	}
	fmt.Printf("   ✅ 数据目录: %s (页校验和开启)\n", dataDir)
	fmt.Println()

	// 2. 定义目标表和唯一索引
	fmt.Println("2. 定义目标表 public.customer 和主键索引:")
	cat := catalog.NewCatalog(dataDir)
	err = cat.DefineTable(&catalog.Relation{
		Name: "public.customer",
		Node: basic.RelFileNode{RelNode: 24580},
		Columns: []catalog.Column{
			{Name: "id", Type: basic.Int4Val, NotNull: true},
			{Name: "name", Type: basic.TextVal},
			{Name: "balance", Type: basic.NumericVal},
		},
	})
	if err != nil {
		fmt.Printf("   ❌ 定义表失败: %v\n", err)
		return
	}
	err = cat.DefineIndex(&catalog.Index{
		Name:    "public.customer_pkey",
		Node:    basic.RelFileNode{RelNode: 24581},
		Table:   "public.customer",
		Columns: []catalog.IndexColumn{{Name: "id"}},
		Unique:  true,
	})
	if err != nil {
		fmt.Printf("   ❌ 定义索引失败: %v\n", err)
		return
	}
	if err := cat.Save(); err != nil {
		fmt.Printf("   ❌ 保存目录失败: %v\n", err)
		return
	}
	rel, _ := cat.LookupTable("public.customer")
	fmt.Printf("   ✅ 表 %s, 文件结点 %s\n", rel.Name, rel.Node.String())
	fmt.Printf("   ✅ 索引 %s (唯一)\n", rel.Indexes[0].Name)
	fmt.Println()

	// 3. 准备 CSV 输入, 混入引号字段/NULL/一条坏记录
	fmt.Println("3. 准备 CSV 输入:")
	infile := filepath.Join(demoDir, "customer.csv")
	csv := "id,name,balance\n" + // 表头, 用 SKIP=1 跳过
		"3,\"Wang, Li\",120.50\n" +
		"1,Alice,0\n" +
		"2,Bob,\n" + // balance 为 NULL
		"oops,Broken,1\n" + // id 不是整数, 会被拒绝
		"4,\"say \"\"hi\"\"\",7.25\n"
	if err := os.WriteFile(infile, []byte(csv), 0644); err != nil {
		fmt.Printf("   ❌ 写输入文件失败: %v\n", err)
		return
	}
	fmt.Printf("   ✅ %s (5 条记录, 其中 1 条是坏的)\n", infile)
	fmt.Println()

	// 4. 配置并执行直接装载
	fmt.Println("4. 直接装载 (绕过缓冲区, 页面直写段文件):")
	cfg := conf.NewCfg()
	cfg.Table = "public.customer"
	cfg.DataDir = dataDir
	cfg.Infile = infile
	cfg.SkipRows = 1
	cfg.ParseErrors = 10

	src, err := source.Open(cfg, rel)
	if err != nil {
		fmt.Printf("   ❌ 打开输入失败: %v\n", err)
		return
	}
	defer src.Close()

	w, err := writer.New(c, cat, cfg, writer.Options{})
	if err != nil {
		fmt.Printf("   ❌ 打开写入器失败: %v\n", err)
		return
	}

	// 装载进行中, 崩溃防护的状态文件已经就位
	if _, err := os.Stat(c.JournalPath(rel.Node)); err == nil {
		fmt.Printf("   ✅ 装载状态文件已创建: %s\n", c.JournalPath(rel.Node))
	}

	ctx := context.Background()
	var loaded, rejected int
	for {
		row, err := src.Next(ctx)
		if err == io.EOF {
			break
		}
		if re, ok := source.AsRowError(err); ok {
			rejected++
			fmt.Printf("   ⚠ 记录被拒绝: %v\n", re)
			continue
		}
		if err != nil {
			fmt.Printf("   ❌ 读取失败: %v\n", err)
			w.Close(ctx, true)
			return
		}
		if err := w.Insert(ctx, row); err != nil {
			fmt.Printf("   ❌ 写入失败: %v\n", err)
			w.Close(ctx, true)
			return
		}
		loaded++
	}
	rep, err := w.Close(ctx, false)
	if err != nil {
		fmt.Printf("   ❌ 收尾失败: %v\n", err)
		return
	}
	fmt.Printf("   ✅ 读到 %d 行, 装入 %d 行, 拒绝 %d 行, 新建 %d 页\n",
		loaded+rejected, rep.Rows, rejected, rep.Pages)
	for name, st := range rep.Indexes {
		fmt.Printf("   ✅ 索引 %s: 新增 %d 项\n", name, st.NewInserted)
	}
	if _, err := os.Stat(c.JournalPath(rel.Node)); os.IsNotExist(err) {
		fmt.Println("   ✅ 装载提交, 状态文件已清除")
	}
	fmt.Println()

	// 5. 从堆文件读回数据
	fmt.Println("5. 按堆顺序读回:")
	if err := dumpHeap(c, rel); err != nil {
		fmt.Printf("   ❌ %v\n", err)
		return
	}
	fmt.Println()

	// 6. 沿主键索引叶链扫描
	fmt.Println("6. 按主键顺序扫描索引:")
	if err := dumpPkey(c, rel); err != nil {
		fmt.Printf("   ❌ %v\n", err)
		return
	}
	fmt.Println()

	// 7. 数据目录结构
	fmt.Println("=== 数据目录结构 ===")
	showDirectoryStructure(dataDir, 0, 3)
	fmt.Println()
	fmt.Println("=== 演示完成 ===")
}

// dumpHeap decodes every heap tuple in storage order.
func dumpHeap(c *cluster.Cluster, rel *catalog.Relation) error {
	rf, err := relfile.Open(c, rel.Node, true)
	if err != nil {
		return err
	}
	defer rf.Close()
	n, err := rf.PageCount()
	if err != nil {
		return err
	}
	types := rel.ColumnTypes()
	pg := pages.NewPage()
	for blk := basic.BlockNumber(0); blk < n; blk++ {
		if err := rf.ReadPage(blk, pg); err != nil {
			return err
		}
		for i := 1; i <= pg.ItemCount(); i++ {
			tup, err := heap.Decode(pg.Item(basic.OffsetNumber(i)), types)
			if err != nil {
				return err
			}
			fmt.Printf("   ✅ 页 %d 项 %d: %s\n", blk, i, basic.NewRow(tup.Values...).String())
		}
	}
	return nil
}

// dumpPkey walks the index leaves left to right.
func dumpPkey(c *cluster.Cluster, rel *catalog.Relation) error {
	idx := rel.Indexes[0]
	kc, err := btree.NewKeyCodec(idx, rel)
	if err != nil {
		return err
	}
	rf, err := relfile.Open(c, idx.Node, true)
	if err != nil {
		return err
	}
	defer rf.Close()
	cur, err := btree.OpenLeafCursor(rf, false)
	if err != nil {
		return err
	}
	for {
		key, ctid, ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		vals, err := kc.DecodeValues(key)
		if err != nil {
			return err
		}
		fmt.Printf("   ✅ 键 %s -> 堆位置 (%d,%d)\n", vals[0].ToString(), ctid.Block, ctid.Offset)
	}
}

// showDirectoryStructure 显示目录结构
func showDirectoryStructure(dir string, level int, maxLevel int) {
	if level > maxLevel {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		indent := ""
		for i := 0; i < level; i++ {
			indent += "  "
		}
		if entry.IsDir() {
			fmt.Printf("%s📁 %s/\n", indent, entry.Name())
			if level < maxLevel {
				showDirectoryStructure(filepath.Join(dir, entry.Name()), level+1, maxLevel)
			}
		} else {
			fmt.Printf("%s📄 %s\n", indent, entry.Name())
		}
	}
}
