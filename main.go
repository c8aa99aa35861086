package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gxtime "github.com/dubbogo/gost/time"
	"github.com/juju/errors"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/loader/catalog"
	"github.com/ossc-db/pg-bulkload-sub000/loader/cluster"
	"github.com/ossc-db/pg-bulkload-sub000/loader/conf"
	"github.com/ossc-db/pg-bulkload-sub000/loader/recovery"
	"github.com/ossc-db/pg-bulkload-sub000/loader/source"
	"github.com/ossc-db/pg-bulkload-sub000/loader/writer"
	"github.com/ossc-db/pg-bulkload-sub000/logger"
)

const banner = `
******************************************************************************************

  _____   _____       ____  _    _ _      _  __ _      ____          _____
 |  __ \ / ____|     |  _ \| |  | | |    | |/ /| |    / __ \   /\   |  __ \
 | |__) | |  __ _____| |_) | |  | | |    | ' / | |   | |  | | /  \  | |  | |
 |  ___/| | |_ |_____|  _ <| |  | | |    |  <  | |   | |  | |/ /\ \ | |  | |
 | |    | |__| |     | |_) | |__| | |____| . \ | |___| |__| / ____ \| |__| |
 |_|     \_____|     |____/ \____/|______|_|\_\|______\____/_/    \_\_____/

******************************************************************************************
`

const usage = `用法:
  bulkload [options] <control-file>      装载模式
    -i, --infile PATH      输入文件, 覆盖控制文件里的 INFILE
    -o, --option KEY=VALUE 控制文件参数覆盖, 可以重复
    -D, --datadir PATH     数据目录 (缺省取 $BULKLOAD_DATADIR)
    -l, --logfile PATH     通知日志写入的文件
        --silent           关闭进度通知
  bulkload -r [-D PATH] [--silent]       恢复模式, 与装载选项互斥
`

// optionList 收集可重复的 -o KEY=VALUE
type optionList []string

func (o *optionList) String() string     { return strings.Join(*o, ",") }
func (o *optionList) Set(v string) error { *o = append(*o, v); return nil }

func parseArgs(argv []string) (*conf.CommandLineArgs, error) {
	args := &conf.CommandLineArgs{}
	var opts optionList

	fs := flag.NewFlagSet("bulkload", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&args.InFile, "i", "", "input file")
	fs.StringVar(&args.InFile, "infile", "", "input file")
	fs.Var(&opts, "o", "control file override KEY=VALUE")
	fs.Var(&opts, "option", "control file override KEY=VALUE")
	fs.StringVar(&args.DataDir, "D", "", "data directory")
	fs.StringVar(&args.DataDir, "datadir", "", "data directory")
	fs.StringVar(&args.LogFile, "l", "", "log file")
	fs.StringVar(&args.LogFile, "logfile", "", "log file")
	fs.BoolVar(&args.Silent, "silent", false, "suppress progress notices")
	fs.BoolVar(&args.Recovery, "r", false, "recovery mode")

	if err := fs.Parse(argv); err != nil {
		return nil, err
	}
	args.Overrides = opts

	switch fs.NArg() {
	case 0:
	case 1:
		args.ControlFile = fs.Arg(0)
	default:
		return nil, fmt.Errorf("too many arguments: %v", fs.Args()[1:])
	}

	if args.DataDir == "" {
		args.DataDir = os.Getenv("BULKLOAD_DATADIR")
	}

	if args.Recovery {
		if args.ControlFile != "" || args.InFile != "" || len(args.Overrides) > 0 {
			return nil, fmt.Errorf("-r takes no load options")
		}
		if args.DataDir == "" {
			return nil, fmt.Errorf("recovery needs a data directory (-D or $BULKLOAD_DATADIR)")
		}
	} else if args.ControlFile == "" && args.InFile == "" && len(args.Overrides) == 0 {
		return nil, fmt.Errorf("no control file given")
	}
	return args, nil
}

func initLogging(logfile string, verbose, silent bool) {
	level := "info"
	if verbose {
		level = "debug"
	}
	cfg := logger.LogConfig{
		InfoLogPath: logfile,
		LogLevel:    level,
		Silent:      silent,
	}
	if err := logger.InitLogger(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "cannot initialize logging: %v\n", err)
		os.Exit(1)
	}
	// 过了这一行, 内部致命错误一律记日志后以退出码 2 终止
	logger.SetExitFunc(func(int) { os.Exit(2) })
}

func main() {
	fmt.Println(banner)

	args, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	if args.Recovery {
		initLogging(args.LogFile, false, args.Silent)
		runRecovery(args)
		return
	}

	cfg, err := conf.NewCfg().Load(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	initLogging(cfg.Logfile, cfg.Verbose, cfg.Silent)
	runLoad(cfg)
}

func runRecovery(args *conf.CommandLineArgs) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := cluster.New(args.DataDir)
	rep, err := recovery.NewScanner(c, recovery.Options{Silent: args.Silent}).Run(ctx)
	if err != nil {
		logger.Fatalf("恢复失败: %v", err)
	}
	if rep.Skipped > 0 {
		logger.Warnf("有 %d 个装载状态文件没有处理, 集群仍然需要恢复", rep.Skipped)
	}
}

// badfile 懒打开的坏记录文件; 打不开就降级成只记日志
type badfile struct {
	path string
	f    *os.File
}

func (b *badfile) note(line string) {
	if b.path == "" {
		return
	}
	if b.f == nil {
		f, err := os.OpenFile(b.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			logger.Warnf("坏记录文件 %s 打不开: %v", b.path, err)
			b.path = ""
			return
		}
		b.f = f
	}
	fmt.Fprintln(b.f, line)
}

func (b *badfile) close() {
	if b.f != nil {
		b.f.Close()
	}
}

func runLoad(cfg *conf.Cfg) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := cluster.New(cfg.DataDir)
	cat, err := catalog.Open(cfg.DataDir)
	if err != nil {
		logger.Fatalf("打开系统目录失败: %v", err)
	}
	rel, err := cat.LookupTable(cfg.Table)
	if err != nil {
		logger.Fatalf("目标表不可用: %v", err)
	}

	src, err := source.Open(cfg, rel)
	if err != nil {
		logger.Fatalf("打开输入失败: %v", err)
	}
	defer src.Close()

	parseBad := &badfile{path: cfg.ParseBadfile}
	defer parseBad.close()
	dupBad := &badfile{path: cfg.DuplicateBadfile}
	defer dupBad.close()

	opts := writer.Options{
		OnDuplicate: func(vals []basic.Value, kept, gone basic.ItemPointer) {
			dupBad.note(fmt.Sprintf("%s: removed (%d,%d), kept (%d,%d)",
				basic.NewRow(vals...).String(), gone.Block, gone.Offset, kept.Block, kept.Offset))
		},
	}
	w, err := writer.New(c, cat, cfg, opts)
	if err != nil {
		logger.Fatalf("打开写入器失败: %v", err)
	}

	logger.Noticef("装载开始: 表 %s, 输入 %s (%s), 写入器 %s, 重复键策略 %s",
		cfg.Table, cfg.Infile, cfg.Input, cfg.Writer, cfg.OnDuplicate)

	var counter gxtime.CountWatch
	counter.Start()

	var read, rejected int64
	var loaded int64
	for {
		// LIMIT 数的是装入的行
		if cfg.LimitRows >= 0 && loaded >= cfg.LimitRows {
			logger.Noticef("到达 LIMIT=%d, 不再读取", cfg.LimitRows)
			break
		}
		row, err := src.Next(ctx)
		if err == io.EOF {
			break
		}
		if re, ok := source.AsRowError(err); ok {
			read++
			rejected++
			parseBad.note(re.Error())
			logger.Warnf("记录被拒绝: %v", re)
			if cfg.ParseErrors >= 0 && rejected > cfg.ParseErrors {
				w.Close(ctx, true)
				logger.Fatalf("解析错误超过 PARSE_ERRORS=%d, 装载中止, 已写页面留给恢复", cfg.ParseErrors)
			}
			continue
		}
		if err != nil {
			w.Close(ctx, true)
			logger.Fatalf("读取输入失败: %v", err)
		}
		read++
		if err := w.Insert(ctx, row); err != nil {
			// 并行路径没有行级容错, 泵上来的错误一律致命
			if errors.Cause(err) == basic.ErrRowTooLarge && cfg.Writer != conf.WriterParallel {
				rejected++
				parseBad.note(fmt.Sprintf("%s: %v", row.String(), err))
				logger.Warnf("行被拒绝: %v", err)
				if cfg.ParseErrors >= 0 && rejected > cfg.ParseErrors {
					w.Close(ctx, true)
					logger.Fatalf("解析错误超过 PARSE_ERRORS=%d, 装载中止, 已写页面留给恢复", cfg.ParseErrors)
				}
				continue
			}
			w.Close(ctx, true)
			logger.Fatalf("写入失败: %v", err)
		}
		loaded++
	}

	rep, err := w.Close(ctx, false)
	if err != nil {
		logger.Fatalf("装载收尾失败: %v", err)
	}

	logger.Noticef("装载完成: 读取 %d 行, 装入 %d 行, 拒绝 %d 行, 跳过 %d 行, 新建 %d 页, 用时 %v",
		read, rep.Rows, rejected, cfg.SkipRows, rep.Pages, time.Duration(counter.Count()))
	for name, st := range rep.Indexes {
		logger.Noticef("索引 %s: 保留 %d, 新增 %d, 按策略删除 %d",
			name, st.ExistingKept, st.NewInserted, st.Removed)
	}
}
