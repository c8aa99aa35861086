package conf

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/ossc-db/pg-bulkload-sub000/logger"
)

// Infinite is the resolved value of "INFINITE" row and error limits.
const Infinite int64 = -1

// SourceKind 输入数据的格式
type SourceKind int

const (
	SourceCSV SourceKind = iota
	SourceFixed
	SourceMemory
)

func (k SourceKind) String() string {
	switch k {
	case SourceCSV:
		return "CSV"
	case SourceFixed:
		return "FIXED"
	case SourceMemory:
		return "MEMORY"
	}
	return "UNKNOWN"
}

// WriterKind 装载路径的选择
type WriterKind int

const (
	WriterDirect WriterKind = iota
	WriterBuffered
	WriterParallel
)

func (k WriterKind) String() string {
	switch k {
	case WriterDirect:
		return "DIRECT"
	case WriterBuffered:
		return "BUFFERED"
	case WriterParallel:
		return "PARALLEL"
	}
	return "UNKNOWN"
}

// DuplicatePolicy says what the index merge does when a unique key collides.
type DuplicatePolicy int

const (
	// DuplicateError aborts the load on the first collision.
	DuplicateError DuplicatePolicy = iota
	// DuplicateRemoveNew keeps the existing row and kills the loaded one.
	DuplicateRemoveNew
	// DuplicateRemoveOld keeps the loaded row and kills the existing one.
	DuplicateRemoveOld
)

func (p DuplicatePolicy) String() string {
	switch p {
	case DuplicateError:
		return "ERROR"
	case DuplicateRemoveNew:
		return "REMOVE_NEW"
	case DuplicateRemoveOld:
		return "REMOVE_OLD"
	}
	return "UNKNOWN"
}

type CommandLineArgs struct {
	ControlFile string
	InFile      string
	DataDir     string
	LogFile     string
	Overrides   []string
	Silent      bool
	Recovery    bool
}

/*
*
TABLE			= public.customer
INFILE			= /tmp/customer.csv
TYPE			= CSV
DELIMITER		= ,
QUOTE			= "
ESCAPE			= "
NULL			=
SKIP			= 1
LIMIT			= INFINITE
PARSE_ERRORS		= 0
DUPLICATE_ERRORS	= 0
ON_DUPLICATE_KEEP	= NEW
WRITER			= DIRECT
TRUNCATE		= NO
*/
type Cfg struct {
	Raw *ini.File

	// target
	Table   string
	DataDir string

	// input
	Input       SourceKind
	Infile      string
	Delimiter   string
	Quote       string
	Escape      string
	NullStr     string
	Encoding    string
	ColWidths   []int
	SkipRows    int64
	LimitRows   int64
	ParseErrors int64

	// writer
	Writer          WriterKind
	OnDuplicate     DuplicatePolicy
	DuplicateErrors int64
	FillFactor      int
	Truncate        bool

	// spool
	SortMem int64

	// logs
	Logfile          string
	ParseBadfile     string
	DuplicateBadfile string
	Verbose          bool
	Silent           bool
}

func NewCfg() *Cfg {
	return &Cfg{
		Raw: ini.Empty(),
		// input 默认配置
		Input:       SourceCSV,
		Delimiter:   ",",
		Quote:       `"`,
		Escape:      `"`,
		NullStr:     "",
		SkipRows:    0,
		LimitRows:   Infinite,
		ParseErrors: 0,
		// writer 默认配置
		Writer:          WriterDirect,
		OnDuplicate:     DuplicateError,
		DuplicateErrors: 0,
		FillFactor:      100,
		// spool 默认配置
		SortMem: 16 * 1024 * 1024, // 16MB
	}
}

// Load resolves the control file named by args, applies -o overrides and the
// flag-level shortcuts, and validates the result. Nothing is opened here; the
// writer and the sources receive the finished Cfg.
func (cfg *Cfg) Load(args *CommandLineArgs) (*Cfg, error) {
	raw, err := cfg.loadControlFile(args)
	if err != nil {
		return nil, err
	}
	cfg.Raw = raw

	if err := applyOverrides(cfg.Raw, args.Overrides); err != nil {
		return nil, err
	}

	sec := cfg.Raw.Section("")
	if err := cfg.parseTargetCfg(sec); err != nil {
		return nil, err
	}
	if err := cfg.parseInputCfg(sec); err != nil {
		return nil, err
	}
	if err := cfg.parseWriterCfg(sec); err != nil {
		return nil, err
	}
	if err := cfg.parseLogsCfg(sec); err != nil {
		return nil, err
	}

	// command line wins over the control file
	if args.InFile != "" {
		cfg.Infile = args.InFile
	}
	if args.DataDir != "" {
		cfg.DataDir = args.DataDir
	}
	if args.LogFile != "" {
		cfg.Logfile = args.LogFile
	}
	cfg.Silent = args.Silent

	return cfg, cfg.validate()
}

func (cfg *Cfg) loadControlFile(args *CommandLineArgs) (*ini.File, error) {
	if args.ControlFile == "" {
		return ini.Empty(), nil
	}
	switch strings.ToLower(filepath.Ext(args.ControlFile)) {
	case ".toml":
		return loadControlToml(args.ControlFile)
	default:
		parsedFile, err := ini.Load(args.ControlFile)
		if err != nil {
			return nil, fmt.Errorf("cannot read control file %s: %v", args.ControlFile, err)
		}
		logger.Debugf("成功加载控制文件: %s\n", args.ControlFile)
		return parsedFile, nil
	}
}

// applyOverrides pushes -o KEY=VALUE pairs into the unnamed section so the
// section parsers see one merged view.
func applyOverrides(raw *ini.File, overrides []string) error {
	sec := raw.Section("")
	for _, kv := range overrides {
		eq := strings.IndexByte(kv, '=')
		if eq <= 0 {
			return fmt.Errorf("bad -o option %q, expected KEY=VALUE", kv)
		}
		key := strings.TrimSpace(kv[:eq])
		sec.Key(strings.ToUpper(key)).SetValue(strings.TrimSpace(kv[eq+1:]))
	}
	return nil
}

func (cfg *Cfg) parseTargetCfg(section *ini.Section) error {
	cfg.Table = keyString(section, "TABLE", keyString(section, "OUTPUT", cfg.Table))
	cfg.DataDir = keyString(section, "DATADIR", cfg.DataDir)
	return nil
}

func (cfg *Cfg) parseInputCfg(section *ini.Section) error {
	cfg.Infile = keyString(section, "INFILE", keyString(section, "INPUT", cfg.Infile))

	switch v := strings.ToUpper(keyString(section, "TYPE", "CSV")); v {
	case "CSV":
		cfg.Input = SourceCSV
	case "FIXED":
		cfg.Input = SourceFixed
	case "MEMORY":
		cfg.Input = SourceMemory
	default:
		return fmt.Errorf("unknown input TYPE %q", v)
	}

	cfg.Delimiter = keyString(section, "DELIMITER", cfg.Delimiter)
	cfg.Quote = keyString(section, "QUOTE", cfg.Quote)
	cfg.Escape = keyString(section, "ESCAPE", cfg.Quote)
	cfg.NullStr = keyString(section, "NULL", cfg.NullStr)
	cfg.Encoding = strings.ToUpper(keyString(section, "ENCODING", cfg.Encoding))

	if widths := keyString(section, "COL", ""); widths != "" {
		cfg.ColWidths = cfg.ColWidths[:0]
		for _, w := range strings.Split(widths, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(w))
			if err != nil || n <= 0 {
				return fmt.Errorf("bad COL width %q", w)
			}
			cfg.ColWidths = append(cfg.ColWidths, n)
		}
	}

	var err error
	if cfg.SkipRows, err = keyCount(section, "SKIP", cfg.SkipRows); err != nil {
		return err
	}
	if cfg.SkipRows < 0 {
		return fmt.Errorf("SKIP must not be negative")
	}
	if cfg.LimitRows, err = keyCount(section, "LIMIT", cfg.LimitRows); err != nil {
		return err
	}
	if cfg.ParseErrors, err = keyCount(section, "PARSE_ERRORS", cfg.ParseErrors); err != nil {
		return err
	}
	return nil
}

func (cfg *Cfg) parseWriterCfg(section *ini.Section) error {
	switch v := strings.ToUpper(keyString(section, "WRITER", "DIRECT")); v {
	case "DIRECT":
		cfg.Writer = WriterDirect
	case "BUFFERED":
		cfg.Writer = WriterBuffered
	case "PARALLEL":
		cfg.Writer = WriterParallel
	default:
		return fmt.Errorf("unknown WRITER %q", v)
	}

	switch v := strings.ToUpper(keyString(section, "ON_DUPLICATE_KEEP", "")); v {
	case "":
		cfg.OnDuplicate = DuplicateError
	case "NEW":
		cfg.OnDuplicate = DuplicateRemoveOld
	case "OLD":
		cfg.OnDuplicate = DuplicateRemoveNew
	default:
		return fmt.Errorf("unknown ON_DUPLICATE_KEEP %q, expected NEW or OLD", v)
	}

	var err error
	if cfg.DuplicateErrors, err = keyCount(section, "DUPLICATE_ERRORS", cfg.DuplicateErrors); err != nil {
		return err
	}
	if cfg.OnDuplicate != DuplicateError && cfg.DuplicateErrors == 0 {
		cfg.DuplicateErrors = Infinite
	}

	cfg.FillFactor = section.Key("FILL_FACTOR").MustInt(cfg.FillFactor)
	cfg.Truncate = parseYesNo(keyString(section, "TRUNCATE", "NO"))

	if v := keyString(section, "SORT_MEM", ""); v != "" {
		mem, err := parseByteSize(v)
		if err != nil {
			return err
		}
		cfg.SortMem = mem
	}
	return nil
}

func (cfg *Cfg) parseLogsCfg(section *ini.Section) error {
	cfg.Logfile = keyString(section, "LOGFILE", cfg.Logfile)
	cfg.ParseBadfile = keyString(section, "PARSE_BADFILE", cfg.ParseBadfile)
	cfg.DuplicateBadfile = keyString(section, "DUPLICATE_BADFILE", cfg.DuplicateBadfile)
	cfg.Verbose = parseYesNo(keyString(section, "VERBOSE", "NO"))
	return nil
}

func (cfg *Cfg) validate() error {
	if cfg.Table == "" {
		return fmt.Errorf("TABLE is not specified")
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("data directory is not specified (use -D or DATADIR)")
	}
	if cfg.Infile == "" && cfg.Input != SourceMemory {
		return fmt.Errorf("INFILE is not specified")
	}
	if len(cfg.Delimiter) != 1 {
		return fmt.Errorf("DELIMITER must be a single character, got %q", cfg.Delimiter)
	}
	if len(cfg.Quote) != 1 || len(cfg.Escape) != 1 {
		return fmt.Errorf("QUOTE and ESCAPE must be single characters")
	}
	if cfg.Delimiter == cfg.Quote {
		return fmt.Errorf("DELIMITER and QUOTE must differ")
	}
	if cfg.Input == SourceFixed && len(cfg.ColWidths) == 0 {
		return fmt.Errorf("TYPE=FIXED requires COL widths")
	}
	if cfg.FillFactor < 10 || cfg.FillFactor > 100 {
		return fmt.Errorf("FILL_FACTOR must be between 10 and 100, got %d", cfg.FillFactor)
	}
	if cfg.SortMem < 64*1024 {
		return fmt.Errorf("SORT_MEM must be at least 64KB")
	}
	return nil
}

func keyString(section *ini.Section, keyName string, defaultValue string) string {
	if section == nil {
		return defaultValue
	}
	if !section.HasKey(keyName) {
		return defaultValue
	}
	return section.Key(keyName).Value()
}

// keyCount reads a non-negative count that may be spelled INFINITE.
func keyCount(section *ini.Section, keyName string, defaultValue int64) (int64, error) {
	v := keyString(section, keyName, "")
	if v == "" {
		return defaultValue, nil
	}
	if strings.EqualFold(v, "INFINITE") {
		return Infinite, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("bad %s value %q", keyName, v)
	}
	return n, nil
}

func parseYesNo(v string) bool {
	switch strings.ToUpper(v) {
	case "YES", "Y", "TRUE", "ON", "1":
		return true
	}
	return false
}

// parseByteSize accepts a plain byte count or a KB/MB/GB suffixed one.
func parseByteSize(v string) (int64, error) {
	s := strings.ToUpper(strings.TrimSpace(v))
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "GB"):
		mult, s = 1<<30, s[:len(s)-2]
	case strings.HasSuffix(s, "MB"):
		mult, s = 1<<20, s[:len(s)-2]
	case strings.HasSuffix(s, "KB"):
		mult, s = 1<<10, s[:len(s)-2]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bad byte size %q", v)
	}
	return n * mult, nil
}
