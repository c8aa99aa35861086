package source

import (
	"context"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/loader/conf"
)

func openCSV(t *testing.T, cfg *conf.Cfg, content []byte) *CSVSource {
	t.Helper()
	cfg.Infile = writeInput(t, "input.csv", content)
	s, err := OpenCSV(cfg, customerRel())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCSVBasic(t *testing.T) {
	// 最后一行没有换行符也要算一条记录
	s := openCSV(t, conf.NewCfg(), []byte("1,alice\n2,bob\n3,carol"))

	rows, rejects := drain(t, s)
	require.Len(t, rows, 3)
	require.Empty(t, rejects)
	assert.Equal(t, int32(1), rows[0].Values[0].Raw())
	assert.Equal(t, "alice", rows[0].Values[1].Raw())
	assert.Equal(t, int32(2), rows[1].Values[0].Raw())
	assert.Equal(t, "bob", rows[1].Values[1].Raw())
	assert.Equal(t, int32(3), rows[2].Values[0].Raw())
	assert.Equal(t, "carol", rows[2].Values[1].Raw())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestCSVQuoting(t *testing.T) {
	content := "4,\"first,second\"\n" +
		"5,\"line one\nline two\"\n" +
		"6,\"say \"\"hi\"\"\"\n" +
		"7,dora\r\n"
	s := openCSV(t, conf.NewCfg(), []byte(content))

	rows, rejects := drain(t, s)
	require.Len(t, rows, 4)
	require.Empty(t, rejects)
	// 引号里的分隔符和换行都是数据
	assert.Equal(t, "first,second", rows[0].Values[1].Raw())
	assert.Equal(t, "line one\nline two", rows[1].Values[1].Raw())
	// 转义符缺省等于引号, 双写引号表示一个字面引号
	assert.Equal(t, `say "hi"`, rows[2].Values[1].Raw())
	assert.Equal(t, "dora", rows[3].Values[1].Raw())
}

func TestCSVEscapeDistinct(t *testing.T) {
	cfg := conf.NewCfg()
	cfg.Escape = `\`
	content := "8,\"a\\\"b\"\n" + // \" 是字面引号
		"9,\"c\\\\d\"\n" + // \\ 是字面反斜杠
		"10,\"e\\fg\"\n" + // 反斜杠后面不是引号也不是转义符, 原样保留
		"11,x\\y\n" // 引号外的转义符不起作用
	s := openCSV(t, cfg, []byte(content))

	rows, rejects := drain(t, s)
	require.Len(t, rows, 4)
	require.Empty(t, rejects)
	assert.Equal(t, `a"b`, rows[0].Values[1].Raw())
	assert.Equal(t, `c\d`, rows[1].Values[1].Raw())
	assert.Equal(t, `e\fg`, rows[2].Values[1].Raw())
	assert.Equal(t, `x\y`, rows[3].Values[1].Raw())
}

func TestCSVCustomDelimiter(t *testing.T) {
	cfg := conf.NewCfg()
	cfg.Delimiter = "|"
	s := openCSV(t, cfg, []byte("1|alpha\n2|beta\n3|\"a|b\"\n"))

	rows, rejects := drain(t, s)
	require.Len(t, rows, 3)
	require.Empty(t, rejects)
	assert.Equal(t, "alpha", rows[0].Values[1].Raw())
	assert.Equal(t, "beta", rows[1].Values[1].Raw())
	assert.Equal(t, "a|b", rows[2].Values[1].Raw())
}

func TestCSVNullRules(t *testing.T) {
	// 只有不带引号的空字段是 NULL, 带引号的空串是数据
	cfg := conf.NewCfg()
	cfg.Infile = writeInput(t, "null1.csv", []byte(",a\n\"\",b\n"))
	s, err := OpenCSV(cfg, noteRel())
	require.NoError(t, err)
	defer s.Close()

	rows, rejects := drain(t, s)
	require.Len(t, rows, 2)
	require.Empty(t, rejects)
	assert.True(t, rows[0].IsNull(0))
	assert.False(t, rows[1].IsNull(0))
	assert.Equal(t, "", rows[1].Values[0].Raw())

	// 自定义 NULL 串之后, 空字段就只是空串了
	cfg = conf.NewCfg()
	cfg.NullStr = "NULL"
	cfg.Infile = writeInput(t, "null2.csv", []byte("NULL,c\n\"NULL\",d\n,e\n"))
	s, err = OpenCSV(cfg, noteRel())
	require.NoError(t, err)
	defer s.Close()

	rows, rejects = drain(t, s)
	require.Len(t, rows, 3)
	require.Empty(t, rejects)
	assert.True(t, rows[0].IsNull(0))
	assert.False(t, rows[1].IsNull(0))
	assert.Equal(t, "NULL", rows[1].Values[0].Raw())
	assert.False(t, rows[2].IsNull(0))
	assert.Equal(t, "", rows[2].Values[0].Raw())
}

func TestCSVNotNullRejected(t *testing.T) {
	s := openCSV(t, conf.NewCfg(), []byte(",noid\n2,ok\n"))

	rows, rejects := drain(t, s)
	require.Len(t, rows, 1)
	require.Len(t, rejects, 1)
	assert.Equal(t, int32(2), rows[0].Values[0].Raw())
	assert.Equal(t, int64(1), rejects[0].Line)
	assert.Equal(t, "id", rejects[0].Column)
	assert.Equal(t, "null value in NOT NULL column", rejects[0].Reason)
}

func TestCSVRejectsKeepStream(t *testing.T) {
	content := "1,a\n" +
		"x,b\n" + // id 不是整数
		"3,c\n" +
		"4,d,extra\n" + // 列数不对
		"5,e\n"
	s := openCSV(t, conf.NewCfg(), []byte(content))

	rows, rejects := drain(t, s)
	require.Len(t, rows, 3)
	require.Len(t, rejects, 2)
	assert.Equal(t, int32(1), rows[0].Values[0].Raw())
	assert.Equal(t, int32(3), rows[1].Values[0].Raw())
	assert.Equal(t, int32(5), rows[2].Values[0].Raw())

	assert.Equal(t, int64(2), rejects[0].Line)
	assert.Equal(t, "id", rejects[0].Column)
	assert.Contains(t, rejects[0].Reason, "bad int4")
	assert.Equal(t, int64(4), rejects[1].Line)
	assert.Contains(t, rejects[1].Reason, "3 fields")
}

func TestCSVMalformedQuotes(t *testing.T) {
	content := "1,ab\"cd\n" +
		"2,\"ab\"x\n" +
		"3,ok\n" +
		"4,\"open" // 引号没闭合就到了文件尾
	s := openCSV(t, conf.NewCfg(), []byte(content))

	rows, rejects := drain(t, s)
	require.Len(t, rows, 1)
	require.Len(t, rejects, 3)
	assert.Equal(t, int32(3), rows[0].Values[0].Raw())

	assert.Equal(t, int64(1), rejects[0].Line)
	assert.Contains(t, rejects[0].Reason, "quote character inside an unquoted field")
	assert.Equal(t, int64(2), rejects[1].Line)
	assert.Contains(t, rejects[1].Reason, "garbage after a closing quote")
	assert.Equal(t, int64(4), rejects[2].Line)
	assert.Contains(t, rejects[2].Reason, "unterminated quoted field")
}

func TestCSVSkipHeader(t *testing.T) {
	// SKIP 按物理行丢弃, 表头里引号不配对也不影响后面的数据
	cfg := conf.NewCfg()
	cfg.SkipRows = 2
	content := "id,\"name unbalanced\n" +
		"another header\n" +
		"1,alice\n" +
		"2,bob\n" +
		"x,bad\n"
	s := openCSV(t, cfg, []byte(content))

	rows, rejects := drain(t, s)
	require.Len(t, rows, 2)
	require.Len(t, rejects, 1)
	assert.Equal(t, int32(1), rows[0].Values[0].Raw())
	assert.Equal(t, int32(2), rows[1].Values[0].Raw())
	// 行号数的是文件里的物理行, 被跳过的表头也算
	assert.Equal(t, int64(5), rejects[0].Line)
}

func TestCSVSkipPastEOF(t *testing.T) {
	cfg := conf.NewCfg()
	cfg.SkipRows = 10
	s := openCSV(t, cfg, []byte("only line\n"))

	rows, rejects := drain(t, s)
	assert.Empty(t, rows)
	assert.Empty(t, rejects)
}

func TestCSVEncodingGBK(t *testing.T) {
	cfg := conf.NewCfg()
	cfg.Encoding = "GBK"
	content := append([]byte("1,"), 0xC4, 0xE3, 0xBA, 0xC3, '\n')
	s := openCSV(t, cfg, content)

	rows, rejects := drain(t, s)
	require.Len(t, rows, 1)
	require.Empty(t, rejects)
	assert.Equal(t, "你好", rows[0].Values[1].Raw())
}

func TestCSVInterrupted(t *testing.T) {
	s := openCSV(t, conf.NewCfg(), []byte("1,alice\n"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Next(ctx)
	require.Error(t, err)
	assert.Equal(t, basic.ErrInterrupted, errors.Cause(err))
}
