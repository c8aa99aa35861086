package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ossc-db/pg-bulkload-sub000/loader/conf"
)

func openFixed(t *testing.T, cfg *conf.Cfg, content []byte) *FixedSource {
	t.Helper()
	cfg.Input = conf.SourceFixed
	if len(cfg.ColWidths) == 0 {
		cfg.ColWidths = []int{4, 8}
	}
	cfg.Infile = writeInput(t, "input.dat", content)
	s, err := OpenFixed(cfg, customerRel())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFixedBasic(t *testing.T) {
	content := "   1alice   \n" +
		"  22bob     \n" +
		"   3 pad    \n"
	s := openFixed(t, conf.NewCfg(), []byte(content))

	rows, rejects := drain(t, s)
	require.Len(t, rows, 3)
	require.Empty(t, rejects)
	assert.Equal(t, int32(1), rows[0].Values[0].Raw())
	assert.Equal(t, "alice", rows[0].Values[1].Raw())
	assert.Equal(t, int32(22), rows[1].Values[0].Raw())
	assert.Equal(t, "bob", rows[1].Values[1].Raw())
	// 只去右侧填充, 左侧空白是数据
	assert.Equal(t, " pad", rows[2].Values[1].Raw())
}

func TestFixedLengthMismatch(t *testing.T) {
	content := "  1\n" +
		"   2bob     \n" +
		"   4abcdefghijkl\n" +
		"   5eve     \n"
	s := openFixed(t, conf.NewCfg(), []byte(content))

	rows, rejects := drain(t, s)
	require.Len(t, rows, 2)
	require.Len(t, rejects, 2)
	assert.Equal(t, int32(2), rows[0].Values[0].Raw())
	assert.Equal(t, int32(5), rows[1].Values[0].Raw())

	assert.Equal(t, int64(1), rejects[0].Line)
	assert.Equal(t, "record is 3 bytes, expected 12", rejects[0].Reason)
	assert.Equal(t, int64(3), rejects[1].Line)
	assert.Equal(t, "record is 16 bytes, expected 12", rejects[1].Reason)
}

func TestFixedBlankIsNull(t *testing.T) {
	cfg := conf.NewCfg()
	cfg.Input = conf.SourceFixed
	cfg.ColWidths = []int{4, 4}
	cfg.Infile = writeInput(t, "blank.dat", []byte("    b   \nnotex   \n"))
	s, err := OpenFixed(cfg, noteRel())
	require.NoError(t, err)
	defer s.Close()

	rows, rejects := drain(t, s)
	require.Len(t, rows, 2)
	require.Empty(t, rejects)
	// 整列空白修剪成空串, 等于 NULL 串
	assert.True(t, rows[0].IsNull(0))
	assert.Equal(t, "b", rows[0].Values[1].Raw())
	assert.Equal(t, "note", rows[1].Values[0].Raw())
}

func TestFixedNotNullRejected(t *testing.T) {
	s := openFixed(t, conf.NewCfg(), []byte("    noname  \n   2ok      \n"))

	rows, rejects := drain(t, s)
	require.Len(t, rows, 1)
	require.Len(t, rejects, 1)
	assert.Equal(t, int32(2), rows[0].Values[0].Raw())
	assert.Equal(t, int64(1), rejects[0].Line)
	assert.Equal(t, "id", rejects[0].Column)
}

func TestFixedCRLFAndFinalLine(t *testing.T) {
	// \r\n 结尾照常修掉, 最后一行没有换行也算一条
	s := openFixed(t, conf.NewCfg(), []byte("   1alice   \r\n   2bob     "))

	rows, rejects := drain(t, s)
	require.Len(t, rows, 2)
	require.Empty(t, rejects)
	assert.Equal(t, "alice", rows[0].Values[1].Raw())
	assert.Equal(t, "bob", rows[1].Values[1].Raw())
}

func TestFixedSkipHeader(t *testing.T) {
	cfg := conf.NewCfg()
	cfg.SkipRows = 1
	// 表头长度跟记录对不上也没关系, 跳过是按原始行做的
	s := openFixed(t, cfg, []byte("HEADER\n   1alice   \n"))

	rows, rejects := drain(t, s)
	require.Len(t, rows, 1)
	require.Empty(t, rejects)
	assert.Equal(t, int32(1), rows[0].Values[0].Raw())
}

func TestOpenFixedWidthCount(t *testing.T) {
	cfg := conf.NewCfg()
	cfg.Input = conf.SourceFixed
	cfg.ColWidths = []int{4}
	cfg.Infile = writeInput(t, "short.dat", []byte("   1\n"))
	_, err := OpenFixed(cfg, customerRel())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "widths")
}
