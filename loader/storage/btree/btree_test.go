package btree

import (
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/loader/catalog"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/pages"
	"github.com/ossc-db/pg-bulkload-sub000/loader/storage/relfile"
)

var (
	testTableNode = basic.RelFileNode{SpcNode: 1663, DbNode: 13000, RelNode: 16384}
	testIndexNode = basic.RelFileNode{SpcNode: 1663, DbNode: 13000, RelNode: 16385}
)

func testRelation() *catalog.Relation {
	return &catalog.Relation{
		Name: "public.customer",
		Node: testTableNode,
		Columns: []catalog.Column{
			{Name: "id", Type: basic.Int4Val, NotNull: true},
			{Name: "name", Type: basic.TextVal},
		},
	}
}

func testIndex(unique bool) *catalog.Index {
	return &catalog.Index{
		Name:       "public.customer_pkey",
		Node:       testIndexNode,
		Table:      "public.customer",
		Columns:    []catalog.IndexColumn{{Name: "id", AttNum: 0}},
		Unique:     unique,
		FillFactor: 90,
	}
}

func newTestCodec(t *testing.T) *KeyCodec {
	t.Helper()
	kc, err := NewKeyCodec(testIndex(true), testRelation())
	require.NoError(t, err)
	return kc
}

func intKey(t *testing.T, kc *KeyCodec, id int32) []byte {
	t.Helper()
	key, err := kc.ExtractFromRow(basic.NewRow(basic.NewInt4Value(id), basic.NewTextValue("x")))
	require.NoError(t, err)
	return key
}

func scratchFamily(t *testing.T) *relfile.RelFile {
	t.Helper()
	rf, err := relfile.OpenAt(filepath.Join(t.TempDir(), "16385.new"), testIndexNode, false)
	require.NoError(t, err)
	t.Cleanup(func() { rf.Close() })
	return rf
}

func TestKeyCodecRoundTrip(t *testing.T) {
	rel := testRelation()
	idx := &catalog.Index{
		Name:  "public.customer_name_idx",
		Node:  testIndexNode,
		Table: rel.Name,
		Columns: []catalog.IndexColumn{
			{Name: "name", AttNum: 1, Desc: true, NullsFirst: true},
			{Name: "id", AttNum: 0},
		},
		FillFactor: 90,
	}
	kc, err := NewKeyCodec(idx, rel)
	require.NoError(t, err)

	key, err := kc.ExtractFromRow(basic.NewRow(basic.NewInt4Value(7), basic.NewTextValue("alice")))
	require.NoError(t, err)
	vals, err := kc.DecodeValues(key)
	require.NoError(t, err)
	require.Len(t, vals, 2)
	assert.Equal(t, "alice", vals[0].Raw())
	assert.Equal(t, int32(7), vals[1].Raw())
	assert.False(t, kc.HasNulls(key))

	nullKey, err := kc.ExtractFromRow(basic.NewRow(basic.NewInt4Value(8), basic.NewNullValue(basic.TextVal)))
	require.NoError(t, err)
	assert.True(t, kc.HasNulls(nullKey))
}

func TestKeyCodecOrdering(t *testing.T) {
	rel := testRelation()
	desc := &catalog.Index{
		Name: "d", Node: testIndexNode, Table: rel.Name,
		Columns:    []catalog.IndexColumn{{Name: "id", AttNum: 0, Desc: true, NullsFirst: true}},
		FillFactor: 90,
	}
	kc, err := NewKeyCodec(desc, rel)
	require.NoError(t, err)

	low := intKey(t, kc, 1)
	high := intKey(t, kc, 9)
	c, err := kc.Compare(high, low)
	require.NoError(t, err)
	assert.Equal(t, -1, c, "DESC puts the larger value first")

	nullKey, err := kc.ExtractFromRow(basic.NewRow(basic.NewNullValue(basic.Int4Val), basic.NewTextValue("x")))
	require.NoError(t, err)
	c, err = kc.Compare(nullKey, high)
	require.NoError(t, err)
	assert.Equal(t, -1, c, "NULLS FIRST puts NULL before everything")

	c, err = kc.Compare(nullKey, nullKey)
	require.NoError(t, err)
	assert.Equal(t, 0, c)
}

func TestBuildAndScanSingleLeaf(t *testing.T) {
	kc := newTestCodec(t)
	rf := scratchFamily(t)
	b := NewBuilder(rf, kc, 90, false)

	for i := int32(1); i <= 10; i++ {
		require.NoError(t, b.AddLeaf(intKey(t, kc, i), basic.ItemPointer{Block: 0, Offset: basic.OffsetNumber(i)}))
	}
	root, err := b.Finish()
	require.NoError(t, err)
	assert.Equal(t, basic.BlockNumber(1), root)

	cur, err := OpenLeafCursor(rf, false)
	require.NoError(t, err)
	for i := int32(1); i <= 10; i++ {
		key, tid, ok, err := cur.Next()
		require.NoError(t, err)
		require.True(t, ok)
		vals, err := kc.DecodeValues(key)
		require.NoError(t, err)
		assert.Equal(t, i, vals[0].Raw())
		assert.Equal(t, basic.OffsetNumber(i), tid.Offset)
	}
	_, _, ok, err := cur.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBuildMultiLevelTree(t *testing.T) {
	kc := newTestCodec(t)
	rf := scratchFamily(t)
	// 压低填充率，用少量键逼出多层树
	b := NewBuilder(rf, kc, 10, false)

	const n = 2000
	for i := int32(0); i < n; i++ {
		tid := basic.ItemPointer{Block: basic.BlockNumber(i / 200), Offset: basic.OffsetNumber(i%200 + 1)}
		require.NoError(t, b.AddLeaf(intKey(t, kc, i), tid))
	}
	root, err := b.Finish()
	require.NoError(t, err)
	require.NotZero(t, root)

	pg := pages.NewPage()
	require.NoError(t, rf.ReadPage(0, pg))
	meta, err := readMetaPage(pg)
	require.NoError(t, err)
	assert.Equal(t, root, meta.Root)
	require.GreaterOrEqual(t, meta.Level, uint32(1), "2000 keys at fillfactor 10 need internal pages")

	cur, err := OpenLeafCursor(rf, false)
	require.NoError(t, err)
	for i := int32(0); i < n; i++ {
		key, _, ok, err := cur.Next()
		require.NoError(t, err)
		require.True(t, ok, "entry %d missing", i)
		vals, err := kc.DecodeValues(key)
		require.NoError(t, err)
		require.Equal(t, i, vals[0].Raw(), "entry %d out of place", i)
	}
	_, _, ok, err := cur.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBuilderRejectsUnsortedKeys(t *testing.T) {
	kc := newTestCodec(t)
	rf := scratchFamily(t)
	b := NewBuilder(rf, kc, 90, false)

	require.NoError(t, b.AddLeaf(intKey(t, kc, 5), basic.ItemPointer{Offset: 1}))
	err := b.AddLeaf(intKey(t, kc, 4), basic.ItemPointer{Offset: 2})
	require.Error(t, err)
	assert.Equal(t, basic.ErrKeysUnsorted, errors.Cause(err))
}

func TestEmptyBuild(t *testing.T) {
	kc := newTestCodec(t)
	rf := scratchFamily(t)
	b := NewBuilder(rf, kc, 90, false)

	root, err := b.Finish()
	require.NoError(t, err)
	assert.Zero(t, root)

	cur, err := OpenLeafCursor(rf, false)
	require.NoError(t, err)
	_, _, ok, err := cur.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChecksummedTreePages(t *testing.T) {
	kc := newTestCodec(t)
	rf := scratchFamily(t)
	b := NewBuilder(rf, kc, 90, true)

	for i := int32(1); i <= 100; i++ {
		require.NoError(t, b.AddLeaf(intKey(t, kc, i), basic.ItemPointer{Offset: basic.OffsetNumber(i)}))
	}
	_, err := b.Finish()
	require.NoError(t, err)

	cur, err := OpenLeafCursor(rf, true)
	require.NoError(t, err)
	seen := 0
	for {
		_, _, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		seen++
	}
	assert.Equal(t, 100, seen)
}

func TestLeafItemCodec(t *testing.T) {
	tid := basic.ItemPointer{Block: 42, Offset: 7}
	item := encodeLeafItem(tid, []byte{0x01, 0xAA, 0xBB}, true)
	gotTID, key, err := decodeLeafItem(item)
	require.NoError(t, err)
	assert.Equal(t, tid, gotTID)
	assert.Equal(t, []byte{0x01, 0xAA, 0xBB}, key)

	child, sep, err := decodeInternalItem(encodeInternalItem(9, []byte{0x01, 0x05}))
	require.NoError(t, err)
	assert.Equal(t, basic.BlockNumber(9), child)
	assert.Equal(t, []byte{0x01, 0x05}, sep)

	_, minus, err := decodeInternalItem(encodeInternalItem(3, nil))
	require.NoError(t, err)
	assert.Empty(t, minus)

	_, _, err = decodeLeafItem(item[:4])
	require.Error(t, err)
	assert.Equal(t, basic.ErrCorruptedIndex, errors.Cause(err))
}
