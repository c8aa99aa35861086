package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
)

const sampleCatalog = `
[cluster]
database = 13000

[public.customer]
kind        = table
relfilenode = 16384
columns     = id int4 not_null, name text, balance numeric, created timestamp

[public.customer_pkey]
kind        = index
relfilenode = 16385
on          = public.customer
unique      = true
fillfactor  = 90
columns     = id

[public.customer_name_idx]
kind        = index
relfilenode = 16386
on          = public.customer
columns     = name desc
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	dataDir := t.TempDir()
	require.Nil(t, os.MkdirAll(filepath.Join(dataDir, "global"), 0700))
	require.Nil(t, os.WriteFile(filepath.Join(dataDir, "global", CatalogFileName), []byte(content), 0600))
	return dataDir
}

func TestOpenCatalog(t *testing.T) {
	c, err := Open(writeCatalog(t, sampleCatalog))
	require.Nil(t, err)

	rel, err := c.LookupTable("public.customer")
	require.Nil(t, err)
	assert.Equal(t, basic.OID(16384), rel.Node.RelNode)
	assert.Equal(t, DefaultTablespaceOID, rel.Node.SpcNode)
	assert.Equal(t, basic.OID(13000), rel.Node.DbNode)
	require.Equal(t, 4, len(rel.Columns))
	assert.Equal(t, basic.Int4Val, rel.Columns[0].Type)
	assert.True(t, rel.Columns[0].NotNull)
	assert.Equal(t, basic.NumericVal, rel.Columns[2].Type)
	assert.Equal(t, []basic.ValType{basic.Int4Val, basic.TextVal, basic.NumericVal, basic.TimestampVal},
		rel.ColumnTypes())

	require.Equal(t, 2, len(rel.Indexes))
	pkey, err := c.LookupIndex("public.customer_pkey")
	require.Nil(t, err)
	assert.True(t, pkey.Unique)
	assert.Equal(t, 90, pkey.FillFactor)
	require.Equal(t, 1, len(pkey.Columns))
	assert.Equal(t, 0, pkey.Columns[0].AttNum)
	assert.False(t, pkey.Columns[0].Desc)
	assert.False(t, pkey.Columns[0].NullsFirst)

	nameIdx, err := c.LookupIndex("public.customer_name_idx")
	require.Nil(t, err)
	assert.Equal(t, 1, nameIdx.Columns[0].AttNum)
	assert.True(t, nameIdx.Columns[0].Desc)
	// desc keys default to nulls first
	assert.True(t, nameIdx.Columns[0].NullsFirst)
}

func TestLookupShortName(t *testing.T) {
	c, err := Open(writeCatalog(t, sampleCatalog))
	require.Nil(t, err)

	rel, err := c.LookupTable("customer")
	require.Nil(t, err)
	assert.Equal(t, "public.customer", rel.Name)

	_, err = c.LookupTable("missing")
	assert.Equal(t, ErrTableNotFound, errors.Cause(err))

	// naming an index as the load target is a distinct error
	_, err = c.LookupTable("public.customer_pkey")
	assert.Equal(t, basic.ErrNotATable, errors.Cause(err))
}

func TestCatalogRejectsBadDefinitions(t *testing.T) {
	// index on a missing table
	_, err := Open(writeCatalog(t, `
[t1]
kind = table
relfilenode = 1000
columns = a int4

[i1]
kind = index
relfilenode = 1001
on = t2
columns = a
`))
	assert.NotNil(t, err)

	// index keys an unknown column
	_, err = Open(writeCatalog(t, `
[t1]
kind = table
relfilenode = 1000
columns = a int4

[i1]
kind = index
relfilenode = 1001
on = t1
columns = b
`))
	assert.NotNil(t, err)

	// unknown column type
	_, err = Open(writeCatalog(t, `
[t1]
kind = table
relfilenode = 1000
columns = a varchar2
`))
	assert.NotNil(t, err)
}

func TestDefineAndSaveRoundTrip(t *testing.T) {
	dataDir := t.TempDir()
	require.Nil(t, os.MkdirAll(filepath.Join(dataDir, "global"), 0700))

	c := NewCatalog(dataDir)
	require.Nil(t, c.DefineTable(&Relation{
		Name: "public.orders",
		Node: basic.RelFileNode{RelNode: 24576},
		Columns: []Column{
			{Name: "id", Type: basic.Int8Val, NotNull: true},
			{Name: "note", Type: basic.TextVal},
		},
	}))
	require.Nil(t, c.DefineIndex(&Index{
		Name:    "public.orders_pkey",
		Node:    basic.RelFileNode{RelNode: 24577},
		Table:   "public.orders",
		Unique:  true,
		Columns: []IndexColumn{{Name: "id"}},
	}))
	require.Nil(t, c.Save())

	reread, err := Open(dataDir)
	require.Nil(t, err)
	rel, err := reread.LookupTable("public.orders")
	require.Nil(t, err)
	assert.Equal(t, basic.OID(24576), rel.Node.RelNode)
	require.Equal(t, 1, len(rel.Indexes))
	assert.Equal(t, "public.orders_pkey", rel.Indexes[0].Name)
	assert.True(t, rel.Indexes[0].Unique)
	assert.Equal(t, 0, rel.Indexes[0].Columns[0].AttNum)
}
