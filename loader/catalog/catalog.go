package catalog

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/juju/errors"
	"gopkg.in/ini.v1"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
)

// CatalogFileName is the ini-backed relation catalog kept under global/.
const CatalogFileName = "bulk_catalog"

// DefaultTablespaceOID matches the stock pg_default tablespace.
const DefaultTablespaceOID basic.OID = 1663

// DefaultDatabaseOID is assigned by InitDataDir for the single database the
// standalone cluster carries.
const DefaultDatabaseOID basic.OID = 13000

type RelKind int

const (
	KindTable RelKind = iota
	KindIndex
)

func (k RelKind) String() string {
	if k == KindIndex {
		return "index"
	}
	return "table"
}

// Column is one table attribute.
type Column struct {
	Name    string
	Type    basic.ValType
	NotNull bool
}

// IndexColumn is one key column of an index. AttNum is the 0-based position
// in the owning table's column list, resolved when the catalog is read.
type IndexColumn struct {
	Name       string
	AttNum     int
	Desc       bool
	NullsFirst bool
}

// Relation is a plain table.
type Relation struct {
	Name    string
	Node    basic.RelFileNode
	Columns []Column
	Indexes []*Index
}

// Index is a B-tree index over one table.
type Index struct {
	Name       string
	Node       basic.RelFileNode
	Table      string
	Columns    []IndexColumn
	Unique     bool
	FillFactor int
}

func (r *Relation) ColumnTypes() []basic.ValType {
	types := make([]basic.ValType, len(r.Columns))
	for i, c := range r.Columns {
		types[i] = c.Type
	}
	return types
}

func (r *Relation) ColumnIndex(name string) int {
	for i, c := range r.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Catalog is the cluster's relation directory, one ini file under global/.
// 目录文件在装载过程中是只读的
type Catalog struct {
	path      string
	defaultDB basic.OID
	relations map[string]*Relation
	indexes   map[string]*Index
}

func NewCatalog(dataDir string) *Catalog {
	return &Catalog{
		path:      filepath.Join(dataDir, "global", CatalogFileName),
		defaultDB: DefaultDatabaseOID,
		relations: make(map[string]*Relation),
		indexes:   make(map[string]*Index),
	}
}

// Open reads the catalog file of an initialized data directory.
func Open(dataDir string) (*Catalog, error) {
	c := NewCatalog(dataDir)
	raw, err := ini.Load(c.path)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot read catalog %s", c.path)
	}

	if cluster := raw.Section("cluster"); cluster.HasKey("database") {
		c.defaultDB = basic.OID(cluster.Key("database").MustUint(uint(DefaultDatabaseOID)))
	}

	for _, sec := range raw.Sections() {
		name := sec.Name()
		if name == ini.DefaultSection || name == "cluster" {
			continue
		}
		switch strings.ToLower(sec.Key("kind").MustString("table")) {
		case "table":
			rel, err := c.parseTable(name, sec)
			if err != nil {
				return nil, err
			}
			c.relations[name] = rel
		case "index":
			idx, err := c.parseIndex(name, sec)
			if err != nil {
				return nil, err
			}
			c.indexes[name] = idx
		default:
			return nil, errors.Errorf("catalog %s: relation %s has unknown kind %q",
				c.path, name, sec.Key("kind").Value())
		}
	}

	if err := c.resolveIndexes(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) parseTable(name string, sec *ini.Section) (*Relation, error) {
	rel := &Relation{Name: name, Node: c.parseNode(sec)}
	if rel.Node.RelNode == basic.InvalidOID {
		return nil, errors.Errorf("catalog: table %s has no relfilenode", name)
	}
	cols := sec.Key("columns").Value()
	if cols == "" {
		return nil, errors.Errorf("catalog: table %s has no columns", name)
	}
	for _, spec := range strings.Split(cols, ",") {
		col, err := parseColumn(spec)
		if err != nil {
			return nil, errors.Annotatef(err, "catalog: table %s", name)
		}
		rel.Columns = append(rel.Columns, col)
	}
	return rel, nil
}

func (c *Catalog) parseIndex(name string, sec *ini.Section) (*Index, error) {
	idx := &Index{
		Name:       name,
		Node:       c.parseNode(sec),
		Table:      sec.Key("on").Value(),
		Unique:     sec.Key("unique").MustBool(false),
		FillFactor: sec.Key("fillfactor").MustInt(90),
	}
	if idx.Node.RelNode == basic.InvalidOID {
		return nil, errors.Errorf("catalog: index %s has no relfilenode", name)
	}
	if idx.Table == "" {
		return nil, errors.Errorf("catalog: index %s names no table", name)
	}
	cols := sec.Key("columns").Value()
	if cols == "" {
		return nil, errors.Errorf("catalog: index %s has no key columns", name)
	}
	for _, spec := range strings.Split(cols, ",") {
		col, err := parseIndexColumn(spec)
		if err != nil {
			return nil, errors.Annotatef(err, "catalog: index %s", name)
		}
		idx.Columns = append(idx.Columns, col)
	}
	if idx.FillFactor < 10 || idx.FillFactor > 100 {
		return nil, errors.Errorf("catalog: index %s fillfactor %d out of range", name, idx.FillFactor)
	}
	return idx, nil
}

func (c *Catalog) parseNode(sec *ini.Section) basic.RelFileNode {
	return basic.RelFileNode{
		SpcNode: basic.OID(sec.Key("tablespace").MustUint(uint(DefaultTablespaceOID))),
		DbNode:  basic.OID(sec.Key("database").MustUint(uint(c.defaultDB))),
		RelNode: basic.OID(sec.Key("relfilenode").MustUint(0)),
	}
}

// parseColumn reads "name type [not_null]".
func parseColumn(spec string) (Column, error) {
	fields := strings.Fields(spec)
	if len(fields) < 2 {
		return Column{}, errors.Errorf("bad column spec %q", strings.TrimSpace(spec))
	}
	vt, err := basic.ParseValType(strings.ToLower(fields[1]))
	if err != nil {
		return Column{}, errors.Trace(err)
	}
	col := Column{Name: fields[0], Type: vt}
	for _, opt := range fields[2:] {
		switch strings.ToLower(opt) {
		case "not_null":
			col.NotNull = true
		default:
			return Column{}, errors.Errorf("bad column option %q", opt)
		}
	}
	return col, nil
}

// parseIndexColumn reads "name [desc] [nulls_first|nulls_last]". The nulls
// placement defaults the usual way: last for ascending keys, first for
// descending ones.
func parseIndexColumn(spec string) (IndexColumn, error) {
	fields := strings.Fields(spec)
	if len(fields) < 1 {
		return IndexColumn{}, errors.Errorf("empty index column spec")
	}
	col := IndexColumn{Name: fields[0], AttNum: -1}
	nullsSet := false
	for _, opt := range fields[1:] {
		switch strings.ToLower(opt) {
		case "asc":
		case "desc":
			col.Desc = true
		case "nulls_first":
			col.NullsFirst, nullsSet = true, true
		case "nulls_last":
			col.NullsFirst, nullsSet = false, true
		default:
			return IndexColumn{}, errors.Errorf("bad index column option %q", opt)
		}
	}
	if !nullsSet {
		col.NullsFirst = col.Desc
	}
	return col, nil
}

// resolveIndexes binds every index to its table, resolving key column names
// to attribute positions.
func (c *Catalog) resolveIndexes() error {
	for _, idx := range sortedIndexes(c.indexes) {
		rel, ok := c.relations[idx.Table]
		if !ok {
			return errors.Errorf("catalog: index %s is on unknown table %s", idx.Name, idx.Table)
		}
		for i := range idx.Columns {
			att := rel.ColumnIndex(idx.Columns[i].Name)
			if att < 0 {
				return errors.Errorf("catalog: index %s keys unknown column %s.%s",
					idx.Name, idx.Table, idx.Columns[i].Name)
			}
			idx.Columns[i].AttNum = att
		}
		rel.Indexes = append(rel.Indexes, idx)
	}
	return nil
}

// LookupTable finds a plain table by (possibly schema-qualified) name.
func (c *Catalog) LookupTable(name string) (*Relation, error) {
	if rel, ok := c.relations[name]; ok {
		return rel, nil
	}
	// TABLE=customer also matches public.customer when unambiguous
	if !strings.Contains(name, ".") {
		var found *Relation
		for _, rel := range c.relations {
			if strings.HasSuffix(rel.Name, "."+name) {
				if found != nil {
					return nil, errors.Errorf("table name %q is ambiguous", name)
				}
				found = rel
			}
		}
		if found != nil {
			return found, nil
		}
	}
	if _, ok := c.indexes[name]; ok {
		return nil, errors.Annotatef(basic.ErrNotATable, "%s", name)
	}
	return nil, errors.Annotatef(ErrTableNotFound, "%s", name)
}

func (c *Catalog) LookupIndex(name string) (*Index, error) {
	if idx, ok := c.indexes[name]; ok {
		return idx, nil
	}
	return nil, errors.Annotatef(ErrIndexNotFound, "%s", name)
}

func (c *Catalog) Tables() []*Relation {
	out := make([]*Relation, 0, len(c.relations))
	for _, rel := range c.relations {
		out = append(out, rel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DefineTable registers a new table. Used by cluster bootstrap and tests;
// loads never create relations.
func (c *Catalog) DefineTable(rel *Relation) error {
	if _, dup := c.relations[rel.Name]; dup {
		return errors.Errorf("catalog: table %s already defined", rel.Name)
	}
	if rel.Node.SpcNode == basic.InvalidOID {
		rel.Node.SpcNode = DefaultTablespaceOID
	}
	if rel.Node.DbNode == basic.InvalidOID {
		rel.Node.DbNode = c.defaultDB
	}
	c.relations[rel.Name] = rel
	return nil
}

func (c *Catalog) DefineIndex(idx *Index) error {
	if _, dup := c.indexes[idx.Name]; dup {
		return errors.Errorf("catalog: index %s already defined", idx.Name)
	}
	if idx.Node.SpcNode == basic.InvalidOID {
		idx.Node.SpcNode = DefaultTablespaceOID
	}
	if idx.Node.DbNode == basic.InvalidOID {
		idx.Node.DbNode = c.defaultDB
	}
	if idx.FillFactor == 0 {
		idx.FillFactor = 90
	}
	c.indexes[idx.Name] = idx
	rel, ok := c.relations[idx.Table]
	if !ok {
		return errors.Errorf("catalog: index %s is on unknown table %s", idx.Name, idx.Table)
	}
	for i := range idx.Columns {
		att := rel.ColumnIndex(idx.Columns[i].Name)
		if att < 0 {
			return errors.Errorf("catalog: index %s keys unknown column %s", idx.Name, idx.Columns[i].Name)
		}
		idx.Columns[i].AttNum = att
	}
	rel.Indexes = append(rel.Indexes, idx)
	return nil
}

// Save writes the catalog back to its ini file.
func (c *Catalog) Save() error {
	raw := ini.Empty()
	cluster := raw.Section("cluster")
	cluster.Key("database").SetValue(fmt.Sprintf("%d", c.defaultDB))

	for _, rel := range c.Tables() {
		sec := raw.Section(rel.Name)
		sec.Key("kind").SetValue("table")
		writeNode(sec, rel.Node, c.defaultDB)
		cols := make([]string, len(rel.Columns))
		for i, col := range rel.Columns {
			s := col.Name + " " + col.Type.String()
			if col.NotNull {
				s += " not_null"
			}
			cols[i] = s
		}
		sec.Key("columns").SetValue(strings.Join(cols, ", "))
	}
	for _, idx := range sortedIndexes(c.indexes) {
		sec := raw.Section(idx.Name)
		sec.Key("kind").SetValue("index")
		writeNode(sec, idx.Node, c.defaultDB)
		sec.Key("on").SetValue(idx.Table)
		if idx.Unique {
			sec.Key("unique").SetValue("true")
		}
		sec.Key("fillfactor").SetValue(fmt.Sprintf("%d", idx.FillFactor))
		cols := make([]string, len(idx.Columns))
		for i, col := range idx.Columns {
			s := col.Name
			if col.Desc {
				s += " desc"
			}
			if col.NullsFirst != col.Desc {
				if col.NullsFirst {
					s += " nulls_first"
				} else {
					s += " nulls_last"
				}
			}
			cols[i] = s
		}
		sec.Key("columns").SetValue(strings.Join(cols, ", "))
	}
	return raw.SaveTo(c.path)
}

func writeNode(sec *ini.Section, node basic.RelFileNode, defaultDB basic.OID) {
	if node.SpcNode != DefaultTablespaceOID {
		sec.Key("tablespace").SetValue(fmt.Sprintf("%d", node.SpcNode))
	}
	if node.DbNode != defaultDB {
		sec.Key("database").SetValue(fmt.Sprintf("%d", node.DbNode))
	}
	sec.Key("relfilenode").SetValue(fmt.Sprintf("%d", node.RelNode))
}

func sortedIndexes(m map[string]*Index) []*Index {
	out := make([]*Index, 0, len(m))
	for _, idx := range m {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
