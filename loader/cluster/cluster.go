package cluster

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
)

// Fixed names inside the data directory.
const (
	GlobalDirName = "global"
	BaseDirName   = "base"
	WalDirName    = "pg_wal"
	StatusDirName = "pg_bulkload"
	TempDirName   = "bulkload_tmp"
	ControlName   = "bulk_control"
	LockName      = "bulkload.lock"
	journalSuffix = ".loadstatus"
	walSuffix     = ".xlog"
	relLockSuffix = ".lock"
)

// Cluster answers path questions about one data directory. It holds no open
// descriptors; storage components open what they need.
type Cluster struct {
	DataDir string
}

func New(dataDir string) *Cluster {
	return &Cluster{DataDir: dataDir}
}

func (c *Cluster) GlobalDir() string  { return filepath.Join(c.DataDir, GlobalDirName) }
func (c *Cluster) WalDir() string     { return filepath.Join(c.DataDir, WalDirName) }
func (c *Cluster) StatusDir() string  { return filepath.Join(c.DataDir, StatusDirName) }
func (c *Cluster) ControlPath() string {
	return filepath.Join(c.GlobalDir(), ControlName)
}

// LockPath is the data-directory lock, the standalone stand-in for a running
// server's pid file.
func (c *Cluster) LockPath() string {
	return filepath.Join(c.DataDir, LockName)
}

func (c *Cluster) DatabaseDir(db basic.OID) string {
	return filepath.Join(c.DataDir, BaseDirName, fmt.Sprintf("%d", db))
}

// RelationPath returns the path of one segment of a relation's file family.
// Segment 0 is the bare relfilenode, later ones carry a .N suffix. Relations
// always live under base/; tablespace placement is not supported here.
func (c *Cluster) RelationPath(node basic.RelFileNode, segno int) string {
	base := filepath.Join(c.DatabaseDir(node.DbNode), fmt.Sprintf("%d", node.RelNode))
	if segno == 0 {
		return base
	}
	return fmt.Sprintf("%s.%d", base, segno)
}

func nodeFileName(node basic.RelFileNode) string {
	return fmt.Sprintf("%d.%d.%d", node.SpcNode, node.DbNode, node.RelNode)
}

// TempDir holds external sort run files. Leftovers from a crashed load are
// garbage, never a correctness problem, and get cleared by the next load of
// the same relation.
func (c *Cluster) TempDir() string {
	return filepath.Join(c.DataDir, BaseDirName, TempDirName)
}

// JournalPath is the load status file guarding one in-flight bulk load.
func (c *Cluster) JournalPath(node basic.RelFileNode) string {
	return filepath.Join(c.StatusDir(), nodeFileName(node)+journalSuffix)
}

// RelationLockPath is the per-relation cross-process lock, kept beside the
// journal.
func (c *Cluster) RelationLockPath(node basic.RelFileNode) string {
	return filepath.Join(c.StatusDir(), nodeFileName(node)+relLockSuffix)
}

// WalPath is the per-relation xlog file, truncated at the start of each load.
func (c *Cluster) WalPath(node basic.RelFileNode) string {
	return filepath.Join(c.WalDir(), nodeFileName(node)+walSuffix)
}

// ActiveJournals lists the load status files currently present, in name
// order. Each one marks a load that is either running or died unrecovered.
func (c *Cluster) ActiveJournals() ([]string, error) {
	entries, err := os.ReadDir(c.StatusDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), journalSuffix) {
			out = append(out, filepath.Join(c.StatusDir(), e.Name()))
		}
	}
	return out, nil
}

// ParseJournalName recovers the relation file node from a journal file name.
func ParseJournalName(name string) (basic.RelFileNode, bool) {
	var spc, db, rel uint32
	n, err := fmt.Sscanf(name, "%d.%d.%d"+journalSuffix, &spc, &db, &rel)
	if err != nil || n != 3 {
		return basic.RelFileNode{}, false
	}
	return basic.RelFileNode{
		SpcNode: basic.OID(spc),
		DbNode:  basic.OID(db),
		RelNode: basic.OID(rel),
	}, true
}
