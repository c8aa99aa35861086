package cluster

import (
	"os"

	"github.com/juju/errors"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/loader/catalog"
	"github.com/ossc-db/pg-bulkload-sub000/logger"
	"github.com/ossc-db/pg-bulkload-sub000/util"
)

// InitOptions tunes cluster bootstrap.
type InitOptions struct {
	DataChecksums bool
}

// InitDataDir lays down a minimal empty cluster: the directory skeleton, a
// fresh control record in the cleanly-shut-down state, and an empty catalog.
// Refuses to touch a directory that already holds a control record.
func InitDataDir(dataDir string, opts InitOptions) (*Cluster, error) {
	c := New(dataDir)

	if exists, err := util.PathExists(c.ControlPath()); err != nil {
		return nil, errors.Trace(err)
	} else if exists {
		return nil, errors.Errorf("data directory %s is already initialized", dataDir)
	}

	dirs := []string{
		dataDir,
		c.GlobalDir(),
		c.DatabaseDir(catalog.DefaultDatabaseOID),
		c.WalDir(),
		c.StatusDir(),
	}
	for _, dir := range dirs {
		if err := util.EnsureDir(dir); err != nil {
			return nil, errors.Annotatef(err, "cannot create %s", dir)
		}
	}

	cr := &ControlRecord{
		Version:          ControlVersion,
		State:            StateShutDowned,
		NextXID:          basic.FirstNormalXID,
		LastLSN:          basic.InvalidLSN,
		ChecksumsEnabled: opts.DataChecksums,
	}
	if err := c.WriteControl(cr); err != nil {
		return nil, errors.Trace(err)
	}

	if err := catalog.NewCatalog(dataDir).Save(); err != nil {
		return nil, errors.Annotatef(err, "cannot write empty catalog")
	}
	if err := util.FsyncDir(c.GlobalDir()); err != nil {
		return nil, errors.Trace(err)
	}

	logger.Infof("初始化数据目录完成: %s (checksums=%v)\n", dataDir, opts.DataChecksums)
	return c, nil
}

// EnsureStatusDir creates pg_bulkload/ if an older data directory lacks it.
func (c *Cluster) EnsureStatusDir() error {
	if err := util.EnsureDir(c.StatusDir()); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// Remove wipes a data directory. Test and demo helper.
func (c *Cluster) Remove() error {
	return os.RemoveAll(c.DataDir)
}
