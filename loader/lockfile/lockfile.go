package lockfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/shirou/gopsutil/process"

	"github.com/ossc-db/pg-bulkload-sub000/loader/basic"
	"github.com/ossc-db/pg-bulkload-sub000/logger"
	"github.com/ossc-db/pg-bulkload-sub000/util"
)

// 锁文件内容为文本行：第一行pid，第二行数据目录，第三行可选的共享内存key
//
// A lock file proves liveness, not correctness: the load status journal and
// the control record stay authoritative even if a lock is stolen. The probe
// order is pid first, then the recorded SysV segment, so a dead holder whose
// server generation is still attached to shared memory keeps the lock.
const (
	maxCreateRetries = 100
	createBackoff    = 100 * time.Millisecond
)

// Options carry what gets recorded inside the lock file.
type Options struct {
	// DataDir is written on the second line so a human can tell which
	// cluster the holder was working on.
	DataDir string
	// ShmKey, when non-zero, records the SysV shared memory key of the
	// owning server generation. Only the data-directory lock uses it.
	ShmKey int
}

// LockFile is one held cross-process lock.
type LockFile struct {
	path    string
	dataDir string
	shmKey  int
}

type lockContent struct {
	pid     int
	dataDir string
	shmKey  int
}

func formatLockContent(c *lockContent) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d\n%s\n", c.pid, c.dataDir)
	if c.shmKey != 0 {
		fmt.Fprintf(&sb, "%d\n", c.shmKey)
	}
	return []byte(sb.String())
}

func parseLockContent(buff []byte) (*lockContent, error) {
	lines := strings.Split(string(buff), "\n")
	if len(lines) < 2 {
		return nil, errors.Errorf("lock file has %d lines", len(lines))
	}
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return nil, errors.Errorf("bad pid line %q", lines[0])
	}
	c := &lockContent{pid: pid, dataDir: strings.TrimSpace(lines[1])}
	if len(lines) > 2 && strings.TrimSpace(lines[2]) != "" {
		key, err := strconv.Atoi(strings.TrimSpace(lines[2]))
		if err != nil {
			return nil, errors.Errorf("bad shm key line %q", lines[2])
		}
		c.shmKey = key
	}
	return c, nil
}

// Acquire claims path for this process. A present lock file is taken over
// only when its holder is provably gone: the recorded pid no longer exists
// and no SysV segment for the recorded key survives. A live holder fails the
// acquisition immediately; only empty files (a creator caught mid-write) are
// waited out.
func Acquire(path string, opts Options) (*LockFile, error) {
	self := os.Getpid()
	for try := 0; try < maxCreateRetries; try++ {
		f, err := util.CreateFileExclusive(path, 0600)
		if err == nil {
			content := formatLockContent(&lockContent{pid: self, dataDir: opts.DataDir, shmKey: opts.ShmKey})
			_, werr := f.Write(content)
			if werr == nil {
				werr = f.Sync()
			}
			if werr == nil {
				f.Close()
				return &LockFile{path: path, dataDir: opts.DataDir, shmKey: opts.ShmKey}, nil
			}
			f.Close()
			os.Remove(path)
			return nil, errors.Annotatef(werr, "write lock file %s", path)
		}
		if !os.IsExist(err) {
			return nil, errors.Trace(err)
		}

		buff, rerr := os.ReadFile(path)
		if rerr != nil {
			if os.IsNotExist(rerr) {
				// holder released between our create and read
				continue
			}
			return nil, errors.Trace(rerr)
		}
		if len(buff) == 0 {
			// creator has the file but has not written it yet
			time.Sleep(createBackoff)
			continue
		}
		holder, perr := parseLockContent(buff)
		if perr != nil {
			// 内容损坏的锁文件按失效处理，日志状态文件仍然兜底
			logger.Warnf("removing garbled lock file %s: %v", path, perr)
			os.Remove(path)
			continue
		}
		if alive(holder.pid) {
			return nil, errors.Annotatef(basic.ErrClusterRunning,
				"lock file %s held by live pid %d", path, holder.pid)
		}
		if holder.shmKey != 0 && sysvShmExists(holder.shmKey) {
			return nil, errors.Annotatef(basic.ErrClusterRunning,
				"lock file %s pid %d is gone but shared memory key %d is still attached",
				path, holder.pid, holder.shmKey)
		}
		logger.Warnf("removing stale lock file %s (pid %d is gone)", path, holder.pid)
		os.Remove(path)
	}
	return nil, errors.Annotatef(basic.ErrClusterRunning,
		"could not claim lock file %s after %d attempts", path, maxCreateRetries)
}

// alive errs toward keeping the lock: probe failures count as a live holder.
func alive(pid int) bool {
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return true
	}
	return exists
}

func (l *LockFile) Path() string { return l.path }

// Release unlinks the lock file. Failures are logged, not returned; a
// leftover file is reclaimed by the next acquirer's staleness probe.
func (l *LockFile) Release() {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		logger.Warnf("release lock file %s: %v", l.path, err)
	}
}
