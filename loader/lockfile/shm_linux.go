//go:build linux

package lockfile

import "golang.org/x/sys/unix"

// sysvShmExists reports whether a SysV shared memory segment for key is still
// around. EACCES means the segment exists but belongs to someone else, which
// is just as disqualifying as owning it.
func sysvShmExists(key int) bool {
	if key == 0 {
		return false
	}
	_, err := unix.SysvShmGet(key, 0, 0)
	return err == nil || err == unix.EACCES
}
