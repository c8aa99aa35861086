package util

import (
	"os"
	"path/filepath"
)

func PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func EnsureDir(path string) error {
	return os.MkdirAll(path, 0700)
}

// CreateFileExclusive creates path with O_EXCL so that a pre-existing file
// makes the call fail with os.IsExist. Callers rely on this for the
// load status journal and lock files.
func CreateFileExclusive(path string, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, perm)
}

// FsyncDir fsyncs the directory itself so that entry creation/removal
// survives a crash.
func FsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// FsyncFile opens, fsyncs and closes path.
func FsyncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// RenameDurable renames oldpath to newpath and fsyncs the containing
// directory, the atomic swap used when a rebuilt index file replaces the
// previous one.
func RenameDurable(oldpath, newpath string) error {
	if err := os.Rename(oldpath, newpath); err != nil {
		return err
	}
	return FsyncDir(filepath.Dir(newpath))
}

func ReadFileBySeekStart(f *os.File, offset int64, size int) ([]byte, error) {
	buff := make([]byte, size)
	if _, err := f.ReadAt(buff, offset); err != nil {
		return nil, err
	}
	return buff, nil
}

func WriteFileBySeekStart(f *os.File, offset int64, data []byte) error {
	_, err := f.WriteAt(data, offset)
	return err
}
