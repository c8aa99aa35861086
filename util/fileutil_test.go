package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/smartystreets/assertions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadBySeekStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seek.dat")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	buff := []byte{'A', 'B'}
	require.NoError(t, WriteFileBySeekStart(f, 38, buff))

	result, err := ReadFileBySeekStart(f, 38, 2)
	require.NoError(t, err)
	assertions.ShouldEqual(buff, result)
	assert.Equal(t, buff, result)
}

func TestCreateFileExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "only-once")

	f, err := CreateFileExclusive(path, 0600)
	require.NoError(t, err)
	f.Close()

	_, err = CreateFileExclusive(path, 0600)
	assert.True(t, os.IsExist(err))
}

func TestPathExists(t *testing.T) {
	dir := t.TempDir()

	ok, err := PathExists(dir)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = PathExists(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRenameDurable(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "index.tmp")
	newPath := filepath.Join(dir, "index")

	require.NoError(t, os.WriteFile(oldPath, []byte("leafdata"), 0600))
	require.NoError(t, RenameDurable(oldPath, newPath))

	data, err := os.ReadFile(newPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("leafdata"), data)

	ok, _ := PathExists(oldPath)
	assert.False(t, ok)
}
