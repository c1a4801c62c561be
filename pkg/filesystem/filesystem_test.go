package filesystem

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathExistsAndCreateFileAndDirs(t *testing.T) {
	fs := GetFilesystem(t.TempDir())

	exists, err := PathExists(fs, "a/b/c.txt")
	require.NoError(t, err)
	assert.False(t, exists)

	f, err := CreateFileAndDirs(fs, "a/b/c.txt")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	exists, err = PathExists(fs, "a/b/c.txt")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRemoveAll(t *testing.T) {
	fs := GetFilesystem(t.TempDir())

	f, err := CreateFileAndDirs(fs, "x/y.txt")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, RemoveAll(fs, "x"))
	exists, err := PathExists(fs, "x/y.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func buildTarGz(t *testing.T, entries map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		content := entries[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(content)), Mode: 0o644}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())

	dir := t.TempDir()
	path := filepath.Join(dir, "archive.tar.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestListTarMembers(t *testing.T) {
	path := buildTarGz(t, map[string]string{
		"software/linux/x86_64/amd/zen2/foo": "data",
		"modules/all/foo/1.0.lua":            "module",
	})

	members, err := ListTarMembers(GetFilesystem(filepath.Dir(path)), filepath.Base(path))
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "software/linux/x86_64/amd/zen2/foo", members[1].Name)
	assert.Equal(t, int64(len("data")), members[1].Size)
}
