package hybridrt

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestResolveSearchOrder(t *testing.T) {
	root := t.TempDir()
	loc := &AssetLocator{WorkDir: filepath.Join(root, "work"), InstallDir: filepath.Join(root, "install")}

	installed := filepath.Join(root, "install", "data", "envmap.png")
	touch(t, installed)
	got, err := loc.Resolve("envmap.png")
	require.NoError(t, err)
	assert.Equal(t, installed, got)

	local := filepath.Join(root, "work", "data", "envmap.png")
	touch(t, local)
	got, err = loc.Resolve("envmap.png")
	require.NoError(t, err)
	assert.Equal(t, local, got)

	cwd := filepath.Join(root, "work", "envmap.png")
	touch(t, cwd)
	got, err = loc.Resolve("envmap.png")
	require.NoError(t, err)
	assert.Equal(t, cwd, got)
}

func TestResolveMissingListsEveryCandidate(t *testing.T) {
	root := t.TempDir()
	loc := &AssetLocator{WorkDir: root, InstallDir: "/opt/hybridrt"}

	_, err := loc.Resolve("cow.obj")
	require.ErrorIs(t, err, ErrResourceNotFound)

	var nf *ResourceNotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "cow.obj", nf.Name)
	assert.Equal(t, []string{
		filepath.Join(root, "cow.obj"),
		filepath.Join(root, "data", "cow.obj"),
		filepath.Join("/opt/hybridrt", "data", "cow.obj"),
	}, nf.Attempted)
	for _, p := range nf.Attempted {
		assert.Contains(t, err.Error(), p)
	}
}

func TestResolveSkipsDirectoriesAndWithoutInstallDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "envmap.png"), 0o755))
	loc := &AssetLocator{WorkDir: root}

	assert.Len(t, loc.Candidates("envmap.png"), 2)
	_, err := loc.Resolve("envmap.png")
	assert.ErrorIs(t, err, ErrResourceNotFound)
}

func TestResolveAbsolutePath(t *testing.T) {
	p := filepath.Join(t.TempDir(), "abs.png")
	touch(t, p)
	loc := &AssetLocator{WorkDir: "/nonexistent"}

	got, err := loc.Resolve(p)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestResolveReportsStatErrors(t *testing.T) {
	loc := &AssetLocator{
		WorkDir: "/w",
		stat: func(string) (fs.FileInfo, error) {
			return nil, fs.ErrPermission
		},
	}
	_, err := loc.Resolve("envmap.png")
	assert.ErrorIs(t, err, ErrResourceNotFound)
}
