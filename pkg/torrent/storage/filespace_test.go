package storage

import (
	"math"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NamanBalaji/leech/internal/errors"
)

func newTestSpace(t *testing.T, fs afero.Fs, sizes map[string]int64, order ...string) *FileSpace {
	t.Helper()

	space := NewFileSpace(fs, "/data")
	for _, name := range order {
		require.NoError(t, space.AddFile([]string{name}, sizes[name]))
	}

	return space
}

func TestAddFileTilesSpace(t *testing.T) {
	space := NewFileSpace(afero.NewMemMapFs(), "/data")

	sizes := []int64{10, 0, 7, 1 << 20, 3}
	var total int64
	for i, size := range sizes {
		require.NoError(t, space.AddFile([]string{"dir", string(rune('a' + i))}, size))
		total += size
	}

	assert.Equal(t, total, space.Size())
	assert.Equal(t, len(sizes), space.Len())

	var next int64
	for _, e := range space.Entries() {
		assert.Equal(t, next, e.Position(), "entries must be contiguous")
		next = e.Position() + e.Size()
	}
	assert.Equal(t, total, next)
}

func TestAddFileValidation(t *testing.T) {
	tests := []struct {
		name string
		path []string
		size int64
		want error
	}{
		{"empty path", nil, 1, errors.ErrEmptyPath},
		{"single empty segment", []string{""}, 0, errors.ErrEmptyPath},
		{"empty inner segment", []string{"a", "", "b"}, 1, errors.ErrEmptyPath},
		{"placeholder with size", []string{"empty", ""}, 4, errors.ErrPlaceholderSize},
		{"negative size", []string{"a"}, -1, errors.ErrOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			space := NewFileSpace(afero.NewMemMapFs(), "/data")
			err := space.AddFile(tt.path, tt.size)

			require.Error(t, err)
			assert.True(t, errors.IsConfigError(err))
			assert.ErrorIs(t, err, tt.want)
			assert.Zero(t, space.Len())
		})
	}
}

func TestAddFileOverflow(t *testing.T) {
	space := NewFileSpace(afero.NewMemMapFs(), "/data")

	require.NoError(t, space.AddFile([]string{"big"}, math.MaxInt64-10))
	require.NoError(t, space.AddFile([]string{"fits"}, 10))

	err := space.AddFile([]string{"wraps"}, 1)
	assert.True(t, errors.IsConfigError(err))
	assert.ErrorIs(t, err, errors.ErrOverflow)
	assert.Equal(t, int64(math.MaxInt64), space.Size())
}

func TestLocate(t *testing.T) {
	space := NewFileSpace(afero.NewMemMapFs(), "/data")
	require.NoError(t, space.AddFile([]string{"A"}, 10))
	require.NoError(t, space.AddFile([]string{"empty"}, 0))
	require.NoError(t, space.AddFile([]string{"B"}, 10))
	require.NoError(t, space.AddFile([]string{"C"}, 10))

	tests := []struct {
		offset int64
		index  int
		ok     bool
	}{
		{0, 0, true},
		{9, 0, true},
		{10, 2, true},
		{19, 2, true},
		{20, 3, true},
		{29, 3, true},
		{30, -1, false},
		{-1, -1, false},
	}

	for _, tt := range tests {
		idx, entry, ok := space.Locate(tt.offset)
		assert.Equal(t, tt.ok, ok, "offset %d", tt.offset)
		assert.Equal(t, tt.index, idx, "offset %d", tt.offset)
		if ok {
			assert.LessOrEqual(t, entry.Position(), tt.offset)
			assert.Greater(t, entry.Position()+entry.Size(), tt.offset)
		}
	}
}

func TestOpenCreatesTree(t *testing.T) {
	fs := afero.NewMemMapFs()
	space := NewFileSpace(fs, "/data/")
	require.NoError(t, space.AddFile([]string{"album", "cd1", "01.flac"}, 100))
	require.NoError(t, space.AddFile([]string{"album", "cd1", "02.flac"}, 50))
	require.NoError(t, space.AddFile([]string{"album", "extras", ""}, 0))
	require.NoError(t, space.AddFile([]string{"album", "cover.jpg"}, 0))

	require.NoError(t, space.Open())
	defer space.Close()

	assert.True(t, space.IsOpen())
	assert.Equal(t, []string{"/data"}, space.MountRoots())

	fi, err := fs.Stat("/data/album/cd1/01.flac")
	require.NoError(t, err)
	assert.Equal(t, int64(100), fi.Size())

	fi, err = fs.Stat("/data/album/extras")
	require.NoError(t, err)
	assert.True(t, fi.IsDir())

	fi, err = fs.Stat("/data/album/cover.jpg")
	require.NoError(t, err)
	assert.Zero(t, fi.Size())

	assert.True(t, space.Entry(0).IsOpen())
	assert.True(t, space.Entry(0).Writable())
	assert.False(t, space.Entry(2).IsOpen(), "placeholders have no handle")

	err = space.Open()
	assert.True(t, errors.IsStateError(err))
	assert.True(t, errors.IsStateError(space.AddFile([]string{"late"}, 1)))
}

func TestOpenKeepsLongerFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/a", []byte("0123456789abcdef"), 0o644))

	space := NewFileSpace(fs, "/data")
	require.NoError(t, space.AddFile([]string{"a"}, 10))
	require.NoError(t, space.Open())
	defer space.Close()

	b, err := afero.ReadFile(fs, "/data/a")
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", string(b))
}

func TestOpenRollsBackOnFailure(t *testing.T) {
	root := t.TempDir()
	// "b" is a regular file, so the directory b/c cannot be created below it.
	require.NoError(t, os.WriteFile(filepath.Join(root, "b"), nil, 0o644))

	space := NewFileSpace(afero.NewOsFs(), root)
	require.NoError(t, space.AddFile([]string{"a"}, 10))
	require.NoError(t, space.AddFile([]string{"b", "c", "d"}, 10))

	err := space.Open()
	require.Error(t, err)
	assert.True(t, errors.IsStorageError(err))

	var e *errors.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, filepath.Join(root, "b", "c"), e.Path)

	assert.False(t, space.IsOpen())
	assert.False(t, space.Entry(0).IsOpen(), "handles opened before the failure are released")
	assert.Nil(t, space.MountRoots())
}

func TestOpenMissingFileOnReadOnlyFs(t *testing.T) {
	base := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(base, "/data/a", make([]byte, 10), 0o644))

	space := NewFileSpace(afero.NewReadOnlyFs(base), "/data")
	require.NoError(t, space.AddFile([]string{"a"}, 10))
	require.NoError(t, space.AddFile([]string{"missing"}, 10))

	err := space.Open()
	assert.True(t, errors.IsStorageError(err))
	assert.Contains(t, err.Error(), "missing")
	assert.False(t, space.Entry(0).IsOpen())
}

func TestOpenReadOnlyFallback(t *testing.T) {
	base := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(base, "/data/a", make([]byte, 10), 0o644))

	space := NewFileSpace(afero.NewReadOnlyFs(base), "/data")
	require.NoError(t, space.AddFile([]string{"a"}, 10))
	require.NoError(t, space.Open())
	defer space.Close()

	assert.True(t, space.Entry(0).IsOpen())
	assert.False(t, space.Entry(0).Writable())
}

func TestOpenReadOnlyTooShort(t *testing.T) {
	base := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(base, "/data/a", make([]byte, 4), 0o644))

	space := NewFileSpace(afero.NewReadOnlyFs(base), "/data")
	require.NoError(t, space.AddFile([]string{"a"}, 10))

	err := space.Open()
	assert.True(t, errors.IsStorageError(err))
	assert.ErrorIs(t, err, errors.ErrReadOnly)
}

func TestCloseResetsCounters(t *testing.T) {
	space := newTestSpace(t, afero.NewMemMapFs(), map[string]int64{"A": 10, "B": 10}, "A", "B")

	require.NoError(t, space.SetCompleted(0, 10))
	require.NoError(t, space.Open())
	space.AddCompleted(5, 10)
	assert.Equal(t, int64(10), space.Entry(0).Completed(), "counter is capped at the file size")
	assert.Equal(t, int64(5), space.Entry(1).Completed())
	assert.Equal(t, int64(15), space.BytesCompleted())

	require.NoError(t, space.Close())
	assert.Zero(t, space.BytesCompleted())
	assert.False(t, space.Entry(0).IsOpen())

	require.NoError(t, space.Close(), "closing twice is a no-op")
}

func TestSetCompletedBounds(t *testing.T) {
	space := newTestSpace(t, afero.NewMemMapFs(), map[string]int64{"A": 10}, "A")

	assert.True(t, errors.IsRangeError(space.SetCompleted(1, 0)))
	assert.True(t, errors.IsRangeError(space.SetCompleted(0, 11)))
	assert.NoError(t, space.SetCompleted(0, 10))
}

func TestSetRoot(t *testing.T) {
	space := newTestSpace(t, afero.NewMemMapFs(), map[string]int64{"A": 10}, "A")

	require.NoError(t, space.SetRoot("/other/"))
	assert.Equal(t, "/other", space.Root())
	assert.Equal(t, filepath.Join("/other", "A"), space.Entry(0).FullPath())

	require.NoError(t, space.SetRoot(""))
	assert.Equal(t, ".", space.Root())

	require.NoError(t, space.SetRoot("/other"))
	require.NoError(t, space.Open())
	err := space.SetRoot("/elsewhere")
	assert.True(t, errors.IsStateError(err))
	assert.Equal(t, "/other", space.Root())

	require.NoError(t, space.Close())
	assert.NoError(t, space.SetRoot("/elsewhere"))
}

func TestClear(t *testing.T) {
	space := newTestSpace(t, afero.NewMemMapFs(), map[string]int64{"A": 10}, "A")
	require.NoError(t, space.Open())

	require.NoError(t, space.Clear())
	assert.Zero(t, space.Len())
	assert.Zero(t, space.Size())
	assert.False(t, space.IsOpen())
}

func TestFreeSpace(t *testing.T) {
	space := newTestSpace(t, afero.NewMemMapFs(), map[string]int64{"A": 10}, "A")

	assert.Zero(t, space.FreeSpace(), "no mounts before open")

	space.statfs = func(path string) (uint64, error) {
		switch path {
		case "/data":
			return 500, nil
		case "/data/linked":
			return 200, nil
		}
		return 0, os.ErrNotExist
	}

	require.NoError(t, space.Open())
	defer space.Close()

	assert.Equal(t, uint64(500), space.FreeSpace())

	space.mountRoots = append(space.mountRoots, "/data/linked", "/data/gone")
	assert.Equal(t, uint64(200), space.FreeSpace())

	space.statfs = func(string) (uint64, error) { return 0, os.ErrPermission }
	assert.Zero(t, space.FreeSpace(), "unknown is never unlimited")
}

func TestOpenRecordsSymlinkedDirectories(t *testing.T) {
	root := t.TempDir()
	target := t.TempDir()

	require.NoError(t, os.Symlink(target, filepath.Join(root, "linked")))

	space := NewFileSpace(afero.NewOsFs(), root)
	require.NoError(t, space.AddFile([]string{"linked", "a"}, 4))
	require.NoError(t, space.AddFile([]string{"linked", "b"}, 4))
	require.NoError(t, space.AddFile([]string{"plain", "c"}, 4))
	require.NoError(t, space.Open())
	defer space.Close()

	assert.ElementsMatch(t, []string{root, filepath.Join(root, "linked")}, space.MountRoots())

	_, err := os.Stat(filepath.Join(target, "b"))
	assert.NoError(t, err, "files are created through the link")
	assert.NotZero(t, space.FreeSpace())
}

func TestDiskFreeWalksToExistingParent(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("statfs only checked on unix")
	}

	free, err := DiskFree(filepath.Join(t.TempDir(), "not", "created"))
	require.NoError(t, err)
	assert.NotZero(t, free)
}
