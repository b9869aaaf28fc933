// Package storage maps a torrent's contiguous byte space onto the files that
// hold it. A FileSpace owns the ordered list of files and their handles; a
// ChunkStore hands out memory-mapped views (chunks) over arbitrary byte
// ranges of a FileSpace, splitting them at file boundaries, and governs
// per-piece read/write leases over those views.
//
// Neither type blocks on the network. Chunk acquisition does touch the disk
// (mmap, or a read for non-OS filesystems), so callers that must not stall
// should acquire chunks off their event loop.
package storage

import (
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/NamanBalaji/leech/internal/errors"
)

// MapMode selects the protection of a chunk mapping.
type MapMode int

const (
	ModeRead MapMode = iota
	ModeWrite
)

func (m MapMode) String() string {
	if m == ModeWrite {
		return "write"
	}
	return "read"
}

// SyncMode controls ChunkStore.Sync. Modes can be combined.
type SyncMode int

const (
	// SyncAll additionally fsyncs every writable file handle of the file space.
	SyncAll SyncMode = 1 << iota
	// SyncForce flushes every writable part, ignoring dirty tracking.
	SyncForce
)

// BlockWriter writes a block of data at an absolute byte offset of a piece.
// ChunkStore implements it with a write-mode lease.
type BlockWriter interface {
	WriteBlock(piece int, offset int64, data []byte) error
}

var appFS afero.Fs = afero.NewOsFs()

// NewOsFileSpace creates a FileSpace on the operating system's filesystem.
func NewOsFileSpace(rootDir string) *FileSpace {
	return NewFileSpace(appFS, rootDir)
}

// DiskFree returns the free space of the filesystem holding path. A path
// that does not exist yet is measured at its nearest existing parent.
func DiskFree(path string) (uint64, error) {
	path = filepath.Clean(path)
	for {
		if _, err := appFS.Stat(path); err == nil {
			return diskFree(path)
		}

		parent := filepath.Dir(path)
		if parent == path {
			return diskFree(path)
		}
		path = parent
	}
}

func isExist(err error) bool {
	return errors.Is(err, fs.ErrExist)
}
