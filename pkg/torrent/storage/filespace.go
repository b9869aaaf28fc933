package storage

import (
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/NamanBalaji/leech/internal/errors"
	"github.com/NamanBalaji/leech/internal/logger"
)

// FileEntry is one physical file of a FileSpace. Entries are addressed by
// their index in the FileSpace, which never changes once added.
type FileEntry struct {
	path      []string
	fullPath  string
	position  int64 // virtual offset of the first byte
	size      int64
	completed int64
	file      afero.File
	writable  bool
}

// Path returns the path segments relative to the root directory.
func (e *FileEntry) Path() []string { return slices.Clone(e.path) }

// FullPath returns the resolved filesystem path.
func (e *FileEntry) FullPath() string { return e.fullPath }

// Position returns the virtual offset where the file starts.
func (e *FileEntry) Position() int64 { return e.position }

func (e *FileEntry) Size() int64 { return e.size }

// Completed returns the number of verified bytes of this file.
func (e *FileEntry) Completed() int64 { return e.completed }

func (e *FileEntry) IsOpen() bool { return e.file != nil }

// Writable reports whether the file was opened read-write.
func (e *FileEntry) Writable() bool { return e.writable }

// IsPlaceholder reports whether the entry denotes an explicit empty
// directory, signalled by an empty final path segment.
func (e *FileEntry) IsPlaceholder() bool {
	return len(e.path) > 0 && e.path[len(e.path)-1] == ""
}

func (e *FileEntry) end() int64 { return e.position + e.size }

func (e *FileEntry) close() error {
	if e.file == nil {
		return nil
	}

	err := e.file.Close()
	e.file = nil
	e.writable = false

	return err
}

// FileSpace maps torrent-relative byte offsets onto an ordered list of files
// below a root directory. It is not safe for concurrent mutation; concurrent
// readers are fine once it is open.
type FileSpace struct {
	fs         afero.Fs
	rootDir    string
	entries    []*FileEntry
	size       int64
	open       bool
	mountRoots []string
	statfs     func(path string) (uint64, error)
}

// NewFileSpace creates an empty file space rooted at rootDir on fs.
func NewFileSpace(fs afero.Fs, rootDir string) *FileSpace {
	space := &FileSpace{
		fs:     fs,
		statfs: diskFree,
	}
	space.rootDir = cleanRoot(rootDir)

	return space
}

// AddFile appends a file at the current end of the space. A final empty
// path segment declares an empty directory, which must have size 0.
func (s *FileSpace) AddFile(path []string, size int64) error {
	if s.open {
		return errors.NewStateError("add file", errors.ErrAlreadyOpen)
	}

	if len(path) == 0 || (len(path) == 1 && path[0] == "") {
		return errors.NewConfigError("add file", errors.ErrEmptyPath)
	}

	for _, seg := range path[:len(path)-1] {
		if seg == "" {
			return errors.NewConfigError("add file", errors.ErrEmptyPath)
		}
	}

	if size < 0 || size > math.MaxInt64-s.size {
		return errors.NewConfigError("add file", errors.ErrOverflow)
	}

	entry := &FileEntry{
		path:     slices.Clone(path),
		position: s.size,
		size:     size,
	}

	if entry.IsPlaceholder() && size != 0 {
		return errors.NewConfigError("add file", errors.ErrPlaceholderSize)
	}

	entry.fullPath = s.resolve(entry.path)
	s.entries = append(s.entries, entry)
	s.size += size

	return nil
}

// Open creates the directory tree and opens every file, creating and
// zero-filling missing ones. It is all-or-nothing: on failure every handle
// opened so far is released and a storage error naming the path is returned.
func (s *FileSpace) Open() error {
	if s.open {
		return errors.NewStateError("open", errors.ErrAlreadyOpen)
	}

	s.mountRoots = []string{s.rootDir}

	if fi, err := s.fs.Stat(s.rootDir); err != nil || !fi.IsDir() {
		if err := s.fs.MkdirAll(s.rootDir, 0o755); err != nil && !isExist(err) {
			s.mountRoots = nil
			logger.Errorf("Could not create root directory %s: %v", s.rootDir, err)
			return errors.NewStorageError("create directory", s.rootDir, err)
		}
	}

	var lastPath []string
	for i, entry := range s.entries {
		if entry.IsOpen() {
			s.rollback(i)
			return errors.NewInternalError("open", errors.ErrAlreadyOpen)
		}

		if err := s.openEntry(entry, lastPath); err != nil {
			s.rollback(i + 1)
			logger.Errorf("Could not open %s: %v", entry.fullPath, err)
			return err
		}

		lastPath = entry.path
	}

	s.open = true
	logger.Debugf("Opened file space %s: %d files, %d bytes", s.rootDir, len(s.entries), s.size)

	return nil
}

func (s *FileSpace) rollback(n int) {
	for _, entry := range s.entries[:n] {
		if err := entry.close(); err != nil {
			logger.Warnf("Failed to close %s during rollback: %v", entry.fullPath, err)
		}
	}
	s.mountRoots = nil
}

func (s *FileSpace) openEntry(entry *FileEntry, lastPath []string) error {
	if err := s.makeDirectories(entry.path, commonPrefix(lastPath, entry.path)); err != nil {
		return err
	}

	if entry.IsPlaceholder() {
		if entry.size != 0 {
			return errors.NewStorageError("open", entry.fullPath, errors.ErrPlaceholderSize)
		}
		return nil
	}

	f, err := s.fs.OpenFile(entry.fullPath, os.O_RDWR|os.O_CREATE, 0o644)
	writable := true
	if err != nil {
		f, err = s.fs.OpenFile(entry.fullPath, os.O_RDONLY, 0)
		writable = false
	}
	if err != nil {
		return errors.NewStorageError("open", entry.fullPath, err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return errors.NewStorageError("stat", entry.fullPath, err)
	}

	// Extending with Truncate zero-fills; longer files are left alone.
	if stat.Size() < entry.size {
		if !writable {
			f.Close()
			return errors.NewStorageError("resize", entry.fullPath, errors.ErrReadOnly)
		}
		if err := f.Truncate(entry.size); err != nil {
			f.Close()
			return errors.NewStorageError("resize", entry.fullPath, err)
		}
	}

	entry.file = f
	entry.writable = writable

	return nil
}

// makeDirectories creates the parent directories of path. Prefixes shorter
// than start were handled for the previous file and are skipped; new
// components are checked once for symlinks leading elsewhere.
func (s *FileSpace) makeDirectories(path []string, start int) error {
	dir := s.rootDir

	for i, seg := range path {
		if seg == "" {
			break
		}

		dir = filepath.Join(dir, seg)
		if i < start {
			continue
		}

		s.detectLink(dir)

		if i == len(path)-1 {
			break
		}

		if err := s.fs.Mkdir(dir, 0o755); err != nil && !isExist(err) {
			return errors.NewStorageError("create directory", dir, err)
		}
	}

	return nil
}

func (s *FileSpace) detectLink(path string) {
	lstater, ok := s.fs.(afero.Lstater)
	if !ok {
		return
	}

	fi, _, err := lstater.LstatIfPossible(path)
	if err != nil || fi.Mode()&os.ModeSymlink == 0 {
		return
	}

	if !slices.Contains(s.mountRoots, path) {
		logger.Debugf("Found symlinked path %s, tracking as separate mount", path)
		s.mountRoots = append(s.mountRoots, path)
	}
}

func commonPrefix(a, b []string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

// Close releases every file handle and zeroes the completed-byte counters.
// Closing a closed space is a no-op.
func (s *FileSpace) Close() error {
	if !s.open {
		return nil
	}

	var errs []error
	for _, entry := range s.entries {
		if err := entry.close(); err != nil {
			errs = append(errs, errors.NewStorageError("close", entry.fullPath, err))
		}
		entry.completed = 0
	}

	s.open = false
	s.mountRoots = nil

	return errors.Join(errs...)
}

// Clear closes the space and drops every entry.
func (s *FileSpace) Clear() error {
	err := s.Close()
	s.entries = nil
	s.size = 0

	return err
}

// SetRoot moves the space to a new root directory. It fails while any file
// handle is open.
func (s *FileSpace) SetRoot(path string) error {
	for _, entry := range s.entries {
		if entry.IsOpen() {
			return errors.NewStateError("set root", errors.ErrAlreadyOpen)
		}
	}

	s.rootDir = cleanRoot(path)
	for _, entry := range s.entries {
		entry.fullPath = s.resolve(entry.path)
	}

	return nil
}

func cleanRoot(path string) string {
	trimmed := strings.TrimRight(path, "/")
	switch {
	case trimmed != "":
		return trimmed
	case path != "":
		return "/"
	default:
		return "."
	}
}

func (s *FileSpace) resolve(path []string) string {
	return filepath.Join(append([]string{s.rootDir}, path...)...)
}

// Locate returns the index and entry covering offset. Zero-length entries
// never cover an offset.
func (s *FileSpace) Locate(offset int64) (int, *FileEntry, bool) {
	if offset < 0 || offset >= s.size {
		return -1, nil, false
	}

	i := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].end() > offset
	})
	if i == len(s.entries) {
		return -1, nil, false
	}

	return i, s.entries[i], true
}

// FreeSpace returns the smallest amount of free space across the mounts
// recorded by Open, or 0 if none could be queried.
func (s *FileSpace) FreeSpace() uint64 {
	var (
		free  uint64 = math.MaxUint64
		found bool
	)

	for _, root := range s.mountRoots {
		avail, err := s.statfs(root)
		if err != nil {
			logger.Debugf("Could not stat filesystem of %s: %v", root, err)
			continue
		}

		found = true
		free = min(free, avail)
	}

	if !found {
		return 0
	}

	return free
}

// SetCompleted records n verified bytes for entry i, used when restoring
// resume data before Open.
func (s *FileSpace) SetCompleted(i int, n int64) error {
	if i < 0 || i >= len(s.entries) {
		return errors.NewRangeError("set completed", int64(i), 1, int64(len(s.entries)))
	}

	entry := s.entries[i]
	if n < 0 || n > entry.size {
		return errors.NewRangeError("set completed", 0, n, entry.size)
	}

	entry.completed = n

	return nil
}

// AddCompleted credits the verified byte range [offset, offset+length) to
// the files it overlaps.
func (s *FileSpace) AddCompleted(offset, length int64) {
	end := offset + length
	idx, _, ok := s.Locate(offset)
	if !ok {
		return
	}

	for _, entry := range s.entries[idx:] {
		if entry.position >= end {
			break
		}

		overlap := min(end, entry.end()) - max(offset, entry.position)
		if overlap > 0 {
			entry.completed = min(entry.size, entry.completed+overlap)
		}
	}
}

// BytesCompleted sums the completed counters of all entries.
func (s *FileSpace) BytesCompleted() int64 {
	var total int64
	for _, entry := range s.entries {
		total += entry.completed
	}
	return total
}

func (s *FileSpace) Size() int64 { return s.size }

func (s *FileSpace) Len() int { return len(s.entries) }

func (s *FileSpace) Root() string { return s.rootDir }

func (s *FileSpace) IsOpen() bool { return s.open }

// Entry returns the entry at index i.
func (s *FileSpace) Entry(i int) *FileEntry { return s.entries[i] }

// Entries returns the entries in offset order.
func (s *FileSpace) Entries() []*FileEntry { return slices.Clone(s.entries) }

// MountRoots returns the distinct filesystem roots recorded by Open.
func (s *FileSpace) MountRoots() []string { return slices.Clone(s.mountRoots) }
