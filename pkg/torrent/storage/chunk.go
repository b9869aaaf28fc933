package storage

import (
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/spf13/afero"

	"github.com/NamanBalaji/leech/internal/errors"
)

var pageSize = int64(os.Getpagesize())

// msync writes a mapping back to its file. Tests replace it to count calls.
var msync = func(m mmap.MMap) error { return m.Flush() }

// ChunkPart is the slice of a Chunk that lives in a single file. Parts backed
// by an *os.File are memory-mapped; parts on other filesystems hold a static
// buffer that is read on acquire and written back on flush.
type ChunkPart struct {
	fileIndex int
	position  int64 // virtual offset of the first byte
	offset    int64 // offset within the file
	length    int64
	mode      MapMode

	mapping mmap.MMap // whole page-aligned region, nil for static parts
	data    []byte
	file    afero.File
	dirty   bool
}

func (p *ChunkPart) FileIndex() int { return p.fileIndex }

// Position returns the virtual offset of the part's first byte.
func (p *ChunkPart) Position() int64 { return p.position }

// Offset returns the offset of the part within its file.
func (p *ChunkPart) Offset() int64 { return p.offset }

func (p *ChunkPart) Length() int64 { return p.length }

func (p *ChunkPart) Mode() MapMode { return p.mode }

// Mapped reports whether the part is memory-mapped rather than buffered.
func (p *ChunkPart) Mapped() bool { return p.mapping != nil }

// Bytes exposes the part's memory. Writes through it must be followed by
// MarkDirty for static parts to reach the file.
func (p *ChunkPart) Bytes() []byte { return p.data }

func (p *ChunkPart) MarkDirty() { p.dirty = true }

func mapPart(entry *FileEntry, index int, fileOffset, length int64, mode MapMode) (*ChunkPart, error) {
	if mode == ModeWrite && !entry.writable {
		return nil, errors.NewStorageError("map", entry.fullPath, errors.ErrReadOnly)
	}

	part := &ChunkPart{
		fileIndex: index,
		position:  entry.position + fileOffset,
		offset:    fileOffset,
		length:    length,
		mode:      mode,
		file:      entry.file,
	}

	if f, ok := entry.file.(*os.File); ok {
		prot := mmap.RDONLY
		if mode == ModeWrite {
			prot = mmap.RDWR
		}

		delta := fileOffset % pageSize
		m, err := mmap.MapRegion(f, int(length+delta), prot, 0, fileOffset-delta)
		if err != nil {
			return nil, errors.NewStorageError("map", entry.fullPath, errors.Join(errors.ErrMapFailed, err))
		}

		part.mapping = m
		part.data = m[delta : delta+length]

		return part, nil
	}

	part.data = make([]byte, length)
	n, err := entry.file.ReadAt(part.data, fileOffset)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == length) {
		return nil, errors.NewStorageError("read", entry.fullPath, errors.Join(errors.ErrMapFailed, err))
	}

	return part, nil
}

func (p *ChunkPart) flush(force bool) error {
	if p.mode != ModeWrite || (!p.dirty && !force) {
		return nil
	}

	if p.mapping != nil {
		if err := msync(p.mapping); err != nil {
			return err
		}
	} else if _, err := p.file.WriteAt(p.data, p.offset); err != nil {
		return err
	}

	p.dirty = false

	return nil
}

func (p *ChunkPart) unmap() error {
	p.data = nil
	if p.mapping == nil {
		return nil
	}

	err := p.mapping.Unmap()
	p.mapping = nil

	return err
}

// Chunk is a view over [Offset, Offset+Length) of a FileSpace, made of one
// part per file it touches. Parts are ordered by offset and tile the range.
type Chunk struct {
	offset   int64
	length   int64
	mode     MapMode
	parts    []*ChunkPart
	store    *ChunkStore
	lease    *Lease
	released bool
}

func (c *Chunk) Offset() int64 { return c.offset }

func (c *Chunk) Length() int64 { return c.length }

func (c *Chunk) Mode() MapMode { return c.mode }

func (c *Chunk) Parts() []*ChunkPart { return c.parts }

func (c *Chunk) Released() bool { return c.released }

// ReadAt copies chunk bytes starting at off, relative to the chunk start.
func (c *Chunk) ReadAt(p []byte, off int64) (int, error) {
	if c.released {
		return 0, errors.NewStateError("read chunk", errors.ErrAlreadyReleased)
	}
	if off < 0 || off > c.length {
		return 0, errors.NewRangeError("read chunk", off, int64(len(p)), c.length)
	}

	n := c.copyParts(p, off, false)
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// WriteAt copies p into the chunk at off, relative to the chunk start. The
// whole write must fit inside the chunk.
func (c *Chunk) WriteAt(p []byte, off int64) (int, error) {
	if c.released {
		return 0, errors.NewStateError("write chunk", errors.ErrAlreadyReleased)
	}
	if c.mode != ModeWrite {
		return 0, errors.NewStateError("write chunk", errors.ErrReadOnly)
	}
	if off < 0 || off+int64(len(p)) > c.length {
		return 0, errors.NewRangeError("write chunk", off, int64(len(p)), c.length)
	}

	return c.copyParts(p, off, true), nil
}

func (c *Chunk) copyParts(p []byte, off int64, write bool) int {
	var done int
	start := c.offset + off

	for _, part := range c.parts {
		if done == len(p) {
			break
		}

		partEnd := part.position + part.length
		if partEnd <= start {
			continue
		}

		rel := start - part.position
		var n int
		if write {
			n = copy(part.data[rel:], p[done:])
			part.dirty = true
		} else {
			n = copy(p[done:], part.data[rel:])
		}

		done += n
		start += int64(n)
	}

	return done
}

// Release flushes dirty parts and unmaps the chunk. A chunk held by a lease
// gives the lease back too. A chunk may be released once; later calls fail
// with ErrAlreadyReleased.
func (c *Chunk) Release() error {
	if c.store == nil {
		return c.release(true)
	}
	return c.store.Release(c)
}

// release unmaps every part. Static parts are always written back. Mapped
// parts are only msynced when sync is set; otherwise their pages stay in the
// page cache until the file is synced.
func (c *Chunk) release(sync bool) error {
	if c.released {
		return errors.NewStateError("release chunk", errors.ErrAlreadyReleased)
	}
	c.released = true

	var errs []error
	for _, part := range c.parts {
		if sync || !part.Mapped() {
			if err := part.flush(false); err != nil {
				errs = append(errs, err)
			}
		}
		if err := part.unmap(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.NewStorageError("release chunk", "", errors.Join(errs...))
	}

	return nil
}
