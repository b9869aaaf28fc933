package storage

import (
	"sync"

	"github.com/google/uuid"

	"github.com/NamanBalaji/leech/internal/errors"
	"github.com/NamanBalaji/leech/internal/logger"
)

type leaseState struct {
	readers int
	writer  bool
}

// Lease is exclusive (write) or shared (read) access to the bytes of one
// piece.
type Lease struct {
	ID    uuid.UUID
	Piece int
	Chunk *Chunk

	store    *ChunkStore
	released bool
}

func (l *Lease) Mode() MapMode { return l.Chunk.mode }

// Release gives the lease back and releases its chunk.
func (l *Lease) Release() error {
	return l.store.releaseLease(l, true)
}

// ChunkStore hands out chunks over a FileSpace and tracks which of them are
// outstanding.
type ChunkStore struct {
	mu          sync.Mutex
	space       *FileSpace
	pieceLength int64
	chunks      map[*Chunk]struct{}
	leases      map[int]*leaseState
}

// NewChunkStore creates a store over space divided into pieces of
// pieceLength bytes.
func NewChunkStore(space *FileSpace, pieceLength int64) *ChunkStore {
	return &ChunkStore{
		space:       space,
		pieceLength: pieceLength,
		chunks:      make(map[*Chunk]struct{}),
		leases:      make(map[int]*leaseState),
	}
}

func (cs *ChunkStore) Space() *FileSpace { return cs.space }

func (cs *ChunkStore) PieceLength() int64 { return cs.pieceLength }

// PieceCount returns the number of pieces, counting a short last piece.
func (cs *ChunkStore) PieceCount() int {
	if cs.pieceLength <= 0 {
		return 0
	}
	return int((cs.space.Size() + cs.pieceLength - 1) / cs.pieceLength)
}

// PieceRange returns the virtual byte range of a piece.
func (cs *ChunkStore) PieceRange(piece int) (offset, length int64, err error) {
	if piece < 0 || piece >= cs.PieceCount() {
		return 0, 0, errors.NewRangeError("piece range", int64(piece), 1, int64(cs.PieceCount()))
	}

	offset = int64(piece) * cs.pieceLength
	length = min(cs.pieceLength, cs.space.Size()-offset)

	return offset, length, nil
}

// Acquire maps [offset, offset+length) of the file space. The chunk either
// covers the whole range or nothing is mapped.
func (cs *ChunkStore) Acquire(offset, length int64, mode MapMode) (*Chunk, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	return cs.acquire(offset, length, mode)
}

func (cs *ChunkStore) acquire(offset, length int64, mode MapMode) (*Chunk, error) {
	if !cs.space.IsOpen() {
		return nil, errors.NewStateError("acquire", errors.ErrNotOpen)
	}

	size := cs.space.Size()
	if offset < 0 || length < 0 || offset > size || length > size-offset {
		return nil, errors.NewRangeError("acquire", offset, length, size)
	}

	chunk := &Chunk{
		offset: offset,
		length: length,
		mode:   mode,
		store:  cs,
	}

	if length == 0 {
		cs.chunks[chunk] = struct{}{}
		return chunk, nil
	}

	idx, _, ok := cs.space.Locate(offset)
	if !ok {
		return nil, errors.NewInternalError("acquire", errors.ErrOutOfRange)
	}

	pos, remaining := offset, length
	for ; remaining > 0; idx++ {
		if idx >= cs.space.Len() {
			cs.discard(chunk)
			return nil, errors.NewInternalError("acquire", errors.ErrOutOfRange)
		}

		entry := cs.space.Entry(idx)
		if entry.size == 0 {
			continue
		}

		fileOffset := pos - entry.position
		n := min(remaining, entry.size-fileOffset)

		part, err := mapPart(entry, idx, fileOffset, n, mode)
		if err != nil {
			cs.discard(chunk)
			logger.Errorf("Could not map %d bytes of %s at %d: %v", n, entry.fullPath, fileOffset, err)
			return nil, err
		}

		chunk.parts = append(chunk.parts, part)
		pos += n
		remaining -= n
	}

	cs.chunks[chunk] = struct{}{}

	return chunk, nil
}

func (cs *ChunkStore) discard(c *Chunk) {
	for _, part := range c.parts {
		if err := part.unmap(); err != nil {
			logger.Warnf("Failed to unmap part of file %d: %v", part.fileIndex, err)
		}
	}
	c.parts = nil
	c.released = true
}

// Release flushes and unmaps a chunk acquired from this store. A leased
// chunk gives its lease back.
func (cs *ChunkStore) Release(c *Chunk) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if c.lease != nil {
		return cs.releaseLeaseLocked(c.lease, true)
	}

	return cs.release(c, true)
}

func (cs *ChunkStore) release(c *Chunk, sync bool) error {
	if c.released {
		return errors.NewStateError("release chunk", errors.ErrAlreadyReleased)
	}

	delete(cs.chunks, c)

	return c.release(sync)
}

// Outstanding returns the number of acquired chunks not yet released.
func (cs *ChunkStore) Outstanding() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	return len(cs.chunks)
}

// Sync flushes writable parts of outstanding chunks. Without SyncForce only
// parts written since the last flush are touched. SyncAll also fsyncs every
// writable file of the space.
func (cs *ChunkStore) Sync(mode SyncMode) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	force := mode&SyncForce != 0

	var errs []error
	for c := range cs.chunks {
		for _, part := range c.parts {
			if err := part.flush(force); err != nil {
				errs = append(errs, errors.NewStorageError("sync", cs.space.Entry(part.fileIndex).fullPath, err))
			}
		}
	}

	if mode&SyncAll != 0 {
		for _, entry := range cs.space.entries {
			if entry.file == nil || !entry.writable {
				continue
			}
			if err := entry.file.Sync(); err != nil {
				errs = append(errs, errors.NewStorageError("sync", entry.fullPath, err))
			}
		}
	}

	return errors.Join(errs...)
}

// Lease maps the whole of piece for mode. Any number of read leases may be
// held on a piece, a write lease excludes every other lease. Breaking this
// rule is a caller bug and yields an internal error.
func (cs *ChunkStore) Lease(piece int, mode MapMode) (*Lease, error) {
	offset, length, err := cs.PieceRange(piece)
	if err != nil {
		return nil, err
	}

	return cs.leaseRange(piece, offset, length, mode)
}

func (cs *ChunkStore) leaseRange(piece int, offset, length int64, mode MapMode) (*Lease, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	state := cs.leases[piece]
	if state == nil {
		state = &leaseState{}
	}

	if state.writer || (mode == ModeWrite && state.readers > 0) {
		logger.Errorf("Lease conflict on piece %d: requested %s with %d readers, writer=%t",
			piece, mode, state.readers, state.writer)
		return nil, errors.NewInternalError("lease", errors.ErrLeaseConflict)
	}

	chunk, err := cs.acquire(offset, length, mode)
	if err != nil {
		return nil, err
	}

	if mode == ModeWrite {
		state.writer = true
	} else {
		state.readers++
	}
	cs.leases[piece] = state

	lease := &Lease{
		ID:    uuid.New(),
		Piece: piece,
		Chunk: chunk,
		store: cs,
	}
	chunk.lease = lease
	logger.Debugf("Lease %s: piece %d %s [%d, %d)", lease.ID, piece, mode, offset, offset+length)

	return lease, nil
}

func (cs *ChunkStore) releaseLease(l *Lease, sync bool) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	return cs.releaseLeaseLocked(l, sync)
}

func (cs *ChunkStore) releaseLeaseLocked(l *Lease, sync bool) error {
	if l.released {
		return errors.NewStateError("release lease", errors.ErrAlreadyReleased)
	}
	l.released = true

	if state := cs.leases[l.Piece]; state != nil {
		if l.Chunk.mode == ModeWrite {
			state.writer = false
		} else {
			state.readers--
		}
		if !state.writer && state.readers <= 0 {
			delete(cs.leases, l.Piece)
		}
	}

	return cs.release(l.Chunk, sync)
}

// WriteBlock writes data at begin bytes into piece under a write lease.
// Mapped bytes are not msynced; Sync and Close make them durable.
func (cs *ChunkStore) WriteBlock(piece int, begin int64, data []byte) error {
	offset, length, err := cs.PieceRange(piece)
	if err != nil {
		return err
	}

	if begin < 0 || begin+int64(len(data)) > length {
		return errors.NewRangeError("write block", begin, int64(len(data)), length)
	}

	lease, err := cs.leaseRange(piece, offset+begin, int64(len(data)), ModeWrite)
	if err != nil {
		return err
	}

	_, werr := lease.Chunk.WriteAt(data, 0)

	return errors.Join(werr, cs.releaseLease(lease, false))
}

// ReadPiece copies the bytes of piece into a new buffer under a read lease.
func (cs *ChunkStore) ReadPiece(piece int) ([]byte, error) {
	lease, err := cs.Lease(piece, ModeRead)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, lease.Chunk.Length())
	_, rerr := lease.Chunk.ReadAt(buf, 0)

	if err := errors.Join(rerr, lease.Release()); err != nil {
		return nil, err
	}

	return buf, nil
}
