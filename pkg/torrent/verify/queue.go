package verify

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/NamanBalaji/leech/internal/logger"
	"github.com/NamanBalaji/leech/pkg/torrent"
)

// PieceReader gives access to the stored bytes of each piece.
// *storage.ChunkStore implements it.
type PieceReader interface {
	PieceCount() int
	ReadPiece(piece int) ([]byte, error)
}

// Result is the outcome of checking one piece.
type Result struct {
	Piece int
	Pass  bool
	Err   error // the piece could not be read
}

// Handler receives results from the queue workers, possibly concurrently.
type Handler func(Result)

// Queue hashes completed pieces on a fixed set of workers. Verify never
// blocks, so it can be installed as the coordinator's verifier.
type Queue struct {
	store   PieceReader
	hasher  Hasher
	hashes  [][]byte
	workers int

	jobs      chan int
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewQueue creates a queue checking pieces of store against hashes.
func NewQueue(store PieceReader, hasher Hasher, hashes [][]byte, workers int) (*Queue, error) {
	if err := checkHashes(hasher, hashes, store.PieceCount()); err != nil {
		return nil, err
	}

	return &Queue{
		store:   store,
		hasher:  hasher,
		hashes:  hashes,
		workers: max(1, workers),
		// A piece is queued at most once until its result is handled.
		jobs: make(chan int, len(hashes)),
	}, nil
}

// Verify queues piece for hashing.
func (q *Queue) Verify(piece int) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		logger.Warnf("Verify queue closed, dropping piece %d", piece)
		return
	}

	select {
	case q.jobs <- piece:
	default:
		logger.Errorf("Verify queue full, dropping piece %d", piece)
	}
}

// Run starts the workers and blocks until ctx is done or the queue is
// closed and drained.
func (q *Queue) Run(ctx context.Context, handle Handler) error {
	g, groupCtx := errgroup.WithContext(ctx)

	for range q.workers {
		g.Go(func() error {
			for {
				select {
				case <-groupCtx.Done():
					return groupCtx.Err()
				case piece, ok := <-q.jobs:
					if !ok {
						return nil
					}
					handle(q.check(piece))
				}
			}
		})
	}

	return g.Wait()
}

// Close stops accepting pieces. Workers finish what is queued and exit.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.jobs)
		q.mu.Unlock()
	})
}

func (q *Queue) check(piece int) Result {
	data, err := q.store.ReadPiece(piece)
	if err != nil {
		logger.Errorf("Could not read piece %d for verification: %v", piece, err)
		return Result{Piece: piece, Err: err}
	}

	pass := q.hasher.Match(data, q.hashes[piece])
	if !pass {
		logger.Debugf("Piece %d failed %s verification", piece, q.hasher.Name())
	}

	return Result{Piece: piece, Pass: pass}
}

// Report returns a handler feeding results back into c. A piece that could
// not be read counts as failed.
func Report(c *torrent.Coordinator) Handler {
	return func(r Result) {
		if err := c.HashDone(r.Piece, r.Err == nil && r.Pass); err != nil {
			logger.Warnf("Dropping verification result of piece %d: %v", r.Piece, err)
		}
	}
}
