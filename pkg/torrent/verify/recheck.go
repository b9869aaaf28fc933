package verify

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/NamanBalaji/leech/internal/logger"
	"github.com/NamanBalaji/leech/pkg/torrent"
)

// Recheck hashes every piece of store and returns the pieces that match.
// Up to workers pieces are hashed at once. progress, when set, is called
// after each piece with the number of pieces checked so far.
func Recheck(ctx context.Context, store PieceReader, hasher Hasher, hashes [][]byte, workers int, progress func(done int)) (*torrent.Bitfield, error) {
	n := store.PieceCount()
	if err := checkHashes(hasher, hashes, n); err != nil {
		return nil, err
	}

	bf := torrent.NewBitfield(n)
	var done atomic.Int64

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, workers))

	for piece := range n {
		if groupCtx.Err() != nil {
			break
		}

		g.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}

			data, err := store.ReadPiece(piece)
			if err != nil {
				return err
			}

			if hasher.Match(data, hashes[piece]) {
				if err := bf.SetPiece(piece); err != nil {
					return err
				}
			}

			if progress != nil {
				progress(int(done.Add(1)))
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger.Infof("Recheck finished: %d of %d pieces valid", bf.Count(), n)

	return bf, nil
}
