package torrent

import (
	"slices"

	"github.com/NamanBalaji/leech/internal/errors"
	"github.com/NamanBalaji/leech/internal/logger"
	"github.com/NamanBalaji/leech/pkg/torrent/storage"
)

// TransferEvents are invoked synchronously by a TransferSet once the
// mutation that caused them is complete. Nil callbacks are skipped.
type TransferEvents struct {
	// OnCompleted fires once per piece instance when its last block finishes.
	OnCompleted func(piece int)
	// OnCorrupt fires after Reset with the peers that supplied the piece.
	OnCorrupt func(piece int, peers []PeerID)
	// OnQueued fires when a piece enters the set.
	OnQueued func(piece int)
	// OnCanceled fires when a piece leaves the set.
	OnCanceled func(piece int)
}

// TransferSet holds the pieces being downloaded. A piece whose blocks have
// all arrived moves out of the in-progress map and waits for hash
// verification, keeping the peers that supplied it.
type TransferSet struct {
	writer    storage.BlockWriter
	blockSize int64
	events    TransferEvents

	active    map[int]*BlockList
	verifying map[int]*BlockList
	completed int
}

// NewTransferSet creates an empty set writing finished blocks through w.
func NewTransferSet(w storage.BlockWriter, blockSize int64, events TransferEvents) *TransferSet {
	return &TransferSet{
		writer:    w,
		blockSize: blockSize,
		events:    events,
		active:    make(map[int]*BlockList),
		verifying: make(map[int]*BlockList),
	}
}

func (ts *TransferSet) BlockSize() int64 { return ts.blockSize }

// Begin returns the block list of piece, creating it if the piece is not
// in progress yet. Pieces waiting for verification cannot be begun again.
func (ts *TransferSet) Begin(piece int, pieceLength int64) (*BlockList, error) {
	if bl, ok := ts.active[piece]; ok {
		return bl, nil
	}

	if _, ok := ts.verifying[piece]; ok {
		return nil, errors.NewStateError("begin", errors.ErrAlreadyFinished)
	}

	bl := NewBlockList(piece, pieceLength, ts.blockSize)
	ts.active[piece] = bl

	if ts.events.OnQueued != nil {
		ts.events.OnQueued(piece)
	}

	return bl, nil
}

// Get returns the in-progress block list of piece.
func (ts *TransferSet) Get(piece int) (*BlockList, bool) {
	bl, ok := ts.active[piece]
	return bl, ok
}

// Contains reports whether piece is in progress or awaiting verification.
func (ts *TransferSet) Contains(piece int) bool {
	_, active := ts.active[piece]
	_, verifying := ts.verifying[piece]
	return active || verifying
}

// Verifying reports whether piece has all blocks and awaits its hash check.
func (ts *TransferSet) Verifying(piece int) bool {
	_, ok := ts.verifying[piece]
	return ok
}

// OnBlockComplete records data for a block. When it finishes the piece, the
// piece moves to verification and OnCompleted fires. The returned peers had
// duplicate requests for the block that should be canceled.
func (ts *TransferSet) OnBlockComplete(piece, block int, peer PeerID, data []byte) ([]PeerID, error) {
	bl, ok := ts.active[piece]
	if !ok {
		return nil, errors.NewStateError("block complete", errors.ErrNotInProgress)
	}

	redundant, err := bl.Complete(block, peer, data, ts.writer)
	if err != nil {
		return nil, err
	}

	if bl.IsComplete() {
		delete(ts.active, piece)
		ts.verifying[piece] = bl

		logger.Debugf("Piece %d complete, awaiting verification", piece)

		if ts.events.OnCompleted != nil {
			ts.events.OnCompleted(piece)
		}
	}

	return redundant, nil
}

// Reset re-arms piece with every block pending after a failed hash check and
// reports the peers that supplied it through OnCorrupt.
func (ts *TransferSet) Reset(piece int) error {
	bl, ok := ts.verifying[piece]
	if ok {
		delete(ts.verifying, piece)
	} else if bl, ok = ts.active[piece]; !ok {
		return errors.NewStateError("reset", errors.ErrNotInProgress)
	}

	peers := bl.Suppliers().ToSlice()
	slices.Sort(peers)

	bl.Reset()
	ts.active[piece] = bl

	if ts.events.OnCorrupt != nil {
		ts.events.OnCorrupt(piece, peers)
	}

	return nil
}

// Verified drops a piece that passed its hash check and counts it as
// completed. It returns the peers that supplied it.
func (ts *TransferSet) Verified(piece int) ([]PeerID, error) {
	bl, ok := ts.verifying[piece]
	if !ok {
		return nil, errors.NewStateError("verified", errors.ErrNotInProgress)
	}

	delete(ts.verifying, piece)
	ts.completed++

	if ts.events.OnCanceled != nil {
		ts.events.OnCanceled(piece)
	}

	peers := bl.Suppliers().ToSlice()
	slices.Sort(peers)

	return peers, nil
}

// AbandonPeerBlocks withdraws every request attributed to peer. Pieces stay
// in progress. It returns the number of block requests withdrawn.
func (ts *TransferSet) AbandonPeerBlocks(peer PeerID) int {
	n := 0
	for _, bl := range ts.active {
		for _, idx := range bl.RequestedFrom(peer) {
			if bl.CancelPeer(idx, peer) {
				n++
			}
		}
	}
	return n
}

// Clear drops every piece, firing OnCanceled for each.
func (ts *TransferSet) Clear() {
	pieces := make([]int, 0, len(ts.active)+len(ts.verifying))
	for p := range ts.active {
		pieces = append(pieces, p)
	}
	for p := range ts.verifying {
		pieces = append(pieces, p)
	}
	slices.Sort(pieces)

	clear(ts.active)
	clear(ts.verifying)

	if ts.events.OnCanceled != nil {
		for _, p := range pieces {
			ts.events.OnCanceled(p)
		}
	}
}

// Active returns the in-progress block lists ordered by piece index.
func (ts *TransferSet) Active() []*BlockList {
	lists := make([]*BlockList, 0, len(ts.active))
	for _, bl := range ts.active {
		lists = append(lists, bl)
	}
	slices.SortFunc(lists, func(a, b *BlockList) int { return a.piece - b.piece })

	return lists
}

// InProgress returns the number of pieces downloading or awaiting
// verification.
func (ts *TransferSet) InProgress() int { return len(ts.active) + len(ts.verifying) }

// Completed returns the number of verified pieces.
func (ts *TransferSet) Completed() int { return ts.completed }

// SetCompleted sets the verified piece count, used when resuming.
func (ts *TransferSet) SetCompleted(n int) { ts.completed = n }

// FinishedBytes returns the bytes of finished blocks of pieces in the set.
func (ts *TransferSet) FinishedBytes() int64 {
	var n int64
	for _, bl := range ts.active {
		n += bl.FinishedBytes()
	}
	for _, bl := range ts.verifying {
		n += bl.length
	}
	return n
}
