package torrent

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/NamanBalaji/leech/internal/errors"
	"github.com/NamanBalaji/leech/pkg/torrent/storage"
)

// PeerID identifies a remote peer, typically by its address.
type PeerID string

// BlockState is the lifecycle state of a block.
type BlockState int

const (
	BlockPending BlockState = iota
	BlockRequested
	BlockFinished
)

func (s BlockState) String() string {
	switch s {
	case BlockPending:
		return "pending"
	case BlockRequested:
		return "requested"
	case BlockFinished:
		return "finished"
	default:
		return fmt.Sprintf("BlockState(%d)", int(s))
	}
}

// Block is one request-sized part of a piece.
type Block struct {
	Index  int
	Offset int64 // offset within the piece
	Length int64

	state      BlockState
	requester  PeerID
	duplicates mapset.Set[PeerID]
	supplier   PeerID
}

func (b *Block) State() BlockState { return b.state }

// Requester returns the primary requester of a requested block.
func (b *Block) Requester() PeerID { return b.requester }

// Supplier returns the peer that delivered a finished block.
func (b *Block) Supplier() PeerID { return b.supplier }

// Requesters returns every peer the block is requested from, primary first.
func (b *Block) Requesters() []PeerID {
	if b.state != BlockRequested {
		return nil
	}

	peers := []PeerID{b.requester}
	for _, p := range b.duplicates.ToSlice() {
		peers = append(peers, p)
	}

	return peers
}

// RequestedBy reports whether peer has an outstanding request for the block.
func (b *Block) RequestedBy(peer PeerID) bool {
	return b.state == BlockRequested && (b.requester == peer || b.duplicates.Contains(peer))
}

func (b *Block) reset() {
	b.state = BlockPending
	b.requester = ""
	b.duplicates.Clear()
	b.supplier = ""
}

// BlockList tracks the blocks of one piece while it is downloaded.
type BlockList struct {
	piece     int
	length    int64
	blocks    []*Block
	requested int
	finished  int
}

// NewBlockList partitions a piece into blocks of blockSize bytes, the last
// one possibly shorter. All blocks start pending.
func NewBlockList(piece int, pieceLength, blockSize int64) *BlockList {
	n := int((pieceLength + blockSize - 1) / blockSize)
	bl := &BlockList{
		piece:  piece,
		length: pieceLength,
		blocks: make([]*Block, n),
	}

	for i := range n {
		offset := int64(i) * blockSize
		bl.blocks[i] = &Block{
			Index:      i,
			Offset:     offset,
			Length:     min(blockSize, pieceLength-offset),
			duplicates: mapset.NewThreadUnsafeSet[PeerID](),
		}
	}

	return bl
}

func (bl *BlockList) Piece() int { return bl.piece }

func (bl *BlockList) PieceLength() int64 { return bl.length }

func (bl *BlockList) Len() int { return len(bl.blocks) }

// Block returns the block at idx.
func (bl *BlockList) Block(idx int) *Block { return bl.blocks[idx] }

// Requested returns the number of blocks in the requested state.
func (bl *BlockList) Requested() int { return bl.requested }

func (bl *BlockList) Finished() int { return bl.finished }

// Pending returns the number of blocks nobody has requested.
func (bl *BlockList) Pending() int { return len(bl.blocks) - bl.requested - bl.finished }

// Outstanding returns the number of blocks that are not finished.
func (bl *BlockList) Outstanding() int { return len(bl.blocks) - bl.finished }

// IsComplete reports whether every block is finished.
func (bl *BlockList) IsComplete() bool { return bl.finished == len(bl.blocks) }

// FinishedBytes returns the number of bytes held by finished blocks.
func (bl *BlockList) FinishedBytes() int64 {
	var n int64
	for _, b := range bl.blocks {
		if b.state == BlockFinished {
			n += b.Length
		}
	}
	return n
}

func (bl *BlockList) block(op string, idx int) (*Block, error) {
	if idx < 0 || idx >= len(bl.blocks) {
		return nil, errors.NewStateError(op, fmt.Errorf("%w: %d of piece %d", errors.ErrInvalidBlockIndex, idx, bl.piece))
	}
	return bl.blocks[idx], nil
}

// Request marks a pending block as requested from peer.
func (bl *BlockList) Request(idx int, peer PeerID) error {
	b, err := bl.block("request", idx)
	if err != nil {
		return err
	}

	if b.state != BlockPending {
		return errors.NewStateError("request", fmt.Errorf("%w: block %d of piece %d is %s",
			errors.ErrNotPending, idx, bl.piece, b.state))
	}

	b.state = BlockRequested
	b.requester = peer
	bl.requested++

	return nil
}

// RequestDuplicate adds peer as an extra requester of a block that is
// already requested. A pending block is simply requested.
func (bl *BlockList) RequestDuplicate(idx int, peer PeerID) error {
	b, err := bl.block("request duplicate", idx)
	if err != nil {
		return err
	}

	switch {
	case b.state == BlockPending:
		return bl.Request(idx, peer)
	case b.state == BlockFinished:
		return errors.NewStateError("request duplicate", errors.ErrAlreadyFinished)
	case b.RequestedBy(peer):
		return errors.NewStateError("request duplicate", fmt.Errorf("%w: already requested from %s",
			errors.ErrNotPending, peer))
	}

	b.duplicates.Add(peer)

	return nil
}

// Cancel returns a requested block to pending, dropping every requester.
// Canceling a block that is not requested does nothing.
func (bl *BlockList) Cancel(idx int) error {
	b, err := bl.block("cancel", idx)
	if err != nil {
		return err
	}

	if b.state != BlockRequested {
		return nil
	}

	b.reset()
	bl.requested--

	return nil
}

// CancelPeer withdraws peer's request for a block. A remaining duplicate
// requester takes over; without one the block becomes pending again.
func (bl *BlockList) CancelPeer(idx int, peer PeerID) bool {
	if idx < 0 || idx >= len(bl.blocks) {
		return false
	}

	b := bl.blocks[idx]
	if !b.RequestedBy(peer) {
		return false
	}

	if b.requester != peer {
		b.duplicates.Remove(peer)
		return true
	}

	if next, ok := b.duplicates.Pop(); ok {
		b.requester = next
		return true
	}

	b.reset()
	bl.requested--

	return true
}

// Complete stores data for a block through w and marks it finished. It
// returns the other peers that still had the block requested, whose
// requests are now redundant.
func (bl *BlockList) Complete(idx int, peer PeerID, data []byte, w storage.BlockWriter) ([]PeerID, error) {
	b, err := bl.block("complete", idx)
	if err != nil {
		return nil, err
	}

	if b.state == BlockFinished {
		return nil, errors.NewStateError("complete", fmt.Errorf("%w: block %d of piece %d",
			errors.ErrAlreadyFinished, idx, bl.piece))
	}

	if int64(len(data)) != b.Length {
		return nil, errors.NewSizeMismatchError("complete", int(b.Length), len(data))
	}

	if err := w.WriteBlock(bl.piece, b.Offset, data); err != nil {
		return nil, err
	}

	var redundant []PeerID
	for _, p := range b.Requesters() {
		if p != peer {
			redundant = append(redundant, p)
		}
	}

	if b.state == BlockRequested {
		bl.requested--
	}

	b.reset()
	b.state = BlockFinished
	b.supplier = peer
	bl.finished++

	return redundant, nil
}

// Reset returns every block to pending.
func (bl *BlockList) Reset() {
	for _, b := range bl.blocks {
		b.reset()
	}
	bl.requested = 0
	bl.finished = 0
}

// Suppliers returns the distinct peers that delivered finished blocks.
func (bl *BlockList) Suppliers() mapset.Set[PeerID] {
	peers := mapset.NewThreadUnsafeSet[PeerID]()
	for _, b := range bl.blocks {
		if b.state == BlockFinished {
			peers.Add(b.supplier)
		}
	}
	return peers
}

// RequestedFrom returns the indices of blocks peer has requested.
func (bl *BlockList) RequestedFrom(peer PeerID) []int {
	var idx []int
	for _, b := range bl.blocks {
		if b.RequestedBy(peer) {
			idx = append(idx, b.Index)
		}
	}
	return idx
}
