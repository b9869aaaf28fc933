package torrent

import (
	"github.com/NamanBalaji/leech/internal/logger"
)

// DelegatorMode is NORMAL until the transfer nears its end, then ENDGAME.
type DelegatorMode int

const (
	ModeNormal DelegatorMode = iota
	ModeEndgame
)

func (m DelegatorMode) String() string {
	if m == ModeEndgame {
		return "endgame"
	}
	return "normal"
}

// Request is a block request to send to a peer.
type Request struct {
	Peer   PeerID
	Piece  int
	Block  int
	Offset int64 // offset within the piece
	Length int64
}

// Delegator decides which blocks to request from which peer.
type Delegator struct {
	transfers   *TransferSet
	policy      PiecePolicy
	pieceLength func(piece int) int64
	mode        DelegatorMode
}

// NewDelegator creates a delegator in normal mode. pieceLength gives the
// byte length of each piece.
func NewDelegator(ts *TransferSet, policy PiecePolicy, pieceLength func(int) int64) *Delegator {
	return &Delegator{
		transfers:   ts,
		policy:      policy,
		pieceLength: pieceLength,
	}
}

func (d *Delegator) Mode() DelegatorMode { return d.mode }

func (d *Delegator) Endgame() bool { return d.mode == ModeEndgame }

// Reset returns to normal mode. Only a restart of the transfer does this.
func (d *Delegator) Reset() { d.mode = ModeNormal }

// EvaluateEndgame switches to endgame once completed+inProgress+margin
// reaches total. The switch is never undone by this call.
func (d *Delegator) EvaluateEndgame(completed, inProgress, total, margin int) bool {
	if d.mode == ModeNormal && completed+inProgress+margin >= total {
		d.mode = ModeEndgame
		logger.Infof("Entering endgame: %d completed, %d in progress of %d pieces", completed, inProgress, total)
	}
	return d.Endgame()
}

// NotifyQueued tells the policy a piece entered transfer.
func (d *Delegator) NotifyQueued(piece int) { d.policy.Queued(piece) }

// NotifyCanceled tells the policy a piece left transfer.
func (d *Delegator) NotifyCanceled(piece int) { d.policy.Canceled(piece) }

// NextPieceFor returns the piece peer should work on. Started pieces with
// unrequested blocks come first. A piece with requests from others is only
// joined when the policy allows it; one nobody is downloading, after a reset
// or a departed peer, is always eligible. Then a new piece from the policy. In endgame a piece already requested elsewhere is
// returned for a duplicate request, preferring the fewest unfinished blocks.
func (d *Delegator) NextPieceFor(peer PeerID, completion, peerBF *Bitfield) (int, bool) {
	if piece, ok := d.bestActive(completion, peerBF, func(bl *BlockList) bool {
		return bl.Pending() > 0 && (bl.Requested() == 0 || d.policy.AllowsJoin(bl.piece))
	}); ok {
		return piece, true
	}

	if piece, ok := d.policy.Pick(peerBF, completion, d.transfers.Contains); ok {
		return piece, true
	}

	if d.mode != ModeEndgame {
		return -1, false
	}

	return d.bestActive(completion, peerBF, func(bl *BlockList) bool {
		return duplicateCandidate(bl, peer) >= 0
	})
}

// bestActive returns the in-progress piece accepted by ok with the fewest
// unfinished blocks.
func (d *Delegator) bestActive(completion, peerBF *Bitfield, ok func(*BlockList) bool) (int, bool) {
	best := -1
	outstanding := 0

	for _, bl := range d.transfers.Active() {
		if !peerBF.HasPiece(bl.piece) || completion.HasPiece(bl.piece) || !ok(bl) {
			continue
		}
		if best < 0 || bl.Outstanding() < outstanding {
			best, outstanding = bl.piece, bl.Outstanding()
		}
	}

	return best, best >= 0
}

func duplicateCandidate(bl *BlockList, peer PeerID) int {
	for _, b := range bl.blocks {
		if b.state == BlockRequested && !b.RequestedBy(peer) {
			return b.Index
		}
	}
	return -1
}

// Delegate assigns up to limit block requests to peer and returns them.
func (d *Delegator) Delegate(peer PeerID, completion, peerBF *Bitfield, limit int) ([]Request, error) {
	var reqs []Request

	for len(reqs) < limit {
		piece, ok := d.NextPieceFor(peer, completion, peerBF)
		if !ok {
			break
		}

		bl, err := d.transfers.Begin(piece, d.pieceLength(piece))
		if err != nil {
			return reqs, err
		}

		n := len(reqs)
		reqs, err = d.assign(bl, peer, limit, reqs)
		if err != nil {
			return reqs, err
		}
		if len(reqs) == n {
			break
		}
	}

	return reqs, nil
}

func (d *Delegator) assign(bl *BlockList, peer PeerID, limit int, reqs []Request) ([]Request, error) {
	for _, b := range bl.blocks {
		if len(reqs) >= limit {
			return reqs, nil
		}
		if b.state != BlockPending {
			continue
		}
		if err := bl.Request(b.Index, peer); err != nil {
			return reqs, err
		}
		reqs = append(reqs, d.request(bl, b, peer))
	}

	if d.mode != ModeEndgame {
		return reqs, nil
	}

	for _, b := range bl.blocks {
		if len(reqs) >= limit {
			break
		}
		if b.state != BlockRequested || b.RequestedBy(peer) {
			continue
		}
		if err := bl.RequestDuplicate(b.Index, peer); err != nil {
			return reqs, err
		}
		reqs = append(reqs, d.request(bl, b, peer))
	}

	return reqs, nil
}

func (d *Delegator) request(bl *BlockList, b *Block, peer PeerID) Request {
	return Request{
		Peer:   peer,
		Piece:  bl.piece,
		Block:  b.Index,
		Offset: b.Offset,
		Length: b.Length,
	}
}
