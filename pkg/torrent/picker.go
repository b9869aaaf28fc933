package torrent

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/NamanBalaji/leech/internal/errors"
)

// PiecePolicy ranks pieces for the Delegator.
type PiecePolicy interface {
	// Pick returns the best piece that peer has, local lacks and skip
	// does not exclude.
	Pick(peer, local *Bitfield, skip func(piece int) bool) (int, bool)
	// AllowsJoin reports whether a peer may be given blocks of a piece that
	// is already being downloaded from others.
	AllowsJoin(piece int) bool
	// Queued and Canceled report a piece entering and leaving transfer.
	Queued(piece int)
	Canceled(piece int)
}

// PiecePickerStrategy defines piece selection strategies.
type PiecePickerStrategy int

const (
	PickerRandom PiecePickerStrategy = iota
	PickerRarest
	PickerSequential
)

// ParsePickerStrategy maps a configuration name to a strategy.
func ParsePickerStrategy(name string) (PiecePickerStrategy, error) {
	switch strings.ToLower(name) {
	case "random":
		return PickerRandom, nil
	case "rarest", "":
		return PickerRarest, nil
	case "sequential":
		return PickerSequential, nil
	default:
		return 0, errors.NewConfigError("picker strategy", fmt.Errorf("unknown strategy %q", name))
	}
}

// PiecePicker selects which pieces to download next.
type PiecePicker struct {
	numPieces    int
	availability []int // piece index -> number of peers that have it
	inUse        *roaring.Bitmap
	strategy     PiecePickerStrategy
	join         bool
	mu           sync.RWMutex
	rand         *rand.Rand
}

// NewPiecePicker creates a new piece picker. Joining in-progress pieces is
// allowed by default.
func NewPiecePicker(numPieces int, strategy PiecePickerStrategy) *PiecePicker {
	return &PiecePicker{
		numPieces:    numPieces,
		availability: make([]int, numPieces),
		inUse:        roaring.New(),
		strategy:     strategy,
		join:         true,
		rand:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetJoin controls whether in-progress pieces may be shared between peers
// outside of endgame.
func (pp *PiecePicker) SetJoin(allow bool) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pp.join = allow
}

// AddPeer counts the pieces of a newly known peer bitfield.
func (pp *PiecePicker) AddPeer(peerBitfield *Bitfield) {
	pp.updateAvailability(peerBitfield, 1)
}

// RemovePeer uncounts the pieces of a peer that went away.
func (pp *PiecePicker) RemovePeer(peerBitfield *Bitfield) {
	pp.updateAvailability(peerBitfield, -1)
}

func (pp *PiecePicker) updateAvailability(peerBitfield *Bitfield, delta int) {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	for i := range pp.numPieces {
		if peerBitfield.HasPiece(i) {
			pp.availability[i] = max(0, pp.availability[i]+delta)
		}
	}
}

// Have records that a peer announced a single piece.
func (pp *PiecePicker) Have(piece int) {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	if piece >= 0 && piece < pp.numPieces {
		pp.availability[piece]++
	}
}

// Availability returns how many known peers have piece.
func (pp *PiecePicker) Availability(piece int) int {
	pp.mu.RLock()
	defer pp.mu.RUnlock()

	if piece < 0 || piece >= pp.numPieces {
		return 0
	}
	return pp.availability[piece]
}

// Pick selects the next piece to download.
func (pp *PiecePicker) Pick(peer, local *Bitfield, skip func(int) bool) (int, bool) {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	candidates := pp.getCandidates(peer, local, skip)
	if len(candidates) == 0 {
		return -1, false
	}

	switch pp.strategy {
	case PickerRarest:
		return pp.pickRarest(candidates), true
	case PickerSequential:
		return pp.pickSequential(candidates), true
	default:
		return candidates[pp.rand.Intn(len(candidates))], true
	}
}

// getCandidates returns pieces that can be downloaded.
func (pp *PiecePicker) getCandidates(peer, local *Bitfield, skip func(int) bool) []int {
	var candidates []int

	for i := range pp.numPieces {
		// Skip if we already have it
		if local.HasPiece(i) {
			continue
		}

		// Skip if already downloading
		if pp.inUse.Contains(uint32(i)) || (skip != nil && skip(i)) {
			continue
		}

		// Skip if peer doesn't have it
		if !peer.HasPiece(i) {
			continue
		}

		candidates = append(candidates, i)
	}

	return candidates
}

// pickRarest selects the rarest piece among candidates.
func (pp *PiecePicker) pickRarest(candidates []int) int {
	// Sort by rarity (least available first)
	sort.Slice(candidates, func(i, j int) bool {
		availI := pp.availability[candidates[i]]
		availJ := pp.availability[candidates[j]]
		if availI == availJ {
			// If rarity is the same, prefer lower index
			return candidates[i] < candidates[j]
		}
		return availI < availJ
	})

	return candidates[0]
}

// pickSequential selects pieces in order.
func (pp *PiecePicker) pickSequential(candidates []int) int {
	sort.Ints(candidates)
	return candidates[0]
}

func (pp *PiecePicker) AllowsJoin(int) bool {
	pp.mu.RLock()
	defer pp.mu.RUnlock()
	return pp.join
}

// Queued marks a piece as in transfer.
func (pp *PiecePicker) Queued(piece int) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pp.inUse.Add(uint32(piece))
}

// Canceled marks a piece as no longer in transfer.
func (pp *PiecePicker) Canceled(piece int) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pp.inUse.Remove(uint32(piece))
}

// InProgressCount returns the number of pieces currently being downloaded.
func (pp *PiecePicker) InProgressCount() int {
	pp.mu.RLock()
	defer pp.mu.RUnlock()
	return int(pp.inUse.GetCardinality())
}
