package torrent

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NamanBalaji/leech/internal/config"
	"github.com/NamanBalaji/leech/internal/errors"
	"github.com/NamanBalaji/leech/internal/logger"
	"github.com/NamanBalaji/leech/pkg/torrent/storage"
)

// ErrCorruptPeer is passed to Connections.Disconnect for peers that sent
// too many pieces failing verification.
var ErrCorruptPeer = errors.New("peer sent corrupt data")

// Connections is the peer connection layer driven by the Coordinator. Its
// methods are called with the coordinator locked and must not call back
// into it synchronously.
type Connections interface {
	IssueRequest(req Request)
	CancelRequest(req Request)
	Disconnect(peer PeerID, reason error)
	BroadcastHave(piece int)
}

// Verifier checks the hash of a completed piece and reports back through
// Coordinator.HashDone. Verify must not block.
type Verifier interface {
	Verify(piece int)
}

// Options tunes a Coordinator.
type Options struct {
	BlockSize              int64
	EndgameMargin          int
	MaxOutstandingRequests int
	CorruptionTolerance    int
	TrackerRetryGrowth     int
	TrackerInterval        time.Duration
	PickerStrategy         PiecePickerStrategy
}

// OptionsFromConfig converts the engine section of the configuration.
func OptionsFromConfig(cfg *config.EngineConfig) (Options, error) {
	strategy, err := ParsePickerStrategy(cfg.PickerStrategy)
	if err != nil {
		return Options{}, err
	}

	if cfg.BlockSize <= 0 {
		return Options{}, errors.NewConfigError("options", fmt.Errorf("block size must be positive, got %d", cfg.BlockSize))
	}

	return Options{
		BlockSize:              int64(cfg.BlockSize),
		EndgameMargin:          cfg.EndgameMargin,
		MaxOutstandingRequests: cfg.MaxOutstandingRequests,
		CorruptionTolerance:    cfg.CorruptionTolerance,
		TrackerRetryGrowth:     cfg.TrackerRetryGrowth,
		TrackerInterval:        cfg.TrackerInterval,
		PickerStrategy:         strategy,
	}, nil
}

// TrackerAction is the outcome of a tracker request decision.
type TrackerAction int

const (
	TrackerNone TrackerAction = iota
	TrackerCurrent
	TrackerNext
)

func (a TrackerAction) String() string {
	switch a {
	case TrackerCurrent:
		return "current"
	case TrackerNext:
		return "next"
	default:
		return "none"
	}
}

// ResumeState is the persisted progress of a transfer.
type ResumeState struct {
	NumPieces     int     `json:"numPieces"`
	Bitfield      []byte  `json:"bitfield"`
	FileCompleted []int64 `json:"fileCompleted"`
}

type peerState struct {
	bitfield    *Bitfield
	outstanding int
	failed      int
}

// Coordinator runs one transfer: it owns the file space, chunk store,
// transfer set and delegator and reacts to peer and verifier events. All
// methods are safe for concurrent use; they are serialized internally.
type Coordinator struct {
	mu sync.Mutex

	ID         uuid.UUID
	opts       Options
	space      *storage.FileSpace
	store      *storage.ChunkStore
	transfers  *TransferSet
	picker     *PiecePicker
	delegator  *Delegator
	completion *Bitfield

	conns    Connections
	verifier Verifier
	peers    map[PeerID]*peerState
	active   bool

	lastConnected int
	nextTracker   time.Time
}

// NewCoordinator creates a coordinator over store. The verifier may be set
// later with SetVerifier, before the first piece completes.
func NewCoordinator(store *storage.ChunkStore, opts Options, conns Connections) *Coordinator {
	c := &Coordinator{
		ID:         uuid.New(),
		opts:       opts,
		space:      store.Space(),
		store:      store,
		conns:      conns,
		completion: NewBitfield(store.PieceCount()),
		peers:      make(map[PeerID]*peerState),
	}

	c.picker = NewPiecePicker(store.PieceCount(), opts.PickerStrategy)
	c.transfers = NewTransferSet(store, opts.BlockSize, TransferEvents{
		OnCompleted: c.pieceCompleted,
		OnCorrupt:   c.pieceCorrupt,
		OnQueued:    func(p int) { c.delegator.NotifyQueued(p) },
		OnCanceled:  func(p int) { c.delegator.NotifyCanceled(p) },
	})
	c.delegator = NewDelegator(c.transfers, c.picker, c.pieceLength)

	return c
}

// SetVerifier installs the hash verification collaborator.
func (c *Coordinator) SetVerifier(v Verifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verifier = v
}

func (c *Coordinator) pieceLength(piece int) int64 {
	_, n, err := c.store.PieceRange(piece)
	if err != nil {
		return 0
	}
	return n
}

// Open opens the file space.
func (c *Coordinator) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.space.Open(); err != nil {
		return err
	}

	logger.Infof("Transfer %s opened: %d pieces, %d bytes in %d files",
		c.ID, c.completion.Len(), c.space.Size(), c.space.Len())

	return nil
}

// Close stops the transfer, flushes everything to disk and closes the files.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.space.IsOpen() {
		return nil
	}

	c.stop()

	syncErr := c.store.Sync(storage.SyncAll | storage.SyncForce)
	if syncErr != nil {
		logger.Errorf("Transfer %s: sync before close failed: %v", c.ID, syncErr)
	}

	return errors.Join(syncErr, c.space.Close())
}

// Start activates the transfer. Endgame is reset and then re-evaluated from
// the current progress.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.space.IsOpen() {
		return errors.NewStateError("start", errors.ErrNotOpen)
	}
	if c.active {
		return nil
	}

	c.active = true
	c.delegator.Reset()
	c.updateEndgame()

	logger.Infof("Transfer %s started, %d/%d pieces complete", c.ID, c.completion.Count(), c.completion.Len())

	return nil
}

// Stop deactivates the transfer and drops all in-flight pieces.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stop()
}

func (c *Coordinator) stop() {
	if !c.active {
		return
	}

	c.active = false
	c.transfers.Clear()
	for _, p := range c.peers {
		p.outstanding = 0
	}

	logger.Infof("Transfer %s stopped", c.ID)
}

func (c *Coordinator) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Coordinator) updateEndgame() {
	c.delegator.EvaluateEndgame(c.completion.Count(), c.transfers.InProgress(), c.completion.Len(), c.opts.EndgameMargin)
}

// PeerConnected registers a peer and its bitfield.
func (c *Coordinator) PeerConnected(peer PeerID, bf *Bitfield) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.peers[peer]; ok {
		c.picker.RemovePeer(old.bitfield)
	}

	c.peers[peer] = &peerState{bitfield: bf}
	c.picker.AddPeer(bf)
}

// PeerBitfieldChanged replaces the bitfield of a known peer.
func (c *Coordinator) PeerBitfieldChanged(peer PeerID, bf *Bitfield) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.peers[peer]
	if !ok {
		return
	}

	c.picker.RemovePeer(p.bitfield)
	p.bitfield = bf
	c.picker.AddPeer(bf)
}

// PeerHave records a single piece announcement.
func (c *Coordinator) PeerHave(peer PeerID, piece int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.peers[peer]
	if !ok || p.bitfield.HasPiece(piece) {
		return
	}

	if err := p.bitfield.SetPiece(piece); err == nil {
		c.picker.Have(piece)
	}
}

// PeerDisconnected withdraws every request of peer before forgetting it.
func (c *Coordinator) PeerDisconnected(peer PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.transfers.AbandonPeerBlocks(peer)

	if p, ok := c.peers[peer]; ok {
		c.picker.RemovePeer(p.bitfield)
		delete(c.peers, peer)
	}

	logger.Debugf("Peer %s disconnected, %d block requests returned", peer, n)
}

// RequestWork delegates blocks to peer up to its request limit and issues
// the requests.
func (c *Coordinator) RequestWork(peer PeerID) ([]Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return nil, nil
	}

	p, ok := c.peers[peer]
	if !ok {
		return nil, nil
	}

	limit := c.opts.MaxOutstandingRequests - p.outstanding
	if limit <= 0 {
		return nil, nil
	}

	reqs, err := c.delegator.Delegate(peer, c.completion, p.bitfield, limit)
	p.outstanding += len(reqs)

	for _, req := range reqs {
		c.conns.IssueRequest(req)
	}

	c.updateEndgame()

	return reqs, err
}

// DeliverBlock stores a block received from peer. Duplicate requests for
// the same block at other peers are canceled.
func (c *Coordinator) DeliverBlock(peer PeerID, piece, block int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	bl, ok := c.transfers.Get(piece)
	if !ok {
		return errors.NewStateError("deliver block", errors.ErrNotInProgress)
	}

	if block < 0 || block >= bl.Len() {
		return errors.NewStateError("deliver block", errors.ErrInvalidBlockIndex)
	}

	b := bl.Block(block)
	requested := b.RequestedBy(peer)
	offset, length := b.Offset, b.Length

	redundant, err := c.transfers.OnBlockComplete(piece, block, peer, data)
	if err != nil {
		return err
	}

	if requested {
		c.release(peer)
	}

	for _, other := range redundant {
		c.release(other)
		c.conns.CancelRequest(Request{Peer: other, Piece: piece, Block: block, Offset: offset, Length: length})
	}

	return nil
}

// CancelRequest withdraws a request the connection layer could not serve,
// for example after a choke.
func (c *Coordinator) CancelRequest(peer PeerID, piece, block int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if bl, ok := c.transfers.Get(piece); ok && bl.CancelPeer(block, peer) {
		c.release(peer)
	}
}

func (c *Coordinator) release(peer PeerID) {
	if p, ok := c.peers[peer]; ok && p.outstanding > 0 {
		p.outstanding--
	}
}

// pieceCompleted runs under c.mu from inside TransferSet.OnBlockComplete.
func (c *Coordinator) pieceCompleted(piece int) {
	if c.verifier == nil {
		logger.Warnf("Transfer %s: piece %d complete but no verifier installed", c.ID, piece)
		return
	}
	c.verifier.Verify(piece)
}

// HashDone reports the verification result of a piece.
func (c *Coordinator) HashDone(piece int, pass bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.transfers.Verifying(piece) {
		return errors.NewStateError("hash done", errors.ErrNotInProgress)
	}

	if !pass {
		return c.transfers.Reset(piece)
	}

	if _, err := c.transfers.Verified(piece); err != nil {
		return err
	}

	if err := c.completion.SetPiece(piece); err != nil {
		return err
	}

	offset, length, err := c.store.PieceRange(piece)
	if err != nil {
		return err
	}
	c.space.AddCompleted(offset, length)

	c.updateEndgame()
	c.conns.BroadcastHave(piece)

	if c.completion.IsComplete() {
		logger.Infof("Transfer %s complete: %d bytes", c.ID, c.space.Size())
	}

	return nil
}

// pieceCorrupt runs under c.mu from inside TransferSet.Reset.
func (c *Coordinator) pieceCorrupt(piece int, peers []PeerID) {
	logger.Warnf("Transfer %s: piece %d failed verification, supplied by %v", c.ID, piece, peers)

	for _, peer := range peers {
		p, ok := c.peers[peer]
		if !ok {
			continue
		}

		p.failed++
		if p.failed >= max(1, c.opts.CorruptionTolerance) {
			logger.Warnf("Disconnecting peer %s after %d corrupt pieces", peer, p.failed)
			c.conns.Disconnect(peer, ErrCorruptPeer)
		}
	}
}

// FailedCount returns how many corrupt pieces peer has contributed to.
func (c *Coordinator) FailedCount(peer PeerID) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.peers[peer]; ok {
		return p.failed
	}
	return 0
}

// Completion returns a copy of the completion bitfield.
func (c *Coordinator) Completion() *Bitfield {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completion.Clone()
}

func (c *Coordinator) Endgame() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delegator.Endgame()
}

// BytesDone returns verified bytes plus bytes of finished blocks in flight.
func (c *Coordinator) BytesDone() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var done int64
	for i := range c.completion.Len() {
		if c.completion.HasPiece(i) {
			done += c.pieceLength(i)
		}
	}

	return done + c.transfers.FinishedBytes()
}

func (c *Coordinator) BytesTotal() int64 { return c.space.Size() }

// FreeSpace returns the free space of the download location.
func (c *Coordinator) FreeSpace() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.space.FreeSpace()
}

func (c *Coordinator) ChunksDone() int { return c.Completion().Count() }

func (c *Coordinator) ChunksTotal() int { return c.completion.Len() }

// Snapshot captures progress for resume.
func (c *Coordinator) Snapshot() *ResumeState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := &ResumeState{
		NumPieces: c.completion.Len(),
		Bitfield:  c.completion.Bytes(),
	}
	for _, e := range c.space.Entries() {
		st.FileCompleted = append(st.FileCompleted, e.Completed())
	}

	return st
}

// Restore loads progress saved by Snapshot. It must run before Open.
func (c *Coordinator) Restore(st *ResumeState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.space.IsOpen() {
		return errors.NewStateError("restore", errors.ErrAlreadyOpen)
	}

	if st.NumPieces != c.completion.Len() || len(st.FileCompleted) != c.space.Len() {
		return errors.NewConfigError("restore", fmt.Errorf("resume data for %d pieces and %d files does not match %d pieces and %d files",
			st.NumPieces, len(st.FileCompleted), c.completion.Len(), c.space.Len()))
	}

	bf, err := NewBitfieldFromBytes(st.Bitfield, st.NumPieces)
	if err != nil {
		return err
	}

	for i, n := range st.FileCompleted {
		if err := c.space.SetCompleted(i, n); err != nil {
			return err
		}
	}

	c.completion = bf
	c.transfers.SetCompleted(bf.Count())

	return nil
}

// ClearRange marks pieces first through last as missing so they are
// downloaded and verified again.
func (c *Coordinator) ClearRange(first, last int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if first < 0 || last >= c.completion.Len() || first > last {
		return errors.NewRangeError("clear range", int64(first), int64(last-first+1), int64(c.completion.Len()))
	}

	for i := first; i <= last; i++ {
		if err := c.completion.ClearPiece(i); err != nil {
			return err
		}
	}

	if err := c.recount(); err != nil {
		return err
	}

	logger.Infof("Transfer %s: cleared pieces %d-%d", c.ID, first, last)

	return nil
}

// ApplyRecheck replaces the completion bitfield with the result of a full
// hash check. The transfer must not be active.
func (c *Coordinator) ApplyRecheck(bf *Bitfield) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active {
		return errors.NewStateError("apply recheck", fmt.Errorf("transfer %s is active", c.ID))
	}

	if bf.Len() != c.completion.Len() {
		return errors.NewConfigError("apply recheck", fmt.Errorf("bitfield of %d pieces for %d pieces", bf.Len(), c.completion.Len()))
	}

	c.completion = bf.Clone()

	return c.recount()
}

// recount rebuilds the per-file completed counters and the verified piece
// count from the completion bitfield.
func (c *Coordinator) recount() error {
	for i := range c.space.Len() {
		if err := c.space.SetCompleted(i, 0); err != nil {
			return err
		}
	}

	for i := range c.completion.Len() {
		if !c.completion.HasPiece(i) {
			continue
		}
		offset, length, err := c.store.PieceRange(i)
		if err != nil {
			return err
		}
		c.space.AddCompleted(offset, length)
	}

	c.transfers.SetCompleted(c.completion.Count())

	return nil
}

// TrackerDecision decides whether to ask a tracker for more peers with
// connected peers open. Below minPeers the current tracker is asked again
// only if the last request grew the connection count by the configured
// growth; otherwise the next tracker is tried.
func (c *Coordinator) TrackerDecision(connected, minPeers int) TrackerAction {
	c.mu.Lock()
	defer c.mu.Unlock()

	if connected >= minPeers {
		return TrackerNone
	}

	action := TrackerCurrent
	if connected < c.lastConnected+c.opts.TrackerRetryGrowth {
		action = TrackerNext
	}
	c.lastConnected = connected

	return action
}

// TrackerSucceeded schedules the next tracker request one interval after
// now and returns its time.
func (c *Coordinator) TrackerSucceeded(now time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return time.Time{}
	}

	c.nextTracker = now.Add(c.opts.TrackerInterval).Round(time.Second)

	return c.nextTracker
}

// TrackerDue reports whether a scheduled tracker request is due at now.
func (c *Coordinator) TrackerDue(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.active && !c.nextTracker.IsZero() && !now.Before(c.nextTracker)
}

// Peers returns the known peers in sorted order.
func (c *Coordinator) Peers() []PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()

	peers := make([]PeerID, 0, len(c.peers))
	for p := range c.peers {
		peers = append(peers, p)
	}
	slices.Sort(peers)

	return peers
}
