package peer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NamanBalaji/leech/internal/errors"
	"github.com/NamanBalaji/leech/internal/logger"
	"github.com/NamanBalaji/leech/pkg/torrent"
)

const (
	DefaultMaxPeers      = 50
	DefaultRetryInterval = time.Second

	// outboxSize bounds the messages queued for one peer. A peer that lets
	// it fill up is disconnected.
	outboxSize = 256
)

var (
	ErrSwarmFull     = errors.New("peer limit reached")
	ErrDuplicatePeer = errors.New("peer already connected")
	ErrOutboxFull    = errors.New("peer is not draining its outbox")
	ErrBadBitfield   = errors.New("malformed bitfield")
)

// Coordinator is the part of torrent.Coordinator a swarm drives.
type Coordinator interface {
	PeerConnected(peer torrent.PeerID, bf *torrent.Bitfield)
	PeerBitfieldChanged(peer torrent.PeerID, bf *torrent.Bitfield)
	PeerHave(peer torrent.PeerID, piece int)
	PeerDisconnected(peer torrent.PeerID)
	RequestWork(peer torrent.PeerID) ([]torrent.Request, error)
	DeliverBlock(peer torrent.PeerID, piece, block int, data []byte) error
	CancelRequest(peer torrent.PeerID, piece, block int)
}

// Config describes the torrent a swarm downloads.
type Config struct {
	InfoHash  [20]byte
	PeerID    [20]byte
	NumPieces int
	BlockSize int64

	MaxPeers      int
	IdleTimeout   time.Duration
	RetryInterval time.Duration // how often idle unchoked peers ask for work
}

// Swarm holds the peer connections of one transfer. It implements
// torrent.Connections; those methods only queue messages and never call
// back into the coordinator.
type Swarm struct {
	cfg   Config
	coord Coordinator

	mu       sync.Mutex
	sessions map[torrent.PeerID]*session
}

// NewSwarm creates a swarm. Attach must be called before Run.
func NewSwarm(cfg Config) *Swarm {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = DefaultMaxPeers
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}

	return &Swarm{
		cfg:      cfg,
		sessions: make(map[torrent.PeerID]*session),
	}
}

// Attach sets the coordinator fed by incoming messages.
func (sw *Swarm) Attach(c Coordinator) { sw.coord = c }

// Len returns the number of connected peers.
func (sw *Swarm) Len() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return len(sw.sessions)
}

// Run dials addrs and, when ln is not nil, accepts incoming peers until ctx
// is done. Without a listener it also returns once every dialed peer is
// gone. Failing peers are logged and dropped.
func (sw *Swarm) Run(ctx context.Context, addrs []string, ln net.Listener) error {
	if sw.coord == nil {
		return errors.NewStateError("run swarm", errors.New("no coordinator attached"))
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, addr := range addrs {
		g.Go(func() error {
			conn, err := Dial(ctx, addr, sw.cfg.InfoHash, sw.cfg.PeerID, sw.cfg.IdleTimeout)
			if err != nil {
				logger.Warnf("Could not connect to peer %s: %v", addr, err)
				return nil
			}
			sw.serve(ctx, conn)
			return nil
		})
	}

	if ln != nil {
		g.Go(func() error {
			<-ctx.Done()
			return ln.Close()
		})

		g.Go(func() error {
			for {
				nc, err := ln.Accept()
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("accept: %w", err)
				}

				g.Go(func() error {
					conn, err := NewConn(nc, sw.cfg.InfoHash, sw.cfg.PeerID, sw.cfg.IdleTimeout)
					if err != nil {
						logger.Debugf("Rejected incoming peer: %v", err)
						return nil
					}
					sw.serve(ctx, conn)
					return nil
				})
			}
		})
	}

	return g.Wait()
}

func (sw *Swarm) register(s *session) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if _, ok := sw.sessions[s.id]; ok {
		return ErrDuplicatePeer
	}
	if len(sw.sessions) >= sw.cfg.MaxPeers {
		return ErrSwarmFull
	}

	sw.sessions[s.id] = s

	return nil
}

func (sw *Swarm) unregister(s *session) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.sessions[s.id] == s {
		delete(sw.sessions, s.id)
	}
}

func (sw *Swarm) session(peer torrent.PeerID) (*session, bool) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	s, ok := sw.sessions[peer]
	return s, ok
}

// serve runs one peer until it fails or ctx is done.
func (sw *Swarm) serve(ctx context.Context, conn *Conn) {
	s := newSession(torrent.PeerID(conn.Addr()), conn)

	if err := sw.register(s); err != nil {
		logger.Debugf("Dropping peer %s: %v", s.id, err)
		conn.Close()
		return
	}
	defer sw.unregister(s)

	sw.coord.PeerConnected(s.id, torrent.NewBitfield(sw.cfg.NumPieces))
	defer sw.coord.PeerDisconnected(s.id)

	logger.Infof("Connected to peer %s", s.id)

	s.send(Interested())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-gctx.Done():
			s.close(gctx.Err())
		case <-s.done:
		}
		return nil
	})
	g.Go(func() error { return sw.writeLoop(s) })
	g.Go(func() error { return sw.readLoop(s) })
	g.Go(func() error { return sw.retryLoop(s) })

	err := g.Wait()
	if reason := s.reason(); reason != nil {
		err = reason
	}

	logger.Infof("Peer %s disconnected: %v", s.id, err)
}

func (sw *Swarm) writeLoop(s *session) error {
	keepAlive := time.NewTicker(sw.cfg.IdleTimeout / 2)
	defer keepAlive.Stop()

	for {
		select {
		case <-s.done:
			return nil
		case <-keepAlive.C:
			if err := s.conn.Write(KeepAlive()); err != nil {
				s.close(err)
				return err
			}
		case m := <-s.out:
			if err := s.conn.Write(m); err != nil {
				s.close(err)
				return err
			}
		}
	}
}

func (sw *Swarm) readLoop(s *session) error {
	for {
		m, err := s.conn.Read()
		if err != nil {
			s.close(err)
			return err
		}

		if err := sw.handle(s, m); err != nil {
			s.close(err)
			return err
		}
	}
}

// retryLoop asks for work on a timer so that a peer left idle, for example
// after a piece failed its hash check, gets requests again.
func (sw *Swarm) retryLoop(s *session) error {
	t := time.NewTicker(sw.cfg.RetryInterval)
	defer t.Stop()

	for {
		select {
		case <-s.done:
			return nil
		case <-t.C:
			if err := sw.requestWork(s); err != nil {
				s.close(err)
				return err
			}
		}
	}
}

func (sw *Swarm) handle(s *session, m Message) error {
	if m.KeepAlive {
		return nil
	}

	switch m.ID {
	case MsgChoke:
		for _, k := range s.choke() {
			sw.coord.CancelRequest(s.id, k.piece, k.block)
		}

	case MsgUnchoke:
		s.unchoke()
		return sw.requestWork(s)

	case MsgBitfield:
		bf, err := torrent.NewBitfieldFromBytes(m.Payload, sw.cfg.NumPieces)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadBitfield, err)
		}
		sw.coord.PeerBitfieldChanged(s.id, bf)
		return sw.requestWork(s)

	case MsgHave:
		if int(m.Index) >= sw.cfg.NumPieces {
			return fmt.Errorf("have for piece %d of %d", m.Index, sw.cfg.NumPieces)
		}
		sw.coord.PeerHave(s.id, int(m.Index))
		return sw.requestWork(s)

	case MsgPiece:
		return sw.deliver(s, m)

	default:
		logger.Debugf("Ignoring %s from %s", m.ID, s.id)
	}

	return nil
}

func (sw *Swarm) deliver(s *session, m Message) error {
	if int64(m.Begin)%sw.cfg.BlockSize != 0 {
		logger.Debugf("Peer %s sent unaligned block at %d of piece %d", s.id, m.Begin, m.Index)
		return nil
	}

	piece, block := int(m.Index), int(int64(m.Begin)/sw.cfg.BlockSize)
	s.forget(piece, block)

	err := sw.coord.DeliverBlock(s.id, piece, block, m.Payload)
	switch {
	case err == nil:
	case errors.IsStateError(err):
		// Canceled, or already delivered by another peer.
		logger.Debugf("Discarding block %d of piece %d from %s: %v", block, piece, s.id, err)
	default:
		return err
	}

	return sw.requestWork(s)
}

func (sw *Swarm) requestWork(s *session) error {
	if s.isChoked() {
		return nil
	}

	_, err := sw.coord.RequestWork(s.id)
	if err != nil && errors.IsFatal(err) {
		return err
	}
	if err != nil {
		logger.Warnf("Delegating work to %s: %v", s.id, err)
	}

	return nil
}

// IssueRequest queues a block request.
func (sw *Swarm) IssueRequest(req torrent.Request) {
	s, ok := sw.session(req.Peer)
	if !ok {
		return
	}

	s.track(req.Piece, req.Block)
	s.send(Request(req.Piece, req.Offset, req.Length))
}

// CancelRequest queues a cancel for a request that became redundant.
func (sw *Swarm) CancelRequest(req torrent.Request) {
	s, ok := sw.session(req.Peer)
	if !ok {
		return
	}

	if s.forget(req.Piece, req.Block) {
		s.send(Cancel(req.Piece, req.Offset, req.Length))
	}
}

// Disconnect closes the connection to peer. The coordinator learns about it
// through PeerDisconnected once the session has wound down.
func (sw *Swarm) Disconnect(peer torrent.PeerID, reason error) {
	if s, ok := sw.session(peer); ok {
		s.close(reason)
	}
}

// BroadcastHave announces a verified piece to every peer.
func (sw *Swarm) BroadcastHave(piece int) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	for _, s := range sw.sessions {
		s.send(Have(piece))
	}
}

type blockKey struct{ piece, block int }

// session is the state of one connected peer.
type session struct {
	id   torrent.PeerID
	conn *Conn
	out  chan Message
	done chan struct{}

	closeOnce sync.Once

	mu       sync.Mutex
	choked   bool
	pending  map[blockKey]struct{}
	closeErr error
}

func newSession(id torrent.PeerID, conn *Conn) *session {
	return &session{
		id:      id,
		conn:    conn,
		out:     make(chan Message, outboxSize),
		done:    make(chan struct{}),
		choked:  true,
		pending: make(map[blockKey]struct{}),
	}
}

// send queues m without blocking.
func (s *session) send(m Message) {
	select {
	case <-s.done:
	case s.out <- m:
	default:
		s.close(ErrOutboxFull)
	}
}

func (s *session) close(reason error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeErr = reason
		s.mu.Unlock()

		close(s.done)
		s.conn.Close()
	})
}

func (s *session) reason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

func (s *session) isChoked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.choked
}

func (s *session) unchoke() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.choked = false
}

// choke marks the peer choked and returns the requests it dropped.
func (s *session) choke() []blockKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.choked = true

	keys := make([]blockKey, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	clear(s.pending)

	return keys
}

func (s *session) track(piece, block int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[blockKey{piece, block}] = struct{}{}
}

func (s *session) forget(piece, block int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := blockKey{piece, block}
	if _, ok := s.pending[k]; !ok {
		return false
	}
	delete(s.pending, k)

	return true
}
