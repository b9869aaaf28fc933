package peer

import (
	"context"
	"crypto/sha1"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NamanBalaji/leech/pkg/torrent"
	"github.com/NamanBalaji/leech/pkg/torrent/storage"
	"github.com/NamanBalaji/leech/pkg/torrent/verify"
)

const (
	testPieceLen = 32
	testBlock    = 16
)

var testInfoHash = [20]byte{0x13, 0x37}

func testContent() []byte {
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i * 3)
	}
	return data
}

// seeder serves content to a single leecher.
type seeder struct {
	content []byte

	// chokeFirst requests are dropped behind a choke before serving.
	chokeFirst int
	// corruptPiece is served with bad data the first time it is requested.
	corruptPiece int

	dropped   atomic.Int32
	corrupted atomic.Bool
}

func (s *seeder) serve(t *testing.T, ln net.Listener) {
	nc, err := ln.Accept()
	if err != nil {
		return
	}

	conn, err := NewConn(nc, testInfoHash, NewPeerID(), 5*time.Second)
	if err != nil {
		t.Errorf("seeder handshake: %v", err)
		return
	}
	defer conn.Close()

	pieces := (len(s.content) + testPieceLen - 1) / testPieceLen
	bf := torrent.NewBitfield(pieces)
	for i := range pieces {
		bf.SetPiece(i)
	}

	if conn.Write(Bitfield(bf.Bytes())) != nil || conn.Write(Message{ID: MsgUnchoke}) != nil {
		return
	}

	choked := false
	for {
		m, err := conn.Read()
		if err != nil {
			return
		}
		if m.KeepAlive || m.ID != MsgRequest {
			continue
		}

		if int(s.dropped.Load()) < s.chokeFirst {
			if !choked {
				choked = true
				if conn.Write(Message{ID: MsgChoke}) != nil {
					return
				}
			}
			if int(s.dropped.Add(1)) == s.chokeFirst {
				choked = false
				if conn.Write(Message{ID: MsgUnchoke}) != nil {
					return
				}
			}
			continue
		}

		start := int(m.Index)*testPieceLen + int(m.Begin)
		block := append([]byte(nil), s.content[start:start+int(m.Length)]...)
		if int(m.Index) == s.corruptPiece && !s.corrupted.Load() && m.Begin == 0 {
			s.corrupted.Store(true)
			block[0] ^= 0xff
		}

		if conn.Write(Piece(int(m.Index), int64(m.Begin), block)) != nil {
			return
		}
	}
}

type leecher struct {
	store *storage.ChunkStore
	coord *torrent.Coordinator
	swarm *Swarm
}

func runLeecher(t *testing.T, content []byte, tolerance int, addr string) *leecher {
	t.Helper()

	space := storage.NewFileSpace(afero.NewMemMapFs(), "/dl")
	require.NoError(t, space.AddFile([]string{"data.bin"}, int64(len(content))))
	store := storage.NewChunkStore(space, testPieceLen)

	var hashes [][]byte
	for off := 0; off < len(content); off += testPieceLen {
		sum := sha1.Sum(content[off:min(off+testPieceLen, len(content))])
		hashes = append(hashes, sum[:])
	}

	sw := NewSwarm(Config{
		InfoHash:      testInfoHash,
		PeerID:        NewPeerID(),
		NumPieces:     store.PieceCount(),
		BlockSize:     testBlock,
		IdleTimeout:   5 * time.Second,
		RetryInterval: 20 * time.Millisecond,
	})

	coord := torrent.NewCoordinator(store, torrent.Options{
		BlockSize:              testBlock,
		MaxOutstandingRequests: 4,
		CorruptionTolerance:    tolerance,
		PickerStrategy:         torrent.PickerSequential,
	}, sw)
	sw.Attach(coord)

	h, err := verify.NewHasher("sha1")
	require.NoError(t, err)
	q, err := verify.NewQueue(store, h, hashes, 2)
	require.NoError(t, err)
	coord.SetVerifier(q)

	require.NoError(t, coord.Open())
	require.NoError(t, coord.Start())

	ctx, cancel := context.WithCancel(context.Background())
	verifyDone := make(chan error, 1)
	swarmDone := make(chan error, 1)
	go func() { verifyDone <- q.Run(ctx, verify.Report(coord)) }()
	go func() { swarmDone <- sw.Run(ctx, []string{addr}, nil) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-swarmDone)
		<-verifyDone
		assert.NoError(t, coord.Close())
	})

	return &leecher{store: store, coord: coord, swarm: sw}
}

func (l *leecher) contents(t *testing.T) []byte {
	t.Helper()

	var got []byte
	for i := range l.store.PieceCount() {
		data, err := l.store.ReadPiece(i)
		require.NoError(t, err)
		got = append(got, data...)
	}
	return got
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

func TestSwarmDownloadsFromSeeder(t *testing.T) {
	content := testContent()
	ln := listen(t)

	s := &seeder{content: content, corruptPiece: -1}
	go s.serve(t, ln)

	l := runLeecher(t, content, 1, ln.Addr().String())

	require.Eventually(t, func() bool { return l.coord.Completion().IsComplete() }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, content, l.contents(t))
	assert.Equal(t, int64(len(content)), l.coord.BytesDone())
	assert.Equal(t, 1, l.swarm.Len())
}

func TestSwarmChokeReturnsRequests(t *testing.T) {
	content := testContent()
	ln := listen(t)

	s := &seeder{content: content, corruptPiece: -1, chokeFirst: 4}
	go s.serve(t, ln)

	l := runLeecher(t, content, 1, ln.Addr().String())

	require.Eventually(t, func() bool { return l.coord.Completion().IsComplete() }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(4), s.dropped.Load())
	assert.Equal(t, content, l.contents(t))
}

func TestSwarmRefetchesCorruptPiece(t *testing.T) {
	content := testContent()
	ln := listen(t)

	s := &seeder{content: content, corruptPiece: 1}
	go s.serve(t, ln)

	l := runLeecher(t, content, 2, ln.Addr().String())

	require.Eventually(t, func() bool { return l.coord.Completion().IsComplete() }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, s.corrupted.Load())
	assert.Equal(t, 1, l.coord.FailedCount(torrent.PeerID(ln.Addr().String())))
	assert.Equal(t, content, l.contents(t))
}

func TestSwarmDropsCorruptPeer(t *testing.T) {
	content := testContent()
	ln := listen(t)

	s := &seeder{content: content, corruptPiece: 0}
	go s.serve(t, ln)

	l := runLeecher(t, content, 1, ln.Addr().String())

	require.Eventually(t, func() bool { return s.corrupted.Load() && l.swarm.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, l.coord.Completion().HasPiece(0))
	assert.Empty(t, l.coord.Peers())
}

func TestSwarmRunRequiresCoordinator(t *testing.T) {
	sw := NewSwarm(Config{NumPieces: 1, BlockSize: testBlock})
	assert.Error(t, sw.Run(context.Background(), nil, nil))
}

func TestSwarmRejectsUnknownInfoHash(t *testing.T) {
	content := testContent()
	ln := listen(t)

	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		NewConn(nc, [20]byte{0xde, 0xad}, NewPeerID(), time.Second)
	}()

	l := runLeecher(t, content, 1, ln.Addr().String())

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, l.swarm.Len())
	assert.Empty(t, l.coord.Peers())
}
