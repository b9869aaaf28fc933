package torrent_test

import (
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/NamanBalaji/leech/pkg/torrent"
)

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) WriteBlock(piece int, offset int64, data []byte) error {
	args := m.Called(piece, offset, data)
	return args.Error(0)
}

// nopWriter accepts every block.
type nopWriter struct{}

func (nopWriter) WriteBlock(int, int64, []byte) error { return nil }

// recordingConns records everything the coordinator asks of the
// connection layer.
type recordingConns struct {
	mu           sync.Mutex
	issued       []torrent.Request
	canceled     []torrent.Request
	disconnected []torrent.PeerID
	haves        []int
}

func (c *recordingConns) IssueRequest(req torrent.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.issued = append(c.issued, req)
}

func (c *recordingConns) CancelRequest(req torrent.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canceled = append(c.canceled, req)
}

func (c *recordingConns) Disconnect(peer torrent.PeerID, _ error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = append(c.disconnected, peer)
}

func (c *recordingConns) BroadcastHave(piece int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.haves = append(c.haves, piece)
}

// recordingVerifier collects pieces submitted for verification.
type recordingVerifier struct {
	pieces []int
}

func (v *recordingVerifier) Verify(piece int) { v.pieces = append(v.pieces, piece) }

func fullBitfield(n int) *torrent.Bitfield {
	bf := torrent.NewBitfield(n)
	for i := range n {
		bf.SetPiece(i)
	}
	return bf
}

func bitfieldOf(n int, pieces ...int) *torrent.Bitfield {
	bf := torrent.NewBitfield(n)
	for _, p := range pieces {
		bf.SetPiece(p)
	}
	return bf
}
