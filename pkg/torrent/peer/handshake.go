package peer

import (
	"bytes"
	"io"

	"github.com/google/uuid"

	"github.com/NamanBalaji/leech/internal/errors"
)

const (
	protocolID   = "BitTorrent protocol"
	handshakeLen = 1 + len(protocolID) + 8 + 20 + 20
)

var (
	ErrBadProtocol      = errors.New("wrong protocol identifier")
	ErrInfoHashMismatch = errors.New("info hash mismatch")
)

// Handshake opens every peer connection.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

func (h Handshake) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, handshakeLen)
	b = append(b, byte(len(protocolID)))
	b = append(b, protocolID...)
	b = append(b, h.Reserved[:]...)
	b = append(b, h.InfoHash[:]...)
	return append(b, h.PeerID[:]...), nil
}

// ReadHandshake reads and validates a handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, handshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, err
	}

	if int(buf[0]) != len(protocolID) || !bytes.Equal(buf[1:20], []byte(protocolID)) {
		return Handshake{}, ErrBadProtocol
	}

	var h Handshake
	copy(h.Reserved[:], buf[20:28])
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])

	return h, nil
}

// NewPeerID returns a client peer id in the Azureus style, "-LE0100-"
// followed by random bytes.
func NewPeerID() [20]byte {
	var id [20]byte
	copy(id[:], "-LE0100-")

	u := uuid.New()
	copy(id[8:], u[:12])

	return id
}
