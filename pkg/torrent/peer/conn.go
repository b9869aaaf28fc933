package peer

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	// DefaultDialTimeout is the timeout used when establishing TCP
	// connections to peers.
	DefaultDialTimeout = 5 * time.Second
	// DefaultIdleTimeout is how long a peer may stay silent.
	DefaultIdleTimeout = 2 * time.Minute
)

// Conn is a handshaken peer connection. Writes are serialized; reads must
// come from a single goroutine.
type Conn struct {
	nc      net.Conn
	r       *bufio.Reader
	wmu     sync.Mutex
	remote  [20]byte
	timeout time.Duration
}

// Dial connects to addr and exchanges handshakes.
func Dial(ctx context.Context, addr string, infoHash, peerID [20]byte, timeout time.Duration) (*Conn, error) {
	dialer := &net.Dialer{Timeout: DefaultDialTimeout}

	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	return NewConn(nc, infoHash, peerID, timeout)
}

// NewConn exchanges handshakes over an established connection. Both sides
// send first, so it serves dialed and accepted connections alike. nc is
// closed on failure.
func NewConn(nc net.Conn, infoHash, peerID [20]byte, timeout time.Duration) (*Conn, error) {
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}

	c := &Conn{nc: nc, r: bufio.NewReader(nc), timeout: timeout}

	if err := c.handshake(infoHash, peerID); err != nil {
		nc.Close()
		return nil, fmt.Errorf("handshake with %s: %w", nc.RemoteAddr(), err)
	}

	return c, nil
}

func (c *Conn) handshake(infoHash, peerID [20]byte) error {
	deadline := time.Now().Add(c.timeout)
	if err := c.nc.SetDeadline(deadline); err != nil {
		return err
	}

	b, _ := Handshake{InfoHash: infoHash, PeerID: peerID}.MarshalBinary()

	// The peer may wait for our handshake before sending its own.
	werr := make(chan error, 1)
	go func() {
		_, err := c.nc.Write(b)
		werr <- err
	}()

	theirs, err := ReadHandshake(c.r)
	if err != nil {
		return err
	}
	if err := <-werr; err != nil {
		return err
	}

	if theirs.InfoHash != infoHash {
		return ErrInfoHashMismatch
	}
	c.remote = theirs.PeerID

	return c.nc.SetDeadline(time.Time{})
}

// Read returns the next message. A peer silent for longer than the idle
// timeout fails the read.
func (c *Conn) Read() (Message, error) {
	if err := c.nc.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return Message{}, err
	}

	return ReadMessage(c.r)
}

// Write sends m. It is safe for concurrent use.
func (c *Conn) Write(m Message) error {
	b, err := m.MarshalBinary()
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.nc.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}

	_, err = c.nc.Write(b)

	return err
}

// RemoteID returns the peer id the remote side announced.
func (c *Conn) RemoteID() [20]byte { return c.remote }

func (c *Conn) Addr() string { return c.nc.RemoteAddr().String() }

func (c *Conn) Close() error { return c.nc.Close() }
