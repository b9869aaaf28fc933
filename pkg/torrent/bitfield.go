package torrent

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/NamanBalaji/leech/internal/errors"
)

// Bitfield records which pieces are present, either locally (the completion
// bitfield) or at a peer. Bit 0 is the high bit of the first byte.
type Bitfield struct {
	bits []byte
	len  int
	mu   sync.RWMutex
}

// NewBitfield creates a new bitfield of the given length.
func NewBitfield(numPieces int) *Bitfield {
	numBytes := (numPieces + 7) / 8
	return &Bitfield{
		bits: make([]byte, numBytes),
		len:  numPieces,
	}
}

// NewBitfieldFromBytes creates a bitfield from raw bytes.
func NewBitfieldFromBytes(data []byte, numPieces int) (*Bitfield, error) {
	expectedBytes := (numPieces + 7) / 8
	if len(data) != expectedBytes {
		return nil, errors.NewConfigError("bitfield",
			fmt.Errorf("invalid bitfield length: got %d bytes, expected %d", len(data), expectedBytes))
	}

	bf := &Bitfield{
		bits: make([]byte, len(data)),
		len:  numPieces,
	}
	copy(bf.bits, data)
	bf.clearSpare()

	return bf, nil
}

// clearSpare zeroes the padding bits past the last piece.
func (bf *Bitfield) clearSpare() {
	if rem := bf.len % 8; rem != 0 {
		bf.bits[len(bf.bits)-1] &= 0xff << (8 - rem)
	}
}

// SetPiece marks a piece as available.
func (bf *Bitfield) SetPiece(index int) error {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	if index < 0 || index >= bf.len {
		return errors.NewRangeError("set piece", int64(index), 1, int64(bf.len))
	}

	bf.bits[index/8] |= 1 << (7 - uint(index%8))

	return nil
}

// ClearPiece marks a piece as missing.
func (bf *Bitfield) ClearPiece(index int) error {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	if index < 0 || index >= bf.len {
		return errors.NewRangeError("clear piece", int64(index), 1, int64(bf.len))
	}

	bf.bits[index/8] &^= 1 << (7 - uint(index%8))

	return nil
}

// HasPiece checks if a piece is available.
func (bf *Bitfield) HasPiece(index int) bool {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	return bf.has(index)
}

func (bf *Bitfield) has(index int) bool {
	if index < 0 || index >= bf.len {
		return false
	}

	return bf.bits[index/8]&(1<<(7-uint(index%8))) != 0
}

// Len returns the number of pieces the bitfield describes.
func (bf *Bitfield) Len() int { return bf.len }

// Bytes returns the raw bitfield bytes.
func (bf *Bitfield) Bytes() []byte {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	result := make([]byte, len(bf.bits))
	copy(result, bf.bits)

	return result
}

// Count returns the number of pieces marked as available.
func (bf *Bitfield) Count() int {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	count := 0
	for _, b := range bf.bits {
		count += bits.OnesCount8(b)
	}

	return count
}

// IsComplete returns true if all pieces are available.
func (bf *Bitfield) IsComplete() bool {
	return bf.Count() == bf.len
}

// Clone returns an independent copy.
func (bf *Bitfield) Clone() *Bitfield {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	c := &Bitfield{bits: make([]byte, len(bf.bits)), len: bf.len}
	copy(c.bits, bf.bits)

	return c
}

// Wants reports whether other has any piece this bitfield lacks.
func (bf *Bitfield) Wants(other *Bitfield) bool {
	if bf == other {
		return false
	}

	bf.mu.RLock()
	defer bf.mu.RUnlock()
	other.mu.RLock()
	defer other.mu.RUnlock()

	for i := range min(len(bf.bits), len(other.bits)) {
		if other.bits[i]&^bf.bits[i] != 0 {
			return true
		}
	}

	return false
}
