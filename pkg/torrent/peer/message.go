// Package peer speaks the BitTorrent peer wire protocol and drives a
// torrent.Coordinator from the connections it holds.
package peer

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/NamanBalaji/leech/internal/errors"
)

// MessageID identifies a peer wire message.
type MessageID byte

const (
	MsgChoke MessageID = iota
	MsgUnchoke
	MsgInterested
	MsgNotInterested
	MsgHave
	MsgBitfield
	MsgRequest
	MsgPiece
	MsgCancel
)

func (id MessageID) String() string {
	switch id {
	case MsgChoke:
		return "choke"
	case MsgUnchoke:
		return "unchoke"
	case MsgInterested:
		return "interested"
	case MsgNotInterested:
		return "not-interested"
	case MsgHave:
		return "have"
	case MsgBitfield:
		return "bitfield"
	case MsgRequest:
		return "request"
	case MsgPiece:
		return "piece"
	case MsgCancel:
		return "cancel"
	default:
		return fmt.Sprintf("message(%d)", byte(id))
	}
}

// MaxMessageLen bounds the length prefix of an incoming message.
const MaxMessageLen = 1 << 20

var (
	ErrMessageTooLong = errors.New("message longer than 1 MiB")
	ErrMessageShort   = errors.New("message body too short")
)

// Message is one decoded wire message. Fields not used by ID are zero.
type Message struct {
	ID        MessageID
	KeepAlive bool
	Index     uint32 // have, request, piece, cancel
	Begin     uint32 // request, piece, cancel
	Length    uint32 // request, cancel
	Payload   []byte // bitfield bytes, piece block, or the raw body of unknown messages
}

func KeepAlive() Message { return Message{KeepAlive: true} }

func Interested() Message { return Message{ID: MsgInterested} }

func Have(index int) Message { return Message{ID: MsgHave, Index: uint32(index)} }

func Bitfield(bits []byte) Message { return Message{ID: MsgBitfield, Payload: bits} }

func Request(index int, begin, length int64) Message {
	return Message{ID: MsgRequest, Index: uint32(index), Begin: uint32(begin), Length: uint32(length)}
}

func Cancel(index int, begin, length int64) Message {
	return Message{ID: MsgCancel, Index: uint32(index), Begin: uint32(begin), Length: uint32(length)}
}

func Piece(index int, begin int64, block []byte) Message {
	return Message{ID: MsgPiece, Index: uint32(index), Begin: uint32(begin), Payload: block}
}

// MarshalBinary encodes m with its length prefix.
func (m Message) MarshalBinary() ([]byte, error) {
	if m.KeepAlive {
		return make([]byte, 4), nil
	}

	var body []byte
	switch m.ID {
	case MsgHave:
		body = binary.BigEndian.AppendUint32(nil, m.Index)
	case MsgRequest, MsgCancel:
		body = binary.BigEndian.AppendUint32(nil, m.Index)
		body = binary.BigEndian.AppendUint32(body, m.Begin)
		body = binary.BigEndian.AppendUint32(body, m.Length)
	case MsgPiece:
		body = binary.BigEndian.AppendUint32(nil, m.Index)
		body = binary.BigEndian.AppendUint32(body, m.Begin)
		body = append(body, m.Payload...)
	default:
		body = m.Payload
	}

	if len(body)+1 > MaxMessageLen {
		return nil, ErrMessageTooLong
	}

	buf := make([]byte, 0, 5+len(body))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(body)+1))
	buf = append(buf, byte(m.ID))

	return append(buf, body...), nil
}

// ReadMessage reads the next message from r. The returned payload is owned
// by the caller.
func ReadMessage(r io.Reader) (Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Message{}, err
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n == 0 {
		return KeepAlive(), nil
	}
	if n > MaxMessageLen {
		return Message{}, ErrMessageTooLong
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}

	m := Message{ID: MessageID(body[0])}
	body = body[1:]

	switch m.ID {
	case MsgHave:
		if len(body) != 4 {
			return Message{}, fmt.Errorf("%w: have of %d bytes", ErrMessageShort, len(body))
		}
		m.Index = binary.BigEndian.Uint32(body)
	case MsgRequest, MsgCancel:
		if len(body) != 12 {
			return Message{}, fmt.Errorf("%w: %s of %d bytes", ErrMessageShort, m.ID, len(body))
		}
		m.Index = binary.BigEndian.Uint32(body[0:4])
		m.Begin = binary.BigEndian.Uint32(body[4:8])
		m.Length = binary.BigEndian.Uint32(body[8:12])
	case MsgPiece:
		if len(body) < 8 {
			return Message{}, fmt.Errorf("%w: piece of %d bytes", ErrMessageShort, len(body))
		}
		m.Index = binary.BigEndian.Uint32(body[0:4])
		m.Begin = binary.BigEndian.Uint32(body[4:8])
		m.Payload = body[8:]
	default:
		m.Payload = body
	}

	return m, nil
}
