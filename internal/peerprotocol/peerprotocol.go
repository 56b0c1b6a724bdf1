// Package peerprotocol implements the standard BitTorrent v1 wire codec:
// the handshake and the length-prefixed message stream. This is the
// external "peer wire protocol codec" collaborator the session core is
// specified against.
package peerprotocol

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	ProtocolString = "BitTorrent protocol"
	HashSize       = 20
)

type MessageID byte

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
	// KeepAlive and Extended are not assigned a standard byte id; KeepAlive
	// is the zero-length message, Extended is id 20.
)

const ExtendedID MessageID = 20

// ErrUnknownMessage is returned by Read when the message id is unrecognised.
var ErrUnknownMessage = errors.New("peerprotocol: unknown message id")

// Handshake is the 68-byte BitTorrent handshake.
type Handshake struct {
	InfoHash [HashSize]byte
	PeerID   [HashSize]byte
	Reserved [8]byte
}

// WriteHandshake writes the handshake to w.
func WriteHandshake(w io.Writer, hs Handshake) error {
	buf := make([]byte, 0, 1+len(ProtocolString)+8+HashSize+HashSize)
	buf = append(buf, byte(len(ProtocolString)))
	buf = append(buf, ProtocolString...)
	buf = append(buf, hs.Reserved[:]...)
	buf = append(buf, hs.InfoHash[:]...)
	buf = append(buf, hs.PeerID[:]...)
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and validates a handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var hs Handshake
	var plen [1]byte
	if _, err := io.ReadFull(r, plen[:]); err != nil {
		return hs, errors.Wrap(err, "reading protocol string length")
	}
	proto := make([]byte, plen[0])
	if _, err := io.ReadFull(r, proto); err != nil {
		return hs, errors.Wrap(err, "reading protocol string")
	}
	if string(proto) != ProtocolString {
		return hs, errors.Errorf("peerprotocol: unexpected protocol string %q", proto)
	}
	if _, err := io.ReadFull(r, hs.Reserved[:]); err != nil {
		return hs, errors.Wrap(err, "reading reserved bytes")
	}
	if _, err := io.ReadFull(r, hs.InfoHash[:]); err != nil {
		return hs, errors.Wrap(err, "reading info hash")
	}
	if _, err := io.ReadFull(r, hs.PeerID[:]); err != nil {
		return hs, errors.Wrap(err, "reading peer id")
	}
	return hs, nil
}

// Message is a single decoded peer wire message. Only the fields relevant
// to ID are populated.
type Message struct {
	Keepalive bool
	ID        MessageID
	Index     int
	Begin     int64
	Length    int64
	Bitfield  []byte
	Piece     []byte
	Port      uint16
}

// Disconnect is a local-only sentinel enqueued on a peer's writer mailbox
// to request that the connection be torn down; it is never put on the wire.
type Disconnect struct{}

// MarshalBinary renders a message in wire form: a 4-byte big-endian length
// prefix followed by the id byte and payload.
func (m Message) MarshalBinary() ([]byte, error) {
	if m.Keepalive {
		return []byte{0, 0, 0, 0}, nil
	}
	var payload []byte
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
	case Have:
		payload = make([]byte, 4)
		binary.BigEndian.PutUint32(payload, uint32(m.Index))
	case Bitfield:
		payload = m.Bitfield
	case Request, Cancel:
		payload = make([]byte, 12)
		binary.BigEndian.PutUint32(payload[0:4], uint32(m.Index))
		binary.BigEndian.PutUint32(payload[4:8], uint32(m.Begin))
		binary.BigEndian.PutUint32(payload[8:12], uint32(m.Length))
	case Piece:
		payload = make([]byte, 8+len(m.Piece))
		binary.BigEndian.PutUint32(payload[0:4], uint32(m.Index))
		binary.BigEndian.PutUint32(payload[4:8], uint32(m.Begin))
		copy(payload[8:], m.Piece)
	case Port:
		payload = make([]byte, 2)
		binary.BigEndian.PutUint16(payload, m.Port)
	default:
		return nil, errors.Errorf("peerprotocol: cannot marshal id %d", m.ID)
	}
	out := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(out[0:4], uint32(1+len(payload)))
	out[4] = byte(m.ID)
	copy(out[5:], payload)
	return out, nil
}

// MustMarshalBinary panics on error; used for messages whose shape is
// always valid (e.g. Keepalive).
func (m Message) MustMarshalBinary() []byte {
	b, err := m.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}

// WriteTo writes the message's wire form to w.
func (m Message) WriteTo(w io.Writer) error {
	b, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Reader decodes a stream of wire messages from an underlying connection.
type Reader struct {
	r         *bufio.Reader
	maxLength uint32
}

// NewReader wraps r with default framing limits (messages up to 1MiB,
// generous for non-standard block sizes and large bitfields).
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 16*1024), maxLength: 1 << 20}
}

// ReadMessage reads and decodes the next message, blocking until one
// arrives or the underlying reader errors (including on deadline).
func (d *Reader) ReadMessage() (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Message{Keepalive: true}, nil
	}
	if length > d.maxLength {
		return Message{}, errors.Errorf("peerprotocol: message length %d exceeds limit", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return Message{}, err
	}
	return decodeBody(MessageID(body[0]), body[1:])
}

func decodeBody(id MessageID, payload []byte) (Message, error) {
	m := Message{ID: id}
	switch id {
	case Choke, Unchoke, Interested, NotInterested:
	case Have:
		if len(payload) != 4 {
			return m, errors.New("peerprotocol: malformed have")
		}
		m.Index = int(binary.BigEndian.Uint32(payload))
	case Bitfield:
		m.Bitfield = payload
	case Request, Cancel:
		if len(payload) != 12 {
			return m, errors.New("peerprotocol: malformed request/cancel")
		}
		m.Index = int(binary.BigEndian.Uint32(payload[0:4]))
		m.Begin = int64(binary.BigEndian.Uint32(payload[4:8]))
		m.Length = int64(binary.BigEndian.Uint32(payload[8:12]))
	case Piece:
		if len(payload) < 8 {
			return m, errors.New("peerprotocol: malformed piece")
		}
		m.Index = int(binary.BigEndian.Uint32(payload[0:4]))
		m.Begin = int64(binary.BigEndian.Uint32(payload[4:8]))
		m.Piece = payload[8:]
	case Port:
		if len(payload) != 2 {
			return m, errors.New("peerprotocol: malformed port")
		}
		m.Port = binary.BigEndian.Uint16(payload)
	case ExtendedID:
		m.Piece = payload
	default:
		return m, ErrUnknownMessage
	}
	return m, nil
}
