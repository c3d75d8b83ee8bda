// Package wire implements the BitTorrent peer wire protocol surface this
// crawler needs: the plaintext handshake, length-prefixed message framing,
// and the BEP 10 extension messages that carry BEP 9 ut_metadata payloads.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/opd-ai/dhtcrawl/krpc"
)

const (
	protocolName = "BitTorrent protocol"

	// MaxFrameSize bounds inbound frames. A ut_metadata data message is a
	// small dictionary plus at most one 16 KiB piece; anything bigger than
	// 32 KiB from a metadata peer is garbage.
	MaxFrameSize = 32 * 1024

	// MsgExtended is the BEP 10 message id.
	MsgExtended = 20

	// ExtHandshakeID is the reserved sub-id of the extended handshake.
	ExtHandshakeID = 0
)

// ErrProtocol covers framing or handshake violations by the remote peer.
var ErrProtocol = errors.New("peer protocol violation")

// Handshake is the fixed 68-byte opener of a peer connection.
type Handshake struct {
	InfoHash krpc.ID
	PeerID   krpc.ID
}

// WriteHandshake sends a handshake with the extension protocol bit
// (reserved bit 20) set.
func WriteHandshake(w io.Writer, hs Handshake) error {
	buf := make([]byte, 0, 68)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, protocolName...)
	reserved := [8]byte{}
	reserved[5] |= 0x10 // BEP 10 extension protocol
	buf = append(buf, reserved[:]...)
	buf = append(buf, hs.InfoHash[:]...)
	buf = append(buf, hs.PeerID[:]...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing handshake: %w", err)
	}
	return nil
}

// ReadHandshake reads and validates the remote handshake. The returned
// value carries the remote infohash and peer id; Extensions reports
// whether the peer speaks BEP 10.
type RemoteHandshake struct {
	Handshake
	Extensions bool
}

func ReadHandshake(r io.Reader) (RemoteHandshake, error) {
	var out RemoteHandshake
	raw := make([]byte, 68)
	if _, err := io.ReadFull(r, raw); err != nil {
		return out, fmt.Errorf("reading handshake: %w", err)
	}
	if raw[0] != byte(len(protocolName)) || !bytes.Equal(raw[1:20], []byte(protocolName)) {
		return out, fmt.Errorf("%w: bad protocol string", ErrProtocol)
	}
	out.Extensions = raw[20+5]&0x10 != 0
	copy(out.InfoHash[:], raw[28:48])
	copy(out.PeerID[:], raw[48:68])
	return out, nil
}

// Message is one framed peer-wire message. Keepalives decode to ID
// KeepaliveID with a nil payload.
type Message struct {
	ID      byte
	Payload []byte
}

// KeepaliveID is a sentinel for the zero-length keepalive frame, which
// carries no message id on the wire.
const KeepaliveID = 0xff

// ReadMessage reads one length-prefixed frame.
func ReadMessage(r io.Reader) (Message, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Message{}, fmt.Errorf("reading frame length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenPrefix[:])
	if length == 0 {
		return Message{ID: KeepaliveID}, nil
	}
	if length > MaxFrameSize {
		return Message{}, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrProtocol, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("reading frame body: %w", err)
	}
	return Message{ID: body[0], Payload: body[1:]}, nil
}

// WriteMessage writes one length-prefixed frame.
func WriteMessage(w io.Writer, msg Message) error {
	buf := make([]byte, 4, 5+len(msg.Payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(msg.Payload)))
	buf = append(buf, msg.ID)
	buf = append(buf, msg.Payload...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}
