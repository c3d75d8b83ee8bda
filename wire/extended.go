package wire

import (
	"fmt"
	"io"

	"github.com/opd-ai/dhtcrawl/bencode"
)

// MetadataPieceSize is the fixed fragment size of BEP 9 transfers; only
// the final piece of a dictionary may be shorter.
const MetadataPieceSize = 16384

// BEP 9 msg_type values.
const (
	MetadataRequest = 0
	MetadataData    = 1
	MetadataReject  = 2
)

// ExtendedHandshake is the payload of extended message sub-id 0.
type ExtendedHandshake struct {
	// Messages maps extension names to the message ids the remote peer
	// assigned them; "ut_metadata" is the one we care about.
	Messages     map[string]int64
	MetadataSize int64
	Version      string
}

// EncodeExtendedHandshake renders the handshake dictionary framed as an
// extended message body (sub-id byte followed by bencode).
func EncodeExtendedHandshake(hs ExtendedHandshake) ([]byte, error) {
	m := make(map[string]interface{}, len(hs.Messages))
	for name, id := range hs.Messages {
		m[name] = id
	}
	dict := map[string]interface{}{
		"m":             m,
		"metadata_size": hs.MetadataSize,
	}
	if hs.Version != "" {
		dict["v"] = hs.Version
	}
	payload, err := bencode.Encode(dict)
	if err != nil {
		return nil, err
	}
	return append([]byte{ExtHandshakeID}, payload...), nil
}

// DecodeExtendedHandshake parses the bencoded part of an extended
// handshake body (sub-id byte already stripped).
func DecodeExtendedHandshake(payload []byte) (ExtendedHandshake, error) {
	var out ExtendedHandshake
	raw, err := bencode.Decode(payload)
	if err != nil {
		return out, err
	}
	dict, ok := raw.(map[string]interface{})
	if !ok {
		return out, fmt.Errorf("%w: extended handshake is not a dictionary", ErrProtocol)
	}
	out.Messages = make(map[string]int64)
	if m, ok := dict["m"].(map[string]interface{}); ok {
		for name, v := range m {
			if id, ok := v.(int64); ok {
				out.Messages[name] = id
			}
		}
	}
	if size, ok := dict["metadata_size"].(int64); ok {
		out.MetadataSize = size
	}
	if v, ok := dict["v"].(string); ok {
		out.Version = v
	}
	return out, nil
}

// MetadataMessage is one BEP 9 ut_metadata sub-message. Data is only set
// for msg_type 1 and holds the binary trailer after the dictionary.
type MetadataMessage struct {
	MsgType   int64
	Piece     int64
	TotalSize int64
	Data      []byte
}

// EncodeMetadataMessage renders a ut_metadata sub-message as an extended
// message body using the remote peer's message id.
func EncodeMetadataMessage(remoteID byte, msg MetadataMessage) ([]byte, error) {
	dict := map[string]interface{}{
		"msg_type": msg.MsgType,
		"piece":    msg.Piece,
	}
	if msg.MsgType == MetadataData {
		dict["total_size"] = msg.TotalSize
	}
	payload, err := bencode.Encode(dict)
	if err != nil {
		return nil, err
	}
	out := append([]byte{remoteID}, payload...)
	if msg.MsgType == MetadataData {
		out = append(out, msg.Data...)
	}
	return out, nil
}

// DecodeMetadataMessage parses a ut_metadata sub-message body (sub-id
// byte already stripped). The binary trailer after the dictionary becomes
// Data.
func DecodeMetadataMessage(payload []byte) (MetadataMessage, error) {
	var out MetadataMessage
	raw, n, err := bencode.DecodePrefix(payload)
	if err != nil {
		return out, err
	}
	dict, ok := raw.(map[string]interface{})
	if !ok {
		return out, fmt.Errorf("%w: ut_metadata message is not a dictionary", ErrProtocol)
	}
	out.MsgType, ok = dict["msg_type"].(int64)
	if !ok {
		return out, fmt.Errorf("%w: ut_metadata message without msg_type", ErrProtocol)
	}
	out.Piece, ok = dict["piece"].(int64)
	if !ok {
		return out, fmt.Errorf("%w: ut_metadata message without piece", ErrProtocol)
	}
	if size, ok := dict["total_size"].(int64); ok {
		out.TotalSize = size
	}
	if out.MsgType == MetadataData {
		out.Data = payload[n:]
		if len(out.Data) > MetadataPieceSize {
			return out, fmt.Errorf("%w: piece payload of %d bytes exceeds %d", ErrProtocol, len(out.Data), MetadataPieceSize)
		}
	}
	return out, nil
}

// WriteExtended frames an extended message body and writes it.
func WriteExtended(w io.Writer, body []byte) error {
	return WriteMessage(w, Message{ID: MsgExtended, Payload: body})
}
