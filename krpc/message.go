package krpc

import (
	"errors"
	"fmt"

	"github.com/opd-ai/dhtcrawl/bencode"
)

// Message type markers, the "y" key of every KRPC dictionary.
const (
	TypeQuery    = "q"
	TypeResponse = "r"
	TypeError    = "e"
)

// Query names.
const (
	QueryPing         = "ping"
	QueryFindNode     = "find_node"
	QueryGetPeers     = "get_peers"
	QueryAnnouncePeer = "announce_peer"
)

// Standard KRPC error codes (BEP 5).
const (
	ErrCodeGeneric       = 201
	ErrCodeServer        = 202
	ErrCodeProtocol      = 203
	ErrCodeMethodUnknown = 204
)

// ErrInvalidMessage covers inbound dictionaries that do not satisfy the
// minimal KRPC shape. Such messages are dropped, never answered.
var ErrInvalidMessage = errors.New("invalid krpc message")

// Message is one decoded KRPC dictionary. Exactly one of Args, Response,
// or Error is meaningful, according to Type.
type Message struct {
	TxID  string
	Type  string
	Query string

	Args     map[string]interface{}
	Response map[string]interface{}

	ErrCode int
	ErrMsg  string
}

// NewPing builds a ping query.
func NewPing(txid string, self ID) *Message {
	return &Message{
		TxID:  txid,
		Type:  TypeQuery,
		Query: QueryPing,
		Args:  map[string]interface{}{"id": string(self[:])},
	}
}

// NewFindNode builds a find_node query for the given target.
func NewFindNode(txid string, self, target ID) *Message {
	return &Message{
		TxID:  txid,
		Type:  TypeQuery,
		Query: QueryFindNode,
		Args: map[string]interface{}{
			"id":     string(self[:]),
			"target": string(target[:]),
		},
	}
}

// NewGetPeers builds a get_peers query for the given infohash.
func NewGetPeers(txid string, self, infohash ID) *Message {
	return &Message{
		TxID:  txid,
		Type:  TypeQuery,
		Query: QueryGetPeers,
		Args: map[string]interface{}{
			"id":        string(self[:]),
			"info_hash": string(infohash[:]),
		},
	}
}

// NewAnnouncePeer builds an announce_peer query carrying a token
// previously issued by the destination.
func NewAnnouncePeer(txid string, self, infohash ID, port uint16, token string, impliedPort bool) *Message {
	implied := 0
	if impliedPort {
		implied = 1
	}
	return &Message{
		TxID:  txid,
		Type:  TypeQuery,
		Query: QueryAnnouncePeer,
		Args: map[string]interface{}{
			"id":           string(self[:]),
			"info_hash":    string(infohash[:]),
			"port":         int64(port),
			"token":        token,
			"implied_port": int64(implied),
		},
	}
}

// NewResponse builds a response carrying the given return values. The
// "id" key is set from self.
func NewResponse(txid string, self ID, values map[string]interface{}) *Message {
	r := map[string]interface{}{"id": string(self[:])}
	for k, v := range values {
		r[k] = v
	}
	return &Message{TxID: txid, Type: TypeResponse, Response: r}
}

// NewError builds an error reply.
func NewError(txid string, code int, msg string) *Message {
	return &Message{TxID: txid, Type: TypeError, ErrCode: code, ErrMsg: msg}
}

// Encode renders the message as a bencoded dictionary.
func (m *Message) Encode() ([]byte, error) {
	dict := map[string]interface{}{
		"t": m.TxID,
		"y": m.Type,
	}
	switch m.Type {
	case TypeQuery:
		dict["q"] = m.Query
		dict["a"] = m.Args
	case TypeResponse:
		dict["r"] = m.Response
	case TypeError:
		dict["e"] = []interface{}{int64(m.ErrCode), m.ErrMsg}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return bencode.Encode(dict)
}

// Decode parses and validates one inbound KRPC datagram. Validation is
// strict about shape only: node IDs are accepted verbatim, Kademlia does
// not bind them to source addresses.
func Decode(data []byte) (*Message, error) {
	raw, err := bencode.Decode(data)
	if err != nil {
		return nil, err
	}
	dict, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: top level is not a dictionary", ErrInvalidMessage)
	}

	txid, ok := dict["t"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing transaction id", ErrInvalidMessage)
	}
	typ, ok := dict["y"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing message type", ErrInvalidMessage)
	}

	msg := &Message{TxID: txid, Type: typ}
	switch typ {
	case TypeQuery:
		msg.Query, ok = dict["q"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: query without name", ErrInvalidMessage)
		}
		msg.Args, ok = dict["a"].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: query without arguments", ErrInvalidMessage)
		}
		if _, ok := msg.Args["id"].(string); !ok {
			return nil, fmt.Errorf("%w: query without sender id", ErrInvalidMessage)
		}
	case TypeResponse:
		msg.Response, ok = dict["r"].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: response without return values", ErrInvalidMessage)
		}
		if _, ok := msg.Response["id"].(string); !ok {
			return nil, fmt.Errorf("%w: response without sender id", ErrInvalidMessage)
		}
	case TypeError:
		list, ok := dict["e"].([]interface{})
		if !ok || len(list) < 2 {
			return nil, fmt.Errorf("%w: error without [code, message]", ErrInvalidMessage)
		}
		code, ok := list[0].(int64)
		if !ok {
			return nil, fmt.Errorf("%w: error code is not an integer", ErrInvalidMessage)
		}
		text, ok := list[1].(string)
		if !ok {
			return nil, fmt.Errorf("%w: error message is not a string", ErrInvalidMessage)
		}
		msg.ErrCode = int(code)
		msg.ErrMsg = text
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, typ)
	}
	return msg, nil
}

// SenderID extracts the "id" field of a query or response.
func (m *Message) SenderID() (ID, bool) {
	var src map[string]interface{}
	switch m.Type {
	case TypeQuery:
		src = m.Args
	case TypeResponse:
		src = m.Response
	default:
		return ID{}, false
	}
	raw, ok := src["id"].(string)
	if !ok || len(raw) != IDSize {
		return ID{}, false
	}
	id, err := IDFromBytes([]byte(raw))
	return id, err == nil
}

// Nodes extracts and parses the compact "nodes" payload of a response.
func (m *Message) Nodes() ([]NodeInfo, error) {
	raw, ok := m.Response["nodes"].(string)
	if !ok {
		return nil, nil
	}
	return ParseCompactNodes([]byte(raw))
}

// Values extracts the compact peer list of a get_peers response.
// Malformed entries are skipped rather than failing the whole response.
func (m *Message) Values() []Endpoint {
	raw, ok := m.Response["values"].([]interface{})
	if !ok {
		return nil
	}
	peers := make([]Endpoint, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			continue
		}
		ep, err := ParseCompactPeer([]byte(s))
		if err != nil {
			continue
		}
		peers = append(peers, ep)
	}
	return peers
}

// Token extracts the write token of a get_peers response, empty if absent.
func (m *Message) Token() string {
	token, _ := m.Response["token"].(string)
	return token
}
