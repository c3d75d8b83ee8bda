package krpc

import (
	"encoding/binary"
	"fmt"
	"net"
)

const (
	compactNodeSize = IDSize + 6 // 20-byte id, 4-byte IPv4, 2-byte port
	compactPeerSize = 6
)

// NodeInfo is one entry of a compact "nodes" payload.
type NodeInfo struct {
	ID   ID
	Addr *net.UDPAddr
}

// Endpoint is one entry of a compact "values" payload: a candidate
// BitTorrent peer.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), fmt.Sprintf("%d", e.Port))
}

// ParseCompactNodes splits a "nodes" byte string into node records.
// The payload length must be a multiple of 26.
func ParseCompactNodes(data []byte) ([]NodeInfo, error) {
	if len(data)%compactNodeSize != 0 {
		return nil, fmt.Errorf("compact nodes payload length %d not a multiple of %d", len(data), compactNodeSize)
	}
	nodes := make([]NodeInfo, 0, len(data)/compactNodeSize)
	for off := 0; off < len(data); off += compactNodeSize {
		var id ID
		copy(id[:], data[off:off+IDSize])
		ip := net.IPv4(data[off+IDSize], data[off+IDSize+1], data[off+IDSize+2], data[off+IDSize+3])
		port := binary.BigEndian.Uint16(data[off+IDSize+4 : off+IDSize+6])
		nodes = append(nodes, NodeInfo{
			ID:   id,
			Addr: &net.UDPAddr{IP: ip, Port: int(port)},
		})
	}
	return nodes, nil
}

// EncodeCompactNodes renders node records as a compact "nodes" byte
// string. Nodes without an IPv4 address are skipped.
func EncodeCompactNodes(nodes []NodeInfo) []byte {
	out := make([]byte, 0, len(nodes)*compactNodeSize)
	for _, n := range nodes {
		ip4 := n.Addr.IP.To4()
		if ip4 == nil {
			continue
		}
		out = append(out, n.ID[:]...)
		out = append(out, ip4...)
		out = binary.BigEndian.AppendUint16(out, uint16(n.Addr.Port))
	}
	return out
}

// ParseCompactPeer parses a single 6-byte peer string.
func ParseCompactPeer(data []byte) (Endpoint, error) {
	if len(data) != compactPeerSize {
		return Endpoint{}, fmt.Errorf("compact peer must be %d bytes, got %d", compactPeerSize, len(data))
	}
	return Endpoint{
		IP:   net.IPv4(data[0], data[1], data[2], data[3]),
		Port: binary.BigEndian.Uint16(data[4:6]),
	}, nil
}

// EncodeCompactPeer renders an endpoint as a 6-byte peer string.
func EncodeCompactPeer(e Endpoint) ([]byte, error) {
	ip4 := e.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("endpoint %s is not IPv4", e.IP)
	}
	out := make([]byte, 0, compactPeerSize)
	out = append(out, ip4...)
	return binary.BigEndian.AppendUint16(out, e.Port), nil
}
