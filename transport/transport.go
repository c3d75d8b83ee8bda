// Package transport provides the network primitives the crawler runs
// on: a single-socket UDP datagram transport for KRPC and a dialer
// abstraction for metadata peer connections.
package transport

import (
	"context"
	"net"
)

// DatagramHandler receives one inbound datagram. The buffer is reused
// after the call returns; implementations must copy what they keep.
type DatagramHandler func(buf []byte, addr *net.UDPAddr)

// PacketTransport is a connectionless datagram endpoint. Tests swap in
// in-memory implementations.
type PacketTransport interface {
	Send(buf []byte, addr *net.UDPAddr) error
	SetHandler(handler DatagramHandler)
	LocalAddr() net.Addr
	Close() error
}

// Dialer opens stream connections to peer endpoints ("host:port").
type Dialer interface {
	DialContext(ctx context.Context, addr string) (net.Conn, error)
}
