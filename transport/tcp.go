package transport

import (
	"context"
	"net"
	"time"
)

// TCPDialer is the default Dialer for metadata sessions.
type TCPDialer struct {
	d net.Dialer
}

// NewTCPDialer creates a dialer with the given per-connection timeout.
// The timeout still composes with any deadline on the passed context.
func NewTCPDialer(timeout time.Duration) *TCPDialer {
	return &TCPDialer{d: net.Dialer{Timeout: timeout}}
}

// DialContext opens a TCP connection to addr ("host:port").
func (t *TCPDialer) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	return t.d.DialContext(ctx, "tcp", addr)
}
