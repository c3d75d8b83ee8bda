package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// maxDatagramSize bounds inbound KRPC datagrams. Real DHT messages stay
// well under the usual 1500-byte MTU; 2048 leaves headroom.
const maxDatagramSize = 2048

// UDPTransport implements PacketTransport over a single listening socket.
type UDPTransport struct {
	conn    net.PacketConn
	handler DatagramHandler
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewUDPTransport binds a UDP socket and starts the read loop.
func NewUDPTransport(listenAddr string) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &UDPTransport{
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}

	t.wg.Add(1)
	go t.readLoop()

	logrus.WithFields(logrus.Fields{
		"function": "NewUDPTransport",
		"addr":     conn.LocalAddr().String(),
	}).Debug("UDP transport listening")
	return t, nil
}

// Send writes one datagram.
func (t *UDPTransport) Send(buf []byte, addr *net.UDPAddr) error {
	_, err := t.conn.WriteTo(buf, addr)
	return err
}

// SetHandler installs the inbound datagram sink.
func (t *UDPTransport) SetHandler(handler DatagramHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// LocalAddr returns the bound address.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Close shuts down the read loop and the socket.
func (t *UDPTransport) Close() error {
	t.cancel()
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

func (t *UDPTransport) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		// Short read deadline keeps the loop responsive to Close.
		_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-t.ctx.Done():
				return
			default:
			}
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"error":    err.Error(),
			}).Debug("UDP read error")
			continue
		}

		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}

		t.mu.RLock()
		handler := t.handler
		t.mu.RUnlock()
		if handler != nil {
			handler(buf[:n], udpAddr)
		}
	}
}
