package metadata

import (
	"context"
	"crypto/sha1"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/dhtcrawl/bencode"
	"github.com/opd-ai/dhtcrawl/krpc"
	"github.com/opd-ai/dhtcrawl/metrics"
	"github.com/opd-ai/dhtcrawl/pending"
	"github.com/opd-ai/dhtcrawl/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// peerFunc scripts the remote side of a session over a pipe.
type peerFunc func(conn net.Conn)

// stubDialer serves every dialed connection with a scripted peer over a
// loopback TCP listener, so both sides get real socket buffering.
type stubDialer struct {
	ln net.Listener
}

func newStubDialer(t *testing.T, peers ...peerFunc) *stubDialer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var mu sync.Mutex
	next := 0
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			peer := peers[next%len(peers)]
			next++
			mu.Unlock()
			go func() {
				defer conn.Close()
				peer(conn)
			}()
		}
	}()
	return &stubDialer{ln: ln}
}

func (d *stubDialer) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	var nd net.Dialer
	return nd.DialContext(ctx, "tcp", d.ln.Addr().String())
}

// slowDialer blocks until the context dies.
type slowDialer struct{}

func (slowDialer) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// testInfo builds a small valid info dictionary and its infohash.
func testInfo(t *testing.T, padding int) ([]byte, krpc.ID) {
	t.Helper()
	raw, err := bencode.Encode(map[string]interface{}{
		"name":         "archlinux-2026.08.01-x86_64.iso",
		"piece length": int64(262144),
		"pieces":       string(make([]byte, 20)),
		"stuffing":     string(make([]byte, padding)),
	})
	require.NoError(t, err)
	return raw, krpc.ID(sha1.Sum(raw))
}

// remoteMetadataID is the ut_metadata id the scripted peers advertise.
const remoteMetadataID = 3

// servingPeer negotiates and serves the given metadata, byte-exact.
// Pieces come from served, while the advertised size comes from the
// handshake argument so tests can lie about either.
func servingPeer(infohash krpc.ID, advertise int64, served []byte) peerFunc {
	return func(conn net.Conn) {
		remote, err := wire.ReadHandshake(conn)
		if err != nil {
			return
		}
		var peerID krpc.ID
		peerID[0] = 0x99
		if err := wire.WriteHandshake(conn, wire.Handshake{InfoHash: infohash, PeerID: peerID}); err != nil {
			return
		}
		_ = remote

		body, err := wire.EncodeExtendedHandshake(wire.ExtendedHandshake{
			Messages:     map[string]int64{"ut_metadata": remoteMetadataID},
			MetadataSize: advertise,
			Version:      "stub/1.0",
		})
		if err != nil {
			return
		}
		if err := wire.WriteExtended(conn, body); err != nil {
			return
		}

		for {
			msg, err := wire.ReadMessage(conn)
			if err != nil {
				return
			}
			if msg.ID != wire.MsgExtended || len(msg.Payload) == 0 {
				continue
			}
			if msg.Payload[0] == wire.ExtHandshakeID {
				continue
			}
			req, err := wire.DecodeMetadataMessage(msg.Payload[1:])
			if err != nil || req.MsgType != wire.MetadataRequest {
				return
			}

			start := int(req.Piece) * wire.MetadataPieceSize
			end := start + wire.MetadataPieceSize
			if end > len(served) {
				end = len(served)
			}
			if start >= len(served) {
				return
			}
			reply, err := wire.EncodeMetadataMessage(1, wire.MetadataMessage{
				MsgType:   wire.MetadataData,
				Piece:     req.Piece,
				TotalSize: int64(len(served)),
				Data:      served[start:end],
			})
			if err != nil {
				return
			}
			if err := wire.WriteExtended(conn, reply); err != nil {
				return
			}
		}
	}
}

func rejectingPeer(infohash krpc.ID, size int64) peerFunc {
	return func(conn net.Conn) {
		if _, err := wire.ReadHandshake(conn); err != nil {
			return
		}
		if err := wire.WriteHandshake(conn, wire.Handshake{InfoHash: infohash}); err != nil {
			return
		}
		body, _ := wire.EncodeExtendedHandshake(wire.ExtendedHandshake{
			Messages:     map[string]int64{"ut_metadata": remoteMetadataID},
			MetadataSize: size,
		})
		if err := wire.WriteExtended(conn, body); err != nil {
			return
		}
		for {
			msg, err := wire.ReadMessage(conn)
			if err != nil {
				return
			}
			if msg.ID != wire.MsgExtended || len(msg.Payload) == 0 || msg.Payload[0] == wire.ExtHandshakeID {
				continue
			}
			req, err := wire.DecodeMetadataMessage(msg.Payload[1:])
			if err != nil {
				return
			}
			reply, _ := wire.EncodeMetadataMessage(1, wire.MetadataMessage{
				MsgType: wire.MetadataReject,
				Piece:   req.Piece,
			})
			_ = wire.WriteExtended(conn, reply)
		}
	}
}

type testHarness struct {
	engine  *Engine
	results chan Result
}

func newTestHarness(t *testing.T, cfg Config, peers ...peerFunc) *testHarness {
	t.Helper()
	cache := pending.NewCache(nil)
	t.Cleanup(func() { cache.Close() })

	var dialer interface {
		DialContext(ctx context.Context, addr string) (net.Conn, error)
	}
	if len(peers) > 0 {
		dialer = newStubDialer(t, peers...)
	} else {
		dialer = slowDialer{}
	}

	engine := NewEngine(dialer, cache, cfg, nil, metrics.NewCollector())
	t.Cleanup(func() { engine.Close() })

	results := make(chan Result, 16)
	engine.SetResultFunc(func(res Result) { results <- res })
	return &testHarness{engine: engine, results: results}
}

func awaitResult(t *testing.T, h *testHarness) Result {
	t.Helper()
	select {
	case res := <-h.results:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("no session result")
		return Result{}
	}
}

func testEndpoint(i byte) krpc.Endpoint {
	return krpc.Endpoint{IP: net.IPv4(198, 51, 100, i), Port: 51413}
}

func TestSessionFetchesSinglePieceMetadata(t *testing.T) {
	info, infohash := testInfo(t, 0)
	h := newTestHarness(t, Config{}, servingPeer(infohash, int64(len(info)), info))

	require.Equal(t, Admitted, h.engine.Admit(infohash, testEndpoint(1)))

	res := awaitResult(t, h)
	assert.Equal(t, FailNone, res.Kind)
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, info, res.Metadata)
	assert.Greater(t, res.Duration, time.Duration(0))
	assert.Equal(t, 0, h.engine.ActiveSessions(infohash))
}

func TestSessionFetchesMultiPieceMetadata(t *testing.T) {
	// Padding pushes the dictionary past one piece so the last piece is
	// short.
	info, infohash := testInfo(t, wire.MetadataPieceSize)
	require.Greater(t, len(info), wire.MetadataPieceSize)
	h := newTestHarness(t, Config{}, servingPeer(infohash, int64(len(info)), info))

	require.Equal(t, Admitted, h.engine.Admit(infohash, testEndpoint(1)))

	res := awaitResult(t, h)
	require.Equal(t, FailNone, res.Kind)
	assert.Equal(t, info, res.Metadata)
}

func TestSessionRejectsOversizeAdvertisement(t *testing.T) {
	info, infohash := testInfo(t, 0)
	h := newTestHarness(t, Config{MaxMetadataSize: 1 << 20},
		servingPeer(infohash, 20<<20, info))

	require.Equal(t, Admitted, h.engine.Admit(infohash, testEndpoint(1)))

	res := awaitResult(t, h)
	assert.Equal(t, FailOversize, res.Kind)
	assert.Nil(t, res.Metadata)
}

func TestSessionFailsOnShortPiece(t *testing.T) {
	info, infohash := testInfo(t, wire.MetadataPieceSize)
	// Advertise more bytes than will ever be served: piece 1 arrives
	// shorter than the negotiated layout demands.
	h := newTestHarness(t, Config{},
		servingPeer(infohash, int64(len(info)+512), info))

	require.Equal(t, Admitted, h.engine.Admit(infohash, testEndpoint(1)))

	res := awaitResult(t, h)
	assert.Equal(t, FailProtocol, res.Kind)
}

func TestSessionVerificationFailureBarsEndpoint(t *testing.T) {
	info, _ := testInfo(t, 0)
	// The peer serves bytes that do not hash to the requested infohash.
	var wrong krpc.ID
	wrong[0] = 0xde
	h := newTestHarness(t, Config{}, servingPeer(wrong, int64(len(info)), info))

	ep := testEndpoint(1)
	require.Equal(t, Admitted, h.engine.Admit(wrong, ep))

	res := awaitResult(t, h)
	assert.Equal(t, FailVerification, res.Kind)

	// Poisoned endpoints stay barred for the infohash.
	assert.True(t, h.engine.Barred(wrong, ep))
	assert.Equal(t, RecentlyFailed, h.engine.Admit(wrong, ep))
}

func TestSessionPeerRejectsRequests(t *testing.T) {
	info, infohash := testInfo(t, 0)
	h := newTestHarness(t, Config{}, rejectingPeer(infohash, int64(len(info))))

	require.Equal(t, Admitted, h.engine.Admit(infohash, testEndpoint(1)))

	res := awaitResult(t, h)
	assert.Equal(t, FailRejected, res.Kind)
	assert.Equal(t, StateRejected, res.State)
}

func TestSessionInfohashMismatch(t *testing.T) {
	info, infohash := testInfo(t, 0)
	var other krpc.ID
	other[0] = 0x77
	// Peer answers the handshake under a different infohash.
	h := newTestHarness(t, Config{}, servingPeer(other, int64(len(info)), info))

	require.Equal(t, Admitted, h.engine.Admit(infohash, testEndpoint(1)))

	res := awaitResult(t, h)
	assert.Equal(t, FailProtocol, res.Kind)
}

func TestSessionPeerWithoutExtensions(t *testing.T) {
	_, infohash := testInfo(t, 0)
	peer := func(conn net.Conn) {
		if _, err := wire.ReadHandshake(conn); err != nil {
			return
		}
		// Plain handshake without the BEP 10 reserved bit.
		buf := make([]byte, 0, 68)
		buf = append(buf, 19)
		buf = append(buf, "BitTorrent protocol"...)
		buf = append(buf, make([]byte, 8)...)
		buf = append(buf, infohash[:]...)
		buf = append(buf, make([]byte, 20)...)
		if _, err := conn.Write(buf); err != nil {
			return
		}
		// Hold the connection open; the client must bail on its own.
		time.Sleep(time.Second)
	}
	h := newTestHarness(t, Config{}, peer)

	require.Equal(t, Admitted, h.engine.Admit(infohash, testEndpoint(1)))

	res := awaitResult(t, h)
	assert.Equal(t, FailProtocol, res.Kind)
}

func TestSessionStallHitsPieceTimeout(t *testing.T) {
	info, infohash := testInfo(t, 0)
	// Peer negotiates but never answers requests.
	stalling := func(conn net.Conn) {
		if _, err := wire.ReadHandshake(conn); err != nil {
			return
		}
		if err := wire.WriteHandshake(conn, wire.Handshake{InfoHash: infohash}); err != nil {
			return
		}
		body, _ := wire.EncodeExtendedHandshake(wire.ExtendedHandshake{
			Messages:     map[string]int64{"ut_metadata": remoteMetadataID},
			MetadataSize: int64(len(info)),
		})
		if err := wire.WriteExtended(conn, body); err != nil {
			return
		}
		for {
			if _, err := wire.ReadMessage(conn); err != nil {
				return
			}
		}
	}
	h := newTestHarness(t, Config{PieceTimeout: 300 * time.Millisecond}, stalling)

	require.Equal(t, Admitted, h.engine.Admit(infohash, testEndpoint(1)))

	res := awaitResult(t, h)
	assert.Equal(t, FailTransport, res.Kind)
}

func TestSessionConnTimeout(t *testing.T) {
	_, infohash := testInfo(t, 0)
	h := newTestHarness(t, Config{ConnTimeout: 200 * time.Millisecond})

	require.Equal(t, Admitted, h.engine.Admit(infohash, testEndpoint(1)))

	res := awaitResult(t, h)
	assert.Equal(t, FailTransport, res.Kind)
	assert.Equal(t, StateFailed, res.State)
}

func TestAdmitPoolAccounting(t *testing.T) {
	_, infohash := testInfo(t, 0)
	h := newTestHarness(t, Config{PoolPerInfohash: 1, ConnTimeout: 10 * time.Second})

	assert.Equal(t, Admitted, h.engine.Admit(infohash, testEndpoint(1)))
	assert.Equal(t, DuplicateActive, h.engine.Admit(infohash, testEndpoint(1)))
	assert.Equal(t, PoolFull, h.engine.Admit(infohash, testEndpoint(2)))
	assert.Equal(t, 1, h.engine.ActiveSessions(infohash))
}

func TestAdmitGlobalLimit(t *testing.T) {
	_, a := testInfo(t, 0)
	b := a
	b[19] ^= 0xff
	h := newTestHarness(t, Config{GlobalSessionLimit: 1, ConnTimeout: 10 * time.Second})

	assert.Equal(t, Admitted, h.engine.Admit(a, testEndpoint(1)))
	assert.Equal(t, GlobalFull, h.engine.Admit(b, testEndpoint(2)))
}

func TestCancelJobDoesNotBarEndpoints(t *testing.T) {
	_, infohash := testInfo(t, 0)
	h := newTestHarness(t, Config{ConnTimeout: 10 * time.Second})

	ep := testEndpoint(1)
	require.Equal(t, Admitted, h.engine.Admit(infohash, ep))
	h.engine.CancelJob(infohash)

	res := awaitResult(t, h)
	assert.Equal(t, FailCancelled, res.Kind)
	assert.False(t, h.engine.Barred(infohash, ep))
	assert.Equal(t, 0, h.engine.ActiveSessions(infohash))
}
