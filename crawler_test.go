package dhtcrawl

import (
	"crypto/sha1"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/dhtcrawl/bencode"
	"github.com/opd-ai/dhtcrawl/krpc"
	"github.com/opd-ai/dhtcrawl/transport"
	"github.com/opd-ai/dhtcrawl/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNet is an in-memory PacketTransport with a scripted remote side.
type fakeNet struct {
	mu      sync.Mutex
	handler transport.DatagramHandler
	respond func(msg *krpc.Message, addr *net.UDPAddr) *krpc.Message
}

func (f *fakeNet) Send(buf []byte, addr *net.UDPAddr) error {
	msg, err := krpc.Decode(buf)
	if err != nil {
		return err
	}
	f.mu.Lock()
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return nil
	}
	if reply := respond(msg, addr); reply != nil {
		raw, err := reply.Encode()
		if err != nil {
			return err
		}
		go func() {
			f.mu.Lock()
			handler := f.handler
			f.mu.Unlock()
			if handler != nil {
				handler(raw, addr)
			}
		}()
	}
	return nil
}

func (f *fakeNet) SetHandler(h transport.DatagramHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeNet) LocalAddr() net.Addr { return &net.UDPAddr{IP: net.IPv4zero, Port: 6881} }
func (f *fakeNet) Close() error        { return nil }

// memorySink collects delivered metadata.
type memorySink struct {
	mu  sync.Mutex
	got map[Infohash][]byte
}

func newMemorySink() *memorySink {
	return &memorySink{got: make(map[Infohash][]byte)}
}

func (s *memorySink) Put(infohash Infohash, info []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got[infohash] = info
	return nil
}

func (s *memorySink) lookup(infohash Infohash) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.got[infohash]
	return b, ok
}

// metadataStub listens on loopback TCP and serves the given info
// dictionary to any peer asking for it under its infohash.
func metadataStub(t *testing.T, infohash krpc.ID, info []byte) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				if _, err := wire.ReadHandshake(conn); err != nil {
					return
				}
				if err := wire.WriteHandshake(conn, wire.Handshake{InfoHash: infohash}); err != nil {
					return
				}
				body, _ := wire.EncodeExtendedHandshake(wire.ExtendedHandshake{
					Messages:     map[string]int64{"ut_metadata": 2},
					MetadataSize: int64(len(info)),
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
					if err != nil || req.MsgType != wire.MetadataRequest {
						return
					}
					start := int(req.Piece) * wire.MetadataPieceSize
					end := start + wire.MetadataPieceSize
					if end > len(info) {
						end = len(info)
					}
					reply, _ := wire.EncodeMetadataMessage(1, wire.MetadataMessage{
						MsgType:   wire.MetadataData,
						Piece:     req.Piece,
						TotalSize: int64(len(info)),
						Data:      info[start:end],
					})
					if err := wire.WriteExtended(conn, reply); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func testTorrent(t *testing.T) ([]byte, Infohash) {
	t.Helper()
	raw, err := bencode.Encode(map[string]interface{}{
		"name":         "debian-13.1.0-amd64-netinst.iso",
		"piece length": int64(262144),
		"pieces":       string(make([]byte, 20)),
	})
	require.NoError(t, err)
	return raw, Infohash(sha1.Sum(raw))
}

// dhtScript answers bootstrap find_node with one reference node and that
// node's get_peers with the given peer endpoint.
func dhtScript(peer krpc.Endpoint) func(msg *krpc.Message, addr *net.UDPAddr) *krpc.Message {
	node1 := krpc.ID{0: 0x80, 19: 1}
	node1Addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7001}

	return func(msg *krpc.Message, addr *net.UDPAddr) *krpc.Message {
		if msg.Type != krpc.TypeQuery {
			return nil
		}
		switch msg.Query {
		case krpc.QueryFindNode:
			return krpc.NewResponse(msg.TxID, krpc.ID{0: 0xee}, map[string]interface{}{
				"nodes": string(krpc.EncodeCompactNodes([]krpc.NodeInfo{{ID: node1, Addr: node1Addr}})),
			})
		case krpc.QueryGetPeers:
			compact, _ := krpc.EncodeCompactPeer(peer)
			return krpc.NewResponse(msg.TxID, node1, map[string]interface{}{
				"token":  "tok",
				"values": []interface{}{string(compact)},
			})
		}
		return nil
	}
}

func quickOptions() *Options {
	opts := NewOptions()
	opts.BootstrapSeeds = []string{"127.0.0.1:6881"}
	opts.DHTQueryTimeout = time.Second
	opts.LookupDeadline = 5 * time.Second
	opts.ConnTimeout = 2 * time.Second
	opts.PieceTimeout = 2 * time.Second
	opts.SessionDeadline = 10 * time.Second
	return opts
}

func awaitEvent(t *testing.T, c *Crawler, kind JobEventKind, timeout time.Duration) JobEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-c.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("event %s never arrived", kind)
			return JobEvent{}
		}
	}
}

func TestCrawlerHarvestsMetadata(t *testing.T) {
	info, infohash := testTorrent(t)
	port := metadataStub(t, infohash, info)

	net1 := &fakeNet{}
	net1.respond = dhtScript(krpc.Endpoint{IP: net.IPv4(127, 0, 0, 1), Port: port})

	sink := newMemorySink()
	c, err := newCrawler(quickOptions(), sink, nil, net1)
	require.NoError(t, err)
	defer c.Close()

	handle, err := c.Submit(infohash, 0)
	require.NoError(t, err)

	ev := awaitEvent(t, c, EventMetadataReceived, 15*time.Second)
	assert.Equal(t, handle, ev.Job)
	assert.Equal(t, infohash, ev.Infohash)
	assert.Equal(t, info, ev.Metadata)

	got, ok := sink.lookup(infohash)
	require.True(t, ok)
	assert.Equal(t, info, got)
}

func TestCrawlerRetriesThenFailsWithoutPeers(t *testing.T) {
	_, infohash := testTorrent(t)

	// The network knows nodes but no peers for the infohash.
	net1 := &fakeNet{}
	node1 := krpc.ID{0: 0x80, 19: 1}
	net1.respond = func(msg *krpc.Message, addr *net.UDPAddr) *krpc.Message {
		switch msg.Query {
		case krpc.QueryFindNode:
			return krpc.NewResponse(msg.TxID, krpc.ID{0: 0xee}, map[string]interface{}{
				"nodes": string(krpc.EncodeCompactNodes([]krpc.NodeInfo{
					{ID: node1, Addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7001}},
				})),
			})
		case krpc.QueryGetPeers:
			return krpc.NewResponse(msg.TxID, node1, map[string]interface{}{"token": "tok"})
		}
		return nil
	}

	opts := quickOptions()
	opts.RetryRounds = 2
	opts.RediscoverDelay = 100 * time.Millisecond

	c, err := newCrawler(opts, nil, nil, net1)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Submit(infohash, 0)
	require.NoError(t, err)

	retry := awaitEvent(t, c, EventRetrying, 10*time.Second)
	assert.Equal(t, ReasonNoPeersFound, retry.Reason)
	assert.Equal(t, 1, retry.Round)

	failed := awaitEvent(t, c, EventFailed, 10*time.Second)
	assert.Equal(t, ReasonNoPeersFound, failed.Reason)
}

func TestSubmitDeduplicatesActiveInfohash(t *testing.T) {
	_, infohash := testTorrent(t)
	c, err := newCrawler(NewOptions(), nil, nil, &fakeNet{})
	require.NoError(t, err)
	defer c.Close()

	first, err := c.Submit(infohash, 0)
	require.NoError(t, err)
	second, err := c.Submit(infohash, 5)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCancelEmitsSingleTerminalEvent(t *testing.T) {
	_, infohash := testTorrent(t)
	// No seeds: the crawler considers itself bootstrapped with an empty
	// table, so the lookup finishes instantly and the job parks for retry.
	opts := NewOptions()
	opts.BootstrapSeeds = nil

	c, err := newCrawler(opts, nil, nil, &fakeNet{})
	require.NoError(t, err)
	defer c.Close()

	handle, err := c.Submit(infohash, 0)
	require.NoError(t, err)

	require.NoError(t, c.Cancel(handle))
	ev := awaitEvent(t, c, EventFailed, 5*time.Second)
	assert.Equal(t, ReasonCancelled, ev.Reason)

	// The handle is gone; cancelling again reports that.
	assert.ErrorIs(t, c.Cancel(handle), ErrUnknownJob)
}

func TestSubmitAfterCloseFails(t *testing.T) {
	_, infohash := testTorrent(t)
	c, err := newCrawler(NewOptions(), nil, nil, &fakeNet{})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = c.Submit(infohash, 0)
	assert.ErrorIs(t, err, ErrClosed)
}
