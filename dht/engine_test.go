package dht

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/dhtcrawl/krpc"
	"github.com/opd-ai/dhtcrawl/metrics"
	"github.com/opd-ai/dhtcrawl/pending"
	"github.com/opd-ai/dhtcrawl/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTransport is an in-memory PacketTransport. A respond script, when
// set, answers each outbound query as if the remote address did.
type mockTransport struct {
	mu      sync.Mutex
	handler transport.DatagramHandler
	sent    []mockDatagram
	respond func(msg *krpc.Message, addr *net.UDPAddr) *krpc.Message
}

type mockDatagram struct {
	msg  *krpc.Message
	addr *net.UDPAddr
}

func newMockTransport() *mockTransport {
	return &mockTransport{}
}

func (m *mockTransport) Send(buf []byte, addr *net.UDPAddr) error {
	msg, err := krpc.Decode(buf)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sent = append(m.sent, mockDatagram{msg: msg, addr: addr})
	respond := m.respond
	m.mu.Unlock()

	if respond == nil {
		return nil
	}
	if reply := respond(msg, addr); reply != nil {
		raw, err := reply.Encode()
		if err != nil {
			return err
		}
		// Asynchronous delivery, like a real socket.
		go m.Deliver(raw, addr)
	}
	return nil
}

func (m *mockTransport) SetHandler(handler transport.DatagramHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

func (m *mockTransport) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4zero, Port: 6881}
}

func (m *mockTransport) Close() error { return nil }

// Deliver injects an inbound datagram.
func (m *mockTransport) Deliver(raw []byte, from *net.UDPAddr) {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler != nil {
		handler(raw, from)
	}
}

func (m *mockTransport) sentTo(addr *net.UDPAddr) []*krpc.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*krpc.Message
	for _, d := range m.sent {
		if d.addr.IP.Equal(addr.IP) && d.addr.Port == addr.Port {
			out = append(out, d.msg)
		}
	}
	return out
}

type testEngine struct {
	engine *Engine
	tr     *mockTransport
	cache  *pending.Cache
	self   krpc.ID
}

func newTestEngine(t *testing.T, cfg Config) *testEngine {
	t.Helper()
	self := idWithByte(0x00, 42)
	cache := pending.NewCache(nil)
	t.Cleanup(func() { cache.Close() })

	table := NewTable(self, cfg.K, nil)
	tokens, err := NewTokenStore(nil)
	require.NoError(t, err)

	tr := newMockTransport()
	engine := NewEngine(self, table, tokens, cache, tr, cfg, nil, metrics.NewCollector())
	t.Cleanup(func() { engine.Close() })
	return &testEngine{engine: engine, tr: tr, cache: cache, self: self}
}

func TestEngineServesPing(t *testing.T) {
	te := newTestEngine(t, Config{})
	remote := idWithByte(0x80, 1)
	from := testAddr(1)

	raw, err := krpc.NewPing("aa", remote).Encode()
	require.NoError(t, err)
	te.tr.Deliver(raw, from)

	replies := te.tr.sentTo(from)
	require.Len(t, replies, 1)
	assert.Equal(t, krpc.TypeResponse, replies[0].Type)
	assert.Equal(t, "aa", replies[0].TxID)
	sender, ok := replies[0].SenderID()
	require.True(t, ok)
	assert.Equal(t, te.self, sender)

	// The querying node was learned.
	assert.Equal(t, 1, te.engine.Table().NodeCount())
}

func TestEngineServesFindNode(t *testing.T) {
	te := newTestEngine(t, Config{})
	known := idWithByte(0x40, 2)
	te.engine.Table().Insert(known, testAddr(2))

	from := testAddr(1)
	raw, err := krpc.NewFindNode("ab", idWithByte(0x80, 1), known).Encode()
	require.NoError(t, err)
	te.tr.Deliver(raw, from)

	replies := te.tr.sentTo(from)
	require.Len(t, replies, 1)
	nodes, err := replies[0].Nodes()
	require.NoError(t, err)

	ids := make(map[krpc.ID]bool)
	for _, n := range nodes {
		ids[n.ID] = true
	}
	assert.True(t, ids[known])
}

func TestGetPeersTokenGatesAnnounce(t *testing.T) {
	te := newTestEngine(t, Config{})
	remote := idWithByte(0x80, 1)
	from := testAddr(1)
	infohash := idWithByte(0x11, 7)

	raw, err := krpc.NewGetPeers("ac", remote, infohash).Encode()
	require.NoError(t, err)
	te.tr.Deliver(raw, from)

	replies := te.tr.sentTo(from)
	require.Len(t, replies, 1)
	token := replies[0].Token()
	require.NotEmpty(t, token)

	// A wrong token is refused with a protocol error.
	raw, err = krpc.NewAnnouncePeer("ad", remote, infohash, 0, "bogus", true).Encode()
	require.NoError(t, err)
	te.tr.Deliver(raw, from)
	replies = te.tr.sentTo(from)
	require.Len(t, replies, 2)
	assert.Equal(t, krpc.TypeError, replies[1].Type)
	assert.Equal(t, krpc.ErrCodeProtocol, replies[1].ErrCode)
	assert.Empty(t, te.engine.ObservedPeers(infohash))

	// The issued token is accepted and the peer recorded at the source
	// port, implied_port being set.
	raw, err = krpc.NewAnnouncePeer("ae", remote, infohash, 0, token, true).Encode()
	require.NoError(t, err)
	te.tr.Deliver(raw, from)
	replies = te.tr.sentTo(from)
	require.Len(t, replies, 3)
	assert.Equal(t, krpc.TypeResponse, replies[2].Type)

	peers := te.engine.ObservedPeers(infohash)
	require.Len(t, peers, 1)
	assert.True(t, peers[0].IP.Equal(from.IP))
	assert.Equal(t, uint16(from.Port), peers[0].Port)
}

func TestAnnounceFeedsPassivePeerSink(t *testing.T) {
	te := newTestEngine(t, Config{})
	var (
		mu  sync.Mutex
		got []krpc.Endpoint
	)
	te.engine.SetPassivePeerFunc(func(infohash krpc.ID, ep krpc.Endpoint) {
		mu.Lock()
		got = append(got, ep)
		mu.Unlock()
	})

	remote := idWithByte(0x80, 1)
	from := testAddr(1)
	infohash := idWithByte(0x11, 7)

	raw, _ := krpc.NewGetPeers("ac", remote, infohash).Encode()
	te.tr.Deliver(raw, from)
	token := te.tr.sentTo(from)[0].Token()

	// Explicit port announce.
	raw, _ = krpc.NewAnnouncePeer("ad", remote, infohash, 9999, token, false).Encode()
	te.tr.Deliver(raw, from)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, uint16(9999), got[0].Port)
}

func TestUnknownMethodAnswered204(t *testing.T) {
	te := newTestEngine(t, Config{})
	from := testAddr(1)

	sender := idWithByte(0x80, 1)
	msg := &krpc.Message{
		TxID:  "af",
		Type:  krpc.TypeQuery,
		Query: "vote",
		Args:  map[string]interface{}{"id": string(sender[:])},
	}
	raw, err := msg.Encode()
	require.NoError(t, err)
	te.tr.Deliver(raw, from)

	replies := te.tr.sentTo(from)
	require.Len(t, replies, 1)
	assert.Equal(t, krpc.TypeError, replies[0].Type)
	assert.Equal(t, krpc.ErrCodeMethodUnknown, replies[0].ErrCode)
}

func TestQueryTimeoutFires(t *testing.T) {
	te := newTestEngine(t, Config{QueryTimeout: 400 * time.Millisecond})

	timedOut := make(chan struct{})
	_, err := te.engine.Ping(testAddr(1), queryCallbacks{
		onResponse: func(msg *krpc.Message, rtt time.Duration) {
			t.Error("unexpected response")
		},
		onTimeout: func() { close(timedOut) },
	})
	require.NoError(t, err)

	select {
	case <-timedOut:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout callback never fired")
	}

	// Both the original send and the retransmit went out.
	assert.Len(t, te.tr.sentTo(testAddr(1)), 2)
}

func TestLateResponseIsDropped(t *testing.T) {
	te := newTestEngine(t, Config{QueryTimeout: 300 * time.Millisecond, QueryRetries: -1})

	responded := make(chan struct{}, 1)
	timedOut := make(chan struct{})
	_, err := te.engine.Ping(testAddr(1), queryCallbacks{
		onResponse: func(msg *krpc.Message, rtt time.Duration) { responded <- struct{}{} },
		onTimeout:  func() { close(timedOut) },
	})
	require.NoError(t, err)

	select {
	case <-timedOut:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout callback never fired")
	}

	// Answer after expiry: the resolution must not reach the caller.
	sent := te.tr.sentTo(testAddr(1))
	require.NotEmpty(t, sent)
	raw, err := krpc.NewResponse(sent[0].TxID, idWithByte(0x80, 1), nil).Encode()
	require.NoError(t, err)
	te.tr.Deliver(raw, testAddr(1))

	select {
	case <-responded:
		t.Fatal("late response resolved a dead transaction")
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, uint64(1), te.cache.UnknownCount())
}

// scriptedNetwork answers get_peers per node: seeds return closer nodes,
// holders return peer values. All answers carry tokens.
func scriptedNetwork(self krpc.ID, holders map[int][]krpc.Endpoint, refs map[int][]krpc.NodeInfo) func(*krpc.Message, *net.UDPAddr) *krpc.Message {
	return func(msg *krpc.Message, addr *net.UDPAddr) *krpc.Message {
		if msg.Type != krpc.TypeQuery || msg.Query != krpc.QueryGetPeers {
			return nil
		}
		nodeNum := int(addr.IP.To4()[3])
		remote := idWithByte(0x80, byte(nodeNum))
		values := map[string]interface{}{"token": "tok"}
		if peers, ok := holders[nodeNum]; ok {
			list := make([]interface{}, 0, len(peers))
			for _, p := range peers {
				compact, _ := krpc.EncodeCompactPeer(p)
				list = append(list, string(compact))
			}
			values["values"] = list
		} else {
			values["nodes"] = string(krpc.EncodeCompactNodes(refs[nodeNum]))
		}
		return krpc.NewResponse(msg.TxID, remote, values)
	}
}

func TestLookupIteratesToPeers(t *testing.T) {
	te := newTestEngine(t, Config{LookupDeadline: 5 * time.Second})
	infohash := idWithByte(0x11, 7)

	peerA := krpc.Endpoint{IP: net.IPv4(198, 51, 100, 1), Port: 51413}
	peerB := krpc.Endpoint{IP: net.IPv4(198, 51, 100, 2), Port: 51413}

	// Node 1 is seeded into the table and refers us to node 2, which
	// holds the peers.
	te.tr.respond = scriptedNetwork(te.self,
		map[int][]krpc.Endpoint{2: {peerA, peerB}},
		map[int][]krpc.NodeInfo{1: {{ID: idWithByte(0x80, 2), Addr: testAddr(2)}}},
	)
	te.engine.Table().Insert(idWithByte(0x80, 1), testAddr(1))

	var (
		mu      sync.Mutex
		emitted []krpc.Endpoint
	)
	done := make(chan LookupResult, 1)
	te.engine.StartLookup(infohash, func(ep krpc.Endpoint) bool {
		mu.Lock()
		emitted = append(emitted, ep)
		mu.Unlock()
		return true
	}, func(res LookupResult) { done <- res })

	select {
	case res := <-done:
		assert.Equal(t, 2, res.PeersFound)
		assert.Equal(t, 2, res.Responded)
		assert.False(t, res.Expired)
	case <-time.After(5 * time.Second):
		t.Fatal("lookup never finished")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, emitted, 2)
}

func TestLookupDeduplicatesEndpoints(t *testing.T) {
	te := newTestEngine(t, Config{LookupDeadline: 5 * time.Second})
	infohash := idWithByte(0x11, 7)
	peer := krpc.Endpoint{IP: net.IPv4(198, 51, 100, 1), Port: 51413}

	// Both responders hand back the same endpoint.
	te.tr.respond = scriptedNetwork(te.self,
		map[int][]krpc.Endpoint{1: {peer}, 2: {peer}},
		nil,
	)
	te.engine.Table().Insert(idWithByte(0x80, 1), testAddr(1))
	te.engine.Table().Insert(idWithByte(0x80, 2), testAddr(2))

	var (
		mu    sync.Mutex
		count int
	)
	done := make(chan LookupResult, 1)
	te.engine.StartLookup(infohash, func(ep krpc.Endpoint) bool {
		mu.Lock()
		count++
		mu.Unlock()
		return true
	}, func(res LookupResult) { done <- res })

	select {
	case res := <-done:
		assert.Equal(t, 1, res.PeersFound)
	case <-time.After(5 * time.Second):
		t.Fatal("lookup never finished")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestLookupCancelSuppressesDone(t *testing.T) {
	te := newTestEngine(t, Config{QueryTimeout: time.Second, LookupDeadline: 5 * time.Second})
	te.engine.Table().Insert(idWithByte(0x80, 1), testAddr(1))

	done := make(chan LookupResult, 1)
	l := te.engine.StartLookup(idWithByte(0x11, 7), nil, func(res LookupResult) { done <- res })
	l.Cancel()

	select {
	case <-done:
		t.Fatal("onDone fired after Cancel")
	case <-time.After(1500 * time.Millisecond):
	}
}

func TestLookupExpiresOnDeadline(t *testing.T) {
	te := newTestEngine(t, Config{QueryTimeout: 10 * time.Second, LookupDeadline: 500 * time.Millisecond})
	te.engine.Table().Insert(idWithByte(0x80, 1), testAddr(1))

	done := make(chan LookupResult, 1)
	te.engine.StartLookup(idWithByte(0x11, 7), nil, func(res LookupResult) { done <- res })

	select {
	case res := <-done:
		assert.True(t, res.Expired)
	case <-time.After(3 * time.Second):
		t.Fatal("deadline never expired the lookup")
	}
}

func TestLookupDefersWhenEngineSaturated(t *testing.T) {
	te := newTestEngine(t, Config{
		MaxInflight:    1,
		QueryTimeout:   300 * time.Millisecond,
		QueryRetries:   -1,
		LookupDeadline: 5 * time.Second,
	})
	infohash := idWithByte(0x11, 7)
	peer := krpc.Endpoint{IP: net.IPv4(198, 51, 100, 1), Port: 51413}
	te.tr.respond = scriptedNetwork(te.self, map[int][]krpc.Endpoint{1: {peer}}, nil)

	// Occupy the only query slot with a ping nobody answers.
	_, err := te.engine.Ping(testAddr(9), queryCallbacks{})
	require.NoError(t, err)

	te.engine.Table().Insert(idWithByte(0x80, 1), testAddr(1))

	// The lookup cannot launch anything until the ping times out; it must
	// park and resume rather than spin on the exhausted engine.
	done := make(chan LookupResult, 1)
	te.engine.StartLookup(infohash, nil, func(res LookupResult) { done <- res })

	select {
	case res := <-done:
		assert.Equal(t, 1, res.PeersFound)
		assert.Equal(t, 1, res.Responded)
		assert.False(t, res.Expired)
	case <-time.After(5 * time.Second):
		t.Fatal("lookup never recovered from saturation")
	}
}

func TestLookupCountsErrorRepliesAsFailures(t *testing.T) {
	te := newTestEngine(t, Config{LookupDeadline: 5 * time.Second})
	te.tr.respond = func(msg *krpc.Message, addr *net.UDPAddr) *krpc.Message {
		if msg.Type != krpc.TypeQuery || msg.Query != krpc.QueryGetPeers {
			return nil
		}
		return krpc.NewError(msg.TxID, krpc.ErrCodeGeneric, "busy")
	}
	te.engine.Table().Insert(idWithByte(0x80, 1), testAddr(1))

	done := make(chan LookupResult, 1)
	te.engine.StartLookup(idWithByte(0x11, 7), nil, func(res LookupResult) { done <- res })

	select {
	case res := <-done:
		assert.Zero(t, res.Responded, "error replies must not count as responders")
		assert.Zero(t, res.PeersFound)
	case <-time.After(5 * time.Second):
		t.Fatal("lookup never finished")
	}
}

func TestBootstrapSucceeds(t *testing.T) {
	te := newTestEngine(t, Config{})
	te.tr.respond = func(msg *krpc.Message, addr *net.UDPAddr) *krpc.Message {
		if msg.Query != krpc.QueryFindNode {
			return nil
		}
		nodes := make([]krpc.NodeInfo, 0, 8)
		for i := byte(1); i <= 8; i++ {
			nodes = append(nodes, krpc.NodeInfo{ID: idWithByte(0x80, i), Addr: testAddr(int(i))})
		}
		return krpc.NewResponse(msg.TxID, idWithByte(0xee, 1), map[string]interface{}{
			"nodes": string(krpc.EncodeCompactNodes(nodes)),
		})
	}

	b := NewBootstrapper(te.engine, BootstrapConfig{
		Seeds:        []string{"127.0.0.1:6881"},
		QueryTimeout: 2 * time.Second,
	})
	require.NoError(t, b.Run(context.Background()))
	assert.GreaterOrEqual(t, te.engine.Table().NodeCount(), 8)
}

func TestBootstrapFailsBelowThreshold(t *testing.T) {
	te := newTestEngine(t, Config{})
	// No responder at all.
	b := NewBootstrapper(te.engine, BootstrapConfig{
		Seeds:        []string{"127.0.0.1:6881", "127.0.0.1:6882"},
		MinSeeds:     2,
		QueryTimeout: 200 * time.Millisecond,
		Retries:      1,
	})

	err := b.Run(context.Background())
	require.Error(t, err)
	var berr *BootstrapError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, 0, berr.Responded)
	assert.Equal(t, 2, berr.Required)
}

func TestBootstrapHonorsContext(t *testing.T) {
	te := newTestEngine(t, Config{})
	b := NewBootstrapper(te.engine, BootstrapConfig{
		Seeds:        []string{"127.0.0.1:6881"},
		QueryTimeout: 10 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := b.Run(ctx)
	require.Error(t, err)
}
