package dht

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opd-ai/dhtcrawl/krpc"
	"github.com/opd-ai/dhtcrawl/metrics"
	"github.com/opd-ai/dhtcrawl/pending"
	"github.com/opd-ai/dhtcrawl/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Config tunes the DHT engine. Zero values fall back to the defaults
// documented on each field.
type Config struct {
	// Alpha is the lookup parallelism (default 3).
	Alpha int
	// K is the bucket size and lookup closeness horizon (default 8).
	K int
	// QueryTimeout is the total budget per query including retransmits
	// (default 4 s).
	QueryTimeout time.Duration
	// QueryRetries is the retransmit count within QueryTimeout (default 1,
	// giving one retransmit at the half-way mark).
	QueryRetries int
	// LookupDeadline caps a whole iterative lookup (default 60 s).
	LookupDeadline time.Duration
	// MaxInflight caps simultaneously tracked outbound queries across all
	// lookups (default 2048).
	MaxInflight int
	// QueriesPerSecond rate-limits outbound queries (default 1000).
	QueriesPerSecond rate.Limit
	// AnnounceEnabled turns on announce_peer after successful lookups.
	AnnounceEnabled bool
	// AnnouncePort is the port announced when AnnounceEnabled is set.
	AnnouncePort uint16
	// ObservedPeerCap bounds stored endpoints per infohash learned from
	// inbound announce_peer queries (default 64).
	ObservedPeerCap int
	// Version is the client string sent in extended handshakes and logs.
	Version string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Alpha <= 0 {
		out.Alpha = 3
	}
	if out.K <= 0 {
		out.K = DefaultBucketSize
	}
	if out.QueryTimeout <= 0 {
		out.QueryTimeout = 4 * time.Second
	}
	if out.QueryRetries < 0 {
		out.QueryRetries = 0
	} else if out.QueryRetries == 0 {
		out.QueryRetries = 1
	}
	if out.LookupDeadline <= 0 {
		out.LookupDeadline = 60 * time.Second
	}
	if out.MaxInflight <= 0 {
		out.MaxInflight = 2048
	}
	if out.QueriesPerSecond <= 0 {
		out.QueriesPerSecond = 1000
	}
	if out.ObservedPeerCap <= 0 {
		out.ObservedPeerCap = 64
	}
	return out
}

// ErrSaturated is returned when the global inflight query cap is reached.
var ErrSaturated = errors.New("dht query capacity saturated")

// PassivePeerFunc receives endpoints learned from inbound announce_peer
// traffic. It must not block.
type PassivePeerFunc func(infohash krpc.ID, ep krpc.Endpoint)

// Engine drives outbound Kademlia queries and serves inbound ones. It
// owns the routing table; the request cache is shared with the metadata
// engine but the coordinator there never touches DHT transactions.
type Engine struct {
	self    krpc.ID
	table   *Table
	tokens  *TokenStore
	cache   *pending.Cache
	tr      transport.PacketTransport
	cfg     Config
	clk     clock.Clock
	limiter *rate.Limiter
	metrics *metrics.Collector

	inflight atomic.Int64

	mu            sync.Mutex
	observed      map[krpc.ID][]krpc.Endpoint
	onPassivePeer PassivePeerFunc
	closed        bool
}

// NewEngine wires the engine into the given transport; from this point
// every inbound datagram on it flows through the engine.
func NewEngine(self krpc.ID, table *Table, tokens *TokenStore, cache *pending.Cache,
	tr transport.PacketTransport, cfg Config, clk clock.Clock, m *metrics.Collector,
) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	cfg = cfg.withDefaults()
	e := &Engine{
		self:     self,
		table:    table,
		tokens:   tokens,
		cache:    cache,
		tr:       tr,
		cfg:      cfg,
		clk:      clk,
		limiter:  rate.NewLimiter(cfg.QueriesPerSecond, int(cfg.QueriesPerSecond)),
		metrics:  m,
		observed: make(map[krpc.ID][]krpc.Endpoint),
	}
	tr.SetHandler(e.handleDatagram)
	return e
}

// Table returns the engine's routing table.
func (e *Engine) Table() *Table {
	return e.table
}

// SetPassivePeerFunc installs the sink for passively observed peers.
func (e *Engine) SetPassivePeerFunc(fn PassivePeerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPassivePeer = fn
}

// Close stops accepting work. In-flight transactions drain through the
// shared cache, which the owner closes separately.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// queryResult is the payload delivered through the request cache for a
// resolved DHT transaction.
type queryResult struct {
	msg  *krpc.Message
	addr *net.UDPAddr
}

// QueryHandle allows cancelling an outbound query whose transaction id
// may change across retransmits.
type QueryHandle struct {
	e         *Engine
	mu        sync.Mutex
	txid      pending.TxID
	cancelled bool
}

// Cancel withdraws the query; its cancel callback fires exactly once via
// the cache.
func (q *QueryHandle) Cancel() {
	q.mu.Lock()
	if q.cancelled {
		q.mu.Unlock()
		return
	}
	q.cancelled = true
	txid := q.txid
	q.mu.Unlock()
	q.e.cache.CancelTx(txid)
}

func (q *QueryHandle) setTxID(id pending.TxID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancelled {
		return false
	}
	q.txid = id
	return true
}

// queryCallbacks bundles the caller's continuations for one query.
type queryCallbacks struct {
	onResponse func(msg *krpc.Message, rtt time.Duration)
	onTimeout  func()
	onCancel   func()
}

// sendQuery registers a transaction and transmits the query, honoring the
// retransmit policy: the total timeout is split evenly across attempts.
// A zero timeout uses the configured QueryTimeout.
func (e *Engine) sendQuery(addr *net.UDPAddr, timeout time.Duration, build func(txid string) *krpc.Message, cbs queryCallbacks) (*QueryHandle, error) {
	if int(e.inflight.Load()) >= e.cfg.MaxInflight {
		if e.metrics != nil {
			e.metrics.QueriesDropped.Inc()
		}
		return nil, ErrSaturated
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrSaturated
	}

	if timeout <= 0 {
		timeout = e.cfg.QueryTimeout
	}
	handle := &QueryHandle{e: e}
	attempts := e.cfg.QueryRetries + 1
	attemptTimeout := timeout / time.Duration(attempts)

	e.inflight.Add(1)
	if err := e.attempt(addr, build, cbs, handle, attempts, attemptTimeout); err != nil {
		e.inflight.Add(-1)
		return nil, err
	}
	return handle, nil
}

func (e *Engine) attempt(addr *net.UDPAddr, build func(txid string) *krpc.Message,
	cbs queryCallbacks, handle *QueryHandle, attemptsLeft int, attemptTimeout time.Duration,
) error {
	sentAt := e.clk.Now()
	txid, err := e.cache.RegisterTx(pending.Entry{
		OnResponse: func(payload interface{}) {
			e.inflight.Add(-1)
			res, ok := payload.(*queryResult)
			if !ok {
				return
			}
			if cbs.onResponse != nil {
				cbs.onResponse(res.msg, e.clk.Now().Sub(sentAt))
			}
		},
		OnTimeout: func() {
			if attemptsLeft > 1 {
				if err := e.attempt(addr, build, cbs, handle, attemptsLeft-1, attemptTimeout); err == nil {
					return
				}
			}
			e.inflight.Add(-1)
			if e.metrics != nil {
				e.metrics.QueryTimeouts.Inc()
			}
			if cbs.onTimeout != nil {
				cbs.onTimeout()
			}
		},
		OnCancel: func() {
			e.inflight.Add(-1)
			if cbs.onCancel != nil {
				cbs.onCancel()
			}
		},
	}, attemptTimeout)
	if err != nil {
		return err
	}
	if !handle.setTxID(txid) {
		// Cancelled between attempts.
		e.cache.CancelTx(txid)
		return nil
	}

	msg := build(txid.String())
	raw, err := msg.Encode()
	if err != nil {
		e.cache.CancelTx(txid)
		return err
	}

	send := func() {
		if err := e.tr.Send(raw, addr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "attempt",
				"addr":     addr.String(),
				"error":    err.Error(),
			}).Debug("Query send failed")
			return
		}
		if e.metrics != nil {
			e.metrics.QueriesSent.Inc()
		}
	}

	// Rate limiting delays rather than drops: the transaction deadline is
	// already running, so a badly backlogged limiter degrades to timeouts.
	if res := e.limiter.Reserve(); res.OK() && res.Delay() > 0 {
		time.AfterFunc(res.Delay(), send)
	} else {
		send()
	}
	return nil
}

// Ping sends a ping query.
func (e *Engine) Ping(addr *net.UDPAddr, cbs queryCallbacks) (*QueryHandle, error) {
	return e.sendQuery(addr, 0, func(txid string) *krpc.Message {
		return krpc.NewPing(txid, e.self)
	}, cbs)
}

// FindNode sends a find_node query for the target ID.
func (e *Engine) FindNode(addr *net.UDPAddr, target krpc.ID, cbs queryCallbacks) (*QueryHandle, error) {
	return e.sendQuery(addr, 0, func(txid string) *krpc.Message {
		return krpc.NewFindNode(txid, e.self, target)
	}, cbs)
}

// FindNodeTimeout is FindNode with an explicit total timeout; bootstrap
// uses a longer deadline than regular lookup traffic.
func (e *Engine) FindNodeTimeout(addr *net.UDPAddr, target krpc.ID, timeout time.Duration, cbs queryCallbacks) (*QueryHandle, error) {
	return e.sendQuery(addr, timeout, func(txid string) *krpc.Message {
		return krpc.NewFindNode(txid, e.self, target)
	}, cbs)
}

// GetPeers sends a get_peers query for the infohash.
func (e *Engine) GetPeers(addr *net.UDPAddr, infohash krpc.ID, cbs queryCallbacks) (*QueryHandle, error) {
	return e.sendQuery(addr, 0, func(txid string) *krpc.Message {
		return krpc.NewGetPeers(txid, e.self, infohash)
	}, cbs)
}

// AnnouncePeer sends announce_peer carrying a token previously returned
// by the destination's get_peers response.
func (e *Engine) AnnouncePeer(addr *net.UDPAddr, infohash krpc.ID, token string, cbs queryCallbacks) (*QueryHandle, error) {
	return e.sendQuery(addr, 0, func(txid string) *krpc.Message {
		return krpc.NewAnnouncePeer(txid, e.self, infohash, e.cfg.AnnouncePort, token, e.cfg.AnnouncePort == 0)
	}, cbs)
}

// handleDatagram is the transport sink for all inbound KRPC traffic.
func (e *Engine) handleDatagram(buf []byte, addr *net.UDPAddr) {
	msg, err := krpc.Decode(buf)
	if err != nil {
		if e.metrics != nil {
			e.metrics.MalformedPackets.Inc()
		}
		logrus.WithFields(logrus.Fields{
			"function": "handleDatagram",
			"addr":     addr.String(),
			"error":    err.Error(),
		}).Debug("Dropping malformed datagram")
		return
	}

	switch msg.Type {
	case krpc.TypeQuery:
		e.serveQuery(msg, addr)
	case krpc.TypeResponse, krpc.TypeError:
		txid, ok := pending.TxIDFromString(msg.TxID)
		if !ok {
			if e.metrics != nil {
				e.metrics.MalformedPackets.Inc()
			}
			return
		}
		e.cache.ResolveTx(txid, &queryResult{msg: msg, addr: addr})
	}
}

// insertNode offers a learned node to the routing table and runs the
// eviction challenge when a full bucket demands one.
func (e *Engine) insertNode(id krpc.ID, addr *net.UDPAddr) {
	res := e.table.Insert(id, addr)
	if res.Outcome != OutcomeNeedsPing {
		return
	}
	stale := res.PingCandidate
	_, err := e.Ping(stale.Addr, queryCallbacks{
		onResponse: func(msg *krpc.Message, rtt time.Duration) {
			e.table.MarkResponse(stale.ID, rtt)
			e.table.AbandonReplacement(stale.ID)
		},
		onTimeout: func() {
			e.table.MarkFailure(stale.ID)
			e.table.CompleteReplacement(stale.ID)
		},
		onCancel: func() {
			e.table.AbandonReplacement(stale.ID)
		},
	})
	if err != nil {
		e.table.AbandonReplacement(stale.ID)
	}
	e.table.MarkQuerySent(stale.ID)
}

// serveQuery answers inbound DHT queries from the routing table, the
// token store, and the observed-peer set.
func (e *Engine) serveQuery(msg *krpc.Message, addr *net.UDPAddr) {
	sender, ok := msg.SenderID()
	if !ok {
		if e.metrics != nil {
			e.metrics.MalformedPackets.Inc()
		}
		return
	}
	e.insertNode(sender, addr)
	e.table.MarkQueriedUs(sender)
	if e.metrics != nil {
		e.metrics.QueriesServed.Inc()
	}

	var reply *krpc.Message
	switch msg.Query {
	case krpc.QueryPing:
		reply = krpc.NewResponse(msg.TxID, e.self, nil)

	case krpc.QueryFindNode:
		reply = e.serveFindNode(msg)

	case krpc.QueryGetPeers:
		reply = e.serveGetPeers(msg, addr)

	case krpc.QueryAnnouncePeer:
		reply = e.serveAnnounce(msg, addr)

	default:
		reply = krpc.NewError(msg.TxID, krpc.ErrCodeMethodUnknown, "Method Unknown")
	}

	raw, err := reply.Encode()
	if err != nil {
		return
	}
	if err := e.tr.Send(raw, addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "serveQuery",
			"addr":     addr.String(),
			"error":    err.Error(),
		}).Debug("Reply send failed")
	}
}

func (e *Engine) serveFindNode(msg *krpc.Message) *krpc.Message {
	raw, ok := msg.Args["target"].(string)
	if !ok || len(raw) != krpc.IDSize {
		return krpc.NewError(msg.TxID, krpc.ErrCodeProtocol, "invalid target")
	}
	target, _ := krpc.IDFromBytes([]byte(raw))
	return krpc.NewResponse(msg.TxID, e.self, map[string]interface{}{
		"nodes": string(e.compactClosest(target)),
	})
}

func (e *Engine) serveGetPeers(msg *krpc.Message, addr *net.UDPAddr) *krpc.Message {
	raw, ok := msg.Args["info_hash"].(string)
	if !ok || len(raw) != krpc.IDSize {
		return krpc.NewError(msg.TxID, krpc.ErrCodeProtocol, "invalid info_hash")
	}
	infohash, _ := krpc.IDFromBytes([]byte(raw))

	values := map[string]interface{}{
		"token": e.tokens.Issue(addr.IP),
	}
	e.mu.Lock()
	peers := e.observed[infohash]
	e.mu.Unlock()
	if len(peers) > 0 {
		list := make([]interface{}, 0, len(peers))
		for _, p := range peers {
			compact, err := krpc.EncodeCompactPeer(p)
			if err != nil {
				continue
			}
			list = append(list, string(compact))
		}
		values["values"] = list
	} else {
		values["nodes"] = string(e.compactClosest(infohash))
	}
	return krpc.NewResponse(msg.TxID, e.self, values)
}

func (e *Engine) serveAnnounce(msg *krpc.Message, addr *net.UDPAddr) *krpc.Message {
	raw, ok := msg.Args["info_hash"].(string)
	if !ok || len(raw) != krpc.IDSize {
		return krpc.NewError(msg.TxID, krpc.ErrCodeProtocol, "invalid info_hash")
	}
	infohash, _ := krpc.IDFromBytes([]byte(raw))

	token, _ := msg.Args["token"].(string)
	if token == "" || !e.tokens.Verify(addr.IP, token) {
		return krpc.NewError(msg.TxID, krpc.ErrCodeProtocol, "bad token")
	}

	port := addr.Port
	if implied, _ := msg.Args["implied_port"].(int64); implied == 0 {
		if p, ok := msg.Args["port"].(int64); ok && p > 0 && p <= 65535 {
			port = int(p)
		}
	}
	ep := krpc.Endpoint{IP: addr.IP, Port: uint16(port)}

	e.mu.Lock()
	stored := e.observed[infohash]
	exists := false
	for _, p := range stored {
		if p.IP.Equal(ep.IP) && p.Port == ep.Port {
			exists = true
			break
		}
	}
	if !exists {
		if len(stored) >= e.cfg.ObservedPeerCap {
			stored = stored[1:]
		}
		e.observed[infohash] = append(stored, ep)
	}
	passive := e.onPassivePeer
	e.mu.Unlock()

	if !exists && passive != nil {
		passive(infohash, ep)
	}
	if e.metrics != nil && !exists {
		e.metrics.PeersObserved.Inc()
	}
	return krpc.NewResponse(msg.TxID, e.self, nil)
}

func (e *Engine) compactClosest(target krpc.ID) []byte {
	closest := e.table.Closest(target, e.cfg.K)
	infos := make([]krpc.NodeInfo, 0, len(closest))
	for _, s := range closest {
		infos = append(infos, krpc.NodeInfo{ID: s.ID, Addr: s.Addr})
	}
	return krpc.EncodeCompactNodes(infos)
}

// ObservedPeers returns the passively learned endpoints for an infohash.
func (e *Engine) ObservedPeers(infohash krpc.ID) []krpc.Endpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]krpc.Endpoint, len(e.observed[infohash]))
	copy(out, e.observed[infohash])
	return out
}

func endpointKey(ep krpc.Endpoint) string {
	return fmt.Sprintf("%s:%d", ep.IP.String(), ep.Port)
}
