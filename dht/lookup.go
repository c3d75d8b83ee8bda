package dht

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opd-ai/dhtcrawl/krpc"
	"github.com/sirupsen/logrus"
)

// LookupResult summarizes a finished iterative lookup.
type LookupResult struct {
	PeersFound int
	Responded  int
	Announced  int
	Expired    bool
}

// EmitFunc receives peer endpoints as a lookup discovers them. A false
// return signals backpressure: the endpoint is dropped, the lookup
// continues.
type EmitFunc func(ep krpc.Endpoint) bool

// saturationRetry is how long a lookup waits before re-offering
// candidates that could not be launched at engine capacity.
const saturationRetry = 500 * time.Millisecond

type lookupNode struct {
	id   krpc.ID
	addr *net.UDPAddr
	dist krpc.ID
}

type respondedNode struct {
	lookupNode
	token  string
	failed bool
}

// Lookup is one in-progress iterative get_peers search. All state is
// guarded by mu; network callbacks re-enter through the request cache.
type Lookup struct {
	e      *Engine
	target krpc.ID

	mu         sync.Mutex
	seen       map[krpc.ID]struct{}
	candidates []lookupNode // sorted ascending by distance to target
	inflight   map[krpc.ID]*QueryHandle
	responded  []respondedNode
	peers      map[string]struct{}
	emit       EmitFunc
	onDone     func(LookupResult)
	finished   bool
	cancelled  bool
	expired    bool
	announced  int
	deadline   *clock.Timer
	retry      *clock.Timer
	retryArmed bool
}

// StartLookup begins an iterative get_peers search for the infohash,
// seeded from the routing table. onDone fires exactly once unless the
// lookup is cancelled first.
func (e *Engine) StartLookup(infohash krpc.ID, emit EmitFunc, onDone func(LookupResult)) *Lookup {
	l := &Lookup{
		e:        e,
		target:   infohash,
		seen:     make(map[krpc.ID]struct{}),
		inflight: make(map[krpc.ID]*QueryHandle),
		peers:    make(map[string]struct{}),
		emit:     emit,
		onDone:   onDone,
	}

	seeds := e.table.Closest(infohash, e.cfg.Alpha*e.cfg.K)
	l.mu.Lock()
	for _, s := range seeds {
		l.addCandidateLocked(s.ID, s.Addr)
	}
	l.deadline = e.clk.AfterFunc(e.cfg.LookupDeadline, l.expire)
	l.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "StartLookup",
		"infohash": infohash.String(),
		"seeds":    len(seeds),
	}).Debug("Lookup started")

	l.advance()
	return l
}

// Cancel withdraws all in-flight queries. onDone is suppressed.
func (l *Lookup) Cancel() {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return
	}
	l.finished = true
	l.cancelled = true
	if l.deadline != nil {
		l.deadline.Stop()
	}
	if l.retry != nil {
		l.retry.Stop()
	}
	handles := make([]*QueryHandle, 0, len(l.inflight))
	for _, h := range l.inflight {
		handles = append(handles, h)
	}
	l.inflight = make(map[krpc.ID]*QueryHandle)
	l.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
}

func (l *Lookup) addCandidateLocked(id krpc.ID, addr *net.UDPAddr) {
	if id == l.e.self {
		return
	}
	if _, ok := l.seen[id]; ok {
		return
	}
	l.seen[id] = struct{}{}
	node := lookupNode{id: id, addr: addr, dist: id.XOR(l.target)}
	idx := sort.Search(len(l.candidates), func(i int) bool {
		return node.dist.Less(l.candidates[i].dist)
	})
	l.candidates = append(l.candidates, lookupNode{})
	copy(l.candidates[idx+1:], l.candidates[idx:])
	l.candidates[idx] = node
}

// kthClosestLocked returns the distance of the K-th closest successful
// responder and whether K successes exist yet.
func (l *Lookup) kthClosestLocked() (krpc.ID, bool) {
	dists := make([]krpc.ID, 0, len(l.responded))
	for _, r := range l.responded {
		if !r.failed {
			dists = append(dists, r.dist)
		}
	}
	if len(dists) < l.e.cfg.K {
		return krpc.ID{}, false
	}
	sort.Slice(dists, func(i, j int) bool { return dists[i].Less(dists[j]) })
	return dists[l.e.cfg.K-1], true
}

// advance launches queries until alpha are in flight or no candidate can
// improve the result set.
func (l *Lookup) advance() {
	type launch struct {
		node lookupNode
	}
	var launches []launch

	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return
	}
	l.retryArmed = false
	threshold, haveK := l.kthClosestLocked()
	for len(l.inflight) < l.e.cfg.Alpha && len(l.candidates) > 0 {
		next := l.candidates[0]
		if haveK && !next.dist.Less(threshold) {
			break
		}
		l.candidates = l.candidates[1:]
		l.inflight[next.id] = nil // placeholder until the handle exists
		launches = append(launches, launch{node: next})
	}
	l.mu.Unlock()

	for _, la := range launches {
		node := la.node
		handle, err := l.e.GetPeers(node.addr, l.target, queryCallbacks{
			onResponse: func(msg *krpc.Message, rtt time.Duration) {
				l.handleResponse(node, msg, rtt)
			},
			onTimeout: func() {
				l.handleTimeout(node)
			},
			onCancel: func() {},
		})
		l.e.table.MarkQuerySent(node.id)
		l.mu.Lock()
		if err != nil {
			// Saturated: requeue the candidate for a later advance.
			delete(l.inflight, node.id)
			delete(l.seen, node.id)
			l.addCandidateLocked(node.id, node.addr)
			l.mu.Unlock()
			continue
		}
		if _, still := l.inflight[node.id]; still {
			l.inflight[node.id] = handle
		} else if l.cancelled {
			l.mu.Unlock()
			handle.Cancel()
			continue
		}
		l.mu.Unlock()
	}

	l.checkDone()
}

func (l *Lookup) handleResponse(node lookupNode, msg *krpc.Message, rtt time.Duration) {
	l.e.table.MarkResponse(node.id, rtt)

	var emits []krpc.Endpoint

	l.mu.Lock()
	delete(l.inflight, node.id)
	if l.finished {
		l.mu.Unlock()
		return
	}
	// A KRPC error reply proves liveness but contributes nothing to the
	// result horizon; it must not count toward the K closest responders.
	l.responded = append(l.responded, respondedNode{
		lookupNode: node,
		token:      msg.Token(),
		failed:     msg.Type != krpc.TypeResponse,
	})

	if msg.Type == krpc.TypeResponse {
		for _, ep := range msg.Values() {
			key := endpointKey(ep)
			if _, dup := l.peers[key]; dup {
				continue
			}
			l.peers[key] = struct{}{}
			emits = append(emits, ep)
		}
		if nodes, err := msg.Nodes(); err == nil {
			for _, n := range nodes {
				l.addCandidateLocked(n.ID, n.Addr)
			}
		}
	}
	l.mu.Unlock()

	// Learned nodes also feed the routing table.
	if msg.Type == krpc.TypeResponse {
		if nodes, err := msg.Nodes(); err == nil {
			for _, n := range nodes {
				l.e.insertNode(n.ID, n.Addr)
			}
		}
	}

	for _, ep := range emits {
		if l.emit != nil && !l.emit(ep) {
			// Backpressure: drop, never stall the lookup.
			l.mu.Lock()
			delete(l.peers, endpointKey(ep))
			l.mu.Unlock()
		}
	}
	if l.e.metrics != nil && len(emits) > 0 {
		l.e.metrics.PeersDiscovered.Add(float64(len(emits)))
	}

	l.advance()
}

func (l *Lookup) handleTimeout(node lookupNode) {
	l.e.table.MarkFailure(node.id)

	l.mu.Lock()
	delete(l.inflight, node.id)
	if l.finished {
		l.mu.Unlock()
		return
	}
	l.responded = append(l.responded, respondedNode{lookupNode: node, failed: true})
	l.mu.Unlock()

	l.advance()
}

// checkDone finishes the lookup when nothing is in flight and no
// remaining candidate is closer than the K-th closest responder.
func (l *Lookup) checkDone() {
	l.mu.Lock()
	if l.finished || len(l.inflight) > 0 {
		l.mu.Unlock()
		return
	}
	threshold, haveK := l.kthClosestLocked()
	if len(l.candidates) > 0 {
		if !haveK || l.candidates[0].dist.Less(threshold) {
			// A saturated engine can leave candidates without inflight
			// queries. Defer to a timer; re-entering advance here would
			// recurse without a base case.
			if !l.retryArmed {
				l.retryArmed = true
				l.retry = l.e.clk.AfterFunc(saturationRetry, l.advance)
			}
			l.mu.Unlock()
			return
		}
	}
	l.finishLocked()
}

// finishLocked terminates the lookup and releases the lock itself.
func (l *Lookup) finishLocked() {
	l.finished = true
	if l.deadline != nil {
		l.deadline.Stop()
	}
	if l.retry != nil {
		l.retry.Stop()
	}
	result := LookupResult{
		PeersFound: len(l.peers),
		Expired:    l.expired,
	}
	for _, r := range l.responded {
		if !r.failed {
			result.Responded++
		}
	}
	onDone := l.onDone
	announceTargets := l.announceTargetsLocked()
	l.mu.Unlock()

	for _, t := range announceTargets {
		target := t
		_, err := l.e.AnnouncePeer(target.addr, l.target, target.token, queryCallbacks{})
		if err == nil {
			result.Announced++
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":  "finish",
		"infohash":  l.target.String(),
		"peers":     result.PeersFound,
		"responded": result.Responded,
	}).Debug("Lookup finished")

	if onDone != nil {
		onDone(result)
	}
}

// announceTargetsLocked picks the K closest successful responders that
// handed us a non-empty token.
func (l *Lookup) announceTargetsLocked() []respondedNode {
	if !l.e.cfg.AnnounceEnabled {
		return nil
	}
	ok := make([]respondedNode, 0, len(l.responded))
	for _, r := range l.responded {
		if !r.failed && r.token != "" {
			ok = append(ok, r)
		}
	}
	sort.Slice(ok, func(i, j int) bool { return ok[i].dist.Less(ok[j].dist) })
	if len(ok) > l.e.cfg.K {
		ok = ok[:l.e.cfg.K]
	}
	return ok
}

// expire fires on the lookup deadline: everything in flight is cancelled
// and the lookup completes with whatever was gathered.
func (l *Lookup) expire() {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return
	}
	l.expired = true
	handles := make([]*QueryHandle, 0, len(l.inflight))
	for _, h := range l.inflight {
		if h != nil {
			handles = append(handles, h)
		}
	}
	l.inflight = make(map[krpc.ID]*QueryHandle)
	l.finishLocked()

	for _, h := range handles {
		h.Cancel()
	}
}
