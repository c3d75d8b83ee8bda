package dht

import (
	"crypto/rand"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opd-ai/dhtcrawl/krpc"
	"github.com/sirupsen/logrus"
)

// maxBuckets is one bucket per bit of the 160-bit ID space.
const maxBuckets = 160

// DefaultBucketSize is Kademlia's k.
const DefaultBucketSize = 8

// InsertOutcome describes what Insert did with a candidate node.
type InsertOutcome int

const (
	// OutcomeAdded means the node went into a bucket with room.
	OutcomeAdded InsertOutcome = iota
	// OutcomeUpdated means the node was already present; its address and
	// last-seen time were refreshed.
	OutcomeUpdated
	// OutcomeReplacedBad means a bad node made way for the candidate.
	OutcomeReplacedBad
	// OutcomeNeedsPing means the bucket is full of non-bad nodes; the
	// caller should ping PingCandidate and report back via
	// CompleteReplacement or AbandonReplacement.
	OutcomeNeedsPing
	// OutcomeDropped means the candidate was discarded.
	OutcomeDropped
	// OutcomeSelf means the candidate is our own ID.
	OutcomeSelf
)

// InsertResult is the outcome of a routing table insert.
type InsertResult struct {
	Outcome       InsertOutcome
	PingCandidate *Snapshot
}

type bucket struct {
	nodes       []*Node
	lastRefresh time.Time
}

type pendingReplace struct {
	newID   krpc.ID
	newAddr *net.UDPAddr
}

// Table is the Kademlia routing table. Buckets are laid out along the
// path of our own ID: bucket i holds nodes whose IDs share exactly i
// leading bits with ours, and the final bucket covers the remainder of
// the space including our own ID. Only that final bucket may split.
type Table struct {
	mu      sync.RWMutex
	self    krpc.ID
	k       int
	clk     clock.Clock
	buckets []*bucket

	// pending maps a pinged least-recently-seen node to the newcomer
	// waiting for its slot.
	pending map[krpc.ID]pendingReplace
}

// NewTable creates a routing table for the given own ID with bucket
// capacity k.
func NewTable(self krpc.ID, k int, clk clock.Clock) *Table {
	if k <= 0 {
		k = DefaultBucketSize
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Table{
		self:    self,
		k:       k,
		clk:     clk,
		buckets: []*bucket{{lastRefresh: clk.Now()}},
		pending: make(map[krpc.ID]pendingReplace),
	}
}

// Self returns our own node ID.
func (t *Table) Self() krpc.ID {
	return t.self
}

// commonPrefixLen counts the leading bits shared between our ID and the
// given one; 160 means equal IDs.
func (t *Table) commonPrefixLen(id krpc.ID) int {
	idx := krpc.BucketIndex(t.self, id)
	if idx < 0 {
		return maxBuckets
	}
	return maxBuckets - 1 - idx
}

func (t *Table) bucketFor(id krpc.ID) int {
	cpl := t.commonPrefixLen(id)
	if cpl >= len(t.buckets) {
		return len(t.buckets) - 1
	}
	return cpl
}

// Insert offers a node to the table.
func (t *Table) Insert(id krpc.ID, addr *net.UDPAddr) InsertResult {
	if id == t.self {
		return InsertResult{Outcome: OutcomeSelf}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clk.Now()

	for {
		bi := t.bucketFor(id)
		b := t.buckets[bi]

		for _, n := range b.nodes {
			if n.ID == id {
				n.Addr = addr
				n.LastSeen = now
				return InsertResult{Outcome: OutcomeUpdated}
			}
		}

		if len(b.nodes) < t.k {
			b.nodes = append(b.nodes, newNode(id, addr, now))
			return InsertResult{Outcome: OutcomeAdded}
		}

		// Full bucket. Split only along our own ID's path.
		if bi == len(t.buckets)-1 && len(t.buckets) < maxBuckets {
			t.split()
			continue
		}

		for i, n := range b.nodes {
			if n.Quality(now) == QualityBad {
				delete(t.pending, n.ID)
				b.nodes[i] = newNode(id, addr, now)
				return InsertResult{Outcome: OutcomeReplacedBad}
			}
		}

		// No bad node: ping the least-recently-seen one that is not
		// already being challenged.
		var lrs *Node
		for _, n := range b.nodes {
			if _, challenged := t.pending[n.ID]; challenged {
				continue
			}
			if lrs == nil || n.LastSeen.Before(lrs.LastSeen) {
				lrs = n
			}
		}
		if lrs == nil {
			return InsertResult{Outcome: OutcomeDropped}
		}
		t.pending[lrs.ID] = pendingReplace{newID: id, newAddr: addr}
		snap := lrs.snapshot(now)
		return InsertResult{Outcome: OutcomeNeedsPing, PingCandidate: &snap}
	}
}

// split unfolds the final bucket: nodes matching its exact prefix depth
// stay, the rest move into a new final bucket.
func (t *Table) split() {
	last := len(t.buckets) - 1
	old := t.buckets[last]
	fresh := &bucket{lastRefresh: t.clk.Now()}
	t.buckets = append(t.buckets, fresh)

	kept := old.nodes[:0]
	for _, n := range old.nodes {
		if t.commonPrefixLen(n.ID) == last {
			kept = append(kept, n)
		} else {
			fresh.nodes = append(fresh.nodes, n)
		}
	}
	old.nodes = kept

	logrus.WithFields(logrus.Fields{
		"function": "split",
		"buckets":  len(t.buckets),
	}).Debug("Routing table bucket split")
}

// CompleteReplacement finishes a challenge after the pinged node failed
// to answer: it is evicted and the waiting newcomer takes the slot.
func (t *Table) CompleteReplacement(stale krpc.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rep, ok := t.pending[stale]
	if !ok {
		return
	}
	delete(t.pending, stale)
	now := t.clk.Now()

	bi := t.bucketFor(stale)
	b := t.buckets[bi]
	for i, n := range b.nodes {
		if n.ID == stale {
			b.nodes[i] = newNode(rep.newID, rep.newAddr, now)
			return
		}
	}
}

// AbandonReplacement drops a pending challenge because the old node
// answered; the newcomer is discarded.
func (t *Table) AbandonReplacement(stale krpc.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, stale)
}

// Remove deletes a node outright.
func (t *Table) Remove(id krpc.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
	b := t.buckets[t.bucketFor(id)]
	for i, n := range b.nodes {
		if n.ID == id {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			return
		}
	}
}

// Closest returns up to n nodes sorted by XOR distance to target,
// breaking ties by higher quality, then lower RTT.
func (t *Table) Closest(target krpc.ID, n int) []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := t.clk.Now()

	all := make([]Snapshot, 0, t.k*len(t.buckets))
	for _, b := range t.buckets {
		for _, node := range b.nodes {
			all = append(all, node.snapshot(now))
		}
	}
	sort.Slice(all, func(i, j int) bool {
		di := all[i].ID.XOR(target)
		dj := all[j].ID.XOR(target)
		if di != dj {
			return di.Less(dj)
		}
		if all[i].Quality != all[j].Quality {
			return all[i].Quality > all[j].Quality
		}
		return all[i].RTT < all[j].RTT
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// MarkResponse records a successful reply from the node.
func (t *Table) MarkResponse(id krpc.ID, rtt time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := t.find(id); n != nil {
		n.markResponse(rtt, t.clk.Now())
		t.buckets[t.bucketFor(id)].lastRefresh = t.clk.Now()
	}
}

// MarkFailure increments the node's consecutive failure count.
func (t *Table) MarkFailure(id krpc.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := t.find(id); n != nil {
		n.markFailure()
	}
}

// MarkQuerySent records that we queried the node.
func (t *Table) MarkQuerySent(id krpc.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := t.find(id); n != nil {
		n.markQuerySent(t.clk.Now())
	}
}

// MarkQueriedUs records that the node sent us a query.
func (t *Table) MarkQueriedUs(id krpc.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := t.find(id); n != nil {
		n.markQueriedUs(t.clk.Now())
	}
}

func (t *Table) find(id krpc.ID) *Node {
	b := t.buckets[t.bucketFor(id)]
	for _, n := range b.nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// NodeCount returns the number of nodes across all buckets.
func (t *Table) NodeCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	count := 0
	for _, b := range t.buckets {
		count += len(b.nodes)
	}
	return count
}

// GoodNodeCount returns how many nodes currently grade as good.
func (t *Table) GoodNodeCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := t.clk.Now()
	count := 0
	for _, b := range t.buckets {
		for _, n := range b.nodes {
			if n.Quality(now) == QualityGood {
				count++
			}
		}
	}
	return count
}

// NeedsRefresh returns one random lookup target per stale bucket: a
// bucket with nodes but no response within the staleness window.
func (t *Table) NeedsRefresh() []krpc.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clk.Now()

	var targets []krpc.ID
	for i, b := range t.buckets {
		if len(b.nodes) == 0 || now.Sub(b.lastRefresh) <= goodWindow {
			continue
		}
		responsive := false
		for _, n := range b.nodes {
			if !n.LastResponse.IsZero() && now.Sub(n.LastResponse) <= goodWindow {
				responsive = true
				break
			}
		}
		if !responsive {
			targets = append(targets, t.randomIDInBucket(i))
			b.lastRefresh = now
		}
	}
	return targets
}

// PruneBad evicts every node currently grading bad.
func (t *Table) PruneBad() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clk.Now()

	pruned := 0
	for _, b := range t.buckets {
		kept := b.nodes[:0]
		for _, n := range b.nodes {
			if n.Quality(now) == QualityBad {
				delete(t.pending, n.ID)
				pruned++
				continue
			}
			kept = append(kept, n)
		}
		b.nodes = kept
	}
	return pruned
}

// randomIDInBucket builds an ID sharing exactly i leading bits with our
// own, randomized past the differing bit. For the final bucket any ID at
// that depth or deeper works.
func (t *Table) randomIDInBucket(i int) krpc.ID {
	var id krpc.ID
	_, _ = rand.Read(id[:])

	// Copy the first i bits of our own ID, then force bit i to differ
	// unless this is the final bucket.
	for bit := 0; bit < i && bit < maxBuckets; bit++ {
		byteIdx, mask := bit/8, byte(0x80)>>(bit%8)
		id[byteIdx] = (id[byteIdx] &^ mask) | (t.self[byteIdx] & mask)
	}
	if i < len(t.buckets)-1 && i < maxBuckets {
		byteIdx, mask := i/8, byte(0x80)>>(i%8)
		id[byteIdx] = (id[byteIdx] &^ mask) | (^t.self[byteIdx] & mask)
	}
	return id
}
