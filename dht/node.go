package dht

import (
	"net"
	"time"

	"github.com/opd-ai/dhtcrawl/krpc"
)

// Quality grades how trustworthy a node is for routing decisions.
type Quality uint8

const (
	QualityUnknown Quality = iota
	QualityBad
	QualityGood
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityBad:
		return "bad"
	default:
		return "unknown"
	}
}

const (
	// goodWindow is how recently a node must have answered to count as good,
	// and conversely how long silence after a query marks it bad.
	goodWindow = 15 * time.Minute

	// maxFailures is the consecutive-failure count that marks a node bad.
	maxFailures = 3

	// maxRTTSamples bounds the per-node RTT history.
	maxRTTSamples = 8
)

// Node is one routing table entry. Nodes are owned by the table; all
// mutation happens under the table lock.
type Node struct {
	ID   krpc.ID
	Addr *net.UDPAddr

	FirstSeen     time.Time
	LastSeen      time.Time
	LastQuerySent time.Time
	LastResponse  time.Time

	// QueriedUs records whether the node ever sent us a query, one of the
	// two paths to good standing.
	QueriedUs bool

	ConsecutiveFailures int
	SuccessCount        int

	rttSamples []time.Duration
}

func newNode(id krpc.ID, addr *net.UDPAddr, now time.Time) *Node {
	return &Node{
		ID:        id,
		Addr:      addr,
		FirstSeen: now,
		LastSeen:  now,
	}
}

// Quality derives the node's grade at the given instant. It is never
// stored; the inputs are.
func (n *Node) Quality(now time.Time) Quality {
	if n.ConsecutiveFailures >= maxFailures {
		return QualityBad
	}
	// Queried but silent past the window.
	if !n.LastQuerySent.IsZero() && n.LastQuerySent.After(n.LastResponse) &&
		now.Sub(n.LastQuerySent) > goodWindow {
		return QualityBad
	}
	if !n.LastResponse.IsZero() && now.Sub(n.LastResponse) <= goodWindow &&
		(n.QueriedUs || n.SuccessCount >= 1) {
		return QualityGood
	}
	return QualityUnknown
}

// RTT returns the mean of the recorded samples, zero when none exist.
func (n *Node) RTT() time.Duration {
	if len(n.rttSamples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range n.rttSamples {
		sum += s
	}
	return sum / time.Duration(len(n.rttSamples))
}

func (n *Node) markResponse(rtt time.Duration, now time.Time) {
	n.LastResponse = now
	n.LastSeen = now
	n.ConsecutiveFailures = 0
	n.SuccessCount++
	if rtt > 0 {
		n.rttSamples = append(n.rttSamples, rtt)
		if len(n.rttSamples) > maxRTTSamples {
			n.rttSamples = n.rttSamples[1:]
		}
	}
}

func (n *Node) markFailure() {
	n.ConsecutiveFailures++
}

func (n *Node) markQuerySent(now time.Time) {
	n.LastQuerySent = now
}

func (n *Node) markQueriedUs(now time.Time) {
	n.QueriedUs = true
	n.LastSeen = now
}

// Snapshot is an immutable copy of a node handed outside the table.
type Snapshot struct {
	ID      krpc.ID
	Addr    *net.UDPAddr
	Quality Quality
	RTT     time.Duration
}

func (n *Node) snapshot(now time.Time) Snapshot {
	return Snapshot{
		ID:      n.ID,
		Addr:    n.Addr,
		Quality: n.Quality(now),
		RTT:     n.RTT(),
	}
}
