package dhtcrawl

import (
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/opd-ai/dhtcrawl/dht"
	"github.com/opd-ai/dhtcrawl/krpc"
)

// Infohash is the 20-byte canonical torrent identifier.
type Infohash = krpc.ID

// JobHandle identifies a submitted job on the event stream.
type JobHandle = uuid.UUID

// JobEventKind discriminates JobEvent payloads.
type JobEventKind int

const (
	// EventPeersFound reports the running count of discovered endpoints.
	EventPeersFound JobEventKind = iota
	// EventMetadataReceived carries the verified info dictionary.
	EventMetadataReceived
	// EventFailed is terminal; Reason explains why.
	EventFailed
	// EventRetrying announces the start of a rediscovery round.
	EventRetrying
)

func (k JobEventKind) String() string {
	switch k {
	case EventPeersFound:
		return "peers_found"
	case EventMetadataReceived:
		return "metadata_received"
	case EventFailed:
		return "failed"
	case EventRetrying:
		return "retrying"
	}
	return "unknown"
}

// JobEvent is one entry of the subscription stream.
type JobEvent struct {
	Job      JobHandle
	Infohash Infohash
	Kind     JobEventKind
	Peers    int
	Metadata []byte
	Reason   FailureReason
	Round    int
}

type jobState int

const (
	jobQueued jobState = iota
	jobDiscovering
	jobDraining // lookup done, sessions still running
	jobWaitingRetry
	jobDone
)

// job is the scheduler's view of one submitted infohash. All fields are
// guarded by the crawler mutex.
type job struct {
	handle   JobHandle
	infohash Infohash
	priority int
	seq      uint64

	state       jobState
	round       int
	lookup      *dht.Lookup
	retryTimer  *clock.Timer
	peersFound  int
	endpointsOK int // endpoints admitted this round
}
