package dhtcrawl

import (
	"fmt"
	"time"

	"github.com/opd-ai/dhtcrawl/krpc"
)

// Options configures a Crawler. NewOptions returns the defaults; every
// field is an enumerated knob, and Validate rejects out-of-range values
// at construction time.
type Options struct {
	// OwnNodeID is our DHT node id; derived randomly when zero.
	OwnNodeID krpc.ID
	// ListenUDP is the UDP listen address for all DHT traffic.
	ListenUDP string
	// BootstrapSeeds are "host:port" DHT entry points.
	BootstrapSeeds []string
	// BootstrapMinSeeds is the success threshold for a bootstrap round.
	BootstrapMinSeeds int
	// BootstrapMaxSeeds caps seeds contacted in parallel.
	BootstrapMaxSeeds int
	// BootstrapTimeout is the per-seed query deadline.
	BootstrapTimeout time.Duration

	// Alpha is the lookup parallelism.
	Alpha int
	// K is the Kademlia bucket size.
	K int
	// DHTQueryTimeout is the total per-query budget including the
	// retransmit.
	DHTQueryTimeout time.Duration
	// LookupDeadline caps one iterative lookup.
	LookupDeadline time.Duration
	// MaxInflightQueries caps tracked outbound DHT queries globally.
	MaxInflightQueries int

	// SessionLimitPerJob caps concurrent metadata sessions per infohash.
	SessionLimitPerJob int
	// GlobalSessionLimit caps open metadata sockets process-wide.
	GlobalSessionLimit int
	// MaxMetadataSize rejects peers advertising larger dictionaries.
	MaxMetadataSize int64
	// ConnTimeout bounds the TCP dial of a session.
	ConnTimeout time.Duration
	// PieceTimeout bounds progress on each metadata piece.
	PieceTimeout time.Duration
	// SessionDeadline bounds a whole metadata session.
	SessionDeadline time.Duration
	// NegativeCacheTTL bars failed endpoints per infohash for this long.
	NegativeCacheTTL time.Duration

	// MaxConcurrentJobs caps simultaneously active lookups.
	MaxConcurrentJobs int
	// RetryRounds is how many rediscovery rounds a job gets.
	RetryRounds int
	// RediscoverDelay is the pause before a retry round.
	RediscoverDelay time.Duration

	// AnnounceEnabled turns on announce_peer after lookups.
	AnnounceEnabled bool
	// AnnouncePort is the port announced; zero means implied_port.
	AnnouncePort uint16

	// EnableTCP and EnableUTP choose peer transports independently. Both
	// default on; without a registered UTP dialer only TCP is dialed.
	EnableTCP bool
	EnableUTP bool

	// Version is the client string for extended handshakes.
	Version string
}

// NewOptions returns the documented defaults.
func NewOptions() *Options {
	return &Options{
		ListenUDP:          ":6881",
		BootstrapMinSeeds:  3,
		BootstrapMaxSeeds:  5,
		BootstrapTimeout:   10 * time.Second,
		Alpha:              3,
		K:                  8,
		DHTQueryTimeout:    4 * time.Second,
		LookupDeadline:     60 * time.Second,
		MaxInflightQueries: 2048,
		SessionLimitPerJob: 50,
		GlobalSessionLimit: 1000,
		MaxMetadataSize:    10 << 20,
		ConnTimeout:        10 * time.Second,
		PieceTimeout:       30 * time.Second,
		SessionDeadline:    120 * time.Second,
		NegativeCacheTTL:   10 * time.Minute,
		MaxConcurrentJobs:  500,
		RetryRounds:        3,
		RediscoverDelay:    10 * time.Minute,
		EnableTCP:          true,
		EnableUTP:          true,
		Version:            "dhtcrawl/1.0",
	}
}

// Validate rejects configurations no deployment should run with.
func (o *Options) Validate() error {
	if o.ListenUDP == "" {
		return fmt.Errorf("ListenUDP must be set")
	}
	if o.Alpha <= 0 || o.Alpha > 64 {
		return fmt.Errorf("Alpha %d out of range [1,64]", o.Alpha)
	}
	if o.K <= 0 || o.K > 64 {
		return fmt.Errorf("K %d out of range [1,64]", o.K)
	}
	if o.SessionLimitPerJob <= 0 {
		return fmt.Errorf("SessionLimitPerJob must be positive")
	}
	if o.GlobalSessionLimit <= 0 {
		return fmt.Errorf("GlobalSessionLimit must be positive")
	}
	if o.MaxMetadataSize <= 0 {
		return fmt.Errorf("MaxMetadataSize must be positive")
	}
	if o.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("MaxConcurrentJobs must be positive")
	}
	if o.RetryRounds < 0 {
		return fmt.Errorf("RetryRounds must not be negative")
	}
	if !o.EnableTCP && !o.EnableUTP {
		return fmt.Errorf("at least one of EnableTCP, EnableUTP must be set")
	}
	return nil
}
