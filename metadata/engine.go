package metadata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/opd-ai/dhtcrawl/krpc"
	"github.com/opd-ai/dhtcrawl/metrics"
	"github.com/opd-ai/dhtcrawl/pending"
	"github.com/opd-ai/dhtcrawl/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Config tunes the metadata engine. Zero values fall back to defaults.
type Config struct {
	// PeerID is our BitTorrent peer id, sent in handshakes.
	PeerID krpc.ID
	// Version is the client string for the extended handshake "v" key.
	Version string
	// PoolPerInfohash caps concurrent sessions per infohash (default 50).
	PoolPerInfohash int
	// GlobalSessionLimit caps open metadata sockets process-wide
	// (default 1000).
	GlobalSessionLimit int64
	// MaxMetadataSize rejects peers advertising larger dictionaries
	// (default 10 MiB).
	MaxMetadataSize int64
	// RequestWindow is the outstanding piece-request cap (default 4).
	RequestWindow int
	// ConnTimeout bounds the TCP dial (default 10 s).
	ConnTimeout time.Duration
	// PieceTimeout bounds progress on each requested piece (default 30 s).
	PieceTimeout time.Duration
	// SessionDeadline bounds a whole session (default 120 s).
	SessionDeadline time.Duration
	// NegativeTTL is how long failed or poisoned endpoints stay barred
	// for an infohash (default 10 min).
	NegativeTTL time.Duration
	// NegativeCacheSize bounds the negative cache (default 8192 entries).
	NegativeCacheSize int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PoolPerInfohash <= 0 {
		out.PoolPerInfohash = 50
	}
	if out.GlobalSessionLimit <= 0 {
		out.GlobalSessionLimit = 1000
	}
	if out.MaxMetadataSize <= 0 {
		out.MaxMetadataSize = 10 << 20
	}
	if out.RequestWindow <= 0 {
		out.RequestWindow = 4
	}
	if out.ConnTimeout <= 0 {
		out.ConnTimeout = 10 * time.Second
	}
	if out.PieceTimeout <= 0 {
		out.PieceTimeout = 30 * time.Second
	}
	if out.SessionDeadline <= 0 {
		out.SessionDeadline = 120 * time.Second
	}
	if out.NegativeTTL <= 0 {
		out.NegativeTTL = 10 * time.Minute
	}
	if out.NegativeCacheSize <= 0 {
		out.NegativeCacheSize = 8192
	}
	return out
}

// AdmitOutcome explains what Admit did with an endpoint.
type AdmitOutcome int

const (
	Admitted AdmitOutcome = iota
	DuplicateActive
	RecentlyFailed
	PoolFull
	GlobalFull
	EngineClosed
)

func (o AdmitOutcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case DuplicateActive:
		return "duplicate_active"
	case RecentlyFailed:
		return "recently_failed"
	case PoolFull:
		return "pool_full"
	case GlobalFull:
		return "global_full"
	case EngineClosed:
		return "engine_closed"
	}
	return "unknown"
}

// ResultFunc receives every terminal session result.
type ResultFunc func(Result)

// Engine admits peer endpoints into per-infohash session pools and runs
// the BEP 9 state machine against each.
type Engine struct {
	cfg     Config
	dialer  transport.Dialer
	cache   *pending.Cache
	clk     clock.Clock
	metrics *metrics.Collector
	sem     *semaphore.Weighted

	// negative bars endpoints per infohash: verification failures poison,
	// other failures act as a recently-failed cooldown. TTL-evicted.
	negative *lru.LRU[string, struct{}]

	mu       sync.Mutex
	active   map[krpc.ID]map[string]*Session
	onResult ResultFunc
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a metadata engine dialing through the given dialer.
func NewEngine(dialer transport.Dialer, cache *pending.Cache, cfg Config, clk clock.Clock, m *metrics.Collector) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		dialer:   dialer,
		cache:    cache,
		clk:      clk,
		metrics:  m,
		sem:      semaphore.NewWeighted(cfg.GlobalSessionLimit),
		negative: lru.NewLRU[string, struct{}](cfg.NegativeCacheSize, nil, cfg.NegativeTTL),
		active:   make(map[krpc.ID]map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetResultFunc installs the terminal-result sink. Must be set before
// endpoints are admitted.
func (e *Engine) SetResultFunc(fn ResultFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onResult = fn
}

func negativeKey(infohash krpc.ID, ep krpc.Endpoint) string {
	return fmt.Sprintf("%s|%s", infohash.String(), ep.String())
}

// Admit considers an endpoint for the infohash's pool and, when
// accepted, starts a session for it.
func (e *Engine) Admit(infohash krpc.ID, ep krpc.Endpoint) AdmitOutcome {
	key := ep.String()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return EngineClosed
	}
	if _, barred := e.negative.Get(negativeKey(infohash, ep)); barred {
		e.mu.Unlock()
		return RecentlyFailed
	}
	pool := e.active[infohash]
	if pool == nil {
		pool = make(map[string]*Session)
		e.active[infohash] = pool
	}
	if _, dup := pool[key]; dup {
		e.mu.Unlock()
		return DuplicateActive
	}
	if len(pool) >= e.cfg.PoolPerInfohash {
		e.mu.Unlock()
		return PoolFull
	}
	if !e.sem.TryAcquire(1) {
		e.mu.Unlock()
		return GlobalFull
	}

	s := newSession(e, infohash, ep)
	pool[key] = s
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.SessionsOpened.Inc()
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		s.run(e.ctx)
	}()
	return Admitted
}

// ActiveSessions reports the number of live sessions for an infohash.
func (e *Engine) ActiveSessions(infohash krpc.ID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active[infohash])
}

// CancelJob terminates every session attached to the infohash.
func (e *Engine) CancelJob(infohash krpc.ID) {
	e.mu.Lock()
	pool := e.active[infohash]
	sessions := make([]*Session, 0, len(pool))
	for _, s := range pool {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
	}
}

// Close cancels all sessions and waits for their goroutines.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	var sessions []*Session
	for _, pool := range e.active {
		for _, s := range pool {
			sessions = append(sessions, s)
		}
	}
	e.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
	}
	e.cancel()
	e.wg.Wait()
	return nil
}

// finish releases a session's pool slot, applies the negative cache, and
// forwards the result.
func (e *Engine) finish(s *Session, res Result) {
	e.mu.Lock()
	if pool, ok := e.active[res.Infohash]; ok {
		delete(pool, res.Endpoint.String())
		if len(pool) == 0 {
			delete(e.active, res.Infohash)
		}
	}
	switch res.Kind {
	case FailNone, FailCancelled:
		// Successful or externally cancelled endpoints are not barred.
	default:
		e.negative.Add(negativeKey(res.Infohash, res.Endpoint), struct{}{})
	}
	onResult := e.onResult
	e.mu.Unlock()
	e.sem.Release(1)

	if e.metrics != nil {
		switch res.Kind {
		case FailNone:
			e.metrics.MetadataFetched.Inc()
			e.metrics.MetadataBytes.Add(float64(len(res.Metadata)))
		case FailVerification:
			e.metrics.VerificationFailures.Inc()
			e.metrics.SessionsFailed.Inc()
		default:
			e.metrics.SessionsFailed.Inc()
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "finish",
		"infohash": res.Infohash.String(),
		"endpoint": res.Endpoint.String(),
		"state":    res.State.String(),
		"kind":     res.Kind.String(),
		"duration": res.Duration.String(),
	}).Debug("Metadata session finished")

	if onResult != nil {
		onResult(res)
	}
}

// Barred reports whether the endpoint is currently negative-cached for
// the infohash.
func (e *Engine) Barred(infohash krpc.ID, ep krpc.Endpoint) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, barred := e.negative.Get(negativeKey(infohash, ep))
	return barred
}
