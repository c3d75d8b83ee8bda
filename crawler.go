package dhtcrawl

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/opd-ai/dhtcrawl/dht"
	"github.com/opd-ai/dhtcrawl/krpc"
	"github.com/opd-ai/dhtcrawl/metadata"
	"github.com/opd-ai/dhtcrawl/metrics"
	"github.com/opd-ai/dhtcrawl/pending"
	"github.com/opd-ai/dhtcrawl/transport"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// eventBuffer sizes the subscription stream. Events are dropped, with a
// log line, rather than ever blocking an engine.
const eventBuffer = 4096

// ErrClosed is returned by operations on a closed crawler.
var ErrClosed = errors.New("crawler closed")

// ErrUnknownJob is returned when a handle does not match a live job.
var ErrUnknownJob = errors.New("unknown job handle")

// Crawler owns every subsystem: the shared UDP socket, the routing table
// and token store, the request cache, both engines, and the scheduler
// that drives infohash jobs through them. Instances are fully isolated;
// multiple can coexist in one process.
type Crawler struct {
	opts    *Options
	clk     clock.Clock
	metrics *metrics.Collector

	tr         transport.PacketTransport
	cache      *pending.Cache
	table      *dht.Table
	tokens     *dht.TokenStore
	dhtEngine  *dht.Engine
	maintainer *dht.Maintainer
	mdEngine   *metadata.Engine
	booter     *dht.Bootstrapper

	sink   ResultSink
	events chan JobEvent
	errs   chan error

	mu           sync.Mutex
	jobs         map[JobHandle]*job
	byInfohash   map[Infohash]*job
	queue        []*job
	nextSeq      uint64
	activeCount  int
	bootstrapped bool
	closed       bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a crawler from the options and starts bootstrapping in
// the background. Jobs may be submitted immediately; they queue until the
// routing table is seeded.
func New(opts *Options, sink ResultSink) (*Crawler, error) {
	return newCrawler(opts, sink, nil, nil)
}

// newCrawler also accepts a clock and transport for tests.
func newCrawler(opts *Options, sink ResultSink, clk clock.Clock, tr transport.PacketTransport) (*Crawler, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}

	self := opts.OwnNodeID
	if self.IsZero() {
		var err error
		self, err = krpc.RandomID()
		if err != nil {
			return nil, err
		}
	}
	peerID, err := krpc.RandomID()
	if err != nil {
		return nil, err
	}

	if tr == nil {
		tr, err = transport.NewUDPTransport(opts.ListenUDP)
		if err != nil {
			return nil, err
		}
	}

	m := metrics.NewCollector()
	cache := pending.NewCache(clk)
	table := dht.NewTable(self, opts.K, clk)
	tokens, err := dht.NewTokenStore(clk)
	if err != nil {
		tr.Close()
		cache.Close()
		return nil, err
	}

	dhtEngine := dht.NewEngine(self, table, tokens, cache, tr, dht.Config{
		Alpha:           opts.Alpha,
		K:               opts.K,
		QueryTimeout:    opts.DHTQueryTimeout,
		LookupDeadline:  opts.LookupDeadline,
		MaxInflight:     opts.MaxInflightQueries,
		AnnounceEnabled: opts.AnnounceEnabled,
		AnnouncePort:    opts.AnnouncePort,
		Version:         opts.Version,
	}, clk, m)

	if opts.EnableUTP && !opts.EnableTCP {
		logrus.WithFields(logrus.Fields{
			"function": "newCrawler",
		}).Warn("No UTP dialer is built in; metadata sessions will use TCP")
	}
	mdEngine := metadata.NewEngine(transport.NewTCPDialer(opts.ConnTimeout), cache, metadata.Config{
		PeerID:             peerID,
		Version:            opts.Version,
		PoolPerInfohash:    opts.SessionLimitPerJob,
		GlobalSessionLimit: int64(opts.GlobalSessionLimit),
		MaxMetadataSize:    opts.MaxMetadataSize,
		ConnTimeout:        opts.ConnTimeout,
		PieceTimeout:       opts.PieceTimeout,
		SessionDeadline:    opts.SessionDeadline,
		NegativeTTL:        opts.NegativeCacheTTL,
	}, clk, m)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Crawler{
		opts:       opts,
		clk:        clk,
		metrics:    m,
		tr:         tr,
		cache:      cache,
		table:      table,
		tokens:     tokens,
		dhtEngine:  dhtEngine,
		mdEngine:   mdEngine,
		sink:       sink,
		events:     make(chan JobEvent, eventBuffer),
		errs:       make(chan error, 16),
		jobs:       make(map[JobHandle]*job),
		byInfohash: make(map[Infohash]*job),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.maintainer = dht.NewMaintainer(dhtEngine, dht.MaintenanceConfig{})
	c.booter = dht.NewBootstrapper(dhtEngine, dht.BootstrapConfig{
		Seeds:        opts.BootstrapSeeds,
		MaxSeeds:     opts.BootstrapMaxSeeds,
		MinSeeds:     opts.BootstrapMinSeeds,
		QueryTimeout: opts.BootstrapTimeout,
	})

	mdEngine.SetResultFunc(c.onSessionResult)
	dhtEngine.SetPassivePeerFunc(c.onPassivePeer)

	c.wg.Add(1)
	go c.bootstrapLoop()
	return c, nil
}

// Events returns the job event stream. The crawler never blocks on it;
// consumers that fall behind lose events.
func (c *Crawler) Events() <-chan JobEvent {
	return c.events
}

// Errors returns the engine-level error stream (bootstrap failures).
func (c *Crawler) Errors() <-chan error {
	return c.errs
}

// Metrics returns the instance's telemetry collector.
func (c *Crawler) Metrics() *metrics.Collector {
	return c.metrics
}

// Submit registers an infohash job. Higher priority jobs are admitted
// first when the concurrent-lookup cap is contended.
func (c *Crawler) Submit(infohash Infohash, priority int) (JobHandle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return JobHandle{}, ErrClosed
	}
	if existing, ok := c.byInfohash[infohash]; ok {
		handle := existing.handle
		c.mu.Unlock()
		return handle, nil
	}

	j := &job{
		handle:   uuid.New(),
		infohash: infohash,
		priority: priority,
		seq:      c.nextSeq,
		state:    jobQueued,
	}
	c.nextSeq++
	c.jobs[j.handle] = j
	c.byInfohash[infohash] = j
	c.queue = append(c.queue, j)
	c.mu.Unlock()

	c.metrics.JobsSubmitted.Inc()
	logrus.WithFields(logrus.Fields{
		"function": "Submit",
		"infohash": infohash.String(),
		"job":      j.handle.String(),
	}).Info("Job submitted")

	c.pump()
	return j.handle, nil
}

// Cancel withdraws a job: its in-flight DHT transactions are cancelled,
// its sessions closed, and a single terminal Failed(Cancelled) event
// emitted. Cancelling twice is a no-op.
func (c *Crawler) Cancel(handle JobHandle) error {
	c.mu.Lock()
	j, ok := c.jobs[handle]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownJob
	}
	lookup := j.lookup
	j.lookup = nil
	if j.retryTimer != nil {
		j.retryTimer.Stop()
		j.retryTimer = nil
	}
	wasActive := j.state == jobDiscovering
	c.finishJobLocked(j)
	if wasActive {
		c.activeCount--
	}
	c.mu.Unlock()

	if lookup != nil {
		lookup.Cancel()
	}
	c.mdEngine.CancelJob(j.infohash)
	c.emit(JobEvent{Job: handle, Infohash: j.infohash, Kind: EventFailed, Reason: ReasonCancelled})
	c.pump()
	return nil
}

// Close tears down every subsystem. In-flight jobs are cancelled without
// terminal events.
func (c *Crawler) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var lookups []*dht.Lookup
	for _, j := range c.jobs {
		if j.lookup != nil {
			lookups = append(lookups, j.lookup)
			j.lookup = nil
		}
		if j.retryTimer != nil {
			j.retryTimer.Stop()
		}
	}
	c.mu.Unlock()

	c.cancel()
	for _, l := range lookups {
		l.Cancel()
	}

	var errs error
	errs = multierr.Append(errs, c.mdEngine.Close())
	c.maintainer.Stop()
	errs = multierr.Append(errs, c.dhtEngine.Close())
	errs = multierr.Append(errs, c.tr.Close())
	errs = multierr.Append(errs, c.cache.Close())
	c.wg.Wait()
	close(c.events)
	close(c.errs)
	return errs
}

// bootstrapLoop retries whole bootstrap rounds with exponential backoff
// capped at one minute until one succeeds or the crawler closes.
func (c *Crawler) bootstrapLoop() {
	defer c.wg.Done()

	if len(c.opts.BootstrapSeeds) == 0 {
		// Nothing to seed from; passive traffic may still fill the table.
		c.markBootstrapped()
		return
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMaxInterval(60*time.Second),
		backoff.WithMaxElapsedTime(0),
	), c.ctx)

	err := backoff.Retry(func() error {
		rerr := c.booter.Run(c.ctx)
		if rerr != nil {
			c.pushErr(&CrawlError{Reason: ReasonBootstrapFailed, Cause: rerr})
			logrus.WithFields(logrus.Fields{
				"function": "bootstrapLoop",
				"error":    rerr.Error(),
			}).Warn("Bootstrap round failed, backing off")
		}
		return rerr
	}, policy)
	if err != nil {
		return // context cancelled
	}
	c.markBootstrapped()
}

func (c *Crawler) markBootstrapped() {
	c.mu.Lock()
	c.bootstrapped = true
	c.mu.Unlock()
	c.maintainer.Start()
	c.pump()
}

// pump admits queued jobs up to the concurrent-lookup cap, highest
// priority first, FIFO within a priority.
func (c *Crawler) pump() {
	var starting []*job

	c.mu.Lock()
	if !c.bootstrapped || c.closed {
		c.mu.Unlock()
		return
	}
	sort.SliceStable(c.queue, func(i, k int) bool {
		if c.queue[i].priority != c.queue[k].priority {
			return c.queue[i].priority > c.queue[k].priority
		}
		return c.queue[i].seq < c.queue[k].seq
	})
	for len(c.queue) > 0 && c.activeCount < c.opts.MaxConcurrentJobs {
		j := c.queue[0]
		c.queue = c.queue[1:]
		if j.state != jobQueued {
			continue
		}
		j.state = jobDiscovering
		j.round++
		j.endpointsOK = 0
		c.activeCount++
		starting = append(starting, j)
	}
	c.mu.Unlock()

	for _, j := range starting {
		c.startLookup(j)
	}
}

func (c *Crawler) startLookup(j *job) {
	lookup := c.dhtEngine.StartLookup(j.infohash,
		func(ep krpc.Endpoint) bool {
			c.routeEndpoint(j, ep)
			return true
		},
		func(res dht.LookupResult) {
			c.onLookupDone(j, res)
		},
	)

	c.mu.Lock()
	if j.state == jobDiscovering {
		j.lookup = lookup
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	// Job was cancelled while the lookup started.
	lookup.Cancel()
}

// routeEndpoint admits a discovered endpoint into the metadata engine
// and reports progress. Pool and global caps drop silently; the lookup
// is never stalled.
func (c *Crawler) routeEndpoint(j *job, ep krpc.Endpoint) {
	outcome := c.mdEngine.Admit(j.infohash, ep)

	c.mu.Lock()
	if j.state == jobDone {
		c.mu.Unlock()
		return
	}
	j.peersFound++
	count := j.peersFound
	if outcome == metadata.Admitted {
		j.endpointsOK++
	}
	c.mu.Unlock()

	c.emit(JobEvent{Job: j.handle, Infohash: j.infohash, Kind: EventPeersFound, Peers: count})
}

func (c *Crawler) onLookupDone(j *job, res dht.LookupResult) {
	c.mu.Lock()
	if j.state != jobDiscovering {
		c.mu.Unlock()
		return
	}
	j.lookup = nil
	j.state = jobDraining
	c.activeCount--
	sessions := c.mdEngine.ActiveSessions(j.infohash)
	noEndpoints := j.peersFound == 0
	allFailed := j.endpointsOK > 0 && sessions == 0
	c.mu.Unlock()

	c.pump()

	if sessions > 0 {
		return // session results will settle the job
	}
	if noEndpoints {
		c.scheduleRetry(j, ReasonNoPeersFound)
		return
	}
	if allFailed || sessions == 0 {
		c.scheduleRetry(j, ReasonMetadataUnavailable)
	}
}

// onSessionResult is the metadata engine's terminal-result sink.
func (c *Crawler) onSessionResult(res metadata.Result) {
	c.mu.Lock()
	j, ok := c.byInfohash[res.Infohash]
	if !ok || j.state == jobDone {
		c.mu.Unlock()
		return
	}

	if res.Kind == metadata.FailNone {
		lookup := j.lookup
		j.lookup = nil
		if j.state == jobDiscovering {
			c.activeCount--
		}
		c.finishJobLocked(j)
		c.mu.Unlock()

		if lookup != nil {
			lookup.Cancel()
		}
		c.mdEngine.CancelJob(res.Infohash)
		c.deliver(j, res.Metadata)
		c.pump()
		return
	}

	// Failure: the job only moves when discovery is over and the last
	// session is gone.
	draining := j.state == jobDraining
	sessions := c.mdEngine.ActiveSessions(res.Infohash)
	c.mu.Unlock()

	if draining && sessions == 0 {
		c.scheduleRetry(j, ReasonMetadataUnavailable)
	}
}

// deliver hands verified metadata to the sink and completes the job.
func (c *Crawler) deliver(j *job, info []byte) {
	if c.sink != nil {
		if err := c.sink.Put(j.infohash, info); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "deliver",
				"infohash": j.infohash.String(),
				"error":    err.Error(),
			}).Error("Result sink rejected metadata")
		}
	}
	c.metrics.JobsCompleted.Inc()
	c.emit(JobEvent{Job: j.handle, Infohash: j.infohash, Kind: EventMetadataReceived, Metadata: info})
}

// scheduleRetry parks the job for the rediscovery delay or fails it when
// rounds are exhausted.
func (c *Crawler) scheduleRetry(j *job, reason FailureReason) {
	c.mu.Lock()
	if j.state == jobDone || c.closed {
		c.mu.Unlock()
		return
	}
	if j.round >= c.opts.RetryRounds {
		c.finishJobLocked(j)
		c.mu.Unlock()
		c.metrics.JobsFailed.Inc()
		c.emit(JobEvent{Job: j.handle, Infohash: j.infohash, Kind: EventFailed, Reason: reason})
		c.pump()
		return
	}
	j.state = jobWaitingRetry
	round := j.round
	j.retryTimer = c.clk.AfterFunc(c.opts.RediscoverDelay, func() {
		c.mu.Lock()
		if j.state != jobWaitingRetry {
			c.mu.Unlock()
			return
		}
		j.state = jobQueued
		j.retryTimer = nil
		c.queue = append(c.queue, j)
		c.mu.Unlock()
		c.pump()
	})
	c.mu.Unlock()

	c.metrics.JobsRetried.Inc()
	c.emit(JobEvent{Job: j.handle, Infohash: j.infohash, Kind: EventRetrying, Round: round, Reason: reason})
}

// finishJobLocked removes the job from all indexes. Caller holds the
// mutex and emits any terminal event afterwards.
func (c *Crawler) finishJobLocked(j *job) {
	j.state = jobDone
	delete(c.jobs, j.handle)
	delete(c.byInfohash, j.infohash)
}

// onPassivePeer feeds endpoints observed via inbound announce_peer into
// any live job for that infohash.
func (c *Crawler) onPassivePeer(infohash krpc.ID, ep krpc.Endpoint) {
	c.mu.Lock()
	j, ok := c.byInfohash[infohash]
	if !ok || j.state == jobDone || j.state == jobWaitingRetry {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.routeEndpoint(j, ep)
}

// emit publishes an event without ever blocking an engine goroutine.
func (c *Crawler) emit(ev JobEvent) {
	select {
	case c.events <- ev:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "emit",
			"kind":     ev.Kind.String(),
			"job":      ev.Job.String(),
		}).Warn("Event stream full, dropping event")
	}
}

func (c *Crawler) pushErr(err error) {
	select {
	case c.errs <- err:
	default:
	}
}
