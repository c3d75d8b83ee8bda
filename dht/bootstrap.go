package dht

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/opd-ai/dhtcrawl/krpc"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// BootstrapConfig tunes the seeding process.
type BootstrapConfig struct {
	// Seeds are "host:port" addresses of well-known DHT nodes.
	Seeds []string
	// MaxSeeds caps how many seeds are contacted in parallel (default 5).
	MaxSeeds int
	// MinSeeds is the success threshold (default 3, clamped to the number
	// of configured seeds).
	MinSeeds int
	// QueryTimeout is the per-attempt deadline (default 10 s).
	QueryTimeout time.Duration
	// Retries is the per-seed retry count with doubling delay (default 3).
	Retries int
}

func (c *BootstrapConfig) withDefaults() BootstrapConfig {
	out := *c
	if out.MaxSeeds <= 0 {
		out.MaxSeeds = 5
	}
	if out.MinSeeds <= 0 {
		out.MinSeeds = 3
	}
	if len(out.Seeds) > 0 && out.MinSeeds > len(out.Seeds) {
		out.MinSeeds = len(out.Seeds)
	}
	if out.QueryTimeout <= 0 {
		out.QueryTimeout = 10 * time.Second
	}
	if out.Retries <= 0 {
		out.Retries = 3
	}
	return out
}

// BootstrapError reports a failed seeding round.
type BootstrapError struct {
	Responded int
	Required  int
	Cause     error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap failed: %d of %d required seeds responded: %v",
		e.Responded, e.Required, e.Cause)
}

// Bootstrapper seeds the routing table by asking configured hosts for
// nodes close to our own ID.
type Bootstrapper struct {
	engine *Engine
	cfg    BootstrapConfig
}

// NewBootstrapper creates a bootstrapper over the given engine.
func NewBootstrapper(engine *Engine, cfg BootstrapConfig) *Bootstrapper {
	return &Bootstrapper{engine: engine, cfg: cfg.withDefaults()}
}

// Run contacts up to MaxSeeds seeds in parallel, each with its own retry
// schedule, and succeeds once MinSeeds have returned usable node lists.
// The routing table fills as a side effect.
func (b *Bootstrapper) Run(ctx context.Context) error {
	if len(b.cfg.Seeds) == 0 {
		return &BootstrapError{Required: b.cfg.MinSeeds, Cause: fmt.Errorf("no seeds configured")}
	}

	seeds := b.cfg.Seeds
	if len(seeds) > b.cfg.MaxSeeds {
		seeds = seeds[:b.cfg.MaxSeeds]
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		errs      error
	)
	for _, seed := range seeds {
		wg.Add(1)
		go func(seed string) {
			defer wg.Done()
			if err := b.contactSeed(ctx, seed); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("seed %s: %w", seed, err))
				mu.Unlock()
				return
			}
			mu.Lock()
			succeeded++
			mu.Unlock()
		}(seed)
	}
	wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function":  "Run",
		"succeeded": succeeded,
		"required":  b.cfg.MinSeeds,
		"nodes":     b.engine.table.NodeCount(),
	}).Info("Bootstrap round finished")

	if succeeded < b.cfg.MinSeeds {
		return &BootstrapError{Responded: succeeded, Required: b.cfg.MinSeeds, Cause: errs}
	}
	return nil
}

// contactSeed resolves one seed host and queries it with retries on a
// doubling delay.
func (b *Bootstrapper) contactSeed(ctx context.Context, seed string) error {
	addr, err := net.ResolveUDPAddr("udp", seed)
	if err != nil {
		return fmt.Errorf("resolving seed: %w", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(time.Second),
			backoff.WithMultiplier(2),
			backoff.WithRandomizationFactor(0),
		),
		uint64(b.cfg.Retries),
	), ctx)

	return backoff.Retry(func() error {
		return b.querySeed(ctx, addr)
	}, policy)
}

// querySeed sends one find_node for our own ID and waits for either the
// response or the transaction timeout.
func (b *Bootstrapper) querySeed(ctx context.Context, addr *net.UDPAddr) error {
	done := make(chan error, 1)
	handle, err := b.engine.FindNodeTimeout(addr, b.engine.self, b.cfg.QueryTimeout, queryCallbacks{
		onResponse: func(msg *krpc.Message, rtt time.Duration) {
			nodes, nerr := msg.Nodes()
			if nerr != nil || len(nodes) == 0 {
				done <- fmt.Errorf("seed returned no usable nodes")
				return
			}
			for _, n := range nodes {
				b.engine.insertNode(n.ID, n.Addr)
			}
			done <- nil
		},
		onTimeout: func() {
			done <- fmt.Errorf("seed query timed out")
		},
		onCancel: func() {
			done <- context.Canceled
		},
	})
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		handle.Cancel()
		return ctx.Err()
	}
}
