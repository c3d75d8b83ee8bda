package dht

import (
	"context"
	"sync"
	"time"

	"github.com/opd-ai/dhtcrawl/krpc"
	"github.com/sirupsen/logrus"
)

// MaintenanceConfig holds the cadence of routing table upkeep.
type MaintenanceConfig struct {
	// Interval between maintenance sweeps (default 1 minute).
	Interval time.Duration
}

func (c *MaintenanceConfig) withDefaults() MaintenanceConfig {
	out := *c
	if out.Interval <= 0 {
		out.Interval = time.Minute
	}
	return out
}

// Maintainer periodically refreshes stale buckets and prunes bad nodes.
type Maintainer struct {
	engine *Engine
	cfg    MaintenanceConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewMaintainer creates a maintainer over the given engine.
func NewMaintainer(engine *Engine, cfg MaintenanceConfig) *Maintainer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Maintainer{
		engine: engine,
		cfg:    cfg.withDefaults(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the maintenance loop. Calling Start twice is a no-op.
func (m *Maintainer) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.wg.Add(1)
	go m.loop()
}

// Stop halts the loop and waits for it to exit.
func (m *Maintainer) Stop() {
	m.cancel()
	m.wg.Wait()
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

func (m *Maintainer) loop() {
	defer m.wg.Done()
	ticker := m.engine.clk.Ticker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep runs one maintenance pass: evict bad nodes, then refresh every
// bucket that has gone quiet with a find_node toward a random ID inside
// its range.
func (m *Maintainer) sweep() {
	pruned := m.engine.table.PruneBad()
	targets := m.engine.table.NeedsRefresh()

	for _, target := range targets {
		closest := m.engine.table.Closest(target, m.engine.cfg.Alpha)
		for _, s := range closest {
			node := s
			_, err := m.engine.FindNode(node.Addr, target, queryCallbacks{
				onResponse: func(msg *krpc.Message, rtt time.Duration) {
					m.engine.table.MarkResponse(node.ID, rtt)
					if nodes, nerr := msg.Nodes(); nerr == nil {
						for _, n := range nodes {
							m.engine.insertNode(n.ID, n.Addr)
						}
					}
				},
				onTimeout: func() {
					m.engine.table.MarkFailure(node.ID)
				},
			})
			if err != nil {
				break
			}
			m.engine.table.MarkQuerySent(node.ID)
		}
	}

	if pruned > 0 || len(targets) > 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "sweep",
			"pruned":    pruned,
			"refreshed": len(targets),
			"nodes":     m.engine.table.NodeCount(),
		}).Debug("Routing table maintenance pass")
	}
}
