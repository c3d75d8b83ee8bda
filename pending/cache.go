// Package pending tracks every in-flight DHT transaction and metadata
// session. Entries are registered with a deadline, and exactly one of the
// response, timeout, or cancel callbacks fires per entry. Expiration is
// authoritative: once the wheel has fired a timeout the id is forgotten,
// and a response arriving afterwards is counted and dropped.
package pending

import (
	"crypto/rand"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// TxID is the 2-byte transaction id space shared with the KRPC wire.
type TxID [2]byte

func (t TxID) String() string {
	return string(t[:])
}

// TxIDFromString converts a wire transaction id back to a TxID.
func TxIDFromString(s string) (TxID, bool) {
	var t TxID
	if len(s) != 2 {
		return t, false
	}
	copy(t[:], s)
	return t, true
}

// Entry holds the callbacks of one tracked operation. OnResponse receives
// the payload passed to Resolve. OnCancel is optional; when nil, a cancel
// simply drops the entry.
type Entry struct {
	OnResponse func(payload interface{})
	OnTimeout  func()
	OnCancel   func()
}

type entryState struct {
	entry      Entry
	expireTick uint64

	// tx is valid when isTx, otherwise session holds the 64-bit id.
	isTx    bool
	tx      TxID
	session uint64
}

// ErrClosed is returned by Register calls after Close.
var ErrClosed = errors.New("request cache closed")

// Cache indexes in-flight entries by id and by deadline. One instance is
// shared by the DHT and metadata engines; all critical sections are short
// and never block on I/O.
type Cache struct {
	clk clock.Clock

	mu       sync.Mutex
	tx       map[TxID]*entryState
	sessions map[uint64]*entryState
	wheel    *wheel
	closed   bool

	nextSession atomic.Uint64
	unknown     atomic.Uint64

	done chan struct{}
	wg   sync.WaitGroup
}

// NewCache creates a cache and starts its timer loop. The caller must
// Close it to release the loop.
func NewCache(clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.New()
	}
	c := &Cache{
		clk:      clk,
		tx:       make(map[TxID]*entryState),
		sessions: make(map[uint64]*entryState),
		wheel:    newWheel(),
		done:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// RegisterTx assigns a fresh 2-byte transaction id, redrawing on
// collision, and arms the deadline.
func (c *Cache) RegisterTx(e Entry, timeout time.Duration) (TxID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return TxID{}, ErrClosed
	}
	var id TxID
	for {
		if _, err := rand.Read(id[:]); err != nil {
			return TxID{}, err
		}
		if _, taken := c.tx[id]; !taken {
			break
		}
	}
	st := &entryState{entry: e, isTx: true, tx: id}
	c.tx[id] = st
	c.wheel.add(st, c.ticks(timeout))
	return id, nil
}

// RegisterSession assigns the next id from the 64-bit session space and
// arms the deadline.
func (c *Cache) RegisterSession(e Entry, timeout time.Duration) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	id := c.nextSession.Add(1)
	st := &entryState{entry: e, session: id}
	c.sessions[id] = st
	c.wheel.add(st, c.ticks(timeout))
	return id, nil
}

// ResolveTx completes a transaction with a response payload. Returns
// false when the id is unknown, which includes the late-response case.
func (c *Cache) ResolveTx(id TxID, payload interface{}) bool {
	st := c.takeTx(id)
	if st == nil {
		c.unknown.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "ResolveTx",
			"txid":     id.String(),
		}).Debug("Response for unknown transaction dropped")
		return false
	}
	if st.entry.OnResponse != nil {
		st.entry.OnResponse(payload)
	}
	return true
}

// ResolveSession completes a session-space entry with a payload.
func (c *Cache) ResolveSession(id uint64, payload interface{}) bool {
	st := c.takeSession(id)
	if st == nil {
		c.unknown.Add(1)
		return false
	}
	if st.entry.OnResponse != nil {
		st.entry.OnResponse(payload)
	}
	return true
}

// CancelTx removes a transaction and fires its cancel callback if set.
func (c *Cache) CancelTx(id TxID) bool {
	st := c.takeTx(id)
	if st == nil {
		return false
	}
	if st.entry.OnCancel != nil {
		st.entry.OnCancel()
	}
	return true
}

// CancelSession removes a session entry and fires its cancel callback.
func (c *Cache) CancelSession(id uint64) bool {
	st := c.takeSession(id)
	if st == nil {
		return false
	}
	if st.entry.OnCancel != nil {
		st.entry.OnCancel()
	}
	return true
}

// UnknownCount reports how many resolutions arrived for ids no longer
// registered. Telemetry only.
func (c *Cache) UnknownCount() uint64 {
	return c.unknown.Load()
}

// InFlight reports the number of registered transactions and sessions.
func (c *Cache) InFlight() (txs, sessions int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tx), len(c.sessions)
}

// Close stops the timer loop and cancels every outstanding entry.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	remaining := make([]*entryState, 0, len(c.tx)+len(c.sessions))
	for id, st := range c.tx {
		delete(c.tx, id)
		c.wheel.remove(st)
		remaining = append(remaining, st)
	}
	for id, st := range c.sessions {
		delete(c.sessions, id)
		c.wheel.remove(st)
		remaining = append(remaining, st)
	}
	close(c.done)
	c.mu.Unlock()

	c.wg.Wait()
	for _, st := range remaining {
		if st.entry.OnCancel != nil {
			st.entry.OnCancel()
		}
	}
	return nil
}

func (c *Cache) takeTx(id TxID) *entryState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.tx[id]
	if !ok {
		return nil
	}
	delete(c.tx, id)
	c.wheel.remove(st)
	return st
}

func (c *Cache) takeSession(id uint64) *entryState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.sessions[id]
	if !ok {
		return nil
	}
	delete(c.sessions, id)
	c.wheel.remove(st)
	return st
}

func (c *Cache) ticks(timeout time.Duration) uint64 {
	n := uint64((timeout + tickInterval - 1) / tickInterval)
	if n == 0 {
		n = 1
	}
	return n
}

func (c *Cache) run() {
	defer c.wg.Done()
	ticker := c.clk.Ticker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.advance()
		}
	}
}

// advance moves the wheel one tick and fires expirations. Entries are
// unregistered under the lock and their timeout callbacks invoked after
// it is released, so callbacks may re-enter the cache.
func (c *Cache) advance() {
	c.mu.Lock()
	expired := c.wheel.advance()
	for _, st := range expired {
		if st.isTx {
			delete(c.tx, st.tx)
		} else {
			delete(c.sessions, st.session)
		}
	}
	c.mu.Unlock()

	for _, st := range expired {
		if st.entry.OnTimeout != nil {
			st.entry.OnTimeout()
		}
	}
}
