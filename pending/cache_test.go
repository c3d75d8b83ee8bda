package pending

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// advanceMock steps the mock clock in tick-sized increments so the wheel
// goroutine observes every tick.
func advanceMock(clk *clock.Mock, d time.Duration) {
	for elapsed := time.Duration(0); elapsed < d; elapsed += tickInterval {
		clk.Add(tickInterval)
		// Yield so the cache's run loop drains the tick.
		time.Sleep(time.Millisecond)
	}
}

func TestResolveFiresOnResponseOnce(t *testing.T) {
	clk := clock.NewMock()
	c := NewCache(clk)
	defer c.Close()

	var responses, timeouts atomic.Int32
	id, err := c.RegisterTx(Entry{
		OnResponse: func(payload interface{}) {
			responses.Add(1)
			assert.Equal(t, "payload", payload)
		},
		OnTimeout: func() { timeouts.Add(1) },
	}, time.Second)
	require.NoError(t, err)

	assert.True(t, c.ResolveTx(id, "payload"))
	assert.False(t, c.ResolveTx(id, "payload"), "second resolve must find nothing")

	advanceMock(clk, 2*time.Second)
	assert.Equal(t, int32(1), responses.Load())
	assert.Equal(t, int32(0), timeouts.Load(), "timeout must not fire after resolve")
}

func TestTimeoutIsAuthoritative(t *testing.T) {
	clk := clock.NewMock()
	c := NewCache(clk)
	defer c.Close()

	var timeouts atomic.Int32
	id, err := c.RegisterTx(Entry{
		OnResponse: func(interface{}) { t.Error("response fired after timeout") },
		OnTimeout:  func() { timeouts.Add(1) },
	}, 500*time.Millisecond)
	require.NoError(t, err)

	advanceMock(clk, time.Second)
	assert.Equal(t, int32(1), timeouts.Load())

	// A late response for the fired id is counted but dropped.
	before := c.UnknownCount()
	assert.False(t, c.ResolveTx(id, "late"))
	assert.Equal(t, before+1, c.UnknownCount())
}

func TestCancelFiresOnCancel(t *testing.T) {
	clk := clock.NewMock()
	c := NewCache(clk)
	defer c.Close()

	var cancels atomic.Int32
	id, err := c.RegisterSession(Entry{
		OnResponse: func(interface{}) { t.Error("response fired after cancel") },
		OnTimeout:  func() { t.Error("timeout fired after cancel") },
		OnCancel:   func() { cancels.Add(1) },
	}, time.Minute)
	require.NoError(t, err)

	assert.True(t, c.CancelSession(id))
	assert.False(t, c.CancelSession(id), "cancel is idempotent on the cache side")
	advanceMock(clk, 2*time.Second)
	assert.Equal(t, int32(1), cancels.Load())
}

func TestSessionIDsAreUnique(t *testing.T) {
	clk := clock.NewMock()
	c := NewCache(clk)
	defer c.Close()

	seen := make(map[uint64]bool)
	for i := 0; i < 1000; i++ {
		id, err := c.RegisterSession(Entry{}, time.Minute)
		require.NoError(t, err)
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestTxIDCollisionRedraw(t *testing.T) {
	clk := clock.NewMock()
	c := NewCache(clk)
	defer c.Close()

	// Saturate a chunk of the 2-byte space; every id must still be unique.
	seen := make(map[TxID]bool)
	for i := 0; i < 2000; i++ {
		id, err := c.RegisterTx(Entry{}, time.Minute)
		require.NoError(t, err)
		require.False(t, seen[id], "txid %v handed out twice", id)
		seen[id] = true
	}
}

func TestExactlyOnceUnderConcurrentResolveAndTimeout(t *testing.T) {
	clk := clock.NewMock()
	c := NewCache(clk)
	defer c.Close()

	var fired atomic.Int32
	const n = 200
	ids := make([]TxID, n)
	for i := range ids {
		id, err := c.RegisterTx(Entry{
			OnResponse: func(interface{}) { fired.Add(1) },
			OnTimeout:  func() { fired.Add(1) },
		}, 300*time.Millisecond)
		require.NoError(t, err)
		ids[i] = id
	}

	// Race resolutions against the wheel firing.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, id := range ids {
			c.ResolveTx(id, nil)
		}
	}()
	advanceMock(clk, time.Second)
	wg.Wait()
	advanceMock(clk, time.Second)

	assert.Equal(t, int32(n), fired.Load(), "each entry must fire exactly one callback")
}

func TestCloseCancelsOutstanding(t *testing.T) {
	clk := clock.NewMock()
	c := NewCache(clk)

	var cancels atomic.Int32
	_, err := c.RegisterTx(Entry{OnCancel: func() { cancels.Add(1) }}, time.Minute)
	require.NoError(t, err)
	_, err = c.RegisterSession(Entry{OnCancel: func() { cancels.Add(1) }}, time.Minute)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.Equal(t, int32(2), cancels.Load())

	_, err = c.RegisterTx(Entry{}, time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWheelHoldsDeadlinesBeyondOneRevolution(t *testing.T) {
	// A 300 s deadline spans more than one revolution of the wheel; it
	// must fire at its tick, not when the slot first comes around.
	w := newWheel()
	st := &entryState{}
	target := uint64(wheelSlots + 500)
	w.add(st, target)

	for i := uint64(1); i < target; i++ {
		require.Empty(t, w.advance(), "entry fired early at tick %d", i)
	}
	expired := w.advance()
	require.Len(t, expired, 1)
	assert.Same(t, st, expired[0])
}

func TestTxIDStringRoundTrip(t *testing.T) {
	id := TxID{0x12, 0x34}
	back, ok := TxIDFromString(id.String())
	require.True(t, ok)
	assert.Equal(t, id, back)

	_, ok = TxIDFromString("abc")
	assert.False(t, ok)
}
