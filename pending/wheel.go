package pending

import "time"

const (
	// tickInterval is the wheel granularity.
	tickInterval = 100 * time.Millisecond

	// wheelSlots sizes one revolution (~205 s). Entries further out stay
	// in their slot across revolutions until their tick arrives.
	wheelSlots = 2048
)

// wheel is a single-level timing wheel. All methods require the cache
// lock; the wheel itself has no locking.
type wheel struct {
	slots [wheelSlots]map[*entryState]struct{}
	tick  uint64
}

func newWheel() *wheel {
	w := &wheel{}
	for i := range w.slots {
		w.slots[i] = make(map[*entryState]struct{})
	}
	return w
}

// add arms an entry to expire after the given number of ticks. advance
// skips entries whose tick lies a revolution or more ahead, so deadlines
// past the horizon fire on a later pass instead of early.
func (w *wheel) add(st *entryState, ticks uint64) {
	st.expireTick = w.tick + ticks
	w.slots[st.expireTick%wheelSlots][st] = struct{}{}
}

// remove disarms an entry; harmless when already fired.
func (w *wheel) remove(st *entryState) {
	delete(w.slots[st.expireTick%wheelSlots], st)
}

// advance moves the wheel one tick and returns the entries whose deadline
// has passed.
func (w *wheel) advance() []*entryState {
	w.tick++
	slot := w.slots[w.tick%wheelSlots]
	if len(slot) == 0 {
		return nil
	}
	var expired []*entryState
	for st := range slot {
		if st.expireTick <= w.tick {
			delete(slot, st)
			expired = append(expired, st)
		}
	}
	return expired
}
