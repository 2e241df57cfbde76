package message

import (
	"crypto/rand"
	"encoding/binary"
)

// Counter manages outgoing message counter values.
//
// Counters are initialized to a random value in [1, 2^28] so that zero can
// serve as the "not yet assigned" sentinel on Message.Counter.
//
// Counter is not safe for concurrent use; it is owned by the session and
// accessed only from the session's event loop.
type Counter struct {
	value uint32
}

// NewCounter creates a new counter initialized with a random value.
func NewCounter() *Counter {
	return &Counter{value: randomCounterInit()}
}

// NewCounterWithValue creates a counter with a specific initial value.
// Used for testing or restoring persisted counters.
func NewCounterWithValue(initial uint32) *Counter {
	return &Counter{value: initial}
}

// Next returns the next counter value and advances the counter.
func (c *Counter) Next() uint32 {
	current := c.value
	c.value++
	return current
}

// Current returns the current counter value without advancing.
func (c *Counter) Current() uint32 {
	return c.value
}

// randomCounterInit generates a random initial counter value in [1, 2^28].
func randomCounterInit() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 1
	}

	value := binary.LittleEndian.Uint32(buf[:])
	return (value & (CounterInitMax - 1)) + 1
}

// CounterWindowSize is the size of the reception-state bitmap window.
const CounterWindowSize = 32

// ReceptionState implements a sliding-window bitmap over received message
// counters. The session uses it to mark inbound duplicates before handing a
// message to the exchange layer; duplicates are marked rather than dropped so
// the exchange can re-acknowledge them.
//
// ReceptionState is owned by the session's event loop and is not safe for
// concurrent use.
type ReceptionState struct {
	maxCounter  uint32 // largest counter observed
	bitmap      uint32 // window [maxCounter-32, maxCounter-1]
	initialized bool
}

// NewReceptionState creates a reception state that accepts any first counter.
func NewReceptionState() *ReceptionState {
	return &ReceptionState{}
}

// Observe records a received counter and reports whether it is new.
// Returns false for duplicates: counters already seen within the window,
// equal to the current maximum, or behind the window entirely.
func (r *ReceptionState) Observe(counter uint32) bool {
	if !r.initialized {
		r.maxCounter = counter
		r.bitmap = 0
		r.initialized = true
		return true
	}

	if counter > r.maxCounter {
		r.advanceWindow(counter)
		return true
	}

	if counter == r.maxCounter {
		return false
	}

	behind := r.maxCounter - counter
	if behind <= CounterWindowSize {
		mask := uint32(1) << (behind - 1)
		if r.bitmap&mask != 0 {
			return false
		}
		r.bitmap |= mask
		return true
	}

	// Behind the window entirely.
	return false
}

// MaxCounter returns the largest counter observed so far.
func (r *ReceptionState) MaxCounter() uint32 {
	return r.maxCounter
}

// advanceWindow updates maxCounter and shifts the bitmap, marking the old
// maximum as received.
func (r *ReceptionState) advanceWindow(newMax uint32) {
	shift := newMax - r.maxCounter
	if shift > CounterWindowSize {
		r.bitmap = 0
	} else {
		r.bitmap = (r.bitmap << shift) | (1 << (shift - 1))
	}
	r.maxCounter = newMax
}
