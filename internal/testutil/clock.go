package testutil

import (
	"strconv"
	"sync"
	"time"
)

// Epoch is the wall time of sequence 0 on a DeterministicClock.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// DeterministicClock provides a thread-safe wall clock for tests that
// advances exactly one second per reading.
//
// Queue rows are stamped with second precision, so one tick per reading
// keeps created_at strictly increasing and since-filters predictable.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu  sync.Mutex
	seq int64
}

// NewDeterministicClock creates a new deterministic clock starting at 0.
//
// The first call to Next() returns 1.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{seq: 0}
}

// Next increments and returns the next sequence number.
func (c *DeterministicClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Current returns the current sequence number without incrementing.
func (c *DeterministicClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Now advances the clock and returns Epoch + seq seconds.
// Its signature matches the clock options of store and tracker.
func (c *DeterministicClock) Now() time.Time {
	return At(c.Next())
}

// Reset resets the clock to 0.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = 0
}

// At returns the wall time of sequence seq.
func At(seq int64) time.Time {
	return Epoch.Add(time.Duration(seq) * time.Second)
}

// SequentialIDs returns a generator of "uow-1", "uow-2", ... identifiers for
// units of work, so log and notification payloads are stable across runs.
func SequentialIDs() func() string {
	clock := NewDeterministicClock()
	return func() string {
		return "uow-" + strconv.FormatInt(clock.Next(), 10)
	}
}
