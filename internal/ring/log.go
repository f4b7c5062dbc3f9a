package ring

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultLogCapacity bounds the H.264 unit log. A hundred units covers
// a few seconds of video at typical GOP sizes.
const DefaultLogCapacity = 100

// UnitLog is a bounded append-only log of NAL units. Writers append,
// readers follow with their own absolute cursor so several clients can
// drain independently. When the log grows past capacity it is trimmed
// from the front and lagging cursors are clamped forward at read time.
type UnitLog struct {
	mu       sync.Mutex
	wake     chan struct{}
	units    [][]byte
	base     uint64 // absolute index of units[0]
	capacity int
	trimmed  atomic.Uint64
}

func NewUnitLog(capacity int) *UnitLog {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &UnitLog{wake: make(chan struct{}), capacity: capacity}
}

// Append adds a copy of unit to the tail, trimming the head when the
// log exceeds capacity, and wakes waiting readers.
func (l *UnitLog) Append(unit []byte) {
	buf := make([]byte, len(unit))
	copy(buf, unit)

	l.mu.Lock()
	l.units = append(l.units, buf)
	if drop := len(l.units) - l.capacity; drop > 0 {
		l.base += uint64(drop)
		l.units = append(l.units[:0], l.units[drop:]...)
		l.trimmed.Add(uint64(drop))
	}
	close(l.wake)
	l.wake = make(chan struct{})
	l.mu.Unlock()
}

// End returns the absolute index one past the newest unit. New clients
// start their cursor here.
func (l *UnitLog) End() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.base + uint64(len(l.units))
}

// Base returns the absolute index of the oldest retained unit.
func (l *UnitLog) Base() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.base
}

// Len returns the number of retained units.
func (l *UnitLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.units)
}

// Trimmed reports the total number of units dropped from the head.
func (l *UnitLog) Trimmed() uint64 {
	return l.trimmed.Load()
}

// Next returns all units at or after cursor, clamping the cursor into
// the retained range first, along with the cursor value to use on the
// following call. It blocks until at least one unit is available or
// the timeout elapses; ok is false on timeout. The returned unit
// slices are shared and must not be modified.
func (l *UnitLog) Next(cursor uint64, timeout time.Duration) (units [][]byte, next uint64, ok bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		l.mu.Lock()
		end := l.base + uint64(len(l.units))
		if cursor < l.base {
			cursor = l.base
		}
		if cursor > end {
			cursor = end
		}
		if cursor < end {
			batch := make([][]byte, end-cursor)
			copy(batch, l.units[cursor-l.base:])
			l.mu.Unlock()
			return batch, end, true
		}
		wake := l.wake
		l.mu.Unlock()

		select {
		case <-wake:
		case <-deadline.C:
			return nil, cursor, false
		}
	}
}

// Reset drops all retained units while keeping absolute indexes
// monotonic, so existing cursors simply clamp to the new end. Used
// when the capture source restarts.
func (l *UnitLog) Reset() {
	l.mu.Lock()
	l.base += uint64(len(l.units))
	l.units = l.units[:0]
	l.mu.Unlock()
}
