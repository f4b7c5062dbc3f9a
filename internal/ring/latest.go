// Package ring provides the shared media buffers between the capture
// pipeline and the streaming handlers: a single-slot latest-value cell
// for JPEG frames and a bounded unit log with per-client cursors for
// the H.264 path.
package ring

import (
	"sync"
	"time"
)

// Sample is one value stored in a LatestCell.
type Sample struct {
	Data  []byte
	Seq   uint64
	Stamp time.Time
}

// LatestCell holds the most recent sample. Every Put overwrites the
// previous value and wakes all waiters; readers may see the same sample
// twice but never one older than the last write.
type LatestCell struct {
	mu     sync.Mutex
	sample Sample
	wake   chan struct{}
}

func NewLatestCell() *LatestCell {
	return &LatestCell{wake: make(chan struct{})}
}

// Put stores a copy of data as the new latest sample and wakes waiters.
func (c *LatestCell) Put(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)

	c.mu.Lock()
	c.sample = Sample{Data: buf, Seq: c.sample.Seq + 1, Stamp: time.Now()}
	close(c.wake)
	c.wake = make(chan struct{})
	c.mu.Unlock()
}

// Get returns the current sample without blocking. ok is false before
// the first Put. Callers must not modify the returned data.
func (c *LatestCell) Get() (Sample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sample, c.sample.Seq > 0
}

// Wait blocks until a sample newer than lastSeq is available or the
// timeout elapses. ok is false on timeout.
func (c *LatestCell) Wait(lastSeq uint64, timeout time.Duration) (Sample, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		c.mu.Lock()
		if c.sample.Seq > lastSeq {
			s := c.sample
			c.mu.Unlock()
			return s, true
		}
		wake := c.wake
		c.mu.Unlock()

		select {
		case <-wake:
		case <-deadline.C:
			return Sample{}, false
		}
	}
}
