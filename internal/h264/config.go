package h264

import "sync"

// CodecConfig holds the most recently observed SPS and PPS, start codes
// stripped. One instance is shared per stream: the parsing path writes,
// late-joining sessions read it to bootstrap playback without waiting for
// the next in-band parameter sets.
type CodecConfig struct {
	mu  sync.RWMutex
	sps []byte
	pps []byte
}

// NewCodecConfig returns an empty config.
func NewCodecConfig() *CodecConfig {
	return &CodecConfig{}
}

// SetSPS stores a copy of the given SPS payload.
func (c *CodecConfig) SetSPS(sps []byte) {
	if len(sps) == 0 {
		return
	}
	cp := make([]byte, len(sps))
	copy(cp, sps)
	c.mu.Lock()
	c.sps = cp
	c.mu.Unlock()
}

// SetPPS stores a copy of the given PPS payload.
func (c *CodecConfig) SetPPS(pps []byte) {
	if len(pps) == 0 {
		return
	}
	cp := make([]byte, len(pps))
	copy(cp, pps)
	c.mu.Lock()
	c.pps = cp
	c.mu.Unlock()
}

// Snapshot returns copies of the cached SPS and PPS. ok is false until
// both have been observed.
func (c *CodecConfig) Snapshot() (sps, pps []byte, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.sps) == 0 || len(c.pps) == 0 {
		return nil, nil, false
	}
	sps = make([]byte, len(c.sps))
	copy(sps, c.sps)
	pps = make([]byte, len(c.pps))
	copy(pps, c.pps)
	return sps, pps, true
}

// HasConfig reports whether both SPS and PPS have been observed.
func (c *CodecConfig) HasConfig() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sps) > 0 && len(c.pps) > 0
}
