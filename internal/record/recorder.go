// Package record dumps the live H.264 stream to disk as raw Annex-B
// files. Each file starts with the cached SPS and PPS followed by a
// keyframe, so players and ffmpeg can decode it from byte zero without
// hunting for parameter sets.
package record

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/camforge/gkcam-bridge/internal/h264"
	"github.com/camforge/gkcam-bridge/internal/logger"
	"github.com/camforge/gkcam-bridge/internal/metrics"
	"github.com/camforge/gkcam-bridge/pkg/types"
)

const (
	// queueSize buffers roughly two seconds of units at a typical
	// frame rate before Submit starts dropping.
	queueSize = 60
	// pollInterval is how often the idle writer wakes to refresh the
	// buffer gauge.
	pollInterval = 100 * time.Millisecond
)

var startCode = []byte{0, 0, 0, 1}

// Recorder writes submitted units to one file per session. Writes
// happen on the recorder's own goroutine; Submit never blocks the
// media pipeline.
type Recorder struct {
	basePath string
	codec    *h264.CodecConfig
	met      *metrics.Metrics

	mu        sync.Mutex // guards lifecycle transitions and file handoff
	file      *os.File
	filename  string
	startedAt time.Time
	stop      chan struct{}
	wg        sync.WaitGroup

	recording atomic.Bool
	units     atomic.Uint64
	bytes     atomic.Uint64

	queue chan types.NALUnit
}

func New(basePath string, codec *h264.CodecConfig, met *metrics.Metrics) *Recorder {
	return &Recorder{
		basePath: basePath,
		codec:    codec,
		met:      met,
		queue:    make(chan types.NALUnit, queueSize),
	}
}

// Start opens a timestamped file and begins accepting units.
func (r *Recorder) Start() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording.Load() {
		return "", errors.New("record: already recording")
	}

	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return "", fmt.Errorf("record: create %s: %w", r.basePath, err)
	}
	name := fmt.Sprintf("recording_%s.h264", time.Now().Format("20060102_150405"))
	f, err := os.Create(filepath.Join(r.basePath, name))
	if err != nil {
		return "", fmt.Errorf("record: %w", err)
	}

	// Drop anything queued while stopped.
	for len(r.queue) > 0 {
		<-r.queue
	}

	r.file = f
	r.filename = name
	r.startedAt = time.Now()
	r.stop = make(chan struct{})
	r.units.Store(0)
	r.bytes.Store(0)
	r.recording.Store(true)

	r.wg.Add(1)
	go r.writeLoop(f, r.stop)

	r.met.RecordingActive.Store(1)
	logger.Info("RECORD", "recording to %s", name)
	return name, nil
}

// Stop drains the queue, syncs and closes the file.
func (r *Recorder) Stop() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording.Load() {
		return "", errors.New("record: not recording")
	}

	r.recording.Store(false)
	close(r.stop)
	r.wg.Wait()

	err := r.file.Sync()
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	r.file = nil

	r.met.RecordingActive.Store(0)
	r.met.UpdateRecorderBuffer(0, cap(r.queue))
	logger.Info("RECORD", "stopped %s: %d units, %d bytes",
		r.filename, r.units.Load(), r.bytes.Load())
	if err != nil {
		return r.filename, fmt.Errorf("record: close %s: %w", r.filename, err)
	}
	return r.filename, nil
}

// Submit queues a unit for writing. It reports false when the unit was
// dropped: recording off, or the writer fell behind and the queue is
// full.
func (r *Recorder) Submit(u types.NALUnit) bool {
	if !r.recording.Load() {
		return false
	}
	select {
	case r.queue <- u:
		r.met.UpdateRecorderBuffer(len(r.queue), cap(r.queue))
		return true
	default:
		return false
	}
}

// Recording reports whether a session is active.
func (r *Recorder) Recording() bool {
	return r.recording.Load()
}

func (r *Recorder) writeLoop(f *os.File, stop <-chan struct{}) {
	defer r.wg.Done()

	// The gate stays closed until the first keyframe; everything
	// before it would be undecodable without the parameter sets that
	// get prepended when it opens.
	gate := false
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case u := <-r.queue:
			gate = r.writeUnit(f, u, gate)
		case <-ticker.C:
			r.met.UpdateRecorderBuffer(len(r.queue), cap(r.queue))
		case <-stop:
			for {
				select {
				case u := <-r.queue:
					gate = r.writeUnit(f, u, gate)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) writeUnit(f *os.File, u types.NALUnit, gate bool) bool {
	if !gate {
		if !u.IsKeyframe() {
			return false
		}
		sps, pps, ok := r.codec.Snapshot()
		if !ok {
			// A keyframe before any parameter sets cannot seed a
			// playable file; wait for the next one.
			return false
		}
		hdr := make([]byte, 0, len(sps)+len(pps)+2*len(startCode))
		hdr = append(hdr, startCode...)
		hdr = append(hdr, sps...)
		hdr = append(hdr, startCode...)
		hdr = append(hdr, pps...)
		if !r.write(f, hdr) {
			return false
		}
		gate = true
	}

	if r.write(f, u.Data) {
		r.units.Add(1)
		r.met.RecordingFrames.Add(1)
	}
	return gate
}

func (r *Recorder) write(f *os.File, p []byte) bool {
	n, err := f.Write(p)
	if n > 0 {
		r.bytes.Add(uint64(n))
		r.met.RecordingBytes.Add(uint64(n))
	}
	if err != nil {
		logger.Error("RECORD", "write %s: %v", r.filename, err)
		return false
	}
	return true
}

// Status is the recorder's state as served on the control API.
type Status struct {
	Recording  bool   `json:"recording"`
	Filename   string `json:"filename,omitempty"`
	Units      uint64 `json:"units"`
	Bytes      uint64 `json:"bytes"`
	DurationMs int64  `json:"duration_ms"`
}

func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		Recording: r.recording.Load(),
		Filename:  r.filename,
		Units:     r.units.Load(),
		Bytes:     r.bytes.Load(),
	}
	if st.Recording {
		st.DurationMs = time.Since(r.startedAt).Milliseconds()
	}
	return st
}
