package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/camforge/gkcam-bridge/internal/logger"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// Keeps a stuck decoder from growing the buffer without bound.
const maxJPEGBuffer = 8 * 1024 * 1024

// JPEGFeed reads a concatenated JPEG stream from a named pipe fed by
// the decoder process and emits complete frames for the MJPEG and
// snapshot paths.
type JPEGFeed struct {
	path string
	open func() (io.ReadCloser, error)
}

func NewJPEGFeed(path string) *JPEGFeed {
	return &JPEGFeed{
		path: path,
		open: func() (io.ReadCloser, error) { return os.Open(path) },
	}
}

func (f *JPEGFeed) Run(ctx context.Context, emit func(frame []byte)) error {
	type opened struct {
		r   io.ReadCloser
		err error
	}
	ch := make(chan opened, 1)
	go func() {
		r, err := f.open()
		ch <- opened{r, err}
	}()

	var r io.ReadCloser
	select {
	case <-ctx.Done():
		go func() {
			if o := <-ch; o.r != nil {
				o.r.Close()
			}
		}()
		return ctx.Err()
	case o := <-ch:
		if o.err != nil {
			return fmt.Errorf("source: open %s: %w", f.path, o.err)
		}
		r = o.r
	}
	defer r.Close()

	stop := context.AfterFunc(ctx, func() { r.Close() })
	defer stop()

	logger.Info("JPEG", "reading frame stream from %s", f.path)
	var scan jpegScanner
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, frame := range scan.feed(buf[:n]) {
				emit(frame)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("source: jpeg stream closed %s: %w", f.path, err)
			}
			return fmt.Errorf("source: read %s: %w", f.path, err)
		}
	}
}

// jpegScanner accumulates bytes and carves out complete SOI..EOI
// frames.
type jpegScanner struct {
	buf []byte
}

func (j *jpegScanner) feed(chunk []byte) [][]byte {
	j.buf = append(j.buf, chunk...)

	var frames [][]byte
	for {
		start := bytes.Index(j.buf, jpegSOI)
		if start < 0 {
			// No frame start anywhere; keep one byte in case a
			// marker straddles the chunk boundary.
			if len(j.buf) > 1 {
				j.buf = j.buf[len(j.buf)-1:]
			}
			return frames
		}
		end := bytes.Index(j.buf[start+2:], jpegEOI)
		if end < 0 {
			j.buf = j.buf[start:]
			if len(j.buf) > maxJPEGBuffer {
				j.buf = j.buf[:0]
			}
			return frames
		}
		end = start + 2 + end + 2

		frame := make([]byte, end-start)
		copy(frame, j.buf[start:end])
		frames = append(frames, frame)
		j.buf = j.buf[end:]
	}
}
