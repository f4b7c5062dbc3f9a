package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/camforge/gkcam-bridge/internal/h264"
	"github.com/camforge/gkcam-bridge/internal/logger"
)

const readChunkSize = 32 * 1024

// EncoderSource reads raw Annex-B H.264 from a named pipe fed by the
// hardware encoder process and scans it into units.
type EncoderSource struct {
	path  string
	codec *h264.CodecConfig
	open  func() (io.ReadCloser, error)
}

func NewEncoderSource(path string, codec *h264.CodecConfig) *EncoderSource {
	return &EncoderSource{
		path:  path,
		codec: codec,
		open:  func() (io.ReadCloser, error) { return os.Open(path) },
	}
}

func (s *EncoderSource) Kind() Kind { return KindEncoder }

// Run opens the pipe and feeds the scanner until EOF, read error or
// cancellation. Opening a FIFO blocks until the encoder attaches, so
// the open itself runs under the context too.
func (s *EncoderSource) Run(ctx context.Context, emit EmitFunc) error {
	type opened struct {
		r   io.ReadCloser
		err error
	}
	ch := make(chan opened, 1)
	go func() {
		r, err := s.open()
		ch <- opened{r, err}
	}()

	var r io.ReadCloser
	select {
	case <-ctx.Done():
		// Leave the blocked open to resolve in the background; its
		// result is closed when it eventually arrives.
		go func() {
			if o := <-ch; o.r != nil {
				o.r.Close()
			}
		}()
		return ctx.Err()
	case o := <-ch:
		if o.err != nil {
			return fmt.Errorf("source: open %s: %w", s.path, o.err)
		}
		r = o.r
	}
	defer r.Close()

	// Unblock the read loop on cancellation by closing the pipe.
	stop := context.AfterFunc(ctx, func() { r.Close() })
	defer stop()

	logger.Info("Source", "reading encoder stream from %s", s.path)
	scanner := h264.NewStreamScanner(s.codec)
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, u := range scanner.Feed(buf[:n]) {
				emit(u)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("source: encoder closed %s: %w", s.path, err)
			}
			return fmt.Errorf("source: read %s: %w", s.path, err)
		}
	}
}
