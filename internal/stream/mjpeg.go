package stream

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/camforge/gkcam-bridge/internal/logger"
)

// mjpegBoundary matches the stock daemon's multipart boundary.
const mjpegBoundary = "mjpegstream"

func (s *Server) handleMJPEG(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "close")

	logger.Info("MJPEG", "client %s connected", r.RemoteAddr)
	s.met.MJPEGClients.Add(1)
	s.met.TotalClients.Add(1)
	defer func() {
		s.met.MJPEGClients.Add(-1)
		logger.Info("MJPEG", "client %s disconnected", r.RemoteAddr)
	}()

	// Serve whatever is current right away; a camera-less startup gets
	// the placeholder once so players render something instead of
	// stalling on an empty multipart stream.
	var lastSeq uint64
	if sample, ok := s.frames.Get(); ok {
		if err := writeMJPEGPart(w, sample.Data); err != nil {
			return
		}
		flusher.Flush()
		s.met.MJPEGFramesSent.Add(1)
		lastSeq = sample.Seq
	} else if ph := s.placeholderJPEG(); ph != nil {
		if err := writeMJPEGPart(w, ph); err != nil {
			return
		}
		flusher.Flush()
	}

	for {
		sample, ok := s.frames.Wait(lastSeq, frameWait)
		if !ok {
			select {
			case <-r.Context().Done():
				return
			default:
				continue
			}
		}
		lastSeq = sample.Seq

		if err := writeMJPEGPart(w, sample.Data); err != nil {
			logger.Debug("MJPEG", "client %s write: %v", r.RemoteAddr, err)
			return
		}
		flusher.Flush()
		s.met.MJPEGFramesSent.Add(1)
	}
}

func writeMJPEGPart(w io.Writer, data []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(data)); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	sample, ok := s.frames.Get()
	if !ok {
		if ph := s.placeholderJPEG(); ph != nil {
			s.met.SnapshotsServed.Add(1)
			serveJPEG(w, ph)
			return
		}
	}

	if !ok || time.Since(sample.Stamp) > s.snapshotFresh {
		fresh, waited := s.frames.Wait(sample.Seq, s.snapshotWait)
		if !waited {
			s.met.SnapshotTimeouts.Add(1)
			http.Error(w, "no frame available", http.StatusServiceUnavailable)
			return
		}
		sample = fresh
	}

	s.met.SnapshotsServed.Add(1)
	serveJPEG(w, sample.Data)
}

func serveJPEG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "close")
	_, _ = w.Write(data)
}

// placeholderJPEG returns the rendered no-signal frame, or nil when
// rendering failed. The frame is rendered once on first use.
func (s *Server) placeholderJPEG() []byte {
	s.placeholderOnce.Do(func() {
		data, err := renderPlaceholder(s.cfg.Video.Width, s.cfg.Video.Height)
		if err != nil {
			logger.Warn("MJPEG", "placeholder render: %v", err)
			return
		}
		s.placeholder = data
	})
	return s.placeholder
}

func renderPlaceholder(width, height int) ([]byte, error) {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	// Color bars: White, Yellow, Cyan, Green, Magenta, Red, Blue, Black
	colors := []color.RGBA{
		{R: 255, G: 255, B: 255, A: 255},
		{R: 255, G: 255, B: 0, A: 255},
		{R: 0, G: 255, B: 255, A: 255},
		{R: 0, G: 255, B: 0, A: 255},
		{R: 255, G: 0, B: 255, A: 255},
		{R: 255, G: 0, B: 0, A: 255},
		{R: 0, G: 0, B: 255, A: 255},
		{R: 0, G: 0, B: 0, A: 255},
	}

	barWidth := width / len(colors)
	if barWidth == 0 {
		barWidth = 1
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			barIndex := x / barWidth
			if barIndex >= len(colors) {
				barIndex = len(colors) - 1
			}
			img.Set(x, y, colors[barIndex])
		}
	}

	label := "NO SIGNAL"
	face := basicfont.Face7x13
	labelWidth := font.MeasureString(face, label).Ceil()

	band := image.Rect((width-labelWidth)/2-12, height/2-16, (width+labelWidth)/2+12, height/2+10)
	draw.Draw(img, band.Intersect(img.Bounds()), image.NewUniform(color.RGBA{A: 255}), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.RGBA{R: 255, G: 255, B: 255, A: 255}),
		Face: face,
		Dot:  fixed.P((width-labelWidth)/2, height/2+4),
	}
	d.DrawString(label)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
