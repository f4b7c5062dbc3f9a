package stream

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/camforge/gkcam-bridge/internal/flv"
	"github.com/camforge/gkcam-bridge/internal/h264"
	"github.com/camforge/gkcam-bridge/internal/logger"
)

// vendorFLVResponse reproduces the stock daemon's response byte for
// byte. The text/plain content type and the absurd Content-Length are
// what the slicer's player expects; a well-formed video/x-flv response
// makes it treat the stream as a bounded download and disconnect.
const vendorFLVResponse = "HTTP/1.1 200 OK\r\n" +
	"Content-Type: text/plain\r\n" +
	"Access-Control-Allow-Origin: *\r\n" +
	"Content-Length: 99999999999\r\n" +
	"\r\n"

const notFoundResponse = "HTTP/1.1 404 Not Found\r\n" +
	"Content-Length: 0\r\n" +
	"Connection: close\r\n" +
	"\r\n"

// tagWriter is the transport half of an FLV session: raw TCP for the
// firmware port, binary WebSocket messages for browsers.
type tagWriter interface {
	WriteTags(p []byte) error
}

type connTagWriter struct {
	conn net.Conn
}

func (w *connTagWriter) WriteTags(p []byte) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := w.conn.Write(p)
	return err
}

func (s *Server) handleFLVConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetKeepAlive(true)
	}

	remote := conn.RemoteAddr().String()
	path, err := readRequestPath(conn)
	if err != nil {
		logger.Debug("FLV", "client %s: %v", remote, err)
		return
	}
	if path != "/flv" {
		logger.Debug("FLV", "client %s requested %s", remote, path)
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		conn.Write([]byte(notFoundResponse))
		return
	}

	logger.Info("FLV", "client %s connected", remote)
	s.ClientAttached()
	defer s.ClientDetached()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write([]byte(vendorFLVResponse)); err != nil {
		logger.Debug("FLV", "client %s response write: %v", remote, err)
		return
	}

	if err := s.runFLVSession(ctx, &connTagWriter{conn: conn}); err != nil {
		logger.Debug("FLV", "client %s: %v", remote, err)
	}
	logger.Info("FLV", "client %s disconnected", remote)
}

// readRequestPath parses the request line. The clients that dial this
// port send the whole request in one segment, so a single read is
// enough.
func readRequestPath(conn net.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(requestTimeout))
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return "", fmt.Errorf("request read: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	line, _, _ := strings.Cut(string(buf[:n]), "\r\n")
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", fmt.Errorf("malformed request line %q", line)
	}
	return fields[1], nil
}

// runFLVSession streams FLV to one client: stream header, metadata,
// the cached codec config when available, then every unit from the
// shared log. A session that joins mid-GOP withholds video tags until
// the first keyframe so its byte stream is decodable from the first
// tag onward, no matter when it connected.
func (s *Server) runFLVSession(ctx context.Context, w tagWriter) error {
	mux := flv.NewMuxer(s.cfg.Video.Width, s.cfg.Video.Height, s.cfg.Video.FPS)
	if sps, pps, ok := s.codec.Snapshot(); ok {
		mux.Seed(sps, pps)
	}

	cursor := s.units.End()

	head := mux.Header()
	head = append(head, mux.Metadata()...)
	s.met.TagsMuxed.Add(1)
	if mux.HasConfig() {
		cfg, err := mux.AvcConfig()
		if err != nil {
			return fmt.Errorf("avc config: %w", err)
		}
		head = append(head, cfg...)
		s.met.TagsMuxed.Add(1)
	}
	if err := w.WriteTags(head); err != nil {
		return err
	}

	sentKeyframe := false
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		batch, next, ok := s.units.Next(cursor, unitWait)
		cursor = next
		if !ok {
			continue
		}

		var out []byte
		var videoTags uint64
		for _, raw := range batch {
			units := h264.SplitUnits(raw)
			hasKey, hasConfig := false, false
			for _, u := range units {
				if u.IsKeyframe() {
					hasKey = true
				}
				if u.IsParameterSet() {
					hasConfig = true
				}
			}
			if !sentKeyframe && !hasKey && !hasConfig {
				// Keyframe gate: consume the cursor without output.
				continue
			}

			configWasSent := mux.ConfigSent()
			tags, err := mux.MuxFrame(raw)
			if err != nil {
				s.met.MuxErrors.Add(1)
				logger.Debug("FLV", "mux: %v", err)
				continue
			}
			if hasKey {
				sentKeyframe = true
			}
			if !configWasSent && mux.ConfigSent() {
				s.met.TagsMuxed.Add(1)
			}
			for _, u := range units {
				if !u.IsParameterSet() {
					videoTags++
					break
				}
			}
			out = append(out, tags...)
		}

		if len(out) == 0 {
			continue
		}
		if err := w.WriteTags(out); err != nil {
			return err
		}
		s.met.FLVTagsSent.Add(videoTags)
		s.met.TagsMuxed.Add(videoTags)
	}
}
