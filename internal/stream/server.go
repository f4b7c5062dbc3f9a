// Package stream serves the camera feeds to every local consumer: the
// MJPEG multipart stream and JPEG snapshots over HTTP, and the H.264
// FLV stream over the firmware's raw TCP port plus a WebSocket
// variant. All feeds read from the shared pipeline buffers; each
// connection gets its own cursor and muxer so a stalled client never
// holds up another.
package stream

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/camforge/gkcam-bridge/internal/config"
	"github.com/camforge/gkcam-bridge/internal/h264"
	"github.com/camforge/gkcam-bridge/internal/logger"
	"github.com/camforge/gkcam-bridge/internal/metrics"
	"github.com/camforge/gkcam-bridge/internal/ring"
)

const (
	// frameWait bounds MJPEG waits so handlers can recheck disconnect.
	frameWait = time.Second
	// unitWait bounds FLV cursor waits for the same reason.
	unitWait = time.Second
	// writeTimeout is the per-write deadline on streaming sockets.
	writeTimeout = 10 * time.Second
	// requestTimeout bounds reading the request line on the FLV port.
	requestTimeout = 2 * time.Second

	defaultSnapshotWait  = 2 * time.Second
	defaultSnapshotFresh = 2 * time.Second
)

// Hooks fire on H.264 client-count edges: OnFirstClient when the count
// goes 0 to 1, OnLastClient when it returns to 0. They run under the
// count lock so edges are observed in order; they must not call back
// into the Server.
type Hooks struct {
	OnFirstClient func()
	OnLastClient  func()
}

// Server owns the client-facing side of the bridge.
type Server struct {
	cfg    config.Config
	frames *ring.LatestCell
	units  *ring.UnitLog
	codec  *h264.CodecConfig
	met    *metrics.Metrics

	hooks  Hooks
	offer  http.Handler
	record http.Handler

	mu         sync.Mutex
	flvClients int

	snapshotWait  time.Duration
	snapshotFresh time.Duration

	placeholderOnce sync.Once
	placeholder     []byte
}

// NewServer wires the handlers to the shared pipeline state.
func NewServer(cfg config.Config, frames *ring.LatestCell, units *ring.UnitLog, codec *h264.CodecConfig, met *metrics.Metrics) *Server {
	return &Server{
		cfg:           cfg,
		frames:        frames,
		units:         units,
		codec:         codec,
		met:           met,
		snapshotWait:  defaultSnapshotWait,
		snapshotFresh: defaultSnapshotFresh,
	}
}

// SetHooks installs the client-count edge callbacks. Call before any
// listener is started.
func (s *Server) SetHooks(h Hooks) {
	s.hooks = h
}

// SetOfferHandler installs the WebRTC signaling handler. Call before
// the HTTP listener is started; without it the offer route answers 503.
func (s *Server) SetOfferHandler(h http.Handler) {
	s.offer = h
}

// SetRecordHandler installs the recorder control routes under
// /api/record/. Call before the HTTP listener is started.
func (s *Server) SetRecordHandler(h http.Handler) {
	s.record = h
}

// Handler exposes the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// CORS middleware
	corsMiddleware := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next(w, r)
		}
	}

	mux.HandleFunc("/stream", corsMiddleware(s.handleMJPEG))
	mux.HandleFunc("/video", corsMiddleware(s.handleMJPEG)) // firmware alias
	mux.HandleFunc("/snapshot", corsMiddleware(s.handleSnapshot))
	mux.HandleFunc("/flv.ws", s.handleWSFLV)
	mux.HandleFunc("/webrtc/offer", corsMiddleware(s.handleOffer))
	mux.HandleFunc("/api/record/", s.handleRecord)
	mux.HandleFunc("/", s.handleNotFound)

	return mux
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if s.offer == nil {
		http.Error(w, "webrtc preview not configured", http.StatusServiceUnavailable)
		return
	}
	s.offer.ServeHTTP(w, r)
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if s.record == nil {
		http.Error(w, "recorder not configured", http.StatusServiceUnavailable)
		return
	}
	http.StripPrefix("/api/record", s.record).ServeHTTP(w, r)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	http.NotFound(w, r)
}

// ClientAttached records one more H.264 consumer and fires the
// first-client hook on the 0 to 1 edge. FLV, WS-FLV, and WebRTC
// sessions all count: what matters to the rest of the system is
// whether anyone is watching the H.264 path.
func (s *Server) ClientAttached() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flvClients++
	s.met.FLVClients.Add(1)
	s.met.TotalClients.Add(1)
	if s.flvClients == 1 && s.hooks.OnFirstClient != nil {
		s.hooks.OnFirstClient()
	}
}

// ClientDetached undoes ClientAttached and fires the last-client hook
// on the 1 to 0 edge.
func (s *Server) ClientDetached() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flvClients--
	s.met.FLVClients.Add(-1)
	if s.flvClients == 0 && s.hooks.OnLastClient != nil {
		s.hooks.OnLastClient()
	}
}

// FLVClientCount returns the current number of H.264 consumers.
func (s *Server) FLVClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flvClients
}

// ServeFLV accepts connections on the firmware-compatible FLV port
// until the listener closes or ctx is cancelled. One goroutine per
// connection.
func (s *Server) ServeFLV(ctx context.Context, ln net.Listener) {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("FLV", "accept: %v", err)
			continue
		}
		go s.handleFLVConn(ctx, conn)
	}
}
