// Package webrtc serves the browser preview: SDP offers come in over
// the signaling route, H.264 flows back out over RTP. Each peer gets
// its own sample track and writer goroutine fed from a shared pump, so
// a congested peer drops frames instead of stalling the pipeline.
package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/camforge/gkcam-bridge/internal/config"
	"github.com/camforge/gkcam-bridge/internal/h264"
	"github.com/camforge/gkcam-bridge/internal/logger"
	"github.com/camforge/gkcam-bridge/internal/metrics"
	"github.com/camforge/gkcam-bridge/internal/ring"
)

const (
	h264ClockRate = 90000

	// clientQueue buffers a couple of seconds of units per peer.
	clientQueue = 64
	// idlePoll paces the pump while nobody is connected.
	idlePoll = 200 * time.Millisecond
	// unitWait bounds log reads so the pump can recheck shutdown.
	unitWait = time.Second
)

var startCode = []byte{0, 0, 0, 1}

// Hooks fire when a peer finishes signaling and when it goes away.
// Both may be nil.
type Hooks struct {
	OnConnected    func()
	OnDisconnected func()
}

type client struct {
	id      string
	pc      *webrtc.PeerConnection
	track   *webrtc.TrackLocalStaticSample
	units   chan []byte
	stop    chan struct{}
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Server negotiates peer connections and fans the live H.264 stream
// into them.
type Server struct {
	cfg   config.WebRTCConfig
	fps   int
	units *ring.UnitLog
	codec *h264.CodecConfig
	met   *metrics.Metrics

	api     *webrtc.API
	rtcConf webrtc.Configuration
	hooks   Hooks

	mu      sync.RWMutex
	clients map[string]*client
}

// NewServer builds the pion API once: H.264 only, packetization-mode 1,
// UDP candidates restricted to the configured port range so the
// firmware image only needs one hole in its filter.
func NewServer(cfg config.WebRTCConfig, fps int, units *ring.UnitLog, codec *h264.CodecConfig, met *metrics.Metrics) (*Server, error) {
	iceServers := make([]webrtc.ICEServer, 0, len(cfg.STUNServers))
	for _, url := range cfg.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	var se webrtc.SettingEngine
	if cfg.UDPPortMax > 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("webrtc: port range %d-%d: %w", cfg.UDPPortMin, cfg.UDPPortMax, err)
		}
	}
	se.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   h264ClockRate,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			RTCPFeedback: []webrtc.RTCPFeedback{
				{Type: "nack"}, {Type: "nack", Parameter: "pli"}, {Type: "goog-remb"},
			},
		},
		PayloadType: 102,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("webrtc: register codec: %w", err)
	}

	return &Server{
		cfg:   cfg,
		fps:   fps,
		units: units,
		codec: codec,
		met:   met,
		api: webrtc.NewAPI(
			webrtc.WithSettingEngine(se),
			webrtc.WithMediaEngine(me),
		),
		rtcConf: webrtc.Configuration{ICEServers: iceServers},
		clients: make(map[string]*client),
	}, nil
}

// SetHooks installs the peer lifecycle callbacks. Call before the
// signaling route is reachable.
func (s *Server) SetHooks(h Hooks) {
	s.hooks = h
}

// HandleOffer negotiates one peer connection from a JSON SDP offer and
// returns the answer with ICE candidates already gathered, so the
// exchange is a single round trip.
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("parse offer: %w", err)
	}

	if n := s.ClientCount(); n >= s.cfg.MaxClients {
		return nil, fmt.Errorf("maximum clients reached (%d)", s.cfg.MaxClients)
	}

	pc, err := s.api.NewPeerConnection(s.rtcConf)
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: h264ClockRate},
		"video", "gkcam",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("video track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("add track: %w", err)
	}

	// Drain RTCP so interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	c := &client{
		id:    uuid.NewString()[:8],
		pc:    pc,
		track: track,
		units: make(chan []byte, clientQueue),
		stop:  make(chan struct{}),
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logger.Debug("WebRTC", "peer %s ICE state %s", c.id, state)
		switch state {
		case webrtc.ICEConnectionStateDisconnected,
			webrtc.ICEConnectionStateFailed,
			webrtc.ICEConnectionStateClosed:
			s.removeClient(c.id)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "peer %s state %s", c.id, state)
		switch state {
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			s.removeClient(c.id)
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("local description: %w", err)
	}
	<-gathered

	local := pc.LocalDescription()
	if local == nil {
		pc.Close()
		return nil, errors.New("no local description after gathering")
	}
	answerJSON, err := json.Marshal(local)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("marshal answer: %w", err)
	}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.met.WebRTCClients.Add(1)
	go s.writeUnits(c)
	if s.hooks.OnConnected != nil {
		s.hooks.OnConnected()
	}
	logger.Info("WebRTC", "peer %s connected", c.id)

	return answerJSON, nil
}

// Handler exposes the signaling route: POST a JSON SDP offer, receive
// the JSON answer.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		offer, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read offer", http.StatusBadRequest)
			return
		}
		answer, err := s.HandleOffer(offer)
		if err != nil {
			logger.Warn("WebRTC", "offer from %s: %v", r.RemoteAddr, err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(answer)
	})
}

// Run pumps the unit log into the connected peers. With no peers it
// parks at the live edge so an idle bridge does no per-unit work.
func (s *Server) Run(ctx context.Context) {
	cursor := s.units.End()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if s.ClientCount() == 0 {
			cursor = s.units.End()
			select {
			case <-ctx.Done():
				return
			case <-time.After(idlePoll):
			}
			continue
		}

		batch, next, ok := s.units.Next(cursor, unitWait)
		cursor = next
		if !ok {
			continue
		}
		for _, raw := range batch {
			s.broadcast(raw)
		}
	}
}

func (s *Server) broadcast(raw []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		select {
		case c.units <- raw:
		default:
			c.dropped.Add(1)
		}
	}
}

// writeUnits feeds one peer. Like the FLV sessions, it withholds video
// until the stream is decodable: parameter sets pass through, anything
// else waits for a keyframe, and the first keyframe is prefixed with
// the cached SPS/PPS when none were seen in-band.
func (s *Server) writeUnits(c *client) {
	sampleDur := time.Second / time.Duration(s.fps)
	started := false
	sentConfig := false

	for {
		select {
		case <-c.stop:
			return
		case raw, ok := <-c.units:
			if !ok {
				return
			}

			if !started {
				hasKey, hasConfig := false, false
				for _, u := range h264.SplitUnits(raw) {
					if u.IsKeyframe() {
						hasKey = true
					}
					if u.IsParameterSet() {
						hasConfig = true
					}
				}
				if hasConfig {
					sentConfig = true
				}
				if !hasKey && !hasConfig {
					continue
				}
				if hasKey {
					if !sentConfig {
						if sps, pps, ok := s.codec.Snapshot(); ok {
							raw = prependConfig(sps, pps, raw)
						}
					}
					started = true
				}
			}

			err := c.track.WriteSample(media.Sample{Data: raw, Duration: sampleDur})
			if err != nil {
				if !errors.Is(err, io.ErrClosedPipe) {
					logger.Warn("WebRTC", "peer %s write: %v", c.id, err)
				}
				s.removeClient(c.id)
				return
			}
			c.sent.Add(1)
		}
	}
}

func prependConfig(sps, pps, raw []byte) []byte {
	out := make([]byte, 0, len(sps)+len(pps)+len(raw)+2*len(startCode))
	out = append(out, startCode...)
	out = append(out, sps...)
	out = append(out, startCode...)
	out = append(out, pps...)
	return append(out, raw...)
}

func (s *Server) removeClient(id string) {
	s.mu.Lock()
	c, ok := s.clients[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, id)
	s.mu.Unlock()

	close(c.stop)
	c.pc.Close()
	s.met.WebRTCClients.Add(-1)
	if s.hooks.OnDisconnected != nil {
		s.hooks.OnDisconnected()
	}
	logger.Info("WebRTC", "peer %s disconnected (sent %d, dropped %d)",
		id, c.sent.Load(), c.dropped.Load())
}

// ClientCount returns the number of negotiated peers.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close tears down every peer connection.
func (s *Server) Close() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	for _, id := range ids {
		s.removeClient(id)
	}
}
