// Command bridge replaces the printer's camera daemon on the network.
// It reads H.264 and JPEG from the capture side, serves every consumer
// the vendor daemon served (MJPEG, snapshots, FLV over TCP, WS-FLV,
// WebRTC), and while anyone is watching it impersonates the daemon on
// the vendor's MQTT broker and local RPC port so the firmware leaves
// the stream alone.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof" // debug listener
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/camforge/gkcam-bridge/internal/config"
	"github.com/camforge/gkcam-bridge/internal/h264"
	"github.com/camforge/gkcam-bridge/internal/logger"
	"github.com/camforge/gkcam-bridge/internal/metrics"
	"github.com/camforge/gkcam-bridge/internal/record"
	"github.com/camforge/gkcam-bridge/internal/respond"
	"github.com/camforge/gkcam-bridge/internal/ring"
	"github.com/camforge/gkcam-bridge/internal/source"
	"github.com/camforge/gkcam-bridge/internal/stream"
	"github.com/camforge/gkcam-bridge/internal/webrtc"
	"github.com/camforge/gkcam-bridge/pkg/types"
)

// sourceRetryDelay paces reconnects to the capture side. The encoder
// pipe reappears when its process restarts; the relay daemon needs a
// few seconds to reopen its port.
const sourceRetryDelay = 3 * time.Second

var (
	configPath = flag.String("config", "", "Config file path (YAML)")
	listenAddr = flag.String("listen", "", "Override the HTTP listen address")
	sourceKind = flag.String("source", "", "Override the source kind (encoder, relay)")
	recordPath = flag.String("record-path", "", "Override the recording output path")
	logLevel   = flag.String("log-level", "", "Override the log level (debug, info, warn, error, silent)")
	logColor   = flag.Bool("log-color", true, "Enable colored log output")
)

// Server ties the pipeline together: one media source feeding the
// shared buffers, the client-facing listeners, and the responders that
// run while anyone is watching.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cfg    config.Config
	met    *metrics.Metrics
	codec  *h264.CodecConfig
	units  *ring.UnitLog
	frames *ring.LatestCell

	src    source.Source
	jpeg   *source.JPEGFeed
	rec    *record.Recorder
	webrtc *webrtc.Server
	stream *stream.Server
	sup    *respond.Supervisor

	httpSrv    *http.Server
	metricsSrv *http.Server
	flvLn      net.Listener
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.HTTPAddr = *listenAddr
		case "source":
			cfg.Source.Kind = *sourceKind
		case "record-path":
			cfg.Record.Path = *recordPath
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-color":
			cfg.Log.Color = *logColor
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.Log.Color)

	logger.Info("Main", "gkcam bridge starting")

	srv, err := NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to build server: %v", err)
	}
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "shutting down")
	if err := srv.Shutdown(); err != nil {
		logger.Warn("Main", "shutdown: %v", err)
	}
	logger.Info("Main", "bridge stopped")
}

// NewServer builds every component and wires them together. Nothing
// listens yet; Start does that.
func NewServer(cfg config.Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	met := metrics.New()
	codec := h264.NewCodecConfig()
	units := ring.NewUnitLog(ring.DefaultLogCapacity)
	frames := ring.NewLatestCell()
	rec := record.New(cfg.Record.Path, codec, met)

	// The responders need the printer's own credentials. On a machine
	// without the firmware's identity files the bridge still streams;
	// it just cannot answer for the daemon.
	identity, err := config.LoadIdentity(cfg.Cloud.AccountPath, cfg.Cloud.APIPath)
	if err != nil {
		logger.Warn("Main", "cloud identity unavailable, responders disabled: %v", err)
		identity = nil
	}

	src, err := source.New(cfg.Source, codec)
	if err != nil {
		cancel()
		return nil, err
	}
	if rs, ok := src.(*source.RelaySource); ok && identity != nil {
		// The daemon only serves FLV during a capture session; nudge
		// it awake before each connect.
		rs.Wake = func(ctx context.Context) error {
			return respond.StartCapture(ctx, cfg.Cloud.BrokerAddr, identity, nil)
		}
	}

	webrtcSrv, err := webrtc.NewServer(cfg.WebRTC, cfg.Video.FPS, units, codec, met)
	if err != nil {
		cancel()
		return nil, err
	}

	streamSrv := stream.NewServer(cfg, frames, units, codec, met)
	streamSrv.SetOfferHandler(webrtcSrv.Handler())
	streamSrv.SetRecordHandler(rec.Handler())

	// WebRTC peers count as H.264 consumers: the responders care about
	// whether anyone is watching, not which transport they use.
	webrtcSrv.SetHooks(webrtc.Hooks{
		OnConnected:    streamSrv.ClientAttached,
		OnDisconnected: streamSrv.ClientDetached,
	})

	var sup *respond.Supervisor
	if identity != nil {
		sup = respond.NewSupervisor(
			respond.NewCloudResponder(cfg.Cloud.BrokerAddr, identity, respond.NewMsgidDedupSet(), met),
			respond.NewRPCResponder(cfg.RPC.Addr, met),
			met,
		)
		streamSrv.SetHooks(stream.Hooks{
			OnFirstClient: sup.Start,
			OnLastClient:  sup.Stop,
		})
	}

	s := &Server{
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		met:    met,
		codec:  codec,
		units:  units,
		frames: frames,
		src:    src,
		rec:    rec,
		webrtc: webrtcSrv,
		stream: streamSrv,
		sup:    sup,
	}
	if cfg.Source.JPEGPath != "" {
		s.jpeg = source.NewJPEGFeed(cfg.Source.JPEGPath)
	}

	s.httpSrv = &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: streamSrv.Handler(),
		// Streaming handlers watch the request context; deriving it
		// from ours lets Shutdown end them instead of waiting out
		// every open MJPEG connection.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: met.Routes()}

	return s, nil
}

// Start opens the listeners and launches the pipeline goroutines.
func (s *Server) Start() error {
	logger.Info("Main", "source: %s", s.src.Kind())
	logger.Info("Main", "http: %s  flv: %s  metrics: %s  pprof: %s",
		s.cfg.HTTPAddr, s.cfg.FLVAddr, s.cfg.MetricsAddr, s.cfg.PprofAddr)

	flvLn, err := net.Listen("tcp", s.cfg.FLVAddr)
	if err != nil {
		return fmt.Errorf("flv listener: %w", err)
	}
	s.flvLn = flvLn

	go func() {
		if err := http.ListenAndServe(s.cfg.PprofAddr, nil); err != nil {
			logger.Warn("Main", "pprof server: %v", err)
		}
	}()
	go func() {
		if err := s.metricsSrv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("Main", "metrics server: %v", err)
		}
	}()
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("Main", "http server: %v", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.stream.ServeFLV(s.ctx, s.flvLn)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.webrtc.Run(s.ctx)
	}()

	s.wg.Add(1)
	go s.runSource()
	if s.jpeg != nil {
		s.wg.Add(1)
		go s.runJPEG()
	}

	logger.Info("Main", "bridge started")
	return nil
}

// runSource keeps the H.264 source alive, feeding every unit into the
// shared log and the recorder. The log is reset across restarts so
// clients never see a stream spliced mid-GOP.
func (s *Server) runSource() {
	defer s.wg.Done()

	emit := func(u types.NALUnit) {
		start := time.Now()
		s.units.Append(u.Data)
		s.rec.Submit(u)
		s.met.UnitsScanned.Add(1)
		s.met.SourceBytes.Add(uint64(len(u.Data)))
		s.met.RingTrimmed.Store(s.units.Trimmed())
		s.met.UpdatePumpLatency(time.Since(start))
	}

	for {
		err := s.src.Run(s.ctx, emit)
		if s.ctx.Err() != nil {
			return
		}
		s.met.SourceErrors.Add(1)
		s.met.SourceResets.Add(1)
		logger.Warn("Main", "%s source: %v (retrying in %s)", s.src.Kind(), err, sourceRetryDelay)
		s.units.Reset()

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(sourceRetryDelay):
		}
	}
}

// runJPEG keeps the JPEG feed alive for the MJPEG and snapshot paths.
func (s *Server) runJPEG() {
	defer s.wg.Done()

	emit := func(frame []byte) {
		s.frames.Put(frame)
		s.met.JPEGFrames.Add(1)
	}

	for {
		err := s.jpeg.Run(s.ctx, emit)
		if s.ctx.Err() != nil {
			return
		}
		s.met.SourceErrors.Add(1)
		logger.Warn("JPEG", "feed: %v (retrying in %s)", err, sourceRetryDelay)

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(sourceRetryDelay):
		}
	}
}

// Shutdown stops everything in dependency order: listeners first so no
// new work arrives, then the pipeline, then the stateful tails.
func (s *Server) Shutdown() error {
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.httpSrv.Close()
	}
	s.metricsSrv.Shutdown(ctx)

	s.wg.Wait()

	s.webrtc.Close()
	if s.sup != nil {
		s.sup.Stop()
	}
	if s.rec.Recording() {
		if _, err := s.rec.Stop(); err != nil {
			logger.Warn("Main", "stopping recorder: %v", err)
		}
	}
	return nil
}
