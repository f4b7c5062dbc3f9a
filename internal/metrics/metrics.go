package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all bridge metrics
type Metrics struct {
	// Media pipeline counters
	UnitsScanned  atomic.Uint64
	UnitsOversize atomic.Uint64
	TagsMuxed     atomic.Uint64
	JPEGFrames    atomic.Uint64
	SourceBytes   atomic.Uint64
	SourceResets  atomic.Uint64
	RingTrimmed   atomic.Uint64

	// Streaming counters
	MJPEGFramesSent  atomic.Uint64
	FLVTagsSent      atomic.Uint64
	SnapshotsServed  atomic.Uint64
	SnapshotTimeouts atomic.Uint64

	// Impersonation counters
	ReportsPublished atomic.Uint64
	StopsCountered   atomic.Uint64
	RPCReplies       atomic.Uint64
	CloudReconnects  atomic.Uint64
	RPCReconnects    atomic.Uint64
	DedupSkips       atomic.Uint64

	// Error counters
	SourceErrors atomic.Uint64
	MuxErrors    atomic.Uint64
	CloudErrors  atomic.Uint64

	// Latency tracking
	PumpLatencyMs atomic.Uint64 // scan+mux+append time for the last chunk

	// Client tracking
	FLVClients    atomic.Int64
	MJPEGClients  atomic.Int64
	WebRTCClients atomic.Int64
	TotalClients  atomic.Uint64

	// Responder state
	RespondersActive atomic.Uint64 // 0 = stopped, 1 = running

	// Recording state
	RecordingActive     atomic.Uint64 // 0 = inactive, 1 = active
	RecordingBytes      atomic.Uint64
	RecordingFrames     atomic.Uint64
	RecorderBufferUsage atomic.Uint64 // Percentage (0-100)

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	gauges := []struct {
		name string
		help string
		load func() float64
	}{
		{"bridge_units_scanned_total", "Total NAL units produced by the scanner",
			func() float64 { return float64(m.UnitsScanned.Load()) }},
		{"bridge_units_oversize_total", "Total oversize scanner flushes",
			func() float64 { return float64(m.UnitsOversize.Load()) }},
		{"bridge_tags_muxed_total", "Total FLV tags produced",
			func() float64 { return float64(m.TagsMuxed.Load()) }},
		{"bridge_jpeg_frames_total", "Total JPEG frames received",
			func() float64 { return float64(m.JPEGFrames.Load()) }},
		{"bridge_source_bytes_total", "Total bytes read from the media source",
			func() float64 { return float64(m.SourceBytes.Load()) }},
		{"bridge_source_resets_total", "Total media source reconnects",
			func() float64 { return float64(m.SourceResets.Load()) }},
		{"bridge_ring_trimmed_total", "Total units trimmed from the unit log",
			func() float64 { return float64(m.RingTrimmed.Load()) }},
		{"bridge_mjpeg_frames_sent_total", "Total multipart JPEG parts written",
			func() float64 { return float64(m.MJPEGFramesSent.Load()) }},
		{"bridge_flv_tags_sent_total", "Total FLV tags written to clients",
			func() float64 { return float64(m.FLVTagsSent.Load()) }},
		{"bridge_snapshots_served_total", "Total snapshot responses",
			func() float64 { return float64(m.SnapshotsServed.Load()) }},
		{"bridge_snapshot_timeouts_total", "Total snapshot requests that timed out",
			func() float64 { return float64(m.SnapshotTimeouts.Load()) }},
		{"bridge_reports_published_total", "Total status reports published to the cloud channel",
			func() float64 { return float64(m.ReportsPublished.Load()) }},
		{"bridge_stops_countered_total", "Total firmware stop reports countered",
			func() float64 { return float64(m.StopsCountered.Load()) }},
		{"bridge_rpc_replies_total", "Total local RPC replies sent",
			func() float64 { return float64(m.RPCReplies.Load()) }},
		{"bridge_cloud_reconnects_total", "Total cloud responder reconnects",
			func() float64 { return float64(m.CloudReconnects.Load()) }},
		{"bridge_rpc_reconnects_total", "Total RPC responder reconnects",
			func() float64 { return float64(m.RPCReconnects.Load()) }},
		{"bridge_dedup_skips_total", "Total duplicate messages ignored",
			func() float64 { return float64(m.DedupSkips.Load()) }},
		{"bridge_source_errors_total", "Total media source read errors",
			func() float64 { return float64(m.SourceErrors.Load()) }},
		{"bridge_mux_errors_total", "Total FLV mux errors",
			func() float64 { return float64(m.MuxErrors.Load()) }},
		{"bridge_cloud_errors_total", "Total cloud channel errors",
			func() float64 { return float64(m.CloudErrors.Load()) }},
		{"bridge_pump_latency_ms", "Scan and mux latency for the last chunk in milliseconds",
			func() float64 { return float64(m.PumpLatencyMs.Load()) }},
		{"bridge_flv_clients", "Connected FLV clients",
			func() float64 { return float64(m.FLVClients.Load()) }},
		{"bridge_mjpeg_clients", "Connected MJPEG clients",
			func() float64 { return float64(m.MJPEGClients.Load()) }},
		{"bridge_webrtc_clients", "Connected WebRTC clients",
			func() float64 { return float64(m.WebRTCClients.Load()) }},
		{"bridge_total_clients", "Total clients accepted since start",
			func() float64 { return float64(m.TotalClients.Load()) }},
		{"bridge_responders_active", "Impersonation responders running (0 or 1)",
			func() float64 { return float64(m.RespondersActive.Load()) }},
		{"bridge_recording_active", "Recording active (0=inactive, 1=active)",
			func() float64 { return float64(m.RecordingActive.Load()) }},
		{"bridge_recording_bytes", "Total bytes written to recording",
			func() float64 { return float64(m.RecordingBytes.Load()) }},
		{"bridge_recording_frames", "Total frames written to recording",
			func() float64 { return float64(m.RecordingFrames.Load()) }},
		{"bridge_recorder_buffer_usage_percent", "Recorder buffer usage percentage",
			func() float64 { return float64(m.RecorderBufferUsage.Load()) }},
	}

	for _, g := range gauges {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			g.load,
		))
	}
}

// UpdatePumpLatency updates the pipeline latency gauge
func (m *Metrics) UpdatePumpLatency(duration time.Duration) {
	m.PumpLatencyMs.Store(uint64(duration.Milliseconds()))
}

// UpdateRecorderBuffer updates the recorder buffer usage percentage
func (m *Metrics) UpdateRecorderBuffer(used, capacity int) {
	if capacity > 0 {
		m.RecorderBufferUsage.Store(uint64(used * 100 / capacity))
	}
}

// Snapshot returns the current counters for the stats endpoint
func (m *Metrics) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"units_scanned":     m.UnitsScanned.Load(),
		"tags_muxed":        m.TagsMuxed.Load(),
		"jpeg_frames":       m.JPEGFrames.Load(),
		"source_bytes":      m.SourceBytes.Load(),
		"ring_trimmed":      m.RingTrimmed.Load(),
		"flv_clients":       uint64(m.FLVClients.Load()),
		"mjpeg_clients":     uint64(m.MJPEGClients.Load()),
		"webrtc_clients":    uint64(m.WebRTCClients.Load()),
		"reports_published": m.ReportsPublished.Load(),
		"stops_countered":   m.StopsCountered.Load(),
		"rpc_replies":       m.RPCReplies.Load(),
		"responders_active": m.RespondersActive.Load(),
		"recording_bytes":   m.RecordingBytes.Load(),
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Routes bundles the observability endpoints: Prometheus exposition,
// a liveness probe, and the counter snapshot as JSON.
func (m *Metrics) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Snapshot())
	})
	return mux
}

// StartServer starts the metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	return http.ListenAndServe(addr, m.Routes())
}
