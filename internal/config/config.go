// Package config loads the bridge configuration: an optional YAML file
// layered over defaults, plus the printer's own identity files used
// for the cloud channel.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Source kinds accepted in the config file.
const (
	SourceEncoder = "encoder" // raw Annex-B from a local pipe
	SourceRelay   = "relay"   // FLV pulled from the vendor daemon
)

// Config is the full bridge configuration.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`    // MJPEG + snapshot + signaling
	FLVAddr     string `yaml:"flv_addr"`     // raw FLV-over-TCP port
	MetricsAddr string `yaml:"metrics_addr"` // Prometheus + stats
	PprofAddr   string `yaml:"pprof_addr"`

	Video  VideoConfig  `yaml:"video"`
	Source SourceConfig `yaml:"source"`
	Cloud  CloudConfig  `yaml:"cloud"`
	RPC    RPCConfig    `yaml:"rpc"`
	Record RecordConfig `yaml:"record"`
	WebRTC WebRTCConfig `yaml:"webrtc"`
	Log    LogConfig    `yaml:"log"`
}

// VideoConfig describes the stream geometry advertised in FLV
// metadata. It does not configure the encoder itself.
type VideoConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	FPS    int `yaml:"fps"`
}

// SourceConfig selects where media comes from.
type SourceConfig struct {
	Kind      string `yaml:"kind"`
	H264Path  string `yaml:"h264_path"`  // Annex-B pipe for the encoder kind
	JPEGPath  string `yaml:"jpeg_path"`  // JPEG pipe for the MJPEG/snapshot paths
	RelayAddr string `yaml:"relay_addr"` // vendor FLV endpoint for the relay kind
}

// CloudConfig points at the vendor broker and the identity files the
// firmware ships with.
type CloudConfig struct {
	BrokerAddr  string `yaml:"broker_addr"`
	AccountPath string `yaml:"account_path"`
	APIPath     string `yaml:"api_path"`
}

// RPCConfig points at the firmware's local JSON-RPC port.
type RPCConfig struct {
	Addr string `yaml:"addr"`
}

// RecordConfig controls the on-disk H.264 recorder.
type RecordConfig struct {
	Path string `yaml:"path"`
}

// WebRTCConfig controls the browser preview path.
type WebRTCConfig struct {
	STUNServers []string `yaml:"stun_servers"`
	MaxClients  int      `yaml:"max_clients"`
	UDPPortMin  uint16   `yaml:"udp_port_min"`
	UDPPortMax  uint16   `yaml:"udp_port_max"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level string `yaml:"level"`
	Color bool   `yaml:"color"`
}

// Default returns the configuration used when no file is present,
// matching the ports and paths of the stock firmware.
func Default() Config {
	return Config{
		HTTPAddr:    ":8080",
		FLVAddr:     ":18088",
		MetricsAddr: ":9091",
		PprofAddr:   ":6060",
		Video:       VideoConfig{Width: 1280, Height: 720, FPS: 15},
		Source: SourceConfig{
			Kind:     SourceEncoder,
			H264Path: "/tmp/h264_stream.fifo",
			JPEGPath: "/tmp/mjpeg_stream.fifo",
		},
		Cloud: CloudConfig{
			BrokerAddr:  "127.0.0.1:9883",
			AccountPath: "/userdata/app/gk/config/device_account.json",
			APIPath:     "/userdata/app/gk/config/api.cfg",
		},
		RPC:    RPCConfig{Addr: "127.0.0.1:18086"},
		Record: RecordConfig{Path: "./recordings"},
		WebRTC: WebRTCConfig{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
			MaxClients:  10,
			UDPPortMin:  50000,
			UDPPortMax:  50100,
		},
		Log: LogConfig{Level: "info", Color: true},
	}
}

// Load reads path over the defaults. A missing file is not an error;
// unknown keys are.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the rest of the bridge cannot work with.
func (c *Config) Validate() error {
	switch c.Source.Kind {
	case SourceEncoder, SourceRelay:
	default:
		return fmt.Errorf("unknown source kind %q", c.Source.Kind)
	}
	if c.Source.Kind == SourceRelay && c.Source.RelayAddr == "" {
		return errors.New("relay source needs relay_addr")
	}
	if c.Video.Width <= 0 || c.Video.Height <= 0 {
		return fmt.Errorf("invalid video geometry %dx%d", c.Video.Width, c.Video.Height)
	}
	if c.Video.FPS <= 0 || c.Video.FPS > 120 {
		return fmt.Errorf("invalid fps %d", c.Video.FPS)
	}
	if c.WebRTC.MaxClients <= 0 {
		return fmt.Errorf("invalid max_clients %d", c.WebRTC.MaxClients)
	}
	if c.WebRTC.UDPPortMin > c.WebRTC.UDPPortMax {
		return fmt.Errorf("invalid webrtc port range %d-%d", c.WebRTC.UDPPortMin, c.WebRTC.UDPPortMax)
	}
	return nil
}
