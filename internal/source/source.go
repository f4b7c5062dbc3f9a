// Package source reads media from the upstream producer and turns it
// into NAL units and JPEG frames for the shared buffers. Two H.264
// source kinds exist: a direct pipe from the hardware encoder, and a
// relay that pulls the vendor daemon's own FLV stream and unwraps it.
package source

import (
	"context"
	"fmt"

	"github.com/camforge/gkcam-bridge/internal/config"
	"github.com/camforge/gkcam-bridge/internal/h264"
	"github.com/camforge/gkcam-bridge/pkg/types"
)

// Kind identifies where H.264 data comes from.
type Kind int

const (
	KindEncoder Kind = iota
	KindRelay
)

func (k Kind) String() string {
	switch k {
	case KindEncoder:
		return "encoder"
	case KindRelay:
		return "relay"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// EmitFunc receives each parsed unit. Implementations are called from
// the source's own goroutine and must not retain the unit's backing
// array beyond the call unless they copy it.
type EmitFunc func(u types.NALUnit)

// A Source delivers NAL units from one upstream producer. Run blocks
// until the context ends or the stream fails; the caller owns the
// reconnect policy.
type Source interface {
	Kind() Kind
	Run(ctx context.Context, emit EmitFunc) error
}

// New builds the source selected by cfg. The codec config is shared
// with the muxing path so parameter sets observed here seed late
// joiners there.
func New(cfg config.SourceConfig, codec *h264.CodecConfig) (Source, error) {
	switch cfg.Kind {
	case config.SourceEncoder:
		return NewEncoderSource(cfg.H264Path, codec), nil
	case config.SourceRelay:
		return NewRelaySource(cfg.RelayAddr, codec), nil
	default:
		return nil, fmt.Errorf("source: unknown kind %q", cfg.Kind)
	}
}
