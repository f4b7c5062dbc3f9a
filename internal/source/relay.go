package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/camforge/gkcam-bridge/internal/flv"
	"github.com/camforge/gkcam-bridge/internal/h264"
	"github.com/camforge/gkcam-bridge/internal/logger"
	"github.com/camforge/gkcam-bridge/pkg/types"
)

// RelaySource pulls the vendor daemon's own FLV stream and unwraps it
// back into Annex-B units. Used when the daemon still owns the camera
// and the bridge only multiplies its output.
type RelaySource struct {
	url    string
	codec  *h264.CodecConfig
	client *http.Client

	// Wake, when set, runs before each connect attempt. The daemon
	// only opens its FLV port while a capture session is active, so
	// this is where the start-capture nudge goes. Failure is logged,
	// not fatal: the daemon may already be streaming.
	Wake func(ctx context.Context) error
}

// NewRelaySource accepts either a bare host:port or a full URL; a bare
// address gets the daemon's /flv path appended.
func NewRelaySource(addr string, codec *h264.CodecConfig) *RelaySource {
	url := addr
	if len(url) < 7 || url[:7] != "http://" {
		url = "http://" + addr + "/flv"
	}
	return &RelaySource{
		url:   url,
		codec: codec,
		// The stream never ends, so no client timeout; cancellation
		// comes from the request context.
		client: &http.Client{Transport: &http.Transport{
			ResponseHeaderTimeout: 10 * time.Second,
		}},
	}
}

func (s *RelaySource) Kind() Kind { return KindRelay }

func (s *RelaySource) Run(ctx context.Context, emit EmitFunc) error {
	if s.Wake != nil {
		if err := s.Wake(ctx); err != nil {
			logger.Warn("Relay", "wake: %v", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("source: relay request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("source: relay connect %s: %w", s.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("source: relay %s: status %s", s.url, resp.Status)
	}

	d := flv.NewDemuxer(resp.Body)
	if err := d.ReadHeader(); err != nil {
		return fmt.Errorf("source: relay %s: %w", s.url, err)
	}
	logger.Info("Relay", "connected to vendor FLV stream at %s", s.url)

	nalLengthSize := 4
	for {
		tagType, _, payload, err := d.ReadTag()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("source: relay stream ended: %w", err)
			}
			return fmt.Errorf("source: relay read: %w", err)
		}
		if tagType != flv.TagTypeVideo {
			continue
		}
		pkt, err := flv.ParseVideoTag(payload)
		if err != nil {
			logger.Debug("Relay", "skipping video tag: %v", err)
			continue
		}

		switch pkt.PacketType {
		case flv.AVCSeqHeader:
			sps, pps, n, err := flv.ParseConfigRecord(pkt.Body)
			if err != nil {
				logger.Warn("Relay", "bad decoder config from daemon: %v", err)
				continue
			}
			nalLengthSize = n
			s.codec.SetSPS(sps)
			s.codec.SetPPS(pps)
			emit(annexBUnit(sps))
			emit(annexBUnit(pps))
		case flv.AVCNALU:
			units, err := flv.SplitAVCC(pkt.Body, nalLengthSize)
			if err != nil {
				logger.Debug("Relay", "skipping AVCC body: %v", err)
				continue
			}
			for _, u := range units {
				emit(annexBUnit(u))
			}
		}
	}
}

// annexBUnit wraps a raw NAL payload with a 4-byte start code, the
// form the rest of the pipeline expects.
func annexBUnit(payload []byte) types.NALUnit {
	data := make([]byte, 4+len(payload))
	data[3] = 0x01
	copy(data[4:], payload)
	return types.NALUnit{Type: h264.UnitType(payload), Data: data}
}
