package types

import "time"

// NALUnit is a single H.264 NAL unit as it travels through the bridge.
// Data includes the Annex-B start code on the streaming path (the FLV
// muxer strips it again when length-prefixing), and excludes it for the
// cached SPS/PPS copies.
type NALUnit struct {
	Type uint8  // NAL unit type (lower 5 bits of the header byte)
	Data []byte
}

// JPEGFrame is one complete JPEG image from the camera's MJPEG side.
type JPEGFrame struct {
	Data      []byte
	Timestamp time.Time
	Sequence  uint64
}

// NALUnitType constants
const (
	NALTypeSlice     uint8 = 1
	NALTypeIDR       uint8 = 5
	NALTypeSEI       uint8 = 6
	NALTypeSPS       uint8 = 7
	NALTypePPS       uint8 = 8
	NALTypeAUD       uint8 = 9
	NALTypeEndSeq    uint8 = 10
	NALTypeEndStream uint8 = 11
	NALTypeFiller    uint8 = 12
)

// IsKeyframe reports whether the unit is an IDR slice.
func (n NALUnit) IsKeyframe() bool {
	return n.Type == NALTypeIDR
}

// IsParameterSet reports whether the unit carries codec configuration.
func (n NALUnit) IsParameterSet() bool {
	return n.Type == NALTypeSPS || n.Type == NALTypePPS
}
