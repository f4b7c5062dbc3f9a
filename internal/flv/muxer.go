package flv

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/camforge/gkcam-bridge/internal/h264"
	"github.com/camforge/gkcam-bridge/pkg/types"
)

// EncoderName is advertised in the onMetaData tag.
const EncoderName = "gkcam-bridge"

// Muxer converts NAL units into FLV tags for a single output stream.
// One instance per client session; the shared codec cache only seeds it.
type Muxer struct {
	width      int
	height     int
	fps        int
	timestamp  uint32
	frameDur   uint32
	configSent bool
	sps        []byte
	pps        []byte
}

// NewMuxer creates a muxer for the given stream geometry. fps is only
// used to advance the per-tag timestamp.
func NewMuxer(width, height, fps int) *Muxer {
	if fps <= 0 {
		fps = 30
	}
	return &Muxer{
		width:    width,
		height:   height,
		fps:      fps,
		frameDur: uint32(1000 / fps),
	}
}

// Seed installs cached SPS/PPS (start codes stripped) from a previous
// connection so a late joiner can be sent a config tag immediately.
func (m *Muxer) Seed(sps, pps []byte) {
	if len(sps) > 0 {
		m.sps = append([]byte(nil), sps...)
	}
	if len(pps) > 0 {
		m.pps = append([]byte(nil), pps...)
	}
}

// HasConfig reports whether both parameter sets are known.
func (m *Muxer) HasConfig() bool {
	return len(m.sps) > 0 && len(m.pps) > 0
}

// ConfigSent reports whether the AVC sequence header tag went out.
func (m *Muxer) ConfigSent() bool {
	return m.configSent
}

// Header returns the 9-byte FLV header plus PreviousTagSize0.
func (m *Muxer) Header() []byte {
	out := make([]byte, 0, headerSize+4)
	out = append(out, 'F', 'L', 'V')
	out = append(out, 0x01)                   // version
	out = append(out, 0x01)                   // flags: video only
	out = append(out, 0x00, 0x00, 0x00, 0x09) // data offset
	out = append(out, 0x00, 0x00, 0x00, 0x00) // PreviousTagSize0
	return out
}

// Metadata returns the onMetaData script tag.
func (m *Muxer) Metadata() []byte {
	var body bytes.Buffer
	amfWriteString(&body, "onMetaData")
	amfWriteEcmaArrayHeader(&body, 6)
	amfWriteNumberProperty(&body, "width", float64(m.width))
	amfWriteNumberProperty(&body, "height", float64(m.height))
	amfWriteNumberProperty(&body, "framerate", float64(m.fps))
	amfWriteNumberProperty(&body, "videocodecid", 7) // AVC
	amfWriteNumberProperty(&body, "duration", 0)     // live
	amfWriteStringProperty(&body, "encoder", EncoderName)
	amfWriteObjectEnd(&body)
	return makeTag(TagTypeScript, body.Bytes(), 0)
}

// AvcConfig returns the AVC sequence-header video tag built from the
// muxer's SPS/PPS and marks the config as sent. Errors when the
// parameter sets are missing or the SPS is too short to carry
// profile/compat/level.
func (m *Muxer) AvcConfig() ([]byte, error) {
	if !m.HasConfig() {
		return nil, fmt.Errorf("avc config requested before SPS/PPS known")
	}
	if len(m.sps) < 4 {
		return nil, fmt.Errorf("sps too short: %d bytes", len(m.sps))
	}

	var rec bytes.Buffer
	rec.WriteByte(0x01)     // configurationVersion
	rec.WriteByte(m.sps[1]) // AVCProfileIndication
	rec.WriteByte(m.sps[2]) // profile_compatibility
	rec.WriteByte(m.sps[3]) // AVCLevelIndication
	rec.WriteByte(0xFF)     // reserved + lengthSizeMinusOne (4-byte NALU lengths)
	rec.WriteByte(0xE1)     // reserved + one SPS
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(m.sps)))
	rec.Write(l[:])
	rec.Write(m.sps)
	rec.WriteByte(0x01) // one PPS
	binary.BigEndian.PutUint16(l[:], uint16(len(m.pps)))
	rec.Write(l[:])
	rec.Write(m.pps)

	body := make([]byte, 0, 5+rec.Len())
	body = append(body, FrameKeyAVC, AVCSeqHeader, 0x00, 0x00, 0x00)
	body = append(body, rec.Bytes()...)

	m.configSent = true
	return makeTag(TagTypeVideo, body, 0), nil
}

// MuxFrame scans raw Annex-B data and returns the resulting FLV tags:
// possibly a config tag (first time SPS/PPS become known) followed by one
// video tag holding every non-parameter-set unit, length-prefixed. The
// timestamp advances by one frame interval per emitted video tag.
func (m *Muxer) MuxFrame(data []byte) ([]byte, error) {
	units := h264.SplitUnits(data)

	for _, u := range units {
		switch u.Type {
		case types.NALTypeSPS:
			m.sps = u.Data
		case types.NALTypePPS:
			m.pps = u.Data
		}
	}

	var out []byte
	if !m.configSent && m.HasConfig() {
		cfg, err := m.AvcConfig()
		if err != nil {
			return nil, err
		}
		out = append(out, cfg...)
	}

	var videoUnits []types.NALUnit
	isKeyframe := false
	for _, u := range units {
		if u.IsParameterSet() {
			continue
		}
		if u.IsKeyframe() {
			isKeyframe = true
		}
		videoUnits = append(videoUnits, u)
	}

	if len(videoUnits) > 0 {
		size := 5
		for _, u := range videoUnits {
			size += 4 + len(u.Data)
		}
		body := make([]byte, 0, size)
		if isKeyframe {
			body = append(body, FrameKeyAVC)
		} else {
			body = append(body, FrameInterAVC)
		}
		body = append(body, AVCNALU, 0x00, 0x00, 0x00)
		var l [4]byte
		for _, u := range videoUnits {
			binary.BigEndian.PutUint32(l[:], uint32(len(u.Data)))
			body = append(body, l[:]...)
			body = append(body, u.Data...)
		}

		out = append(out, makeTag(TagTypeVideo, body, m.timestamp)...)
		m.timestamp += m.frameDur
	}

	return out, nil
}

// makeTag frames a payload as an FLV tag: 11-byte header, payload, then
// the 4-byte PreviousTagSize trailer covering header plus payload.
func makeTag(tagType byte, payload []byte, timestamp uint32) []byte {
	tag := make([]byte, 0, tagHeaderSize+len(payload)+4)
	tag = append(tag, tagType)

	var sz [3]byte
	putUint24(sz[:], uint32(len(payload)))
	tag = append(tag, sz[:]...)

	putUint24(sz[:], timestamp&0xFFFFFF)
	tag = append(tag, sz[:]...)
	tag = append(tag, byte(timestamp>>24)) // extended timestamp

	tag = append(tag, 0x00, 0x00, 0x00) // stream id
	tag = append(tag, payload...)

	var prev [4]byte
	binary.BigEndian.PutUint32(prev[:], uint32(tagHeaderSize+len(payload)))
	tag = append(tag, prev[:]...)
	return tag
}
