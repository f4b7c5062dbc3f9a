package flv

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Maximum tag payload the demuxer will accept. The vendor daemon's video
// tags are far smaller; anything bigger means we lost framing.
const maxTagSize = 4 * 1024 * 1024

// Demuxer walks the tag stream of a live FLV feed, the inverse of the
// muxer. Used when the vendor daemon is the H.264 source and its FLV
// output has to be unwrapped back into NAL units.
type Demuxer struct {
	r io.Reader
}

// NewDemuxer wraps a reader positioned at the start of an FLV stream.
func NewDemuxer(r io.Reader) *Demuxer {
	return &Demuxer{r: r}
}

// ReadHeader consumes and validates the FLV header and PreviousTagSize0.
func (d *Demuxer) ReadHeader() error {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		return fmt.Errorf("read flv header: %w", err)
	}
	if hdr[0] != 'F' || hdr[1] != 'L' || hdr[2] != 'V' {
		return fmt.Errorf("bad flv signature %q", hdr[:3])
	}
	offset := binary.BigEndian.Uint32(hdr[5:9])
	if offset < headerSize || offset > 1024 {
		return fmt.Errorf("implausible flv data offset %d", offset)
	}
	// Skip any extension bytes plus PreviousTagSize0.
	skip := int64(offset) - headerSize + 4
	if _, err := io.CopyN(io.Discard, d.r, skip); err != nil {
		return fmt.Errorf("skip flv preamble: %w", err)
	}
	return nil
}

// ReadTag returns the next tag's type, timestamp, and payload. The
// 4-byte PreviousTagSize trailer is consumed and discarded.
func (d *Demuxer) ReadTag() (tagType byte, timestamp uint32, payload []byte, err error) {
	var hdr [tagHeaderSize]byte
	if _, err = io.ReadFull(d.r, hdr[:]); err != nil {
		return 0, 0, nil, err
	}

	tagType = hdr[0]
	size := uint24(hdr[1:4])
	timestamp = uint24(hdr[4:7]) | uint32(hdr[7])<<24
	if size > maxTagSize {
		return 0, 0, nil, fmt.Errorf("tag size %d exceeds limit", size)
	}

	payload = make([]byte, size)
	if _, err = io.ReadFull(d.r, payload); err != nil {
		return 0, 0, nil, err
	}
	var prev [4]byte
	if _, err = io.ReadFull(d.r, prev[:]); err != nil {
		return 0, 0, nil, err
	}
	return tagType, timestamp, payload, nil
}

// VideoPacket is a cracked video tag payload.
type VideoPacket struct {
	Keyframe   bool
	PacketType byte
	Body       []byte
}

// ParseVideoTag splits a video tag payload into its AVC packet parts.
func ParseVideoTag(payload []byte) (VideoPacket, error) {
	if len(payload) < 5 {
		return VideoPacket{}, fmt.Errorf("video tag too short: %d bytes", len(payload))
	}
	if payload[0]&0x0F != 7 {
		return VideoPacket{}, fmt.Errorf("codec id %d is not AVC", payload[0]&0x0F)
	}
	return VideoPacket{
		Keyframe:   payload[0]>>4 == 1,
		PacketType: payload[1],
		Body:       payload[5:],
	}, nil
}

// ParseConfigRecord extracts the SPS and PPS payloads and the NALU
// length-prefix size from an AVCDecoderConfigurationRecord.
func ParseConfigRecord(body []byte) (sps, pps []byte, nalLengthSize int, err error) {
	if len(body) < 7 {
		return nil, nil, 0, fmt.Errorf("config record too short: %d bytes", len(body))
	}
	nalLengthSize = int(body[4]&0x03) + 1

	pos := 5
	numSPS := int(body[pos] & 0x1F)
	pos++
	for i := 0; i < numSPS; i++ {
		if pos+2 > len(body) {
			return nil, nil, 0, fmt.Errorf("truncated sps length")
		}
		n := int(binary.BigEndian.Uint16(body[pos:]))
		pos += 2
		if pos+n > len(body) {
			return nil, nil, 0, fmt.Errorf("truncated sps body")
		}
		if i == 0 {
			sps = append([]byte(nil), body[pos:pos+n]...)
		}
		pos += n
	}

	if pos >= len(body) {
		return nil, nil, 0, fmt.Errorf("missing pps count")
	}
	numPPS := int(body[pos])
	pos++
	for i := 0; i < numPPS; i++ {
		if pos+2 > len(body) {
			return nil, nil, 0, fmt.Errorf("truncated pps length")
		}
		n := int(binary.BigEndian.Uint16(body[pos:]))
		pos += 2
		if pos+n > len(body) {
			return nil, nil, 0, fmt.Errorf("truncated pps body")
		}
		if i == 0 {
			pps = append([]byte(nil), body[pos:pos+n]...)
		}
		pos += n
	}

	if sps == nil || pps == nil {
		return nil, nil, 0, fmt.Errorf("config record carries no parameter sets")
	}
	return sps, pps, nalLengthSize, nil
}

// SplitAVCC walks length-prefixed NALUs in an AVC NALU packet body and
// returns the raw payloads, start codes not included.
func SplitAVCC(body []byte, nalLengthSize int) ([][]byte, error) {
	if nalLengthSize < 1 || nalLengthSize > 4 {
		return nil, fmt.Errorf("bad nalu length size %d", nalLengthSize)
	}
	var units [][]byte
	pos := 0
	for pos+nalLengthSize <= len(body) {
		var n int
		for i := 0; i < nalLengthSize; i++ {
			n = n<<8 | int(body[pos+i])
		}
		pos += nalLengthSize
		if n <= 0 || pos+n > len(body) {
			return units, fmt.Errorf("bad nalu length %d at offset %d", n, pos-nalLengthSize)
		}
		unit := make([]byte, n)
		copy(unit, body[pos:pos+n])
		units = append(units, unit)
		pos += n
	}
	return units, nil
}
