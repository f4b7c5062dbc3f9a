package h264

import (
	"github.com/camforge/gkcam-bridge/pkg/types"
)

// NAL unit start codes
var (
	startCode3 = []byte{0x00, 0x00, 0x01}
	startCode4 = []byte{0x00, 0x00, 0x00, 0x01}
)

// MaxUnitSize caps a single buffered unit on the streaming path. If no
// start code shows up within this many bytes the pending data is flushed
// as a unit anyway so a corrupt stream cannot grow the buffer without
// bound.
const MaxUnitSize = 64 * 1024

// findStartCode returns the position and length of the first start code
// at or after offset, or (-1, 0) when none is present. A 4-byte code is
// reported at its own first byte, never as its embedded 3-byte tail.
func findStartCode(data []byte, offset int) (int, int) {
	for i := offset; i+2 < len(data); i++ {
		if data[i] != 0x00 || data[i+1] != 0x00 {
			continue
		}
		if data[i+2] == 0x01 {
			return i, 3
		}
		if i+3 < len(data) && data[i+2] == 0x00 && data[i+3] == 0x01 {
			return i, 4
		}
	}
	return -1, 0
}

// startCodeLen returns the length of the start code at the head of data,
// or 0 when data does not begin with one.
func startCodeLen(data []byte) int {
	if len(data) >= 4 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x00 && data[3] == 0x01 {
		return 4
	}
	if len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01 {
		return 3
	}
	return 0
}

// SplitUnits splits an Annex-B buffer into NAL unit payloads with start
// codes stripped. Buffers that begin mid-unit lose the leading fragment;
// the final unit runs to the end of the buffer.
func SplitUnits(data []byte) []types.NALUnit {
	var units []types.NALUnit

	pos, scLen := findStartCode(data, 0)
	for pos != -1 {
		payloadStart := pos + scLen
		if payloadStart >= len(data) {
			break
		}

		next, nextLen := findStartCode(data, payloadStart+1)
		payloadEnd := next
		if payloadEnd == -1 {
			payloadEnd = len(data)
		}

		payload := make([]byte, payloadEnd-payloadStart)
		copy(payload, data[payloadStart:payloadEnd])
		units = append(units, types.NALUnit{
			Type: payload[0] & 0x1F,
			Data: payload,
		})

		pos, scLen = next, nextLen
	}

	return units
}

// UnitType returns the NAL type of an Annex-B chunk, skipping its start
// code if present. Returns 0 when the chunk is too short to classify.
func UnitType(data []byte) uint8 {
	if len(data) > 4 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x00 && data[3] == 0x01 {
		return data[4] & 0x1F
	}
	if len(data) > 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01 {
		return data[3] & 0x1F
	}
	if len(data) > 0 {
		return data[0] & 0x1F
	}
	return 0
}

// StreamScanner carves NAL units out of an Annex-B byte stream that
// arrives in arbitrary read-sized chunks. Emitted units keep their start
// codes so downstream consumers can replay the stream verbatim; a unit is
// only emitted once its end boundary is known, except when it outgrows
// MaxUnitSize and is flushed early.
type StreamScanner struct {
	buf    []byte
	cfg    *CodecConfig
	synced bool
}

// NewStreamScanner returns a scanner that mirrors SPS/PPS units it sees
// into cfg. cfg may be nil.
func NewStreamScanner(cfg *CodecConfig) *StreamScanner {
	return &StreamScanner{cfg: cfg}
}

// Feed appends a chunk and returns every unit completed by it.
func (s *StreamScanner) Feed(chunk []byte) []types.NALUnit {
	s.buf = append(s.buf, chunk...)

	if !s.synced {
		pos, _ := findStartCode(s.buf, 0)
		if pos == -1 {
			// Keep only enough tail to recognize a split start code.
			if len(s.buf) > 3 {
				s.buf = append(s.buf[:0], s.buf[len(s.buf)-3:]...)
			}
			return nil
		}
		s.buf = s.buf[pos:]
		s.synced = true
	}

	var units []types.NALUnit
	for {
		// The buffer begins at a start code; look for the next one to
		// close out the pending unit. Searching past the first payload
		// byte keeps a 4-byte lead code from matching its own tail.
		lead := startCodeLen(s.buf)
		if lead == 0 {
			break
		}
		next, _ := findStartCode(s.buf, lead+1)
		if next == -1 {
			if len(s.buf) > MaxUnitSize {
				units = append(units, s.emit(s.buf))
				s.buf = nil
				s.synced = false
			}
			break
		}

		units = append(units, s.emit(s.buf[:next]))
		s.buf = s.buf[next:]
	}

	return units
}

// Reset discards any buffered partial unit, for reuse across reconnects.
func (s *StreamScanner) Reset() {
	s.buf = nil
	s.synced = false
}

func (s *StreamScanner) emit(raw []byte) types.NALUnit {
	data := make([]byte, len(raw))
	copy(data, raw)

	unit := types.NALUnit{
		Type: UnitType(data),
		Data: data,
	}

	if s.cfg != nil {
		switch unit.Type {
		case types.NALTypeSPS:
			s.cfg.SetSPS(stripStartCode(data))
		case types.NALTypePPS:
			s.cfg.SetPPS(stripStartCode(data))
		}
	}

	return unit
}

func stripStartCode(data []byte) []byte {
	if len(data) >= 4 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x00 && data[3] == 0x01 {
		return data[4:]
	}
	if len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01 {
		return data[3:]
	}
	return data
}
