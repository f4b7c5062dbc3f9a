package h264

import (
	"bytes"
	"testing"

	"github.com/camforge/gkcam-bridge/pkg/types"
)

// annexB builds a buffer of NAL units with alternating 3- and 4-byte
// start codes. Each payload's first byte carries the wanted type in its
// low 5 bits.
func annexB(t *testing.T, units ...types.NALUnit) []byte {
	t.Helper()
	var buf bytes.Buffer
	for i, u := range units {
		if u.Data[0]&0x1F != u.Type {
			t.Fatalf("fixture unit %d: payload type %d does not match declared %d", i, u.Data[0]&0x1F, u.Type)
		}
		if i%2 == 0 {
			buf.Write([]byte{0x00, 0x00, 0x00, 0x01})
		} else {
			buf.Write([]byte{0x00, 0x00, 0x01})
		}
		buf.Write(u.Data)
	}
	return buf.Bytes()
}

func unit(nalType uint8, tail ...byte) types.NALUnit {
	data := append([]byte{0x60 | nalType}, tail...)
	return types.NALUnit{Type: nalType, Data: data}
}

func TestSplitUnitsMixedStartCodes(t *testing.T) {
	want := []types.NALUnit{
		unit(types.NALTypeSPS, 0x64, 0x00, 0x28),
		unit(types.NALTypePPS, 0xCE),
		unit(types.NALTypeIDR, 0x11, 0x22, 0x33),
		unit(types.NALTypeSlice, 0x44),
		unit(types.NALTypeSlice, 0x55, 0x66),
	}
	buf := annexB(t, want...)

	got := SplitUnits(buf)
	if len(got) != len(want) {
		t.Fatalf("got %d units, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Type != want[i].Type {
			t.Errorf("unit %d: type %d, want %d", i, got[i].Type, want[i].Type)
		}
		if !bytes.Equal(got[i].Data, want[i].Data) {
			t.Errorf("unit %d: payload %x, want %x", i, got[i].Data, want[i].Data)
		}
	}
}

func TestSplitUnitsLeadingGarbage(t *testing.T) {
	buf := append([]byte{0xDE, 0xAD, 0xBE}, annexB(t, unit(types.NALTypeIDR, 0x01))...)
	got := SplitUnits(buf)
	if len(got) != 1 {
		t.Fatalf("got %d units, want 1", len(got))
	}
	if got[0].Type != types.NALTypeIDR {
		t.Errorf("type = %d, want %d", got[0].Type, types.NALTypeIDR)
	}
}

func TestSplitUnitsEmpty(t *testing.T) {
	if got := SplitUnits(nil); got != nil {
		t.Fatalf("nil buffer: got %v", got)
	}
	if got := SplitUnits([]byte{0x00, 0x00}); got != nil {
		t.Fatalf("short buffer: got %v", got)
	}
}

func TestUnitType(t *testing.T) {
	cases := []struct {
		data []byte
		want uint8
	}{
		{[]byte{0x00, 0x00, 0x00, 0x01, 0x65, 0xAA}, types.NALTypeIDR},
		{[]byte{0x00, 0x00, 0x01, 0x67, 0xAA}, types.NALTypeSPS},
		{[]byte{0x68, 0xAA}, types.NALTypePPS},
		{nil, 0},
	}
	for i, c := range cases {
		if got := UnitType(c.data); got != c.want {
			t.Errorf("case %d: got %d, want %d", i, got, c.want)
		}
	}
}

func TestStreamScannerSplitReads(t *testing.T) {
	stream := annexB(t,
		unit(types.NALTypeSPS, 0x64, 0x00, 0x28, 0xAC),
		unit(types.NALTypePPS, 0xCE, 0x38, 0x80),
		unit(types.NALTypeIDR, 0x88, 0x84, 0x00),
		unit(types.NALTypeSlice, 0x9A),
	)
	// A trailing start code closes the final slice unit; streaming input
	// never "ends".
	stream = append(stream, 0x00, 0x00, 0x00, 0x01)

	cfg := NewCodecConfig()
	s := NewStreamScanner(cfg)

	var got []types.NALUnit
	// Feed one byte at a time to exercise every split point, including
	// reads that land inside a start code.
	for _, b := range stream {
		got = append(got, s.Feed([]byte{b})...)
	}

	if len(got) != 4 {
		t.Fatalf("got %d units, want 4", len(got))
	}
	wantTypes := []uint8{types.NALTypeSPS, types.NALTypePPS, types.NALTypeIDR, types.NALTypeSlice}
	for i, w := range wantTypes {
		if got[i].Type != w {
			t.Errorf("unit %d: type %d, want %d", i, got[i].Type, w)
		}
		if startCodeLen(got[i].Data) == 0 {
			t.Errorf("unit %d: emitted without start code: %x", i, got[i].Data)
		}
	}

	sps, pps, ok := cfg.Snapshot()
	if !ok {
		t.Fatal("codec config not populated from stream")
	}
	if sps[0]&0x1F != types.NALTypeSPS {
		t.Errorf("cached SPS starts with %#x, want an SPS header byte", sps[0])
	}
	if pps[0]&0x1F != types.NALTypePPS {
		t.Errorf("cached PPS starts with %#x, want a PPS header byte", pps[0])
	}
	if startCodeLen(sps) != 0 || startCodeLen(pps) != 0 {
		t.Error("cached parameter sets must be stored without start codes")
	}
}

func TestStreamScannerOversizeFlush(t *testing.T) {
	s := NewStreamScanner(nil)

	head := []byte{0x00, 0x00, 0x00, 0x01, 0x65}
	if got := s.Feed(head); len(got) != 0 {
		t.Fatalf("unit emitted before boundary known: %d", len(got))
	}

	// Grow past the cap without ever providing a next start code.
	filler := bytes.Repeat([]byte{0xAB}, MaxUnitSize)
	got := s.Feed(filler)
	if len(got) != 1 {
		t.Fatalf("got %d units after overflow, want 1 flushed unit", len(got))
	}
	if len(got[0].Data) != len(head)+len(filler) {
		t.Errorf("flushed unit size %d, want %d", len(got[0].Data), len(head)+len(filler))
	}

	// Scanner must resync on the next start code after a flush.
	rest := annexB(t, unit(types.NALTypeSlice, 0x01))
	rest = append(rest, 0x00, 0x00, 0x01)
	got = s.Feed(rest)
	if len(got) != 1 || got[0].Type != types.NALTypeSlice {
		t.Fatalf("scanner did not resync after flush: %v", got)
	}
}

func TestStreamScannerFourByteBoundary(t *testing.T) {
	// Two units with 4-byte codes: the scanner must not mistake the
	// second code's embedded 00 00 01 for a boundary one byte late.
	stream := []byte{
		0x00, 0x00, 0x00, 0x01, 0x61, 0xAA, 0xBB,
		0x00, 0x00, 0x00, 0x01, 0x61, 0xCC,
		0x00, 0x00, 0x00, 0x01,
	}
	s := NewStreamScanner(nil)
	got := s.Feed(stream)
	if len(got) != 2 {
		t.Fatalf("got %d units, want 2", len(got))
	}
	if !bytes.Equal(got[0].Data, stream[:7]) {
		t.Errorf("first unit %x, want %x", got[0].Data, stream[:7])
	}
	if !bytes.Equal(got[1].Data, stream[7:13]) {
		t.Errorf("second unit %x, want %x", got[1].Data, stream[7:13])
	}
}

func TestCodecConfigSnapshotIsolation(t *testing.T) {
	cfg := NewCodecConfig()
	cfg.SetSPS([]byte{0x67, 0x01})
	cfg.SetPPS([]byte{0x68, 0x02})

	sps, _, ok := cfg.Snapshot()
	if !ok {
		t.Fatal("expected populated snapshot")
	}
	sps[0] = 0xFF

	again, _, _ := cfg.Snapshot()
	if again[0] != 0x67 {
		t.Error("snapshot must return copies, not shared slices")
	}
}
