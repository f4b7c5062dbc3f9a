// Package flv builds and reads the FLV container framing used on the
// H.264 client path. Only the video subset of the format is implemented;
// the bridge never carries audio.
package flv

// Tag types
const (
	TagTypeAudio  = 8
	TagTypeVideo  = 9
	TagTypeScript = 18
)

// Video tag first-byte values (frame type nibble + codec id 7 = AVC)
const (
	FrameKeyAVC   = 0x17
	FrameInterAVC = 0x27
)

// AVCPacketType values
const (
	AVCSeqHeader = 0x00
	AVCNALU      = 0x01
	AVCEndOfSeq  = 0x02
)

const (
	headerSize    = 9
	tagHeaderSize = 11
)

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
