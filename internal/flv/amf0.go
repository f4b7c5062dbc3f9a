package flv

import (
	"bytes"
	"encoding/binary"
	"math"
)

// Minimal AMF0 encoding, just enough for the onMetaData script tag.

const (
	amfNumber    = 0x00
	amfString    = 0x02
	amfEcmaArray = 0x08
)

func amfWriteString(buf *bytes.Buffer, s string) {
	buf.WriteByte(amfString)
	amfWritePropertyName(buf, s)
}

func amfWritePropertyName(buf *bytes.Buffer, s string) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	buf.Write(l[:])
	buf.WriteString(s)
}

func amfWriteNumberProperty(buf *bytes.Buffer, name string, v float64) {
	amfWritePropertyName(buf, name)
	buf.WriteByte(amfNumber)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], math.Float64bits(v))
	buf.Write(n[:])
}

func amfWriteStringProperty(buf *bytes.Buffer, name, v string) {
	amfWritePropertyName(buf, name)
	amfWriteString(buf, v)
}

func amfWriteEcmaArrayHeader(buf *bytes.Buffer, count uint32) {
	buf.WriteByte(amfEcmaArray)
	var c [4]byte
	binary.BigEndian.PutUint32(c[:], count)
	buf.Write(c[:])
}

func amfWriteObjectEnd(buf *bytes.Buffer) {
	buf.Write([]byte{0x00, 0x00, 0x09})
}
