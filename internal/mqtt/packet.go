// Package mqtt implements the minimal MQTT 3.1.1 client framing the
// cloud responder needs: CONNECT/SUBSCRIBE/PUBLISH plus the keepalive
// and acknowledgement packets, hand-encoded so the byte layout matches
// the printer vendor's broker expectations exactly.
package mqtt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Packet type nibbles (fixed header, high 4 bits).
const (
	TypeConnect    = 0x1
	TypeConnack    = 0x2
	TypePublish    = 0x3
	TypePuback     = 0x4
	TypeSubscribe  = 0x8
	TypeSuback     = 0x9
	TypePingreq    = 0xC
	TypePingresp   = 0xD
	TypeDisconnect = 0xE
)

// ErrMalformed reports a frame that cannot be valid MQTT, as opposed
// to one that is merely incomplete.
var ErrMalformed = errors.New("mqtt: malformed packet")

// appendVarint appends the remaining-length encoding of n: 7 bits per
// byte, least significant group first, 0x80 marking continuation.
func appendVarint(dst []byte, n int) []byte {
	for {
		b := byte(n % 128)
		n /= 128
		if n > 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if n == 0 {
			return dst
		}
	}
}

// decodeVarint decodes a remaining-length value. consumed is 0 when
// more bytes are needed; ErrMalformed is returned after 4 continuation
// bytes without termination.
func decodeVarint(data []byte) (value, consumed int, err error) {
	mult := 1
	for i := 0; i < len(data); i++ {
		if i >= 4 {
			return 0, 0, ErrMalformed
		}
		value += int(data[i]&0x7F) * mult
		if data[i]&0x80 == 0 {
			return value, i + 1, nil
		}
		mult *= 128
	}
	if len(data) >= 4 {
		return 0, 0, ErrMalformed
	}
	return 0, 0, nil
}

// appendString appends a 2-byte big-endian length prefix and the
// string bytes.
func appendString(dst []byte, s string) []byte {
	dst = append(dst, byte(len(s)>>8), byte(len(s)))
	return append(dst, s...)
}

// EncodeConnect builds a CONNECT frame with clean session, username
// and password flags set.
func EncodeConnect(clientID, username, password string, keepalive uint16) []byte {
	var body []byte
	body = appendString(body, "MQTT")
	body = append(body, 0x04)       // protocol level 4 = 3.1.1
	body = append(body, 0xC2)       // username + password + clean session
	body = append(body, byte(keepalive>>8), byte(keepalive))
	body = appendString(body, clientID)
	body = appendString(body, username)
	body = appendString(body, password)

	frame := appendVarint([]byte{TypeConnect << 4}, len(body))
	return append(frame, body...)
}

// EncodeSubscribe builds a SUBSCRIBE frame for one or more topics at a
// single QoS level.
func EncodeSubscribe(packetID uint16, qos byte, topics ...string) []byte {
	body := []byte{byte(packetID >> 8), byte(packetID)}
	for _, t := range topics {
		body = appendString(body, t)
		body = append(body, qos)
	}

	// Subscribe requires flag bits 0010 in the fixed header.
	frame := appendVarint([]byte{TypeSubscribe<<4 | 0x02}, len(body))
	return append(frame, body...)
}

// EncodePublish builds a PUBLISH frame. The packet id is included only
// when qos > 0, per the 3.1.1 layout.
func EncodePublish(topic string, payload []byte, qos byte, packetID uint16) []byte {
	var body []byte
	body = appendString(body, topic)
	if qos > 0 {
		body = append(body, byte(packetID>>8), byte(packetID))
	}
	body = append(body, payload...)

	frame := appendVarint([]byte{TypePublish<<4 | qos<<1}, len(body))
	return append(frame, body...)
}

// EncodePuback builds the acknowledgement for a received QoS 1 publish.
func EncodePuback(packetID uint16) []byte {
	return []byte{TypePuback << 4, 0x02, byte(packetID >> 8), byte(packetID)}
}

func EncodePingreq() []byte {
	return []byte{TypePingreq << 4, 0x00}
}

func EncodeDisconnect() []byte {
	return []byte{TypeDisconnect << 4, 0x00}
}

// IsConnackOK reports whether buf starts with a successful CONNACK:
// at least 4 bytes, type byte 0x20, return code 0.
func IsConnackOK(buf []byte) bool {
	return len(buf) >= 4 && buf[0] == TypeConnack<<4 && buf[3] == 0x00
}

// Packet is one decoded frame: the type nibble, the fixed-header flag
// bits, and the undecoded body (variable header plus payload).
type Packet struct {
	Type  byte
	Flags byte
	Body  []byte
}

// QoS extracts the quality-of-service level from the flag bits of a
// PUBLISH packet.
func (p *Packet) QoS() byte {
	return (p.Flags >> 1) & 0x03
}

// DecodePacket decodes the first complete frame in buf, returning the
// number of bytes consumed. A nil packet with consumed 0 and nil error
// means buf holds only a partial frame and more bytes are needed.
func DecodePacket(buf []byte) (*Packet, int, error) {
	if len(buf) < 2 {
		return nil, 0, nil
	}
	length, n, err := decodeVarint(buf[1:])
	if err != nil {
		return nil, 0, err
	}
	if n == 0 {
		return nil, 0, nil
	}
	total := 1 + n + length
	if len(buf) < total {
		return nil, 0, nil
	}
	body := make([]byte, length)
	copy(body, buf[1+n:total])
	return &Packet{Type: buf[0] >> 4, Flags: buf[0] & 0x0F, Body: body}, total, nil
}

// Publish holds the decoded fields of a PUBLISH packet body.
type Publish struct {
	Topic    string
	PacketID uint16
	QoS      byte
	Payload  []byte
}

// ParsePublish decodes a PUBLISH packet body.
func ParsePublish(p *Packet) (*Publish, error) {
	if p.Type != TypePublish {
		return nil, fmt.Errorf("mqtt: parse publish: packet type %d", p.Type)
	}
	if len(p.Body) < 2 {
		return nil, ErrMalformed
	}
	topicLen := int(binary.BigEndian.Uint16(p.Body))
	pos := 2 + topicLen
	if len(p.Body) < pos {
		return nil, ErrMalformed
	}
	pub := &Publish{Topic: string(p.Body[2:pos]), QoS: p.QoS()}
	if pub.QoS > 0 {
		if len(p.Body) < pos+2 {
			return nil, ErrMalformed
		}
		pub.PacketID = binary.BigEndian.Uint16(p.Body[pos:])
		pos += 2
	}
	pub.Payload = p.Body[pos:]
	return pub, nil
}

// ParsePuback decodes the packet id from a PUBACK body.
func ParsePuback(p *Packet) (uint16, error) {
	if p.Type != TypePuback || len(p.Body) < 2 {
		return 0, ErrMalformed
	}
	return binary.BigEndian.Uint16(p.Body), nil
}
