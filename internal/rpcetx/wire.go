// Package rpcetx implements the firmware's local JSON-RPC framing:
// each message is a JSON object terminated by a single ASCII ETX byte.
// There is no length prefix; the terminator is the only boundary.
package rpcetx

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ETX terminates every message on the wire.
const ETX = 0x03

// Encode marshals v as compact JSON followed by the terminator.
func Encode(v any) ([]byte, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpcetx: encode: %w", err)
	}
	return append(buf, ETX), nil
}

// EncodeIndent marshals v as tab-indented JSON followed by the
// terminator. The firmware's own daemon pretty-prints its replies, so
// impersonated replies must too.
func EncodeIndent(v any) ([]byte, error) {
	buf, err := json.MarshalIndent(v, "", "\t")
	if err != nil {
		return nil, fmt.Errorf("rpcetx: encode: %w", err)
	}
	return append(buf, ETX), nil
}

// ExtractAround recovers the message containing needle from a possibly
// fragmented stream buffer: it searches backwards from the match for
// the previous terminator (or buffer start) and forwards for the next
// one. ok is false when needle is absent or its message is not yet
// complete. end is the buffer offset just past the message terminator,
// for the caller to discard consumed bytes.
func ExtractAround(buf []byte, needle string) (msg []byte, end int, ok bool) {
	idx := bytes.Index(buf, []byte(needle))
	if idx < 0 {
		return nil, 0, false
	}
	start := bytes.LastIndexByte(buf[:idx], ETX) + 1
	stop := bytes.IndexByte(buf[idx:], ETX)
	if stop < 0 {
		return nil, 0, false
	}
	stop += idx
	return buf[start:stop], stop + 1, true
}

// Request is the firmware's command message shape.
type Request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// DecodeRequest parses one extracted message.
func DecodeRequest(msg []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(msg, &req); err != nil {
		return nil, fmt.Errorf("rpcetx: decode request: %w", err)
	}
	return &req, nil
}
