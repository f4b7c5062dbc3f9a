package rpcetx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// CallTimeout bounds each phase of a one-shot exchange.
const CallTimeout = 5 * time.Second

// Call dials addr, sends a single request and waits for one complete
// reply. Used by the control CLI to poke the firmware's RPC port
// without keeping a session open.
func Call(ctx context.Context, addr string, req any) (json.RawMessage, error) {
	frame, err := Encode(req)
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: CallTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rpcetx: dial %s: %w", addr, err)
	}
	defer nc.Close()

	nc.SetDeadline(time.Now().Add(CallTimeout))
	if _, err := nc.Write(frame); err != nil {
		return nil, fmt.Errorf("rpcetx: write: %w", err)
	}

	var buf []byte
	chunk := make([]byte, 4096)
	for {
		if i := bytes.IndexByte(buf, ETX); i >= 0 {
			return json.RawMessage(buf[:i]), nil
		}
		n, err := nc.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("rpcetx: read: %w", err)
		}
	}
}
