package respond

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"time"

	"github.com/camforge/gkcam-bridge/internal/logger"
	"github.com/camforge/gkcam-bridge/internal/metrics"
	"github.com/camforge/gkcam-bridge/internal/rpcetx"
)

const (
	rpcReconnectDelay = 3 * time.Second
	rpcPollInterval   = 500 * time.Millisecond
	rpcWriteTimeout   = 5 * time.Second

	// rpcRecvBuf caps both the kernel receive buffer and our read
	// size. The firmware floods this port with status traffic we do
	// not care about; a tiny buffer makes the kernel drop the backlog
	// for us instead of letting it pile up.
	rpcRecvBuf = 4096
)

// needle marks the messages worth parsing. Everything else on the
// port is discarded unread.
const needle = `"video_stream_request"`

// streamRequest is the firmware's embedded video command.
type streamRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
}

// streamReply mirrors the camera daemon's reply envelope.
type streamReply struct {
	ID     int    `json:"id"`
	Method string `json:"method"`
	Params struct {
		Eventtime int `json:"eventtime"`
		Status    struct {
			VideoStreamReply struct {
				ID     int64    `json:"id"`
				Method string   `json:"method"`
				Result struct{} `json:"result"`
			} `json:"video_stream_reply"`
		} `json:"status"`
	} `json:"params"`
}

// RPCResponder impersonates the camera daemon on the firmware's local
// JSON-RPC port. The firmware health-checks the daemon by pushing
// video_stream_request messages there; unanswered checks make it
// publish the stop reports that kill the slicer's stream.
type RPCResponder struct {
	addr string
	met  *metrics.Metrics

	reconnectDelay time.Duration
}

func NewRPCResponder(addr string, met *metrics.Metrics) *RPCResponder {
	return &RPCResponder{addr: addr, met: met, reconnectDelay: rpcReconnectDelay}
}

// Run connects and polls until the context ends, reconnecting with a
// fixed delay after any failure.
func (r *RPCResponder) Run(ctx context.Context) {
	for {
		err := r.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warn("RPC", "session failed: %v, reconnecting in %s", err, r.reconnectDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.reconnectDelay):
		}
		r.met.RPCReconnects.Add(1)
	}
}

func (r *RPCResponder) session(ctx context.Context) error {
	d := net.Dialer{Timeout: 10 * time.Second}
	nc, err := d.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return err
	}
	defer nc.Close()

	if tc, ok := nc.(*net.TCPConn); ok {
		tc.SetReadBuffer(rpcRecvBuf)
	}
	logger.Info("RPC", "connected to %s", r.addr)

	// Each read is scanned on its own. Fragments that straddle reads
	// are lost, but the firmware repeats its requests and a partial
	// JSON blob is worthless anyway.
	buf := make([]byte, rpcRecvBuf)
	for {
		if ctx.Err() != nil {
			return nil
		}

		nc.SetReadDeadline(time.Now().Add(rpcPollInterval))
		n, err := nc.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}

		msg, _, ok := rpcetx.ExtractAround(buf[:n], needle)
		if !ok {
			continue
		}
		if err := r.handleMessage(nc, msg); err != nil {
			return err
		}
	}
}

func (r *RPCResponder) handleMessage(nc net.Conn, msg []byte) error {
	req, err := rpcetx.DecodeRequest(msg)
	if err != nil || req.Method != "process_status_update" {
		return nil
	}

	var params struct {
		Status struct {
			VideoStreamRequest *streamRequest `json:"video_stream_request"`
		} `json:"status"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil
	}
	sr := params.Status.VideoStreamRequest
	if sr == nil {
		return nil
	}

	switch sr.Method {
	case "startLanCapture", "stopLanCapture", "openDelayCamera", "SetLed":
	default:
		return nil
	}

	if sr.Method == "SetLed" {
		// The firmware polls SetLed constantly; keep it out of the
		// info log.
		logger.Debug("RPC", "replying to %s (id=%d)", sr.Method, sr.ID)
	} else {
		logger.Info("RPC", "replying to %s (id=%d)", sr.Method, sr.ID)
	}
	return r.sendReply(nc, sr)
}

// sendReply answers a stream request with the daemon's success
// envelope: pretty-printed JSON, ETX-terminated, on the same socket.
func (r *RPCResponder) sendReply(nc net.Conn, sr *streamRequest) error {
	var reply streamReply
	reply.Method = "Video/VideoStreamReply"
	reply.Params.Status.VideoStreamReply.ID = sr.ID
	reply.Params.Status.VideoStreamReply.Method = sr.Method

	frame, err := rpcetx.EncodeIndent(&reply)
	if err != nil {
		return err
	}
	nc.SetWriteDeadline(time.Now().Add(rpcWriteTimeout))
	if _, err := nc.Write(frame); err != nil {
		return err
	}
	r.met.RPCReplies.Add(1)
	return nil
}
