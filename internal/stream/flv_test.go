package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/camforge/gkcam-bridge/internal/config"
	"github.com/camforge/gkcam-bridge/internal/h264"
	"github.com/camforge/gkcam-bridge/internal/metrics"
	"github.com/camforge/gkcam-bridge/internal/ring"
)

var (
	testSPS = []byte{0x67, 0x64, 0x00, 0x28, 0xAC, 0xD9}
	testPPS = []byte{0x68, 0xEB, 0xE3, 0xCB}
)

type testDeps struct {
	frames *ring.LatestCell
	units  *ring.UnitLog
	codec  *h264.CodecConfig
	met    *metrics.Metrics
}

func newTestServer(t *testing.T) (*Server, *testDeps) {
	t.Helper()
	cfg := config.Default()
	cfg.Video = config.VideoConfig{Width: 320, Height: 240, FPS: 25}
	d := &testDeps{
		frames: ring.NewLatestCell(),
		units:  ring.NewUnitLog(100),
		codec:  h264.NewCodecConfig(),
		met:    metrics.New(),
	}
	return NewServer(cfg, d.frames, d.units, d.codec, d.met), d
}

func annexb(units ...[]byte) []byte {
	var b []byte
	for _, u := range units {
		b = append(b, 0x00, 0x00, 0x00, 0x01)
		b = append(b, u...)
	}
	return b
}

func idrUnit(size int) []byte {
	u := make([]byte, size)
	u[0] = 0x65
	for i := 1; i < size; i++ {
		u[i] = 0xAA
	}
	return u
}

func pUnit(seed byte) []byte {
	return []byte{0x41, seed, 0x11, 0x22}
}

type flvTag struct {
	typ     byte
	ts      uint32
	payload []byte
}

func readTag(t *testing.T, r io.Reader) flvTag {
	t.Helper()
	head := make([]byte, 11)
	if _, err := io.ReadFull(r, head); err != nil {
		t.Fatalf("tag header: %v", err)
	}
	size := uint32(head[1])<<16 | uint32(head[2])<<8 | uint32(head[3])
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		t.Fatalf("tag payload: %v", err)
	}
	trailer := make([]byte, 4)
	if _, err := io.ReadFull(r, trailer); err != nil {
		t.Fatalf("tag trailer: %v", err)
	}
	if got := binary.BigEndian.Uint32(trailer); got != 11+size {
		t.Fatalf("PreviousTagSize = %d, want %d", got, 11+size)
	}
	ts := uint32(head[4])<<16 | uint32(head[5])<<8 | uint32(head[6]) | uint32(head[7])<<24
	return flvTag{typ: head[0], ts: ts, payload: payload}
}

func walkTags(t *testing.T, b []byte) []flvTag {
	t.Helper()
	r := bytes.NewReader(b)
	var tags []flvTag
	for r.Len() > 0 {
		tags = append(tags, readTag(t, r))
	}
	return tags
}

// checkStreamHeader asserts the 13-byte FLV preamble and returns the rest.
func checkStreamHeader(t *testing.T, b []byte) []byte {
	t.Helper()
	want := []byte{'F', 'L', 'V', 0x01, 0x01, 0x00, 0x00, 0x00, 0x09, 0x00, 0x00, 0x00, 0x00}
	if len(b) < len(want) || !bytes.Equal(b[:len(want)], want) {
		t.Fatalf("stream header = % X", b[:min(len(b), 13)])
	}
	return b[len(want):]
}

type captureWriter struct {
	ch chan []byte
}

func (w *captureWriter) WriteTags(p []byte) error {
	buf := append([]byte(nil), p...)
	w.ch <- buf
	return nil
}

func recvTags(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for tags")
		return nil
	}
}

func expectNoTags(t *testing.T, ch <-chan []byte, wait time.Duration) {
	t.Helper()
	select {
	case b := <-ch:
		t.Fatalf("got %d bytes while keyframe gate should hold", len(b))
	case <-time.After(wait):
	}
}

func TestFLVSessionKeyframeGate(t *testing.T) {
	srv, d := newTestServer(t)
	cw := &captureWriter{ch: make(chan []byte, 16)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		srv.runFLVSession(ctx, cw)
		close(done)
	}()

	head := checkStreamHeader(t, recvTags(t, cw.ch))
	headTags := walkTags(t, head)
	if len(headTags) != 1 || headTags[0].typ != 18 {
		t.Fatalf("unseeded session head = %d tags, want only onMetaData", len(headTags))
	}

	d.units.Append(annexb(pUnit(1)))
	d.units.Append(annexb(pUnit(2)))
	expectNoTags(t, cw.ch, 150*time.Millisecond)

	d.units.Append(annexb(testSPS, testPPS, idrUnit(50)))
	tags := walkTags(t, recvTags(t, cw.ch))
	if len(tags) != 2 {
		t.Fatalf("keyframe batch = %d tags, want 2 (config + video)", len(tags))
	}
	if tags[0].typ != 9 || tags[0].payload[0] != 0x17 || tags[0].payload[1] != 0x00 {
		t.Errorf("first tag is not an AVC sequence header: % X", tags[0].payload[:2])
	}
	if tags[1].typ != 9 || tags[1].payload[0] != 0x17 || tags[1].payload[1] != 0x01 {
		t.Errorf("second tag is not a keyframe NALU tag: % X", tags[1].payload[:2])
	}

	d.units.Append(annexb(pUnit(3)))
	tags = walkTags(t, recvTags(t, cw.ch))
	if len(tags) != 1 {
		t.Fatalf("post-gate batch = %d tags, want 1", len(tags))
	}
	if tags[0].payload[0] != 0x27 {
		t.Errorf("P-frame tag type byte = %#x, want 0x27", tags[0].payload[0])
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not stop on cancel")
	}
}

func TestFLVSessionSeededLateJoin(t *testing.T) {
	srv, d := newTestServer(t)
	d.codec.SetSPS(testSPS)
	d.codec.SetPPS(testPPS)

	cw := &captureWriter{ch: make(chan []byte, 16)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.runFLVSession(ctx, cw)

	head := checkStreamHeader(t, recvTags(t, cw.ch))
	headTags := walkTags(t, head)
	if len(headTags) != 2 {
		t.Fatalf("seeded session head = %d tags, want metadata + config", len(headTags))
	}
	if headTags[0].typ != 18 {
		t.Errorf("first head tag type = %d, want script data", headTags[0].typ)
	}
	if headTags[1].typ != 9 || headTags[1].payload[1] != 0x00 {
		t.Fatalf("config tag not sent before any video tag")
	}

	d.units.Append(annexb(idrUnit(20)))
	tags := walkTags(t, recvTags(t, cw.ch))
	if len(tags) != 1 || tags[0].payload[0] != 0x17 || tags[0].payload[1] != 0x01 {
		t.Fatalf("expected a single keyframe video tag, got %d tags", len(tags))
	}
}

func TestFLVOverTCPEndToEnd(t *testing.T) {
	srv, d := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ServeFLV(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	fmt.Fprintf(conn, "GET /flv HTTP/1.1\r\nHost: printer\r\n\r\n")

	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("status line: %v", err)
	}
	if !strings.HasPrefix(statusLine, "HTTP/1.1 200 OK") {
		t.Fatalf("status line = %q", statusLine)
	}
	headers := map[string]string{}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("headers: %v", err)
		}
		if line == "\r\n" {
			break
		}
		k, v, _ := strings.Cut(strings.TrimRight(line, "\r\n"), ": ")
		headers[k] = v
	}
	if headers["Content-Type"] != "text/plain" {
		t.Errorf("Content-Type = %q", headers["Content-Type"])
	}
	if headers["Content-Length"] != "99999999999" {
		t.Errorf("Content-Length = %q", headers["Content-Length"])
	}
	if headers["Access-Control-Allow-Origin"] != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", headers["Access-Control-Allow-Origin"])
	}

	if got := srv.FLVClientCount(); got != 1 {
		t.Errorf("client count = %d after connect, want 1", got)
	}

	streamHead := make([]byte, 13)
	if _, err := io.ReadFull(br, streamHead); err != nil {
		t.Fatalf("stream header: %v", err)
	}
	checkStreamHeader(t, streamHead)

	meta := readTag(t, br)
	if meta.typ != 18 {
		t.Fatalf("first tag type = %d, want script data", meta.typ)
	}

	// The first P-frame must be swallowed by the keyframe gate, so the
	// next bytes on the wire are the config tag from the SPS+PPS+IDR
	// buffer.
	d.units.Append(annexb(pUnit(1)))
	d.units.Append(annexb(testSPS, testPPS, idrUnit(50)))
	d.units.Append(annexb(pUnit(2)))

	cfgTag := readTag(t, br)
	if cfgTag.typ != 9 || cfgTag.payload[0] != 0x17 || cfgTag.payload[1] != 0x00 {
		t.Fatalf("expected AVC sequence header, got type %d payload % X", cfgTag.typ, cfgTag.payload[:2])
	}
	if cfgTag.ts != 0 {
		t.Errorf("config tag timestamp = %d, want 0", cfgTag.ts)
	}

	keyTag := readTag(t, br)
	if keyTag.payload[0] != 0x17 || keyTag.payload[1] != 0x01 {
		t.Fatalf("expected keyframe NALU tag, got % X", keyTag.payload[:2])
	}
	if want := 5 + 4 + 50; len(keyTag.payload) != want {
		t.Fatalf("keyframe tag payload = %d bytes, want %d", len(keyTag.payload), want)
	}
	if got := binary.BigEndian.Uint32(keyTag.payload[5:9]); got != 50 {
		t.Errorf("NALU length prefix = %d, want 50", got)
	}
	if keyTag.payload[9] != 0x65 {
		t.Errorf("NALU first byte = %#x, want 0x65", keyTag.payload[9])
	}

	pTag := readTag(t, br)
	if pTag.payload[0] != 0x27 {
		t.Errorf("P tag type byte = %#x, want 0x27", pTag.payload[0])
	}
	if pTag.ts != 40 {
		t.Errorf("second video tag timestamp = %d, want 40 at 25fps", pTag.ts)
	}

	// A session with nothing left to send only notices shutdown, not a
	// closed peer, so drive the detach through cancellation.
	cancel()
	waitForCount(t, srv, 0)
}

func TestFLVRejectsUnknownPath(t *testing.T) {
	srv, _ := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ServeFLV(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second))

	fmt.Fprintf(conn, "GET /nope HTTP/1.1\r\n\r\n")
	resp, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(resp), "404 Not Found") {
		t.Errorf("response = %q, want a 404", resp)
	}
	if got := srv.FLVClientCount(); got != 0 {
		t.Errorf("client count = %d after rejected request, want 0", got)
	}
}

func TestWSFLVSession(t *testing.T) {
	srv, d := newTestServer(t)
	d.codec.SetSPS(testSPS)
	d.codec.SetPPS(testPPS)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/flv.ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, head, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("head message: %v", err)
	}
	if got := srv.FLVClientCount(); got != 1 {
		t.Errorf("client count = %d with socket open, want 1", got)
	}
	headTags := walkTags(t, checkStreamHeader(t, head))
	if len(headTags) != 2 || headTags[1].payload[1] != 0x00 {
		t.Fatalf("seeded WS head should carry metadata + config, got %d tags", len(headTags))
	}

	d.units.Append(annexb(idrUnit(30)))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("video message: %v", err)
	}
	tags := walkTags(t, msg)
	if len(tags) != 1 || tags[0].payload[0] != 0x17 {
		t.Fatalf("expected one keyframe tag over WS, got %d tags", len(tags))
	}

	ws.Close()
	waitForCount(t, srv, 0)
}

func TestClientCountEdgeHooks(t *testing.T) {
	srv, _ := newTestServer(t)
	var starts, stops int
	srv.SetHooks(Hooks{
		OnFirstClient: func() { starts++ },
		OnLastClient:  func() { stops++ },
	})

	srv.ClientAttached()
	srv.ClientAttached()
	if starts != 1 {
		t.Fatalf("starts = %d after two attaches, want 1", starts)
	}
	srv.ClientDetached()
	if stops != 0 {
		t.Fatalf("stops = %d with one client left, want 0", stops)
	}
	srv.ClientDetached()
	if stops != 1 {
		t.Fatalf("stops = %d after last detach, want 1", stops)
	}
	srv.ClientAttached()
	srv.ClientDetached()
	if starts != 2 || stops != 2 {
		t.Fatalf("edges = %d/%d after reattach cycle, want 2/2", starts, stops)
	}
}

func waitForCount(t *testing.T, srv *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if srv.FLVClientCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client count = %d, want %d", srv.FLVClientCount(), want)
}
