// Package vendorcompat holds black-box checks against a running
// bridge. They exercise the surface the slicer and the stock tools
// actually touch: the HTTP feeds, the raw FLV port, and the recorder
// control routes. Every test skips unless a bridge answers at
// BRIDGE_BASE_URL (default http://localhost:8080), so the package is
// inert under plain `go test ./...` and becomes a smoke suite when
// pointed at a live daemon.
package vendorcompat

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

const (
	defaultBaseURL        = "http://localhost:8080"
	defaultFLVAddr        = "localhost:18088"
	defaultStatsURL       = "http://localhost:9091"
	defaultRequestTimeout = 5 * time.Second
)

type bridgeClient struct {
	baseURL string
	client  *http.Client
}

func newBridgeClient(t *testing.T) *bridgeClient {
	t.Helper()
	baseURL := os.Getenv("BRIDGE_BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := &http.Client{Timeout: defaultRequestTimeout}

	// The root route answers 404 immediately; any HTTP response at all
	// means the daemon is up.
	if !isReachable(client, baseURL+"/") {
		t.Skipf("bridge not reachable at %s (set BRIDGE_BASE_URL to run)", baseURL)
	}

	return &bridgeClient{
		baseURL: baseURL,
		client:  client,
	}
}

func flvAddr() string {
	if addr := os.Getenv("BRIDGE_FLV_ADDR"); addr != "" {
		return addr
	}
	return defaultFLVAddr
}

func statsURL() string {
	if url := os.Getenv("BRIDGE_STATS_URL"); url != "" {
		return url
	}
	return defaultStatsURL
}

func isReachable(client *http.Client, url string) bool {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 500
}

func (c *bridgeClient) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

func (c *bridgeClient) getResponse(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func (c *bridgeClient) postJSON(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

// dialFLV performs the firmware handshake on the raw FLV port: request
// line out, HTTP-shaped response head back. It returns the response
// head and a reader positioned at the first stream byte.
func dialFLV(t *testing.T, path string) (string, *bufio.Reader, net.Conn) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", flvAddr(), defaultRequestTimeout)
	if err != nil {
		t.Skipf("flv port not reachable at %s (set BRIDGE_FLV_ADDR to run)", flvAddr())
	}
	conn.SetDeadline(time.Now().Add(defaultRequestTimeout))

	if _, err := fmt.Fprintf(conn, "GET %s HTTP/1.1\r\nHost: %s\r\n\r\n", path, flvAddr()); err != nil {
		conn.Close()
		t.Fatalf("write request: %v", err)
	}

	br := bufio.NewReader(conn)
	var head strings.Builder
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			conn.Close()
			t.Fatalf("read response head: %v", err)
		}
		head.WriteString(line)
		if line == "\r\n" {
			return head.String(), br, conn
		}
	}
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

const jpegMagic = "\xff\xd8"

func assertJPEG(t *testing.T, data []byte, what string) {
	t.Helper()
	if len(data) < 2 || string(data[:2]) != jpegMagic {
		t.Fatalf("%s does not start with JPEG magic (got % x)", what, data[:min(len(data), 4)])
	}
}

func assertFLVHeader(t *testing.T, data []byte) {
	t.Helper()
	if len(data) < 13 {
		t.Fatalf("flv stream head too short: %d bytes", len(data))
	}
	if string(data[:3]) != "FLV" {
		t.Fatalf("flv signature = % x", data[:3])
	}
	if data[3] != 1 {
		t.Fatalf("flv version = %d", data[3])
	}
	if data[4]&0x01 == 0 {
		t.Fatalf("flv flags %#x missing video bit", data[4])
	}
	if prev := be32(data[9:13]); prev != 0 {
		t.Fatalf("PreviousTagSize0 = %d", prev)
	}
}

func be32(p []byte) uint32 {
	return uint32(p[0])<<24 | uint32(p[1])<<16 | uint32(p[2])<<8 | uint32(p[3])
}

func readExactly(t *testing.T, r io.Reader, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("read %d stream bytes: %v", n, err)
	}
	return buf
}
