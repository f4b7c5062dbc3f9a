package vendorcompat

import (
	"io"
	"net/http"
	"os"
	"testing"
)

func TestVendorCompatRecordingLifecycle(t *testing.T) {
	if os.Getenv("BRIDGE_RECORDING") == "" {
		t.Skip("set BRIDGE_RECORDING=1 to enable the recording lifecycle check")
	}
	client := newBridgeClient(t)

	resp, body := client.get(t, "/api/record/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/record/status status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	if payload["recording"] == true {
		t.Skip("bridge is already recording; not interrupting it")
	}

	resp, body = client.postJSON(t, "/api/record/start", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /api/record/start status = %d", resp.StatusCode)
	}
	startPayload := decodeJSONMap(t, body)
	if status := requireString(t, startPayload["status"], "status"); status != "recording" {
		t.Fatalf("start status = %q", status)
	}
	requireString(t, startPayload["file"], "file")
	requireNumber(t, startPayload["started_at"], "started_at")

	resp, body = client.get(t, "/api/record/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/record/status status = %d", resp.StatusCode)
	}
	statusPayload := decodeJSONMap(t, body)
	if statusPayload["recording"] != true {
		t.Fatalf("recording status expected true, got %v", statusPayload["recording"])
	}
	requireNumber(t, statusPayload["units"], "units")
	requireNumber(t, statusPayload["bytes"], "bytes")

	resp, body = client.postJSON(t, "/api/record/stop", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /api/record/stop status = %d", resp.StatusCode)
	}
	stopPayload := decodeJSONMap(t, body)
	if status := requireString(t, stopPayload["status"], "status"); status != "stopped" {
		t.Fatalf("stop status = %q", status)
	}
	requireString(t, stopPayload["file"], "file")
	requireNumber(t, stopPayload["stopped_at"], "stopped_at")
	requireMap(t, stopPayload["stats"], "stats")
}

func TestVendorCompatStatsEndpoint(t *testing.T) {
	newBridgeClient(t)

	client := &http.Client{Timeout: defaultRequestTimeout}
	resp, err := client.Get(statsURL() + "/api/stats")
	if err != nil {
		t.Skipf("stats endpoint not reachable at %s (set BRIDGE_STATS_URL to run)", statsURL())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/stats status = %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stats body: %v", err)
	}
	payload := decodeJSONMap(t, body)
	for _, key := range []string{"units_scanned", "flv_clients", "tags_muxed"} {
		if _, ok := payload[key]; !ok {
			t.Fatalf("stats payload missing %q: %v", key, payload)
		}
	}
}

func TestVendorCompatHealthz(t *testing.T) {
	newBridgeClient(t)

	client := &http.Client{Timeout: defaultRequestTimeout}
	resp, err := client.Get(statsURL() + "/healthz")
	if err != nil {
		t.Skipf("stats endpoint not reachable at %s (set BRIDGE_STATS_URL to run)", statsURL())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /healthz status = %d", resp.StatusCode)
	}
}
