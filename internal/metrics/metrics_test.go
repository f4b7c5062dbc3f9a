package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStatsEndpointServesCounters(t *testing.T) {
	m := New()
	m.UnitsScanned.Add(7)
	m.FLVClients.Add(2)
	m.ReportsPublished.Add(1)

	srv := httptest.NewServer(m.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/stats")
	if err != nil {
		t.Fatalf("GET /api/stats: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var stats map[string]uint64
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats["units_scanned"] != 7 {
		t.Errorf("units_scanned = %d, want 7", stats["units_scanned"])
	}
	if stats["flv_clients"] != 2 {
		t.Errorf("flv_clients = %d, want 2", stats["flv_clients"])
	}
	if stats["reports_published"] != 1 {
		t.Errorf("reports_published = %d, want 1", stats["reports_published"])
	}
}

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(New().Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok\n" {
		t.Errorf("body = %q", body)
	}
}

func TestPrometheusExposition(t *testing.T) {
	m := New()
	m.TagsMuxed.Add(3)
	m.RecordingActive.Store(1)

	srv := httptest.NewServer(m.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	text := string(body)
	for _, want := range []string{
		"bridge_tags_muxed_total 3",
		"bridge_recording_active 1",
		"bridge_flv_clients 0",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestRecorderBufferPercentage(t *testing.T) {
	m := New()
	m.UpdateRecorderBuffer(30, 60)
	if got := m.RecorderBufferUsage.Load(); got != 50 {
		t.Errorf("buffer usage = %d, want 50", got)
	}
	m.UpdateRecorderBuffer(0, 0) // capacity 0 must not divide
	if got := m.RecorderBufferUsage.Load(); got != 50 {
		t.Errorf("buffer usage after zero-capacity update = %d, want unchanged 50", got)
	}
}
