package netprobe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opsante/clinicsync/internal/errors"
)

func healthServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProbeBothReachable(t *testing.T) {
	cloud := healthServer(t, http.StatusOK)
	local := healthServer(t, http.StatusOK)

	p := New(cloud.URL, local.URL, time.Second)
	result := p.Probe(context.Background())

	if !result.CloudReachable {
		t.Error("Expected cloud to be reachable")
	}
	if !result.LocalReachable {
		t.Error("Expected local to be reachable")
	}
	if result.Err != "" {
		t.Errorf("Expected no diagnostic, got %q", result.Err)
	}
}

func TestProbeCloudDown(t *testing.T) {
	cloud := healthServer(t, http.StatusServiceUnavailable)
	local := healthServer(t, http.StatusOK)

	p := New(cloud.URL, local.URL, time.Second)
	result := p.Probe(context.Background())

	if result.CloudReachable {
		t.Error("Expected cloud to be unreachable on 503")
	}
	if !result.LocalReachable {
		t.Error("Expected local to stay reachable")
	}
	if !strings.HasPrefix(result.Err, "cloud:") {
		t.Errorf("Expected a cloud diagnostic, got %q", result.Err)
	}
	if !strings.Contains(result.Err, string(errors.ErrProbeFailed)) {
		t.Errorf("Expected the probe failure code in the diagnostic, got %q", result.Err)
	}
}

func TestProbeConnectionRefused(t *testing.T) {
	// Grab an address that refuses connections
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	p := New(deadURL, "", time.Second)
	result := p.Probe(context.Background())

	if result.CloudReachable {
		t.Error("Expected a refused connection to read as unreachable")
	}
	if result.Err == "" {
		t.Error("Expected a diagnostic for the refused connection")
	}
}

func TestProbeNoLocalTier(t *testing.T) {
	cloud := healthServer(t, http.StatusOK)

	p := New(cloud.URL, "", time.Second)
	result := p.Probe(context.Background())

	if !result.CloudReachable {
		t.Error("Expected cloud to be reachable")
	}
	if result.LocalReachable {
		t.Error("Expected missing local tier to read as unreachable")
	}
}

func TestProbeHonorsTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer slow.Close()

	p := New(slow.URL, "", 100*time.Millisecond)

	start := time.Now()
	result := p.Probe(context.Background())
	elapsed := time.Since(start)

	if result.CloudReachable {
		t.Error("Expected a timed-out probe to read as unreachable")
	}
	if elapsed > time.Second {
		t.Errorf("Probe took %s, expected the timeout to bound it", elapsed)
	}
}

func TestLocalEndpoint(t *testing.T) {
	p := New("https://cloud.example.com/health", "http://192.168.1.5:8080/health", time.Second)
	if p.LocalEndpoint() != "http://192.168.1.5:8080/health" {
		t.Errorf("LocalEndpoint() = %q", p.LocalEndpoint())
	}
}
