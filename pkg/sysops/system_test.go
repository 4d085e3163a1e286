package sysops

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestInspectorEffectiveUID(t *testing.T) {
	if uid := NewInspector().EffectiveUID(); uid < 0 {
		t.Errorf("EffectiveUID() = %d", uid)
	}
}

func TestInspectorFreeDiskBytes(t *testing.T) {
	free, err := NewInspector().FreeDiskBytes(t.TempDir())
	if err != nil {
		t.Fatalf("FreeDiskBytes() error: %v", err)
	}
	if free == 0 {
		t.Error("FreeDiskBytes() = 0 on a writable filesystem")
	}
}

func TestInspectorFreeDiskBytesMissingPath(t *testing.T) {
	if _, err := NewInspector().FreeDiskBytes("/definitely/not/a/path"); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestInspectorFileDescriptorLimit(t *testing.T) {
	lim, err := NewInspector().FileDescriptorLimit()
	if err != nil {
		t.Fatalf("FileDescriptorLimit() error: %v", err)
	}
	if lim == 0 {
		t.Error("FileDescriptorLimit() = 0")
	}
}

func TestInspectorKernelVersion(t *testing.T) {
	v, err := NewInspector().KernelVersion()
	if err != nil {
		t.Fatalf("KernelVersion() error: %v", err)
	}
	if v == "" {
		t.Error("KernelVersion() is empty")
	}
}

func TestUnixString(t *testing.T) {
	b := make([]byte, 8)
	copy(b, "6.1.0")
	if got := unixString(b); got != "6.1.0" {
		t.Errorf("unixString() = %q, want 6.1.0", got)
	}
	if got := unixString([]byte("full")); got != "full" {
		t.Errorf("unixString() = %q, want full", got)
	}
}

func TestSystemdManagerIsActive(t *testing.T) {
	tests := []struct {
		stdout     string
		wantActive bool
		wantState  string
	}{
		{"active\n", true, "active"},
		{"inactive\n", false, "inactive"},
		{"failed\n", false, "failed"},
		{"", false, "unknown"},
	}

	for _, tt := range tests {
		f := &fakeRunner{stdout: map[string]string{"systemctl": tt.stdout}}
		active, state, err := NewSystemdManager(f).IsActive(context.Background(), "ssh.service")
		if err != nil {
			t.Fatalf("IsActive() error: %v", err)
		}
		if active != tt.wantActive || state != tt.wantState {
			t.Errorf("IsActive(%q) = (%v, %q), want (%v, %q)", tt.stdout, active, state, tt.wantActive, tt.wantState)
		}
	}
}

func TestNetResolverLocalhost(t *testing.T) {
	addrs, err := NewNetResolver(5*time.Second).LookupHost(context.Background(), "localhost")
	if err != nil {
		t.Fatalf("LookupHost(localhost) error: %v", err)
	}
	if len(addrs) == 0 {
		t.Error("localhost resolved to no addresses")
	}
}

func TestHTTPSChecker(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	c := NewHTTPSChecker(5 * time.Second)
	c.client = ts.Client()

	host := strings.TrimPrefix(ts.URL, "https://")
	if err := c.CheckHTTPS(context.Background(), host); err != nil {
		t.Errorf("CheckHTTPS() error: %v", err)
	}
}

func TestHTTPSCheckerErrorStatusStillReachable(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer ts.Close()

	c := NewHTTPSChecker(5 * time.Second)
	c.client = ts.Client()

	host := strings.TrimPrefix(ts.URL, "https://")
	if err := c.CheckHTTPS(context.Background(), host); err != nil {
		t.Errorf("CheckHTTPS() error on HTTP 403: %v", err)
	}
}

func TestHTTPSCheckerUnreachable(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	host := strings.TrimPrefix(ts.URL, "https://")
	ts.Close()

	c := NewHTTPSChecker(2 * time.Second)
	c.client = &http.Client{Timeout: 2 * time.Second, Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}}

	if err := c.CheckHTTPS(context.Background(), host); err == nil {
		t.Error("expected error for closed server")
	}
}
