//go:build e2e

package e2e

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
)

// fakeWaka is a minimal stand-in for the WakaTime-compatible backend,
// configurable per scenario: a fixed response status, an optional
// Retry-After header, and a counter of requests seen so far.
type fakeWaka struct {
	mu         sync.Mutex
	srv        *httptest.Server
	status     int
	body       string
	retryAfter string
	requests   []recordedRequest
	onRequest  func(r *http.Request) (status int, body string)
}

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

func newFakeWaka(t *testing.T) *fakeWaka {
	t.Helper()
	f := &fakeWaka{status: http.StatusAccepted, body: `{"data":{}}`}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeWaka) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	buf, _ := io.ReadAll(r.Body)
	f.requests = append(f.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Body: string(buf)})

	// The sync engine HEAD-probes connectivity before every batch send.
	// Unless a scenario overrides the probe explicitly via onRequest, let
	// it succeed so a scripted failure status applies to the actual
	// heartbeat submission rather than being masked as "offline".
	if r.Method == http.MethodHead && f.onRequest == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	status, body := f.status, f.body
	if f.onRequest != nil {
		status, body = f.onRequest(r)
	}
	if f.retryAfter != "" {
		w.Header().Set("Retry-After", f.retryAfter)
	}
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

func (f *fakeWaka) setResponse(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status, f.body = status, body
}

func (f *fakeWaka) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeWaka) baseURL() string {
	return f.srv.URL + "/api/v1/"
}

// chronovaCLI wraps the chronova binary, isolating each test's config
// file and queue database under its own temp directory.
type chronovaCLI struct {
	bin        string
	home       string
	configPath string
}

func newChronovaCLI(t *testing.T, apiURL, apiKey string) *chronovaCLI {
	t.Helper()
	requireChronova(t)

	home := t.TempDir()
	configPath := filepath.Join(home, "chronova.cfg")
	contents := fmt.Sprintf("[settings]\napi_key = %s\napi_url = %s\n", apiKey, apiURL)
	if err := os.WriteFile(configPath, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	return &chronovaCLI{bin: chronovaBin, home: home, configPath: configPath}
}

func (c *chronovaCLI) run(t *testing.T, args ...string) (string, int) {
	t.Helper()
	fullArgs := append([]string{"--config", c.configPath}, args...)
	cmd := exec.Command(c.bin, fullArgs...)
	cmd.Env = append(os.Environ(), "CHRONOVA_CONFIG="+c.configPath, "HOME="+c.home)
	out, err := cmd.CombinedOutput()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			t.Fatalf("run chronova: %v\noutput: %s", err, out)
		}
	}
	return string(out), exitCode
}

func (c *chronovaCLI) heartbeat(t *testing.T, entity string, extra ...string) (string, int) {
	t.Helper()
	args := append([]string{"--entity", entity, "--output", "json"}, extra...)
	return c.run(t, args...)
}

func (c *chronovaCLI) queueStats(t *testing.T) map[string]any {
	t.Helper()
	out, code := c.run(t, "queue", "stats", "--json")
	if code != 0 {
		t.Fatalf("queue stats failed with code %d: %s", code, out)
	}
	var stats map[string]any
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("parse queue stats: %v\nraw: %s", err, out)
	}
	return stats
}

func (c *chronovaCLI) queueList(t *testing.T) []map[string]any {
	t.Helper()
	out, code := c.run(t, "queue", "list", "--json", "--limit", "1000")
	if code != 0 {
		t.Fatalf("queue list failed with code %d: %s", code, out)
	}
	var entries []map[string]any
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("parse queue list: %v\nraw: %s", err, out)
	}
	return entries
}
