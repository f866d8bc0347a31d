//go:build e2e

package e2e

import (
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// TestE2E_HappyPath records a heartbeat against a reachable backend and
// expects it to be accepted and synced immediately, leaving nothing
// queued.
func TestE2E_HappyPath(t *testing.T) {
	waka := newFakeWaka(t)
	waka.setResponse(http.StatusAccepted, `{"data":{}}`)
	cli := newChronovaCLI(t, waka.baseURL(), "waka_e2e_test_key")

	out, code := cli.heartbeat(t, "/tmp/project/main.go")
	if code != 0 {
		t.Fatalf("heartbeat failed: code=%d output=%s", code, out)
	}

	stats := cli.queueStats(t)
	if total, _ := stats["total"].(float64); total != 0 {
		t.Errorf("expected an empty queue after a successful sync, got stats=%+v", stats)
	}
}

// TestE2E_OfflineThenRecover records a heartbeat while the backend is
// unreachable, confirms it stays queued, then brings the backend up and
// runs a manual sync to confirm it drains.
func TestE2E_OfflineThenRecover(t *testing.T) {
	waka := newFakeWaka(t)
	cli := newChronovaCLI(t, waka.baseURL(), "waka_e2e_test_key")

	// Close the server before recording to simulate no connectivity.
	waka.srv.Close()

	out, code := cli.heartbeat(t, "/tmp/project/offline.go")
	if code != 0 {
		t.Fatalf("heartbeat failed while offline: code=%d output=%s", code, out)
	}

	stats := cli.queueStats(t)
	if pending, _ := stats["pending"].(float64); pending != 1 {
		t.Fatalf("expected 1 pending entry while offline, got stats=%+v", stats)
	}

	waka2 := newFakeWaka(t)
	waka2.setResponse(http.StatusAccepted, `{"data":{}}`)
	cli2 := &chronovaCLI{bin: cli.bin, home: cli.home, configPath: cli.configPath}
	rewriteAPIURL(t, cli2.configPath, waka2.baseURL())

	out, code = cli2.run(t, "--sync-offline-activity", "10")
	if code != 0 {
		t.Fatalf("manual sync failed: code=%d output=%s", code, out)
	}

	stats = cli2.queueStats(t)
	if total, _ := stats["total"].(float64); total != 0 {
		t.Errorf("expected queue drained after recovery, got stats=%+v", stats)
	}
}

// TestE2E_RateLimited confirms a 429 with Retry-After is honored (the
// pass sleeps out the window) and a subsequent pass, once the backend
// recovers, delivers every queued entry with none reaching
// PermanentFailure.
func TestE2E_RateLimited(t *testing.T) {
	offline := newFakeWaka(t)
	cli := newChronovaCLI(t, offline.baseURL(), "waka_e2e_test_key")
	offline.srv.Close()

	cli.heartbeat(t, "/tmp/project/a.go", "--time", "1700000001")
	cli.heartbeat(t, "/tmp/project/b.go", "--time", "1700000002")
	cli.heartbeat(t, "/tmp/project/c.go", "--time", "1700000003")

	var posts int32
	waka := newFakeWaka(t)
	waka.retryAfter = "2"
	waka.onRequest = func(r *http.Request) (int, string) {
		if r.Method != http.MethodPost {
			return http.StatusOK, ""
		}
		if atomic.AddInt32(&posts, 1) == 1 {
			return http.StatusTooManyRequests, `{"error":"rate limited"}`
		}
		return http.StatusCreated, `{"data":{}}`
	}
	rewriteAPIURL(t, cli.configPath, waka.baseURL())

	start := time.Now()
	out, code := cli.run(t, "--sync-offline-activity", "10")
	if code != 0 {
		t.Fatalf("first sync pass failed: code=%d output=%s", code, out)
	}
	out, code = cli.run(t, "--sync-offline-activity", "10")
	if code != 0 {
		t.Fatalf("second sync pass failed: code=%d output=%s", code, out)
	}
	elapsed := time.Since(start)

	if elapsed < 2*time.Second {
		t.Errorf("expected the rate-limit pass to honor Retry-After (>=2s), elapsed=%s", elapsed)
	}

	stats := cli.queueStats(t)
	if total, _ := stats["total"].(float64); total != 0 {
		t.Errorf("expected all three entries delivered once the rate limit clears, got stats=%+v", stats)
	}
	if permanent, _ := stats["permanent_failure"].(float64); permanent != 0 {
		t.Errorf("rate limiting must never produce a permanent failure, got stats=%+v", stats)
	}
}

// TestE2E_AuthFailure confirms an explicit --sync-offline-activity run
// against a backend rejecting the API key fails loudly: a non-zero exit,
// a stderr message naming the cause, and the queued entries kept in the
// queue as Failed with their retry counts unchanged, for the operator to
// fix credentials and retry.
func TestE2E_AuthFailure(t *testing.T) {
	offline := newFakeWaka(t)
	cli := newChronovaCLI(t, offline.baseURL(), "waka_bad_key")
	offline.srv.Close()

	cli.heartbeat(t, "/tmp/project/one.go")
	cli.heartbeat(t, "/tmp/project/two.go")

	statsBefore := cli.queueStats(t)
	if pending, _ := statsBefore["pending"].(float64); pending != 2 {
		t.Fatalf("expected 2 pending entries queued while offline, got stats=%+v", statsBefore)
	}

	waka := newFakeWaka(t)
	waka.setResponse(http.StatusUnauthorized, `{"error":"invalid api key"}`)
	rewriteAPIURL(t, cli.configPath, waka.baseURL())

	const wantExitAPIError = 102 // cmd/chronova's exitAPIError
	out, code := cli.run(t, "--sync-offline-activity", "10")
	if code != wantExitAPIError {
		t.Fatalf("expected exit %d for an auth failure, got %d, output=%s", wantExitAPIError, code, out)
	}
	if !strings.Contains(strings.ToLower(out), "auth") {
		t.Errorf("expected stderr to mention the auth failure, got output=%s", out)
	}

	statsAfter := cli.queueStats(t)
	if pending, _ := statsAfter["pending"].(float64); pending != 0 {
		t.Errorf("expected both entries to have moved out of pending, got stats=%+v", statsAfter)
	}
	if failed, _ := statsAfter["failed"].(float64); failed != 2 {
		t.Errorf("expected both entries in failed (not permanent) after an auth error, got stats=%+v", statsAfter)
	}

	entries := cli.queueList(t)
	for _, e := range entries {
		if retries, _ := e["RetryCount"].(float64); retries != 0 {
			t.Errorf("auth failures must not consume a retry attempt, got entry=%+v", e)
		}
	}
}

// TestE2E_MaxRetriesReachedPermanentFailure drives repeated manual syncs
// against a backend that always returns a retryable error. The default
// retry policy allows 5 attempts, so the entry must still be Failed
// after 4 passes and transition to PermanentFailure exactly on the 5th.
func TestE2E_MaxRetriesReachedPermanentFailure(t *testing.T) {
	offline := newFakeWaka(t)
	cli := newChronovaCLI(t, offline.baseURL(), "waka_e2e_test_key")
	offline.srv.Close()

	cli.heartbeat(t, "/tmp/project/flaky.go")
	countBefore, _ := cli.queueStats(t)["pending"].(float64)
	if countBefore != 1 {
		t.Fatalf("expected 1 pending entry queued while offline, got %v", countBefore)
	}

	waka := newFakeWaka(t)
	waka.setResponse(http.StatusInternalServerError, `{"error":"boom"}`)
	rewriteAPIURL(t, cli.configPath, waka.baseURL())

	for i := 1; i <= 4; i++ {
		cli.run(t, "--sync-offline-activity", "10")
		stats := cli.queueStats(t)
		if permanent, _ := stats["permanent_failure"].(float64); permanent != 0 {
			t.Fatalf("expected no permanent failure before pass 5, got permanent=%v after pass %d", permanent, i)
		}
	}

	cli.run(t, "--sync-offline-activity", "10")

	stats := cli.queueStats(t)
	if permanent, _ := stats["permanent_failure"].(float64); permanent != 1 {
		t.Errorf("expected the entry to reach permanent failure on pass 5, got stats=%+v", stats)
	}
}

// TestE2E_Deduplication records the same logical heartbeat twice (same
// entity, explicit identical timestamp) and confirms queue dedupe
// collapses them to one entry.
func TestE2E_Deduplication(t *testing.T) {
	waka := newFakeWaka(t)
	waka.srv.Close() // keep both heartbeats queued rather than synced away
	cli := newChronovaCLI(t, waka.baseURL(), "waka_e2e_test_key")

	ts := "1700000000.123456"
	cli.heartbeat(t, "/tmp/project/dup.go", "--time", ts)
	cli.heartbeat(t, "/tmp/project/dup.go", "--time", ts)

	statsBefore := cli.queueStats(t)
	if total, _ := statsBefore["total"].(float64); total != 2 {
		t.Fatalf("expected 2 queued entries before dedupe, got stats=%+v", statsBefore)
	}

	out, code := cli.run(t, "queue", "dedupe", "--json")
	if code != 0 {
		t.Fatalf("queue dedupe failed: code=%d output=%s", code, out)
	}

	statsAfter := cli.queueStats(t)
	if total, _ := statsAfter["total"].(float64); total != 1 {
		t.Errorf("expected 1 queued entry after dedupe, got stats=%+v", statsAfter)
	}
}

// TestE2E_RateLimitedWithoutRetryAfterStillBacksOff confirms a 429 with no
// Retry-After header does not get treated as an instant retry: the pass
// still honors the configured retry base delay before the entry is
// redelivered.
func TestE2E_RateLimitedWithoutRetryAfterStillBacksOff(t *testing.T) {
	offline := newFakeWaka(t)
	cli := newChronovaCLI(t, offline.baseURL(), "waka_e2e_test_key")
	offline.srv.Close()

	cli.heartbeat(t, "/tmp/project/a.go", "--time", "1700000001")

	out, code := cli.run(t, "--config-write", "sync.retry_base_delay_seconds=2")
	if code != 0 {
		t.Fatalf("config-write failed: code=%d output=%s", code, out)
	}

	var posts int32
	waka := newFakeWaka(t)
	waka.onRequest = func(r *http.Request) (int, string) {
		if r.Method != http.MethodPost {
			return http.StatusOK, ""
		}
		if atomic.AddInt32(&posts, 1) == 1 {
			return http.StatusTooManyRequests, `{"error":"rate limited"}`
		}
		return http.StatusCreated, `{"data":{}}`
	}
	rewriteAPIURL(t, cli.configPath, waka.baseURL())

	start := time.Now()
	out, code = cli.run(t, "--sync-offline-activity", "10")
	if code != 0 {
		t.Fatalf("first sync pass failed: code=%d output=%s", code, out)
	}
	elapsed := time.Since(start)

	if elapsed < 2*time.Second {
		t.Errorf("expected a rate limit with no Retry-After to still back off by base_delay (>=2s), elapsed=%s", elapsed)
	}

	out, code = cli.run(t, "--sync-offline-activity", "10")
	if code != 0 {
		t.Fatalf("second sync pass failed: code=%d output=%s", code, out)
	}

	stats := cli.queueStats(t)
	if total, _ := stats["total"].(float64); total != 0 {
		t.Errorf("expected the entry delivered once the backoff clears, got stats=%+v", stats)
	}
	if permanent, _ := stats["permanent_failure"].(float64); permanent != 0 {
		t.Errorf("rate limiting must never produce a permanent failure, got stats=%+v", stats)
	}
}

func rewriteAPIURL(t *testing.T, configPath, apiURL string) {
	t.Helper()
	// Manual sync re-reads config each invocation; --config-write updates
	// api_url in place so the existing api_key and temp dirs are reused.
	cli := &chronovaCLI{bin: chronovaBin, configPath: configPath}
	out, code := cli.run(t, "--config-write", "settings.api_url="+apiURL)
	if code != 0 {
		t.Fatalf("rewrite api_url failed: code=%d output=%s", code, out)
	}
}
