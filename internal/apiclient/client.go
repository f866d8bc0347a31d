// Package apiclient speaks the remote heartbeat-ingestion HTTP protocol:
// single and batch submission, a lightweight connectivity probe, and
// today-summary reads. It normalizes auth schemes and response shapes
// into a small error taxonomy.
package apiclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nx-solutions-ug/chronova-cli/internal/types"
	"github.com/rs/xid"
	"github.com/tidwall/gjson"
)

// AuthScheme selects how the API key is attached to each request.
type AuthScheme string

const (
	AuthBearer AuthScheme = "bearer"
	AuthBasic  AuthScheme = "basic"
	AuthHeader AuthScheme = "header"
)

// DefaultBaseURL is the canonical default API base, resolving the
// distilled spec's ambiguity in favor of the WakaTime-compatible
// endpoint; an operator-configured api_url always overrides it.
const DefaultBaseURL = "https://api.wakatime.com/api/v1/"

const defaultTimeout = 30 * time.Second

// Client is a stateless, thread-safe HTTP client for the remote service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	scheme     AuthScheme
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the default 30s request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithAuthScheme overrides the scheme inferred from the key's prefix.
func WithAuthScheme(scheme AuthScheme) Option {
	return func(c *Client) { c.scheme = scheme }
}

// WithHTTPClient overrides the underlying *http.Client, primarily for
// tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New builds a Client for baseURL using apiKey. The auth scheme defaults
// to Basic when the key is prefixed waka_ or sk_, Bearer otherwise;
// WithAuthScheme overrides this inference.
func New(baseURL, apiKey string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
		scheme:     inferScheme(apiKey),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func inferScheme(apiKey string) AuthScheme {
	if strings.HasPrefix(apiKey, "waka_") || strings.HasPrefix(apiKey, "sk_") {
		return AuthBasic
	}
	return AuthBearer
}

func (c *Client) setAuth(req *http.Request) {
	switch c.scheme {
	case AuthBasic:
		token := base64.StdEncoding.EncodeToString([]byte(c.apiKey + ":"))
		req.Header.Set("Authorization", "Basic "+token)
	case AuthHeader:
		req.Header.Set("X-Api-Key", c.apiKey)
	default:
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	url := c.baseURL + strings.TrimPrefix(path, "/")

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	c.setAuth(req)
	req.Header.Set("X-Request-Id", xid.New().String())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// classify turns a completed HTTP round trip (or its transport error)
// into the client's error taxonomy. resp is nil when err is non-nil.
func classify(resp *http.Response, err error) error {
	if err != nil {
		return &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return classifyStatus(resp.StatusCode, resp.Header, body)
}

// classifyStatus turns a status code, its headers, and an already-read
// body into the client's error taxonomy. Returns nil for 2xx.
func classifyStatus(status int, header http.Header, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		retryAfter := 0
		if h := header.Get("Retry-After"); h != "" {
			if v, err := strconv.Atoi(h); err == nil {
				retryAfter = v
			}
		}
		return &RateLimitError{RetryAfter: retryAfter}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Status: status}
	case status >= 500:
		return &NetworkError{Err: fmt.Errorf("server error: status %d", status)}
	default:
		return &APIError{Status: status, Msg: string(body)}
	}
}

// SendHeartbeat submits a single heartbeat.
func (c *Client) SendHeartbeat(ctx context.Context, hb types.Heartbeat) error {
	payload, err := json.Marshal(hb)
	if err != nil {
		return &APIError{Status: 0, Msg: fmt.Sprintf("marshal heartbeat: %v", err)}
	}

	req, err := c.newRequest(ctx, http.MethodPost, "users/current/heartbeats", payload)
	if err != nil {
		return &NetworkError{Err: err}
	}

	resp, err := c.httpClient.Do(req)
	return classify(resp, err)
}

// SendHeartbeatsBatch submits a batch of heartbeats via the bulk variant
// of the heartbeats endpoint. The remote's per-entry result shape is not
// strictly typed across deployments, so the response is read with gjson
// rather than a rigid struct.
func (c *Client) SendHeartbeatsBatch(ctx context.Context, heartbeats []types.Heartbeat) (*types.BatchResult, error) {
	payload, err := json.Marshal(heartbeats)
	if err != nil {
		return nil, &APIError{Status: 0, Msg: fmt.Sprintf("marshal heartbeats: %v", err)}
	}

	req, err := c.newRequest(ctx, http.MethodPost, "users/current/heartbeats.bulk", payload)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed {
		return nil, ErrBatchUnsupported
	}

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, &NetworkError{Err: readErr}
	}

	if aggErr := classifyStatus(resp.StatusCode, resp.Header, body); aggErr != nil {
		return nil, aggErr
	}

	return parseBatchResponse(heartbeats, body), nil
}

// parseBatchResponse extracts per-entry results from a batch response
// using gjson paths results.#.id / results.#.status, falling back to
// "all entries take the aggregate accepted status" when no results array
// is present.
func parseBatchResponse(submitted []types.Heartbeat, body []byte) *types.BatchResult {
	results := gjson.GetBytes(body, "results")
	if !results.Exists() || !results.IsArray() {
		out := make([]types.EntryResult, len(submitted))
		for i, hb := range submitted {
			out[i] = types.EntryResult{ID: hb.ID, Outcome: types.OutcomeAccepted}
		}
		return &types.BatchResult{Results: out}
	}

	out := make([]types.EntryResult, 0, len(submitted))
	results.ForEach(func(_, entry gjson.Result) bool {
		id := entry.Get("id").String()
		status := strings.ToLower(entry.Get("status").String())
		reason := entry.Get("error").String()

		outcome := types.OutcomeAccepted
		switch status {
		case "rejected_retryable", "retryable", "5xx":
			outcome = types.OutcomeRejectedRetryable
		case "rejected", "rejected_permanent", "invalid", "4xx":
			outcome = types.OutcomeRejectedPermanent
		}

		out = append(out, types.EntryResult{ID: id, Outcome: outcome, Reason: reason})
		return true
	})

	return &types.BatchResult{Results: out}
}

// CheckConnectivity probes the service root with HEAD, falling back to
// GET on 405. Never returns an error; false covers every failure mode.
func (c *Client) CheckConnectivity(ctx context.Context) bool {
	req, err := c.newRequest(ctx, http.MethodHead, "", nil)
	if err != nil {
		return false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed {
		req, err = c.newRequest(ctx, http.MethodGet, "", nil)
		if err != nil {
			return false
		}
		resp, err = c.httpClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
	}

	return resp.StatusCode >= 200 && resp.StatusCode < 400
}

// TodayStats is the parsed response of GetTodayStats.
type TodayStats struct {
	TotalSeconds  float64
	HumanReadable string
}

// GetTodayStats reads the aggregate time-tracked-today summary.
func (c *Client) GetTodayStats(ctx context.Context) (*TodayStats, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "users/current/statusbar/today", nil)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classify(resp, nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	return &TodayStats{
		TotalSeconds:  gjson.GetBytes(body, "data.grand_total.total_seconds").Float(),
		HumanReadable: gjson.GetBytes(body, "data.grand_total.text").String(),
	}, nil
}

// GetTodayStatusbar is an alias reporting surface reusing the same
// endpoint and parsing as GetTodayStats, kept distinct at the API
// boundary to match the two CLI surfaces that consume it (--today vs the
// editor-plugin status bar contract).
func (c *Client) GetTodayStatusbar(ctx context.Context) (*TodayStats, error) {
	return c.GetTodayStats(ctx)
}
