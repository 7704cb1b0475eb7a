// Package apiclient speaks the remote WakaTime-compatible HTTP protocol.
//
// The Client is stateless and safe for concurrent use: every method builds
// its own request from the receiver's configuration and returns a
// classified error rather than a bare one, so the Sync Engine never has
// to re-interpret a status code itself.
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

	"github.com/chronova/chronova-cli/internal/errors"
	"github.com/chronova/chronova-cli/internal/heartbeat"
)

// AuthScheme selects how the API key is attached to outbound requests.
type AuthScheme string

const (
	AuthBearer AuthScheme = "bearer"
	AuthBasic  AuthScheme = "basic"
	AuthHeader AuthScheme = "header"
)

// DetectAuthScheme picks Basic for WakaTime-style keys (waka_ or sk_
// prefixed) and Bearer otherwise, matching the remote's default
// expectation. Callers may override via configuration.
func DetectAuthScheme(apiKey string) AuthScheme {
	if strings.HasPrefix(apiKey, "waka_") || strings.HasPrefix(apiKey, "sk_") {
		return AuthBasic
	}
	return AuthBearer
}

const requestTimeout = 30 * time.Second

// Client talks to the remote activity-tracking service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	authScheme AuthScheme
}

// New creates a Client. baseURL is used as-is apart from trimming a
// trailing slash; authScheme is auto-detected from apiKey unless scheme
// is non-empty.
func New(baseURL, apiKey string, scheme AuthScheme) *Client {
	if scheme == "" {
		scheme = DetectAuthScheme(apiKey)
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		authScheme: scheme,
	}
}

func (c *Client) authHeader() (name, value string) {
	switch c.authScheme {
	case AuthBasic:
		return "Authorization", "Basic " + base64.StdEncoding.EncodeToString([]byte(c.apiKey+":"))
	case AuthHeader:
		return "X-Api-Key", c.apiKey
	default:
		return "Authorization", "Bearer " + c.apiKey
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	url := c.baseURL + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errors.Wrap(errors.Network, "failed to build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	name, value := c.authHeader()
	req.Header.Set(name, value)
	return req, nil
}

// userAgentFrom returns the first non-nil UserAgent among hs, or "".
func userAgentFrom(hs ...heartbeat.Heartbeat) string {
	for _, h := range hs {
		if h.UserAgent != nil {
			return *h.UserAgent
		}
	}
	return ""
}

// SendHeartbeat submits a single heartbeat. A 201 or 202 response is
// success; anything else is classified per the error taxonomy.
func (c *Client) SendHeartbeat(ctx context.Context, h heartbeat.Heartbeat) error {
	body, err := json.Marshal(h)
	if err != nil {
		return errors.Wrap(errors.Api, "failed to marshal heartbeat", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/users/current/heartbeats", body)
	if err != nil {
		return err
	}
	if ua := userAgentFrom(h); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(errors.Network, "heartbeat request failed", err)
	}
	defer resp.Body.Close()

	return classifyStatus(resp)
}

// EntryResult is the outcome of one submitted heartbeat within a batch.
type EntryResult struct {
	ID     string
	Status EntryStatus
	Reason string
}

// EntryStatus classifies a single entry's outcome within a BatchResult.
type EntryStatus string

const (
	Accepted          EntryStatus = "accepted"
	RejectedPermanent EntryStatus = "rejected_permanent"
	RejectedRetryable EntryStatus = "rejected_retryable"
)

// BatchResult is the per-entry outcome of a batch submission, plus the
// whole-batch error if the remote rejected the request outright (in
// which case Entries is empty and the caller should treat every
// submitted id the same way, per the error's classification).
type BatchResult struct {
	Entries []EntryResult
	Err     error
}

type bulkResponseEnvelope struct {
	Responses []struct {
		Data  *bulkResponseItem `json:"data"`
		Error *string           `json:"error"`
		Status int              `json:"status"`
	} `json:"responses"`
}

type bulkResponseItem struct {
	ID string `json:"id"`
}

// SendHeartbeatsBatch submits a batch of heartbeats in a single POST. If
// the remote returns per-entry results, they are mapped 1:1 onto the
// submitted ids by position (the remote is expected to preserve
// request order); otherwise every id receives the aggregate result.
func (c *Client) SendHeartbeatsBatch(ctx context.Context, hs []heartbeat.Heartbeat) BatchResult {
	if len(hs) == 0 {
		return BatchResult{}
	}

	body, err := json.Marshal(hs)
	if err != nil {
		return BatchResult{Err: errors.Wrap(errors.Api, "failed to marshal heartbeat batch", err)}
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/users/current/heartbeats", body)
	if err != nil {
		return BatchResult{Err: err}
	}
	if ua := userAgentFrom(hs...); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return BatchResult{Err: errors.Wrap(errors.Network, "batch heartbeat request failed", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed {
		return BatchResult{Err: errors.New(errors.Api, "remote does not support batch heartbeat submission")}
	}

	if err := classifyStatus(resp); err != nil {
		return BatchResult{Err: err}
	}

	var envelope bulkResponseEnvelope
	data, _ := io.ReadAll(resp.Body)
	if len(data) == 0 || json.Unmarshal(data, &envelope) != nil || len(envelope.Responses) != len(hs) {
		results := make([]EntryResult, len(hs))
		for i, h := range hs {
			results[i] = EntryResult{ID: h.ID, Status: Accepted}
		}
		return BatchResult{Entries: results}
	}

	results := make([]EntryResult, len(hs))
	for i, h := range hs {
		item := envelope.Responses[i]
		switch {
		case item.Status >= 200 && item.Status < 300:
			results[i] = EntryResult{ID: h.ID, Status: Accepted}
		case item.Status == http.StatusTooManyRequests || item.Status >= 500:
			results[i] = EntryResult{ID: h.ID, Status: RejectedRetryable, Reason: derefOr(item.Error, "")}
		default:
			results[i] = EntryResult{ID: h.ID, Status: RejectedPermanent, Reason: derefOr(item.Error, "")}
		}
	}
	return BatchResult{Entries: results}
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

// CheckConnectivity issues a lightweight GET to the service root. Any
// 2xx or 3xx response is treated as connectivity; network errors are
// connectivity failures, never a returned error.
func (c *Client) CheckConnectivity(ctx context.Context) bool {
	req, err := c.newRequest(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400
}

// TodayStats is the subset of the today-summary response the agent
// surfaces via --today.
type TodayStats struct {
	TotalSeconds       float64 `json:"total_seconds"`
	HumanReadableTotal string  `json:"human_readable_total"`
}

type statsEnvelope struct {
	Data TodayStats `json:"data"`
}

// GetTodayStats reads the day's aggregate stats.
func (c *Client) GetTodayStats(ctx context.Context) (TodayStats, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/users/current/stats/today", nil)
	if err != nil {
		return TodayStats{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TodayStats{}, errors.Wrap(errors.Network, "today stats request failed", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return TodayStats{}, err
	}

	var envelope statsEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return TodayStats{}, errors.Wrap(errors.Api, "failed to decode today stats response", err)
	}
	return envelope.Data, nil
}

// StatusbarResult is the flattened form of the statusbar-today response.
type StatusbarResult struct {
	Text string `json:"text"`
}

type statusbarFullEnvelope struct {
	Data struct {
		GrandTotal struct {
			Text string `json:"text"`
		} `json:"grand_total"`
	} `json:"data"`
}

// GetTodayStatusbar reads the day's status-bar summary text, accepting
// either the flat {"text": ...} shape or the nested
// {"data": {"grand_total": {"text": ...}}} shape the remote may use.
func (c *Client) GetTodayStatusbar(ctx context.Context) (StatusbarResult, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/users/current/statusbar/today", nil)
	if err != nil {
		return StatusbarResult{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return StatusbarResult{}, errors.Wrap(errors.Network, "statusbar request failed", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return StatusbarResult{}, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return StatusbarResult{}, errors.Wrap(errors.Api, "failed to read statusbar response", err)
	}

	var flat StatusbarResult
	if json.Unmarshal(data, &flat) == nil && flat.Text != "" {
		return flat, nil
	}

	var full statusbarFullEnvelope
	if err := json.Unmarshal(data, &full); err != nil {
		return StatusbarResult{}, errors.Wrap(errors.Api, "failed to decode statusbar response", err)
	}
	return StatusbarResult{Text: full.Data.GrandTotal.Text}, nil
}

// classifyStatus maps an HTTP response's status code onto the shared
// error taxonomy. A nil return means 2xx success.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		body, _ := io.ReadAll(resp.Body)
		return errors.Wrap(errors.Auth, fmt.Sprintf("authentication failed: %s", strings.TrimSpace(string(body))), nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return errors.WrapRateLimit("rate limited by remote", retryAfter)
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(resp.Body)
		return errors.Wrap(errors.Network, fmt.Sprintf("remote server error %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	default:
		body, _ := io.ReadAll(resp.Body)
		return errors.Wrap(errors.Api, fmt.Sprintf("remote rejected request with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}
}

// parseRetryAfter accepts the numeric-seconds form of Retry-After; the
// HTTP-date form is not used by the remote and is treated as absent.
func parseRetryAfter(header string) *time.Duration {
	if header == "" {
		return nil
	}
	secs, err := strconv.Atoi(header)
	if err != nil {
		return nil
	}
	d := time.Duration(secs) * time.Second
	return &d
}
