package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// DefaultTimeout bounds connect, read and write of every backend call.
const DefaultTimeout = 15 * time.Second

const maxErrorBody = 4 << 10

// TransportError means the backend could not be reached or did not answer in time.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("%s: transport: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is a non-2xx backend answer.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: bad status %d: %s", e.Op, e.StatusCode, e.Body)
}

// ScanRequest is the body of POST /scan-email.
type ScanRequest struct {
	MessageID    string   `json:"message_id"`
	Source       string   `json:"source"`
	Subject      string   `json:"subject"`
	Date         string   `json:"date,omitempty"`
	BodyPlain    string   `json:"body_plain,omitempty"`
	BodyHTML     string   `json:"body_html,omitempty"`
	DetectedURLs []string `json:"detected_urls"`
}

// LogDetails is the stored detection record returned by the scan endpoint.
type LogDetails struct {
	ID         string `json:"_id"`
	IsPhishing bool   `json:"is_phishing"`
	Severity   string `json:"severity"`
	Source     string `json:"source"`
	Subject    string `json:"subject"`
	Preview    string `json:"preview,omitempty"`
	BodyPlain  string `json:"body_plain,omitempty"`
	BodyHTML   string `json:"body_html,omitempty"`
}

// ScanResponse is the 2xx answer of the scan endpoint.
type ScanResponse struct {
	LogDetails *LogDetails     `json:"log_details,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
}

// HasError reports whether the backend answer carried an error key, even a null one.
func (r *ScanResponse) HasError() bool {
	return len(r.Error) > 0
}

// Client talks to the SwiftShield backend: token refresh and message scanning.
type Client struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// NewClient creates a backend client. baseURL must not end with a slash.
func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		DisableKeepAlives:     true,
	}

	cbSettings := gobreaker.Settings{
		Name:        "scan-email",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}

	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout, Transport: transport},
		cb:      gobreaker.NewCircuitBreaker(cbSettings),
		log:     log,
	}
}

// Refresh exchanges the refresh token for a new access token.
// Any non-2xx answer or a response missing either field is an error.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (string, int64, error) {
	const op = "refresh token"

	status, body, err := c.post(ctx, op, "/google/refresh-token", map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return "", 0, err
	}
	if status < 200 || status > 299 {
		return "", 0, &StatusError{Op: op, StatusCode: status, Body: truncate(body)}
	}

	var result struct {
		AccessToken       string `json:"access_token"`
		ExpiryTimestampMs int64  `json:"expiry_timestamp_ms"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", 0, fmt.Errorf("%s: decode response: %w", op, err)
	}
	if result.AccessToken == "" || result.ExpiryTimestampMs <= 0 {
		return "", 0, fmt.Errorf("%s: response missing access_token or expiry_timestamp_ms", op)
	}
	return result.AccessToken, result.ExpiryTimestampMs, nil
}

type rawResponse struct {
	status int
	body   []byte
}

// ScanEmail submits one decoded message. Transport failures and an open breaker
// come back as *TransportError; non-2xx answers as *StatusError.
func (c *Client) ScanEmail(ctx context.Context, req ScanRequest) (*ScanResponse, error) {
	const op = "scan email"

	if req.DetectedURLs == nil {
		req.DetectedURLs = []string{}
	}

	out, err := c.cb.Execute(func() (interface{}, error) {
		status, body, err := c.post(ctx, op, "/scan-email", req)
		if err != nil {
			return nil, err
		}
		// only unreachable or timing-out backends count against the breaker
		return &rawResponse{status: status, body: body}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &TransportError{Op: op, Err: err}
		}
		return nil, err
	}

	raw := out.(*rawResponse)
	if raw.status < 200 || raw.status > 299 {
		return nil, &StatusError{Op: op, StatusCode: raw.status, Body: truncate(raw.body)}
	}

	var resp ScanResponse
	if err := json.Unmarshal(raw.body, &resp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", op, err)
	}
	if len(resp.Error) == 0 {
		var keys map[string]json.RawMessage
		if err := json.Unmarshal(raw.body, &keys); err == nil {
			if _, ok := keys["error"]; ok {
				resp.Error = json.RawMessage("null")
			}
		}
	}
	return &resp, nil
}

// BreakerState exposes the scan breaker state for status reporting.
func (c *Client) BreakerState() string {
	return c.cb.State().String()
}

func (c *Client) post(ctx context.Context, op, path string, payload any) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: encode request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Close = true

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &TransportError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}

	c.log.Debug().Str("op", op).Int("status", resp.StatusCode).Dur("took", time.Since(start)).Msg("backend call")
	return resp.StatusCode, body, nil
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}
