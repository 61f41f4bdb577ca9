package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPTransport calls a broker gateway over JSON/HTTP:
// POST {endpoint}/v1/brokers/{broker}/{operation}.
type HTTPTransport struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates a transport for the gateway at endpoint.
func NewHTTPTransport(endpoint, apiKey string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTransport{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Invoke makes a single gateway call.
func (t *HTTPTransport) Invoke(ctx context.Context, call Call, resp *Envelope) error {
	fail := func(status int, msg string, err error) *Error {
		return &Error{Broker: call.Broker, Op: call.Op, StatusCode: status, Message: msg, Err: err}
	}

	jsonData, err := json.Marshal(call.Body)
	if err != nil {
		return fail(0, "", fmt.Errorf("marshal request: %w", err))
	}

	url := fmt.Sprintf("%s/v1/brokers/%s/%s", t.endpoint, call.Broker, call.Op)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fail(0, "", fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("X-Api-Key", t.apiKey)
	}
	if call.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+call.AccessToken)
	}

	httpResp, err := t.httpClient.Do(req)
	if err != nil {
		return fail(0, "", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return fail(httpResp.StatusCode, "", fmt.Errorf("read response: %w", err))
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		be := fail(httpResp.StatusCode, http.StatusText(httpResp.StatusCode), nil)
		var env Envelope
		if json.Unmarshal(body, &env) == nil {
			if env.Message != "" {
				be.Message = env.Message
			}
			be.Code = env.Code
			be.AuthURL = env.AuthURL
		}
		be.RetryAfter = parseRetryAfter(httpResp.Header.Get("Retry-After"), time.Now())
		return be
	}

	if err := json.Unmarshal(body, resp); err != nil {
		return fail(httpResp.StatusCode, "", fmt.Errorf("parse response: %w", err))
	}
	return nil
}

// Close releases idle connections.
func (t *HTTPTransport) Close() error {
	t.httpClient.CloseIdleConnections()
	return nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
