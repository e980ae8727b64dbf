// Package client talks to a stackctl serve endpoint.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/loykin/stackctl"
)

// Client provides HTTP access to a stackctl serve endpoint.
type Client struct {
	baseURL string
	client  *retryablehttp.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	// Timeout bounds one request; an invocation waits out every grace period
	// of the stack, so keep it well above the longest one.
	Timeout time.Duration
	// RetryMax retries connection failures and 502/503/504 answers.
	RetryMax int
	Logger   *slog.Logger
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:  "http://127.0.0.1:7070/api",
		Timeout:  2 * time.Minute,
		RetryMax: 2,
	}
}

// APIError is a non-success answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string { return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message) }

type errorResponse struct {
	Error string `json:"error"`
}

// New creates a client.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = config.RetryMax
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	rc.HTTPClient = &http.Client{Timeout: config.Timeout}
	rc.CheckRetry = checkRetry
	return &Client{baseURL: strings.TrimRight(config.BaseURL, "/"), client: rc, logger: config.Logger}
}

// checkRetry retries transport errors and gateway answers only. A failed
// invocation answers 500 with a result body and must not be replayed.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

func (c *Client) StartAll(ctx context.Context) (stackctl.Result, error) {
	return c.invoke(ctx, "/start-all")
}

func (c *Client) StopAll(ctx context.Context) (stackctl.Result, error) {
	return c.invoke(ctx, "/stop-all")
}

func (c *Client) StartOne(ctx context.Context, name string) (stackctl.Result, error) {
	return c.invoke(ctx, "/services/"+url.PathEscape(name)+"/start")
}

func (c *Client) StopOne(ctx context.Context, name string) (stackctl.Result, error) {
	return c.invoke(ctx, "/services/"+url.PathEscape(name)+"/stop")
}

// Status fetches one fresh snapshot.
func (c *Client) Status(ctx context.Context) (stackctl.Snapshot, error) {
	var snap stackctl.Snapshot
	err := c.getJSON(ctx, "/status", &snap)
	return snap, err
}

// Services lists the descriptors the server's document yields now.
func (c *Client) Services(ctx context.Context) ([]stackctl.Descriptor, error) {
	var descs []stackctl.Descriptor
	err := c.getJSON(ctx, "/services", &descs)
	return descs, err
}

// IsReachable reports whether the server answers its health check.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("server unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// invoke posts to an invocation endpoint. Every answer that carries a result
// body is returned as a Result; a fatal error sets Result.Err to an *APIError.
func (c *Client) invoke(ctx context.Context, path string) (stackctl.Result, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return stackctl.Result{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return stackctl.Result{}, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return stackctl.Result{}, fmt.Errorf("read response: %w", err)
	}
	var res stackctl.Result
	if err := json.Unmarshal(body, &res); err != nil || res.Status == "" {
		return stackctl.Result{}, apiError(resp.StatusCode, body)
	}
	if res.Error != "" {
		res.Err = &APIError{StatusCode: resp.StatusCode, Message: res.Error}
	}
	return res, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return apiError(resp.StatusCode, body)
	}
	return json.Unmarshal(body, v)
}

func apiError(code int, body []byte) error {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		return &APIError{StatusCode: code, Message: er.Error}
	}
	return &APIError{StatusCode: code, Message: strings.TrimSpace(string(body))}
}
