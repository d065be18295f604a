package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"assistantbridge/internal/apperr"
)

const (
	DefaultBaseURL       = "https://api.openai.com/v1"
	DefaultBetaHeader    = "assistants=v2"
	DefaultUploadTimeout = 180 * time.Second
)

// Config for a Client. UploadClient carries file uploads, which stream the
// whole file and need a longer timeout than HTTPClient.
type Config struct {
	BaseURL      string
	APIKey       string
	BetaHeader   string
	HTTPClient   *http.Client
	UploadClient *http.Client
	MaxRetries   int
	BackoffBase  time.Duration
}

// Client talks to the Assistants v2 REST API with a single API key.
// GET requests are retried on 429 and 5xx; POST and DELETE never are.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.UploadClient == nil {
		cfg.UploadClient = &http.Client{Timeout: DefaultUploadTimeout}
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.BetaHeader == "" {
		cfg.BetaHeader = DefaultBetaHeader
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{cfg: cfg}
}

// APIError is a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("openai status %d", e.StatusCode)
	}
	return fmt.Sprintf("openai status %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the provider.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type request struct {
	method      string
	path        string
	body        io.Reader
	contentType string
	beta        bool
	upload      bool
}

func (c *Client) getJSON(ctx context.Context, path string, beta bool, out any) error {
	return c.send(ctx, request{method: http.MethodGet, path: path, beta: beta}, out)
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", path, err)
	}
	return c.send(ctx, request{
		method:      http.MethodPost,
		path:        path,
		body:        bytes.NewReader(b),
		contentType: "application/json",
		beta:        true,
	}, out)
}

func (c *Client) delete(ctx context.Context, path string, beta bool) error {
	return c.send(ctx, request{method: http.MethodDelete, path: path, beta: beta}, nil)
}

func (c *Client) send(ctx context.Context, req request, out any) error {
	retries := 0
	if req.method == http.MethodGet {
		retries = c.cfg.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		retry, err := c.callOnce(ctx, req, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == retries {
			break
		}
		backoff := c.cfg.BackoffBase * (1 << attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

func (c *Client) callOnce(ctx context.Context, req request, out any) (retry bool, err error) {
	endpoint, err := c.endpoint(req.path)
	if err != nil {
		return false, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, endpoint, req.body)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	if req.beta {
		httpReq.Header.Set("OpenAI-Beta", c.cfg.BetaHeader)
	}

	client := c.cfg.HTTPClient
	if req.upload {
		client = c.cfg.UploadClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, fmt.Errorf("%w: %s %s: %v", apperr.ErrProviderUnavailable, req.method, req.path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return false, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := parseAPIError(resp.StatusCode, body)
		return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests, apiErr
	}
	if out == nil || len(body) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, fmt.Errorf("decode %s response: %w", req.path, err)
	}
	return false, nil
}

func (c *Client) endpoint(path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(c.cfg.BaseURL))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String(), nil
}

func parseAPIError(status int, body []byte) *APIError {
	var payload struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	apiErr := &APIError{StatusCode: status}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		apiErr.Message = payload.Error.Message
		apiErr.Type = payload.Error.Type
		return apiErr
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 500 {
		msg = msg[:500]
	}
	apiErr.Message = msg
	return apiErr
}
