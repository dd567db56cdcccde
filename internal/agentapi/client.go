// Package agentapi talks to the remote agent provider: agent descriptors, conversation turns,
// document libraries and generated files.
package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL = "https://api.mistral.ai"

	maxResponseBytes = 8 << 20
	maxFileBytes     = 64 << 20
)

var ErrMissingAPIKey = errors.New("missing agent api key")

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Message) == "" {
		return fmt.Sprintf("agent api request failed (status %d)", e.StatusCode)
	}
	return e.Message
}

type Options struct {
	Logger     *slog.Logger
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

type Client struct {
	log     *slog.Logger
	baseURL *url.URL
	apiKey  string
	http    *http.Client
}

func New(opts Options) (*Client, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		raw = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil || u == nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid agent api base url %q", raw)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 120 * time.Second}
	}
	return &Client{log: logger, baseURL: u, apiKey: apiKey, http: hc}, nil
}

func (c *Client) endpoint(p string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + p
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method string, p string, query url.Values, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(p, query), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method string, p string, query url.Values, in any) ([]byte, error) {
	var body io.Reader
	contentType := ""
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}
	req, err := c.newRequest(ctx, method, p, query, body, contentType)
	if err != nil {
		return nil, err
	}
	return c.do(req, maxResponseBytes)
}

func (c *Client) do(req *http.Request, limit int64) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}
	return body, nil
}

// errorMessage extracts a readable message from a provider error body.
func errorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"message", "error.message", "detail.0.msg", "detail", "error"} {
			if v := gjson.GetBytes(body, path); v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
				return strings.TrimSpace(v.Str)
			}
		}
	}
	return strings.TrimSpace(string(body))
}

// listItems returns the elements of a list response that is either a bare array or {"data": [...]}.
func listItems(body []byte) []gjson.Result {
	root := gjson.ParseBytes(body)
	if root.IsArray() {
		return root.Array()
	}
	for _, key := range []string{"data", "items"} {
		if v := root.Get(key); v.IsArray() {
			return v.Array()
		}
	}
	return nil
}

func idFrom(body []byte) (string, error) {
	id := strings.TrimSpace(gjson.GetBytes(body, "id").String())
	if id == "" {
		return "", errors.New("provider response missing id")
	}
	return id, nil
}
