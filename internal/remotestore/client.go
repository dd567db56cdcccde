// Package remotestore is the client for the server of record: threads, message batches, share codes
// and identity.
package remotestore

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
)

const maxBodyBytes = 16 << 20

var (
	ErrNotFound     = errors.New("remote resource not found")
	ErrUnauthorized = errors.New("remote store rejected credentials")
)

type Options struct {
	Logger     *slog.Logger
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

type Client struct {
	log     *slog.Logger
	baseURL *url.URL
	token   string
	http    *http.Client
}

func New(opts Options) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if raw == "" {
		return nil, errors.New("missing remote store base url")
	}
	u, err := url.Parse(raw)
	if err != nil || u == nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid remote store base url %q", raw)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{log: logger, baseURL: u, token: strings.TrimSpace(opts.Token), http: hc}, nil
}

// Thread is the wire shape of a thread.
type Thread struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Context   string    `json:"context"`
	Model     string    `json:"model"`
	CreatedAt string    `json:"created_at"`
	Shareable bool      `json:"shareable"`
	Messages  []Message `json:"messages,omitempty"`
}

type Attachment struct {
	FileName      string `json:"file_name"`
	MimeType      string `json:"mime_type"`
	Kind          string `json:"kind"`
	LibraryHandle string `json:"library_handle,omitempty"`
	Hash          string `json:"hash"`
	Payload       string `json:"payload"`
}

// Message is the wire shape of a message. Timestamp is RFC 3339 and may be empty or malformed on
// records written by older clients.
type Message struct {
	ID          string       `json:"id"`
	ThreadID    string       `json:"thread_id"`
	Sender      string       `json:"sender"`
	Text        string       `json:"text"`
	Thinking    string       `json:"thinking,omitempty"`
	Timestamp   string       `json:"timestamp"`
	ParentID    string       `json:"parent_id"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Time parses Timestamp, returning the zero time when it is unusable.
func (m Message) Time() time.Time {
	s := strings.TrimSpace(m.Timestamp)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Time{}
}

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// CreateThread creates th on the server. The server treats a repeated id as success.
func (c *Client) CreateThread(ctx context.Context, th Thread) error {
	if strings.TrimSpace(th.ID) == "" {
		return errors.New("missing thread id")
	}
	th.Messages = nil
	err := c.doJSON(ctx, http.MethodPost, "/v1/threads", th, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		c.log.Debug("remote thread already exists", "thread_id", th.ID)
		return nil
	}
	return err
}

func (c *Client) ListThreads(ctx context.Context) ([]Thread, error) {
	var out struct {
		Threads []Thread `json:"threads"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/threads", nil, &out); err != nil {
		return nil, err
	}
	return out.Threads, nil
}

func (c *Client) GetThread(ctx context.Context, id string) (Thread, error) {
	var out Thread
	if err := c.doJSON(ctx, http.MethodGet, "/v1/threads/"+url.PathEscape(strings.TrimSpace(id)), nil, &out); err != nil {
		return Thread{}, err
	}
	return out, nil
}

func (c *Client) GetShared(ctx context.Context, code string) (Thread, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Thread{}, errors.New("missing share code")
	}
	var out Thread
	if err := c.doJSON(ctx, http.MethodGet, "/v1/shared/"+url.PathEscape(code), nil, &out); err != nil {
		return Thread{}, err
	}
	return out, nil
}

// AppendMessages pushes a batch. The server inserts by message id and ignores ids it already has.
func (c *Client) AppendMessages(ctx context.Context, threadID string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	body := struct {
		Messages []Message `json:"messages"`
	}{Messages: msgs}
	return c.doJSON(ctx, http.MethodPost, "/v1/threads/"+url.PathEscape(strings.TrimSpace(threadID))+"/messages", body, nil)
}

func (c *Client) CreateShareCode(ctx context.Context, threadID string) (string, error) {
	var out struct {
		Code string `json:"code"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/threads/"+url.PathEscape(strings.TrimSpace(threadID))+"/share", struct{}{}, &out); err != nil {
		return "", err
	}
	code := strings.TrimSpace(out.Code)
	if code == "" {
		return "", errors.New("remote store returned empty share code")
	}
	return code, nil
}

func (c *Client) WhoAmI(ctx context.Context) (User, error) {
	if c.token == "" {
		return User{}, ErrUnauthorized
	}
	var out User
	if err := c.doJSON(ctx, http.MethodGet, "/v1/me", nil, &out); err != nil {
		return User{}, err
	}
	return out, nil
}

// APIError is a non-2xx response other than 401/404.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if strings.TrimSpace(e.Message) == "" {
		return fmt.Sprintf("remote store request failed (status %d)", e.StatusCode)
	}
	return e.Message
}

func (c *Client) doJSON(ctx context.Context, method string, p string, in any, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + p
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && strings.TrimSpace(e.Error) != "" {
			msg = strings.TrimSpace(e.Error)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid remote store response: %w", err)
	}
	return nil
}
