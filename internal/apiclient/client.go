package apiclient

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
	"strings"
	"time"

	"drillquiz/internal/logging"
)

// Default request timeouts.
const (
	DefaultTimeout     = 15 * time.Second
	DefaultLongTimeout = 10 * time.Minute
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeouts sets the default and long request timeouts.
func WithTimeouts(timeout, long time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
		if long > 0 {
			c.longTimeout = long
		}
	}
}

// WithJar sets the cookie jar shared by both HTTP clients.
func WithJar(jar http.CookieJar) ClientOption {
	return func(c *Client) { c.jar = jar }
}

// WithClientLogger sets the component logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logging.NewComponentLogger(logger, "apiclient")
		}
	}
}

// Client issues JSON requests against the API base URL through the
// credential transport.
type Client struct {
	baseURL     *url.URL
	transport   http.RoundTripper
	jar         http.CookieJar
	timeout     time.Duration
	longTimeout time.Duration
	logger      *slog.Logger

	http *http.Client
	long *http.Client
	// active is the client used by the helpers: http, or long for Long().
	active *http.Client
}

// NewClient builds a Client. transport is normally a *Transport.
func NewClient(baseURL string, transport http.RoundTripper, opts ...ClientOption) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	c := &Client{
		baseURL:     parsed,
		transport:   transport,
		timeout:     DefaultTimeout,
		longTimeout: DefaultLongTimeout,
		logger:      logging.NewComponentLogger(nil, "apiclient"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.http = &http.Client{Transport: transport, Jar: c.jar, Timeout: c.timeout}
	c.long = &http.Client{Transport: transport, Jar: c.jar, Timeout: c.longTimeout}
	c.active = c.http
	return c, nil
}

// Long returns a view of the client that uses the long timeout, for slow
// endpoints such as exam generation.
func (c *Client) Long() *Client {
	clone := *c
	clone.active = c.long
	return &clone
}

// HTTPClient returns the underlying client used by this view.
func (c *Client) HTTPClient() *http.Client {
	return c.active
}

// URL resolves an API path against the base URL. The query part of path is kept.
func (c *Client) URL(path string) string {
	rel, err := url.Parse(path)
	if err != nil || rel.IsAbs() {
		return path
	}
	u := c.baseURL.JoinPath(rel.Path)
	u.RawQuery = rel.RawQuery
	return u.String()
}

// NewRequest builds a request for path with body encoded as JSON when non-nil.
func (c *Client) NewRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.URL(path), reader)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Do sends req and returns the raw response. Callers close the body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.active.Do(req)
}

// DoJSON sends req, decoding a 2xx JSON body into out when out is non-nil.
// Non-2xx responses become *StatusError.
func (c *Client) DoJSON(req *http.Request, out any) error {
	resp, err := c.active.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Debug("api request failed",
			logging.String(logging.FieldMethod, req.Method),
			logging.String(logging.FieldPath, req.URL.Path),
			logging.Int(logging.FieldStatus, resp.StatusCode),
		)
		return &StatusError{
			Method:     req.Method,
			Path:       req.URL.Path,
			StatusCode: resp.StatusCode,
			Body:       body,
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode %s %s response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, in, out any) error {
	req, err := c.NewRequest(ctx, method, path, in)
	if err != nil {
		return err
	}
	return c.DoJSON(req, out)
}

// GetJSON performs GET path and decodes the response into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.send(ctx, http.MethodGet, path, nil, out)
}

// PostJSON performs POST path with in as the JSON body.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	return c.send(ctx, http.MethodPost, path, in, out)
}

// PutJSON performs PUT path with in as the JSON body.
func (c *Client) PutJSON(ctx context.Context, path string, in, out any) error {
	return c.send(ctx, http.MethodPut, path, in, out)
}

// Delete performs DELETE path.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.send(ctx, http.MethodDelete, path, nil, nil)
}
