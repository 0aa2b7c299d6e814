package csrf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/singleflight"

	"drillquiz/internal/logging"
)

const (
	// CookieName is the cookie Django sets with the CSRF secret.
	CookieName = "csrftoken"
	// HeaderName carries the token on mutating requests.
	HeaderName = "X-CSRFToken"

	defaultPath = "/api/csrf-token/"
)

// ErrUnavailable reports that no CSRF token could be obtained.
var ErrUnavailable = errors.New("csrf token unavailable")

// HTTPDoer executes HTTP requests.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Option configures a Bootstrapper.
type Option func(*Bootstrapper)

// WithHTTPClient overrides the client used for the bootstrap request. The
// client must share the bootstrapper's cookie jar for the cookie to be seen.
func WithHTTPClient(client HTTPDoer) Option {
	return func(b *Bootstrapper) {
		if client != nil {
			b.client = client
		}
	}
}

// WithPath overrides the bootstrap endpoint path.
func WithPath(path string) Option {
	return func(b *Bootstrapper) {
		if strings.TrimSpace(path) != "" {
			b.path = path
		}
	}
}

// WithLogger sets the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bootstrapper) {
		if logger != nil {
			b.logger = logging.NewComponentLogger(logger, "csrf")
		}
	}
}

// NewCookieJar returns a cookie jar using the public suffix list.
func NewCookieJar() (http.CookieJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return jar, nil
}

// Bootstrapper resolves the CSRF token for one backend origin.
type Bootstrapper struct {
	baseURL *url.URL
	path    string
	jar     http.CookieJar
	client  HTTPDoer
	logger  *slog.Logger
	group   singleflight.Group
}

// New constructs a Bootstrapper for baseURL reading cookies from jar.
func New(baseURL string, jar http.CookieJar, opts ...Option) (*Bootstrapper, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if jar == nil {
		return nil, errors.New("csrf bootstrapper requires a cookie jar")
	}
	b := &Bootstrapper{
		baseURL: parsed,
		path:    defaultPath,
		jar:     jar,
		client:  &http.Client{Jar: jar},
		logger:  logging.NewComponentLogger(nil, "csrf"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Token returns the csrftoken cookie from the jar without any network call.
func (b *Bootstrapper) Token() string {
	for _, cookie := range b.jar.Cookies(b.baseURL) {
		if cookie.Name == CookieName && cookie.Value != "" {
			return cookie.Value
		}
	}
	return ""
}

// EnsureToken returns the CSRF token, fetching it when no cookie is present.
// Concurrent callers share one fetch. Nothing outlives the fetch: a token
// echoed only in the response body is handed to that fetch's callers, and
// the next call without a cookie fetches again.
func (b *Bootstrapper) EnsureToken(ctx context.Context) (string, error) {
	if token := b.Token(); token != "" {
		return token, nil
	}

	ch := b.group.DoChan("csrf", func() (any, error) {
		return b.fetch(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (b *Bootstrapper) fetch(ctx context.Context) (string, error) {
	endpoint := b.baseURL.JoinPath(b.path).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Accept", "application/json")

	b.logger.Debug("fetching csrf token", logging.String(logging.FieldPath, b.path))
	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	if token := b.Token(); token != "" {
		_, _ = io.Copy(io.Discard, resp.Body)
		return token, nil
	}

	var payload struct {
		CSRFToken string `json:"csrfToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if payload.CSRFToken == "" {
		return "", fmt.Errorf("%w: no cookie or body token", ErrUnavailable)
	}
	return payload.CSRFToken, nil
}
