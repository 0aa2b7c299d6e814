package refresh

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
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"drillquiz/internal/logging"
)

// DefaultPath is the token refresh endpoint.
const DefaultPath = "/api/token/refresh/"

var (
	// ErrNoRefreshToken reports that no refresh token is stored.
	ErrNoRefreshToken = errors.New("no refresh token available")
	// ErrRefreshFailed reports a rejected or malformed refresh exchange.
	ErrRefreshFailed = errors.New("failed to refresh access token")
)

// TokenStore is the subset of the credential store the coordinator needs.
type TokenStore interface {
	RefreshToken(ctx context.Context) (string, error)
	Epoch() uint64
	SetTokensIf(ctx context.Context, epoch uint64, access string, accessIn time.Duration, refresh string, refreshIn time.Duration) error
}

// HTTPDoer executes HTTP requests.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithHTTPClient overrides the client used for the refresh call.
func WithHTTPClient(client HTTPDoer) Option {
	return func(c *Coordinator) {
		if client != nil {
			c.client = client
		}
	}
}

// WithPath overrides the refresh endpoint path.
func WithPath(path string) Option {
	return func(c *Coordinator) {
		if strings.TrimSpace(path) != "" {
			c.path = path
		}
	}
}

// WithLogger sets the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logging.NewComponentLogger(logger, "refresh")
		}
	}
}

// Coordinator performs single-flight access token refreshes.
type Coordinator struct {
	baseURL *url.URL
	path    string
	store   TokenStore
	client  HTTPDoer
	logger  *slog.Logger
	group   singleflight.Group

	waiting atomic.Int32
}

type refreshResponse struct {
	Access    string `json:"access"`
	Refresh   string `json:"refresh"`
	ExpiresIn *int64 `json:"expires_in"`
}

// New constructs a Coordinator for baseURL.
func New(baseURL string, store TokenStore, opts ...Option) (*Coordinator, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if store == nil {
		return nil, errors.New("refresh coordinator requires a token store")
	}
	c := &Coordinator{
		baseURL: parsed,
		path:    DefaultPath,
		store:   store,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logging.NewComponentLogger(nil, "refresh"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Refresh obtains a new access token, joining an in-flight exchange when one
// exists. The shared exchange runs on its own background context, so neither
// the values nor the cancellation of the caller that started it leak into it;
// a caller whose context ends stops waiting and receives ctx.Err().
func (c *Coordinator) Refresh(ctx context.Context) (string, error) {
	c.waiting.Add(1)
	defer c.waiting.Add(-1)

	ch := c.group.DoChan("refresh", func() (any, error) {
		return c.exchange(context.Background())
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

func (c *Coordinator) exchange(ctx context.Context) (string, error) {
	epoch := c.store.Epoch()
	refreshToken, err := c.store.RefreshToken(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: read refresh token: %w", ErrRefreshFailed, err)
	}
	if refreshToken == "" {
		return "", ErrNoRefreshToken
	}

	body, err := json.Marshal(map[string]string{"refresh": refreshToken})
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %w", ErrRefreshFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.JoinPath(c.path).String(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %w", ErrRefreshFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("%w: status %d", ErrRefreshFailed, resp.StatusCode)
	}

	var payload refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", ErrRefreshFailed, err)
	}
	if payload.Access == "" {
		return "", fmt.Errorf("%w: response missing access token", ErrRefreshFailed)
	}

	var expiresIn time.Duration
	if payload.ExpiresIn != nil {
		expiresIn = time.Duration(*payload.ExpiresIn) * time.Second
	}
	// Servers rotating refresh tokens return the replacement alongside access.
	rotated := ""
	if payload.Refresh != "" && payload.Refresh != refreshToken {
		rotated = payload.Refresh
	}
	// A sign-out or new sign-in during the exchange wins over its result.
	if err := c.store.SetTokensIf(ctx, epoch, payload.Access, expiresIn, rotated, 0); err != nil {
		return "", fmt.Errorf("%w: store tokens: %w", ErrRefreshFailed, err)
	}

	c.logger.Debug("access token refreshed",
		logging.Duration("duration", time.Since(start)),
		logging.Bool("rotated", rotated != ""),
		logging.Secret("access", payload.Access),
	)
	return payload.Access, nil
}
