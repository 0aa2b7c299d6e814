package apiclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"
	"golang.org/x/time/rate"

	"drillquiz/internal/logging"
)

// refreshSkew is how close to expiry an access token is refreshed before use.
const refreshSkew = 5 * time.Second

// CredentialStore is the subset of the credential store the transport reads.
type CredentialStore interface {
	AccessToken(ctx context.Context) (string, error)
	AccessExpiry(ctx context.Context) (time.Time, error)
	Clear(ctx context.Context) error
}

// Refresher exchanges the refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// CSRFSource supplies the CSRF token for mutating requests.
type CSRFSource interface {
	EnsureToken(ctx context.Context) (string, error)
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithBase sets the round tripper that performs the network call.
func WithBase(rt http.RoundTripper) TransportOption {
	return func(t *Transport) {
		if rt != nil {
			t.base = rt
		}
	}
}

// WithCSRF sets the CSRF token source.
func WithCSRF(source CSRFSource) TransportOption {
	return func(t *Transport) { t.csrf = source }
}

// WithRedirector sets the login redirect port.
func WithRedirector(r LoginRedirector) TransportOption {
	return func(t *Transport) {
		if r != nil {
			t.redirector = r
		}
	}
}

// WithPublicPaths replaces the anonymous-readable prefixes.
func WithPublicPaths(paths []string) TransportOption {
	return func(t *Transport) { t.publicPaths = append(PublicPaths(nil), paths...) }
}

// WithBasePath sets the path prefix of the API base URL, stripped before
// matching refresh and public paths.
func WithBasePath(prefix string) TransportOption {
	return func(t *Transport) { t.basePath = strings.TrimRight(prefix, "/") }
}

// WithRefreshPath sets the refresh endpoint path.
func WithRefreshPath(path string) TransportOption {
	return func(t *Transport) {
		if strings.TrimSpace(path) != "" {
			t.refreshPath = path
		}
	}
}

// WithLanguage sets the Accept-Language header value.
func WithLanguage(tag language.Tag) TransportOption {
	return func(t *Transport) { t.language = tag.String() }
}

// WithRateLimit caps outgoing requests per second. Zero disables the limit.
func WithRateLimit(perSecond float64, burst int) TransportOption {
	return func(t *Transport) {
		if perSecond <= 0 {
			t.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithTransportLogger sets the component logger.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logging.NewComponentLogger(logger, "apiclient")
		}
	}
}

// WithTransportClock overrides the time source used for expiry checks.
func WithTransportClock(now func() time.Time) TransportOption {
	return func(t *Transport) {
		if now != nil {
			t.now = now
		}
	}
}

// Transport decorates requests with credentials and recovers from 401s.
type Transport struct {
	base        http.RoundTripper
	store       CredentialStore
	refresher   Refresher
	csrf        CSRFSource
	redirector  LoginRedirector
	publicPaths PublicPaths
	basePath    string
	refreshPath string
	language    string
	limiter     *rate.Limiter
	logger      *slog.Logger
	now         func() time.Time
}

// NewTransport builds a Transport over store.
func NewTransport(store CredentialStore, opts ...TransportOption) *Transport {
	t := &Transport{
		base:        http.DefaultTransport,
		store:       store,
		redirector:  nopRedirector{},
		refreshPath: "/api/token/refresh/",
		logger:      logging.NewComponentLogger(nil, "apiclient"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetRefresher installs the refresher. The refresher usually sends through
// this transport, so it is attached after construction and before first use.
func (t *Transport) SetRefresher(r Refresher) {
	t.refresher = r
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	isRefresh := t.isRefreshRequest(req)

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			closeBody(req)
			return nil, err
		}
	}

	out := req.Clone(ctx)
	if err := makeReplayable(out); err != nil {
		return nil, err
	}
	if out.Header.Get("X-Request-ID") == "" {
		out.Header.Set("X-Request-ID", uuid.NewString())
	}
	if t.language != "" && out.Header.Get("Accept-Language") == "" {
		out.Header.Set("Accept-Language", t.language)
	}
	logger := logging.WithContext(logging.WithRequestID(ctx, out.Header.Get("X-Request-ID")), t.logger).With(
		logging.String(logging.FieldMethod, out.Method),
		logging.String(logging.FieldPath, t.relativePath(out)),
	)

	if !isRefresh {
		t.attachCredentials(ctx, out, logger)
	}

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	if isRefresh {
		discard(resp)
		logger.Warn("refresh token rejected; signing out",
			logging.String(logging.FieldEventType, "refresh_rejected"),
			logging.String(logging.FieldImpact, "stored credentials cleared"),
		)
		t.signOut(ctx, "refresh token rejected")
		return nil, fmt.Errorf("%w: refresh token rejected", ErrUnauthorized)
	}
	if t.publicPaths.Allows(out.Method, t.relativePath(out)) {
		logger.Debug("401 on public path returned to caller")
		return resp, nil
	}

	discard(resp)
	token, err := t.refresh(ctx)
	if err != nil {
		// A rejected refresh call already signed out through the refresh branch.
		if !errors.Is(err, ErrUnauthorized) {
			logging.WarnWithContext(logger, "credential refresh failed after 401; signing out", "refresh_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "stored credentials cleared"),
				logging.String(logging.FieldErrorHint, "run drillquiz login"),
			)
			t.signOut(ctx, "session expired")
		}
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	return t.resend(out, token, logger)
}

// resend replays out once with the refreshed bearer. It goes straight to the
// base transport: the limiter token and credential pass were already spent on
// the first attempt, and a second 401 is returned to the caller.
func (t *Transport) resend(out *http.Request, token string, logger *slog.Logger) (*http.Response, error) {
	retry := out.Clone(out.Context())
	if out.GetBody != nil {
		body, err := out.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		retry.Body = body
	}
	retry.Header.Set("Authorization", "Bearer "+token)
	logger.Debug("retrying request with refreshed credentials")
	return t.base.RoundTrip(retry)
}

func (t *Transport) attachCredentials(ctx context.Context, req *http.Request, logger *slog.Logger) {
	if isMutating(req.Method) && t.csrf != nil {
		token, err := t.csrf.EnsureToken(ctx)
		switch {
		case err != nil:
			logging.WarnWithContext(logger, "csrf token unavailable", "csrf_unavailable",
				logging.Error(err),
				logging.String(logging.FieldImpact, "request sent without X-CSRFToken"),
			)
		case token != "":
			req.Header.Set("X-CSRFToken", token)
		}
	}

	token, err := t.store.AccessToken(ctx)
	if err != nil {
		logger.Warn("failed to read access token", logging.Error(err))
		token = ""
	}
	if token == "" || t.expiresSoon(ctx) {
		refreshed, err := t.refresh(ctx)
		if err != nil {
			logger.Debug("proactive refresh failed; continuing without credentials", logging.Error(err))
			if !errors.Is(err, ErrUnauthorized) {
				if clearErr := t.store.Clear(ctx); clearErr != nil {
					logger.Warn("failed to clear credentials", logging.Error(clearErr))
				}
			}
			token = ""
		} else {
			token = refreshed
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// expiresSoon reports whether the stored access expiry is within refreshSkew.
// Without a stored expiry no proactive refresh happens.
func (t *Transport) expiresSoon(ctx context.Context) bool {
	expiry, err := t.store.AccessExpiry(ctx)
	if err != nil || expiry.IsZero() {
		return false
	}
	return expiry.Sub(t.now()) < refreshSkew
}

func (t *Transport) refresh(ctx context.Context) (string, error) {
	if t.refresher == nil {
		return "", errors.New("no refresher configured")
	}
	return t.refresher.Refresh(ctx)
}

func (t *Transport) signOut(ctx context.Context, reason string) {
	if err := t.store.Clear(ctx); err != nil {
		t.logger.Warn("failed to clear credentials", logging.Error(err))
	}
	t.redirector.RedirectToLogin(ctx, reason)
}

func (t *Transport) isRefreshRequest(req *http.Request) bool {
	return t.relativePath(req) == t.refreshPath
}

func (t *Transport) relativePath(req *http.Request) string {
	path := req.URL.Path
	if t.basePath != "" {
		path = strings.TrimPrefix(path, t.basePath)
	}
	return path
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// makeReplayable buffers a body that cannot be re-read so a retry can resend it.
func makeReplayable(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return fmt.Errorf("buffer request body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	req.ContentLength = int64(len(data))
	return nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}
