package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"drillquiz/internal/apiclient"
	"drillquiz/internal/credstore"
	"drillquiz/internal/logging"
)

// Endpoint paths.
const (
	LoginPath           = "/api/login/"
	RegisterPath        = "/api/register/"
	AppleLoginPath      = "/api/apple-oauth/"
	LogoutPath          = "/api/logout/"
	AuthStatusPath      = "/api/auth/status/"
	ProfilePath         = "/api/user-profile/"
	ResetPasswordPath   = "/api/reset-password/"
	RealtimeSessionPath = "/api/realtime/session/"
)

// ProfileTTL bounds how long a fetched profile is served from cache.
const ProfileTTL = 5 * time.Minute

const profileKey = "profile"

// CSRFSource ensures the CSRF cookie exists before credential exchanges.
type CSRFSource interface {
	EnsureToken(ctx context.Context) (string, error)
}

// HTTPDoer sends requests that bypass the credential transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logging.NewComponentLogger(logger, "account")
		}
	}
}

// WithProfileTTL overrides the profile cache lifetime.
func WithProfileTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.profileTTL = ttl
		}
	}
}

// Service performs account operations against the API.
type Service struct {
	client     *apiclient.Client
	store      *credstore.Store
	csrf       CSRFSource
	status     HTTPDoer
	logger     *slog.Logger
	profileTTL time.Duration

	profiles *expirable.LRU[string, *Profile]
	group    singleflight.Group

	// generation increments on every cache invalidation so a fetch started
	// before it does not repopulate the cache.
	mu         sync.Mutex
	generation uint64
}

// New constructs a Service. csrf may be nil when the backend does not
// enforce CSRF.
func New(client *apiclient.Client, store *credstore.Store, csrf CSRFSource, opts ...Option) (*Service, error) {
	if client == nil {
		return nil, errors.New("account service requires an api client")
	}
	if store == nil {
		return nil, errors.New("account service requires a credential store")
	}
	s := &Service{
		client:     client,
		store:      store,
		csrf:       csrf,
		logger:     logging.NewComponentLogger(nil, "account"),
		profileTTL: ProfileTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	// The auth status check goes out with cookies only.
	base := client.HTTPClient()
	s.status = &http.Client{Jar: base.Jar, Timeout: base.Timeout}
	s.profiles = expirable.NewLRU[string, *Profile](1, nil, s.profileTTL)
	return s, nil
}

// Credentials is the login request body.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Registration is the sign-up request body.
type Registration struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Language string `json:"language,omitempty"`
}

// AuthResponse is the decoded login or registration response. Raw keeps the
// full body for callers that need backend-specific fields.
type AuthResponse struct {
	Authenticated bool
	User          *credstore.User
	Raw           json.RawMessage
}

// Login signs in with username and password and stores the returned tokens.
func (s *Service) Login(ctx context.Context, creds Credentials) (*AuthResponse, error) {
	return s.exchange(ctx, LoginPath, creds)
}

// Register creates an account and stores any tokens the backend returns.
func (s *Service) Register(ctx context.Context, reg Registration) (*AuthResponse, error) {
	return s.exchange(ctx, RegisterPath, reg)
}

// AppleSignIn is the Apple OAuth request body. User carries the name and
// email Apple hands over on first authorization only.
type AppleSignIn struct {
	IdentityToken string `json:"identity_token"`
	User          any    `json:"user"`
	Language      string `json:"language,omitempty"`
}

// AppleLogin exchanges an Apple identity token for API credentials.
func (s *Service) AppleLogin(ctx context.Context, identityToken string, user any, language string) (*AuthResponse, error) {
	if identityToken == "" {
		return nil, errors.New("apple identity token is required")
	}
	return s.exchange(ctx, AppleLoginPath, AppleSignIn{
		IdentityToken: identityToken,
		User:          user,
		Language:      language,
	})
}

func (s *Service) exchange(ctx context.Context, path string, body any) (*AuthResponse, error) {
	s.ensureCSRF(ctx)

	var raw json.RawMessage
	if err := s.client.PostJSON(ctx, path, body, &raw); err != nil {
		return nil, err
	}
	result, ok, err := extractAuthPayload(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s response: %w", path, err)
	}
	resp := &AuthResponse{Raw: raw, User: result.User}
	if !ok {
		s.logger.Debug("auth response carried no credentials", logging.String(logging.FieldPath, path))
		return resp, nil
	}
	if err := s.store.StoreAuthResult(ctx, result); err != nil {
		return nil, fmt.Errorf("store credentials: %w", err)
	}
	s.InvalidateProfile()
	resp.Authenticated = result.AccessToken != "" || result.User != nil
	if user, err := s.store.User(ctx); err == nil && user != nil {
		resp.User = user
	}
	s.logger.Info("signed in",
		logging.String(logging.FieldEventType, "login"),
		logging.String(logging.FieldPath, path),
	)
	return resp, nil
}

// Logout notifies the backend and always clears local credentials. The
// backend call is best effort; only a failure to clear storage is returned.
func (s *Service) Logout(ctx context.Context) error {
	s.ensureCSRF(ctx)
	if err := s.client.PostJSON(ctx, LogoutPath, nil, nil); err != nil {
		logging.WarnWithContext(s.logger, "logout request failed", "logout_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "local credentials cleared anyway"),
		)
	}
	s.InvalidateProfile()
	if err := s.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	s.logger.Info("signed out", logging.String(logging.FieldEventType, "logout"))
	return nil
}

// Status is the result of the auth status check.
type Status struct {
	Authenticated bool            `json:"authenticated"`
	User          *credstore.User `json:"user"`
}

// AuthStatus asks the backend whether the session cookie is signed in. A 400
// means signed out. A signed-in user is stored.
func (s *Service) AuthStatus(ctx context.Context) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.client.URL(AuthStatusPath), nil)
	if err != nil {
		return Status{}, fmt.Errorf("build auth status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.status.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("auth status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Status{}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return Status{}, &apiclient.StatusError{
			Method:     http.MethodGet,
			Path:       AuthStatusPath,
			StatusCode: resp.StatusCode,
			Body:       body,
		}
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return Status{}, fmt.Errorf("decode auth status: %w", err)
	}
	if !status.Authenticated || status.User == nil {
		return Status{}, nil
	}
	if err := s.store.SetUser(ctx, status.User); err != nil {
		return status, fmt.Errorf("store user: %w", err)
	}
	return status, nil
}

// VerifyEmail confirms an address with the token from the verification mail.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("verification token is required")
	}
	return s.client.GetJSON(ctx, "/api/verify-email/"+url.PathEscape(token)+"/", nil)
}

// ResetPassword requests a password reset mail for email.
func (s *Service) ResetPassword(ctx context.Context, email string) error {
	if email == "" {
		return errors.New("email is required")
	}
	return s.client.PostJSON(ctx, ResetPasswordPath, map[string]string{"email": email}, nil)
}

func (s *Service) ensureCSRF(ctx context.Context) {
	if s.csrf == nil {
		return
	}
	if _, err := s.csrf.EnsureToken(ctx); err != nil {
		logging.WarnWithContext(s.logger, "csrf token unavailable", "csrf_unavailable",
			logging.Error(err),
			logging.String(logging.FieldImpact, "request sent without X-CSRFToken"),
		)
	}
}
