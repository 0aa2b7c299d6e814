package account_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"drillquiz/internal/account"
	"drillquiz/internal/apiclient"
	"drillquiz/internal/config"
	"drillquiz/internal/credstore"
	"drillquiz/internal/logging"
)

type server struct {
	srv    *httptest.Server
	mu     sync.Mutex
	routes map[string]http.HandlerFunc
	hits   map[string]int
	csrf   map[string]string
}

func newServer(t *testing.T) *server {
	t.Helper()
	s := &server{
		routes: map[string]http.HandlerFunc{},
		hits:   map[string]int{},
		csrf:   map[string]string{},
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		s.mu.Lock()
		s.hits[key]++
		s.csrf[key] = r.Header.Get("X-CSRFToken")
		handler := s.routes[key]
		s.mu.Unlock()
		if r.URL.Path == "/api/csrf-token/" {
			http.SetCookie(w, &http.Cookie{Name: "csrftoken", Value: "csrf-1", Path: "/"})
			return
		}
		if handler == nil {
			http.NotFound(w, r)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *server) handle(key string, fn http.HandlerFunc) {
	s.mu.Lock()
	s.routes[key] = fn
	s.mu.Unlock()
}

func (s *server) count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[key]
}

func (s *server) csrfHeader(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.csrf[key]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newService(t *testing.T, s *server, opts ...account.Option) (*account.Service, *apiclient.Session) {
	t.Helper()
	cfg := config.Default()
	cfg.API.BaseURL = s.srv.URL
	session, err := apiclient.Open(context.Background(), &cfg, credstore.NewMemoryStorage(), logging.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(session.Close)
	svc, err := account.New(session.Client, session.Store, session.CSRF, opts...)
	if err != nil {
		t.Fatalf("account.New: %v", err)
	}
	return svc, session
}

func TestLoginStoresTopLevelTokens(t *testing.T) {
	s := newServer(t)
	s.handle("POST /api/login/", func(w http.ResponseWriter, r *http.Request) {
		var creds account.Credentials
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Username != "kim" || creds.Password != "pw" {
			t.Errorf("unexpected credentials %+v (%v)", creds, err)
		}
		writeJSON(w, map[string]any{
			"access":     "access-1",
			"refresh":    "refresh-1",
			"expires_in": 1800,
			"user":       map[string]any{"id": 7, "username": "kim", "role": "admin_role"},
		})
	})
	svc, session := newService(t, s)

	resp, err := svc.Login(context.Background(), account.Credentials{Username: "kim", Password: "pw"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !resp.Authenticated || resp.User == nil || resp.User.Username != "kim" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if s.count("GET /api/csrf-token/") != 1 {
		t.Fatalf("expected csrf bootstrap before login, got %d", s.count("GET /api/csrf-token/"))
	}
	if got := s.csrfHeader("POST /api/login/"); got != "csrf-1" {
		t.Fatalf("expected csrf header on login, got %q", got)
	}

	ctx := context.Background()
	if token, _ := session.Store.AccessToken(ctx); token != "access-1" {
		t.Fatalf("unexpected access token %q", token)
	}
	if token, _ := session.Store.RefreshToken(ctx); token != "refresh-1" {
		t.Fatalf("unexpected refresh token %q", token)
	}
	expiry, _ := session.Store.AccessExpiry(ctx)
	if d := time.Until(expiry); d < 29*time.Minute || d > 31*time.Minute {
		t.Fatalf("unexpected access expiry in %s", d)
	}
	snap := session.Store.Snapshot()
	if !snap.IsAuthenticated || !snap.IsAdmin {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestRegisterReadsNestedTokens(t *testing.T) {
	s := newServer(t)
	s.handle("POST /api/register/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, map[string]any{
			"message": "created",
			"tokens": map[string]any{
				"access":             "access-n",
				"refresh":            "refresh-n",
				"access_expires_in":  60,
				"refresh_expires_in": 120,
			},
			"user": map[string]any{"username": "lee"},
		})
	})
	svc, session := newService(t, s)

	resp, err := svc.Register(context.Background(), account.Registration{Username: "lee", Email: "lee@example.com", Password: "pw"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !resp.Authenticated {
		t.Fatal("expected authenticated response")
	}
	var raw map[string]any
	if err := json.Unmarshal(resp.Raw, &raw); err != nil || raw["message"] != "created" {
		t.Fatalf("expected raw body to be kept, got %v (%v)", raw, err)
	}

	ctx := context.Background()
	if token, _ := session.Store.AccessToken(ctx); token != "access-n" {
		t.Fatalf("unexpected access token %q", token)
	}
	refreshExpiry, _ := session.Store.RefreshExpiry(ctx)
	if d := time.Until(refreshExpiry); d < 110*time.Second || d > 130*time.Second {
		t.Fatalf("unexpected refresh expiry in %s", d)
	}
}

func TestAppleLoginSendsIdentityToken(t *testing.T) {
	s := newServer(t)
	s.handle("POST /api/apple-oauth/", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			IdentityToken string         `json:"identity_token"`
			User          map[string]any `json:"user"`
			Language      string         `json:"language"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode apple body: %v", err)
		}
		if body.IdentityToken != "apple-jwt" || body.Language != "ko" {
			t.Errorf("unexpected apple body %+v", body)
		}
		if body.User["email"] != "park@example.com" {
			t.Errorf("expected user info forwarded, got %v", body.User)
		}
		writeJSON(w, map[string]any{
			"access":  "apple-access",
			"refresh": "apple-refresh",
			"user":    map[string]any{"id": 11, "username": "park"},
		})
	})
	svc, session := newService(t, s)

	user := map[string]any{"email": "park@example.com", "name": map[string]string{"firstName": "Min"}}
	resp, err := svc.AppleLogin(context.Background(), "apple-jwt", user, "ko")
	if err != nil {
		t.Fatalf("AppleLogin: %v", err)
	}
	if !resp.Authenticated || resp.User == nil || resp.User.Username != "park" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if got := s.csrfHeader("POST /api/apple-oauth/"); got != "csrf-1" {
		t.Fatalf("expected csrf header on apple login, got %q", got)
	}
	if token, _ := session.Store.RefreshToken(context.Background()); token != "apple-refresh" {
		t.Fatalf("unexpected refresh token %q", token)
	}

	if _, err := svc.AppleLogin(context.Background(), "", nil, ""); err == nil {
		t.Fatal("expected error without identity token")
	}
	if s.count("POST /api/apple-oauth/") != 1 {
		t.Fatalf("expected one apple exchange, got %d", s.count("POST /api/apple-oauth/"))
	}
}

func TestLoginWithoutCredentialsStoresNothing(t *testing.T) {
	s := newServer(t)
	s.handle("POST /api/login/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"detail": "check your email"})
	})
	svc, session := newService(t, s)

	resp, err := svc.Login(context.Background(), account.Credentials{Username: "kim", Password: "pw"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if resp.Authenticated {
		t.Fatal("expected unauthenticated response")
	}
	if session.Store.Snapshot().IsAuthenticated {
		t.Fatal("expected nothing stored")
	}
}

func TestLoginRejectedReturnsStatusError(t *testing.T) {
	s := newServer(t)
	s.handle("POST /api/login/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, map[string]string{"error": "invalid credentials"})
	})
	svc, _ := newService(t, s)

	_, err := svc.Login(context.Background(), account.Credentials{Username: "kim", Password: "bad"})
	var statusErr *apiclient.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 StatusError, got %v", err)
	}
}

func TestLogoutClearsEvenWhenBackendFails(t *testing.T) {
	s := newServer(t)
	s.handle("POST /api/logout/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	var profileHits atomic.Int32
	s.handle("GET /api/user-profile/", func(w http.ResponseWriter, r *http.Request) {
		profileHits.Add(1)
		writeJSON(w, map[string]any{"username": "kim"})
	})
	svc, session := newService(t, s)

	ctx := context.Background()
	if err := session.Store.StoreAuthResult(ctx, credstore.AuthResult{
		AccessToken:     "a",
		RefreshToken:    "r",
		AccessExpiresIn: time.Hour,
	}); err != nil {
		t.Fatalf("StoreAuthResult: %v", err)
	}
	if _, err := svc.Profile(ctx, false); err != nil {
		t.Fatalf("Profile: %v", err)
	}

	if err := svc.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if s.count("POST /api/logout/") != 1 {
		t.Fatal("expected logout call")
	}
	if session.Store.Snapshot().IsAuthenticated {
		t.Fatal("expected credentials cleared")
	}
	if token, _ := session.Store.RefreshToken(ctx); token != "" {
		t.Fatalf("expected refresh token cleared, got %q", token)
	}

	if _, err := svc.Profile(ctx, false); err != nil {
		t.Fatalf("Profile after logout: %v", err)
	}
	if profileHits.Load() != 2 {
		t.Fatalf("expected profile cache dropped on logout, got %d fetches", profileHits.Load())
	}
}

func TestAuthStatus(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		wantAuth  bool
		wantErr   bool
		wantStore bool
	}{
		{
			name:    "bad request means signed out",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadRequest) },
		},
		{
			name: "signed in",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, map[string]any{"authenticated": true, "user": map[string]any{"username": "kim", "is_staff": true}})
			},
			wantAuth:  true,
			wantStore: true,
		},
		{
			name: "signed out body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, map[string]any{"authenticated": false})
			},
		},
		{
			name:    "server error",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) },
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newServer(t)
			s.handle("GET /api/auth/status/", func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Authorization") != "" {
					t.Errorf("auth status must not carry a bearer token")
				}
				tc.handler(w, r)
			})
			svc, session := newService(t, s)

			status, err := svc.AuthStatus(context.Background())
			if tc.wantErr {
				if !apiclient.IsStatus(err, http.StatusBadGateway) {
					t.Fatalf("expected 502 StatusError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("AuthStatus: %v", err)
			}
			if status.Authenticated != tc.wantAuth {
				t.Fatalf("expected authenticated=%v, got %+v", tc.wantAuth, status)
			}
			snap := session.Store.Snapshot()
			if snap.IsAuthenticated != tc.wantStore {
				t.Fatalf("expected stored=%v, got %+v", tc.wantStore, snap)
			}
			if tc.wantStore && !snap.IsAdmin {
				t.Fatal("expected staff user to be admin")
			}
		})
	}
}

func TestProfileIsCachedAndShared(t *testing.T) {
	s := newServer(t)
	var hits atomic.Int32
	release := make(chan struct{})
	s.handle("GET /api/user-profile/", func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			<-release
		}
		writeJSON(w, map[string]any{"username": "kim", "email": "kim@example.com", "language": "ko"})
	})
	svc, session := newService(t, s)
	ctx := context.Background()

	const callers = 5
	var wg sync.WaitGroup
	results := make([]*account.Profile, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Profile(ctx, false)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range results {
		if errs[i] != nil || results[i] == nil || results[i].User.Email != "kim@example.com" {
			t.Fatalf("caller %d got %+v, %v", i, results[i], errs[i])
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one shared fetch, got %d", hits.Load())
	}

	if _, err := svc.Profile(ctx, false); err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected cached profile, got %d fetches", hits.Load())
	}
	if _, err := svc.Profile(ctx, true); err != nil {
		t.Fatalf("Profile(force): %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected forced fetch, got %d", hits.Load())
	}

	user, err := session.Store.User(ctx)
	if err != nil || user == nil || user.Language != "ko" {
		t.Fatalf("expected profile user stored, got %+v (%v)", user, err)
	}
}

func TestProfileExpiresAfterTTL(t *testing.T) {
	s := newServer(t)
	var hits atomic.Int32
	s.handle("GET /api/user-profile/", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, map[string]any{"username": "kim"})
	})
	svc, _ := newService(t, s, account.WithProfileTTL(30*time.Millisecond))
	ctx := context.Background()

	if _, err := svc.Profile(ctx, false); err != nil {
		t.Fatalf("Profile: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if _, err := svc.Profile(ctx, false); err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected refetch after ttl, got %d fetches", hits.Load())
	}
}

func TestUpdateProfileInvalidatesCache(t *testing.T) {
	s := newServer(t)
	var gets atomic.Int32
	s.handle("GET /api/user-profile/", func(w http.ResponseWriter, r *http.Request) {
		gets.Add(1)
		writeJSON(w, map[string]any{"username": "kim"})
	})
	s.handle("PUT /api/user-profile/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, map[string]any{"username": "kim", "language": body["language"]})
	})
	svc, _ := newService(t, s)
	ctx := context.Background()

	if _, err := svc.Profile(ctx, false); err != nil {
		t.Fatalf("Profile: %v", err)
	}
	updated, err := svc.UpdateProfile(ctx, map[string]string{"language": "es"})
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if updated.User.Language != "es" {
		t.Fatalf("unexpected update response %+v", updated.User)
	}
	if got := s.csrfHeader("PUT /api/user-profile/"); got != "csrf-1" {
		t.Fatalf("expected csrf header on PUT, got %q", got)
	}
	if _, err := svc.Profile(ctx, false); err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if gets.Load() != 2 {
		t.Fatalf("expected refetch after update, got %d", gets.Load())
	}
}

func TestVerifyEmailAndResetPassword(t *testing.T) {
	s := newServer(t)
	s.handle("GET /api/verify-email/tok-1/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"verified": true})
	})
	s.handle("POST /api/reset-password/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["email"] != "kim@example.com" {
			t.Errorf("unexpected reset body %v (%v)", body, err)
		}
	})
	svc, _ := newService(t, s)
	ctx := context.Background()

	if err := svc.VerifyEmail(ctx, "tok-1"); err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}
	if err := svc.ResetPassword(ctx, "kim@example.com"); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	if err := svc.VerifyEmail(ctx, ""); err == nil {
		t.Fatal("expected error for empty token")
	}
	if err := svc.ResetPassword(ctx, ""); err == nil {
		t.Fatal("expected error for empty email")
	}
}

func TestRealtimeSessionLifecycle(t *testing.T) {
	s := newServer(t)
	s.handle("POST /api/realtime/session/", func(w http.ResponseWriter, r *http.Request) {
		var req account.SessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ExamID != "42" || req.Voice != "alloy" {
			t.Errorf("unexpected session request %+v (%v)", req, err)
		}
		writeJSON(w, map[string]any{
			"session_id":    "sess_1",
			"client_secret": "ek_1",
			"voice":         "alloy",
			"language":      "en",
			"websocket_url": "wss://realtime.example.com/v1/realtime?session=sess_1",
		})
	})
	s.handle("DELETE /api/realtime/session/sess_1/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"success": true})
	})
	svc, _ := newService(t, s)
	ctx := context.Background()

	session, err := svc.CreateRealtimeSession(ctx, account.SessionRequest{ExamID: "42", Voice: "alloy"})
	if err != nil {
		t.Fatalf("CreateRealtimeSession: %v", err)
	}
	if session.SessionID != "sess_1" || session.ClientSecret != "ek_1" {
		t.Fatalf("unexpected session %+v", session)
	}
	if err := svc.DeleteRealtimeSession(ctx, session.SessionID); err != nil {
		t.Fatalf("DeleteRealtimeSession: %v", err)
	}
	if s.count("DELETE /api/realtime/session/sess_1/") != 1 {
		t.Fatal("expected delete call")
	}
	if err := svc.DeleteRealtimeSession(ctx, " "); err == nil {
		t.Fatal("expected error for empty id")
	}
}
