package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// fakeBackend serves the account endpoints the CLI talks to.
type fakeBackend struct {
	server *httptest.Server

	mu     sync.Mutex
	hits   map[string]int
	routes map[string]http.HandlerFunc
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		hits:   map[string]int{},
		routes: map[string]http.HandlerFunc{},
	}

	b.routes["GET /api/csrf-token/"] = func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "csrftoken", Value: "csrf-cli", Path: "/"})
		writeTestJSON(w, http.StatusOK, map[string]string{"csrfToken": "csrf-cli"})
	}
	b.routes["POST /api/login/"] = func(w http.ResponseWriter, r *http.Request) {
		var creds map[string]string
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds["username"] != "alice" || creds["password"] != "s3cret" {
			writeTestJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid credentials"})
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]any{
			"access":     "acc-1",
			"refresh":    "ref-1",
			"expires_in": 1800,
			"user":       map[string]any{"id": 7, "username": "alice", "email": "alice@example.com"},
		})
	}
	b.routes["POST /api/logout/"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
	b.routes["GET /api/auth/status/"] = func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusBadRequest, map[string]string{"detail": "not authenticated"})
	}
	b.routes["POST /api/token/refresh/"] = func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusUnauthorized, map[string]string{"detail": "token not valid"})
	}
	b.routes["GET /api/user-profile/"] = func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer acc-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]any{
			"id":       7,
			"username": "alice",
			"email":    "alice@example.com",
			"role":     "admin_role",
		})
	}
	b.routes["GET /api/exams/"] = func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]any{"results": []map[string]any{{"id": 1, "title": "Go basics"}}})
	}
	b.routes["GET /api/private/"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}

	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		b.mu.Lock()
		b.hits[key]++
		fn := b.routes[key]
		b.mu.Unlock()
		if fn == nil {
			http.NotFound(w, r)
			return
		}
		fn(w, r)
	}))
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBackend) handle(key string, fn http.HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes[key] = fn
}

func (b *fakeBackend) hitCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits[key]
}

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type cliTestEnv struct {
	backend     *fakeBackend
	configPath  string
	storagePath string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	homeDir := filepath.Join(base, "home")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir home: %v", err)
	}
	t.Setenv("HOME", homeDir)
	t.Setenv("DRILLQUIZ_API_BASE_URL", "")

	backend := newFakeBackend(t)
	storagePath := filepath.Join(base, "data", "credentials.json")
	configPath := filepath.Join(base, "config.toml")
	writeTestConfig(t, configPath, backend.server.URL, storagePath)

	return &cliTestEnv{
		backend:     backend,
		configPath:  configPath,
		storagePath: storagePath,
	}
}

func writeTestConfig(t *testing.T, path, baseURL, storagePath string) {
	t.Helper()
	content := fmt.Sprintf(`[api]
base_url = %q
timeout_seconds = 5
long_timeout_seconds = 30
language = "en"

[storage]
backend = "file"
path = %q

[realtime]
reconnect_attempts = 0
reconnect_delay_ms = 10

[logging]
format = "console"
level = "error"
`, baseURL, storagePath)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	return runCLIWithInput(t, args, configPath, nil)
}

func runCLIWithInput(t *testing.T, args []string, configPath string, stdin io.Reader) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	if stdin != nil {
		cmd.SetIn(stdin)
	} else {
		cmd.SetIn(strings.NewReader(""))
	}
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func signInForTest(t *testing.T, env *cliTestEnv) {
	t.Helper()
	if _, _, err := runCLI(t, []string{"login", "--username", "alice", "--password", "s3cret"}, env.configPath); err != nil {
		t.Fatalf("login: %v", err)
	}
}
