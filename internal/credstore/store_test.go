package credstore_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"drillquiz/internal/credstore"
)

func fixedClock(t0 time.Time) func() time.Time {
	return func() time.Time { return t0 }
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func newStore(t *testing.T, storage credstore.Storage, opts ...credstore.Option) *credstore.Store {
	t.Helper()
	store := credstore.New(storage, opts...)
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(store.Dispose)
	return store
}

func TestSetAccessStoresExpiryFromExpiresIn(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	storage := credstore.NewMemoryStorage()
	store := newStore(t, storage, credstore.WithClock(fixedClock(t0)))
	ctx := context.Background()

	if err := store.SetAccess(ctx, "access-1", 1800*time.Second); err != nil {
		t.Fatalf("SetAccess: %v", err)
	}

	raw, found, _ := storage.Get(ctx, credstore.KeyAccessExpiresAt)
	if !found {
		t.Fatal("expected access expiry to be stored")
	}
	if want := strconv.FormatInt(t0.UnixMilli()+1_800_000, 10); raw != want {
		t.Fatalf("expiry = %s, want %s", raw, want)
	}
	expiry, err := store.AccessExpiry(ctx)
	if err != nil {
		t.Fatalf("AccessExpiry: %v", err)
	}
	if !expiry.Equal(t0.Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", expiry)
	}
	token, err := store.AccessToken(ctx)
	if err != nil || token != "access-1" {
		t.Fatalf("AccessToken = %q, %v", token, err)
	}
}

func TestSetTokensApplyDefaultLifetimes(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newStore(t, credstore.NewMemoryStorage(), credstore.WithClock(fixedClock(t0)))
	ctx := context.Background()

	if err := store.SetAccess(ctx, "a", 0); err != nil {
		t.Fatalf("SetAccess: %v", err)
	}
	if err := store.SetRefresh(ctx, "r", -5*time.Second); err != nil {
		t.Fatalf("SetRefresh: %v", err)
	}
	access, _ := store.AccessExpiry(ctx)
	refresh, _ := store.RefreshExpiry(ctx)
	if !access.Equal(t0.Add(credstore.DefaultAccessTTL)) {
		t.Fatalf("access expiry %s, want default", access)
	}
	if !refresh.Equal(t0.Add(credstore.DefaultRefreshTTL)) {
		t.Fatalf("refresh expiry %s, want default", refresh)
	}
}

func TestEmptyTokenRemovesTokenAndExpiry(t *testing.T) {
	storage := credstore.NewMemoryStorage()
	store := newStore(t, storage)
	ctx := context.Background()

	if err := store.SetAccess(ctx, "a", time.Minute); err != nil {
		t.Fatalf("SetAccess: %v", err)
	}
	if err := store.SetAccess(ctx, "", time.Minute); err != nil {
		t.Fatalf("SetAccess empty: %v", err)
	}
	if _, found, _ := storage.Get(ctx, credstore.KeyAccessExpiresAt); found {
		t.Fatal("expected expiry removed with token")
	}
	if token, _ := store.AccessToken(ctx); token != "" {
		t.Fatalf("expected empty token, got %q", token)
	}
	if expiry, _ := store.AccessExpiry(ctx); !expiry.IsZero() {
		t.Fatalf("expected zero expiry, got %s", expiry)
	}
}

func TestClearEmptiesEverythingAndNotifies(t *testing.T) {
	storage := credstore.NewMemoryStorage()
	store := newStore(t, storage)
	ctx := context.Background()

	err := store.StoreAuthResult(ctx, credstore.AuthResult{
		AccessToken:  "a",
		RefreshToken: "r",
		User:         &credstore.User{ID: 7, Username: "kim"},
	})
	if err != nil {
		t.Fatalf("StoreAuthResult: %v", err)
	}

	var (
		mu   sync.Mutex
		seen []credstore.Snapshot
	)
	unsubscribe := store.Subscribe(func(s credstore.Snapshot) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	defer unsubscribe()

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	if storage.Len() != 0 {
		t.Fatalf("expected storage empty, %d keys remain", storage.Len())
	}
	access, _ := store.AccessToken(ctx)
	refresh, _ := store.RefreshToken(ctx)
	user, _ := store.User(ctx)
	if access != "" || refresh != "" || user != nil {
		t.Fatalf("expected empty getters, got %q %q %v", access, refresh, user)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("expected immediate + clear snapshots, got %d", len(seen))
	}
	if !seen[0].IsAuthenticated {
		t.Fatal("expected initial snapshot authenticated")
	}
	if seen[1].IsAuthenticated || seen[1].User != nil {
		t.Fatalf("expected signed-out snapshot, got %+v", seen[1])
	}
}

func TestSubscribeUnsubscribeAndPanicIsolation(t *testing.T) {
	store := newStore(t, credstore.NewMemoryStorage())
	ctx := context.Background()

	store.Subscribe(func(credstore.Snapshot) { panic("boom") })

	calls := 0
	off := store.Subscribe(func(credstore.Snapshot) { calls++ })
	if calls != 1 {
		t.Fatalf("expected immediate delivery, got %d calls", calls)
	}

	if err := store.SetAccess(ctx, "a", time.Minute); err != nil {
		t.Fatalf("SetAccess with panicking subscriber: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected notification after mutation, got %d calls", calls)
	}

	off()
	if err := store.SetAccess(ctx, "b", time.Minute); err != nil {
		t.Fatalf("SetAccess: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected no delivery after unsubscribe, got %d calls", calls)
	}
}

func TestStoreAuthResultEnrichesFromClaims(t *testing.T) {
	store := newStore(t, credstore.NewMemoryStorage())
	ctx := context.Background()

	access := signToken(t, jwt.MapClaims{
		"user_id":  float64(42),
		"username": "from-token",
		"email":    "token@example.com",
		"role":     "admin_role",
		"language": "ko",
	})
	if err := store.StoreAuthResult(ctx, credstore.AuthResult{AccessToken: access}); err != nil {
		t.Fatalf("StoreAuthResult: %v", err)
	}

	user, err := store.User(ctx)
	if err != nil {
		t.Fatalf("User: %v", err)
	}
	if user == nil || user.ID != 42 || user.Username != "from-token" || user.Language != "ko" {
		t.Fatalf("unexpected enriched user: %+v", user)
	}
	snapshot := store.Snapshot()
	if !snapshot.IsAuthenticated || !snapshot.IsAdmin {
		t.Fatalf("expected authenticated admin snapshot, got %+v", snapshot)
	}
}

func TestStoreAuthResultMergesOverCachedUser(t *testing.T) {
	store := newStore(t, credstore.NewMemoryStorage())
	ctx := context.Background()

	first := credstore.AuthResult{User: &credstore.User{ID: 1, Username: "kim", Email: "kim@example.com", IsStaff: true}}
	if err := store.StoreAuthResult(ctx, first); err != nil {
		t.Fatalf("StoreAuthResult: %v", err)
	}
	second := credstore.AuthResult{User: &credstore.User{Language: "en"}}
	if err := store.StoreAuthResult(ctx, second); err != nil {
		t.Fatalf("StoreAuthResult: %v", err)
	}

	user, _ := store.User(ctx)
	if user.Username != "kim" || user.Email != "kim@example.com" || user.Language != "en" {
		t.Fatalf("expected merged user, got %+v", user)
	}
	if user.IsStaff {
		t.Fatal("expected server profile flags to replace cached flags")
	}
}

func TestIsAdminRules(t *testing.T) {
	tests := []struct {
		name string
		user *credstore.User
		want bool
	}{
		{"nil", nil, false},
		{"role", &credstore.User{Role: credstore.AdminRole}, true},
		{"superuser", &credstore.User{Role: "member", IsSuperuser: true}, true},
		{"staff", &credstore.User{IsStaff: true}, true},
		{"plain", &credstore.User{Role: "member"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.user.IsAdmin(); got != tc.want {
				t.Fatalf("IsAdmin() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestInitHydratesFromStorage(t *testing.T) {
	ctx := context.Background()
	storage := credstore.NewMemoryStorage()
	_ = storage.Set(ctx, credstore.KeyAccess, "persisted-access")
	_ = storage.Set(ctx, credstore.KeyRefresh, "persisted-refresh")
	_ = storage.Set(ctx, credstore.KeyUser, `{"id":3,"username":"lee"}`)

	store := newStore(t, storage)
	snapshot := store.Snapshot()
	if !snapshot.IsAuthenticated || snapshot.User == nil || snapshot.User.Username != "lee" {
		t.Fatalf("unexpected hydrated snapshot: %+v", snapshot)
	}
	if token, _ := store.RefreshToken(ctx); token != "persisted-refresh" {
		t.Fatalf("unexpected refresh token %q", token)
	}
}

func TestAccessTokenFallsBackToStorage(t *testing.T) {
	ctx := context.Background()
	storage := credstore.NewMemoryStorage()
	store := newStore(t, storage)

	// Written by another process after Init.
	_ = storage.Set(ctx, credstore.KeyAccess, "late")
	token, err := store.AccessToken(ctx)
	if err != nil || token != "late" {
		t.Fatalf("AccessToken = %q, %v", token, err)
	}
}

// gatedStorage pauses the first Get of key after reading the stored value,
// so a test can mutate the store while the read is in flight.
type gatedStorage struct {
	*credstore.MemoryStorage
	key     string
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedStorage(key string) *gatedStorage {
	return &gatedStorage{
		MemoryStorage: credstore.NewMemoryStorage(),
		key:           key,
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func (g *gatedStorage) Get(ctx context.Context, key string) (string, bool, error) {
	value, found, err := g.MemoryStorage.Get(ctx, key)
	if key == g.key {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return value, found, err
}

func TestClearDuringStorageReadIsNotUndone(t *testing.T) {
	ctx := context.Background()
	storage := newGatedStorage(credstore.KeyAccess)
	store := credstore.New(storage)
	t.Cleanup(store.Dispose)

	// Persisted by another process; the cache is cold.
	_ = storage.Set(ctx, credstore.KeyAccess, "stale")

	type result struct {
		token string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		token, err := store.AccessToken(ctx)
		done <- result{token, err}
	}()

	<-storage.entered
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	close(storage.release)

	res := <-done
	if res.err != nil {
		t.Fatalf("AccessToken: %v", res.err)
	}
	if res.token != "" {
		t.Fatalf("expected cleared token, got %q", res.token)
	}
	if token, _ := store.AccessToken(ctx); token != "" {
		t.Fatalf("stale token re-cached: %q", token)
	}
	if storage.Len() != 0 {
		t.Fatalf("expected storage empty, %d keys remain", storage.Len())
	}
	if store.Snapshot().IsAuthenticated {
		t.Fatal("expected signed-out snapshot after clear")
	}
}

func TestSetTokensIfRejectedAfterClearOrNewSignIn(t *testing.T) {
	ctx := context.Background()
	storage := credstore.NewMemoryStorage()
	store := newStore(t, storage)
	if err := store.StoreAuthResult(ctx, credstore.AuthResult{AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatalf("StoreAuthResult: %v", err)
	}

	epoch := store.Epoch()
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	err := store.SetTokensIf(ctx, epoch, "late-access", 0, "late-refresh", 0)
	if !errors.Is(err, credstore.ErrStale) {
		t.Fatalf("SetTokensIf after Clear = %v, want ErrStale", err)
	}
	if storage.Len() != 0 {
		t.Fatalf("expected nothing persisted, %d keys stored", storage.Len())
	}
	if store.Snapshot().IsAuthenticated {
		t.Fatal("expected signed-out snapshot")
	}

	epoch = store.Epoch()
	if err := store.StoreAuthResult(ctx, credstore.AuthResult{AccessToken: "login-access", RefreshToken: "login-refresh"}); err != nil {
		t.Fatalf("StoreAuthResult: %v", err)
	}
	err = store.SetTokensIf(ctx, epoch, "old-session", 0, "", 0)
	if !errors.Is(err, credstore.ErrStale) {
		t.Fatalf("SetTokensIf after sign-in = %v, want ErrStale", err)
	}
	if token, _ := store.AccessToken(ctx); token != "login-access" {
		t.Fatalf("AccessToken = %q, want login-access", token)
	}
}

func TestSetTokensIfKeepsEpochAcrossRefreshes(t *testing.T) {
	ctx := context.Background()
	storage := credstore.NewMemoryStorage()
	store := newStore(t, storage)
	if err := store.StoreAuthResult(ctx, credstore.AuthResult{AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatalf("StoreAuthResult: %v", err)
	}

	epoch := store.Epoch()
	if err := store.SetUser(ctx, &credstore.User{ID: 2, Username: "kim"}); err != nil {
		t.Fatalf("SetUser: %v", err)
	}
	if err := store.SetTokensIf(ctx, epoch, "fresh", 0, "", 0); err != nil {
		t.Fatalf("SetTokensIf: %v", err)
	}
	if err := store.SetTokensIf(ctx, epoch, "fresher", 0, "rotated", 0); err != nil {
		t.Fatalf("second SetTokensIf: %v", err)
	}
	if token, _ := store.AccessToken(ctx); token != "fresher" {
		t.Fatalf("AccessToken = %q, want fresher", token)
	}
	if token, _ := store.RefreshToken(ctx); token != "rotated" {
		t.Fatalf("RefreshToken = %q, want rotated", token)
	}
	if user, _ := store.User(ctx); user == nil || user.Username != "kim" {
		t.Fatalf("expected user kept, got %+v", user)
	}
}
