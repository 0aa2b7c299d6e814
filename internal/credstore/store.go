package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"drillquiz/internal/logging"
)

// Lifetimes applied when the server omits expires_in.
const (
	DefaultAccessTTL  = 30 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// ErrStale reports a conditional write rejected because the session was
// cleared or replaced after the caller read the epoch.
var ErrStale = errors.New("credential session changed")

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for storage and subscriber failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logging.NewComponentLogger(logger, "credstore")
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

type cache struct {
	accessToken  string
	refreshToken string
	user         *User
}

// Store owns the credential pair, the cached user, and the subscriber set.
type Store struct {
	storage    Storage
	logger     *slog.Logger
	now        func() time.Time
	accessTTL  time.Duration
	refreshTTL time.Duration

	// writeMu serializes mutations. mu guards the cache and both counters.
	// generation increments on every mutation; lazy storage reads fill the
	// cache only when it is unchanged. epoch increments when a session is
	// cleared or replaced by a new sign-in.
	writeMu    sync.Mutex
	mu         sync.RWMutex
	cache      cache
	generation uint64
	epoch      uint64

	subsMu sync.Mutex
	subs   map[uint64]func(Snapshot)
	nextID uint64
}

// New constructs a Store over storage. Call Init before use.
func New(storage Storage, opts ...Option) *Store {
	s := &Store{
		storage:    storage,
		logger:     logging.NewComponentLogger(nil, "credstore"),
		now:        time.Now,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		subs:       make(map[uint64]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init hydrates the cache from storage and notifies subscribers. A stored user
// is enriched from the stored access token.
func (s *Store) Init(ctx context.Context) error {
	if err := s.hydrate(ctx); err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *Store) hydrate(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	access, _, err := s.storage.Get(ctx, KeyAccess)
	if err != nil {
		return fmt.Errorf("load access token: %w", err)
	}
	refresh, _, err := s.storage.Get(ctx, KeyRefresh)
	if err != nil {
		return fmt.Errorf("load refresh token: %w", err)
	}
	user, err := s.loadUser(ctx)
	if err != nil {
		return err
	}
	if user != nil && access != "" {
		user = enrichFromToken(user, access)
	}

	s.mu.Lock()
	s.cache = cache{accessToken: access, refreshToken: refresh, user: user}
	s.generation++
	s.mu.Unlock()
	return nil
}

// Dispose drops subscribers and the in-memory cache. Persisted values remain.
func (s *Store) Dispose() {
	s.subsMu.Lock()
	s.subs = make(map[uint64]func(Snapshot))
	s.subsMu.Unlock()

	s.mu.Lock()
	s.cache = cache{}
	s.generation++
	s.mu.Unlock()
}

// Epoch identifies the current session. It changes on Clear and on every
// StoreAuthResult; token refreshes keep it.
func (s *Store) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// AccessToken returns the cached access token, falling back to storage.
// An absent token yields "".
func (s *Store) AccessToken(ctx context.Context) (string, error) {
	return s.token(ctx, KeyAccess, func(c *cache) *string { return &c.accessToken })
}

// RefreshToken returns the cached refresh token, falling back to storage.
func (s *Store) RefreshToken(ctx context.Context) (string, error) {
	return s.token(ctx, KeyRefresh, func(c *cache) *string { return &c.refreshToken })
}

func (s *Store) token(ctx context.Context, key string, field func(*cache) *string) (string, error) {
	s.mu.RLock()
	cached := *field(&s.cache)
	generation := s.generation
	s.mu.RUnlock()
	if cached != "" {
		return cached, nil
	}

	value, found, err := s.storage.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	if !found || value == "" {
		return "", nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != generation {
		// A mutation raced the read; the cache now holds the current value.
		return *field(&s.cache), nil
	}
	*field(&s.cache) = value
	return value, nil
}

// AccessExpiry returns the stored absolute access expiry, zero when absent.
func (s *Store) AccessExpiry(ctx context.Context) (time.Time, error) {
	return s.expiry(ctx, KeyAccessExpiresAt)
}

// RefreshExpiry returns the stored absolute refresh expiry, zero when absent.
func (s *Store) RefreshExpiry(ctx context.Context) (time.Time, error) {
	return s.expiry(ctx, KeyRefreshExpiresAt)
}

func (s *Store) expiry(ctx context.Context, key string) (time.Time, error) {
	raw, found, err := s.storage.Get(ctx, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("read %s: %w", key, err)
	}
	if !found || strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		s.logger.Debug("ignoring malformed expiry", logging.String("key", key), logging.Error(err))
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}

// SetAccess stores the access token with expiry now+expiresIn. A non-positive
// expiresIn applies the default access lifetime. An empty token removes the
// token and its expiry.
func (s *Store) SetAccess(ctx context.Context, token string, expiresIn time.Duration) error {
	s.writeMu.Lock()
	err := s.setAccess(ctx, token, expiresIn)
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

// SetRefresh stores the refresh token; semantics match SetAccess.
func (s *Store) SetRefresh(ctx context.Context, token string, expiresIn time.Duration) error {
	s.writeMu.Lock()
	err := s.setRefresh(ctx, token, expiresIn)
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

// SetTokensIf stores a refreshed access token, and refresh when non-empty,
// only while epoch is current. It returns ErrStale when the session was
// cleared or replaced meanwhile and leaves storage untouched.
func (s *Store) SetTokensIf(ctx context.Context, epoch uint64, access string, accessIn time.Duration, refresh string, refreshIn time.Duration) error {
	s.writeMu.Lock()
	err := s.setTokensIf(ctx, epoch, access, accessIn, refresh, refreshIn)
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *Store) setTokensIf(ctx context.Context, epoch uint64, access string, accessIn time.Duration, refresh string, refreshIn time.Duration) error {
	if s.Epoch() != epoch {
		return ErrStale
	}
	if err := s.setAccess(ctx, access, accessIn); err != nil {
		return err
	}
	if refresh == "" {
		return nil
	}
	return s.setRefresh(ctx, refresh, refreshIn)
}

func (s *Store) setAccess(ctx context.Context, token string, expiresIn time.Duration) error {
	if err := s.writeToken(ctx, KeyAccess, KeyAccessExpiresAt, token, expiresIn, s.accessTTL); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache.accessToken = token
	s.generation++
	s.mu.Unlock()
	return nil
}

func (s *Store) setRefresh(ctx context.Context, token string, expiresIn time.Duration) error {
	if err := s.writeToken(ctx, KeyRefresh, KeyRefreshExpiresAt, token, expiresIn, s.refreshTTL); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache.refreshToken = token
	s.generation++
	s.mu.Unlock()
	return nil
}

func (s *Store) writeToken(ctx context.Context, tokenKey, expiryKey, token string, expiresIn, fallback time.Duration) error {
	if token == "" {
		if err := s.storage.Delete(ctx, tokenKey); err != nil {
			return fmt.Errorf("delete %s: %w", tokenKey, err)
		}
		if err := s.storage.Delete(ctx, expiryKey); err != nil {
			return fmt.Errorf("delete %s: %w", expiryKey, err)
		}
		return nil
	}
	if expiresIn <= 0 {
		expiresIn = fallback
	}
	expiresAt := s.now().Add(expiresIn).UnixMilli()
	if err := s.storage.Set(ctx, tokenKey, token); err != nil {
		return fmt.Errorf("write %s: %w", tokenKey, err)
	}
	if err := s.storage.Set(ctx, expiryKey, strconv.FormatInt(expiresAt, 10)); err != nil {
		return fmt.Errorf("write %s: %w", expiryKey, err)
	}
	return nil
}

// User returns a copy of the cached user, falling back to storage.
func (s *Store) User(ctx context.Context) (*User, error) {
	s.mu.RLock()
	user := s.cache.user.clone()
	generation := s.generation
	s.mu.RUnlock()
	if user != nil {
		return user, nil
	}
	user, err := s.loadUser(ctx)
	if err != nil || user == nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != generation {
		return s.cache.user.clone(), nil
	}
	s.cache.user = user.clone()
	return user, nil
}

// SetUser merges a server profile over the cached user and persists it.
func (s *Store) SetUser(ctx context.Context, user *User) error {
	if user == nil {
		return nil
	}
	s.writeMu.Lock()
	s.mu.RLock()
	existing := s.cache.user.clone()
	s.mu.RUnlock()
	err := s.saveUser(ctx, mergeUser(existing, user, true))
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

// StoreAuthResult persists whichever of the access token, refresh token, and
// user are present. The user is enriched from the access token claims and
// merged over any cached user.
func (s *Store) StoreAuthResult(ctx context.Context, result AuthResult) error {
	s.writeMu.Lock()
	err := s.storeAuthResult(ctx, result)
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *Store) storeAuthResult(ctx context.Context, result AuthResult) error {
	s.mu.Lock()
	s.epoch++
	s.mu.Unlock()
	if result.AccessToken != "" {
		if err := s.setAccess(ctx, result.AccessToken, result.AccessExpiresIn); err != nil {
			return err
		}
	}
	if result.RefreshToken != "" {
		if err := s.setRefresh(ctx, result.RefreshToken, result.RefreshExpiresIn); err != nil {
			return err
		}
	}

	processed := result.User.clone()
	if result.AccessToken != "" {
		processed = enrichFromToken(processed, result.AccessToken)
	}

	s.mu.RLock()
	existing := s.cache.user.clone()
	s.mu.RUnlock()
	if existing != nil {
		processed = mergeUser(existing, processed, result.User != nil)
	}

	if result.User != nil || !processed.IsZero() {
		return s.saveUser(ctx, processed)
	}
	return nil
}

// Clear removes every persisted key and the cache, then notifies subscribers
// with a signed-out snapshot. All keys are attempted; the first error is returned.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	var firstErr error
	for _, key := range AllKeys {
		if err := s.storage.Delete(ctx, key); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("delete %s: %w", key, err)
		}
	}
	s.mu.Lock()
	s.cache = cache{}
	s.generation++
	s.epoch++
	s.mu.Unlock()
	s.writeMu.Unlock()
	s.notify()
	return firstErr
}

// Snapshot derives the current authentication state from the cache.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user := s.cache.user.clone()
	return Snapshot{
		User:            user,
		IsAuthenticated: user != nil || s.cache.accessToken != "",
		IsAdmin:         user.IsAdmin(),
	}
}

// Subscribe registers fn and immediately delivers the current snapshot. The
// returned function removes the subscription.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	if fn == nil {
		return func() {}
	}
	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subsMu.Unlock()

	s.deliver(fn, s.Snapshot())

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (s *Store) notify() {
	s.subsMu.Lock()
	if len(s.subs) == 0 {
		s.subsMu.Unlock()
		return
	}
	handlers := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		handlers = append(handlers, fn)
	}
	s.subsMu.Unlock()

	snapshot := s.Snapshot()
	for _, fn := range handlers {
		s.deliver(fn, snapshot)
	}
}

func (s *Store) deliver(fn func(Snapshot), snapshot Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("auth subscriber panicked", logging.Any("panic", r))
		}
	}()
	// Each subscriber gets its own user copy.
	snapshot.User = snapshot.User.clone()
	fn(snapshot)
}

func (s *Store) loadUser(ctx context.Context) (*User, error) {
	raw, found, err := s.storage.Get(ctx, KeyUser)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", KeyUser, err)
	}
	if !found || strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var user User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		s.logger.Warn("discarding unreadable cached user", logging.Error(err))
		return nil, nil
	}
	return &user, nil
}

func (s *Store) saveUser(ctx context.Context, user *User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	if err := s.storage.Set(ctx, KeyUser, string(data)); err != nil {
		return fmt.Errorf("write %s: %w", KeyUser, err)
	}
	s.mu.Lock()
	s.cache.user = user.clone()
	s.generation++
	s.mu.Unlock()
	return nil
}
