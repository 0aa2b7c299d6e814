package apiclient

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"golang.org/x/text/language"

	"drillquiz/internal/config"
	"drillquiz/internal/credstore"
	"drillquiz/internal/csrf"
	"drillquiz/internal/refresh"
)

// Session bundles the wired client stack for one backend.
type Session struct {
	Store     *credstore.Store
	CSRF      *csrf.Bootstrapper
	Refresher *refresh.Coordinator
	Transport *Transport
	Client    *Client
	Jar       http.CookieJar
}

// OpenOption adjusts Open.
type OpenOption func(*openOptions)

type openOptions struct {
	base       http.RoundTripper
	redirector LoginRedirector
	storeOpts  []credstore.Option
}

// WithOpenBase sets the network round tripper under the credential transport.
func WithOpenBase(rt http.RoundTripper) OpenOption {
	return func(o *openOptions) { o.base = rt }
}

// WithOpenRedirector sets the login redirect port.
func WithOpenRedirector(r LoginRedirector) OpenOption {
	return func(o *openOptions) { o.redirector = r }
}

// WithStoreOptions forwards options to the credential store.
func WithStoreOptions(opts ...credstore.Option) OpenOption {
	return func(o *openOptions) { o.storeOpts = append(o.storeOpts, opts...) }
}

// Open hydrates a credential store over storage and wires the CSRF
// bootstrapper, refresh coordinator, transport, and client from cfg.
func Open(ctx context.Context, cfg *config.Config, storage credstore.Storage, logger *slog.Logger, opts ...OpenOption) (*Session, error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}

	base, err := url.Parse(cfg.API.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse api.base_url: %w", err)
	}
	tag, err := language.Parse(cfg.API.Language)
	if err != nil {
		return nil, fmt.Errorf("parse api.language: %w", err)
	}

	store := credstore.New(storage, append([]credstore.Option{credstore.WithLogger(logger)}, o.storeOpts...)...)
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("init credential store: %w", err)
	}

	jar, err := csrf.NewCookieJar()
	if err != nil {
		return nil, err
	}
	csrfOpts := []csrf.Option{csrf.WithPath(cfg.API.CSRFPath), csrf.WithLogger(logger)}
	if o.base != nil {
		csrfOpts = append(csrfOpts, csrf.WithHTTPClient(&http.Client{Transport: o.base, Jar: jar, Timeout: cfg.Timeout()}))
	}
	bootstrapper, err := csrf.New(cfg.API.BaseURL, jar, csrfOpts...)
	if err != nil {
		return nil, err
	}

	transportOpts := []TransportOption{
		WithCSRF(bootstrapper),
		WithRedirector(o.redirector),
		WithPublicPaths(cfg.API.PublicPaths),
		WithBasePath(base.Path),
		WithRefreshPath(cfg.API.RefreshPath),
		WithLanguage(tag),
		WithRateLimit(cfg.API.RequestsPerSecond, cfg.API.Burst),
		WithTransportLogger(logger),
	}
	if o.base != nil {
		transportOpts = append(transportOpts, WithBase(o.base))
	}
	transport := NewTransport(store, transportOpts...)

	coordinator, err := refresh.New(cfg.API.BaseURL, store,
		refresh.WithPath(cfg.API.RefreshPath),
		refresh.WithHTTPClient(&http.Client{Transport: transport, Jar: jar, Timeout: cfg.Timeout()}),
		refresh.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	transport.SetRefresher(coordinator)

	client, err := NewClient(cfg.API.BaseURL, transport,
		WithTimeouts(cfg.Timeout(), cfg.LongTimeout()),
		WithJar(jar),
		WithClientLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	return &Session{
		Store:     store,
		CSRF:      bootstrapper,
		Refresher: coordinator,
		Transport: transport,
		Client:    client,
		Jar:       jar,
	}, nil
}

// Close releases the credential store's subscribers and cache.
func (s *Session) Close() {
	if s == nil || s.Store == nil {
		return
	}
	s.Store.Dispose()
}
