package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"drillquiz/internal/account"
	"drillquiz/internal/apiclient"
	"drillquiz/internal/config"
	"drillquiz/internal/credstore"
	"drillquiz/internal/logging"
)

type commandContext struct {
	configFlag *string
	jsonFlag   *bool

	configOnce sync.Once
	config     *config.Config
	configPath string
	configSeen bool
	configErr  error

	loggerOnce sync.Once
	logger     *slog.Logger
	loggerErr  error
}

func newCommandContext(configFlag *string, jsonFlag *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		jsonFlag:   jsonFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, exists, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
		c.configSeen = exists
	})
	return c.config, c.configErr
}

func (c *commandContext) ensureLogger() (*slog.Logger, error) {
	c.loggerOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.loggerErr = err
			return
		}
		c.logger, c.loggerErr = logging.NewFromConfig(cfg)
	})
	return c.logger, c.loggerErr
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

// cliSession is an opened client stack plus the storage it owns.
type cliSession struct {
	*apiclient.Session
	Accounts *account.Service
	Config   *config.Config
	Logger   *slog.Logger

	storage io.Closer
}

func (s *cliSession) Close() {
	s.Session.Close()
	if s.storage != nil {
		_ = s.storage.Close()
	}
}

// openSession loads credentials from the configured storage and wires the
// authenticated client. Session-expiry hints are written to hint.
func (c *commandContext) openSession(ctx context.Context, hint io.Writer) (*cliSession, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.ensureLogger()
	if err != nil {
		return nil, err
	}

	storage, closer, err := credstore.OpenStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open credential storage: %w", err)
	}
	session, err := apiclient.Open(ctx, cfg, storage, logger,
		apiclient.WithOpenRedirector(loginHint{out: hint}),
	)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	accounts, err := account.New(session.Client, session.Store, session.CSRF, account.WithLogger(logger))
	if err != nil {
		session.Close()
		_ = closer.Close()
		return nil, err
	}
	return &cliSession{
		Session:  session,
		Accounts: accounts,
		Config:   cfg,
		Logger:   logger,
		storage:  closer,
	}, nil
}

func (c *commandContext) withSession(cmd *cobra.Command, fn func(*cliSession) error) error {
	session, err := c.openSession(cmd.Context(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer session.Close()
	return fn(session)
}

// loginHint tells the user to sign in again when the session cannot be renewed.
type loginHint struct {
	out io.Writer
}

func (h loginHint) RedirectToLogin(_ context.Context, reason string) {
	if h.out == nil {
		return
	}
	fmt.Fprintf(h.out, "Signed out: %s. Run `drillquiz login` to sign in again.\n", reason)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
