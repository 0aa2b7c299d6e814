package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/text/language"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateAPI(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateRealtime(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateAPI() error {
	parsed, err := url.Parse(c.API.BaseURL)
	if err != nil {
		return fmt.Errorf("api.base_url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("api.base_url must use http or https, got %q", c.API.BaseURL)
	}
	if parsed.Host == "" {
		return fmt.Errorf("api.base_url must include a host, got %q", c.API.BaseURL)
	}
	if c.API.LongTimeoutSeconds < c.API.TimeoutSeconds {
		return errors.New("api.long_timeout_seconds must be at least api.timeout_seconds")
	}
	if _, err := language.Parse(c.API.Language); err != nil {
		return fmt.Errorf("api.language %q is not a valid language tag: %w", c.API.Language, err)
	}
	for _, path := range c.API.PublicPaths {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("api.public_paths entry %q must start with /", path)
		}
	}
	if c.API.RequestsPerSecond < 0 {
		return errors.New("api.requests_per_second must be zero or positive")
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case StorageMemory, StorageRedis:
	case StorageFile, StorageSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the %s backend", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, file, sqlite, redis; got %q", c.Storage.Backend)
	}
	if c.Storage.RedisDB < 0 {
		return errors.New("storage.redis_db must be zero or positive")
	}
	return nil
}

func (c *Config) validateRealtime() error {
	if c.Realtime.ReconnectAttempts > 10 {
		return errors.New("realtime.reconnect_attempts must be 10 or fewer")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	return nil
}
