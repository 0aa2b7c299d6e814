package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	c.normalizeAPI()
	if err := c.normalizeStorage(); err != nil {
		return err
	}
	c.normalizeRealtime()
	return c.normalizeLogging()
}

func (c *Config) normalizeAPI() {
	c.API.BaseURL = strings.TrimSpace(c.API.BaseURL)
	if value, ok := os.LookupEnv("DRILLQUIZ_API_BASE_URL"); ok && strings.TrimSpace(value) != "" {
		c.API.BaseURL = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv("DRILLQUIZ_API_PROTOCOL"); ok && strings.TrimSpace(value) != "" {
		c.API.Protocol = value
	}
	if value, ok := os.LookupEnv("DRILLQUIZ_API_HOST"); ok && strings.TrimSpace(value) != "" {
		c.API.Host = value
	}
	if value, ok := os.LookupEnv("DRILLQUIZ_API_PORT"); ok && strings.TrimSpace(value) != "" {
		c.API.Port = value
	}
	if value, ok := os.LookupEnv("DRILLQUIZ_ENVIRONMENT"); ok && strings.TrimSpace(value) != "" {
		c.API.Environment = value
	}

	c.API.Protocol = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(c.API.Protocol), "://"))
	if c.API.Protocol == "" {
		c.API.Protocol = defaultAPIProtocol
	}
	c.API.Host = strings.TrimSpace(c.API.Host)
	if c.API.Host == "" {
		c.API.Host = defaultAPIHost
	}
	c.API.Port = strings.TrimSpace(c.API.Port)
	c.API.Environment = strings.ToLower(strings.TrimSpace(c.API.Environment))
	if c.API.Environment == "" {
		c.API.Environment = defaultEnvironment
	}

	if c.API.BaseURL == "" {
		c.API.BaseURL = buildBaseURL(c.API.Protocol, c.API.Host, c.API.Port)
	}
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")

	if c.API.TimeoutSeconds <= 0 {
		c.API.TimeoutSeconds = defaultTimeoutSeconds
	}
	if c.API.LongTimeoutSeconds <= 0 {
		c.API.LongTimeoutSeconds = defaultLongTimeoutSeconds
	}

	c.API.RefreshPath = normalizeEndpointPath(c.API.RefreshPath, defaultRefreshPath)
	c.API.CSRFPath = normalizeEndpointPath(c.API.CSRFPath, defaultCSRFPath)

	c.API.Language = strings.TrimSpace(c.API.Language)
	if c.API.Language == "" {
		c.API.Language = defaultLanguage
	}

	paths := make([]string, 0, len(c.API.PublicPaths))
	seen := make(map[string]struct{}, len(c.API.PublicPaths))
	for _, path := range c.API.PublicPaths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		paths = append(paths, path)
	}
	c.API.PublicPaths = paths

	if c.API.RequestsPerSecond > 0 && c.API.Burst <= 0 {
		c.API.Burst = 1
	}
}

// buildBaseURL composes the backend origin. Standard ports are omitted so the
// result matches what a browser would send as Origin.
func buildBaseURL(protocol, host, port string) string {
	if port == "" || (protocol == "http" && port == "80") || (protocol == "https" && port == "443") {
		return fmt.Sprintf("%s://%s", protocol, host)
	}
	return fmt.Sprintf("%s://%s:%s", protocol, host, port)
}

func normalizeEndpointPath(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	if !strings.HasPrefix(value, "/") {
		value = "/" + value
	}
	return value
}

func (c *Config) normalizeStorage() error {
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = defaultStorageBackend
	}

	c.Storage.Path = strings.TrimSpace(c.Storage.Path)
	if c.Storage.Path == "" {
		switch c.Storage.Backend {
		case StorageFile:
			c.Storage.Path = defaultFileStoragePath
		case StorageSQLite:
			c.Storage.Path = defaultSQLiteStoragePath
		}
	}
	if c.Storage.Path != "" {
		expanded, err := expandPath(c.Storage.Path)
		if err != nil {
			return fmt.Errorf("storage.path: %w", err)
		}
		c.Storage.Path = expanded
	}

	c.Storage.RedisAddr = strings.TrimSpace(c.Storage.RedisAddr)
	if c.Storage.RedisAddr == "" {
		c.Storage.RedisAddr = defaultRedisAddr
	}
	c.Storage.RedisKey = strings.TrimSpace(c.Storage.RedisKey)
	if c.Storage.RedisKey == "" {
		c.Storage.RedisKey = defaultRedisKey
	}
	if c.Storage.RedisPassword == "" {
		if value, ok := os.LookupEnv("DRILLQUIZ_REDIS_PASSWORD"); ok {
			c.Storage.RedisPassword = value
		}
	}
	return nil
}

func (c *Config) normalizeRealtime() {
	if c.Realtime.ReconnectAttempts < 0 {
		c.Realtime.ReconnectAttempts = 0
	}
	if c.Realtime.ReconnectDelayMillis <= 0 {
		c.Realtime.ReconnectDelayMillis = defaultReconnectDelayMillis
	}
	c.Realtime.Voice = strings.TrimSpace(c.Realtime.Voice)
	if c.Realtime.Voice == "" {
		c.Realtime.Voice = defaultRealtimeVoice
	}
}

func (c *Config) normalizeLogging() error {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	c.Logging.Dir = strings.TrimSpace(c.Logging.Dir)
	if c.Logging.Dir != "" {
		expanded, err := expandPath(c.Logging.Dir)
		if err != nil {
			return fmt.Errorf("logging.dir: %w", err)
		}
		c.Logging.Dir = expanded
	}
	return nil
}
