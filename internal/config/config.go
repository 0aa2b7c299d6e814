package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// API contains backend location and request behaviour.
type API struct {
	BaseURL            string   `toml:"base_url"`
	Protocol           string   `toml:"protocol"`
	Host               string   `toml:"host"`
	Port               string   `toml:"port"`
	Environment        string   `toml:"environment"`
	TimeoutSeconds     int      `toml:"timeout_seconds"`
	LongTimeoutSeconds int      `toml:"long_timeout_seconds"`
	RefreshPath        string   `toml:"refresh_path"`
	CSRFPath           string   `toml:"csrf_path"`
	Language           string   `toml:"language"`
	PublicPaths        []string `toml:"public_paths"`
	RequestsPerSecond  float64  `toml:"requests_per_second"`
	Burst              int      `toml:"burst"`
}

// Storage selects where credentials are persisted between runs.
type Storage struct {
	Backend       string `toml:"backend"` // memory, file, sqlite, redis
	Path          string `toml:"path"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	RedisKey      string `toml:"redis_key"`
}

// Realtime contains settings for the realtime voice client.
type Realtime struct {
	ReconnectAttempts    int    `toml:"reconnect_attempts"`
	ReconnectDelayMillis int    `toml:"reconnect_delay_ms"`
	Voice                string `toml:"voice"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
	Dir    string `toml:"dir"`
}

// Config encapsulates all configuration values for the DrillQuiz client.
//
// Configuration sections by subsystem:
//   - API: backend base URL, timeouts, auth endpoints, public paths, rate limit
//   - Storage: credential persistence backend
//   - Realtime: voice interview WebSocket reconnect policy
//   - Logging: log format, level, and file directory
type Config struct {
	API      API      `toml:"api"`
	Storage  Storage  `toml:"storage"`
	Realtime Realtime `toml:"realtime"`
	Logging  Logging  `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and the API base URL resolved.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("drillquiz.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// Timeout returns the request timeout for ordinary API calls.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// LongTimeout returns the request timeout for slow endpoints such as exam generation.
func (c *Config) LongTimeout() time.Duration {
	return time.Duration(c.API.LongTimeoutSeconds) * time.Second
}

// ReconnectDelay returns the base delay between realtime reconnect attempts.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Realtime.ReconnectDelayMillis) * time.Millisecond
}

// IsProduction reports whether the configured environment is production.
func (c *Config) IsProduction() bool {
	return c.API.Environment == "production"
}

// EnsureDirectories creates the directories backing file-based storage and logs.
func (c *Config) EnsureDirectories() error {
	dirs := make([]string, 0, 2)
	if c.Storage.Backend == StorageFile || c.Storage.Backend == StorageSQLite {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if strings.TrimSpace(c.Logging.Dir) != "" {
		dirs = append(dirs, c.Logging.Dir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
// A non-empty baseURL is written as api.base_url.
func CreateSample(path, baseURL string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	content := sampleConfig
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		content = strings.Replace(content, `base_url = ""`, fmt.Sprintf("base_url = %q", baseURL), 1)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
