package config

// Storage backends understood by the credential store.
const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageSQLite = "sqlite"
	StorageRedis  = "redis"
)

const (
	defaultConfigPath           = "~/.config/drillquiz/config.toml"
	defaultEnvironment          = "development"
	defaultAPIProtocol          = "http"
	defaultAPIHost              = "localhost"
	defaultAPIPort              = "8000"
	defaultTimeoutSeconds       = 15
	defaultLongTimeoutSeconds   = 600
	defaultRefreshPath          = "/api/token/refresh/"
	defaultCSRFPath             = "/api/csrf-token/"
	defaultLanguage             = "en"
	defaultStorageBackend       = StorageFile
	defaultFileStoragePath      = "~/.local/share/drillquiz/credentials.json"
	defaultSQLiteStoragePath    = "~/.local/share/drillquiz/credentials.db"
	defaultRedisAddr            = "127.0.0.1:6379"
	defaultRedisKey             = "drillquiz:credentials"
	defaultReconnectAttempts    = 3
	defaultReconnectDelayMillis = 1000
	defaultRealtimeVoice        = "alloy"
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
)

// DefaultPublicPaths lists the API prefixes that anonymous users may read.
// A 401 on a GET below one of these never forces a login.
var DefaultPublicPaths = []string{
	"/api/studies/",
	"/api/exams/",
	"/api/exam/",
	"/api/tag-categories/",
	"/api/question-files/",
	"/api/translations/",
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	publicPaths := make([]string, len(DefaultPublicPaths))
	copy(publicPaths, DefaultPublicPaths)

	return Config{
		API: API{
			Protocol:           defaultAPIProtocol,
			Host:               defaultAPIHost,
			Port:               defaultAPIPort,
			Environment:        defaultEnvironment,
			TimeoutSeconds:     defaultTimeoutSeconds,
			LongTimeoutSeconds: defaultLongTimeoutSeconds,
			RefreshPath:        defaultRefreshPath,
			CSRFPath:           defaultCSRFPath,
			Language:           defaultLanguage,
			PublicPaths:        publicPaths,
		},
		Storage: Storage{
			Backend:   defaultStorageBackend,
			RedisAddr: defaultRedisAddr,
			RedisKey:  defaultRedisKey,
		},
		Realtime: Realtime{
			ReconnectAttempts:    defaultReconnectAttempts,
			ReconnectDelayMillis: defaultReconnectDelayMillis,
			Voice:                defaultRealtimeVoice,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
