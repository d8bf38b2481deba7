package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreKeyring  = "keyring"
)

var (
	ErrInvalidStoreDriver = errors.New("STORE_DRIVER must be one of memory, sqlite, postgres, redis, keyring")
	ErrMissingStoreDSN    = errors.New("STORE_DSN is required for sql store drivers")
	ErrMissingRedisAddr   = errors.New("REDIS_ADDR is required for the redis store driver")
	ErrInvalidLedger      = errors.New("LEDGER_CAPACITY must be >= 0")
)

type Config struct {
	HTTP     ServerConfig
	Store    StoreConfig
	Redis    RedisConfig
	Keyring  KeyringConfig
	Gemini   GeminiConfig
	Ledger   LedgerConfig
	Rate     RateConfig
	Crypto   CryptoConfig
	Log      LogConfig
	Settings SettingsConfig
}

type ServerConfig struct {
	ListenAddr      string
	HealthPath      string
	MetricsPath     string
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type StoreConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type KeyringConfig struct {
	Service  string
	Dir      string
	Password string
}

type GeminiConfig struct {
	BaseURL string
	// APIKey seeds the settings credential when none is stored.
	APIKey        string
	ClientTimeout time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
}

type LedgerConfig struct {
	Capacity int
	Enabled  bool
}

type RateConfig struct {
	PerHour int64
}

// CryptoConfig is empty when no master key is configured; credentials are
// then stored unsealed.
type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

func (c CryptoConfig) Enabled() bool {
	return len(c.Keys) > 0
}

type LogConfig struct {
	Level string
}

type SettingsConfig struct {
	Key string
}

func Load() (*Config, error) {
	cfg := &Config{
		HTTP: ServerConfig{
			ListenAddr:      mustEnv("LISTEN_ADDR", ":8080"),
			HealthPath:      mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath:     mustEnv("METRICS_PATH", "/metrics"),
			ReadTimeout:     mustDuration("HTTP_READ_TIMEOUT", 30*time.Second),
			ShutdownTimeout: mustDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Store: StoreConfig{
			Driver:      strings.ToLower(mustEnv("STORE_DRIVER", StoreSQLite)),
			DSN:         mustEnv("STORE_DSN", "gemchat.db"),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:     mustEnv("REDIS_ADDR", ""),
			Password: mustEnv("REDIS_PASSWORD", ""),
			DB:       mustInt("REDIS_DB", 0),
			Prefix:   mustEnv("REDIS_PREFIX", "gemchat"),
		},
		Keyring: KeyringConfig{
			Service:  mustEnv("KEYRING_SERVICE", "gemchat"),
			Dir:      mustEnv("KEYRING_DIR", "~/.config/gemchat/keyring"),
			Password: mustEnv("KEYRING_PASSWORD", ""),
		},
		Gemini: GeminiConfig{
			BaseURL:       mustEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
			APIKey:        mustEnv("GEMINI_API_KEY", ""),
			ClientTimeout: mustDuration("HTTP_TIMEOUT", 60*time.Second),
			MaxRetries:    mustInt("HTTP_MAX_RETRIES", 2),
			BackoffBase:   mustDuration("HTTP_BACKOFF_BASE", 400*time.Millisecond),
		},
		Ledger: LedgerConfig{
			Capacity: mustInt("LEDGER_CAPACITY", 50),
			Enabled:  mustBool("LEDGER_ENABLED", true),
		},
		Rate: RateConfig{
			PerHour: mustInt64("RATE_LIMIT_PER_HOUR", 0),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
		Settings: SettingsConfig{
			Key: mustEnv("SETTINGS_KEY", "chat-ai-config"),
		},
	}

	switch cfg.Store.Driver {
	case StoreMemory, StoreKeyring:
	case StoreSQLite, StorePostgres:
		if cfg.Store.DSN == "" {
			return nil, ErrMissingStoreDSN
		}
	case StoreRedis:
		if cfg.Redis.Addr == "" {
			return nil, ErrMissingRedisAddr
		}
	default:
		return nil, fmt.Errorf("%w: got %q", ErrInvalidStoreDriver, cfg.Store.Driver)
	}
	if cfg.Ledger.Capacity < 0 {
		return nil, ErrInvalidLedger
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	for _, e := range os.Environ() {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "MASTER_KEY_B64" {
			continue
		}
		if !strings.HasPrefix(k, "MASTER_KEY_") || !strings.HasSuffix(k, "_B64") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "MASTER_KEY_"), "_B64")
		if id == "" || v == "" {
			continue
		}
		keysB64[id] = v
	}

	current := mustEnv("MASTER_KEY_CURRENT_ID", "")
	if single := mustEnv("MASTER_KEY_B64", ""); single != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = single
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, nil
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		if len(keys) > 1 {
			return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID is required when several master keys are set")
		}
		for id := range keys {
			current = id
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{CurrentKeyID: current, Keys: keys}, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustInt64(key string, def int64) int64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
