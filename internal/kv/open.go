package kv

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/redis/go-redis/v9"

	"gemchat/internal/storage"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverKeyring  = "keyring"
)

type Config struct {
	Driver      string
	DSN         string
	AutoMigrate bool
	Redis       *redis.Client
	RedisPrefix string
	Keyring     KeyringConfig
}

// Open builds the backend named by cfg.Driver. The returned closer releases
// backend resources and is never nil.
func Open(ctx context.Context, cfg Config) (Store, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverMemory, "":
		return NewMemory(), nopCloser{}, nil
	case DriverSQLite, "sqlite3", DriverPostgres, "postgresql", "pgx":
		s, err := storage.Open(ctx, cfg.Driver, cfg.DSN, cfg.AutoMigrate)
		if err != nil {
			return nil, nopCloser{}, err
		}
		return s, s, nil
	case DriverRedis:
		if cfg.Redis == nil {
			return nil, nopCloser{}, fmt.Errorf("redis driver requires a client")
		}
		return NewRedis(cfg.Redis, cfg.RedisPrefix), nopCloser{}, nil
	case DriverKeyring:
		k, err := OpenKeyring(cfg.Keyring)
		if err != nil {
			return nil, nopCloser{}, err
		}
		return k, nopCloser{}, nil
	default:
		return nil, nopCloser{}, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
