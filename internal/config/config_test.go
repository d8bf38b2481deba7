package config

import (
	"errors"
	"testing"
	"time"
)

const testKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("LEDGER_CAPACITY", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Driver != StoreSQLite || cfg.HTTP.ListenAddr != ":8080" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Ledger.Capacity != 50 || !cfg.Ledger.Enabled {
		t.Fatalf("unexpected ledger defaults %+v", cfg.Ledger)
	}
	if cfg.Gemini.ClientTimeout != 60*time.Second || cfg.Rate.PerHour != 0 {
		t.Fatalf("unexpected gemini/rate defaults %+v %+v", cfg.Gemini, cfg.Rate)
	}
}

func TestLoadValidatesStore(t *testing.T) {
	t.Setenv("STORE_DRIVER", "etcd")
	if _, err := Load(); !errors.Is(err, ErrInvalidStoreDriver) {
		t.Fatalf("expected ErrInvalidStoreDriver, got %v", err)
	}

	t.Setenv("STORE_DRIVER", "redis")
	t.Setenv("REDIS_ADDR", "")
	if _, err := Load(); !errors.Is(err, ErrMissingRedisAddr) {
		t.Fatalf("expected ErrMissingRedisAddr, got %v", err)
	}
}

func TestLoadCryptoKeys(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("MASTER_KEY_B64", testKey)
	t.Setenv("MASTER_KEY_CURRENT_ID", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Crypto.Enabled() || cfg.Crypto.CurrentKeyID != "default" || len(cfg.Crypto.Keys["default"]) != 32 {
		t.Fatalf("unexpected crypto config %+v", cfg.Crypto)
	}

	t.Setenv("MASTER_KEY_B64", "")
	t.Setenv("MASTER_KEYS_JSON", `{"a":"`+testKey+`","b":"`+testKey+`"}`)
	if _, err := Load(); err == nil {
		t.Fatalf("expected several keys without current id to fail")
	}
	t.Setenv("MASTER_KEY_CURRENT_ID", "b")
	cfg, err = Load()
	if err != nil || cfg.Crypto.CurrentKeyID != "b" || len(cfg.Crypto.Keys) != 2 {
		t.Fatalf("unexpected crypto config %+v err=%v", cfg, err)
	}

	t.Setenv("MASTER_KEYS_JSON", `{"a":"c2hvcnQ="}`)
	t.Setenv("MASTER_KEY_CURRENT_ID", "a")
	if _, err := Load(); err == nil {
		t.Fatalf("expected short key to fail")
	}
}

func TestLoadWithoutKeysIsUnsealed(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("MASTER_KEY_B64", "")
	t.Setenv("MASTER_KEYS_JSON", "")
	t.Setenv("MASTER_KEY_CURRENT_ID", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Crypto.Enabled() {
		t.Fatalf("crypto must be disabled without keys")
	}
}
