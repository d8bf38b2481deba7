package kv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/99designs/keyring"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func exercise(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, found, err := s.Get(ctx, "cfg"); err != nil || found {
		t.Fatalf("expected missing key, got found=%v err=%v", found, err)
	}
	if err := s.Set(ctx, "cfg", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, "cfg", "v2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, found, err := s.Get(ctx, "cfg")
	if err != nil || !found || v != "v2" {
		t.Fatalf("unexpected value %q found=%v err=%v", v, found, err)
	}
	if err := s.Remove(ctx, "cfg"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Remove(ctx, "cfg"); err != nil {
		t.Fatalf("remove missing: %v", err)
	}
	if _, found, _ := s.Get(ctx, "cfg"); found {
		t.Fatalf("expected key to be removed")
	}
}

func TestMemory(t *testing.T) {
	exercise(t, NewMemory())
}

func TestRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	s := NewRedis(rdb, "gemchat")
	exercise(t, s)

	if err := s.Set(context.Background(), "k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := mr.Get("gemchat:k"); got != "v" {
		t.Fatalf("expected prefixed key, got %q", got)
	}
}

func TestKeyring(t *testing.T) {
	exercise(t, NewKeyring(keyring.NewArrayKeyring(nil)))
}

func TestKeyringFileBackendNeedsPassword(t *testing.T) {
	hasFile := func(backends []keyring.BackendType) bool {
		for _, b := range backends {
			if b == keyring.FileBackend {
				return true
			}
		}
		return false
	}
	if hasFile(keyringBackends("")) {
		t.Fatalf("file backend allowed without a password")
	}
	if !hasFile(keyringBackends("secret")) {
		t.Fatalf("file backend missing with a password")
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, closer, err := Open(ctx, Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "kv.db"), AutoMigrate: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer closer.Close()
	exercise(t, s)

	if _, _, err := Open(ctx, Config{Driver: "redis"}); err == nil {
		t.Fatalf("expected redis without client to fail")
	}
	if _, _, err := Open(ctx, Config{Driver: "etcd"}); err == nil {
		t.Fatalf("expected unknown driver to fail")
	}
	if m, _, err := Open(ctx, Config{}); err != nil {
		t.Fatalf("expected memory default, got %v", err)
	} else if _, ok := m.(*Memory); !ok {
		t.Fatalf("expected *Memory, got %T", m)
	}
}
