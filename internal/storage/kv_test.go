package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "gemchat.db")
	s, err := Open(context.Background(), "sqlite3", dsn, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestKVRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if s.Driver() != "sqlite" {
		t.Fatalf("expected normalized driver, got %q", s.Driver())
	}

	if _, found, err := s.Get(ctx, "settings"); err != nil || found {
		t.Fatalf("expected missing key, got found=%v err=%v", found, err)
	}

	if err := s.Set(ctx, "settings", `{"theme":"light"}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, "settings", `{"theme":"dark"}`); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, found, err := s.Get(ctx, "settings")
	if err != nil || !found || v != `{"theme":"dark"}` {
		t.Fatalf("unexpected value %q found=%v err=%v", v, found, err)
	}

	if err := s.Remove(ctx, "settings"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Remove(ctx, "settings"); err != nil {
		t.Fatalf("remove missing key: %v", err)
	}
	if _, found, _ := s.Get(ctx, "settings"); found {
		t.Fatalf("expected key to be gone")
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), "sqlite", "", true); err == nil {
		t.Fatalf("expected empty dsn to fail")
	}
}
