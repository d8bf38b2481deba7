package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisAllow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	rl := NewRedis(rdb, "test", 2)
	now := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)

	for i := int64(1); i <= 2; i++ {
		dec, err := rl.Allow(context.Background(), "chat", now)
		if err != nil {
			t.Fatalf("allow#%d: %v", i, err)
		}
		if !dec.Allowed || dec.Used != i {
			t.Fatalf("expected call %d allowed, got %+v", i, dec)
		}
	}

	dec, err := rl.Allow(context.Background(), "chat", now)
	if err != nil {
		t.Fatalf("allow#3: %v", err)
	}
	if dec.Allowed || dec.Used != 3 {
		t.Fatalf("expected third call denied with used=3, got %+v", dec)
	}
	if !dec.ResetAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected reset %s", dec.ResetAt)
	}

	dec, err = rl.Allow(context.Background(), "complete", now)
	if err != nil || !dec.Allowed {
		t.Fatalf("scopes must be counted separately, got %+v err=%v", dec, err)
	}
}

func TestLocalAllow(t *testing.T) {
	rl := NewLocal(2)
	now := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		dec, _ := rl.Allow(context.Background(), "chat", now)
		if !dec.Allowed {
			t.Fatalf("expected burst call %d allowed", i)
		}
	}
	dec, _ := rl.Allow(context.Background(), "chat", now)
	if dec.Allowed {
		t.Fatalf("expected third call denied")
	}
	if !dec.ResetAt.After(now) {
		t.Fatalf("expected reset in the future")
	}
	dec, _ = rl.Allow(context.Background(), "chat", now.Add(31*time.Minute))
	if !dec.Allowed {
		t.Fatalf("expected refill after half an hour")
	}
}
