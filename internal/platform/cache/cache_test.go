package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// Requires Redis on localhost:6379; tests skip otherwise.
const testRedisAddr = "localhost:6379"

func setupTestCache(t *testing.T, prefix string) *Cache {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available at %s: %v", testRedisAddr, err)
	}

	c := New(client, prefix, time.Minute)
	t.Cleanup(func() {
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		client.Close()
	})
	return c
}

type room struct {
	ID      string `json:"id"`
	Patient string `json:"patient"`
}

func TestCache_SetGetDelete(t *testing.T) {
	c := setupTestCache(t, "test:carechat:setget:")
	ctx := context.Background()

	var got room
	found, err := c.Get(ctx, "r1", &got)
	if err != nil || found {
		t.Fatalf("expected miss, got found=%v err=%v", found, err)
	}

	if err := c.Set(ctx, "r1", room{ID: "r1", Patient: "P1"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	found, err = c.Get(ctx, "r1", &got)
	if err != nil || !found {
		t.Fatalf("expected hit, got found=%v err=%v", found, err)
	}
	if got.Patient != "P1" {
		t.Errorf("expected P1, got %q", got.Patient)
	}

	if err := c.Delete(ctx, "r1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	found, _ = c.Get(ctx, "r1", &got)
	if found {
		t.Error("expected miss after delete")
	}

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 2 || st.Sets != 1 || st.Deletes != 1 {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c := setupTestCache(t, "test:carechat:ttl:")
	ctx := context.Background()

	if err := c.SetWithTTL(ctx, "short", room{ID: "x"}, 100*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	var got room
	if found, _ := c.Get(ctx, "short", &got); found {
		t.Error("expected key to expire")
	}
}

func TestCache_DeleteNoKeys(t *testing.T) {
	c := New(nil, "p:", time.Minute)
	if err := c.Delete(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewClient_BadURL(t *testing.T) {
	if _, err := NewClient(context.Background(), "not-a-url"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestStats_HitRate(t *testing.T) {
	c := New(nil, "p:", time.Minute)
	c.hits.Add(3)
	c.misses.Add(1)
	if rate := c.Stats().HitRate; rate != 75 {
		t.Errorf("expected 75%% hit rate, got %v", rate)
	}
}
