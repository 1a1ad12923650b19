package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"mpxsync/internal"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, RedisConfig) {
	t.Helper()
	srv := miniredis.RunT(t)
	return srv, RedisConfig{Addr: srv.Addr()}
}

func TestRedisTokenStore(t *testing.T) {
	ctx := context.Background()
	srv, cfg := newTestRedis(t)
	client, err := NewRedisClient(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	store := NewRedisTokenStore(client)

	if got, err := store.Get(ctx, "user"); err != nil || got != nil {
		t.Fatalf("expected miss, got %v, %v", got, err)
	}

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	if err := store.Set(ctx, &internal.Token{OwnerID: "user", Value: "abc", ExpiresAt: expires}); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := store.Get(ctx, "user")
	if err != nil || got == nil {
		t.Fatalf("get: %v, %v", got, err)
	}
	if got.Value != "abc" || !got.ExpiresAt.Equal(expires) {
		t.Errorf("unexpected token %+v", got)
	}

	ttl := srv.TTL("token:user")
	if ttl <= 59*time.Minute || ttl > time.Hour {
		t.Errorf("expected key expiry near one hour, got %v", ttl)
	}

	srv.FastForward(2 * time.Hour)
	if got, _ := store.Get(ctx, "user"); got != nil {
		t.Errorf("expected expired key to read as a miss, got %v", got)
	}

	if err := store.Set(ctx, &internal.Token{OwnerID: "user", Value: "old", ExpiresAt: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("set expired: %v", err)
	}
	if srv.Exists("token:user") {
		t.Error("expected an already expired token not to be stored")
	}

	if err := store.Set(ctx, &internal.Token{OwnerID: "user", Value: "abc", ExpiresAt: expires}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Delete(ctx, "user"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if srv.Exists("token:user") {
		t.Error("expected token key to be deleted")
	}
}

func TestRedisLocker(t *testing.T) {
	ctx := context.Background()
	_, cfg := newTestRedis(t)
	client, err := NewRedisClient(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	testLocker(t, ctx, NewRedisLocker(client))
}

func TestRedisLockReleaseKeepsForeignOwner(t *testing.T) {
	ctx := context.Background()
	srv, cfg := newTestRedis(t)
	client, err := NewRedisClient(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	locker := NewRedisLocker(client)
	lock, err := locker.Acquire(ctx, "mpx_ingest_1", 0, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Lease lapsed and another process took the lock
	if err := srv.Set("lock:mpx_ingest_1", "someone-else"); err != nil {
		t.Fatalf("overwrite lock: %v", err)
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	value, err := srv.Get("lock:mpx_ingest_1")
	if err != nil || value != "someone-else" {
		t.Errorf("expected foreign lock to survive release, got %q, %v", value, err)
	}
}

func TestRedisWorkQueue(t *testing.T) {
	ctx := context.Background()
	_, cfg := newTestRedis(t)
	client, err := NewRedisClient(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	queue := NewRedisWorkQueue(client, RedisWorkQueueConfig{Visibility: 20 * time.Millisecond})

	if err := queue.Create(ctx, "mpx_request_1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := queue.Create(ctx, "mpx_request_1"); err != nil {
		t.Fatalf("create is not idempotent: %v", err)
	}

	for _, start := range []int{0, 100, 200} {
		window := internal.BatchWindow{AccountID: 1, URL: "https://example.com/media", RangeStart: start, RangeEnd: start + 99}
		if err := queue.Enqueue(ctx, "mpx_request_1", window); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if n, err := queue.Len(ctx, "mpx_request_1"); err != nil || n != 3 {
		t.Fatalf("expected 3 queued, got %d, %v", n, err)
	}

	first, err := queue.Claim(ctx, "mpx_request_1")
	if err != nil || first == nil {
		t.Fatalf("claim: %+v, %v", first, err)
	}
	if first.Window.Range() != "0-99" || first.Window.URL != "https://example.com/media" {
		t.Errorf("unexpected first window %+v", first.Window)
	}
	if err := queue.Ack(ctx, first); err != nil {
		t.Fatalf("ack: %v", err)
	}

	second, err := queue.Claim(ctx, "mpx_request_1")
	if err != nil || second == nil || second.Window.Range() != "100-199" {
		t.Fatalf("expected second window, got %+v, %v", second, err)
	}

	// Left unacked past the visibility timeout, the second window comes back
	time.Sleep(50 * time.Millisecond)
	again, err := queue.Claim(ctx, "mpx_request_1")
	if err != nil || again == nil {
		t.Fatalf("claim after timeout: %+v, %v", again, err)
	}
	if again.ID != second.ID {
		t.Errorf("expected redelivery of %s, got %s", second.ID, again.ID)
	}

	if n, _ := queue.Len(ctx, "mpx_request_1"); n != 2 {
		t.Errorf("expected 2 left, got %d", n)
	}
}
