package statuscache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kranthikarthan/payment-saga/internal/saga"
	"github.com/kranthikarthan/payment-saga/internal/store"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	cache := New(&redis.Options{Addr: mr.Addr(), DialTimeout: 500 * time.Millisecond})
	return cache, mr
}

func TestSetAndGetStatus(t *testing.T) {
	cache, mr := newTestCache(t)
	defer mr.Close()
	defer cache.Close()
	ctx := context.Background()

	if err := cache.SetStatus(ctx, "saga-1", saga.StatusRunning); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	status, found, err := cache.GetStatus(ctx, "saga-1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if !found || status != saga.StatusRunning {
		t.Fatalf("status = %q found=%v", status, found)
	}

	if ttl := mr.TTL(statusKey("saga-1")); ttl <= 0 {
		t.Fatalf("expected TTL to be set, got %v", ttl)
	}
}

func TestGetStatus_Miss(t *testing.T) {
	cache, mr := newTestCache(t)
	defer mr.Close()
	defer cache.Close()

	_, found, err := cache.GetStatus(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if found {
		t.Fatalf("expected miss")
	}
}

func TestUnavailable(t *testing.T) {
	cache, mr := newTestCache(t)
	defer cache.Close()
	mr.Close()

	if err := cache.SetStatus(context.Background(), "saga-1", saga.StatusRunning); !errors.Is(err, store.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if _, _, err := cache.GetStatus(context.Background(), "saga-1"); !errors.Is(err, store.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}
