package store

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newTestValkey(t *testing.T) (*miniredis.Miniredis, Store) {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(server.Close)

	s, err := NewValkey(ValkeyConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new valkey: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return server, s
}

func TestValkeyStoreSetGet(t *testing.T) {
	server, s := newTestValkey(t)
	ctx := context.Background()

	if err := s.SetWithTTL(ctx, "key", []byte("value"), time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := s.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || string(got) != "value" {
		t.Fatalf("expected hit with value, got ok=%v value=%q", ok, got)
	}

	server.FastForward(2 * time.Second)
	_, ok, err = s.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get after ttl: %v", err)
	}
	if ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestValkeyStoreMiss(t *testing.T) {
	_, s := newTestValkey(t)

	_, ok, err := s.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected miss for absent key")
	}
}

func TestValkeyStoreIncrementWindow(t *testing.T) {
	server, s := newTestValkey(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := s.Increment(ctx, "counter", time.Minute)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if got != want {
			t.Fatalf("expected %d, got %d", want, got)
		}
	}

	remaining, ok, err := s.TTL(ctx, "counter")
	if err != nil || !ok {
		t.Fatalf("ttl: ok=%v err=%v", ok, err)
	}
	if remaining <= 0 || remaining > time.Minute {
		t.Fatalf("expected expiry from first increment only, got %v", remaining)
	}

	server.FastForward(time.Minute)
	got, err := s.Increment(ctx, "counter", time.Minute)
	if err != nil {
		t.Fatalf("increment after window: %v", err)
	}
	if got != 1 {
		t.Fatalf("expected window to reset, got %d", got)
	}
}

func TestValkeyStoreTTLAbsent(t *testing.T) {
	_, s := newTestValkey(t)

	_, ok, err := s.TTL(context.Background(), "absent")
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if ok {
		t.Fatalf("expected absent key to report no ttl")
	}
}

func TestValkeyStoreDelete(t *testing.T) {
	_, s := newTestValkey(t)
	ctx := context.Background()

	if err := s.SetWithTTL(ctx, "key", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Delete(ctx, "key"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "key"); ok {
		t.Fatalf("expected delete to remove key")
	}
}

func TestValkeyStoreUnavailable(t *testing.T) {
	server, s := newTestValkey(t)
	server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, _, err := s.Get(ctx, "key")
	if err == nil {
		t.Fatalf("expected error once the backend is gone")
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
