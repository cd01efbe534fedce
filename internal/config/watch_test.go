package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchReloadsOnChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	if err := os.WriteFile(path, []byte("throttle:\n  general:\n    limit: 100\n"), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	loader := NewLoader("GUARDRAIL", path)
	if _, err := loader.Load(ctx); err != nil {
		t.Fatalf("loader failed: %v", err)
	}

	changeCh := make(chan Config, 4)
	errCh := make(chan error, 1)

	watcher, err := loader.Watch(ctx, func(cfg Config) {
		changeCh <- cfg
	}, func(err error) {
		errCh <- err
	})
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	if err := os.WriteFile(path, []byte("throttle:\n  general:\n    limit: 250\n"), 0o600); err != nil {
		t.Fatalf("failed to update config file: %v", err)
	}

	select {
	case cfg := <-changeCh:
		if cfg.Throttle.General.Limit != 250 {
			t.Fatalf("expected reloaded limit 250, got %d", cfg.Throttle.General.Limit)
		}
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reload event")
	}
}

func TestWatchReportsInvalidSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	if err := os.WriteFile(path, []byte("cache:\n  backend: memory\n"), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	loader := NewLoader("GUARDRAIL", path)
	changeCh := make(chan Config, 4)
	errCh := make(chan error, 1)

	watcher, err := loader.Watch(ctx, func(cfg Config) {
		changeCh <- cfg
	}, func(err error) {
		errCh <- err
	})
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	if err := os.WriteFile(path, []byte("cache:\n  backend: memcached\n"), 0o600); err != nil {
		t.Fatalf("failed to update config file: %v", err)
	}

	select {
	case cfg := <-changeCh:
		t.Fatalf("invalid snapshot must not be delivered: %+v", cfg)
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected a validation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for validation error")
	}
}

func TestWatchRequiresCallback(t *testing.T) {
	loader := NewLoader("GUARDRAIL", "server.yaml")
	if _, err := loader.Watch(context.Background(), nil, nil); err == nil {
		t.Fatal("expected an error when no change callback is supplied")
	}
}
