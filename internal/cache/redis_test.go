package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	c, err := NewRedis("redis://"+s.Addr(), "device:test:")
	if err != nil {
		t.Fatalf("failed to create redis cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, s
}

func TestNewRedis(t *testing.T) {
	s := miniredis.RunT(t)

	c, err := NewRedis("redis://"+s.Addr(), "device:a:")
	if err != nil {
		t.Fatalf("NewRedis failed: %v", err)
	}
	defer c.Close()

	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisRejectsBadURL(t *testing.T) {
	if _, err := NewRedis("not a url", "device:a:"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRedisSetGetRemove(t *testing.T) {
	c, s := setupTestRedis(t)
	ctx := context.Background()

	if err := c.Set(ctx, "user_1", `{"id":"1"}`); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got, err := s.Get("device:test:user_1"); err != nil || got != `{"id":"1"}` {
		t.Fatalf("expected namespaced raw key, got %q (%v)", got, err)
	}

	value, ok, err := c.Get(ctx, "user_1")
	if err != nil || !ok || value != `{"id":"1"}` {
		t.Fatalf("Get = %q, %v, %v", value, ok, err)
	}

	if err := c.Remove(ctx, "user_1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, ok, err := c.Get(ctx, "user_1"); err != nil || ok {
		t.Fatalf("expected miss after remove, ok=%v err=%v", ok, err)
	}
}

func TestRedisRemoveMissingKey(t *testing.T) {
	c, _ := setupTestRedis(t)
	if err := c.Remove(context.Background(), "absent"); err != nil {
		t.Errorf("Remove for missing key failed: %v", err)
	}
}

func TestRedisNamespaceIsolation(t *testing.T) {
	c, _ := setupTestRedis(t)
	ctx := context.Background()

	other := c.Namespace("other:")
	if err := c.Set(ctx, "authUser", "a"); err != nil {
		t.Fatal(err)
	}
	if err := other.Set(ctx, "authUser", "b"); err != nil {
		t.Fatal(err)
	}

	keys, err := other.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != "authUser" {
		t.Fatalf("expected only the nested namespace key, got %v", keys)
	}
	value, _, _ := other.Get(ctx, "authUser")
	if value != "b" {
		t.Fatalf("expected nested value b, got %q", value)
	}
	if err := other.Close(); err != nil {
		t.Fatalf("closing a derived cache must be a no-op: %v", err)
	}
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("parent client closed by derived cache: %v", err)
	}
}

func TestRemovePrefixed(t *testing.T) {
	c, _ := setupTestRedis(t)
	ctx := context.Background()

	for _, key := range []string{"user_1", "onboarding_1", "authUser", "theme"} {
		if err := c.Set(ctx, key, "x"); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := RemovePrefixed(ctx, c, []string{"user_", "onboarding_"}, []string{"authUser"})
	if err != nil {
		t.Fatalf("RemovePrefixed failed: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
	keys, _ := c.Keys(ctx)
	if len(keys) != 1 || keys[0] != "theme" {
		t.Fatalf("expected only theme left, got %v", keys)
	}
}

func TestEscapePattern(t *testing.T) {
	tests := map[string]string{
		"device:abc:":    "device:abc:",
		"device:*:":      `device:\*:`,
		"device:a?[b]:":  `device:a\?\[b\]:`,
		`device:back\x:`: `device:back\\x:`,
	}
	for in, want := range tests {
		if got := escapePattern(in); got != want {
			t.Errorf("escapePattern(%q) = %q, want %q", in, got, want)
		}
	}
}
