package cache

import (
	"context"
	"testing"
)

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, ok, _ := m.Get(ctx, "authUser"); ok {
		t.Fatal("expected miss on empty cache")
	}
	_ = m.Set(ctx, "b", "2")
	_ = m.Set(ctx, "a", "1")
	_ = m.Set(ctx, "a", "3")

	if v, ok, _ := m.Get(ctx, "a"); !ok || v != "3" {
		t.Fatalf("expected last write to win, got %q", v)
	}
	keys, _ := m.Keys(ctx)
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("unexpected keys %v", keys)
	}
	_ = m.Remove(ctx, "a")
	if _, ok, _ := m.Get(ctx, "a"); ok {
		t.Fatal("expected a removed")
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"user_abc", true},
		{"goals_abc", true},
		{"userGoals", true},
		{"userGoalsExtra", false},
		{"theme", false},
	}
	for _, tt := range tests {
		if got := Matches(tt.key, []string{"user_", "goals_"}, []string{"userGoals"}); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}
