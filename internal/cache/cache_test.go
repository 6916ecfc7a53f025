package cache

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemory_GetOrRefresh(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }

	refreshes := 0
	refresh := func(context.Context) ([]byte, error) {
		refreshes++
		return []byte(fmt.Sprintf("v%d", refreshes)), nil
	}

	v, err := m.GetOrRefresh(context.Background(), "k", time.Minute, refresh)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if string(v) != "v1" {
		t.Fatalf("value = %q", v)
	}

	// Within TTL: cached.
	v, _ = m.GetOrRefresh(context.Background(), "k", time.Minute, refresh)
	if string(v) != "v1" || refreshes != 1 {
		t.Fatalf("expected cached value, got %q after %d refreshes", v, refreshes)
	}

	// Past TTL: refreshed.
	now = now.Add(2 * time.Minute)
	v, _ = m.GetOrRefresh(context.Background(), "k", time.Minute, refresh)
	if string(v) != "v2" || refreshes != 2 {
		t.Fatalf("expected refresh, got %q after %d refreshes", v, refreshes)
	}
}

func TestMemory_RefreshErrorNotCached(t *testing.T) {
	m := NewMemory()

	if _, err := m.GetOrRefresh(context.Background(), "k", time.Minute, func(context.Context) ([]byte, error) {
		return nil, fmt.Errorf("upstream down")
	}); err == nil {
		t.Fatalf("expected refresh error")
	}

	v, err := m.GetOrRefresh(context.Background(), "k", time.Minute, func(context.Context) ([]byte, error) {
		return []byte("ok"), nil
	})
	if err != nil || string(v) != "ok" {
		t.Fatalf("recovery read: %q, %v", v, err)
	}
}

func TestMemory_Invalidate(t *testing.T) {
	m := NewMemory()
	refreshes := 0
	refresh := func(context.Context) ([]byte, error) {
		refreshes++
		return []byte("x"), nil
	}

	m.GetOrRefresh(context.Background(), "k", time.Hour, refresh)
	m.Invalidate(context.Background(), "k")
	m.GetOrRefresh(context.Background(), "k", time.Hour, refresh)
	if refreshes != 2 {
		t.Fatalf("expected refresh after invalidate, got %d", refreshes)
	}
}
