package cache

import (
	"context"
	"sort"
	"testing"
)

func TestMemoryKVRoundtrip(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	if _, ok, err := kv.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected miss, ok=%v err=%v", ok, err)
	}
	if err := kv.Set(ctx, "k1", "v1"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := kv.Get(ctx, "k1")
	if err != nil || !ok || v != "v1" {
		t.Fatalf("got %q ok=%v err=%v", v, ok, err)
	}
}

func TestMemoryKVDel(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	_ = kv.Set(ctx, "k1", "v1")
	_ = kv.Set(ctx, "k2", "v2")
	if err := kv.Del(ctx, "k1", "k2", "k3"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := kv.Get(ctx, "k1"); ok {
		t.Fatalf("expected k1 deleted")
	}
	// 空参删除为空操作
	if err := kv.Del(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryKVKeysPrefix(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	_ = kv.Set(ctx, "msync:cache:msgs:u1:r1", "a")
	_ = kv.Set(ctx, "msync:cache:msgs:u1:r2", "b")
	_ = kv.Set(ctx, "msync:cache:msgs:u2:r1", "c")

	keys, err := kv.Keys(ctx, "msync:cache:msgs:u1:")
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(keys)
	want := []string{"msync:cache:msgs:u1:r1", "msync:cache:msgs:u1:r2"}
	if len(keys) != 2 || keys[0] != want[0] || keys[1] != want[1] {
		t.Fatalf("got %v want %v", keys, want)
	}
}
