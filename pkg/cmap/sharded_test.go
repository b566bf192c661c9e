package cmap

import (
	"fmt"
	"sort"
	"sync"
	"testing"
)

func TestMapBasicOps(t *testing.T) {
	m := New[int]()

	m.Set("a", 1)
	m.Set("b", 2)

	if v, ok := m.Get("a"); !ok || v != 1 {
		t.Errorf("Get(a) = (%d, %v), want (1, true)", v, ok)
	}
	if _, ok := m.Get("missing"); ok {
		t.Error("Get(missing) reported present")
	}
	if !m.Has("b") {
		t.Error("Has(b) = false")
	}
	if m.Count() != 2 {
		t.Errorf("Count() = %d, want 2", m.Count())
	}

	if !m.Delete("a") {
		t.Error("Delete(a) = false, want true")
	}
	if m.Delete("a") {
		t.Error("second Delete(a) = true, want false")
	}
	if m.Count() != 1 {
		t.Errorf("Count() after delete = %d, want 1", m.Count())
	}
}

func TestMapOverwrite(t *testing.T) {
	m := New[string]()
	m.Set("k", "old")
	m.Set("k", "new")

	if v, _ := m.Get("k"); v != "new" {
		t.Errorf("Get(k) = %q, want %q", v, "new")
	}
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}
}

func TestMapKeysAndRange(t *testing.T) {
	m := New[int]()
	want := []string{"x", "y", "z"}
	for i, k := range want {
		m.Set(k, i)
	}

	keys := m.Keys()
	sort.Strings(keys)
	if len(keys) != len(want) {
		t.Fatalf("Keys() returned %d keys, want %d", len(keys), len(want))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("Keys()[%d] = %q, want %q", i, keys[i], want[i])
		}
	}

	seen := 0
	m.Range(func(string, int) bool {
		seen++
		return seen < 2
	})
	if seen != 2 {
		t.Errorf("Range visited %d entries after early stop, want 2", seen)
	}
}

func TestMapClear(t *testing.T) {
	m := New[int]()
	m.Set("a", 1)
	m.Clear()
	if m.Count() != 0 {
		t.Errorf("Count() after Clear = %d, want 0", m.Count())
	}
}

func TestNewWithShardsInvalidCount(t *testing.T) {
	// Non-power-of-2 counts fall back to the default.
	m := NewWithShards[int](7)
	if len(m.shards) != DefaultShardCount {
		t.Errorf("shard count = %d, want %d", len(m.shards), DefaultShardCount)
	}
}

func TestMapConcurrentAccess(t *testing.T) {
	m := New[int]()
	var wg sync.WaitGroup

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("g%d-k%d", g, i)
				m.Set(key, i)
				m.Get(key)
				if i%2 == 0 {
					m.Delete(key)
				}
			}
		}(g)
	}
	wg.Wait()

	if m.Count() != 8*50 {
		t.Errorf("Count() = %d, want %d", m.Count(), 8*50)
	}
}
