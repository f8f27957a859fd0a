package cache

import (
	"sync"
	"testing"
)

func TestBounded_SetGet(t *testing.T) {
	c := NewBounded[string, int](3, nil)

	c.Set("a", 1)
	c.Set("b", 2)

	v, ok := c.Get("a")
	if !ok || v != 1 {
		t.Errorf("Get(a) = %d, %v, want 1, true", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("Get(missing) should report false")
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}

func TestBounded_EvictsOldestInsertion(t *testing.T) {
	var evicted []string
	c := NewBounded[string, int](3, func(k string, _ int) {
		evicted = append(evicted, k)
	})

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	// Reads must not refresh "a".
	c.Get("a")
	c.Contains("a")

	if !c.Set("d", 4) {
		t.Error("Set(d) should report an eviction")
	}
	if c.Contains("a") {
		t.Error("expected oldest entry a to be evicted")
	}
	if c.Len() != 3 {
		t.Errorf("Len() = %d, want 3", c.Len())
	}

	c.Set("e", 5)
	want := []string{"a", "b"}
	if len(evicted) != len(want) {
		t.Fatalf("evicted = %v, want %v", evicted, want)
	}
	for i := range want {
		if evicted[i] != want[i] {
			t.Errorf("evicted[%d] = %q, want %q", i, evicted[i], want[i])
		}
	}

	keys := c.Keys()
	wantKeys := []string{"c", "d", "e"}
	for i := range wantKeys {
		if keys[i] != wantKeys[i] {
			t.Errorf("Keys()[%d] = %q, want %q", i, keys[i], wantKeys[i])
		}
	}

	stats := c.Stats()
	if stats.Evictions != 2 {
		t.Errorf("Evictions = %d, want 2", stats.Evictions)
	}
	if stats.Capacity != 3 {
		t.Errorf("Capacity = %d, want 3", stats.Capacity)
	}
}

func TestBounded_ResetMovesToNewest(t *testing.T) {
	c := NewBounded[string, int](2, nil)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 10)

	c.Set("c", 3)
	if c.Contains("b") {
		t.Error("expected b to be evicted after a was re-set")
	}
	if v, _ := c.Get("a"); v != 10 {
		t.Errorf("Get(a) = %d, want 10", v)
	}
}

func TestBounded_PopAndDelete(t *testing.T) {
	c := NewBounded[int, string](5, nil)
	c.Set(1, "one")
	c.Set(2, "two")

	v, ok := c.Pop(1)
	if !ok || v != "one" {
		t.Errorf("Pop(1) = %q, %v, want one, true", v, ok)
	}
	if _, ok := c.Pop(1); ok {
		t.Error("second Pop(1) should report false")
	}
	if !c.Delete(2) {
		t.Error("Delete(2) should report true")
	}
	if c.Delete(2) {
		t.Error("second Delete(2) should report false")
	}
}

func TestBounded_PopFirst(t *testing.T) {
	c := NewBounded[int, string](5, nil)
	c.Set(1, "keep")
	c.Set(2, "take")
	c.Set(3, "take")

	k, v, ok := c.PopFirst(func(_ int, v string) bool { return v == "take" })
	if !ok || k != 2 || v != "take" {
		t.Errorf("PopFirst = %d, %q, %v, want 2, take, true", k, v, ok)
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}

func TestBounded_ClearSkipsCallback(t *testing.T) {
	called := false
	c := NewBounded[string, int](2, func(string, int) { called = true })
	c.Set("a", 1)
	c.Clear()

	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
	if called {
		t.Error("Clear should not invoke the eviction callback")
	}
}

func TestBounded_ClampsCapacity(t *testing.T) {
	c := NewBounded[string, int](0, nil)
	if c.Cap() != 1 {
		t.Errorf("Cap() = %d, want 1", c.Cap())
	}
}

func TestBounded_ConcurrentNeverExceedsCapacity(t *testing.T) {
	c := NewBounded[int, int](50, nil)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				c.Set(base*1000+i, i)
				if n := c.Len(); n > 50 {
					t.Errorf("Len() = %d exceeds capacity", n)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	if c.Len() != 50 {
		t.Errorf("Len() = %d, want 50", c.Len())
	}
}
