package bridge

import "sync"

// table hands out opaque non-zero handles for live objects. Zero is never
// issued, so callers can use it as "no object".
type table[T any] struct {
	mu    sync.Mutex
	next  uint64
	items map[uint64]T
}

func (t *table[T]) put(v T) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.items == nil {
		t.items = make(map[uint64]T)
	}
	t.next++
	t.items[t.next] = v
	return t.next
}

func (t *table[T]) get(h uint64) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.items[h]
	return v, ok
}

// take removes h and returns what it pointed to.
func (t *table[T]) take(h uint64) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.items[h]
	delete(t.items, h)
	return v, ok
}

// drain removes and returns every item match accepts.
func (t *table[T]) drain(match func(T) bool) []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []T
	for h, v := range t.items {
		if match(v) {
			out = append(out, v)
			delete(t.items, h)
		}
	}
	return out
}
