package dedup

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/rickgao/wsrpc/internal/cache"
)

// Index maps content hashes to canonical request ids.
type Index struct {
	entries *cache.Bounded[uint64, string]

	mu        sync.Mutex
	canonical map[string]uint64 // id -> key
	onForget  func(id string)
}

// New creates an index holding at most capacity mappings. onForget, if set,
// is called with the canonical id of every mapping dropped by overflow.
func New(capacity int, onForget func(id string)) *Index {
	idx := &Index{
		canonical: make(map[string]uint64),
		onForget:  onForget,
	}
	idx.entries = cache.NewBounded[uint64, string](capacity, idx.evicted)
	return idx
}

// Key returns the content hash for a request.
func Key(method string, params json.RawMessage) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(method)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(Normalize(params))
	return d.Sum64()
}

// Normalize re-encodes params so that semantically equal values hash equally:
// insignificant whitespace is dropped and object keys are sorted. Numbers keep
// their literal form. Invalid JSON is returned unchanged.
func Normalize(params json.RawMessage) []byte {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 {
		return []byte("[]")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return trimmed
	}
	out, err := json.Marshal(v)
	if err != nil {
		return trimmed
	}
	return out
}

// Remember records id as the canonical request for key.
func (i *Index) Remember(key uint64, id string) {
	i.mu.Lock()
	if prev, ok := i.entries.Get(key); ok && prev != id {
		delete(i.canonical, prev)
	}
	i.canonical[id] = key
	i.mu.Unlock()

	i.entries.Set(key, id)
}

// Lookup returns the canonical id for key.
func (i *Index) Lookup(key uint64) (string, bool) {
	return i.entries.Get(key)
}

// IsCanonical reports whether id is currently the canonical id of some key.
func (i *Index) IsCanonical(id string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.canonical[id]
	return ok
}

// Forget drops the mapping owned by id.
func (i *Index) Forget(id string) {
	i.mu.Lock()
	key, ok := i.canonical[id]
	delete(i.canonical, id)
	i.mu.Unlock()

	if ok {
		if cur, found := i.entries.Get(key); found && cur == id {
			i.entries.Delete(key)
		}
	}
}

// Len returns the number of mappings.
func (i *Index) Len() int {
	return i.entries.Len()
}

// Stats returns the underlying cache statistics.
func (i *Index) Stats() cache.Stats {
	return i.entries.Stats()
}

// Clear drops every mapping without calling onForget.
func (i *Index) Clear() {
	i.mu.Lock()
	i.canonical = make(map[string]uint64)
	i.mu.Unlock()
	i.entries.Clear()
}

func (i *Index) evicted(_ uint64, id string) {
	i.mu.Lock()
	delete(i.canonical, id)
	i.mu.Unlock()

	if i.onForget != nil {
		i.onForget(id)
	}
}
