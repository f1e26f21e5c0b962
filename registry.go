package amq

import (
	"sort"
	"sync"
)

// Registry hands out integer ids for instances so hosts that cannot hold Go
// pointers can address them. Ids start at 1 and are never reused.
type Registry struct {
	mu    sync.RWMutex
	next  int
	items map[int]*Instance
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[int]*Instance)}
}

func (r *Registry) Add(in *Instance) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.items[r.next] = in
	return r.next
}

func (r *Registry) Get(id int) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.items[id]
	return in, ok
}

// Remove closes the instance and forgets its id.
func (r *Registry) Remove(id int) bool {
	r.mu.Lock()
	in, ok := r.items[id]
	delete(r.items, id)
	r.mu.Unlock()
	if ok {
		in.Close()
	}
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// CloseAll closes every instance in id order and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	items := r.items
	r.items = make(map[int]*Instance)
	r.mu.Unlock()

	ids := make([]int, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		items[id].Close()
	}
}
