package engine

import "sync"

// index maps a key (client or agent ID) to conversation IDs in the order
// they were registered.
type index struct {
	mu  sync.RWMutex
	ids map[string][]string
}

func newIndex() *index {
	return &index{ids: make(map[string][]string)}
}

// add registers id under key. Returns false if it was already there.
func (x *index) add(key, id string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, existing := range x.ids[key] {
		if existing == id {
			return false
		}
	}
	x.ids[key] = append(x.ids[key], id)
	return true
}

// remove drops id from key, deleting the key when it becomes empty.
func (x *index) remove(key, id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	ids := x.ids[key]
	for i, existing := range ids {
		if existing == id {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(x.ids, key)
		return
	}
	x.ids[key] = ids
}

// get returns a copy of the IDs registered under key.
func (x *index) get(key string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]string(nil), x.ids[key]...)
}

// keys returns the number of distinct keys.
func (x *index) keys() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.ids)
}

func (x *index) reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.ids = make(map[string][]string)
}
