package aggregate

import (
	"sort"
	"sync"
)

// LockManager serializes mutations per aggregate. Operations spanning two
// identities must acquire both locks through a single Acquire call, which
// locks in ascending id order to avoid deadlock.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*sync.Mutex)}
}

func (m *LockManager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}

	return lock
}

// Acquire locks the given aggregates and returns a release function.
// Duplicate ids are collapsed so a self-referencing command cannot deadlock.
func (m *LockManager) Acquire(ids ...string) func() {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))

	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	sort.Strings(unique)

	acquired := make([]*sync.Mutex, 0, len(unique))
	for _, id := range unique {
		lock := m.lockFor(id)
		lock.Lock()
		acquired = append(acquired, lock)
	}

	return func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Unlock()
		}
	}
}
