package hub

import "sync"

// keyedMutex hands out one mutex per agent id so operations on distinct
// agents never contend. Entries are created on first use and kept for the
// process lifetime; dropping one while a goroutine holds it would fork the
// serialization point, and a parked mutex costs a few bytes.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

// lock blocks until the key's mutex is held and returns the unlock func.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
