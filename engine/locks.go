package engine

import (
	"strings"
	"sync"
)

// keyLocker hands out one mutex per key and forgets keys nobody holds.
type keyLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLockRef
}

type keyLockRef struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocker() *keyLocker {
	return &keyLocker{locks: make(map[string]*keyLockRef)}
}

// Lock blocks until key is free and returns the matching unlock.
func (l *keyLocker) Lock(key string) func() {
	key = strings.TrimSpace(key)
	if key == "" {
		return func() {}
	}
	l.mu.Lock()
	ref, ok := l.locks[key]
	if !ok {
		ref = &keyLockRef{}
		l.locks[key] = ref
	}
	ref.refs++
	l.mu.Unlock()

	ref.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			ref.mu.Unlock()
			l.mu.Lock()
			ref.refs--
			if ref.refs <= 0 {
				delete(l.locks, key)
			}
			l.mu.Unlock()
		})
	}
}

// held returns the number of keys currently locked or waited on.
func (l *keyLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
