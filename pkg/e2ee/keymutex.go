// Copyright 2024-2026 Aiku AI

package e2ee

import (
	"sync"
)

// keyMutex hands out one mutex per key and forgets it once nobody holds it.
type keyMutex struct {
	lock  sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyMutex() *keyMutex {
	return &keyMutex{locks: make(map[string]*refMutex)}
}

// Lock locks key and returns the matching unlock function.
func (km *keyMutex) Lock(key string) func() {
	km.lock.Lock()
	m, ok := km.locks[key]
	if !ok {
		m = &refMutex{}
		km.locks[key] = m
	}
	m.refs++
	km.lock.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		km.lock.Lock()
		m.refs--
		if m.refs == 0 {
			delete(km.locks, key)
		}
		km.lock.Unlock()
	}
}
