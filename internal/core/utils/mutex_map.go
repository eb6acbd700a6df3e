package utils

import (
	"fmt"
	"sync"
)

// MutexMap hands out one mutex per key. Entries are removed once no goroutine
// holds or waits on the key, so the map only grows with the number of keys in
// use at the same time.
type MutexMap[K comparable] struct {
	edit         sync.Mutex
	queueLengths map[K]int
	mutexes      map[K]*sync.Mutex
	maxSize      int
}

func NewMutexMap[K comparable](maxSize int) *MutexMap[K] {
	return &MutexMap[K]{
		queueLengths: make(map[K]int),
		mutexes:      make(map[K]*sync.Mutex),
		maxSize:      maxSize,
	}
}

func (m *MutexMap[K]) Lock(key K) error {
	m.edit.Lock()

	mu := m.mutexes[key]
	if mu == nil {
		if len(m.mutexes) >= m.maxSize {
			m.edit.Unlock()
			return fmt.Errorf("max size reached")
		}

		mu = &sync.Mutex{}
		m.mutexes[key] = mu
		m.queueLengths[key] = 0
	}

	m.queueLengths[key]++
	m.edit.Unlock()

	mu.Lock()

	return nil
}

func (m *MutexMap[K]) Unlock(key K) error {
	m.edit.Lock()
	defer m.edit.Unlock()

	mu := m.mutexes[key]
	if mu == nil {
		return fmt.Errorf("key %v not found", key)
	}

	mu.Unlock()
	m.queueLengths[key]--

	if m.queueLengths[key] == 0 {
		delete(m.mutexes, key)
		delete(m.queueLengths, key)
	}

	return nil
}

func (m *MutexMap[K]) Len() int {
	m.edit.Lock()
	defer m.edit.Unlock()

	return len(m.mutexes)
}
