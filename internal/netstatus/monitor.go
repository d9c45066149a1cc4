// Package netstatus holds the process-wide belief about connectivity and
// feeds it from external signals. It never probes the network itself.
package netstatus

import (
	"sync"
	"sync/atomic"
)

type Monitor struct {
	online atomic.Bool

	mu        sync.Mutex
	listeners map[int]chan bool
	nextID    int
}

func NewMonitor(initial bool) *Monitor {
	m := &Monitor{listeners: map[int]chan bool{}}
	m.online.Store(initial)
	return m
}

func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// Set records the new state and reports whether it differs from the previous
// one. Listeners are only notified on change.
func (m *Monitor) Set(online bool) bool {
	if !m.online.CompareAndSwap(!online, online) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.listeners {
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
	return true
}

// Changes streams state transitions. Only the most recent transition is kept
// for a slow reader.
func (m *Monitor) Changes() (<-chan bool, func()) {
	ch := make(chan bool, 1)
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = ch
	m.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}
