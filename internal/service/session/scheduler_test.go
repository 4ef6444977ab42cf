package session

import (
	"sync"
	"time"
)

// manualScheduler records scheduled funcs and runs them on Fire.
type manualScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	funcs  []func()
}

func (m *manualScheduler) AfterFunc(d time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := len(m.funcs)
	m.delays = append(m.delays, d)
	m.funcs = append(m.funcs, f)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		stopped := m.funcs[idx] != nil
		m.funcs[idx] = nil
		return stopped
	}
}

func (m *manualScheduler) Fire() {
	m.mu.Lock()
	funcs := append([]func(){}, m.funcs...)
	for i := range m.funcs {
		m.funcs[i] = nil
	}
	m.mu.Unlock()

	for _, f := range funcs {
		if f != nil {
			f()
		}
	}
}

func (m *manualScheduler) Scheduled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.delays)
}
