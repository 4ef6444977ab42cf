package prediction

import (
	"sync"
	"time"
)

// Ledger records recent predictions for the assistant's context.
type Ledger interface {
	Record(p Prediction)
	Latest() (Prediction, bool)
}

const defaultCapacity = 32

// MemoryLedger keeps the most recent predictions in a bounded slice.
type MemoryLedger struct {
	mu       sync.RWMutex
	items    []Prediction
	capacity int
}

// NewMemoryLedger returns a ledger holding at most capacity entries.
func NewMemoryLedger(capacity int) *MemoryLedger {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &MemoryLedger{items: make([]Prediction, 0, capacity), capacity: capacity}
}

// Record appends p, dropping the oldest entry when full.
func (l *MemoryLedger) Record(p Prediction) {
	if p.RecordedAt.IsZero() {
		p.RecordedAt = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) == l.capacity {
		copy(l.items, l.items[1:])
		l.items = l.items[:len(l.items)-1]
	}
	l.items = append(l.items, p)
}

// Latest returns the most recently recorded prediction.
func (l *MemoryLedger) Latest() (Prediction, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.items) == 0 {
		return Prediction{}, false
	}
	return l.items[len(l.items)-1], true
}
