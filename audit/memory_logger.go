package audit

import (
	"context"
	"sort"
	"sync"
)

// MemoryLogger keeps events in a slice. Useful for tests and embedded use
// where a file is not wanted.
type MemoryLogger struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

func (m *MemoryLogger) Record(_ context.Context, event Event) error {
	event = normalize(event)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryLogger) Query(_ context.Context, options QueryOptions) (QueryResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var events []Event
	for _, event := range m.events {
		if matchesFilter(event, options) {
			events = append(events, event)
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})

	return paginate(events, len(m.events), options), nil
}

// Events returns a copy of every recorded event in insertion order
func (m *MemoryLogger) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Event(nil), m.events...)
}

func (m *MemoryLogger) Close() error {
	return nil
}
