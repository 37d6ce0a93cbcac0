package real

import (
	"sync"
	"time"
)

// mockSleeper records sleep calls without waiting.
type mockSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (m *mockSleeper) Sleep(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sleeps = append(m.sleeps, d)
}

func (m *mockSleeper) calls() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.sleeps...)
}
