package expiry

import (
	"context"
	"sync"
	"time"

	"github.com/opd-ai/ephemera/messaging"
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = m.currentTime.Add(d)
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{
		currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// mockQuerier filters a fixed message set.
type mockQuerier struct {
	mu       sync.Mutex
	messages []*messaging.Message
	err      error
}

func (q *mockQuerier) Query(ctx context.Context, f messaging.Filter) ([]*messaging.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	var out []*messaging.Message
	for _, m := range q.messages {
		if f.SenderID != "" && m.SenderID != f.SenderID {
			continue
		}
		if f.Matches(m) {
			out = append(out, m)
		}
	}
	return out, nil
}

type deleteCall struct {
	id     string
	reason messaging.DeleteReason
}

// mockDeleter records calls and fails ids listed in failing.
type mockDeleter struct {
	mu      sync.Mutex
	calls   []deleteCall
	failing map[string]error
}

func newMockDeleter() *mockDeleter {
	return &mockDeleter{failing: make(map[string]error)}
}

func (d *mockDeleter) Delete(ctx context.Context, id string, reason messaging.DeleteReason) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, deleteCall{id: id, reason: reason})
	return d.failing[id]
}

func (d *mockDeleter) snapshot() []deleteCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]deleteCall(nil), d.calls...)
}
