package media

import (
	"context"
	"sync"
	"time"

	"github.com/opd-ai/ephemera/messaging"
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	currentTime time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	return m.currentTime
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{
		currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// mockBlobStore implements interfaces.BlobStore for testing.
type mockBlobStore struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	putErr    error
	getErr    error
	deleteErr error
	block     bool
}

func newMockBlobStore() *mockBlobStore {
	return &mockBlobStore{blobs: make(map[string][]byte)}
}

func (s *mockBlobStore) Put(ctx context.Context, blobID string, data []byte) (string, error) {
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return "", s.putErr
	}
	url := "test://" + blobID
	s.blobs[url] = data
	return url, nil
}

func (s *mockBlobStore) Get(ctx context.Context, url string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	data, ok := s.blobs[url]
	if !ok {
		return nil, messaging.ErrNotFound
	}
	return data, nil
}

func (s *mockBlobStore) Delete(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	if _, ok := s.blobs[url]; !ok {
		return messaging.ErrNotFound
	}
	delete(s.blobs, url)
	return nil
}
