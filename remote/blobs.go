package remote

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/opd-ai/ephemera/messaging"
)

const blobScheme = "mem://"

// BlobStore is an in-memory interfaces.BlobStore. It counts delete calls so
// callers can observe cleanup behaviour.
type BlobStore struct {
	mutex       sync.RWMutex
	blobs       map[string][]byte
	deleteCalls int
	faults      *Faults
}

// NewBlobStore creates an empty blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		blobs:  make(map[string][]byte),
		faults: NewFaults(),
	}
}

// Faults exposes failure injection for this store.
func (b *BlobStore) Faults() *Faults {
	return b.faults
}

// Put stores a copy of data.
func (b *BlobStore) Put(ctx context.Context, blobID string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := b.faults.take(OpPut); err != nil {
		return "", err
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	url := blobScheme + blobID
	b.blobs[url] = append([]byte(nil), data...)
	return url, nil
}

// Get returns a copy of the blob at url.
func (b *BlobStore) Get(ctx context.Context, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.faults.take(OpGet); err != nil {
		return nil, err
	}

	b.mutex.RLock()
	defer b.mutex.RUnlock()

	data, ok := b.blobs[url]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", url, messaging.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Delete removes the blob at url.
func (b *BlobStore) Delete(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mutex.Lock()
	b.deleteCalls++
	b.mutex.Unlock()

	if err := b.faults.take(OpDelete); err != nil {
		return err
	}
	if !strings.HasPrefix(url, blobScheme) {
		return fmt.Errorf("blob url %q: %w", url, messaging.ErrRejected)
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if _, ok := b.blobs[url]; !ok {
		return fmt.Errorf("blob %s: %w", url, messaging.ErrNotFound)
	}
	delete(b.blobs, url)
	return nil
}

// Has reports whether a blob exists at url.
func (b *BlobStore) Has(url string) bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	_, ok := b.blobs[url]
	return ok
}

// Len returns the number of stored blobs.
func (b *BlobStore) Len() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.blobs)
}

// DeleteCalls returns how many times Delete was invoked, failures included.
func (b *BlobStore) DeleteCalls() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.deleteCalls
}
