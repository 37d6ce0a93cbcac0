package media

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/ephemera/limits"
	"github.com/opd-ai/ephemera/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

func TestUploadReturnsReference(t *testing.T) {
	store := newMockBlobStore()
	tp := newMockTimeProvider()
	m := NewManager(store, 0, 0)
	m.SetTimeProvider(tp)

	ref, err := m.Upload(context.Background(), pngHeader, "chat-1")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(ref.BlobID, "chat-1/"))
	assert.Equal(t, "test://"+ref.BlobID, ref.RemoteURL)
	assert.Equal(t, int64(len(pngHeader)), ref.SizeBytes)
	assert.Equal(t, tp.Now(), ref.UploadedAt)
	assert.Equal(t, "image/png", ref.MIME)
	assert.Len(t, ref.Digest, 64)
	assert.Equal(t, 0, m.InFlight())
}

func TestUploadRejectsEmptyPayload(t *testing.T) {
	m := NewManager(newMockBlobStore(), 0, 0)
	_, err := m.Upload(context.Background(), nil, "chat-1")
	assert.ErrorIs(t, err, messaging.ErrUploadFailed)
	assert.ErrorIs(t, err, limits.ErrPayloadEmpty)
	assert.False(t, messaging.IsRetryable(err))
}

func TestUploadFailureIsRetryable(t *testing.T) {
	store := newMockBlobStore()
	store.putErr = errors.New("quota exceeded")
	m := NewManager(store, 0, 0)

	_, err := m.Upload(context.Background(), []byte("data"), "chat-1")
	assert.ErrorIs(t, err, messaging.ErrUploadFailed)
	assert.True(t, messaging.IsRetryable(err))

	store.putErr = messaging.ErrRejected
	_, err = m.Upload(context.Background(), []byte("data"), "chat-1")
	assert.False(t, messaging.IsRetryable(err))
}

func TestUploadTimesOut(t *testing.T) {
	store := newMockBlobStore()
	store.block = true
	m := NewManager(store, 20*time.Millisecond, 0)

	start := time.Now()
	_, err := m.Upload(context.Background(), []byte("data"), "chat-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestUploadAbort(t *testing.T) {
	store := newMockBlobStore()
	store.block = true
	m := NewManager(store, time.Minute, 0)

	done := make(chan error, 1)
	go func() {
		_, err := m.Upload(context.Background(), []byte("data"), "chat-1")
		done <- err
	}()

	require.Eventually(t, func() bool { return m.InFlight() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, m.Abort())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("upload did not abort")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := newMockBlobStore()
	m := NewManager(store, 0, 0)
	ctx := context.Background()

	ref, err := m.Upload(ctx, []byte("hello"), "chat-1")
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, ref))
	require.NoError(t, m.Delete(ctx, ref), "second delete must succeed")
	require.NoError(t, m.Delete(ctx, messaging.MediaRef{}), "empty reference is a no-op")
}

func TestDeleteFailureIsTyped(t *testing.T) {
	store := newMockBlobStore()
	store.deleteErr = errors.New("unreachable")
	m := NewManager(store, 0, 0)

	err := m.Delete(context.Background(), messaging.MediaRef{BlobID: "b", RemoteURL: "test://b"})
	assert.ErrorIs(t, err, messaging.ErrRemoteDeleteFailed)
	assert.True(t, messaging.IsRetryable(err))
}

func TestFetchReturnsUploadedBytes(t *testing.T) {
	store := newMockBlobStore()
	m := NewManager(store, 0, 0)
	ctx := context.Background()

	ref, err := m.Upload(ctx, pngHeader, "chat-1")
	require.NoError(t, err)

	data, err := m.Fetch(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, data)
}

func TestFetchFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("missing blob is not retryable", func(t *testing.T) {
		m := NewManager(newMockBlobStore(), 0, 0)
		_, err := m.Fetch(ctx, messaging.MediaRef{BlobID: "b", RemoteURL: "test://b"})
		assert.ErrorIs(t, err, messaging.ErrDownloadFailed)
		assert.ErrorIs(t, err, messaging.ErrNotFound)
		assert.False(t, messaging.IsRetryable(err))
	})

	t.Run("store error is retryable", func(t *testing.T) {
		store := newMockBlobStore()
		store.getErr = errors.New("unreachable")
		m := NewManager(store, 0, 0)
		_, err := m.Fetch(ctx, messaging.MediaRef{BlobID: "b", RemoteURL: "test://b"})
		assert.ErrorIs(t, err, messaging.ErrDownloadFailed)
		assert.True(t, messaging.IsRetryable(err))
	})

	t.Run("digest mismatch", func(t *testing.T) {
		store := newMockBlobStore()
		m := NewManager(store, 0, 0)
		ref, err := m.Upload(ctx, pngHeader, "chat-1")
		require.NoError(t, err)
		store.blobs[ref.RemoteURL] = []byte("tampered")

		_, err = m.Fetch(ctx, ref)
		assert.ErrorIs(t, err, messaging.ErrDownloadFailed)
	})

	t.Run("empty reference", func(t *testing.T) {
		m := NewManager(newMockBlobStore(), 0, 0)
		_, err := m.Fetch(ctx, messaging.MediaRef{})
		assert.ErrorIs(t, err, messaging.ErrDownloadFailed)
	})
}
