// Package media uploads and deletes message payloads in the remote blob store.
package media

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/opd-ai/ephemera/interfaces"
	"github.com/opd-ai/ephemera/limits"
	"github.com/opd-ai/ephemera/messaging"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

const (
	// DefaultUploadTimeout bounds a single upload.
	DefaultUploadTimeout = 30 * time.Second

	// DefaultDeleteTimeout bounds a single blob delete.
	DefaultDeleteTimeout = 10 * time.Second
)

// Manager owns the blob side of a message. It never retries; callers own
// retry policy.
type Manager struct {
	blobs         interfaces.BlobStore
	timeProvider  interfaces.TimeProvider
	uploadTimeout time.Duration
	deleteTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewManager creates a media manager on top of blobs. Zero timeouts select
// the defaults.
func NewManager(blobs interfaces.BlobStore, uploadTimeout, deleteTimeout time.Duration) *Manager {
	if uploadTimeout <= 0 {
		uploadTimeout = DefaultUploadTimeout
	}
	if deleteTimeout <= 0 {
		deleteTimeout = DefaultDeleteTimeout
	}

	logrus.WithFields(logrus.Fields{
		"function":       "NewManager",
		"upload_timeout": uploadTimeout.String(),
		"delete_timeout": deleteTimeout.String(),
	}).Info("Creating media manager")

	return &Manager{
		blobs:         blobs,
		timeProvider:  interfaces.DefaultTimeProvider{},
		uploadTimeout: uploadTimeout,
		deleteTimeout: deleteTimeout,
		inflight:      make(map[string]context.CancelFunc),
	}
}

// SetTimeProvider sets the time provider used for UploadedAt stamps.
func (m *Manager) SetTimeProvider(tp interfaces.TimeProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeProvider = tp
}

// Upload stores payload for chatID and returns its reference. Failures are
// returned as *messaging.OpError with Kind messaging.ErrUploadFailed.
func (m *Manager) Upload(ctx context.Context, payload []byte, chatID string) (messaging.MediaRef, error) {
	if err := limits.ValidateMediaPayload(payload); err != nil {
		return messaging.MediaRef{}, &messaging.OpError{Op: "upload", Kind: messaging.ErrUploadFailed, Err: err}
	}

	blobID := chatID + "/" + uuid.NewString()
	sum := blake2b.Sum256(payload)
	mime := mimetype.Detect(payload).String()

	logrus.WithFields(logrus.Fields{
		"function": "Upload",
		"blob_id":  blobID,
		"chat_id":  chatID,
		"size":     humanize.Bytes(uint64(len(payload))),
		"mime":     mime,
	}).Debug("Uploading media")

	uploadCtx, cancel := context.WithTimeout(ctx, m.uploadTimeout)
	m.track(blobID, cancel)
	defer m.untrack(blobID)

	url, err := m.blobs.Put(uploadCtx, blobID, payload)
	if err != nil {
		retryable := !errors.Is(err, messaging.ErrRejected)
		logrus.WithFields(logrus.Fields{
			"function":  "Upload",
			"blob_id":   blobID,
			"retryable": retryable,
			"error":     err.Error(),
		}).Warn("Media upload failed")
		return messaging.MediaRef{}, &messaging.OpError{
			Op:        "upload",
			Kind:      messaging.ErrUploadFailed,
			Retryable: retryable,
			Err:       err,
		}
	}

	ref := messaging.MediaRef{
		BlobID:     blobID,
		RemoteURL:  url,
		SizeBytes:  int64(len(payload)),
		UploadedAt: m.now(),
		MIME:       mime,
		Digest:     hex.EncodeToString(sum[:]),
	}

	logrus.WithFields(logrus.Fields{
		"function": "Upload",
		"blob_id":  blobID,
		"url":      url,
	}).Info("Media uploaded")

	return ref, nil
}

// Fetch downloads the blob behind ref and checks it against ref.Digest.
// Failures are returned as *messaging.OpError with Kind
// messaging.ErrDownloadFailed; a missing blob is not retryable.
func (m *Manager) Fetch(ctx context.Context, ref messaging.MediaRef) ([]byte, error) {
	if ref.RemoteURL == "" {
		return nil, &messaging.OpError{Op: "fetch", Kind: messaging.ErrDownloadFailed, Err: errors.New("media reference has no url")}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, m.uploadTimeout)
	defer cancel()

	data, err := m.blobs.Get(fetchCtx, ref.RemoteURL)
	if err != nil {
		retryable := !messaging.IsNotFound(err) && !errors.Is(err, messaging.ErrRejected)
		logrus.WithFields(logrus.Fields{
			"function":  "Fetch",
			"blob_id":   ref.BlobID,
			"retryable": retryable,
			"error":     err.Error(),
		}).Warn("Media download failed")
		return nil, &messaging.OpError{
			Op:        "fetch",
			Kind:      messaging.ErrDownloadFailed,
			Retryable: retryable,
			Err:       fmt.Errorf("blob %s: %w", ref.BlobID, err),
		}
	}

	if ref.Digest != "" {
		sum := blake2b.Sum256(data)
		if hex.EncodeToString(sum[:]) != ref.Digest {
			return nil, &messaging.OpError{
				Op:        "fetch",
				Kind:      messaging.ErrDownloadFailed,
				Retryable: true,
				Err:       fmt.Errorf("blob %s: digest mismatch", ref.BlobID),
			}
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Fetch",
		"blob_id":  ref.BlobID,
		"size":     humanize.Bytes(uint64(len(data))),
	}).Debug("Media downloaded")
	return data, nil
}

// Delete removes the blob behind ref. A blob that is already gone is not an
// error.
func (m *Manager) Delete(ctx context.Context, ref messaging.MediaRef) error {
	if ref.RemoteURL == "" {
		return nil
	}

	deleteCtx, cancel := context.WithTimeout(ctx, m.deleteTimeout)
	defer cancel()

	err := m.blobs.Delete(deleteCtx, ref.RemoteURL)
	switch {
	case err == nil:
		logrus.WithFields(logrus.Fields{
			"function": "Delete",
			"blob_id":  ref.BlobID,
			"size":     humanize.Bytes(uint64(ref.SizeBytes)),
		}).Info("Media deleted")
		return nil
	case messaging.IsNotFound(err):
		logrus.WithFields(logrus.Fields{
			"function": "Delete",
			"blob_id":  ref.BlobID,
		}).Debug("Media already absent")
		return nil
	default:
		return &messaging.OpError{
			Op:        "delete_media",
			Kind:      messaging.ErrRemoteDeleteFailed,
			Retryable: !errors.Is(err, messaging.ErrRejected),
			Err:       fmt.Errorf("blob %s: %w", ref.BlobID, err),
		}
	}
}

// Abort cancels every upload still in flight. Used when the owner shuts down.
func (m *Manager) Abort() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.inflight)
	for id, cancel := range m.inflight {
		cancel()
		delete(m.inflight, id)
	}
	return n
}

// InFlight returns the number of uploads in progress.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

func (m *Manager) track(blobID string, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight[blobID] = cancel
}

func (m *Manager) untrack(blobID string) {
	m.mu.Lock()
	cancel, ok := m.inflight[blobID]
	delete(m.inflight, blobID)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

func (m *Manager) now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeProvider.Now()
}
