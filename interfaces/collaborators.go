package interfaces

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/ephemera/messaging"
)

// DocumentStore is the shared remote store holding one document per message.
// It is multi-writer and multi-reader across devices.
type DocumentStore interface {
	// Create stores a new document at version 1. It returns
	// messaging.ErrAlreadyExists if the id is taken.
	Create(ctx context.Context, m *messaging.Message) (*messaging.Message, error)

	// Get returns the current document or messaging.ErrNotFound.
	Get(ctx context.Context, id string) (*messaging.Message, error)

	// Update applies p to the document and returns the result. If
	// p.ExpectedVersion is non-zero and differs from the stored version it
	// returns messaging.ErrConflict. A patch that changes nothing does not
	// bump the version.
	Update(ctx context.Context, id string, p messaging.Patch) (*messaging.Message, error)

	// Delete purges the document. Deleting a missing document returns
	// messaging.ErrNotFound, which callers treat as success.
	Delete(ctx context.Context, id string) error

	// Query returns the documents matching f.
	Query(ctx context.Context, f messaging.Filter) ([]*messaging.Message, error)
}

// BlobStore holds large media payloads.
type BlobStore interface {
	// Put stores data under blobID and returns its URL.
	Put(ctx context.Context, blobID string, data []byte) (string, error)

	// Get returns the blob at url or messaging.ErrNotFound.
	Get(ctx context.Context, url string) ([]byte, error)

	// Delete removes the blob at url. A missing blob returns
	// messaging.ErrNotFound.
	Delete(ctx context.Context, url string) error
}

// Subscription is an ordered, possibly duplicated stream of change events.
type Subscription interface {
	// Events is closed when the subscription ends.
	Events() <-chan messaging.ChangeEvent
	Close() error
}

// ChangeFeed is the real-time sync collaborator.
type ChangeFeed interface {
	// Subscribe starts streaming changes relevant to userID.
	Subscribe(ctx context.Context, userID string) (Subscription, error)

	// IsSimulation returns true if this is a simulation implementation
	IsSimulation() bool
}

// Publisher receives every committed change so it can be fanned out to
// subscribers. Delivery is at-least-once.
type Publisher interface {
	Publish(e messaging.ChangeEvent)
}

// PushNotifier is the best-effort off-device alerting collaborator.
type PushNotifier interface {
	NotifyNewMessage(ctx context.Context, recipientID string, m *messaging.Message) error
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard library clock.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

var (
	// ErrInvalidTimeout indicates a non-positive dial timeout
	ErrInvalidTimeout = errors.New("timeout must be positive")

	// ErrInvalidDuplicateRate indicates a negative duplicate injection rate
	ErrInvalidDuplicateRate = errors.New("duplicate rate cannot be negative")

	// ErrMissingEndpoint indicates a real feed without an endpoint
	ErrMissingEndpoint = errors.New("endpoint is required for real feeds")
)

// FeedConfig holds configuration for change feed implementations
type FeedConfig struct {
	// UseSimulation determines whether to use the in-process simulation
	UseSimulation bool

	// Endpoint is the websocket URL of the sync hub
	Endpoint string

	// DialTimeout bounds connection establishment
	DialTimeout time.Duration

	// DialAttempts is the number of connection attempts before giving up
	DialAttempts int

	// DuplicateEvery re-delivers every Nth event in simulation; 0 disables
	DuplicateEvery int

	// BufferSize is the per-subscription event buffer
	BufferSize int
}

// Validate checks the configuration for the selected implementation.
func (c FeedConfig) Validate() error {
	if c.DialTimeout <= 0 {
		return fmt.Errorf("%w: got %s", ErrInvalidTimeout, c.DialTimeout)
	}
	if c.DuplicateEvery < 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidDuplicateRate, c.DuplicateEvery)
	}
	if !c.UseSimulation && c.Endpoint == "" {
		return ErrMissingEndpoint
	}
	return nil
}
