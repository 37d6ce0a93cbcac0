package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/ephemera/messaging"
)

// MediaManager uploads, downloads and deletes blobs. media.Manager satisfies it.
type MediaManager interface {
	Upload(ctx context.Context, payload []byte, chatID string) (messaging.MediaRef, error)
	Fetch(ctx context.Context, ref messaging.MediaRef) ([]byte, error)
	Delete(ctx context.Context, ref messaging.MediaRef) error
}

// LocalStore is the device cache. localstore.Store satisfies it.
type LocalStore interface {
	Put(rec *messaging.LocalRecord) error
	Get(messageID string) (*messaging.LocalRecord, error)
	Payload(messageID string) ([]byte, error)
	Query(chatID string) ([]*messaging.LocalRecord, error)
	MarkRemoteDeleted(messageID string) error
	Delete(messageID string) error
}

// Observer receives lifecycle signals, typically for metrics.
type Observer interface {
	MessageSent(ct messaging.ContentType)
	SendFailed(kind error)
	MessageReceived()
	Transition(to messaging.LifecycleState, reason messaging.DeleteReason)
	MediaCleanup(err error)
	DuplicateEvent()
}

type noopObserver struct{}

func (noopObserver) MessageSent(messaging.ContentType) {}
func (noopObserver) SendFailed(error) {}
func (noopObserver) MessageReceived() {}
func (noopObserver) Transition(messaging.LifecycleState, messaging.DeleteReason) {}
func (noopObserver) MediaCleanup(error) {}
func (noopObserver) DuplicateEvent() {}

const (
	// DefaultGraceWindow is the delay between full delivery and deletion.
	DefaultGraceWindow = 30 * time.Second
	// DefaultTTL is the hard remote retention bound.
	DefaultTTL = 7 * 24 * time.Hour
	// DefaultWriteTimeout bounds a single remote metadata operation.
	DefaultWriteTimeout = 10 * time.Second
	// OverflowFileName names text that was moved into the blob store.
	OverflowFileName = "message.txt"

	dedupeWindow = 4096
)

// ErrNotRecipient indicates a received message does not list this user.
var ErrNotRecipient = errors.New("local user is not a recipient")

// Config holds coordinator settings.
type Config struct {
	// UserID is the local user; DeviceID the local device.
	UserID   string
	DeviceID string

	GraceWindow  time.Duration
	DefaultTTL   time.Duration
	WriteTimeout time.Duration
}

// Validate fills defaults and checks required fields.
func (c *Config) Validate() error {
	if c.UserID == "" || c.DeviceID == "" {
		return fmt.Errorf("user and device ids are required")
	}
	if c.GraceWindow < 0 {
		return fmt.Errorf("grace window cannot be negative, got %s", c.GraceWindow)
	}
	if c.GraceWindow == 0 {
		c.GraceWindow = DefaultGraceWindow
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultTTL
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return nil
}

// Draft is an outgoing message before it has an id.
type Draft struct {
	ChatID string
	// Recipients are snapshotted into the message's DeliveryState. The
	// sender is removed automatically.
	Recipients []string
	// Content is the tagged payload. For media variants the MediaRef is
	// filled in after upload.
	Content messaging.Content
	// Payload carries the media bytes for media content.
	Payload []byte
	// TTL overrides the default hard expiry.
	TTL time.Duration
}

// DraftFor builds a draft addressed to every other participant of chat.
func DraftFor(chat messaging.Chat, sender string, content messaging.Content, payload []byte) Draft {
	return Draft{
		ChatID:     chat.ID,
		Recipients: chat.Recipients(sender),
		Content:    content,
		Payload:    payload,
	}
}
