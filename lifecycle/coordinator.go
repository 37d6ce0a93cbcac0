// Package lifecycle orchestrates send, receive and read events and drives the
// per-message state machine Active -> PendingDeletion -> Deleted.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/ephemera/delivery"
	"github.com/opd-ai/ephemera/interfaces"
	"github.com/opd-ai/ephemera/limits"
	"github.com/opd-ai/ephemera/messaging"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Coordinator is the MessageLifecycleCoordinator of one device.
type Coordinator struct {
	config       Config
	docs         interfaces.DocumentStore
	media        MediaManager
	tracker      *delivery.Tracker
	local        LocalStore
	push         interfaces.PushNotifier
	observer     Observer
	timeProvider interfaces.TimeProvider

	deletes singleflight.Group

	mu     sync.Mutex
	owned  map[string]struct{}
	timers map[string]*time.Timer
	seen   map[string]struct{}
	order  []string
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithPushNotifier sets the best-effort push collaborator.
func WithPushNotifier(p interfaces.PushNotifier) Option {
	return func(c *Coordinator) { c.push = p }
}

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithTimeProvider sets the clock used for timestamps.
func WithTimeProvider(tp interfaces.TimeProvider) Option {
	return func(c *Coordinator) { c.timeProvider = tp }
}

// NewCoordinator wires a coordinator and registers it as the tracker's
// full-delivery handler.
func NewCoordinator(config Config, docs interfaces.DocumentStore, media MediaManager,
	tracker *delivery.Tracker, local LocalStore, opts ...Option,
) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if docs == nil || media == nil || tracker == nil || local == nil {
		return nil, errors.New("documents, media, tracker and local store are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		config:       config,
		docs:         docs,
		media:        media,
		tracker:      tracker,
		local:        local,
		observer:     noopObserver{},
		timeProvider: interfaces.DefaultTimeProvider{},
		owned:        make(map[string]struct{}),
		timers:       make(map[string]*time.Timer),
		seen:         make(map[string]struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	tracker.OnFullyDelivered(c.onFullyDelivered)

	logrus.WithFields(logrus.Fields{
		"function":     "NewCoordinator",
		"user_id":      config.UserID,
		"device_id":    config.DeviceID,
		"grace_window": config.GraceWindow.String(),
		"default_ttl":  config.DefaultTTL.String(),
	}).Info("Lifecycle coordinator created")
	return c, nil
}

// UserID returns the local user.
func (c *Coordinator) UserID() string {
	return c.config.UserID
}

func (c *Coordinator) now() time.Time {
	return c.timeProvider.Now()
}

func (c *Coordinator) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.config.WriteTimeout)
}

// SendMessage uploads media, caches the message locally, creates the remote
// document with its recipient snapshot and registers the recipients. The
// message becomes visible to recipients only once both the document and any
// media exist. Failures are returned as *messaging.OpError.
func (c *Coordinator) SendMessage(ctx context.Context, d Draft) (string, error) {
	recipients := messaging.Recipients(c.config.UserID, d.Recipients)
	if len(recipients) == 0 {
		return "", c.sendFailure(&messaging.OpError{Op: "send", Kind: messaging.ErrNoRecipients})
	}
	if err := limits.ValidateRecipients(len(recipients)); err != nil {
		return "", c.sendFailure(&messaging.OpError{Op: "send", Kind: messaging.ErrInvalidMessage, Err: err})
	}
	if d.Content == nil {
		return "", c.sendFailure(&messaging.OpError{Op: "send", Kind: messaging.ErrInvalidMessage, Err: errors.New("content is required")})
	}

	now := c.now()
	ttl := d.TTL
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	msg := &messaging.Message{
		ID:        uuid.NewString(),
		ChatID:    d.ChatID,
		SenderID:  c.config.UserID,
		Content:   d.Content,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Delivery:  messaging.NewDeliveryState(recipients),
		Lifecycle: messaging.StateActive,
	}

	payload, fullText, err := c.prepareContent(msg, d)
	if err != nil {
		return "", c.sendFailure(&messaging.OpError{Op: "send", Kind: messaging.ErrInvalidMessage, MessageID: msg.ID, Err: err})
	}

	var ref *messaging.MediaRef
	if payload != nil {
		uploaded, err := c.media.Upload(ctx, payload, d.ChatID)
		if err != nil {
			return "", c.sendFailure(withMessageID(err, msg.ID))
		}
		ref = &uploaded
		msg.Content = messaging.WithMedia(msg.Content, uploaded)
	}

	if err := c.checkDocument(msg); err != nil {
		c.discardBlob(ref)
		return "", c.sendFailure(&messaging.OpError{Op: "send", Kind: messaging.ErrInvalidMessage, MessageID: msg.ID, Err: err})
	}

	rec := &messaging.LocalRecord{
		DeviceID:   c.config.DeviceID,
		MessageID:  msg.ID,
		ChatID:     msg.ChatID,
		Message:    msg.Clone(),
		Text:       fullText,
		StoredAt:   now,
		Provenance: messaging.SentByMe,
	}
	if fullText == "" {
		rec.Payload = payload
	}
	if err := c.local.Put(rec); err != nil {
		c.discardBlob(ref)
		return "", c.sendFailure(&messaging.OpError{
			Op: "send", Kind: messaging.ErrLocalWriteFailed, MessageID: msg.ID, Err: err,
		})
	}

	c.markOwned(msg.ID)
	if ctx.Err() != nil {
		c.rollbackSend(msg.ID, ref)
		return "", c.sendFailure(&messaging.OpError{
			Op: "send", Kind: messaging.ErrRemoteWriteFailed, MessageID: msg.ID, Retryable: true, Err: ctx.Err(),
		})
	}

	writeCtx, cancel := c.writeContext(ctx)
	created, err := c.docs.Create(writeCtx, msg)
	cancel()
	if err != nil {
		c.rollbackSend(msg.ID, ref)
		return "", c.sendFailure(&messaging.OpError{
			Op:        "send",
			Kind:      messaging.ErrRemoteWriteFailed,
			MessageID: msg.ID,
			Retryable: !errors.Is(err, messaging.ErrRejected),
			Err:       err,
		})
	}

	if err := c.tracker.Register(msg.ID, recipients); err != nil {
		if !errors.Is(err, delivery.ErrAlreadyRegistered) {
			logrus.WithFields(logrus.Fields{
				"function":   "SendMessage",
				"message_id": msg.ID,
				"error":      err.Error(),
			}).Warn("Failed to register recipients")
		}
	}
	if err := c.local.Put(&messaging.LocalRecord{MessageID: msg.ID, ChatID: msg.ChatID, Message: created}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "SendMessage",
			"message_id": msg.ID,
			"error":      err.Error(),
		}).Debug("Failed to refresh local record after create")
	}

	c.notifyRecipients(created)
	c.observer.MessageSent(created.ContentType())

	logrus.WithFields(logrus.Fields{
		"function":     "SendMessage",
		"message_id":   msg.ID,
		"chat_id":      msg.ChatID,
		"content_type": created.ContentType().String(),
		"recipients":   len(recipients),
		"expires_at":   msg.ExpiresAt,
	}).Info("Message sent")
	return msg.ID, nil
}

// prepareContent validates the draft content and returns the bytes to
// upload, if any, plus the full text to keep locally when text overflowed.
func (c *Coordinator) prepareContent(msg *messaging.Message, d Draft) ([]byte, string, error) {
	ct := d.Content.Type()
	if ct.IsMedia() {
		if len(d.Payload) == 0 {
			return nil, "", fmt.Errorf("%s content requires a payload", ct)
		}
		return d.Payload, "", nil
	}
	if len(d.Payload) > 0 {
		return nil, "", errors.New("text content cannot carry a payload")
	}

	text, ok := d.Content.(messaging.Text)
	if !ok || text.Body == "" {
		return nil, "", errors.New("text body is required")
	}
	size, err := msg.EncodedSize()
	if err != nil {
		return nil, "", err
	}
	if !limits.ExceedsInline(size) {
		return nil, "", nil
	}

	logrus.WithFields(logrus.Fields{
		"function":     "prepareContent",
		"message_id":   msg.ID,
		"encoded_size": size,
	}).Info("Text exceeds inline ceiling, moving body to blob store")
	msg.Content = messaging.Document{FileName: OverflowFileName}
	return []byte(text.Body), text.Body, nil
}

func (c *Coordinator) checkDocument(msg *messaging.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	size, err := msg.EncodedSize()
	if err != nil {
		return err
	}
	if limits.ExceedsInline(size) {
		return fmt.Errorf("%w: encoded document is %d bytes", limits.ErrPayloadTooLarge, size)
	}
	return nil
}

// rollbackSend undoes a send whose remote create failed or was aborted. The
// document is removed in case the create landed before the failure was
// observed, then the blob, then the local record.
func (c *Coordinator) rollbackSend(messageID string, ref *messaging.MediaRef) {
	ctx, cancel := c.writeContext(context.Background())
	err := c.docs.Delete(ctx, messageID)
	cancel()
	if err != nil && !messaging.IsNotFound(err) {
		logrus.WithFields(logrus.Fields{
			"function":   "rollbackSend",
			"message_id": messageID,
			"error":      err.Error(),
		}).Warn("Failed to remove partially created document")
	}
	c.discardBlob(ref)
	if err := c.local.Delete(messageID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "rollbackSend",
			"message_id": messageID,
			"error":      err.Error(),
		}).Warn("Failed to remove local record of unsent message")
	}
	c.forget(messageID)
}

func (c *Coordinator) discardBlob(ref *messaging.MediaRef) {
	if ref == nil {
		return
	}
	err := c.media.Delete(context.Background(), *ref)
	c.observer.MediaCleanup(err)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "discardBlob",
			"blob_id":  ref.BlobID,
			"error":    err.Error(),
		}).Error("Failed to delete blob of unsent message")
	}
}

func (c *Coordinator) sendFailure(err *messaging.OpError) error {
	c.observer.SendFailed(err.Kind)
	level := logrus.WarnLevel
	if errors.Is(err, messaging.ErrLocalWriteFailed) {
		level = logrus.ErrorLevel
	}
	logrus.WithFields(logrus.Fields{
		"function":   "SendMessage",
		"message_id": err.MessageID,
		"retryable":  err.Retryable,
		"error":      err.Error(),
	}).Log(level, "Send failed")
	return err
}

func withMessageID(err error, id string) *messaging.OpError {
	var oe *messaging.OpError
	if errors.As(err, &oe) {
		cp := *oe
		cp.MessageID = id
		return &cp
	}
	return &messaging.OpError{Op: "send", Kind: messaging.ErrUploadFailed, MessageID: id, Retryable: true, Err: err}
}

func (c *Coordinator) notifyRecipients(m *messaging.Message) {
	if c.push == nil {
		return
	}
	for _, r := range m.Delivery.Recipients() {
		c.wg.Add(1)
		go func(recipient string) {
			defer c.wg.Done()
			ctx, cancel := c.writeContext(c.ctx)
			defer cancel()
			if err := c.push.NotifyNewMessage(ctx, recipient, m); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":   "notifyRecipients",
					"message_id": m.ID,
					"recipient":  recipient,
					"error":      err.Error(),
				}).Debug("Push notification failed")
			}
		}(r)
	}
}

// OnMessageReceived caches an incoming message on this device and then marks
// it delivered for the local user. Repeated calls are harmless.
func (c *Coordinator) OnMessageReceived(ctx context.Context, m *messaging.Message) error {
	me := c.config.UserID
	if m == nil {
		return &messaging.OpError{Op: "receive", Kind: messaging.ErrInvalidMessage}
	}
	if m.Lifecycle == messaging.StateDeleted {
		c.observeDeletion(m.ID)
		return nil
	}
	receipt, ok := m.Delivery[me]
	if !ok {
		return &messaging.OpError{Op: "receive", Kind: messaging.ErrInvalidMessage, MessageID: m.ID, Err: ErrNotRecipient}
	}
	if c.remoteGone(m.ID) {
		return nil
	}

	now := c.now()
	rec := &messaging.LocalRecord{
		DeviceID:   c.config.DeviceID,
		MessageID:  m.ID,
		ChatID:     m.ChatID,
		Message:    m.Clone(),
		StoredAt:   now,
		Provenance: messaging.ReceivedFrom,
		PeerID:     m.SenderID,
	}
	if err := c.fillContent(ctx, m, rec); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "OnMessageReceived",
			"message_id": m.ID,
			"error":      err.Error(),
		}).Warn("Failed to download attachment, delivery not acknowledged")
		return withMessageID(err, m.ID)
	}
	if err := c.local.Put(rec); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "OnMessageReceived",
			"message_id": m.ID,
			"error":      err.Error(),
		}).Error("Failed to cache received message, delivery not acknowledged")
		return &messaging.OpError{Op: "receive", Kind: messaging.ErrLocalWriteFailed, MessageID: m.ID, Err: err}
	}

	c.tracker.Restore(m.ID, m.Delivery)
	if _, err := c.tracker.MarkDelivered(m.ID, me, now); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "OnMessageReceived",
			"message_id": m.ID,
			"error":      err.Error(),
		}).Debug("Delivery receipt not tracked locally")
	}

	if receipt.Delivered {
		return nil
	}

	writeCtx, cancel := c.writeContext(ctx)
	defer cancel()
	_, err := c.docs.Update(writeCtx, m.ID, messaging.ReceiptPatch(me, messaging.Receipt{Delivered: true, DeliveredAt: now}))
	if err != nil {
		if messaging.IsNotFound(err) {
			return nil
		}
		return &messaging.OpError{
			Op: "mark_delivered", Kind: messaging.ErrRemoteWriteFailed, MessageID: m.ID, Retryable: true, Err: err,
		}
	}

	c.observer.MessageReceived()
	logrus.WithFields(logrus.Fields{
		"function":   "OnMessageReceived",
		"message_id": m.ID,
		"sender_id":  m.SenderID,
	}).Info("Message received and acknowledged")
	return nil
}

// OnMessageRead records that the local user read a message.
func (c *Coordinator) OnMessageRead(ctx context.Context, messageID string) error {
	me := c.config.UserID
	rec, err := c.local.Get(messageID)
	if err != nil {
		return &messaging.OpError{Op: "mark_read", Kind: messaging.ErrNotFound, MessageID: messageID, Err: err}
	}
	if rec.Provenance == messaging.SentByMe {
		return nil
	}

	now := c.now()
	if _, err := c.tracker.MarkRead(messageID, me, now); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "OnMessageRead",
			"message_id": messageID,
			"error":      err.Error(),
		}).Debug("Read receipt not tracked locally")
	}

	writeCtx, cancel := c.writeContext(ctx)
	defer cancel()
	_, err = c.docs.Update(writeCtx, messageID, messaging.ReceiptPatch(me, messaging.Receipt{Read: true, ReadAt: now}))
	if err != nil && !messaging.IsNotFound(err) {
		return &messaging.OpError{
			Op: "mark_read", Kind: messaging.ErrRemoteWriteFailed, MessageID: messageID, Retryable: true, Err: err,
		}
	}
	return nil
}

// fillContent downloads the attachment of m into rec unless this device
// already holds it. Overflowed text lands in rec.Text, other media in
// rec.Payload.
func (c *Coordinator) fillContent(ctx context.Context, m *messaging.Message, rec *messaging.LocalRecord) error {
	ref := m.Media()
	if m.Content == nil || ref == nil {
		return nil
	}
	overflow := isOverflow(m)
	if overflow {
		if cached, err := c.local.Get(m.ID); err == nil && cached.Text != "" {
			return nil
		}
	} else if _, err := c.local.Payload(m.ID); err == nil {
		return nil
	}

	data, err := c.media.Fetch(ctx, *ref)
	if err != nil {
		return err
	}
	if overflow {
		rec.Text = string(data)
	} else {
		rec.Payload = data
	}
	return nil
}

func isOverflow(m *messaging.Message) bool {
	d, ok := m.Content.(messaging.Document)
	return ok && d.FileName == OverflowFileName
}

// Attachment returns the media bytes cached on this device for a message.
func (c *Coordinator) Attachment(messageID string) ([]byte, error) {
	return c.local.Payload(messageID)
}

// DeliveryStatus returns the receipts known on this device.
func (c *Coordinator) DeliveryStatus(messageID string) (messaging.DeliveryState, bool) {
	return c.tracker.Snapshot(messageID)
}

// History returns the locally cached messages of a chat.
func (c *Coordinator) History(chatID string) ([]*messaging.LocalRecord, error) {
	return c.local.Query(chatID)
}

func (c *Coordinator) markOwned(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owned[id] = struct{}{}
}

func (c *Coordinator) isOwned(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.owned[id]
	return ok
}

// forget drops every in-memory trace of a message.
func (c *Coordinator) forget(id string) {
	c.stopTimer(id)
	c.mu.Lock()
	delete(c.owned, id)
	c.mu.Unlock()
	c.tracker.Forget(id)
}

// Close stops grace timers and waits for background work. Pending timers
// are not fired; the expiry sweep converges their messages.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, t := range c.timers {
		if t.Stop() {
			c.wg.Done()
		}
		delete(c.timers, id)
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"user_id":  c.config.UserID,
	}).Info("Lifecycle coordinator closed")
	return nil
}
