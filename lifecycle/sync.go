package lifecycle

import (
	"context"
	"time"

	"github.com/opd-ai/ephemera/interfaces"
	"github.com/opd-ai/ephemera/messaging"
	"github.com/sirupsen/logrus"
)

// Consume drains sub until it closes or ctx ends. Events are deduplicated by
// message id and version; an event whose handling failed is not remembered,
// so a redelivery gets another chance.
func (c *Coordinator) Consume(ctx context.Context, sub interfaces.Subscription) error {
	logrus.WithFields(logrus.Fields{
		"function": "Consume",
		"user_id":  c.config.UserID,
	}).Info("Consuming change feed")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-sub.Events():
			if !ok {
				logrus.WithFields(logrus.Fields{
					"function": "Consume",
					"user_id":  c.config.UserID,
				}).Info("Change feed closed")
				return nil
			}
			c.HandleEvent(ctx, e)
		}
	}
}

// HandleEvent processes a single change event.
func (c *Coordinator) HandleEvent(ctx context.Context, e messaging.ChangeEvent) {
	key := e.Key()
	if c.seenEvent(key) {
		c.observer.DuplicateEvent()
		logrus.WithFields(logrus.Fields{
			"function": "HandleEvent",
			"event":    key,
		}).Debug("Duplicate change event skipped")
		return
	}

	if err := c.handle(ctx, e); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleEvent",
			"event":    key,
			"kind":     e.Kind.String(),
			"error":    err.Error(),
		}).Warn("Failed to apply change event")
		return
	}
	c.rememberEvent(key)
}

func (c *Coordinator) handle(ctx context.Context, e messaging.ChangeEvent) error {
	m := e.Message
	if e.Kind == messaging.ChangeDeleted || (m != nil && m.Lifecycle == messaging.StateDeleted) {
		c.observeDeletion(e.MessageID)
		return nil
	}
	if m == nil {
		return nil
	}

	if m.SenderID == c.config.UserID {
		return c.applyOwn(ctx, m)
	}
	if _, ok := m.Delivery[c.config.UserID]; ok {
		return c.OnMessageReceived(ctx, m)
	}
	return nil
}

// applyOwn handles a document authored by the local user, either an echo of
// this device's write or a change made elsewhere.
func (c *Coordinator) applyOwn(ctx context.Context, m *messaging.Message) error {
	if c.remoteGone(m.ID) {
		return nil
	}
	c.markOwned(m.ID)
	rec := &messaging.LocalRecord{
		DeviceID:   c.config.DeviceID,
		MessageID:  m.ID,
		ChatID:     m.ChatID,
		Message:    m.Clone(),
		StoredAt:   c.now(),
		Provenance: messaging.SentByMe,
	}
	if err := c.fillContent(ctx, m, rec); err != nil {
		if messaging.IsRetryable(err) {
			return withMessageID(err, m.ID)
		}
		logrus.WithFields(logrus.Fields{
			"function":   "applyOwn",
			"message_id": m.ID,
			"error":      err.Error(),
		}).Warn("Attachment unavailable, caching message without it")
	}
	if err := c.local.Put(rec); err != nil {
		return &messaging.OpError{Op: "sync", Kind: messaging.ErrLocalWriteFailed, MessageID: m.ID, Err: err}
	}
	c.tracker.Restore(m.ID, m.Delivery)
	return nil
}

// remoteGone reports whether this device already observed the remote
// deletion of a message. Late events for it are stale.
func (c *Coordinator) remoteGone(id string) bool {
	rec, err := c.local.Get(id)
	return err == nil && rec.RemoteDeletionObserved
}

func (c *Coordinator) seenEvent(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[key]
	return ok
}

func (c *Coordinator) rememberEvent(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[key]; ok {
		return
	}
	c.seen[key] = struct{}{}
	c.order = append(c.order, key)
	if len(c.order) > dedupeWindow {
		evict := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, evict)
	}
}

// Recover restores in-memory state lost on restart: it re-registers the
// recipients of this user's live messages and re-arms grace timers for those
// already fully delivered.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	wctx, cancel := c.writeContext(ctx)
	defer cancel()
	msgs, err := c.docs.Query(wctx, messaging.Filter{
		SenderID: c.config.UserID,
		States:   []messaging.LifecycleState{messaging.StateActive, messaging.StatePendingDeletion},
	})
	if err != nil {
		return 0, &messaging.OpError{Op: "recover", Kind: messaging.ErrRemoteWriteFailed, Retryable: true, Err: err}
	}

	for _, m := range msgs {
		c.markOwned(m.ID)
		if m.Lifecycle == messaging.StatePendingDeletion {
			c.armTimer(m.ID, c.remainingGrace(m))
		}
		c.tracker.Restore(m.ID, m.Delivery)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Recover",
		"user_id":  c.config.UserID,
		"restored": len(msgs),
	}).Info("Lifecycle state recovered")
	return len(msgs), nil
}

func (c *Coordinator) remainingGrace(m *messaging.Message) time.Duration {
	if m.PendingSince.IsZero() {
		return c.config.GraceWindow
	}
	left := c.config.GraceWindow - c.now().Sub(m.PendingSince)
	if left < 0 {
		return 0
	}
	return left
}
