package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/opd-ai/ephemera/messaging"
	"github.com/sirupsen/logrus"
)

const maxCASAttempts = 3

// onFullyDelivered runs once per message when the tracker sees every
// recipient acknowledge. Only the sending user's coordinator acts on it.
func (c *Coordinator) onFullyDelivered(messageID string, at time.Time) {
	if !c.isOwned(messageID) {
		return
	}

	// Receipts known locally travel with the transition so the document
	// agrees with the tracker that triggered it.
	patch := messaging.AdvanceTo(messaging.StatePendingDeletion, c.now(), 0)
	patch.Receipts, _ = c.tracker.Snapshot(messageID)

	ctx, cancel := c.writeContext(c.ctx)
	updated, err := c.docs.Update(ctx, messageID, patch)
	cancel()
	switch {
	case err == nil && updated.Lifecycle == messaging.StateDeleted:
		c.observeDeletion(messageID)
		return
	case err == nil:
		c.observer.Transition(messaging.StatePendingDeletion, messaging.ReasonDelivered)
		logrus.WithFields(logrus.Fields{
			"function":     "onFullyDelivered",
			"message_id":   messageID,
			"delivered_at": at,
			"grace_window": c.config.GraceWindow.String(),
		}).Info("Message pending deletion")
	case messaging.IsNotFound(err):
		return
	default:
		logrus.WithFields(logrus.Fields{
			"function":   "onFullyDelivered",
			"message_id": messageID,
			"error":      err.Error(),
		}).Warn("Failed to mark message pending deletion, grace timer still armed")
	}

	c.armTimer(messageID, c.config.GraceWindow)
}

func (c *Coordinator) armTimer(messageID string, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, exists := c.timers[messageID]; exists {
		return
	}
	c.wg.Add(1)
	c.timers[messageID] = time.AfterFunc(delay, func() {
		defer c.wg.Done()
		c.mu.Lock()
		_, live := c.timers[messageID]
		delete(c.timers, messageID)
		c.mu.Unlock()
		if !live {
			return
		}
		if err := c.Delete(c.ctx, messageID, messaging.ReasonDelivered); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "armTimer",
				"message_id": messageID,
				"error":      err.Error(),
			}).Warn("Grace deletion failed, leaving message for the next sweep")
		}
	})
}

// stopTimer cancels a grace timer that has not fired yet.
func (c *Coordinator) stopTimer(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[messageID]; ok {
		if t.Stop() {
			c.wg.Done()
		}
		delete(c.timers, messageID)
	}
}

// PendingTimers returns the number of armed grace timers.
func (c *Coordinator) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Delete moves a message to Deleted, removes its media and purges the remote
// document. It is idempotent: an already deleted or missing message is a
// successful no-op. Concurrent calls for one id in this process share one
// execution; across devices the compare-and-set on the document version
// elects a single winner, and only the winner removes the media.
func (c *Coordinator) Delete(ctx context.Context, messageID string, reason messaging.DeleteReason) error {
	_, err, shared := c.deletes.Do(messageID, func() (interface{}, error) {
		return nil, c.delete(ctx, messageID, reason)
	})
	if shared {
		logrus.WithFields(logrus.Fields{
			"function":   "Delete",
			"message_id": messageID,
		}).Debug("Joined in-flight deletion")
	}
	return err
}

func (c *Coordinator) delete(ctx context.Context, messageID string, reason messaging.DeleteReason) error {
	var tomb *messaging.Message
	for attempt := 1; ; attempt++ {
		cur, err := c.getDocument(ctx, messageID)
		if messaging.IsNotFound(err) {
			c.observeDeletion(messageID)
			return nil
		}
		if err != nil {
			return err
		}

		if cur.Lifecycle == messaging.StateDeleted {
			if reason != messaging.ReasonTombstone {
				logrus.WithFields(logrus.Fields{
					"function":   "Delete",
					"message_id": messageID,
					"reason":     string(reason),
				}).Debug("Message already deleted")
				c.observeDeletion(messageID)
				return nil
			}
			tomb = cur
			break
		}

		if !c.eligible(cur, reason) {
			logrus.WithFields(logrus.Fields{
				"function":   "Delete",
				"message_id": messageID,
				"reason":     string(reason),
				"state":      cur.Lifecycle.String(),
			}).Debug("Message not eligible for deletion")
			return nil
		}

		wctx, cancel := c.writeContext(ctx)
		updated, err := c.docs.Update(wctx, messageID, messaging.AdvanceTo(messaging.StateDeleted, c.now(), cur.Version))
		cancel()
		if err == nil {
			tomb = updated
			c.observer.Transition(messaging.StateDeleted, reason)
			logrus.WithFields(logrus.Fields{
				"function":   "Delete",
				"message_id": messageID,
				"reason":     string(reason),
				"from":       cur.Lifecycle.String(),
			}).Info("Message deleted")
			break
		}
		if messaging.IsNotFound(err) {
			c.observeDeletion(messageID)
			return nil
		}
		if !errors.Is(err, messaging.ErrConflict) || attempt >= maxCASAttempts {
			return &messaging.OpError{Op: "delete", Kind: messaging.ErrRemoteDeleteFailed, MessageID: messageID, Retryable: true, Err: err}
		}
	}

	if ref := tomb.Media(); ref != nil {
		err := c.media.Delete(ctx, *ref)
		c.observer.MediaCleanup(err)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Delete",
				"message_id": messageID,
				"blob_id":    ref.BlobID,
				"error":      err.Error(),
			}).Warn("Media cleanup failed, tombstone kept for the next sweep")
			c.observeDeletion(messageID)
			return err
		}
	}

	wctx, cancel := c.writeContext(ctx)
	err := c.docs.Delete(wctx, messageID)
	cancel()
	if err != nil && !messaging.IsNotFound(err) {
		c.observeDeletion(messageID)
		return &messaging.OpError{Op: "purge", Kind: messaging.ErrRemoteDeleteFailed, MessageID: messageID, Retryable: true, Err: err}
	}

	c.observeDeletion(messageID)
	return nil
}

// eligible re-checks the trigger against the current document so a stale
// trigger never deletes a message that is still owed to a recipient.
func (c *Coordinator) eligible(m *messaging.Message, reason messaging.DeleteReason) bool {
	now := c.now()
	switch reason {
	case messaging.ReasonExpired:
		return m.Expired(now)
	case messaging.ReasonDelivered, messaging.ReasonGraceElapsed:
		return m.Delivery.FullyDelivered() || c.tracker.IsFullyDelivered(m.ID) || m.Expired(now)
	default:
		return true
	}
}

func (c *Coordinator) getDocument(ctx context.Context, id string) (*messaging.Message, error) {
	wctx, cancel := c.writeContext(ctx)
	defer cancel()
	m, err := c.docs.Get(wctx, id)
	if err != nil && !messaging.IsNotFound(err) {
		return nil, &messaging.OpError{Op: "delete", Kind: messaging.ErrRemoteDeleteFailed, MessageID: id, Retryable: true, Err: err}
	}
	return m, err
}

// observeDeletion records that the remote copy is gone. The local record is
// kept; only its flag changes.
func (c *Coordinator) observeDeletion(messageID string) {
	c.stopTimer(messageID)
	c.mu.Lock()
	delete(c.owned, messageID)
	c.mu.Unlock()
	c.tracker.Forget(messageID)

	if err := c.local.MarkRemoteDeleted(messageID); err != nil && !messaging.IsNotFound(err) {
		logrus.WithFields(logrus.Fields{
			"function":   "observeDeletion",
			"message_id": messageID,
			"error":      err.Error(),
		}).Warn("Failed to flag local record as remotely deleted")
	}
}
