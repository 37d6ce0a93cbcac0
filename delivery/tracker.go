// Package delivery tracks per-recipient delivery and read acknowledgments.
package delivery

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/ephemera/limits"
	"github.com/opd-ai/ephemera/messaging"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownMessage indicates the message was never registered
	ErrUnknownMessage = errors.New("message not registered")
	// ErrUnknownRecipient indicates the recipient is not in the snapshot
	ErrUnknownRecipient = errors.New("recipient not registered for message")
	// ErrAlreadyRegistered indicates a second registration of one message
	ErrAlreadyRegistered = errors.New("message already registered")
)

// FullyDeliveredFunc is invoked once per message, outside the tracker lock,
// when every registered recipient has delivered=true.
type FullyDeliveredFunc func(messageID string, at time.Time)

type entry struct {
	state messaging.DeliveryState
	fired bool
}

// Tracker holds the delivery state of in-flight messages. All methods are
// safe for concurrent use; flags only ever move from false to true.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry
	onFull  FullyDeliveredFunc
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]*entry)}
}

// OnFullyDelivered sets the full-delivery callback.
func (t *Tracker) OnFullyDelivered(fn FullyDeliveredFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFull = fn
}

// Register snapshots the recipient set of a new message. It is called once,
// at creation.
func (t *Tracker) Register(messageID string, recipients []string) error {
	if len(recipients) == 0 {
		return fmt.Errorf("register %s: %w", messageID, messaging.ErrNoRecipients)
	}
	if err := limits.ValidateRecipients(len(recipients)); err != nil {
		return fmt.Errorf("register %s: %w", messageID, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[messageID]; exists {
		return fmt.Errorf("register %s: %w", messageID, ErrAlreadyRegistered)
	}
	t.entries[messageID] = &entry{state: messaging.NewDeliveryState(recipients)}

	logrus.WithFields(logrus.Fields{
		"function":   "Register",
		"message_id": messageID,
		"recipients": len(recipients),
	}).Debug("Recipients registered")
	return nil
}

// Restore registers a message from previously stored delivery state, or
// merges into it if already registered. Used after restart and when a sender
// observes its own message from another device.
func (t *Tracker) Restore(messageID string, state messaging.DeliveryState) {
	if len(state) == 0 {
		return
	}
	t.mu.Lock()
	e, exists := t.entries[messageID]
	if !exists {
		t.entries[messageID] = &entry{state: state.Clone()}
		e = t.entries[messageID]
	} else {
		e.state.MergeFrom(state)
	}
	fire, at := t.checkFull(e)
	cb := t.onFull
	t.mu.Unlock()

	t.notify(fire, cb, messageID, at)
}

// MarkDelivered sets delivered=true for recipient. Redundant and
// out-of-order calls are no-ops. It reports whether the state changed.
func (t *Tracker) MarkDelivered(messageID, recipient string, at time.Time) (bool, error) {
	return t.apply(messageID, recipient, messaging.Receipt{Delivered: true, DeliveredAt: at})
}

// MarkRead sets read=true, which implies delivered=true.
func (t *Tracker) MarkRead(messageID, recipient string, at time.Time) (bool, error) {
	return t.apply(messageID, recipient, messaging.Receipt{Read: true, ReadAt: at})
}

// Merge OR-merges receipts observed elsewhere, such as in a remote document
// update. Unknown recipients are ignored.
func (t *Tracker) Merge(messageID string, incoming messaging.DeliveryState) (bool, error) {
	t.mu.Lock()
	e, exists := t.entries[messageID]
	if !exists {
		t.mu.Unlock()
		return false, fmt.Errorf("merge %s: %w", messageID, ErrUnknownMessage)
	}
	changed := e.state.MergeFrom(incoming)
	fire, at := t.checkFull(e)
	cb := t.onFull
	t.mu.Unlock()

	t.notify(fire, cb, messageID, at)
	return changed, nil
}

// IsFullyDelivered reports whether every registered recipient has
// delivered=true. Unknown messages report false.
func (t *Tracker) IsFullyDelivered(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, exists := t.entries[messageID]
	return exists && e.state.FullyDelivered()
}

// Snapshot returns a copy of the delivery state of a message.
func (t *Tracker) Snapshot(messageID string) (messaging.DeliveryState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, exists := t.entries[messageID]
	if !exists {
		return nil, false
	}
	return e.state.Clone(), true
}

// Forget drops a message, typically once it is Deleted remotely.
func (t *Tracker) Forget(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, messageID)
}

// Len returns the number of tracked messages.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) apply(messageID, recipient string, r messaging.Receipt) (bool, error) {
	t.mu.Lock()
	e, exists := t.entries[messageID]
	if !exists {
		t.mu.Unlock()
		return false, fmt.Errorf("receipt for %s: %w", messageID, ErrUnknownMessage)
	}
	current, ok := e.state[recipient]
	if !ok {
		t.mu.Unlock()
		return false, fmt.Errorf("receipt for %s from %s: %w", messageID, recipient, ErrUnknownRecipient)
	}
	merged := current.Merge(r)
	changed := merged != current
	if changed {
		e.state[recipient] = merged
	}
	fire, at := t.checkFull(e)
	cb := t.onFull
	t.mu.Unlock()

	if changed {
		logrus.WithFields(logrus.Fields{
			"function":   "apply",
			"message_id": messageID,
			"recipient":  recipient,
			"delivered":  merged.Delivered,
			"read":       merged.Read,
		}).Debug("Receipt recorded")
	}
	t.notify(fire, cb, messageID, at)
	return changed, nil
}

// checkFull must be called with t.mu held.
func (t *Tracker) checkFull(e *entry) (bool, time.Time) {
	if e.fired || !e.state.FullyDelivered() {
		return false, time.Time{}
	}
	e.fired = true
	var latest time.Time
	for _, r := range e.state {
		if r.DeliveredAt.After(latest) {
			latest = r.DeliveredAt
		}
	}
	return true, latest
}

func (t *Tracker) notify(fire bool, cb FullyDeliveredFunc, messageID string, at time.Time) {
	if !fire {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":   "notify",
		"message_id": messageID,
		"at":         at,
	}).Info("Message fully delivered")
	if cb != nil {
		cb(messageID, at)
	}
}
