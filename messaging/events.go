package messaging

import (
	"strconv"
	"time"
)

// ChangeKind is the type of a remote document change.
type ChangeKind uint8

const (
	// ChangeCreated is emitted once when a document is created.
	ChangeCreated ChangeKind = iota
	// ChangeUpdated is emitted for receipt merges and lifecycle advances.
	ChangeUpdated
	// ChangeDeleted is emitted when a document is purged.
	ChangeDeleted
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreated:
		return "created"
	case ChangeUpdated:
		return "updated"
	case ChangeDeleted:
		return "deleted"
	default:
		return "invalid_change_" + strconv.Itoa(int(k))
	}
}

// ChangeEvent is one entry of the real-time sync stream. The stream is
// at-least-once: consumers deduplicate by (MessageID, Version).
type ChangeEvent struct {
	Kind      ChangeKind `json:"kind"`
	MessageID string     `json:"messageId"`
	Version   uint64     `json:"version"`
	// Message is a snapshot after the change. For ChangeDeleted it is the
	// last known document.
	Message *Message `json:"message,omitempty"`
}

// Key identifies the event for deduplication.
func (e ChangeEvent) Key() string {
	return e.MessageID + "@" + strconv.FormatUint(e.Version, 10)
}

// Participants returns the sender and recipients the event concerns.
func (e ChangeEvent) Participants() []string {
	if e.Message == nil {
		return nil
	}
	out := append([]string{e.Message.SenderID}, e.Message.Delivery.Recipients()...)
	return out
}

// Patch is a partial update of a remote document. It is applied with
// Message.Apply so every store shares the same monotonic semantics.
type Patch struct {
	// ExpectedVersion makes the update conditional; 0 means unconditional.
	ExpectedVersion uint64
	// Receipts are OR-merged into existing recipient slots.
	Receipts DeliveryState
	// Advance moves the lifecycle forward if it is ahead of the current state.
	Advance *LifecycleState
	// At timestamps a lifecycle transition.
	At time.Time
}

// AdvanceTo builds a patch moving the lifecycle to s at the given time.
func AdvanceTo(s LifecycleState, at time.Time, expectedVersion uint64) Patch {
	return Patch{ExpectedVersion: expectedVersion, Advance: &s, At: at}
}

// ReceiptPatch builds an unconditional patch for one recipient.
func ReceiptPatch(recipient string, r Receipt) Patch {
	return Patch{Receipts: DeliveryState{recipient: r}}
}

// Filter selects remote documents. Zero-valued fields do not constrain.
type Filter struct {
	ChatID   string
	SenderID string
	// Participant matches messages sent by or addressed to this user.
	Participant string
	States      []LifecycleState

	ExpiresBefore time.Time
	PendingBefore time.Time
	DeletedBefore time.Time

	Limit int
}

// Matches reports whether m satisfies every constraint of f.
func (f Filter) Matches(m *Message) bool {
	if f.ChatID != "" && m.ChatID != f.ChatID {
		return false
	}
	if f.SenderID != "" && m.SenderID != f.SenderID {
		return false
	}
	if f.Participant != "" && m.SenderID != f.Participant {
		if _, ok := m.Delivery[f.Participant]; !ok {
			return false
		}
	}
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if m.Lifecycle == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.ExpiresBefore.IsZero() && (m.ExpiresAt.IsZero() || m.ExpiresAt.After(f.ExpiresBefore)) {
		return false
	}
	if !f.PendingBefore.IsZero() && (m.PendingSince.IsZero() || m.PendingSince.After(f.PendingBefore)) {
		return false
	}
	if !f.DeletedBefore.IsZero() && (m.DeletedAt.IsZero() || m.DeletedAt.After(f.DeletedBefore)) {
		return false
	}
	return true
}

// DeleteReason records which trigger drove a remote deletion.
type DeleteReason string

const (
	// ReasonDelivered is the grace timer firing after full delivery.
	ReasonDelivered DeleteReason = "delivered"
	// ReasonExpired is the hard TTL passing.
	ReasonExpired DeleteReason = "expired"
	// ReasonGraceElapsed is a sweep finding a PendingDeletion message whose
	// grace window passed without its timer firing, e.g. after a restart.
	ReasonGraceElapsed DeleteReason = "grace_elapsed"
	// ReasonTombstone is a sweep retrying cleanup of a Deleted tombstone.
	ReasonTombstone DeleteReason = "tombstone"
)
