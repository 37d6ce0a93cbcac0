package messaging

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// LifecycleState is the remote retention state of a message.
// States only ever advance: Active -> PendingDeletion -> Deleted.
type LifecycleState uint8

const (
	// StateActive means the message is live in the remote store.
	StateActive LifecycleState = iota
	// StatePendingDeletion means every recipient acknowledged delivery and
	// the grace window is running.
	StatePendingDeletion
	// StateDeleted is terminal. The remote content is gone.
	StateDeleted
)

// String returns a human-readable version of the state for logs.
func (s LifecycleState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePendingDeletion:
		return "pending_deletion"
	case StateDeleted:
		return "deleted"
	default:
		return "invalid_state_" + strconv.Itoa(int(s))
	}
}

// CanAdvanceTo reports whether moving from s to next is a forward transition.
func (s LifecycleState) CanAdvanceTo(next LifecycleState) bool {
	return next > s && next <= StateDeleted
}

// MarshalText implements encoding.TextMarshaler.
func (s LifecycleState) MarshalText() ([]byte, error) {
	if s > StateDeleted {
		return nil, fmt.Errorf("invalid lifecycle state %d", s)
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *LifecycleState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "active":
		*s = StateActive
	case "pending_deletion":
		*s = StatePendingDeletion
	case "deleted":
		*s = StateDeleted
	default:
		return fmt.Errorf("unknown lifecycle state %q", string(b))
	}
	return nil
}

// Receipt is the acknowledgment slot of a single recipient.
type Receipt struct {
	Delivered   bool      `json:"delivered"`
	Read        bool      `json:"read"`
	DeliveredAt time.Time `json:"deliveredAt"`
	ReadAt      time.Time `json:"readAt"`
}

// Merge returns the OR-merge of r and o. Flags never revert to false and the
// earliest known timestamp wins. A read receipt implies delivery.
func (r Receipt) Merge(o Receipt) Receipt {
	out := r
	if o.Delivered {
		out.Delivered = true
		out.DeliveredAt = earliest(r.DeliveredAt, o.DeliveredAt)
	}
	if o.Read {
		out.Read = true
		out.ReadAt = earliest(r.ReadAt, o.ReadAt)
	}
	if out.Read && !out.Delivered {
		out.Delivered = true
		out.DeliveredAt = out.ReadAt
	}
	return out
}

func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	default:
		return a
	}
}

// DeliveryState maps recipient id to its receipt. The key set is the
// recipient snapshot taken when the message was created.
type DeliveryState map[string]Receipt

// NewDeliveryState creates an unacknowledged slot for every recipient.
func NewDeliveryState(recipients []string) DeliveryState {
	ds := make(DeliveryState, len(recipients))
	for _, r := range recipients {
		ds[r] = Receipt{}
	}
	return ds
}

// Clone returns a copy that shares nothing with d.
func (d DeliveryState) Clone() DeliveryState {
	if d == nil {
		return nil
	}
	out := make(DeliveryState, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Recipients returns the registered recipient ids in sorted order.
func (d DeliveryState) Recipients() []string {
	out := make([]string, 0, len(d))
	for k := range d {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// FullyDelivered reports whether every registered recipient has delivered=true.
func (d DeliveryState) FullyDelivered() bool {
	for _, r := range d {
		if !r.Delivered {
			return false
		}
	}
	return true
}

// MergeFrom OR-merges the receipts of o into d for recipients already present
// in d. Unknown recipients are ignored. It reports whether anything changed.
func (d DeliveryState) MergeFrom(o DeliveryState) bool {
	changed := false
	for id, incoming := range o {
		current, ok := d[id]
		if !ok {
			continue
		}
		merged := current.Merge(incoming)
		if merged != current {
			d[id] = merged
			changed = true
		}
	}
	return changed
}

// MediaRef is a stable reference to a payload held in the blob store.
type MediaRef struct {
	BlobID     string    `json:"blobId"`
	RemoteURL  string    `json:"remoteUrl"`
	SizeBytes  int64     `json:"sizeBytes"`
	UploadedAt time.Time `json:"uploadedAt"`
	MIME       string    `json:"mime,omitempty"`
	Digest     string    `json:"digest,omitempty"`
}

// Message is the remote document describing one sent message.
type Message struct {
	ID        string
	ChatID    string
	SenderID  string
	Content   Content
	CreatedAt time.Time
	// ExpiresAt is a hard upper bound on remote retention. Immutable once set.
	ExpiresAt time.Time
	Delivery  DeliveryState
	Lifecycle LifecycleState

	PendingSince time.Time
	DeletedAt    time.Time
	// CleanupRef is kept on Deleted tombstones so that a failed blob delete
	// can be retried. It is never rendered.
	CleanupRef *MediaRef

	// Version is bumped by the document store on every write.
	Version uint64
}

// ContentType returns the tag of the message content, or 0 for tombstones.
func (m *Message) ContentType() ContentType {
	if m.Content == nil {
		return 0
	}
	return m.Content.Type()
}

// Media returns the media reference of the message, if any. Tombstones
// report their cleanup reference.
func (m *Message) Media() *MediaRef {
	if m.Content == nil {
		if m.CleanupRef == nil {
			return nil
		}
		ref := *m.CleanupRef
		return &ref
	}
	return m.Content.MediaRef()
}

// TextBody returns the inline text of a text message.
func (m *Message) TextBody() string {
	if t, ok := m.Content.(Text); ok {
		return t.Body
	}
	return ""
}

// Expired reports whether the hard TTL has passed at now.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Delivery = m.Delivery.Clone()
	if m.CleanupRef != nil {
		ref := *m.CleanupRef
		out.CleanupRef = &ref
	}
	return &out
}

// Validate checks the structural invariants of a freshly built message.
func (m *Message) Validate() error {
	if m.ID == "" || m.ChatID == "" || m.SenderID == "" {
		return fmt.Errorf("%w: id, chat and sender are required", ErrInvalidMessage)
	}
	if m.Content == nil {
		return fmt.Errorf("%w: content is required", ErrInvalidMessage)
	}
	if len(m.Delivery) == 0 {
		return ErrNoRecipients
	}
	if _, ok := m.Delivery[m.SenderID]; ok {
		return fmt.Errorf("%w: sender %s cannot be a recipient", ErrInvalidMessage, m.SenderID)
	}
	if !m.ExpiresAt.IsZero() && !m.ExpiresAt.After(m.CreatedAt) {
		return fmt.Errorf("%w: expiresAt must be after createdAt", ErrInvalidMessage)
	}
	return nil
}

// Apply mutates m according to p and reports whether anything changed.
// Receipts OR-merge into the existing recipient snapshot, lifecycle moves
// forward only, and entering Deleted strips the content down to a cleanup
// reference. ExpectedVersion is checked by the caller (the store), not here.
func (m *Message) Apply(p Patch) bool {
	changed := false
	if len(p.Receipts) > 0 && m.Lifecycle != StateDeleted {
		if m.Delivery.MergeFrom(p.Receipts) {
			changed = true
		}
	}
	if p.Advance != nil && m.Lifecycle.CanAdvanceTo(*p.Advance) {
		at := p.At
		switch *p.Advance {
		case StatePendingDeletion:
			m.PendingSince = at
		case StateDeleted:
			m.DeletedAt = at
			m.CleanupRef = m.Media()
			m.Content = nil
		}
		m.Lifecycle = *p.Advance
		changed = true
	}
	return changed
}

type wireMessage struct {
	ID           string          `json:"id"`
	ChatID       string          `json:"chatId"`
	SenderID     string          `json:"senderId"`
	Content      json.RawMessage `json:"content,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ExpiresAt    time.Time       `json:"expiresAt"`
	Delivery     DeliveryState   `json:"deliveryState"`
	Lifecycle    LifecycleState  `json:"lifecycleState"`
	PendingSince time.Time       `json:"pendingSince"`
	DeletedAt    time.Time       `json:"deletedAt"`
	CleanupRef   *MediaRef       `json:"cleanupRef,omitempty"`
	Version      uint64          `json:"version"`
}

// MarshalJSON encodes the message with its content as a tagged envelope.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		ID:           m.ID,
		ChatID:       m.ChatID,
		SenderID:     m.SenderID,
		CreatedAt:    m.CreatedAt,
		ExpiresAt:    m.ExpiresAt,
		Delivery:     m.Delivery,
		Lifecycle:    m.Lifecycle,
		PendingSince: m.PendingSince,
		DeletedAt:    m.DeletedAt,
		CleanupRef:   m.CleanupRef,
		Version:      m.Version,
	}
	if m.Content != nil {
		raw, err := MarshalContent(m.Content)
		if err != nil {
			return nil, err
		}
		w.Content = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a message produced by MarshalJSON.
func (m *Message) UnmarshalJSON(b []byte) error {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*m = Message{
		ID:           w.ID,
		ChatID:       w.ChatID,
		SenderID:     w.SenderID,
		CreatedAt:    w.CreatedAt,
		ExpiresAt:    w.ExpiresAt,
		Delivery:     w.Delivery,
		Lifecycle:    w.Lifecycle,
		PendingSince: w.PendingSince,
		DeletedAt:    w.DeletedAt,
		CleanupRef:   w.CleanupRef,
		Version:      w.Version,
	}
	if len(w.Content) > 0 && string(w.Content) != "null" {
		c, err := UnmarshalContent(w.Content)
		if err != nil {
			return err
		}
		m.Content = c
	}
	return nil
}

// EncodedSize returns the size in bytes of the JSON document for m.
func (m *Message) EncodedSize() (int, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}
