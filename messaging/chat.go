package messaging

import (
	"fmt"
	"sort"
	"time"
)

// ChatKind distinguishes one-to-one chats from groups.
type ChatKind uint8

const (
	// ChatDirect is a one-to-one conversation.
	ChatDirect ChatKind = iota
	// ChatGroup is a conversation with any number of participants.
	ChatGroup
)

// Chat is a conversation and its current membership.
type Chat struct {
	ID           string
	Kind         ChatKind
	Participants []string
}

// Recipients returns the sorted, de-duplicated participants other than
// sender. The result is the snapshot stored in a message's DeliveryState.
func (c Chat) Recipients(sender string) []string {
	return Recipients(sender, c.Participants)
}

// Validate checks membership rules for the chat kind.
func (c Chat) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: chat id is required", ErrInvalidMessage)
	}
	if c.Kind == ChatDirect && len(Recipients("", c.Participants)) != 2 {
		return fmt.Errorf("%w: direct chat %s needs exactly two participants", ErrInvalidMessage, c.ID)
	}
	return nil
}

// Recipients filters ids down to the distinct non-sender recipients.
func Recipients(sender string, ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || id == sender {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Provenance records how a local record reached this device.
type Provenance uint8

const (
	// SentByMe marks a message authored by the local user.
	SentByMe Provenance = iota
	// ReceivedFrom marks a message received from another participant.
	ReceivedFrom
)

func (p Provenance) String() string {
	if p == SentByMe {
		return "sent_by_me"
	}
	return "received_from"
}

// LocalRecord is the per-device durable copy of a message. It outlives the
// remote document and is removed only by local retention.
type LocalRecord struct {
	DeviceID  string    `json:"deviceId"`
	MessageID string    `json:"messageId"`
	ChatID    string    `json:"chatId"`
	Message   *Message  `json:"message"`
	Text      string    `json:"text,omitempty"`
	StoredAt  time.Time `json:"storedAt"`
	// Payload carries media bytes into the store. It is kept apart from the
	// record and read back with the store's Payload method.
	Payload []byte `json:"-"`

	Provenance Provenance `json:"provenance"`
	// PeerID is the sender for ReceivedFrom records.
	PeerID string `json:"peerId,omitempty"`

	RemoteDeletionObserved bool `json:"remoteDeletionObserved"`
}

// Body returns the full text of the record. Text that overflowed into a
// document attachment is still returned in full.
func (r *LocalRecord) Body() string {
	if r.Text != "" {
		return r.Text
	}
	if r.Message != nil {
		return r.Message.TextBody()
	}
	return ""
}
