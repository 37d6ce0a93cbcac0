// Package limits provides centralized size limits for message records and
// media payloads. This ensures consistent validation across components.
package limits

import (
	"errors"
	"fmt"
)

const (
	// InlineRecordCeiling is the largest encoded message document the remote
	// document store accepts (900 KiB). Anything bigger must be moved into the
	// blob store. This is a property of the store, not a tunable.
	InlineRecordCeiling = 900 * 1024

	// MaxMediaPayload is the largest blob accepted for upload (256 MiB).
	MaxMediaPayload = 256 * 1024 * 1024

	// MaxRecipients bounds the recipient snapshot of a single message.
	MaxRecipients = 1024

	// MaxCaption bounds captions and file names kept inline with media.
	MaxCaption = 4096
)

var (
	// ErrPayloadEmpty indicates an empty payload was provided
	ErrPayloadEmpty = errors.New("empty payload")

	// ErrPayloadTooLarge indicates a payload exceeds its maximum size
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrTooManyRecipients indicates the recipient snapshot is too large
	ErrTooManyRecipients = errors.New("too many recipients")
)

// ValidateSize validates a payload against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateSize(payload []byte, maxSize int) error {
	if len(payload) == 0 {
		return ErrPayloadEmpty
	}
	if len(payload) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrPayloadTooLarge, len(payload), maxSize)
	}
	return nil
}

// ExceedsInline reports whether an encoded record of the given size must be
// moved out of the document store.
func ExceedsInline(encodedSize int) bool {
	return encodedSize > InlineRecordCeiling
}

// ValidateInlineRecord validates an encoded document against InlineRecordCeiling.
func ValidateInlineRecord(encoded []byte) error {
	if len(encoded) == 0 {
		return ErrPayloadEmpty
	}
	if ExceedsInline(len(encoded)) {
		return fmt.Errorf("%w: record size %d exceeds inline ceiling %d", ErrPayloadTooLarge, len(encoded), InlineRecordCeiling)
	}
	return nil
}

// ValidateMediaPayload validates a blob against MaxMediaPayload.
func ValidateMediaPayload(payload []byte) error {
	if len(payload) == 0 {
		return ErrPayloadEmpty
	}
	if len(payload) > MaxMediaPayload {
		return fmt.Errorf("%w: media size %d exceeds limit %d", ErrPayloadTooLarge, len(payload), MaxMediaPayload)
	}
	return nil
}

// ValidateRecipients validates the size of a recipient snapshot.
func ValidateRecipients(n int) error {
	if n > MaxRecipients {
		return fmt.Errorf("%w: %d exceeds limit %d", ErrTooManyRecipients, n, MaxRecipients)
	}
	return nil
}
