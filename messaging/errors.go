package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrUploadFailed indicates a media upload did not complete.
	ErrUploadFailed = errors.New("upload failed")
	// ErrDownloadFailed indicates a media payload could not be fetched.
	ErrDownloadFailed = errors.New("download failed")
	// ErrRemoteWriteFailed indicates a remote document write did not complete.
	ErrRemoteWriteFailed = errors.New("remote write failed")
	// ErrRemoteDeleteFailed indicates a remote delete did not complete. The
	// item is left for the next sweep.
	ErrRemoteDeleteFailed = errors.New("remote delete failed")
	// ErrLocalWriteFailed indicates the device could not durably cache a
	// message. Fatal to the send path.
	ErrLocalWriteFailed = errors.New("local write failed")
	// ErrNotFound indicates the entity does not exist. Treated as success by
	// every delete path.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned by a document store on duplicate create.
	ErrAlreadyExists = errors.New("already exists")
	// ErrConflict is returned when a conditional update loses a version race.
	ErrConflict = errors.New("version conflict")
	// ErrRejected marks a collaborator refusal that retrying will not fix.
	ErrRejected = errors.New("rejected")

	// ErrNoRecipients indicates a send with nobody to deliver to.
	ErrNoRecipients = errors.New("message has no recipients")
	// ErrInvalidMessage indicates malformed input.
	ErrInvalidMessage = errors.New("invalid message")
)

// OpError is the typed result of a failed lifecycle operation.
type OpError struct {
	Op        string
	Kind      error
	MessageID string
	Retryable bool
	Err       error
}

func (e *OpError) Error() string {
	msg := e.Op
	if e.MessageID != "" {
		msg += " " + e.MessageID
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", msg, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", msg, e.Kind, e.Err)
}

// Unwrap exposes both the taxonomy kind and the underlying cause.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsRetryable reports whether err is an OpError the caller may retry.
func IsRetryable(err error) bool {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Retryable
	}
	return false
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
