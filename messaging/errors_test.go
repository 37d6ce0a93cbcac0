package messaging

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpErrorUnwrapsKindAndCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := &OpError{Op: "send", Kind: ErrUploadFailed, MessageID: "m1", Retryable: true, Err: cause}

	assert.ErrorIs(t, err, ErrUploadFailed)
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsRetryable(err))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", err)))
	assert.Equal(t, "send m1: upload failed: connection reset", err.Error())
}

func TestIsRetryableRejectsPlainErrors(t *testing.T) {
	assert.False(t, IsRetryable(ErrUploadFailed))
	assert.False(t, IsRetryable(&OpError{Op: "send", Kind: ErrLocalWriteFailed}))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(fmt.Errorf("blob x: %w", ErrNotFound)))
	assert.False(t, IsNotFound(ErrConflict))
}
