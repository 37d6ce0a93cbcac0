package interfaces

import (
	"errors"
	"testing"
	"time"
)

// TestFeedConfigValidate tests the Validate method of FeedConfig.
func TestFeedConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  FeedConfig
		wantErr error
	}{
		{
			name:    "valid simulation",
			config:  FeedConfig{UseSimulation: true, DialTimeout: time.Second},
			wantErr: nil,
		},
		{
			name:    "valid real feed",
			config:  FeedConfig{Endpoint: "ws://localhost:8080/sync", DialTimeout: 5 * time.Second},
			wantErr: nil,
		},
		{
			name:    "zero timeout",
			config:  FeedConfig{UseSimulation: true},
			wantErr: ErrInvalidTimeout,
		},
		{
			name:    "negative duplicate rate",
			config:  FeedConfig{UseSimulation: true, DialTimeout: time.Second, DuplicateEvery: -1},
			wantErr: ErrInvalidDuplicateRate,
		},
		{
			name:    "real feed without endpoint",
			config:  FeedConfig{DialTimeout: time.Second},
			wantErr: ErrMissingEndpoint,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultTimeProvider(t *testing.T) {
	before := time.Now()
	got := DefaultTimeProvider{}.Now()
	if got.Before(before) || got.After(time.Now()) {
		t.Errorf("DefaultTimeProvider.Now() returned time outside expected range")
	}
}
