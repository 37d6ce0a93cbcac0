package factory

import (
	"os"
	"testing"
	"time"

	"github.com/opd-ai/ephemera/interfaces"
	"github.com/opd-ai/ephemera/real"
	testsim "github.com/opd-ai/ephemera/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var syncEnvVars = []string{
	"EPHEMERA_SYNC_USE_SIMULATION",
	"EPHEMERA_SYNC_ENDPOINT",
	"EPHEMERA_SYNC_DIAL_TIMEOUT",
	"EPHEMERA_SYNC_DIAL_ATTEMPTS",
	"EPHEMERA_SYNC_DUPLICATE_EVERY",
}

func clearSyncEnv(t *testing.T) {
	t.Helper()
	for _, k := range syncEnvVars {
		if v, ok := os.LookupEnv(k); ok {
			t.Setenv(k, v)
			os.Unsetenv(k)
		}
	}
}

// TestNewFeedFactory verifies default factory creation
func TestNewFeedFactory(t *testing.T) {
	clearSyncEnv(t)
	factory := NewFeedFactory()

	config := factory.currentConfig()
	require.NotNil(t, config)
	assert.False(t, config.UseSimulation)
	assert.Equal(t, 5*time.Second, config.DialTimeout)
	assert.Equal(t, 3, config.DialAttempts)

	// The copy returned is detached from the factory.
	config.UseSimulation = true
	assert.False(t, factory.currentConfig().UseSimulation)
}

// TestEnvironmentVariableParsing verifies environment variable handling
func TestEnvironmentVariableParsing(t *testing.T) {
	tests := []struct {
		name      string
		envKey    string
		envValue  string
		checkFunc func(*interfaces.FeedConfig) bool
	}{
		{"simulation_true", "EPHEMERA_SYNC_USE_SIMULATION", "true", func(c *interfaces.FeedConfig) bool { return c.UseSimulation }},
		{"simulation_invalid", "EPHEMERA_SYNC_USE_SIMULATION", "maybe", func(c *interfaces.FeedConfig) bool { return !c.UseSimulation }},
		{"endpoint", "EPHEMERA_SYNC_ENDPOINT", "ws://hub:8080/sync", func(c *interfaces.FeedConfig) bool { return c.Endpoint == "ws://hub:8080/sync" }},
		{"dial_timeout", "EPHEMERA_SYNC_DIAL_TIMEOUT", "2s", func(c *interfaces.FeedConfig) bool { return c.DialTimeout == 2*time.Second }},
		{"dial_timeout_too_small", "EPHEMERA_SYNC_DIAL_TIMEOUT", "1ms", func(c *interfaces.FeedConfig) bool { return c.DialTimeout == 5*time.Second }},
		{"dial_timeout_invalid", "EPHEMERA_SYNC_DIAL_TIMEOUT", "soon", func(c *interfaces.FeedConfig) bool { return c.DialTimeout == 5*time.Second }},
		{"dial_attempts", "EPHEMERA_SYNC_DIAL_ATTEMPTS", "7", func(c *interfaces.FeedConfig) bool { return c.DialAttempts == 7 }},
		{"dial_attempts_zero", "EPHEMERA_SYNC_DIAL_ATTEMPTS", "0", func(c *interfaces.FeedConfig) bool { return c.DialAttempts == 3 }},
		{"duplicate_every", "EPHEMERA_SYNC_DUPLICATE_EVERY", "4", func(c *interfaces.FeedConfig) bool { return c.DuplicateEvery == 4 }},
		{"duplicate_negative", "EPHEMERA_SYNC_DUPLICATE_EVERY", "-1", func(c *interfaces.FeedConfig) bool { return c.DuplicateEvery == 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearSyncEnv(t)
			t.Setenv(tt.envKey, tt.envValue)
			config := NewFeedFactory().currentConfig()
			assert.True(t, tt.checkFunc(config), "unexpected config %+v", config)
		})
	}
}

func TestCreateFeedSelectsImplementation(t *testing.T) {
	clearSyncEnv(t)

	_, err := NewFeedFactory().CreateFeed()
	assert.ErrorIs(t, err, interfaces.ErrMissingEndpoint)

	factory := NewFeedFactoryWithConfig(interfaces.FeedConfig{
		Endpoint:    "ws://localhost:9/sync",
		DialTimeout: time.Second,
	})
	feed, err := factory.CreateFeed()
	require.NoError(t, err)
	assert.IsType(t, &real.Feed{}, feed)
	assert.False(t, feed.IsSimulation())

	feed, err = factory.CreateFeedWithConfig(&interfaces.FeedConfig{UseSimulation: true, DialTimeout: time.Second})
	require.NoError(t, err)
	sim, ok := feed.(*testsim.SimulatedFeed)
	require.True(t, ok)
	assert.True(t, sim.IsSimulation())
	sim.Close()

	t.Setenv("EPHEMERA_SYNC_USE_SIMULATION", "true")
	feed, err = NewFeedFactoryWithConfig(interfaces.FeedConfig{DialTimeout: time.Second}).CreateFeed()
	require.NoError(t, err)
	assert.True(t, feed.IsSimulation())
	feed.(*testsim.SimulatedFeed).Close()
}

func TestCreateFeedRejectsInvalidConfig(t *testing.T) {
	clearSyncEnv(t)
	_, err := NewFeedFactory().CreateFeedWithConfig(&interfaces.FeedConfig{UseSimulation: true})
	assert.ErrorIs(t, err, interfaces.ErrInvalidTimeout)
}

func TestCreateSimulationForTesting(t *testing.T) {
	feed := NewFeedFactory().CreateSimulationForTesting(WithDuplicateEvery(2), WithBufferSize(8))
	defer feed.Close()
	assert.True(t, feed.IsSimulation())
}
