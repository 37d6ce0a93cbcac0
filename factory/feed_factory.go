package factory

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/opd-ai/ephemera/interfaces"
	"github.com/opd-ai/ephemera/real"
	testsim "github.com/opd-ai/ephemera/testing"
	"github.com/sirupsen/logrus"
)

// Validation constants for configuration bounds checking.
const (
	// MinDialTimeout is the minimum allowed dial timeout.
	MinDialTimeout = 100 * time.Millisecond
	// MaxDialTimeout is the maximum allowed dial timeout.
	MaxDialTimeout = 10 * time.Minute
	// MaxDialAttempts is the maximum allowed dial attempts.
	MaxDialAttempts = 100
)

// FeedFactory creates change feed implementations based on configuration.
// Its configuration is fixed at construction, so it is safe for concurrent use.
type FeedFactory struct {
	defaultConfig *interfaces.FeedConfig
}

// TestConfigOption is a functional option for customizing test simulation configuration.
type TestConfigOption func(*interfaces.FeedConfig)

// NewFeedFactory creates a new factory with default configuration and
// EPHEMERA_SYNC_* environment overrides applied.
func NewFeedFactory() *FeedFactory {
	return NewFeedFactoryWithConfig(createDefaultConfig())
}

// NewFeedFactoryWithConfig creates a factory starting from config instead of
// the built-in defaults. Environment overrides still apply.
func NewFeedFactoryWithConfig(config interfaces.FeedConfig) *FeedFactory {
	cfg := config
	applyEnvironmentOverrides(&cfg)
	logConfigurationInfo(&cfg)
	return &FeedFactory{defaultConfig: &cfg}
}

// createDefaultConfig returns the built-in defaults.
//
// Default Value Rationale:
//   - UseSimulation: false - production by default; simulation must be enabled explicitly
//   - DialTimeout: 5s - long enough for a TLS handshake on a slow mobile link
//   - DialAttempts: 3 - rides out a hub restart without stalling startup
func createDefaultConfig() interfaces.FeedConfig {
	return interfaces.FeedConfig{
		UseSimulation: false,
		DialTimeout:   5 * time.Second,
		DialAttempts:  3,
		BufferSize:    64,
	}
}

// applyEnvironmentOverrides updates configuration from EPHEMERA_SYNC_*
// variables. Invalid values are logged and ignored.
func applyEnvironmentOverrides(config *interfaces.FeedConfig) {
	parseSimulationSetting(config)
	parseEndpointSetting(config)
	parseDialTimeoutSetting(config)
	parseDialAttemptsSetting(config)
	parseDuplicateSetting(config)
}

func parseSimulationSetting(config *interfaces.FeedConfig) {
	if useSimStr := os.Getenv("EPHEMERA_SYNC_USE_SIMULATION"); useSimStr != "" {
		useSim, err := strconv.ParseBool(useSimStr)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "parseSimulationSetting",
				"env_var":     "EPHEMERA_SYNC_USE_SIMULATION",
				"value":       useSimStr,
				"error":       err.Error(),
				"using_value": config.UseSimulation,
			}).Warn("Failed to parse EPHEMERA_SYNC_USE_SIMULATION environment variable, using default")
			return
		}
		config.UseSimulation = useSim
	}
}

func parseEndpointSetting(config *interfaces.FeedConfig) {
	if endpoint := os.Getenv("EPHEMERA_SYNC_ENDPOINT"); endpoint != "" {
		config.Endpoint = endpoint
	}
}

// parseDialTimeoutSetting accepts Go duration syntax within
// [MinDialTimeout, MaxDialTimeout].
func parseDialTimeoutSetting(config *interfaces.FeedConfig) {
	if timeoutStr := os.Getenv("EPHEMERA_SYNC_DIAL_TIMEOUT"); timeoutStr != "" {
		timeout, err := time.ParseDuration(timeoutStr)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "parseDialTimeoutSetting",
				"env_var":     "EPHEMERA_SYNC_DIAL_TIMEOUT",
				"value":       timeoutStr,
				"error":       err.Error(),
				"using_value": config.DialTimeout.String(),
			}).Warn("Failed to parse EPHEMERA_SYNC_DIAL_TIMEOUT environment variable, using default")
			return
		}
		if timeout < MinDialTimeout || timeout > MaxDialTimeout {
			logrus.WithFields(logrus.Fields{
				"function":    "parseDialTimeoutSetting",
				"env_var":     "EPHEMERA_SYNC_DIAL_TIMEOUT",
				"value":       timeout.String(),
				"min":         MinDialTimeout.String(),
				"max":         MaxDialTimeout.String(),
				"using_value": config.DialTimeout.String(),
			}).Warn("EPHEMERA_SYNC_DIAL_TIMEOUT value out of bounds, using default")
			return
		}
		config.DialTimeout = timeout
	}
}

func parseDialAttemptsSetting(config *interfaces.FeedConfig) {
	if attemptsStr := os.Getenv("EPHEMERA_SYNC_DIAL_ATTEMPTS"); attemptsStr != "" {
		attempts, err := strconv.Atoi(attemptsStr)
		if err != nil || attempts < 1 || attempts > MaxDialAttempts {
			fields := logrus.Fields{
				"function":    "parseDialAttemptsSetting",
				"env_var":     "EPHEMERA_SYNC_DIAL_ATTEMPTS",
				"value":       attemptsStr,
				"max":         MaxDialAttempts,
				"using_value": config.DialAttempts,
			}
			if err != nil {
				fields["error"] = err.Error()
			}
			logrus.WithFields(fields).Warn("Invalid EPHEMERA_SYNC_DIAL_ATTEMPTS environment variable, using default")
			return
		}
		config.DialAttempts = attempts
	}
}

func parseDuplicateSetting(config *interfaces.FeedConfig) {
	if dupStr := os.Getenv("EPHEMERA_SYNC_DUPLICATE_EVERY"); dupStr != "" {
		every, err := strconv.Atoi(dupStr)
		if err != nil || every < 0 {
			logrus.WithFields(logrus.Fields{
				"function":    "parseDuplicateSetting",
				"env_var":     "EPHEMERA_SYNC_DUPLICATE_EVERY",
				"value":       dupStr,
				"using_value": config.DuplicateEvery,
			}).Warn("Invalid EPHEMERA_SYNC_DUPLICATE_EVERY environment variable, using default")
			return
		}
		config.DuplicateEvery = every
	}
}

func logConfigurationInfo(config *interfaces.FeedConfig) {
	logrus.WithFields(logrus.Fields{
		"function":        "NewFeedFactory",
		"use_simulation":  config.UseSimulation,
		"endpoint":        config.Endpoint,
		"dial_timeout":    config.DialTimeout.String(),
		"dial_attempts":   config.DialAttempts,
		"duplicate_every": config.DuplicateEvery,
	}).Info("Created feed factory with configuration")
}

// CreateFeed creates a change feed from the factory configuration.
func (f *FeedFactory) CreateFeed() (interfaces.ChangeFeed, error) {
	return f.CreateFeedWithConfig(nil)
}

// CreateFeedWithConfig creates a change feed from config, or from the
// factory configuration when config is nil.
func (f *FeedFactory) CreateFeedWithConfig(config *interfaces.FeedConfig) (interfaces.ChangeFeed, error) {
	if config == nil {
		config = f.currentConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid feed configuration: %w", err)
	}

	if config.UseSimulation {
		logrus.WithFields(logrus.Fields{
			"function": "CreateFeedWithConfig",
			"type":     "simulation",
		}).Info("Creating simulated change feed")
		return testsim.NewSimulatedFeed(config), nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "CreateFeedWithConfig",
		"type":     "real",
		"endpoint": config.Endpoint,
	}).Info("Creating websocket change feed")
	return real.NewFeed(config), nil
}

// WithDuplicateEvery makes the simulation re-deliver every nth event.
func WithDuplicateEvery(n int) TestConfigOption {
	return func(c *interfaces.FeedConfig) {
		c.DuplicateEvery = n
	}
}

// WithBufferSize sets the per-subscription buffer.
func WithBufferSize(n int) TestConfigOption {
	return func(c *interfaces.FeedConfig) {
		c.BufferSize = n
	}
}

// CreateSimulationForTesting creates a simulated feed for tests. The returned
// feed is also the publisher to hand to a document store.
func (f *FeedFactory) CreateSimulationForTesting(opts ...TestConfigOption) *testsim.SimulatedFeed {
	testConfig := &interfaces.FeedConfig{
		UseSimulation: true,
		DialTimeout:   time.Second,
	}
	for _, opt := range opts {
		opt(testConfig)
	}

	logrus.WithFields(logrus.Fields{
		"function":        "CreateSimulationForTesting",
		"duplicate_every": testConfig.DuplicateEvery,
		"buffer_size":     testConfig.BufferSize,
	}).Info("Creating simulation feed for testing")

	return testsim.NewSimulatedFeed(testConfig)
}

// currentConfig returns a copy of the factory configuration.
func (f *FeedFactory) currentConfig() *interfaces.FeedConfig {
	cfg := *f.defaultConfig
	return &cfg
}
