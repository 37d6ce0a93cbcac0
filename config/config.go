package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"github.com/opd-ai/ephemera/expiry"
	"github.com/opd-ai/ephemera/interfaces"
	"github.com/opd-ai/ephemera/lifecycle"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Lifecycle: LifecycleConfig{
			GraceWindow:    Duration(lifecycle.DefaultGraceWindow),
			DefaultTTL:     Duration(lifecycle.DefaultTTL),
			UploadTimeout:  Duration(30 * time.Second),
			WriteTimeout:   Duration(lifecycle.DefaultWriteTimeout),
			TombstoneGrace: Duration(time.Minute),
		},
		Expiry: ExpiryConfig{
			Interval:         Duration(time.Hour),
			JitterPercent:    10,
			MaxRetries:       5,
			DeletesPerSecond: 50,
			BatchSize:        500,
			Scope:            expiry.ScopeParticipant,
		},
		Local: LocalConfig{
			Path:      "./ephemera-data",
			Retention: Duration(30 * 24 * time.Hour),
			SweepCron: "0 3 * * *",
			CacheSize: 8 << 20,
		},
		Sync: SyncConfig{
			DialTimeout:  Duration(5 * time.Second),
			DialAttempts: 3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads environment files, then the YAML file at path, then EPHEMERA_*
// environment overrides, and validates the result. Missing files are
// skipped. envFiles defaults to ".env".
func Load(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist):
			logrus.WithFields(logrus.Fields{
				"function": "Load",
				"path":     path,
			}).Info("Config file not found, using defaults")
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnvironmentOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvironmentOverrides applies EPHEMERA_* variables. Sync settings are
// read by the feed factory under EPHEMERA_SYNC_*.
func applyEnvironmentOverrides(cfg *Config) {
	setString("EPHEMERA_DEVICE_ID", &cfg.Device.ID)
	setString("EPHEMERA_USER_ID", &cfg.Device.UserID)
	setString("EPHEMERA_LOCAL_PATH", &cfg.Local.Path)
	setString("EPHEMERA_EXPIRY_CRON", &cfg.Expiry.Cron)
	setString("EPHEMERA_EXPIRY_SCOPE", &cfg.Expiry.Scope)
	setString("EPHEMERA_METRICS_LISTEN", &cfg.Metrics.Listen)
	setString("EPHEMERA_LOG_LEVEL", &cfg.Log.Level)
	setString("EPHEMERA_LOG_FORMAT", &cfg.Log.Format)
	setDuration("EPHEMERA_GRACE_WINDOW", &cfg.Lifecycle.GraceWindow)
	setDuration("EPHEMERA_DEFAULT_TTL", &cfg.Lifecycle.DefaultTTL)
	setDuration("EPHEMERA_EXPIRY_INTERVAL", &cfg.Expiry.Interval)
	setDuration("EPHEMERA_LOCAL_RETENTION", &cfg.Local.Retention)
	setInt("EPHEMERA_EXPIRY_DELETES_PER_SECOND", &cfg.Expiry.DeletesPerSecond)
}

func setString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setDuration(key string, dst *Duration) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	d, err := ParseDuration(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "applyEnvironmentOverrides",
			"env_var":     key,
			"value":       raw,
			"error":       err.Error(),
			"using_value": dst.String(),
		}).Warn("Failed to parse duration environment variable, using configured value")
		return
	}
	*dst = d
}

func setInt(key string, dst *int) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "applyEnvironmentOverrides",
			"env_var":     key,
			"value":       raw,
			"error":       err.Error(),
			"using_value": *dst,
		}).Warn("Failed to parse integer environment variable, using configured value")
		return
	}
	*dst = n
}

// Validate fails fast on settings the node cannot run with.
func (c *Config) Validate() error {
	if c.Device.ID == "" || c.Device.UserID == "" {
		return errors.New("device.id and device.user_id are required")
	}
	if c.Local.Path == "" {
		return errors.New("local.path is required")
	}

	positive := map[string]Duration{
		"lifecycle.grace_window":    c.Lifecycle.GraceWindow,
		"lifecycle.default_ttl":     c.Lifecycle.DefaultTTL,
		"lifecycle.upload_timeout":  c.Lifecycle.UploadTimeout,
		"lifecycle.write_timeout":   c.Lifecycle.WriteTimeout,
		"lifecycle.tombstone_grace": c.Lifecycle.TombstoneGrace,
		"local.retention":           c.Local.Retention,
		"sync.dial_timeout":         c.Sync.DialTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}

	gron := gronx.New()
	if c.Expiry.Cron != "" && !gron.IsValid(c.Expiry.Cron) {
		return fmt.Errorf("invalid expiry.cron %q: not a valid cron expression", c.Expiry.Cron)
	}
	if c.Local.SweepCron == "" || !gron.IsValid(c.Local.SweepCron) {
		return fmt.Errorf("invalid local.sweep_cron %q: not a valid cron expression", c.Local.SweepCron)
	}
	if err := c.ExpiryConfig().Validate(); err != nil {
		return fmt.Errorf("expiry: %w", err)
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// ConfigureLogging applies the log settings to the global logrus logger.
func (c *Config) ConfigureLogging() {
	if level, err := logrus.ParseLevel(c.Log.Level); err == nil {
		logrus.SetLevel(level)
	}
	if strings.EqualFold(c.Log.Format, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// LifecycleConfig returns the coordinator settings.
func (c *Config) LifecycleConfig() lifecycle.Config {
	return lifecycle.Config{
		UserID:       c.Device.UserID,
		DeviceID:     c.Device.ID,
		GraceWindow:  c.Lifecycle.GraceWindow.Duration(),
		DefaultTTL:   c.Lifecycle.DefaultTTL.Duration(),
		WriteTimeout: c.Lifecycle.WriteTimeout.Duration(),
	}
}

// ExpiryConfig returns the scheduler settings. Sweeps cover the messages the
// local user takes part in unless expiry.scope narrows or widens them.
func (c *Config) ExpiryConfig() expiry.Config {
	return expiry.Config{
		Interval:         c.Expiry.Interval.Duration(),
		Cron:             c.Expiry.Cron,
		JitterPercent:    c.Expiry.JitterPercent,
		MaxRetries:       c.Expiry.MaxRetries,
		DeletesPerSecond: c.Expiry.DeletesPerSecond,
		BatchSize:        c.Expiry.BatchSize,
		GraceWindow:      c.Lifecycle.GraceWindow.Duration(),
		TombstoneGrace:   c.Lifecycle.TombstoneGrace.Duration(),
		Owner:            c.Device.UserID,
		Scope:            c.Expiry.Scope,
	}
}

// FeedConfig returns the change feed settings before environment overrides.
func (c *Config) FeedConfig() interfaces.FeedConfig {
	return interfaces.FeedConfig{
		UseSimulation:  c.Sync.UseSimulation,
		Endpoint:       c.Sync.Endpoint,
		DialTimeout:    c.Sync.DialTimeout.Duration(),
		DialAttempts:   c.Sync.DialAttempts,
		DuplicateEvery: c.Sync.DuplicateEvery,
	}
}
