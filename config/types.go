package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the configuration of one ephemera device.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Expiry    ExpiryConfig    `yaml:"expiry"`
	Local     LocalConfig     `yaml:"local"`
	Sync      SyncConfig      `yaml:"sync"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// DeviceConfig identifies the local user and device.
type DeviceConfig struct {
	ID     string `yaml:"id"`
	UserID string `yaml:"user_id"`
}

// LifecycleConfig holds remote retention timings.
type LifecycleConfig struct {
	GraceWindow    Duration `yaml:"grace_window"`
	DefaultTTL     Duration `yaml:"default_ttl"`
	UploadTimeout  Duration `yaml:"upload_timeout"`
	WriteTimeout   Duration `yaml:"write_timeout"`
	TombstoneGrace Duration `yaml:"tombstone_grace"`
}

// ExpiryConfig holds the expiration sweep settings.
type ExpiryConfig struct {
	Interval         Duration `yaml:"interval"`
	Cron             string   `yaml:"cron"`
	JitterPercent    int      `yaml:"jitter_percent"`
	MaxRetries       int      `yaml:"max_retries"`
	DeletesPerSecond int      `yaml:"deletes_per_second"`
	BatchSize        int      `yaml:"batch_size"`
	// Scope is participant, owner or all.
	Scope string `yaml:"scope"`
}

// LocalConfig holds the device cache settings.
type LocalConfig struct {
	Path      string    `yaml:"path"`
	Retention Duration  `yaml:"retention"`
	SweepCron string    `yaml:"sweep_cron"`
	CacheSize SizeBytes `yaml:"cache_size"`
}

// SyncConfig selects and tunes the real-time change feed.
type SyncConfig struct {
	UseSimulation  bool     `yaml:"use_simulation"`
	Endpoint       string   `yaml:"endpoint"`
	DialTimeout    Duration `yaml:"dial_timeout"`
	DialAttempts   int      `yaml:"dial_attempts"`
	DuplicateEvery int      `yaml:"duplicate_every"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig controls logrus output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// SizeBytes is a byte count unmarshaled from strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*s = 0
		return nil
	}
	v, err := ParseSize(raw)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSize parses a human-friendly size.
func ParseSize(raw string) (SizeBytes, error) {
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil && i >= 0 {
		return SizeBytes(i), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func (s SizeBytes) String() string { return humanize.IBytes(uint64(s)) }

// Duration wraps time.Duration. It parses Go duration strings, a whole-day
// suffix such as "7d", or plain numbers interpreted as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = 0
		return nil
	}
	v, err := ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// ParseDuration parses the formats accepted by Duration.
func ParseDuration(raw string) (Duration, error) {
	if days, ok := strings.CutSuffix(raw, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration value: %q", raw)
		}
		return Duration(time.Duration(n) * 24 * time.Hour), nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }
