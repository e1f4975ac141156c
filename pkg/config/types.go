package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Security       SecurityConfig       `yaml:"security"`
	Logging        LoggingConfig        `yaml:"logging"`
	Engine         EngineConfig         `yaml:"engine"`
	BatchOperation BatchOperationConfig `yaml:"batch_operation"`
	Retention      RetentionConfig      `yaml:"retention"`
}

// ServerConfig holds http settings and the data directory.
type ServerConfig struct {
	Address string    `yaml:"address"`
	Port    int       `yaml:"port"`
	DBPath  string    `yaml:"db_path"`
	TLS     TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate configuration.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SecurityConfig holds admin access settings.
type SecurityConfig struct {
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	APIKeys struct {
		Admin []string `yaml:"admin"`
	} `yaml:"api_keys"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// EngineConfig sizes the partitions.
type EngineConfig struct {
	Partitions    int       `yaml:"partitions"`
	MaxAppendSize SizeBytes `yaml:"max_append_size"`
	// NoSync skips fsync on log and state writes. Only for tests and
	// throwaway deployments.
	NoSync bool `yaml:"no_sync"`
}

// BatchOperationConfig tunes the per-partition scheduler.
type BatchOperationConfig struct {
	SchedulerInterval       Duration `yaml:"scheduler_interval"`
	ChunkSize               int      `yaml:"chunk_size"`
	QueryPageSize           int      `yaml:"query_page_size"`
	QueryRetryMax           int      `yaml:"query_retry_max"`
	QueryRetryInitialDelay  Duration `yaml:"query_retry_initial_delay"`
	QueryRetryMaxDelay      Duration `yaml:"query_retry_max_delay"`
	QueryRetryBackoffFactor float64  `yaml:"query_retry_backoff_factor"`
}

// RetentionConfig holds configuration for the automatic purge runner.
type RetentionConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Cron         string   `yaml:"cron"`
	Period       Duration `yaml:"period"`
	BatchSize    int      `yaml:"batch_size"`
	BatchSleepMs int      `yaml:"batch_sleep_ms"`
	DryRun       bool     `yaml:"dry_run"`
	Paused       bool     `yaml:"paused"`
	MinPeriod    Duration `yaml:"min_period"`
	// LockTTL is the lease TTL a runner holds while purging.
	LockTTL Duration `yaml:"lock_ttl"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "4MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	v, err := parseSizeBytes(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func (s SizeBytes) String() string { return humanize.IBytes(uint64(s)) }

func parseSizeBytes(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	return 0, errors.Newf("invalid size value: %q", raw)
}

// Duration is a wrapper around time.Duration that supports YAML parsing from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func parseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, errors.Newf("invalid duration value: %q", raw)
}
