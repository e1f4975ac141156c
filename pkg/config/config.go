package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"batchops/pkg/batchop"
)

const (
	defaultPartitions    = 1
	defaultMaxAppendSize = 4 * 1024 * 1024 // 4 MiB
	minMaxAppendSize     = 64 * 1024

	// Retention defaults
	defaultRetentionLockTTL   = 300 * time.Second
	defaultRetentionCron      = "0 2 * * *" // daily at 02:00
	defaultRetentionPeriod    = 7 * 24 * time.Hour
	defaultRetentionMinPeriod = time.Hour
	defaultRetentionBatchSize = 1000

	defaultRateRPS   = 100
	defaultRateBurst = 200
)

// ErrConfigNotFound is returned by LoadConfigFile when the file is missing.
var ErrConfigNotFound = errors.New("config file not found")

// Addr returns the HTTP server address as host:port.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	port := c.Server.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

// LoadConfigFile reads and parses a config file.
func LoadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrConfigNotFound, "%s", path)
		}
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset value.
func (c *Config) ApplyDefaults() {
	if c.Engine.Partitions <= 0 {
		c.Engine.Partitions = defaultPartitions
	}
	if c.Engine.MaxAppendSize <= 0 {
		c.Engine.MaxAppendSize = SizeBytes(defaultMaxAppendSize)
	}

	bo := &c.BatchOperation
	if bo.SchedulerInterval <= 0 {
		bo.SchedulerInterval = Duration(batchop.DefaultSchedulerInterval)
	}
	if bo.ChunkSize <= 0 {
		bo.ChunkSize = batchop.DefaultChunkSize
	}
	if bo.QueryPageSize <= 0 {
		bo.QueryPageSize = batchop.DefaultQueryPageSize
	}
	if bo.QueryRetryMax <= 0 {
		bo.QueryRetryMax = batchop.DefaultQueryRetryMax
	}
	if bo.QueryRetryInitialDelay <= 0 {
		bo.QueryRetryInitialDelay = Duration(batchop.DefaultQueryRetryInitialDelay)
	}
	if bo.QueryRetryMaxDelay <= 0 {
		bo.QueryRetryMaxDelay = Duration(batchop.DefaultQueryRetryMaxDelay)
	}
	if bo.QueryRetryBackoffFactor <= 0 {
		bo.QueryRetryBackoffFactor = batchop.DefaultQueryRetryBackoffFactor
	}

	if c.Security.RateLimit.RPS <= 0 {
		c.Security.RateLimit.RPS = defaultRateRPS
	}
	if c.Security.RateLimit.Burst <= 0 {
		c.Security.RateLimit.Burst = defaultRateBurst
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	r := &c.Retention
	if r.LockTTL <= 0 {
		r.LockTTL = Duration(defaultRetentionLockTTL)
	}
	if r.Cron == "" {
		r.Cron = defaultRetentionCron
	}
	if r.Period <= 0 {
		r.Period = Duration(defaultRetentionPeriod)
	}
	if r.MinPeriod <= 0 {
		r.MinPeriod = Duration(defaultRetentionMinPeriod)
	}
	if r.BatchSize <= 0 {
		r.BatchSize = defaultRetentionBatchSize
	}
}

// BatchOp converts the batch_operation section for the scheduler.
func (c *Config) BatchOp() batchop.Config {
	bo := c.BatchOperation
	return batchop.Config{
		SchedulerInterval:       bo.SchedulerInterval.Duration(),
		ChunkSize:               bo.ChunkSize,
		QueryPageSize:           bo.QueryPageSize,
		QueryRetryMax:           bo.QueryRetryMax,
		QueryRetryInitialDelay:  bo.QueryRetryInitialDelay.Duration(),
		QueryRetryMaxDelay:      bo.QueryRetryMaxDelay.Duration(),
		QueryRetryBackoffFactor: bo.QueryRetryBackoffFactor,
	}
}

// ResolveConfigPath returns the config file path, preferring flag, then env.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("BATCHOPS_CONFIG"); p != "" {
		return p
	}
	return flagPath
}
