package config

import (
	"os"

	"github.com/adhocore/gronx"
	"github.com/cockroachdb/errors"
)

// ValidateConfig sets defaults and fails fast on critical errors.
func ValidateConfig(eff EffectiveConfigResult) error {
	cfg := eff.Config
	if cfg == nil {
		return errors.New("effective config is nil")
	}
	if eff.DBPath == "" {
		return errors.New("database path is empty: set --db flag, BATCHOPS_DB_PATH env, or server.db_path in config")
	}
	cfg.ApplyDefaults()

	// TLS cert/key presence check if one is set
	cert := cfg.Server.TLS.CertFile
	key := cfg.Server.TLS.KeyFile
	if (cert != "" && key == "") || (cert == "" && key != "") {
		return errors.New("incomplete TLS configuration: both server.tls.cert_file and server.tls.key_file must be set")
	}
	if cert != "" {
		if _, err := os.Stat(cert); err != nil {
			return errors.Wrap(err, "tls cert file not accessible")
		}
		if _, err := os.Stat(key); err != nil {
			return errors.Wrap(err, "tls key file not accessible")
		}
	}

	if cfg.Engine.MaxAppendSize < minMaxAppendSize {
		return errors.Newf("engine.max_append_size %s is below the minimum of %s", cfg.Engine.MaxAppendSize, SizeBytes(minMaxAppendSize))
	}
	if cfg.BatchOperation.QueryRetryBackoffFactor < 1 {
		return errors.Newf("batch_operation.query_retry_backoff_factor must be at least 1, got %v", cfg.BatchOperation.QueryRetryBackoffFactor)
	}
	if cfg.BatchOperation.QueryRetryMaxDelay < cfg.BatchOperation.QueryRetryInitialDelay {
		return errors.Newf("batch_operation.query_retry_max_delay %s is below query_retry_initial_delay %s",
			cfg.BatchOperation.QueryRetryMaxDelay, cfg.BatchOperation.QueryRetryInitialDelay)
	}

	ret := cfg.Retention
	if !gronx.New().IsValid(ret.Cron) {
		return errors.Newf("invalid retention.cron: %q is not a valid cron expression", ret.Cron)
	}
	if ret.Enabled && ret.Period < ret.MinPeriod {
		return errors.Newf("retention.period %s is below retention.min_period %s", ret.Period, ret.MinPeriod)
	}
	return nil
}
