package config

import (
	"flag"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

const envPrefix = "BATCHOPS_"

// holds parsed command-line flag values and which were set
type Flags struct {
	Addr   string
	DB     string
	Config string
	Set    map[string]bool
}

// holds the result of LoadEffectiveConfig
type EffectiveConfigResult struct {
	Config *Config
	Addr   string
	DBPath string
	Source string // "flags", "config", or "env"
}

// ParseConfigFlags parses args (without the program name) into Flags.
func ParseConfigFlags(args []string) (Flags, error) {
	fs := flag.NewFlagSet("batchops", flag.ContinueOnError)
	addrPtr := fs.String("addr", ":8080", "HTTP listen address")
	dbPtr := fs.String("db", "./.database", "Pebble DB path")
	cfgPtr := fs.String("config", "./config.yaml", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// record which flags were set explicitly
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	return Flags{Addr: *addrPtr, DB: *dbPtr, Config: *cfgPtr, Set: setFlags}, nil
}

// loads config from file, returns config, found bool, and error
func ParseConfigFile(flags Flags) (*Config, bool, error) {
	cfgPath := ResolveConfigPath(flags.Config, flags.Set["config"])
	cfg, err := LoadConfigFile(cfgPath)
	if err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			return &Config{}, false, nil
		}
		return nil, false, err
	}
	return cfg, true, nil
}

// ParseConfigEnvs loads BATCHOPS_* variables into a new Config. The bool
// reports whether any of them was set.
func ParseConfigEnvs() (*Config, bool, error) {
	env := func(name string) string { return strings.TrimSpace(os.Getenv(envPrefix + name)) }

	envUsed := false
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, envPrefix) && !strings.HasPrefix(kv, envPrefix+"LOG_SINK=") && !strings.HasPrefix(kv, envPrefix+"CONFIG=") {
			envUsed = true
			break
		}
	}
	cfg := &Config{}
	var errs error
	fail := func(name string, err error) {
		errs = errors.CombineErrors(errs, errors.Wrapf(err, "%s%s", envPrefix, name))
	}

	setInt := func(name string, dst *int) {
		if v := env(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(name, err)
				return
			}
			*dst = n
		}
	}
	setFloat := func(name string, dst *float64) {
		if v := env(name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				fail(name, err)
				return
			}
			*dst = f
		}
	}
	setDuration := func(name string, dst *Duration) {
		if v := env(name); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				fail(name, err)
				return
			}
			*dst = d
		}
	}
	setBool := func(name string, dst *bool) {
		if v := env(name); v != "" {
			*dst = parseBool(v)
		}
	}

	if v := env("ADDR"); v != "" {
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = v
		}
	} else {
		cfg.Server.Address = env("SERVER_ADDRESS")
		setInt("SERVER_PORT", &cfg.Server.Port)
	}
	cfg.Server.DBPath = env("DB_PATH")
	cfg.Server.TLS.CertFile = env("TLS_CERT")
	cfg.Server.TLS.KeyFile = env("TLS_KEY")

	cfg.Security.APIKeys.Admin = parseList(env("API_ADMIN_KEYS"))
	setFloat("RATE_RPS", &cfg.Security.RateLimit.RPS)
	setInt("RATE_BURST", &cfg.Security.RateLimit.Burst)

	cfg.Logging.Level = env("LOG_LEVEL")

	setInt("PARTITIONS", &cfg.Engine.Partitions)
	if v := env("MAX_APPEND_SIZE"); v != "" {
		s, err := parseSizeBytes(v)
		if err != nil {
			fail("MAX_APPEND_SIZE", err)
		} else {
			cfg.Engine.MaxAppendSize = s
		}
	}
	setBool("NO_SYNC", &cfg.Engine.NoSync)

	bo := &cfg.BatchOperation
	setDuration("SCHEDULER_INTERVAL", &bo.SchedulerInterval)
	setInt("CHUNK_SIZE", &bo.ChunkSize)
	setInt("QUERY_PAGE_SIZE", &bo.QueryPageSize)
	setInt("QUERY_RETRY_MAX", &bo.QueryRetryMax)
	setDuration("QUERY_RETRY_INITIAL_DELAY", &bo.QueryRetryInitialDelay)
	setDuration("QUERY_RETRY_MAX_DELAY", &bo.QueryRetryMaxDelay)
	setFloat("QUERY_RETRY_BACKOFF_FACTOR", &bo.QueryRetryBackoffFactor)

	// data retention feature
	r := &cfg.Retention
	setBool("RETENTION_ENABLED", &r.Enabled)
	r.Cron = env("RETENTION_CRON")
	setDuration("RETENTION_PERIOD", &r.Period)
	setInt("RETENTION_BATCH_SIZE", &r.BatchSize)
	setInt("RETENTION_BATCH_SLEEP_MS", &r.BatchSleepMs)
	setBool("RETENTION_DRY_RUN", &r.DryRun)
	setDuration("RETENTION_MIN_PERIOD", &r.MinPeriod)
	setDuration("RETENTION_LOCK_TTL", &r.LockTTL)

	return cfg, envUsed, errs
}

// LoadEffectiveConfig decides which single source to use and returns the
// effective config plus resolved addr and dbPath. If --config is set, only
// the config file is used; otherwise flags if set; else the config file if
// present; else env.
func LoadEffectiveConfig(flags Flags, fileCfg *Config, fileExists bool, envCfg *Config) (EffectiveConfigResult, error) {
	var res EffectiveConfigResult

	if flags.Set["config"] {
		if !fileExists {
			return res, errors.Newf("config file %s not found", flags.Config)
		}
		return fromConfig(fileCfg, "config"), nil
	}

	if flags.Set["addr"] || flags.Set["db"] {
		base := envCfg
		if fileExists {
			base = fileCfg
		}
		out := *base
		addr := flags.Addr
		if !flags.Set["addr"] {
			addr = base.Addr()
		}
		dbPath := flags.DB
		if !flags.Set["db"] {
			if p := strings.TrimSpace(base.Server.DBPath); p != "" {
				dbPath = p
			}
		}
		host, port := splitAddr(addr)
		out.Server.Address = host
		out.Server.Port = port
		out.Server.DBPath = dbPath
		res.Config = &out
		res.Addr = addr
		res.DBPath = dbPath
		res.Source = "flags"
		return res, nil
	}

	if fileExists {
		return fromConfig(fileCfg, "config"), nil
	}
	return fromConfig(envCfg, "env"), nil
}

func fromConfig(c *Config, source string) EffectiveConfigResult {
	return EffectiveConfigResult{Config: c, Addr: c.Addr(), DBPath: c.Server.DBPath, Source: source}
}

// splits host:port, tolerating a bare host
func splitAddr(a string) (string, int) {
	h, p, err := net.SplitHostPort(a)
	if err != nil {
		return a, 0
	}
	pi, _ := strconv.Atoi(p)
	return h, pi
}

func parseList(v string) []string {
	if v == "" {
		return nil
	}
	var parts []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			parts = append(parts, s)
		}
	}
	return parts
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
