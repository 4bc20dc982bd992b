package worker

import (
	"flag"
	"time"

	"github.com/loghaul/loghaul/pkg/util"
)

// Config for the worker pool.
type Config struct {
	// ConsumerPrefix names this process's consumers. It must be stable
	// across restarts (so a restarted worker reclaims its own pending
	// entries) and unique per live process. Defaults to the hostname.
	ConsumerPrefix string `yaml:"consumer_prefix"`

	PoolSize  int           `yaml:"pool_size"`
	BatchSize int           `yaml:"batch_size"`
	ReadBlock time.Duration `yaml:"read_block"`

	ClaimIdleThreshold time.Duration `yaml:"claim_idle_threshold"`
	ClaimSweepInterval time.Duration `yaml:"claim_sweep_interval"`

	RetryBudget      int           `yaml:"retry_budget"`
	RetryBaseBackoff time.Duration `yaml:"retry_base_backoff"`
}

// RegisterFlagsAndApplyDefaults registers flags and applies defaults
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.ConsumerPrefix, util.PrefixConfig(prefix, "consumer-prefix"), "", "Stable name prefix for this process's consumers. Defaults to the hostname.")
	f.IntVar(&cfg.PoolSize, util.PrefixConfig(prefix, "pool-size"), 4, "Number of concurrent consumers in this process.")

	cfg.BatchSize = 100
	cfg.ReadBlock = 2 * time.Second
	cfg.ClaimIdleThreshold = time.Minute
	cfg.ClaimSweepInterval = 30 * time.Second
	cfg.RetryBudget = 3
	cfg.RetryBaseBackoff = 100 * time.Millisecond
}
