package ingester

import (
	"flag"
	"time"

	"github.com/loghaul/loghaul/pkg/util"
)

// Config for the ingest front end.
type Config struct {
	MaxBatchSize      int `yaml:"max_batch_size"`
	MaxQueryLimit     int `yaml:"max_query_limit"`
	DefaultQueryLimit int `yaml:"default_query_limit"`

	// DependencyProbeTimeout bounds each health probe round-trip.
	DependencyProbeTimeout time.Duration `yaml:"dependency_probe_timeout"`

	// BreakerOpenFor is how long the store read breaker stays open after
	// tripping. Reads degrade to 503 while cached entries keep serving.
	BreakerOpenFor time.Duration `yaml:"breaker_open_for"`
}

// RegisterFlagsAndApplyDefaults registers flags and applies defaults
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxBatchSize, util.PrefixConfig(prefix, "max-batch-size"), 1000, "Maximum records accepted in one batch submission.")

	cfg.MaxQueryLimit = 1000
	cfg.DefaultQueryLimit = 100
	cfg.DependencyProbeTimeout = 2 * time.Second
	cfg.BreakerOpenFor = 10 * time.Second
}
