package queue

import (
	"flag"
	"time"

	"github.com/loghaul/loghaul/pkg/util"
)

// Config for the durable message queue client.
type Config struct {
	Endpoint string `yaml:"endpoint"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	MaxConns int    `yaml:"max_conns"`

	StreamName       string `yaml:"stream_name"`
	GroupName        string `yaml:"group_name"`
	DeadLetterStream string `yaml:"dead_letter_stream"`
	// MaxStreamLen caps the stream with an approximate trim on append.
	// Zero disables the cap.
	MaxStreamLen int64 `yaml:"max_stream_len"`

	AppendRetries int           `yaml:"append_retries"`
	AppendBackoff time.Duration `yaml:"append_backoff"`

	CacheQueryTTL time.Duration `yaml:"cache_query_ttl"`
	CacheStatsTTL time.Duration `yaml:"cache_stats_ttl"`
}

// RegisterFlagsAndApplyDefaults registers flags and applies defaults
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Endpoint, util.PrefixConfig(prefix, "endpoint"), "localhost:6379", "Redis endpoint for the log stream and cache.")
	f.StringVar(&cfg.StreamName, util.PrefixConfig(prefix, "stream-name"), "logs:stream", "Stream the ingest front end appends to.")
	f.StringVar(&cfg.GroupName, util.PrefixConfig(prefix, "group-name"), "log_workers", "Consumer group shared by the worker pool.")

	cfg.MaxConns = 200
	cfg.DeadLetterStream = "logs:deadletter"
	cfg.AppendRetries = 3
	cfg.AppendBackoff = 100 * time.Millisecond
	cfg.CacheQueryTTL = 5 * time.Minute
	cfg.CacheStatsTTL = time.Minute
}
