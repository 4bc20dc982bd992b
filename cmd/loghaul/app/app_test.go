package app

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("test", flag.PanicOnError))

	require.Equal(t, SingleBinary, cfg.Target)
	require.Equal(t, 3200, cfg.Server.HTTPListenPort)
	require.Equal(t, "logfmt", cfg.Server.LogFormat)
	require.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)

	require.Equal(t, "logs:stream", cfg.Queue.StreamName)
	require.Equal(t, "log_workers", cfg.Queue.GroupName)
	require.Equal(t, "logs:deadletter", cfg.Queue.DeadLetterStream)

	require.Equal(t, 10, cfg.Store.Pool.Size)
	require.Equal(t, 5, cfg.Store.Pool.Overflow)
	require.Equal(t, 30*time.Second, cfg.Store.Pool.AcquireTimeout)

	require.Equal(t, 1000, cfg.Ingester.MaxBatchSize)
	require.Equal(t, 100, cfg.Ingester.DefaultQueryLimit)

	require.Equal(t, 4, cfg.Worker.PoolSize)
	require.Equal(t, 100, cfg.Worker.BatchSize)
	require.Greater(t, cfg.Worker.ClaimIdleThreshold, cfg.Worker.ReadBlock)
}

func TestConfigYAMLOverlay(t *testing.T) {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("test", flag.PanicOnError))

	raw := `
target: worker
queue:
  endpoint: redis:6379
  max_stream_len: 100000
store:
  pool:
    size: 20
worker:
  pool_size: 8
`
	require.NoError(t, yaml.UnmarshalStrict([]byte(raw), &cfg))

	require.Equal(t, Worker, cfg.Target)
	require.Equal(t, "redis:6379", cfg.Queue.Endpoint)
	require.Equal(t, int64(100000), cfg.Queue.MaxStreamLen)
	require.Equal(t, 20, cfg.Store.Pool.Size)
	require.Equal(t, 8, cfg.Worker.PoolSize)

	// Untouched sections keep their defaults.
	require.Equal(t, "logs:stream", cfg.Queue.StreamName)
	require.Equal(t, 5, cfg.Store.Pool.Overflow)
}

func TestConfigRoundTrip(t *testing.T) {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("test", flag.PanicOnError))

	// The /config handler serializes the full config; everything must
	// survive a marshal/unmarshal cycle under strict decoding.
	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)

	got := Config{}
	require.NoError(t, yaml.UnmarshalStrict(out, &got))
	require.Equal(t, cfg.Queue, got.Queue)
	require.Equal(t, cfg.Store, got.Store)
	require.Equal(t, cfg.Worker, got.Worker)
}
