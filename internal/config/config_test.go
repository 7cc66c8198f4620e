package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirkhaki/interleave/pkg/engine"
	"github.com/amirkhaki/interleave/pkg/runtime"
)

func TestDefaults(t *testing.T) {
	v, err := New("")
	require.NoError(t, err)
	c, err := Load(v)
	require.NoError(t, err)

	d := engine.DefaultConfig()
	assert.Equal(t, d.Iterations, c.Iterations)
	assert.Equal(t, d.MaxSteps, c.MaxSteps)
	assert.Equal(t, d.StallTimeout, c.StallTimeout)
	assert.Equal(t, "random", c.Strategy)
	assert.Equal(t, runtime.KindRandom, c.StrategyKind())
	assert.Equal(t, StoreNone, c.Store.Kind)
	assert.Equal(t, "localhost:6379", c.Store.Redis.Addr)
	assert.Equal(t, DefaultTraceFile, c.OutputTrace)
	assert.Zero(t, c.Iteration)
	assert.Equal(t, d, c.EngineConfig())
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("INTERLEAVE_ITERATIONS", "42")
	t.Setenv("INTERLEAVE_MAX_STEPS", "77")
	t.Setenv("INTERLEAVE_STORE_KIND", "memory")
	t.Setenv("INTERLEAVE_STORE_REDIS_TTL", "1m")

	v, err := New("")
	require.NoError(t, err)
	c, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 42, c.Iterations)
	assert.Equal(t, 77, c.MaxSteps)
	assert.Equal(t, StoreMemory, c.Store.Kind)
	assert.Equal(t, time.Minute, c.Store.Redis.TTL)
}

func TestConfigFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "interleave.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
strategy: pct
seed: 99
bound: 5
timeout: 30
store:
  kind: badger
  path: /tmp/artifacts
log:
  verbosity: 2
`), 0o644))

	v, err := New(file)
	require.NoError(t, err)
	c, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, runtime.KindPCT, c.StrategyKind())
	assert.Equal(t, uint64(99), c.Seed)
	assert.Equal(t, 5, c.Bound)
	assert.Equal(t, 30*time.Second, c.EngineConfig().Timeout)
	assert.Equal(t, StoreBadger, c.Store.Kind)
	assert.Equal(t, "/tmp/artifacts", c.Store.Path)
	assert.Equal(t, 2, c.Log.Verbosity)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("INTERLEAVE_MAX_STEPS", "77")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("max-steps", 0, "")
	fs.String("strategy", "", "")
	fs.Uint64("seed", 0, "")
	fs.String("store", "", "")
	fs.Duration("stall-timeout", 0, "")
	require.NoError(t, fs.Parse([]string{"--max-steps=12", "--strategy=dfs", "--seed=7", "--store=memory", "--stall-timeout=3s"}))

	v, err := New("")
	require.NoError(t, err)
	require.NoError(t, BindFlags(v, fs))
	c, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 12, c.MaxSteps)
	assert.Equal(t, runtime.KindDFS, c.StrategyKind())
	assert.Equal(t, uint64(7), c.Seed)
	assert.Equal(t, StoreMemory, c.Store.Kind)
	assert.Equal(t, 3*time.Second, c.StallTimeout)
}

func TestUnsetFlagKeepsDefault(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("iterations", 5, "")
	require.NoError(t, fs.Parse(nil))

	v, err := New("")
	require.NoError(t, err)
	require.NoError(t, BindFlags(v, fs))
	c, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, engine.DefaultConfig().Iterations, c.Iterations, "an unset flag must not override the default")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		v, err := New("")
		require.NoError(t, err)
		c, err := Load(v)
		require.NoError(t, err)
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		hint   string
	}{
		{"unknown strategy", func(c *Config) { c.Strategy = "bogus" }, ""},
		{"replay without schedule", func(c *Config) { c.Strategy = "replay" }, "--schedule-file"},
		{"negative timeout", func(c *Config) { c.Timeout = -1 }, ""},
		{"file store without path", func(c *Config) { c.Store.Kind = StoreFile }, "--store-path"},
		{"badger store without path", func(c *Config) { c.Store.Kind = StoreBadger }, "--store-path"},
		{"unknown store", func(c *Config) { c.Store.Kind = "s3" }, "redis"},
		{"zero iterations", func(c *Config) { c.Iterations = 0 }, ""},
		{"negative start iteration", func(c *Config) { c.Iteration = -3 }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			if tt.hint != "" {
				assert.Contains(t, errors.FlattenHints(err), tt.hint)
			}
		})
	}

	c := valid()
	c.Strategy = "replay"
	c.ScheduleFile = "bug.trace.jsonl"
	assert.NoError(t, c.Validate())
}
