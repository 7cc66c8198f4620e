// Package config loads the command line configuration from flags,
// INTERLEAVE_* environment variables and an optional config file.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/amirkhaki/interleave/pkg/engine"
	"github.com/amirkhaki/interleave/pkg/runtime"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "INTERLEAVE"

// DefaultTraceFile receives the trace of a found bug unless another file
// is configured.
const DefaultTraceFile = "interleave.trace"

// Store kinds.
const (
	StoreNone   = "none"
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreBadger = "badger"
	StoreRedis  = "redis"
)

// Config is the full configuration of a command.
type Config struct {
	Scenario          string `mapstructure:"scenario"`
	Iterations        int    `mapstructure:"iterations"`
	Iteration         int    `mapstructure:"iteration"`
	Strategy          string `mapstructure:"strategy"`
	Seed              uint64 `mapstructure:"seed"`
	Bound             int    `mapstructure:"bound"`
	Bias              int    `mapstructure:"bias"`
	MaxSteps          int    `mapstructure:"max_steps"`
	LivenessThreshold int    `mapstructure:"liveness_threshold"`
	// Timeout bounds the whole run in seconds; 0 means none.
	Timeout      int           `mapstructure:"timeout"`
	StallTimeout time.Duration `mapstructure:"stall_timeout"`
	LeakTimeout  time.Duration `mapstructure:"leak_timeout"`
	ScheduleFile string        `mapstructure:"schedule_file"`
	OutputTrace  string        `mapstructure:"output_trace"`
	MetricsFile  string        `mapstructure:"metrics_file"`
	Log          LogConfig     `mapstructure:"log"`
	Store        StoreConfig   `mapstructure:"store"`
}

type LogConfig struct {
	JSON      bool `mapstructure:"json"`
	Verbosity int  `mapstructure:"verbosity"`
}

type StoreConfig struct {
	Kind  string      `mapstructure:"kind"`
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	d := engine.DefaultConfig()
	v.SetDefault("scenario", "racy-write")
	v.SetDefault("iterations", d.Iterations)
	v.SetDefault("iteration", 0)
	v.SetDefault("strategy", runtime.KindRandom.String())
	v.SetDefault("seed", 0)
	v.SetDefault("bound", runtime.DefaultBound)
	v.SetDefault("bias", runtime.DefaultBias)
	v.SetDefault("max_steps", d.MaxSteps)
	v.SetDefault("liveness_threshold", d.LivenessThreshold)
	v.SetDefault("timeout", 0)
	v.SetDefault("stall_timeout", d.StallTimeout)
	v.SetDefault("leak_timeout", d.LeakTimeout)
	v.SetDefault("schedule_file", "")
	v.SetDefault("output_trace", DefaultTraceFile)
	v.SetDefault("metrics_file", "")
	v.SetDefault("log.json", false)
	v.SetDefault("log.verbosity", 0)
	v.SetDefault("store.kind", StoreNone)
	v.SetDefault("store.path", "")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "interleave:artifact:")
	v.SetDefault("store.redis.ttl", time.Duration(0))
}

// flagKeys maps command line flags to configuration keys when the two
// differ.
var flagKeys = map[string]string{
	"max-steps":          "max_steps",
	"liveness-threshold": "liveness_threshold",
	"stall-timeout":      "stall_timeout",
	"leak-timeout":       "leak_timeout",
	"schedule-file":      "schedule_file",
	"output-trace":       "output_trace",
	"metrics-file":       "metrics_file",
	"log-json":           "log.json",
	"verbose":            "log.verbosity",
	"store":              "store.kind",
	"store-path":         "store.path",
	"redis-addr":         "store.redis.addr",
	"redis-password":     "store.redis.password",
	"redis-db":           "store.redis.db",
	"redis-prefix":       "store.redis.prefix",
	"redis-ttl":          "store.redis.ttl",
}

// New returns a viper instance reading INTERLEAVE_* variables, with every
// default registered. A non-empty file is read as the config file.
func New(file string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", file)
		}
	}
	return v, nil
}

// BindFlags binds every flag in fs to its configuration key so that a flag
// set on the command line overrides the environment and the config file.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok {
			key = f.Name
		}
		err = errors.CombineErrors(err, v.BindPFlag(key, f))
	})
	return err
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "decode configuration")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	kind, err := runtime.ParseKind(c.Strategy)
	if err != nil {
		return err
	}
	if kind == runtime.KindReplay && c.ScheduleFile == "" {
		return errors.WithHint(errors.New("the replay strategy needs a recorded trace"), "set --schedule-file")
	}
	if c.Timeout < 0 {
		return errors.Newf("timeout must not be negative, got %d", c.Timeout)
	}
	if c.Iteration < 0 {
		return errors.Newf("start iteration must not be negative, got %d", c.Iteration)
	}
	switch c.Store.Kind {
	case StoreNone, StoreMemory, StoreRedis:
	case StoreFile, StoreBadger:
		if c.Store.Path == "" {
			return errors.WithHintf(errors.Newf("the %s store needs a path", c.Store.Kind), "set --store-path")
		}
	default:
		return errors.WithHintf(errors.Newf("unknown store %q", c.Store.Kind),
			"use one of %s", strings.Join([]string{StoreNone, StoreMemory, StoreFile, StoreBadger, StoreRedis}, ", "))
	}
	return c.EngineConfig().Validate()
}

// StrategyKind returns the parsed strategy name.
func (c *Config) StrategyKind() runtime.Kind {
	k, _ := runtime.ParseKind(c.Strategy)
	return k
}

// EngineConfig returns the engine part of c.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Iterations:        c.Iterations,
		MaxSteps:          c.MaxSteps,
		LivenessThreshold: c.LivenessThreshold,
		Timeout:           time.Duration(c.Timeout) * time.Second,
		StallTimeout:      c.StallTimeout,
		LeakTimeout:       c.LeakTimeout,
	}
}
