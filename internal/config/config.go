// Package config loads gofastd's configuration: github.com/spf13/viper
// layered over flags, environment variables, and an optional config file,
// extended with the storage engine's own sizing and eviction-policy
// options, and with github.com/fsnotify/fsnotify wired for safe hot-reload
// of non-topology fields.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/gofast-cache/gofast/internal/seg"
	"github.com/gofast-cache/gofast/internal/wire"
)

// EngineConfig holds the storage engine's sizing and eviction-policy knobs.
// The Store reads them once, at construction. Watch rejects a reloaded file
// that changes segment_size, heap_size, hash_power or overflow_factor; a
// reload that changes any other engine field is accepted into the Config
// but has no effect on the running Store.
type EngineConfig struct {
	SegmentSize    int     `mapstructure:"segment_size"`
	HeapSize       int64   `mapstructure:"heap_size"`
	HashPower      uint    `mapstructure:"hash_power"`
	OverflowFactor float64 `mapstructure:"overflow_factor"`
	Eviction       string  `mapstructure:"eviction"`
	MergeTarget    int     `mapstructure:"merge_target"`
	MergeMax       int     `mapstructure:"merge_max"`
	CompactTarget  float64 `mapstructure:"compact_target"`
	MaxKeyLen      int     `mapstructure:"max_key_len"`
	MaxValueSize   int     `mapstructure:"max_value_size"`
	MaxBatchSize   int     `mapstructure:"max_batch_size"`
	TTLMode        string  `mapstructure:"ttl_mode"`
}

// Config holds all configuration for the gofastd server.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	MaxClients int           `mapstructure:"max_clients"`
	Timeout    time.Duration `mapstructure:"timeout"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	TCPKeepAlive bool          `mapstructure:"tcp_keepalive"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	Engine EngineConfig `mapstructure:"engine"`
}

// DefaultConfig returns a Config with default values, the engine sized for
// a modest single-process cache.
func DefaultConfig() *Config {
	return &Config{
		Host:         "localhost",
		Port:         11311,
		MaxClients:   10000,
		Timeout:      30 * time.Second,
		LogLevel:     "info",
		LogFormat:    "text",
		TCPKeepAlive: true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		Engine: EngineConfig{
			SegmentSize:    1 << 20,
			HeapSize:       1 << 30,
			HashPower:      20,
			OverflowFactor: 0.1,
			Eviction:       "Merge",
			MergeTarget:    4,
			MergeMax:       8,
			CompactTarget:  0.6,
			MaxKeyLen:      250,
			MaxValueSize:   1 << 20,
			MaxBatchSize:   64,
			TTLMode:        "memcache",
		},
	}
}

// Load reads configuration from environment variables, an optional config
// file named gofastd.yaml, and command-line flags bound by cmd/gofastd.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	viper.SetConfigName("gofastd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/gofastd/")
	viper.AddConfigPath("$HOME/.gofastd")

	viper.SetEnvPrefix("GOFASTD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	setDefaults(cfg)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: error reading config file: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: error unmarshaling config: %w", err)
	}
	return cfg, nil
}

func setDefaults(cfg *Config) {
	viper.SetDefault("host", cfg.Host)
	viper.SetDefault("port", cfg.Port)
	viper.SetDefault("max_clients", cfg.MaxClients)
	viper.SetDefault("timeout", cfg.Timeout)
	viper.SetDefault("log_level", cfg.LogLevel)
	viper.SetDefault("log_format", cfg.LogFormat)
	viper.SetDefault("tcp_keepalive", cfg.TCPKeepAlive)
	viper.SetDefault("read_timeout", cfg.ReadTimeout)
	viper.SetDefault("write_timeout", cfg.WriteTimeout)
	viper.SetDefault("engine.segment_size", cfg.Engine.SegmentSize)
	viper.SetDefault("engine.heap_size", cfg.Engine.HeapSize)
	viper.SetDefault("engine.hash_power", cfg.Engine.HashPower)
	viper.SetDefault("engine.overflow_factor", cfg.Engine.OverflowFactor)
	viper.SetDefault("engine.eviction", cfg.Engine.Eviction)
	viper.SetDefault("engine.merge_target", cfg.Engine.MergeTarget)
	viper.SetDefault("engine.merge_max", cfg.Engine.MergeMax)
	viper.SetDefault("engine.compact_target", cfg.Engine.CompactTarget)
	viper.SetDefault("engine.max_key_len", cfg.Engine.MaxKeyLen)
	viper.SetDefault("engine.max_value_size", cfg.Engine.MaxValueSize)
	viper.SetDefault("engine.max_batch_size", cfg.Engine.MaxBatchSize)
	viper.SetDefault("engine.ttl_mode", cfg.Engine.TTLMode)
}

// Validate checks the configuration for obviously invalid values.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d (must be 1-65535)", c.Port)
	}
	if c.MaxClients < 1 {
		return fmt.Errorf("config: max_clients must be at least 1")
	}
	validLevels := []string{"trace", "debug", "info", "warn", "error", "fatal"}
	if !contains(validLevels, c.LogLevel) {
		return fmt.Errorf("config: invalid log_level %q (must be one of: %s)", c.LogLevel, strings.Join(validLevels, ", "))
	}
	if c.Engine.SegmentSize <= 0 || c.Engine.HeapSize <= 0 {
		return fmt.Errorf("config: engine.segment_size and engine.heap_size must be positive")
	}
	if c.Engine.HeapSize < int64(c.Engine.SegmentSize) {
		return fmt.Errorf("config: engine.heap_size must be at least one segment")
	}
	if _, err := parseEviction(c.Engine.Eviction); err != nil {
		return err
	}
	if _, err := parseTTLMode(c.Engine.TTLMode); err != nil {
		return err
	}
	return nil
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func parseEviction(name string) (seg.EvictionPolicy, error) {
	switch strings.ToLower(name) {
	case "none":
		return seg.EvictNone, nil
	case "random":
		return seg.EvictRandom, nil
	case "fifo":
		return seg.EvictFifo, nil
	case "cte":
		return seg.EvictCTE, nil
	case "util":
		return seg.EvictUtil, nil
	case "merge":
		return seg.EvictMerge, nil
	default:
		return 0, fmt.Errorf("config: unknown engine.eviction %q", name)
	}
}

func parseTTLMode(name string) (wire.TTLMode, error) {
	switch strings.ToLower(name) {
	case "", "memcache":
		return wire.TTLModeMemcache, nil
	case "unix":
		return wire.TTLModeUnix, nil
	default:
		return 0, fmt.Errorf("config: unknown engine.ttl_mode %q", name)
	}
}

// TTLMode parses the configured TTL interpretation, ready to pass to
// wire.Dispatcher.SetTTLMode.
func (c *Config) TTLMode() (wire.TTLMode, error) {
	return parseTTLMode(c.Engine.TTLMode)
}

// SegOptions converts the engine section into seg.Options, ready to pass to
// seg.NewStore.
func (c *Config) SegOptions() (seg.Options, error) {
	policy, err := parseEviction(c.Engine.Eviction)
	if err != nil {
		return seg.Options{}, err
	}
	return seg.Options{
		SegmentSize:    c.Engine.SegmentSize,
		HeapSize:       c.Engine.HeapSize,
		HashPower:      c.Engine.HashPower,
		OverflowFactor: c.Engine.OverflowFactor,
		MagicEnabled:   true,
		Eviction: seg.EvictionConfig{
			Policy:        policy,
			MergeTarget:   c.Engine.MergeTarget,
			MergeMax:      c.Engine.MergeMax,
			CompactTarget: c.Engine.CompactTarget,
		},
		MaxKeyLen:    c.Engine.MaxKeyLen,
		MaxValueSize: c.Engine.MaxValueSize,
		MaxBatchSize: c.Engine.MaxBatchSize,
	}, nil
}

// sameTopology reports whether the engine-affecting fields of two configs
// are identical — a reload that changes any of them cannot be applied to a
// running Store and must be rejected.
func sameTopology(a, b EngineConfig) bool {
	return a.SegmentSize == b.SegmentSize &&
		a.HeapSize == b.HeapSize &&
		a.HashPower == b.HashPower &&
		a.OverflowFactor == b.OverflowFactor
}

// Watch installs an fsnotify-backed config file watcher (via viper's
// WatchConfig) that re-reads the file on change and invokes onReload with
// the new Config, but only for safe, non-topology fields. A reload that
// would change segment_size, heap_size, hash_power or overflow_factor is
// rejected and reported through onRejected instead of being applied, since
// the Store backing those fields cannot be resized after NewStore.
func Watch(current *Config, onReload func(*Config), onRejected func(error)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		next := DefaultConfig()
		if err := viper.Unmarshal(next); err != nil {
			onRejected(fmt.Errorf("config: reload unmarshal failed: %w", err))
			return
		}
		if err := next.Validate(); err != nil {
			onRejected(fmt.Errorf("config: reload failed validation: %w", err))
			return
		}
		if !sameTopology(current.Engine, next.Engine) {
			onRejected(fmt.Errorf("config: reload changes engine topology, ignoring (restart required)"))
			return
		}
		*current = *next
		onReload(current)
	})
	viper.WatchConfig()
}
