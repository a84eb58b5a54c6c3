// Package config loads the orchestrator's YAML configuration. Missing keys
// fall back to package defaults, unknown keys are rejected, and invalid
// values surface as validation faults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/loom/runtime/cache"
	"goa.design/loom/runtime/executor"
	"goa.design/loom/runtime/fault"
	"goa.design/loom/runtime/memory"
	"goa.design/loom/runtime/reflection"
)

type (
	// Config is the full orchestrator configuration document.
	Config struct {
		// Pruning tunes tool-output pruning of session context.
		Pruning memory.PruningPolicy `yaml:"pruning"`

		// Compaction tunes whole-session compaction.
		Compaction memory.CompactionPolicy `yaml:"compaction"`

		// Cache sizes the LRU shards.
		Cache Cache `yaml:"cache"`

		// Executor tunes wave execution.
		Executor Executor `yaml:"executor"`

		// Reflection tunes the quality gate.
		Reflection Reflection `yaml:"reflection"`
	}

	// Cache sizes the four LRU shards and their expiry.
	Cache struct {
		// MaxSections caps the section shard entry count.
		MaxSections int `yaml:"maxSections"`

		// MaxContents caps the content shard entry count.
		MaxContents int `yaml:"maxContents"`

		// MaxSkills caps the skill shard entry count.
		MaxSkills int `yaml:"maxSkills"`

		// MaxParseResults caps the parse-result shard entry count.
		MaxParseResults int `yaml:"maxParseResults"`

		// TTL is the per-entry time to live, e.g. "5m".
		TTL Duration `yaml:"ttl"`

		// Jitter is the relative TTL spread in [0, 1).
		Jitter float64 `yaml:"jitter"`
	}

	// Executor tunes wave execution.
	Executor struct {
		// ParallelFanOut bounds concurrent tasks within a wave.
		ParallelFanOut int `yaml:"parallelFanOut"`

		// DefaultTimeoutMs bounds tasks that do not carry their own
		// timeout.
		DefaultTimeoutMs int `yaml:"defaultTimeoutMs"`
	}

	// Reflection tunes the quality gate.
	Reflection struct {
		// PassScore is the score at or above which a run passes, 0-100.
		PassScore int `yaml:"passScore"`
	}

	// Duration wraps time.Duration so YAML accepts "30s" and "5m".
	Duration time.Duration
)

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the wrapped time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Pruning:    memory.DefaultPruning(),
		Compaction: memory.DefaultCompaction(),
		Cache: Cache{
			MaxSections:     cache.DefaultMaxSections,
			MaxContents:     cache.DefaultMaxContents,
			MaxSkills:       cache.DefaultMaxSkills,
			MaxParseResults: cache.DefaultMaxParseResults,
			TTL:             Duration(cache.DefaultTTL),
			Jitter:          cache.DefaultJitter,
		},
		Executor: Executor{
			ParallelFanOut:   executor.DefaultParallelFanOut,
			DefaultTimeoutMs: int(executor.DefaultTaskTimeout / time.Millisecond),
		},
		Reflection: Reflection{
			PassScore: reflection.DefaultPassScore,
		},
	}
}

// Load reads and parses the YAML file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fault.Wrap(fault.KindValidation, fmt.Sprintf("read config %s", path), err)
	}
	return Parse(data)
}

// Parse decodes YAML into a Config. Unknown keys are rejected, missing or
// zero values fall back to defaults, and out-of-range values return a
// validation fault.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fault.Wrap(fault.KindValidation, "parse config", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects out-of-range values.
func (c Config) Validate() error {
	switch {
	case c.Pruning.ProtectWindow < 0:
		return fault.Newf(fault.KindValidation, "pruning.protectWindow must not be negative, got %d", c.Pruning.ProtectWindow)
	case c.Pruning.MinSavings < 0:
		return fault.Newf(fault.KindValidation, "pruning.minSavings must not be negative, got %d", c.Pruning.MinSavings)
	case c.Compaction.CompressionThreshold <= 0 || c.Compaction.CompressionThreshold > 1:
		return fault.Newf(fault.KindValidation, "compaction.compressionThreshold must be in (0, 1], got %v", c.Compaction.CompressionThreshold)
	case c.Compaction.MaxTokens < 0:
		return fault.Newf(fault.KindValidation, "compaction.maxTokens must not be negative, got %d", c.Compaction.MaxTokens)
	case c.Compaction.MinSavings < 0:
		return fault.Newf(fault.KindValidation, "compaction.minSavings must not be negative, got %d", c.Compaction.MinSavings)
	case c.Cache.MaxSections < 0 || c.Cache.MaxContents < 0 || c.Cache.MaxSkills < 0 || c.Cache.MaxParseResults < 0:
		return fault.New(fault.KindValidation, "cache shard capacities must not be negative")
	case c.Cache.TTL < 0:
		return fault.Newf(fault.KindValidation, "cache.ttl must not be negative, got %s", c.Cache.TTL.Duration())
	case c.Cache.Jitter < 0 || c.Cache.Jitter >= 1:
		return fault.Newf(fault.KindValidation, "cache.jitter must be in [0, 1), got %v", c.Cache.Jitter)
	case c.Executor.ParallelFanOut < 0:
		return fault.Newf(fault.KindValidation, "executor.parallelFanOut must not be negative, got %d", c.Executor.ParallelFanOut)
	case c.Executor.DefaultTimeoutMs < 0:
		return fault.Newf(fault.KindValidation, "executor.defaultTimeoutMs must not be negative, got %d", c.Executor.DefaultTimeoutMs)
	case c.Reflection.PassScore < 0 || c.Reflection.PassScore > 100:
		return fault.Newf(fault.KindValidation, "reflection.passScore must be in [0, 100], got %d", c.Reflection.PassScore)
	}
	return nil
}

// CacheConfig converts the cache section into the store's shape.
func (c Cache) CacheConfig() cache.Config {
	return cache.Config{
		MaxSections:     c.MaxSections,
		MaxContents:     c.MaxContents,
		MaxSkills:       c.MaxSkills,
		MaxParseResults: c.MaxParseResults,
	}
}

// ShardOptions converts the cache section into shard options.
func (c Cache) ShardOptions() []cache.Option {
	return []cache.Option{
		cache.WithTTL(c.TTL.Duration()),
		cache.WithJitter(c.Jitter),
	}
}

// DefaultTimeout returns the executor timeout as a duration.
func (e Executor) DefaultTimeout() time.Duration {
	return time.Duration(e.DefaultTimeoutMs) * time.Millisecond
}

// applyDefaults fills zero values with package defaults. An explicitly
// empty protected-tool list stays empty.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Pruning.ProtectWindow == 0 {
		c.Pruning.ProtectWindow = def.Pruning.ProtectWindow
	}
	if c.Pruning.MinSavings == 0 {
		c.Pruning.MinSavings = def.Pruning.MinSavings
	}
	if c.Pruning.ProtectedTools == nil {
		c.Pruning.ProtectedTools = def.Pruning.ProtectedTools
	}
	if c.Compaction.MaxTokens == 0 {
		c.Compaction.MaxTokens = def.Compaction.MaxTokens
	}
	if c.Compaction.CompressionThreshold == 0 {
		c.Compaction.CompressionThreshold = def.Compaction.CompressionThreshold
	}
	if c.Compaction.MinSavings == 0 {
		c.Compaction.MinSavings = def.Compaction.MinSavings
	}
	if c.Cache.MaxSections == 0 {
		c.Cache.MaxSections = def.Cache.MaxSections
	}
	if c.Cache.MaxContents == 0 {
		c.Cache.MaxContents = def.Cache.MaxContents
	}
	if c.Cache.MaxSkills == 0 {
		c.Cache.MaxSkills = def.Cache.MaxSkills
	}
	if c.Cache.MaxParseResults == 0 {
		c.Cache.MaxParseResults = def.Cache.MaxParseResults
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = def.Cache.TTL
	}
	if c.Cache.Jitter == 0 {
		c.Cache.Jitter = def.Cache.Jitter
	}
	if c.Executor.ParallelFanOut == 0 {
		c.Executor.ParallelFanOut = def.Executor.ParallelFanOut
	}
	if c.Executor.DefaultTimeoutMs == 0 {
		c.Executor.DefaultTimeoutMs = def.Executor.DefaultTimeoutMs
	}
	if c.Reflection.PassScore == 0 {
		c.Reflection.PassScore = def.Reflection.PassScore
	}
}
