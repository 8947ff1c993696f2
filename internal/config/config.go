// Package config loads the pipeline configuration: YAML file, profile
// defaults, and LOCALDB_* environment overrides, in that order of
// precedence (env wins).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile selects a set of tuning defaults. The algorithms are
// profile-independent; only injected parameters differ.
type Profile string

const (
	// ProfileFastIteration favors small batches and an in-memory graph
	// index for quick local development loops.
	ProfileFastIteration Profile = "fast-iteration"

	// ProfileLargeCorpus favors large batches and the partitioned
	// serving index rebuilt offline.
	ProfileLargeCorpus Profile = "large-corpus"
)

// Config is the complete pipeline configuration.
type Config struct {
	Version  int            `yaml:"version"`
	Profile  Profile        `yaml:"profile"`
	Paths    PathsConfig    `yaml:"paths"`
	Embed    EmbedConfig    `yaml:"embeddings"`
	Backfill BackfillConfig `yaml:"backfill"`
	Index    IndexConfig    `yaml:"index"`
	Search   SearchConfig   `yaml:"search"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// PathsConfig locates on-disk state.
type PathsConfig struct {
	// DataDir is the root directory for the database, index artifacts
	// and logs. Default: ~/.localdb
	DataDir string `yaml:"data_dir"`
}

// EmbedConfig configures the embedding provider.
type EmbedConfig struct {
	// Provider selects the embedder: "static" or "ollama".
	Provider string `yaml:"provider"`

	// Model is the Ollama embedding model.
	Model string `yaml:"model"`

	// OllamaHost is the Ollama API endpoint.
	OllamaHost string `yaml:"ollama_host"`

	// Dimensions overrides auto-detection when non-zero.
	Dimensions int `yaml:"dimensions"`

	// MaxBatchLen is the maximum texts per provider call.
	MaxBatchLen int `yaml:"max_batch_len"`

	// Timeout bounds a single provider request.
	Timeout time.Duration `yaml:"timeout"`
}

// BackfillConfig configures the embedding backfill engine.
type BackfillConfig struct {
	// BatchSize bounds the rows selected per cycle.
	BatchSize int `yaml:"batch_size"`

	// Workers is the number of concurrent claim workers.
	Workers int `yaml:"workers"`

	// CacheEntries bounds the in-process cache layer.
	CacheEntries int `yaml:"cache_entries"`

	// BreakerMaxFailures opens the provider circuit breaker.
	BreakerMaxFailures int `yaml:"breaker_max_failures"`

	// BreakerResetTimeout is the open-state cooldown.
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout"`

	// ClaimTTL is how long an in-progress claim may age before a run
	// reclaims it from a crashed worker.
	ClaimTTL time.Duration `yaml:"claim_ttl"`
}

// IndexConfig configures index build and validation.
type IndexConfig struct {
	// ValidationSamples is the number of self-queries before a flip.
	ValidationSamples int `yaml:"validation_samples"`

	// ValidationK is the per-validation-query result count.
	ValidationK int `yaml:"validation_k"`
}

// SearchConfig configures query-time tuning.
type SearchConfig struct {
	// MaxResults caps k for interactive queries.
	MaxResults int `yaml:"max_results"`

	// Nprobe is the number of partitions scanned per vector query.
	Nprobe int `yaml:"nprobe"`

	// Refine is the over-retrieval factor before exact re-ranking.
	Refine int `yaml:"refine"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// Default returns the configuration for the given profile.
func Default(profile Profile) *Config {
	cfg := &Config{
		Version: 1,
		Profile: profile,
		Paths:   PathsConfig{DataDir: defaultDataDir()},
		Embed: EmbedConfig{
			Provider:    "static",
			Model:       "nomic-embed-text",
			OllamaHost:  "http://localhost:11434",
			MaxBatchLen: 64,
			Timeout:     60 * time.Second,
		},
		Backfill: BackfillConfig{
			BatchSize:           64,
			Workers:             4,
			CacheEntries:        4096,
			BreakerMaxFailures:  5,
			BreakerResetTimeout: 30 * time.Second,
			ClaimTTL:            15 * time.Minute,
		},
		Index: IndexConfig{
			ValidationSamples: 10,
			ValidationK:       32,
		},
		Search: SearchConfig{
			MaxResults: 50,
			Nprobe:     16,
			Refine:     4,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}

	switch profile {
	case ProfileLargeCorpus:
		cfg.Embed.Provider = "ollama"
		cfg.Backfill.BatchSize = 512
		cfg.Backfill.Workers = 8
		cfg.Backfill.CacheEntries = 65536
		cfg.Search.Nprobe = 64
	case ProfileFastIteration:
		// baseline defaults above
	}
	return cfg
}

// Load reads the config file at path, falling back to profile defaults
// when the file does not exist, then applies environment overrides.
// An empty path selects the default location under the data directory.
func Load(path string) (*Config, error) {
	if path == "" {
		path = filepath.Join(defaultDataDir(), "config.yaml")
	}

	cfg := Default(ProfileFastIteration)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if fileCfg.Profile != "" && fileCfg.Profile != cfg.Profile {
			cfg = Default(fileCfg.Profile)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Profile {
	case ProfileFastIteration, ProfileLargeCorpus:
	default:
		return fmt.Errorf("unknown profile %q", c.Profile)
	}
	switch c.Embed.Provider {
	case "static", "ollama":
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Embed.Provider)
	}
	if c.Backfill.BatchSize < 1 {
		return fmt.Errorf("backfill batch_size must be positive, got %d", c.Backfill.BatchSize)
	}
	if c.Backfill.Workers < 1 {
		return fmt.Errorf("backfill workers must be positive, got %d", c.Backfill.Workers)
	}
	if c.Search.Refine < 1 {
		return fmt.Errorf("search refine must be at least 1, got %d", c.Search.Refine)
	}
	return nil
}

// DatabasePath returns the SQLite database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "localdb.db")
}

// IndexDir returns the index artifact directory.
func (c *Config) IndexDir() string {
	return filepath.Join(c.Paths.DataDir, "indexes")
}

// LexicalPath returns the lexical index directory.
func (c *Config) LexicalPath() string {
	return filepath.Join(c.Paths.DataDir, "lexical.bleve")
}

// applyEnvOverrides applies LOCALDB_* variables on top of file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LOCALDB_PROFILE"); v != "" {
		c.Profile = Profile(v)
	}
	if v := os.Getenv("LOCALDB_DATA_DIR"); v != "" {
		c.Paths.DataDir = v
	}
	if v := os.Getenv("LOCALDB_EMBED_PROVIDER"); v != "" {
		c.Embed.Provider = v
	}
	if v := os.Getenv("LOCALDB_EMBED_MODEL"); v != "" {
		c.Embed.Model = v
	}
	if v := os.Getenv("LOCALDB_OLLAMA_HOST"); v != "" {
		c.Embed.OllamaHost = v
	}
	if v := os.Getenv("LOCALDB_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Backfill.BatchSize = n
		}
	}
	if v := os.Getenv("LOCALDB_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Backfill.Workers = n
		}
	}
	if v := os.Getenv("LOCALDB_NPROBE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Search.Nprobe = n
		}
	}
	if v := os.Getenv("LOCALDB_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "localdb")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "localdb")
	}
	return filepath.Join(home, ".localdb")
}
