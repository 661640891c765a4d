// Package config holds all datasage configuration, loaded from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all datasage configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Reasoning backend configuration
	LLM LLMConfig `yaml:"llm"`

	// Context budgeting
	Budget BudgetConfig `yaml:"budget"`

	// Code generation
	Codegen CodegenConfig `yaml:"codegen"`

	// Sandboxed execution
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Orchestration loop
	Engine EngineConfig `yaml:"engine"`

	// Data ingestion
	Ingest IngestConfig `yaml:"ingest"`

	// Persistence
	Store StoreConfig `yaml:"store"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the reasoning backend.
type LLMConfig struct {
	Provider string `yaml:"provider"` // anthropic, openai, gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// BudgetConfig configures context assembly and digest compaction.
type BudgetConfig struct {
	// Maximum tokens per backend call
	MaxContextTokens int `yaml:"max_context_tokens"`

	// Token estimation divisor (chars per token)
	CharsPerToken int `yaml:"chars_per_token"`

	// Digest compaction threshold in characters
	DigestLimitChars int `yaml:"digest_limit_chars"`

	// Rounds kept verbatim when the digest is compacted
	DigestKeepRounds int `yaml:"digest_keep_rounds"`
}

// CodegenConfig configures the generation/repair loop.
type CodegenConfig struct {
	// Attempts per step before the step is marked failed
	RetryCeiling int `yaml:"retry_ceiling"`

	// Reuse cached code for unchanged step fingerprints
	CacheEnabled bool `yaml:"cache_enabled"`
}

// SandboxConfig configures interpreted execution.
type SandboxConfig struct {
	// Wall-clock limit per execution
	Timeout string `yaml:"timeout"`

	// Additional stdlib imports allowed beyond the built-in list
	ExtraImports []string `yaml:"extra_imports"`
}

// EngineConfig configures the orchestrator.
type EngineConfig struct {
	// Total analyses before the run stops
	MaxAnalyses int `yaml:"max_analyses"`

	// Simultaneous workers in concurrent mode (1 = sequential)
	MaxParallel int `yaml:"max_parallel"`
}

// IngestConfig configures dataset loading.
type IngestConfig struct {
	// Rows sampled for the data profile
	SampleRows int `yaml:"sample_rows"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console, json
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "datasage",
		Version: "0.3.0",

		LLM: LLMConfig{
			Provider: "anthropic",
			Model:    "claude-sonnet-4-20250514",
			BaseURL:  "",
			Timeout:  "120s",
		},

		Budget: BudgetConfig{
			MaxContextTokens: 16000,
			CharsPerToken:    4,
			DigestLimitChars: 6000,
			DigestKeepRounds: 3,
		},

		Codegen: CodegenConfig{
			RetryCeiling: 3,
			CacheEnabled: true,
		},

		Sandbox: SandboxConfig{
			Timeout: "300s",
		},

		Engine: EngineConfig{
			MaxAnalyses: 10,
			MaxParallel: 1,
		},

		Ingest: IngestConfig{
			SampleRows: 10,
		},

		Store: StoreConfig{
			DatabasePath: "data/datasage.db",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			File:   "",
		},
	}
}

// Load loads configuration from a YAML file. A missing file returns the
// defaults rather than an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides. Provider keys
// are checked in priority order; the last one present wins the provider.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "anthropic"
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "openai"
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "gemini"
	}

	if path := os.Getenv("DATASAGE_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if model := os.Getenv("DATASAGE_MODEL"); model != "" {
		c.LLM.Model = model
	}
}

// GetLLMTimeout returns the backend timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetSandboxTimeout returns the execution timeout as a duration.
func (c *Config) GetSandboxTimeout() time.Duration {
	d, err := time.ParseDuration(c.Sandbox.Timeout)
	if err != nil {
		return 300 * time.Second
	}
	return d
}

// ValidProviders lists all supported reasoning backend providers.
var ValidProviders = []string{"anthropic", "openai", "gemini"}

// Validate checks the configuration for usability.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("backend API key not configured (set ANTHROPIC_API_KEY, OPENAI_API_KEY, or GEMINI_API_KEY)")
	}

	validProvider := false
	for _, p := range ValidProviders {
		if c.LLM.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("unknown provider %q (valid: %v)", c.LLM.Provider, ValidProviders)
	}

	if c.Engine.MaxParallel < 1 {
		return fmt.Errorf("engine.max_parallel must be at least 1")
	}
	if c.Engine.MaxAnalyses < 1 {
		return fmt.Errorf("engine.max_analyses must be at least 1")
	}
	if c.Codegen.RetryCeiling < 1 {
		return fmt.Errorf("codegen.retry_ceiling must be at least 1")
	}
	if c.Budget.MaxContextTokens < 100 {
		return fmt.Errorf("budget.max_context_tokens too small")
	}

	return nil
}
